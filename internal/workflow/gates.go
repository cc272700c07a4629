package workflow

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/conductord/internal/store"
)

// Violation is a failed gate check.
type Violation struct {
	Gate        string `json:"gate"`
	Description string `json:"description"`
}

// GateError lists the violations that blocked an approval.
type GateError struct {
	Violations []Violation
}

func (e *GateError) Error() string {
	parts := make([]string, len(e.Violations))
	for i, v := range e.Violations {
		parts[i] = fmt.Sprintf("%s: %s", v.Gate, v.Description)
	}
	return "approval gate failed: " + strings.Join(parts, "; ")
}

// Unwrap lets errors.Is match ErrGateFailed.
func (e *GateError) Unwrap() error {
	return ErrGateFailed
}

// Gate checks whether an approval may proceed.
type Gate interface {
	Name() string
	Check(wf *store.Workflow, opts ApproveOptions) []Violation
}

// AwaitingApprovalGate requires a pending artifact or pulse proposal.
type AwaitingApprovalGate struct{}

// Name returns the gate identifier.
func (AwaitingApprovalGate) Name() string { return "awaiting-approval" }

// Check implements Gate.
func (g AwaitingApprovalGate) Check(wf *store.Workflow, _ ApproveOptions) []Violation {
	if wf.AwaitingApproval {
		return nil
	}
	return []Violation{{Gate: g.Name(), Description: fmt.Sprintf("workflow is not awaiting approval in stage %s", wf.Stage)}}
}

// MergeGate requires a merge strategy and commit message when approving
// the review stage.
type MergeGate struct{}

// Name returns the gate identifier.
func (MergeGate) Name() string { return "merge-options" }

// Check implements Gate.
func (g MergeGate) Check(wf *store.Workflow, opts ApproveOptions) []Violation {
	if wf.Stage != store.StageReview {
		return nil
	}
	var vs []Violation
	switch opts.MergeStrategy {
	case MergeStrategyMerge, MergeStrategySquash, MergeStrategyRebase:
	case "":
		vs = append(vs, Violation{Gate: g.Name(), Description: "merge strategy is required"})
	default:
		vs = append(vs, Violation{Gate: g.Name(), Description: fmt.Sprintf("unknown merge strategy %q", opts.MergeStrategy)})
	}
	if strings.TrimSpace(opts.CommitMessage) == "" {
		vs = append(vs, Violation{Gate: g.Name(), Description: "commit message is required"})
	}
	return vs
}

// DefaultGates returns the gates every approval passes through.
func DefaultGates() []Gate {
	return []Gate{AwaitingApprovalGate{}, MergeGate{}}
}

func checkGates(gates []Gate, wf *store.Workflow, opts ApproveOptions) error {
	var all []Violation
	for _, g := range gates {
		all = append(all, g.Check(wf, opts)...)
	}
	if len(all) > 0 {
		return &GateError{Violations: all}
	}
	return nil
}
