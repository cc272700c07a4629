package subtask

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind is the type of delegated work.
type Kind string

const (
	KindResearch  Kind = "research"
	KindImplement Kind = "implement"
	KindReview    Kind = "review"
	KindVerify    Kind = "verify"
)

// Errors for task definitions and findings.
var (
	ErrInvalidTaskDef  = errors.New("invalid task definition")
	ErrInvalidFindings = errors.New("invalid findings")
	ErrCorruptTaskDef  = errors.New("stored task definition is corrupt")
)

// TaskDef is a tagged union: Kind selects which one of the variant
// fields is set.
type TaskDef struct {
	Kind  Kind   `json:"kind"`
	Label string `json:"label,omitempty"`

	Research  *ResearchTask  `json:"research,omitempty"`
	Implement *ImplementTask `json:"implement,omitempty"`
	Review    *ReviewTask    `json:"review,omitempty"`
	Verify    *VerifyTask    `json:"verify,omitempty"`
}

// ResearchTask asks a question about the codebase or domain.
type ResearchTask struct {
	Question string   `json:"question"`
	Paths    []string `json:"paths,omitempty"`
}

// ImplementTask asks for a code change.
type ImplementTask struct {
	Description string   `json:"description"`
	Files       []string `json:"files,omitempty"`
}

// ReviewTask asks for a review of a change.
type ReviewTask struct {
	Target string   `json:"target"`
	Focus  []string `json:"focus,omitempty"`
}

// VerifyTask asks for a command to be run and checked.
type VerifyTask struct {
	Command string `json:"command"`
	Expect  string `json:"expect,omitempty"`
}

// Validate checks that exactly the variant selected by Kind is set and
// carries its required field.
func (t TaskDef) Validate() error {
	set := 0
	for _, v := range []bool{t.Research != nil, t.Implement != nil, t.Review != nil, t.Verify != nil} {
		if v {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one variant must be set, got %d", ErrInvalidTaskDef, set)
	}

	switch t.Kind {
	case KindResearch:
		if t.Research == nil || strings.TrimSpace(t.Research.Question) == "" {
			return fmt.Errorf("%w: research task needs a question", ErrInvalidTaskDef)
		}
	case KindImplement:
		if t.Implement == nil || strings.TrimSpace(t.Implement.Description) == "" {
			return fmt.Errorf("%w: implement task needs a description", ErrInvalidTaskDef)
		}
	case KindReview:
		if t.Review == nil || strings.TrimSpace(t.Review.Target) == "" {
			return fmt.Errorf("%w: review task needs a target", ErrInvalidTaskDef)
		}
	case KindVerify:
		if t.Verify == nil || strings.TrimSpace(t.Verify.Command) == "" {
			return fmt.Errorf("%w: verify task needs a command", ErrInvalidTaskDef)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidTaskDef, t.Kind)
	}
	return nil
}

// DisplayLabel is the human label used to key merged results.
func (t TaskDef) DisplayLabel() string {
	if t.Label != "" {
		return t.Label
	}
	var detail string
	switch t.Kind {
	case KindResearch:
		detail = t.Research.Question
	case KindImplement:
		detail = t.Implement.Description
	case KindReview:
		detail = t.Review.Target
	case KindVerify:
		detail = t.Verify.Command
	}
	return titleCase(string(t.Kind)) + ": " + truncate(detail, 60)
}

// Prompt renders the input of the session that runs the task.
func (t TaskDef) Prompt() string {
	var b strings.Builder
	switch t.Kind {
	case KindResearch:
		fmt.Fprintf(&b, "Research the following question and report a summary with sources.\n\n%s\n", t.Research.Question)
		writeList(&b, "Start from", t.Research.Paths)
	case KindImplement:
		fmt.Fprintf(&b, "Implement the following change and report the files you changed.\n\n%s\n", t.Implement.Description)
		writeList(&b, "Files", t.Implement.Files)
	case KindReview:
		fmt.Fprintf(&b, "Review %s and report any issues.\n", t.Review.Target)
		writeList(&b, "Focus on", t.Review.Focus)
	case KindVerify:
		fmt.Fprintf(&b, "Run `%s` and report whether it passed.\n", t.Verify.Command)
		if t.Verify.Expect != "" {
			fmt.Fprintf(&b, "\nExpected: %s\n", t.Verify.Expect)
		}
	}
	return b.String()
}

// Findings is the tagged-union result of a subtask. Its Kind must match
// the kind of the task it answers.
type Findings struct {
	Kind Kind `json:"kind"`

	Research  *ResearchFindings  `json:"research,omitempty"`
	Implement *ImplementFindings `json:"implement,omitempty"`
	Review    *ReviewFindings    `json:"review,omitempty"`
	Verify    *VerifyFindings    `json:"verify,omitempty"`
}

// ResearchFindings answers a research task.
type ResearchFindings struct {
	Summary string   `json:"summary"`
	Sources []string `json:"sources,omitempty"`
}

// ImplementFindings reports a code change.
type ImplementFindings struct {
	Summary      string   `json:"summary"`
	ChangedFiles []string `json:"changed_files,omitempty"`
}

// ReviewFindings reports a review.
type ReviewFindings struct {
	Summary  string   `json:"summary"`
	Issues   []string `json:"issues,omitempty"`
	Approved bool     `json:"approved"`
}

// VerifyFindings reports a verification run.
type VerifyFindings struct {
	Passed bool   `json:"passed"`
	Output string `json:"output,omitempty"`
}

// ValidateFor checks the findings against the kind of the task.
func (f Findings) ValidateFor(kind Kind) error {
	if f.Kind != kind {
		return fmt.Errorf("%w: findings kind %q does not match task kind %q", ErrInvalidFindings, f.Kind, kind)
	}
	var ok bool
	switch kind {
	case KindResearch:
		ok = f.Research != nil && f.Implement == nil && f.Review == nil && f.Verify == nil
	case KindImplement:
		ok = f.Implement != nil && f.Research == nil && f.Review == nil && f.Verify == nil
	case KindReview:
		ok = f.Review != nil && f.Research == nil && f.Implement == nil && f.Verify == nil
	case KindVerify:
		ok = f.Verify != nil && f.Research == nil && f.Implement == nil && f.Review == nil
	}
	if !ok {
		return fmt.Errorf("%w: %s findings must set only the %s variant", ErrInvalidFindings, kind, kind)
	}
	return nil
}

// Render formats the findings for a resume message.
func (f Findings) Render() string {
	var b strings.Builder
	switch f.Kind {
	case KindResearch:
		b.WriteString(f.Research.Summary)
		writeList(&b, "Sources", f.Research.Sources)
	case KindImplement:
		b.WriteString(f.Implement.Summary)
		writeList(&b, "Changed files", f.Implement.ChangedFiles)
	case KindReview:
		verdict := "changes requested"
		if f.Review.Approved {
			verdict = "approved"
		}
		fmt.Fprintf(&b, "Verdict: %s\n%s", verdict, f.Review.Summary)
		writeList(&b, "Issues", f.Review.Issues)
	case KindVerify:
		result := "FAILED"
		if f.Verify.Passed {
			result = "PASSED"
		}
		b.WriteString(result)
		if f.Verify.Output != "" {
			fmt.Fprintf(&b, "\n```\n%s\n```", f.Verify.Output)
		}
	}
	return b.String()
}

func encodeTaskDef(t TaskDef) ([]byte, error) {
	return json.Marshal(t)
}

// decodeTaskDef fails with ErrCorruptTaskDef when a stored blob does not
// hold a valid definition.
func decodeTaskDef(data []byte) (TaskDef, error) {
	var t TaskDef
	if err := json.Unmarshal(data, &t); err != nil {
		return TaskDef{}, fmt.Errorf("%w: %v", ErrCorruptTaskDef, err)
	}
	if err := t.Validate(); err != nil {
		return TaskDef{}, fmt.Errorf("%w: %v", ErrCorruptTaskDef, err)
	}
	return t, nil
}

func decodeFindings(data []byte) (*Findings, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var f Findings
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("decode findings: %w", err)
	}
	return &f, nil
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:", title)
	for _, it := range items {
		fmt.Fprintf(b, "\n- %s", it)
	}
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func titleCase(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}
