package workflow

import "github.com/fyrsmithlabs/conductord/internal/store"

// Artifact types produced by stages.
const (
	ArtifactScopeDoc      = "scope_doc"
	ArtifactResearchDoc   = "research_doc"
	ArtifactPlan          = "plan"
	ArtifactReviewReport  = "review_report"
	ArtifactPulseProposal = "pulse_proposal"
)

// Agent roles for stage sessions.
const (
	RoleScoper       = "scoper"
	RoleResearcher   = "researcher"
	RolePlanner      = "planner"
	RolePulsePlanner = "pulse_planner"
	RoleImplementer  = "implementer"
	RoleReviewer     = "reviewer"
)

// Merge strategies accepted at the review gate.
const (
	MergeStrategyMerge  = "merge"
	MergeStrategySquash = "squash"
	MergeStrategyRebase = "rebase"
)

// ArtifactType returns the artifact a stage produces for approval, or ""
// for stages that produce none.
func ArtifactType(s store.Stage) string {
	switch s {
	case store.StageScope:
		return ArtifactScopeDoc
	case store.StageResearch:
		return ArtifactResearchDoc
	case store.StagePlan:
		return ArtifactPlan
	case store.StageReview:
		return ArtifactReviewReport
	}
	return ""
}

// next returns the stage that follows s.
func next(s store.Stage) store.Stage {
	all := store.Stages()
	i := s.Index()
	if i < 0 || i+1 >= len(all) {
		return store.StageDone
	}
	return all[i+1]
}

// stageRole is the role of the session that works a stage. In the pulse
// loop the planning role proposes pulses; running pulses use
// RoleImplementer.
func stageRole(s store.Stage) string {
	switch s {
	case store.StageScope:
		return RoleScoper
	case store.StageResearch:
		return RoleResearcher
	case store.StagePlan:
		return RolePlanner
	case store.StagePulseLoop:
		return RolePulsePlanner
	case store.StageReview:
		return RoleReviewer
	}
	return ""
}

// rewindable reports whether a workflow can be rewound to s.
func rewindable(s store.Stage) bool {
	return ArtifactType(s) != "" || s == store.StagePulseLoop
}

// stagesFrom returns s and every stage after it.
func stagesFrom(s store.Stage) []store.Stage {
	i := s.Index()
	if i < 0 {
		return nil
	}
	return store.Stages()[i:]
}
