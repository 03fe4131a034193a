package scan

import (
	"time"

	"github.com/lindung-io/lindung/internal/aggregate"
	"github.com/lindung-io/lindung/internal/rules"
	"github.com/lindung-io/lindung/internal/source"
	"github.com/lindung-io/lindung/internal/track"
)

// Phase is one step of the discovery state machine. Each phase narrows the
// scope of the next so the expensive full scan touches as little as possible.
type Phase string

const (
	PhaseDependencyCheck Phase = "DEPENDENCY_CHECK"
	PhaseMetadataProfile Phase = "METADATA_PROFILE"
	PhaseSmartSample     Phase = "SMART_SAMPLE"
	PhaseFullScan        Phase = "FULL_SCAN"
	PhaseDone            Phase = "DONE"
	PhaseFailed          Phase = "FAILED"
)

// NextPhase returns the phase following p for a target with the given
// scope. metadata-scoped targets stop after profiling, sample-scoped ones
// after sampling.
func NextPhase(p Phase, scope source.Scope) Phase {
	switch p {
	case PhaseDependencyCheck:
		return PhaseMetadataProfile
	case PhaseMetadataProfile:
		if scope == source.ScopeMetadata {
			return PhaseDone
		}
		return PhaseSmartSample
	case PhaseSmartSample:
		if scope == source.ScopeSample {
			return PhaseDone
		}
		return PhaseFullScan
	case PhaseFullScan:
		return PhaseDone
	default:
		return PhaseDone
	}
}

// RunStatus is the user-visible outcome of a run. Callers never see raw
// errors, only a status plus diagnostics naming skipped items.
type RunStatus string

const (
	StatusCompleted          RunStatus = "completed"
	StatusCompletedWithSkips RunStatus = "completed-with-skips"
	StatusFailed             RunStatus = "failed"
)

// Diagnostic names one skipped item and why
type Diagnostic struct {
	Phase  Phase  `json:"phase"`
	Item   string `json:"item"`
	Reason string `json:"reason"`
}

// DuplicateNote cross-references items whose sampled content matched a
// representative closely enough that only the representative was fully
// scanned
type DuplicateNote struct {
	Representative string   `json:"representative"`
	Duplicates     []string `json:"duplicates"`
}

// RunReport is the summary of a completed (or failed) run
type RunReport struct {
	RunID       string                 `json:"run_id"`
	TargetID    int64                  `json:"target_id"`
	Status      RunStatus              `json:"status"`
	LastPhase   Phase                  `json:"last_phase"`
	Results     []aggregate.ScanResult `json:"results,omitempty"`
	Drift       []track.DriftEvent     `json:"drift,omitempty"`
	Duplicates  []DuplicateNote        `json:"duplicates,omitempty"`
	Diagnostics []Diagnostic           `json:"diagnostics,omitempty"`
	Categories  []string               `json:"categories,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
}

// Task is one queued unit of work: run one phase of one target
type Task struct {
	RunID    string `json:"run_id"`
	TargetID int64  `json:"target_id"`
	Phase    Phase  `json:"phase"`
}

// TaskOutcome is what a worker reports back for a dequeued task
type TaskOutcome struct {
	Task        Task         `json:"task"`
	Status      string       `json:"status"` // success, skipped or failed
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Error       string       `json:"error,omitempty"`
}

// PhaseState is the persisted planning state carried between phases so a
// crashed run resumes where it left off instead of re-crawling. Rules holds
// the rule set captured at run start; every phase compiles its snapshot from
// this copy, so rule edits mid-run never change what the run applies.
type PhaseState struct {
	RunID        string                `json:"run_id"`
	RuleVersion  string                `json:"rule_version,omitempty"`
	Rules        []rules.DetectionRule `json:"rules,omitempty"`
	Flagged      []string              `json:"flagged,omitempty"`
	LowRisk      []string              `json:"low_risk,omitempty"`
	ChangedItems []string              `json:"changed_items,omitempty"`
	PendingMark  *track.Mark           `json:"pending_mark,omitempty"`
}
