// Package scan drives the four-phase discovery workflow per target:
// DEPENDENCY_CHECK -> METADATA_PROFILE -> SMART_SAMPLE -> FULL_SCAN. Each
// phase narrows what the next one touches, transitions are persisted
// immediately, and item-level failures stay item-level.
package scan

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/aggregate"
	"github.com/lindung-io/lindung/internal/classify"
	"github.com/lindung-io/lindung/internal/config"
	"github.com/lindung-io/lindung/internal/logger"
	"github.com/lindung-io/lindung/internal/rules"
	"github.com/lindung-io/lindung/internal/source"
	"github.com/lindung-io/lindung/internal/track"
)

// Store is the persisted state the orchestrator depends on. No in-memory
// state survives a restart except the active rule snapshot, which is
// reconstructed from the rules captured in PhaseState.
type Store interface {
	Target(ctx context.Context, id int64) (source.Target, error)
	ActiveTargets(ctx context.Context) ([]source.Target, error)

	Mark(ctx context.Context, targetID int64) (*track.Mark, error)
	SaveMark(ctx context.Context, mark *track.Mark) error

	// OpenRun returns the resumable run for a target, if one exists.
	// lastCompleted is the last phase that fully committed.
	OpenRun(ctx context.Context, targetID int64) (lastCompleted Phase, state *PhaseState, err error)

	// SavePhase records a completed phase transition together with the
	// planning state the next phase needs
	SavePhase(ctx context.Context, targetID int64, phase Phase, state *PhaseState) error

	SaveResults(ctx context.Context, runID string, targetID int64, phase Phase, results []aggregate.ScanResult) error
	SaveDrift(ctx context.Context, runID string, events []track.DriftEvent) error

	CloseRun(ctx context.Context, report *RunReport) error
}

// SourceFactory resolves the connector for a target. Per-format readers
// live behind this boundary.
type SourceFactory func(target source.Target, log *logger.Logger) (source.DataSource, error)

// EventSink receives live run events; the websocket hub implements it
type EventSink interface {
	PhaseChanged(targetID int64, runID string, phase Phase)
	ResultsReady(targetID int64, results []aggregate.ScanResult)
	DriftDetected(events []track.DriftEvent)
}

type nopEvents struct{}

func (nopEvents) PhaseChanged(int64, string, Phase)          {}
func (nopEvents) ResultsReady(int64, []aggregate.ScanResult) {}
func (nopEvents) DriftDetected([]track.DriftEvent)           {}

// Orchestrator coordinates scan runs. Distinct targets run fully in
// parallel; a single target's run is serialized end to end.
type Orchestrator struct {
	cfg       *config.Config
	store     Store
	ruleStore rules.Store
	sources   SourceFactory
	tracker   *track.Tracker
	engine    *classify.Engine
	events    EventSink
	logger    *logger.Logger

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// New creates an orchestrator. events may be nil.
func New(cfg *config.Config, store Store, ruleStore rules.Store, sources SourceFactory, events EventSink, log *logger.Logger) *Orchestrator {
	if events == nil {
		events = nopEvents{}
	}
	return &Orchestrator{
		cfg:       cfg,
		store:     store,
		ruleStore: ruleStore,
		sources:   sources,
		tracker:   track.New(log),
		engine:    classify.NewEngine(cfg.Detection, log),
		events:    events,
		logger:    log.WithComponent("orchestrator"),
	}
}

// targetLock serializes runs of one target within this process. Across
// processes, serialization holds because phase tasks are chained: the next
// phase is only enqueued after the previous one committed, and the queue
// delivers each task to exactly one worker.
func (o *Orchestrator) targetLock(targetID int64) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.locks == nil {
		o.locks = make(map[int64]*sync.Mutex)
	}
	lock, ok := o.locks[targetID]
	if !ok {
		lock = &sync.Mutex{}
		o.locks[targetID] = lock
	}
	return lock
}

// runtime is the in-memory state of one run
type runtime struct {
	target source.Target
	src    source.DataSource
	snap   *rules.Snapshot
	mark   *track.Mark
	state  *PhaseState
	report *RunReport
	log    *logger.Logger

	mu        sync.Mutex
	schema    *source.Schema
	findings  []classify.Finding
	samples   map[string]string
	itemProbe map[string]string
}

func (rt *runtime) collect(found []classify.Finding) {
	if len(found) == 0 {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.findings = append(rt.findings, found...)
	for _, f := range found {
		if f.EntityType == aggregate.EncryptedEntityType {
			continue
		}
		if rt.samples == nil {
			rt.samples = make(map[string]string)
		}
		rt.samples[track.SampleKey(f.Location.Container, f.Location.Field)] = f.MaskedSample
	}
}

// probeTextCap bounds how much sampled text one item contributes to the
// probe corpus
const probeTextCap = 8 * 1024

// probe accumulates the sampled text of each item, capped per item. The
// corpus feeds duplicate detection and category tagging, so it has to cover
// the whole sampling window; judging an item by its first record alone
// would collapse files that merely share a preamble.
func (rt *runtime) probe(item, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.itemProbe == nil {
		rt.itemProbe = make(map[string]string)
	}
	cur := rt.itemProbe[item]
	if len(cur) >= probeTextCap {
		return
	}
	if cur != "" {
		cur += "\n"
	}
	cur += text
	if len(cur) > probeTextCap {
		cur = cur[:probeTextCap]
	}
	rt.itemProbe[item] = cur
}

func (rt *runtime) drainFindings() []classify.Finding {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	out := rt.findings
	rt.findings = nil
	return out
}

// RunTarget executes a full run for one target, resuming a crashed run at
// the phase after the last completed one. The returned report never wraps a
// raw error; failures surface as a failed status plus diagnostics.
func (o *Orchestrator) RunTarget(ctx context.Context, targetID int64) (*RunReport, error) {
	lock := o.targetLock(targetID)
	lock.Lock()
	defer lock.Unlock()

	rt, phase, err := o.prepare(ctx, targetID)
	if err != nil {
		return nil, err
	}
	defer o.closeSource(rt)

	for phase != PhaseDone && phase != PhaseFailed {
		if err := ctx.Err(); err != nil {
			// Cancellation between phases: nothing committed for
			// the current phase, the run resumes here later
			return rt.report, err
		}

		if fatal := o.executePhase(ctx, rt, phase); fatal != nil {
			// Cancellation is not failure: the phase did not commit
			// and the run resumes at this phase next time
			if errors.Is(fatal, context.Canceled) || errors.Is(fatal, context.DeadlineExceeded) {
				return rt.report, fatal
			}
			rt.log.Error("Phase failed",
				zap.String("phase", string(phase)),
				zap.Error(fatal),
			)
			rt.report.Status = StatusFailed
			rt.report.LastPhase = phase
			rt.report.Diagnostics = append(rt.report.Diagnostics, Diagnostic{
				Phase:  phase,
				Item:   rt.target.Name,
				Reason: fatal.Error(),
			})
			break
		}

		if err := o.commitPhase(ctx, rt, phase); err != nil {
			return rt.report, err
		}
		phase = NextPhase(phase, rt.target.Scope)
	}

	return o.finish(ctx, rt)
}

// prepare loads the target, its previous mark, and either resumes the open
// run or starts a fresh one with a newly captured rule set
func (o *Orchestrator) prepare(ctx context.Context, targetID int64) (*runtime, Phase, error) {
	target, err := o.store.Target(ctx, targetID)
	if err != nil {
		return nil, PhaseFailed, fmt.Errorf("failed to load target %d: %w", targetID, err)
	}

	mark, err := o.store.Mark(ctx, targetID)
	if err != nil {
		return nil, PhaseFailed, fmt.Errorf("failed to load change mark: %w", err)
	}

	lastCompleted, state, err := o.store.OpenRun(ctx, targetID)
	if err != nil {
		return nil, PhaseFailed, fmt.Errorf("failed to inspect open runs: %w", err)
	}

	phase := PhaseDependencyCheck
	if state == nil {
		state = &PhaseState{RunID: uuid.NewString()}
	} else if lastCompleted != "" {
		phase = NextPhase(lastCompleted, target.Scope)
	}

	log := o.logger.WithRun(state.RunID).WithTarget(targetID)

	src, err := o.sources(target, log)
	if err != nil {
		return nil, PhaseFailed, fmt.Errorf("failed to resolve source: %w", err)
	}

	snap := o.compileSnapshot(state, log)

	rt := &runtime{
		target: target,
		src:    src,
		snap:   snap,
		mark:   mark,
		state:  state,
		log:    log,
		report: &RunReport{
			RunID:     state.RunID,
			TargetID:  targetID,
			StartedAt: time.Now().UTC(),
		},
	}
	return rt, phase, nil
}

// compileSnapshot rebuilds the run's snapshot from the rules captured at
// run start, keeping rule consistency across phases and processes. Before
// DEPENDENCY_CHECK has captured anything the snapshot holds built-ins only.
func (o *Orchestrator) compileSnapshot(state *PhaseState, log *logger.Logger) *rules.Snapshot {
	snap, _ := rules.Compile(state.Rules, log)
	if state.RuleVersion != "" {
		snap.Version = state.RuleVersion
	} else {
		state.RuleVersion = snap.Version
	}
	return snap
}

func (o *Orchestrator) commitPhase(ctx context.Context, rt *runtime, phase Phase) error {
	if err := o.store.SavePhase(ctx, rt.target.ID, phase, rt.state); err != nil {
		perr := &PersistenceError{Op: "save phase " + string(phase), Err: err}
		rt.report.Status = StatusFailed
		rt.report.Diagnostics = append(rt.report.Diagnostics, Diagnostic{
			Phase: phase, Item: rt.target.Name, Reason: perr.Error(),
		})
		return perr
	}

	rt.report.LastPhase = phase
	o.events.PhaseChanged(rt.target.ID, rt.state.RunID, phase)
	rt.log.Info("Phase completed", zap.String("phase", string(phase)))
	return nil
}

func (o *Orchestrator) finish(ctx context.Context, rt *runtime) (*RunReport, error) {
	report := rt.report
	report.FinishedAt = time.Now().UTC()

	if report.Status != StatusFailed {
		if len(report.Diagnostics) > 0 {
			report.Status = StatusCompletedWithSkips
		} else {
			report.Status = StatusCompleted
		}
		report.LastPhase = PhaseDone
	}

	if err := o.store.CloseRun(ctx, report); err != nil {
		return report, &PersistenceError{Op: "close run", Err: err}
	}

	rt.log.Info("Run finished",
		zap.String("status", string(report.Status)),
		zap.Int("results", len(report.Results)),
		zap.Int("drift_events", len(report.Drift)),
		zap.Int("skipped", len(report.Diagnostics)),
	)
	return report, nil
}

func (o *Orchestrator) closeSource(rt *runtime) {
	if closer, ok := rt.src.(interface{ Close() error }); ok {
		if err := closer.Close(); err != nil {
			rt.log.Warn("Failed to close source", zap.Error(err))
		}
	}
}

// EnqueueTarget queues a fresh run for a target, starting at
// DEPENDENCY_CHECK
func (o *Orchestrator) EnqueueTarget(ctx context.Context, q *Queue, targetID int64) error {
	return q.Enqueue(ctx, Task{
		RunID:    uuid.NewString(),
		TargetID: targetID,
		Phase:    PhaseDependencyCheck,
	})
}

// EnqueueActive queues runs for every active target
func (o *Orchestrator) EnqueueActive(ctx context.Context, q *Queue) (int, error) {
	targets, err := o.store.ActiveTargets(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load active targets: %w", err)
	}

	queued := 0
	for _, t := range targets {
		if err := o.EnqueueTarget(ctx, q, t.ID); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

// ExecuteTask runs a single dequeued phase and returns the outcome plus the
// follow-up task, if the run continues. Chaining phase tasks keeps a
// target's run serialized even across worker processes.
func (o *Orchestrator) ExecuteTask(ctx context.Context, task Task) (TaskOutcome, *Task) {
	outcome := TaskOutcome{Task: task, Status: "success"}

	lock := o.targetLock(task.TargetID)
	lock.Lock()
	defer lock.Unlock()

	rt, resumePhase, err := o.prepare(ctx, task.TargetID)
	if err != nil {
		outcome.Status = "failed"
		outcome.Error = err.Error()
		return outcome, nil
	}
	defer o.closeSource(rt)

	// A task for an already-committed phase is stale: skip it, but chain
	// a task for the phase the run is actually waiting on so interrupted
	// runs get re-driven
	if resumePhase != task.Phase {
		outcome.Status = "skipped"
		outcome.Error = fmt.Sprintf("run is at %s, task was for %s", resumePhase, task.Phase)
		if resumePhase == PhaseDone || resumePhase == PhaseFailed {
			return outcome, nil
		}
		return outcome, &Task{RunID: rt.state.RunID, TargetID: task.TargetID, Phase: resumePhase}
	}

	if fatal := o.executePhase(ctx, rt, task.Phase); fatal != nil {
		// Leave the run open on cancellation so it resumes at this phase
		if errors.Is(fatal, context.Canceled) || errors.Is(fatal, context.DeadlineExceeded) {
			outcome.Status = "failed"
			outcome.Error = fatal.Error()
			return outcome, nil
		}
		outcome.Status = "failed"
		outcome.Error = fatal.Error()
		rt.report.Status = StatusFailed
		rt.report.LastPhase = task.Phase
		rt.report.FinishedAt = time.Now().UTC()
		if err := o.store.CloseRun(ctx, rt.report); err != nil {
			rt.log.Error("Failed to record failed run", zap.Error(err))
		}
		return outcome, nil
	}

	if err := o.commitPhase(ctx, rt, task.Phase); err != nil {
		outcome.Status = "failed"
		outcome.Error = err.Error()
		return outcome, nil
	}
	outcome.Diagnostics = rt.report.Diagnostics

	next := NextPhase(task.Phase, rt.target.Scope)
	if next == PhaseDone {
		if _, err := o.finish(ctx, rt); err != nil {
			outcome.Status = "failed"
			outcome.Error = err.Error()
		}
		return outcome, nil
	}

	return outcome, &Task{RunID: rt.state.RunID, TargetID: task.TargetID, Phase: next}
}
