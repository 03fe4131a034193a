package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/aggregate"
	"github.com/lindung-io/lindung/internal/analyze"
	"github.com/lindung-io/lindung/internal/classify"
	"github.com/lindung-io/lindung/internal/rules"
	"github.com/lindung-io/lindung/internal/source"
	"github.com/lindung-io/lindung/internal/track"
)

func (o *Orchestrator) executePhase(ctx context.Context, rt *runtime, phase Phase) error {
	switch phase {
	case PhaseDependencyCheck:
		return o.dependencyCheck(ctx, rt)
	case PhaseMetadataProfile:
		return o.metadataProfile(ctx, rt)
	case PhaseSmartSample:
		return o.smartSample(ctx, rt)
	case PhaseFullScan:
		return o.fullScan(ctx, rt)
	default:
		return fmt.Errorf("no executor for phase %s", phase)
	}
}

// dependencyCheck verifies the source is reachable and captures the active
// rule set into the run state. Everything after this point works from that
// captured copy, so concurrent rule edits cannot shift results mid-run.
func (o *Orchestrator) dependencyCheck(ctx context.Context, rt *runtime) error {
	if err := rt.src.Ping(ctx); err != nil {
		return &SourceUnreachableError{Target: rt.target.Name, Err: err}
	}

	ruleSet, err := o.ruleStore.LoadActiveRules(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active rules: %w", err)
	}

	rt.state.Rules = ruleSet
	snap, compileErrs := rules.Compile(ruleSet, rt.log)
	rt.snap = snap
	rt.state.RuleVersion = snap.Version

	if len(compileErrs) > 0 {
		rt.log.Warn("Some rules failed to compile and were skipped",
			zap.Int("failed", len(compileErrs)),
			zap.Int("loaded", len(ruleSet)),
		)
	}
	rt.log.Info("Dependency check passed",
		zap.String("rule_version", snap.Version),
		zap.Int("recognizers", len(snap.Recognizers())),
	)
	return nil
}

// metadataProfile crawls structure only: no content is read. It reports
// schema drift against the previous mark, computes the change diff, and
// flags the items whose names suggest personal data so sampling has a
// shortlist to work from.
func (o *Orchestrator) metadataProfile(ctx context.Context, rt *runtime) error {
	schema, err := rt.src.Schema(ctx)
	if err != nil {
		return fmt.Errorf("metadata profiling failed: %w", err)
	}
	rt.schema = schema

	var prevSchema *source.Schema
	if rt.mark != nil {
		prevSchema = rt.mark.Schema
	}
	drift := o.tracker.SchemaDrift(rt.target.ID, prevSchema, schema)
	if len(drift) > 0 {
		if err := o.store.SaveDrift(ctx, rt.state.RunID, drift); err != nil {
			return &PersistenceError{Op: "save metadata drift", Err: err}
		}
		rt.report.Drift = append(rt.report.Drift, drift...)
		o.events.DriftDetected(drift)
	}

	diff := o.tracker.Diff(rt.target, rt.mark, schema)
	rt.state.ChangedItems = diff.ChangedItems
	rt.state.PendingMark = &diff.NewMark

	rt.state.Flagged = o.flagItems(rt, schema)

	rt.log.Info("Metadata profiled",
		zap.Int("items", len(schema.Items)),
		zap.Int("flagged", len(rt.state.Flagged)),
		zap.Int("changed", len(diff.ChangedItems)),
		zap.Int("drift_events", len(drift)),
	)
	return nil
}

// flagItems picks sampling candidates from structure alone, matching item
// and column names against the snapshot's proximity keywords. The heuristic
// is advisory: when nothing matches, everything stays in scope rather than
// silently scanning nothing. Encrypted targets are flagged wholesale since
// their names are all the metadata we can trust.
func (o *Orchestrator) flagItems(rt *runtime, schema *source.Schema) []string {
	if rt.target.Encrypted {
		flagged := make([]string, 0, len(schema.Items))
		for _, item := range schema.Items {
			flagged = append(flagged, item.Name)
		}
		return flagged
	}

	hints := rt.snap.KeywordHints()
	var flagged []string
	for _, item := range schema.Items {
		if nameMatches(item.Name, hints) {
			flagged = append(flagged, item.Name)
			continue
		}
		for _, col := range item.Columns {
			if nameMatches(col.Name, hints) {
				flagged = append(flagged, item.Name)
				break
			}
		}
	}

	if len(flagged) == 0 {
		for _, item := range schema.Items {
			flagged = append(flagged, item.Name)
		}
	}
	return flagged
}

func nameMatches(name string, hints map[string]struct{}) bool {
	lower := strings.ToLower(name)
	for kw := range hints {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

// smartSample reads a bounded slice of each flagged item. Items that yield
// nothing drop out of the full scan as low risk, and near-duplicate content
// is collapsed so the full scan reads each distinct document once.
func (o *Orchestrator) smartSample(ctx context.Context, rt *runtime) error {
	items := rt.state.Flagged
	if rt.target.Type != source.TypeDatabase && o.cfg.Scan.SampleFiles > 0 && len(items) > o.cfg.Scan.SampleFiles {
		rt.log.Warn("Flagged files exceed sampling cap, truncating",
			zap.Int("flagged", len(items)),
			zap.Int("cap", o.cfg.Scan.SampleFiles),
		)
		items = items[:o.cfg.Scan.SampleFiles]
	}

	var (
		mu      sync.Mutex
		lowRisk []string
	)

	pl := newPool(o.cfg.Scan, rt.log)
	diags, err := pl.run(ctx, PhaseSmartSample, items, func(ctx context.Context, item string) error {
		hits, err := o.scanItem(ctx, rt, item, o.cfg.Scan.SampleRows, false)
		if err != nil {
			return err
		}
		if hits == 0 {
			mu.Lock()
			lowRisk = append(lowRisk, item)
			mu.Unlock()
		}
		return nil
	})
	rt.report.Diagnostics = append(rt.report.Diagnostics, diags...)
	if err != nil {
		return err
	}

	rt.state.LowRisk = append(lowRisk, o.duplicateItems(rt)...)

	if err := o.flushResults(ctx, rt, PhaseSmartSample); err != nil {
		return err
	}

	rt.log.Info("Smart sampling done",
		zap.Int("sampled", len(items)),
		zap.Int("low_risk", len(rt.state.LowRisk)),
		zap.Int("skipped", len(diags)),
	)
	return nil
}

// duplicateItems groups sampled content by cosine similarity and returns
// every item that duplicates an earlier one. One representative per group
// carries forward into the full scan; the fold is cross-referenced in the
// run report, not just logged.
func (o *Orchestrator) duplicateItems(rt *runtime) []string {
	rt.mu.Lock()
	items := make([]string, 0, len(rt.itemProbe))
	for item := range rt.itemProbe {
		items = append(items, item)
	}
	sort.Strings(items)
	docs := make([]analyze.Document, 0, len(items))
	for _, item := range items {
		docs = append(docs, analyze.Document{ID: item, Text: rt.itemProbe[item]})
	}
	rt.mu.Unlock()

	var dupes []string
	for _, group := range analyze.Dedupe(docs, o.cfg.Detection.SimilarityThreshold) {
		dupes = append(dupes, group.Duplicates...)
		rt.report.Duplicates = append(rt.report.Duplicates, DuplicateNote{
			Representative: group.Representative,
			Duplicates:     group.Duplicates,
		})
		rt.log.Info("Near-duplicate content collapsed",
			zap.String("representative", group.Representative),
			zap.Strings("duplicates", group.Duplicates),
		)
	}
	return dupes
}

// fullScan reads the remaining eligible items end to end. Database rows are
// narrowed through the timestamp cursor, files through the digest diff, so
// an unchanged target processes nothing. The mark only advances after every
// write of this phase has committed.
func (o *Orchestrator) fullScan(ctx context.Context, rt *runtime) error {
	items := o.eligibleItems(rt)

	pl := newPool(o.cfg.Scan, rt.log)
	diags, err := pl.run(ctx, PhaseFullScan, items, func(ctx context.Context, item string) error {
		_, err := o.scanItem(ctx, rt, item, 0, true)
		return err
	})
	rt.report.Diagnostics = append(rt.report.Diagnostics, diags...)
	if err != nil {
		return err
	}

	if err := o.flushResults(ctx, rt, PhaseFullScan); err != nil {
		return err
	}

	if err := o.commitMark(ctx, rt); err != nil {
		return err
	}

	rt.log.Info("Full scan done",
		zap.Int("items", len(items)),
		zap.Int("skipped", len(diags)),
	)
	return nil
}

// eligibleItems is the full-scan worklist: flagged, not ruled low risk, and
// for file-oriented targets changed since the last mark
func (o *Orchestrator) eligibleItems(rt *runtime) []string {
	lowRisk := make(map[string]struct{}, len(rt.state.LowRisk))
	for _, item := range rt.state.LowRisk {
		lowRisk[item] = struct{}{}
	}

	changed := map[string]struct{}{}
	narrowByChange := rt.target.Type != source.TypeDatabase
	if narrowByChange {
		for _, item := range rt.state.ChangedItems {
			changed[item] = struct{}{}
		}
	}

	var items []string
	for _, item := range rt.state.Flagged {
		if _, skip := lowRisk[item]; skip {
			continue
		}
		if narrowByChange {
			if _, ok := changed[item]; !ok {
				continue
			}
		}
		items = append(items, item)
	}
	return items
}

// flushResults aggregates the findings collected so far and persists them.
// A failed write aborts the run; partial results must not look authoritative.
func (o *Orchestrator) flushResults(ctx context.Context, rt *runtime, phase Phase) error {
	results := aggregate.Aggregate(rt.drainFindings())
	if len(results) == 0 {
		return nil
	}

	if err := o.store.SaveResults(ctx, rt.state.RunID, rt.target.ID, phase, results); err != nil {
		return &PersistenceError{Op: "save results", Err: err}
	}
	rt.report.Results = append(rt.report.Results, results...)
	rt.report.Categories = mergeCategories(rt.report.Categories, o.probeCategories(rt))
	o.events.ResultsReady(rt.target.ID, results)
	return nil
}

// commitMark emits DATA_CHANGE events from the masked sample memory and
// advances the target's mark. Old and new values are compared masked to
// masked; raw content never reaches the event stream.
func (o *Orchestrator) commitMark(ctx context.Context, rt *runtime) error {
	mark := rt.state.PendingMark
	if mark == nil {
		mark = &track.Mark{TargetID: rt.target.ID}
	}

	var prevSamples map[string]string
	if rt.mark != nil {
		prevSamples = rt.mark.Samples
	}

	rt.mu.Lock()
	newSamples := rt.samples
	rt.mu.Unlock()

	events := track.DataChangeEvents(rt.target.ID, prevSamples, newSamples)
	if len(events) > 0 {
		if err := o.store.SaveDrift(ctx, rt.state.RunID, events); err != nil {
			return &PersistenceError{Op: "save data-change events", Err: err}
		}
		rt.report.Drift = append(rt.report.Drift, events...)
		o.events.DriftDetected(events)
	}

	merged := make(map[string]string, len(prevSamples)+len(newSamples))
	for k, v := range prevSamples {
		merged[k] = v
	}
	for k, v := range newSamples {
		merged[k] = v
	}
	mark.Samples = merged

	if err := o.store.SaveMark(ctx, mark); err != nil {
		return &PersistenceError{Op: "save change mark", Err: err}
	}
	return nil
}

// scanItem streams one item's records through classification and returns
// how many findings it produced. With incremental set, database reads go
// through the timestamp cursor; tables without one fall back to a full read.
func (o *Orchestrator) scanItem(ctx context.Context, rt *runtime, item string, limit int, incremental bool) (int, error) {
	var (
		it  source.Iterator
		err error
	)
	useCursor := incremental &&
		rt.target.Type == source.TypeDatabase &&
		rt.mark != nil && !rt.mark.Cursor.IsZero()

	if useCursor {
		it, err = rt.src.Changes(ctx, item, rt.mark.Cursor)
		if errors.Is(err, source.ErrNoCursor) {
			it, err = rt.src.Open(ctx, item, limit)
		}
	} else {
		it, err = rt.src.Open(ctx, item, limit)
	}
	if err != nil {
		return 0, &ItemReadError{Item: item, Err: err}
	}
	defer it.Close()

	hits := 0
	for {
		select {
		case <-ctx.Done():
			return hits, ctx.Err()
		default:
		}

		rec, err := it.Next()
		if err == io.EOF {
			return hits, nil
		}
		if err != nil {
			return hits, &ItemReadError{Item: item, Err: err}
		}

		found := o.processRecord(rt, item, rec)
		hits += len(found)
		rt.collect(found)
	}
}

// processRecord classifies one record. High-entropy content is accounted for
// as ENCRYPTED_CONTENT and never classified; records of an encrypted target
// short-circuit the same way without being read into the engine at all.
func (o *Orchestrator) processRecord(rt *runtime, item string, rec source.Record) []classify.Finding {
	if rt.target.Encrypted {
		return []classify.Finding{encryptedFinding(rec.Location)}
	}

	text := rec.Text
	if rec.Binary != nil {
		if analyze.LikelyEncrypted(rec.Binary, o.cfg.Detection.EntropyThreshold) {
			return []classify.Finding{encryptedFinding(rec.Location)}
		}
		// Low-entropy binary is usually text in disguise; classify best effort
		text = string(rec.Binary)
	} else if analyze.LikelyEncrypted([]byte(text), o.cfg.Detection.EntropyThreshold) {
		return []classify.Finding{encryptedFinding(rec.Location)}
	}

	rt.probe(item, text)

	hints := classify.Hints{
		FieldName: rec.Location.Field,
		Container: rec.Location.Container,
	}
	if rt.target.Type != source.TypeDatabase {
		hints.FileName = filepath.Base(rec.Location.Path)
	}

	return o.engine.Process(text, hints, rt.snap, rec.Location)
}

func encryptedFinding(loc source.Location) classify.Finding {
	return classify.Finding{
		EntityType:  aggregate.EncryptedEntityType,
		RuleName:    "EntropyGate",
		FinalScore:  1.0,
		Sensitivity: rules.SensitivityGeneral,
		Location:    loc,
	}
}

// probeCategories derives business categories from the sampled text corpus
func (o *Orchestrator) probeCategories(rt *runtime) []string {
	rt.mu.Lock()
	texts := make([]string, 0, len(rt.itemProbe))
	for _, t := range rt.itemProbe {
		texts = append(texts, t)
	}
	rt.mu.Unlock()
	return aggregate.Categories(strings.Join(texts, "\n"))
}

func mergeCategories(have, more []string) []string {
	seen := make(map[string]struct{}, len(have))
	for _, c := range have {
		seen[c] = struct{}{}
	}
	for _, c := range more {
		if _, ok := seen[c]; !ok {
			have = append(have, c)
			seen[c] = struct{}{}
		}
	}
	return have
}
