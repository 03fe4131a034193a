package scan

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/aggregate"
	"github.com/lindung-io/lindung/internal/config"
	"github.com/lindung-io/lindung/internal/logger"
	"github.com/lindung-io/lindung/internal/rules"
	"github.com/lindung-io/lindung/internal/source"
	"github.com/lindung-io/lindung/internal/track"
)

type fakeStore struct {
	mu      sync.Mutex
	targets map[int64]source.Target
	marks   map[int64]*track.Mark

	openPhase Phase
	openState *PhaseState

	phases  []Phase
	results []aggregate.ScanResult
	drift   []track.DriftEvent
	reports []*RunReport
}

func newFakeStore(targets ...source.Target) *fakeStore {
	fs := &fakeStore{
		targets: make(map[int64]source.Target),
		marks:   make(map[int64]*track.Mark),
	}
	for _, t := range targets {
		fs.targets[t.ID] = t
	}
	return fs
}

func (f *fakeStore) Target(_ context.Context, id int64) (source.Target, error) {
	t, ok := f.targets[id]
	if !ok {
		return t, fmt.Errorf("no target %d", id)
	}
	return t, nil
}

func (f *fakeStore) ActiveTargets(context.Context) ([]source.Target, error) {
	var out []source.Target
	for _, t := range f.targets {
		if t.Active {
			out = append(out, t)
		}
	}
	return out, nil
}

func (f *fakeStore) Mark(_ context.Context, targetID int64) (*track.Mark, error) {
	return f.marks[targetID], nil
}

func (f *fakeStore) SaveMark(_ context.Context, mark *track.Mark) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.marks[mark.TargetID] = mark
	return nil
}

func (f *fakeStore) OpenRun(context.Context, int64) (Phase, *PhaseState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.openState == nil {
		return "", nil, nil
	}
	return f.openPhase, f.openState, nil
}

func (f *fakeStore) SavePhase(_ context.Context, _ int64, phase Phase, state *PhaseState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.phases = append(f.phases, phase)
	f.openPhase = phase
	copied := *state
	f.openState = &copied
	return nil
}

func (f *fakeStore) SaveResults(_ context.Context, _ string, _ int64, _ Phase, results []aggregate.ScanResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, results...)
	return nil
}

func (f *fakeStore) SaveDrift(_ context.Context, _ string, events []track.DriftEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.drift = append(f.drift, events...)
	return nil
}

func (f *fakeStore) CloseRun(_ context.Context, report *RunReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, report)
	return nil
}

type fakeRuleStore struct {
	ruleSet []rules.DetectionRule
	err     error
}

func (f *fakeRuleStore) LoadActiveRules(context.Context) ([]rules.DetectionRule, error) {
	return f.ruleSet, f.err
}

type fakeSink struct {
	mu     sync.Mutex
	phases []Phase
	drift  []track.DriftEvent
}

func (s *fakeSink) PhaseChanged(_ int64, _ string, phase Phase) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phases = append(s.phases, phase)
}

func (s *fakeSink) ResultsReady(int64, []aggregate.ScanResult) {}

func (s *fakeSink) DriftDetected(events []track.DriftEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.drift = append(s.drift, events...)
}

type openCall struct {
	item  string
	limit int
}

type fakeSource struct {
	mu      sync.Mutex
	pingErr error
	schema  *source.Schema
	records map[string][]source.Record
	openErr map[string]error

	pings int
	opens []openCall
}

func (f *fakeSource) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pingErr
}

func (f *fakeSource) Schema(context.Context) (*source.Schema, error) {
	return f.schema, nil
}

func (f *fakeSource) Open(_ context.Context, item string, limit int) (source.Iterator, error) {
	f.mu.Lock()
	f.opens = append(f.opens, openCall{item, limit})
	err := f.openErr[item]
	recs := f.records[item]
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return &sliceIterator{records: recs}, nil
}

func (f *fakeSource) Changes(ctx context.Context, item string, _ time.Time) (source.Iterator, error) {
	return f.Open(ctx, item, 0)
}

func (f *fakeSource) fullScanOpens() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var items []string
	for _, c := range f.opens {
		if c.limit == 0 {
			items = append(items, c.item)
		}
	}
	return items
}

type sliceIterator struct {
	records []source.Record
	pos     int
}

func (it *sliceIterator) Next() (source.Record, error) {
	if it.pos >= len(it.records) {
		return source.Record{}, io.EOF
	}
	rec := it.records[it.pos]
	it.pos++
	return rec, nil
}

func (it *sliceIterator) Close() error { return nil }

func textRecord(item, text string, pos int64) source.Record {
	return source.Record{
		Text: text,
		Location: source.Location{
			Type:      source.TypeFile,
			Path:      item,
			Container: item,
			Position:  pos,
		},
	}
}

func testConfig() *config.Config {
	cfg := config.GetDefaults()
	cfg.Scan.Workers = 2
	cfg.Scan.SampleRows = 10
	cfg.Scan.ItemTimeout = 5 * time.Second
	cfg.Scan.ItemsPerSecond = 0
	return cfg
}

func newTestOrchestrator(fs *fakeStore, src *fakeSource, ruleSet []rules.DetectionRule) *Orchestrator {
	log := &logger.Logger{Logger: zap.NewNop()}
	factory := func(source.Target, *logger.Logger) (source.DataSource, error) {
		return src, nil
	}
	return New(testConfig(), fs, &fakeRuleStore{ruleSet: ruleSet}, factory, nil, log)
}

func fileTarget(id int64) source.Target {
	return source.Target{
		ID:     id,
		Name:   "exports",
		Type:   source.TypeFile,
		Path:   "/data/exports",
		Scope:  source.ScopeFull,
		Active: true,
	}
}

func TestRunTarget(t *testing.T) {
	t.Run("HappyPath", func(t *testing.T) {
		fs := newFakeStore(fileTarget(1))
		src := &fakeSource{
			schema: &source.Schema{
				TakenAt: time.Now().UTC(),
				Items: []source.SchemaItem{
					{Name: "nik_export.csv", Digest: "d1"},
				},
			},
			records: map[string][]source.Record{
				"nik_export.csv": {
					textRecord("nik_export.csv", "ktp 1234567812345678", 1),
				},
			},
		}

		orch := newTestOrchestrator(fs, src, nil)
		report, err := orch.RunTarget(context.Background(), 1)
		if err != nil {
			t.Fatalf("RunTarget failed: %v", err)
		}

		if report.Status != StatusCompleted {
			t.Errorf("Status = %s, want %s (diagnostics: %+v)",
				report.Status, StatusCompleted, report.Diagnostics)
		}

		wantPhases := []Phase{PhaseDependencyCheck, PhaseMetadataProfile, PhaseSmartSample, PhaseFullScan}
		if len(fs.phases) != len(wantPhases) {
			t.Fatalf("Committed phases = %v, want %v", fs.phases, wantPhases)
		}
		for i, p := range wantPhases {
			if fs.phases[i] != p {
				t.Errorf("Phase %d = %s, want %s", i, fs.phases[i], p)
			}
		}

		foundNIK := false
		for _, r := range fs.results {
			if r.EntityType == "ID_NIK" {
				foundNIK = true
				if r.SampleMasked == "" || r.SampleMasked == "1234567812345678" {
					t.Errorf("Result sample not masked: %q", r.SampleMasked)
				}
			}
		}
		if !foundNIK {
			t.Errorf("No ID_NIK result saved; results = %+v", fs.results)
		}

		mark := fs.marks[1]
		if mark == nil {
			t.Fatal("Mark not saved after full scan")
		}
		if mark.Digests["nik_export.csv"] != "d1" {
			t.Errorf("Mark digests = %v", mark.Digests)
		}
	})

	t.Run("UnreachableSourceFailsRun", func(t *testing.T) {
		fs := newFakeStore(fileTarget(1))
		src := &fakeSource{pingErr: errors.New("connection refused")}

		orch := newTestOrchestrator(fs, src, nil)
		report, err := orch.RunTarget(context.Background(), 1)
		if err != nil {
			t.Fatalf("RunTarget returned error instead of failed report: %v", err)
		}

		if report.Status != StatusFailed {
			t.Errorf("Status = %s, want %s", report.Status, StatusFailed)
		}
		if report.LastPhase != PhaseDependencyCheck {
			t.Errorf("LastPhase = %s, want %s", report.LastPhase, PhaseDependencyCheck)
		}
		if len(fs.phases) != 0 {
			t.Errorf("Failed phase was committed: %v", fs.phases)
		}
		if len(fs.reports) != 1 {
			t.Errorf("Run outcome not recorded")
		}
	})

	t.Run("MetadataScopeStopsAfterProfile", func(t *testing.T) {
		target := fileTarget(1)
		target.Scope = source.ScopeMetadata
		fs := newFakeStore(target)
		src := &fakeSource{
			schema: &source.Schema{
				TakenAt: time.Now().UTC(),
				Items:   []source.SchemaItem{{Name: "nik_export.csv", Digest: "d1"}},
			},
		}

		orch := newTestOrchestrator(fs, src, nil)
		report, err := orch.RunTarget(context.Background(), 1)
		if err != nil {
			t.Fatalf("RunTarget failed: %v", err)
		}

		if report.Status != StatusCompleted {
			t.Errorf("Status = %s, want completed", report.Status)
		}
		if len(fs.phases) != 2 || fs.phases[1] != PhaseMetadataProfile {
			t.Errorf("Phases = %v, want check+profile only", fs.phases)
		}
		if len(src.opens) != 0 {
			t.Errorf("Metadata-scoped run read content: %v", src.opens)
		}
	})

	t.Run("ResumeSkipsCompletedPhases", func(t *testing.T) {
		fs := newFakeStore(fileTarget(1))
		fs.openPhase = PhaseMetadataProfile
		fs.openState = &PhaseState{
			RunID:        "11111111-1111-1111-1111-111111111111",
			RuleVersion:  "captured",
			Flagged:      []string{"nik_export.csv"},
			ChangedItems: []string{"nik_export.csv"},
			PendingMark:  &track.Mark{TargetID: 1, Digests: map[string]string{"nik_export.csv": "d1"}},
		}
		src := &fakeSource{
			records: map[string][]source.Record{
				"nik_export.csv": {textRecord("nik_export.csv", "ktp 1234567812345678", 1)},
			},
		}

		orch := newTestOrchestrator(fs, src, nil)
		report, err := orch.RunTarget(context.Background(), 1)
		if err != nil {
			t.Fatalf("RunTarget failed: %v", err)
		}

		if report.RunID != "11111111-1111-1111-1111-111111111111" {
			t.Errorf("Resumed run got a new id: %s", report.RunID)
		}
		if src.pings != 0 {
			t.Error("Resumed run re-ran the dependency check")
		}
		if len(fs.phases) != 2 || fs.phases[0] != PhaseSmartSample || fs.phases[1] != PhaseFullScan {
			t.Errorf("Phases = %v, want sample+full only", fs.phases)
		}
	})

	t.Run("LowRiskItemsSkipFullScan", func(t *testing.T) {
		fs := newFakeStore(fileTarget(1))
		src := &fakeSource{
			schema: &source.Schema{
				TakenAt: time.Now().UTC(),
				Items: []source.SchemaItem{
					{Name: "nik_list.csv", Digest: "d1"},
					{Name: "ktp_archive.csv", Digest: "d2"},
				},
			},
			records: map[string][]source.Record{
				"nik_list.csv":    {textRecord("nik_list.csv", "ktp 1234567812345678", 1)},
				"ktp_archive.csv": {textRecord("ktp_archive.csv", "daftar inventaris kantor", 1)},
			},
		}

		orch := newTestOrchestrator(fs, src, nil)
		report, err := orch.RunTarget(context.Background(), 1)
		if err != nil {
			t.Fatalf("RunTarget failed: %v", err)
		}
		if report.Status != StatusCompleted {
			t.Fatalf("Status = %s, diagnostics %+v", report.Status, report.Diagnostics)
		}

		full := src.fullScanOpens()
		if len(full) != 1 || full[0] != "nik_list.csv" {
			t.Errorf("Full scan opened %v, want only nik_list.csv", full)
		}
	})

	t.Run("SharedPreambleIsNotADuplicate", func(t *testing.T) {
		fs := newFakeStore(fileTarget(1))
		src := &fakeSource{
			schema: &source.Schema{
				TakenAt: time.Now().UTC(),
				Items: []source.SchemaItem{
					{Name: "nik_a.txt", Digest: "d1"},
					{Name: "nik_b.txt", Digest: "d2"},
				},
			},
			records: map[string][]source.Record{
				"nik_a.txt": {
					textRecord("nik_a.txt", "dokumen internal perusahaan", 1),
					textRecord("nik_a.txt", "ktp 1234567812345678", 2),
				},
				"nik_b.txt": {
					textRecord("nik_b.txt", "dokumen internal perusahaan", 1),
					textRecord("nik_b.txt", "alamat jalan merdeka jakarta", 2),
					textRecord("nik_b.txt", "ktp 9876543298765432", 3),
				},
			},
		}

		orch := newTestOrchestrator(fs, src, nil)
		report, err := orch.RunTarget(context.Background(), 1)
		if err != nil {
			t.Fatalf("RunTarget failed: %v", err)
		}

		full := src.fullScanOpens()
		if len(full) != 2 {
			t.Errorf("Full scan opened %v; a shared first line must not fold distinct files", full)
		}
		if len(report.Duplicates) != 0 {
			t.Errorf("Distinct files reported as duplicates: %+v", report.Duplicates)
		}

		foundB := false
		for _, r := range fs.results {
			if r.Container == "nik_b.txt" && r.EntityType == "ID_NIK" {
				foundB = true
			}
		}
		if !foundB {
			t.Error("PII in the second file was never discovered")
		}
	})

	t.Run("NearDuplicatesFoldedWithCrossReference", func(t *testing.T) {
		fs := newFakeStore(fileTarget(1))
		shared := "gaji ktp 1234567812345678"
		src := &fakeSource{
			schema: &source.Schema{
				TakenAt: time.Now().UTC(),
				Items: []source.SchemaItem{
					{Name: "nik_1.csv", Digest: "d1"},
					{Name: "nik_2.csv", Digest: "d2"},
				},
			},
			records: map[string][]source.Record{
				"nik_1.csv": {textRecord("nik_1.csv", shared, 1)},
				"nik_2.csv": {textRecord("nik_2.csv", shared, 1)},
			},
		}

		orch := newTestOrchestrator(fs, src, nil)
		report, err := orch.RunTarget(context.Background(), 1)
		if err != nil {
			t.Fatalf("RunTarget failed: %v", err)
		}

		if report.Status != StatusCompleted {
			t.Errorf("Folding duplicates is not a skip; status = %s", report.Status)
		}
		full := src.fullScanOpens()
		if len(full) != 1 || full[0] != "nik_1.csv" {
			t.Errorf("Full scan opened %v, want only the representative", full)
		}
		if len(report.Duplicates) != 1 {
			t.Fatalf("Duplicates = %+v, want one cross-referenced group", report.Duplicates)
		}
		note := report.Duplicates[0]
		if note.Representative != "nik_1.csv" || len(note.Duplicates) != 1 || note.Duplicates[0] != "nik_2.csv" {
			t.Errorf("Cross-reference = %+v", note)
		}
	})

	t.Run("DriftEventsReachSink", func(t *testing.T) {
		prevSchema := &source.Schema{
			Items: []source.SchemaItem{
				{Name: "nik_export.csv", Digest: "d0", Columns: []source.Column{{Name: "nik"}}},
			},
		}
		fs := newFakeStore(fileTarget(1))
		fs.marks[1] = &track.Mark{
			TargetID: 1,
			Digests:  map[string]string{"nik_export.csv": "d0"},
			Schema:   prevSchema,
			Samples: map[string]string{
				track.SampleKey("nik_export.csv", ""): "99************99",
			},
		}
		src := &fakeSource{
			schema: &source.Schema{
				TakenAt: time.Now().UTC(),
				Items: []source.SchemaItem{
					{Name: "nik_export.csv", Digest: "d1", Columns: []source.Column{{Name: "no_ktp"}}},
				},
			},
			records: map[string][]source.Record{
				"nik_export.csv": {textRecord("nik_export.csv", "ktp 1234567812345678", 1)},
			},
		}

		sink := &fakeSink{}
		log := &logger.Logger{Logger: zap.NewNop()}
		factory := func(source.Target, *logger.Logger) (source.DataSource, error) {
			return src, nil
		}
		orch := New(testConfig(), fs, &fakeRuleStore{}, factory, sink, log)

		if _, err := orch.RunTarget(context.Background(), 1); err != nil {
			t.Fatalf("RunTarget failed: %v", err)
		}

		var metadataSeen, dataSeen bool
		for _, e := range sink.drift {
			switch e.Kind {
			case track.MetadataDrift:
				metadataSeen = true
			case track.DataChange:
				dataSeen = true
			}
		}
		if !metadataSeen {
			t.Errorf("Metadata drift never broadcast; sink saw %+v", sink.drift)
		}
		if !dataSeen {
			t.Errorf("Data change never broadcast; sink saw %+v", sink.drift)
		}
	})

	t.Run("NoChangeRoundTripProcessesNothing", func(t *testing.T) {
		schema := &source.Schema{
			TakenAt: time.Now().UTC(),
			Items:   []source.SchemaItem{{Name: "nik_export.csv", Digest: "d1"}},
		}
		fs := newFakeStore(fileTarget(1))
		fs.marks[1] = &track.Mark{
			TargetID: 1,
			Digests:  map[string]string{"nik_export.csv": "d1"},
			Schema:   schema,
		}
		src := &fakeSource{
			schema: schema,
			records: map[string][]source.Record{
				"nik_export.csv": {textRecord("nik_export.csv", "ktp 1234567812345678", 1)},
			},
		}

		orch := newTestOrchestrator(fs, src, nil)
		report, err := orch.RunTarget(context.Background(), 1)
		if err != nil {
			t.Fatalf("RunTarget failed: %v", err)
		}
		if report.Status != StatusCompleted {
			t.Fatalf("Status = %s", report.Status)
		}

		if full := src.fullScanOpens(); len(full) != 0 {
			t.Errorf("Unchanged target still fully scanned: %v", full)
		}
		if len(fs.drift) != 0 {
			t.Errorf("Unchanged target produced drift events: %+v", fs.drift)
		}
	})

	t.Run("UnreadableItemIsSkippedNotFatal", func(t *testing.T) {
		fs := newFakeStore(fileTarget(1))
		src := &fakeSource{
			schema: &source.Schema{
				TakenAt: time.Now().UTC(),
				Items: []source.SchemaItem{
					{Name: "nik_good.csv", Digest: "d1"},
					{Name: "nik_bad.csv", Digest: "d2"},
				},
			},
			records: map[string][]source.Record{
				"nik_good.csv": {textRecord("nik_good.csv", "ktp 1234567812345678", 1)},
			},
			openErr: map[string]error{
				"nik_bad.csv": errors.New("permission denied"),
			},
		}

		orch := newTestOrchestrator(fs, src, nil)
		report, err := orch.RunTarget(context.Background(), 1)
		if err != nil {
			t.Fatalf("RunTarget failed: %v", err)
		}

		if report.Status != StatusCompletedWithSkips {
			t.Errorf("Status = %s, want %s", report.Status, StatusCompletedWithSkips)
		}
		if len(report.Diagnostics) == 0 {
			t.Error("No diagnostic for the unreadable item")
		}

		foundGood := false
		for _, r := range fs.results {
			if r.Container == "nik_good.csv" {
				foundGood = true
			}
		}
		if !foundGood {
			t.Error("Readable item's results missing")
		}
	})

	t.Run("MetadataDriftBeforeFullScan", func(t *testing.T) {
		prevSchema := &source.Schema{
			Items: []source.SchemaItem{
				{Name: "nik_export.csv", Digest: "d0", Columns: []source.Column{{Name: "nik"}}},
			},
		}
		fs := newFakeStore(fileTarget(1))
		fs.marks[1] = &track.Mark{
			TargetID: 1,
			Digests:  map[string]string{"nik_export.csv": "d0"},
			Schema:   prevSchema,
		}
		src := &fakeSource{
			schema: &source.Schema{
				TakenAt: time.Now().UTC(),
				Items: []source.SchemaItem{
					{Name: "nik_export.csv", Digest: "d1", Columns: []source.Column{{Name: "no_ktp"}}},
				},
			},
			records: map[string][]source.Record{
				"nik_export.csv": {textRecord("nik_export.csv", "ktp 1234567812345678", 1)},
			},
		}

		orch := newTestOrchestrator(fs, src, nil)
		if _, err := orch.RunTarget(context.Background(), 1); err != nil {
			t.Fatalf("RunTarget failed: %v", err)
		}

		driftSeen := false
		for _, e := range fs.drift {
			if e.Kind == track.MetadataDrift {
				driftSeen = true
			}
		}
		if !driftSeen {
			t.Errorf("Renamed column produced no metadata drift; drift = %+v", fs.drift)
		}
		// Drift events precede the full scan commit
		if len(fs.phases) > 0 && fs.phases[len(fs.phases)-1] != PhaseFullScan {
			t.Errorf("Run did not reach full scan: %v", fs.phases)
		}
	})

	t.Run("EncryptedTargetAccountedNotClassified", func(t *testing.T) {
		target := fileTarget(1)
		target.Encrypted = true
		fs := newFakeStore(target)
		src := &fakeSource{
			schema: &source.Schema{
				TakenAt: time.Now().UTC(),
				Items:   []source.SchemaItem{{Name: "vault.bin", Digest: "d1"}},
			},
			records: map[string][]source.Record{
				"vault.bin": {textRecord("vault.bin", "ktp 1234567812345678", 1)},
			},
		}

		orch := newTestOrchestrator(fs, src, nil)
		if _, err := orch.RunTarget(context.Background(), 1); err != nil {
			t.Fatalf("RunTarget failed: %v", err)
		}

		for _, r := range fs.results {
			if r.EntityType != aggregate.EncryptedEntityType {
				t.Errorf("Encrypted target classified content: %+v", r)
			}
		}
		if len(fs.results) == 0 {
			t.Error("Encrypted content not accounted for")
		}
	})

	t.Run("CancelledRunIsResumableNotFailed", func(t *testing.T) {
		fs := newFakeStore(fileTarget(1))
		src := &fakeSource{
			schema: &source.Schema{
				TakenAt: time.Now().UTC(),
				Items:   []source.SchemaItem{{Name: "nik_export.csv", Digest: "d1"}},
			},
		}

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		orch := newTestOrchestrator(fs, src, nil)
		_, err := orch.RunTarget(ctx, 1)
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
		for _, report := range fs.reports {
			if report.Status == StatusFailed {
				t.Error("Cancellation recorded as failure")
			}
		}
	})
}

func TestExecuteTask(t *testing.T) {
	t.Run("PhaseChainsToNext", func(t *testing.T) {
		fs := newFakeStore(fileTarget(1))
		src := &fakeSource{
			schema: &source.Schema{TakenAt: time.Now().UTC()},
		}
		orch := newTestOrchestrator(fs, src, nil)

		outcome, next := orch.ExecuteTask(context.Background(), Task{
			RunID:    "run-1",
			TargetID: 1,
			Phase:    PhaseDependencyCheck,
		})

		if outcome.Status != "success" {
			t.Fatalf("Outcome = %+v", outcome)
		}
		if next == nil || next.Phase != PhaseMetadataProfile {
			t.Fatalf("Next task = %+v, want METADATA_PROFILE", next)
		}
		if next.TargetID != 1 {
			t.Errorf("Next task target = %d", next.TargetID)
		}
	})

	t.Run("StaleTaskSkipped", func(t *testing.T) {
		fs := newFakeStore(fileTarget(1))
		fs.openPhase = PhaseMetadataProfile
		fs.openState = &PhaseState{RunID: "run-1", RuleVersion: "v"}
		src := &fakeSource{}

		orch := newTestOrchestrator(fs, src, nil)
		outcome, next := orch.ExecuteTask(context.Background(), Task{
			RunID:    "run-1",
			TargetID: 1,
			Phase:    PhaseDependencyCheck,
		})

		if outcome.Status != "skipped" {
			t.Errorf("Outcome = %+v, want skipped", outcome)
		}
		if next == nil || next.Phase != PhaseSmartSample {
			t.Errorf("Stale task should redirect to the resume phase, got %+v", next)
		}
	})

	t.Run("FailedPhaseClosesRun", func(t *testing.T) {
		fs := newFakeStore(fileTarget(1))
		src := &fakeSource{pingErr: errors.New("down")}

		orch := newTestOrchestrator(fs, src, nil)
		outcome, next := orch.ExecuteTask(context.Background(), Task{
			RunID:    "run-1",
			TargetID: 1,
			Phase:    PhaseDependencyCheck,
		})

		if outcome.Status != "failed" {
			t.Errorf("Outcome = %+v, want failed", outcome)
		}
		if next != nil {
			t.Errorf("Failed task chained a follow-up: %+v", next)
		}
		if len(fs.reports) != 1 || fs.reports[0].Status != StatusFailed {
			t.Errorf("Failed run not recorded: %+v", fs.reports)
		}
	})
}

func TestNextPhase(t *testing.T) {
	cases := []struct {
		phase Phase
		scope source.Scope
		want  Phase
	}{
		{PhaseDependencyCheck, source.ScopeFull, PhaseMetadataProfile},
		{PhaseMetadataProfile, source.ScopeFull, PhaseSmartSample},
		{PhaseMetadataProfile, source.ScopeMetadata, PhaseDone},
		{PhaseSmartSample, source.ScopeFull, PhaseFullScan},
		{PhaseSmartSample, source.ScopeSample, PhaseDone},
		{PhaseFullScan, source.ScopeFull, PhaseDone},
	}

	for _, tc := range cases {
		if got := NextPhase(tc.phase, tc.scope); got != tc.want {
			t.Errorf("NextPhase(%s, %s) = %s, want %s", tc.phase, tc.scope, got, tc.want)
		}
	}
}
