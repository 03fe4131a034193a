// Package store implements the Postgres-backed catalog: scan targets,
// change marks, run state, results and drift events. Everything the
// orchestrator persists goes through here.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/aggregate"
	"github.com/lindung-io/lindung/internal/config"
	"github.com/lindung-io/lindung/internal/logger"
	"github.com/lindung-io/lindung/internal/scan"
	"github.com/lindung-io/lindung/internal/source"
	"github.com/lindung-io/lindung/internal/track"
)

// Catalog is the Postgres store behind the orchestrator
type Catalog struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewCatalog connects to the catalog database and ensures its schema
func NewCatalog(cfg config.DatabaseConfig, log *logger.Logger) (*Catalog, error) {
	db, err := sqlx.Connect("postgres", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to catalog database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	c := &Catalog{
		db:     db,
		logger: log.WithComponent("catalog"),
	}

	if err := c.initialize(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize catalog: %w", err)
	}

	c.logger.Info("Catalog initialized",
		zap.String("database_url", maskDatabaseURL(cfg.URL)),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
	)
	return c, nil
}

func (c *Catalog) initialize() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	for _, stmt := range schemaStatements {
		if _, err := c.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS detection_rules (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		pattern TEXT NOT NULL DEFAULT '',
		base_score DOUBLE PRECISION NOT NULL DEFAULT 0.5,
		entity_type TEXT,
		context_keywords TEXT,
		sensitivity TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS scan_targets (
		id BIGSERIAL PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		source_type TEXT NOT NULL,
		path TEXT NOT NULL,
		scan_scope TEXT NOT NULL DEFAULT 'full',
		schedule_cron TEXT NOT NULL DEFAULT '',
		last_metadata_scan_at TIMESTAMPTZ,
		last_data_scan_at TIMESTAMPTZ,
		encrypted BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS change_marks (
		target_id BIGINT PRIMARY KEY REFERENCES scan_targets(id),
		payload JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS scan_runs (
		run_id UUID PRIMARY KEY,
		target_id BIGINT NOT NULL REFERENCES scan_targets(id),
		status TEXT NOT NULL DEFAULT 'running',
		last_phase TEXT NOT NULL DEFAULT '',
		state JSONB,
		diagnostics JSONB,
		categories JSONB,
		started_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		finished_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_runs_open
		ON scan_runs (target_id, started_at DESC) WHERE status = 'running'`,
	`CREATE TABLE IF NOT EXISTS scan_results (
		id BIGSERIAL PRIMARY KEY,
		run_id UUID NOT NULL,
		target_id BIGINT NOT NULL,
		phase TEXT NOT NULL,
		container TEXT NOT NULL DEFAULT '',
		field TEXT NOT NULL DEFAULT '',
		entity_type TEXT NOT NULL,
		count INTEGER NOT NULL,
		max_score DOUBLE PRECISION NOT NULL,
		sample_masked TEXT NOT NULL DEFAULT '',
		sensitivity TEXT NOT NULL DEFAULT 'General',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_scan_results_target
		ON scan_results (target_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS audit_log (
		id BIGSERIAL PRIMARY KEY,
		run_id UUID,
		target_id BIGINT,
		action TEXT NOT NULL,
		detail TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE TABLE IF NOT EXISTS drift_events (
		id BIGSERIAL PRIMARY KEY,
		run_id UUID NOT NULL,
		target_id BIGINT NOT NULL,
		kind TEXT NOT NULL,
		container TEXT NOT NULL DEFAULT '',
		field TEXT NOT NULL DEFAULT '',
		old_masked TEXT NOT NULL DEFAULT '',
		new_masked TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		occurred_at TIMESTAMPTZ NOT NULL
	)`,
}

// DB exposes the catalog connection so sibling stores share the pool
func (c *Catalog) DB() *sqlx.DB { return c.db }

// Close releases the connection pool
func (c *Catalog) Close() error { return c.db.Close() }

// Target fetches one scan target by id
func (c *Catalog) Target(ctx context.Context, id int64) (source.Target, error) {
	const query = `
		SELECT id, name, source_type, path, scan_scope, schedule_cron,
		       last_metadata_scan_at, last_data_scan_at, encrypted, is_active
		FROM scan_targets WHERE id = $1`

	var t source.Target
	if err := c.db.GetContext(ctx, &t, query, id); err != nil {
		return t, fmt.Errorf("failed to load target %d: %w", id, err)
	}
	return t, nil
}

// ActiveTargets lists every target eligible for scheduling
func (c *Catalog) ActiveTargets(ctx context.Context) ([]source.Target, error) {
	const query = `
		SELECT id, name, source_type, path, scan_scope, schedule_cron,
		       last_metadata_scan_at, last_data_scan_at, encrypted, is_active
		FROM scan_targets WHERE is_active = TRUE ORDER BY id`

	var targets []source.Target
	if err := c.db.SelectContext(ctx, &targets, query); err != nil {
		return nil, fmt.Errorf("failed to load active targets: %w", err)
	}
	return targets, nil
}

// CreateTarget registers a new scan target and returns its id
func (c *Catalog) CreateTarget(ctx context.Context, t source.Target) (int64, error) {
	const query = `
		INSERT INTO scan_targets (name, source_type, path, scan_scope, schedule_cron, encrypted, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`

	var id int64
	err := c.db.QueryRowContext(ctx, query,
		t.Name, t.Type, t.Path, t.Scope, t.ScheduleCron, t.Encrypted, t.Active,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to create target %s: %w", t.Name, err)
	}

	c.audit(ctx, "", id, "target_registered", t.Name)
	c.logger.Info("Target registered",
		zap.Int64("id", id),
		zap.String("name", t.Name),
		zap.String("type", string(t.Type)),
	)
	return id, nil
}

// Mark loads a target's change mark. A target that has never completed a
// scan has no mark; that is nil, not an error.
func (c *Catalog) Mark(ctx context.Context, targetID int64) (*track.Mark, error) {
	var payload []byte
	err := c.db.GetContext(ctx, &payload,
		`SELECT payload FROM change_marks WHERE target_id = $1`, targetID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load change mark: %w", err)
	}

	var mark track.Mark
	if err := json.Unmarshal(payload, &mark); err != nil {
		return nil, fmt.Errorf("failed to decode change mark: %w", err)
	}
	return &mark, nil
}

// SaveMark upserts a target's change mark
func (c *Catalog) SaveMark(ctx context.Context, mark *track.Mark) error {
	payload, err := json.Marshal(mark)
	if err != nil {
		return fmt.Errorf("failed to encode change mark: %w", err)
	}

	const query = `
		INSERT INTO change_marks (target_id, payload, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (target_id) DO UPDATE SET payload = $2, updated_at = NOW()`

	if _, err := c.db.ExecContext(ctx, query, mark.TargetID, payload); err != nil {
		return fmt.Errorf("failed to save change mark: %w", err)
	}
	return nil
}

// OpenRun returns the most recent still-running run for a target, if any
func (c *Catalog) OpenRun(ctx context.Context, targetID int64) (scan.Phase, *scan.PhaseState, error) {
	var row struct {
		LastPhase string `db:"last_phase"`
		State     []byte `db:"state"`
	}
	err := c.db.GetContext(ctx, &row, `
		SELECT last_phase, state FROM scan_runs
		WHERE target_id = $1 AND status = 'running'
		ORDER BY started_at DESC LIMIT 1`, targetID)
	if err == sql.ErrNoRows {
		return "", nil, nil
	}
	if err != nil {
		return "", nil, fmt.Errorf("failed to inspect open runs: %w", err)
	}

	var state scan.PhaseState
	if len(row.State) > 0 {
		if err := json.Unmarshal(row.State, &state); err != nil {
			return "", nil, fmt.Errorf("failed to decode run state: %w", err)
		}
	}
	return scan.Phase(row.LastPhase), &state, nil
}

// SavePhase records a completed phase transition and refreshes the target's
// scan timestamps for the phases that touched metadata or data
func (c *Catalog) SavePhase(ctx context.Context, targetID int64, phase scan.Phase, state *scan.PhaseState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("failed to encode run state: %w", err)
	}

	tx, err := c.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	const upsert = `
		INSERT INTO scan_runs (run_id, target_id, status, last_phase, state)
		VALUES ($1, $2, 'running', $3, $4)
		ON CONFLICT (run_id) DO UPDATE SET last_phase = $3, state = $4`
	if _, err := tx.ExecContext(ctx, upsert, state.RunID, targetID, string(phase), payload); err != nil {
		return fmt.Errorf("failed to save phase transition: %w", err)
	}

	switch phase {
	case scan.PhaseMetadataProfile:
		if _, err := tx.ExecContext(ctx,
			`UPDATE scan_targets SET last_metadata_scan_at = NOW() WHERE id = $1`, targetID); err != nil {
			return fmt.Errorf("failed to stamp metadata scan: %w", err)
		}
	case scan.PhaseFullScan:
		if _, err := tx.ExecContext(ctx,
			`UPDATE scan_targets SET last_data_scan_at = NOW() WHERE id = $1`, targetID); err != nil {
			return fmt.Errorf("failed to stamp data scan: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit phase transition: %w", err)
	}

	c.audit(ctx, state.RunID, targetID, "phase_committed", string(phase))
	c.logger.Debug("Phase transition saved",
		zap.String("run_id", state.RunID),
		zap.String("phase", string(phase)),
	)
	return nil
}

// SaveResults batch-inserts aggregated results for one phase of a run
func (c *Catalog) SaveResults(ctx context.Context, runID string, targetID int64, phase scan.Phase, results []aggregate.ScanResult) error {
	if len(results) == 0 {
		return nil
	}

	valueStrings := make([]string, 0, len(results))
	valueArgs := make([]interface{}, 0, len(results)*10)
	for i, r := range results {
		base := i * 10
		valueStrings = append(valueStrings, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9, base+10))
		valueArgs = append(valueArgs,
			runID, targetID, string(phase),
			r.Container, r.Field, r.EntityType,
			r.Count, r.MaxScore, r.SampleMasked, r.Sensitivity,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO scan_results
			(run_id, target_id, phase, container, field, entity_type, count, max_score, sample_masked, sensitivity)
		VALUES %s`, strings.Join(valueStrings, ","))

	if _, err := c.db.ExecContext(ctx, query, valueArgs...); err != nil {
		return fmt.Errorf("failed to save scan results: %w", err)
	}

	c.logger.Debug("Scan results saved",
		zap.String("run_id", runID),
		zap.Int("count", len(results)),
	)
	return nil
}

// SaveDrift batch-inserts drift events for a run
func (c *Catalog) SaveDrift(ctx context.Context, runID string, events []track.DriftEvent) error {
	if len(events) == 0 {
		return nil
	}

	valueStrings := make([]string, 0, len(events))
	valueArgs := make([]interface{}, 0, len(events)*9)
	for i, e := range events {
		base := i * 9
		valueStrings = append(valueStrings, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7, base+8, base+9))
		valueArgs = append(valueArgs,
			runID, e.TargetID, string(e.Kind),
			e.Container, e.Field, e.OldMasked, e.NewMasked, e.Detail, e.OccurredAt,
		)
	}

	query := fmt.Sprintf(`
		INSERT INTO drift_events
			(run_id, target_id, kind, container, field, old_masked, new_masked, detail, occurred_at)
		VALUES %s`, strings.Join(valueStrings, ","))

	if _, err := c.db.ExecContext(ctx, query, valueArgs...); err != nil {
		return fmt.Errorf("failed to save drift events: %w", err)
	}
	return nil
}

// CloseRun finalizes a run's row with its outcome
func (c *Catalog) CloseRun(ctx context.Context, report *scan.RunReport) error {
	diagnostics, err := json.Marshal(report.Diagnostics)
	if err != nil {
		return fmt.Errorf("failed to encode diagnostics: %w", err)
	}
	categories, err := json.Marshal(report.Categories)
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}

	const query = `
		INSERT INTO scan_runs (run_id, target_id, status, last_phase, diagnostics, categories, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (run_id) DO UPDATE SET
			status = $3, last_phase = $4, diagnostics = $5, categories = $6, finished_at = $8`

	_, err = c.db.ExecContext(ctx, query,
		report.RunID, report.TargetID, string(report.Status), string(report.LastPhase),
		diagnostics, categories, report.StartedAt, report.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to close run: %w", err)
	}

	c.audit(ctx, report.RunID, report.TargetID, "run_closed", string(report.Status))
	c.logger.Info("Run closed",
		zap.String("run_id", report.RunID),
		zap.String("status", string(report.Status)),
	)
	return nil
}

// audit appends a trail entry. The trail is advisory; a failed write is
// logged and never turns into a run failure.
func (c *Catalog) audit(ctx context.Context, runID string, targetID int64, action, detail string) {
	var run interface{}
	if runID != "" {
		run = runID
	}
	_, err := c.db.ExecContext(ctx,
		`INSERT INTO audit_log (run_id, target_id, action, detail) VALUES ($1, $2, $3, $4)`,
		run, targetID, action, detail)
	if err != nil {
		c.logger.Warn("Audit write failed",
			zap.String("action", action),
			zap.Error(err),
		)
	}
}

// maskDatabaseURL hides credentials in logged connection strings
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid-url"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.String()
}
