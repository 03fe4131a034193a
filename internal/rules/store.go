package rules

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/lindung-io/lindung/internal/logger"
)

// Store loads rule records from the catalog database. Rule administration
// (create/update/deactivate) belongs to the API surface and is not done here;
// the engine only ever reads.
type Store interface {
	LoadActiveRules(ctx context.Context) ([]DetectionRule, error)
}

// SQLStore is the Postgres-backed rule store
type SQLStore struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// NewSQLStore creates a rule store on an existing catalog connection
func NewSQLStore(db *sqlx.DB, log *logger.Logger) *SQLStore {
	return &SQLStore{db: db, logger: log.WithComponent("rule_store")}
}

type ruleRow struct {
	ID              int64           `db:"id"`
	Name            string          `db:"name"`
	Kind            string          `db:"kind"`
	Pattern         string          `db:"pattern"`
	BaseScore       float64         `db:"base_score"`
	EntityType      sql.NullString  `db:"entity_type"`
	ContextKeywords sql.NullString  `db:"context_keywords"`
	Sensitivity     sql.NullString  `db:"sensitivity"`
	Active          bool            `db:"is_active"`
}

// LoadActiveRules fetches every active rule record, newest first so that
// duplicate names resolve to the most recent definition during compile.
func (s *SQLStore) LoadActiveRules(ctx context.Context) ([]DetectionRule, error) {
	const query = `
		SELECT id, name, kind, pattern, base_score, entity_type, context_keywords, sensitivity, is_active
		FROM detection_rules
		WHERE is_active = TRUE
		ORDER BY id ASC`

	var rows []ruleRow
	if err := s.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to load active rules: %w", err)
	}

	out := make([]DetectionRule, 0, len(rows))
	for _, r := range rows {
		out = append(out, DetectionRule{
			ID:              r.ID,
			Name:            r.Name,
			Kind:            Kind(r.Kind),
			Pattern:         r.Pattern,
			BaseScore:       r.BaseScore,
			EntityType:      r.EntityType.String,
			ContextKeywords: ParseContextKeywords(r.ContextKeywords.String),
			Sensitivity:     r.Sensitivity.String,
			Active:          r.Active,
		})
	}

	s.logger.Debug("Active rules loaded", zap.Int("count", len(out)))
	return out, nil
}
