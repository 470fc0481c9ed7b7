// Package rubric is the read-only lookup for per-category scoring rubrics
// and question packs. Lookups never fail the conversation: on any error the
// store returns empty results and the caller falls back to built-in text.
package rubric

import (
	"context"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/forecastly/dealreview/internal/meddpicc"
)

// QuestionPack is the question text for probing one category: the primary
// question plus optional clarifiers.
type QuestionPack struct {
	Primary    string   `json:"primary"`
	Clarifiers []string `json:"clarifiers,omitempty"`
}

type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	// Older deployments have a score_definitions table without an org_id
	// column. Detected once, cached for process lifetime.
	detectOnce   sync.Once
	hasOrgColumn bool
}

func New(pool *pgxpool.Pool, logger *slog.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

func (s *Store) orgScoped(ctx context.Context) bool {
	s.detectOnce.Do(func() {
		var n int
		err := s.pool.QueryRow(ctx, `
			SELECT count(*) FROM information_schema.columns
			WHERE table_name = 'score_definitions' AND column_name = 'org_id'`,
		).Scan(&n)
		if err != nil {
			s.logger.Warn("rubric schema detection failed, assuming org-scoped", "error", err)
			s.hasOrgColumn = true
			return
		}
		s.hasOrgColumn = n > 0
	})
	return s.hasOrgColumn
}

// GetRubric returns the ordered score definitions for one category, or an
// empty slice when none exist or the query fails.
func (s *Store) GetRubric(ctx context.Context, orgID string, category meddpicc.Category) []meddpicc.ScoreDefinition {
	var (
		query string
		args  []any
	)
	if s.orgScoped(ctx) {
		query = `
			SELECT score, label, criteria FROM score_definitions
			WHERE org_id = $1 AND category = $2
			ORDER BY score`
		args = []any{orgID, string(category)}
	} else {
		query = `
			SELECT score, label, criteria FROM score_definitions
			WHERE category = $1
			ORDER BY score`
		args = []any{string(category)}
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		s.logger.Warn("rubric lookup failed", "category", category, "error", err)
		return nil
	}
	defer rows.Close()

	var defs []meddpicc.ScoreDefinition
	for rows.Next() {
		var d meddpicc.ScoreDefinition
		var label, criteria *string
		if err := rows.Scan(&d.Score, &label, &criteria); err != nil {
			s.logger.Warn("rubric row scan failed", "category", category, "error", err)
			return nil
		}
		if label != nil {
			d.Label = *label
		}
		if criteria != nil {
			d.Criteria = *criteria
		}
		defs = append(defs, d)
	}
	if rows.Err() != nil {
		s.logger.Warn("rubric rows failed", "category", category, "error", rows.Err())
		return nil
	}
	return defs
}

// GetQuestionPack returns the question pack for a category, falling back to
// the built-in default when no rows exist or the query fails.
func (s *Store) GetQuestionPack(ctx context.Context, orgID string, category meddpicc.Category, currentScore int) QuestionPack {
	rows, err := s.pool.Query(ctx, `
		SELECT primary_question, clarifier FROM question_packs
		WHERE org_id = $1 AND category = $2
		ORDER BY position`,
		orgID, string(category),
	)
	if err != nil {
		s.logger.Warn("question pack lookup failed", "category", category, "error", err)
		return DefaultQuestionPack(category)
	}
	defer rows.Close()

	var pack QuestionPack
	for rows.Next() {
		var primary, clarifier *string
		if err := rows.Scan(&primary, &clarifier); err != nil {
			s.logger.Warn("question pack scan failed", "category", category, "error", err)
			return DefaultQuestionPack(category)
		}
		if primary != nil && *primary != "" && pack.Primary == "" {
			pack.Primary = *primary
		}
		if clarifier != nil && *clarifier != "" {
			pack.Clarifiers = append(pack.Clarifiers, *clarifier)
		}
	}
	if rows.Err() != nil || pack.Primary == "" {
		return DefaultQuestionPack(category)
	}
	return pack
}
