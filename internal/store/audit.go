package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/forecastly/dealreview/internal/meddpicc"
)

// ScoreDelta records one category's score change within a save.
type ScoreDelta struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// AuditEvent is the append-only record of one accepted save. Every category
// change must be reconstructable from these rows alone.
type AuditEvent struct {
	ID                  uuid.UUID                                    `json:"id"`
	OrgID               string                                       `json:"org_id"`
	OpportunityID       string                                       `json:"opportunity_id"`
	RunID               string                                       `json:"run_id"`
	CallID              string                                       `json:"call_id"`
	ActorType           string                                       `json:"actor_type"`
	EventType           string                                       `json:"event_type"`
	Scores              map[meddpicc.Category]int                    `json:"scores"`
	Delta               map[meddpicc.Category]ScoreDelta             `json:"delta"`
	RiskSummary         string                                       `json:"risk_summary"`
	DefinitionsSnapshot map[meddpicc.Category][]meddpicc.ScoreDefinition `json:"definitions_snapshot"`
	Meta                map[string]any                               `json:"meta"`
	CreatedAt           time.Time                                    `json:"created_at"`
}

func insertAuditEvent(ctx context.Context, tx pgx.Tx, ev *AuditEvent) error {
	scores, err := json.Marshal(ev.Scores)
	if err != nil {
		return fmt.Errorf("marshal scores: %w", err)
	}
	delta, err := json.Marshal(ev.Delta)
	if err != nil {
		return fmt.Errorf("marshal delta: %w", err)
	}
	defs, err := json.Marshal(ev.DefinitionsSnapshot)
	if err != nil {
		return fmt.Errorf("marshal definitions snapshot: %w", err)
	}
	meta, err := json.Marshal(ev.Meta)
	if err != nil {
		return fmt.Errorf("marshal meta: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_events
			(id, org_id, opportunity_id, run_id, call_id, actor_type, event_type,
			 scores, delta, risk_summary, definitions_snapshot, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, now())`,
		ev.ID, ev.OrgID, ev.OpportunityID, ev.RunID, ev.CallID, ev.ActorType, ev.EventType,
		scores, delta, ev.RiskSummary, defs, meta,
	)
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}
