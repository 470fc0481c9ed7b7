package store

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/forecastly/dealreview/internal/meddpicc"
)

// RubricSource supplies score definitions for label prefixing and for the
// audit trail's definitions snapshot. A nil source disables both.
type RubricSource interface {
	GetRubric(ctx context.Context, orgID string, category meddpicc.Category) []meddpicc.ScoreDefinition
}

// AttachRubric wires the rubric reader into the save path.
func (s *Store) AttachRubric(r RubricSource) {
	s.rubric = r
}

// CategoryUpdate is one category's sparse update. Nil fields are untouched.
type CategoryUpdate struct {
	Category meddpicc.Category
	Score    *int
	Summary  *string
	Tip      *string
}

// EntityFields carries champion / economic-buyer identity gathered mid-review.
type EntityFields struct {
	ChampionName  *string
	ChampionTitle *string
	EBName        *string
	EBTitle       *string
}

// SaveArgs is the input to ApplyCategorySave. Updates must contain only the
// categories legitimately answered in the calling turn.
type SaveArgs struct {
	OrgID         string
	OpportunityID string
	RunID         string
	CallID        string
	ActorType     string

	Updates     []CategoryUpdate
	RiskSummary *string
	NextSteps   *string
	Entity      EntityFields

	// Source is the provenance flag: "agent" for conversational saves,
	// "baseline" for ingestion-sourced scoring passes.
	Source      string
	ScoreSource string

	// OverrideBaseline lets an explicit re-paste rescore an opportunity
	// whose baseline already exists.
	OverrideBaseline bool
}

// Skip reasons for success-with-no-op saves.
const (
	SkipClosed         = "closed"
	SkipBaselineExists = "baseline_exists"
)

// SaveResult is the outcome of one ApplyCategorySave call. Audit is nil
// exactly when the save was skipped.
type SaveResult struct {
	Opportunity *Opportunity
	Audit       *AuditEvent
	Skipped     bool
	SkipReason  string
}

// ApplyCategorySave applies one validated category save: label-prefixes
// summaries, recomputes the aggregate health score and derived forecast,
// writes the row, and appends an audit event — all in one transaction.
//
// Closed opportunities and baseline-guarded re-ingestions return success
// without mutation so batch callers never fail on benign conditions.
func (s *Store) ApplyCategorySave(ctx context.Context, args SaveArgs) (*SaveResult, error) {
	for _, u := range args.Updates {
		if !u.Category.Valid() {
			return nil, fmt.Errorf("unknown category %q", u.Category)
		}
		if u.Score != nil && (*u.Score < meddpicc.MinScore || *u.Score > meddpicc.MaxScore) {
			return nil, fmt.Errorf("score %d out of range for %s", *u.Score, u.Category)
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	opp, err := getOpportunityForUpdate(ctx, tx, args.OrgID, args.OpportunityID)
	if err != nil {
		return nil, err
	}

	if opp.Closed() {
		return &SaveResult{Opportunity: opp, Skipped: true, SkipReason: SkipClosed}, nil
	}
	if args.Source == "baseline" && opp.BaselineHealthScoreTS != nil && !args.OverrideBaseline && len(args.Updates) > 0 {
		return &SaveResult{Opportunity: opp, Skipped: true, SkipReason: SkipBaselineExists}, nil
	}

	before := make(map[meddpicc.Category]int, len(meddpicc.AllCategories))
	for _, c := range meddpicc.AllCategories {
		before[c] = opp.Categories[c].Score
	}

	touched := make([]meddpicc.Category, 0, len(args.Updates))
	for _, u := range args.Updates {
		st := opp.Categories[u.Category]
		if u.Score != nil {
			st.Score = *u.Score
		}
		if u.Summary != nil {
			st.Summary = s.prefixed(ctx, args.OrgID, u.Category, st.Score, *u.Summary)
		}
		if u.Tip != nil {
			st.Tip = *u.Tip
		}
		opp.Categories[u.Category] = st
		touched = append(touched, u.Category)
	}

	if args.RiskSummary != nil {
		opp.RiskSummary = *args.RiskSummary
	}
	if args.NextSteps != nil {
		opp.NextSteps = *args.NextSteps
	}
	if args.Entity.ChampionName != nil {
		opp.ChampionName = *args.Entity.ChampionName
	}
	if args.Entity.ChampionTitle != nil {
		opp.ChampionTitle = *args.Entity.ChampionTitle
	}
	if args.Entity.EBName != nil {
		opp.EBName = *args.Entity.EBName
	}
	if args.Entity.EBTitle != nil {
		opp.EBTitle = *args.Entity.EBTitle
	}

	// Health score is always recomputed from the full record, never drifted
	// incrementally.
	opp.HealthScore = opp.TotalScore()
	opp.AIForecast = string(meddpicc.ForecastFromHealth(opp.HealthScore))

	if args.Source != "" {
		opp.ScoreEventSource = args.Source
	}
	if args.ScoreSource != "" {
		opp.ScoreSource = args.ScoreSource
	}
	if args.Source == "baseline" && opp.BaselineHealthScoreTS == nil && len(args.Updates) > 0 {
		now := time.Now().UTC()
		opp.BaselineHealthScoreTS = &now
	}

	if err := updateOpportunity(ctx, tx, opp); err != nil {
		return nil, err
	}

	ev := &AuditEvent{
		ID:            uuid.New(),
		OrgID:         args.OrgID,
		OpportunityID: args.OpportunityID,
		RunID:         args.RunID,
		CallID:        args.CallID,
		ActorType:     args.ActorType,
		EventType:     "category_save",
		Scores:        make(map[meddpicc.Category]int, len(meddpicc.AllCategories)),
		Delta:         make(map[meddpicc.Category]ScoreDelta),
		RiskSummary:   opp.RiskSummary,
		Meta: map[string]any{
			"source":       args.Source,
			"score_source": args.ScoreSource,
			"touched":      touched,
		},
		CreatedAt: time.Now().UTC(),
	}
	for _, c := range meddpicc.AllCategories {
		ev.Scores[c] = opp.Categories[c].Score
		if opp.Categories[c].Score != before[c] {
			ev.Delta[c] = ScoreDelta{From: before[c], To: opp.Categories[c].Score}
		}
	}
	if s.rubric != nil && len(touched) > 0 {
		ev.DefinitionsSnapshot = make(map[meddpicc.Category][]meddpicc.ScoreDefinition, len(touched))
		for _, c := range touched {
			ev.DefinitionsSnapshot[c] = s.rubric.GetRubric(ctx, args.OrgID, c)
		}
	}

	if err := insertAuditEvent(ctx, tx, ev); err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &SaveResult{Opportunity: opp, Audit: ev}, nil
}

// prefixed prepends the rubric label for the category's effective score,
// unless the summary already carries it.
func (s *Store) prefixed(ctx context.Context, orgID string, c meddpicc.Category, score int, summary string) string {
	if s.rubric == nil {
		return summary
	}
	label, ok := meddpicc.LabelFor(s.rubric.GetRubric(ctx, orgID, c), score)
	if !ok {
		return summary
	}
	return PrefixSummary(label, summary)
}

// PrefixSummary applies the "<Label>: " evidence prefix idempotently.
func PrefixSummary(label, summary string) string {
	if label == "" || strings.HasPrefix(summary, label+": ") {
		return summary
	}
	return label + ": " + summary
}

func updateOpportunity(ctx context.Context, tx pgx.Tx, opp *Opportunity) error {
	set := []string{
		"forecast_stage", "risk_summary", "next_steps", "health_score", "ai_forecast",
		"champion_name", "champion_title", "eb_name", "eb_title",
		"score_event_source", "score_source", "baseline_health_score_ts",
	}
	vals := []any{
		opp.ForecastStage, opp.RiskSummary, opp.NextSteps, opp.HealthScore, opp.AIForecast,
		opp.ChampionName, opp.ChampionTitle, opp.EBName, opp.EBTitle,
		opp.ScoreEventSource, opp.ScoreSource, opp.BaselineHealthScoreTS,
	}
	for _, c := range meddpicc.AllCategories {
		st := opp.Categories[c]
		set = append(set, string(c)+"_score", string(c)+"_summary", string(c)+"_tip")
		vals = append(vals, st.Score, st.Summary, st.Tip)
	}

	var b strings.Builder
	b.WriteString("UPDATE opportunities SET updated_at = now()")
	for i, col := range set {
		fmt.Fprintf(&b, ", %s = $%d", col, i+1)
	}
	fmt.Fprintf(&b, " WHERE org_id = $%d AND id = $%d", len(set)+1, len(set)+2)
	vals = append(vals, opp.OrgID, opp.ID)

	if _, err := tx.Exec(ctx, b.String(), vals...); err != nil {
		return fmt.Errorf("update opportunity: %w", err)
	}
	return nil
}
