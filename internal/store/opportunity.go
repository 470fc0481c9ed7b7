package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/forecastly/dealreview/internal/meddpicc"
)

// CategoryState is one category's persisted score, evidence, and coaching tip.
type CategoryState struct {
	Score   int    `json:"score"`
	Summary string `json:"summary"`
	Tip     string `json:"tip"`
}

// Opportunity is the scored CRM record for one deal.
type Opportunity struct {
	OrgID string `json:"org_id"`
	ID    string `json:"id"`
	Name  string `json:"name"`

	Categories map[meddpicc.Category]CategoryState `json:"categories"`

	ForecastStage string     `json:"forecast_stage"`
	Amount        float64    `json:"amount"`
	CloseDate     *time.Time `json:"close_date,omitempty"`
	RiskSummary   string     `json:"risk_summary"`
	NextSteps     string     `json:"next_steps"`
	HealthScore   int        `json:"health_score"`
	AIForecast    string     `json:"ai_forecast"`

	ChampionName  string `json:"champion_name"`
	ChampionTitle string `json:"champion_title"`
	EBName        string `json:"eb_name"`
	EBTitle       string `json:"eb_title"`

	ScoreEventSource      string     `json:"score_event_source"`
	ScoreSource           string     `json:"score_source"`
	BaselineHealthScoreTS *time.Time `json:"baseline_health_score_ts,omitempty"`
}

// Closed reports whether the deal's stage classifies as terminal.
func (o *Opportunity) Closed() bool {
	return meddpicc.ClassifyStage(o.ForecastStage).Closed()
}

// TotalScore sums the ten category scores.
func (o *Opportunity) TotalScore() int {
	total := 0
	for _, c := range meddpicc.AllCategories {
		total += o.Categories[c].Score
	}
	return total
}

// categoryColumns lists the 30 per-category columns in canonical order:
// <cat>_score, <cat>_summary, <cat>_tip for each of the ten categories.
func categoryColumns() []string {
	cols := make([]string, 0, len(meddpicc.AllCategories)*3)
	for _, c := range meddpicc.AllCategories {
		cols = append(cols, string(c)+"_score", string(c)+"_summary", string(c)+"_tip")
	}
	return cols
}

var scalarColumns = []string{
	"org_id", "id", "name",
	"forecast_stage", "amount", "close_date",
	"risk_summary", "next_steps", "health_score", "ai_forecast",
	"champion_name", "champion_title", "eb_name", "eb_title",
	"score_event_source", "score_source", "baseline_health_score_ts",
}

func selectColumns() string {
	return strings.Join(append(append([]string{}, scalarColumns...), categoryColumns()...), ", ")
}

// GetOpportunity loads one opportunity by (org, id).
func (s *Store) GetOpportunity(ctx context.Context, orgID, opportunityID string) (*Opportunity, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM opportunities WHERE org_id = $1 AND id = $2`, selectColumns()),
		orgID, opportunityID,
	)
	return scanOpportunity(row)
}

// ListOpportunities loads the opportunities for a review queue, preserving
// the requested order and dropping ids that do not exist or are closed.
func (s *Store) ListOpportunities(ctx context.Context, orgID string, ids []string) ([]*Opportunity, error) {
	var deals []*Opportunity
	for _, id := range ids {
		opp, err := s.GetOpportunity(ctx, orgID, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				continue
			}
			return nil, err
		}
		if opp.Closed() {
			continue
		}
		deals = append(deals, opp)
	}
	return deals, nil
}

func getOpportunityForUpdate(ctx context.Context, tx pgx.Tx, orgID, opportunityID string) (*Opportunity, error) {
	row := tx.QueryRow(ctx, fmt.Sprintf(`
		SELECT %s FROM opportunities WHERE org_id = $1 AND id = $2 FOR UPDATE`, selectColumns()),
		orgID, opportunityID,
	)
	return scanOpportunity(row)
}

func scanOpportunity(row pgx.Row) (*Opportunity, error) {
	o := &Opportunity{Categories: make(map[meddpicc.Category]CategoryState, len(meddpicc.AllCategories))}

	var (
		name, forecastStage, riskSummary, nextSteps, aiForecast            *string
		championName, championTitle, ebName, ebTitle                       *string
		scoreEventSource, scoreSource                                      *string
		amount                                                             *float64
		closeDate, baselineTS                                              *time.Time
		healthScore                                                        *int
		catScores                                                          [10]*int
		catSummaries, catTips                                              [10]*string
	)

	dest := []any{
		&o.OrgID, &o.ID, &name,
		&forecastStage, &amount, &closeDate,
		&riskSummary, &nextSteps, &healthScore, &aiForecast,
		&championName, &championTitle, &ebName, &ebTitle,
		&scoreEventSource, &scoreSource, &baselineTS,
	}
	for i := range meddpicc.AllCategories {
		dest = append(dest, &catScores[i], &catSummaries[i], &catTips[i])
	}

	if err := row.Scan(dest...); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan opportunity: %w", err)
	}

	o.Name = deref(name)
	o.ForecastStage = deref(forecastStage)
	o.RiskSummary = deref(riskSummary)
	o.NextSteps = deref(nextSteps)
	o.AIForecast = deref(aiForecast)
	o.ChampionName = deref(championName)
	o.ChampionTitle = deref(championTitle)
	o.EBName = deref(ebName)
	o.EBTitle = deref(ebTitle)
	o.ScoreEventSource = deref(scoreEventSource)
	o.ScoreSource = deref(scoreSource)
	o.CloseDate = closeDate
	o.BaselineHealthScoreTS = baselineTS
	if amount != nil {
		o.Amount = *amount
	}
	if healthScore != nil {
		o.HealthScore = *healthScore
	}

	for i, c := range meddpicc.AllCategories {
		st := CategoryState{}
		if catScores[i] != nil {
			st.Score = *catScores[i]
		}
		st.Summary = deref(catSummaries[i])
		st.Tip = deref(catTips[i])
		o.Categories[c] = st
	}

	return o, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
