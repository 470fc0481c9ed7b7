// Package update implements the targeted single-category re-assessment
// flow: a short-lived conversation about one (org, opportunity, category)
// tuple that funnels into the same scoring engine as the full review.
package update

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"github.com/forecastly/dealreview/internal/jsonscan"
	"github.com/forecastly/dealreview/internal/llm"
	"github.com/forecastly/dealreview/internal/meddpicc"
	"github.com/forecastly/dealreview/internal/rubric"
	"github.com/forecastly/dealreview/internal/session"
	"github.com/forecastly/dealreview/internal/store"
)

// LLM is the model surface the flow needs: blocking completion always,
// streaming only as a latency optimization.
type LLM interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
	Stream(ctx context.Context, req llm.Request, onDelta func(text string)) (*llm.Response, error)
}

// Saver is the single write path shared with the turn engine.
type Saver interface {
	ApplyCategorySave(ctx context.Context, args store.SaveArgs) (*store.SaveResult, error)
	GetOpportunity(ctx context.Context, orgID, opportunityID string) (*store.Opportunity, error)
}

// RubricStore supplies the rubric and opener question for the category.
type RubricStore interface {
	GetRubric(ctx context.Context, orgID string, category meddpicc.Category) []meddpicc.ScoreDefinition
	GetQuestionPack(ctx context.Context, orgID string, category meddpicc.Category, currentScore int) rubric.QuestionPack
}

type Flow struct {
	llm      LLM
	saver    Saver
	rubric   RubricStore
	sessions *session.Manager
	logger   *slog.Logger
}

func New(llmClient LLM, saver Saver, rubricStore RubricStore, sessions *session.Manager, logger *slog.Logger) *Flow {
	return &Flow{
		llm:      llmClient,
		saver:    saver,
		rubric:   rubricStore,
		sessions: sessions,
		logger:   logger,
	}
}

// Rollup is the regenerated deal-level outlook produced after a finalize.
type Rollup struct {
	Summary   string `json:"summary"`
	NextSteps string `json:"next_steps"`
	Risks     string `json:"risks"`
}

// TurnOutcome is one step of the flow.
type TurnOutcome struct {
	SessionID       string  `json:"session_id"`
	Action          string  `json:"action"` // "followup", "no_change", or "finalized"
	Question        string  `json:"question,omitempty"`
	SpokenResponse  string  `json:"spoken_response,omitempty"`
	Score           int     `json:"score,omitempty"`
	Evidence        string  `json:"evidence,omitempty"`
	Tip             string  `json:"tip,omitempty"`
	AssessedPercent int     `json:"assessed_percent,omitempty"`
	Rollup          *Rollup `json:"rollup,omitempty"`
}

// Start opens a re-assessment. With no immediate text it returns the opener
// question without touching the model (the cheap path); with text supplied
// it is treated as a combined start-plus-answer.
func (f *Flow) Start(ctx context.Context, orgID, opportunityID string, category meddpicc.Category, immediateText string) (*TurnOutcome, error) {
	if !category.Valid() {
		return nil, fmt.Errorf("unknown category %q", category)
	}
	opp, err := f.saver.GetOpportunity(ctx, orgID, opportunityID)
	if err != nil {
		return nil, err
	}
	if opp.Closed() {
		return nil, fmt.Errorf("opportunity %s is closed and cannot be re-assessed", opportunityID)
	}

	sess := f.sessions.CreateUpdateSession(orgID, opportunityID, category)

	if strings.TrimSpace(immediateText) == "" {
		pack := f.rubric.GetQuestionPack(ctx, orgID, category, opp.Categories[category].Score)
		opener := pack.Primary
		sess.Turns = append(sess.Turns, session.Message{Role: "assistant", Text: opener})
		sess.Opened = true
		f.sessions.SaveUpdateSession(sess)
		return &TurnOutcome{SessionID: sess.ID, Action: "followup", Question: opener}, nil
	}

	sess.Opened = true
	f.sessions.SaveUpdateSession(sess)
	return f.Turn(ctx, sess.ID, immediateText)
}

// Turn processes one rep reply using the blocking completion path.
func (f *Flow) Turn(ctx context.Context, sessionID, userText string) (*TurnOutcome, error) {
	return f.turn(ctx, sessionID, userText, nil)
}

// TurnStream processes one rep reply with early question emission: a
// candidate question is scanned out of the partial JSON mid-stream and
// handed to emit (a text-to-speech hook) before the response completes.
// Persisted state is always derived from the strictly parsed final payload.
func (f *Flow) TurnStream(ctx context.Context, sessionID, userText string, emit func(text string)) (*TurnOutcome, error) {
	return f.turn(ctx, sessionID, userText, emit)
}

func (f *Flow) turn(ctx context.Context, sessionID, userText string, emit func(string)) (*TurnOutcome, error) {
	sess, err := f.sessions.UpdateSession(sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Finalized {
		return nil, fmt.Errorf("session %s already finalized", sessionID)
	}

	sess.Turns = append(sess.Turns, session.Message{Role: "user", Text: userText})

	opp, err := f.saver.GetOpportunity(ctx, sess.OrgID, sess.OpportunityID)
	if err != nil {
		return nil, err
	}

	raw, err := f.callModel(ctx, sess, opp, emit)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Action         string `json:"action"`
		Question       string `json:"question"`
		MaterialChange *bool  `json:"material_change"`
		Score          *int   `json:"score"`
		Evidence       string `json:"evidence"`
		Tip            string `json:"tip"`
	}
	obj, ok := jsonscan.ExtractObject(raw)
	if !ok {
		return nil, fmt.Errorf("model response is not JSON: %q", truncate(raw, 200))
	}
	if err := json.Unmarshal([]byte(obj), &resp); err != nil {
		return nil, fmt.Errorf("parse model response: %w", err)
	}

	switch resp.Action {
	case "followup":
		if strings.TrimSpace(resp.Question) == "" {
			return nil, fmt.Errorf("followup with empty question")
		}
		sess.Turns = append(sess.Turns, session.Message{Role: "assistant", Text: resp.Question})
		f.sessions.SaveUpdateSession(sess)
		return &TurnOutcome{SessionID: sess.ID, Action: "followup", Question: resp.Question}, nil

	case "finalize":
		if resp.MaterialChange == nil {
			return nil, fmt.Errorf("finalize without material_change")
		}
		if !*resp.MaterialChange {
			sess.Finalized = true
			f.sessions.DeleteUpdateSession(sess.ID)
			return &TurnOutcome{SessionID: sess.ID, Action: "no_change", SpokenResponse: noMaterialChangeResponse}, nil
		}
		return f.finalize(ctx, sess, opp, resp.Score, resp.Evidence, resp.Tip)

	default:
		return nil, fmt.Errorf("unknown action %q in model response", resp.Action)
	}
}

func (f *Flow) finalize(ctx context.Context, sess *session.CategoryUpdateSession, opp *store.Opportunity, score *int, evidence, tip string) (*TurnOutcome, error) {
	if score == nil || *score < meddpicc.MinScore || *score > meddpicc.MaxScore {
		return nil, fmt.Errorf("finalize with invalid score")
	}
	if strings.TrimSpace(evidence) == "" || strings.TrimSpace(tip) == "" {
		return nil, fmt.Errorf("finalize requires non-empty evidence and tip")
	}

	res, err := f.saver.ApplyCategorySave(ctx, store.SaveArgs{
		OrgID:         sess.OrgID,
		OpportunityID: sess.OpportunityID,
		RunID:         sess.ID,
		ActorType:     "agent",
		Updates: []store.CategoryUpdate{{
			Category: sess.Category,
			Score:    score,
			Summary:  &evidence,
			Tip:      &tip,
		}},
		Source:      "agent",
		ScoreSource: "category_update",
	})
	if err != nil {
		return nil, fmt.Errorf("apply category update: %w", err)
	}
	if res.Skipped {
		return nil, fmt.Errorf("opportunity %s is %s; update not applied", sess.OpportunityID, res.SkipReason)
	}

	assessedPercent, complete := assessedOnlyPercent(res.Opportunity)

	outcome := &TurnOutcome{
		SessionID:       sess.ID,
		Action:          "finalized",
		Score:           *score,
		Evidence:        res.Opportunity.Categories[sess.Category].Summary,
		Tip:             tip,
		AssessedPercent: assessedPercent,
	}

	// Rollup regeneration is best-effort: its failure must never affect
	// the already-persisted score.
	if rollup, err := f.regenerateRollup(ctx, res.Opportunity, complete); err != nil {
		f.logger.Warn("rollup regeneration failed", "opportunity", sess.OpportunityID, "error", err)
	} else {
		outcome.Rollup = rollup
	}

	sess.Finalized = true
	f.sessions.DeleteUpdateSession(sess.ID)
	return outcome, nil
}

// callModel runs one flow turn, optionally streaming with early question
// emission. On stream failure it falls back to the blocking path —
// streaming is never load-bearing.
func (f *Flow) callModel(ctx context.Context, sess *session.CategoryUpdateSession, opp *store.Opportunity, emit func(string)) (string, error) {
	req := llm.Request{
		Instructions: f.instructions(ctx, sess, opp),
		Input:        transcriptInput(sess.Turns),
	}

	if emit == nil {
		resp, err := f.llm.Complete(ctx, req)
		if err != nil {
			return "", fmt.Errorf("model call: %w", err)
		}
		return resp.Text(), nil
	}

	var (
		buf       strings.Builder
		candidate string
	)
	resp, err := f.llm.Stream(ctx, req, func(delta string) {
		buf.WriteString(delta)
		if candidate != "" {
			return
		}
		if q, ok := jsonscan.StringValue(buf.String(), "question"); ok && q != "" {
			candidate = q
			emit(q)
		}
	})
	if err != nil {
		f.logger.Warn("stream failed, falling back to blocking call", "error", err)
		blocking, berr := f.llm.Complete(ctx, req)
		if berr != nil {
			return "", fmt.Errorf("model call: %w", berr)
		}
		return blocking.Text(), nil
	}

	final := resp.Text()
	if candidate != "" {
		if q, ok := jsonscan.StringValue(final, "question"); !ok || q != candidate {
			// The early emission raced a different final question. Nothing
			// persisted depends on it, but log it and stop emitting early
			// for the rest of this turn.
			f.logger.Warn("early question emission mismatch",
				"session", sess.ID,
				"candidate", candidate,
			)
		}
	}
	return final, nil
}

func (f *Flow) instructions(ctx context.Context, sess *session.CategoryUpdateSession, opp *store.Opportunity) string {
	defs := f.rubric.GetRubric(ctx, sess.OrgID, sess.Category)
	var rb strings.Builder
	for _, d := range defs {
		fmt.Fprintf(&rb, "  %d — %s: %s\n", d.Score, d.Label, d.Criteria)
	}
	if rb.Len() == 0 {
		rb.WriteString("  (no rubric configured; use judgment on a 0-3 scale)\n")
	}
	st := opp.Categories[sess.Category]
	return fmt.Sprintf(systemPromptTemplate, sess.Category.SpokenName(), rb.String(), st.Score, st.Summary)
}

func (f *Flow) regenerateRollup(ctx context.Context, opp *store.Opportunity, complete bool) (*Rollup, error) {
	var states strings.Builder
	for _, c := range meddpicc.AllCategories {
		st := opp.Categories[c]
		if st.Score == 0 && st.Summary == "" {
			fmt.Fprintf(&states, "- %s: not assessed\n", c.SpokenName())
			continue
		}
		fmt.Fprintf(&states, "- %s: score %d, %s\n", c.SpokenName(), st.Score, st.Summary)
	}

	disclaimer := ""
	if !complete {
		disclaimer = fmt.Sprintf("The summary MUST begin with this exact sentence: %q\n\n", incompleteCoverageDisclaimer)
	}

	resp, err := f.llm.Complete(ctx, llm.Request{
		Instructions: fmt.Sprintf(rollupPromptTemplate, opp.Name, disclaimer, states.String()),
		Input:        []llm.InputItem{llm.UserMessage("Generate the rollup now.")},
	})
	if err != nil {
		return nil, err
	}

	obj, ok := jsonscan.ExtractObject(resp.Text())
	if !ok {
		return nil, fmt.Errorf("rollup response is not JSON")
	}
	var rollup Rollup
	if err := json.Unmarshal([]byte(obj), &rollup); err != nil {
		return nil, fmt.Errorf("parse rollup: %w", err)
	}
	if !complete && !strings.HasPrefix(rollup.Summary, incompleteCoverageDisclaimer) {
		rollup.Summary = incompleteCoverageDisclaimer + " " + rollup.Summary
	}
	return &rollup, nil
}

// assessedOnlyPercent scores the deal over only the categories that have
// ever been assessed, so partial coverage is not penalized. Returns the
// percentage and whether coverage is complete.
func assessedOnlyPercent(opp *store.Opportunity) (int, bool) {
	assessed, sum := 0, 0
	for _, c := range meddpicc.AllCategories {
		st := opp.Categories[c]
		if st.Score == 0 && st.Summary == "" {
			continue
		}
		assessed++
		sum += st.Score
	}
	if assessed == 0 {
		return 0, false
	}
	percent := int(math.Round(float64(sum) / float64(assessed*meddpicc.MaxScore) * 100))
	return percent, assessed == len(meddpicc.AllCategories)
}

func transcriptInput(turns []session.Message) []llm.InputItem {
	items := make([]llm.InputItem, 0, len(turns))
	for _, t := range turns {
		items = append(items, llm.InputItem{Role: t.Role, Content: t.Text})
	}
	return items
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
