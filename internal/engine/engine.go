// Package engine implements the deal-review conversation state machine.
// The model is treated as an untrusted actor: every tool call is validated
// against server-side state, illegal calls are rejected with corrective
// instructions, and only the deterministic first-gap order decides which
// category may be saved.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/forecastly/dealreview/internal/llm"
	"github.com/forecastly/dealreview/internal/meddpicc"
	"github.com/forecastly/dealreview/internal/prompt"
	"github.com/forecastly/dealreview/internal/rubric"
	"github.com/forecastly/dealreview/internal/session"
	"github.com/forecastly/dealreview/internal/store"
)

// LLM is the model client surface the engine needs.
type LLM interface {
	Complete(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Saver is the single write path for category saves.
type Saver interface {
	ApplyCategorySave(ctx context.Context, args store.SaveArgs) (*store.SaveResult, error)
}

// RubricStore supplies rubrics and question packs for prompt assembly.
type RubricStore interface {
	GetRubric(ctx context.Context, orgID string, category meddpicc.Category) []meddpicc.ScoreDefinition
	GetQuestionPack(ctx context.Context, orgID string, category meddpicc.Category, currentScore int) rubric.QuestionPack
}

type Engine struct {
	llm      LLM
	saver    Saver
	rubric   RubricStore
	sessions *session.Manager
	logger   *slog.Logger
}

func New(llmClient LLM, saver Saver, rubricStore RubricStore, sessions *session.Manager, logger *slog.Logger) *Engine {
	return &Engine{
		llm:      llmClient,
		saver:    saver,
		rubric:   rubricStore,
		sessions: sessions,
		logger:   logger,
	}
}

// TurnResult is what one user utterance produced.
type TurnResult struct {
	AssistantText string `json:"assistant_text"`
	Done          bool   `json:"done"`
	ModelCalls    int    `json:"-"`
}

// maxTurnIterations bounds the internal tool-call loop for one turn.
const maxTurnIterations = 20

const kickoffMessage = "(The rep has joined the review. Greet them briefly and begin with the first deal.)"

const closingInstructions = "The review queue is finished. Thank the rep briefly and end the conversation. Do not ask a question."

// ErrTurnInFlight is returned when a turn arrives while another turn for
// the same session is still being processed.
var ErrTurnInFlight = errors.New("a turn is already in flight for this session")

// RunTurn processes one user utterance: it calls the model with tools
// enabled, interprets and validates tool calls, loops with corrective
// nudges on violations, and returns the assistant's next utterance.
// Turns within one session are strictly sequential: a second concurrent
// invocation gets ErrTurnInFlight instead of interleaving state mutations.
func (e *Engine) RunTurn(ctx context.Context, sess *session.ReviewSession, userText string) (*TurnResult, error) {
	if !e.sessions.TryAcquireSession(sess.ID) {
		return nil, ErrTurnInFlight
	}
	defer e.sessions.ReleaseSession(sess.ID)
	return e.runTurn(ctx, sess, userText, maxTurnIterations)
}

// runTurn is RunTurn with an explicit model-call budget; the hands-free
// runner uses tighter budgets than the synchronous path.
func (e *Engine) runTurn(ctx context.Context, sess *session.ReviewSession, userText string, callBudget int) (*TurnResult, error) {
	if sess.Done() {
		return &TurnResult{Done: true}, nil
	}

	liveRepTurn := strings.TrimSpace(userText) != ""
	var correctives []string

	// No-change guard: a short negative reply to a check-pattern question
	// marks the category reviewed without a save, so existing evidence is
	// never overwritten with emptiness.
	if liveRepTurn && sess.LastAskedCategory != "" && isNoChangeReply(userText) {
		c := sess.LastAskedCategory
		sess.MarkReviewed(c)
		sess.LastAskedCategory = ""
		correctives = append(correctives, fmt.Sprintf(
			"The rep reported no change for %s. It is already on record — do NOT call save_deal_data for it. Move on to the next pending category.",
			c.SpokenName()))
		liveRepTurn = false
	}

	var (
		texts      []string
		prevID     string
		nudgeSent  bool
		wrapPush   bool
		modelCalls int
	)

	input := []llm.InputItem{}
	if strings.TrimSpace(userText) != "" {
		input = append(input, llm.UserMessage(userText))
	} else {
		input = append(input, llm.UserMessage(kickoffMessage))
	}

	for iter := 0; iter < callBudget; iter++ {
		deal := sess.CurrentDeal()
		if deal == nil {
			// The final advance emptied the queue. One last call, without
			// tools, delivers the advance output and the closing line.
			if len(input) == 0 && len(correctives) == 0 {
				break
			}
			for _, c := range correctives {
				input = append(input, llm.UserMessage("SYSTEM NOTE (not from the rep): "+c))
			}
			correctives = correctives[:0]
			resp, err := e.llm.Complete(ctx, llm.Request{
				Instructions:       closingInstructions,
				Input:              input,
				PreviousResponseID: prevID,
			})
			if err != nil {
				return nil, fmt.Errorf("model call: %w", err)
			}
			modelCalls++
			if t := resp.Text(); t != "" {
				texts = append(texts, t)
			}
			break
		}

		instructions := e.buildInstructions(ctx, sess, deal)
		for _, c := range correctives {
			input = append(input, llm.UserMessage("SYSTEM NOTE (not from the rep): "+c))
		}
		correctives = correctives[:0]

		resp, err := e.llm.Complete(ctx, llm.Request{
			Instructions:       instructions,
			Input:              input,
			Tools:              turnTools(),
			ToolChoice:         "auto",
			PreviousResponseID: prevID,
		})
		if err != nil {
			return nil, fmt.Errorf("model call: %w", err)
		}
		modelCalls++
		prevID = resp.ID
		input = input[:0]

		if t := resp.Text(); t != "" {
			texts = append(texts, t)
			if sess.WrapSaved && !sess.WrapHealthPhraseOk &&
				prompt.ContainsHealthSentence(t, sess.WrapExpectedHealthPercent) {
				sess.WrapHealthPhraseOk = true
			}
		}

		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			_, hasGap := meddpicc.FirstGap(deal.ForecastStage, sess.Reviewed)

			// Proactive wrap push: every required category is covered but
			// the model has not delivered the wrap. Inject the full wrap
			// instruction so the review cannot stall.
			if !hasGap && !sess.WrapSaved && !wrapPush {
				wrapPush = true
				correctives = append(correctives, e.wrapInstruction(deal))
				continue
			}

			// Single save nudge: the rep gave a substantive answer and the
			// model produced no save. One retry, never more.
			if liveRepTurn && hasGap && !nudgeSent {
				expected, _ := meddpicc.FirstGap(deal.ForecastStage, sess.Reviewed)
				nudgeSent = true
				correctives = append(correctives, fmt.Sprintf(
					"The rep just answered about %s. You must call save_deal_data for %s now (score, summary, tip), then continue.",
					expected.SpokenName(), expected.SpokenName()))
				continue
			}

			// The assistant's utterance hands the turn back (or there is
			// nothing left to push) — return it.
			break
		}

		for _, call := range calls {
			outputs, err := e.handleToolCall(ctx, sess, call, &correctives)
			if err != nil {
				return nil, err
			}
			input = append(input, outputs...)
			if liveRepTurn && call.Name == toolSaveDealData {
				// The answer has been consumed; do not nudge again.
				liveRepTurn = false
			}
		}

		if sess.Done() {
			// Let the model deliver a closing line on the next iteration.
			correctives = append(correctives,
				"That was the last deal in the queue. Thank the rep and close out the review.")
		}
	}

	e.updateLastAsked(sess, texts)
	e.sessions.SaveSession(sess)

	return &TurnResult{
		AssistantText: strings.Join(texts, "\n"),
		Done:          sess.Done(),
		ModelCalls:    modelCalls,
	}, nil
}

// handleToolCall validates and applies one tool invocation, returning the
// function outputs to feed back to the model. Rejections come back as error
// payloads plus corrective instructions; persistence failures propagate.
func (e *Engine) handleToolCall(ctx context.Context, sess *session.ReviewSession, call llm.OutputItem, correctives *[]string) ([]llm.InputItem, error) {
	deal := sess.CurrentDeal()
	if deal == nil {
		return []llm.InputItem{errorOutput(call.CallID, "review is complete")}, nil
	}

	switch call.Name {
	case toolSaveDealData:
		return e.handleSave(ctx, sess, deal, call, correctives)
	case toolAdvanceDeal:
		return e.handleAdvance(sess, deal, call, correctives)
	default:
		*correctives = append(*correctives, fmt.Sprintf("There is no tool named %q. Use save_deal_data or advance_deal.", call.Name))
		return []llm.InputItem{errorOutput(call.CallID, "unknown tool "+call.Name)}, nil
	}
}

func (e *Engine) handleSave(ctx context.Context, sess *session.ReviewSession, deal *store.Opportunity, call llm.OutputItem, correctives *[]string) ([]llm.InputItem, error) {
	sc, err := parseSaveArgs(call.Arguments)
	if err != nil {
		*correctives = append(*correctives, "Your save_deal_data arguments were invalid: "+err.Error()+". Retry with the documented field names.")
		return []llm.InputItem{errorOutput(call.CallID, "invalid arguments: "+err.Error())}, nil
	}

	expected, hasGap := meddpicc.FirstGap(deal.ForecastStage, sess.Reviewed)
	cats := sc.Categories()

	switch {
	case sc.WrapComplete():
		if hasGap {
			*correctives = append(*correctives, fmt.Sprintf(
				"Not ready to wrap: %s has not been covered yet. Continue the category review; %s is next.",
				expected.SpokenName(), expected.SpokenName()))
			return []llm.InputItem{errorOutput(call.CallID, "categories remain before wrap")}, nil
		}
		if len(cats) > 0 {
			*correctives = append(*correctives,
				"The wrap save must contain only risk_summary and next_steps (plus any Internal Sponsor / economic buyer names), not category fields. Retry without category fields.")
			return []llm.InputItem{errorOutput(call.CallID, "wrap save must not include category fields")}, nil
		}
		return e.applyWrapSave(ctx, sess, deal, call, sc, correctives)

	case sc.WrapPartial():
		missing := "next_steps"
		if sc.NextSteps != nil {
			missing = "risk_summary"
		}
		percent := meddpicc.HealthPercent(deal.HealthScore)
		*correctives = append(*correctives, fmt.Sprintf(
			"The wrap save is incomplete: %s is missing. Speak the risk summary, then say exactly %q, then the next steps, then call save_deal_data with BOTH risk_summary and next_steps.",
			missing, prompt.HealthSentence(percent)))
		return []llm.InputItem{errorOutput(call.CallID, "incomplete wrap: missing "+missing)}, nil

	case len(cats) == 0:
		if sc.HasEntity() {
			mergeEntity(&sess.AccumulatedEntity, sc.Entity)
			return []llm.InputItem{okOutput(call.CallID, map[string]any{"noted": "entity"})}, nil
		}
		*correctives = append(*correctives, "That save contained no data. Save the current category with score, summary, and tip.")
		return []llm.InputItem{errorOutput(call.CallID, "empty save")}, nil

	case len(cats) > 1:
		*correctives = append(*correctives, fmt.Sprintf(
			"Save exactly ONE category per call. The current category is %s — retry saving only that.",
			spokenOrDone(expected, hasGap)))
		return []llm.InputItem{errorOutput(call.CallID, "multiple categories in one save")}, nil

	case !hasGap:
		*correctives = append(*correctives, "Every category is already covered for this deal. Deliver the wrap instead: "+e.wrapInstruction(deal))
		return []llm.InputItem{errorOutput(call.CallID, "all categories already reviewed")}, nil

	case cats[0] != expected:
		*correctives = append(*correctives, fmt.Sprintf(
			"Wrong category: you tried to save %s, but the strict order requires %s next. Retry with %s only.",
			cats[0].SpokenName(), expected.SpokenName(), expected.SpokenName()))
		return []llm.InputItem{errorOutput(call.CallID, fmt.Sprintf("expected category %s, got %s", expected, cats[0]))}, nil
	}

	// Entity details mentioned mid-review accumulate on the session and are
	// flushed with the wrap save.
	if sc.HasEntity() {
		mergeEntity(&sess.AccumulatedEntity, sc.Entity)
	}

	res, err := e.saver.ApplyCategorySave(ctx, store.SaveArgs{
		OrgID:         sess.OrgID,
		OpportunityID: deal.ID,
		RunID:         sess.ID,
		CallID:        call.CallID,
		ActorType:     "agent",
		Updates:       sc.Updates,
		Source:        "agent",
	})
	if err != nil {
		// Persistence failures must never look like success to the model;
		// they fail the turn outright.
		return nil, fmt.Errorf("apply save for %s: %w", expected, err)
	}
	if res.Skipped {
		e.logger.Warn("save skipped mid-review", "opportunity", deal.ID, "reason", res.SkipReason)
		return []llm.InputItem{okOutput(call.CallID, map[string]any{"ok": true, "skipped": res.SkipReason})}, nil
	}

	sess.Deals[sess.Index] = res.Opportunity
	sess.MarkTouched(expected)
	sess.MarkReviewed(expected)
	sess.LastAskedCategory = ""

	return []llm.InputItem{okOutput(call.CallID, map[string]any{
		"ok":           true,
		"category":     expected,
		"health_score": res.Opportunity.HealthScore,
	})}, nil
}

func (e *Engine) applyWrapSave(ctx context.Context, sess *session.ReviewSession, deal *store.Opportunity, call llm.OutputItem, sc *saveCall, correctives *[]string) ([]llm.InputItem, error) {
	entity := sess.AccumulatedEntity
	mergeEntity(&entity, sc.Entity)

	res, err := e.saver.ApplyCategorySave(ctx, store.SaveArgs{
		OrgID:         sess.OrgID,
		OpportunityID: deal.ID,
		RunID:         sess.ID,
		CallID:        call.CallID,
		ActorType:     "agent",
		RiskSummary:   sc.RiskSummary,
		NextSteps:     sc.NextSteps,
		Entity:        entity,
		Source:        "agent",
	})
	if err != nil {
		return nil, fmt.Errorf("apply wrap save: %w", err)
	}

	sess.Deals[sess.Index] = res.Opportunity
	sess.WrapSaved = true
	sess.WrapExpectedHealthPercent = meddpicc.HealthPercent(res.Opportunity.HealthScore)
	// The sentence must be freshly spoken after the save, even if an
	// earlier utterance happened to contain it.
	sess.WrapHealthPhraseOk = false
	sess.AccumulatedEntity = store.EntityFields{}

	*correctives = append(*correctives, fmt.Sprintf(
		"Wrap saved. Now say exactly %q, confirm the next steps out loud, then call advance_deal.",
		prompt.HealthSentence(sess.WrapExpectedHealthPercent)))

	return []llm.InputItem{okOutput(call.CallID, map[string]any{
		"ok":             true,
		"health_score":   res.Opportunity.HealthScore,
		"health_percent": sess.WrapExpectedHealthPercent,
	})}, nil
}

func (e *Engine) handleAdvance(sess *session.ReviewSession, deal *store.Opportunity, call llm.OutputItem, correctives *[]string) ([]llm.InputItem, error) {
	if !sess.WrapSaved {
		*correctives = append(*correctives,
			"You cannot advance yet: the wrap has not been saved. "+e.wrapInstruction(deal))
		return []llm.InputItem{errorOutput(call.CallID, "wrap not saved")}, nil
	}
	if !sess.WrapHealthPhraseOk {
		*correctives = append(*correctives, fmt.Sprintf(
			"You cannot advance yet: you must first say exactly %q. Say it, then call advance_deal.",
			prompt.HealthSentence(sess.WrapExpectedHealthPercent)))
		return []llm.InputItem{errorOutput(call.CallID, "health sentence not spoken")}, nil
	}

	sess.AdvanceDeal()
	if next := sess.CurrentDeal(); next != nil {
		*correctives = append(*correctives, fmt.Sprintf(
			"New deal context: %q. Forget everything about the previous deal — do not blend facts between deals. Introduce the deal and start on its first category.",
			next.Name))
	}
	return []llm.InputItem{okOutput(call.CallID, map[string]any{"ok": true, "index": sess.Index})}, nil
}

// buildInstructions assembles the master prompt for the current deal and
// caches it (with its hash) on the session.
func (e *Engine) buildInstructions(ctx context.Context, sess *session.ReviewSession, deal *store.Opportunity) string {
	defs := map[meddpicc.Category][]meddpicc.ScoreDefinition{}
	packs := map[meddpicc.Category]rubric.QuestionPack{}
	if gap, ok := meddpicc.FirstGap(deal.ForecastStage, sess.Reviewed); ok {
		defs[gap] = e.rubric.GetRubric(ctx, sess.OrgID, gap)
		packs[gap] = e.rubric.GetQuestionPack(ctx, sess.OrgID, gap, deal.Categories[gap].Score)
	}

	text := prompt.BuildTurnInstructions(
		deal,
		firstName(sess.RepName),
		len(sess.Deals),
		sess.Index == 0,
		sess.Reviewed,
		defs,
		packs,
	)
	sess.MasterPrompt = text
	sess.MasterPromptHash = prompt.Hash(text)
	return text
}

func (e *Engine) wrapInstruction(deal *store.Opportunity) string {
	percent := meddpicc.HealthPercent(deal.HealthScore)
	return fmt.Sprintf(
		"All categories for this deal are covered. Deliver the wrap now: (1) speak a short risk summary, (2) say exactly %q, (3) speak the next steps, (4) call save_deal_data with BOTH risk_summary and next_steps, (5) call advance_deal.",
		prompt.HealthSentence(percent))
}

// updateLastAsked records which previously-scored category the closing
// utterance re-probed, so the next turn's no-change guard can fire.
func (e *Engine) updateLastAsked(sess *session.ReviewSession, texts []string) {
	sess.LastAskedCategory = ""
	deal := sess.CurrentDeal()
	if deal == nil || len(texts) == 0 {
		return
	}
	final := texts[len(texts)-1]
	if !handsBackToRep(final) {
		return
	}
	gap, ok := meddpicc.FirstGap(deal.ForecastStage, sess.Reviewed)
	if !ok {
		return
	}
	// Check patterns only exist for categories with a prior score; a fresh
	// category gets a direct question and a "no" is a real answer.
	if deal.Categories[gap].Score >= 1 {
		sess.LastAskedCategory = gap
	}
}

func mergeEntity(dst *store.EntityFields, src store.EntityFields) {
	if src.ChampionName != nil {
		dst.ChampionName = src.ChampionName
	}
	if src.ChampionTitle != nil {
		dst.ChampionTitle = src.ChampionTitle
	}
	if src.EBName != nil {
		dst.EBName = src.EBName
	}
	if src.EBTitle != nil {
		dst.EBTitle = src.EBTitle
	}
}

func spokenOrDone(c meddpicc.Category, hasGap bool) string {
	if !hasGap {
		return "none — all categories are done"
	}
	return c.SpokenName()
}

func firstName(full string) string {
	fields := strings.Fields(full)
	if len(fields) == 0 {
		return "there"
	}
	return fields[0]
}

func okOutput(callID string, payload map[string]any) llm.InputItem {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"ok":true}`)
	}
	return llm.FunctionOutput(callID, string(data))
}

func errorOutput(callID, message string) llm.InputItem {
	data, _ := json.Marshal(map[string]any{"ok": false, "error": message})
	return llm.FunctionOutput(callID, string(data))
}
