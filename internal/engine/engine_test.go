package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/forecastly/dealreview/internal/llm"
	"github.com/forecastly/dealreview/internal/meddpicc"
	"github.com/forecastly/dealreview/internal/prompt"
	"github.com/forecastly/dealreview/internal/rubric"
	"github.com/forecastly/dealreview/internal/session"
	"github.com/forecastly/dealreview/internal/store"
)

// scriptedLLM pops pre-built responses in order and records every request.
type scriptedLLM struct {
	t     *testing.T
	queue []*llm.Response
	reqs  []llm.Request
}

func (f *scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.reqs = append(f.reqs, req)
	if len(f.queue) == 0 {
		f.t.Fatalf("unexpected model call #%d", len(f.reqs))
	}
	r := f.queue[0]
	f.queue = f.queue[1:]
	return r, nil
}

func textResp(id, text string) *llm.Response {
	return &llm.Response{ID: id, Output: []llm.OutputItem{{
		Type: "message", Role: "assistant",
		Content: []llm.ContentPart{{Type: "output_text", Text: text}},
	}}}
}

func callResp(id, name, callID, args string) *llm.Response {
	return &llm.Response{ID: id, Output: []llm.OutputItem{{
		Type: "function_call", Name: name, CallID: callID, Arguments: args,
	}}}
}

func textAndCall(id, text, name, callID, args string) *llm.Response {
	r := textResp(id, text)
	r.Output = append(r.Output, llm.OutputItem{
		Type: "function_call", Name: name, CallID: callID, Arguments: args,
	})
	return r
}

// fakeSaver applies saves to an in-memory opportunity the way the real
// store would: updates land, health recomputes, audit is out of scope.
type fakeSaver struct {
	opp        *store.Opportunity
	saves      []store.SaveArgs
	skipReason string
	err        error
}

func (f *fakeSaver) ApplyCategorySave(_ context.Context, args store.SaveArgs) (*store.SaveResult, error) {
	f.saves = append(f.saves, args)
	if f.err != nil {
		return nil, f.err
	}
	if f.skipReason != "" {
		return &store.SaveResult{Opportunity: f.opp, Skipped: true, SkipReason: f.skipReason}, nil
	}
	for _, u := range args.Updates {
		st := f.opp.Categories[u.Category]
		if u.Score != nil {
			st.Score = *u.Score
		}
		if u.Summary != nil {
			st.Summary = *u.Summary
		}
		if u.Tip != nil {
			st.Tip = *u.Tip
		}
		f.opp.Categories[u.Category] = st
	}
	if args.RiskSummary != nil {
		f.opp.RiskSummary = *args.RiskSummary
	}
	if args.NextSteps != nil {
		f.opp.NextSteps = *args.NextSteps
	}
	f.opp.HealthScore = f.opp.TotalScore()
	return &store.SaveResult{Opportunity: f.opp}, nil
}

type fakeRubric struct{}

func (fakeRubric) GetRubric(context.Context, string, meddpicc.Category) []meddpicc.ScoreDefinition {
	return []meddpicc.ScoreDefinition{
		{Score: 0, Label: "Missing", Criteria: "nothing on record"},
		{Score: 3, Label: "Confirmed", Criteria: "explicit, confirmed evidence"},
	}
}

func (fakeRubric) GetQuestionPack(_ context.Context, _ string, c meddpicc.Category, _ int) rubric.QuestionPack {
	return rubric.DefaultQuestionPack(c)
}

func testDeal(stage string) *store.Opportunity {
	return &store.Opportunity{
		OrgID:         "org-1",
		ID:            "opp-1",
		Name:          "Acme Renewal",
		ForecastStage: stage,
		Categories:    map[meddpicc.Category]store.CategoryState{},
	}
}

func newTestEngine(t *testing.T, llmFake *scriptedLLM, saver *fakeSaver, deals ...*store.Opportunity) (*Engine, *session.ReviewSession) {
	t.Helper()
	mgr := session.NewManager(session.NewMemoryKV())
	sess := mgr.CreateSession("org-1", "Dana Reyes", deals)
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return New(llmFake, saver, fakeRubric{}, mgr, logger), sess
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func TestRunTurnSavesExpectedCategory(t *testing.T) {
	deal := testDeal("Pipeline")
	saver := &fakeSaver{opp: deal}
	llmFake := &scriptedLLM{t: t, queue: []*llm.Response{
		callResp("r1", toolSaveDealData, "c1",
			`{"pain_score": 2, "pain_summary": "Ops team losing 10h/week", "pain_tip": "Put a dollar figure on it"}`),
		textResp("r2", "Saved. How are we measuring success on this deal?"),
	}}
	eng, sess := newTestEngine(t, llmFake, saver, deal)

	res, err := eng.RunTurn(context.Background(), sess, "The ops team is drowning in manual work")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(saver.saves) != 1 {
		t.Fatalf("expected 1 save, got %d", len(saver.saves))
	}
	if got := saver.saves[0].Updates[0].Category; got != meddpicc.Pain {
		t.Errorf("saved category = %q, want pain", got)
	}
	if !sess.Reviewed[meddpicc.Pain] {
		t.Error("pain should be marked reviewed")
	}
	if res.Done {
		t.Error("single save should not end the review")
	}
	if !strings.Contains(res.AssistantText, "measuring success") {
		t.Errorf("assistant text = %q", res.AssistantText)
	}
}

func TestRunTurnRejectsWrongCategory(t *testing.T) {
	deal := testDeal("Pipeline")
	saver := &fakeSaver{opp: deal}
	llmFake := &scriptedLLM{t: t, queue: []*llm.Response{
		// Budget is last in pipeline order; pain is expected first.
		callResp("r1", toolSaveDealData, "c1", `{"budget_score": 3, "budget_summary": "Budget approved"}`),
		textResp("r2", "Understood. What pain is driving this deal?"),
	}}
	eng, sess := newTestEngine(t, llmFake, saver, deal)

	if _, err := eng.RunTurn(context.Background(), sess, "budget is fully approved"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(saver.saves) != 0 {
		t.Fatalf("out-of-order save must not persist, got %d saves", len(saver.saves))
	}
	if sess.Reviewed[meddpicc.Budget] {
		t.Error("budget must not be marked reviewed")
	}
	// The corrective must name the expected category on the follow-up call.
	second := llmFake.reqs[1]
	joined := ""
	for _, item := range second.Input {
		joined += item.Content + "\n" + item.Output + "\n"
	}
	if !strings.Contains(joined, "Pain") {
		t.Errorf("corrective should name the expected category, got: %s", joined)
	}
	if !strings.Contains(joined, "SYSTEM NOTE") {
		t.Errorf("corrective should be delivered as a system note, got: %s", joined)
	}
}

func TestRunTurnRejectsMultiCategorySave(t *testing.T) {
	deal := testDeal("Pipeline")
	saver := &fakeSaver{opp: deal}
	llmFake := &scriptedLLM{t: t, queue: []*llm.Response{
		callResp("r1", toolSaveDealData, "c1", `{"pain_score": 2, "metrics_score": 2}`),
		textResp("r2", "Let me take those one at a time. What's the core pain?"),
	}}
	eng, sess := newTestEngine(t, llmFake, saver, deal)

	if _, err := eng.RunTurn(context.Background(), sess, "pain and metrics are both solid"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(saver.saves) != 0 {
		t.Fatal("multi-category save must be rejected before persistence")
	}
}

func TestRunTurnNoChangeGuardSkipsSave(t *testing.T) {
	deal := testDeal("Pipeline")
	deal.Categories[meddpicc.Pain] = store.CategoryState{Score: 2, Summary: "Existing evidence"}
	saver := &fakeSaver{opp: deal}
	llmFake := &scriptedLLM{t: t, queue: []*llm.Response{
		textResp("r1", "Noted, nothing new on Pain. How are the metrics trending?"),
	}}
	eng, sess := newTestEngine(t, llmFake, saver, deal)
	sess.LastAskedCategory = meddpicc.Pain

	if _, err := eng.RunTurn(context.Background(), sess, "no, nothing changed"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(saver.saves) != 0 {
		t.Fatal("no-change reply must not trigger a save")
	}
	if !sess.Reviewed[meddpicc.Pain] {
		t.Error("no-change reply should still mark the category reviewed")
	}
	if got := deal.Categories[meddpicc.Pain].Summary; got != "Existing evidence" {
		t.Errorf("existing evidence overwritten: %q", got)
	}
}

func TestRunTurnSaveNudgeFiresOnce(t *testing.T) {
	deal := testDeal("Pipeline")
	saver := &fakeSaver{opp: deal}
	llmFake := &scriptedLLM{t: t, queue: []*llm.Response{
		// The model answers without saving; the engine nudges once.
		textResp("r1", "Interesting. And who is feeling that pain the most?"),
		textResp("r2", "Got it, noted. Who's the internal sponsor here?"),
	}}
	eng, sess := newTestEngine(t, llmFake, saver, deal)

	if _, err := eng.RunTurn(context.Background(), sess, "we are losing two deals a month to slow quotes"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(llmFake.reqs) != 2 {
		t.Fatalf("expected exactly 2 model calls (answer + one nudge), got %d", len(llmFake.reqs))
	}
	joined := ""
	for _, item := range llmFake.reqs[1].Input {
		joined += item.Content + "\n"
	}
	if !strings.Contains(joined, "save_deal_data") {
		t.Errorf("second call should carry the save nudge, got: %s", joined)
	}
}

func markAllPipelineReviewed(sess *session.ReviewSession) {
	for _, c := range meddpicc.PipelineCategories {
		sess.MarkReviewed(c)
	}
}

func TestRunTurnWrapGatesAdvance(t *testing.T) {
	deal := testDeal("Pipeline")
	deal.Categories[meddpicc.Pain] = store.CategoryState{Score: 3}
	deal.Categories[meddpicc.Budget] = store.CategoryState{Score: 3}
	deal.HealthScore = 6
	saver := &fakeSaver{opp: deal}

	percent := meddpicc.HealthPercent(6) // 20
	healthLine := prompt.HealthSentence(percent)

	llmFake := &scriptedLLM{t: t, queue: []*llm.Response{
		// 1: model tries to advance before the wrap save — rejected.
		callResp("r1", toolAdvanceDeal, "c1", `{}`),
		// 2: model delivers the wrap save.
		callResp("r2", toolSaveDealData, "c2",
			`{"risk_summary": "No EB contact yet", "next_steps": "Book EB meeting this week"}`),
		// 3: model speaks the exact health sentence, then advances.
		textAndCall("r3",
			fmt.Sprintf("Quick summary: EB access is the gap. %s Next step is the EB meeting.", healthLine),
			toolAdvanceDeal, "c3", `{}`),
		// 4: the queue is empty; the closing line still reaches the rep.
		textResp("r4", "That was the whole queue — nice work today, Dana."),
	}}
	eng, sess := newTestEngine(t, llmFake, saver, deal)
	markAllPipelineReviewed(sess)

	res, err := eng.RunTurn(context.Background(), sess, "that's everything on this one")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	if len(saver.saves) != 1 {
		t.Fatalf("expected exactly the wrap save, got %d saves", len(saver.saves))
	}
	wrap := saver.saves[0]
	if wrap.RiskSummary == nil || wrap.NextSteps == nil {
		t.Fatal("wrap save must carry both risk_summary and next_steps")
	}
	if !res.Done {
		t.Error("single-deal queue should be done after advance")
	}
	if !strings.Contains(res.AssistantText, "whole queue") {
		t.Errorf("closing utterance should reach the rep, got: %q", res.AssistantText)
	}
	final := llmFake.reqs[len(llmFake.reqs)-1]
	if len(final.Tools) != 0 {
		t.Error("closing call must not offer tools")
	}
}

func TestRunTurnRejectsPartialWrap(t *testing.T) {
	deal := testDeal("Pipeline")
	saver := &fakeSaver{opp: deal}
	llmFake := &scriptedLLM{t: t, queue: []*llm.Response{
		callResp("r1", toolSaveDealData, "c1", `{"risk_summary": "Champion went quiet"}`),
		textResp("r2", "Let me redo the wrap properly."),
		// The engine follows up with the full wrap instruction.
		textResp("r3", "Here's the full wrap: risks, score, and next steps coming up."),
	}}
	eng, sess := newTestEngine(t, llmFake, saver, deal)
	markAllPipelineReviewed(sess)

	if _, err := eng.RunTurn(context.Background(), sess, ""); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(saver.saves) != 0 {
		t.Fatal("partial wrap must not persist")
	}
	if sess.WrapSaved {
		t.Error("partial wrap must not set WrapSaved")
	}
	joined := ""
	for _, item := range llmFake.reqs[1].Input {
		joined += item.Content + "\n"
	}
	if !strings.Contains(joined, "next_steps is missing") {
		t.Errorf("corrective should name the missing field, got: %s", joined)
	}
	if !strings.Contains(joined, "Your Deal Health Score is at") {
		t.Errorf("corrective should spell out the exact sentence, got: %s", joined)
	}
}

func TestRunTurnRejectsWrapWhileCategoriesRemain(t *testing.T) {
	deal := testDeal("Pipeline")
	saver := &fakeSaver{opp: deal}
	llmFake := &scriptedLLM{t: t, queue: []*llm.Response{
		callResp("r1", toolSaveDealData, "c1",
			`{"risk_summary": "All good", "next_steps": "Close it"}`),
		textResp("r2", "Back to the review. What pain started this deal?"),
	}}
	eng, sess := newTestEngine(t, llmFake, saver, deal)

	if _, err := eng.RunTurn(context.Background(), sess, "let's just wrap this one up"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(saver.saves) != 0 {
		t.Fatal("early wrap must not persist")
	}
}

func TestRunTurnPersistenceErrorFailsTurn(t *testing.T) {
	deal := testDeal("Pipeline")
	saver := &fakeSaver{opp: deal, err: fmt.Errorf("connection refused")}
	llmFake := &scriptedLLM{t: t, queue: []*llm.Response{
		callResp("r1", toolSaveDealData, "c1", `{"pain_score": 2, "pain_summary": "x", "pain_tip": "y"}`),
	}}
	eng, sess := newTestEngine(t, llmFake, saver, deal)

	if _, err := eng.RunTurn(context.Background(), sess, "plenty of pain"); err == nil {
		t.Fatal("a persistence failure must fail the turn, never look like success")
	}
	if sess.Reviewed[meddpicc.Pain] {
		t.Error("failed save must not mark the category reviewed")
	}
}

// blockingLLM parks its first call until released, so a second turn can be
// issued while the first is provably still in flight.
type blockingLLM struct {
	entered chan struct{}
	release chan struct{}
	resp    *llm.Response
}

func (b *blockingLLM) Complete(context.Context, llm.Request) (*llm.Response, error) {
	b.entered <- struct{}{}
	<-b.release
	return b.resp, nil
}

func TestRunTurnSerializesPerSession(t *testing.T) {
	deal := testDeal("Pipeline")
	block := &blockingLLM{
		entered: make(chan struct{}),
		release: make(chan struct{}),
		resp:    textResp("r1", "What pain is driving this deal?"),
	}
	mgr := session.NewManager(session.NewMemoryKV())
	sess := mgr.CreateSession("org-1", "Dana Reyes", []*store.Opportunity{deal})
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	eng := New(block, &fakeSaver{opp: deal}, fakeRubric{}, mgr, logger)

	done := make(chan error, 1)
	go func() {
		_, err := eng.RunTurn(context.Background(), sess, "the ops team is drowning")
		done <- err
	}()
	<-block.entered

	// The first turn is mid-flight; a concurrent turn on the same session
	// must be refused, not interleaved.
	if _, err := eng.RunTurn(context.Background(), sess, "also budget is approved"); !errors.Is(err, ErrTurnInFlight) {
		t.Fatalf("concurrent turn error = %v, want ErrTurnInFlight", err)
	}

	close(block.release)
	if err := <-done; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}

	if !mgr.TryAcquireSession(sess.ID) {
		t.Fatal("session lock should be released once the turn returns")
	}
	mgr.ReleaseSession(sess.ID)
}

func TestRunTurnEntityAccumulation(t *testing.T) {
	deal := testDeal("Pipeline")
	saver := &fakeSaver{opp: deal}
	llmFake := &scriptedLLM{t: t, queue: []*llm.Response{
		callResp("r1", toolSaveDealData, "c1", `{"champion_name": "Pat Lee", "champion_title": "VP Ops"}`),
		textResp("r2", "Noted on Pat. What's the pain behind this deal?"),
	}}
	eng, sess := newTestEngine(t, llmFake, saver, deal)

	if _, err := eng.RunTurn(context.Background(), sess, "by the way, Pat Lee the VP of Ops is driving this"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if len(saver.saves) != 0 {
		t.Fatal("entity-only save should accumulate, not persist")
	}
	if sess.AccumulatedEntity.ChampionName == nil || *sess.AccumulatedEntity.ChampionName != "Pat Lee" {
		t.Error("champion name should be accumulated on the session")
	}
}
