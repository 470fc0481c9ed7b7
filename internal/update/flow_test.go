package update

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/forecastly/dealreview/internal/llm"
	"github.com/forecastly/dealreview/internal/meddpicc"
	"github.com/forecastly/dealreview/internal/rubric"
	"github.com/forecastly/dealreview/internal/session"
	"github.com/forecastly/dealreview/internal/store"
)

type scriptedLLM struct {
	t       *testing.T
	queue   []string
	streams []string // responses served via Stream, delta-by-delta
	reqs    []llm.Request
}

func wrapText(text string) *llm.Response {
	return &llm.Response{ID: "resp", Output: []llm.OutputItem{{
		Type: "message", Role: "assistant",
		Content: []llm.ContentPart{{Type: "output_text", Text: text}},
	}}}
}

func (f *scriptedLLM) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	f.reqs = append(f.reqs, req)
	if len(f.queue) == 0 {
		f.t.Fatalf("unexpected blocking model call #%d", len(f.reqs))
	}
	text := f.queue[0]
	f.queue = f.queue[1:]
	return wrapText(text), nil
}

func (f *scriptedLLM) Stream(_ context.Context, req llm.Request, onDelta func(string)) (*llm.Response, error) {
	f.reqs = append(f.reqs, req)
	if len(f.streams) == 0 {
		return nil, fmt.Errorf("no stream scripted")
	}
	text := f.streams[0]
	f.streams = f.streams[1:]
	// Deliver in small chunks to exercise the partial-JSON scanner.
	for i := 0; i < len(text); i += 7 {
		end := i + 7
		if end > len(text) {
			end = len(text)
		}
		onDelta(text[i:end])
	}
	return wrapText(text), nil
}

type fakeSaver struct {
	opp   *store.Opportunity
	saves []store.SaveArgs
}

func (f *fakeSaver) GetOpportunity(context.Context, string, string) (*store.Opportunity, error) {
	return f.opp, nil
}

func (f *fakeSaver) ApplyCategorySave(_ context.Context, args store.SaveArgs) (*store.SaveResult, error) {
	f.saves = append(f.saves, args)
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
	f.opp.HealthScore = f.opp.TotalScore()
	return &store.SaveResult{Opportunity: f.opp}, nil
}

type fakeRubric struct{}

func (fakeRubric) GetRubric(context.Context, string, meddpicc.Category) []meddpicc.ScoreDefinition {
	return []meddpicc.ScoreDefinition{{Score: 3, Label: "Confirmed", Criteria: "explicit evidence"}}
}

func (fakeRubric) GetQuestionPack(_ context.Context, _ string, c meddpicc.Category, _ int) rubric.QuestionPack {
	return rubric.DefaultQuestionPack(c)
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(strings.TrimRight(string(p), "\n"))
	return len(p), nil
}

func newTestFlow(t *testing.T, llmFake *scriptedLLM, opp *store.Opportunity) (*Flow, *session.Manager) {
	t.Helper()
	mgr := session.NewManager(session.NewMemoryKV())
	saver := &fakeSaver{opp: opp}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return New(llmFake, saver, fakeRubric{}, mgr, logger), mgr
}

func testOpp() *store.Opportunity {
	return &store.Opportunity{
		OrgID:         "org-1",
		ID:            "opp-1",
		Name:          "Acme Renewal",
		ForecastStage: "Pipeline",
		Categories: map[meddpicc.Category]store.CategoryState{
			meddpicc.Budget: {Score: 1, Summary: "Vague budget talk"},
		},
	}
}

func TestStartReturnsOpenerWithoutModelCall(t *testing.T) {
	llmFake := &scriptedLLM{t: t}
	flow, _ := newTestFlow(t, llmFake, testOpp())

	out, err := flow.Start(context.Background(), "org-1", "opp-1", meddpicc.Budget, "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if out.Action != "followup" || out.Question == "" {
		t.Fatalf("opener outcome = %+v", out)
	}
	if len(llmFake.reqs) != 0 {
		t.Error("the opener must not cost a model call")
	}
}

func TestStartRejectsClosedDeal(t *testing.T) {
	opp := testOpp()
	opp.ForecastStage = "Closed Won"
	flow, _ := newTestFlow(t, &scriptedLLM{t: t}, opp)

	if _, err := flow.Start(context.Background(), "org-1", "opp-1", meddpicc.Budget, ""); err == nil {
		t.Fatal("closed deal must be rejected")
	}
}

func TestTurnFollowup(t *testing.T) {
	llmFake := &scriptedLLM{t: t, queue: []string{
		`{"action": "followup", "question": "Who approved that budget number?"}`,
	}}
	flow, _ := newTestFlow(t, llmFake, testOpp())

	start, err := flow.Start(context.Background(), "org-1", "opp-1", meddpicc.Budget, "")
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	out, err := flow.Turn(context.Background(), start.SessionID, "we got a rough number from procurement")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if out.Action != "followup" || out.Question != "Who approved that budget number?" {
		t.Fatalf("outcome = %+v", out)
	}
}

func TestTurnNoMaterialChange(t *testing.T) {
	llmFake := &scriptedLLM{t: t, queue: []string{
		`{"action": "finalize", "material_change": false}`,
	}}
	flow, mgr := newTestFlow(t, llmFake, testOpp())

	start, _ := flow.Start(context.Background(), "org-1", "opp-1", meddpicc.Budget, "")
	out, err := flow.Turn(context.Background(), start.SessionID, "no, nothing has moved")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if out.Action != "no_change" {
		t.Fatalf("action = %q, want no_change", out.Action)
	}
	if out.SpokenResponse == "" {
		t.Error("no-change outcome should carry a spoken response")
	}
	if _, err := mgr.UpdateSession(start.SessionID); err == nil {
		t.Error("no-change should end and delete the session")
	}
}

func TestTurnFinalizePersistsAndRollsUp(t *testing.T) {
	llmFake := &scriptedLLM{t: t, queue: []string{
		`{"action": "finalize", "material_change": true, "score": 3, "evidence": "CFO confirmed $200k for Q1", "tip": "Get it in writing"}`,
		// rollup call
		`{"summary": "Deal is strengthening on budget.", "next_steps": "Confirm paper process", "risks": "EB still unengaged"}`,
	}}
	opp := testOpp()
	flow, mgr := newTestFlow(t, llmFake, opp)

	start, _ := flow.Start(context.Background(), "org-1", "opp-1", meddpicc.Budget, "")
	out, err := flow.Turn(context.Background(), start.SessionID, "CFO just confirmed 200k for Q1")
	if err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if out.Action != "finalized" || out.Score != 3 {
		t.Fatalf("outcome = %+v", out)
	}
	if opp.Categories[meddpicc.Budget].Score != 3 {
		t.Error("finalize should persist the new score")
	}
	if out.Rollup == nil {
		t.Fatal("finalize should return a regenerated rollup")
	}
	// Only budget is assessed; coverage is incomplete, so the disclaimer
	// must lead the summary.
	if !strings.HasPrefix(out.Rollup.Summary, incompleteCoverageDisclaimer) {
		t.Errorf("rollup summary missing coverage disclaimer: %q", out.Rollup.Summary)
	}
	if out.AssessedPercent != 100 {
		t.Errorf("assessed percent = %d, want 100 (1 assessed category at 3/3)", out.AssessedPercent)
	}
	if _, err := mgr.UpdateSession(start.SessionID); err == nil {
		t.Error("finalized session should be deleted")
	}
}

func TestTurnFinalizeValidation(t *testing.T) {
	cases := []string{
		`{"action": "finalize", "material_change": true, "score": 7, "evidence": "x", "tip": "y"}`,
		`{"action": "finalize", "material_change": true, "evidence": "x", "tip": "y"}`,
		`{"action": "finalize", "material_change": true, "score": 2, "evidence": "", "tip": "y"}`,
		`{"action": "finalize"}`,
		`{"action": "dance"}`,
		`not json at all`,
	}
	for _, raw := range cases {
		llmFake := &scriptedLLM{t: t, queue: []string{raw}}
		flow, _ := newTestFlow(t, llmFake, testOpp())
		start, _ := flow.Start(context.Background(), "org-1", "opp-1", meddpicc.Budget, "")
		if _, err := flow.Turn(context.Background(), start.SessionID, "answer"); err == nil {
			t.Errorf("payload %q should fail the turn", raw)
		}
	}
}

func TestTurnStreamEmitsQuestionEarly(t *testing.T) {
	payload := `{"action": "followup", "question": "What exactly did the CFO commit to?"}`
	llmFake := &scriptedLLM{t: t, streams: []string{payload}}
	flow, _ := newTestFlow(t, llmFake, testOpp())

	start, _ := flow.Start(context.Background(), "org-1", "opp-1", meddpicc.Budget, "")

	var emitted []string
	out, err := flow.TurnStream(context.Background(), start.SessionID, "budget moved", func(text string) {
		emitted = append(emitted, text)
	})
	if err != nil {
		t.Fatalf("stream turn failed: %v", err)
	}
	if len(emitted) != 1 || emitted[0] != "What exactly did the CFO commit to?" {
		t.Fatalf("emitted = %v", emitted)
	}
	if out.Question != emitted[0] {
		t.Error("final outcome should match the early emission")
	}
}

func TestTurnStreamFallsBackToBlocking(t *testing.T) {
	llmFake := &scriptedLLM{t: t,
		queue: []string{`{"action": "followup", "question": "Fallback question?"}`},
		// no streams scripted: Stream errors immediately
	}
	flow, _ := newTestFlow(t, llmFake, testOpp())

	start, _ := flow.Start(context.Background(), "org-1", "opp-1", meddpicc.Budget, "")
	out, err := flow.TurnStream(context.Background(), start.SessionID, "budget moved", func(string) {})
	if err != nil {
		t.Fatalf("fallback turn failed: %v", err)
	}
	if out.Question != "Fallback question?" {
		t.Fatalf("outcome = %+v", out)
	}
}
