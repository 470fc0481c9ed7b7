package engine

import (
	"context"
	"log/slog"
	"testing"

	"github.com/forecastly/dealreview/internal/llm"
	"github.com/forecastly/dealreview/internal/session"
	"github.com/forecastly/dealreview/internal/store"
)

func newRunFixture(t *testing.T, llmFake *scriptedLLM, deals ...*store.Opportunity) (*Engine, *session.Manager, *session.HandsFreeRun) {
	t.Helper()
	mgr := session.NewManager(session.NewMemoryKV())
	sess := mgr.CreateSession("org-1", "Dana Reyes", deals)
	run := mgr.CreateRun(sess.ID)
	saver := &fakeSaver{opp: deals[0]}
	logger := slog.New(slog.NewTextHandler(testWriter{t}, nil))
	return New(llmFake, saver, fakeRubric{}, mgr, logger), mgr, run
}

func TestKickoffPausesForUser(t *testing.T) {
	deal := testDeal("Pipeline")
	llmFake := &scriptedLLM{t: t, queue: []*llm.Response{
		textResp("r1", "Hi Dana! Let's start with Acme Renewal. What pain kicked this deal off?"),
	}}
	eng, _, run := newRunFixture(t, llmFake, deal)

	state, err := eng.Kickoff(context.Background(), run.ID)
	if err != nil {
		t.Fatalf("kickoff failed: %v", err)
	}
	if state.Run.Status != session.RunWaitingForUser {
		t.Fatalf("status = %q, want WAITING_FOR_USER", state.Run.Status)
	}
	if state.Run.WaitingSeq != 1 {
		t.Errorf("waiting seq = %d, want 1", state.Run.WaitingSeq)
	}
	if len(state.Run.Messages) != 1 || state.Run.Messages[0].Role != "assistant" {
		t.Fatalf("expected one assistant message, got %+v", state.Run.Messages)
	}
	if state.Run.ModelCalls != 1 {
		t.Errorf("model calls = %d, want 1", state.Run.ModelCalls)
	}
}

func TestReplyDropsStaleSequence(t *testing.T) {
	deal := testDeal("Pipeline")
	llmFake := &scriptedLLM{t: t, queue: []*llm.Response{
		textResp("r1", "What pain kicked this deal off?"),
	}}
	eng, _, run := newRunFixture(t, llmFake, deal)

	if _, err := eng.Kickoff(context.Background(), run.ID); err != nil {
		t.Fatalf("kickoff failed: %v", err)
	}

	// Current waiting seq is 1; a reply stamped 0 is a late duplicate.
	state, err := eng.Reply(context.Background(), run.ID, "stale answer", 0)
	if err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if !state.Ignored || state.Reason != "stale_turn" {
		t.Fatalf("stale reply should be ignored with stale_turn, got %+v", state)
	}
	if len(llmFake.queue) != 0 {
		t.Error("stale reply must not consume a model call")
	}
	if got := len(state.Run.Messages); got != 1 {
		t.Errorf("stale reply must not append messages, got %d", got)
	}
}

func TestReplyConcurrentInvocationIsNoOp(t *testing.T) {
	deal := testDeal("Pipeline")
	llmFake := &scriptedLLM{t: t}
	eng, mgr, run := newRunFixture(t, llmFake, deal)

	// Simulate a turn in flight.
	if !mgr.TryAcquireRun(run.ID) {
		t.Fatal("could not take the run lock")
	}
	defer mgr.ReleaseRun(run.ID)

	state, err := eng.Reply(context.Background(), run.ID, "hello", 0)
	if err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if !state.Ignored || state.Reason != "in_flight" {
		t.Fatalf("concurrent reply should be ignored with in_flight, got %+v", state)
	}
}

func TestStopRunIsIdempotent(t *testing.T) {
	deal := testDeal("Pipeline")
	eng, _, run := newRunFixture(t, &scriptedLLM{t: t}, deal)

	state, err := eng.StopRun(run.ID)
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if state.Run.Status != session.RunDone {
		t.Fatalf("status = %q, want DONE", state.Run.Status)
	}

	again, err := eng.StopRun(run.ID)
	if err != nil {
		t.Fatalf("second stop failed: %v", err)
	}
	if again.Run.Status != session.RunDone {
		t.Fatalf("second stop status = %q, want DONE", again.Run.Status)
	}
}

func TestReplyToStoppedRunIsIgnored(t *testing.T) {
	deal := testDeal("Pipeline")
	llmFake := &scriptedLLM{t: t}
	eng, _, run := newRunFixture(t, llmFake, deal)

	if _, err := eng.StopRun(run.ID); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	state, err := eng.Reply(context.Background(), run.ID, "one more thing", 0)
	if err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if !state.Ignored || state.Reason != "terminal" {
		t.Fatalf("reply to stopped run should be ignored as terminal, got %+v", state)
	}
}

func TestRunErrorsAtModelCallCeiling(t *testing.T) {
	deal := testDeal("Pipeline")
	llmFake := &scriptedLLM{t: t}
	eng, mgr, run := newRunFixture(t, llmFake, deal)

	run.Status = session.RunWaitingForUser
	run.ModelCalls = maxRunModelCalls
	mgr.SaveRun(run)

	state, err := eng.Reply(context.Background(), run.ID, "still going", run.WaitingSeq)
	if err != nil {
		t.Fatalf("reply failed: %v", err)
	}
	if state.Run.Status != session.RunError {
		t.Fatalf("status = %q, want ERROR", state.Run.Status)
	}
	if state.Run.Error == "" {
		t.Error("error reason should be recorded on the run")
	}
}
