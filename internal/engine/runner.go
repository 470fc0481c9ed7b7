package engine

import (
	"context"
	"fmt"

	"github.com/forecastly/dealreview/internal/session"
)

// Model-call budgets for hands-free delivery. The kickoff turn gets more
// headroom because it may greet, introduce the deal, and ask the first
// question; ordinary turns are save-then-ask. The global ceiling fails the
// run rather than looping forever.
const (
	kickoffCallBudget = 8
	replyCallBudget   = 2
	maxRunModelCalls  = 250
)

// RunState is a snapshot of a hands-free run returned to polling clients.
// Ignored is set when the invocation was dropped without mutating the run
// (stale sequence, concurrent invocation, terminal run).
type RunState struct {
	Run     *session.HandsFreeRun `json:"run"`
	Ignored bool                  `json:"ignored,omitempty"`
	Reason  string                `json:"reason,omitempty"`
}

// Kickoff drives a freshly created run to its first pause. It always pauses
// after the first assistant message so the rep is guaranteed a turn, even
// when the opener does not look like a question.
func (e *Engine) Kickoff(ctx context.Context, runID string) (*RunState, error) {
	return e.runUntilPauseOrEnd(ctx, runID, "", -1, kickoffCallBudget)
}

// Reply applies one user reply to a waiting run. A reply carrying a stale
// waiting sequence is dropped silently — late or duplicate audio-transcript
// deliveries must not race a fresh prompt.
func (e *Engine) Reply(ctx context.Context, runID, userText string, waitingSeq int) (*RunState, error) {
	return e.runUntilPauseOrEnd(ctx, runID, userText, waitingSeq, replyCallBudget)
}

func (e *Engine) runUntilPauseOrEnd(ctx context.Context, runID, userText string, waitingSeq, callBudget int) (*RunState, error) {
	run, err := e.sessions.Run(runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return &RunState{Run: run, Ignored: true, Reason: "terminal"}, nil
	}

	// At most one active invocation per run. A concurrent call gets the
	// current state back unchanged.
	if !e.sessions.TryAcquireRun(runID) {
		return &RunState{Run: run, Ignored: true, Reason: "in_flight"}, nil
	}
	defer e.sessions.ReleaseRun(runID)

	// Re-read under the lock; the pre-lock snapshot may be stale.
	run, err = e.sessions.Run(runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return &RunState{Run: run, Ignored: true, Reason: "terminal"}, nil
	}
	if waitingSeq >= 0 && waitingSeq != run.WaitingSeq {
		return &RunState{Run: run, Ignored: true, Reason: "stale_turn"}, nil
	}

	// The paired session has its own turn lock shared with the synchronous
	// path; holding both keeps the two surfaces from interleaving.
	if !e.sessions.TryAcquireSession(run.SessionID) {
		return &RunState{Run: run, Ignored: true, Reason: "in_flight"}, nil
	}
	defer e.sessions.ReleaseSession(run.SessionID)

	sess, err := e.sessions.Session(run.SessionID)
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, err)
	}

	if run.ModelCalls >= maxRunModelCalls {
		run.Status = session.RunError
		run.Error = "model call ceiling reached"
		e.sessions.SaveRun(run)
		return &RunState{Run: run}, nil
	}

	run.Status = session.RunRunning
	if userText != "" {
		run.Append("user", userText)
	}
	e.sessions.SaveRun(run)

	res, err := e.runTurn(ctx, sess, userText, callBudget)

	// Advisory stop: if the run was forced DONE while the turn was in
	// flight, drop the loop's output instead of resurrecting the run.
	if current, lookupErr := e.sessions.Run(runID); lookupErr == nil && current.Status.Terminal() {
		return &RunState{Run: current, Ignored: true, Reason: "terminal"}, nil
	}

	if err != nil {
		run.Status = session.RunError
		run.Error = err.Error()
		e.sessions.SaveRun(run)
		return &RunState{Run: run}, fmt.Errorf("run %s: %w", runID, err)
	}

	run.ModelCalls += res.ModelCalls
	if res.AssistantText != "" {
		run.Append("assistant", res.AssistantText)
	}

	if res.Done {
		run.Status = session.RunDone
	} else {
		run.Status = session.RunWaitingForUser
		run.WaitingSeq++
	}
	e.sessions.SaveRun(run)

	return &RunState{Run: run}, nil
}

// StopRun forces a run to DONE. Idempotent on already-terminal runs. The
// outstanding turn, if any, sees the terminal status when it completes and
// discards its output.
func (e *Engine) StopRun(runID string) (*RunState, error) {
	run, err := e.sessions.Run(runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return &RunState{Run: run}, nil
	}
	run.Status = session.RunDone
	e.sessions.SaveRun(run)
	return &RunState{Run: run}, nil
}
