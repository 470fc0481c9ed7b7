// Package session holds the ephemeral per-review and per-run state for the
// conversation engine, behind a pluggable key-value store. The default
// in-memory store means in-flight reviews do not survive a process restart;
// that is a documented limitation, not a masked one. A bolt-backed store
// can be swapped in without touching engine logic.
package session

import (
	"time"

	"github.com/forecastly/dealreview/internal/meddpicc"
	"github.com/forecastly/dealreview/internal/store"
)

// ReviewSession is the mutable state of one in-flight deal review queue.
// Single-writer: turns within a session are strictly sequential.
type ReviewSession struct {
	ID      string               `json:"id"`
	OrgID   string               `json:"org_id"`
	RepName string               `json:"rep_name"`
	Deals   []*store.Opportunity `json:"deals"`
	Index   int                  `json:"index"`

	Touched  map[meddpicc.Category]bool `json:"touched"`
	Reviewed map[meddpicc.Category]bool `json:"reviewed"`

	WrapSaved                 bool `json:"wrap_saved"`
	WrapExpectedHealthPercent int  `json:"wrap_expected_health_percent"`
	WrapHealthPhraseOk        bool `json:"wrap_health_phrase_ok"`

	// AccumulatedEntity collects champion / economic-buyer identity
	// mentioned mid-review; flushed into the wrap save.
	AccumulatedEntity store.EntityFields `json:"accumulated_entity"`

	// LastAskedCategory is the category the previous assistant turn probed
	// with a check-pattern question, used by the no-change guard.
	LastAskedCategory meddpicc.Category `json:"last_asked_category,omitempty"`

	MasterPrompt     string    `json:"master_prompt,omitempty"`
	MasterPromptHash string    `json:"master_prompt_hash,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// CurrentDeal returns the deal under review, or nil when the queue is done.
func (s *ReviewSession) CurrentDeal() *store.Opportunity {
	if s.Index < 0 || s.Index >= len(s.Deals) {
		return nil
	}
	return s.Deals[s.Index]
}

// Done reports whether every deal in the queue has been reviewed.
func (s *ReviewSession) Done() bool {
	return s.Index >= len(s.Deals)
}

// MarkReviewed records a category as covered this deal.
func (s *ReviewSession) MarkReviewed(c meddpicc.Category) {
	if s.Reviewed == nil {
		s.Reviewed = make(map[meddpicc.Category]bool)
	}
	s.Reviewed[c] = true
}

// MarkTouched records a category as saved this deal.
func (s *ReviewSession) MarkTouched(c meddpicc.Category) {
	if s.Touched == nil {
		s.Touched = make(map[meddpicc.Category]bool)
	}
	s.Touched[c] = true
}

// AdvanceDeal moves the cursor to the next deal and resets all per-deal state.
func (s *ReviewSession) AdvanceDeal() {
	s.Index++
	s.ResetDealState()
}

// ResetDealState clears per-deal flags to their initial values.
func (s *ReviewSession) ResetDealState() {
	s.Touched = make(map[meddpicc.Category]bool)
	s.Reviewed = make(map[meddpicc.Category]bool)
	s.WrapSaved = false
	s.WrapExpectedHealthPercent = 0
	s.WrapHealthPhraseOk = false
	s.AccumulatedEntity = store.EntityFields{}
	s.LastAskedCategory = ""
}

// Message is one transcript entry on a hands-free run.
type Message struct {
	Role string    `json:"role"` // "user" or "assistant"
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

// RunStatus is the lifecycle state of a hands-free run.
type RunStatus string

const (
	RunRunning        RunStatus = "RUNNING"
	RunWaitingForUser RunStatus = "WAITING_FOR_USER"
	RunDone           RunStatus = "DONE"
	RunError          RunStatus = "ERROR"
)

// Terminal reports whether the status admits no further turns.
func (s RunStatus) Terminal() bool {
	return s == RunDone || s == RunError
}

// HandsFreeRun pairs 1:1 with a ReviewSession for turn-based delivery to a
// polling client (voice UI).
type HandsFreeRun struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id"`
	Status    RunStatus `json:"status"`

	// WaitingSeq increments each time the run enters WAITING_FOR_USER.
	// Replies carrying a stale sequence are dropped, which protects
	// against late or duplicate audio-transcript deliveries.
	WaitingSeq int `json:"waiting_seq"`

	Messages   []Message `json:"messages"`
	ModelCalls int       `json:"model_calls"`
	Error      string    `json:"error,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Append adds a transcript message.
func (r *HandsFreeRun) Append(role, text string) {
	r.Messages = append(r.Messages, Message{Role: role, Text: text, At: time.Now().UTC()})
}

// CategoryUpdateSession is the narrow sibling of ReviewSession used by the
// targeted single-category re-assessment flow.
type CategoryUpdateSession struct {
	ID            string            `json:"id"`
	OrgID         string            `json:"org_id"`
	OpportunityID string            `json:"opportunity_id"`
	Category      meddpicc.Category `json:"category"`
	Turns         []Message         `json:"turns"`
	Opened        bool              `json:"opened"`
	Finalized     bool              `json:"finalized"`
	CreatedAt     time.Time         `json:"created_at"`
}
