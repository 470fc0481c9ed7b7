package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/forecastly/dealreview/internal/meddpicc"
	"github.com/forecastly/dealreview/internal/store"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrRunNotFound     = errors.New("run not found")
	ErrUpdateNotFound  = errors.New("category update session not found")
)

// KV is the backing store for sessions, runs, and update sessions.
// Implementations must be safe for concurrent use.
type KV interface {
	GetSession(id string) (*ReviewSession, bool)
	PutSession(s *ReviewSession)
	DeleteSession(id string)

	GetRun(id string) (*HandsFreeRun, bool)
	PutRun(r *HandsFreeRun)

	GetUpdate(id string) (*CategoryUpdateSession, bool)
	PutUpdate(u *CategoryUpdateSession)
	DeleteUpdate(id string)
}

// Manager owns session/run lifecycle and the per-key turn locks that keep
// turn processing strictly sequential within a run or session.
type Manager struct {
	kv KV

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewManager(kv KV) *Manager {
	return &Manager{kv: kv, locks: make(map[string]*sync.Mutex)}
}

// CreateSession starts a review over the given deals.
func (m *Manager) CreateSession(orgID, repName string, deals []*store.Opportunity) *ReviewSession {
	s := &ReviewSession{
		ID:        uuid.NewString(),
		OrgID:     orgID,
		RepName:   repName,
		Deals:     deals,
		CreatedAt: time.Now().UTC(),
	}
	s.ResetDealState()
	m.kv.PutSession(s)
	return s
}

func (m *Manager) Session(id string) (*ReviewSession, error) {
	s, ok := m.kv.GetSession(id)
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// SaveSession persists session mutations. With the in-memory store this is
// a no-op beyond map assignment; with a bolt store it serializes the state.
func (m *Manager) SaveSession(s *ReviewSession) {
	m.kv.PutSession(s)
}

// CreateRun pairs a hands-free run with a session.
func (m *Manager) CreateRun(sessionID string) *HandsFreeRun {
	r := &HandsFreeRun{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Status:    RunRunning,
		CreatedAt: time.Now().UTC(),
	}
	m.kv.PutRun(r)
	return r
}

func (m *Manager) Run(id string) (*HandsFreeRun, error) {
	r, ok := m.kv.GetRun(id)
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

func (m *Manager) SaveRun(r *HandsFreeRun) {
	m.kv.PutRun(r)
}

// TryAcquireRun takes the run's turn lock without blocking. A false return
// means another invocation is in flight; callers treat that as an idempotent
// no-op and return the current run state unchanged.
func (m *Manager) TryAcquireRun(id string) bool {
	return m.turnLock(id).TryLock()
}

// ReleaseRun releases the run's turn lock.
func (m *Manager) ReleaseRun(id string) {
	m.turnLock(id).Unlock()
}

// TryAcquireSession takes the session's turn lock without blocking, so
// concurrent synchronous turns against one session cannot interleave state
// mutations. Session and run ids share one keyed lock table.
func (m *Manager) TryAcquireSession(id string) bool {
	return m.turnLock(id).TryLock()
}

// ReleaseSession releases the session's turn lock.
func (m *Manager) ReleaseSession(id string) {
	m.turnLock(id).Unlock()
}

func (m *Manager) turnLock(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[id]
	if !ok {
		l = &sync.Mutex{}
		m.locks[id] = l
	}
	return l
}

// CreateUpdateSession starts a targeted single-category re-assessment.
func (m *Manager) CreateUpdateSession(orgID, opportunityID string, category meddpicc.Category) *CategoryUpdateSession {
	u := &CategoryUpdateSession{
		ID:            uuid.NewString(),
		OrgID:         orgID,
		OpportunityID: opportunityID,
		Category:      category,
		CreatedAt:     time.Now().UTC(),
	}
	m.kv.PutUpdate(u)
	return u
}

func (m *Manager) UpdateSession(id string) (*CategoryUpdateSession, error) {
	u, ok := m.kv.GetUpdate(id)
	if !ok {
		return nil, ErrUpdateNotFound
	}
	return u, nil
}

func (m *Manager) SaveUpdateSession(u *CategoryUpdateSession) {
	m.kv.PutUpdate(u)
}

// DeleteUpdateSession discards a finalized update session.
func (m *Manager) DeleteUpdateSession(id string) {
	m.kv.DeleteUpdate(id)
}
