package session

import "sync"

// MemoryKV is the default process-lifetime store. Entries are never evicted;
// review volume is bounded enough that this is acceptable for now.
// TODO: TTL eviction before sessions can be created by untrusted callers.
type MemoryKV struct {
	mu       sync.RWMutex
	sessions map[string]*ReviewSession
	runs     map[string]*HandsFreeRun
	updates  map[string]*CategoryUpdateSession
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{
		sessions: make(map[string]*ReviewSession),
		runs:     make(map[string]*HandsFreeRun),
		updates:  make(map[string]*CategoryUpdateSession),
	}
}

func (m *MemoryKV) GetSession(id string) (*ReviewSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *MemoryKV) PutSession(s *ReviewSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
}

func (m *MemoryKV) DeleteSession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

func (m *MemoryKV) GetRun(id string) (*HandsFreeRun, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.runs[id]
	return r, ok
}

func (m *MemoryKV) PutRun(r *HandsFreeRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[r.ID] = r
}

func (m *MemoryKV) GetUpdate(id string) (*CategoryUpdateSession, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.updates[id]
	return u, ok
}

func (m *MemoryKV) PutUpdate(u *CategoryUpdateSession) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates[u.ID] = u
}

func (m *MemoryKV) DeleteUpdate(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.updates, id)
}
