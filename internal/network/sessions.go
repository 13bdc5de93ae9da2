package network

import "sync"

// Sessions is the active-session table keyed by remote peer ID. A new
// session for an already registered peer wins; the old one is handed
// back to the caller to close, which keeps reconnects from leaving
// duplicate sockets behind.
type Sessions struct {
	mu sync.Mutex
	m  map[string]*Session
}

func NewSessions() *Sessions {
	return &Sessions{m: make(map[string]*Session)}
}

// Put registers s and returns the session it replaced, if any.
func (t *Sessions) Put(s *Session) *Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	old := t.m[s.key()]
	t.m[s.key()] = s
	if old == s {
		return nil
	}
	return old
}

func (t *Sessions) Get(peerID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.m[peerID]
	return s, ok
}

// Remove unregisters s only while it is still the current session for
// its peer, so a replaced session's teardown cannot evict its
// replacement.
func (t *Sessions) Remove(peerID string, s *Session) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.m[peerID] != s {
		return false
	}
	delete(t.m, peerID)
	return true
}

func (t *Sessions) List() []*Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Session, 0, len(t.m))
	for _, s := range t.m {
		out = append(out, s)
	}
	return out
}

// Len reports the number of live sessions.
func (t *Sessions) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.m)
}
