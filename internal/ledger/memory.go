package ledger

import (
	"context"
	"math/big"
	"sync"
)

// Memory keeps the audit log in process memory. Sufficient for the
// rolling-window queries; lost on restart.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) Add(ctx context.Context, e Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, cloneEntry(e))
	return nil
}

func (m *Memory) List(ctx context.Context, f Filter) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Entry
	for _, e := range m.entries {
		if f.matches(e) {
			out = append(out, cloneEntry(e))
		}
	}
	return out, nil
}

func cloneEntry(e Entry) Entry {
	if e.Tokens != nil {
		e.Tokens = new(big.Int).Set(e.Tokens)
	}
	return e
}
