package ledger

import (
	"context"
	"sync"
	"time"
)

// Memory is a non-durable Ledger, used in tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	records map[key]time.Time
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{records: make(map[key]time.Time)}
}

func (m *Memory) Has(_ context.Context, account, messageID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.records[key{account, messageID}]
	return ok, nil
}

func (m *Memory) Record(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key{rec.Account, rec.MessageID}
	if _, ok := m.records[k]; ok {
		return nil
	}
	m.records[k] = rec.ForwardedAt
	return nil
}

func (m *Memory) Prune(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for k, at := range m.records {
		if at.Before(before) {
			delete(m.records, k)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Count(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records), nil
}

func (m *Memory) Close() error {
	return nil
}
