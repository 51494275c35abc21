package state

import (
	"context"
	"sync"

	"arbwatch/internal/alerting"
)

// Memory is a process-local store used by simulations and tests.
type Memory struct {
	mu      sync.Mutex
	records map[string]alerting.State
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]alerting.State)}
}

func (m *Memory) Load(ctx context.Context, key string) (alerting.State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.records[key]; ok {
		return st, nil
	}
	return alerting.InitialState(), nil
}

func (m *Memory) Save(ctx context.Context, key string, st alerting.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[key] = st
	return nil
}

var _ Store = (*Memory)(nil)
