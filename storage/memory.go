// Package storage provides reference implementations of the storage
// collaborator interface (document.Persister): an in-memory default and
// a SQLite-backed adapter. Both are external to the sync kernel's
// correctness — failures are logged by document.Store and never block
// in-memory progress.
package storage

import (
	"context"
	"sync"

	"github.com/synckit/syncserver/document"
	"github.com/synckit/syncserver/vectorclock"
)

// Memory is a process-local Persister, used by tests. The entrypoint does
// not select it: an empty DatabaseURL runs the server with no persister.
type Memory struct {
	mu     sync.Mutex
	states map[string]map[string]document.FieldValue
	clocks map[string]vectorclock.Clock
	deltas map[string][]document.StoredDelta
}

// NewMemory builds an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		states: make(map[string]map[string]document.FieldValue),
		clocks: make(map[string]vectorclock.Clock),
		deltas: make(map[string][]document.StoredDelta),
	}
}

func (m *Memory) SaveDocument(_ context.Context, docID string, state map[string]document.FieldValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(map[string]document.FieldValue, len(state))
	for k, v := range state {
		cp[k] = v
	}
	m.states[docID] = cp
	return nil
}

func (m *Memory) UpdateVectorClock(_ context.Context, docID, clientID string, value uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clock, ok := m.clocks[docID]
	if !ok {
		clock = vectorclock.New()
	}
	clock[clientID] = value
	m.clocks[docID] = clock
	return nil
}

func (m *Memory) SaveDelta(_ context.Context, docID string, delta document.StoredDelta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.deltas[docID] = append(m.deltas[docID], delta)
	return nil
}

func (m *Memory) GetDocument(_ context.Context, docID string) (map[string]document.FieldValue, vectorclock.Clock, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[docID]
	if !ok {
		return nil, nil, false, nil
	}
	return state, m.clocks[docID].Clone(), true, nil
}

func (m *Memory) GetDeltasSince(_ context.Context, docID string, clock vectorclock.Clock) ([]document.StoredDelta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []document.StoredDelta
	for _, d := range m.deltas[docID] {
		if d.Clock.HappensBefore(clock) || d.Clock.Equal(clock) {
			continue
		}
		out = append(out, d)
	}
	return out, nil
}

func (m *Memory) Disconnect(context.Context) error { return nil }
