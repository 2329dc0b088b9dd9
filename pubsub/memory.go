package pubsub

import (
	"context"
	"sync"

	"github.com/synckit/syncserver/wire"
)

// Memory is an in-process Bus with no cross-instance reach, used by
// single-instance deployments and tests. It does not suppress loopback:
// callers co-located with the Bus (the common case for this
// implementation) are expected to avoid double-delivering their own
// publish locally.
type Memory struct {
	mu   sync.Mutex
	subs map[string][]func(wire.Message)
}

// NewMemory builds an empty Memory bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string][]func(wire.Message))}
}

func (m *Memory) PublishDelta(_ context.Context, docID string, msg wire.Message) error {
	return m.publish(docID, msg)
}

func (m *Memory) PublishAwareness(_ context.Context, docID string, msg wire.Message) error {
	return m.publish(docID, msg)
}

func (m *Memory) publish(docID string, msg wire.Message) error {
	m.mu.Lock()
	handlers := append([]func(wire.Message){}, m.subs[docID]...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
	return nil
}

func (m *Memory) Subscribe(_ context.Context, docID string, handler func(wire.Message)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[docID] = append(m.subs[docID], handler)
	return nil
}

func (m *Memory) Unsubscribe(docID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.subs, docID)
	return nil
}

func (m *Memory) IsConnected() bool { return true }

func (m *Memory) Disconnect(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = make(map[string][]func(wire.Message))
	return nil
}
