// Package registry tracks every live connection on this instance in a
// byId/byUserID double index with a connection cap, generalized from the
// single-mutex, single-map ProxyServer shape in go/runtime/proxy.go.
package registry

import (
	"fmt"
	"sync"

	"github.com/synckit/syncserver/conn"
)

// Registry owns every live Connection on this instance.
type Registry struct {
	mu         sync.RWMutex
	byID       map[string]*conn.Connection
	byUserID   map[string]map[string]*conn.Connection
	maxConns   int
}

// New builds a Registry capped at maxConns concurrent connections. A
// maxConns of 0 means unbounded.
func New(maxConns int) *Registry {
	return &Registry{
		byID:     make(map[string]*conn.Connection),
		byUserID: make(map[string]map[string]*conn.Connection),
		maxConns: maxConns,
	}
}

// ErrAtCapacity is returned by Add when the registry is already at
// maxConns; the caller is expected to close the connection with a
// websocket policy-violation (1008) code.
var ErrAtCapacity = fmt.Errorf("registry: at connection capacity")

// Add registers c. It returns ErrAtCapacity without registering the
// connection if the instance is already at its connection cap.
func (r *Registry) Add(c *conn.Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.maxConns > 0 && len(r.byID) >= r.maxConns {
		return ErrAtCapacity
	}
	r.byID[c.ID()] = c
	return nil
}

// IndexByUser associates c with userID, once the connection has
// authenticated. Call once per connection, after auth succeeds.
func (r *Registry) IndexByUser(userID string, c *conn.Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.byUserID[userID]
	if !ok {
		set = make(map[string]*conn.Connection)
		r.byUserID[userID] = set
	}
	set[c.ID()] = c
}

// Remove deregisters connID from every index.
func (r *Registry) Remove(connID, userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, connID)
	if userID == "" {
		return
	}
	if set, ok := r.byUserID[userID]; ok {
		delete(set, connID)
		if len(set) == 0 {
			delete(r.byUserID, userID)
		}
	}
}

// Get returns the connection registered under connID, if any.
func (r *Registry) Get(connID string) (*conn.Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[connID]
	return c, ok
}

// ByUser returns every connection currently indexed under userID.
func (r *Registry) ByUser(userID string) []*conn.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	set := r.byUserID[userID]
	out := make([]*conn.Connection, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

// Len returns the number of currently registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byID)
}

// All returns a snapshot of every registered connection, used for
// shutdown drain.
func (r *Registry) All() []*conn.Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*conn.Connection, 0, len(r.byID))
	for _, c := range r.byID {
		out = append(out, c)
	}
	return out
}
