package document

import (
	"sort"
	"sync"

	"github.com/synckit/syncserver/vectorclock"
)

// Document is the per-document authoritative state. Every mutation runs
// under mu; no operation ever holds two documents' locks at once.
type Document struct {
	ID string

	mu          sync.Mutex
	cells       map[string]FieldCell // every field ever written, including tombstoned
	clock       vectorclock.Clock
	deltaLog    []StoredDelta
	logLimit    int
	subscribers map[string]struct{} // connection ids
	lastModified int64
}

func newDocument(id string, logLimit int) *Document {
	return &Document{
		ID:          id,
		cells:       make(map[string]FieldCell),
		clock:       vectorclock.New(),
		logLimit:    logLimit,
		subscribers: make(map[string]struct{}),
	}
}

// State returns a snapshot of the live (non-tombstoned) field values.
func (d *Document) State() map[string]FieldValue {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateLocked()
}

func (d *Document) stateLocked() map[string]FieldValue {
	out := make(map[string]FieldValue, len(d.cells))
	for field, cell := range d.cells {
		if cell.Tombstone {
			continue
		}
		out[field] = FieldValue{Data: cell.Value}
	}
	return out
}

// Clock returns a copy of the document's current vector clock.
func (d *Document) Clock() vectorclock.Clock {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.clock.Clone()
}

// LastModified returns the wall-clock timestamp (ms) of the most
// recently applied write.
func (d *Document) LastModified() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastModified
}

// Subscribe adds connID to the document's local subscriber set.
func (d *Document) Subscribe(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.subscribers[connID] = struct{}{}
}

// Unsubscribe removes connID from the document's local subscriber set.
func (d *Document) Unsubscribe(connID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.subscribers, connID)
}

// IsSubscribed reports whether connID is currently subscribed.
func (d *Document) IsSubscribed(connID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.subscribers[connID]
	return ok
}

// Subscribers returns a snapshot of the subscriber connection ids.
func (d *Document) Subscribers() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.subscribers))
	for id := range d.subscribers {
		out = append(out, id)
	}
	return out
}

// apply runs the LWW algorithm for every field in delta under the
// document's lock, logs the delta, and returns the per-field occupant
// after resolution. See Origin for the live-vs-replay distinction.
func (d *Document) apply(delta StoredDelta, origin Origin) *ApplyResult {
	d.mu.Lock()
	defer d.mu.Unlock()

	fields := make([]string, 0, len(delta.Fields))
	for f := range delta.Fields {
		fields = append(fields, f)
	}
	sort.Strings(fields) // deterministic per-delta field application order

	result := &ApplyResult{Values: make(map[string]FieldValue, len(fields))}

	for _, field := range fields {
		fv := delta.Fields[field]

		var newClock uint64
		switch origin {
		case OriginLive:
			d.clock = d.clock.Increment(delta.ClientID)
			newClock = d.clock.Get(delta.ClientID)
		case OriginReplay:
			newClock = delta.Clock.Get(delta.ClientID)
		}

		existing, exists := d.cells[field]
		wins := !exists || tripleGreater(delta.Timestamp, newClock, delta.ClientID,
			existing.Timestamp, existing.Clock, existing.ClientID)

		if wins {
			d.cells[field] = FieldCell{
				Value:     fv.Data,
				ClientID:  delta.ClientID,
				Clock:     newClock,
				Timestamp: delta.Timestamp,
				Tombstone: fv.Tombstone,
			}
		}

		occupant := d.cells[field]
		result.Values[field] = FieldValue{Data: occupant.Value, Tombstone: occupant.Tombstone}
	}

	if origin == OriginReplay {
		d.clock = d.clock.Merge(delta.Clock)
	} else if delta.Clock != nil {
		// A live delta may also carry the sender's own vector clock
		// (a client that tracks causality itself); merge it in after
		// the per-field increments above.
		d.clock = d.clock.Merge(delta.Clock)
	}

	if delta.Timestamp > d.lastModified {
		d.lastModified = delta.Timestamp
	}

	delta.Clock = d.clock.Clone()
	d.deltaLog = append(d.deltaLog, delta)
	if d.logLimit > 0 && len(d.deltaLog) > d.logLimit {
		d.deltaLog = d.deltaLog[len(d.deltaLog)-d.logLimit:]
	}

	result.Clock = d.clock.Clone()
	return result
}

// mergeClock entrywise-maxes other into the document's vector clock.
func (d *Document) mergeClock(other vectorclock.Clock) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clock = d.clock.Merge(other)
}

// deltasSince returns every logged delta whose vector clock does not
// happen-before other (i.e. everything strictly after, plus concurrent).
func (d *Document) deltasSince(other vectorclock.Clock) []StoredDelta {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make([]StoredDelta, 0, len(d.deltaLog))
	for _, delta := range d.deltaLog {
		if delta.Clock.HappensBefore(other) || delta.Clock.Equal(other) {
			continue
		}
		out = append(out, delta)
	}
	return out
}
