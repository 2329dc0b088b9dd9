// Package document implements the per-document state: the live field
// map, the document's vector clock, its delta log, and LWW conflict
// resolution.
package document

import (
	"encoding/json"

	"github.com/synckit/syncserver/vectorclock"
)

// FieldValue is either a JSON value or a tombstone (field deletion).
// Tombstones participate in LWW like any other value.
type FieldValue struct {
	Data      json.RawMessage
	Tombstone bool
}

// Value builds a non-tombstone FieldValue.
func Value(data json.RawMessage) FieldValue { return FieldValue{Data: data} }

// Tombstone builds a tombstone FieldValue.
func Tombstone() FieldValue { return FieldValue{Tombstone: true} }

// FieldCell is the authoritative occupant of one field path: the value
// (or tombstone), who wrote it, the per-client logical clock value at
// write time, and the wall-clock timestamp used for the LWW tiebreak.
type FieldCell struct {
	Value     json.RawMessage
	ClientID  string
	Clock     uint64
	Timestamp int64
	Tombstone bool
}

// triple returns the (timestamp, clock, clientID) comparison key used by
// LWW. A strictly greater triple wins; equal triples are impossible for
// distinct writers since ClientID is part of the tiebreak.
func (c FieldCell) triple() (int64, uint64, string) {
	return c.Timestamp, c.Clock, c.ClientID
}

func tripleGreater(ts1 int64, clock1 uint64, client1 string, ts2 int64, clock2 uint64, client2 string) bool {
	if ts1 != ts2 {
		return ts1 > ts2
	}
	if clock1 != clock2 {
		return clock1 > clock2
	}
	return client1 > client2
}

// StoredDelta is the append-only log record of one inbound delta.
type StoredDelta struct {
	ID        string
	ClientID  string
	Timestamp int64
	Fields    map[string]FieldValue
	Clock     vectorclock.Clock
}

// Origin distinguishes a freshly originated client write (which mints a
// new per-client logical clock value) from a replay of an
// already-stamped StoredDelta (which must not re-mint, so that replaying
// the same delta is idempotent and replaying a multiset in any order
// converges).
type Origin int

const (
	// OriginLive is a delta newly received from a connected client on
	// this server: the store increments the document's vector clock
	// entry for the writer and stamps each field with the new counter.
	OriginLive Origin = iota
	// OriginReplay is an already-stamped StoredDelta being re-applied
	// (late-subscriber hydration, cross-instance fan-in, at-least-once
	// redelivery): the store uses the clock value the delta already
	// carries for its own ClientID and merges rather than increments,
	// making re-application idempotent.
	OriginReplay
)

// ApplyResult reports, per field, the value that now occupies the cell
// after LWW — which may be the incoming write or a prior write that won.
type ApplyResult struct {
	Values map[string]FieldValue
	Clock  vectorclock.Clock
}
