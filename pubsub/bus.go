// Package pubsub implements the cross-instance delta/awareness fan-out
// fabric: a Bus interface with an etcd Watch-backed implementation for
// multi-instance deployments and an in-memory implementation for
// single-instance deployments and tests.
package pubsub

import (
	"context"

	"github.com/synckit/syncserver/wire"
)

// Bus propagates delta and awareness messages across server instances.
// A subscriber only ever observes messages published by a different Bus
// instance (or, for the in-memory implementation, is expected not to
// re-deliver its own publishes back to the originating connection —
// that de-duplication is the caller's responsibility when Bus and the
// publishing connection are co-located).
type Bus interface {
	PublishDelta(ctx context.Context, docID string, msg wire.Message) error
	PublishAwareness(ctx context.Context, docID string, msg wire.Message) error
	Subscribe(ctx context.Context, docID string, handler func(wire.Message)) error
	Unsubscribe(docID string) error
	IsConnected() bool
	Disconnect(ctx context.Context) error
}
