// Package reaper implements the periodic awareness expiration sweep:
// TTL'd presence entries are pruned and their departure is broadcast to
// local subscribers as a null-state awareness_update, mirroring the
// explicit-leave path without touching PubSubBus (every instance runs
// its own reaper against its own TTLs).
package reaper

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synckit/syncserver/awareness"
	"github.com/synckit/syncserver/conn"
	"github.com/synckit/syncserver/metrics"
	"github.com/synckit/syncserver/registry"
	"github.com/synckit/syncserver/wire"
)

const (
	fieldDocumentID = "documentId"
	fieldClientID   = "clientId"
	fieldState      = "state"
	fieldClock      = "clock"
)

// Reaper periodically sweeps an AwarenessStore for expired entries.
type Reaper struct {
	store    *awareness.Store
	registry *registry.Registry
	interval time.Duration
	mt       *metrics.Collectors
	log      *logrus.Entry
}

// New builds a Reaper. interval should be ≈ the store's TTL. mt may be nil.
func New(store *awareness.Store, reg *registry.Registry, interval time.Duration, mt *metrics.Collectors, log *logrus.Entry) *Reaper {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Reaper{store: store, registry: reg, interval: interval, mt: mt, log: log}
}

// Run blocks sweeping on every tick until ctx is canceled. Each tick is
// independent: a panic-free error sweeping one entry is logged and the
// sweep continues to the next.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep()
		}
	}
}

func (r *Reaper) sweep() {
	now := time.Now()
	expired := r.store.ListExpired(now)
	if r.mt != nil && len(expired) > 0 {
		r.mt.AwarenessExpired.Add(float64(len(expired)))
	}
	for _, entry := range expired {
		r.broadcastLeave(entry)
	}
	removed := r.store.PruneExpired(now)
	if r.mt != nil && len(removed) > 0 {
		r.mt.AwarenessReaped.Add(float64(len(removed)))
	}
}

// broadcastLeave sends a null-state awareness_update, clocked one past
// the expired entry, to every local awareness subscriber of its document.
func (r *Reaper) broadcastLeave(entry awareness.Entry) {
	msg := wire.New(wire.TypeAwarenessUpdate, entry.DocumentID+":"+entry.ClientID+":expired", time.Now().UnixMilli())
	if err := msg.SetField(fieldDocumentID, entry.DocumentID); err != nil {
		r.log.WithField("err", err).Warn("reaper: failed to encode expiry broadcast")
		return
	}
	if err := msg.SetField(fieldClientID, entry.ClientID); err != nil {
		r.log.WithField("err", err).Warn("reaper: failed to encode expiry broadcast")
		return
	}
	if err := msg.SetField(fieldState, nil); err != nil {
		r.log.WithField("err", err).Warn("reaper: failed to encode expiry broadcast")
		return
	}
	if err := msg.SetField(fieldClock, entry.Clock+1); err != nil {
		r.log.WithField("err", err).Warn("reaper: failed to encode expiry broadcast")
		return
	}

	for _, connID := range r.store.Subscribers(entry.DocumentID) {
		target, ok := r.registry.Get(connID)
		if !ok {
			continue
		}
		r.send(target, msg)
	}
}

func (r *Reaper) send(target *conn.Connection, msg *wire.Message) {
	if err := target.Send(msg); err != nil {
		r.log.WithFields(logrus.Fields{"connId": target.ID(), "err": err}).Warn("reaper: expiry broadcast send failed")
	}
}
