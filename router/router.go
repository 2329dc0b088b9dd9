// Package router dispatches an inbound wire.Message to its per-type
// handler, enforcing authentication/authorization before any
// state-mutating or state-exposing operation and wiring together the
// connection, document, awareness, and sync-coordinator layers.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/synckit/syncserver/auth"
	"github.com/synckit/syncserver/awareness"
	"github.com/synckit/syncserver/conn"
	"github.com/synckit/syncserver/document"
	"github.com/synckit/syncserver/errs"
	"github.com/synckit/syncserver/metrics"
	"github.com/synckit/syncserver/pubsub"
	"github.com/synckit/syncserver/registry"
	"github.com/synckit/syncserver/syncer"
	"github.com/synckit/syncserver/vectorclock"
	"github.com/synckit/syncserver/wire"
)

const (
	fieldDocumentID  = "documentId"
	fieldToken       = "token"
	fieldAPIKey      = "apiKey"
	fieldUserID      = "userId"
	fieldPermissions = "permissions"
	fieldReason      = "reason"
	fieldState       = "state"
	fieldClock       = "clock"
	fieldEntries     = "entries"
	fieldClientID    = "clientId"
)

// Router dispatches inbound messages to their per-type handler.
type Router struct {
	gate        *auth.Gate
	docs        *document.Store
	awareness   *awareness.Store
	coordinator *syncer.Coordinator
	registry    *registry.Registry
	bus         pubsub.Bus
	mt          *metrics.Collectors
	log         *logrus.Entry

	// busSubscribed tracks which documents already have a live bus
	// subscription, so a second awareness_subscribe or subscribe for the
	// same document does not re-subscribe (the bus itself reference-counts,
	// but SubscribeBus also wires the one-handler-per-doc closure, which
	// must only be installed once).
	busSubscribed map[string]struct{}
}

// New builds a Router. bus may be nil for a single-instance deployment.
func New(gate *auth.Gate, docs *document.Store, aw *awareness.Store, coord *syncer.Coordinator, reg *registry.Registry, bus pubsub.Bus, mt *metrics.Collectors, log *logrus.Entry) *Router {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Router{
		gate:          gate,
		docs:          docs,
		awareness:     aw,
		coordinator:   coord,
		registry:      reg,
		bus:           bus,
		mt:            mt,
		log:           log,
		busSubscribed: make(map[string]struct{}),
	}
}

// Route dispatches msg for connection c, returning an error only when the
// connection must be torn down (per errs.Error.CloseConnection); any
// reply owed to the client has already been sent before Route returns.
func (r *Router) Route(ctx context.Context, c *conn.Connection, msg *wire.Message) error {
	switch msg.Type {
	case wire.TypeAuth:
		return r.handleAuth(c, msg)
	case wire.TypePing:
		return r.handlePing(c, msg)
	case wire.TypePong:
		return nil
	case wire.TypeAck:
		r.coordinator.HandleAck(c.ID(), msg.ID)
		return nil
	}

	if c.State() != conn.StateAuthenticated {
		return r.reject(c, errs.Auth(false, nil, "connection not authenticated"))
	}

	switch msg.Type {
	case wire.TypeSubscribe:
		return r.handleSubscribe(ctx, c, msg)
	case wire.TypeUnsubscribe:
		return r.handleUnsubscribe(c, msg)
	case wire.TypeSyncRequest:
		return r.handleSyncRequest(ctx, c, msg)
	case wire.TypeDelta:
		return r.handleDelta(ctx, c, msg)
	case wire.TypeAwarenessSubscribe:
		return r.handleAwarenessSubscribe(ctx, c, msg)
	case wire.TypeAwarenessUpdate:
		return r.handleAwarenessUpdate(ctx, c, msg)
	default:
		return r.reject(c, errs.Protocol(false, nil, "unknown message type %q", msg.Type))
	}
}

func (r *Router) handleAuth(c *conn.Connection, msg *wire.Message) error {
	var cred auth.Credential
	_, _ = msg.Field(fieldToken, &cred.BearerToken)
	_, _ = msg.Field(fieldAPIKey, &cred.APIKey)

	payload, err := r.gate.Validate(cred)
	if err != nil {
		reply := wire.New(wire.TypeAuthError, msg.ID, nowMillis())
		_ = reply.SetField(fieldReason, err.Error())
		r.sendBestEffort(c, reply)
		return err
	}

	c.SetPrincipal(payload)
	clientID := c.ID()
	var supplied string
	if ok, err := msg.Field(fieldClientID, &supplied); ok && err == nil && supplied != "" {
		clientID = supplied
	}
	c.ResolveClientID(clientID)
	c.MarkAuthenticated()
	r.registry.IndexByUser(payload.UserID, c)

	reply := wire.New(wire.TypeAuthSuccess, msg.ID, nowMillis())
	if err := reply.SetField(fieldUserID, payload.UserID); err != nil {
		return fmt.Errorf("encoding auth_success: %w", err)
	}
	if err := reply.SetField(fieldPermissions, payload.Permissions); err != nil {
		return fmt.Errorf("encoding auth_success: %w", err)
	}
	return r.send(c, reply)
}

func (r *Router) handlePing(c *conn.Connection, msg *wire.Message) error {
	reply := wire.New(wire.TypePong, msg.ID, nowMillis())
	return r.send(c, reply)
}

func (r *Router) handleSubscribe(ctx context.Context, c *conn.Connection, msg *wire.Message) error {
	docID, err := requireDocumentID(msg)
	if err != nil {
		return r.reject(c, err)
	}
	if !c.Principal().CanRead(docID) {
		return r.reject(c, errs.Auth(false, nil, "not permitted to read %q", docID))
	}

	r.docs.Subscribe(ctx, docID, c.ID())
	c.AddSubscription(docID)
	r.ensureBusSubscription(ctx, docID)

	state, clock := r.docs.Snapshot(ctx, docID)
	return r.send(c, syncResponse(msg.ID, docID, state, clock, nil))
}

func (r *Router) handleUnsubscribe(c *conn.Connection, msg *wire.Message) error {
	docID, err := requireDocumentID(msg)
	if err != nil {
		return r.reject(c, err)
	}
	r.docs.Unsubscribe(docID, c.ID())
	c.RemoveSubscription(docID)
	return nil
}

func (r *Router) handleSyncRequest(ctx context.Context, c *conn.Connection, msg *wire.Message) error {
	docID, err := requireDocumentID(msg)
	if err != nil {
		return r.reject(c, err)
	}
	if !c.Principal().CanRead(docID) {
		return r.reject(c, errs.Auth(false, nil, "not permitted to read %q", docID))
	}

	var clientClock vectorclock.Clock
	hasClock, err := msg.Field(fieldClock, &clientClock)
	if err != nil {
		return r.reject(c, errs.Protocol(false, err, "malformed clock field"))
	}

	var deltas []document.StoredDelta
	if hasClock {
		r.docs.MergeClock(ctx, docID, clientClock)
		deltas = r.docs.DeltasSince(ctx, docID, clientClock)
	}

	state, clock := r.docs.Snapshot(ctx, docID)
	return r.send(c, syncResponse(msg.ID, docID, state, clock, deltas))
}

func (r *Router) handleDelta(ctx context.Context, c *conn.Connection, msg *wire.Message) error {
	docID, err := requireDocumentID(msg)
	if err != nil {
		return r.reject(c, err)
	}
	if !c.Principal().CanWrite(docID) {
		return r.reject(c, errs.Auth(false, nil, "not permitted to write %q", docID))
	}

	ack, err := r.coordinator.ApplyDelta(ctx, c, docID, msg)
	if err != nil {
		return r.reject(c, errs.Internal(false, err, "applying delta"))
	}
	return r.send(c, ack)
}

func (r *Router) handleAwarenessSubscribe(ctx context.Context, c *conn.Connection, msg *wire.Message) error {
	docID, err := requireDocumentID(msg)
	if err != nil {
		return r.reject(c, err)
	}
	if !c.Principal().CanRead(docID) {
		return r.reject(c, errs.Auth(false, nil, "not permitted to read %q", docID))
	}

	r.awareness.Subscribe(docID, c.ID())
	c.AddAwarenessSubscription(docID)
	r.ensureAwarenessBusSubscription(ctx, docID)

	entries := r.awareness.ListActive(docID, time.Now())
	reply := wire.New(wire.TypeAwarenessState, msg.ID, nowMillis())
	if err := reply.SetField(fieldDocumentID, docID); err != nil {
		return fmt.Errorf("encoding awareness_state: %w", err)
	}
	if err := reply.SetField(fieldEntries, entries); err != nil {
		return fmt.Errorf("encoding awareness_state: %w", err)
	}
	return r.send(c, reply)
}

func (r *Router) handleAwarenessUpdate(ctx context.Context, c *conn.Connection, msg *wire.Message) error {
	docID, err := requireDocumentID(msg)
	if err != nil {
		return r.reject(c, err)
	}
	if !c.Principal().CanRead(docID) {
		return r.reject(c, errs.Auth(false, nil, "not permitted to read %q", docID))
	}

	var state json.RawMessage
	_, _ = msg.Field(fieldState, &state)
	if string(state) == "null" {
		state = nil
	}
	var clock uint64
	if _, err := msg.Field(fieldClock, &clock); err != nil {
		return r.reject(c, errs.Protocol(false, err, "malformed awareness clock"))
	}

	clientID := c.ClientID()
	var accepted bool
	if state == nil {
		// Explicit leave: destroy the entry immediately rather than
		// storing a null-state entry that would otherwise linger in
		// ListActive until TTL expiration.
		accepted = r.awareness.Leave(docID, clientID, clock)
	} else {
		accepted = r.awareness.Set(docID, clientID, state, clock, time.Now())
	}
	if !accepted {
		return nil
	}
	if r.mt != nil {
		r.mt.AwarenessActive.Set(float64(len(r.awareness.ListActive(docID, time.Now()))))
	}

	out := wire.New(wire.TypeAwarenessUpdate, docID+":"+clientID+":"+msg.ID, nowMillis())
	_ = out.SetField(fieldDocumentID, docID)
	_ = out.SetField(fieldClientID, clientID)
	_ = out.SetField(fieldState, state)
	_ = out.SetField(fieldClock, clock)

	for _, connID := range r.awareness.Subscribers(docID) {
		if connID == c.ID() {
			continue
		}
		if target, ok := r.registry.Get(connID); ok {
			r.sendBestEffort(target, out)
		}
	}
	if r.bus != nil {
		if err := r.bus.PublishAwareness(ctx, docID, *out); err != nil {
			r.log.WithFields(logrus.Fields{"docId": docID, "err": err}).Warn("router: awareness publish failed")
		}
	}
	return nil
}

// ensureBusSubscription wires the coordinator's delta bus-subscription
// for docID exactly once; later callers are no-ops.
func (r *Router) ensureBusSubscription(ctx context.Context, docID string) {
	if r.bus == nil {
		return
	}
	if _, ok := r.busSubscribed[docID]; ok {
		return
	}
	r.coordinator.SetAwarenessHandler(r.handleRemoteAwareness(ctx))
	if err := r.coordinator.SubscribeBus(ctx, docID); err != nil {
		r.log.WithFields(logrus.Fields{"docId": docID, "err": err}).Warn("router: bus subscribe failed")
		return
	}
	r.busSubscribed[docID] = struct{}{}
}

// ensureAwarenessBusSubscription is the awareness-only entry point into
// the same shared per-document bus subscription as delta fan-in.
func (r *Router) ensureAwarenessBusSubscription(ctx context.Context, docID string) {
	r.ensureBusSubscription(ctx, docID)
}

// handleRemoteAwareness builds the callback Coordinator invokes for
// awareness_update messages received over the bus, fanning them out to
// this instance's local awareness subscribers.
func (r *Router) handleRemoteAwareness(ctx context.Context) func(wire.Message) {
	return func(msg wire.Message) {
		var docID string
		if _, err := msg.Field(fieldDocumentID, &docID); err != nil {
			r.log.WithField("err", err).Warn("router: malformed remote awareness message")
			return
		}
		for _, connID := range r.awareness.Subscribers(docID) {
			if target, ok := r.registry.Get(connID); ok {
				r.sendBestEffort(target, &msg)
			}
		}
	}
}

// Teardown runs the connection-close sequence: scrub subscriptions,
// delete this client's awareness entries, broadcast their departure, and
// remove the connection from the registry. Safe to call
// at most once per connection (conn.Connection.Close already guards
// OnClose to fire exactly once).
func (r *Router) Teardown(c *conn.Connection, reason string) {
	clientID := c.ClientID()
	r.docs.UnsubscribeAll(c.ID())
	affected := r.awareness.RemoveAllForConnection(clientID)
	r.awareness.UnsubscribeAll(c.ID())

	for _, entry := range affected {
		r.broadcastDeparture(entry.DocumentID, clientID, entry.Clock+1)
	}

	userID := ""
	if p := c.Principal(); p != nil {
		userID = p.UserID
	}
	r.registry.Remove(c.ID(), userID)
	r.log.WithFields(logrus.Fields{"connId": c.ID(), "reason": reason}).Info("router: connection torn down")
}

func (r *Router) broadcastDeparture(docID, clientID string, clock uint64) {
	msg := wire.New(wire.TypeAwarenessUpdate, docID+":"+clientID+":leave", nowMillis())
	_ = msg.SetField(fieldDocumentID, docID)
	_ = msg.SetField(fieldClientID, clientID)
	_ = msg.SetField(fieldState, nil)
	_ = msg.SetField(fieldClock, clock)

	for _, connID := range r.awareness.Subscribers(docID) {
		if target, ok := r.registry.Get(connID); ok {
			r.sendBestEffort(target, msg)
		}
	}
}

func (r *Router) send(c *conn.Connection, msg *wire.Message) error {
	if err := c.Send(msg); err != nil {
		return fmt.Errorf("sending %s: %w", msg.Type, err)
	}
	return nil
}

func (r *Router) sendBestEffort(c *conn.Connection, msg *wire.Message) {
	if err := c.Send(msg); err != nil {
		r.log.WithFields(logrus.Fields{"connId": c.ID(), "msgType": msg.Type, "err": err}).Warn("router: send failed")
	}
}

// reject sends an `error` (or `auth_error` for KindAuth with
// CloseConnection) message and returns err only if the connection must
// close, per the taxonomy in errs.
func (r *Router) reject(c *conn.Connection, err error) error {
	se, ok := err.(*errs.Error)
	if !ok {
		se = errs.Internal(false, err, "unclassified error")
	}

	replyType := wire.TypeError
	if se.Kind() == errs.KindAuth && se.CloseConnection() {
		replyType = wire.TypeAuthError
	}
	reply := wire.New(replyType, "", nowMillis())
	_ = reply.SetField(fieldReason, se.Error())
	r.sendBestEffort(c, reply)

	if se.CloseConnection() {
		return se
	}
	return nil
}

func requireDocumentID(msg *wire.Message) (string, error) {
	var docID string
	ok, err := msg.Field(fieldDocumentID, &docID)
	if err != nil {
		return "", errs.Protocol(false, err, "malformed documentId")
	}
	if !ok || docID == "" {
		return "", errs.Protocol(false, nil, "message carries no documentId")
	}
	return docID, nil
}

func syncResponse(replyTo, docID string, state map[string]document.FieldValue, clock vectorclock.Clock, deltas []document.StoredDelta) *wire.Message {
	msg := wire.New(wire.TypeSyncResponse, replyTo, nowMillis())
	_ = msg.SetField(fieldDocumentID, docID)
	_ = msg.SetField(fieldState, encodeState(state))
	_ = msg.SetField(fieldClock, clock)
	if deltas != nil {
		_ = msg.SetField("deltas", encodeDeltas(deltas))
	}
	return msg
}

type fieldStateWire struct {
	Data      json.RawMessage `json:"data,omitempty"`
	Tombstone bool            `json:"tombstone,omitempty"`
}

func encodeState(state map[string]document.FieldValue) map[string]fieldStateWire {
	out := make(map[string]fieldStateWire, len(state))
	for k, v := range state {
		out[k] = fieldStateWire{Data: v.Data, Tombstone: v.Tombstone}
	}
	return out
}

type storedDeltaWire struct {
	ID        string                    `json:"id"`
	ClientID  string                    `json:"clientId"`
	Timestamp int64                     `json:"timestamp"`
	Fields    map[string]fieldStateWire `json:"fields"`
	Clock     vectorclock.Clock         `json:"clock"`
}

func encodeDeltas(deltas []document.StoredDelta) []storedDeltaWire {
	out := make([]storedDeltaWire, len(deltas))
	for i, d := range deltas {
		out[i] = storedDeltaWire{
			ID:        d.ID,
			ClientID:  d.ClientID,
			Timestamp: d.Timestamp,
			Fields:    encodeState(d.Fields),
			Clock:     d.Clock,
		}
	}
	return out
}

func nowMillis() int64 { return time.Now().UnixMilli() }
