// Package syncer implements delta apply orchestration: applying an
// inbound delta through the document store, acknowledging the writer
// immediately, and fanning the result out to every other local
// subscriber (and, via the PubSubBus, every other instance) on a
// coalescing batch window. The timer/retry shape follows a
// write-deadline idiom seen in go/ingest/ws_api.go.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/synckit/syncserver/conn"
	"github.com/synckit/syncserver/document"
	"github.com/synckit/syncserver/metrics"
	"github.com/synckit/syncserver/pubsub"
	"github.com/synckit/syncserver/registry"
	"github.com/synckit/syncserver/vectorclock"
	"github.com/synckit/syncserver/wire"
)

const (
	fieldFields     = "fields"
	fieldDeltaObj   = "delta"
	fieldFieldName  = "field"
	fieldFieldValue = "value"
	fieldClock      = "clock"
)

// deltaFieldWire is the wire representation of one field's occupant
// after LWW: the value, and the (clientId, timestamp) half of the LWW
// triple it won with. The clock half travels separately as the overall
// document vector clock (fieldClock), since Origin-replay looks up a
// field's counter from its writer's entry in that clock.
type deltaFieldWire struct {
	Data      json.RawMessage `json:"data,omitempty"`
	Tombstone bool            `json:"tombstone,omitempty"`
	ClientID  string          `json:"clientId"`
	Timestamp int64           `json:"timestamp"`
}

type fieldRecord struct {
	value     document.FieldValue
	clientID  string
	timestamp int64
}

func decodeFields(msg *wire.Message) (map[string]fieldRecord, error) {
	var raw map[string]deltaFieldWire
	ok, err := msg.Field(fieldFields, &raw)
	if err != nil {
		return nil, fmt.Errorf("decoding delta fields: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("delta message carries no %q field", fieldFields)
	}
	out := make(map[string]fieldRecord, len(raw))
	for k, v := range raw {
		out[k] = fieldRecord{
			value:     document.FieldValue{Data: v.Data, Tombstone: v.Tombstone},
			clientID:  v.ClientID,
			timestamp: v.Timestamp,
		}
	}
	return out, nil
}

func encodeFields(fields map[string]fieldRecord) map[string]deltaFieldWire {
	out := make(map[string]deltaFieldWire, len(fields))
	for k, v := range fields {
		out[k] = deltaFieldWire{
			Data:      v.value.Data,
			Tombstone: v.value.Tombstone,
			ClientID:  v.clientID,
			Timestamp: v.timestamp,
		}
	}
	return out
}

// pendingBatch coalesces the fields applied to one document within a
// single batch window before fan-out. Each field carries its own
// writer's clientID/timestamp, since concurrent writers can contribute
// to the same batch window.
type pendingBatch struct {
	fields  map[string]fieldRecord
	clock   vectorclock.Clock
	exclude map[string]struct{} // writer connection ids, never echoed their own batch
	timer   *time.Timer
}

type ackKey struct {
	connID string
	msgID  string
}

type pendingAck struct {
	attempts int
	timer    *time.Timer
}

// Coordinator orchestrates delta apply, ack, batching, and cross-instance
// fan-out for every document.
type Coordinator struct {
	store    *document.Store
	bus      pubsub.Bus
	registry *registry.Registry
	mt       *metrics.Collectors
	log      *logrus.Entry

	batchWindow    time.Duration
	ackTimeout     time.Duration
	maxAckAttempts int

	mu      sync.Mutex
	batches map[string]*pendingBatch
	acks    map[ackKey]*pendingAck

	// awarenessHandler, when set, receives awareness_update messages that
	// arrive on a document's shared bus subscription. etcd's Bus
	// implementation watches one document's delta and awareness channels
	// under a single per-docID subscription, so the router's awareness
	// fan-in rides the same SubscribeBus call as delta fan-in rather than
	// opening a second one that would never see events.
	awarenessHandler func(wire.Message)
}

// New builds a Coordinator. bus may be nil for a single-instance
// deployment with no cross-instance fan-out.
func New(store *document.Store, bus pubsub.Bus, reg *registry.Registry, batchWindow, ackTimeout time.Duration, maxAckAttempts int, mt *metrics.Collectors, log *logrus.Entry) *Coordinator {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Coordinator{
		store:          store,
		bus:            bus,
		registry:       reg,
		mt:             mt,
		log:            log,
		batchWindow:    batchWindow,
		ackTimeout:     ackTimeout,
		maxAckAttempts: maxAckAttempts,
		batches:        make(map[string]*pendingBatch),
		acks:           make(map[ackKey]*pendingAck),
	}
}

// ApplyDelta decodes msg as a delta, applies it through LWW, and returns
// the ack message the caller must send back to the writer. Fan-out to
// other subscribers happens asynchronously on the batch window.
func (c *Coordinator) ApplyDelta(ctx context.Context, writer *conn.Connection, docID string, msg *wire.Message) (*wire.Message, error) {
	fields, err := decodeIncomingFields(msg)
	if err != nil {
		return nil, err
	}

	// Auto-subscribe-on-delta (SPEC_FULL.md Open Question #5): a writer
	// not yet subscribed is added before fan-out is computed, so it
	// receives later deltas for the document it just wrote to.
	if !writer.IsSubscribed(docID) {
		c.store.Subscribe(ctx, docID, writer.ID())
		writer.AddSubscription(docID)
	}

	clientID := writer.ClientID()
	start := time.Now()
	result, err := c.store.Apply(ctx, docID, document.StoredDelta{
		ID:        msg.ID,
		ClientID:  clientID,
		Timestamp: msg.Timestamp,
		Fields:    fields,
	}, document.OriginLive)
	if err != nil {
		return nil, fmt.Errorf("applying delta: %w", err)
	}
	if c.mt != nil {
		c.mt.DeltaApplyLatency.Observe(time.Since(start).Seconds())
	}

	records := make(map[string]fieldRecord, len(result.Values))
	for field, v := range result.Values {
		records[field] = fieldRecord{value: v, clientID: clientID, timestamp: msg.Timestamp}
	}
	c.enqueueBatch(docID, writer.ID(), records, result.Clock)

	ack := wire.New(wire.TypeAck, msg.ID, msg.Timestamp)
	if err := ack.SetField(fieldClock, result.Clock); err != nil {
		return nil, fmt.Errorf("encoding ack: %w", err)
	}
	return ack, nil
}

// fieldValueFromRaw interprets a bare JSON value as a delta field: a
// literal JSON null is a tombstone (delete), matching the same
// null-means-absent convention awareness uses for a "leave".
func fieldValueFromRaw(raw json.RawMessage) document.FieldValue {
	if string(raw) == "null" {
		return document.FieldValue{Tombstone: true}
	}
	return document.FieldValue{Data: raw}
}

// decodeIncomingFields parses a freshly-received client delta. Per
// SPEC_FULL.md §6 the server accepts three equivalent shapes for a
// delta body: the object-shaped `fields` map (name -> {data,tombstone},
// this server's own wire extension), the object-shaped `delta` map
// (name -> bare JSON value, null for delete), and the degenerate
// single-field `field`+`value` form. The clientId/timestamp for every
// field come from the connection and the message envelope, not from a
// per-field record.
func decodeIncomingFields(msg *wire.Message) (map[string]document.FieldValue, error) {
	if msg.HasField(fieldFields) {
		var raw map[string]json.RawMessage
		if _, err := msg.Field(fieldFields, &raw); err != nil {
			return nil, fmt.Errorf("decoding delta fields: %w", err)
		}
		out := make(map[string]document.FieldValue, len(raw))
		for name, data := range raw {
			var fv struct {
				Data      json.RawMessage `json:"data,omitempty"`
				Tombstone bool            `json:"tombstone,omitempty"`
			}
			if err := json.Unmarshal(data, &fv); err != nil {
				return nil, fmt.Errorf("decoding field %q: %w", name, err)
			}
			out[name] = document.FieldValue{Data: fv.Data, Tombstone: fv.Tombstone}
		}
		return out, nil
	}

	if msg.HasField(fieldDeltaObj) {
		var raw map[string]json.RawMessage
		if _, err := msg.Field(fieldDeltaObj, &raw); err != nil {
			return nil, fmt.Errorf("decoding delta object: %w", err)
		}
		out := make(map[string]document.FieldValue, len(raw))
		for name, data := range raw {
			out[name] = fieldValueFromRaw(data)
		}
		return out, nil
	}

	if msg.HasField(fieldFieldName) {
		var name string
		if _, err := msg.Field(fieldFieldName, &name); err != nil {
			return nil, fmt.Errorf("decoding %q: %w", fieldFieldName, err)
		}
		var raw json.RawMessage
		ok, err := msg.Field(fieldFieldValue, &raw)
		if err != nil {
			return nil, fmt.Errorf("decoding %q: %w", fieldFieldValue, err)
		}
		if !ok {
			return nil, fmt.Errorf("delta message carries %q but no %q", fieldFieldName, fieldFieldValue)
		}
		return map[string]document.FieldValue{name: fieldValueFromRaw(raw)}, nil
	}

	return nil, fmt.Errorf("delta message carries none of %q, %q, or %q+%q",
		fieldFields, fieldDeltaObj, fieldFieldName, fieldFieldValue)
}

// enqueueBatch folds fields into docID's pending batch, arming the flush
// timer on the batch's first field since the last flush.
func (c *Coordinator) enqueueBatch(docID, writerConnID string, fields map[string]fieldRecord, clock vectorclock.Clock) {
	c.mu.Lock()
	defer c.mu.Unlock()

	b, ok := c.batches[docID]
	if !ok {
		b = &pendingBatch{
			fields:  make(map[string]fieldRecord),
			exclude: make(map[string]struct{}),
		}
		c.batches[docID] = b
		b.timer = time.AfterFunc(c.batchWindow, func() { c.flushBatch(docID) })
	}
	for field, v := range fields {
		b.fields[field] = v
	}
	b.exclude[writerConnID] = struct{}{}
	b.clock = clock
}

func (c *Coordinator) flushBatch(docID string) {
	c.mu.Lock()
	b, ok := c.batches[docID]
	if ok {
		delete(c.batches, docID)
	}
	c.mu.Unlock()
	if !ok || len(b.fields) == 0 {
		return
	}
	if c.mt != nil {
		c.mt.BatchFlushSize.Observe(float64(len(b.fields)))
	}

	msg := wire.New(wire.TypeDelta, uuid.NewString(), time.Now().UnixMilli())
	if err := msg.SetField(fieldFields, encodeFields(b.fields)); err != nil {
		c.log.WithField("err", err).Warn("syncer: failed to encode batch fan-out")
		return
	}
	if err := msg.SetField(fieldClock, b.clock); err != nil {
		c.log.WithField("err", err).Warn("syncer: failed to encode batch clock")
		return
	}

	for _, connID := range c.store.Subscribers(docID) {
		if _, excluded := b.exclude[connID]; excluded {
			continue
		}
		c.sendWithAck(connID, msg)
	}

	if c.bus != nil {
		if err := c.bus.PublishDelta(context.Background(), docID, *msg); err != nil {
			c.log.WithFields(logrus.Fields{"docId": docID, "err": err}).Warn("syncer: pubsub publish failed")
		}
	}
}

// sendWithAck sends msg to connID and schedules retries until it is
// acknowledged (HandleAck) or maxAckAttempts is exhausted.
func (c *Coordinator) sendWithAck(connID string, msg *wire.Message) {
	target, ok := c.registry.Get(connID)
	if !ok {
		return
	}
	if err := target.Send(msg); err != nil {
		c.log.WithFields(logrus.Fields{"connId": connID, "err": err}).Warn("syncer: send failed")
		return
	}

	key := ackKey{connID: connID, msgID: msg.ID}
	c.mu.Lock()
	c.acks[key] = &pendingAck{
		attempts: 1,
		timer:    time.AfterFunc(c.ackTimeout, func() { c.retryAck(key, msg) }),
	}
	c.mu.Unlock()
}

func (c *Coordinator) retryAck(key ackKey, msg *wire.Message) {
	c.mu.Lock()
	pending, ok := c.acks[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	firstTimeout := pending.attempts == 1
	if pending.attempts >= c.maxAckAttempts {
		delete(c.acks, key)
		c.mu.Unlock()
		if c.mt != nil {
			if firstTimeout {
				c.mt.AckTimeouts.Inc()
			}
			c.mt.AckGivenUp.Inc()
		}
		c.log.WithFields(logrus.Fields{"connId": key.connID, "msgId": key.msgID}).Warn("syncer: ack retries exhausted, giving up")
		return
	}
	pending.attempts++
	pending.timer = time.AfterFunc(c.ackTimeout, func() { c.retryAck(key, msg) })
	c.mu.Unlock()

	if c.mt != nil {
		c.mt.AckRetries.Inc()
		if firstTimeout {
			c.mt.AckTimeouts.Inc()
		}
	}
	target, ok := c.registry.Get(key.connID)
	if !ok {
		c.mu.Lock()
		delete(c.acks, key)
		c.mu.Unlock()
		return
	}
	if err := target.Send(msg); err != nil {
		c.log.WithFields(logrus.Fields{"connId": key.connID, "err": err}).Warn("syncer: ack retry send failed")
	}
}

// SetAwarenessHandler registers the callback invoked for awareness_update
// messages arriving over the bus subscription. Must be called before
// SubscribeBus for the document in question.
func (c *Coordinator) SetAwarenessHandler(fn func(wire.Message)) {
	c.mu.Lock()
	c.awarenessHandler = fn
	c.mu.Unlock()
}

// HandleAck clears a pending fan-out ack for (connID, msgID), stopping
// further retries.
func (c *Coordinator) HandleAck(connID, msgID string) {
	key := ackKey{connID: connID, msgID: msgID}
	c.mu.Lock()
	defer c.mu.Unlock()
	if pending, ok := c.acks[key]; ok {
		pending.timer.Stop()
		delete(c.acks, key)
	}
}

// SubscribeBus wires the PubSubBus subscription for docID, so deltas
// published by other instances are folded into this document's state.
// Each field is replayed as its own single-field StoredDelta stamped
// with its original writer's clientId/timestamp and the batch's overall
// vector clock (OriginReplay: the store looks up each field writer's
// counter from that clock rather than minting a new one), then fanned
// out locally to every subscriber.
func (c *Coordinator) SubscribeBus(ctx context.Context, docID string) error {
	if c.bus == nil {
		return nil
	}
	return c.bus.Subscribe(ctx, docID, func(msg wire.Message) {
		if msg.Type == wire.TypeAwarenessUpdate {
			c.mu.Lock()
			handler := c.awarenessHandler
			c.mu.Unlock()
			if handler != nil {
				handler(msg)
			}
			return
		}

		fields, err := decodeFields(&msg)
		if err != nil {
			c.log.WithField("err", err).Warn("syncer: malformed remote delta")
			return
		}
		var clock vectorclock.Clock
		if _, err := msg.Field(fieldClock, &clock); err != nil {
			c.log.WithField("err", err).Warn("syncer: malformed remote delta clock")
			return
		}
		for field, rec := range fields {
			if _, err := c.store.Apply(ctx, docID, document.StoredDelta{
				ID:        msg.ID + ":" + field,
				ClientID:  rec.clientID,
				Timestamp: rec.timestamp,
				Fields:    map[string]document.FieldValue{field: rec.value},
				Clock:     clock,
			}, document.OriginReplay); err != nil {
				c.log.WithFields(logrus.Fields{"field": field, "err": err}).Warn("syncer: applying remote delta failed")
			}
		}
		for _, connID := range c.store.Subscribers(docID) {
			if target, ok := c.registry.Get(connID); ok {
				if err := target.Send(&msg); err != nil {
					c.log.WithFields(logrus.Fields{"connId": connID, "err": err}).Warn("syncer: remote fan-out send failed")
				}
			}
		}
	})
}
