package syncer

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/synckit/syncserver/conn"
	"github.com/synckit/syncserver/document"
	"github.com/synckit/syncserver/pubsub"
	"github.com/synckit/syncserver/registry"
	"github.com/synckit/syncserver/wire"
)

// subscriberHarness spins up one real websocket connection, registered in
// reg under connID, with its framing pre-pinned so Coordinator can send to
// it without a full read loop running.
func subscriberHarness(t *testing.T, reg *registry.Registry, connID string) (dial *gorillaws.Conn, closeSrv func()) {
	upgrader := gorillaws.Upgrader{}
	ready := make(chan *conn.Connection, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := conn.New(connID, ws, time.Hour, time.Hour, nil, nil)
		c.PinFraming(wire.FramingText)
		ready <- c
	}))

	addr := strings.TrimPrefix(srv.URL, "http://")
	dial, _, err := gorillaws.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)

	c := <-ready
	go c.WritePump()
	require.NoError(t, reg.Add(c))
	return dial, srv.Close
}

func fakeWriter(id, clientID string) *conn.Connection {
	c := conn.New(id, &gorillaws.Conn{}, 0, 0, nil, nil)
	c.ResolveClientID(clientID)
	return c
}

func deltaMessage(t *testing.T, id string, ts int64, fields map[string]any) *wire.Message {
	msg := wire.New(wire.TypeDelta, id, ts)
	payload := make(map[string]json.RawMessage, len(fields))
	for name, v := range fields {
		raw, err := json.Marshal(v)
		require.NoError(t, err)
		payload[name] = raw
	}
	require.NoError(t, msg.SetField("fields", payload))
	return msg
}

func TestApplyDeltaAcksWriterImmediately(t *testing.T) {
	store := document.NewStore(nil, 0, nil)
	reg := registry.New(0)
	coord := New(store, nil, reg, 20*time.Millisecond, time.Second, 3, nil, nil)

	writer := fakeWriter("w1", "alice")
	msg := deltaMessage(t, "d1", 1000, map[string]any{"title": map[string]any{"data": "hello"}})

	ack, err := coord.ApplyDelta(context.Background(), writer, "doc-1", msg)
	require.NoError(t, err)
	require.Equal(t, wire.TypeAck, ack.Type)
	require.Equal(t, "d1", ack.ID)
	require.True(t, writer.IsSubscribed("doc-1"), "auto-subscribe-on-delta")
}

// TestApplyDeltaAcceptsFieldShapedPayload exercises seed scenario 1's
// exact wire shape: delta {field="title", value="Hello"} rather than
// this server's own object-shaped "fields" extension.
func TestApplyDeltaAcceptsFieldShapedPayload(t *testing.T) {
	store := document.NewStore(nil, 0, nil)
	reg := registry.New(0)
	coord := New(store, nil, reg, 20*time.Millisecond, time.Second, 3, nil, nil)

	writer := fakeWriter("w1", "A")
	msg := wire.New(wire.TypeDelta, "d1", 1000)
	require.NoError(t, msg.SetField("field", "title"))
	require.NoError(t, msg.SetField("value", "Hello"))

	ack, err := coord.ApplyDelta(context.Background(), writer, "doc-1", msg)
	require.NoError(t, err)
	require.Equal(t, wire.TypeAck, ack.Type)

	state, clock := store.Snapshot(context.Background(), "doc-1")
	require.Equal(t, `"Hello"`, string(state["title"].Data))
	require.Equal(t, uint64(1), clock.Get("A"))
}

// TestApplyDeltaAcceptsObjectShapedDeltaPayload exercises the
// object-shaped "delta" payload (name -> bare JSON value, null deletes).
func TestApplyDeltaAcceptsObjectShapedDeltaPayload(t *testing.T) {
	store := document.NewStore(nil, 0, nil)
	reg := registry.New(0)
	coord := New(store, nil, reg, 20*time.Millisecond, time.Second, 3, nil, nil)

	writer := fakeWriter("w1", "A")
	msg := wire.New(wire.TypeDelta, "d1", 1000)
	require.NoError(t, msg.SetField("delta", map[string]any{
		"title":   "Hello",
		"deleted": nil,
	}))

	_, err := coord.ApplyDelta(context.Background(), writer, "doc-1", msg)
	require.NoError(t, err)

	state, _ := store.Snapshot(context.Background(), "doc-1")
	require.Equal(t, `"Hello"`, string(state["title"].Data))
	_, present := state["deleted"]
	require.False(t, present, "a null value in the delta object tombstones the field")
}

func TestApplyDeltaRejectsPayloadWithNoRecognizedShape(t *testing.T) {
	store := document.NewStore(nil, 0, nil)
	reg := registry.New(0)
	coord := New(store, nil, reg, 20*time.Millisecond, time.Second, 3, nil, nil)

	writer := fakeWriter("w1", "A")
	msg := wire.New(wire.TypeDelta, "d1", 1000)

	_, err := coord.ApplyDelta(context.Background(), writer, "doc-1", msg)
	require.Error(t, err)
}

func TestApplyDeltaFlushesBatchToOtherSubscribers(t *testing.T) {
	store := document.NewStore(nil, 0, nil)
	reg := registry.New(0)
	coord := New(store, nil, reg, 20*time.Millisecond, time.Second, 3, nil, nil)

	dial, closeSrv := subscriberHarness(t, reg, "sub-1")
	defer closeSrv()
	store.Subscribe(context.Background(), "doc-1", "sub-1")

	writer := fakeWriter("w1", "alice")
	msg := deltaMessage(t, "d1", 1000, map[string]any{"title": map[string]any{"data": "hello"}})
	_, err := coord.ApplyDelta(context.Background(), writer, "doc-1", msg)
	require.NoError(t, err)

	dial.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := dial.ReadMessage()
	require.NoError(t, err)

	var got wire.Message
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, wire.TypeDelta, got.Type)
}

func TestApplyDeltaDoesNotEchoToWriter(t *testing.T) {
	store := document.NewStore(nil, 0, nil)
	reg := registry.New(0)
	coord := New(store, nil, reg, 10*time.Millisecond, time.Second, 3, nil, nil)

	dial, closeSrv := subscriberHarness(t, reg, "w1")
	defer closeSrv()
	store.Subscribe(context.Background(), "doc-1", "w1")

	writer := fakeWriter("w1", "alice")
	msg := deltaMessage(t, "d1", 1000, map[string]any{"title": map[string]any{"data": "hello"}})
	_, err := coord.ApplyDelta(context.Background(), writer, "doc-1", msg)
	require.NoError(t, err)

	dial.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	_, _, err = dial.ReadMessage()
	require.Error(t, err, "writer's own connection id must not receive its own batch")
}

func TestHandleAckStopsRetries(t *testing.T) {
	store := document.NewStore(nil, 0, nil)
	reg := registry.New(0)
	coord := New(store, nil, reg, 5*time.Millisecond, 30*time.Millisecond, 2, nil, nil)

	dial, closeSrv := subscriberHarness(t, reg, "sub-1")
	defer closeSrv()
	store.Subscribe(context.Background(), "doc-1", "sub-1")

	writer := fakeWriter("w1", "alice")
	msg := deltaMessage(t, "d1", 1000, map[string]any{"title": map[string]any{"data": "hello"}})
	_, err := coord.ApplyDelta(context.Background(), writer, "doc-1", msg)
	require.NoError(t, err)

	dial.SetReadDeadline(time.Now().Add(time.Second))
	_, data, err := dial.ReadMessage()
	require.NoError(t, err)
	var got wire.Message
	require.NoError(t, json.Unmarshal(data, &got))

	coord.HandleAck("sub-1", got.ID)

	// No retry should arrive now that the ack was handled.
	dial.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err = dial.ReadMessage()
	require.Error(t, err)
}

func TestSubscribeBusAppliesRemoteFieldsWithOriginalProvenance(t *testing.T) {
	store := document.NewStore(nil, 0, nil)
	reg := registry.New(0)
	bus := pubsub.NewMemory()
	coord := New(store, bus, reg, 10*time.Millisecond, time.Second, 3, nil, nil)

	require.NoError(t, coord.SubscribeBus(context.Background(), "doc-1"))

	msg := wire.New(wire.TypeDelta, "remote-1", 5000)
	require.NoError(t, msg.SetField("fields", map[string]deltaFieldWire{
		"title": {Data: json.RawMessage(`"from peer"`), ClientID: "bob", Timestamp: 5000},
	}))
	require.NoError(t, msg.SetField("clock", map[string]uint64{"bob": 1}))

	require.NoError(t, bus.PublishDelta(context.Background(), "doc-1", *msg))

	state, clock := store.Snapshot(context.Background(), "doc-1")
	require.Equal(t, `"from peer"`, string(state["title"].Data))
	require.Equal(t, uint64(1), clock.Get("bob"))
}
