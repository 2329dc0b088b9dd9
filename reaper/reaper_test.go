package reaper_test

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

	"github.com/synckit/syncserver/awareness"
	"github.com/synckit/syncserver/conn"
	"github.com/synckit/syncserver/reaper"
	"github.com/synckit/syncserver/registry"
	"github.com/synckit/syncserver/wire"
)

func dialSubscriber(t *testing.T, reg *registry.Registry, connID string) (*gorillaws.Conn, func()) {
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

func TestSweepBroadcastsNullStateOnExpiry(t *testing.T) {
	store := awareness.NewStore(10 * time.Millisecond)
	reg := registry.New(0)

	dial, closeSrv := dialSubscriber(t, reg, "sub-1")
	defer closeSrv()
	store.Subscribe("doc-1", "sub-1")

	now := time.Now()
	require.True(t, store.Set("doc-1", "A", []byte(`{"cursor":1}`), 1, now))

	r := reaper.New(store, reg, 5*time.Millisecond, nil, nil)
	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	dial.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := dial.ReadMessage()
	require.NoError(t, err)

	var got wire.Message
	require.NoError(t, json.Unmarshal(data, &got))
	require.Equal(t, wire.TypeAwarenessUpdate, got.Type)

	var clientID string
	ok, err := got.Field("clientId", &clientID)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "A", clientID)

	var clock uint64
	ok, err = got.Field("clock", &clock)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, uint64(2), clock)

	_, stillActive := store.Get("doc-1", "A", time.Now())
	require.False(t, stillActive)
}

func TestSweepIsNoOpWhenNothingExpired(t *testing.T) {
	store := awareness.NewStore(time.Hour)
	reg := registry.New(0)
	r := reaper.New(store, reg, time.Hour, nil, nil)

	dial, closeSrv := dialSubscriber(t, reg, "sub-1")
	defer closeSrv()
	store.Subscribe("doc-1", "sub-1")
	store.Set("doc-1", "A", []byte(`{}`), 1, time.Now())

	ctx, cancel := context.WithCancel(context.Background())
	go r.Run(ctx)
	defer cancel()

	dial.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	_, _, err := dial.ReadMessage()
	require.Error(t, err, "no expiry yet, nothing should be sent")
}
