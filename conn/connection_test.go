package conn

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/synckit/syncserver/wire"
)

func startEchoServer(t *testing.T, onConn func(*Connection)) (addr string, closeSrv func()) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		c := New("srv-1", ws, 50*time.Millisecond, 200*time.Millisecond, nil, nil)
		go c.WritePump()
		onConn(c)
		go c.ReadLoop(func(msg *wire.Message) error {
			return c.Send(msg)
		})
	}))
	return strings.TrimPrefix(srv.URL, "http://"), srv.Close
}

func TestConnectionPinsTextFramingAndEchoes(t *testing.T) {
	addr, closeSrv := startEchoServer(t, func(*Connection) {})
	defer closeSrv()

	dial, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	defer dial.Close()

	msg := wire.New(wire.TypePing, "m1", 1)
	payload, err := wire.EncodeText(msg)
	require.NoError(t, err)
	require.NoError(t, dial.WriteMessage(websocket.TextMessage, payload))

	_, reply, err := dial.ReadMessage()
	require.NoError(t, err)

	var got wire.Message
	require.NoError(t, json.Unmarshal(reply, &got))
	require.Equal(t, wire.TypePing, got.Type)
	require.Equal(t, "m1", got.ID)
}

func TestConnectionClosesOnceAndRunsOnClose(t *testing.T) {
	closed := make(chan string, 4)
	addr, closeSrv := startEchoServer(t, func(c *Connection) {
		c.OnClose = func(_ *Connection, reason string) {
			closed <- reason
		}
	})
	defer closeSrv()

	dial, _, err := websocket.DefaultDialer.Dial("ws://"+addr+"/ws", nil)
	require.NoError(t, err)
	require.NoError(t, dial.Close())

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("OnClose was never invoked")
	}

	// A second OnClose delivery would indicate Close ran more than once.
	select {
	case reason := <-closed:
		t.Fatalf("Close ran twice, second reason: %q", reason)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscriptionBookkeeping(t *testing.T) {
	c := &Connection{subscribedDocs: make(map[string]struct{}), awareDocs: make(map[string]struct{})}
	c.AddSubscription("doc-1")
	require.True(t, c.IsSubscribed("doc-1"))
	require.ElementsMatch(t, []string{"doc-1"}, c.SubscribedDocs())

	c.RemoveSubscription("doc-1")
	require.False(t, c.IsSubscribed("doc-1"))
}

func TestResolveClientIDIsSticky(t *testing.T) {
	c := &Connection{id: "conn-1"}
	require.Equal(t, "conn-1", c.ClientID())

	c.ResolveClientID("alice")
	require.Equal(t, "alice", c.ClientID())

	c.ResolveClientID("bob")
	require.Equal(t, "alice", c.ClientID())
}
