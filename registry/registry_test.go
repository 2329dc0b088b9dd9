package registry

import (
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/synckit/syncserver/conn"
)

func fakeConnection(id string) *conn.Connection {
	return conn.New(id, &websocket.Conn{}, 0, 0, nil, nil)
}

func TestAddAndGet(t *testing.T) {
	r := New(0)
	c := fakeConnection("c1")
	require.NoError(t, r.Add(c))

	got, ok := r.Get("c1")
	require.True(t, ok)
	require.Same(t, c, got)
}

func TestCapacityEnforced(t *testing.T) {
	r := New(1)
	require.NoError(t, r.Add(fakeConnection("c1")))
	require.ErrorIs(t, r.Add(fakeConnection("c2")), ErrAtCapacity)
	require.Equal(t, 1, r.Len())
}

func TestIndexByUserAndRemove(t *testing.T) {
	r := New(0)
	c := fakeConnection("c1")
	require.NoError(t, r.Add(c))
	r.IndexByUser("alice", c)

	require.Len(t, r.ByUser("alice"), 1)

	r.Remove("c1", "alice")
	require.Len(t, r.ByUser("alice"), 0)
	_, ok := r.Get("c1")
	require.False(t, ok)
}

func TestAllReturnsSnapshot(t *testing.T) {
	r := New(0)
	require.NoError(t, r.Add(fakeConnection("c1")))
	require.NoError(t, r.Add(fakeConnection("c2")))
	require.Len(t, r.All(), 2)
}
