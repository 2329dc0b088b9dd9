package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/synckit/syncserver/document"
	"github.com/synckit/syncserver/storage"
	"github.com/synckit/syncserver/vectorclock"
)

// persister is the subset of document.Persister every adapter under test
// must satisfy; asserting it here keeps the table below adapter-agnostic.
type persister interface {
	SaveDocument(ctx context.Context, docID string, state map[string]document.FieldValue) error
	UpdateVectorClock(ctx context.Context, docID, clientID string, value uint64) error
	SaveDelta(ctx context.Context, docID string, delta document.StoredDelta) error
	GetDocument(ctx context.Context, docID string) (map[string]document.FieldValue, vectorclock.Clock, bool, error)
	GetDeltasSince(ctx context.Context, docID string, clock vectorclock.Clock) ([]document.StoredDelta, error)
	Disconnect(ctx context.Context) error
}

func adapters(t *testing.T) map[string]persister {
	sqlite, err := storage.OpenSQLite("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { sqlite.Disconnect(context.Background()) })

	return map[string]persister{
		"Memory": storage.NewMemory(),
		"SQLite": sqlite,
	}
}

func TestSaveThenGetDocumentRoundTrips(t *testing.T) {
	for name, p := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			state := map[string]document.FieldValue{
				"title": {Data: []byte(`"hello"`)},
			}
			require.NoError(t, p.SaveDocument(ctx, "doc-1", state))
			require.NoError(t, p.UpdateVectorClock(ctx, "doc-1", "A", 3))

			got, clock, ok, err := p.GetDocument(ctx, "doc-1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, `"hello"`, string(got["title"].Data))
			require.Equal(t, uint64(3), clock.Get("A"))
		})
	}
}

func TestGetDocumentMissingReturnsNotOK(t *testing.T) {
	for name, p := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			_, _, ok, err := p.GetDocument(context.Background(), "nope")
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestSaveDeltaThenGetDeltasSinceExcludesAlreadySeen(t *testing.T) {
	for name, p := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seenClock := vectorclock.Clock{"A": 1}
			newerClock := vectorclock.Clock{"A": 2}

			require.NoError(t, p.SaveDelta(ctx, "doc-1", document.StoredDelta{
				ID: "d1", ClientID: "A", Timestamp: 1000, Clock: seenClock,
				Fields: map[string]document.FieldValue{"title": {Data: []byte(`"v1"`)}},
			}))
			require.NoError(t, p.SaveDelta(ctx, "doc-1", document.StoredDelta{
				ID: "d2", ClientID: "A", Timestamp: 2000, Clock: newerClock,
				Fields: map[string]document.FieldValue{"title": {Data: []byte(`"v2"`)}},
			}))

			out, err := p.GetDeltasSince(ctx, "doc-1", seenClock)
			require.NoError(t, err)
			require.Len(t, out, 1)
			require.Equal(t, "d2", out[0].ID)
		})
	}
}

func TestSaveDocumentUpsertsOnConflict(t *testing.T) {
	for name, p := range adapters(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, p.SaveDocument(ctx, "doc-1", map[string]document.FieldValue{
				"title": {Data: []byte(`"v1"`)},
			}))
			require.NoError(t, p.SaveDocument(ctx, "doc-1", map[string]document.FieldValue{
				"title": {Data: []byte(`"v2"`)},
			}))

			got, _, ok, err := p.GetDocument(ctx, "doc-1")
			require.NoError(t, err)
			require.True(t, ok)
			require.Equal(t, `"v2"`, string(got["title"].Data))
		})
	}
}
