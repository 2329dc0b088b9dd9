package document

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/synckit/syncserver/vectorclock"
)

// Persister is the storage collaborator interface. It is external to
// the sync kernel's correctness: failures are logged and never block
// in-memory progress, because the server is memory-authoritative within
// a single process lifetime.
type Persister interface {
	SaveDocument(ctx context.Context, docID string, state map[string]FieldValue) error
	UpdateVectorClock(ctx context.Context, docID, clientID string, value uint64) error
	SaveDelta(ctx context.Context, docID string, delta StoredDelta) error
	GetDocument(ctx context.Context, docID string) (map[string]FieldValue, vectorclock.Clock, bool, error)
	GetDeltasSince(ctx context.Context, docID string, clock vectorclock.Clock) ([]StoredDelta, error)
	Disconnect(ctx context.Context) error
}

// Store owns every Document in memory. "Document store" and "storage
// adapter" are treated as one concept, with the adapter as an optional,
// best-effort collaborator that never gates an in-memory apply.
type Store struct {
	mu        sync.RWMutex
	docs      map[string]*Document
	logLimit  int
	persister Persister
	log       *logrus.Entry
}

// NewStore builds a Store. persister may be nil. logLimit bounds each
// document's delta log (0 = unbounded).
func NewStore(persister Persister, logLimit int, log *logrus.Entry) *Store {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Store{
		docs:      make(map[string]*Document),
		logLimit:  logLimit,
		persister: persister,
		log:       log,
	}
}

// GetOrCreate atomically returns the Document for docID, creating it
// (and best-effort hydrating it from the persister) if absent.
func (s *Store) GetOrCreate(ctx context.Context, docID string) *Document {
	s.mu.RLock()
	doc, ok := s.docs[docID]
	s.mu.RUnlock()
	if ok {
		return doc
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if doc, ok = s.docs[docID]; ok {
		return doc
	}

	doc = newDocument(docID, s.logLimit)
	if s.persister != nil {
		if state, clock, found, err := s.persister.GetDocument(ctx, docID); err != nil {
			s.log.WithFields(logrus.Fields{"docId": docID, "err": err}).Warn("storage: failed to hydrate document")
		} else if found {
			// The narrow Persister interface only round-trips current
			// values, not full per-field (timestamp, clock, clientId)
			// provenance; hydrated cells get the zero triple, so any
			// live write after a restart trivially wins LWW over them.
			for field, fv := range state {
				doc.cells[field] = FieldCell{Value: fv.Data}
			}
			doc.clock = clock
		}
	}
	s.docs[docID] = doc
	return doc
}

// Get returns the Document for docID without creating it.
func (s *Store) Get(docID string) (*Document, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.docs[docID]
	return doc, ok
}

// AdminDelete destroys docID. A Document is otherwise never destroyed;
// this is the only explicit deletion path.
func (s *Store) AdminDelete(docID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.docs, docID)
}

// ApplyWrite is a single-field origination write from a connected client.
func (s *Store) ApplyWrite(ctx context.Context, docID, deltaID, field string, value []byte, clientID string, wallTimestamp int64) (*ApplyResult, error) {
	return s.applyOne(ctx, docID, deltaID, field, Value(value), clientID, wallTimestamp, OriginLive, nil)
}

// ApplyDelete is a single-field origination delete from a connected client.
func (s *Store) ApplyDelete(ctx context.Context, docID, deltaID, field, clientID string, wallTimestamp int64) (*ApplyResult, error) {
	return s.applyOne(ctx, docID, deltaID, field, Tombstone(), clientID, wallTimestamp, OriginLive, nil)
}

func (s *Store) applyOne(ctx context.Context, docID, deltaID, field string, fv FieldValue, clientID string, wallTimestamp int64, origin Origin, clock vectorclock.Clock) (*ApplyResult, error) {
	return s.Apply(ctx, docID, StoredDelta{
		ID:        deltaID,
		ClientID:  clientID,
		Timestamp: wallTimestamp,
		Fields:    map[string]FieldValue{field: fv},
		Clock:     clock,
	}, origin)
}

// Apply runs the delta's fields through LWW on docID and persists
// best-effort. origin distinguishes a freshly originated client write
// (mints new clock counters) from a replay of an already-stamped delta
// (idempotent re-application); see Origin.
func (s *Store) Apply(ctx context.Context, docID string, delta StoredDelta, origin Origin) (*ApplyResult, error) {
	doc := s.GetOrCreate(ctx, docID)
	result := doc.apply(delta, origin)

	if s.persister != nil {
		if err := s.persister.SaveDelta(ctx, docID, delta); err != nil {
			s.log.WithFields(logrus.Fields{"docId": docID, "deltaId": delta.ID, "err": err}).Warn("storage: failed to save delta")
		}
		if err := s.persister.SaveDocument(ctx, docID, doc.State()); err != nil {
			s.log.WithFields(logrus.Fields{"docId": docID, "err": err}).Warn("storage: failed to save document snapshot")
		}
	}
	return result, nil
}

// MergeClock merges other into docID's vector clock (entrywise max).
func (s *Store) MergeClock(ctx context.Context, docID string, other vectorclock.Clock) {
	doc := s.GetOrCreate(ctx, docID)
	doc.mergeClock(other)
}

// DeltasSince returns every StoredDelta on docID not happening-before
// other clock, i.e. everything strictly after plus anything concurrent.
func (s *Store) DeltasSince(ctx context.Context, docID string, other vectorclock.Clock) []StoredDelta {
	doc, ok := s.Get(docID)
	if !ok {
		return nil
	}
	return doc.deltasSince(other)
}

// Subscribe adds connID to docID's local subscriber set, creating the
// document if it does not exist yet (subscribe is a reference point).
func (s *Store) Subscribe(ctx context.Context, docID, connID string) {
	s.GetOrCreate(ctx, docID).Subscribe(connID)
}

// Unsubscribe removes connID from docID's subscriber set, if present.
func (s *Store) Unsubscribe(docID, connID string) {
	if doc, ok := s.Get(docID); ok {
		doc.Unsubscribe(connID)
	}
}

// UnsubscribeAll removes connID from every document's subscriber set.
// Used on connection teardown.
func (s *Store) UnsubscribeAll(connID string) {
	s.mu.RLock()
	docs := make([]*Document, 0, len(s.docs))
	for _, d := range s.docs {
		docs = append(docs, d)
	}
	s.mu.RUnlock()

	for _, doc := range docs {
		doc.Unsubscribe(connID)
	}
}

// Subscribers returns a snapshot of docID's local subscriber connection
// ids, or nil if the document does not exist.
func (s *Store) Subscribers(docID string) []string {
	doc, ok := s.Get(docID)
	if !ok {
		return nil
	}
	return doc.Subscribers()
}

// Snapshot returns docID's live state and current vector clock, creating
// the document if absent.
func (s *Store) Snapshot(ctx context.Context, docID string) (map[string]FieldValue, vectorclock.Clock) {
	doc := s.GetOrCreate(ctx, docID)
	return doc.State(), doc.Clock()
}
