package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/synckit/syncserver/document"
	"github.com/synckit/syncserver/vectorclock"
)

// SQLite is a database/sql-backed Persister over mattn/go-sqlite3. It
// uses three tables: documents (latest live state snapshot per
// document), vector_clocks (per-client counters per document), and
// deltas (the append-only delta log), matching SPEC_FULL.md §4.11.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if necessary) a SQLite-backed Persister at
// dsn, e.g. "file:synckit.db?cache=shared".
func OpenSQLite(dsn string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening sqlite database: %w", err)
	}
	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_id TEXT PRIMARY KEY,
	state_json BLOB NOT NULL
);
CREATE TABLE IF NOT EXISTS vector_clocks (
	doc_id TEXT NOT NULL,
	client_id TEXT NOT NULL,
	value INTEGER NOT NULL,
	PRIMARY KEY (doc_id, client_id)
);
CREATE TABLE IF NOT EXISTS deltas (
	doc_id TEXT NOT NULL,
	delta_id TEXT NOT NULL,
	payload_json BLOB NOT NULL,
	PRIMARY KEY (doc_id, delta_id)
);
`
	_, err := s.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return nil
}

type fieldValueJSON struct {
	Data      json.RawMessage `json:"data,omitempty"`
	Tombstone bool            `json:"tombstone,omitempty"`
}

func toJSONState(state map[string]document.FieldValue) map[string]fieldValueJSON {
	out := make(map[string]fieldValueJSON, len(state))
	for k, v := range state {
		out[k] = fieldValueJSON{Data: v.Data, Tombstone: v.Tombstone}
	}
	return out
}

func fromJSONState(raw map[string]fieldValueJSON) map[string]document.FieldValue {
	out := make(map[string]document.FieldValue, len(raw))
	for k, v := range raw {
		out[k] = document.FieldValue{Data: v.Data, Tombstone: v.Tombstone}
	}
	return out
}

type storedDeltaJSON struct {
	ID        string                    `json:"id"`
	ClientID  string                    `json:"clientId"`
	Timestamp int64                     `json:"timestamp"`
	Fields    map[string]fieldValueJSON `json:"fields"`
	Clock     vectorclock.Clock         `json:"clock"`
}

func (s *SQLite) SaveDocument(ctx context.Context, docID string, state map[string]document.FieldValue) error {
	data, err := json.Marshal(toJSONState(state))
	if err != nil {
		return fmt.Errorf("marshaling document state: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (doc_id, state_json) VALUES (?, ?)
		 ON CONFLICT(doc_id) DO UPDATE SET state_json = excluded.state_json`,
		docID, data)
	return err
}

func (s *SQLite) UpdateVectorClock(ctx context.Context, docID, clientID string, value uint64) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO vector_clocks (doc_id, client_id, value) VALUES (?, ?, ?)
		 ON CONFLICT(doc_id, client_id) DO UPDATE SET value = excluded.value`,
		docID, clientID, value)
	return err
}

func (s *SQLite) SaveDelta(ctx context.Context, docID string, delta document.StoredDelta) error {
	payload, err := json.Marshal(storedDeltaJSON{
		ID:        delta.ID,
		ClientID:  delta.ClientID,
		Timestamp: delta.Timestamp,
		Fields:    toJSONState(delta.Fields),
		Clock:     delta.Clock,
	})
	if err != nil {
		return fmt.Errorf("marshaling delta: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO deltas (doc_id, delta_id, payload_json) VALUES (?, ?, ?)
		 ON CONFLICT(doc_id, delta_id) DO UPDATE SET payload_json = excluded.payload_json`,
		docID, delta.ID, payload)
	return err
}

func (s *SQLite) GetDocument(ctx context.Context, docID string) (map[string]document.FieldValue, vectorclock.Clock, bool, error) {
	var stateData []byte
	err := s.db.QueryRowContext(ctx, `SELECT state_json FROM documents WHERE doc_id = ?`, docID).Scan(&stateData)
	if err == sql.ErrNoRows {
		return nil, nil, false, nil
	}
	if err != nil {
		return nil, nil, false, fmt.Errorf("querying document state: %w", err)
	}

	var rawState map[string]fieldValueJSON
	if err := json.Unmarshal(stateData, &rawState); err != nil {
		return nil, nil, false, fmt.Errorf("unmarshaling document state: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT client_id, value FROM vector_clocks WHERE doc_id = ?`, docID)
	if err != nil {
		return nil, nil, false, fmt.Errorf("querying vector clock: %w", err)
	}
	defer rows.Close()

	clock := vectorclock.New()
	for rows.Next() {
		var clientID string
		var value uint64
		if err := rows.Scan(&clientID, &value); err != nil {
			return nil, nil, false, fmt.Errorf("scanning vector clock row: %w", err)
		}
		clock[clientID] = value
	}
	return fromJSONState(rawState), clock, true, rows.Err()
}

func (s *SQLite) GetDeltasSince(ctx context.Context, docID string, clock vectorclock.Clock) ([]document.StoredDelta, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload_json FROM deltas WHERE doc_id = ?`, docID)
	if err != nil {
		return nil, fmt.Errorf("querying deltas: %w", err)
	}
	defer rows.Close()

	var out []document.StoredDelta
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning delta row: %w", err)
		}
		var raw storedDeltaJSON
		if err := json.Unmarshal(payload, &raw); err != nil {
			return nil, fmt.Errorf("unmarshaling delta: %w", err)
		}
		if raw.Clock.HappensBefore(clock) || raw.Clock.Equal(clock) {
			continue
		}
		out = append(out, document.StoredDelta{
			ID:        raw.ID,
			ClientID:  raw.ClientID,
			Timestamp: raw.Timestamp,
			Fields:    fromJSONState(raw.Fields),
			Clock:     raw.Clock,
		})
	}
	return out, rows.Err()
}

func (s *SQLite) Disconnect(context.Context) error {
	return s.db.Close()
}
