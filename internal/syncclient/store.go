// Package syncclient is the client-resident half of session sync: a durable
// cache of the last authoritative snapshot plus a queue of mutations made
// while offline, replayed on reconnect.
package syncclient

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/watchvote/server/internal/domain"
)

type MutationKind string

const (
	KindVote     MutationKind = "vote"
	KindLeave    MutationKind = "leave"
	KindPlayback MutationKind = "playbackUpdate"
)

// Mutation is one queued local action. IDs are monotonic (sqlite rowids), so
// oldest-first replay is an ordered scan.
type Mutation struct {
	ID        int64
	Kind      MutationKind
	Payload   json.RawMessage
	CreatedAt time.Time
}

// Snapshot pairs the authoritative session with the current round standings.
type Snapshot struct {
	Session domain.Session      `json:"session"`
	Results []domain.VoteResult `json:"results"`
}

const schema = `
CREATE TABLE IF NOT EXISTS snapshots (
	session_id TEXT PRIMARY KEY,
	payload    TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE TABLE IF NOT EXISTS sync_queue (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	kind       TEXT NOT NULL,
	payload    TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);`

type Store struct {
	db *sql.DB
}

// OpenStore opens (creating if needed) the durable client store at path.
func OpenStore(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sync store: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init sync store schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// SaveSnapshot upserts the cached snapshot for the session. Callers persist
// before updating any in-memory view, so a reload mid-session restores the
// last known-good state without a round trip.
func (s *Store) SaveSnapshot(snap Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO snapshots (session_id, payload, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET payload = excluded.payload, updated_at = excluded.updated_at`,
		snap.Session.ID, string(payload), snap.Session.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func (s *Store) LoadSnapshot(sessionID string) (Snapshot, bool, error) {
	var payload string
	err := s.db.QueryRow(`SELECT payload FROM snapshots WHERE session_id = ?`, sessionID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	var snap Snapshot
	if err := json.Unmarshal([]byte(payload), &snap); err != nil {
		return Snapshot{}, false, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, true, nil
}

func (s *Store) Enqueue(kind MutationKind, payload json.RawMessage) (Mutation, error) {
	now := time.Now().UTC()
	res, err := s.db.Exec(`INSERT INTO sync_queue (kind, payload, created_at) VALUES (?, ?, ?)`,
		string(kind), string(payload), now)
	if err != nil {
		return Mutation{}, fmt.Errorf("enqueue mutation: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Mutation{}, err
	}
	return Mutation{ID: id, Kind: kind, Payload: payload, CreatedAt: now}, nil
}

// Queue returns all pending mutations, oldest first.
func (s *Store) Queue() ([]Mutation, error) {
	rows, err := s.db.Query(`SELECT id, kind, payload, created_at FROM sync_queue ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list queue: %w", err)
	}
	defer rows.Close()

	var out []Mutation
	for rows.Next() {
		var m Mutation
		var kind, payload string
		if err := rows.Scan(&m.ID, &kind, &payload, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Kind = MutationKind(kind)
		m.Payload = json.RawMessage(payload)
		out = append(out, m)
	}
	return out, rows.Err()
}

// Dequeue removes one replayed entry. Called only after the server
// acknowledged the mutation or rejected it idempotently.
func (s *Store) Dequeue(id int64) error {
	if _, err := s.db.Exec(`DELETE FROM sync_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("dequeue mutation: %w", err)
	}
	return nil
}
