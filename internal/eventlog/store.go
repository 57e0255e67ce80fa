package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// maxAppendAttempts bounds the optimistic retry loop on sequence
// collisions. Collisions only happen when two writers race on the same
// session, which the turn lock makes rare; five attempts is generous.
const maxAppendAttempts = 5

// ErrSequenceConflict is returned when an append exhausts its retry
// budget. It is fatal for the current turn — the event was not written
// and must not be silently dropped.
var ErrSequenceConflict = errors.New("eventlog: sequence conflict after retries")

// Store persists session event logs in SQLite.
type Store struct {
	db *sql.DB
}

// NewStore creates an event log store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate eventlog: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS events (
			session_id TEXT NOT NULL,
			seq        INTEGER NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			PRIMARY KEY (session_id, seq)
		)
	`)
	return err
}

// Append writes one event and returns its assigned sequence number.
// Sequence numbers start at 1 and are gapless per session. Concurrent
// appends to the same session are resolved by retrying on primary-key
// collision; after maxAppendAttempts the caller gets ErrSequenceConflict.
func (s *Store) Append(ctx context.Context, ev Event) (int64, error) {
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		seq, err := s.tryAppend(ctx, ev)
		if err == nil {
			return seq, nil
		}
		if !isSeqCollision(err) {
			return 0, err
		}
	}
	return 0, ErrSequenceConflict
}

// AppendPair writes an action and its observation in one transaction.
// Either both land in the log or neither does — a half-written
// iteration must never be visible to the context builder.
func (s *Store) AppendPair(ctx context.Context, action, observation Event) (int64, int64, error) {
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		actionSeq, obsSeq, err := s.tryAppendPair(ctx, action, observation)
		if err == nil {
			return actionSeq, obsSeq, nil
		}
		if !isSeqCollision(err) {
			return 0, 0, err
		}
	}
	return 0, 0, ErrSequenceConflict
}

// AppendTx writes one event inside an existing transaction. Used by the
// checkpoint manager so the checkpoint event and the cursor advance
// commit together. The caller owns retry behavior.
func (s *Store) AppendTx(tx *sql.Tx, ev Event) (int64, error) {
	seq, err := nextSeqTx(tx, ev.SessionID)
	if err != nil {
		return 0, err
	}
	if err := insertTx(tx, ev, seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// Read returns all events for a session from fromSeq (inclusive) in
// sequence order. A fromSeq of 0 or 1 reads the whole log.
func (s *Store) Read(ctx context.Context, sessionID string, fromSeq int64) ([]Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, kind, payload, created_at
		FROM events
		WHERE session_id = ? AND seq >= ?
		ORDER BY seq ASC
	`, sessionID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		ev := Event{SessionID: sessionID}
		var payload string
		if err := rows.Scan(&ev.Seq, &ev.Kind, &payload, &ev.At); err != nil {
			return nil, err
		}
		if err := ev.unmarshalPayload([]byte(payload)); err != nil {
			return nil, fmt.Errorf("event %s/%d: %w", sessionID, ev.Seq, err)
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// LastSeq returns the highest sequence number for a session, or 0 when
// the log is empty.
func (s *Store) LastSeq(ctx context.Context, sessionID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64, nil
}

func (s *Store) tryAppend(ctx context.Context, ev Event) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	seq, err := s.AppendTx(tx, ev)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return seq, nil
}

func (s *Store) tryAppendPair(ctx context.Context, action, observation Event) (int64, int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, err
	}
	defer tx.Rollback()

	actionSeq, err := s.AppendTx(tx, action)
	if err != nil {
		return 0, 0, err
	}
	observation.SessionID = action.SessionID
	obsSeq, err := nextSeqAfter(tx, actionSeq)
	if err != nil {
		return 0, 0, err
	}
	if err := insertTx(tx, observation, obsSeq); err != nil {
		return 0, 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, 0, err
	}
	return actionSeq, obsSeq, nil
}

func nextSeqTx(tx *sql.Tx, sessionID string) (int64, error) {
	var seq sql.NullInt64
	err := tx.QueryRow(
		`SELECT MAX(seq) FROM events WHERE session_id = ?`, sessionID,
	).Scan(&seq)
	if err != nil {
		return 0, err
	}
	return seq.Int64 + 1, nil
}

func nextSeqAfter(_ *sql.Tx, prev int64) (int64, error) {
	return prev + 1, nil
}

func insertTx(tx *sql.Tx, ev Event, seq int64) error {
	payload, err := ev.marshalPayload()
	if err != nil {
		return err
	}
	at := ev.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err = tx.Exec(`
		INSERT INTO events (session_id, seq, kind, payload, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, ev.SessionID, seq, ev.Kind, string(payload), at)
	return err
}

// isSeqCollision reports whether err is a primary-key collision on
// (session_id, seq). Matched by message so both the production driver
// (mattn/go-sqlite3) and the test driver (modernc.org/sqlite) are
// covered without driver-specific error types.
func isSeqCollision(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
