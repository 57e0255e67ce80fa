package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists sessions in SQLite. Knowledge tracking and the
// displayable map are stored as JSON columns alongside the scalar
// fields — they are owned by the session and mutated only under the
// single-writer turn discipline.
type Store struct {
	db *sql.DB
}

// NewStore creates a session store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate sessions: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id                TEXT PRIMARY KEY,
			user_id           TEXT NOT NULL,
			state             TEXT NOT NULL,
			stable_prefix     TEXT NOT NULL,
			context_start_seq INTEGER NOT NULL DEFAULT 1,
			knowledge         TEXT NOT NULL DEFAULT '[]',
			displayables      TEXT NOT NULL DEFAULT '{}',
			created_at        TIMESTAMP NOT NULL,
			updated_at        TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, updated_at)
	`)
	return err
}

// GetOrCreate loads a session, creating it on first use with the given
// stable prefix. The prefix is only written at creation — it never
// changes for the life of the session.
func (s *Store) GetOrCreate(ctx context.Context, id, userID, stablePrefix string) (*Session, error) {
	sess, err := s.Get(ctx, id)
	if err == nil {
		return sess, nil
	}
	if err != sql.ErrNoRows {
		return nil, err
	}

	now := time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, user_id, state, stable_prefix, context_start_seq, created_at, updated_at)
		VALUES (?, ?, ?, ?, 1, ?, ?)
	`, id, userID, StateActive, stablePrefix, now, now)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	return &Session{
		ID:              id,
		UserID:          userID,
		State:           StateActive,
		StablePrefix:    stablePrefix,
		ContextStartSeq: 1,
		Displayables:    map[string]json.RawMessage{},
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Get loads a session by ID. Returns sql.ErrNoRows when absent.
func (s *Store) Get(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, state, stable_prefix, context_start_seq,
		       knowledge, displayables, created_at, updated_at
		FROM sessions WHERE id = ?
	`, id)

	sess := &Session{}
	var knowledge, displayables string
	err := row.Scan(&sess.ID, &sess.UserID, &sess.State, &sess.StablePrefix,
		&sess.ContextStartSeq, &knowledge, &displayables,
		&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(knowledge), &sess.Knowledge); err != nil {
		return nil, fmt.Errorf("session %s knowledge: %w", id, err)
	}
	if err := json.Unmarshal([]byte(displayables), &sess.Displayables); err != nil {
		return nil, fmt.Errorf("session %s displayables: %w", id, err)
	}
	if sess.Displayables == nil {
		sess.Displayables = map[string]json.RawMessage{}
	}
	return sess, nil
}

// Save writes a session's mutable fields back to storage.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	knowledge, err := json.Marshal(sess.Knowledge)
	if err != nil {
		return err
	}
	displayables, err := json.Marshal(sess.Displayables)
	if err != nil {
		return err
	}
	sess.UpdatedAt = time.Now().UTC()
	_, err = s.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, context_start_seq = ?, knowledge = ?, displayables = ?, updated_at = ?
		WHERE id = ?
	`, sess.State, sess.ContextStartSeq, string(knowledge), string(displayables),
		sess.UpdatedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

// AdvanceCursorTx moves the context cursor and clears knowledge
// tracking inside an existing transaction. Called by the checkpoint
// manager so the cursor advance commits atomically with the checkpoint
// event append. Summarized knowledge is no longer the full data, so the
// initializer must treat it as absent afterwards.
func (s *Store) AdvanceCursorTx(tx *sql.Tx, sessionID string, toSeq int64) error {
	_, err := tx.Exec(`
		UPDATE sessions
		SET context_start_seq = ?, knowledge = '[]', updated_at = ?
		WHERE id = ?
	`, toSeq, time.Now().UTC(), sessionID)
	return err
}

// RegisterDisplayable assigns a session-scoped ID to a tool-produced
// object and records it on the session. Objects implementing Identified
// are keyed by their own ID; everything else gets a fresh one. The
// mapping is preserved for the life of the session; modifications add
// new entries rather than mutating in place.
func (s *Store) RegisterDisplayable(ctx context.Context, sess *Session, obj any) (string, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return "", fmt.Errorf("marshal displayable: %w", err)
	}
	id := uuid.NewString()
	if ident, ok := obj.(Identified); ok && ident.DisplayID() != "" {
		id = ident.DisplayID()
	}
	if sess.Displayables == nil {
		sess.Displayables = map[string]json.RawMessage{}
	}
	sess.Displayables[id] = raw
	if err := s.Save(ctx, sess); err != nil {
		return "", err
	}
	return id, nil
}

// Resolve returns the stored object for a displayable ID.
func (s *Store) Resolve(sess *Session, id string) (json.RawMessage, bool) {
	raw, ok := sess.Displayables[id]
	return raw, ok
}

// ExpireIdle marks sessions expired when they have been idle longer
// than maxIdle. Returns the number of sessions retired.
func (s *Store) ExpireIdle(ctx context.Context, maxIdle time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-maxIdle)
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessions
		SET state = ?, updated_at = ?
		WHERE state IN (?, ?) AND updated_at < ?
	`, StateExpired, time.Now().UTC(), StateIdle, StateError, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
