// Package coach supplies the coaching domain collaborators the agent
// core drives: knowledge sources (goals, preferences, training
// history, equipment), the workout generator, and the tool set the
// model calls. The core treats all of it as opaque domain code behind
// the knowledge and tool contracts.
package coach

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists the coaching domain data in SQLite.
type Store struct {
	db *sql.DB
}

// Goal is a user training goal.
type Goal struct {
	ID          string
	UserID      string
	Description string
	Active      bool
	CreatedAt   time.Time
}

// Preference is one user preference key/value.
type Preference struct {
	Key   string
	Value string
}

// TrainingSession is one completed workout in the history.
type TrainingSession struct {
	ID          string
	UserID      string
	CompletedAt time.Time
	Kind        string
	DurationMin int
	Intensity   string
	Notes       string
}

// NewStore creates a coach store, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate coach: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS goals (
			id          TEXT PRIMARY KEY,
			user_id     TEXT NOT NULL,
			description TEXT NOT NULL,
			active      BOOLEAN NOT NULL DEFAULT TRUE,
			created_at  TIMESTAMP NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_goals_user ON goals(user_id, active);

		CREATE TABLE IF NOT EXISTS preferences (
			user_id TEXT NOT NULL,
			key     TEXT NOT NULL,
			value   TEXT NOT NULL,
			PRIMARY KEY (user_id, key)
		);

		CREATE TABLE IF NOT EXISTS training_sessions (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			completed_at TIMESTAMP NOT NULL,
			kind         TEXT NOT NULL,
			duration_min INTEGER NOT NULL,
			intensity    TEXT NOT NULL,
			notes        TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_training_user ON training_sessions(user_id, completed_at);

		CREATE TABLE IF NOT EXISTS equipment (
			user_id  TEXT NOT NULL,
			name     TEXT NOT NULL,
			added_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (user_id, name)
		)
	`)
	return err
}

// AddGoal records a new active goal.
func (s *Store) AddGoal(ctx context.Context, userID, description string) (*Goal, error) {
	g := &Goal{
		ID:          uuid.NewString(),
		UserID:      userID,
		Description: description,
		Active:      true,
		CreatedAt:   time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO goals (id, user_id, description, active, created_at)
		VALUES (?, ?, ?, TRUE, ?)
	`, g.ID, g.UserID, g.Description, g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("add goal: %w", err)
	}
	return g, nil
}

// Goals returns a user's active goals, oldest first.
func (s *Store) Goals(ctx context.Context, userID string) ([]Goal, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, created_at
		FROM goals WHERE user_id = ? AND active ORDER BY created_at ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var goals []Goal
	for rows.Next() {
		g := Goal{UserID: userID, Active: true}
		if err := rows.Scan(&g.ID, &g.Description, &g.CreatedAt); err != nil {
			return nil, err
		}
		goals = append(goals, g)
	}
	return goals, rows.Err()
}

// SetPreference upserts a preference.
func (s *Store) SetPreference(ctx context.Context, userID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO preferences (user_id, key, value) VALUES (?, ?, ?)
		ON CONFLICT (user_id, key) DO UPDATE SET value = excluded.value
	`, userID, key, value)
	return err
}

// Preferences returns a user's preferences ordered by key.
func (s *Store) Preferences(ctx context.Context, userID string) ([]Preference, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT key, value FROM preferences WHERE user_id = ? ORDER BY key ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var prefs []Preference
	for rows.Next() {
		var p Preference
		if err := rows.Scan(&p.Key, &p.Value); err != nil {
			return nil, err
		}
		prefs = append(prefs, p)
	}
	return prefs, rows.Err()
}

// RecordTraining stores a completed training session.
func (s *Store) RecordTraining(ctx context.Context, ts *TrainingSession) error {
	if ts.ID == "" {
		ts.ID = uuid.NewString()
	}
	if ts.CompletedAt.IsZero() {
		ts.CompletedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO training_sessions (id, user_id, completed_at, kind, duration_min, intensity, notes)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ts.ID, ts.UserID, ts.CompletedAt, ts.Kind, ts.DurationMin, ts.Intensity, ts.Notes)
	return err
}

// History returns training sessions within the lookback window, most
// recent first.
func (s *Store) History(ctx context.Context, userID string, lookbackDays int) ([]TrainingSession, error) {
	if lookbackDays <= 0 {
		lookbackDays = 14
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -lookbackDays)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, completed_at, kind, duration_min, intensity, COALESCE(notes, '')
		FROM training_sessions
		WHERE user_id = ? AND completed_at >= ?
		ORDER BY completed_at DESC
	`, userID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []TrainingSession
	for rows.Next() {
		ts := TrainingSession{UserID: userID}
		if err := rows.Scan(&ts.ID, &ts.CompletedAt, &ts.Kind, &ts.DurationMin, &ts.Intensity, &ts.Notes); err != nil {
			return nil, err
		}
		sessions = append(sessions, ts)
	}
	return sessions, rows.Err()
}

// AddEquipment records equipment available to a user. Duplicates are
// silently ignored.
func (s *Store) AddEquipment(ctx context.Context, userID, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO equipment (user_id, name) VALUES (?, ?)
	`, userID, name)
	return err
}

// Equipment returns a user's equipment in insertion order.
func (s *Store) Equipment(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name FROM equipment WHERE user_id = ? ORDER BY added_at ASC, name ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}
