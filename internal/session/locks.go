package session

import (
	"errors"
	"sync"
)

// ErrSessionBusy is returned when a turn arrives while another turn is
// still running for the same session. Interleaving two turns' tool
// calls would break the event log's single-writer discipline, so the
// caller must retry after the current turn completes.
var ErrSessionBusy = errors.New("session busy: a turn is already in progress")

// Locks provides per-session turn exclusion without cross-session
// blocking. Sessions run concurrently and independently; only a second
// turn for the same session is rejected.
type Locks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocks creates an empty lock set.
func NewLocks() *Locks {
	return &Locks{held: make(map[string]struct{})}
}

// Acquire claims the turn lock for a session. Returns ErrSessionBusy
// if another turn holds it.
func (l *Locks) Acquire(sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[sessionID]; ok {
		return ErrSessionBusy
	}
	l.held[sessionID] = struct{}{}
	return nil
}

// Release frees the turn lock. Safe to call for an unheld session.
func (l *Locks) Release(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, sessionID)
}
