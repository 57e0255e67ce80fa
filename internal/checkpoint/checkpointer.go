// Package checkpoint compacts a session's context when it approaches
// the model's window limit. A checkpoint replaces the cursor-forward
// event window with a single summary event and advances the read
// cursor. Nothing is deleted: the full log stays in storage and the
// cursor only changes what the context builder reads.
package checkpoint

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"unicode/utf8"

	"github.com/stride-ai/stride/internal/contextbuild"
	"github.com/stride-ai/stride/internal/eventlog"
	"github.com/stride-ai/stride/internal/session"
)

// summaryLineLimit caps the length of each per-event summary line.
const summaryLineLimit = 100

// StateProvider contributes a domain snapshot to checkpoints. The
// snapshot is asked of the collaborator directly rather than re-derived
// from raw event text, so in-progress state survives summarization.
type StateProvider interface {
	// Name labels the provider's section in the snapshot.
	Name() string
	// Snapshot returns the provider's current state for a session's user.
	Snapshot(ctx context.Context, sessionID, userID string) (string, error)
}

// Config controls when checkpoints trigger.
type Config struct {
	// MaxTokens is the model's context window.
	MaxTokens int
	// TriggerRatio is the fill fraction that triggers a checkpoint.
	TriggerRatio float64
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{MaxTokens: 16000, TriggerRatio: 0.8}
}

// Checkpointer manages context compaction for sessions.
type Checkpointer struct {
	db        *sql.DB
	events    *eventlog.Store
	sessions  *session.Store
	providers []StateProvider
	cfg       Config
	logger    *slog.Logger
}

// NewCheckpointer creates a checkpointer. The *sql.DB must be the same
// handle backing both stores: the checkpoint event append and the
// cursor advance commit in one transaction.
func NewCheckpointer(db *sql.DB, events *eventlog.Store, sessions *session.Store, cfg Config, logger *slog.Logger) *Checkpointer {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultConfig().MaxTokens
	}
	if cfg.TriggerRatio <= 0 || cfg.TriggerRatio > 1 {
		cfg.TriggerRatio = DefaultConfig().TriggerRatio
	}
	return &Checkpointer{db: db, events: events, sessions: sessions, cfg: cfg, logger: logger}
}

// AddProvider registers a state collaborator.
func (c *Checkpointer) AddProvider(p StateProvider) {
	c.providers = append(c.providers, p)
}

// MaybeCheckpoint compacts the session's context window if its
// estimated size crosses the trigger threshold. Returns the checkpoint
// event, or nil when no checkpoint was needed. Only called at the
// model-call boundary — never mid-tool-execution.
func (c *Checkpointer) MaybeCheckpoint(ctx context.Context, sess *session.Session) (*eventlog.Event, error) {
	window, err := c.events.Read(ctx, sess.ID, sess.ContextStartSeq)
	if err != nil {
		return nil, fmt.Errorf("read context window: %w", err)
	}
	if len(window) == 0 {
		return nil, nil
	}

	estimated := contextbuild.EstimateTokens(sess.StablePrefix, window)
	threshold := int(float64(c.cfg.MaxTokens) * c.cfg.TriggerRatio)
	if estimated <= threshold {
		return nil, nil
	}

	summary := summarize(window)
	snapshot := c.collectSnapshot(ctx, sess)

	fromSeq := window[0].Seq
	toSeq := window[len(window)-1].Seq
	ev := eventlog.NewCheckpoint(fromSeq, toSeq, summary, snapshot)
	ev.SessionID = sess.ID

	seq, err := c.commit(ctx, sess.ID, ev)
	if err != nil {
		return nil, err
	}
	ev.Seq = seq

	// Mirror the committed state on the in-memory session so the
	// caller's next context build reads from the checkpoint forward.
	sess.ContextStartSeq = seq
	sess.Knowledge = nil

	c.logger.Info("checkpoint created",
		"session", sess.ID,
		"from_seq", fromSeq,
		"to_seq", toSeq,
		"cursor", seq,
		"estimated_tokens", estimated,
	)
	return &ev, nil
}

// commit appends the checkpoint event and advances the cursor in one
// transaction, retrying on sequence collision like a normal append.
func (c *Checkpointer) commit(ctx context.Context, sessionID string, ev eventlog.Event) (int64, error) {
	var seq int64
	for attempt := 0; attempt < 5; attempt++ {
		tx, err := c.db.BeginTx(ctx, nil)
		if err != nil {
			return 0, err
		}
		seq, err = c.events.AppendTx(tx, ev)
		if err == nil {
			err = c.sessions.AdvanceCursorTx(tx, sessionID, seq)
		}
		if err == nil {
			err = tx.Commit()
		}
		if err == nil {
			return seq, nil
		}
		tx.Rollback()
		if !strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return 0, fmt.Errorf("commit checkpoint: %w", err)
		}
	}
	return 0, eventlog.ErrSequenceConflict
}

// collectSnapshot asks each provider for its current state. A provider
// failure drops that section with a warning; the checkpoint proceeds.
func (c *Checkpointer) collectSnapshot(ctx context.Context, sess *session.Session) string {
	var sb strings.Builder
	for _, p := range c.providers {
		state, err := p.Snapshot(ctx, sess.ID, sess.UserID)
		if err != nil {
			c.logger.Warn("state provider failed during checkpoint",
				"session", sess.ID, "provider", p.Name(), "error", err)
			continue
		}
		if state == "" {
			continue
		}
		fmt.Fprintf(&sb, "%s: %s\n", p.Name(), state)
	}
	return strings.TrimRight(sb.String(), "\n")
}

// summarize produces one terse numbered line per event, truncating long
// text fields.
func summarize(events []eventlog.Event) []string {
	lines := make([]string, 0, len(events))
	for _, ev := range events {
		lines = append(lines, fmt.Sprintf("%d. %s", ev.Seq, summarizeEvent(ev)))
	}
	return lines
}

func summarizeEvent(ev eventlog.Event) string {
	switch ev.Kind {
	case eventlog.KindUserMessage:
		return "user: " + truncate(ev.User.Content, summaryLineLimit)
	case eventlog.KindKnowledge:
		return "knowledge " + ev.Knowledge.Source + " injected"
	case eventlog.KindKnowledgeUpdate:
		return "knowledge " + ev.Knowledge.Source + " scope expanded"
	case eventlog.KindAction:
		return "called " + ev.Action.Tool
	case eventlog.KindObservation:
		o := ev.Observation
		if !o.Success {
			return o.Tool + " failed: " + truncate(o.Error, summaryLineLimit)
		}
		return o.Tool + " ok: " + truncate(oneLine(o.Formatted), summaryLineLimit)
	case eventlog.KindCheckpoint:
		return fmt.Sprintf("earlier summary of events %d-%d", ev.Checkpoint.FromSeq, ev.Checkpoint.ToSeq)
	}
	return string(ev.Kind)
}

// truncate cuts s to at most n bytes, backing up to a rune boundary so
// the cut never leaves an invalid UTF-8 tail.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
