package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	_ "modernc.org/sqlite"

	"github.com/stride-ai/stride/internal/eventlog"
	"github.com/stride-ai/stride/internal/session"
)

func setupCheckpointer(t *testing.T, cfg Config) (*Checkpointer, *eventlog.Store, *session.Store) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	events, err := eventlog.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	sessions, err := session.NewStore(db)
	if err != nil {
		t.Fatal(err)
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewCheckpointer(db, events, sessions, cfg, logger), events, sessions
}

func fillSession(t *testing.T, events *eventlog.Store, sessionID string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		ev := eventlog.NewUserMessage(strings.Repeat("training talk ", 20))
		ev.SessionID = sessionID
		if _, err := events.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}
}

func TestNoCheckpointBelowThreshold(t *testing.T) {
	cp, events, sessions := setupCheckpointer(t, Config{MaxTokens: 100000, TriggerRatio: 0.8})
	ctx := context.Background()

	sess, err := sessions.GetOrCreate(ctx, "s1", "u1", "prefix")
	if err != nil {
		t.Fatal(err)
	}
	fillSession(t, events, "s1", 3)

	ev, err := cp.MaybeCheckpoint(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if ev != nil {
		t.Errorf("checkpoint created below threshold: %+v", ev)
	}
	if sess.ContextStartSeq != 1 {
		t.Errorf("cursor moved: %d", sess.ContextStartSeq)
	}
}

func TestCheckpointAdvancesCursorAndClearsKnowledge(t *testing.T) {
	// Tiny window so a handful of events crosses the threshold.
	cp, events, sessions := setupCheckpointer(t, Config{MaxTokens: 100, TriggerRatio: 0.8})
	ctx := context.Background()

	sess, err := sessions.GetOrCreate(ctx, "s1", "u1", "prefix")
	if err != nil {
		t.Fatal(err)
	}
	sess.Knowledge = []session.KnowledgeRef{{Source: "goals"}}
	if err := sessions.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}
	fillSession(t, events, "s1", 5)

	ev, err := cp.MaybeCheckpoint(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if ev == nil {
		t.Fatal("expected a checkpoint")
	}
	if ev.Checkpoint.FromSeq != 1 || ev.Checkpoint.ToSeq != 5 {
		t.Errorf("window = %d-%d, want 1-5", ev.Checkpoint.FromSeq, ev.Checkpoint.ToSeq)
	}
	if ev.Seq != 6 {
		t.Errorf("checkpoint seq = %d, want 6", ev.Seq)
	}

	// In-memory session mirrors the committed state.
	if sess.ContextStartSeq != ev.Seq {
		t.Errorf("cursor = %d, want %d", sess.ContextStartSeq, ev.Seq)
	}
	if len(sess.Knowledge) != 0 {
		t.Errorf("knowledge not cleared in memory: %+v", sess.Knowledge)
	}

	// Persisted session matches.
	loaded, err := sessions.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ContextStartSeq != ev.Seq {
		t.Errorf("persisted cursor = %d", loaded.ContextStartSeq)
	}
	if len(loaded.Knowledge) != 0 {
		t.Errorf("persisted knowledge not cleared: %+v", loaded.Knowledge)
	}

	// History is intact: the full log is still readable from seq 1.
	all, err := events.Read(ctx, "s1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 6 {
		t.Errorf("log length = %d, want 6 (5 events + checkpoint)", len(all))
	}

	// The context window now starts at the checkpoint.
	window, err := events.Read(ctx, "s1", sess.ContextStartSeq)
	if err != nil {
		t.Fatal(err)
	}
	if len(window) != 1 || window[0].Kind != eventlog.KindCheckpoint {
		t.Errorf("window after checkpoint: %+v", window)
	}
}

func TestSecondCheckpointCoversNewWindowOnly(t *testing.T) {
	cp, events, sessions := setupCheckpointer(t, Config{MaxTokens: 100, TriggerRatio: 0.8})
	ctx := context.Background()

	sess, _ := sessions.GetOrCreate(ctx, "s1", "u1", "prefix")
	fillSession(t, events, "s1", 5)
	first, err := cp.MaybeCheckpoint(ctx, sess)
	if err != nil || first == nil {
		t.Fatalf("first checkpoint: %v %v", first, err)
	}

	fillSession(t, events, "s1", 5)
	second, err := cp.MaybeCheckpoint(ctx, sess)
	if err != nil || second == nil {
		t.Fatalf("second checkpoint: %v %v", second, err)
	}
	if second.Checkpoint.FromSeq != first.Seq {
		t.Errorf("second window starts at %d, want %d (the first checkpoint)",
			second.Checkpoint.FromSeq, first.Seq)
	}
}

type fakeProvider struct {
	name  string
	state string
	err   error
}

func (p *fakeProvider) Name() string { return p.name }
func (p *fakeProvider) Snapshot(context.Context, string, string) (string, error) {
	return p.state, p.err
}

func TestCheckpointCollectsProviderSnapshots(t *testing.T) {
	cp, events, sessions := setupCheckpointer(t, Config{MaxTokens: 100, TriggerRatio: 0.8})
	cp.AddProvider(&fakeProvider{name: "training", state: "goals: run a 10k"})
	cp.AddProvider(&fakeProvider{name: "failing", err: errors.New("unavailable")})
	ctx := context.Background()

	sess, _ := sessions.GetOrCreate(ctx, "s1", "u1", "prefix")
	fillSession(t, events, "s1", 5)

	ev, err := cp.MaybeCheckpoint(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if ev == nil {
		t.Fatal("expected a checkpoint")
	}
	if !strings.Contains(ev.Checkpoint.Snapshot, "training: goals: run a 10k") {
		t.Errorf("snapshot = %q", ev.Checkpoint.Snapshot)
	}
	// A failing provider drops its section without failing the checkpoint.
	if strings.Contains(ev.Checkpoint.Snapshot, "failing") {
		t.Errorf("failed provider leaked into snapshot: %q", ev.Checkpoint.Snapshot)
	}
}

func TestSummaryCoversEveryEvent(t *testing.T) {
	cp, events, sessions := setupCheckpointer(t, Config{MaxTokens: 100, TriggerRatio: 0.8})
	ctx := context.Background()

	sess, _ := sessions.GetOrCreate(ctx, "s1", "u1", "prefix")

	evs := []eventlog.Event{
		eventlog.NewKnowledge("goals", nil, "", strings.Repeat("goal ", 30), false),
		eventlog.NewUserMessage(strings.Repeat("long question ", 30)),
		eventlog.NewAction("generate_workout", map[string]any{"duration_minutes": 30}),
		eventlog.NewObservation("generate_workout", strings.Repeat("plan ", 50), nil, true, ""),
	}
	for _, ev := range evs {
		ev.SessionID = "s1"
		if _, err := events.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	cpEv, err := cp.MaybeCheckpoint(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if cpEv == nil {
		t.Fatal("expected a checkpoint")
	}
	if len(cpEv.Checkpoint.Summary) != 4 {
		t.Fatalf("summary lines = %d, want 4", len(cpEv.Checkpoint.Summary))
	}
	for _, line := range cpEv.Checkpoint.Summary {
		if len(line) > summaryLineLimit+20 {
			t.Errorf("summary line too long (%d): %q", len(line), line)
		}
	}
}

func TestTruncateKeepsRuneBoundaries(t *testing.T) {
	s := "lauf über die brücke — völlig erschöpft"
	for n := 1; n < len(s); n++ {
		got := truncate(s, n)
		if !utf8.ValidString(got) {
			t.Errorf("truncate(%q, %d) = %q is not valid UTF-8", s, n, got)
		}
	}
	if got := truncate("short", summaryLineLimit); got != "short" {
		t.Errorf("short string altered: %q", got)
	}
}
