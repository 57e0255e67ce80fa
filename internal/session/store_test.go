package session

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

func setupStore(t *testing.T) (*Store, *sql.DB) {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store, err := NewStore(db)
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	return store, db
}

func TestGetOrCreatePreservesStablePrefix(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sess, err := store.GetOrCreate(ctx, "s1", "u1", "original prefix")
	if err != nil {
		t.Fatal(err)
	}
	if sess.StablePrefix != "original prefix" {
		t.Errorf("prefix = %q", sess.StablePrefix)
	}

	// A second call with a different prefix must not rewrite it.
	again, err := store.GetOrCreate(ctx, "s1", "u1", "different prefix")
	if err != nil {
		t.Fatal(err)
	}
	if again.StablePrefix != "original prefix" {
		t.Errorf("prefix changed to %q", again.StablePrefix)
	}
}

func TestSaveRoundTrip(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sess, err := store.GetOrCreate(ctx, "s1", "u1", "prefix")
	if err != nil {
		t.Fatal(err)
	}
	sess.State = StateIdle
	sess.Knowledge = []KnowledgeRef{
		{Source: "goals"},
		{Source: "training_history", Params: map[string]any{"lookback_days": float64(14)}},
	}
	if err := store.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.State != StateIdle {
		t.Errorf("state = %s", loaded.State)
	}
	if len(loaded.Knowledge) != 2 || loaded.Knowledge[1].Source != "training_history" {
		t.Errorf("knowledge = %+v", loaded.Knowledge)
	}
}

func TestAdvanceCursorClearsKnowledge(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	sess, _ := store.GetOrCreate(ctx, "s1", "u1", "prefix")
	sess.Knowledge = []KnowledgeRef{{Source: "goals"}}
	if err := store.Save(ctx, sess); err != nil {
		t.Fatal(err)
	}

	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	if err := store.AdvanceCursorTx(tx, "s1", 42); err != nil {
		t.Fatal(err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatal(err)
	}

	loaded, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if loaded.ContextStartSeq != 42 {
		t.Errorf("cursor = %d, want 42", loaded.ContextStartSeq)
	}
	if len(loaded.Knowledge) != 0 {
		t.Errorf("knowledge not cleared: %+v", loaded.Knowledge)
	}
}

func TestRegisterAndResolveDisplayable(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sess, _ := store.GetOrCreate(ctx, "s1", "u1", "prefix")
	id, err := store.RegisterDisplayable(ctx, sess, map[string]string{"title": "Morning run"})
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty displayable ID")
	}

	raw, ok := store.Resolve(sess, id)
	if !ok {
		t.Fatal("displayable not resolvable")
	}
	if string(raw) != `{"title":"Morning run"}` {
		t.Errorf("stored object = %s", raw)
	}

	// The mapping must survive a reload.
	loaded, err := store.Get(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := store.Resolve(loaded, id); !ok {
		t.Error("displayable lost on reload")
	}
}

// selfKeyed carries its own ID the way generated plans do.
type selfKeyed struct {
	ID string `json:"id"`
}

func (s selfKeyed) DisplayID() string { return s.ID }

func TestRegisterDisplayableKeysByObjectID(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	sess, _ := store.GetOrCreate(ctx, "s1", "u1", "prefix")
	id, err := store.RegisterDisplayable(ctx, sess, selfKeyed{ID: "plan-7"})
	if err != nil {
		t.Fatal(err)
	}
	if id != "plan-7" {
		t.Errorf("registered under %q, want the object's own ID", id)
	}
	if _, ok := store.Resolve(sess, "plan-7"); !ok {
		t.Error("object not resolvable by its own ID")
	}
}

func TestExpireIdle(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	sess, _ := store.GetOrCreate(ctx, "old", "u1", "prefix")
	sess.State = StateIdle
	store.Save(ctx, sess)

	// Backdate the session past the idle limit.
	stale := time.Now().UTC().Add(-2 * time.Hour)
	if _, err := db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = 'old'`, stale); err != nil {
		t.Fatal(err)
	}

	fresh, _ := store.GetOrCreate(ctx, "fresh", "u1", "prefix")
	fresh.State = StateIdle
	store.Save(ctx, fresh)

	n, err := store.ExpireIdle(ctx, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expired %d sessions, want 1", n)
	}

	loaded, _ := store.Get(ctx, "old")
	if loaded.State != StateExpired {
		t.Errorf("old session state = %s", loaded.State)
	}
	loaded, _ = store.Get(ctx, "fresh")
	if loaded.State != StateIdle {
		t.Errorf("fresh session state = %s", loaded.State)
	}
}

func TestParamsCover(t *testing.T) {
	tests := []struct {
		name      string
		existing  map[string]any
		requested map[string]any
		want      bool
	}{
		{"equal numeric", map[string]any{"lookback_days": 14}, map[string]any{"lookback_days": 14}, true},
		{"wider numeric covers", map[string]any{"lookback_days": 30}, map[string]any{"lookback_days": 14}, true},
		{"narrower numeric does not", map[string]any{"lookback_days": 7}, map[string]any{"lookback_days": 14}, false},
		{"missing key", map[string]any{}, map[string]any{"lookback_days": 14}, false},
		{"no params requested", map[string]any{"lookback_days": 7}, nil, true},
		{"string equality", map[string]any{"kind": "run"}, map[string]any{"kind": "run"}, true},
		{"string mismatch", map[string]any{"kind": "run"}, map[string]any{"kind": "bike"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParamsCover(tt.existing, tt.requested); got != tt.want {
				t.Errorf("ParamsCover(%v, %v) = %v, want %v", tt.existing, tt.requested, got, tt.want)
			}
		})
	}
}

func TestLocks(t *testing.T) {
	locks := NewLocks()

	if err := locks.Acquire("s1"); err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if err := locks.Acquire("s1"); err != ErrSessionBusy {
		t.Errorf("second acquire = %v, want ErrSessionBusy", err)
	}
	// Other sessions are unaffected.
	if err := locks.Acquire("s2"); err != nil {
		t.Errorf("other session acquire: %v", err)
	}

	locks.Release("s1")
	if err := locks.Acquire("s1"); err != nil {
		t.Errorf("acquire after release: %v", err)
	}
}
