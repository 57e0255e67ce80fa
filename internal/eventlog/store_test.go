package eventlog

import (
	"context"
	"database/sql"
	"errors"
	"testing"

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

func TestAppendAssignsGaplessSequence(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 5; want++ {
		ev := NewUserMessage("hello")
		ev.SessionID = "s1"
		seq, err := store.Append(ctx, ev)
		if err != nil {
			t.Fatalf("append %d: %v", want, err)
		}
		if seq != want {
			t.Errorf("append %d: got seq %d", want, seq)
		}
	}
}

func TestSequencesAreSessionScoped(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	a := NewUserMessage("first")
	a.SessionID = "s1"
	if _, err := store.Append(ctx, a); err != nil {
		t.Fatal(err)
	}

	b := NewUserMessage("other session")
	b.SessionID = "s2"
	seq, err := store.Append(ctx, b)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 1 {
		t.Errorf("new session should start at seq 1, got %d", seq)
	}
}

func TestAppendPairWritesAdjacentEvents(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	u := NewUserMessage("do something")
	u.SessionID = "s1"
	if _, err := store.Append(ctx, u); err != nil {
		t.Fatal(err)
	}

	action := NewAction("generate_workout", map[string]any{"duration_minutes": 30})
	action.SessionID = "s1"
	observation := NewObservation("generate_workout", "plan text", nil, true, "")

	actionSeq, obsSeq, err := store.AppendPair(ctx, action, observation)
	if err != nil {
		t.Fatalf("append pair: %v", err)
	}
	if actionSeq != 2 || obsSeq != 3 {
		t.Errorf("got seqs %d/%d, want 2/3", actionSeq, obsSeq)
	}

	events, err := store.Read(ctx, "s1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 3 {
		t.Fatalf("got %d events, want 3", len(events))
	}
	if events[1].Kind != KindAction || events[2].Kind != KindObservation {
		t.Errorf("pair kinds wrong: %s, %s", events[1].Kind, events[2].Kind)
	}
}

func TestReadFromCursor(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		ev := NewUserMessage("msg")
		ev.SessionID = "s1"
		if _, err := store.Append(ctx, ev); err != nil {
			t.Fatal(err)
		}
	}

	events, err := store.Read(ctx, "s1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Seq != 3 {
		t.Errorf("first event seq = %d, want 3", events[0].Seq)
	}
}

func TestPayloadRoundTrip(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	kn := NewKnowledge("training_history", map[string]any{"lookback_days": float64(14)}, "user asked", "history data", false)
	kn.SessionID = "s1"
	if _, err := store.Append(ctx, kn); err != nil {
		t.Fatal(err)
	}

	cp := NewCheckpoint(1, 1, []string{"1. knowledge injected"}, "goals: run a 10k")
	cp.SessionID = "s1"
	if _, err := store.Append(ctx, cp); err != nil {
		t.Fatal(err)
	}

	events, err := store.Read(ctx, "s1", 1)
	if err != nil {
		t.Fatal(err)
	}
	if events[0].Knowledge == nil || events[0].Knowledge.Source != "training_history" {
		t.Errorf("knowledge payload lost: %+v", events[0])
	}
	if events[0].Knowledge.Params["lookback_days"] != float64(14) {
		t.Errorf("params lost: %v", events[0].Knowledge.Params)
	}
	if events[1].Checkpoint == nil || events[1].Checkpoint.Snapshot != "goals: run a 10k" {
		t.Errorf("checkpoint payload lost: %+v", events[1])
	}
}

func TestLastSeq(t *testing.T) {
	store, _ := setupStore(t)
	ctx := context.Background()

	seq, err := store.LastSeq(ctx, "empty")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 0 {
		t.Errorf("empty log LastSeq = %d, want 0", seq)
	}

	ev := NewUserMessage("hi")
	ev.SessionID = "s1"
	store.Append(ctx, ev)
	store.Append(ctx, ev)

	seq, err = store.LastSeq(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 {
		t.Errorf("LastSeq = %d, want 2", seq)
	}
}

// contendSession makes every insert for one session fail the way a
// losing append race does: with the primary-key collision message.
func contendSession(t *testing.T, db *sql.DB, sessionID string) {
	t.Helper()
	_, err := db.Exec(`
		CREATE TRIGGER contend BEFORE INSERT ON events
		WHEN NEW.session_id = '` + sessionID + `'
		BEGIN
			SELECT RAISE(ABORT, 'UNIQUE constraint failed: events.session_id, events.seq');
		END
	`)
	if err != nil {
		t.Fatalf("create trigger: %v", err)
	}
}

func TestAppendConflictExhaustsRetryBudget(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	first := NewUserMessage("hello")
	first.SessionID = "s1"
	if _, err := store.Append(ctx, first); err != nil {
		t.Fatal(err)
	}

	contendSession(t, db, "s1")

	ev := NewUserMessage("contended")
	ev.SessionID = "s1"
	if _, err := store.Append(ctx, ev); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("Append error = %v, want ErrSequenceConflict", err)
	}

	action := NewAction("noop", nil)
	action.SessionID = "s1"
	observation := NewObservation("noop", "ok", nil, true, "")
	if _, _, err := store.AppendPair(ctx, action, observation); !errors.Is(err, ErrSequenceConflict) {
		t.Errorf("AppendPair error = %v, want ErrSequenceConflict", err)
	}

	// Other sessions append normally while one is contended.
	other := NewUserMessage("unaffected")
	other.SessionID = "s2"
	if _, err := store.Append(ctx, other); err != nil {
		t.Errorf("other session append: %v", err)
	}

	// The losing appends left nothing behind; once the contention clears
	// the next append takes the next sequence number.
	if _, err := db.Exec(`DROP TRIGGER contend`); err != nil {
		t.Fatal(err)
	}
	seq, err := store.Append(ctx, ev)
	if err != nil {
		t.Fatal(err)
	}
	if seq != 2 {
		t.Errorf("seq after contention = %d, want 2", seq)
	}
}

func TestAppendSurfacesNonCollisionErrors(t *testing.T) {
	store, db := setupStore(t)
	ctx := context.Background()

	_, err := db.Exec(`
		CREATE TRIGGER broken BEFORE INSERT ON events
		BEGIN
			SELECT RAISE(ABORT, 'disk I/O error');
		END
	`)
	if err != nil {
		t.Fatal(err)
	}

	ev := NewUserMessage("hello")
	ev.SessionID = "s1"
	_, err = store.Append(ctx, ev)
	if err == nil {
		t.Fatal("expected an error")
	}
	// Non-collision faults are not retried into a conflict.
	if errors.Is(err, ErrSequenceConflict) {
		t.Errorf("unrelated error reported as sequence conflict: %v", err)
	}
}
