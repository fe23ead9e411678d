package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ashureev/pte-agent/internal/domain"
	"github.com/ashureev/pte-agent/internal/memory"
	"github.com/ashureev/pte-agent/internal/plan"
)

func newSQLiteForTest(t *testing.T) *SQLiteStore {
	t.Helper()
	st, err := NewSQLite(filepath.Join(t.TempDir(), "data", "pte.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func backends(t *testing.T) map[string]SessionStore {
	return map[string]SessionStore{
		"sqlite": newSQLiteForTest(t),
		"memory": NewMemory(),
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			got, err := st.GetSession(ctx, "missing")
			if err != nil || got != nil {
				t.Fatalf("GetSession(missing) = %v, %v; want nil, nil", got, err)
			}
			ok, err := st.SessionExists(ctx, "s1")
			if err != nil || ok {
				t.Fatalf("SessionExists before save = %v, %v", ok, err)
			}

			sess := domain.NewSession("s1", "u1", time.Unix(1_700_000_000, 0))
			sess.Memory.Append(memory.Turn{User: "hi", Assistant: "hello", At: time.Unix(1_700_000_001, 0)})
			sess.Memory.LastRewrittenQuery = "greeting"
			if err := st.SaveSession(ctx, sess); err != nil {
				t.Fatalf("SaveSession failed: %v", err)
			}

			got, err = st.GetSession(ctx, "s1")
			if err != nil {
				t.Fatalf("GetSession failed: %v", err)
			}
			if got == nil || got.UserID != "u1" {
				t.Fatalf("unexpected session: %+v", got)
			}
			if len(got.Memory.Recent) != 1 || got.Memory.Recent[0].User != "hi" {
				t.Fatalf("memory not persisted: %+v", got.Memory)
			}
			if got.Memory.LastRewrittenQuery != "greeting" {
				t.Fatalf("LastRewrittenQuery = %q", got.Memory.LastRewrittenQuery)
			}

			ok, err = st.SessionExists(ctx, "s1")
			if err != nil || !ok {
				t.Fatalf("SessionExists after save = %v, %v", ok, err)
			}

			if err := st.DeleteSession(ctx, "s1"); err != nil {
				t.Fatalf("DeleteSession failed: %v", err)
			}
			got, err = st.GetSession(ctx, "s1")
			if err != nil || got != nil {
				t.Fatalf("GetSession after delete = %v, %v", got, err)
			}
		})
	}
}

func TestSaveSessionDoesNotAliasMemory(t *testing.T) {
	t.Parallel()

	st := NewMemory()
	ctx := context.Background()
	sess := domain.NewSession("s1", "u1", time.Now())
	sess.Memory.Append(memory.Turn{User: "a", Assistant: "b"})
	if err := st.SaveSession(ctx, sess); err != nil {
		t.Fatal(err)
	}
	sess.Memory.Append(memory.Turn{User: "c", Assistant: "d"})

	got, err := st.GetSession(ctx, "s1")
	if err != nil {
		t.Fatal(err)
	}
	if len(got.Memory.Recent) != 1 {
		t.Fatalf("stored memory changed through caller's copy: %d turns", len(got.Memory.Recent))
	}
}

func TestTurnsListedOldestFirst(t *testing.T) {
	t.Parallel()

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			if err := st.SaveSession(ctx, domain.NewSession("s1", "u1", time.Now())); err != nil {
				t.Fatal(err)
			}

			base := time.UnixMilli(1_700_000_000_000)
			for i, id := range []string{"t1", "t2", "t3"} {
				rec := &domain.TurnRecord{
					TurnID:    id,
					SessionID: "s1",
					UserID:    "u1",
					Message:   "msg " + id,
					Status:    "completed",
					Result:    "ok",
					StartedAt: base.Add(time.Duration(i) * time.Second),
					Steps: []plan.PastStep{{
						Step:   plan.Step{ID: 1, Tool: "calculator"},
						Status: plan.StatusSuccess,
						Output: "4",
					}},
				}
				if id == "t3" {
					rec.Status = "halted"
					rec.HaltKind = "ceiling"
					rec.HaltReason = "replan limit (3) exceeded"
				}
				if err := st.SaveTurn(ctx, rec); err != nil {
					t.Fatalf("SaveTurn(%s) failed: %v", id, err)
				}
			}

			all, err := st.ListTurns(ctx, "s1", 0)
			if err != nil {
				t.Fatalf("ListTurns failed: %v", err)
			}
			if len(all) != 3 || all[0].TurnID != "t1" || all[2].TurnID != "t3" {
				t.Fatalf("unexpected order: %+v", all)
			}
			if all[2].HaltKind != "ceiling" || all[0].HaltKind != "" {
				t.Fatalf("halt fields not persisted: %+v %+v", all[0], all[2])
			}
			if len(all[0].Steps) != 1 || all[0].Steps[0].Step.Tool != "calculator" {
				t.Fatalf("steps not persisted: %+v", all[0].Steps)
			}

			last, err := st.ListTurns(ctx, "s1", 2)
			if err != nil {
				t.Fatal(err)
			}
			if len(last) != 2 || last[0].TurnID != "t2" || last[1].TurnID != "t3" {
				t.Fatalf("limit returned wrong window: %v, %v", last[0].TurnID, last[1].TurnID)
			}

			if err := st.DeleteSession(ctx, "s1"); err != nil {
				t.Fatal(err)
			}
			gone, err := st.ListTurns(ctx, "s1", 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(gone) != 0 {
				t.Fatalf("turns survived session delete: %d", len(gone))
			}
		})
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	for name, st := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			stale := domain.NewSession("stale", "u1", time.Now().Add(-3*time.Hour))
			fresh := domain.NewSession("fresh", "u1", time.Now())
			for _, s := range []*domain.Session{stale, fresh} {
				if err := st.SaveSession(ctx, s); err != nil {
					t.Fatal(err)
				}
			}

			var cleaned []string
			n := SweepExpired(ctx, st, time.Hour, func(id string) { cleaned = append(cleaned, id) })
			if n != 1 || len(cleaned) != 1 || cleaned[0] != "stale" {
				t.Fatalf("SweepExpired = %d, %v", n, cleaned)
			}
			if ok, _ := st.SessionExists(ctx, "fresh"); !ok {
				t.Fatal("fresh session was swept")
			}
		})
	}
}
