package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mistakeknot/toomanycooks/internal/core"
	"github.com/mistakeknot/toomanycooks/internal/storage"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func mustCreateAgent(t *testing.T, st *Store, name string, at time.Time) {
	t.Helper()
	err := st.CreateAgent(context.Background(), storage.AgentRecord{
		Agent:   core.Agent{Name: name, RegisteredAt: at, LastActive: at},
		KeyHash: []byte("hash-" + name),
	})
	if err != nil {
		t.Fatalf("create agent %s: %v", name, err)
	}
}

func lockFor(path, agent string, at time.Time, lease time.Duration) core.FileLock {
	return core.FileLock{FilePath: path, AgentName: agent, AcquiredAt: at, ExpiresAt: at.Add(lease), Reason: "edit"}
}

func TestSQLiteAgentRoundTrip(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	mustCreateAgent(t, st, "agentA", t0)

	rec, err := st.GetAgent(ctx, "agentA")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if string(rec.KeyHash) != "hash-agentA" || !rec.RegisteredAt.Equal(t0) {
		t.Fatalf("unexpected record: %+v", rec)
	}

	err = st.CreateAgent(ctx, storage.AgentRecord{Agent: core.Agent{Name: "agentA", RegisteredAt: t0, LastActive: t0}, KeyHash: []byte("x")})
	if !core.IsConflict(err, core.ConflictDuplicateName) {
		t.Fatalf("expected duplicate name conflict, got %v", err)
	}

	if _, err := st.GetAgent(ctx, "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLiteTouchAgentNeverMovesBackwards(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	mustCreateAgent(t, st, "agentA", t0)

	if err := st.TouchAgent(ctx, "agentA", t0.Add(time.Minute)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	if err := st.TouchAgent(ctx, "agentA", t0.Add(time.Second)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	rec, _ := st.GetAgent(ctx, "agentA")
	if !rec.LastActive.Equal(t0.Add(time.Minute)) {
		t.Fatalf("expected last_active %v, got %v", t0.Add(time.Minute), rec.LastActive)
	}
	if err := st.TouchAgent(ctx, "ghost", t0); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found for unknown agent, got %v", err)
	}
}

func TestSQLiteAcquireConflictReportsHolder(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()

	first, err := st.AcquireLock(ctx, lockFor("/src/main.ts", "agentA", t0, 10*time.Minute), t0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if first.Version != 1 {
		t.Fatalf("expected version 1, got %d", first.Version)
	}

	_, err = st.AcquireLock(ctx, lockFor("/src/main.ts", "agentB", t0.Add(time.Minute), 10*time.Minute), t0.Add(time.Minute))
	var ce *core.ConflictError
	if !errors.As(err, &ce) || ce.Kind != core.ConflictLockHeld {
		t.Fatalf("expected lock held, got %v", err)
	}
	if ce.Owner != "agentA" || !ce.ExpiresAt.Equal(first.ExpiresAt) {
		t.Fatalf("conflict should describe holder, got %+v", ce)
	}

	current, err := st.GetLock(ctx, "/src/main.ts")
	if err != nil {
		t.Fatalf("get lock: %v", err)
	}
	if current.AgentName != "agentA" || current.Version != 1 {
		t.Fatalf("loser must not mutate lock, got %+v", current)
	}
}

func TestSQLiteAcquireSameOwnerRefreshesLease(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()

	_, _ = st.AcquireLock(ctx, lockFor("/a.go", "agentA", t0, time.Minute), t0)
	later := t0.Add(30 * time.Second)
	again, err := st.AcquireLock(ctx, lockFor("/a.go", "agentA", later, time.Minute), later)
	if err != nil {
		t.Fatalf("re-acquire: %v", err)
	}
	if !again.ExpiresAt.Equal(later.Add(time.Minute)) || again.Version != 2 {
		t.Fatalf("expected refreshed lease at version 2, got %+v", again)
	}
}

func TestSQLiteAcquireReplacesExpiredLock(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()

	old, _ := st.AcquireLock(ctx, lockFor("/a.go", "agentA", t0, time.Minute), t0)
	later := t0.Add(2 * time.Minute)
	taken, err := st.AcquireLock(ctx, lockFor("/a.go", "agentB", later, time.Minute), later)
	if err != nil {
		t.Fatalf("acquire expired: %v", err)
	}
	if taken.AgentName != "agentB" {
		t.Fatalf("expected agentB to own lock, got %s", taken.AgentName)
	}
	if taken.Version == old.Version {
		t.Fatalf("expected version to change, both are %d", taken.Version)
	}
}

func TestSQLiteRenewAndRelease(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	_, _ = st.AcquireLock(ctx, lockFor("/a.go", "agentA", t0, time.Minute), t0)

	if _, err := st.RenewLock(ctx, "/a.go", "agentB", 0, t0, t0.Add(time.Hour)); !core.IsConflict(err, core.ConflictNotOwner) {
		t.Fatalf("expected not owner on foreign renew, got %v", err)
	}
	if _, err := st.RenewLock(ctx, "/a.go", "agentA", 7, t0, t0.Add(time.Hour)); !core.IsConflict(err, core.ConflictStaleVersion) {
		t.Fatalf("expected stale version, got %v", err)
	}
	renewed, err := st.RenewLock(ctx, "/a.go", "agentA", 1, t0, t0.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("renew: %v", err)
	}
	if renewed.Version != 2 || !renewed.ExpiresAt.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("unexpected renewed lock: %+v", renewed)
	}
	if _, err := st.RenewLock(ctx, "/missing.go", "agentA", 0, t0, t0); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found on missing renew, got %v", err)
	}

	if _, _, err := st.ReleaseLock(ctx, "/a.go", "agentB", 0, t0); !core.IsConflict(err, core.ConflictNotOwner) {
		t.Fatalf("expected not owner on foreign release, got %v", err)
	}
	_, removed, err := st.ReleaseLock(ctx, "/a.go", "agentA", 0, t0)
	if err != nil || !removed {
		t.Fatalf("owner release: removed=%v err=%v", removed, err)
	}
	_, removed, err = st.ReleaseLock(ctx, "/a.go", "agentA", 0, t0)
	if err != nil || removed {
		t.Fatalf("second release should be a no-op: removed=%v err=%v", removed, err)
	}
}

// A lapsed lock behaves as absent for renew and release whether or not the
// reaper deleted its row.
func TestSQLiteLapsedLockSameBeforeAndAfterSweep(t *testing.T) {
	for _, swept := range []bool{false, true} {
		st := NewSQLiteTest(t)
		ctx := context.Background()
		_, _ = st.AcquireLock(ctx, lockFor("/a.go", "agentA", t0, time.Minute), t0)
		later := t0.Add(5 * time.Minute)
		if swept {
			if n, err := st.SweepExpiredLocks(ctx, later); err != nil || len(n) != 1 {
				t.Fatalf("sweep: %v %v", n, err)
			}
		}

		for _, agent := range []string{"agentA", "agentB"} {
			if _, err := st.RenewLock(ctx, "/a.go", agent, 0, later, later.Add(time.Minute)); !errors.Is(err, core.ErrNotFound) {
				t.Fatalf("swept=%v: renew by %s: expected not found, got %v", swept, agent, err)
			}
			_, removed, err := st.ReleaseLock(ctx, "/a.go", agent, 0, later)
			if err != nil || removed {
				t.Fatalf("swept=%v: release by %s: removed=%v err=%v", swept, agent, removed, err)
			}
		}
		if _, err := st.ForceReleaseLock(ctx, "/a.go", later); !errors.Is(err, core.ErrNotFound) {
			t.Fatalf("swept=%v: force release: expected not found, got %v", swept, err)
		}
	}
}

func TestSQLiteReleaseForeignExpiredIsNoop(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	_, _ = st.AcquireLock(ctx, lockFor("/a.go", "agentA", t0, time.Minute), t0)

	_, removed, err := st.ReleaseLock(ctx, "/a.go", "agentB", 0, t0.Add(time.Hour))
	if err != nil || removed {
		t.Fatalf("expected no-op, got removed=%v err=%v", removed, err)
	}
	if _, err := st.GetLock(ctx, "/a.go"); err != nil {
		t.Fatalf("foreign release must not delete the row: %v", err)
	}
}

func TestSQLiteDeleteAgentReleasesLocksKeepsMessages(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	mustCreateAgent(t, st, "agentA", t0)
	mustCreateAgent(t, st, "agentB", t0)
	_, _ = st.AcquireLock(ctx, lockFor("/a.go", "agentA", t0, time.Hour), t0)
	_, _ = st.AcquireLock(ctx, lockFor("/b.go", "agentA", t0, time.Hour), t0)
	_, _ = st.AcquireLock(ctx, lockFor("/c.go", "agentB", t0, time.Hour), t0)
	_ = st.InsertMessage(ctx, core.Message{ID: "m1", FromAgent: "agentA", ToAgent: "agentB", Content: "hi", CreatedAt: t0})

	released, err := st.DeleteAgent(ctx, "agentA")
	if err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	if len(released) != 2 {
		t.Fatalf("expected 2 released locks, got %d", len(released))
	}
	mine, _ := st.ListLocksByAgent(ctx, "agentA")
	if len(mine) != 0 {
		t.Fatalf("expected no locks for agentA, got %d", len(mine))
	}
	all, _ := st.ListLocks(ctx)
	if len(all) != 1 || all[0].AgentName != "agentB" {
		t.Fatalf("expected only agentB lock to remain, got %+v", all)
	}
	if msgs, err := st.ListMessages(ctx, 10); err != nil || len(msgs) != 1 || msgs[0].ID != "m1" {
		t.Fatalf("sent message should survive delete: %+v %v", msgs, err)
	}
	if _, err := st.DeleteAgent(ctx, "agentA"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}
}

func TestSQLiteBroadcastVisibility(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	mustCreateAgent(t, st, "agentA", t0)
	mustCreateAgent(t, st, "agentB", t0)
	_ = st.InsertMessage(ctx, core.Message{ID: "b1", FromAgent: "agentA", ToAgent: core.Broadcast, Content: "all", CreatedAt: t0.Add(time.Second)})
	mustCreateAgent(t, st, "late", t0.Add(time.Minute))

	for _, tc := range []struct {
		agent string
		want  int
	}{
		{"agentA", 0}, // sender
		{"agentB", 1},
		{"late", 0},
	} {
		msgs, err := st.MessagesFor(ctx, storage.MessageQuery{Agent: tc.agent})
		if err != nil {
			t.Fatalf("messages for %s: %v", tc.agent, err)
		}
		if len(msgs) != tc.want {
			t.Fatalf("%s: expected %d messages, got %d", tc.agent, tc.want, len(msgs))
		}
	}

	n, _ := st.UnreadCount(ctx, "agentB")
	if n != 1 {
		t.Fatalf("expected 1 unread, got %d", n)
	}
	changed, err := st.MarkRead(ctx, "b1", "agentB", t0.Add(2*time.Minute))
	if err != nil || !changed {
		t.Fatalf("mark read: changed=%v err=%v", changed, err)
	}
	changed, err = st.MarkRead(ctx, "b1", "agentB", t0.Add(3*time.Minute))
	if err != nil || changed {
		t.Fatalf("second mark read should be a no-op: changed=%v err=%v", changed, err)
	}
	if _, err := st.MarkRead(ctx, "b1", "late", t0); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("late agent must not see broadcast, got %v", err)
	}
	msgs, _ := st.MessagesFor(ctx, storage.MessageQuery{Agent: "agentB"})
	if msgs[0].ReadAt == nil || !msgs[0].ReadAt.Equal(t0.Add(2*time.Minute)) {
		t.Fatalf("expected reader-specific read time, got %v", msgs[0].ReadAt)
	}
}

func TestSQLiteMessagesOrderingAndUnreadFilter(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	mustCreateAgent(t, st, "b", t0)
	for i, id := range []string{"m1", "m2", "m3"} {
		_ = st.InsertMessage(ctx, core.Message{ID: id, FromAgent: "a", ToAgent: "b", Content: id, CreatedAt: t0.Add(time.Duration(i) * time.Second)})
	}
	_, _ = st.MarkRead(ctx, "m2", "b", t0.Add(time.Minute))

	oldest, _ := st.MessagesFor(ctx, storage.MessageQuery{Agent: "b"})
	newest, _ := st.MessagesFor(ctx, storage.MessageQuery{Agent: "b", Order: storage.NewestFirst, Limit: 2})
	unread, _ := st.MessagesFor(ctx, storage.MessageQuery{Agent: "b", UnreadOnly: true})

	if len(oldest) != 3 || oldest[0].ID != "m1" {
		t.Fatalf("unexpected oldest-first order: %+v", oldest)
	}
	if len(newest) != 2 || newest[0].ID != "m3" || newest[1].ID != "m2" {
		t.Fatalf("unexpected newest-first order: %+v", newest)
	}
	if len(unread) != 2 || unread[0].ID != "m1" || unread[1].ID != "m3" {
		t.Fatalf("unexpected unread filter: %+v", unread)
	}

	n, err := st.MarkAllRead(ctx, "b", t0.Add(time.Hour))
	if err != nil || n != 2 {
		t.Fatalf("mark all read: n=%d err=%v", n, err)
	}
	if c, _ := st.UnreadCount(ctx, "b"); c != 0 {
		t.Fatalf("expected 0 unread, got %d", c)
	}
}

func TestSQLitePlansOrderedByUpdate(t *testing.T) {
	st := NewSQLiteTest(t)
	ctx := context.Background()
	_, _ = st.UpsertPlan(ctx, core.Plan{AgentName: "a", Goal: "g1", CurrentTask: "t1", UpdatedAt: t0})
	_, _ = st.UpsertPlan(ctx, core.Plan{AgentName: "b", Goal: "g2", CurrentTask: "t2", UpdatedAt: t0.Add(time.Second)})
	_, _ = st.UpsertPlan(ctx, core.Plan{AgentName: "a", Goal: "g3", CurrentTask: "t3", UpdatedAt: t0.Add(2 * time.Second)})

	plans, err := st.ListPlans(ctx)
	if err != nil {
		t.Fatalf("list plans: %v", err)
	}
	if len(plans) != 2 || plans[0].AgentName != "a" || plans[0].Goal != "g3" {
		t.Fatalf("unexpected plans: %+v", plans)
	}
	if _, err := st.GetPlan(ctx, "ghost"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLiteSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "data.db")
	st, err := New(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	ctx := context.Background()
	if _, err := st.AcquireLock(ctx, lockFor("/a.go", "agentA", t0, time.Hour), t0); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	st.Close()

	st, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	l, err := st.GetLock(ctx, "/a.go")
	if err != nil || l.AgentName != "agentA" {
		t.Fatalf("expected lock to survive restart, got %+v err=%v", l, err)
	}
}
