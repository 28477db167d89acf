package backup

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/taskvault/taskvault/internal/model"
)

func newTestLocal(t *testing.T) *LocalStore {
	t.Helper()
	ls, err := OpenLocal(filepath.Join(t.TempDir(), "backups.db"))
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	t.Cleanup(func() {
		if err := ls.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return ls
}

func mustSnapshot(t *testing.T, kind Kind, taskCount int, at time.Time) *Snapshot {
	t.Helper()
	tasks := make([]model.Task, taskCount)
	for i := range tasks {
		tasks[i] = model.Task{ID: snapTaskID(i), UserID: "user-1", Title: "Task", Status: "open"}
	}
	snap, err := New(kind, tasks, []model.Project{}, []model.Group{}, at)
	if err != nil {
		t.Fatalf("New snapshot: %v", err)
	}
	return snap
}

func snapTaskID(i int) string {
	return "task-" + string(rune('a'+i%26)) + string(rune('a'+(i/26)%26))
}

func TestAppendHistory_Roundtrip(t *testing.T) {
	ls := newTestLocal(t)
	ctx := context.Background()

	snap := mustSnapshot(t, KindManual, 3, time.Now())
	if err := ls.AppendHistory(ctx, snap, 20, 0); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	got, err := ls.GetSnapshot(ctx, snap.ID)
	if err != nil {
		t.Fatalf("GetSnapshot: %v", err)
	}
	if got.ID != snap.ID || got.Kind != KindManual || got.Metadata.TaskCount != 3 {
		t.Errorf("roundtrip mismatch: %+v", got)
	}
	if got.Checksum != snap.Checksum {
		t.Error("checksum changed across persistence")
	}

	latest, err := ls.Latest(ctx)
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest.ID != snap.ID {
		t.Errorf("Latest = %s, want %s", latest.ID, snap.ID)
	}
}

func TestLatest_EmptyStore(t *testing.T) {
	ls := newTestLocal(t)
	if _, err := ls.Latest(context.Background()); !errors.Is(err, ErrNoSnapshot) {
		t.Errorf("expected ErrNoSnapshot, got %v", err)
	}
}

func TestAppendHistory_PrunesByCount(t *testing.T) {
	ls := newTestLocal(t)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i := 0; i < 5; i++ {
		snap := mustSnapshot(t, KindAuto, i+1, base.Add(time.Duration(i)*time.Minute))
		if err := ls.AppendHistory(ctx, snap, 3, 0); err != nil {
			t.Fatalf("AppendHistory %d: %v", i, err)
		}
	}

	count, err := ls.HistoryCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 3 {
		t.Errorf("history count = %d, want 3", count)
	}

	entries, err := ls.ListHistory(ctx)
	if err != nil {
		t.Fatal(err)
	}
	// Newest-first; the two oldest were pruned.
	if entries[0].Metadata.TaskCount != 5 || entries[len(entries)-1].Metadata.TaskCount != 3 {
		t.Errorf("wrong entries survived pruning: %+v", entries)
	}
}

func TestAppendHistory_PrunesByTTL(t *testing.T) {
	ls := newTestLocal(t)
	ctx := context.Background()

	old := mustSnapshot(t, KindAuto, 1, time.Now().Add(-48*time.Hour))
	if err := ls.AppendHistory(ctx, old, 20, 0); err != nil {
		t.Fatal(err)
	}
	fresh := mustSnapshot(t, KindAuto, 2, time.Now())
	if err := ls.AppendHistory(ctx, fresh, 20, 24*time.Hour); err != nil {
		t.Fatal(err)
	}

	count, err := ls.HistoryCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("history count = %d, want 1 after TTL sweep", count)
	}
	if _, err := ls.GetSnapshot(ctx, old.ID); !errors.Is(err, ErrNoSnapshot) {
		t.Error("expired snapshot should be gone")
	}
}

func TestAppendHistory_DuplicateIDIsNoop(t *testing.T) {
	ls := newTestLocal(t)
	ctx := context.Background()

	snap := mustSnapshot(t, KindAuto, 2, time.Now())
	if err := ls.AppendHistory(ctx, snap, 20, 0); err != nil {
		t.Fatal(err)
	}
	if err := ls.AppendHistory(ctx, snap, 20, 0); err != nil {
		t.Fatal(err)
	}

	count, err := ls.HistoryCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("duplicate append produced %d rows", count)
	}
}

func TestGoldenPersistence_Roundtrip(t *testing.T) {
	ls := newTestLocal(t)
	ctx := context.Background()

	a := mustSnapshot(t, KindAuto, 10, time.Now())
	b := mustSnapshot(t, KindAuto, 5, time.Now())
	if err := ls.SaveGolden(ctx, []*Snapshot{a, b}); err != nil {
		t.Fatalf("SaveGolden: %v", err)
	}

	members, err := ls.LoadGolden(ctx)
	if err != nil {
		t.Fatalf("LoadGolden: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("got %d members, want 2", len(members))
	}
	if members[0].ID != a.ID || members[1].ID != b.ID {
		t.Error("golden rotation order not preserved")
	}

	// Replacement, not accumulation.
	if err := ls.SaveGolden(ctx, []*Snapshot{b}); err != nil {
		t.Fatal(err)
	}
	members, err = ls.LoadGolden(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(members) != 1 || members[0].ID != b.ID {
		t.Errorf("SaveGolden should replace, got %d members", len(members))
	}
}

func TestMaxTaskCount(t *testing.T) {
	ls := newTestLocal(t)
	ctx := context.Background()

	n, err := ls.MaxTaskCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("empty store high-water mark = %d, want 0", n)
	}

	if err := ls.SetMaxTaskCount(ctx, 42); err != nil {
		t.Fatal(err)
	}
	n, err = ls.MaxTaskCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 42 {
		t.Errorf("high-water mark = %d, want 42", n)
	}
}
