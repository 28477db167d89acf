package importer

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/taskvault/taskvault/internal/backup"
	"github.com/taskvault/taskvault/internal/model"
)

type eventLog struct {
	mu    sync.Mutex
	kinds []string
}

func (l *eventLog) record(kind string, data any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kinds = append(l.kinds, kind)
}

func (l *eventLog) has(kind string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, k := range l.kinds {
		if k == kind {
			return true
		}
	}
	return false
}

type fixture struct {
	dir     string
	local   *backup.LocalStore
	watcher *Watcher
	events  *eventLog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	local, err := backup.OpenLocal(filepath.Join(t.TempDir(), "backup.db"))
	if err != nil {
		t.Fatalf("OpenLocal: %v", err)
	}
	t.Cleanup(func() { local.Close() })

	events := &eventLog{}
	w, err := NewWatcher(local, &Config{
		Dir:         dir,
		SettleDelay: 10 * time.Millisecond,
		Logger:      log.New(io.Discard, "", 0),
		OnEvent:     events.record,
	})
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return &fixture{dir: dir, local: local, watcher: w, events: events}
}

func (f *fixture) start(t *testing.T) {
	t.Helper()
	if err := f.watcher.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { f.watcher.Stop() })
}

func writeSnapshot(t *testing.T, dir, name string, taskCount int) *backup.Snapshot {
	t.Helper()
	tasks := make([]model.Task, taskCount)
	for i := range tasks {
		tasks[i] = model.Task{ID: name + "-t" + string(rune('a'+i)), UserID: "user-1", Title: "Task", Status: "open"}
	}
	snap, err := backup.New(backup.KindManual, tasks, []model.Project{}, []model.Group{}, time.Now())
	if err != nil {
		t.Fatalf("New snapshot: %v", err)
	}
	writeEncoded(t, dir, name, snap)
	return snap
}

func writeEncoded(t *testing.T, dir, name string, snap *backup.Snapshot) {
	t.Helper()
	data, err := snap.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
}

func TestStart_IndexesExistingSnapshots(t *testing.T) {
	f := newFixture(t)
	snap := writeSnapshot(t, f.dir, "export.json", 3)

	f.start(t)

	got, err := f.local.GetSnapshot(context.Background(), snap.ID)
	if err != nil {
		t.Fatalf("snapshot not indexed: %v", err)
	}
	if got.Metadata.TaskCount != 3 {
		t.Errorf("TaskCount = %d, want 3", got.Metadata.TaskCount)
	}
	if !f.events.has("import_indexed") {
		t.Error("import_indexed event not emitted")
	}
}

func TestStart_RejectsNewerSchema(t *testing.T) {
	f := newFixture(t)
	snap := writeSnapshot(t, f.dir, "ok.json", 1)

	future, err := backup.New(backup.KindManual, []model.Task{}, []model.Project{}, []model.Group{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	future.SchemaVersion = backup.SchemaVersion + 1
	writeEncoded(t, f.dir, "future.json", future)

	f.start(t)

	if _, err := f.local.GetSnapshot(context.Background(), future.ID); err == nil {
		t.Error("newer-schema snapshot must not be indexed")
	}
	if !f.events.has("import_rejected") {
		t.Error("import_rejected event not emitted")
	}
	// The valid file in the same directory is still indexed.
	if _, err := f.local.GetSnapshot(context.Background(), snap.ID); err != nil {
		t.Errorf("valid sibling file not indexed: %v", err)
	}
}

func TestStart_ChecksumMismatchIndexesWithWarning(t *testing.T) {
	f := newFixture(t)
	snap, err := backup.New(backup.KindManual,
		[]model.Task{{ID: "t1", UserID: "u", Title: "Task", Status: "open"}},
		[]model.Project{}, []model.Group{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}
	// Tamper after checksumming. Corruption warns but never blocks an
	// import; a suspect backup beats no backup.
	snap.Tasks[0].Title = "Tampered"
	writeEncoded(t, f.dir, "tampered.json", snap)

	f.start(t)

	if _, err := f.local.GetSnapshot(context.Background(), snap.ID); err != nil {
		t.Errorf("tampered snapshot should still be indexed: %v", err)
	}
}

func TestStart_MalformedFileRejected(t *testing.T) {
	f := newFixture(t)
	if err := os.WriteFile(filepath.Join(f.dir, "garbage.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	f.start(t)

	count, err := f.local.HistoryCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 0 {
		t.Errorf("history count = %d, want 0", count)
	}
	if !f.events.has("import_rejected") {
		t.Error("import_rejected event not emitted")
	}
}

func TestImport_DuplicateSnapshotIsNoop(t *testing.T) {
	f := newFixture(t)
	snap := writeSnapshot(t, f.dir, "first.json", 2)
	writeEncoded(t, f.dir, "copy.json", snap)

	f.start(t)

	count, err := f.local.HistoryCount(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if count != 1 {
		t.Errorf("duplicate snapshot ID indexed twice: history count = %d", count)
	}
}

func TestWatch_IndexesFileDroppedAfterStart(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	snap := writeSnapshot(t, f.dir, "late.json", 4)

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := f.local.GetSnapshot(context.Background(), snap.ID); err == nil {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("snapshot dropped after start was never indexed")
}

func TestNewWatcher_RequiresDirectory(t *testing.T) {
	if _, err := NewWatcher(nil, nil); err == nil {
		t.Error("nil config should fail")
	}
	if _, err := NewWatcher(nil, &Config{}); err == nil {
		t.Error("empty directory should fail")
	}
}

func TestStart_Twice(t *testing.T) {
	f := newFixture(t)
	f.start(t)
	if err := f.watcher.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
}
