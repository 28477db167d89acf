package state

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/taskvault/taskvault/internal/cache"
	"github.com/taskvault/taskvault/internal/dedup"
	"github.com/taskvault/taskvault/internal/model"
	"github.com/taskvault/taskvault/internal/remote"
	"github.com/taskvault/taskvault/internal/retry"
	"github.com/taskvault/taskvault/internal/tombstone"
)

func newTestManager(t *testing.T) (*Manager, *remote.MemoryStore, *cache.Cache) {
	t.Helper()
	quiet := log.New(io.Discard, "", 0)
	store := remote.NewMemoryStore()
	c := cache.New(quiet)
	svc := dedup.New(store, dedup.Config{Logger: quiet})
	reg := tombstone.New(store, "user-1", quiet)
	m := New(store, svc, reg, c, retry.NewPolicy(1, quiet), nil, quiet)
	return m, store, c
}

func task(id string) model.Task {
	return model.Task{ID: id, UserID: "user-1", Title: "Task " + id, Status: "open"}
}

func TestTasks_ReadsThroughCache(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	store.Tasks["t1"] = task("t1")
	tasks, err := m.Tasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Fatalf("got %d tasks, want 1", len(tasks))
	}

	// Within the freshness window a new row is invisible: the cached
	// value is served without a network call.
	store.Tasks["t2"] = task("t2")
	tasks, err = m.Tasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 1 {
		t.Errorf("fresh cache window leaked a new row: %d tasks", len(tasks))
	}
}

func TestCreateTask_InvalidatesCache(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	store.Tasks["t1"] = task("t1")
	if _, err := m.Tasks(ctx); err != nil {
		t.Fatal(err)
	}

	decision, err := m.CreateTask(ctx, task("t2"))
	if err != nil {
		t.Fatal(err)
	}
	if decision != dedup.DecisionCreated {
		t.Fatalf("decision = %v", decision)
	}

	tasks, err := m.Tasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Errorf("create did not invalidate the cache: %d tasks", len(tasks))
	}
}

func TestCreateTask_TombstonedIDRefused(t *testing.T) {
	m, store, _ := newTestManager(t)
	store.Tombstones["task/dead"] = model.Tombstone{
		EntityType: model.EntityTask, EntityID: "dead", DeletedAt: time.Now(),
	}

	decision, err := m.CreateTask(context.Background(), task("dead"))
	if err != nil {
		t.Fatal(err)
	}
	if decision != dedup.DecisionTombstoned {
		t.Errorf("decision = %v, want tombstoned", decision)
	}
}

func TestDeleteTask_RecordsTombstoneAndInvalidates(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	store.Tasks["t1"] = task("t1")
	if _, err := m.Tasks(ctx); err != nil {
		t.Fatal(err)
	}

	if err := m.DeleteTask(ctx, "t1"); err != nil {
		t.Fatal(err)
	}
	if _, exists := store.Tasks["t1"]; exists {
		t.Error("task not deleted")
	}
	if _, err := store.GetTombstone(ctx, model.EntityTask, "t1"); err != nil {
		t.Errorf("tombstone not recorded: %v", err)
	}

	tasks, err := m.Tasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 0 {
		t.Errorf("delete did not invalidate the cache: %d tasks", len(tasks))
	}
}

func TestHandleChange_InvalidatesAffectedTableOnly(t *testing.T) {
	m, store, c := newTestManager(t)
	ctx := context.Background()

	store.Tasks["t1"] = task("t1")
	store.Projects["p1"] = model.Project{ID: "p1", Name: "Inbox"}
	if _, err := m.Tasks(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := m.Projects(ctx); err != nil {
		t.Fatal(err)
	}
	if c.Len() != 2 {
		t.Fatalf("expected 2 cached keys, got %d", c.Len())
	}

	m.HandleChange(model.ChangeEvent{
		EventType: model.ChangeInsert,
		Table:     "tasks",
		New:       json.RawMessage(`{"id":"t9"}`),
	})
	if c.Len() != 1 {
		t.Errorf("expected only tasks key invalidated, %d keys remain", c.Len())
	}

	// Unknown tables are ignored.
	m.HandleChange(model.ChangeEvent{EventType: model.ChangeUpdate, Table: "sessions"})
	if c.Len() != 1 {
		t.Errorf("unknown table must not invalidate, %d keys remain", c.Len())
	}
}

func TestOnReconnect_ClearsAndReloads(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	store.Tasks["t1"] = task("t1")
	if _, err := m.Tasks(ctx); err != nil {
		t.Fatal(err)
	}

	// Simulate a write missed while disconnected.
	store.Tasks["t2"] = task("t2")

	if err := m.OnReconnect(ctx); err != nil {
		t.Fatal(err)
	}
	tasks, err := m.Tasks(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Errorf("reconnect reload missed rows: %d tasks", len(tasks))
	}
}

func TestSetIdentity_ClearsCacheOnChange(t *testing.T) {
	m, store, c := newTestManager(t)
	ctx := context.Background()

	m.SetIdentity("user-a", "token-a")
	store.Tasks["t1"] = task("t1")
	if _, err := m.Tasks(ctx); err != nil {
		t.Fatal(err)
	}

	m.SetIdentity("user-b", "token-b")
	if c.Len() != 0 {
		t.Errorf("identity change left %d cached keys", c.Len())
	}
}

func TestSaveProjects_Invalidates(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()

	if _, err := m.Projects(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := m.SaveProjects(ctx, []model.Project{{ID: "p1", Name: "Inbox"}})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("SaveProjects = %d, want 1", n)
	}

	projects, err := m.Projects(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(projects) != 1 {
		t.Errorf("write did not invalidate: %d projects", len(projects))
	}
}
