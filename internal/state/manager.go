// Package state is the client-facing read/write surface. Reads go through
// the stale-while-revalidate cache with retry-wrapped fetchers; writes go
// to the remote store and invalidate the affected cache keys. One Manager
// is constructed per process and shared by reference.
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/taskvault/taskvault/internal/cache"
	"github.com/taskvault/taskvault/internal/dedup"
	"github.com/taskvault/taskvault/internal/model"
	"github.com/taskvault/taskvault/internal/remote"
	"github.com/taskvault/taskvault/internal/retry"
	"github.com/taskvault/taskvault/internal/tombstone"
)

// Cache keys for the three entity collections.
const (
	keyTasks    = "tasks"
	keyProjects = "projects"
	keyGroups   = "groups"
)

// Identity is the optional identity sink; the REST client implements it.
type Identity interface {
	SetIdentity(userID, token string)
}

// Manager mediates all entity reads and writes.
type Manager struct {
	store      remote.Store
	dedup      dedup.Service
	tombstones *tombstone.Registry
	cache      *cache.Cache
	policy     *retry.Policy
	identity   Identity
	logger     *log.Logger
}

// New wires a Manager. identity may be nil (memory-backed stores have no
// auth surface).
func New(store remote.Store, svc dedup.Service, reg *tombstone.Registry,
	c *cache.Cache, policy *retry.Policy, identity Identity, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(os.Stderr, "[state] ", log.LstdFlags)
	}
	if c == nil {
		c = cache.New(logger)
	}
	if policy == nil {
		policy = retry.NewPolicy(3, logger)
	}
	return &Manager{
		store:      store,
		dedup:      svc,
		tombstones: reg,
		cache:      c,
		policy:     policy,
		identity:   identity,
		logger:     logger,
	}
}

// SetIdentity switches the owning identity. The cache clears itself when
// the identity actually changed, so one user's reads never leak to another.
func (m *Manager) SetIdentity(userID, token string) {
	if m.identity != nil {
		m.identity.SetIdentity(userID, token)
	}
	m.cache.OnIdentityChange(userID)
}

// Tasks returns the active task list through the cache.
func (m *Manager) Tasks(ctx context.Context) ([]model.Task, error) {
	v, err := m.cache.GetOrFetch(ctx, keyTasks, func(ctx context.Context) (any, error) {
		return retry.DoValue(ctx, m.policy, "select tasks", func(ctx context.Context) ([]model.Task, error) {
			return m.store.SelectTasks(ctx)
		})
	}, nil)
	if err != nil {
		return nil, err
	}
	return v.([]model.Task), nil
}

// Projects returns the project list through the cache.
func (m *Manager) Projects(ctx context.Context) ([]model.Project, error) {
	v, err := m.cache.GetOrFetch(ctx, keyProjects, func(ctx context.Context) (any, error) {
		return retry.DoValue(ctx, m.policy, "select projects", func(ctx context.Context) ([]model.Project, error) {
			return m.store.SelectProjects(ctx)
		})
	}, nil)
	if err != nil {
		return nil, err
	}
	return v.([]model.Project), nil
}

// Groups returns the group list through the cache.
func (m *Manager) Groups(ctx context.Context) ([]model.Group, error) {
	v, err := m.cache.GetOrFetch(ctx, keyGroups, func(ctx context.Context) (any, error) {
		return retry.DoValue(ctx, m.policy, "select groups", func(ctx context.Context) ([]model.Group, error) {
			return m.store.SelectGroups(ctx)
		})
	}, nil)
	if err != nil {
		return nil, err
	}
	return v.([]model.Group), nil
}

// CreateTask creates a task through the dedup service so an ID is created
// at most once across its lifetime.
func (m *Manager) CreateTask(ctx context.Context, task model.Task) (dedup.Decision, error) {
	if err := task.Validate(); err != nil {
		return dedup.DecisionFailed, err
	}
	decision, err := m.dedup.SafeCreate(ctx, task, model.OpCreate, "")
	if err != nil {
		return decision, err
	}
	if decision == dedup.DecisionCreated {
		m.cache.Invalidate(keyTasks)
	}
	return decision, nil
}

// UpdateTask upserts one existing task.
func (m *Manager) UpdateTask(ctx context.Context, task model.Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	err := m.policy.Do(ctx, "update task", func(ctx context.Context) error {
		_, err := m.store.UpsertTasks(ctx, []model.Task{task})
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", task.ID, err)
	}
	m.cache.Invalidate(keyTasks)
	return nil
}

// DeleteTask hard-deletes a task and records its permanent tombstone. The
// tombstone write is best-effort and never blocks the deletion.
func (m *Manager) DeleteTask(ctx context.Context, id string) error {
	err := m.policy.Do(ctx, "delete task", func(ctx context.Context) error {
		return m.store.DeleteTask(ctx, id)
	})
	if err != nil {
		return fmt.Errorf("failed to delete task %s: %w", id, err)
	}
	m.tombstones.Record(ctx, model.EntityTask, id)
	m.cache.Invalidate(keyTasks)
	return nil
}

// SaveProjects bulk-upserts projects.
func (m *Manager) SaveProjects(ctx context.Context, projects []model.Project) (int, error) {
	n, err := retry.DoValue(ctx, m.policy, "upsert projects", func(ctx context.Context) (int, error) {
		return m.store.UpsertProjects(ctx, projects)
	})
	if err != nil {
		return n, err
	}
	m.cache.Invalidate(keyProjects)
	return n, nil
}

// SaveGroups bulk-upserts groups.
func (m *Manager) SaveGroups(ctx context.Context, groups []model.Group) (int, error) {
	n, err := retry.DoValue(ctx, m.policy, "upsert groups", func(ctx context.Context) (int, error) {
		return m.store.UpsertGroups(ctx, groups)
	})
	if err != nil {
		return n, err
	}
	m.cache.Invalidate(keyGroups)
	return n, nil
}

// HandleChange applies one realtime change event by invalidating the
// affected collection. Events carry payloads, but the cache re-fetches
// rather than patching: the store is the only source of truth.
func (m *Manager) HandleChange(ev model.ChangeEvent) {
	switch ev.Table {
	case "tasks":
		m.cache.Invalidate(keyTasks)
	case "projects":
		m.cache.Invalidate(keyProjects)
	case "groups":
		m.cache.Invalidate(keyGroups)
	default:
		m.logger.Printf("Ignoring change event on unknown table %q", ev.Table)
		return
	}
	m.logger.Printf("Change %s on %s (%s)", ev.EventType, ev.Table, changedID(ev))
}

func changedID(ev model.ChangeEvent) string {
	var row struct {
		ID string `json:"id"`
	}
	payload := ev.New
	if len(payload) == 0 {
		payload = ev.Old
	}
	if err := json.Unmarshal(payload, &row); err != nil || row.ID == "" {
		return "unknown id"
	}
	return row.ID
}

// OnReconnect clears everything and reloads. The offline gap is unbounded
// and missed change events cannot be replayed, so incremental repair is
// not an option.
func (m *Manager) OnReconnect(ctx context.Context) error {
	m.cache.Clear()
	return m.ReloadAll(ctx)
}

// ReloadAll re-reads all three collections from the store, repopulating
// the cache.
func (m *Manager) ReloadAll(ctx context.Context) error {
	m.cache.Clear()
	if _, err := m.Tasks(ctx); err != nil {
		return fmt.Errorf("failed to reload tasks: %w", err)
	}
	if _, err := m.Projects(ctx); err != nil {
		return fmt.Errorf("failed to reload projects: %w", err)
	}
	if _, err := m.Groups(ctx); err != nil {
		return fmt.Errorf("failed to reload groups: %w", err)
	}
	return nil
}
