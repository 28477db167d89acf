package remote

import (
	"context"
	"sync"

	"github.com/taskvault/taskvault/internal/model"
)

// MemoryStore is an in-memory Store used by tests and by offline dry runs.
// It mimics the hosted store's semantics: hard-deleted IDs disappear from
// the table, upserts report accepted counts, and inserts on an existing ID
// return ErrUniqueViolation.
//
// Failure injection: set Fail to make every call return that error, or
// FailOp to fail a single named operation ("select_task_ids", "insert_task",
// "upsert_tombstone", ...). Audit and tombstone rows are retained so tests
// can assert on them.
type MemoryStore struct {
	mu sync.Mutex

	Tasks      map[string]model.Task
	Projects   map[string]model.Project
	Groups     map[string]model.Group
	Tombstones map[string]model.Tombstone // key: type/id
	Audit      []model.AuditRecord

	Fail   error
	FailOp map[string]error

	// Procs enables the stored-procedure surface.
	Procs bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		Tasks:      make(map[string]model.Task),
		Projects:   make(map[string]model.Project),
		Groups:     make(map[string]model.Group),
		Tombstones: make(map[string]model.Tombstone),
		FailOp:     make(map[string]error),
	}
}

func (m *MemoryStore) failFor(op string) error {
	if m.Fail != nil {
		return m.Fail
	}
	if err, ok := m.FailOp[op]; ok {
		return err
	}
	return nil
}

func tombstoneKey(t model.EntityType, id string) string {
	return string(t) + "/" + id
}

// SelectTasks returns active tasks.
func (m *MemoryStore) SelectTasks(ctx context.Context) ([]model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("select_tasks"); err != nil {
		return nil, err
	}
	var out []model.Task
	for _, t := range m.Tasks {
		if !t.Deleted {
			out = append(out, t)
		}
	}
	return out, nil
}

// SelectProjects returns active projects.
func (m *MemoryStore) SelectProjects(ctx context.Context) ([]model.Project, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("select_projects"); err != nil {
		return nil, err
	}
	var out []model.Project
	for _, p := range m.Projects {
		if !p.Deleted {
			out = append(out, p)
		}
	}
	return out, nil
}

// SelectGroups returns active groups.
func (m *MemoryStore) SelectGroups(ctx context.Context) ([]model.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("select_groups"); err != nil {
		return nil, err
	}
	var out []model.Group
	for _, g := range m.Groups {
		if !g.Deleted {
			out = append(out, g)
		}
	}
	return out, nil
}

// GetTaskByID returns the task whether active or soft-deleted.
func (m *MemoryStore) GetTaskByID(ctx context.Context, id string) (*model.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("get_task"); err != nil {
		return nil, err
	}
	t, ok := m.Tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &t, nil
}

// SelectTaskIDs returns id -> soft-deleted flag.
func (m *MemoryStore) SelectTaskIDs(ctx context.Context, includeDeleted bool) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("select_task_ids"); err != nil {
		return nil, err
	}
	ids := make(map[string]bool, len(m.Tasks))
	for id, t := range m.Tasks {
		if t.Deleted && !includeDeleted {
			continue
		}
		ids[id] = t.Deleted
	}
	return ids, nil
}

// SelectDeletedIDs returns the soft-deleted set for projects or groups.
func (m *MemoryStore) SelectDeletedIDs(ctx context.Context, table string) (map[string]bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("select_deleted_ids"); err != nil {
		return nil, err
	}
	ids := make(map[string]bool)
	switch table {
	case "projects":
		for id, p := range m.Projects {
			if p.Deleted {
				ids[id] = true
			}
		}
	case "groups":
		for id, g := range m.Groups {
			if g.Deleted {
				ids[id] = true
			}
		}
	}
	return ids, nil
}

// InsertTask inserts one task, failing on an existing ID.
func (m *MemoryStore) InsertTask(ctx context.Context, task model.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("insert_task"); err != nil {
		return err
	}
	if _, exists := m.Tasks[task.ID]; exists {
		return ErrUniqueViolation
	}
	m.Tasks[task.ID] = task
	return nil
}

// UpsertTasks bulk-upserts tasks.
func (m *MemoryStore) UpsertTasks(ctx context.Context, tasks []model.Task) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("upsert_tasks"); err != nil {
		return 0, err
	}
	for _, t := range tasks {
		m.Tasks[t.ID] = t
	}
	return len(tasks), nil
}

// UpsertProjects bulk-upserts projects.
func (m *MemoryStore) UpsertProjects(ctx context.Context, projects []model.Project) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("upsert_projects"); err != nil {
		return 0, err
	}
	for _, p := range projects {
		m.Projects[p.ID] = p
	}
	return len(projects), nil
}

// UpsertGroups bulk-upserts groups.
func (m *MemoryStore) UpsertGroups(ctx context.Context, groups []model.Group) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("upsert_groups"); err != nil {
		return 0, err
	}
	for _, g := range groups {
		m.Groups[g.ID] = g
	}
	return len(groups), nil
}

// DeleteTask hard-deletes a task row. Idempotent.
func (m *MemoryStore) DeleteTask(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("delete_task"); err != nil {
		return err
	}
	delete(m.Tasks, id)
	return nil
}

// UpsertTombstone records a tombstone keyed by (type, id).
func (m *MemoryStore) UpsertTombstone(ctx context.Context, ts model.Tombstone) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("upsert_tombstone"); err != nil {
		return err
	}
	m.Tombstones[tombstoneKey(ts.EntityType, ts.EntityID)] = ts
	return nil
}

// GetTombstone fetches one tombstone or ErrNotFound.
func (m *MemoryStore) GetTombstone(ctx context.Context, entityType model.EntityType, id string) (*model.Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("get_tombstone"); err != nil {
		return nil, err
	}
	ts, ok := m.Tombstones[tombstoneKey(entityType, id)]
	if !ok {
		return nil, ErrNotFound
	}
	return &ts, nil
}

// SelectTombstones returns all tombstone rows.
func (m *MemoryStore) SelectTombstones(ctx context.Context) ([]model.Tombstone, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("select_tombstones"); err != nil {
		return nil, err
	}
	out := make([]model.Tombstone, 0, len(m.Tombstones))
	for _, ts := range m.Tombstones {
		out = append(out, ts)
	}
	return out, nil
}

// InsertAudit appends one audit row.
func (m *MemoryStore) InsertAudit(ctx context.Context, rec model.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("insert_audit"); err != nil {
		return err
	}
	m.Audit = append(m.Audit, rec)
	return nil
}

// HasProcedures reports whether the fake stored procedures are enabled.
func (m *MemoryStore) HasProcedures() bool { return m.Procs }

// SafeCreateTask is the fake atomic safe-create procedure.
func (m *MemoryStore) SafeCreateTask(ctx context.Context, task model.Task) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("rpc_safe_create"); err != nil {
		return "", err
	}
	if _, exists := m.Tasks[task.ID]; exists {
		return "exists", nil
	}
	if _, tombstoned := m.Tombstones[tombstoneKey(model.EntityTask, task.ID)]; tombstoned {
		return "tombstoned", nil
	}
	m.Tasks[task.ID] = task
	return "created", nil
}

// CheckTaskAvailability is the fake batch availability procedure.
func (m *MemoryStore) CheckTaskAvailability(ctx context.Context, ids []string) ([]model.TaskIDAvailability, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failFor("rpc_check_availability"); err != nil {
		return nil, err
	}
	results := make([]model.TaskIDAvailability, 0, len(ids))
	for _, id := range ids {
		switch {
		case m.Tasks[id].ID != "" && m.Tasks[id].Deleted:
			results = append(results, model.TaskIDAvailability{TaskID: id, Status: model.StatusSoftDeleted, Reason: "task exists (soft-deleted)"})
		case m.Tasks[id].ID != "":
			results = append(results, model.TaskIDAvailability{TaskID: id, Status: model.StatusActive, Reason: "task exists"})
		default:
			if _, tombstoned := m.Tombstones[tombstoneKey(model.EntityTask, id)]; tombstoned {
				results = append(results, model.TaskIDAvailability{TaskID: id, Status: model.StatusTombstoned, Reason: "id permanently retired"})
			} else {
				results = append(results, model.TaskIDAvailability{TaskID: id, Status: model.StatusAvailable})
			}
		}
	}
	return results, nil
}
