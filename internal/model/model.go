// Package model defines the entity types shared by the taskvault
// consistency engine: tasks, projects, groups, tombstones, dedup audit
// records, and realtime change events.
//
// Entity IDs are immutable. Once a task ID has been hard-deleted it is
// retired forever via a permanent tombstone and must never be reused.
package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// EntityType identifies a remote store table / entity kind.
type EntityType string

const (
	EntityTask    EntityType = "task"
	EntityProject EntityType = "project"
	EntityGroup   EntityType = "group"
)

// TombstoneRetention is how long non-task tombstones are kept.
// Task tombstones never expire: task IDs are immutable forever.
const TombstoneRetention = 90 * 24 * time.Hour

// Task is a single task row. Soft deletion is a flag plus timestamp;
// the row stays in the store until hard deletion, at which point a
// tombstone is recorded.
type Task struct {
	ID          string     `json:"id"`
	UserID      string     `json:"user_id"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	ProjectID   string     `json:"project_id,omitempty"`
	GroupID     string     `json:"group_id,omitempty"`
	Position    int        `json:"position"`
	Synthetic   bool       `json:"synthetic,omitempty"`
	Deleted     bool       `json:"deleted"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks required task fields.
func (t *Task) Validate() error {
	if t.ID == "" {
		return fmt.Errorf("task id is required")
	}
	if t.Title == "" {
		return fmt.Errorf("task %s: title is required", t.ID)
	}
	return nil
}

// Project groups tasks under a named container.
type Project struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	Color     string     `json:"color,omitempty"`
	Position  int        `json:"position"`
	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks required project fields.
func (p *Project) Validate() error {
	if p.ID == "" {
		return fmt.Errorf("project id is required")
	}
	if p.Name == "" {
		return fmt.Errorf("project %s: name is required", p.ID)
	}
	return nil
}

// Group is a kanban column / section within a project.
type Group struct {
	ID        string     `json:"id"`
	UserID    string     `json:"user_id"`
	Name      string     `json:"name"`
	ProjectID string     `json:"project_id,omitempty"`
	Position  int        `json:"position"`
	Deleted   bool       `json:"deleted"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Validate checks required group fields.
func (g *Group) Validate() error {
	if g.ID == "" {
		return fmt.Errorf("group id is required")
	}
	if g.Name == "" {
		return fmt.Errorf("group %s: name is required", g.ID)
	}
	return nil
}

// Tombstone records a permanent deletion. A nil ExpiresAt means the
// tombstone never expires (task entities). While a tombstone is live,
// its (EntityType, EntityID) must never be re-created.
type Tombstone struct {
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	UserID     string     `json:"user_id"`
	DeletedAt  time.Time  `json:"deleted_at"`
	ExpiresAt  *time.Time `json:"expires_at,omitempty"`
}

// Live reports whether the tombstone is still in effect at now.
func (ts *Tombstone) Live(now time.Time) bool {
	return ts.ExpiresAt == nil || ts.ExpiresAt.After(now)
}

// AuditOperation is the high-level operation that produced a dedup decision.
type AuditOperation string

const (
	OpRestore AuditOperation = "restore"
	OpSync    AuditOperation = "sync"
	OpCreate  AuditOperation = "create"
)

// AuditRecord is one append-only dedup audit row. The engine writes these
// for forensic traceability and never reads them back.
type AuditRecord struct {
	Operation    AuditOperation `json:"operation"`
	TaskID       string         `json:"task_id"`
	UserID       string         `json:"user_id"`
	Decision     string         `json:"decision"`
	Reason       string         `json:"reason,omitempty"`
	BackupSource string         `json:"backup_source,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// AvailabilityStatus classifies a task ID ahead of a create attempt.
type AvailabilityStatus string

const (
	StatusAvailable   AvailabilityStatus = "available"
	StatusActive      AvailabilityStatus = "active"
	StatusSoftDeleted AvailabilityStatus = "soft_deleted"
	StatusTombstoned  AvailabilityStatus = "tombstoned"
)

// TaskIDAvailability is a read-side projection of whether a task ID can be
// created. Never persisted.
type TaskIDAvailability struct {
	TaskID string             `json:"task_id"`
	Status AvailabilityStatus `json:"status"`
	Reason string             `json:"reason,omitempty"`
}

// ChangeType is a realtime change event kind.
type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// ChangeEvent is one row-level change delivered over the realtime channel.
// New and Old are raw row payloads; consumers that only need invalidation
// never decode them.
type ChangeEvent struct {
	EventType ChangeType      `json:"eventType"`
	Table     string          `json:"table"`
	New       json.RawMessage `json:"new,omitempty"`
	Old       json.RawMessage `json:"old,omitempty"`
}
