// Package remote defines the contract the consistency engine needs from the
// hosted data store, plus a REST client and an in-memory implementation.
//
// The store is the single durable source of truth for entities and
// tombstones. Every write path reports affected-row counts so callers can
// detect silent partial-write rejection (row-level security dropping rows).
package remote

import (
	"context"
	"errors"
	"fmt"

	"github.com/taskvault/taskvault/internal/model"
)

// Sentinel errors shared across store implementations.
var (
	// ErrNotFound is returned by single-row lookups when no row matches.
	ErrNotFound = errors.New("remote: not found")

	// ErrUniqueViolation is returned when an insert loses a race to a
	// concurrent creator of the same ID.
	ErrUniqueViolation = errors.New("remote: unique constraint violation")

	// ErrNotAuthenticated marks guest mode: reads return empty, writes no-op.
	ErrNotAuthenticated = errors.New("remote: not authenticated")

	// ErrClockSkew marks an auth token issued in the future (client clock
	// behind the server). Retryable.
	ErrClockSkew = errors.New("remote: token issued in the future")
)

// PartialWriteError is raised when the store accepted fewer rows than were
// sent. It is never retried: re-sending a partial upsert risks duplicate
// side effects.
type PartialWriteError struct {
	Table     string
	Requested int
	Affected  int
}

func (e *PartialWriteError) Error() string {
	return fmt.Sprintf("remote: partial write blocked on %s: %d of %d rows accepted",
		e.Table, e.Affected, e.Requested)
}

// StatusError carries an HTTP status from the REST transport so the retry
// policy can classify auth failures without string matching.
type StatusError struct {
	Status  int
	Message string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("remote: status %d: %s", e.Status, e.Message)
}

// Store is the remote data store consumed by the engine.
//
// Select* methods exclude soft-deleted rows unless stated otherwise.
// Upsert* methods return the number of rows the store actually accepted;
// implementations must return *PartialWriteError when that count is short.
type Store interface {
	SelectTasks(ctx context.Context) ([]model.Task, error)
	SelectProjects(ctx context.Context) ([]model.Project, error)
	SelectGroups(ctx context.Context) ([]model.Group, error)

	// GetTaskByID returns the task whether active or soft-deleted.
	// Returns ErrNotFound when the ID has never existed (or was hard-deleted).
	GetTaskByID(ctx context.Context, id string) (*model.Task, error)

	// SelectTaskIDs returns all task IDs, including soft-deleted rows when
	// includeDeleted is set. Used by the batch availability check.
	SelectTaskIDs(ctx context.Context, includeDeleted bool) (map[string]bool, error)

	// SelectDeletedIDs returns the soft-deleted ID set for a table
	// ("projects" or "groups"). Used by restore filtering.
	SelectDeletedIDs(ctx context.Context, table string) (map[string]bool, error)

	InsertTask(ctx context.Context, task model.Task) error
	UpsertTasks(ctx context.Context, tasks []model.Task) (int, error)
	UpsertProjects(ctx context.Context, projects []model.Project) (int, error)
	UpsertGroups(ctx context.Context, groups []model.Group) (int, error)

	DeleteTask(ctx context.Context, id string) error

	UpsertTombstone(ctx context.Context, ts model.Tombstone) error
	GetTombstone(ctx context.Context, entityType model.EntityType, id string) (*model.Tombstone, error)
	SelectTombstones(ctx context.Context) ([]model.Tombstone, error)

	InsertAudit(ctx context.Context, rec model.AuditRecord) error
}

// Procedures is the optional server-side stored-procedure surface. When the
// store implements it and reports support, the dedup service performs
// safe-create and availability checks in a single atomic remote call
// instead of the multi-step client-side sequence.
type Procedures interface {
	// HasProcedures reports whether the stored procedures are installed.
	HasProcedures() bool

	// SafeCreateTask atomically checks existence and tombstones, inserting
	// only when the ID is free. Returns one of "created", "exists",
	// "tombstoned".
	SafeCreateTask(ctx context.Context, task model.Task) (string, error)

	// CheckTaskAvailability classifies a batch of IDs server-side.
	CheckTaskAvailability(ctx context.Context, ids []string) ([]model.TaskIDAvailability, error)
}
