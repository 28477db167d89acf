// Package tombstone records permanent entity deletions so deleted IDs can
// never be resurrected by a restore or a lagging device.
package tombstone

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/taskvault/taskvault/internal/model"
	"github.com/taskvault/taskvault/internal/remote"
)

// Registry writes and reads tombstones through the remote store.
//
// Recording is best-effort: a failure to record must never block the
// deletion it accompanies, so errors are logged and swallowed. There is no
// update or delete API; non-task entries age out via ExpiresAt.
type Registry struct {
	store  remote.Store
	userID string
	logger *log.Logger
	now    func() time.Time
}

// New creates a Registry for the given identity.
func New(store remote.Store, userID string, logger *log.Logger) *Registry {
	if logger == nil {
		logger = log.New(os.Stderr, "[tombstone] ", log.LstdFlags)
	}
	return &Registry{
		store:  store,
		userID: userID,
		logger: logger,
		now:    time.Now,
	}
}

// Record upserts a tombstone for (entityType, entityID). Task tombstones
// are permanent; other entity types expire after the retention window.
// Idempotent: re-recording an existing tombstone refreshes the same row.
func (r *Registry) Record(ctx context.Context, entityType model.EntityType, entityID string) {
	now := r.now().UTC()
	ts := model.Tombstone{
		EntityType: entityType,
		EntityID:   entityID,
		UserID:     r.userID,
		DeletedAt:  now,
	}
	if entityType != model.EntityTask {
		expires := now.Add(model.TombstoneRetention)
		ts.ExpiresAt = &expires
	}

	if err := r.store.UpsertTombstone(ctx, ts); err != nil {
		// Non-fatal: deletion already happened; the worst case is a
		// resurrection window until the next successful record.
		r.logger.Printf("Warning: failed to record tombstone %s/%s: %v", entityType, entityID, err)
	}
}

// FetchAll returns the live tombstones for the current identity. Expired
// rows the storage layer has not yet swept are filtered here as well.
func (r *Registry) FetchAll(ctx context.Context) ([]model.Tombstone, error) {
	rows, err := r.store.SelectTombstones(ctx)
	if err != nil {
		return nil, err
	}
	now := r.now()
	live := rows[:0]
	for _, ts := range rows {
		if ts.Live(now) {
			live = append(live, ts)
		}
	}
	return live, nil
}

// LiveSet returns the live tombstoned ID set for one entity type.
func (r *Registry) LiveSet(ctx context.Context, entityType model.EntityType) (map[string]bool, error) {
	all, err := r.FetchAll(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool)
	for _, ts := range all {
		if ts.EntityType == entityType {
			set[ts.EntityID] = true
		}
	}
	return set, nil
}
