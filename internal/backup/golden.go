package backup

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"
	"time"
)

// GoldenCapacity is the maximum number of retained golden snapshots.
const GoldenCapacity = 3

// GoldenFreshness is the age beyond which a golden restore warns that the
// snapshot may be stale.
const GoldenFreshness = 7 * 24 * time.Hour

// GoldenRotation retains the highest-water-mark snapshots as a safety net
// independent of the rolling history. Members are sorted descending by
// task count and deduplicated by distinct peak values; a member is never
// displaced by a smaller snapshot unless forced.
type GoldenRotation struct {
	local  *LocalStore
	logger *log.Logger
}

// NewGoldenRotation creates a rotation persisted through the local store.
func NewGoldenRotation(local *LocalStore, logger *log.Logger) *GoldenRotation {
	if logger == nil {
		logger = log.New(os.Stderr, "[golden] ", log.LstdFlags)
	}
	return &GoldenRotation{local: local, logger: logger}
}

// Members returns the current rotation, largest first.
func (g *GoldenRotation) Members(ctx context.Context) ([]*Snapshot, error) {
	return g.local.LoadGolden(ctx)
}

// Peak returns the largest task count in the rotation (0 when empty).
func (g *GoldenRotation) Peak(ctx context.Context) (int, error) {
	members, err := g.local.LoadGolden(ctx)
	if err != nil {
		return 0, err
	}
	if len(members) == 0 {
		return 0, nil
	}
	return members[0].Metadata.TaskCount, nil
}

// Save offers a snapshot to the rotation. Acceptance rules:
//   - force always accepts;
//   - free capacity accepts;
//   - otherwise the snapshot must exceed the current lowest member or set
//     a new peak.
//
// After acceptance the rotation is merged, equal peak values collapse to
// the most recent snapshot, members sort descending by task count, and
// the list truncates to capacity. Returns whether the snapshot was kept.
func (g *GoldenRotation) Save(ctx context.Context, snap *Snapshot, force bool) (bool, error) {
	members, err := g.local.LoadGolden(ctx)
	if err != nil {
		return false, err
	}

	count := snap.Metadata.TaskCount
	if !force && len(members) >= GoldenCapacity {
		// Exceeding the lowest member covers the new-peak case too.
		lowest := members[len(members)-1].Metadata.TaskCount
		if count <= lowest {
			g.logger.Printf("Golden rotation rejected snapshot %s (%d tasks, lowest member %d)",
				snap.ID, count, lowest)
			return false, nil
		}
	}

	merged := append(members, snap)

	// Collapse duplicate peak values, keeping the most recent snapshot.
	byCount := make(map[int]*Snapshot, len(merged))
	for _, m := range merged {
		cur, ok := byCount[m.Metadata.TaskCount]
		if !ok || m.Timestamp.After(cur.Timestamp) {
			byCount[m.Metadata.TaskCount] = m
		}
	}
	deduped := make([]*Snapshot, 0, len(byCount))
	for _, m := range byCount {
		deduped = append(deduped, m)
	}

	sort.Slice(deduped, func(i, j int) bool {
		return deduped[i].Metadata.TaskCount > deduped[j].Metadata.TaskCount
	})
	if len(deduped) > GoldenCapacity {
		deduped = deduped[:GoldenCapacity]
	}

	if err := g.local.SaveGolden(ctx, deduped); err != nil {
		return false, err
	}

	kept := false
	for _, m := range deduped {
		if m.ID == snap.ID {
			kept = true
			break
		}
	}
	if kept {
		g.logger.Printf("Golden rotation accepted snapshot %s (%d tasks, %d members)",
			snap.ID, count, len(deduped))
	}
	return kept, nil
}

// Get returns the rotation member at index (0 = largest).
func (g *GoldenRotation) Get(ctx context.Context, index int) (*Snapshot, error) {
	members, err := g.local.LoadGolden(ctx)
	if err != nil {
		return nil, err
	}
	if index < 0 || index >= len(members) {
		return nil, fmt.Errorf("golden rotation has %d members, index %d out of range", len(members), index)
	}
	return members[index], nil
}
