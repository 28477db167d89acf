package dedup

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/taskvault/taskvault/internal/model"
	"github.com/taskvault/taskvault/internal/remote"
)

// clientService is the fallback strategy: three sequential remote checks
// instead of one atomic procedure call. The insert itself is still guarded
// by the store's uniqueness constraint, so a concurrent creator race
// resolves to "exists" rather than a duplicate.
type clientService struct {
	store  remote.Store
	audit  *auditWriter
	logger *log.Logger
}

// SafeCreate implements Service.
func (s *clientService) SafeCreate(ctx context.Context, task model.Task, op model.AuditOperation, backupSource string) (Decision, error) {
	if err := task.Validate(); err != nil {
		return DecisionFailed, fmt.Errorf("invalid task: %w", err)
	}

	// 1. Already present, active or soft-deleted?
	existing, err := s.store.GetTaskByID(ctx, task.ID)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		s.audit.append(ctx, op, task.ID, DecisionFailed, err.Error(), backupSource)
		return DecisionFailed, fmt.Errorf("existence check failed for %s: %w", task.ID, err)
	}
	if existing != nil {
		reason := "task exists"
		if existing.Deleted {
			reason = "task exists (soft-deleted)"
		}
		s.audit.append(ctx, op, task.ID, DecisionExists, reason, backupSource)
		return DecisionExists, nil
	}

	// 2. Tombstoned?
	ts, err := s.store.GetTombstone(ctx, model.EntityTask, task.ID)
	if err != nil && !errors.Is(err, remote.ErrNotFound) {
		s.audit.append(ctx, op, task.ID, DecisionFailed, err.Error(), backupSource)
		return DecisionFailed, fmt.Errorf("tombstone check failed for %s: %w", task.ID, err)
	}
	if ts != nil {
		s.audit.append(ctx, op, task.ID, DecisionTombstoned, "id permanently retired", backupSource)
		return DecisionTombstoned, nil
	}

	// 3. Free: insert. A unique violation here means another device won the
	// race between our checks and the insert.
	if err := s.store.InsertTask(ctx, task); err != nil {
		if errors.Is(err, remote.ErrUniqueViolation) {
			s.audit.append(ctx, op, task.ID, DecisionExists, "lost create race", backupSource)
			return DecisionExists, nil
		}
		s.audit.append(ctx, op, task.ID, DecisionFailed, err.Error(), backupSource)
		return DecisionFailed, fmt.Errorf("insert failed for %s: %w", task.ID, err)
	}

	s.audit.append(ctx, op, task.ID, DecisionCreated, "", backupSource)
	return DecisionCreated, nil
}

// CheckAvailability implements Service. On any infrastructure error the
// check fails open: every ID is reported available and FailedOpen is set.
func (s *clientService) CheckAvailability(ctx context.Context, ids []string) *AvailabilityReport {
	existing, err := s.store.SelectTaskIDs(ctx, true)
	if err != nil {
		return s.failOpen(ids, fmt.Errorf("task id listing failed: %w", err))
	}
	tombstones, err := s.store.SelectTombstones(ctx)
	if err != nil {
		return s.failOpen(ids, fmt.Errorf("tombstone listing failed: %w", err))
	}

	tombstoned := make(map[string]bool, len(tombstones))
	for _, ts := range tombstones {
		if ts.EntityType == model.EntityTask {
			tombstoned[ts.EntityID] = true
		}
	}

	report := &AvailabilityReport{Results: make([]model.TaskIDAvailability, 0, len(ids))}
	for _, id := range ids {
		deleted, exists := existing[id]
		switch {
		case exists && deleted:
			report.Results = append(report.Results, model.TaskIDAvailability{
				TaskID: id, Status: model.StatusSoftDeleted, Reason: "task exists (soft-deleted)"})
		case exists:
			report.Results = append(report.Results, model.TaskIDAvailability{
				TaskID: id, Status: model.StatusActive, Reason: "task exists"})
		case tombstoned[id]:
			report.Results = append(report.Results, model.TaskIDAvailability{
				TaskID: id, Status: model.StatusTombstoned, Reason: "id permanently retired"})
		default:
			report.Results = append(report.Results, model.TaskIDAvailability{
				TaskID: id, Status: model.StatusAvailable})
		}
	}
	return report
}

func (s *clientService) failOpen(ids []string, cause error) *AvailabilityReport {
	// Loud by contract: a silent fail-open would let duplicate detection
	// degrade invisibly during a mass restore.
	s.logger.Printf("ERROR: availability check failed open, reporting all %d ids available: %v", len(ids), cause)
	report := &AvailabilityReport{FailedOpen: true}
	for _, id := range ids {
		report.Results = append(report.Results, model.TaskIDAvailability{
			TaskID: id, Status: model.StatusAvailable, Reason: "availability check failed open"})
	}
	return report
}
