package dedup

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/taskvault/taskvault/internal/model"
	"github.com/taskvault/taskvault/internal/remote"
)

// rpcService delegates safe-create and availability checks to server-side
// stored procedures, making each decision a single atomic remote call.
type rpcService struct {
	store  remote.Store
	procs  remote.Procedures
	audit  *auditWriter
	logger *log.Logger
}

// SafeCreate implements Service.
func (s *rpcService) SafeCreate(ctx context.Context, task model.Task, op model.AuditOperation, backupSource string) (Decision, error) {
	if err := task.Validate(); err != nil {
		return DecisionFailed, fmt.Errorf("invalid task: %w", err)
	}

	decision, err := s.procs.SafeCreateTask(ctx, task)
	if err != nil {
		if errors.Is(err, remote.ErrUniqueViolation) {
			s.audit.append(ctx, op, task.ID, DecisionExists, "lost create race", backupSource)
			return DecisionExists, nil
		}
		s.audit.append(ctx, op, task.ID, DecisionFailed, err.Error(), backupSource)
		return DecisionFailed, fmt.Errorf("safe create rpc failed for %s: %w", task.ID, err)
	}

	switch Decision(decision) {
	case DecisionCreated:
		s.audit.append(ctx, op, task.ID, DecisionCreated, "", backupSource)
		return DecisionCreated, nil
	case DecisionExists:
		s.audit.append(ctx, op, task.ID, DecisionExists, "task exists", backupSource)
		return DecisionExists, nil
	case DecisionTombstoned:
		s.audit.append(ctx, op, task.ID, DecisionTombstoned, "id permanently retired", backupSource)
		return DecisionTombstoned, nil
	default:
		s.audit.append(ctx, op, task.ID, DecisionFailed, "unknown rpc decision: "+decision, backupSource)
		return DecisionFailed, fmt.Errorf("unknown safe-create decision %q for %s", decision, task.ID)
	}
}

// CheckAvailability implements Service, failing open on rpc errors.
func (s *rpcService) CheckAvailability(ctx context.Context, ids []string) *AvailabilityReport {
	results, err := s.procs.CheckTaskAvailability(ctx, ids)
	if err != nil {
		s.logger.Printf("ERROR: availability rpc failed open, reporting all %d ids available: %v", len(ids), err)
		report := &AvailabilityReport{FailedOpen: true}
		for _, id := range ids {
			report.Results = append(report.Results, model.TaskIDAvailability{
				TaskID: id, Status: model.StatusAvailable, Reason: "availability check failed open"})
		}
		return report
	}
	return &AvailabilityReport{Results: results}
}
