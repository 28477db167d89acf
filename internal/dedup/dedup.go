// Package dedup enforces immutable-ID creation: an entity identity is
// created at most once, accounting for active, soft-deleted, and
// tombstoned states.
//
// Two strategies implement the same Service interface. When the store
// exposes server-side procedures, safe-create and batch availability run
// as single atomic remote calls; otherwise an equivalent multi-step
// client-side sequence is used. The strategy is selected once at
// construction time.
package dedup

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/taskvault/taskvault/internal/model"
	"github.com/taskvault/taskvault/internal/remote"
)

// Decision is the outcome of a safe-create attempt.
type Decision string

const (
	DecisionCreated    Decision = "created"
	DecisionExists     Decision = "exists"
	DecisionTombstoned Decision = "tombstoned"
	DecisionFailed     Decision = "failed"
)

// AvailabilityReport is the result of a batch availability check.
//
// FailedOpen is set when an infrastructure error forced the check to
// report every ID as available. Blocking a disaster-recovery restore is
// worse than losing a duplicate-skip opportunity, but callers should
// surface the flag loudly.
type AvailabilityReport struct {
	Results    []model.TaskIDAvailability
	FailedOpen bool
}

// Available returns the IDs reported as free to create.
func (r *AvailabilityReport) Available() []string {
	var ids []string
	for _, res := range r.Results {
		if res.Status == model.StatusAvailable {
			ids = append(ids, res.TaskID)
		}
	}
	return ids
}

// Service is the dedup contract consumed by write paths and the restore
// engine.
type Service interface {
	// SafeCreate creates the task only if its ID is free. A uniqueness race
	// with a concurrent creator resolves to DecisionExists, not an error.
	SafeCreate(ctx context.Context, task model.Task, op model.AuditOperation, backupSource string) (Decision, error)

	// CheckAvailability classifies a batch of task IDs. Never returns an
	// error for infrastructure failures: it fails open instead.
	CheckAvailability(ctx context.Context, ids []string) *AvailabilityReport
}

// Config configures service construction.
type Config struct {
	// Logger for decision diagnostics (default stderr).
	Logger *log.Logger

	// DisableProcedures forces the client-side strategy even when the
	// store advertises stored procedures.
	DisableProcedures bool
}

// New selects and constructs the dedup strategy for the given store.
func New(store remote.Store, cfg Config) Service {
	if cfg.Logger == nil {
		cfg.Logger = log.New(os.Stderr, "[dedup] ", log.LstdFlags)
	}
	audit := &auditWriter{store: store, logger: cfg.Logger}

	if !cfg.DisableProcedures {
		if procs, ok := store.(remote.Procedures); ok && procs.HasProcedures() {
			cfg.Logger.Printf("Using server-side safe-create procedures")
			return &rpcService{store: store, procs: procs, audit: audit, logger: cfg.Logger}
		}
	}
	cfg.Logger.Printf("Using client-side dedup sequence")
	return &clientService{store: store, audit: audit, logger: cfg.Logger}
}

// auditWriter appends dedup decisions to the append-only audit trail.
// Audit failures never propagate; the trail is forensic, not functional.
type auditWriter struct {
	store  remote.Store
	logger *log.Logger
}

func (a *auditWriter) append(ctx context.Context, op model.AuditOperation, taskID string, decision Decision, reason, backupSource string) {
	rec := model.AuditRecord{
		Operation:    op,
		TaskID:       taskID,
		Decision:     string(decision),
		Reason:       reason,
		BackupSource: backupSource,
		CreatedAt:    time.Now().UTC(),
	}
	if err := a.store.InsertAudit(ctx, rec); err != nil {
		a.logger.Printf("Warning: failed to append audit record for %s: %v", taskID, err)
	}
}
