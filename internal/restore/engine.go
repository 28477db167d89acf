// Package restore recreates entities from a backup snapshot without ever
// resurrecting deleted data: every task goes through the dedup service's
// safe-create, and projects/groups are filtered against the live
// deleted-id and tombstone sets.
package restore

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/taskvault/taskvault/internal/backup"
	"github.com/taskvault/taskvault/internal/dedup"
	"github.com/taskvault/taskvault/internal/model"
	"github.com/taskvault/taskvault/internal/remote"
	"github.com/taskvault/taskvault/internal/tombstone"
)

// SkippedTask records why one snapshot task was not restored.
type SkippedTask struct {
	TaskID string
	Reason model.AvailabilityStatus
}

// Analysis is the dry-run result: what a restore would and would not do.
type Analysis struct {
	ToRestore        []model.Task
	Skipped          []SkippedTask
	Projects         []model.Project
	Groups           []model.Group
	FilteredProjects int
	FilteredGroups   int
	CanProceed       bool

	// FailedOpen mirrors the availability report: the dedup check could
	// not run and everything was allowed through. Surface loudly.
	FailedOpen bool
}

// Options controls RestoreBackup behavior.
type Options struct {
	// DryRun returns the analysis without mutating anything.
	DryRun bool

	// SkipDedupCheck restores the snapshot's task set as-is, relying only
	// on safe-create at write time.
	SkipDedupCheck bool
}

// Result summarizes a committed restore.
type Result struct {
	Created   int
	Skipped   int
	Projects  int
	Groups    int
	Analysis  *Analysis
	Emergency *backup.Snapshot
}

// Reloader re-reads all dependent in-memory state from the remote store
// after a restore; the snapshot is never trusted as the new truth.
type Reloader interface {
	ReloadAll(ctx context.Context) error
}

// Engine performs dry-run analysis and dedup-safe restores.
type Engine struct {
	store      remote.Store
	dedup      dedup.Service
	tombstones *tombstone.Registry
	backups    *backup.Snapshotter
	golden     *backup.GoldenRotation
	reloader   Reloader
	logger     *log.Logger
	now        func() time.Time
}

// NewEngine wires the restore engine.
func NewEngine(store remote.Store, svc dedup.Service, reg *tombstone.Registry,
	snap *backup.Snapshotter, golden *backup.GoldenRotation, reloader Reloader, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[restore] ", log.LstdFlags)
	}
	return &Engine{
		store:      store,
		dedup:      svc,
		tombstones: reg,
		backups:    snap,
		golden:     golden,
		reloader:   reloader,
		logger:     logger,
		now:        time.Now,
	}
}

// AnalyzeRestore computes, without mutating anything, which snapshot
// entities can safely be recreated, which already exist, and which are
// tombstoned.
func (e *Engine) AnalyzeRestore(ctx context.Context, snap *backup.Snapshot) (*Analysis, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	ids := make([]string, 0, len(snap.Tasks))
	byID := make(map[string]model.Task, len(snap.Tasks))
	for _, t := range snap.Tasks {
		ids = append(ids, t.ID)
		byID[t.ID] = t
	}

	report := e.dedup.CheckAvailability(ctx, ids)
	analysis := &Analysis{FailedOpen: report.FailedOpen}
	for _, res := range report.Results {
		if res.Status == model.StatusAvailable {
			analysis.ToRestore = append(analysis.ToRestore, byID[res.TaskID])
		} else {
			analysis.Skipped = append(analysis.Skipped, SkippedTask{TaskID: res.TaskID, Reason: res.Status})
		}
	}

	// Projects and groups use the coarser live deleted-id + tombstone
	// filtering; there is no per-id audit for them.
	projects, filteredProjects, err := e.filterProjects(ctx, snap.Projects)
	if err != nil {
		return nil, err
	}
	groups, filteredGroups, err := e.filterGroups(ctx, snap.Groups)
	if err != nil {
		return nil, err
	}
	analysis.Projects = projects
	analysis.Groups = groups
	analysis.FilteredProjects = filteredProjects
	analysis.FilteredGroups = filteredGroups
	analysis.CanProceed = len(analysis.ToRestore) > 0

	if analysis.FailedOpen {
		e.logger.Printf("WARNING: restore analysis ran with availability check failed open")
	}
	return analysis, nil
}

func (e *Engine) filterProjects(ctx context.Context, projects []model.Project) ([]model.Project, int, error) {
	deleted, err := e.store.SelectDeletedIDs(ctx, "projects")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load deleted project ids: %w", err)
	}
	tombstoned, err := e.tombstones.LiveSet(ctx, model.EntityProject)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load project tombstones: %w", err)
	}
	kept := make([]model.Project, 0, len(projects))
	filtered := 0
	for _, p := range projects {
		if deleted[p.ID] || tombstoned[p.ID] {
			filtered++
			continue
		}
		kept = append(kept, p)
	}
	return kept, filtered, nil
}

func (e *Engine) filterGroups(ctx context.Context, groups []model.Group) ([]model.Group, int, error) {
	deleted, err := e.store.SelectDeletedIDs(ctx, "groups")
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load deleted group ids: %w", err)
	}
	tombstoned, err := e.tombstones.LiveSet(ctx, model.EntityGroup)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to load group tombstones: %w", err)
	}
	kept := make([]model.Group, 0, len(groups))
	filtered := 0
	for _, g := range groups {
		if deleted[g.ID] || tombstoned[g.ID] {
			filtered++
			continue
		}
		kept = append(kept, g)
	}
	return kept, filtered, nil
}

// RestoreBackup performs a filtered, dedup-safe restore.
//
// The restore is idempotent: running it twice on the same snapshot creates
// no duplicates, because every task goes through safe-create and the
// second pass resolves to "exists" throughout.
func (e *Engine) RestoreBackup(ctx context.Context, snap *backup.Snapshot, opts Options) (*Result, error) {
	if err := snap.Validate(); err != nil {
		return nil, err
	}

	if opts.DryRun {
		analysis, err := e.AnalyzeRestore(ctx, snap)
		if err != nil {
			return nil, err
		}
		return &Result{Analysis: analysis}, nil
	}

	// Corruption is warned about, never blocking: a user restoring from
	// their only surviving backup should not be stopped by a bit flip in
	// a field the restore may not even touch.
	if ok, err := snap.VerifyChecksum(); err != nil {
		e.logger.Printf("Warning: checksum verification errored: %v", err)
	} else if !ok {
		e.logger.Printf("Warning: snapshot %s checksum mismatch, possible corruption", snap.ID)
	}

	var analysis *Analysis
	var err error
	if opts.SkipDedupCheck {
		analysis = &Analysis{ToRestore: snap.Tasks, Projects: snap.Projects, Groups: snap.Groups}
	} else {
		analysis, err = e.AnalyzeRestore(ctx, snap)
		if err != nil {
			return nil, err
		}
	}

	// Rollback point: if the restore goes sideways, the emergency backup
	// stays in history as the recovery path.
	emergency, err := e.backups.CreateBackup(ctx, backup.KindEmergency)
	if err != nil {
		return nil, fmt.Errorf("failed to take pre-restore emergency backup: %w", err)
	}

	result := &Result{Analysis: analysis, Emergency: emergency}

	for _, task := range analysis.ToRestore {
		decision, err := e.dedup.SafeCreate(ctx, task, model.OpRestore, snap.ID)
		if err != nil {
			e.logger.Printf("Warning: restore of task %s failed: %v", task.ID, err)
			continue
		}
		switch decision {
		case dedup.DecisionCreated:
			result.Created++
		default:
			result.Skipped++
		}
	}
	result.Skipped += len(analysis.Skipped)

	if len(analysis.Projects) > 0 {
		n, err := e.store.UpsertProjects(ctx, analysis.Projects)
		if err != nil {
			return result, fmt.Errorf("failed to restore projects: %w", err)
		}
		result.Projects = n
	}
	if len(analysis.Groups) > 0 {
		n, err := e.store.UpsertGroups(ctx, analysis.Groups)
		if err != nil {
			return result, fmt.Errorf("failed to restore groups: %w", err)
		}
		result.Groups = n
	}

	// Re-read everything: only the store knows what the dedup pass
	// actually committed.
	if e.reloader != nil {
		if err := e.reloader.ReloadAll(ctx); err != nil {
			e.logger.Printf("Warning: post-restore reload failed: %v", err)
		}
	}

	e.logger.Printf("Restore complete from %s: %d created, %d skipped, %d projects, %d groups",
		snap.ID, result.Created, result.Skipped, result.Projects, result.Groups)
	return result, nil
}

// GoldenPreview describes what a golden restore would do.
type GoldenPreview struct {
	Snapshot   *backup.Snapshot
	Analysis   *Analysis
	AgeWarning string
}

// AnalyzeGolden cross-references a golden rotation member against the
// store's current deleted-id sets and tombstones, so a golden restore
// cannot resurrect data the user deleted after the snapshot was taken.
func (e *Engine) AnalyzeGolden(ctx context.Context, index int) (*GoldenPreview, error) {
	snap, err := e.golden.Get(ctx, index)
	if err != nil {
		return nil, err
	}
	analysis, err := e.AnalyzeRestore(ctx, snap)
	if err != nil {
		return nil, err
	}
	preview := &GoldenPreview{Snapshot: snap, Analysis: analysis}
	if age := snap.Age(e.now()); age > backup.GoldenFreshness {
		preview.AgeWarning = fmt.Sprintf("snapshot is %d days old", int(age.Hours()/24))
	}
	return preview, nil
}

// RestoreFromGolden restores the chosen golden member with full filtering.
func (e *Engine) RestoreFromGolden(ctx context.Context, index int) (*Result, error) {
	snap, err := e.golden.Get(ctx, index)
	if err != nil {
		return nil, err
	}
	return e.RestoreBackup(ctx, snap, Options{})
}
