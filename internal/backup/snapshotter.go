package backup

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync/atomic"
	"time"

	"github.com/taskvault/taskvault/internal/model"
)

// ErrBackupInProgress is returned when a backup is already in flight.
var ErrBackupInProgress = errors.New("backup: already in progress")

// SuspiciousLossError blocks an automatic backup that would record a
// large, likely-erroneous drop in data volume — the primary defense
// against a transient empty-store read clobbering backup history.
type SuspiciousLossError struct {
	Current   int
	Reference int
}

func (e *SuspiciousLossError) Error() string {
	return fmt.Sprintf("task count dropped from %d to %d", e.Reference, e.Current)
}

// lossNoiseFloor: below this reference size the 50% drop heuristic is all
// noise, so only the zero-vs-nonzero rule applies.
const lossNoiseFloor = 5

// Reader supplies the current state to snapshot. Implemented by the state
// manager so backups read through the same cached paths the UI uses.
type Reader interface {
	Tasks(ctx context.Context) ([]model.Task, error)
	Projects(ctx context.Context) ([]model.Project, error)
	Groups(ctx context.Context) ([]model.Group, error)
}

// Config configures the Snapshotter.
type Config struct {
	// Interval between automatic backups (default 5m).
	Interval time.Duration

	// HistoryLimit bounds the rolling history ring (default 20).
	HistoryLimit int

	// HistoryTTL prunes history entries by age on append (default 30d,
	// 0 disables).
	HistoryTTL time.Duration

	// FilterSynthetic strips entities flagged as synthetic/test data from
	// automatic backups.
	FilterSynthetic bool

	// Logger for snapshotter activity (default stderr).
	Logger *log.Logger

	// OnEvent, when set, receives engine events ("backup_created",
	// "backup_blocked", "golden_update") for the dashboard. Best-effort.
	OnEvent func(kind string, data any)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Interval:     5 * time.Minute,
		HistoryLimit: 20,
		HistoryTTL:   30 * 24 * time.Hour,
		Logger:       log.New(os.Stderr, "[backup] ", log.LstdFlags),
	}
}

// Snapshotter creates checksummed snapshots of current state, guards
// against suspicious data loss, and feeds the golden rotation.
type Snapshotter struct {
	reader Reader
	local  *LocalStore
	golden *GoldenRotation
	config *Config

	inFlight atomic.Bool
	now      func() time.Time
}

// NewSnapshotter wires the snapshotter to its state reader and local store.
func NewSnapshotter(reader Reader, local *LocalStore, golden *GoldenRotation, config *Config) *Snapshotter {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[backup] ", log.LstdFlags)
	}
	if config.Interval <= 0 {
		config.Interval = 5 * time.Minute
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 20
	}
	return &Snapshotter{
		reader: reader,
		local:  local,
		golden: golden,
		config: config,
		now:    time.Now,
	}
}

func (s *Snapshotter) emit(kind string, data any) {
	if s.config.OnEvent != nil {
		s.config.OnEvent(kind, data)
	}
}

// CreateBackup snapshots the current state.
//
// Automatic backups are filtered (synthetic data) and pass the
// suspicious-loss guard; manual and emergency backups bypass the guard
// because explicit user or pre-restore intent overrides heuristics.
func (s *Snapshotter) CreateBackup(ctx context.Context, kind Kind) (*Snapshot, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return nil, ErrBackupInProgress
	}
	defer s.inFlight.Store(false)

	tasks, err := s.reader.Tasks(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read tasks: %w", err)
	}
	projects, err := s.reader.Projects(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read projects: %w", err)
	}
	groups, err := s.reader.Groups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read groups: %w", err)
	}

	if kind == KindAuto && s.config.FilterSynthetic {
		tasks = filterSyntheticTasks(tasks)
	}

	if kind == KindAuto {
		if err := s.checkSuspiciousLoss(ctx, len(tasks)); err != nil {
			s.config.Logger.Printf("Backup blocked: %v", err)
			s.emit("backup_blocked", map[string]any{"reason": err.Error()})
			return nil, err
		}
	}

	snap, err := New(kind, tasks, projects, groups, s.now())
	if err != nil {
		return nil, err
	}

	if err := s.local.AppendHistory(ctx, snap, s.config.HistoryLimit, s.config.HistoryTTL); err != nil {
		return nil, fmt.Errorf("failed to persist snapshot: %w", err)
	}

	// Monotonic high-water mark.
	maxCount, err := s.local.MaxTaskCount(ctx)
	if err != nil {
		return nil, err
	}
	if snap.Metadata.TaskCount > maxCount {
		if err := s.local.SetMaxTaskCount(ctx, snap.Metadata.TaskCount); err != nil {
			return nil, err
		}
	}

	// Golden snapshots are never produced by suspicious-loss-blocked auto
	// backups; we only get here when the guard passed.
	kept, err := s.golden.Save(ctx, snap, false)
	if err != nil {
		s.config.Logger.Printf("Warning: golden rotation update failed: %v", err)
	} else if kept {
		s.emit("golden_update", map[string]any{"snapshot_id": snap.ID, "task_count": snap.Metadata.TaskCount})
	}

	s.config.Logger.Printf("Backup %s created (%s): %d tasks, %d projects, %d groups, %d bytes",
		snap.ID, kind, snap.Metadata.TaskCount, snap.Metadata.ProjectCount,
		snap.Metadata.GroupCount, snap.Metadata.SizeBytes)
	s.emit("backup_created", map[string]any{
		"snapshot_id": snap.ID,
		"kind":        string(kind),
		"task_count":  snap.Metadata.TaskCount,
	})
	return snap, nil
}

// checkSuspiciousLoss compares the candidate task count against the
// reference high-water mark. Zero candidate vs. non-zero reference is
// always blocked; a drop below 50% is blocked once the reference exceeds
// the noise floor.
func (s *Snapshotter) checkSuspiciousLoss(ctx context.Context, current int) error {
	maxSeen, err := s.local.MaxTaskCount(ctx)
	if err != nil {
		return err
	}
	goldenPeak, err := s.golden.Peak(ctx)
	if err != nil {
		return err
	}
	reference := maxSeen
	if goldenPeak > reference {
		reference = goldenPeak
	}

	if current == 0 && reference > 0 {
		return &SuspiciousLossError{Current: current, Reference: reference}
	}
	if reference > lossNoiseFloor && current*2 < reference {
		return &SuspiciousLossError{Current: current, Reference: reference}
	}
	return nil
}

func filterSyntheticTasks(tasks []model.Task) []model.Task {
	filtered := tasks[:0]
	for _, t := range tasks {
		if !t.Synthetic {
			filtered = append(filtered, t)
		}
	}
	return filtered
}

// Run performs automatic backups on the configured interval until ctx is
// cancelled. If no snapshot exists yet, one is taken at startup.
func (s *Snapshotter) Run(ctx context.Context) {
	if _, err := s.local.Latest(ctx); errors.Is(err, ErrNoSnapshot) {
		if _, err := s.CreateBackup(ctx, KindAuto); err != nil {
			s.config.Logger.Printf("Startup backup failed: %v", err)
		}
	}

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.CreateBackup(ctx, KindAuto); err != nil {
				if !errors.Is(err, ErrBackupInProgress) {
					s.config.Logger.Printf("Automatic backup failed: %v", err)
				}
			}
		}
	}
}

// Latest exposes the most recent snapshot.
func (s *Snapshotter) Latest(ctx context.Context) (*Snapshot, error) {
	return s.local.Latest(ctx)
}

// History exposes the rolling history summaries.
func (s *Snapshotter) History(ctx context.Context) ([]HistoryEntry, error) {
	return s.local.ListHistory(ctx)
}
