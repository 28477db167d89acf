package backup

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/taskvault/taskvault/internal/model"
)

// fakeReader serves fixed state to the snapshotter.
type fakeReader struct {
	tasks    []model.Task
	projects []model.Project
	groups   []model.Group
	err      error
}

func (r *fakeReader) Tasks(ctx context.Context) ([]model.Task, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.tasks, nil
}

func (r *fakeReader) Projects(ctx context.Context) ([]model.Project, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.projects, nil
}

func (r *fakeReader) Groups(ctx context.Context) ([]model.Group, error) {
	if r.err != nil {
		return nil, r.err
	}
	return r.groups, nil
}

func (r *fakeReader) setTaskCount(n int) {
	tasks := make([]model.Task, n)
	for i := range tasks {
		tasks[i] = model.Task{ID: snapTaskID(i), UserID: "user-1", Title: "Task", Status: "open"}
	}
	r.tasks = tasks
}

func newTestSnapshotter(t *testing.T, reader *fakeReader, cfg *Config) *Snapshotter {
	t.Helper()
	if reader.projects == nil {
		reader.projects = []model.Project{}
	}
	if reader.groups == nil {
		reader.groups = []model.Group{}
	}
	if reader.tasks == nil {
		reader.tasks = []model.Task{}
	}
	if cfg == nil {
		cfg = &Config{}
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New(io.Discard, "", 0)
	}
	local := newTestLocal(t)
	golden := NewGoldenRotation(local, log.New(io.Discard, "", 0))
	return NewSnapshotter(reader, local, golden, cfg)
}

func TestCreateBackup_PersistsAndUpdatesHighWaterMark(t *testing.T) {
	reader := &fakeReader{}
	reader.setTaskCount(7)
	s := newTestSnapshotter(t, reader, nil)
	ctx := context.Background()

	snap, err := s.CreateBackup(ctx, KindAuto)
	if err != nil {
		t.Fatalf("CreateBackup: %v", err)
	}
	if snap.Metadata.TaskCount != 7 {
		t.Errorf("TaskCount = %d, want 7", snap.Metadata.TaskCount)
	}

	latest, err := s.Latest(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if latest.ID != snap.ID {
		t.Error("snapshot not recorded as latest")
	}

	maxSeen, err := s.local.MaxTaskCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if maxSeen != 7 {
		t.Errorf("high-water mark = %d, want 7", maxSeen)
	}
}

func TestCreateBackup_HighWaterMarkIsMonotonic(t *testing.T) {
	reader := &fakeReader{}
	reader.setTaskCount(100)
	s := newTestSnapshotter(t, reader, nil)
	ctx := context.Background()

	if _, err := s.CreateBackup(ctx, KindAuto); err != nil {
		t.Fatal(err)
	}

	// A legitimate (above-guard) shrink must not lower the mark.
	reader.setTaskCount(60)
	if _, err := s.CreateBackup(ctx, KindAuto); err != nil {
		t.Fatalf("60 of 100 is above the 50%% guard: %v", err)
	}

	maxSeen, err := s.local.MaxTaskCount(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if maxSeen != 100 {
		t.Errorf("high-water mark = %d, want 100 (monotonic)", maxSeen)
	}
}

func TestCreateBackup_BlocksZeroAfterNonzero(t *testing.T) {
	reader := &fakeReader{}
	reader.setTaskCount(3)
	s := newTestSnapshotter(t, reader, nil)
	ctx := context.Background()

	if _, err := s.CreateBackup(ctx, KindAuto); err != nil {
		t.Fatal(err)
	}

	reader.setTaskCount(0)
	_, err := s.CreateBackup(ctx, KindAuto)
	var loss *SuspiciousLossError
	if !errors.As(err, &loss) {
		t.Fatalf("zero after nonzero must block, got %v", err)
	}
	if loss.Current != 0 || loss.Reference != 3 {
		t.Errorf("loss = %+v", loss)
	}
}

func TestCreateBackup_BlocksMajorityLoss(t *testing.T) {
	reader := &fakeReader{}
	reader.setTaskCount(150)
	s := newTestSnapshotter(t, reader, nil)
	ctx := context.Background()

	if _, err := s.CreateBackup(ctx, KindAuto); err != nil {
		t.Fatal(err)
	}

	reader.setTaskCount(70)
	_, err := s.CreateBackup(ctx, KindAuto)
	var loss *SuspiciousLossError
	if !errors.As(err, &loss) {
		t.Fatalf("70 of 150 is below 50%% and must block, got %v", err)
	}

	// The blocked backup must leave no trace: history and golden still
	// hold only the 150-task snapshot.
	entries, err := s.History(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Metadata.TaskCount != 150 {
		t.Errorf("blocked backup leaked into history: %+v", entries)
	}
	peak, err := s.golden.Peak(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if peak != 150 {
		t.Errorf("golden peak = %d, want 150", peak)
	}
}

func TestCreateBackup_SmallAccountsOnlyZeroGuard(t *testing.T) {
	reader := &fakeReader{}
	reader.setTaskCount(4)
	s := newTestSnapshotter(t, reader, nil)
	ctx := context.Background()

	if _, err := s.CreateBackup(ctx, KindAuto); err != nil {
		t.Fatal(err)
	}

	// 1 of 4 is a >50% drop, but the reference is under the noise floor.
	reader.setTaskCount(1)
	if _, err := s.CreateBackup(ctx, KindAuto); err != nil {
		t.Errorf("small accounts must not trip the percentage guard: %v", err)
	}
}

func TestCreateBackup_ManualAndEmergencyBypassGuard(t *testing.T) {
	for _, kind := range []Kind{KindManual, KindEmergency} {
		t.Run(string(kind), func(t *testing.T) {
			reader := &fakeReader{}
			reader.setTaskCount(100)
			s := newTestSnapshotter(t, reader, nil)
			ctx := context.Background()

			if _, err := s.CreateBackup(ctx, KindAuto); err != nil {
				t.Fatal(err)
			}

			reader.setTaskCount(0)
			snap, err := s.CreateBackup(ctx, kind)
			if err != nil {
				t.Fatalf("%s backup must bypass the guard: %v", kind, err)
			}
			if snap.Metadata.TaskCount != 0 {
				t.Errorf("TaskCount = %d, want 0", snap.Metadata.TaskCount)
			}
		})
	}
}

func TestCreateBackup_FiltersSyntheticOnAutoOnly(t *testing.T) {
	reader := &fakeReader{
		tasks: []model.Task{
			{ID: "real", UserID: "u", Title: "Real", Status: "open"},
			{ID: "synth", UserID: "u", Title: "Synthetic", Status: "open", Synthetic: true},
		},
	}
	s := newTestSnapshotter(t, reader, &Config{FilterSynthetic: true, Logger: log.New(io.Discard, "", 0)})
	ctx := context.Background()

	snap, err := s.CreateBackup(ctx, KindAuto)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Metadata.TaskCount != 1 {
		t.Errorf("auto backup kept %d tasks, want 1 (synthetic filtered)", snap.Metadata.TaskCount)
	}

	reader.tasks = append([]model.Task{}, reader.tasks...)
	snap, err = s.CreateBackup(ctx, KindManual)
	if err != nil {
		t.Fatal(err)
	}
	if snap.Metadata.TaskCount != 2 {
		t.Errorf("manual backup kept %d tasks, want 2 (unfiltered)", snap.Metadata.TaskCount)
	}
}

func TestCreateBackup_GoldenReferenceSurvivesHistoryRotation(t *testing.T) {
	reader := &fakeReader{}
	reader.setTaskCount(200)
	s := newTestSnapshotter(t, reader, &Config{HistoryLimit: 2, Logger: log.New(io.Discard, "", 0)})
	ctx := context.Background()

	if _, err := s.CreateBackup(ctx, KindAuto); err != nil {
		t.Fatal(err)
	}

	// Rotate the 200-task snapshot entirely out of history.
	reader.setTaskCount(180)
	if _, err := s.CreateBackup(ctx, KindAuto); err != nil {
		t.Fatal(err)
	}
	reader.setTaskCount(160)
	if _, err := s.CreateBackup(ctx, KindAuto); err != nil {
		t.Fatal(err)
	}

	// The guard still references the golden peak / high-water mark of 200.
	reader.setTaskCount(90)
	_, err := s.CreateBackup(ctx, KindAuto)
	var loss *SuspiciousLossError
	if !errors.As(err, &loss) {
		t.Fatalf("90 of 200 must block even after history rotation, got %v", err)
	}
	if loss.Reference != 200 {
		t.Errorf("reference = %d, want 200", loss.Reference)
	}
}

func TestCreateBackup_ReaderErrorPropagates(t *testing.T) {
	reader := &fakeReader{err: errors.New("store down")}
	s := newTestSnapshotter(t, reader, nil)

	if _, err := s.CreateBackup(context.Background(), KindAuto); err == nil {
		t.Error("reader failure must abort the backup")
	}
}

func TestCreateBackup_EmitsEvents(t *testing.T) {
	var events []string
	reader := &fakeReader{}
	reader.setTaskCount(10)
	s := newTestSnapshotter(t, reader, &Config{
		Logger:  log.New(io.Discard, "", 0),
		OnEvent: func(kind string, data any) { events = append(events, kind) },
	})
	ctx := context.Background()

	if _, err := s.CreateBackup(ctx, KindAuto); err != nil {
		t.Fatal(err)
	}
	reader.setTaskCount(0)
	if _, err := s.CreateBackup(ctx, KindAuto); err == nil {
		t.Fatal("expected guard block")
	}

	wantSome := map[string]bool{"backup_created": false, "golden_update": false, "backup_blocked": false}
	for _, e := range events {
		if _, ok := wantSome[e]; ok {
			wantSome[e] = true
		}
	}
	for kind, seen := range wantSome {
		if !seen {
			t.Errorf("event %s was never emitted (got %v)", kind, events)
		}
	}
}

func TestRun_TakesStartupBackupWhenEmpty(t *testing.T) {
	reader := &fakeReader{}
	reader.setTaskCount(5)
	s := newTestSnapshotter(t, reader, &Config{
		Interval: time.Hour,
		Logger:   log.New(io.Discard, "", 0),
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.Latest(context.Background()); err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done

	latest, err := s.Latest(context.Background())
	if err != nil {
		t.Fatalf("startup backup missing: %v", err)
	}
	if latest.Metadata.TaskCount != 5 {
		t.Errorf("startup backup has %d tasks, want 5", latest.Metadata.TaskCount)
	}
}
