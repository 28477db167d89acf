package backup

import (
	"errors"
	"testing"
	"time"

	"github.com/taskvault/taskvault/internal/model"
)

func sampleTasks(n int) []model.Task {
	tasks := make([]model.Task, n)
	for i := range tasks {
		tasks[i] = model.Task{
			ID:     string(rune('a' + i)),
			UserID: "user-1",
			Title:  "Task",
			Status: "open",
		}
	}
	return tasks
}

func TestChecksum_Deterministic(t *testing.T) {
	tasks := sampleTasks(3)
	projects := []model.Project{{ID: "p1", Name: "Inbox"}}
	groups := []model.Group{}

	c1, size1, err := Checksum(tasks, projects, groups)
	if err != nil {
		t.Fatal(err)
	}
	c2, size2, err := Checksum(tasks, projects, groups)
	if err != nil {
		t.Fatal(err)
	}
	if c1 != c2 || size1 != size2 {
		t.Errorf("checksum not deterministic: %s/%d vs %s/%d", c1, size1, c2, size2)
	}

	tasks[0].Title = "Changed"
	c3, _, err := Checksum(tasks, projects, groups)
	if err != nil {
		t.Fatal(err)
	}
	if c3 == c1 {
		t.Error("checksum did not change with payload")
	}
}

func TestNew_PopulatesMetadata(t *testing.T) {
	now := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	snap, err := New(KindManual, sampleTasks(4), []model.Project{{ID: "p1", Name: "X"}}, []model.Group{}, now)
	if err != nil {
		t.Fatal(err)
	}
	if snap.ID == "" {
		t.Error("snapshot id missing")
	}
	if snap.SchemaVersion != SchemaVersion {
		t.Errorf("SchemaVersion = %d, want %d", snap.SchemaVersion, SchemaVersion)
	}
	if snap.Metadata.TaskCount != 4 || snap.Metadata.ProjectCount != 1 || snap.Metadata.GroupCount != 0 {
		t.Errorf("metadata counts = %+v", snap.Metadata)
	}
	if snap.Metadata.SizeBytes <= 0 {
		t.Error("size not recorded")
	}
	if !snap.Timestamp.Equal(now) {
		t.Errorf("Timestamp = %v, want %v", snap.Timestamp, now)
	}
}

func TestVerifyChecksum(t *testing.T) {
	snap, err := New(KindAuto, sampleTasks(2), []model.Project{}, []model.Group{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	ok, err := snap.VerifyChecksum()
	if err != nil || !ok {
		t.Fatalf("fresh snapshot should verify, ok=%v err=%v", ok, err)
	}

	snap.Tasks[0].Title = "tampered"
	ok, err = snap.VerifyChecksum()
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("tampered snapshot must not verify")
	}
}

func TestValidate_SchemaGateFailsClosed(t *testing.T) {
	snap, err := New(KindAuto, sampleTasks(1), []model.Project{}, []model.Group{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	snap.SchemaVersion = SchemaVersion + 1
	err = snap.Validate()
	var tooNew *ErrSchemaTooNew
	if !errors.As(err, &tooNew) {
		t.Fatalf("expected ErrSchemaTooNew, got %v", err)
	}

	// Older known versions are accepted.
	snap.SchemaVersion = SchemaVersion - 1
	if err := snap.Validate(); err != nil {
		t.Errorf("older schema version should validate: %v", err)
	}
}

func TestValidate_RequiresArrays(t *testing.T) {
	snap := &Snapshot{ID: "s1", SchemaVersion: SchemaVersion, Tasks: []model.Task{}}
	if err := snap.Validate(); err == nil {
		t.Error("nil projects/groups arrays must not validate")
	}
}

func TestEncodeDecode_Roundtrip(t *testing.T) {
	snap, err := New(KindEmergency, sampleTasks(2), []model.Project{{ID: "p1", Name: "X"}}, []model.Group{}, time.Now())
	if err != nil {
		t.Fatal(err)
	}

	data, err := snap.Encode()
	if err != nil {
		t.Fatal(err)
	}
	decoded, err := Decode(data)
	if err != nil {
		t.Fatal(err)
	}
	if decoded.ID != snap.ID || decoded.Kind != KindEmergency ||
		decoded.Metadata.TaskCount != 2 || decoded.Checksum != snap.Checksum {
		t.Errorf("roundtrip mismatch: %+v", decoded)
	}

	ok, err := decoded.VerifyChecksum()
	if err != nil || !ok {
		t.Errorf("decoded snapshot should verify, ok=%v err=%v", ok, err)
	}
}

func TestDecode_RejectsNewerSchema(t *testing.T) {
	if _, err := Decode([]byte(`{"id":"s1","schema_version":99,"tasks":[],"projects":[],"groups":[]}`)); err == nil {
		t.Error("newer schema version must be rejected")
	}
}
