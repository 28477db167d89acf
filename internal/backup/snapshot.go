// Package backup implements the rotating snapshot system: periodic and
// on-demand snapshots of task/project/group state, a suspicious-loss guard,
// a bounded local history, and the golden high-water-mark rotation.
package backup

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/taskvault/taskvault/internal/model"
)

// SchemaVersion is the current snapshot format version. Import fails
// closed on anything newer; older known versions are accepted.
const SchemaVersion = 2

// Kind distinguishes how a snapshot was produced.
type Kind string

const (
	// KindAuto is a scheduled backup, subject to the suspicious-loss guard.
	KindAuto Kind = "auto"
	// KindManual is an explicit user backup; bypasses the guard.
	KindManual Kind = "manual"
	// KindEmergency is the pre-restore rollback point; bypasses the guard.
	KindEmergency Kind = "emergency"
)

// Metadata summarizes a snapshot without decoding its payload.
type Metadata struct {
	TaskCount    int   `json:"task_count"`
	ProjectCount int   `json:"project_count"`
	GroupCount   int   `json:"group_count"`
	SizeBytes    int64 `json:"size_bytes"`
}

// Snapshot is one checksummed, versioned backup of the user's data.
type Snapshot struct {
	ID            string          `json:"id"`
	Tasks         []model.Task    `json:"tasks"`
	Projects      []model.Project `json:"projects"`
	Groups        []model.Group   `json:"groups"`
	Timestamp     time.Time       `json:"timestamp"`
	SchemaVersion int             `json:"schema_version"`
	Checksum      string          `json:"checksum"`
	Kind          Kind            `json:"kind"`
	Metadata      Metadata        `json:"metadata"`
}

// payload is the checksummed subset of a snapshot. Struct-order JSON
// marshaling makes the hash deterministic across serialization passes.
type payload struct {
	Tasks    []model.Task    `json:"tasks"`
	Projects []model.Project `json:"projects"`
	Groups   []model.Group   `json:"groups"`
}

// Checksum computes the deterministic hash over {tasks, projects, groups}.
func Checksum(tasks []model.Task, projects []model.Project, groups []model.Group) (string, int64, error) {
	data, err := json.Marshal(payload{Tasks: tasks, Projects: projects, Groups: groups})
	if err != nil {
		return "", 0, fmt.Errorf("failed to serialize snapshot payload: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), int64(len(data)), nil
}

// New builds a snapshot of the given state.
func New(kind Kind, tasks []model.Task, projects []model.Project, groups []model.Group, now time.Time) (*Snapshot, error) {
	checksum, size, err := Checksum(tasks, projects, groups)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:            uuid.NewString(),
		Tasks:         tasks,
		Projects:      projects,
		Groups:        groups,
		Timestamp:     now.UTC(),
		SchemaVersion: SchemaVersion,
		Checksum:      checksum,
		Kind:          kind,
		Metadata: Metadata{
			TaskCount:    len(tasks),
			ProjectCount: len(projects),
			GroupCount:   len(groups),
			SizeBytes:    size,
		},
	}, nil
}

// ErrSchemaTooNew is returned when a snapshot was produced by a newer
// engine version. Importing it could silently partially-apply, so the gate
// fails closed.
type ErrSchemaTooNew struct {
	Found int
}

func (e *ErrSchemaTooNew) Error() string {
	return fmt.Sprintf("snapshot schema version %d is newer than supported version %d", e.Found, SchemaVersion)
}

// Validate checks structural invariants and the schema-version gate.
func (s *Snapshot) Validate() error {
	if s.ID == "" {
		return fmt.Errorf("snapshot id is required")
	}
	if s.SchemaVersion > SchemaVersion {
		return &ErrSchemaTooNew{Found: s.SchemaVersion}
	}
	if s.Tasks == nil || s.Projects == nil || s.Groups == nil {
		return fmt.Errorf("snapshot %s: tasks, projects and groups arrays are required", s.ID)
	}
	return nil
}

// VerifyChecksum recomputes the payload hash. A mismatch indicates
// corruption; callers warn but do not block on it.
func (s *Snapshot) VerifyChecksum() (bool, error) {
	checksum, _, err := Checksum(s.Tasks, s.Projects, s.Groups)
	if err != nil {
		return false, err
	}
	return checksum == s.Checksum, nil
}

// Age returns how old the snapshot is at now.
func (s *Snapshot) Age(now time.Time) time.Duration {
	return now.Sub(s.Timestamp)
}

// Encode serializes the snapshot to its interchange JSON form.
func (s *Snapshot) Encode() ([]byte, error) {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot %s: %w", s.ID, err)
	}
	return data, nil
}

// Decode parses and validates an interchange snapshot document.
func Decode(data []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	if err := snap.Validate(); err != nil {
		return nil, err
	}
	return &snap, nil
}
