package backup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// metaPrefix namespaces key-value rows by snapshot schema version so an
// app upgrade can cache-bust local state without touching older rows.
var metaPrefix = fmt.Sprintf("v%d/", SchemaVersion)

// ErrNoSnapshot is returned when the requested snapshot does not exist.
var ErrNoSnapshot = errors.New("backup: no such snapshot")

// LocalStore persists the rolling backup history, the golden rotation, and
// the all-time max task count in a local SQLite database. It is
// client-local and disposable; everything in it is rebuildable from the
// remote store up to the last snapshot taken.
type LocalStore struct {
	conn *sql.DB
	path string
}

// OpenLocal opens (or creates) the local state database.
// The caller must Close() it when done.
func OpenLocal(path string) (*LocalStore, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping state database: %w", err)
	}

	ls := &LocalStore{conn: conn, path: path}

	// WAL for concurrent reads while the daemon writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = ls.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = ls.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := ls.initSchema(context.Background()); err != nil {
		_ = ls.Close()
		return nil, err
	}
	return ls, nil
}

// Close checkpoints the WAL and closes the connection.
func (ls *LocalStore) Close() error {
	if ls.conn == nil {
		return nil
	}
	if _, err := ls.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}
	if err := ls.conn.Close(); err != nil {
		return fmt.Errorf("failed to close state database: %w", err)
	}
	ls.conn = nil
	return nil
}

// initSchema creates tables and indexes. Idempotent.
func (ls *LocalStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS backup_history (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		created_at TEXT NOT NULL,
		task_count INTEGER NOT NULL,
		project_count INTEGER NOT NULL,
		group_count INTEGER NOT NULL,
		size_bytes INTEGER NOT NULL,
		checksum TEXT NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS golden_rotation (
		position INTEGER PRIMARY KEY,
		snapshot_id TEXT NOT NULL,
		task_count INTEGER NOT NULL,
		payload TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_history_created ON backup_history(created_at);
	CREATE INDEX IF NOT EXISTS idx_history_kind ON backup_history(kind);
	`
	if _, err := ls.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize state schema: %w", err)
	}
	return nil
}

// AppendHistory stores a snapshot and records it as the latest, then
// prunes the ring: oldest entries beyond maxEntries go, as do entries
// older than ttl (0 disables the TTL sweep).
func (ls *LocalStore) AppendHistory(ctx context.Context, snap *Snapshot, maxEntries int, ttl time.Duration) error {
	data, err := snap.Encode()
	if err != nil {
		return err
	}

	tx, err := ls.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO backup_history (id, kind, created_at, task_count, project_count, group_count, size_bytes, checksum, payload)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		snap.ID, string(snap.Kind), snap.Timestamp.Format(time.RFC3339Nano),
		snap.Metadata.TaskCount, snap.Metadata.ProjectCount, snap.Metadata.GroupCount,
		snap.Metadata.SizeBytes, snap.Checksum, string(data),
	)
	if err != nil {
		return fmt.Errorf("failed to append snapshot %s: %w", snap.ID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaPrefix+"latest_backup", snap.ID,
	); err != nil {
		return fmt.Errorf("failed to record latest backup: %w", err)
	}

	if maxEntries > 0 {
		if _, err := tx.ExecContext(ctx, `
			DELETE FROM backup_history WHERE id NOT IN (
				SELECT id FROM backup_history ORDER BY created_at DESC LIMIT ?
			)`, maxEntries,
		); err != nil {
			return fmt.Errorf("failed to prune history by count: %w", err)
		}
	}
	if ttl > 0 {
		cutoff := time.Now().Add(-ttl).Format(time.RFC3339Nano)
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM backup_history WHERE created_at < ?`, cutoff,
		); err != nil {
			return fmt.Errorf("failed to prune history by age: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history append: %w", err)
	}
	return nil
}

// HistoryEntry is a snapshot summary row (payload not decoded).
type HistoryEntry struct {
	ID        string
	Kind      Kind
	CreatedAt time.Time
	Metadata  Metadata
	Checksum  string
}

// ListHistory returns summaries newest-first.
func (ls *LocalStore) ListHistory(ctx context.Context) ([]HistoryEntry, error) {
	rows, err := ls.conn.QueryContext(ctx, `
		SELECT id, kind, created_at, task_count, project_count, group_count, size_bytes, checksum
		FROM backup_history ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var entries []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		var kind, createdAt string
		if err := rows.Scan(&e.ID, &kind, &createdAt,
			&e.Metadata.TaskCount, &e.Metadata.ProjectCount, &e.Metadata.GroupCount,
			&e.Metadata.SizeBytes, &e.Checksum); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		e.Kind = Kind(kind)
		if t, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			e.CreatedAt = t
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history: %w", err)
	}
	return entries, nil
}

// GetSnapshot loads one full snapshot by ID.
func (ls *LocalStore) GetSnapshot(ctx context.Context, id string) (*Snapshot, error) {
	var payload string
	err := ls.conn.QueryRowContext(ctx,
		`SELECT payload FROM backup_history WHERE id = ?`, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", id, err)
	}
	return Decode([]byte(payload))
}

// Latest returns the most recently recorded snapshot, or ErrNoSnapshot.
func (ls *LocalStore) Latest(ctx context.Context) (*Snapshot, error) {
	var id string
	err := ls.conn.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, metaPrefix+"latest_backup").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoSnapshot
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read latest pointer: %w", err)
	}
	return ls.GetSnapshot(ctx, id)
}

// HistoryCount returns the number of retained snapshots.
func (ls *LocalStore) HistoryCount(ctx context.Context) (int, error) {
	var count int
	if err := ls.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM backup_history`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count history: %w", err)
	}
	return count, nil
}

// SaveGolden replaces the persisted golden rotation with the given ordered
// members.
func (ls *LocalStore) SaveGolden(ctx context.Context, members []*Snapshot) error {
	tx, err := ls.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM golden_rotation`); err != nil {
		return fmt.Errorf("failed to clear golden rotation: %w", err)
	}
	for i, snap := range members {
		data, err := snap.Encode()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO golden_rotation (position, snapshot_id, task_count, payload)
			VALUES (?, ?, ?, ?)`,
			i, snap.ID, snap.Metadata.TaskCount, string(data),
		); err != nil {
			return fmt.Errorf("failed to save golden member %s: %w", snap.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit golden rotation: %w", err)
	}
	return nil
}

// LoadGolden returns the golden rotation members in stored order.
func (ls *LocalStore) LoadGolden(ctx context.Context) ([]*Snapshot, error) {
	rows, err := ls.conn.QueryContext(ctx,
		`SELECT payload FROM golden_rotation ORDER BY position ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to load golden rotation: %w", err)
	}
	defer rows.Close()

	var members []*Snapshot
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("failed to scan golden row: %w", err)
		}
		snap, err := Decode([]byte(payload))
		if err != nil {
			return nil, err
		}
		members = append(members, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating golden rotation: %w", err)
	}
	return members, nil
}

// MaxTaskCount returns the all-time task-count high-water mark.
func (ls *LocalStore) MaxTaskCount(ctx context.Context) (int, error) {
	var value string
	err := ls.conn.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE key = ?`, metaPrefix+"max_task_count").Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read max task count: %w", err)
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("corrupt max task count %q: %w", value, err)
	}
	return n, nil
}

// SetMaxTaskCount stores the high-water mark. Callers keep it monotonic.
func (ls *LocalStore) SetMaxTaskCount(ctx context.Context, count int) error {
	_, err := ls.conn.ExecContext(ctx, `
		INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaPrefix+"max_task_count", strconv.Itoa(count))
	if err != nil {
		return fmt.Errorf("failed to store max task count: %w", err)
	}
	return nil
}
