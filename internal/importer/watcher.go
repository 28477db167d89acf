// Package importer watches an export directory for dropped snapshot files
// and indexes valid ones into the local backup history. This is the path
// by which snapshots exported on another device become restorable here.
package importer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/taskvault/taskvault/internal/backup"
)

// Config configures the Watcher.
type Config struct {
	// Dir is the export directory to watch for *.json snapshot files.
	Dir string

	// HistoryLimit and HistoryTTL are passed through to history pruning.
	HistoryLimit int
	HistoryTTL   time.Duration

	// SettleDelay waits for the writer to finish before reading a new file
	// (default 500ms). Exports are written in one pass but not atomically.
	SettleDelay time.Duration

	// Logger for import diagnostics (default stderr).
	Logger *log.Logger

	// OnEvent, when set, receives "import_indexed" and "import_rejected"
	// events for the dashboard. Best-effort.
	OnEvent func(kind string, data any)
}

// Watcher monitors the export directory and indexes snapshots.
type Watcher struct {
	local   *backup.LocalStore
	config  *Config
	watcher *fsnotify.Watcher
	done    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewWatcher creates a Watcher; Start begins monitoring.
func NewWatcher(local *backup.LocalStore, config *Config) (*Watcher, error) {
	if config == nil || config.Dir == "" {
		return nil, fmt.Errorf("importer: export directory not configured")
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[importer] ", log.LstdFlags)
	}
	if config.SettleDelay <= 0 {
		config.SettleDelay = 500 * time.Millisecond
	}
	if config.HistoryLimit <= 0 {
		config.HistoryLimit = 20
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		local:   local,
		config:  config,
		watcher: fw,
		done:    make(chan struct{}),
	}, nil
}

// Start indexes any snapshots already present, then begins watching for
// new ones.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("importer: watcher already running")
	}

	if err := os.MkdirAll(w.config.Dir, 0o755); err != nil {
		return fmt.Errorf("failed to create export directory: %w", err)
	}
	if err := w.watcher.Add(w.config.Dir); err != nil {
		return fmt.Errorf("failed to watch export directory %s: %w", w.config.Dir, err)
	}

	if err := w.scanExisting(ctx); err != nil {
		w.config.Logger.Printf("Warning: initial scan failed: %v", err)
	}

	w.running = true
	w.wg.Add(1)
	go w.processEvents(ctx)
	return nil
}

// Stop stops watching and blocks until the event loop has exited.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = false
	w.mu.Unlock()

	close(w.done)
	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	w.wg.Wait()
	return nil
}

func (w *Watcher) scanExisting(ctx context.Context) error {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		w.importFile(ctx, filepath.Join(w.config.Dir, e.Name()))
	}
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer w.wg.Done()

	for {
		select {
		case <-w.done:
			return
		case <-ctx.Done():
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if !strings.HasSuffix(event.Name, ".json") {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			// Let the writer finish; Write events arrive mid-stream.
			select {
			case <-time.After(w.config.SettleDelay):
			case <-w.done:
				return
			}
			w.importFile(ctx, event.Name)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.config.Logger.Printf("Watch error: %v", err)
		}
	}
}

// importFile validates one snapshot file and appends it to history.
// Corruption warns but still indexes; a newer schema version rejects.
func (w *Watcher) importFile(ctx context.Context, path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		w.config.Logger.Printf("Warning: failed to read %s: %v", path, err)
		return
	}

	snap, err := backup.Decode(data)
	if err != nil {
		w.reject(path, err)
		return
	}
	if err := snap.Validate(); err != nil {
		var tooNew *backup.ErrSchemaTooNew
		if errors.As(err, &tooNew) {
			w.reject(path, fmt.Errorf("snapshot written by a newer app version: %w", err))
			return
		}
		w.reject(path, err)
		return
	}
	if ok, err := snap.VerifyChecksum(); err != nil {
		w.config.Logger.Printf("Warning: checksum verification errored for %s: %v", path, err)
	} else if !ok {
		w.config.Logger.Printf("Warning: %s checksum mismatch, indexing anyway", path)
	}

	// Already indexed? Re-imports of the same snapshot ID are no-ops.
	if _, err := w.local.GetSnapshot(ctx, snap.ID); err == nil {
		return
	}

	if err := w.local.AppendHistory(ctx, snap, w.config.HistoryLimit, w.config.HistoryTTL); err != nil {
		w.config.Logger.Printf("Warning: failed to index %s: %v", path, err)
		return
	}

	w.config.Logger.Printf("Indexed snapshot %s from %s (%d tasks)",
		snap.ID, filepath.Base(path), snap.Metadata.TaskCount)
	if w.config.OnEvent != nil {
		w.config.OnEvent("import_indexed", map[string]any{
			"snapshot_id": snap.ID,
			"path":        path,
			"task_count":  snap.Metadata.TaskCount,
		})
	}
}

func (w *Watcher) reject(path string, err error) {
	w.config.Logger.Printf("Rejected %s: %v", path, err)
	if w.config.OnEvent != nil {
		w.config.OnEvent("import_rejected", map[string]any{
			"path":   path,
			"reason": err.Error(),
		})
	}
}
