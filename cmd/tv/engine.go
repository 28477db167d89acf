package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/taskvault/taskvault/internal/backup"
	"github.com/taskvault/taskvault/internal/cache"
	"github.com/taskvault/taskvault/internal/config"
	"github.com/taskvault/taskvault/internal/dedup"
	"github.com/taskvault/taskvault/internal/logging"
	"github.com/taskvault/taskvault/internal/remote"
	"github.com/taskvault/taskvault/internal/restore"
	"github.com/taskvault/taskvault/internal/retry"
	"github.com/taskvault/taskvault/internal/state"
	"github.com/taskvault/taskvault/internal/tombstone"
)

// engine bundles the wired components every command needs.
type engine struct {
	cfg         *config.Config
	client      *remote.Client
	state       *state.Manager
	local       *backup.LocalStore
	golden      *backup.GoldenRotation
	snapshotter *backup.Snapshotter
	restore     *restore.Engine
	dedup       dedup.Service
}

// buildEngine loads config and wires the full component graph. onEvent may
// be nil; the daemon passes the dashboard's Emit.
func buildEngine(onEvent func(kind string, data any)) (*engine, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	client := remote.NewClient(remote.ClientConfig{
		BaseURL: cfg.Remote.BaseURL,
		APIKey:  cfg.Remote.APIKey,
		Token:   cfg.Remote.Token,
		UserID:  cfg.Remote.UserID,
	})

	policy := retry.NewPolicy(cfg.Retry.MaxAttempts, logging.New("[retry] "))
	swr := cache.New(logging.New("[cache] "))
	tombstones := tombstone.New(client, cfg.Remote.UserID, logging.New("[tombstone] "))
	svc := dedup.New(client, dedup.Config{
		Logger:            logging.New("[dedup] "),
		DisableProcedures: cfg.Remote.DisableProcedures,
	})
	mgr := state.New(client, svc, tombstones, swr, policy, client, logging.New("[state] "))

	if err := os.MkdirAll(filepath.Dir(cfg.Backup.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	local, err := backup.OpenLocal(cfg.Backup.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open backup store: %w", err)
	}

	golden := backup.NewGoldenRotation(local, logging.New("[golden] "))
	snapshotter := backup.NewSnapshotter(mgr, local, golden, &backup.Config{
		Interval:        cfg.Backup.Interval,
		HistoryLimit:    cfg.Backup.HistoryLimit,
		HistoryTTL:      cfg.Backup.HistoryTTL,
		FilterSynthetic: cfg.Backup.FilterSynthetic,
		Logger:          logging.New("[backup] "),
		OnEvent:         onEvent,
	})

	eng := restore.NewEngine(client, svc, tombstones, snapshotter, golden, mgr, logging.New("[restore] "))

	return &engine{
		cfg:         cfg,
		client:      client,
		state:       mgr,
		local:       local,
		golden:      golden,
		snapshotter: snapshotter,
		restore:     eng,
		dedup:       svc,
	}, nil
}

// close releases the local store.
func (e *engine) close() {
	if err := e.local.Close(); err != nil {
		log.Printf("Warning: failed to close backup store: %v", err)
	}
}
