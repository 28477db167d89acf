package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/internal/dashboard"
	"github.com/taskvault/taskvault/internal/importer"
	"github.com/taskvault/taskvault/internal/logging"
	"github.com/taskvault/taskvault/internal/realtime"
	"github.com/taskvault/taskvault/internal/ui"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the engine daemon (foreground)",
	Long: `Run the consistency engine in foreground mode.

The daemon:
  1. Takes automatic backups on the configured interval
  2. Maintains the realtime change subscription with backoff reconnect
  3. Watches the import directory for exported snapshots
  4. Serves the event dashboard over WebSocket (when enabled)

Press Ctrl+C to stop.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := runDaemon(); err != nil {
			fmt.Fprintf(os.Stderr, "Daemon stopped with error: %v\n", err)
			os.Exit(1)
		}
	},
}

func runDaemon() error {
	// Dashboard comes up first so engine components can emit into it.
	var dash *dashboard.Server
	emit := func(kind string, data any) {}

	eng, err := buildEngine(func(kind string, data any) { emit(kind, data) })
	if err != nil {
		return err
	}
	defer eng.close()

	logFile := logging.Rotated(eng.cfg.Log)
	defer logFile.Close()
	logger := logging.NewDaemon("[daemon] ", logFile)

	if eng.cfg.Dashboard.Enabled {
		dash = dashboard.NewServer(&dashboard.Config{
			Port:   eng.cfg.Dashboard.Port,
			Logger: logging.NewDaemon("[dashboard] ", logFile),
		})
		if err := dash.Start(); err != nil {
			return err
		}
		defer func() {
			if err := dash.Stop(); err != nil {
				logger.Printf("Warning: dashboard shutdown: %v", err)
			}
		}()
		emit = dash.Emit
		fmt.Printf("%s Dashboard on %s\n", ui.RenderAccent("▸"), dash.Addr())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		eng.snapshotter.Run(ctx)
	}()

	if eng.cfg.Importer.Enabled {
		watcher, err := importer.NewWatcher(eng.local, &importer.Config{
			Dir:          eng.cfg.Importer.Dir,
			HistoryLimit: eng.cfg.Backup.HistoryLimit,
			HistoryTTL:   eng.cfg.Backup.HistoryTTL,
			Logger:       logging.NewDaemon("[importer] ", logFile),
			OnEvent:      emit,
		})
		if err != nil {
			return err
		}
		if err := watcher.Start(ctx); err != nil {
			return err
		}
		defer func() {
			if err := watcher.Stop(); err != nil {
				logger.Printf("Warning: importer shutdown: %v", err)
			}
		}()
		fmt.Printf("%s Watching %s for exported snapshots\n",
			ui.RenderAccent("▸"), eng.cfg.Importer.Dir)
	}

	if eng.cfg.Realtime.URL != "" {
		rtCfg := realtime.DefaultConfig()
		rtCfg.MaxReconnects = eng.cfg.Realtime.MaxReconnects
		rtCfg.BackoffCap = eng.cfg.Realtime.BackoffCap
		rtCfg.Logger = logging.NewDaemon("[realtime] ", logFile)
		rtCfg.OnRecovered = eng.state.OnReconnect
		rtCfg.OnStateChange = func(s realtime.State) {
			emit(dashboard.EventRealtimeState, map[string]any{"state": s.String()})
		}

		mgr := realtime.NewManager(realtime.WebSocketDialer(
			eng.cfg.Realtime.URL, eng.cfg.Remote.APIKey, eng.cfg.Remote.Token), rtCfg)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := mgr.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Printf("Realtime subscription gave up: %v", err)
			}
		}()

		// Single dispatcher: change events apply strictly in order.
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev := <-mgr.Events():
					eng.state.HandleChange(ev)
				}
			}
		}()
	} else {
		logger.Printf("Realtime URL not configured, running without live updates")
	}

	fmt.Printf("%s Engine daemon running (backup interval %v)\n",
		ui.RenderPass("✓"), eng.cfg.Backup.Interval)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
	fmt.Println("\nShutting down...")

	cancel()
	wg.Wait()
	logger.Printf("Daemon stopped")
	return nil
}

func init() {
	rootCmd.AddCommand(daemonCmd)
}
