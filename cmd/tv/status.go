package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/internal/backup"
	"github.com/taskvault/taskvault/internal/config"
	"github.com/taskvault/taskvault/internal/ui"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show engine status",
	Long: `Display backup history, golden rotation, and configuration status
for this install.`,
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.close()

		ctx := context.Background()
		fmt.Printf("\n%s\n\n", ui.Styles.Title.Render("TaskVault Engine Status"))
		fmt.Printf("Config: %s\n", config.Path())
		fmt.Printf("Backup store: %s\n", eng.cfg.Backup.DBPath)
		if eng.cfg.Remote.BaseURL == "" {
			fmt.Printf("Remote: %s\n", ui.RenderWarn("not configured"))
		} else {
			fmt.Printf("Remote: %s\n", eng.cfg.Remote.BaseURL)
		}

		count, err := eng.local.HistoryCount(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading history: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nBackups: %d in history\n", count)

		if latest, err := eng.snapshotter.Latest(ctx); err == nil {
			age := latest.Age(time.Now())
			line := fmt.Sprintf("Latest: %s (%d tasks, %s)",
				latest.ID, latest.Metadata.TaskCount, humanAge(age))
			if age > eng.cfg.Backup.Interval*3 {
				line += "  " + ui.RenderWarn("overdue")
			}
			fmt.Println(line)
		} else {
			fmt.Printf("Latest: %s\n", ui.RenderWarn("no backups yet"))
		}

		maxSeen, err := eng.local.MaxTaskCount(ctx)
		if err == nil && maxSeen > 0 {
			fmt.Printf("High-water mark: %d tasks\n", maxSeen)
		}

		members, err := eng.golden.Members(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading golden rotation: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("\nGolden rotation: %d/%d members\n", len(members), backup.GoldenCapacity)
		for i, m := range members {
			stale := ""
			if m.Age(time.Now()) > backup.GoldenFreshness {
				stale = "  " + ui.RenderWarn("stale")
			}
			fmt.Printf("  [%d] %d tasks, %s%s\n", i, m.Metadata.TaskCount,
				humanAge(m.Age(time.Now())), stale)
		}
		fmt.Println()
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
