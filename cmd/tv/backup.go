package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/internal/backup"
	"github.com/taskvault/taskvault/internal/ui"
)

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create and inspect backup snapshots",
}

var backupCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a manual backup snapshot now",
	Long: `Snapshot the current account state into the local backup history.

Manual backups skip the suspicious-loss guard: explicit user intent
overrides the heuristics that protect automatic backups.`,
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.close()

		ctx := context.Background()
		snap, err := eng.snapshotter.CreateBackup(ctx, backup.KindManual)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error creating backup: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("%s Backup created\n", ui.RenderPass("✓"))
		fmt.Printf("   ID: %s\n", snap.ID)
		fmt.Printf("   Tasks: %d, Projects: %d, Groups: %d\n",
			snap.Metadata.TaskCount, snap.Metadata.ProjectCount, snap.Metadata.GroupCount)
		fmt.Printf("   Size: %d bytes\n", snap.Metadata.SizeBytes)
	},
}

var backupListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the backup history",
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.close()

		entries, err := eng.snapshotter.History(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing backups: %v\n", err)
			os.Exit(1)
		}
		if len(entries) == 0 {
			fmt.Printf("%s No backups yet. Run 'tv backup create'.\n", ui.RenderWarn("⚠"))
			return
		}

		fmt.Printf("\n%s Backup history (%d)\n\n", ui.RenderAccent("Backups"), len(entries))
		for _, e := range entries {
			fmt.Printf("  %s  %-9s  %5d tasks  %s\n",
				e.CreatedAt.Local().Format("2006-01-02 15:04:05"),
				e.Kind, e.Metadata.TaskCount, e.ID)
		}
		fmt.Println()
	},
}

var backupExportCmd = &cobra.Command{
	Use:   "export <snapshot-id> <file>",
	Short: "Export a snapshot to a JSON file",
	Long: `Write one history snapshot to a portable JSON file.

Exported files can be dropped into another device's import directory,
where the importer validates and indexes them.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.close()

		snap, err := eng.local.GetSnapshot(context.Background(), args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading snapshot: %v\n", err)
			os.Exit(1)
		}
		data, err := snap.Encode()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding snapshot: %v\n", err)
			os.Exit(1)
		}
		if err := os.WriteFile(args[1], data, 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "Error writing file: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Exported %s to %s\n", ui.RenderPass("✓"), snap.ID, args[1])
	},
}

var backupImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a snapshot file into the local history",
	Long: `Validate an exported snapshot file and index it into the backup
history, making it restorable on this device.

Snapshots written by a newer app version are rejected. A checksum
mismatch warns but does not block the import.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.close()

		data, err := os.ReadFile(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading file: %v\n", err)
			os.Exit(1)
		}
		snap, err := backup.Decode(data)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error decoding snapshot: %v\n", err)
			os.Exit(1)
		}
		if err := snap.Validate(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: invalid snapshot: %v\n", err)
			os.Exit(1)
		}
		if ok, err := snap.VerifyChecksum(); err != nil {
			fmt.Printf("%s Checksum verification errored: %v\n", ui.RenderWarn("⚠"), err)
		} else if !ok {
			fmt.Printf("%s Checksum mismatch, importing anyway\n", ui.RenderWarn("⚠"))
		}

		ctx := context.Background()
		if _, err := eng.local.GetSnapshot(ctx, snap.ID); err == nil {
			fmt.Printf("%s Snapshot %s is already indexed\n", ui.RenderPass("✓"), snap.ID)
			return
		}
		if err := eng.local.AppendHistory(ctx, snap,
			eng.cfg.Backup.HistoryLimit, eng.cfg.Backup.HistoryTTL); err != nil {
			fmt.Fprintf(os.Stderr, "Error indexing snapshot: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Imported %s (%d tasks)\n", ui.RenderPass("✓"), snap.ID, snap.Metadata.TaskCount)
	},
}

var backupVerifyCmd = &cobra.Command{
	Use:   "verify [snapshot-id]",
	Short: "Verify snapshot checksums",
	Long: `Recompute and compare the stored checksum of one snapshot, or of
every snapshot in history when no ID is given.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.close()

		ctx := context.Background()
		var ids []string
		if len(args) == 1 {
			ids = args
		} else {
			entries, err := eng.snapshotter.History(ctx)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error listing backups: %v\n", err)
				os.Exit(1)
			}
			for _, e := range entries {
				ids = append(ids, e.ID)
			}
		}

		bad := 0
		for _, id := range ids {
			snap, err := eng.local.GetSnapshot(ctx, id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error loading %s: %v\n", id, err)
				os.Exit(1)
			}
			ok, err := snap.VerifyChecksum()
			switch {
			case err != nil:
				fmt.Printf("%s %s verification errored: %v\n", ui.RenderWarn("⚠"), id, err)
				bad++
			case !ok:
				fmt.Printf("%s %s checksum mismatch\n", ui.RenderFail("✗"), id)
				bad++
			default:
				fmt.Printf("%s %s ok (%s)\n", ui.RenderPass("✓"), id,
					humanAge(time.Since(snap.Timestamp)))
			}
		}
		if bad > 0 {
			os.Exit(1)
		}
	},
}

func humanAge(d time.Duration) string {
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func init() {
	backupCmd.AddCommand(backupCreateCmd)
	backupCmd.AddCommand(backupListCmd)
	backupCmd.AddCommand(backupExportCmd)
	backupCmd.AddCommand(backupImportCmd)
	backupCmd.AddCommand(backupVerifyCmd)
	rootCmd.AddCommand(backupCmd)
}
