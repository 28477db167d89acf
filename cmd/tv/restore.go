package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/taskvault/taskvault/internal/backup"
	"github.com/taskvault/taskvault/internal/restore"
	"github.com/taskvault/taskvault/internal/ui"
)

var (
	restoreDryRun    bool
	restoreSkipDedup bool
	restoreYes       bool
)

var restoreCmd = &cobra.Command{
	Use:   "restore [snapshot-id]",
	Short: "Restore from a backup snapshot",
	Long: `Restore entities from a backup snapshot into the account.

The restore never resurrects deleted data: every task passes through the
safe-create check against live rows, soft-deleted rows, and tombstones.
With no snapshot ID the most recent backup is used. An emergency backup
of current state is always taken first.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.close()

		ctx := context.Background()
		snap, err := loadSnapshot(ctx, eng, args)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		analysis, err := eng.restore.AnalyzeRestore(ctx, snap)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error analyzing restore: %v\n", err)
			os.Exit(1)
		}
		printAnalysis(snap.ID, analysis)

		if restoreDryRun {
			return
		}
		if !analysis.CanProceed && !restoreSkipDedup {
			fmt.Printf("%s Nothing to restore.\n", ui.RenderWarn("⚠"))
			return
		}
		if !restoreYes && !confirmRestore(len(analysis.ToRestore)) {
			fmt.Println("Aborted.")
			return
		}

		result, err := eng.restore.RestoreBackup(ctx, snap, restore.Options{
			SkipDedupCheck: restoreSkipDedup,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during restore: %v\n", err)
			os.Exit(1)
		}
		printResult(result)
	},
}

var restoreGoldenCmd = &cobra.Command{
	Use:   "golden <index>",
	Short: "Restore from a golden snapshot",
	Long: `Restore from a member of the golden rotation (0 = largest).

The snapshot is cross-referenced against current deletions and tombstones
before anything is written, so restoring an old golden backup cannot
bring back data deleted since it was taken.`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		index, err := strconv.Atoi(args[0])
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: index must be a number\n")
			os.Exit(1)
		}

		eng, err := buildEngine(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.close()

		ctx := context.Background()
		preview, err := eng.restore.AnalyzeGolden(ctx, index)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error analyzing golden restore: %v\n", err)
			os.Exit(1)
		}
		if preview.AgeWarning != "" {
			fmt.Printf("%s %s\n", ui.RenderWarn("⚠"), preview.AgeWarning)
		}
		printAnalysis(preview.Snapshot.ID, preview.Analysis)

		if restoreDryRun {
			return
		}
		if !preview.Analysis.CanProceed {
			fmt.Printf("%s Nothing to restore.\n", ui.RenderWarn("⚠"))
			return
		}
		if !restoreYes && !confirmRestore(len(preview.Analysis.ToRestore)) {
			fmt.Println("Aborted.")
			return
		}

		result, err := eng.restore.RestoreFromGolden(ctx, index)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error during restore: %v\n", err)
			os.Exit(1)
		}
		printResult(result)
	},
}

func loadSnapshot(ctx context.Context, eng *engine, args []string) (*backup.Snapshot, error) {
	if len(args) == 1 {
		return eng.local.GetSnapshot(ctx, args[0])
	}
	return eng.snapshotter.Latest(ctx)
}

func printAnalysis(id string, a *restore.Analysis) {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", ui.Styles.Title.Render("Restore preview: "+id))
	fmt.Fprintf(&b, "Tasks to restore:  %d\n", len(a.ToRestore))
	fmt.Fprintf(&b, "Tasks skipped:     %d\n", len(a.Skipped))
	fmt.Fprintf(&b, "Projects:          %d (%d filtered)\n", len(a.Projects), a.FilteredProjects)
	fmt.Fprintf(&b, "Groups:            %d (%d filtered)", len(a.Groups), a.FilteredGroups)
	fmt.Println(ui.Styles.Box.Render(b.String()))

	for _, s := range a.Skipped {
		fmt.Printf("   %s %s (%s)\n", ui.Styles.Muted.Render("skip"), s.TaskID, s.Reason)
	}
	if a.FailedOpen {
		fmt.Printf("%s Availability check failed open: every task was treated as restorable.\n",
			ui.RenderFail("✗"))
	}
}

func printResult(r *restore.Result) {
	fmt.Printf("%s Restore complete\n", ui.RenderPass("✓"))
	fmt.Printf("   Created: %d tasks\n", r.Created)
	fmt.Printf("   Skipped: %d tasks\n", r.Skipped)
	fmt.Printf("   Projects: %d, Groups: %d\n", r.Projects, r.Groups)
	if r.Emergency != nil {
		fmt.Printf("   Emergency backup: %s\n", r.Emergency.ID)
	}
}

func confirmRestore(count int) bool {
	confirmed := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(fmt.Sprintf("Restore %d tasks?", count)).
			Description("An emergency backup of current state is taken first.").
			Value(&confirmed),
	))
	if err := form.Run(); err != nil {
		return false
	}
	return confirmed
}

func init() {
	restoreCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "analyze only, change nothing")
	restoreCmd.Flags().BoolVar(&restoreSkipDedup, "skip-dedup", false, "skip the batch availability check")
	restoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "skip the confirmation prompt")
	restoreGoldenCmd.Flags().BoolVar(&restoreDryRun, "dry-run", false, "analyze only, change nothing")
	restoreGoldenCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "skip the confirmation prompt")
	restoreCmd.AddCommand(restoreGoldenCmd)
	rootCmd.AddCommand(restoreCmd)
}
