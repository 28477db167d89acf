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

var goldenForce bool

var goldenCmd = &cobra.Command{
	Use:   "golden",
	Short: "Manage the golden snapshot rotation",
	Long: `The golden rotation keeps the three highest-water-mark snapshots as
a safety net independent of the rolling history. Members are only
displaced by larger snapshots, so a sync bug that wipes data can never
push the good backups out.`,
}

var goldenListCmd = &cobra.Command{
	Use:   "list",
	Short: "List golden rotation members",
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.close()

		members, err := eng.golden.Members(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing golden snapshots: %v\n", err)
			os.Exit(1)
		}
		if len(members) == 0 {
			fmt.Printf("%s No golden snapshots yet.\n", ui.RenderWarn("⚠"))
			return
		}

		fmt.Printf("\n%s Golden rotation (%d/%d)\n\n",
			ui.RenderAccent("Golden"), len(members), backup.GoldenCapacity)
		for i, m := range members {
			line := fmt.Sprintf("  [%d]  %5d tasks  %s  %s",
				i, m.Metadata.TaskCount,
				m.Timestamp.Local().Format("2006-01-02 15:04:05"), m.ID)
			if m.Age(time.Now()) > backup.GoldenFreshness {
				line += "  " + ui.RenderWarn("stale")
			}
			fmt.Println(line)
		}
		fmt.Println()
	},
}

var goldenSaveCmd = &cobra.Command{
	Use:   "save",
	Short: "Offer the latest backup to the golden rotation",
	Long: `Offer the most recent history snapshot to the golden rotation.

Without --force the normal acceptance rules apply: the snapshot must
exceed the smallest member (or find free capacity). With --force it is
kept regardless, displacing the smallest member.`,
	Run: func(cmd *cobra.Command, args []string) {
		eng, err := buildEngine(nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer eng.close()

		ctx := context.Background()
		snap, err := eng.snapshotter.Latest(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading latest backup: %v\n", err)
			os.Exit(1)
		}

		kept, err := eng.golden.Save(ctx, snap, goldenForce)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error updating golden rotation: %v\n", err)
			os.Exit(1)
		}
		if kept {
			fmt.Printf("%s Snapshot %s (%d tasks) kept in golden rotation\n",
				ui.RenderPass("✓"), snap.ID, snap.Metadata.TaskCount)
		} else {
			fmt.Printf("%s Snapshot rejected: %d tasks does not beat the current members (use --force)\n",
				ui.RenderWarn("⚠"), snap.Metadata.TaskCount)
		}
	},
}

func init() {
	goldenSaveCmd.Flags().BoolVar(&goldenForce, "force", false, "keep the snapshot regardless of size")
	goldenCmd.AddCommand(goldenListCmd)
	goldenCmd.AddCommand(goldenSaveCmd)
	rootCmd.AddCommand(goldenCmd)
}
