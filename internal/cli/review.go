package cli

import (
	"fmt"

	dmp "github.com/sergi/go-diff/diffmatchpatch"
	"github.com/germtb/mlscore/internal/storage"
	"github.com/spf13/cobra"
)

var reviewCmd = &cobra.Command{
	Use:   "review [group-a] [group-b]",
	Short: "Diff two stored group snapshots",
	Long: `Review renders both snapshots as stable text and prints a
character-level diff, useful for checking how two members' views of a
group diverge (epoch, tree hash, membership).`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		ga, err := storage.LoadGroup(paths, args[0])
		if err != nil {
			return err
		}
		gb, err := storage.LoadGroup(paths, args[1])
		if err != nil {
			return err
		}

		dumpA, dumpB := dumpGroup(ga), dumpGroup(gb)
		if dumpA == dumpB {
			fmt.Println("snapshots agree")
			return nil
		}
		patcher := dmp.New()
		diffs := patcher.DiffMain(dumpA, dumpB, false)
		fmt.Print(patcher.DiffPrettyText(diffs))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(reviewCmd)
}
