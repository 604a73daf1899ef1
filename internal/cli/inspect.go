package cli

import (
	"fmt"

	"github.com/germtb/mlscore/internal/storage"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect [group]",
	Short: "Print a stored group snapshot",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		g, err := storage.LoadGroup(paths, args[0])
		if err != nil {
			return err
		}
		fmt.Print(dumpGroup(g))
		return nil
	},
}

var lsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List stored groups",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		infos, err := storage.StatGroups(paths)
		if err != nil {
			return err
		}
		for _, info := range infos {
			g, err := storage.LoadGroup(paths, info.Name)
			if err != nil {
				return err
			}
			fmt.Printf("%s\tepoch %d\t%d members\t%d bytes\n",
				info.Name, g.Epoch(), len(g.Members()), info.Size)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
	rootCmd.AddCommand(lsCmd)
}
