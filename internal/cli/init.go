package cli

import (
	"fmt"

	"github.com/germtb/mlscore/internal/config"
	"github.com/germtb/mlscore/internal/mls"
	"github.com/germtb/mlscore/internal/storage"
	"github.com/spf13/cobra"
)

var initGroupID string

var initCmd = &cobra.Command{
	Use:   "init [group] [identity]",
	Short: "Found a new group with the named identity as sole member",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupName, identityName := args[0], args[1]
		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		policy, err := config.LoadPolicy(paths.PolicyFile())
		if err != nil {
			return err
		}
		sigKey, err := storage.LoadIdentityKey(paths, identityName, nil)
		if err != nil {
			return err
		}

		bundle, err := mls.NewKeyPackageBundle(config.MLSCiphersuiteID, []byte(identityName), sigKey)
		if err != nil {
			return err
		}
		groupID := initGroupID
		if groupID == "" {
			groupID = groupName
		}
		g, err := mls.NewGroup(config.MLSCiphersuiteID, []byte(groupID), bundle, policyToGroupConfig(policy))
		if err != nil {
			return err
		}
		if err := storage.SaveGroup(paths, groupName, g); err != nil {
			return err
		}
		fmt.Printf("group %q founded at epoch %d (group id %q)\n", groupName, g.Epoch(), groupID)
		return nil
	},
}

func init() {
	initCmd.Flags().StringVar(&initGroupID, "group-id", "", "explicit group id (defaults to the group name)")
	rootCmd.AddCommand(initCmd)
}
