package cli

import (
	"fmt"

	"github.com/germtb/mlscore/internal/crypto"
	"github.com/germtb/mlscore/internal/storage"
	"github.com/spf13/cobra"
)

var keygenCmd = &cobra.Command{
	Use:   "keygen [name]",
	Short: "Generate an identity key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		priv, pub, err := crypto.GenerateIdentityKey()
		if err != nil {
			return err
		}
		if err := storage.SaveIdentityKey(paths, args[0], priv, nil); err != nil {
			return err
		}
		fmt.Printf("identity %q written to %s (fingerprint %s)\n",
			args[0], paths.IdentityKey(args[0]), crypto.Fingerprint(pub))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(keygenCmd)
}
