package cli

import (
	"fmt"

	"github.com/germtb/mlscore/internal/storage"
	"github.com/spf13/cobra"
)

var (
	exportContext string
	exportLength  int
)

var exportSecretCmd = &cobra.Command{
	Use:   "export-secret [group] [label]",
	Short: "Derive an application secret from the group's exporter secret",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		paths, err := resolvePaths()
		if err != nil {
			return err
		}
		g, err := storage.LoadGroup(paths, args[0])
		if err != nil {
			return err
		}
		secret, err := g.ExportSecret(args[1], []byte(exportContext), exportLength)
		if err != nil {
			return err
		}
		fmt.Printf("%x\n", secret)
		return nil
	},
}

func init() {
	exportSecretCmd.Flags().StringVar(&exportContext, "context", "", "exporter context string")
	exportSecretCmd.Flags().IntVar(&exportLength, "length", 32, "derived secret length in bytes")
	rootCmd.AddCommand(exportSecretCmd)
}
