// Package cli implements the mlscore command-line interface using
// Cobra.
package cli

import (
	"fmt"
	"os"

	"github.com/germtb/mlscore/internal/config"
	"github.com/germtb/mlscore/internal/storage"
	"github.com/spf13/cobra"
)

var stateDir string

var rootCmd = &cobra.Command{
	Use:     "mlscore",
	Short:   "MLS group-state engine tooling",
	Version: config.Version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&stateDir, "dir", "", "state directory (default $MLSCORE_DIR or ~/.mlscore)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// resolvePaths builds the storage layout from the --dir flag.
func resolvePaths() (storage.Paths, error) {
	dir := stateDir
	if dir == "" {
		var err error
		dir, err = storage.DefaultRoot()
		if err != nil {
			return storage.Paths{}, err
		}
	}
	p := storage.Paths{Root: dir}
	if err := p.Ensure(); err != nil {
		return storage.Paths{}, err
	}
	return p, nil
}
