// Package storage persists mlscore state on disk: group snapshots,
// identity keys and the group policy file. The snapshot encoding is
// the engine's own; this package only decides where the bytes live.
package storage

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths resolves the file layout under a state directory.
type Paths struct {
	Root string
}

// DefaultRoot returns the default state directory, honoring
// MLSCORE_DIR and falling back to ~/.mlscore.
func DefaultRoot() (string, error) {
	if dir := os.Getenv("MLSCORE_DIR"); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot resolve home directory: %w", err)
	}
	return filepath.Join(home, ".mlscore"), nil
}

// GroupsDir is the directory of group snapshots.
func (p Paths) GroupsDir() string { return filepath.Join(p.Root, "groups") }

// GroupState is the snapshot file for a named group.
func (p Paths) GroupState(name string) string {
	return filepath.Join(p.GroupsDir(), name+".mls")
}

// KeysDir is the directory of identity keys.
func (p Paths) KeysDir() string { return filepath.Join(p.Root, "keys") }

// IdentityKey is the PEM file for a named identity.
func (p Paths) IdentityKey(name string) string {
	return filepath.Join(p.KeysDir(), name+".pem")
}

// PolicyFile is the group policy TOML file.
func (p Paths) PolicyFile() string { return filepath.Join(p.Root, "policy.toml") }

// Ensure creates the directory layout.
func (p Paths) Ensure() error {
	for _, dir := range []string{p.Root, p.GroupsDir(), p.KeysDir()} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
