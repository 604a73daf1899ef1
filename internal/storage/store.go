package storage

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/germtb/mlscore/internal/crypto"
	"github.com/germtb/mlscore/internal/mls"
)

// SaveGroup writes a group snapshot. Snapshots contain secret key
// material, so files are created user-only.
func SaveGroup(paths Paths, name string, g *mls.CoreGroup) error {
	data, err := g.Marshal()
	if err != nil {
		return fmt.Errorf("marshal group: %w", err)
	}
	tmp := paths.GroupState(name) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write group state: %w", err)
	}
	if err := os.Rename(tmp, paths.GroupState(name)); err != nil {
		return fmt.Errorf("replace group state: %w", err)
	}
	return nil
}

// LoadGroup reads a group snapshot back.
func LoadGroup(paths Paths, name string) (*mls.CoreGroup, error) {
	data, err := os.ReadFile(paths.GroupState(name))
	if err != nil {
		return nil, fmt.Errorf("read group state: %w", err)
	}
	g, err := mls.UnmarshalGroupState(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal group state: %w", err)
	}
	return g, nil
}

// ListGroups returns the names of stored groups, sorted.
func ListGroups(paths Paths) ([]string, error) {
	entries, err := os.ReadDir(paths.GroupsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", err)
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".mls") {
			continue
		}
		names = append(names, strings.TrimSuffix(e.Name(), ".mls"))
	}
	sort.Strings(names)
	return names, nil
}

// SaveIdentityKey writes an identity key as (optionally encrypted)
// PKCS8 PEM.
func SaveIdentityKey(paths Paths, name string, key ed25519.PrivateKey, passphrase []byte) error {
	pemStr, err := crypto.IdentityKeyToPEM(key, passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(paths.IdentityKey(name), []byte(pemStr), 0o600); err != nil {
		return fmt.Errorf("write identity key: %w", err)
	}
	return nil
}

// LoadIdentityKey reads an identity key PEM.
func LoadIdentityKey(paths Paths, name string, passphrase []byte) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(paths.IdentityKey(name))
	if err != nil {
		return nil, fmt.Errorf("read identity key: %w", err)
	}
	return crypto.LoadIdentityKey(string(data), passphrase)
}

// DeleteGroup removes a stored group snapshot.
func DeleteGroup(paths Paths, name string) error {
	if err := os.Remove(paths.GroupState(name)); err != nil {
		return fmt.Errorf("delete group state: %w", err)
	}
	return nil
}

// GroupFileInfo describes a stored snapshot for inspection.
type GroupFileInfo struct {
	Name string
	Path string
	Size int64
}

// StatGroups collects file info for all stored groups.
func StatGroups(paths Paths) ([]GroupFileInfo, error) {
	names, err := ListGroups(paths)
	if err != nil {
		return nil, err
	}
	var out []GroupFileInfo
	for _, name := range names {
		fi, err := os.Stat(paths.GroupState(name))
		if err != nil {
			return nil, err
		}
		out = append(out, GroupFileInfo{
			Name: name,
			Path: filepath.Clean(paths.GroupState(name)),
			Size: fi.Size(),
		})
	}
	return out, nil
}
