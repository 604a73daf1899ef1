// Package config provides constants and group policy configuration
// for mlscore.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

const (
	// MLSCiphersuiteID is MLS_128_DHKEMX25519_CHACHA20POLY1305_SHA256_Ed25519.
	MLSCiphersuiteID = 0x0003

	// DefaultMaxPastEpochs is the number of past epochs whose message
	// secrets are retained for late decryption.
	DefaultMaxPastEpochs = 2

	// DefaultPadding is the default padding length for application
	// messages, in bytes.
	DefaultPadding = 0

	// Version is the mlscore version string.
	Version = "0.1.0"
)

// Policy is the group policy file, stored as TOML next to the group
// state.
type Policy struct {
	MaxPastEpochs           int      `toml:"max_past_epochs"`
	Padding                 int      `toml:"padding"`
	UseRatchetTreeExtension bool     `toml:"use_ratchet_tree_extension"`
	RequiredExtensionTypes  []uint16 `toml:"required_extension_types"`
	RequiredProposalTypes   []uint16 `toml:"required_proposal_types"`
	RequiredCredentialTypes []uint16 `toml:"required_credential_types"`
}

// DefaultPolicy returns the policy applied when no file is present.
func DefaultPolicy() Policy {
	return Policy{
		MaxPastEpochs:           DefaultMaxPastEpochs,
		Padding:                 DefaultPadding,
		UseRatchetTreeExtension: true,
	}
}

type policyWrapper struct {
	Group Policy `toml:"group"`
}

// LoadPolicy reads a policy TOML file. A missing file yields the
// default policy.
func LoadPolicy(path string) (Policy, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return DefaultPolicy(), nil
	}
	if err != nil {
		return Policy{}, fmt.Errorf("read policy: %w", err)
	}
	var w policyWrapper
	if _, err := toml.Decode(string(data), &w); err != nil {
		return Policy{}, fmt.Errorf("parse policy TOML: %w", err)
	}
	if w.Group.MaxPastEpochs < 0 {
		return Policy{}, fmt.Errorf("max_past_epochs must not be negative")
	}
	if w.Group.Padding < 0 {
		return Policy{}, fmt.Errorf("padding must not be negative")
	}
	return w.Group, nil
}

// WritePolicy writes a policy TOML file.
func WritePolicy(path string, p Policy) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create policy: %w", err)
	}
	defer f.Close()
	if _, err := fmt.Fprintln(f, "[group]"); err != nil {
		return err
	}
	if err := toml.NewEncoder(f).Encode(p); err != nil {
		return fmt.Errorf("encode policy: %w", err)
	}
	return nil
}
