package cli

import (
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/germtb/mlscore/internal/config"
	"github.com/germtb/mlscore/internal/mls"
)

// dumpGroup renders a group snapshot as stable human-readable text.
// The rendering is deterministic so two dumps can be diffed.
func dumpGroup(g *mls.CoreGroup) string {
	var b strings.Builder
	fmt.Fprintf(&b, "ciphersuite: %s\n", g.Ciphersuite())
	fmt.Fprintf(&b, "group_id: %s\n", base64.StdEncoding.EncodeToString(g.GroupID()))
	fmt.Fprintf(&b, "epoch: %d\n", g.Epoch())
	fmt.Fprintf(&b, "tree_hash: %x\n", g.Context().TreeHash)
	fmt.Fprintf(&b, "confirmed_transcript_hash: %x\n", g.Context().ConfirmedTranscriptHash)
	fmt.Fprintf(&b, "own_leaf_index: %d\n", g.OwnLeafIndex())
	fmt.Fprintf(&b, "epoch_authenticator: %x\n", g.EpochAuthenticator())
	for _, ext := range g.GroupContextExtensions() {
		fmt.Fprintf(&b, "extension: type=%d len=%d\n", ext.Type, len(ext.Data))
	}
	fmt.Fprintf(&b, "members: %d\n", len(g.Members()))
	for _, m := range g.Members() {
		fmt.Fprintf(&b, "  leaf %d: identity=%q signature_key=%x\n", m.Index, m.Identity, m.SignatureKey)
	}
	return b.String()
}

// policyToGroupConfig translates a TOML policy into engine config.
func policyToGroupConfig(p config.Policy) mls.GroupConfig {
	cfg := mls.GroupConfig{
		MaxPastEpochs:           p.MaxPastEpochs,
		UseRatchetTreeExtension: p.UseRatchetTreeExtension,
	}
	if len(p.RequiredExtensionTypes)+len(p.RequiredProposalTypes)+len(p.RequiredCredentialTypes) > 0 {
		cfg.RequiredCapabilities = &mls.RequiredCapabilities{
			ExtensionTypes:  p.RequiredExtensionTypes,
			ProposalTypes:   p.RequiredProposalTypes,
			CredentialTypes: p.RequiredCredentialTypes,
		}
	}
	return cfg
}
