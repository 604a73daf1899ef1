package mls

import (
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// GroupInfo is a signed snapshot of the public group state, used by
// joiners. It always carries the external public key; the full ratchet
// tree travels along when the group is configured to include it.
type GroupInfo struct {
	GroupContext    GroupContext
	Extensions      []Extension
	ConfirmationTag []byte
	Signer          uint32
	Signature       []byte
}

func (gi *GroupInfo) marshalTBS(b *cryptobyte.Builder) {
	gi.GroupContext.marshal(b)
	marshalExtensions(b, gi.Extensions)
	writeOpaqueVec(b, gi.ConfirmationTag)
	b.AddUint32(gi.Signer)
}

func (gi *GroupInfo) marshal(b *cryptobyte.Builder) {
	gi.marshalTBS(b)
	writeOpaqueVec(b, gi.Signature)
}

func (gi *GroupInfo) unmarshal(s *cryptobyte.String) error {
	*gi = GroupInfo{}
	if err := gi.GroupContext.unmarshal(s); err != nil {
		return err
	}
	var err error
	if gi.Extensions, err = unmarshalExtensions(s); err != nil {
		return err
	}
	if !readOpaqueVec(s, &gi.ConfirmationTag) || !s.ReadUint32(&gi.Signer) {
		return io.ErrUnexpectedEOF
	}
	if !readOpaqueVec(s, &gi.Signature) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// VerifySignature checks the signature over the to-be-signed fields
// against the given signer public key.
func (gi *GroupInfo) VerifySignature(cs Ciphersuite, signerKey []byte) bool {
	var b cryptobyte.Builder
	gi.marshalTBS(&b)
	tbs, err := b.Bytes()
	if err != nil {
		return false
	}
	return cs.verify(signerKey, tbs, gi.Signature)
}

// ExternalPub extracts the external public key extension.
func (gi *GroupInfo) ExternalPub() ([]byte, error) {
	data, ok := findExtension(gi.Extensions, ExtensionTypeExternalPub)
	if !ok {
		return nil, fmt.Errorf("group info without external pub extension")
	}
	var ext ExternalPubExtension
	if err := unmarshal(data, &ext); err != nil {
		return nil, err
	}
	return ext.ExternalPub, nil
}

// RatchetTree extracts the ratchet tree extension, nil when absent.
func (gi *GroupInfo) RatchetTree() ([]*Node, error) {
	data, ok := findExtension(gi.Extensions, ExtensionTypeRatchetTree)
	if !ok {
		return nil, nil
	}
	var ext RatchetTreeExtension
	if err := unmarshal(data, &ext); err != nil {
		return nil, err
	}
	return ext.Nodes, nil
}

// Marshal serializes the group info.
func (gi *GroupInfo) Marshal() ([]byte, error) { return marshal(gi) }

// UnmarshalGroupInfo parses a serialized group info.
func UnmarshalGroupInfo(data []byte) (*GroupInfo, error) {
	gi := new(GroupInfo)
	if err := unmarshal(data, gi); err != nil {
		return nil, err
	}
	return gi, nil
}

// ExportGroupInfo emits a signed GroupInfo for the current epoch. The
// external public key derived from the external secret is always
// included; withRatchetTree additionally embeds the full public tree.
func (g *CoreGroup) ExportGroupInfo(withRatchetTree bool) (*GroupInfo, error) {
	externalPub, externalPriv, err := g.groupEpochSecrets.externalKeyPair(g.ciphersuite)
	if err != nil {
		return nil, err
	}
	zeroize(externalPriv)

	extData, err := marshal(&ExternalPubExtension{ExternalPub: externalPub})
	if err != nil {
		return nil, err
	}
	extensions := []Extension{{Type: ExtensionTypeExternalPub, Data: extData}}

	if withRatchetTree || g.useRatchetTreeExtension {
		treeData, err := marshal(&RatchetTreeExtension{Nodes: g.tree.ExportNodes()})
		if err != nil {
			return nil, err
		}
		extensions = append(extensions, Extension{Type: ExtensionTypeRatchetTree, Data: treeData})
	}

	gi := &GroupInfo{
		GroupContext:    g.groupContext,
		Extensions:      extensions,
		ConfirmationTag: confirmationTag(g.ciphersuite, g.messageSecretsStore.current.ConfirmationKey, g.groupContext.ConfirmedTranscriptHash),
		Signer:          g.tree.OwnLeafIndex(),
	}
	var b cryptobyte.Builder
	gi.marshalTBS(&b)
	tbs, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("group info tbs: %w", err)
	}
	gi.Signature = g.ciphersuite.sign(g.signatureKey, tbs)
	return gi, nil
}
