package mls

import (
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// ExtensionType identifies an extension. Types are 16-bit wire values.
type ExtensionType uint16

const (
	ExtensionTypeApplicationID        ExtensionType = 1
	ExtensionTypeRatchetTree          ExtensionType = 2
	ExtensionTypeRequiredCapabilities ExtensionType = 3
	ExtensionTypeExternalPub          ExtensionType = 4
)

// Extension is a type plus opaque payload carried in GroupContext,
// GroupInfo or leaf nodes.
type Extension struct {
	Type ExtensionType
	Data []byte
}

func marshalExtensions(b *cryptobyte.Builder, exts []Extension) {
	writeVector(b, len(exts), func(b *cryptobyte.Builder, i int) {
		b.AddUint16(uint16(exts[i].Type))
		writeOpaqueVec(b, exts[i].Data)
	})
}

func unmarshalExtensions(s *cryptobyte.String) ([]Extension, error) {
	var exts []Extension
	err := readVector(s, func(s *cryptobyte.String) error {
		var e Extension
		var t uint16
		if !s.ReadUint16(&t) || !readOpaqueVec(s, &e.Data) {
			return io.ErrUnexpectedEOF
		}
		e.Type = ExtensionType(t)
		exts = append(exts, e)
		return nil
	})
	return exts, err
}

func findExtension(exts []Extension, t ExtensionType) ([]byte, bool) {
	for _, e := range exts {
		if e.Type == t {
			return e.Data, true
		}
	}
	return nil, false
}

// RequiredCapabilities lists the extension, proposal and credential
// types every member of the group must support.
type RequiredCapabilities struct {
	ExtensionTypes  []uint16
	ProposalTypes   []uint16
	CredentialTypes []uint16
}

func (rc *RequiredCapabilities) marshal(b *cryptobyte.Builder) {
	writeUint16Vec(b, rc.ExtensionTypes)
	writeUint16Vec(b, rc.ProposalTypes)
	writeUint16Vec(b, rc.CredentialTypes)
}

func (rc *RequiredCapabilities) unmarshal(s *cryptobyte.String) error {
	*rc = RequiredCapabilities{}
	for _, out := range []*[]uint16{&rc.ExtensionTypes, &rc.ProposalTypes, &rc.CredentialTypes} {
		if err := readUint16Vec(s, out); err != nil {
			return err
		}
	}
	return nil
}

// RequiredCapabilitiesExtension builds the extension carrying rc.
func RequiredCapabilitiesExtension(rc RequiredCapabilities) (Extension, error) {
	data, err := marshal(&rc)
	if err != nil {
		return Extension{}, fmt.Errorf("marshal required capabilities: %w", err)
	}
	return Extension{Type: ExtensionTypeRequiredCapabilities, Data: data}, nil
}

func requiredCapabilitiesFromExtensions(exts []Extension) (*RequiredCapabilities, error) {
	data, ok := findExtension(exts, ExtensionTypeRequiredCapabilities)
	if !ok {
		return nil, nil
	}
	var rc RequiredCapabilities
	if err := unmarshal(data, &rc); err != nil {
		return nil, fmt.Errorf("parse required capabilities: %w", err)
	}
	return &rc, nil
}

// RatchetTreeExtension carries the full public tree, one optional node
// per slot.
type RatchetTreeExtension struct {
	Nodes []*Node
}

func (rt *RatchetTreeExtension) marshal(b *cryptobyte.Builder) {
	writeVector(b, len(rt.Nodes), func(b *cryptobyte.Builder, i int) {
		writeOptional(b, rt.Nodes[i] != nil)
		if rt.Nodes[i] != nil {
			rt.Nodes[i].marshal(b)
		}
	})
}

func (rt *RatchetTreeExtension) unmarshal(s *cryptobyte.String) error {
	*rt = RatchetTreeExtension{}
	return readVector(s, func(s *cryptobyte.String) error {
		var present bool
		if !readOptional(s, &present) {
			return io.ErrUnexpectedEOF
		}
		if !present {
			rt.Nodes = append(rt.Nodes, nil)
			return nil
		}
		n := new(Node)
		if err := n.unmarshal(s); err != nil {
			return err
		}
		rt.Nodes = append(rt.Nodes, n)
		return nil
	})
}

// ExternalPubExtension carries the group's external HPKE public key,
// used by joiners issuing external commits.
type ExternalPubExtension struct {
	ExternalPub []byte
}

func (ep *ExternalPubExtension) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, ep.ExternalPub)
}

func (ep *ExternalPubExtension) unmarshal(s *cryptobyte.String) error {
	*ep = ExternalPubExtension{}
	if !readOpaqueVec(s, &ep.ExternalPub) {
		return io.ErrUnexpectedEOF
	}
	return nil
}
