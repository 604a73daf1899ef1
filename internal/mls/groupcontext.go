package mls

import (
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// GroupContext identifies an epoch of a group. The group id never
// changes; the epoch increases by exactly one on each merge.
type GroupContext struct {
	Version                 uint16
	Ciphersuite             Ciphersuite
	GroupID                 []byte
	Epoch                   uint64
	TreeHash                []byte
	ConfirmedTranscriptHash []byte
	Extensions              []Extension
}

func (gc *GroupContext) marshal(b *cryptobyte.Builder) {
	b.AddUint16(gc.Version)
	b.AddUint16(uint16(gc.Ciphersuite))
	writeOpaqueVec(b, gc.GroupID)
	b.AddUint64(gc.Epoch)
	writeOpaqueVec(b, gc.TreeHash)
	writeOpaqueVec(b, gc.ConfirmedTranscriptHash)
	marshalExtensions(b, gc.Extensions)
}

func (gc *GroupContext) unmarshal(s *cryptobyte.String) error {
	*gc = GroupContext{}
	var suite uint16
	if !s.ReadUint16(&gc.Version) || !s.ReadUint16(&suite) {
		return io.ErrUnexpectedEOF
	}
	gc.Ciphersuite = Ciphersuite(suite)
	if !readOpaqueVec(s, &gc.GroupID) || !s.ReadUint64(&gc.Epoch) {
		return io.ErrUnexpectedEOF
	}
	if !readOpaqueVec(s, &gc.TreeHash) || !readOpaqueVec(s, &gc.ConfirmedTranscriptHash) {
		return io.ErrUnexpectedEOF
	}
	var err error
	gc.Extensions, err = unmarshalExtensions(s)
	return err
}

func (gc *GroupContext) serialize() ([]byte, error) {
	return marshal(gc)
}

// requiredCapabilities returns the group's RequiredCapabilities
// extension, if present.
func (gc *GroupContext) requiredCapabilities() (*RequiredCapabilities, error) {
	return requiredCapabilitiesFromExtensions(gc.Extensions)
}
