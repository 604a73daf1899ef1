package mls

import (
	"crypto/ed25519"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// ContentType distinguishes what a framed message carries.
type ContentType uint8

const (
	ContentTypeApplication ContentType = 1
	ContentTypeProposal    ContentType = 2
	ContentTypeCommit      ContentType = 3
)

// WireFormat distinguishes plaintext from encrypted framing.
type WireFormat uint16

const (
	WireFormatPublicMessage  WireFormat = 1
	WireFormatPrivateMessage WireFormat = 2
)

// SenderType tags the Sender sum type.
type SenderType uint8

const (
	SenderTypeMember            SenderType = 1
	SenderTypeExternal          SenderType = 2
	SenderTypeNewMemberProposal SenderType = 3
	SenderTypeNewMemberCommit   SenderType = 4
)

// Sender identifies who authored a framed message.
type Sender struct {
	Type SenderType
	// LeafIndex is set for member senders.
	LeafIndex uint32
	// SenderIndex is set for external senders.
	SenderIndex uint32
}

func MemberSender(index uint32) Sender {
	return Sender{Type: SenderTypeMember, LeafIndex: index}
}

func NewMemberCommitSender() Sender {
	return Sender{Type: SenderTypeNewMemberCommit}
}

func (s Sender) IsMember() bool { return s.Type == SenderTypeMember }

func (sn *Sender) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(sn.Type))
	switch sn.Type {
	case SenderTypeMember:
		b.AddUint32(sn.LeafIndex)
	case SenderTypeExternal:
		b.AddUint32(sn.SenderIndex)
	}
}

func (sn *Sender) unmarshal(s *cryptobyte.String) error {
	*sn = Sender{}
	var t uint8
	if !s.ReadUint8(&t) {
		return io.ErrUnexpectedEOF
	}
	sn.Type = SenderType(t)
	switch sn.Type {
	case SenderTypeMember:
		if !s.ReadUint32(&sn.LeafIndex) {
			return io.ErrUnexpectedEOF
		}
	case SenderTypeExternal:
		if !s.ReadUint32(&sn.SenderIndex) {
			return io.ErrUnexpectedEOF
		}
	case SenderTypeNewMemberProposal, SenderTypeNewMemberCommit:
	default:
		return fmt.Errorf("unknown sender type %d", t)
	}
	return nil
}

// HPKECiphertext is one encrypted path secret.
type HPKECiphertext struct {
	KEMOutput  []byte
	Ciphertext []byte
}

func (hc *HPKECiphertext) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, hc.KEMOutput)
	writeOpaqueVec(b, hc.Ciphertext)
}

func (hc *HPKECiphertext) unmarshal(s *cryptobyte.String) error {
	*hc = HPKECiphertext{}
	if !readOpaqueVec(s, &hc.KEMOutput) || !readOpaqueVec(s, &hc.Ciphertext) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// UpdatePathNode carries a fresh parent public key plus the path
// secret at that level encrypted to the resolution of the copath child.
type UpdatePathNode struct {
	PublicKey            []byte
	EncryptedPathSecrets []HPKECiphertext
}

func (un *UpdatePathNode) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, un.PublicKey)
	writeVector(b, len(un.EncryptedPathSecrets), func(b *cryptobyte.Builder, i int) {
		un.EncryptedPathSecrets[i].marshal(b)
	})
}

func (un *UpdatePathNode) unmarshal(s *cryptobyte.String) error {
	*un = UpdatePathNode{}
	if !readOpaqueVec(s, &un.PublicKey) {
		return io.ErrUnexpectedEOF
	}
	return readVector(s, func(s *cryptobyte.String) error {
		var hc HPKECiphertext
		if err := hc.unmarshal(s); err != nil {
			return err
		}
		un.EncryptedPathSecrets = append(un.EncryptedPathSecrets, hc)
		return nil
	})
}

// UpdatePath rekeys the committer's leaf and direct path.
type UpdatePath struct {
	LeafNode LeafNode
	Nodes    []UpdatePathNode
}

func (up *UpdatePath) marshal(b *cryptobyte.Builder) {
	up.LeafNode.marshal(b)
	writeVector(b, len(up.Nodes), func(b *cryptobyte.Builder, i int) {
		up.Nodes[i].marshal(b)
	})
}

func (up *UpdatePath) unmarshal(s *cryptobyte.String) error {
	*up = UpdatePath{}
	if err := up.LeafNode.unmarshal(s); err != nil {
		return err
	}
	return readVector(s, func(s *cryptobyte.String) error {
		var un UpdatePathNode
		if err := un.unmarshal(s); err != nil {
			return err
		}
		up.Nodes = append(up.Nodes, un)
		return nil
	})
}

// Commit applies a batch of proposals and optionally rekeys the
// sender's path.
type Commit struct {
	Proposals []ProposalOrRef
	Path      *UpdatePath
}

func (c *Commit) marshal(b *cryptobyte.Builder) {
	writeVector(b, len(c.Proposals), func(b *cryptobyte.Builder, i int) {
		c.Proposals[i].marshal(b)
	})
	writeOptional(b, c.Path != nil)
	if c.Path != nil {
		c.Path.marshal(b)
	}
}

func (c *Commit) unmarshal(s *cryptobyte.String) error {
	*c = Commit{}
	err := readVector(s, func(s *cryptobyte.String) error {
		var por ProposalOrRef
		if err := por.unmarshal(s); err != nil {
			return err
		}
		c.Proposals = append(c.Proposals, por)
		return nil
	})
	if err != nil {
		return err
	}
	var present bool
	if !readOptional(s, &present) {
		return io.ErrUnexpectedEOF
	}
	if present {
		c.Path = new(UpdatePath)
		return c.Path.unmarshal(s)
	}
	return nil
}

// FramedContent is the inner content of both wire formats.
type FramedContent struct {
	GroupID           []byte
	Epoch             uint64
	Sender            Sender
	AuthenticatedData []byte
	ContentType       ContentType

	ApplicationData []byte   // ContentTypeApplication
	Proposal        Proposal // ContentTypeProposal
	Commit          *Commit  // ContentTypeCommit
}

func (fc *FramedContent) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, fc.GroupID)
	b.AddUint64(fc.Epoch)
	fc.Sender.marshal(b)
	writeOpaqueVec(b, fc.AuthenticatedData)
	b.AddUint8(uint8(fc.ContentType))
	switch fc.ContentType {
	case ContentTypeApplication:
		writeOpaqueVec(b, fc.ApplicationData)
	case ContentTypeProposal:
		marshalProposal(b, fc.Proposal)
	case ContentTypeCommit:
		fc.Commit.marshal(b)
	}
}

func (fc *FramedContent) unmarshal(s *cryptobyte.String) error {
	*fc = FramedContent{}
	if !readOpaqueVec(s, &fc.GroupID) || !s.ReadUint64(&fc.Epoch) {
		return io.ErrUnexpectedEOF
	}
	if err := fc.Sender.unmarshal(s); err != nil {
		return err
	}
	if !readOpaqueVec(s, &fc.AuthenticatedData) {
		return io.ErrUnexpectedEOF
	}
	var ct uint8
	if !s.ReadUint8(&ct) {
		return io.ErrUnexpectedEOF
	}
	fc.ContentType = ContentType(ct)
	switch fc.ContentType {
	case ContentTypeApplication:
		if !readOpaqueVec(s, &fc.ApplicationData) {
			return io.ErrUnexpectedEOF
		}
		return nil
	case ContentTypeProposal:
		p, err := unmarshalProposal(s)
		if err != nil {
			return err
		}
		fc.Proposal = p
		return nil
	case ContentTypeCommit:
		fc.Commit = new(Commit)
		return fc.Commit.unmarshal(s)
	default:
		return fmt.Errorf("unknown content type %d", ct)
	}
}

// marshalTBS serializes the to-be-signed view: wire format, content
// and, for member and new-member-commit senders, the group context.
func (fc *FramedContent) marshalTBS(b *cryptobyte.Builder, wf WireFormat, groupContext []byte) {
	b.AddUint16(uint16(ProtocolVersionMLS10))
	b.AddUint16(uint16(wf))
	fc.marshal(b)
	switch fc.Sender.Type {
	case SenderTypeMember, SenderTypeNewMemberCommit:
		writeOpaqueVec(b, groupContext)
	}
}

func (fc *FramedContent) tbs(wf WireFormat, groupContext []byte) ([]byte, error) {
	var b cryptobyte.Builder
	fc.marshalTBS(&b, wf, groupContext)
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("framed content tbs: %w", err)
	}
	return out, nil
}

// PublicMessage is a signed plaintext handshake message. Commits also
// carry a confirmation tag; member-sent messages carry a membership tag.
type PublicMessage struct {
	Content         FramedContent
	Signature       []byte
	ConfirmationTag []byte
	MembershipTag   []byte
}

func (pm *PublicMessage) marshal(b *cryptobyte.Builder) {
	pm.Content.marshal(b)
	writeOpaqueVec(b, pm.Signature)
	writeOptional(b, pm.ConfirmationTag != nil)
	if pm.ConfirmationTag != nil {
		writeOpaqueVec(b, pm.ConfirmationTag)
	}
	writeOptional(b, pm.MembershipTag != nil)
	if pm.MembershipTag != nil {
		writeOpaqueVec(b, pm.MembershipTag)
	}
}

func (pm *PublicMessage) unmarshal(s *cryptobyte.String) error {
	*pm = PublicMessage{}
	if err := pm.Content.unmarshal(s); err != nil {
		return err
	}
	if !readOpaqueVec(s, &pm.Signature) {
		return io.ErrUnexpectedEOF
	}
	var present bool
	if !readOptional(s, &present) {
		return io.ErrUnexpectedEOF
	}
	if present {
		if !readOpaqueVec(s, &pm.ConfirmationTag) {
			return io.ErrUnexpectedEOF
		}
	}
	if !readOptional(s, &present) {
		return io.ErrUnexpectedEOF
	}
	if present {
		if !readOpaqueVec(s, &pm.MembershipTag) {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

func signPublicMessage(cs Ciphersuite, sk ed25519.PrivateKey, content *FramedContent, groupContext []byte) (*PublicMessage, error) {
	tbs, err := content.tbs(WireFormatPublicMessage, groupContext)
	if err != nil {
		return nil, err
	}
	return &PublicMessage{
		Content:   *content,
		Signature: cs.sign(sk, tbs),
	}, nil
}

func (pm *PublicMessage) verifySignature(cs Ciphersuite, sigKey, groupContext []byte) bool {
	tbs, err := pm.Content.tbs(WireFormatPublicMessage, groupContext)
	if err != nil {
		return false
	}
	return cs.verify(sigKey, tbs, pm.Signature)
}

// membershipTagInput is the content the membership MAC covers.
func (pm *PublicMessage) membershipTagInput(groupContext []byte) ([]byte, error) {
	tbs, err := pm.Content.tbs(WireFormatPublicMessage, groupContext)
	if err != nil {
		return nil, err
	}
	var b cryptobyte.Builder
	b.AddBytes(tbs)
	writeOpaqueVec(&b, pm.Signature)
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("membership tag input: %w", err)
	}
	return out, nil
}

// confirmedTranscriptHashInput is hashed into the confirmed transcript:
// the wire format, the commit content and the committer's signature.
func (pm *PublicMessage) confirmedTranscriptHashInput() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddUint16(uint16(WireFormatPublicMessage))
	pm.Content.marshal(&b)
	writeOpaqueVec(&b, pm.Signature)
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("confirmed transcript input: %w", err)
	}
	return out, nil
}

// interimTranscriptHashInput is the serialized confirmation tag; the
// next commit's transcript transitively authenticates it.
func interimTranscriptHashInput(confirmationTag []byte) []byte {
	var b cryptobyte.Builder
	writeOpaqueVec(&b, confirmationTag)
	out, err := b.Bytes()
	if err != nil {
		panic(fmt.Sprintf("interim transcript input: %v", err))
	}
	return out
}

// PrivateMessage is an encrypted application or handshake message.
type PrivateMessage struct {
	GroupID             []byte
	Epoch               uint64
	ContentType         ContentType
	AuthenticatedData   []byte
	EncryptedSenderData []byte
	Ciphertext          []byte
}

func (pm *PrivateMessage) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, pm.GroupID)
	b.AddUint64(pm.Epoch)
	b.AddUint8(uint8(pm.ContentType))
	writeOpaqueVec(b, pm.AuthenticatedData)
	writeOpaqueVec(b, pm.EncryptedSenderData)
	writeOpaqueVec(b, pm.Ciphertext)
}

func (pm *PrivateMessage) unmarshal(s *cryptobyte.String) error {
	*pm = PrivateMessage{}
	if !readOpaqueVec(s, &pm.GroupID) || !s.ReadUint64(&pm.Epoch) {
		return io.ErrUnexpectedEOF
	}
	var ct uint8
	if !s.ReadUint8(&ct) {
		return io.ErrUnexpectedEOF
	}
	pm.ContentType = ContentType(ct)
	if !readOpaqueVec(s, &pm.AuthenticatedData) ||
		!readOpaqueVec(s, &pm.EncryptedSenderData) ||
		!readOpaqueVec(s, &pm.Ciphertext) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// contentAAD is the additional data bound to the message AEAD.
func (pm *PrivateMessage) contentAAD() ([]byte, error) {
	var b cryptobyte.Builder
	writeOpaqueVec(&b, pm.GroupID)
	b.AddUint64(pm.Epoch)
	b.AddUint8(uint8(pm.ContentType))
	writeOpaqueVec(&b, pm.AuthenticatedData)
	out, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("content aad: %w", err)
	}
	return out, nil
}

// senderData is the per-message routing header, encrypted under the
// sender data secret.
type senderData struct {
	LeafIndex  uint32
	Generation uint32
	ReuseGuard [4]byte
}

func (sd *senderData) marshal(b *cryptobyte.Builder) {
	b.AddUint32(sd.LeafIndex)
	b.AddUint32(sd.Generation)
	b.AddBytes(sd.ReuseGuard[:])
}

func (sd *senderData) unmarshal(s *cryptobyte.String) error {
	*sd = senderData{}
	var guard []byte
	if !s.ReadUint32(&sd.LeafIndex) || !s.ReadUint32(&sd.Generation) || !s.ReadBytes(&guard, 4) {
		return io.ErrUnexpectedEOF
	}
	copy(sd.ReuseGuard[:], guard)
	return nil
}
