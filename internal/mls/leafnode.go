package mls

import (
	"bytes"
	"crypto/ed25519"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// Credential binds an application identity to a signature public key.
type Credential struct {
	Identity     []byte
	SignatureKey []byte
}

func (c *Credential) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, c.Identity)
	writeOpaqueVec(b, c.SignatureKey)
}

func (c *Credential) unmarshal(s *cryptobyte.String) error {
	*c = Credential{}
	if !readOpaqueVec(s, &c.Identity) || !readOpaqueVec(s, &c.SignatureKey) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// Capabilities advertises what a client supports.
type Capabilities struct {
	Versions     []uint16
	Ciphersuites []uint16
	Extensions   []uint16
	Proposals    []uint16
	Credentials  []uint16
}

func defaultCapabilities(cs Ciphersuite) Capabilities {
	return Capabilities{
		Versions:     []uint16{uint16(ProtocolVersionMLS10)},
		Ciphersuites: []uint16{uint16(cs)},
		Credentials:  []uint16{credentialTypeBasic},
	}
}

const credentialTypeBasic uint16 = 1

func (c *Capabilities) marshal(b *cryptobyte.Builder) {
	writeUint16Vec(b, c.Versions)
	writeUint16Vec(b, c.Ciphersuites)
	writeUint16Vec(b, c.Extensions)
	writeUint16Vec(b, c.Proposals)
	writeUint16Vec(b, c.Credentials)
}

func (c *Capabilities) unmarshal(s *cryptobyte.String) error {
	*c = Capabilities{}
	for _, out := range []*[]uint16{&c.Versions, &c.Ciphersuites, &c.Extensions, &c.Proposals, &c.Credentials} {
		if err := readUint16Vec(s, out); err != nil {
			return err
		}
	}
	return nil
}

func (c *Capabilities) supportsVersion(v ProtocolVersion) bool {
	return containsUint16(c.Versions, uint16(v))
}

func (c *Capabilities) supportsCiphersuite(cs Ciphersuite) bool {
	return containsUint16(c.Ciphersuites, uint16(cs))
}

// supportsRequiredCapabilities reports whether every extension,
// proposal and credential type a group requires is advertised.
func (c *Capabilities) supportsRequiredCapabilities(rc *RequiredCapabilities) bool {
	for _, e := range rc.ExtensionTypes {
		if !containsUint16(c.Extensions, e) {
			return false
		}
	}
	for _, p := range rc.ProposalTypes {
		if !containsUint16(c.Proposals, p) {
			return false
		}
	}
	for _, ct := range rc.CredentialTypes {
		if !containsUint16(c.Credentials, ct) {
			return false
		}
	}
	return true
}

func containsUint16(vals []uint16, v uint16) bool {
	for _, x := range vals {
		if x == v {
			return true
		}
	}
	return false
}

// Lifetime bounds the validity of a leaf node, seconds since the epoch.
type Lifetime struct {
	NotBefore uint64
	NotAfter  uint64
}

func (l *Lifetime) marshal(b *cryptobyte.Builder) {
	b.AddUint64(l.NotBefore)
	b.AddUint64(l.NotAfter)
}

func (l *Lifetime) unmarshal(s *cryptobyte.String) error {
	if !s.ReadUint64(&l.NotBefore) || !s.ReadUint64(&l.NotAfter) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

// Leaf node sources.
const (
	leafNodeSourceKeyPackage uint8 = 1
	leafNodeSourceUpdate     uint8 = 2
	leafNodeSourceCommit     uint8 = 3
)

// LeafNode is a member's advertised keys and capabilities, signed by
// the member's signature key. When the source is an update or a commit
// the signature additionally binds the group id and leaf index.
type LeafNode struct {
	EncryptionKey []byte
	Credential    Credential
	Capabilities  Capabilities
	Source        uint8
	Lifetime      Lifetime // only set for key-package source
	ParentHash    []byte   // only set for commit source
	Extensions    []Extension
	Signature     []byte
}

func (ln *LeafNode) marshalTBS(b *cryptobyte.Builder, groupID []byte, index leafIndex) {
	writeOpaqueVec(b, ln.EncryptionKey)
	ln.Credential.marshal(b)
	ln.Capabilities.marshal(b)
	b.AddUint8(ln.Source)
	switch ln.Source {
	case leafNodeSourceKeyPackage:
		ln.Lifetime.marshal(b)
	case leafNodeSourceCommit:
		writeOpaqueVec(b, ln.ParentHash)
	}
	marshalExtensions(b, ln.Extensions)
	if ln.Source != leafNodeSourceKeyPackage {
		writeOpaqueVec(b, groupID)
		b.AddUint32(uint32(index))
	}
}

func (ln *LeafNode) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, ln.EncryptionKey)
	ln.Credential.marshal(b)
	ln.Capabilities.marshal(b)
	b.AddUint8(ln.Source)
	switch ln.Source {
	case leafNodeSourceKeyPackage:
		ln.Lifetime.marshal(b)
	case leafNodeSourceCommit:
		writeOpaqueVec(b, ln.ParentHash)
	}
	marshalExtensions(b, ln.Extensions)
	writeOpaqueVec(b, ln.Signature)
}

func (ln *LeafNode) unmarshal(s *cryptobyte.String) error {
	*ln = LeafNode{}
	if !readOpaqueVec(s, &ln.EncryptionKey) {
		return io.ErrUnexpectedEOF
	}
	if err := ln.Credential.unmarshal(s); err != nil {
		return err
	}
	if err := ln.Capabilities.unmarshal(s); err != nil {
		return err
	}
	if !s.ReadUint8(&ln.Source) {
		return io.ErrUnexpectedEOF
	}
	switch ln.Source {
	case leafNodeSourceKeyPackage:
		if err := ln.Lifetime.unmarshal(s); err != nil {
			return err
		}
	case leafNodeSourceCommit:
		if !readOpaqueVec(s, &ln.ParentHash) {
			return io.ErrUnexpectedEOF
		}
	}
	var err error
	if ln.Extensions, err = unmarshalExtensions(s); err != nil {
		return err
	}
	if !readOpaqueVec(s, &ln.Signature) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (ln *LeafNode) sign(cs Ciphersuite, sk ed25519.PrivateKey, groupID []byte, index leafIndex) error {
	var b cryptobyte.Builder
	ln.marshalTBS(&b, groupID, index)
	tbs, err := b.Bytes()
	if err != nil {
		return fmt.Errorf("leaf node tbs: %w", err)
	}
	ln.Signature = cs.sign(sk, tbs)
	return nil
}

func (ln *LeafNode) verifySignature(cs Ciphersuite, groupID []byte, index leafIndex) bool {
	var b cryptobyte.Builder
	ln.marshalTBS(&b, groupID, index)
	tbs, err := b.Bytes()
	if err != nil {
		return false
	}
	return cs.verify(ln.Credential.SignatureKey, tbs, ln.Signature)
}

func (ln *LeafNode) clone() *LeafNode {
	c := *ln
	c.EncryptionKey = dup(ln.EncryptionKey)
	c.Credential = Credential{Identity: dup(ln.Credential.Identity), SignatureKey: dup(ln.Credential.SignatureKey)}
	c.ParentHash = dup(ln.ParentHash)
	c.Signature = dup(ln.Signature)
	c.Extensions = append([]Extension(nil), ln.Extensions...)
	return &c
}

// KeyPackage advertises a client for addition to groups. The init key
// is distinct from the leaf's encryption key; it is consumed by the
// welcome path, which is outside this package.
type KeyPackage struct {
	Version     uint16
	Ciphersuite Ciphersuite
	InitKey     []byte
	LeafNode    LeafNode
	Signature   []byte
}

func (kp *KeyPackage) marshalTBS(b *cryptobyte.Builder) {
	b.AddUint16(kp.Version)
	b.AddUint16(uint16(kp.Ciphersuite))
	writeOpaqueVec(b, kp.InitKey)
	kp.LeafNode.marshal(b)
}

func (kp *KeyPackage) marshal(b *cryptobyte.Builder) {
	kp.marshalTBS(b)
	writeOpaqueVec(b, kp.Signature)
}

func (kp *KeyPackage) unmarshal(s *cryptobyte.String) error {
	*kp = KeyPackage{}
	var suite uint16
	if !s.ReadUint16(&kp.Version) || !s.ReadUint16(&suite) {
		return io.ErrUnexpectedEOF
	}
	kp.Ciphersuite = Ciphersuite(suite)
	if !readOpaqueVec(s, &kp.InitKey) {
		return io.ErrUnexpectedEOF
	}
	if err := kp.LeafNode.unmarshal(s); err != nil {
		return err
	}
	if !readOpaqueVec(s, &kp.Signature) {
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (kp *KeyPackage) verifySignature(cs Ciphersuite) bool {
	var b cryptobyte.Builder
	kp.marshalTBS(&b)
	tbs, err := b.Bytes()
	if err != nil {
		return false
	}
	return cs.verify(kp.LeafNode.Credential.SignatureKey, tbs, kp.Signature)
}

func (kp *KeyPackage) equal(other *KeyPackage) bool {
	a, err1 := marshal(kp)
	b, err2 := marshal(other)
	return err1 == nil && err2 == nil && bytes.Equal(a, b)
}

// KeyPackageBundle pairs a KeyPackage with the private keys it
// advertises plus the leaf secret used to derive fresh update paths.
type KeyPackageBundle struct {
	KeyPackage           KeyPackage
	InitPrivateKey       []byte
	EncryptionPrivateKey []byte
	SignaturePrivateKey  ed25519.PrivateKey
	LeafSecret           []byte
}

// NewKeyPackageBundle generates fresh keys for identity and signs the
// resulting key package.
func NewKeyPackageBundle(cs Ciphersuite, identity []byte, sigKey ed25519.PrivateKey) (*KeyPackageBundle, error) {
	leafSecret, err := randomBytes(secretSize)
	if err != nil {
		return nil, err
	}
	encPub, encPriv, err := cs.deriveHPKEKeyPair(cs.deriveSecret(leafSecret, "node"))
	if err != nil {
		return nil, fmt.Errorf("derive leaf keypair: %w", err)
	}
	initPub, initPriv, err := cs.generateHPKEKeyPair()
	if err != nil {
		return nil, fmt.Errorf("generate init keypair: %w", err)
	}

	leaf := LeafNode{
		EncryptionKey: encPub,
		Credential: Credential{
			Identity:     dup(identity),
			SignatureKey: dup(sigKey.Public().(ed25519.PublicKey)),
		},
		Capabilities: defaultCapabilities(cs),
		Source:       leafNodeSourceKeyPackage,
		Lifetime:     Lifetime{NotBefore: 0, NotAfter: ^uint64(0)},
	}
	if err := leaf.sign(cs, sigKey, nil, 0); err != nil {
		return nil, err
	}

	kp := KeyPackage{
		Version:     uint16(ProtocolVersionMLS10),
		Ciphersuite: cs,
		InitKey:     initPub,
		LeafNode:    leaf,
	}
	var b cryptobyte.Builder
	kp.marshalTBS(&b)
	tbs, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("key package tbs: %w", err)
	}
	kp.Signature = cs.sign(sigKey, tbs)

	return &KeyPackageBundle{
		KeyPackage:           kp,
		InitPrivateKey:       initPriv,
		EncryptionPrivateKey: encPriv,
		SignaturePrivateKey:  sigKey,
		LeafSecret:           leafSecret,
	}, nil
}
