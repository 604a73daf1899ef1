// Package mls implements the core group-state engine of an MLS-style
// end-to-end encrypted group messaging protocol: a replicated ratchet
// tree of members, an epoch key schedule, and the staged-commit
// pipeline that advances both in lockstep across all members.
//
// Functions in this package do not panic; an operation that trips over
// a broken inner invariant returns an error wrapping ErrLibrary.
package mls

import (
	"crypto/ed25519"
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// GroupConfig carries the founding-time knobs of a group.
type GroupConfig struct {
	// MaxPastEpochs is the number of past epochs whose message
	// secrets are retained for late decryption. 0 keeps only the
	// current epoch.
	MaxPastEpochs int
	// UseRatchetTreeExtension includes the full public tree in
	// exported group info.
	UseRatchetTreeExtension bool
	// RequiredCapabilities, when set, is installed as a group
	// context extension and enforced on every add.
	RequiredCapabilities *RequiredCapabilities
}

// CoreGroup holds one member's replicated view of a group. A group
// instance is single-threaded: at most one staging or merging
// operation, and one decryption, may be in flight at a time.
type CoreGroup struct {
	ciphersuite Ciphersuite
	version     ProtocolVersion

	groupContext          GroupContext
	groupEpochSecrets     *GroupEpochSecrets
	tree                  *TreeSync
	interimTranscriptHash []byte

	useRatchetTreeExtension bool
	messageSecretsStore     *MessageSecretsStore

	signatureKey ed25519.PrivateKey
	psks         map[string][]byte
}

// NewGroup founds a group with the creator as the sole member at leaf
// zero, deriving the epoch-0 secrets through the regular key schedule
// with a random init secret.
func NewGroup(cs Ciphersuite, groupID []byte, bundle *KeyPackageBundle, cfg GroupConfig) (*CoreGroup, error) {
	tree, commitSecret, err := newTreeSync(cs, bundle)
	if err != nil {
		return nil, fmt.Errorf("found tree: %w", err)
	}

	var extensions []Extension
	if cfg.RequiredCapabilities != nil {
		ext, err := RequiredCapabilitiesExtension(*cfg.RequiredCapabilities)
		if err != nil {
			return nil, err
		}
		extensions = append(extensions, ext)
	}

	groupContext := GroupContext{
		Version:                 uint16(ProtocolVersionMLS10),
		Ciphersuite:             cs,
		GroupID:                 dup(groupID),
		Epoch:                   0,
		TreeHash:                tree.TreeHash(),
		ConfirmedTranscriptHash: []byte{},
		Extensions:              extensions,
	}
	serializedContext, err := groupContext.serialize()
	if err != nil {
		return nil, err
	}

	initSecret, err := randomBytes(secretSize)
	if err != nil {
		return nil, err
	}
	joinerSecret := newJoinerSecret(cs, commitSecret, initSecret)
	zeroize(initSecret)
	zeroize(commitSecret)

	keySchedule, err := initKeySchedule(cs, joinerSecret, nil)
	if err != nil {
		return nil, err
	}
	if err := keySchedule.addContext(serializedContext); err != nil {
		return nil, err
	}
	epochSecrets, err := keySchedule.epochSecrets()
	if err != nil {
		return nil, err
	}
	groupEpochSecrets, messageSecrets := epochSecrets.split(1)

	// The epoch-0 interim hash covers the founding confirmation tag so
	// that joiners starting from an exported GroupInfo agree on it.
	foundingTag := confirmationTag(cs, messageSecrets.ConfirmationKey, groupContext.ConfirmedTranscriptHash)
	interim := updateInterimTranscriptHash(cs, groupContext.ConfirmedTranscriptHash, interimTranscriptHashInput(foundingTag))

	return &CoreGroup{
		ciphersuite:             cs,
		version:                 ProtocolVersionMLS10,
		groupContext:            groupContext,
		groupEpochSecrets:       groupEpochSecrets,
		tree:                    tree,
		interimTranscriptHash:   interim,
		useRatchetTreeExtension: cfg.UseRatchetTreeExtension,
		messageSecretsStore:     newMessageSecretsStore(cfg.MaxPastEpochs, messageSecrets),
		signatureKey:            bundle.SignaturePrivateKey,
		psks:                    make(map[string][]byte),
	}, nil
}

// === Accessors ===

// Ciphersuite returns the group's ciphersuite.
func (g *CoreGroup) Ciphersuite() Ciphersuite { return g.ciphersuite }

// GroupID returns the immutable group identifier.
func (g *CoreGroup) GroupID() []byte { return dup(g.groupContext.GroupID) }

// Epoch returns the current epoch.
func (g *CoreGroup) Epoch() uint64 { return g.groupContext.Epoch }

// Context returns the current group context.
func (g *CoreGroup) Context() *GroupContext { return &g.groupContext }

// Tree returns the group's ratchet tree.
func (g *CoreGroup) Tree() *TreeSync { return g.tree }

// OwnLeafIndex returns the local member's leaf index.
func (g *CoreGroup) OwnLeafIndex() uint32 { return g.tree.OwnLeafIndex() }

// OwnIdentity returns the identity of the local member's credential.
func (g *CoreGroup) OwnIdentity() ([]byte, error) {
	leaf, err := g.tree.OwnLeafNode()
	if err != nil {
		return nil, err
	}
	return dup(leaf.Credential.Identity), nil
}

// Members returns the current occupied leaves.
func (g *CoreGroup) Members() []Member { return g.tree.Members() }

// EpochAuthenticator returns the current epoch authenticator.
func (g *CoreGroup) EpochAuthenticator() []byte {
	return dup(g.groupEpochSecrets.EpochAuthenticator)
}

// ResumptionPskSecret returns the current resumption PSK.
func (g *CoreGroup) ResumptionPskSecret() []byte {
	return dup(g.groupEpochSecrets.ResumptionPsk)
}

// GroupContextExtensions returns the current context extensions.
func (g *CoreGroup) GroupContextExtensions() []Extension {
	return append([]Extension(nil), g.groupContext.Extensions...)
}

// RequiredCapabilities returns the group's required-capabilities
// extension, nil when absent.
func (g *CoreGroup) RequiredCapabilities() (*RequiredCapabilities, error) {
	return g.groupContext.requiredCapabilities()
}

// SetMaxPastEpochs resizes the past-epoch secrets store.
func (g *CoreGroup) SetMaxPastEpochs(n int) {
	g.messageSecretsStore.Resize(n)
}

// RegisterExternalPsk makes a pre-shared key available to the key
// schedule under its identifier.
func (g *CoreGroup) RegisterExternalPsk(id, secret []byte) {
	g.psks[string(id)] = dup(secret)
}

func (g *CoreGroup) lookupPsk(id []byte) ([]byte, error) {
	psk, ok := g.psks[string(id)]
	if !ok {
		return nil, fmt.Errorf("unknown psk")
	}
	return psk, nil
}

// === Proposal construction ===

func (g *CoreGroup) memberContent(contentType ContentType) FramedContent {
	return FramedContent{
		GroupID:     dup(g.groupContext.GroupID),
		Epoch:       g.groupContext.Epoch,
		Sender:      MemberSender(g.tree.OwnLeafIndex()),
		ContentType: contentType,
	}
}

func (g *CoreGroup) signAndTag(content *FramedContent) (*PublicMessage, error) {
	serializedContext, err := g.groupContext.serialize()
	if err != nil {
		return nil, err
	}
	pm, err := signPublicMessage(g.ciphersuite, g.signatureKey, content, serializedContext)
	if err != nil {
		return nil, err
	}
	input, err := pm.membershipTagInput(serializedContext)
	if err != nil {
		return nil, err
	}
	pm.MembershipTag = g.ciphersuite.mac(g.messageSecretsStore.current.MembershipKey, input)
	return pm, nil
}

// CreateAddProposal constructs a signed add proposal for a key
// package, enforcing the group's required capabilities up front.
func (g *CoreGroup) CreateAddProposal(kp KeyPackage) (*PublicMessage, error) {
	rc, err := g.groupContext.requiredCapabilities()
	if err != nil {
		return nil, err
	}
	if rc != nil && !kp.LeafNode.Capabilities.supportsRequiredCapabilities(rc) {
		return nil, ErrInsufficientCapabilities
	}
	content := g.memberContent(ContentTypeProposal)
	content.Proposal = &AddProposal{KeyPackage: kp}
	return g.signAndTag(&content)
}

// CreateUpdateProposal constructs a signed update proposal with a
// fresh leaf for the local member. The returned bundle must be kept so
// the update's private key is available once a commit covers it.
func (g *CoreGroup) CreateUpdateProposal() (*PublicMessage, *KeyPackageBundle, error) {
	identity, err := g.OwnIdentity()
	if err != nil {
		return nil, nil, err
	}
	bundle, err := NewKeyPackageBundle(g.ciphersuite, identity, g.signatureKey)
	if err != nil {
		return nil, nil, err
	}
	leaf := bundle.KeyPackage.LeafNode.clone()
	leaf.Source = leafNodeSourceUpdate
	leaf.Lifetime = Lifetime{}
	if err := leaf.sign(g.ciphersuite, g.signatureKey, g.groupContext.GroupID, leafIndex(g.tree.OwnLeafIndex())); err != nil {
		return nil, nil, err
	}
	content := g.memberContent(ContentTypeProposal)
	content.Proposal = &UpdateProposal{LeafNode: *leaf}
	pm, err := g.signAndTag(&content)
	if err != nil {
		return nil, nil, err
	}
	return pm, bundle, nil
}

// CreateRemoveProposal constructs a signed remove proposal.
func (g *CoreGroup) CreateRemoveProposal(removed uint32) (*PublicMessage, error) {
	if !g.tree.LeafIsInTree(removed) {
		return nil, ErrUnknownMember
	}
	content := g.memberContent(ContentTypeProposal)
	content.Proposal = &RemoveProposal{Removed: removed}
	return g.signAndTag(&content)
}

// CreatePskProposal constructs a signed pre-shared-key proposal.
func (g *CoreGroup) CreatePskProposal(pskID []byte) (*PublicMessage, error) {
	content := g.memberContent(ContentTypeProposal)
	content.Proposal = &PreSharedKeyProposal{PskID: dup(pskID)}
	return g.signAndTag(&content)
}

// CreateGroupContextExtensionsProposal constructs a signed proposal
// replacing the group context extensions.
func (g *CoreGroup) CreateGroupContextExtensionsProposal(extensions []Extension) (*PublicMessage, error) {
	content := g.memberContent(ContentTypeProposal)
	content.Proposal = &GroupContextExtensionsProposal{Extensions: extensions}
	return g.signAndTag(&content)
}

// ProcessProposal validates an incoming proposal message and inserts
// it into the store under its hash reference.
func (g *CoreGroup) ProcessProposal(pm *PublicMessage, store *ProposalStore) (ProposalRef, error) {
	if err := g.validateFraming(pm.Content.GroupID, pm.Content.Epoch, pm.Content.ContentType); err != nil {
		return nil, err
	}
	if err := g.validatePlaintext(pm); err != nil {
		return nil, err
	}
	if pm.Content.ContentType != ContentTypeProposal {
		return nil, ErrWrongPlaintextContentType
	}
	if pm.Content.Sender.IsMember() {
		leaf, err := g.tree.Leaf(pm.Content.Sender.LeafIndex)
		if err != nil || leaf == nil {
			return nil, ErrUnknownMember
		}
		serializedContext, err := g.groupContext.serialize()
		if err != nil {
			return nil, err
		}
		if !pm.verifySignature(g.ciphersuite, leaf.Credential.SignatureKey, serializedContext) {
			return nil, fmt.Errorf("proposal signature invalid")
		}
	}
	return store.Add(g.ciphersuite, pm.Content.Proposal, pm.Content.Sender)
}

// === Application messages ===

// CreateApplicationMessage signs and encrypts an application message
// under the current epoch's sender ratchet for the local leaf.
func (g *CoreGroup) CreateApplicationMessage(aad, msg []byte, padding int) (*PrivateMessage, error) {
	content := g.memberContent(ContentTypeApplication)
	content.AuthenticatedData = dup(aad)
	content.ApplicationData = dup(msg)

	serializedContext, err := g.groupContext.serialize()
	if err != nil {
		return nil, err
	}
	tbs, err := content.tbs(WireFormatPrivateMessage, serializedContext)
	if err != nil {
		return nil, err
	}
	signature := g.ciphersuite.sign(g.signatureKey, tbs)

	return g.protect(&content, signature, padding)
}

// protect encrypts signed framed content into a PrivateMessage.
func (g *CoreGroup) protect(content *FramedContent, signature []byte, padding int) (*PrivateMessage, error) {
	cs := g.ciphersuite
	secrets := g.messageSecretsStore.current

	ratchet, err := secrets.ratchet(leafIndex(g.tree.OwnLeafIndex()), content.ContentType)
	if err != nil {
		return nil, err
	}
	generation, kn := ratchet.next()

	var reuseGuard [4]byte
	guard, err := randomBytes(4)
	if err != nil {
		return nil, err
	}
	copy(reuseGuard[:], guard)

	pmsg := &PrivateMessage{
		GroupID:           dup(content.GroupID),
		Epoch:             content.Epoch,
		ContentType:       content.ContentType,
		AuthenticatedData: dup(content.AuthenticatedData),
	}
	aad, err := pmsg.contentAAD()
	if err != nil {
		return nil, err
	}

	var b cryptobyte.Builder
	writeOpaqueVec(&b, content.ApplicationData)
	writeOpaqueVec(&b, signature)
	b.AddBytes(make([]byte, padding))
	inner, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("private content: %w", err)
	}

	nonce := xorNonce(kn.nonce, reuseGuard)
	ct, err := cs.aeadSeal(kn.key, nonce, aad, inner)
	kn.zeroize()
	if err != nil {
		return nil, err
	}
	pmsg.Ciphertext = ct

	sd := senderData{LeafIndex: g.tree.OwnLeafIndex(), Generation: generation, ReuseGuard: reuseGuard}
	sdBytes, err := marshal(&sd)
	if err != nil {
		return nil, err
	}
	sdKey, sdNonce := secrets.senderDataKeyNonce(ct)
	encSenderData, err := cs.aeadSeal(sdKey, sdNonce, aad, sdBytes)
	if err != nil {
		return nil, err
	}
	pmsg.EncryptedSenderData = encSenderData

	return pmsg, nil
}

// Decrypt unprotects a PrivateMessage, looking up past-epoch secrets
// when the message is older than the current epoch. It returns the
// application data and the sender's leaf index. The sender ratchet
// mutates; the caller must hold exclusive access.
func (g *CoreGroup) Decrypt(pmsg *PrivateMessage) ([]byte, uint32, error) {
	cs := g.ciphersuite
	if err := g.validateFraming(pmsg.GroupID, pmsg.Epoch, pmsg.ContentType); err != nil {
		return nil, 0, err
	}

	secrets, pastLeaves, err := g.messageSecretsForEpoch(pmsg.Epoch)
	if err != nil {
		return nil, 0, err
	}

	aad, err := pmsg.contentAAD()
	if err != nil {
		return nil, 0, err
	}
	sdKey, sdNonce := secrets.senderDataKeyNonce(pmsg.Ciphertext)
	sdBytes, err := cs.aeadOpen(sdKey, sdNonce, aad, pmsg.EncryptedSenderData)
	if err != nil {
		return nil, 0, err
	}
	var sd senderData
	if err := unmarshal(sdBytes, &sd); err != nil {
		return nil, 0, fmt.Errorf("sender data: %w", err)
	}

	senderSigKey, ok := g.senderSignatureKey(pmsg.Epoch, sd.LeafIndex, pastLeaves)
	if !ok {
		return nil, 0, ErrUnknownSender
	}

	ratchet, err := secrets.ratchet(leafIndex(sd.LeafIndex), pmsg.ContentType)
	if err != nil {
		return nil, 0, err
	}
	kn, err := ratchet.get(sd.Generation)
	if err != nil {
		return nil, 0, err
	}
	nonce := xorNonce(kn.nonce, sd.ReuseGuard)
	inner, err := cs.aeadOpen(kn.key, nonce, aad, pmsg.Ciphertext)
	kn.zeroize()
	if err != nil {
		return nil, 0, err
	}

	s := cryptobyte.String(inner)
	var appData, signature []byte
	if !readOpaqueVec(&s, &appData) || !readOpaqueVec(&s, &signature) {
		return nil, 0, io.ErrUnexpectedEOF
	}
	for _, pad := range s {
		if pad != 0 {
			return nil, 0, fmt.Errorf("nonzero padding")
		}
	}

	content := FramedContent{
		GroupID:           pmsg.GroupID,
		Epoch:             pmsg.Epoch,
		Sender:            MemberSender(sd.LeafIndex),
		AuthenticatedData: pmsg.AuthenticatedData,
		ContentType:       pmsg.ContentType,
		ApplicationData:   appData,
	}
	serializedContext, err := g.contextForEpoch(pmsg.Epoch)
	if err != nil {
		return nil, 0, err
	}
	tbs, err := content.tbs(WireFormatPrivateMessage, serializedContext)
	if err != nil {
		return nil, 0, err
	}
	if !cs.verify(senderSigKey, tbs, signature) {
		return nil, 0, fmt.Errorf("application message signature invalid")
	}

	return appData, sd.LeafIndex, nil
}

// messageSecretsForEpoch resolves the secrets for an epoch: the live
// secrets for the current epoch, the store for older ones.
func (g *CoreGroup) messageSecretsForEpoch(epoch uint64) (*MessageSecrets, []Member, error) {
	if epoch == g.groupContext.Epoch {
		return g.messageSecretsStore.current, nil, nil
	}
	secrets, leaves := g.messageSecretsStore.SecretsAndLeavesForEpoch(epoch)
	if secrets == nil {
		return nil, nil, ErrTooDistantInThePast
	}
	return secrets, leaves, nil
}

// contextForEpoch returns the serialized group context bound into
// message signatures at the given epoch.
func (g *CoreGroup) contextForEpoch(epoch uint64) ([]byte, error) {
	if epoch == g.groupContext.Epoch {
		return g.groupContext.serialize()
	}
	ctx := g.messageSecretsStore.ContextForEpoch(epoch)
	if ctx == nil {
		return nil, ErrTooDistantInThePast
	}
	return ctx, nil
}

func (g *CoreGroup) senderSignatureKey(epoch uint64, leaf uint32, pastLeaves []Member) ([]byte, bool) {
	if epoch == g.groupContext.Epoch {
		ln, err := g.tree.Leaf(leaf)
		if err != nil || ln == nil {
			return nil, false
		}
		return ln.Credential.SignatureKey, true
	}
	for _, m := range pastLeaves {
		if m.Index == leaf {
			return m.SignatureKey, true
		}
	}
	return nil, false
}

func xorNonce(nonce []byte, guard [4]byte) []byte {
	out := dup(nonce)
	for i := 0; i < 4 && i < len(out); i++ {
		out[i] ^= guard[i]
	}
	return out
}

// === Export ===

// ExportSecret derives an application secret from the exporter secret.
// The length must fit a 16-bit unsigned integer.
func (g *CoreGroup) ExportSecret(label string, context []byte, length int) ([]byte, error) {
	if length > 0xFFFF {
		return nil, ErrKeyLengthTooLong
	}
	derived := g.ciphersuite.deriveSecret(g.groupEpochSecrets.ExporterSecret, label)
	return g.ciphersuite.expandWithLabel(derived, "exported", g.ciphersuite.hash(context), length), nil
}
