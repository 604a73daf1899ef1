package mls

import "bytes"

// Semantic validation of incoming messages and proposal batches. The
// checks are stateless with respect to the proposal queue; they read
// only the live group.

// validateFraming checks the group id and epoch bounds of an incoming
// message against the live group.
func (g *CoreGroup) validateFraming(groupID []byte, epoch uint64, contentType ContentType) error {
	if !bytes.Equal(groupID, g.groupContext.GroupID) {
		return ErrWrongGroupId
	}
	switch contentType {
	case ContentTypeApplication:
		// Application messages from older epochs are decryptable
		// through the past-secrets store.
		if epoch > g.groupContext.Epoch {
			return ErrWrongEpoch
		}
	default:
		if epoch != g.groupContext.Epoch {
			return ErrWrongEpoch
		}
	}
	return nil
}

// validatePlaintext checks sender membership, that application content
// arrives encrypted from a member, and that commits carry a
// confirmation tag.
func (g *CoreGroup) validatePlaintext(pm *PublicMessage) error {
	sender := pm.Content.Sender
	if sender.Type == SenderTypeMember {
		if !g.tree.LeafIsInTree(sender.LeafIndex) &&
			!g.messageSecretsStore.EpochHasLeaf(pm.Content.Epoch, sender.LeafIndex) {
			return ErrUnknownMember
		}
	}

	if pm.Content.ContentType == ContentTypeApplication {
		// A PublicMessage carrying application content is by
		// definition unencrypted.
		if !sender.IsMember() {
			return ErrNonMemberApplicationMessage
		}
		return ErrUnencryptedApplicationMessage
	}

	if pm.Content.ContentType == ContentTypeCommit && pm.ConfirmationTag == nil {
		return ErrMissingConfirmationTag
	}
	return nil
}

// validateAddProposals enforces uniqueness of identity, signature key
// and init key within the batch and against the tree, and checks the
// key packages against the group's capabilities.
func (g *CoreGroup) validateAddProposals(queue *ProposalQueue) error {
	identities := make(map[string]struct{})
	signatureKeys := make(map[string]struct{})
	publicKeys := make(map[string]struct{})

	rc, err := g.groupContext.requiredCapabilities()
	if err != nil {
		return err
	}

	for _, qp := range queue.addProposals() {
		kp := &qp.Proposal.(*AddProposal).KeyPackage

		identity := string(kp.LeafNode.Credential.Identity)
		if _, ok := identities[identity]; ok {
			return ErrDuplicateIdentityAddProposal
		}
		identities[identity] = struct{}{}

		sigKey := string(kp.LeafNode.Credential.SignatureKey)
		if _, ok := signatureKeys[sigKey]; ok {
			return ErrDuplicateSignatureKeyAddProposal
		}
		signatureKeys[sigKey] = struct{}{}

		pubKey := string(kp.InitKey)
		if _, ok := publicKeys[pubKey]; ok {
			return ErrDuplicatePublicKeyAddProposal
		}
		publicKeys[pubKey] = struct{}{}

		// The key package must match the group's ciphersuite and
		// version and advertise both among its capabilities.
		if kp.Ciphersuite != g.ciphersuite || kp.Version != uint16(g.version) {
			return ErrInsufficientCapabilities
		}
		caps := &kp.LeafNode.Capabilities
		if !caps.supportsCiphersuite(g.ciphersuite) || !caps.supportsVersion(g.version) {
			return ErrInsufficientCapabilities
		}
		if rc != nil && !caps.supportsRequiredCapabilities(rc) {
			return ErrInsufficientCapabilities
		}
	}

	for _, m := range g.tree.Members() {
		if _, ok := identities[string(m.Identity)]; ok {
			return ErrExistingIdentityAddProposal
		}
		if _, ok := signatureKeys[string(m.SignatureKey)]; ok {
			return ErrExistingSignatureKeyAddProposal
		}
		if _, ok := publicKeys[string(m.EncryptionKey)]; ok {
			return ErrExistingPublicKeyAddProposal
		}
	}
	return nil
}

// validateRemoveProposals rejects duplicate removals and removals of
// unoccupied leaves.
func (g *CoreGroup) validateRemoveProposals(queue *ProposalQueue) error {
	removed := make(map[uint32]struct{})
	for _, qp := range queue.removeProposals() {
		idx := qp.Proposal.(*RemoveProposal).Removed
		if _, ok := removed[idx]; ok {
			return ErrDuplicateMemberRemoval
		}
		removed[idx] = struct{}{}
		if !g.tree.LeafIsInTree(idx) {
			return ErrUnknownMemberRemoval
		}
	}
	return nil
}

// validateUpdateProposals checks sender membership, that the committer
// included no update of their own, identity continuity, and encryption
// key uniqueness. It returns the set of encryption keys currently in
// the tree for the caller to check an update path's new leaf against.
func (g *CoreGroup) validateUpdateProposals(queue *ProposalQueue, committer uint32) (map[string]struct{}, error) {
	encryptionKeys := make(map[string]struct{})
	for _, i := range g.tree.FullLeaves() {
		leaf, err := g.tree.Leaf(i)
		if err != nil || leaf == nil {
			return nil, ErrLibrary
		}
		encryptionKeys[string(leaf.EncryptionKey)] = struct{}{}
	}

	for _, qp := range queue.updateProposals() {
		if qp.Sender.Type != SenderTypeMember {
			return nil, ErrUpdateFromNonMember
		}
		senderIndex := qp.Sender.LeafIndex
		if senderIndex == committer {
			return nil, ErrCommitterIncludedOwnUpdate
		}

		leaf, err := g.tree.Leaf(senderIndex)
		if err != nil || leaf == nil {
			return nil, ErrUnknownMember
		}
		update := qp.Proposal.(*UpdateProposal)
		if !bytes.Equal(update.LeafNode.Credential.Identity, leaf.Credential.Identity) {
			return nil, ErrUpdateProposalIdentityMismatch
		}
		if _, ok := encryptionKeys[string(update.LeafNode.EncryptionKey)]; ok {
			return nil, ErrExistingPublicKeyUpdateProposal
		}
	}
	return encryptionKeys, nil
}

// validatePathLeafNode checks an update path's new leaf the way an
// update proposal is checked: unchanged identity for a known sender
// and a fresh encryption key.
func (g *CoreGroup) validatePathLeafNode(sender uint32, leaf *LeafNode, encryptionKeys map[string]struct{}, senderDesc Sender) error {
	existing, err := g.tree.Leaf(sender)
	if err == nil && existing != nil {
		if !bytes.Equal(leaf.Credential.Identity, existing.Credential.Identity) {
			return ErrUpdateProposalIdentityMismatch
		}
	} else if senderDesc.IsMember() {
		return ErrUnknownMember
	}
	if _, ok := encryptionKeys[string(leaf.EncryptionKey)]; ok {
		return ErrExistingPublicKeyUpdateProposal
	}
	return nil
}

// validateExternalCommit enforces the external commit constraints:
// exactly one ExternalInit, only allowed inline proposal types, and
// any inline Remove must target a leaf whose identity matches the
// joining leaf node.
func (g *CoreGroup) validateExternalCommit(queue *ProposalQueue, pathLeaf *LeafNode) error {
	externalInits := len(queue.externalInitProposals())
	if externalInits == 0 {
		return ErrNoExternalInitProposals
	}
	if externalInits > 1 {
		return ErrMultipleExternalInitProposals
	}

	for _, qp := range queue.QueuedProposals() {
		if qp.RefType != ProposalOrRefTypeProposal {
			continue
		}
		switch qp.Proposal.(type) {
		case *ExternalInitProposal, *RemoveProposal, *PreSharedKeyProposal:
		default:
			return ErrInvalidInlineProposals
		}
	}

	for _, qp := range queue.removeProposals() {
		if qp.RefType != ProposalOrRefTypeProposal {
			continue
		}
		removed := qp.Proposal.(*RemoveProposal).Removed
		if pathLeaf == nil {
			continue
		}
		leaf, err := g.tree.Leaf(removed)
		if err != nil || leaf == nil {
			return ErrUnknownMemberRemoval
		}
		// Rejoining under the same identity is permitted.
		if !bytes.Equal(leaf.Credential.Identity, pathLeaf.Credential.Identity) {
			return ErrInvalidRemoveProposal
		}
	}
	return nil
}
