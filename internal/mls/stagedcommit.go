package mls

import (
	"bytes"
	"fmt"
)

// stagedCommitState is the complete provisional next-epoch state. It
// references no mutable live state; holding it across further stage
// attempts is safe.
type stagedCommitState struct {
	groupContext          GroupContext
	groupEpochSecrets     *GroupEpochSecrets
	messageSecrets        *MessageSecrets
	interimTranscriptHash []byte
	stagedDiff            *StagedTreeSyncDiff
}

// StagedCommit captures the outcome of staging a commit: the resolved
// proposal queue plus, unless the local member was removed, the full
// provisional state. It is consumed exactly once by MergeCommit or
// dropped without residue.
type StagedCommit struct {
	queue *ProposalQueue
	state *stagedCommitState
}

// SelfRemoved reports whether the commit removes the local member.
func (sc *StagedCommit) SelfRemoved() bool { return sc.state == nil }

// AddProposals returns the add proposals covered by the commit.
func (sc *StagedCommit) AddProposals() []*QueuedProposal { return sc.queue.addProposals() }

// UpdateProposals returns the update proposals covered by the commit.
func (sc *StagedCommit) UpdateProposals() []*QueuedProposal { return sc.queue.updateProposals() }

// RemoveProposals returns the remove proposals covered by the commit.
func (sc *StagedCommit) RemoveProposals() []*QueuedProposal { return sc.queue.removeProposals() }

// PskProposals returns the pre-shared-key proposals covered by the commit.
func (sc *StagedCommit) PskProposals() []*QueuedProposal { return sc.queue.pskProposals() }

// StageCommit runs the full epoch-transition pipeline on an incoming
// commit without touching live state: proposal resolution and
// validation, a provisional tree diff, path decryption, transcript
// hashes, the next epoch's key schedule and the confirmation tag
// check. The returned StagedCommit is merged later or dropped.
func (g *CoreGroup) StageCommit(pm *PublicMessage, store *ProposalStore, ownBundles []*KeyPackageBundle) (*StagedCommit, error) {
	cs := g.ciphersuite
	sender := pm.Content.Sender

	if pm.Content.Epoch != g.groupContext.Epoch {
		return nil, ErrEpochMismatch
	}
	if pm.Content.ContentType != ContentTypeCommit || pm.Content.Commit == nil {
		return nil, ErrWrongPlaintextContentType
	}
	commit := pm.Content.Commit
	receivedTag := pm.ConfirmationTag
	if receivedTag == nil {
		return nil, ErrConfirmationTagMissing
	}

	queue, err := proposalQueueFromCommittedProposals(cs, commit.Proposals, store, sender)
	if err != nil {
		return nil, err
	}

	var pathLeaf *LeafNode
	if commit.Path != nil {
		pathLeaf = &commit.Path.LeafNode
	}

	isExternal := sender.Type == SenderTypeNewMemberCommit
	if isExternal {
		if err := g.validateExternalCommit(queue, pathLeaf); err != nil {
			return nil, err
		}
	}

	// The committer is the commit sender's leaf index. External
	// committers have no index yet and cannot include updates.
	committer := ^uint32(0)
	if sender.IsMember() {
		committer = sender.LeafIndex
	}
	if err := g.validateAddProposals(queue); err != nil {
		return nil, err
	}
	if err := g.validateRemoveProposals(queue); err != nil {
		return nil, err
	}
	encryptionKeys, err := g.validateUpdateProposals(queue, committer)
	if err != nil {
		return nil, err
	}

	diff := g.tree.EmptyDiff()
	values, err := g.applyProposals(diff, queue, ownBundles)
	if err != nil {
		return nil, err
	}

	if values.selfRemoved {
		return &StagedCommit{queue: queue}, nil
	}

	isOwnCommit := sender.IsMember() && sender.LeafIndex == g.tree.OwnLeafIndex()
	serializedContext, err := g.groupContext.serialize()
	if err != nil {
		return nil, err
	}

	var commitSecret []byte
	switch {
	case commit.Path != nil:
		senderLeaf := leafIndex(sender.LeafIndex)
		if isExternal {
			// The joining committer's leaf must exist before the
			// path can be decrypted, even when the tree has to grow.
			senderLeaf, err = diff.AddLeaf(commit.Path.LeafNode.clone())
			if err != nil {
				return nil, err
			}
		}
		if !commit.Path.LeafNode.verifySignature(cs, g.groupContext.GroupID, senderLeaf) {
			return nil, ErrPathKeyPackageVerificationFailure
		}
		if err := g.validatePathLeafNode(uint32(senderLeaf), &commit.Path.LeafNode, encryptionKeys, sender); err != nil {
			return nil, err
		}

		if isOwnCommit {
			bundle := findOwnBundle(ownBundles, &commit.Path.LeafNode)
			if bundle == nil {
				return nil, ErrMissingOwnKeyPackage
			}
			commitSecret, err = diff.ReApplyOwnUpdatePath(bundle, commit.Path)
			if err != nil {
				return nil, err
			}
		} else {
			_, commitSecret, err = diff.DecryptPath(commit.Path, senderLeaf, values.exclusion, serializedContext)
			if err != nil {
				return nil, err
			}
			if err := diff.ApplyReceivedUpdatePath(senderLeaf, commit.Path); err != nil {
				return nil, err
			}
		}
	case values.pathRequired:
		return nil, ErrRequiredPathNotFound
	default:
		commitSecret = zeroCommitSecret()
	}

	initSecret := values.externalInitSecret
	if initSecret == nil {
		initSecret = g.groupEpochSecrets.InitSecret
		if initSecret == nil {
			return nil, ErrInitSecretNotFound
		}
	}

	state, interim, ownTag, err := g.deriveProvisionalState(pm, diff, values, commitSecret, initSecret)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(ownTag, receivedTag) {
		return nil, ErrConfirmationTagMismatch
	}
	state.interimTranscriptHash = interim

	return &StagedCommit{queue: queue, state: state}, nil
}

// deriveProvisionalState runs transcript hashing and the key schedule
// over a finished diff, producing the provisional next-epoch state and
// the locally computed confirmation tag.
func (g *CoreGroup) deriveProvisionalState(pm *PublicMessage, diff *TreeSyncDiff, values *applyProposalsValues, commitSecret, initSecret []byte) (*stagedCommitState, []byte, []byte, error) {
	cs := g.ciphersuite

	joinerSecret := newJoinerSecret(cs, commitSecret, initSecret)

	treeHash, err := diff.ComputeTreeHashes()
	if err != nil {
		return nil, nil, nil, err
	}
	commitContent, err := pm.confirmedTranscriptHashInput()
	if err != nil {
		return nil, nil, nil, err
	}
	confirmedTranscriptHash := updateConfirmedTranscriptHash(cs, g.interimTranscriptHash, commitContent)

	extensions := g.groupContext.Extensions
	if values.extensions != nil {
		extensions = values.extensions
	}
	provisionalContext := GroupContext{
		Version:                 uint16(g.version),
		Ciphersuite:             cs,
		GroupID:                 dup(g.groupContext.GroupID),
		Epoch:                   g.groupContext.Epoch + 1,
		TreeHash:                treeHash,
		ConfirmedTranscriptHash: confirmedTranscriptHash,
		Extensions:              extensions,
	}
	serializedProvisional, err := provisionalContext.serialize()
	if err != nil {
		return nil, nil, nil, err
	}

	pskSecret, err := pskSecretFromIDs(cs, values.pskIDs, g.lookupPsk)
	if err != nil {
		return nil, nil, nil, err
	}

	keySchedule, err := initKeySchedule(cs, joinerSecret, pskSecret)
	if err != nil {
		return nil, nil, nil, err
	}
	if err := keySchedule.addContext(serializedProvisional); err != nil {
		return nil, nil, nil, err
	}
	epochSecrets, err := keySchedule.epochSecrets()
	if err != nil {
		return nil, nil, nil, err
	}

	ownTag := confirmationTag(cs, epochSecrets.ConfirmationKey, confirmedTranscriptHash)
	interim := updateInterimTranscriptHash(cs, confirmedTranscriptHash, interimTranscriptHashInput(ownTag))

	groupEpochSecrets, messageSecrets := epochSecrets.split(diff.size)

	stagedDiff, err := diff.IntoStagedDiff()
	if err != nil {
		return nil, nil, nil, err
	}

	return &stagedCommitState{
		groupContext:      provisionalContext,
		groupEpochSecrets: groupEpochSecrets,
		messageSecrets:    messageSecrets,
		stagedDiff:        stagedDiff,
	}, interim, ownTag, nil
}

func findOwnBundle(bundles []*KeyPackageBundle, pathLeaf *LeafNode) *KeyPackageBundle {
	for _, b := range bundles {
		if bytes.Equal(b.KeyPackage.LeafNode.EncryptionKey, pathLeaf.EncryptionKey) {
			return b
		}
	}
	return nil
}

// MergeCommit merges a staged commit into the live group. The outgoing
// epoch's message secrets are inserted into the past-secrets store
// together with a snapshot of the outgoing leaves, and returned. A
// self-removal merges to nothing and returns nil; the caller should
// treat the group as defunct. No I/O and no cryptography happen here.
func (g *CoreGroup) MergeCommit(staged *StagedCommit) (*MessageSecrets, error) {
	if staged.state == nil {
		return nil, nil
	}
	state := staged.state
	staged.state = nil

	outgoingLeaves := g.tree.Members()
	outgoingEpoch := g.groupContext.Epoch
	outgoingContext, err := g.groupContext.serialize()
	if err != nil {
		return nil, fmt.Errorf("%w: serialize outgoing context: %v", ErrLibrary, err)
	}

	g.groupContext = state.groupContext
	g.groupEpochSecrets = state.groupEpochSecrets
	g.interimTranscriptHash = state.interimTranscriptHash

	outgoing := g.messageSecretsStore.current
	g.messageSecretsStore.current = state.messageSecrets

	if err := g.tree.MergeDiff(state.stagedDiff); err != nil {
		return nil, fmt.Errorf("%w: merge diff: %v", ErrLibrary, err)
	}

	g.messageSecretsStore.Add(outgoingEpoch, outgoing, outgoingLeaves, outgoingContext)
	return outgoing, nil
}
