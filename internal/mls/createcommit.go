package mls

import (
	"errors"
	"fmt"
)

// CreateCommitResult bundles the outputs of creating a commit: the
// signed commit message to broadcast, the already-staged local view of
// it, and the fresh key package bundle backing the update path.
type CreateCommitResult struct {
	Commit       *PublicMessage
	StagedCommit *StagedCommit
	PathBundle   *KeyPackageBundle
}

// CreateCommit builds a commit covering all proposals in the store (by
// reference) plus any extra inline proposals, staging it locally in
// the same step. A path is added whenever the proposals require one,
// when forcePath is set, or when the commit is empty.
func (g *CoreGroup) CreateCommit(store *ProposalStore, inline []Proposal, forcePath bool) (*CreateCommitResult, error) {
	cs := g.ciphersuite
	sender := MemberSender(g.tree.OwnLeafIndex())

	var refs []ProposalOrRef
	for _, key := range store.order {
		qp := store.proposals[key]
		refs = append(refs, ProposalOrRef{Type: ProposalOrRefTypeReference, Reference: qp.Ref})
	}
	for _, p := range inline {
		refs = append(refs, ProposalOrRef{Type: ProposalOrRefTypeProposal, Proposal: p})
	}

	queue, err := proposalQueueFromCommittedProposals(cs, refs, store, sender)
	if err != nil {
		return nil, err
	}

	if err := g.validateAddProposals(queue); err != nil {
		return nil, err
	}
	if err := g.validateRemoveProposals(queue); err != nil {
		return nil, err
	}
	if _, err := g.validateUpdateProposals(queue, g.tree.OwnLeafIndex()); err != nil {
		return nil, err
	}

	diff := g.tree.EmptyDiff()
	values, err := g.applyProposals(diff, queue, nil)
	if err != nil {
		return nil, err
	}
	if values.selfRemoved {
		return nil, errors.New("cannot commit own removal")
	}

	serializedContext, err := g.groupContext.serialize()
	if err != nil {
		return nil, err
	}

	commit := &Commit{Proposals: refs}
	commitSecret := zeroCommitSecret()
	var pathBundle *KeyPackageBundle
	if values.pathRequired || forcePath || len(refs) == 0 {
		identity, err := g.OwnIdentity()
		if err != nil {
			return nil, err
		}
		pathBundle, err = NewKeyPackageBundle(cs, identity, g.signatureKey)
		if err != nil {
			return nil, err
		}
		commit.Path, commitSecret, err = diff.ApplyOwnUpdatePath(pathBundle, g.groupContext.GroupID, values.exclusion, serializedContext)
		if err != nil {
			return nil, fmt.Errorf("apply own update path: %w", err)
		}
	}

	content := g.memberContent(ContentTypeCommit)
	content.Commit = commit
	pm, err := signPublicMessage(cs, g.signatureKey, &content, serializedContext)
	if err != nil {
		return nil, err
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
	state.interimTranscriptHash = interim
	pm.ConfirmationTag = ownTag

	input, err := pm.membershipTagInput(serializedContext)
	if err != nil {
		return nil, err
	}
	pm.MembershipTag = cs.mac(g.messageSecretsStore.current.MembershipKey, input)

	return &CreateCommitResult{
		Commit:       pm,
		StagedCommit: &StagedCommit{queue: queue, state: state},
		PathBundle:   pathBundle,
	}, nil
}
