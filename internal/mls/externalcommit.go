package mls

import (
	"bytes"
	"fmt"
)

// External commits let a non-member join in a single step: an
// ExternalInit proposal injects fresh entropy encapsulated against the
// group's external key, and the commit's update path installs the
// joiner's leaf. Existing members stage such commits through the
// regular pipeline; this file is the joiner's side, built on top of
// the same diff and key-schedule machinery.

// treeSyncFromNodes reconstructs a public-only tree from an exported
// node list.
func treeSyncFromNodes(cs Ciphersuite, nodes []*Node) (*TreeSync, error) {
	if len(nodes) == 0 {
		return nil, fmt.Errorf("empty node list")
	}
	size := leafCount((len(nodes) + 1) / 2)
	if nodeWidth(size) != uint32(len(nodes)) {
		return nil, fmt.Errorf("node list length %d is not a full tree", len(nodes))
	}
	t := &TreeSync{
		suite:    cs,
		size:     size,
		nodes:    make([]treeNode, len(nodes)),
		privKeys: make(map[nodeIndex][]byte),
	}
	for i, n := range nodes {
		if n == nil {
			continue
		}
		switch n.Type {
		case NodeTypeLeaf:
			t.nodes[i].leaf = n.Leaf.clone()
		case NodeTypeParent:
			t.nodes[i].parent = n.Parent.clone()
		}
	}
	th, err := computeTreeHash(cs, t.nodeAt, t.size)
	if err != nil {
		return nil, err
	}
	t.treeHash = th
	return t, nil
}

// NewExternalCommit builds an external commit from a GroupInfo that
// carries the ratchet tree, returning the commit to broadcast and the
// joiner's group at the new epoch. A leaf holding the joiner's
// identity is removed inline, permitting rejoin.
func NewExternalCommit(gi *GroupInfo, bundle *KeyPackageBundle, cfg GroupConfig) (*PublicMessage, *CoreGroup, error) {
	cs := gi.GroupContext.Ciphersuite
	nodes, err := gi.RatchetTree()
	if err != nil {
		return nil, nil, err
	}
	if nodes == nil {
		return nil, nil, fmt.Errorf("group info without ratchet tree")
	}
	tree, err := treeSyncFromNodes(cs, nodes)
	if err != nil {
		return nil, nil, err
	}
	if !bytes.Equal(tree.TreeHash(), gi.GroupContext.TreeHash) {
		return nil, nil, fmt.Errorf("ratchet tree does not match group context tree hash")
	}
	if signerLeaf, err := tree.Leaf(gi.Signer); err != nil || signerLeaf == nil ||
		!gi.VerifySignature(cs, signerLeaf.Credential.SignatureKey) {
		return nil, nil, fmt.Errorf("group info signature invalid")
	}

	externalPub, err := gi.ExternalPub()
	if err != nil {
		return nil, nil, err
	}
	kemOutput, initSecret, err := externalInitEncaps(cs, externalPub)
	if err != nil {
		return nil, nil, err
	}

	inline := []Proposal{&ExternalInitProposal{KEMOutput: kemOutput}}
	values := &applyProposalsValues{
		pathRequired:       true,
		externalInitSecret: initSecret,
		exclusion:          make(exclusionList),
	}

	diff := tree.EmptyDiff()
	identity := bundle.KeyPackage.LeafNode.Credential.Identity
	for _, m := range tree.Members() {
		if bytes.Equal(m.Identity, identity) {
			inline = append(inline, &RemoveProposal{Removed: m.Index})
			if err := diff.RemoveLeaf(leafIndex(m.Index)); err != nil {
				return nil, nil, err
			}
			values.exclusion[leafIndex(m.Index)] = struct{}{}
		}
	}

	ownIndex, err := diff.AddLeaf(bundle.KeyPackage.LeafNode.clone())
	if err != nil {
		return nil, nil, err
	}
	tree.ownLeafIndex = ownIndex

	// The joiner's view of the group it is entering.
	g := &CoreGroup{
		ciphersuite:           cs,
		version:               ProtocolVersion(gi.GroupContext.Version),
		groupContext:          gi.GroupContext,
		groupEpochSecrets:     &GroupEpochSecrets{},
		tree:                  tree,
		interimTranscriptHash: updateInterimTranscriptHash(cs, gi.GroupContext.ConfirmedTranscriptHash, interimTranscriptHashInput(gi.ConfirmationTag)),
		signatureKey:          bundle.SignaturePrivateKey,
		psks:                  make(map[string][]byte),
	}

	serializedContext, err := g.groupContext.serialize()
	if err != nil {
		return nil, nil, err
	}

	var refs []ProposalOrRef
	for _, p := range inline {
		refs = append(refs, ProposalOrRef{Type: ProposalOrRefTypeProposal, Proposal: p})
	}
	commit := &Commit{Proposals: refs}
	path, commitSecret, err := diff.ApplyOwnUpdatePath(bundle, g.groupContext.GroupID, values.exclusion, serializedContext)
	if err != nil {
		return nil, nil, fmt.Errorf("apply own update path: %w", err)
	}
	commit.Path = path

	content := FramedContent{
		GroupID:     dup(g.groupContext.GroupID),
		Epoch:       g.groupContext.Epoch,
		Sender:      NewMemberCommitSender(),
		ContentType: ContentTypeCommit,
		Commit:      commit,
	}
	pm, err := signPublicMessage(cs, bundle.SignaturePrivateKey, &content, serializedContext)
	if err != nil {
		return nil, nil, err
	}

	state, interim, ownTag, err := g.deriveProvisionalState(pm, diff, values, commitSecret, initSecret)
	if err != nil {
		return nil, nil, err
	}
	state.interimTranscriptHash = interim
	pm.ConfirmationTag = ownTag

	// Advance the joiner's view to the new epoch.
	g.groupContext = state.groupContext
	g.groupEpochSecrets = state.groupEpochSecrets
	g.interimTranscriptHash = state.interimTranscriptHash
	g.messageSecretsStore = newMessageSecretsStore(cfg.MaxPastEpochs, state.messageSecrets)
	g.useRatchetTreeExtension = cfg.UseRatchetTreeExtension
	if err := g.tree.MergeDiff(state.stagedDiff); err != nil {
		return nil, nil, err
	}

	return pm, g, nil
}
