package mls

import "fmt"

// applyProposalsValues collects everything the staged-commit pipeline
// needs to know about the proposals it just applied.
type applyProposalsValues struct {
	selfRemoved        bool
	pathRequired       bool
	externalInitSecret []byte
	pskIDs             [][]byte
	extensions         []Extension // replacement group context extensions, nil if untouched
	exclusion          exclusionList
}

// applyProposals applies a proposal queue to a tree diff in the
// protocol-mandated order: updates first, removes next, adds last.
// PreSharedKey proposals are collected for the key schedule, an
// ExternalInit proposal is decapsulated into the replacement init
// secret, and GroupContextExtensions replace the context extensions.
func (g *CoreGroup) applyProposals(diff *TreeSyncDiff, queue *ProposalQueue, ownBundles []*KeyPackageBundle) (*applyProposalsValues, error) {
	values := &applyProposalsValues{exclusion: make(exclusionList)}

	for _, qp := range queue.updateProposals() {
		if qp.Sender.Type != SenderTypeMember {
			return nil, ErrUpdateFromNonMember
		}
		update := qp.Proposal.(*UpdateProposal)
		if err := diff.UpdateLeaf(leafIndex(qp.Sender.LeafIndex), update.LeafNode.clone()); err != nil {
			return nil, err
		}
		// An update of our own leaf needs the matching bundle so the
		// new encryption private key is carried into the diff.
		if qp.Sender.LeafIndex == g.tree.OwnLeafIndex() {
			bundle := findOwnBundle(ownBundles, &update.LeafNode)
			if bundle == nil {
				return nil, ErrOwnKeyNotFound
			}
			diff.newPriv[toNodeIndex(leafIndex(qp.Sender.LeafIndex))] = dup(bundle.EncryptionPrivateKey)
		}
		values.pathRequired = true
	}

	for _, qp := range queue.removeProposals() {
		removed := qp.Proposal.(*RemoveProposal).Removed
		if removed == g.tree.OwnLeafIndex() {
			values.selfRemoved = true
		}
		if err := diff.RemoveLeaf(leafIndex(removed)); err != nil {
			return nil, err
		}
		values.exclusion[leafIndex(removed)] = struct{}{}
		values.pathRequired = true
	}

	for _, qp := range queue.addProposals() {
		add := qp.Proposal.(*AddProposal)
		index, err := diff.AddLeaf(add.KeyPackage.LeafNode.clone())
		if err != nil {
			return nil, err
		}
		values.exclusion[index] = struct{}{}
	}

	for _, qp := range queue.pskProposals() {
		values.pskIDs = append(values.pskIDs, qp.Proposal.(*PreSharedKeyProposal).PskID)
	}

	if eis := queue.externalInitProposals(); len(eis) > 0 {
		ei := eis[0].Proposal.(*ExternalInitProposal)
		_, externalPriv, err := g.groupEpochSecrets.externalKeyPair(g.ciphersuite)
		if err != nil {
			return nil, fmt.Errorf("external keypair: %w", err)
		}
		initSecret, err := externalInitDecaps(g.ciphersuite, externalPriv, ei.KEMOutput)
		zeroize(externalPriv)
		if err != nil {
			return nil, fmt.Errorf("external init decapsulation: %w", err)
		}
		values.externalInitSecret = initSecret
		values.pathRequired = true
	}

	if gces := queue.groupContextExtensionProposals(); len(gces) > 0 {
		last := gces[len(gces)-1].Proposal.(*GroupContextExtensionsProposal)
		values.extensions = last.Extensions
	}

	return values, nil
}
