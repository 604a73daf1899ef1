package mls

import (
	"bytes"
	"fmt"
)

// TreeSyncDiff is an in-memory overlay of additions, removals and
// replacements on the tree's node slots. It may be inspected, turned
// into an immutable staged diff, and merged — or dropped, leaving the
// tree untouched.
type TreeSyncDiff struct {
	tree    *TreeSync
	size    leafCount
	overlay map[nodeIndex]*treeNode
	newPriv map[nodeIndex][]byte
}

func (d *TreeSyncDiff) nodeAt(x nodeIndex) *treeNode {
	if tn, ok := d.overlay[x]; ok {
		return tn
	}
	if uint32(x) < uint32(len(d.tree.nodes)) {
		return &d.tree.nodes[x]
	}
	return &treeNode{}
}

func (d *TreeSyncDiff) setLeaf(i leafIndex, leaf *LeafNode) {
	d.overlay[toNodeIndex(i)] = &treeNode{leaf: leaf}
}

func (d *TreeSyncDiff) setParent(x nodeIndex, parent *ParentNode) {
	d.overlay[x] = &treeNode{parent: parent}
}

func (d *TreeSyncDiff) setBlank(x nodeIndex) {
	d.overlay[x] = &treeNode{}
}

// leafCount counts occupied leaves under the overlay.
func (d *TreeSyncDiff) leafCount() leafCount {
	var n leafCount
	for i := leafIndex(0); i < leafIndex(d.size); i++ {
		if d.nodeAt(toNodeIndex(i)).leaf != nil {
			n++
		}
	}
	return n
}

// AddLeaf places the leaf in the leftmost blank slot, extending the
// tree to the next power of two if none is free. Occupied parents on
// the new leaf's direct path record it as unmerged.
func (d *TreeSyncDiff) AddLeaf(leaf *LeafNode) (leafIndex, error) {
	target := leafIndex(d.size)
	for i := leafIndex(0); i < leafIndex(d.size); i++ {
		if d.nodeAt(toNodeIndex(i)).blank() {
			target = i
			break
		}
	}
	if target == leafIndex(d.size) {
		d.size *= 2
	}
	d.setLeaf(target, leaf)

	for _, x := range directPath(toNodeIndex(target), d.size) {
		if tn := d.nodeAt(x); tn.parent != nil {
			p := tn.parent.clone()
			p.UnmergedLeaves = append(p.UnmergedLeaves, uint32(target))
			d.setParent(x, p)
		}
	}
	return target, nil
}

// UpdateLeaf replaces the leaf and blanks its direct path.
func (d *TreeSyncDiff) UpdateLeaf(i leafIndex, leaf *LeafNode) error {
	if uint32(i) >= uint32(d.size) {
		return ErrLeafNotInTree
	}
	d.setLeaf(i, leaf)
	d.blankPath(i)
	return nil
}

// RemoveLeaf blanks the leaf and its direct path.
func (d *TreeSyncDiff) RemoveLeaf(i leafIndex) error {
	if uint32(i) >= uint32(d.size) || d.nodeAt(toNodeIndex(i)).leaf == nil {
		return ErrLeafNotInTree
	}
	d.setBlank(toNodeIndex(i))
	d.blankPath(i)
	return nil
}

func (d *TreeSyncDiff) blankPath(i leafIndex) {
	for _, x := range directPath(toNodeIndex(i), d.size) {
		d.setBlank(x)
	}
}

// exclusionList is the set of leaves excluded from path encryption:
// members added or removed earlier in the same commit.
type exclusionList map[leafIndex]struct{}

// filteredResolution resolves a subtree and drops excluded leaves.
func (d *TreeSyncDiff) filteredResolution(x nodeIndex, excl exclusionList) []nodeIndex {
	res := resolution(d.nodeAt, d.size, x)
	out := res[:0]
	for _, r := range res {
		if isLeafNodeIndex(r) {
			if _, ok := excl[toLeafIndex(r)]; ok {
				continue
			}
		}
		out = append(out, r)
	}
	return out
}

// pathSecrets derives the secret chain for a direct path starting at
// the given level, returning the per-node secrets and the commit
// secret derived one level above the root.
func (d *TreeSyncDiff) pathSecrets(dp []nodeIndex, start int, startSecret []byte) (secrets [][]byte, commitSecret []byte) {
	secrets = make([][]byte, len(dp))
	ps := startSecret
	for i := start; i < len(dp); i++ {
		secrets[i] = ps
		ps = d.tree.suite.deriveSecret(ps, "path")
	}
	return secrets, ps
}

// derivePathKeys turns path secrets into node keypairs, records the
// private keys, and checks the public keys against the received path.
func (d *TreeSyncDiff) derivePathKeys(dp []nodeIndex, secrets [][]byte, expect []UpdatePathNode) error {
	cs := d.tree.suite
	for i, x := range dp {
		if secrets[i] == nil {
			continue
		}
		pub, priv, err := cs.deriveHPKEKeyPair(cs.deriveSecret(secrets[i], "node"))
		if err != nil {
			return err
		}
		if expect != nil && !bytes.Equal(pub, expect[i].PublicKey) {
			return fmt.Errorf("%w: derived path key does not match update path", ErrPathDecryptionFailed)
		}
		d.newPriv[x] = priv
	}
	return nil
}

// DecryptPath recovers the path secrets of a received update path.
// For the lowest common ancestor of the sender and the local leaf, the
// sibling subtree containing us is resolved (skipping blanks and
// excluded leaves) and the first ciphertext addressed to a key we hold
// is opened; the chain is then derived up to the commit secret.
func (d *TreeSyncDiff) DecryptPath(path *UpdatePath, sender leafIndex, excl exclusionList, context []byte) (secrets [][]byte, commitSecret []byte, err error) {
	cs := d.tree.suite
	senderNode := toNodeIndex(sender)
	dp := directPath(senderNode, d.size)
	if len(path.Nodes) != len(dp) {
		return nil, nil, fmt.Errorf("update path length %d, direct path length %d", len(path.Nodes), len(dp))
	}

	ownNode := toNodeIndex(d.tree.ownLeafIndex)
	common := commonAncestor(senderNode, ownNode, d.size)
	commonIdx := -1
	for i, x := range dp {
		if x == common {
			commonIdx = i
			break
		}
	}
	if commonIdx < 0 {
		return nil, nil, fmt.Errorf("%w: own leaf not under sender path", ErrLibrary)
	}

	child := senderNode
	if commonIdx > 0 {
		child = dp[commonIdx-1]
	}
	res := d.filteredResolution(sibling(child, d.size), excl)
	cts := path.Nodes[commonIdx].EncryptedPathSecrets
	if len(res) != len(cts) {
		return nil, nil, fmt.Errorf("resolution size %d, ciphertext count %d", len(res), len(cts))
	}

	var pathSecret []byte
	for i, r := range res {
		priv := d.privKeyFor(r)
		if priv == nil {
			continue
		}
		pt, err := cs.hpkeOpen(priv, cts[i].KEMOutput, context, nil, cts[i].Ciphertext)
		if err != nil {
			continue
		}
		pathSecret = pt
		break
	}
	if pathSecret == nil {
		return nil, nil, ErrPathDecryptionFailed
	}

	secrets, commitSecret = d.pathSecrets(dp, commonIdx, pathSecret)
	if err := d.derivePathKeys(dp, secrets, path.Nodes); err != nil {
		return nil, nil, err
	}
	return secrets, commitSecret, nil
}

func (d *TreeSyncDiff) privKeyFor(x nodeIndex) []byte {
	if priv, ok := d.newPriv[x]; ok {
		return priv
	}
	if priv, ok := d.tree.privKeys[x]; ok {
		return priv
	}
	return nil
}

// ApplyReceivedUpdatePath overwrites the sender leaf and fills each
// direct-path parent with the received public key, then validates the
// parent-hash chain from the root down to the sender's leaf.
func (d *TreeSyncDiff) ApplyReceivedUpdatePath(sender leafIndex, path *UpdatePath) error {
	senderNode := toNodeIndex(sender)
	dp := directPath(senderNode, d.size)
	if len(path.Nodes) != len(dp) {
		return fmt.Errorf("update path length %d, direct path length %d", len(path.Nodes), len(dp))
	}

	for i, x := range dp {
		d.setParent(x, &ParentNode{PublicKey: dup(path.Nodes[i].PublicKey)})
	}
	hashes := d.parentHashChain(sender, dp)
	for i, x := range dp {
		d.nodeAt(x).parent.ParentHash = hashes[i]
	}
	leaf := path.LeafNode.clone()
	if !bytes.Equal(leaf.ParentHash, d.leafParentHash(sender, dp, hashes)) {
		return ErrParentHashMismatch
	}
	d.setLeaf(sender, leaf)
	return nil
}

// parentHashChain computes the stored parent hash for each node on a
// direct path, top down. The root's hash commits to nothing above it.
func (d *TreeSyncDiff) parentHashChain(sender leafIndex, dp []nodeIndex) [][]byte {
	cs := d.tree.suite
	hashes := make([][]byte, len(dp))
	for i := len(dp) - 1; i >= 0; i-- {
		if i == len(dp)-1 {
			hashes[i] = []byte{}
			continue
		}
		parentPub := d.nodeAt(dp[i+1]).parent.PublicKey
		sib := sibling(dp[i], d.size)
		hashes[i] = cs.hash(concat(parentPub, hashes[i+1], d.resolutionKeys(sib)))
	}
	return hashes
}

// leafParentHash is the hash the sender's new leaf must declare: it
// commits to the lowest parent on the path.
func (d *TreeSyncDiff) leafParentHash(sender leafIndex, dp []nodeIndex, hashes [][]byte) []byte {
	if len(dp) == 0 {
		return []byte{}
	}
	cs := d.tree.suite
	parentPub := d.nodeAt(dp[0]).parent.PublicKey
	sib := sibling(toNodeIndex(sender), d.size)
	return cs.hash(concat(parentPub, hashes[0], d.resolutionKeys(sib)))
}

// resolutionKeys concatenates the public keys of a subtree's
// resolution, the original-child-resolution input to parent hashing.
func (d *TreeSyncDiff) resolutionKeys(x nodeIndex) []byte {
	var out []byte
	for _, r := range resolution(d.nodeAt, d.size, x) {
		tn := d.nodeAt(r)
		if tn.leaf != nil {
			out = append(out, tn.leaf.EncryptionKey...)
		} else if tn.parent != nil {
			out = append(out, tn.parent.PublicKey...)
		}
	}
	return out
}

func concat(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

// ApplyOwnUpdatePath generates a fresh update path for the local leaf
// from the bundle's leaf secret, encrypting each path secret to the
// filtered resolution of the corresponding copath subtree.
func (d *TreeSyncDiff) ApplyOwnUpdatePath(bundle *KeyPackageBundle, groupID []byte, excl exclusionList, context []byte) (*UpdatePath, []byte, error) {
	cs := d.tree.suite
	own := d.tree.ownLeafIndex
	ownNode := toNodeIndex(own)
	dp := directPath(ownNode, d.size)

	secrets, commitSecret := d.pathSecrets(dp, 0, cs.deriveSecret(bundle.LeafSecret, "path"))
	nodes := make([]UpdatePathNode, len(dp))
	for i, x := range dp {
		pub, priv, err := cs.deriveHPKEKeyPair(cs.deriveSecret(secrets[i], "node"))
		if err != nil {
			return nil, nil, err
		}
		d.setParent(x, &ParentNode{PublicKey: pub})
		d.newPriv[x] = priv
		nodes[i] = UpdatePathNode{PublicKey: pub}
	}

	hashes := d.parentHashChain(own, dp)
	for i, x := range dp {
		d.nodeAt(x).parent.ParentHash = hashes[i]
	}

	leaf := bundle.KeyPackage.LeafNode.clone()
	leaf.Source = leafNodeSourceCommit
	leaf.Lifetime = Lifetime{}
	leaf.ParentHash = d.leafParentHash(own, dp, hashes)
	if err := leaf.sign(cs, bundle.SignaturePrivateKey, groupID, own); err != nil {
		return nil, nil, err
	}
	d.setLeaf(own, leaf)
	d.newPriv[ownNode] = dup(bundle.EncryptionPrivateKey)

	// Encrypt each path secret to the resolution of the copath child.
	for i := range dp {
		child := ownNode
		if i > 0 {
			child = dp[i-1]
		}
		for _, r := range d.filteredResolution(sibling(child, d.size), excl) {
			tn := d.nodeAt(r)
			var pk []byte
			if tn.leaf != nil {
				pk = tn.leaf.EncryptionKey
			} else {
				pk = tn.parent.PublicKey
			}
			kem, ct, err := cs.hpkeSeal(pk, context, nil, secrets[i])
			if err != nil {
				return nil, nil, fmt.Errorf("encrypt path secret: %w", err)
			}
			nodes[i].EncryptedPathSecrets = append(nodes[i].EncryptedPathSecrets, HPKECiphertext{KEMOutput: kem, Ciphertext: ct})
		}
	}

	return &UpdatePath{LeafNode: *leaf.clone(), Nodes: nodes}, commitSecret, nil
}

// ReApplyOwnUpdatePath deterministically replays the path generation
// for our own commit so transient path secrets need not be stored.
func (d *TreeSyncDiff) ReApplyOwnUpdatePath(bundle *KeyPackageBundle, path *UpdatePath) ([]byte, error) {
	cs := d.tree.suite
	own := d.tree.ownLeafIndex
	ownNode := toNodeIndex(own)
	dp := directPath(ownNode, d.size)
	if len(path.Nodes) != len(dp) {
		return nil, fmt.Errorf("update path length %d, direct path length %d", len(path.Nodes), len(dp))
	}

	secrets, commitSecret := d.pathSecrets(dp, 0, cs.deriveSecret(bundle.LeafSecret, "path"))
	if err := d.derivePathKeys(dp, secrets, path.Nodes); err != nil {
		return nil, err
	}
	for i, x := range dp {
		d.setParent(x, &ParentNode{PublicKey: dup(path.Nodes[i].PublicKey)})
	}
	hashes := d.parentHashChain(own, dp)
	for i, x := range dp {
		d.nodeAt(x).parent.ParentHash = hashes[i]
	}
	d.setLeaf(own, path.LeafNode.clone())
	d.newPriv[ownNode] = dup(bundle.EncryptionPrivateKey)
	return commitSecret, nil
}

// ComputeTreeHashes recomputes the canonical tree hash under the
// overlay.
func (d *TreeSyncDiff) ComputeTreeHashes() ([]byte, error) {
	return computeTreeHash(d.tree.suite, d.nodeAt, d.size)
}

// StagedTreeSyncDiff is a finalized diff: hash-committed, no further
// edits, consumed exactly once by TreeSync.MergeDiff.
type StagedTreeSyncDiff struct {
	size     leafCount
	overlay  map[nodeIndex]*treeNode
	newPriv  map[nodeIndex][]byte
	treeHash []byte
	merged   bool
}

// IntoStagedDiff finalizes the diff.
func (d *TreeSyncDiff) IntoStagedDiff() (*StagedTreeSyncDiff, error) {
	th, err := d.ComputeTreeHashes()
	if err != nil {
		return nil, err
	}
	return &StagedTreeSyncDiff{
		size:     d.size,
		overlay:  d.overlay,
		newPriv:  d.newPriv,
		treeHash: th,
	}, nil
}
