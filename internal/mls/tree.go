package mls

import (
	"fmt"
	"io"

	"golang.org/x/crypto/cryptobyte"
)

// NodeType tags exported tree nodes.
type NodeType uint8

const (
	NodeTypeLeaf   NodeType = 1
	NodeTypeParent NodeType = 2
)

// ParentNode is an interior tree node holding a shared public key.
// Leaves listed in UnmergedLeaves were added below this node after its
// key was last rotated and do not know its private key.
type ParentNode struct {
	PublicKey      []byte
	ParentHash     []byte
	UnmergedLeaves []uint32
}

func (pn *ParentNode) marshal(b *cryptobyte.Builder) {
	writeOpaqueVec(b, pn.PublicKey)
	writeOpaqueVec(b, pn.ParentHash)
	writeUint32Vec(b, pn.UnmergedLeaves)
}

func (pn *ParentNode) unmarshal(s *cryptobyte.String) error {
	*pn = ParentNode{}
	if !readOpaqueVec(s, &pn.PublicKey) || !readOpaqueVec(s, &pn.ParentHash) {
		return io.ErrUnexpectedEOF
	}
	return readUint32Vec(s, &pn.UnmergedLeaves)
}

func (pn *ParentNode) clone() *ParentNode {
	return &ParentNode{
		PublicKey:      dup(pn.PublicKey),
		ParentHash:     dup(pn.ParentHash),
		UnmergedLeaves: append([]uint32(nil), pn.UnmergedLeaves...),
	}
}

// Node is an exported tree slot, as carried by the ratchet tree
// extension.
type Node struct {
	Type   NodeType
	Leaf   *LeafNode
	Parent *ParentNode
}

func (n *Node) marshal(b *cryptobyte.Builder) {
	b.AddUint8(uint8(n.Type))
	switch n.Type {
	case NodeTypeLeaf:
		n.Leaf.marshal(b)
	case NodeTypeParent:
		n.Parent.marshal(b)
	}
}

func (n *Node) unmarshal(s *cryptobyte.String) error {
	*n = Node{}
	var t uint8
	if !s.ReadUint8(&t) {
		return io.ErrUnexpectedEOF
	}
	n.Type = NodeType(t)
	switch n.Type {
	case NodeTypeLeaf:
		n.Leaf = new(LeafNode)
		return n.Leaf.unmarshal(s)
	case NodeTypeParent:
		n.Parent = new(ParentNode)
		return n.Parent.unmarshal(s)
	default:
		return fmt.Errorf("unknown node type %d", t)
	}
}

// treeNode is one slot of the node array. Both fields nil means blank.
type treeNode struct {
	leaf   *LeafNode
	parent *ParentNode
}

func (tn *treeNode) blank() bool { return tn.leaf == nil && tn.parent == nil }

// Member is a read-only view of an occupied leaf.
type Member struct {
	Index         uint32
	Identity      []byte
	EncryptionKey []byte
	SignatureKey  []byte
}

// TreeSync is the group's replicated ratchet tree: a left-balanced
// binary tree over 2n-1 array slots for n leaves, n a power of two.
// Mutation happens exclusively through diffs.
type TreeSync struct {
	suite        Ciphersuite
	size         leafCount
	nodes        []treeNode
	ownLeafIndex leafIndex
	privKeys     map[nodeIndex][]byte
	treeHash     []byte
}

// newTreeSync founds a single-leaf tree from the creator's key package
// bundle and returns the founding commit secret.
func newTreeSync(cs Ciphersuite, bundle *KeyPackageBundle) (*TreeSync, []byte, error) {
	t := &TreeSync{
		suite:        cs,
		size:         1,
		nodes:        make([]treeNode, 1),
		ownLeafIndex: 0,
		privKeys:     map[nodeIndex][]byte{0: dup(bundle.EncryptionPrivateKey)},
	}
	t.nodes[0].leaf = bundle.KeyPackage.LeafNode.clone()
	th, err := computeTreeHash(cs, t.nodeAt, t.size)
	if err != nil {
		return nil, nil, err
	}
	t.treeHash = th
	commitSecret := cs.deriveSecret(bundle.LeafSecret, "path")
	return t, commitSecret, nil
}

func (t *TreeSync) nodeAt(x nodeIndex) *treeNode {
	if uint32(x) < uint32(len(t.nodes)) {
		return &t.nodes[x]
	}
	return &treeNode{}
}

// Size returns the number of leaf slots (a power of two).
func (t *TreeSync) Size() uint32 { return uint32(t.size) }

// LeafCount returns the number of occupied leaves.
func (t *TreeSync) LeafCount() uint32 {
	var n uint32
	for i := leafIndex(0); i < leafIndex(t.size); i++ {
		if t.nodeAt(toNodeIndex(i)).leaf != nil {
			n++
		}
	}
	return n
}

// Leaf returns the leaf node at an index, nil if blank.
func (t *TreeSync) Leaf(i uint32) (*LeafNode, error) {
	if i >= uint32(t.size) {
		return nil, ErrLeafNotInTree
	}
	return t.nodeAt(toNodeIndex(leafIndex(i))).leaf, nil
}

// LeafIsInTree reports whether the index refers to an occupied leaf.
func (t *TreeSync) LeafIsInTree(i uint32) bool {
	leaf, err := t.Leaf(i)
	return err == nil && leaf != nil
}

// OwnLeafIndex returns the local member's leaf index.
func (t *TreeSync) OwnLeafIndex() uint32 { return uint32(t.ownLeafIndex) }

// OwnLeafNode returns the local member's leaf.
func (t *TreeSync) OwnLeafNode() (*LeafNode, error) {
	leaf, err := t.Leaf(uint32(t.ownLeafIndex))
	if err != nil {
		return nil, err
	}
	if leaf == nil {
		return nil, fmt.Errorf("%w: own leaf blank", ErrLibrary)
	}
	return leaf, nil
}

// TreeHash returns the current canonical tree hash.
func (t *TreeSync) TreeHash() []byte { return t.treeHash }

// FullLeaves returns the indexes of all occupied leaves, left to right.
func (t *TreeSync) FullLeaves() []uint32 {
	var out []uint32
	for i := uint32(0); i < uint32(t.size); i++ {
		if t.nodeAt(toNodeIndex(leafIndex(i))).leaf != nil {
			out = append(out, i)
		}
	}
	return out
}

// Members returns a snapshot of all occupied leaves.
func (t *TreeSync) Members() []Member {
	var out []Member
	for _, i := range t.FullLeaves() {
		leaf := t.nodeAt(toNodeIndex(leafIndex(i))).leaf
		out = append(out, Member{
			Index:         i,
			Identity:      dup(leaf.Credential.Identity),
			EncryptionKey: dup(leaf.EncryptionKey),
			SignatureKey:  dup(leaf.Credential.SignatureKey),
		})
	}
	return out
}

// ExportNodes exports the public tree, one optional node per slot.
func (t *TreeSync) ExportNodes() []*Node {
	out := make([]*Node, nodeWidth(t.size))
	for x := range out {
		tn := t.nodeAt(nodeIndex(x))
		switch {
		case tn.leaf != nil:
			out[x] = &Node{Type: NodeTypeLeaf, Leaf: tn.leaf.clone()}
		case tn.parent != nil:
			out[x] = &Node{Type: NodeTypeParent, Parent: tn.parent.clone()}
		}
	}
	return out
}

// EmptyDiff starts a mutation overlay on the tree.
func (t *TreeSync) EmptyDiff() *TreeSyncDiff {
	return &TreeSyncDiff{
		tree:    t,
		size:    t.size,
		overlay: make(map[nodeIndex]*treeNode),
		newPriv: make(map[nodeIndex][]byte),
	}
}

// MergeDiff writes a staged diff back into the tree.
func (t *TreeSync) MergeDiff(staged *StagedTreeSyncDiff) error {
	if staged == nil || staged.merged {
		return fmt.Errorf("%w: staged diff reused", ErrLibrary)
	}
	staged.merged = true

	if staged.size != t.size {
		grown := make([]treeNode, nodeWidth(staged.size))
		copy(grown, t.nodes)
		t.nodes = grown
		t.size = staged.size
	}
	for x, tn := range staged.overlay {
		// Private keys for replaced or blanked slots are stale.
		if old, ok := t.privKeys[x]; ok {
			if _, fresh := staged.newPriv[x]; !fresh {
				zeroize(old)
				delete(t.privKeys, x)
			}
		}
		t.nodes[x] = *tn
	}
	for x, priv := range staged.newPriv {
		t.privKeys[x] = priv
	}
	t.treeHash = staged.treeHash
	return nil
}

// marshal serializes the public nodes plus the local private state.
func (t *TreeSync) marshal(b *cryptobyte.Builder) {
	b.AddUint32(uint32(t.size))
	b.AddUint32(uint32(t.ownLeafIndex))
	nodes := t.ExportNodes()
	writeVector(b, len(nodes), func(b *cryptobyte.Builder, i int) {
		writeOptional(b, nodes[i] != nil)
		if nodes[i] != nil {
			nodes[i].marshal(b)
		}
	})
	marshalPrivKeyMap(b, t.privKeys)
}

func (t *TreeSync) unmarshal(s *cryptobyte.String, cs Ciphersuite) error {
	var size, own uint32
	if !s.ReadUint32(&size) || !s.ReadUint32(&own) {
		return io.ErrUnexpectedEOF
	}
	t.suite = cs
	t.size = leafCount(size)
	t.ownLeafIndex = leafIndex(own)
	t.nodes = make([]treeNode, nodeWidth(t.size))
	idx := 0
	err := readVector(s, func(s *cryptobyte.String) error {
		var present bool
		if !readOptional(s, &present) {
			return io.ErrUnexpectedEOF
		}
		if idx >= len(t.nodes) {
			return fmt.Errorf("node list longer than tree")
		}
		if present {
			var n Node
			if err := n.unmarshal(s); err != nil {
				return err
			}
			switch n.Type {
			case NodeTypeLeaf:
				t.nodes[idx].leaf = n.Leaf
			case NodeTypeParent:
				t.nodes[idx].parent = n.Parent
			}
		}
		idx++
		return nil
	})
	if err != nil {
		return err
	}
	if t.privKeys, err = unmarshalPrivKeyMap(s); err != nil {
		return err
	}
	th, err := computeTreeHash(cs, t.nodeAt, t.size)
	if err != nil {
		return err
	}
	t.treeHash = th
	return nil
}

func marshalPrivKeyMap(b *cryptobyte.Builder, m map[nodeIndex][]byte) {
	idxs := make([]uint32, 0, len(m))
	for x := range m {
		idxs = append(idxs, uint32(x))
	}
	sortUint32(idxs)
	writeVector(b, len(idxs), func(b *cryptobyte.Builder, i int) {
		b.AddUint32(idxs[i])
		writeOpaqueVec(b, m[nodeIndex(idxs[i])])
	})
}

func unmarshalPrivKeyMap(s *cryptobyte.String) (map[nodeIndex][]byte, error) {
	m := make(map[nodeIndex][]byte)
	err := readVector(s, func(s *cryptobyte.String) error {
		var idx uint32
		var priv []byte
		if !s.ReadUint32(&idx) || !readOpaqueVec(s, &priv) {
			return io.ErrUnexpectedEOF
		}
		m[nodeIndex(idx)] = priv
		return nil
	})
	return m, err
}

func sortUint32(v []uint32) {
	for i := 1; i < len(v); i++ {
		for j := i; j > 0 && v[j-1] > v[j]; j-- {
			v[j-1], v[j] = v[j], v[j-1]
		}
	}
}

// resolution returns the set of node indexes representing a subtree's
// current receivers: an occupied parent plus its unmerged leaves, the
// concatenated child resolutions of a blank parent, an occupied leaf
// itself, and nothing for a blank leaf.
func resolution(nodeAt func(nodeIndex) *treeNode, size leafCount, x nodeIndex) []nodeIndex {
	tn := nodeAt(x)
	if isLeafNodeIndex(x) {
		if tn.leaf == nil {
			return nil
		}
		return []nodeIndex{x}
	}
	if tn.parent != nil {
		out := []nodeIndex{x}
		for _, ul := range tn.parent.UnmergedLeaves {
			out = append(out, toNodeIndex(leafIndex(ul)))
		}
		return out
	}
	return append(resolution(nodeAt, size, left(x)), resolution(nodeAt, size, right(x))...)
}

// computeTreeHash hashes the canonical serialization of every node
// slot into a Merkle digest rooted at the tree root.
func computeTreeHash(cs Ciphersuite, nodeAt func(nodeIndex) *treeNode, size leafCount) ([]byte, error) {
	return treeHashNode(cs, nodeAt, size, root(size))
}

func treeHashNode(cs Ciphersuite, nodeAt func(nodeIndex) *treeNode, size leafCount, x nodeIndex) ([]byte, error) {
	var b cryptobyte.Builder
	tn := nodeAt(x)
	if isLeafNodeIndex(x) {
		b.AddUint8(uint8(NodeTypeLeaf))
		b.AddUint32(uint32(toLeafIndex(x)))
		writeOptional(&b, tn.leaf != nil)
		if tn.leaf != nil {
			tn.leaf.marshal(&b)
		}
	} else {
		leftHash, err := treeHashNode(cs, nodeAt, size, left(x))
		if err != nil {
			return nil, err
		}
		rightHash, err := treeHashNode(cs, nodeAt, size, right(x))
		if err != nil {
			return nil, err
		}
		b.AddUint8(uint8(NodeTypeParent))
		writeOptional(&b, tn.parent != nil)
		if tn.parent != nil {
			tn.parent.marshal(&b)
		}
		writeOpaqueVec(&b, leftHash)
		writeOpaqueVec(&b, rightHash)
	}
	input, err := b.Bytes()
	if err != nil {
		return nil, fmt.Errorf("tree hash input: %w", err)
	}
	return cs.hash(input), nil
}
