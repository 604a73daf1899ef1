package mls

import (
	"bytes"
	"crypto/ed25519"
	"errors"
	"testing"
)

func testBundle(t *testing.T, identity string) *KeyPackageBundle {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	bundle, err := NewKeyPackageBundle(testSuite, []byte(identity), priv)
	if err != nil {
		t.Fatal(err)
	}
	return bundle
}

func TestNewTreeSync(t *testing.T) {
	bundle := testBundle(t, "alice")
	tree, commitSecret, err := newTreeSync(testSuite, bundle)
	if err != nil {
		t.Fatal(err)
	}
	if tree.Size() != 1 || tree.LeafCount() != 1 {
		t.Errorf("size = %d, leaf count = %d, want 1, 1", tree.Size(), tree.LeafCount())
	}
	if tree.OwnLeafIndex() != 0 {
		t.Errorf("own leaf index = %d, want 0", tree.OwnLeafIndex())
	}
	if len(commitSecret) != secretSize {
		t.Errorf("commit secret length = %d, want %d", len(commitSecret), secretSize)
	}
	if len(tree.TreeHash()) != hashSize {
		t.Errorf("tree hash length = %d, want %d", len(tree.TreeHash()), hashSize)
	}
}

func TestDiffAddLeafExtendsTree(t *testing.T) {
	bundle := testBundle(t, "alice")
	tree, _, err := newTreeSync(testSuite, bundle)
	if err != nil {
		t.Fatal(err)
	}

	diff := tree.EmptyDiff()
	bob := testBundle(t, "bob")
	index, err := diff.AddLeaf(bob.KeyPackage.LeafNode.clone())
	if err != nil {
		t.Fatal(err)
	}
	if index != 1 {
		t.Errorf("added leaf index = %d, want 1", index)
	}
	if diff.size != 2 {
		t.Errorf("diff size = %d, want 2", diff.size)
	}
	if diff.leafCount() != 2 {
		t.Errorf("leaf count = %d, want 2", diff.leafCount())
	}
}

func TestDiffAddLeafLeftmostBlank(t *testing.T) {
	tree := fourLeafTree(t)
	diff := tree.EmptyDiff()
	if err := diff.RemoveLeaf(1); err != nil {
		t.Fatal(err)
	}
	dave := testBundle(t, "dave")
	index, err := diff.AddLeaf(dave.KeyPackage.LeafNode.clone())
	if err != nil {
		t.Fatal(err)
	}
	if index != 1 {
		t.Errorf("added leaf index = %d, want leftmost blank 1", index)
	}
}

// fourLeafTree builds a tree with three occupied leaves in four slots.
func fourLeafTree(t *testing.T) *TreeSync {
	t.Helper()
	tree, _, err := newTreeSync(testSuite, testBundle(t, "alice"))
	if err != nil {
		t.Fatal(err)
	}
	diff := tree.EmptyDiff()
	for _, name := range []string{"bob", "carol"} {
		if _, err := diff.AddLeaf(testBundle(t, name).KeyPackage.LeafNode.clone()); err != nil {
			t.Fatal(err)
		}
	}
	staged, err := diff.IntoStagedDiff()
	if err != nil {
		t.Fatal(err)
	}
	if err := tree.MergeDiff(staged); err != nil {
		t.Fatal(err)
	}
	return tree
}

func TestDiffRemoveLeafBlanksPath(t *testing.T) {
	tree := fourLeafTree(t)
	diff := tree.EmptyDiff()
	if err := diff.RemoveLeaf(2); err != nil {
		t.Fatal(err)
	}
	if !diff.nodeAt(toNodeIndex(2)).blank() {
		t.Error("removed leaf not blank")
	}
	for _, x := range directPath(toNodeIndex(2), diff.size) {
		if !diff.nodeAt(x).blank() {
			t.Errorf("direct path node %d not blank", x)
		}
	}
	if err := diff.RemoveLeaf(3); !errors.Is(err, ErrLeafNotInTree) {
		t.Errorf("removing blank leaf: err = %v, want ErrLeafNotInTree", err)
	}
}

func TestDroppedDiffLeavesTreeUntouched(t *testing.T) {
	tree := fourLeafTree(t)
	before := dup(tree.TreeHash())
	leaves := tree.LeafCount()

	diff := tree.EmptyDiff()
	if err := diff.RemoveLeaf(1); err != nil {
		t.Fatal(err)
	}
	if _, err := diff.ComputeTreeHashes(); err != nil {
		t.Fatal(err)
	}
	// Drop the diff without merging.
	if !bytes.Equal(tree.TreeHash(), before) || tree.LeafCount() != leaves {
		t.Fatal("dropped diff mutated the live tree")
	}
}

func TestTreeHashChangesWithContent(t *testing.T) {
	tree := fourLeafTree(t)
	diff := tree.EmptyDiff()
	if err := diff.RemoveLeaf(1); err != nil {
		t.Fatal(err)
	}
	changed, err := diff.ComputeTreeHashes()
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(changed, tree.TreeHash()) {
		t.Fatal("tree hash unchanged after removal")
	}
}

func TestResolutionSkipsBlanks(t *testing.T) {
	tree := fourLeafTree(t)
	// Leaves 0..2 occupied, leaf 3 blank, all parents blank.
	res := resolution(tree.nodeAt, tree.size, root(tree.size))
	want := []nodeIndex{0, 2, 4}
	if len(res) != len(want) {
		t.Fatalf("resolution = %v, want %v", res, want)
	}
	for i := range want {
		if res[i] != want[i] {
			t.Fatalf("resolution = %v, want %v", res, want)
		}
	}
}

func TestExportNodesRoundTrip(t *testing.T) {
	tree := fourLeafTree(t)
	nodes := tree.ExportNodes()
	restored, err := treeSyncFromNodes(testSuite, nodes)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(restored.TreeHash(), tree.TreeHash()) {
		t.Fatal("tree hash differs after node export round trip")
	}
}
