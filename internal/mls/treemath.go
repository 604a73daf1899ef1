package mls

// Array-backed left-balanced binary tree math. A tree with n leaves
// (n a power of two) occupies 2n-1 node slots; leaf i sits at slot 2i
// and parents sit at the odd slots between their children.

type leafIndex uint32
type nodeIndex uint32
type leafCount uint32

func toNodeIndex(l leafIndex) nodeIndex { return nodeIndex(2 * l) }

func toLeafIndex(n nodeIndex) leafIndex { return leafIndex(n / 2) }

func isLeafNodeIndex(n nodeIndex) bool { return n%2 == 0 }

// nodeWidth returns the number of node slots for n leaves.
func nodeWidth(n leafCount) uint32 {
	if n == 0 {
		return 0
	}
	return 2*uint32(n) - 1
}

func log2(x uint32) uint {
	k := uint(0)
	for (x >> k) > 0 {
		k++
	}
	return k - 1
}

// level returns the height of a node above the leaves.
func level(x nodeIndex) uint {
	if x&1 == 0 {
		return 0
	}
	k := uint(0)
	for (x>>k)&1 == 1 {
		k++
	}
	return k
}

func root(n leafCount) nodeIndex {
	w := nodeWidth(n)
	return nodeIndex(1<<log2(w)) - 1
}

func left(x nodeIndex) nodeIndex {
	return x ^ (1 << (level(x) - 1))
}

func right(x nodeIndex) nodeIndex {
	return x ^ (3 << (level(x) - 1))
}

func parent(x nodeIndex, n leafCount) nodeIndex {
	k := level(x)
	b := (x >> (k + 1)) & 1
	return (x | (1 << k)) ^ (b << (k + 1))
}

func sibling(x nodeIndex, n leafCount) nodeIndex {
	p := parent(x, n)
	if x < p {
		return right(p)
	}
	return left(p)
}

// directPath returns the parents of x from bottom to the root, inclusive.
func directPath(x nodeIndex, n leafCount) []nodeIndex {
	r := root(n)
	if x == r {
		return nil
	}
	var path []nodeIndex
	for x != r {
		x = parent(x, n)
		path = append(path, x)
	}
	return path
}

// copath returns the sibling of x and of each node on its direct path,
// excluding the root.
func copath(x nodeIndex, n leafCount) []nodeIndex {
	r := root(n)
	if x == r {
		return nil
	}
	var path []nodeIndex
	for x != r {
		path = append(path, sibling(x, n))
		x = parent(x, n)
	}
	return path
}

// commonAncestor returns the lowest node that is an ancestor of both x and y.
func commonAncestor(x, y nodeIndex, n leafCount) nodeIndex {
	for x != y {
		if level(x) < level(y) {
			x = parent(x, n)
		} else {
			y = parent(y, n)
		}
	}
	return x
}

// isAncestor reports whether a is an ancestor of x (or equal to it).
func isAncestor(a, x nodeIndex, n leafCount) bool {
	if a == x {
		return true
	}
	r := root(n)
	for x != r {
		x = parent(x, n)
		if x == a {
			return true
		}
	}
	return false
}
