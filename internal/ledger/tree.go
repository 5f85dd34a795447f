// tree.go - Fixed-depth Merkle tree over account leaves.
//
// The tree keeps every level in memory: nodes[0] holds the leaf hashes and nodes[depth]
// holds the single root. A Tree is never modified after Build; Set copies.

package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/bits"
	"os"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
)

// DefaultMaxDepth bounds the tree height accepted by Build when callers have no opinion.
const DefaultMaxDepth = 20

var (
	ErrInvalidLeafCount = errors.New("ledger: leaf count must be a power of two within the maximum depth")
	ErrIndexOutOfRange  = errors.New("ledger: leaf index out of range")
)

// Tree is an immutable Merkle commitment over 2^depth leaves.
type Tree struct {
	leaves []Leaf
	nodes  [][]fr.Element
}

// Build commits to the given leaves. The number of leaves must be a power of two and its
// base-2 logarithm must not exceed maxDepth.
func Build(leaves []Leaf, maxDepth int) (*Tree, error) {
	n := len(leaves)
	if n == 0 || n&(n-1) != 0 {
		return nil, fmt.Errorf("%w: got %d leaves", ErrInvalidLeafCount, n)
	}
	depth := bits.TrailingZeros(uint(n))
	if depth > maxDepth {
		return nil, fmt.Errorf("%w: depth %d exceeds maximum %d", ErrInvalidLeafCount, depth, maxDepth)
	}

	t := &Tree{
		leaves: make([]Leaf, n),
		nodes:  make([][]fr.Element, depth+1),
	}
	copy(t.leaves, leaves)

	t.nodes[0] = make([]fr.Element, n)
	for i := range leaves {
		t.nodes[0][i] = leaves[i].Hash()
	}
	for level := 1; level <= depth; level++ {
		below := t.nodes[level-1]
		cur := make([]fr.Element, len(below)/2)
		for i := range cur {
			cur[i] = hashNode(below[2*i], below[2*i+1])
		}
		t.nodes[level] = cur
	}
	return t, nil
}

// BuildFromBalances is a shorthand for Build(LeavesFromBalances(balances), maxDepth).
func BuildFromBalances(balances []uint64, maxDepth int) (*Tree, error) {
	return Build(LeavesFromBalances(balances), maxDepth)
}

// Root returns the root as four words.
func (t *Tree) Root() Digest {
	return DigestOf(t.RootElement())
}

// RootElement returns the root as a field element.
func (t *Tree) RootElement() fr.Element {
	return t.nodes[len(t.nodes)-1][0]
}

// Depth returns log2 of the leaf count.
func (t *Tree) Depth() int {
	return len(t.nodes) - 1
}

// Len returns the number of leaves.
func (t *Tree) Len() int {
	return len(t.leaves)
}

// Get returns the leaf at index.
func (t *Tree) Get(index uint64) (Leaf, error) {
	if index >= uint64(len(t.leaves)) {
		return Leaf{}, fmt.Errorf("%w: index %d, %d leaves", ErrIndexOutOfRange, index, len(t.leaves))
	}
	return t.leaves[index], nil
}

// Set returns a new tree with the leaf at index replaced. The receiver is not modified.
// Writing a leaf equal to the current one yields a tree with the same root.
func (t *Tree) Set(index uint64, leaf Leaf) (*Tree, error) {
	if index >= uint64(len(t.leaves)) {
		return nil, fmt.Errorf("%w: index %d, %d leaves", ErrIndexOutOfRange, index, len(t.leaves))
	}

	next := &Tree{
		leaves: make([]Leaf, len(t.leaves)),
		nodes:  make([][]fr.Element, len(t.nodes)),
	}
	copy(next.leaves, t.leaves)
	for level := range t.nodes {
		next.nodes[level] = make([]fr.Element, len(t.nodes[level]))
		copy(next.nodes[level], t.nodes[level])
	}

	next.leaves[index] = leaf
	pos := index
	next.nodes[0][pos] = leaf.Hash()
	for level := 1; level < len(next.nodes); level++ {
		pos >>= 1
		below := next.nodes[level-1]
		next.nodes[level][pos] = hashNode(below[2*pos], below[2*pos+1])
	}
	return next, nil
}

// Path returns the authentication path of the leaf at index: the sibling at every level,
// from the leaf level up to (excluding) the root.
func (t *Tree) Path(index uint64) ([]fr.Element, error) {
	if index >= uint64(len(t.leaves)) {
		return nil, fmt.Errorf("%w: index %d, %d leaves", ErrIndexOutOfRange, index, len(t.leaves))
	}
	path := make([]fr.Element, t.Depth())
	pos := index
	for level := 0; level < t.Depth(); level++ {
		path[level] = t.nodes[level][pos^1]
		pos >>= 1
	}
	return path, nil
}

// PathRoot folds a leaf and its authentication path into the root they commit to.
// Bit i of index selects whether the running node is the right child at level i.
func PathRoot(leaf Leaf, index uint64, path []fr.Element) fr.Element {
	cur := leaf.Hash()
	for level, sibling := range path {
		if (index>>uint(level))&1 == 1 {
			cur = hashNode(sibling, cur)
		} else {
			cur = hashNode(cur, sibling)
		}
	}
	return cur
}

// VerifyPath reports whether leaf sits at index under root.
func VerifyPath(root fr.Element, leaf Leaf, index uint64, path []fr.Element) bool {
	if len(path) < 64 && index>>uint(len(path)) != 0 {
		return false
	}
	got := PathRoot(leaf, index, path)
	return got.Equal(&root)
}

// Leaves returns a copy of the leaves in index order.
func (t *Tree) Leaves() []Leaf {
	out := make([]Leaf, len(t.leaves))
	copy(out, t.leaves)
	return out
}

// Balances returns element 0 of every leaf. ok is false if any balance exceeds 64 bits.
func (t *Tree) Balances() (balances []uint64, ok bool) {
	balances = make([]uint64, len(t.leaves))
	for i, l := range t.leaves {
		b, fits := l.Balance()
		if !fits {
			return nil, false
		}
		balances[i] = b
	}
	return balances, true
}

// snapshot is the on-disk form of a tree: leaves as decimal strings, element by element.
type snapshot struct {
	Depth  int                 `json:"depth"`
	Root   string              `json:"root"`
	Leaves [][LeafWidth]string `json:"leaves"`
}

// SaveToFile writes the leaves (and, for reference, the root) as indented JSON.
// Overwrites the file if it exists.
func (t *Tree) SaveToFile(path string) error {
	snap := snapshot{
		Depth:  t.Depth(),
		Root:   t.Root().String(),
		Leaves: make([][LeafWidth]string, len(t.leaves)),
	}
	for i, l := range t.leaves {
		for j := range l {
			snap.Leaves[i][j] = l[j].String()
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	return enc.Encode(&snap)
}

// LoadTreeFromFile reads a snapshot written by SaveToFile and rebuilds the tree.
// The stored root is checked against the rebuilt one.
func LoadTreeFromFile(path string, maxDepth int) (*Tree, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var snap snapshot
	if err := json.NewDecoder(f).Decode(&snap); err != nil {
		return nil, fmt.Errorf("decode ledger snapshot: %w", err)
	}
	leaves := make([]Leaf, len(snap.Leaves))
	for i, elems := range snap.Leaves {
		for j, s := range elems {
			if _, err := leaves[i][j].SetString(s); err != nil {
				return nil, fmt.Errorf("leaf %d element %d: %w", i, j, err)
			}
		}
	}
	t, err := Build(leaves, maxDepth)
	if err != nil {
		return nil, err
	}
	if snap.Root != "" && snap.Root != t.Root().String() {
		return nil, fmt.Errorf("ledger snapshot root mismatch: file %s, rebuilt %s", snap.Root, t.Root())
	}
	return t, nil
}
