package ledger

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/stretchr/testify/require"
)

func mustBuild(t *testing.T, balances ...uint64) *Tree {
	t.Helper()
	tree, err := BuildFromBalances(balances, DefaultMaxDepth)
	if err != nil {
		t.Fatalf("build failed: %v", err)
	}
	return tree
}

func TestBuild(t *testing.T) {
	t.Run("power of two", func(t *testing.T) {
		for _, n := range []int{1, 2, 4, 8, 16} {
			tree, err := Build(make([]Leaf, n), DefaultMaxDepth)
			if err != nil {
				t.Fatalf("n=%d: unexpected error %v", n, err)
			}
			if tree.Len() != n {
				t.Fatalf("n=%d: Len() = %d", n, tree.Len())
			}
			if 1<<tree.Depth() != n {
				t.Fatalf("n=%d: Depth() = %d", n, tree.Depth())
			}
		}
	})

	t.Run("invalid counts", func(t *testing.T) {
		for _, n := range []int{0, 3, 5, 6, 12} {
			_, err := Build(make([]Leaf, n), DefaultMaxDepth)
			if !errors.Is(err, ErrInvalidLeafCount) {
				t.Fatalf("n=%d: expected ErrInvalidLeafCount, got %v", n, err)
			}
		}
	})

	t.Run("depth above maximum", func(t *testing.T) {
		_, err := Build(make([]Leaf, 8), 2)
		require.ErrorIs(t, err, ErrInvalidLeafCount)
	})
}

func TestRootDeterminism(t *testing.T) {
	a := mustBuild(t, 20, 20, 20, 20)
	b := mustBuild(t, 20, 20, 20, 20)
	require.Equal(t, a.Root(), b.Root())

	c := mustBuild(t, 20, 20, 20, 21)
	require.NotEqual(t, a.Root(), c.Root())

	// positions matter
	d := mustBuild(t, 1, 2, 3, 4)
	e := mustBuild(t, 2, 1, 3, 4)
	require.NotEqual(t, d.Root(), e.Root())
}

func TestSet(t *testing.T) {
	tree := mustBuild(t, 20, 20, 20, 20)
	before := tree.Root()

	t.Run("no-op write keeps root", func(t *testing.T) {
		leaf, err := tree.Get(2)
		require.NoError(t, err)
		same, err := tree.Set(2, leaf)
		require.NoError(t, err)
		require.Equal(t, before, same.Root())
	})

	t.Run("write changes root and leaves receiver intact", func(t *testing.T) {
		next, err := tree.Set(2, NewLeaf(15))
		require.NoError(t, err)
		require.NotEqual(t, before, next.Root())
		require.Equal(t, before, tree.Root())

		got, err := next.Get(2)
		require.NoError(t, err)
		b, ok := got.Balance()
		require.True(t, ok)
		require.Equal(t, uint64(15), b)

		rebuilt := mustBuild(t, 20, 20, 15, 20)
		require.Equal(t, rebuilt.Root(), next.Root())
	})

	t.Run("repeated write is idempotent", func(t *testing.T) {
		for i := uint64(0); i < uint64(tree.Len()); i++ {
			once, err := tree.Set(i, NewLeaf(7))
			require.NoError(t, err)
			twice, err := once.Set(i, NewLeaf(7))
			require.NoError(t, err)
			require.Equal(t, once.Root(), twice.Root(), "index %d", i)
			require.Equal(t, once.Leaves(), twice.Leaves(), "index %d", i)
		}
	})

	t.Run("out of range", func(t *testing.T) {
		_, err := tree.Set(4, NewLeaf(1))
		require.ErrorIs(t, err, ErrIndexOutOfRange)
		_, err = tree.Get(4)
		require.ErrorIs(t, err, ErrIndexOutOfRange)
		_, err = tree.Path(99)
		require.ErrorIs(t, err, ErrIndexOutOfRange)
	})
}

func TestPath(t *testing.T) {
	tree := mustBuild(t, 5, 6, 7, 8, 9, 10, 11, 12)
	root := tree.RootElement()

	for i := uint64(0); i < uint64(tree.Len()); i++ {
		leaf, err := tree.Get(i)
		require.NoError(t, err)
		path, err := tree.Path(i)
		require.NoError(t, err)
		require.Len(t, path, tree.Depth())
		if !VerifyPath(root, leaf, i, path) {
			t.Fatalf("path for leaf %d does not verify", i)
		}
		if VerifyPath(root, NewLeaf(999), i, path) {
			t.Fatalf("forged leaf %d verified", i)
		}
		if VerifyPath(root, leaf, i^1, path) {
			t.Fatalf("leaf %d verified at sibling position", i)
		}
	}

	leaf, _ := tree.Get(0)
	path, _ := tree.Path(0)
	require.False(t, VerifyPath(root, leaf, 8, path), "index beyond depth must not verify")
}

func TestSingleLeafTree(t *testing.T) {
	tree := mustBuild(t, 42)
	require.Equal(t, 0, tree.Depth())
	leaf, _ := tree.Get(0)
	h := leaf.Hash()
	require.Equal(t, DigestOf(h), tree.Root())
	path, err := tree.Path(0)
	require.NoError(t, err)
	require.Empty(t, path)
}

func TestDigestRoundTrip(t *testing.T) {
	tree := mustBuild(t, 1, 2, 3, 4)
	root := tree.RootElement()
	back := tree.Root().Element()
	require.True(t, back.Equal(&root))

	var one fr.Element
	one.SetOne()
	require.Equal(t, Digest{1, 0, 0, 0}, DigestOf(one))
}

func TestBalances(t *testing.T) {
	tree := mustBuild(t, 3, 1, 4, 1)
	got, ok := tree.Balances()
	require.True(t, ok)
	require.Equal(t, []uint64{3, 1, 4, 1}, got)

	var big Leaf
	big[0].SetInt64(-1)
	tree, err := Build([]Leaf{big, NewLeaf(0)}, DefaultMaxDepth)
	require.NoError(t, err)
	_, ok = tree.Balances()
	require.False(t, ok)
}

func TestSnapshotFile(t *testing.T) {
	leaves := LeavesFromBalances([]uint64{20, 20, 20, 20})
	leaves[1][3].SetUint64(7)
	tree, err := Build(leaves, DefaultMaxDepth)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "ledger.json")
	require.NoError(t, tree.SaveToFile(path))

	loaded, err := LoadTreeFromFile(path, DefaultMaxDepth)
	require.NoError(t, err)
	require.Equal(t, tree.Root(), loaded.Root())
	got, _ := loaded.Get(1)
	require.True(t, got.Equal(leaves[1]))
}

func TestStateCommit(t *testing.T) {
	tree := mustBuild(t, 20, 20, 20, 20)
	st := NewState(tree)
	old := st.Root()

	next, err := tree.Set(0, NewLeaf(10))
	require.NoError(t, err)
	require.NoError(t, st.Commit(old, next))
	require.Equal(t, next.Root(), st.Root())
	require.Equal(t, uint64(1), st.Version())
	cur, version := st.Committed()
	require.Same(t, next, cur)
	require.Equal(t, uint64(1), version)

	// a second commit computed against the old root is refused
	other, err := tree.Set(1, NewLeaf(10))
	require.NoError(t, err)
	err = st.Commit(old, other)
	require.ErrorIs(t, err, ErrStaleRoot)
	require.Equal(t, next.Root(), st.Root())
}
