package transfer

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"ledgerproof/internal/ledger"
)

func demoTree(t *testing.T) *ledger.Tree {
	t.Helper()
	tree, err := ledger.BuildFromBalances([]uint64{20, 20, 20, 20}, ledger.DefaultMaxDepth)
	require.NoError(t, err)
	return tree
}

func TestCompute(t *testing.T) {
	t.Run("conservation", func(t *testing.T) {
		rng := rand.New(rand.NewSource(1))
		for i := 0; i < 1000; i++ {
			sender := rng.Uint64() >> 2
			receiver := rng.Uint64() >> 2
			amount := rng.Int63n(int64(sender>>1) + 1)
			if amount == 0 {
				amount = 1
			}
			if uint64(amount) > sender {
				continue
			}
			ns, nr, err := Compute(sender, receiver, amount)
			require.NoError(t, err)
			require.Equal(t, sender+receiver, ns+nr)
			require.Equal(t, sender-uint64(amount), ns)
		}
	})

	t.Run("non-positive amount", func(t *testing.T) {
		for _, amount := range []int64{0, -1, -20, math.MinInt64} {
			_, _, err := Compute(20, 20, amount)
			require.Equal(t, NonPositiveAmount, KindOf(err), "amount %d", amount)
			require.ErrorIs(t, err, ErrGuardViolation)
		}
	})

	t.Run("insufficient balance", func(t *testing.T) {
		_, _, err := Compute(20, 20, 21)
		var g *GuardViolation
		require.True(t, errors.As(err, &g))
		require.Equal(t, InsufficientBalance, g.Kind)
		require.Equal(t, uint64(20), g.Balance)

		ns, nr, err := Compute(20, 20, 20)
		require.NoError(t, err)
		require.Equal(t, uint64(0), ns)
		require.Equal(t, uint64(40), nr)
	})

	t.Run("overflow", func(t *testing.T) {
		_, _, err := Compute(10, math.MaxUint64-5, 6)
		require.Equal(t, BalanceOverflow, KindOf(err))
		_, nr, err := Compute(10, math.MaxUint64-5, 5)
		require.NoError(t, err)
		require.Equal(t, uint64(math.MaxUint64), nr)
	})
}

func TestApply(t *testing.T) {
	t.Run("demo transfer", func(t *testing.T) {
		tree := demoTree(t)
		tr, err := Apply(tree, Request{SenderIndex: 2, ReceiverIndex: 3, Amount: 5})
		require.NoError(t, err)
		require.Equal(t, Credited, tr.Phase())

		want, err := ledger.BuildFromBalances([]uint64{20, 20, 15, 25}, ledger.DefaultMaxDepth)
		require.NoError(t, err)
		require.Equal(t, want.Root(), tr.After.Root())

		mid, err := ledger.BuildFromBalances([]uint64{20, 20, 15, 20}, ledger.DefaultMaxDepth)
		require.NoError(t, err)
		require.Equal(t, mid.Root(), tr.Intermediate.Root())

		// pre-state untouched
		require.Equal(t, demoTree(t).Root(), tree.Root())
		b, _ := tr.ReceiverLeaf.Balance()
		require.Equal(t, uint64(25), b)
	})

	t.Run("insufficient balance leaves root unchanged", func(t *testing.T) {
		tree := demoTree(t)
		before := tree.Root()
		tr, err := Apply(tree, Request{SenderIndex: 2, ReceiverIndex: 3, Amount: 25})
		require.Nil(t, tr)
		require.Equal(t, InsufficientBalance, KindOf(err))
		require.Equal(t, before, tree.Root())
	})

	t.Run("non-positive amount", func(t *testing.T) {
		tree := demoTree(t)
		_, err := Apply(tree, Request{SenderIndex: 0, ReceiverIndex: 1, Amount: 0})
		require.Equal(t, NonPositiveAmount, KindOf(err))
		_, err = Apply(tree, Request{SenderIndex: 0, ReceiverIndex: 1, Amount: -3})
		require.Equal(t, NonPositiveAmount, KindOf(err))
	})

	t.Run("self transfer rejected", func(t *testing.T) {
		_, err := Apply(demoTree(t), Request{SenderIndex: 0, ReceiverIndex: 0, Amount: 5})
		require.Equal(t, SelfTransfer, KindOf(err))
	})

	t.Run("index out of range", func(t *testing.T) {
		_, err := Apply(demoTree(t), Request{SenderIndex: 0, ReceiverIndex: 4, Amount: 1})
		require.ErrorIs(t, err, ledger.ErrIndexOutOfRange)
		require.False(t, errors.Is(err, ErrGuardViolation))
	})
}

func TestPhaseOrder(t *testing.T) {
	tr := NewTransition(demoTree(t), Request{SenderIndex: 1, ReceiverIndex: 0, Amount: 3})
	require.ErrorIs(t, tr.Credit(), ErrPhaseOrder)
	require.ErrorIs(t, tr.Debit(), ErrPhaseOrder)
	require.NoError(t, tr.Validate())
	require.ErrorIs(t, tr.Validate(), ErrPhaseOrder)
	require.ErrorIs(t, tr.Credit(), ErrPhaseOrder)
	require.NoError(t, tr.Debit())
	require.NotNil(t, tr.Intermediate)
	require.Nil(t, tr.After)
	require.NoError(t, tr.Credit())
	require.Equal(t, Credited, tr.Phase())

	failed := NewTransition(demoTree(t), Request{SenderIndex: 1, ReceiverIndex: 0, Amount: 300})
	require.Error(t, failed.Validate())
	require.Equal(t, Aborted, failed.Phase())
	require.ErrorIs(t, failed.Debit(), ErrPhaseOrder)
}

func TestApplyLeavesMatchesApply(t *testing.T) {
	tree, err := ledger.BuildFromBalances([]uint64{9, 0, 7, 3, 100, 1, 1, 50}, ledger.DefaultMaxDepth)
	require.NoError(t, err)
	reqs := []Request{
		{SenderIndex: 0, ReceiverIndex: 7, Amount: 9},
		{SenderIndex: 4, ReceiverIndex: 1, Amount: 33},
		{SenderIndex: 7, ReceiverIndex: 6, Amount: 1},
	}
	for _, req := range reqs {
		tr, err := Apply(tree, req)
		require.NoError(t, err, req.String())
		leaves, err := ApplyLeaves(tree.Leaves(), req)
		require.NoError(t, err)
		rebuilt, err := ledger.Build(leaves, ledger.DefaultMaxDepth)
		require.NoError(t, err)
		require.Equal(t, rebuilt.Root(), tr.After.Root(), req.String())
	}

	_, err = ApplyLeaves(tree.Leaves(), Request{SenderIndex: 1, ReceiverIndex: 2, Amount: 1})
	require.Equal(t, InsufficientBalance, KindOf(err))
}

func TestReservedElementsPreserved(t *testing.T) {
	leaves := ledger.LeavesFromBalances([]uint64{10, 10})
	leaves[0][1].SetUint64(77)
	leaves[1][3].SetUint64(88)
	tree, err := ledger.Build(leaves, ledger.DefaultMaxDepth)
	require.NoError(t, err)

	tr, err := Apply(tree, Request{SenderIndex: 0, ReceiverIndex: 1, Amount: 4})
	require.NoError(t, err)
	require.True(t, tr.SenderLeaf[1].Equal(&leaves[0][1]))
	require.True(t, tr.ReceiverLeaf[3].Equal(&leaves[1][3]))
}
