package oracle

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"ledgerproof/internal/backend"
	"ledgerproof/internal/backend/snark"
	"ledgerproof/internal/ledger"
	"ledgerproof/internal/transfer"
)

func TestGroth16EndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("groth16 setup is slow")
	}
	ctx := context.Background()
	prover, err := snark.New(snark.DefaultCacheSize)
	require.NoError(t, err)
	o := NewWithProver(prover)

	t.Run("demo transfer accepted", func(t *testing.T) {
		tree := demoTree(t)
		out, err := o.Run(ctx, tree, transfer.Request{SenderIndex: 2, ReceiverIndex: 3, Amount: 5})
		require.NoError(t, err)
		require.True(t, out.Accepted())

		balances, ok := out.Expected.Balances()
		require.True(t, ok)
		require.Equal(t, []uint64{20, 20, 15, 25}, balances)

		bundle, err := out.Bundle()
		require.NoError(t, err)
		data, err := backend.EncodeBundle(bundle)
		require.NoError(t, err)
		decoded, err := backend.DecodeBundle(data)
		require.NoError(t, err)
		require.NoError(t, decoded.Verify(ctx, prover))

		// a bundle claiming another new root does not verify
		decoded.Outputs[0][31] ^= 1
		require.ErrorIs(t, decoded.Verify(ctx, prover), backend.ErrVerification)
	})

	t.Run("self transfer rejected", func(t *testing.T) {
		out, err := o.Run(ctx, demoTree(t), transfer.Request{SenderIndex: 0, ReceiverIndex: 0, Amount: 5})
		require.ErrorIs(t, err, transfer.ErrGuardViolation)
		require.Equal(t, transfer.SelfTransfer, out.GuardKind())
	})

	t.Run("insufficient balance produces no proof", func(t *testing.T) {
		tree := demoTree(t)
		before := tree.Root()
		out, err := o.Run(ctx, tree, transfer.Request{SenderIndex: 2, ReceiverIndex: 3, Amount: 25})
		require.ErrorIs(t, err, transfer.ErrGuardViolation)
		require.Equal(t, transfer.InsufficientBalance, out.GuardKind())
		require.Nil(t, out.Proof)
		require.Equal(t, before, tree.Root())
	})

	t.Run("constraints enforce guards without the pre-check", func(t *testing.T) {
		lax := NewWithProver(prover, WithBackendGuards())
		out, err := lax.Run(ctx, demoTree(t), transfer.Request{SenderIndex: 2, ReceiverIndex: 3, Amount: 25})
		require.ErrorIs(t, err, ErrExecutionFailed)
		require.Equal(t, ExecutionFailed, out.Reason)
		require.Nil(t, out.Proof)
	})

	t.Run("chained transfers", func(t *testing.T) {
		tree, err := ledger.BuildFromBalances([]uint64{100, 0, 0, 0, 0, 0, 0, 0}, ledger.DefaultMaxDepth)
		require.NoError(t, err)
		for i := uint64(1); i < 4; i++ {
			out, err := o.Run(ctx, tree, transfer.Request{SenderIndex: i - 1, ReceiverIndex: i, Amount: 10})
			require.NoError(t, err)
			tree = out.Expected
		}
		balances, _ := tree.Balances()
		require.Equal(t, []uint64{90, 0, 0, 10, 0, 0, 0, 0}, balances)
	})
}
