package program

import (
	"math/big"
	"testing"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	"github.com/consensys/gnark/test"
	"github.com/stretchr/testify/require"

	"ledgerproof/internal/ledger"
)

func buildTree(t *testing.T, balances ...uint64) *ledger.Tree {
	t.Helper()
	tree, err := ledger.BuildFromBalances(balances, ledger.DefaultMaxDepth)
	require.NoError(t, err)
	return tree
}

func inputsFor(tree *ledger.Tree, sender, receiver, amount uint64) Stack {
	return Inputs{
		SenderIndex:   sender,
		ReceiverIndex: receiver,
		Amount:        amount,
		Depth:         uint64(tree.Depth()),
		Root:          tree.Root(),
	}.Stack()
}

func TestStackLayout(t *testing.T) {
	in := Inputs{SenderIndex: 2, ReceiverIndex: 3, Amount: 5, Depth: 2, Root: ledger.Digest{10, 11, 12, 13}}
	s := in.Stack()
	require.Len(t, s, InputWidth)
	want := []uint64{2, 3, 5, 2, 10, 11, 12, 13}
	for i, w := range want {
		require.Equal(t, w, s[i].Uint64(), "input %d", i)
	}
	back, err := ParseInputs(s)
	require.NoError(t, err)
	require.Equal(t, in, back)

	out := Outputs{NewRoot: ledger.Digest{1, 2, 3, 4}}
	outStack := out.Stack()
	require.Len(t, outStack, OutputWidth)
	require.Equal(t, uint64(4), outStack[0].Uint64())
	require.Equal(t, uint64(1), outStack[3].Uint64())
	w := RootWord(outStack, 0)
	require.Equal(t, uint64(1), w.Uint64())

	_, err = ParseInputs(s[:5])
	require.ErrorIs(t, err, ErrMalformedStack)
	_, err = ParseOutputs(append(outStack.Clone(), outStack[0]))
	require.ErrorIs(t, err, ErrMalformedStack)

	raw := s.Bytes()
	decoded, err := StackFromBytes(raw)
	require.NoError(t, err)
	require.True(t, decoded.Equal(s))
	_, err = StackFromBytes([][]byte{{1, 2, 3}})
	require.ErrorIs(t, err, ErrMalformedStack)
}

func TestExecuteMatchesLocalUpdate(t *testing.T) {
	tree := buildTree(t, 20, 20, 20, 20)
	trace, err := Execute(inputsFor(tree, 2, 3, 5), tree)
	require.NoError(t, err)

	want := buildTree(t, 20, 20, 15, 25)
	out, err := ParseOutputs(trace.Outputs)
	require.NoError(t, err)
	require.Equal(t, want.Root(), out.NewRoot)

	debited := ledger.NewLeaf(15).Hash()
	require.True(t, out.SenderLeaf.Equal(&debited))
}

func TestExecuteAdviceMismatch(t *testing.T) {
	tree := buildTree(t, 20, 20, 20, 20)
	other := buildTree(t, 1, 2, 3, 4)
	_, err := Execute(inputsFor(other, 2, 3, 5), tree)
	require.ErrorIs(t, err, ErrAdviceMismatch)

	in := inputsFor(tree, 2, 3, 5)
	in[3].SetUint64(3)
	_, err = Execute(in, tree)
	require.ErrorIs(t, err, ErrAdviceMismatch)

	_, err = Execute(inputsFor(tree, 2, 7, 5), tree)
	require.ErrorIs(t, err, ledger.ErrIndexOutOfRange)
}

func TestCircuitSolved(t *testing.T) {
	field := ecc.BN254.ScalarField()

	cases := []struct {
		name     string
		balances []uint64
		sender   uint64
		receiver uint64
		amount   uint64
	}{
		{"demo", []uint64{20, 20, 20, 20}, 2, 3, 5},
		{"drain sender", []uint64{20, 20, 20, 20}, 0, 1, 20},
		{"right to left", []uint64{1, 2, 3, 4, 5, 6, 7, 8}, 7, 0, 8},
		{"two leaves", []uint64{9, 0}, 0, 1, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			tree := buildTree(t, tc.balances...)
			trace, err := Execute(inputsFor(tree, tc.sender, tc.receiver, tc.amount), tree)
			require.NoError(t, err)
			require.NoError(t, test.IsSolved(NewCircuit(tree.Depth()), trace.Assignment, field))
		})
	}
}

func TestCircuitRejects(t *testing.T) {
	field := ecc.BN254.ScalarField()
	tree := buildTree(t, 20, 20, 20, math64())

	unsolved := func(t *testing.T, a *Circuit) {
		t.Helper()
		require.Error(t, test.IsSolved(NewCircuit(tree.Depth()), a, field))
	}

	t.Run("insufficient balance", func(t *testing.T) {
		trace, err := Execute(inputsFor(tree, 2, 1, 25), tree)
		require.NoError(t, err)
		unsolved(t, trace.Assignment)
	})

	t.Run("zero amount", func(t *testing.T) {
		trace, err := Execute(inputsFor(tree, 2, 1, 0), tree)
		require.NoError(t, err)
		unsolved(t, trace.Assignment)
	})

	t.Run("self transfer", func(t *testing.T) {
		trace, err := Execute(inputsFor(tree, 0, 0, 5), tree)
		require.NoError(t, err)
		unsolved(t, trace.Assignment)
	})

	t.Run("receiver overflow", func(t *testing.T) {
		trace, err := Execute(inputsFor(tree, 0, 3, 1), tree)
		require.NoError(t, err)
		unsolved(t, trace.Assignment)
	})

	t.Run("forged sender leaf", func(t *testing.T) {
		trace, err := Execute(inputsFor(tree, 2, 1, 5), tree)
		require.NoError(t, err)
		trace.Assignment.SenderLeaf[0] = big.NewInt(1000)
		unsolved(t, trace.Assignment)
	})

	t.Run("forged receiver path", func(t *testing.T) {
		trace, err := Execute(inputsFor(tree, 2, 1, 5), tree)
		require.NoError(t, err)
		trace.Assignment.ReceiverPath[0] = big.NewInt(7)
		unsolved(t, trace.Assignment)
	})

	t.Run("wrong output root", func(t *testing.T) {
		trace, err := Execute(inputsFor(tree, 2, 1, 5), tree)
		require.NoError(t, err)
		trace.Assignment.Output[0] = big.NewInt(1)
		unsolved(t, trace.Assignment)
	})
}

func TestCircuitCompiles(t *testing.T) {
	for _, depth := range []int{1, 2, 3} {
		ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewCircuit(depth))
		require.NoError(t, err, "depth %d", depth)
		require.Equal(t, InputWidth+OutputWidth, ccs.GetNbPublicVariables()-1)
	}
	_, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, NewCircuit(0))
	require.Error(t, err)
}

func TestID(t *testing.T) {
	var id ID
	id[0], id[31] = 0xab, 0x01
	back, err := ParseID(id.String())
	require.NoError(t, err)
	require.Equal(t, id, back)
	require.Equal(t, "ab000000", id.Short())
	_, err = ParseID("abcd")
	require.Error(t, err)
}

func math64() uint64 { return ^uint64(0) }
