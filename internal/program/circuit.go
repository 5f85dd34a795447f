// circuit.go - Constraint program for one ledger transfer.
//
// Public variables are declared in transcript order (inputs, then outputs) so that the public
// witness vector is exactly inputs || outputs.

package program

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/std/hash"
	"github.com/consensys/gnark/std/hash/mimc"

	"ledgerproof/internal/ledger"
)

type Circuit struct {
	// Public inputs
	SenderIndex   frontend.Variable                     `gnark:",public"`
	ReceiverIndex frontend.Variable                     `gnark:",public"`
	Amount        frontend.Variable                     `gnark:",public"`
	Depth         frontend.Variable                     `gnark:",public"`
	Root          [ledger.DigestWords]frontend.Variable `gnark:",public"`

	// Public outputs
	Output [OutputWidth]frontend.Variable `gnark:",public"`

	// Private advice: the two leaves as read, with their authentication paths. The receiver
	// path is taken in the tree after the debit.
	SenderLeaf   [ledger.LeafWidth]frontend.Variable
	SenderPath   []frontend.Variable
	ReceiverLeaf [ledger.LeafWidth]frontend.Variable
	ReceiverPath []frontend.Variable
}

// NewCircuit allocates a circuit for trees of the given depth.
func NewCircuit(depth int) *Circuit {
	return &Circuit{
		SenderPath:   make([]frontend.Variable, depth),
		ReceiverPath: make([]frontend.Variable, depth),
	}
}

func (c *Circuit) Define(api frontend.API) error {
	depth := len(c.SenderPath)
	if len(c.ReceiverPath) != depth {
		return fmt.Errorf("program: sender path has %d levels, receiver path %d", depth, len(c.ReceiverPath))
	}
	if depth == 0 {
		return ErrDepthUnsupported
	}
	api.AssertIsEqual(c.Depth, depth)

	h, err := mimc.NewMiMC(api)
	if err != nil {
		return err
	}

	// Guards on the public parameters
	api.ToBinary(c.Amount, BalanceBits)
	api.AssertIsDifferent(c.Amount, 0)
	api.AssertIsDifferent(c.SenderIndex, c.ReceiverIndex)
	senderBits := api.ToBinary(c.SenderIndex, depth)
	receiverBits := api.ToBinary(c.ReceiverIndex, depth)

	root := fromWords(api, c.Root)
	assertWords(api, root, c.Root)

	// Debit: authenticate the sender against the pre-state root
	senderHash := hashLeaf(api, &h, c.SenderLeaf)
	api.AssertIsEqual(pathRoot(api, &h, senderHash, senderBits, c.SenderPath), root)
	api.ToBinary(c.SenderLeaf[0], BalanceBits)
	api.AssertIsLessOrEqual(c.Amount, c.SenderLeaf[0])

	debited := c.SenderLeaf
	debited[0] = api.Sub(c.SenderLeaf[0], c.Amount)
	debitedHash := hashLeaf(api, &h, debited)
	intermediate := pathRoot(api, &h, debitedHash, senderBits, c.SenderPath)

	// Credit: authenticate the receiver against the intermediate root
	receiverHash := hashLeaf(api, &h, c.ReceiverLeaf)
	api.AssertIsEqual(pathRoot(api, &h, receiverHash, receiverBits, c.ReceiverPath), intermediate)
	api.ToBinary(c.ReceiverLeaf[0], BalanceBits)

	credited := c.ReceiverLeaf
	credited[0] = api.Add(c.ReceiverLeaf[0], c.Amount)
	api.ToBinary(credited[0], BalanceBits)
	creditedHash := hashLeaf(api, &h, credited)
	final := pathRoot(api, &h, creditedHash, receiverBits, c.ReceiverPath)

	var out [ledger.DigestWords]frontend.Variable
	for i := range out {
		out[i] = c.Output[ledger.DigestWords-1-i]
	}
	assertWords(api, final, out)
	api.AssertIsEqual(c.Output[ledger.DigestWords], debitedHash)
	api.AssertIsEqual(c.Output[ledger.DigestWords+1], creditedHash)
	return nil
}

func hashLeaf(api frontend.API, h hash.FieldHasher, leaf [ledger.LeafWidth]frontend.Variable) frontend.Variable {
	h.Reset()
	h.Write(leaf[:]...)
	return h.Sum()
}

// pathRoot folds a leaf hash up its authentication path. bits[i] set means the running node
// is the right child at level i.
func pathRoot(api frontend.API, h hash.FieldHasher, leafHash frontend.Variable, bits []frontend.Variable, path []frontend.Variable) frontend.Variable {
	cur := leafHash
	for i, sibling := range path {
		left := api.Select(bits[i], sibling, cur)
		right := api.Select(bits[i], cur, sibling)
		h.Reset()
		h.Write(left, right)
		cur = h.Sum()
	}
	return cur
}

// fromWords recombines little-endian 64-bit words into one field element.
func fromWords(api frontend.API, words [ledger.DigestWords]frontend.Variable) frontend.Variable {
	acc := frontend.Variable(0)
	for i := ledger.DigestWords - 1; i >= 0; i-- {
		acc = api.Add(api.Mul(acc, new(big.Int).Lsh(big.NewInt(1), 64)), words[i])
	}
	return acc
}

// assertWords constrains words to be the canonical 64-bit decomposition of v.
func assertWords(api frontend.API, v frontend.Variable, words [ledger.DigestWords]frontend.Variable) {
	bits := api.ToBinary(v)
	for i := range words {
		lo := i * 64
		hi := min(lo+64, len(bits))
		api.AssertIsEqual(words[i], api.FromBinary(bits[lo:hi]...))
	}
}
