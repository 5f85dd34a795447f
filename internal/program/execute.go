// execute.go - Native execution of the transfer program (witness generation).
//
// Execute performs the same reads and writes as the circuit, in the same order, using field
// arithmetic and no guard checks: a transfer that breaks a guard still produces a trace, and
// it is the constraint system that refuses it.

package program

import (
	"fmt"
	"math/big"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/consensys/gnark/frontend"

	"ledgerproof/internal/ledger"
)

// Trace is the result of a native run: the output stack and the full circuit assignment.
type Trace struct {
	Outputs    Stack
	Assignment *Circuit
}

// Execute runs the program on an input stack against the advice tree.
func Execute(inputs Stack, tree *ledger.Tree) (*Trace, error) {
	in, err := ParseInputs(inputs)
	if err != nil {
		return nil, err
	}
	if in.Depth != uint64(tree.Depth()) {
		return nil, fmt.Errorf("%w: depth %d, tree depth %d", ErrAdviceMismatch, in.Depth, tree.Depth())
	}
	if in.Root != tree.Root() {
		return nil, fmt.Errorf("%w: root %s, tree root %s", ErrAdviceMismatch, in.Root, tree.Root())
	}
	var amount fr.Element
	amount.SetUint64(in.Amount)

	// debit
	senderLeaf, err := tree.Get(in.SenderIndex)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	senderPath, err := tree.Path(in.SenderIndex)
	if err != nil {
		return nil, fmt.Errorf("sender: %w", err)
	}
	debited := senderLeaf
	debited[0].Sub(&senderLeaf[0], &amount)
	intermediate, err := tree.Set(in.SenderIndex, debited)
	if err != nil {
		return nil, err
	}

	// credit, read against the intermediate tree
	receiverLeaf, err := intermediate.Get(in.ReceiverIndex)
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	receiverPath, err := intermediate.Path(in.ReceiverIndex)
	if err != nil {
		return nil, fmt.Errorf("receiver: %w", err)
	}
	credited := receiverLeaf
	credited[0].Add(&receiverLeaf[0], &amount)
	final, err := intermediate.Set(in.ReceiverIndex, credited)
	if err != nil {
		return nil, err
	}

	outputs := Outputs{
		NewRoot:      final.Root(),
		SenderLeaf:   debited.Hash(),
		ReceiverLeaf: credited.Hash(),
	}.Stack()

	assignment := NewCircuit(tree.Depth())
	assignPublic(assignment, inputs, outputs)
	assignment.SenderLeaf = leafVars(senderLeaf)
	assignment.ReceiverLeaf = leafVars(receiverLeaf)
	for i := range senderPath {
		assignment.SenderPath[i] = toBig(senderPath[i])
		assignment.ReceiverPath[i] = toBig(receiverPath[i])
	}
	return &Trace{Outputs: outputs, Assignment: assignment}, nil
}

// PublicAssignment builds an assignment carrying only the public transcript, for verification.
func PublicAssignment(depth int, inputs, outputs Stack) (*Circuit, error) {
	if len(inputs) != InputWidth || len(outputs) != OutputWidth {
		return nil, fmt.Errorf("%w: %d inputs, %d outputs", ErrMalformedStack, len(inputs), len(outputs))
	}
	c := NewCircuit(depth)
	assignPublic(c, inputs, outputs)
	for i := range c.SenderPath {
		c.SenderPath[i] = 0
		c.ReceiverPath[i] = 0
	}
	for i := range c.SenderLeaf {
		c.SenderLeaf[i] = 0
		c.ReceiverLeaf[i] = 0
	}
	return c, nil
}

func assignPublic(c *Circuit, inputs, outputs Stack) {
	c.SenderIndex = toBig(inputs[0])
	c.ReceiverIndex = toBig(inputs[1])
	c.Amount = toBig(inputs[2])
	c.Depth = toBig(inputs[3])
	for i := range c.Root {
		c.Root[i] = toBig(inputs[4+i])
	}
	for i := range c.Output {
		c.Output[i] = toBig(outputs[i])
	}
}

func leafVars(l ledger.Leaf) [ledger.LeafWidth]frontend.Variable {
	var out [ledger.LeafWidth]frontend.Variable
	for i := range l {
		out[i] = toBig(l[i])
	}
	return out
}

func toBig(e fr.Element) *big.Int {
	return e.BigInt(new(big.Int))
}
