// stack.go - Public transcript layout of the transfer program.
//
// Inputs, top of stack first:
//
//	[sender_index, receiver_index, amount, tree_depth, root_w0, root_w1, root_w2, root_w3]
//
// Outputs, in the order the program leaves them:
//
//	[new_root_w3, new_root_w2, new_root_w1, new_root_w0, sender_leaf_digest, receiver_leaf_digest]
//
// Any change to either layout must bump CircuitVersion so that the program identity changes.

package program

import (
	"errors"
	"fmt"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"

	"ledgerproof/internal/ledger"
)

const (
	InputWidth  = 4 + ledger.DigestWords
	OutputWidth = ledger.DigestWords + 2

	// BalanceBits bounds balances and amounts inside the program.
	BalanceBits = 64
)

var ErrMalformedStack = errors.New("program: malformed stack")

// Stack is an ordered sequence of field elements, top first.
type Stack []fr.Element

// Equal reports element-wise equality.
func (s Stack) Equal(o Stack) bool {
	if len(s) != len(o) {
		return false
	}
	for i := range s {
		if !s[i].Equal(&o[i]) {
			return false
		}
	}
	return true
}

// Clone returns an independent copy.
func (s Stack) Clone() Stack {
	out := make(Stack, len(s))
	copy(out, s)
	return out
}

// Bytes encodes every element as its 32-byte canonical big-endian form.
func (s Stack) Bytes() [][]byte {
	out := make([][]byte, len(s))
	for i := range s {
		b := s[i].Bytes()
		out[i] = b[:]
	}
	return out
}

// StackFromBytes decodes the output of Stack.Bytes. Non-canonical encodings are refused.
func StackFromBytes(raw [][]byte) (Stack, error) {
	out := make(Stack, len(raw))
	for i, b := range raw {
		if len(b) != fr.Bytes {
			return nil, fmt.Errorf("%w: element %d has %d bytes", ErrMalformedStack, i, len(b))
		}
		if err := out[i].SetBytesCanonical(b); err != nil {
			return nil, fmt.Errorf("%w: element %d: %w", ErrMalformedStack, i, err)
		}
	}
	return out, nil
}

// Inputs is the decoded input region of the transcript.
type Inputs struct {
	SenderIndex   uint64
	ReceiverIndex uint64
	Amount        uint64
	Depth         uint64
	Root          ledger.Digest
}

// Stack lays the inputs out in positional order.
func (in Inputs) Stack() Stack {
	s := make(Stack, InputWidth)
	s[0].SetUint64(in.SenderIndex)
	s[1].SetUint64(in.ReceiverIndex)
	s[2].SetUint64(in.Amount)
	s[3].SetUint64(in.Depth)
	for i := 0; i < ledger.DigestWords; i++ {
		s[4+i].SetUint64(in.Root[i])
	}
	return s
}

// ParseInputs decodes an input stack. Every element must fit in 64 bits.
func ParseInputs(s Stack) (Inputs, error) {
	if len(s) != InputWidth {
		return Inputs{}, fmt.Errorf("%w: %d inputs, want %d", ErrMalformedStack, len(s), InputWidth)
	}
	var words [InputWidth]uint64
	for i := range s {
		if !s[i].IsUint64() {
			return Inputs{}, fmt.Errorf("%w: input %d exceeds 64 bits", ErrMalformedStack, i)
		}
		words[i] = s[i].Uint64()
	}
	in := Inputs{
		SenderIndex:   words[0],
		ReceiverIndex: words[1],
		Amount:        words[2],
		Depth:         words[3],
	}
	copy(in.Root[:], words[4:])
	return in, nil
}

// Outputs is the decoded output region of the transcript.
type Outputs struct {
	NewRoot      ledger.Digest
	SenderLeaf   fr.Element
	ReceiverLeaf fr.Element
}

// Stack lays the outputs out in program order: root words most significant first.
func (out Outputs) Stack() Stack {
	s := make(Stack, OutputWidth)
	for i := 0; i < ledger.DigestWords; i++ {
		s[ledger.DigestWords-1-i].SetUint64(out.NewRoot[i])
	}
	s[ledger.DigestWords] = out.SenderLeaf
	s[ledger.DigestWords+1] = out.ReceiverLeaf
	return s
}

// ParseOutputs decodes an output stack.
func ParseOutputs(s Stack) (Outputs, error) {
	if len(s) != OutputWidth {
		return Outputs{}, fmt.Errorf("%w: %d outputs, want %d", ErrMalformedStack, len(s), OutputWidth)
	}
	var out Outputs
	for i := 0; i < ledger.DigestWords; i++ {
		e := s[ledger.DigestWords-1-i]
		if !e.IsUint64() {
			return Outputs{}, fmt.Errorf("%w: root word %d exceeds 64 bits", ErrMalformedStack, i)
		}
		out.NewRoot[i] = e.Uint64()
	}
	out.SenderLeaf = s[ledger.DigestWords]
	out.ReceiverLeaf = s[ledger.DigestWords+1]
	return out, nil
}

// RootWord returns word i (least significant first) of the new root as it appears in an
// output stack, without decoding the rest.
func RootWord(outputs Stack, i int) fr.Element {
	return outputs[ledger.DigestWords-1-i]
}
