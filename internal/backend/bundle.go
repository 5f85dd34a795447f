// bundle.go - Portable proof bundle, CBOR encoded.

package backend

import (
	"context"
	"fmt"

	"github.com/fxamacker/cbor/v2"

	"ledgerproof/internal/program"
)

// Bundle is everything a third party needs to check a transfer: the program identity, the
// public transcript and the proof.
type Bundle struct {
	Program program.ID `cbor:"1,keyasint"`
	Depth   int        `cbor:"2,keyasint"`
	Inputs  [][]byte   `cbor:"3,keyasint"`
	Outputs [][]byte   `cbor:"4,keyasint"`
	Proof   []byte     `cbor:"5,keyasint"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
	decMode, err = cbor.DecOptions{
		DupMapKey:        cbor.DupMapKeyEnforcedAPF,
		MaxArrayElements: 1024,
	}.DecMode()
	if err != nil {
		panic(err)
	}
}

// NewBundle packs a transcript and proof.
func NewBundle(prog program.Program, inputs, outputs program.Stack, proof Proof) *Bundle {
	return &Bundle{
		Program: prog.ID,
		Depth:   prog.Depth,
		Inputs:  inputs.Bytes(),
		Outputs: outputs.Bytes(),
		Proof:   append([]byte(nil), proof...),
	}
}

// Transcript decodes the input and output stacks.
func (b *Bundle) Transcript() (inputs, outputs program.Stack, err error) {
	inputs, err = program.StackFromBytes(b.Inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: inputs: %w", ErrMalformedTranscript, err)
	}
	outputs, err = program.StackFromBytes(b.Outputs)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: outputs: %w", ErrMalformedTranscript, err)
	}
	return inputs, outputs, nil
}

// Verify checks the bundle with v. The carried depth must match the depth in the transcript.
func (b *Bundle) Verify(ctx context.Context, v Verifier) error {
	inputs, outputs, err := b.Transcript()
	if err != nil {
		return err
	}
	in, err := program.ParseInputs(inputs)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrMalformedTranscript, err)
	}
	if b.Depth < 0 || in.Depth != uint64(b.Depth) {
		return fmt.Errorf("%w: bundle depth %d, transcript depth %d", ErrMalformedTranscript, b.Depth, in.Depth)
	}
	return v.Verify(ctx, b.Program, inputs, outputs, b.Proof)
}

// EncodeBundle serializes b with deterministic CBOR.
func EncodeBundle(b *Bundle) ([]byte, error) {
	return encMode.Marshal(b)
}

// DecodeBundle parses a bundle produced by EncodeBundle.
func DecodeBundle(data []byte) (*Bundle, error) {
	var b Bundle
	if err := decMode.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	return &b, nil
}
