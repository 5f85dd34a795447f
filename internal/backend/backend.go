// Package backend defines the contract between the consistency oracle and an execution,
// proving and verification backend.
//
// The oracle never depends on how a backend arithmetizes the transfer program. It submits a
// program handle, an input stack and the ledger trees as advice, and gets back an output stack
// and an opaque proof. Anyone holding the program identity, the transcript and the proof can
// then ask a Verifier for a verdict.
package backend

import (
	"context"
	"errors"

	"ledgerproof/internal/ledger"
	"ledgerproof/internal/program"
)

var (
	ErrUnknownProgram      = errors.New("backend: unknown program")
	ErrNoAdvice            = errors.New("backend: no advice tree matches the input root")
	ErrMalformedTranscript = errors.New("backend: malformed transcript")
	ErrVerification        = errors.New("backend: proof rejected")
)

// Proof is an opaque proof artifact. Callers must not modify it.
type Proof []byte

// Advice carries the private data the program reads through authenticated accesses.
type Advice struct {
	Trees []*ledger.Tree
}

// Execution is the result of running and proving a program.
type Execution struct {
	Outputs program.Stack
	Proof   Proof
}

// Compiler turns the transfer program for a given depth into an executable handle.
type Compiler interface {
	Compile(ctx context.Context, depth int) (program.Program, error)
}

// Executor runs a compiled program and proves the run.
type Executor interface {
	Execute(ctx context.Context, prog program.Program, inputs program.Stack, advice Advice) (*Execution, error)
}

// Verifier checks a proof against a public transcript. A nil error means accept.
type Verifier interface {
	Verify(ctx context.Context, id program.ID, inputs, outputs program.Stack, proof Proof) error
}

// Prover is a backend that implements the whole contract.
type Prover interface {
	Compiler
	Executor
	Verifier
}
