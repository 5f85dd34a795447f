// outcome.go - Oracle states, rejection reasons and the result of one run.

package oracle

import (
	"errors"
	"fmt"

	"ledgerproof/internal/backend"
	"ledgerproof/internal/ledger"
	"ledgerproof/internal/program"
	"ledgerproof/internal/transfer"
)

var (
	ErrExecutionFailed = errors.New("oracle: execution failed")
	ErrRootMismatch    = errors.New("oracle: recomputed root disagrees with proven output")
	ErrProofInvalid    = errors.New("oracle: proof invalid")
	ErrBackendTimeout  = errors.New("oracle: backend call abandoned")
	ErrMalformed       = errors.New("oracle: malformed request")
)

// State is a position in the oracle state machine.
type State int

const (
	Init State = iota
	InputsBuilt
	Executed
	LocallyVerified
	ProofVerified
	Accepted
	Rejected
)

func (s State) String() string {
	switch s {
	case Init:
		return "Init"
	case InputsBuilt:
		return "InputsBuilt"
	case Executed:
		return "Executed"
	case LocallyVerified:
		return "LocallyVerified"
	case ProofVerified:
		return "ProofVerified"
	case Accepted:
		return "Accepted"
	case Rejected:
		return "Rejected"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Accepted || s == Rejected
}

// Reason explains a rejection.
type Reason int

const (
	NoReason Reason = iota
	GuardViolation
	Malformed
	ExecutionFailed
	RootMismatch
	ProofInvalid
	BackendTimeout
)

func (r Reason) String() string {
	switch r {
	case NoReason:
		return "None"
	case GuardViolation:
		return "GuardViolation"
	case Malformed:
		return "Malformed"
	case ExecutionFailed:
		return "ExecutionFailed"
	case RootMismatch:
		return "RootMismatch"
	case ProofInvalid:
		return "ProofInvalid"
	case BackendTimeout:
		return "BackendTimeout"
	}
	return fmt.Sprintf("Reason(%d)", int(r))
}

// Retryable reports whether a fresh attempt can succeed without changing the request.
func (r Reason) Retryable() bool {
	return r == BackendTimeout
}

// Outcome is the full record of one oracle run. On rejection, fields past the failing step
// are zero.
type Outcome struct {
	Request transfer.Request
	State   State
	Reason  Reason
	Err     error
	History []State

	Program program.Program
	OldRoot ledger.Digest
	NewRoot ledger.Digest

	Inputs  program.Stack
	Outputs program.Stack
	Proof   backend.Proof

	// Expected is the independently rebuilt post-transfer tree; nil unless accepted.
	Expected *ledger.Tree
}

// Accepted reports whether the transfer was accepted.
func (o *Outcome) Accepted() bool {
	return o.State == Accepted
}

// GuardKind returns the violated guard of a GuardViolation rejection, or 0.
func (o *Outcome) GuardKind() transfer.GuardKind {
	return transfer.KindOf(o.Err)
}

// Bundle packs the transcript and proof of an accepted outcome.
func (o *Outcome) Bundle() (*backend.Bundle, error) {
	if !o.Accepted() {
		return nil, fmt.Errorf("oracle: no bundle for outcome in state %s", o.State)
	}
	return backend.NewBundle(o.Program, o.Inputs, o.Outputs, o.Proof), nil
}

func (o *Outcome) advance(s State) {
	o.State = s
	o.History = append(o.History, s)
}

func (o *Outcome) reject(reason Reason, err error) (*Outcome, error) {
	o.Reason = reason
	o.Err = err
	o.Expected = nil
	o.advance(Rejected)
	return o, err
}
