// oracle.go - The consistency oracle: drives one transfer through execution, local
// recomputation and proof verification.
//
//	Init -> InputsBuilt -> Executed -> LocallyVerified -> ProofVerified -> Accepted
//
// Any step may move to Rejected instead. The input tree is never modified.

package oracle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/consensys/gnark-crypto/ecc/bn254/fr"
	"github.com/rs/zerolog"

	"ledgerproof/internal/backend"
	"ledgerproof/internal/ledger"
	"ledgerproof/internal/metrics"
	"ledgerproof/internal/program"
	"ledgerproof/internal/transfer"
)

// Oracle runs transfers against a backend.
type Oracle struct {
	compiler backend.Compiler
	executor backend.Executor
	verifier backend.Verifier

	log           zerolog.Logger
	metrics       *metrics.Metrics
	timeout       time.Duration
	backendGuards bool
}

// Option configures an Oracle.
type Option func(*Oracle)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(o *Oracle) { o.log = l } }

// WithMetrics counts outcomes by state and reason.
func WithMetrics(m *metrics.Metrics) Option { return func(o *Oracle) { o.metrics = m } }

// WithTimeout bounds every run. Zero means only the caller's context applies.
func WithTimeout(d time.Duration) Option { return func(o *Oracle) { o.timeout = d } }

// WithBackendGuards skips the local guard pre-check, leaving the amount and balance guards to
// the proven program. Guard failures then surface as ExecutionFailed. Non-positive amounts
// are still rejected locally.
func WithBackendGuards() Option { return func(o *Oracle) { o.backendGuards = true } }

// New creates an oracle over the three backend roles.
func New(c backend.Compiler, e backend.Executor, v backend.Verifier, opts ...Option) *Oracle {
	o := &Oracle{
		compiler: c,
		executor: e,
		verifier: v,
		log:      zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// NewWithProver creates an oracle whose three roles are served by one backend.
func NewWithProver(p backend.Prover, opts ...Option) *Oracle {
	return New(p, p, p, opts...)
}

// Run processes req against tree. The returned outcome is never nil; the error is non-nil
// exactly when the outcome is Rejected.
func (o *Oracle) Run(ctx context.Context, tree *ledger.Tree, req transfer.Request) (*Outcome, error) {
	out := &Outcome{Request: req}
	out.advance(Init)
	if tree == nil {
		return o.finish(out.reject(Malformed, fmt.Errorf("%w: nil tree", ErrMalformed)))
	}
	out.OldRoot = tree.Root()
	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	// Init -> InputsBuilt
	if err := o.precheck(tree, req); err != nil {
		if errors.Is(err, transfer.ErrGuardViolation) {
			return o.finish(out.reject(GuardViolation, err))
		}
		return o.finish(out.reject(Malformed, fmt.Errorf("%w: %w", ErrMalformed, err)))
	}
	out.Inputs = program.Inputs{
		SenderIndex:   req.SenderIndex,
		ReceiverIndex: req.ReceiverIndex,
		Amount:        uint64(req.Amount),
		Depth:         uint64(tree.Depth()),
		Root:          out.OldRoot,
	}.Stack()
	out.advance(InputsBuilt)

	// InputsBuilt -> Executed
	prog, err := call(ctx, func(ctx context.Context) (program.Program, error) {
		return o.compiler.Compile(ctx, tree.Depth())
	})
	if err != nil {
		return o.finish(out.reject(backendReason(err, ExecutionFailed), wrap(err, ErrExecutionFailed)))
	}
	out.Program = prog
	exec, err := call(ctx, func(ctx context.Context) (*backend.Execution, error) {
		return o.executor.Execute(ctx, prog, out.Inputs.Clone(), backend.Advice{Trees: []*ledger.Tree{tree}})
	})
	if err != nil {
		return o.finish(out.reject(backendReason(err, ExecutionFailed), wrap(err, ErrExecutionFailed)))
	}
	if len(exec.Outputs) != program.OutputWidth {
		return o.finish(out.reject(ExecutionFailed, fmt.Errorf("%w: %w: %d outputs",
			ErrExecutionFailed, backend.ErrMalformedTranscript, len(exec.Outputs))))
	}
	out.Outputs = exec.Outputs
	out.Proof = exec.Proof
	out.advance(Executed)

	// Executed -> LocallyVerified
	expected, err := o.recompute(tree, req)
	if err != nil {
		return o.finish(out.reject(RootMismatch, fmt.Errorf("%w: %w", ErrRootMismatch, err)))
	}
	if err := compareRoot(expected.Root(), out.Outputs); err != nil {
		return o.finish(out.reject(RootMismatch, err))
	}
	out.advance(LocallyVerified)

	// LocallyVerified -> ProofVerified
	_, err = call(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, o.verifier.Verify(ctx, prog.ID, out.Inputs.Clone(), out.Outputs.Clone(), out.Proof)
	})
	if err != nil {
		return o.finish(out.reject(backendReason(err, ProofInvalid), wrap(err, ErrProofInvalid)))
	}
	out.advance(ProofVerified)

	out.Expected = expected
	out.NewRoot = expected.Root()
	out.advance(Accepted)
	return o.finish(out, nil)
}

// precheck rejects requests that are malformed or break a guard before any backend call.
func (o *Oracle) precheck(tree *ledger.Tree, req transfer.Request) error {
	if !o.backendGuards {
		return transfer.Check(tree, req)
	}
	if req.Amount <= 0 {
		return &transfer.GuardViolation{Kind: transfer.NonPositiveAmount, Amount: req.Amount}
	}
	if _, err := tree.Get(req.SenderIndex); err != nil {
		return fmt.Errorf("sender: %w", err)
	}
	if _, err := tree.Get(req.ReceiverIndex); err != nil {
		return fmt.Errorf("receiver: %w", err)
	}
	return nil
}

// recompute builds the expected post-state tree from the pre-state leaves, independently of
// anything the backend returned.
func (o *Oracle) recompute(tree *ledger.Tree, req transfer.Request) (*ledger.Tree, error) {
	leaves, err := transfer.ApplyLeaves(tree.Leaves(), req)
	if err != nil {
		return nil, err
	}
	return ledger.Build(leaves, tree.Depth())
}

// compareRoot checks the new-root region of an output stack word by word.
func compareRoot(expected ledger.Digest, outputs program.Stack) error {
	for i := 0; i < ledger.DigestWords; i++ {
		var want fr.Element
		want.SetUint64(expected[i])
		got := program.RootWord(outputs, i)
		if !got.Equal(&want) {
			return fmt.Errorf("%w: word %d: expected %d, got %s", ErrRootMismatch, i, expected[i], got.String())
		}
	}
	return nil
}

func (o *Oracle) finish(out *Outcome, err error) (*Outcome, error) {
	o.metrics.RecordTransfer(out.State.String(), out.Reason.String())
	if err != nil {
		ev := o.log.Warn()
		if out.Reason == GuardViolation || out.Reason == Malformed {
			ev = o.log.Info()
		}
		ev.Err(err).
			Str("request", out.Request.String()).
			Str("root", out.OldRoot.String()).
			Stringer("reason", out.Reason).
			Msg("transfer rejected")
		if out.Reason == BackendTimeout {
			o.metrics.RecordError("backend_timeout")
		}
		return out, err
	}
	o.log.Info().
		Str("request", out.Request.String()).
		Str("program", out.Program.ID.Short()).
		Str("old_root", out.OldRoot.String()).
		Str("new_root", out.NewRoot.String()).
		Msg("transfer accepted")
	return out, nil
}

// call runs fn in its own goroutine and abandons it when ctx is done. An abandoned call's
// result is discarded.
func call[T any](ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	type result struct {
		v   T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{v, err}
	}()
	select {
	case r := <-done:
		return r.v, r.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("%w: %w", ErrBackendTimeout, ctx.Err())
	}
}

func isTimeout(err error) bool {
	return errors.Is(err, ErrBackendTimeout) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}

func backendReason(err error, otherwise Reason) Reason {
	if isTimeout(err) {
		return BackendTimeout
	}
	return otherwise
}

func wrap(err, sentinel error) error {
	if isTimeout(err) {
		if errors.Is(err, ErrBackendTimeout) {
			return err
		}
		return fmt.Errorf("%w: %w", ErrBackendTimeout, err)
	}
	return fmt.Errorf("%w: %w", sentinel, err)
}
