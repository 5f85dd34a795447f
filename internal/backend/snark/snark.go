// snark.go - Groth16 (BN254) implementation of the backend contract.
//
// Compiled programs (constraint system and proving key) live in an LRU cache keyed by depth.
// Verifying keys are small and are kept for every program ever compiled, so proofs stay
// verifiable after their program was evicted. With a key directory, a fresh process verifies
// proofs of earlier processes by loading only the verifying key; it never runs a setup for that.

package snark

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/consensys/gnark-crypto/ecc"
	"github.com/consensys/gnark/backend/groth16"
	"github.com/consensys/gnark/constraint"
	"github.com/consensys/gnark/frontend"
	"github.com/consensys/gnark/frontend/cs/r1cs"
	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"ledgerproof/internal/backend"
	"ledgerproof/internal/ledger"
	"ledgerproof/internal/metrics"
	"ledgerproof/internal/program"
)

const (
	DefaultCacheSize = 8
	// MinDepth is the smallest tree a transfer fits in: two distinct leaves.
	MinDepth = 1
)

type compiled struct {
	prog program.Program
	ccs  constraint.ConstraintSystem
	pk   groth16.ProvingKey
	vk   groth16.VerifyingKey
}

type verifier struct {
	depth int
	vk    groth16.VerifyingKey
}

// Backend compiles, proves and verifies the transfer program with gnark.
type Backend struct {
	log      zerolog.Logger
	metrics  *metrics.Metrics
	keyDir   string
	maxDepth int

	cache *lru.Cache
	group singleflight.Group

	mu        sync.RWMutex
	verifiers map[program.ID]verifier
}

// Option configures a Backend.
type Option func(*Backend)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option { return func(b *Backend) { b.log = l } }

// WithMetrics records compile, prove and verify timings.
func WithMetrics(m *metrics.Metrics) Option { return func(b *Backend) { b.metrics = m } }

// WithKeyDir persists keys under dir and reuses them across restarts.
func WithKeyDir(dir string) Option { return func(b *Backend) { b.keyDir = dir } }

// WithMaxDepth bounds the depths Compile accepts.
func WithMaxDepth(d int) Option { return func(b *Backend) { b.maxDepth = d } }

// New creates a backend holding at most cacheSize compiled programs in memory.
func New(cacheSize int, opts ...Option) (*Backend, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	b := &Backend{
		log:       zerolog.Nop(),
		maxDepth:  ledger.DefaultMaxDepth,
		verifiers: make(map[program.ID]verifier),
	}
	for _, opt := range opts {
		opt(b)
	}
	cache, err := lru.NewWithEvict(cacheSize, func(key, _ interface{}) {
		b.log.Debug().Interface("depth", key).Msg("compiled program evicted")
	})
	if err != nil {
		return nil, fmt.Errorf("program cache: %w", err)
	}
	b.cache = cache
	return b, nil
}

// Compile returns the program for trees of the given depth, compiling and running the key
// setup on first use.
func (b *Backend) Compile(ctx context.Context, depth int) (program.Program, error) {
	c, err := b.compiled(ctx, depth)
	if err != nil {
		return program.Program{}, err
	}
	return c.prog, nil
}

// CompiledDepths lists, in ascending order, the depths whose program and proving key are held
// in memory.
func (b *Backend) CompiledDepths() []int {
	keys := b.cache.Keys()
	depths := make([]int, 0, len(keys))
	for _, k := range keys {
		depths = append(depths, k.(int))
	}
	sort.Ints(depths)
	return depths
}

func (b *Backend) compiled(ctx context.Context, depth int) (*compiled, error) {
	if depth < MinDepth || depth > b.maxDepth {
		return nil, fmt.Errorf("%w: %d not in [%d, %d]", program.ErrDepthUnsupported, depth, MinDepth, b.maxDepth)
	}
	if v, ok := b.cache.Get(depth); ok {
		return v.(*compiled), nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err, _ := b.group.Do(strconv.Itoa(depth), func() (interface{}, error) {
		if v, ok := b.cache.Get(depth); ok {
			return v, nil
		}
		c, err := b.build(depth)
		if err != nil {
			return nil, err
		}
		b.cache.Add(depth, c)
		b.mu.Lock()
		b.verifiers[c.prog.ID] = verifier{depth: depth, vk: c.vk}
		b.mu.Unlock()
		return c, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*compiled), nil
}

func (b *Backend) build(depth int) (*compiled, error) {
	start := time.Now()
	ccs, ccsDigest, err := compileCircuit(depth)
	if err != nil {
		return nil, err
	}

	var (
		pk groth16.ProvingKey
		vk groth16.VerifyingKey
	)
	if b.keyDir != "" {
		pkPath, vkPath := keyPaths(b.keyDir, depth, ccsDigest)
		pk, vk, err = SetupOrLoadKeys(ccs, pkPath, vkPath)
	} else {
		pk, vk, err = groth16.Setup(ccs)
	}
	if err != nil {
		return nil, fmt.Errorf("key setup failed: %w", err)
	}
	id, err := programID(depth, ccsDigest, vk)
	if err != nil {
		return nil, err
	}

	elapsed := time.Since(start)
	b.metrics.RecordCircuitCompile(elapsed)
	b.log.Info().
		Int("depth", depth).
		Str("program", id.Short()).
		Int("constraints", ccs.GetNbConstraints()).
		Dur("elapsed", elapsed).
		Msg("transfer program compiled")

	return &compiled{
		prog: program.Program{ID: id, Depth: depth},
		ccs:  ccs,
		pk:   pk,
		vk:   vk,
	}, nil
}

// compileCircuit compiles the transfer circuit for depth and digests the constraint system.
func compileCircuit(depth int) (constraint.ConstraintSystem, []byte, error) {
	ccs, err := frontend.Compile(ecc.BN254.ScalarField(), r1cs.NewBuilder, program.NewCircuit(depth))
	if err != nil {
		return nil, nil, fmt.Errorf("circuit compilation failed: %w", err)
	}
	ccsBytes, err := toBytes(ccs)
	if err != nil {
		return nil, nil, fmt.Errorf("serialize constraint system: %w", err)
	}
	return ccs, blake(ccsBytes), nil
}

// programID derives the content address of a compiled program from its depth, constraint
// system digest and verifying key.
func programID(depth int, ccsDigest []byte, vk groth16.VerifyingKey) (program.ID, error) {
	vkBytes, err := toBytes(vk)
	if err != nil {
		return program.ID{}, fmt.Errorf("serialize verifying key: %w", err)
	}
	var depthBytes [8]byte
	binary.BigEndian.PutUint64(depthBytes[:], uint64(depth))
	var id program.ID
	copy(id[:], blake([]byte(program.CircuitVersion), depthBytes[:], ccsDigest, vkBytes))
	return id, nil
}

// loadVerifier registers the verifying key stored in the key directory for depth, if any.
// It never runs a setup, so a missing key file leaves the backend unchanged.
func (b *Backend) loadVerifier(depth int) error {
	_, ccsDigest, err := compileCircuit(depth)
	if err != nil {
		return err
	}
	_, vkPath := keyPaths(b.keyDir, depth, ccsDigest)
	vk, err := LoadVerifyingKey(vkPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("load verifying key: %w", err)
	}
	id, err := programID(depth, ccsDigest, vk)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.verifiers[id] = verifier{depth: depth, vk: vk}
	b.mu.Unlock()
	b.log.Info().Int("depth", depth).Str("program", id.Short()).Msg("verifying key loaded")
	return nil
}

// verifierFor returns the verifying key of id. An id this process never compiled or imported
// is looked up in the key directory, at the depth the transcript claims.
func (b *Backend) verifierFor(id program.ID, inputs program.Stack) (verifier, error) {
	b.mu.RLock()
	v, ok := b.verifiers[id]
	b.mu.RUnlock()
	if ok {
		return v, nil
	}
	unknown := fmt.Errorf("%w: %s", backend.ErrUnknownProgram, id.Short())
	if b.keyDir == "" {
		return verifier{}, unknown
	}
	in, err := program.ParseInputs(inputs)
	if err != nil || in.Depth < MinDepth || in.Depth > uint64(b.maxDepth) {
		return verifier{}, unknown
	}
	depth := int(in.Depth)
	if _, err, _ := b.group.Do("vk/"+strconv.Itoa(depth), func() (interface{}, error) {
		return nil, b.loadVerifier(depth)
	}); err != nil {
		return verifier{}, fmt.Errorf("%w: %w", unknown, err)
	}

	b.mu.RLock()
	v, ok = b.verifiers[id]
	b.mu.RUnlock()
	if !ok {
		return verifier{}, unknown
	}
	return v, nil
}

// lookup returns the compiled program for prog, recompiling it if it was evicted. A program
// whose keys could not be recovered is unknown.
func (b *Backend) lookup(ctx context.Context, prog program.Program) (*compiled, error) {
	b.mu.RLock()
	_, known := b.verifiers[prog.ID]
	b.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("%w: %s", backend.ErrUnknownProgram, prog.ID.Short())
	}
	c, err := b.compiled(ctx, prog.Depth)
	if err != nil {
		return nil, err
	}
	if c.prog.ID != prog.ID {
		return nil, fmt.Errorf("%w: %s was evicted and its proving key is gone", backend.ErrUnknownProgram, prog.ID.Short())
	}
	return c, nil
}

// Execute runs the program against the advice tree whose root matches the input root and
// proves the run. A run that violates any constraint yields an error and no proof.
func (b *Backend) Execute(ctx context.Context, prog program.Program, inputs program.Stack, advice backend.Advice) (*backend.Execution, error) {
	c, err := b.lookup(ctx, prog)
	if err != nil {
		return nil, err
	}
	in, err := program.ParseInputs(inputs)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", backend.ErrMalformedTranscript, err)
	}
	var tree *ledger.Tree
	for _, t := range advice.Trees {
		if t != nil && t.Depth() == prog.Depth && t.Root() == in.Root {
			tree = t
			break
		}
	}
	if tree == nil {
		return nil, fmt.Errorf("%w: root %s", backend.ErrNoAdvice, in.Root)
	}

	trace, err := program.Execute(inputs, tree)
	if err != nil {
		return nil, fmt.Errorf("execution failed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	w, err := frontend.NewWitness(trace.Assignment, ecc.BN254.ScalarField())
	if err != nil {
		return nil, fmt.Errorf("witness creation failed: %w", err)
	}
	proof, err := groth16.Prove(c.ccs, c.pk, w)
	if err != nil {
		b.metrics.RecordError("prove")
		return nil, fmt.Errorf("proof generation failed: %w", err)
	}
	proofBytes, err := toBytes(proof)
	if err != nil {
		return nil, fmt.Errorf("proof marshaling failed: %w", err)
	}
	elapsed := time.Since(start)
	b.metrics.RecordProofGeneration(elapsed)
	b.log.Debug().
		Str("program", prog.ID.Short()).
		Uint64("sender", in.SenderIndex).
		Uint64("receiver", in.ReceiverIndex).
		Dur("elapsed", elapsed).
		Msg("transfer proved")

	return &backend.Execution{Outputs: trace.Outputs, Proof: proofBytes}, nil
}

// Verify checks proof against the transcript of the program identified by id. With a key
// directory, programs compiled by an earlier process sharing that directory verify without
// a prior Compile.
func (b *Backend) Verify(ctx context.Context, id program.ID, inputs, outputs program.Stack, proof backend.Proof) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v, err := b.verifierFor(id, inputs)
	if err != nil {
		return err
	}

	assignment, err := program.PublicAssignment(v.depth, inputs, outputs)
	if err != nil {
		return fmt.Errorf("%w: %w", backend.ErrMalformedTranscript, err)
	}
	w, err := frontend.NewWitness(assignment, ecc.BN254.ScalarField(), frontend.PublicOnly())
	if err != nil {
		return fmt.Errorf("public witness creation failed: %w", err)
	}
	p := groth16.NewProof(ecc.BN254)
	if _, err := p.ReadFrom(bytes.NewReader(proof)); err != nil {
		return fmt.Errorf("%w: proof unmarshaling failed: %w", backend.ErrVerification, err)
	}

	start := time.Now()
	err = groth16.Verify(p, v.vk, w)
	b.metrics.RecordVerification(time.Since(start), err == nil)
	if err != nil {
		return fmt.Errorf("%w: %w", backend.ErrVerification, err)
	}
	return nil
}

// ExportVerifyingKey writes the verifying key of a compiled program, for third-party verifiers.
func (b *Backend) ExportVerifyingKey(id program.ID) ([]byte, error) {
	b.mu.RLock()
	v, ok := b.verifiers[id]
	b.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", backend.ErrUnknownProgram, id.Short())
	}
	return toBytes(v.vk)
}

// ImportVerifyingKey registers a verifying key produced elsewhere, so this backend can verify
// bundles for a program it never compiled. It cannot prove for that program.
func (b *Backend) ImportVerifyingKey(id program.ID, depth int, data []byte) error {
	if depth < MinDepth || depth > b.maxDepth {
		return fmt.Errorf("%w: %d", program.ErrDepthUnsupported, depth)
	}
	vk := groth16.NewVerifyingKey(ecc.BN254)
	if _, err := vk.ReadFrom(bytes.NewReader(data)); err != nil {
		return fmt.Errorf("read verifying key: %w", err)
	}
	b.mu.Lock()
	b.verifiers[id] = verifier{depth: depth, vk: vk}
	b.mu.Unlock()
	return nil
}

var _ backend.Prover = (*Backend)(nil)
