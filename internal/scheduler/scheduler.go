// Package scheduler runs transfers concurrently against one shared ledger state.
//
// Transfers touching a common leaf index are serialized. Transfers on disjoint indices run in
// parallel, each against the snapshot it started from; the first to finish commits, and any
// other whose snapshot went stale is re-run against the new root.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"ledgerproof/internal/ledger"
	"ledgerproof/internal/metrics"
	"ledgerproof/internal/oracle"
	"ledgerproof/internal/transfer"
)

const (
	DefaultMaxRetries  = 3
	DefaultConcurrency = 4
)

var ErrTooManyRetries = errors.New("scheduler: snapshot kept going stale")

// Runner processes one transfer against one snapshot. *oracle.Oracle implements it.
type Runner interface {
	Run(ctx context.Context, tree *ledger.Tree, req transfer.Request) (*oracle.Outcome, error)
}

// Result pairs an outcome with its error.
type Result struct {
	Outcome *oracle.Outcome
	Err     error
}

// Scheduler owns the per-index locks for one ledger state.
type Scheduler struct {
	state  *ledger.State
	runner Runner

	log         zerolog.Logger
	metrics     *metrics.Metrics
	maxRetries  int
	concurrency int

	mu    sync.Mutex
	locks map[uint64]*indexLock
}

type indexLock struct {
	ch   chan struct{}
	refs int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l zerolog.Logger) Option    { return func(s *Scheduler) { s.log = l } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }
func WithMaxRetries(n int) Option           { return func(s *Scheduler) { s.maxRetries = n } }
func WithConcurrency(n int) Option          { return func(s *Scheduler) { s.concurrency = n } }

// New creates a scheduler committing accepted transfers to state.
func New(state *ledger.State, runner Runner, opts ...Option) *Scheduler {
	s := &Scheduler{
		state:       state,
		runner:      runner,
		log:         zerolog.Nop(),
		maxRetries:  DefaultMaxRetries,
		concurrency: DefaultConcurrency,
		locks:       make(map[uint64]*indexLock),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.concurrency <= 0 {
		s.concurrency = 1
	}
	if s.maxRetries < 0 {
		s.maxRetries = 0
	}
	return s
}

// State returns the ledger state the scheduler commits to.
func (s *Scheduler) State() *ledger.State { return s.state }

// Submit runs req and, if accepted, commits its post-state. Rejections commit nothing.
func (s *Scheduler) Submit(ctx context.Context, req transfer.Request) (*oracle.Outcome, error) {
	unlock, err := s.lock(ctx, req.SenderIndex, req.ReceiverIndex)
	if err != nil {
		return nil, err
	}
	defer unlock()

	for attempt := 0; ; attempt++ {
		snap := s.state.Snapshot()
		out, err := s.runner.Run(ctx, snap, req)
		if err != nil {
			return out, err
		}
		err = s.state.Commit(out.OldRoot, out.Expected)
		if err == nil {
			s.metrics.RecordCommit(s.state.Version())
			s.log.Debug().
				Str("request", req.String()).
				Str("root", out.NewRoot.String()).
				Int("attempt", attempt).
				Msg("transfer committed")
			return out, nil
		}
		if !errors.Is(err, ledger.ErrStaleRoot) {
			return out, fmt.Errorf("commit: %w", err)
		}
		if attempt >= s.maxRetries {
			return out, fmt.Errorf("%w: %d attempts: %w", ErrTooManyRetries, attempt+1, err)
		}
		s.metrics.RecordRetry()
		s.log.Debug().Str("request", req.String()).Int("attempt", attempt).Msg("snapshot stale, re-running")
	}
}

// SubmitAll submits every request, at most the configured number at a time, and returns one
// result per request in input order. The error is non-nil only if ctx ended first.
func (s *Scheduler) SubmitAll(ctx context.Context, reqs []transfer.Request) ([]Result, error) {
	results := make([]Result, len(reqs))
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for i, req := range reqs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			out, err := s.Submit(ctx, req)
			results[i] = Result{Outcome: out, Err: err}
			return nil
		})
	}
	_ = g.Wait()
	return results, ctx.Err()
}

// lock acquires the locks of the given indices in ascending order.
func (s *Scheduler) lock(ctx context.Context, indices ...uint64) (func(), error) {
	sort.Slice(indices, func(i, j int) bool { return indices[i] < indices[j] })
	uniq := indices[:0]
	for i, idx := range indices {
		if i == 0 || idx != indices[i-1] {
			uniq = append(uniq, idx)
		}
	}

	held := make([]uint64, 0, len(uniq))
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			s.release(held[i])
		}
	}
	for _, idx := range uniq {
		l := s.acquireRef(idx)
		select {
		case l.ch <- struct{}{}:
			held = append(held, idx)
		case <-ctx.Done():
			s.dropRef(idx)
			release()
			return nil, ctx.Err()
		}
	}
	return release, nil
}

func (s *Scheduler) acquireRef(idx uint64) *indexLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[idx]
	if !ok {
		l = &indexLock{ch: make(chan struct{}, 1)}
		s.locks[idx] = l
	}
	l.refs++
	return l
}

func (s *Scheduler) dropRef(idx uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l := s.locks[idx]
	l.refs--
	if l.refs == 0 {
		delete(s.locks, idx)
	}
}

func (s *Scheduler) release(idx uint64) {
	s.mu.Lock()
	l := s.locks[idx]
	s.mu.Unlock()
	<-l.ch
	s.dropRef(idx)
}
