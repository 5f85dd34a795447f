// state.go - Current-tree holder shared between concurrent transfer runs.

package ledger

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStaleRoot is returned by Commit when the current root is no longer the one the caller
// computed its update against.
var ErrStaleRoot = errors.New("ledger: stale root")

// State holds the current tree. Readers take immutable snapshots; writers commit with
// compare-and-swap on the root.
type State struct {
	mu      sync.RWMutex
	current *Tree
	version uint64
}

// NewState wraps an initial tree.
func NewState(initial *Tree) *State {
	return &State{current: initial}
}

// Snapshot returns the current tree. The tree is immutable, so it stays consistent for as
// long as the caller holds it.
func (s *State) Snapshot() *Tree {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// Root returns the current root.
func (s *State) Root() Digest {
	return s.Snapshot().Root()
}

// Version counts successful commits.
func (s *State) Version() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// Committed returns the current tree together with its version, read under one lock.
func (s *State) Committed() (*Tree, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current, s.version
}

// Commit installs next as the current tree if the current root still equals expectedOld.
func (s *State) Commit(expectedOld Digest, next *Tree) error {
	if next == nil {
		return errors.New("ledger: commit of nil tree")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur := s.current.Root(); cur != expectedOld {
		return fmt.Errorf("%w: expected %s, current %s", ErrStaleRoot, expectedOld, cur)
	}
	if next.Depth() != s.current.Depth() {
		return fmt.Errorf("ledger: commit changes depth from %d to %d", s.current.Depth(), next.Depth())
	}
	s.current = next
	s.version++
	return nil
}
