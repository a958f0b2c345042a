// Package reactive wraps object reads in subscribable store handles.
//
// A Store is an in-process, non-persisted view over one object or query:
// current value, a subscription mechanism, and a loading flag. Handles are
// created per read call and are ephemeral, but repeated reads of the same
// id share one evolving store through the Reader's per-id cache.
package reactive

import (
	"context"
	"sync"
	"time"

	"github.com/roach88/strata/internal/fault"
	"github.com/roach88/strata/internal/value"
)

// Store is a subscribable read handle.
type Store struct {
	mu      sync.Mutex
	val     value.Value
	loading bool
	err     error
	subs    map[int64]func(value.Value)
	subSeq  int64
	ready   chan struct{}
}

// NewStore creates a store in the loading state.
func NewStore() *Store {
	return &Store{
		loading: true,
		subs:    make(map[int64]func(value.Value)),
		ready:   make(chan struct{}),
	}
}

// Value returns the current value, nil while loading.
func (s *Store) Value() value.Value {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.val
}

// Loading reports whether the store has neither a value nor a failure yet.
func (s *Store) Loading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// Err returns the rejection, if the underlying read failed.
func (s *Store) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Subscribe registers fn to run on every published value. The current
// value, when present, is delivered immediately. The returned cancel func
// unregisters the subscription.
func (s *Store) Subscribe(fn func(value.Value)) (cancel func()) {
	s.mu.Lock()
	s.subSeq++
	token := s.subSeq
	s.subs[token] = fn
	current := s.val
	deliver := !s.loading && s.err == nil
	s.mu.Unlock()

	if deliver {
		fn(current)
	}
	return func() {
		s.mu.Lock()
		delete(s.subs, token)
		s.mu.Unlock()
	}
}

// publish sets the value, clears loading, and notifies subscribers.
func (s *Store) publish(v value.Value) {
	s.mu.Lock()
	s.val = v
	wasLoading := s.loading
	s.loading = false
	s.err = nil
	fns := make([]func(value.Value), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()

	if wasLoading {
		close(s.ready)
	}
	for _, fn := range fns {
		fn(v)
	}
}

// reject records a load failure and clears loading. Subscribers are not
// called; the failure surfaces through Err and WaitForReady.
func (s *Store) reject(err error) {
	s.mu.Lock()
	if !s.loading {
		s.mu.Unlock()
		return
	}
	s.err = err
	s.loading = false
	s.mu.Unlock()
	close(s.ready)
}

// WaitForReady suspends until the store's loading flag clears or the
// timeout elapses. A timed-out store keeps loading in the background; a
// later call can still find it ready.
func WaitForReady(ctx context.Context, s *Store, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-s.ready:
		return s.Err()
	case <-ctx.Done():
		return fault.New(fault.Timeout, "read canceled before the store became ready")
	case <-timer.C:
		return fault.New(fault.Timeout, "store did not become ready in time")
	}
}
