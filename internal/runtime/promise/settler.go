// Package promise implements the single-shot cancellable future used by every
// interaction step: a Settler is resolved or rejected exactly once, and a named
// Control re-arms a fresh Settler per invocation.
package promise

import (
	"context"
	"sync"

	"github.com/tiger/callflow/internal/runtime/cancellation"
)

type settlerState int

const (
	statePending settlerState = iota
	stateSettled
	stateDelivered
)

// Settler is a single-shot future. The first Resolve or Reject wins; later calls
// return false. The release hook runs exactly once before Done is closed.
type Settler[T any] struct {
	mu      sync.Mutex
	state   settlerState
	armed   bool
	value   T
	err     error
	release []func()
	done    chan struct{}
}

// New returns a ready settler without setup or release hooks.
func New[T any]() *Settler[T] {
	s := newSettler[T]()
	s.attach(nil)
	return s
}

func newSettler[T any]() *Settler[T] {
	return &Settler[T]{done: make(chan struct{})}
}

// Resolve settles with v.
func (s *Settler[T]) Resolve(v T) bool {
	return s.settle(v, nil)
}

// Reject settles with err. A nil err is recorded as an interruption.
func (s *Settler[T]) Reject(err error) bool {
	if err == nil {
		err = cancellation.Interruption()
	}
	var zero T
	return s.settle(zero, err)
}

// Done is closed once the settlement is delivered.
func (s *Settler[T]) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until settlement. If ctx finishes first the settler is rejected
// with the context cause mapped to a termination reason.
func (s *Settler[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-s.done:
	case <-ctx.Done():
		s.Reject(cancellation.FromContext(ctx))
		<-s.done
	}
	return s.value, s.err
}

// Result returns the settled value without blocking. ok is false while pending.
func (s *Settler[T]) Result() (value T, err error, ok bool) {
	select {
	case <-s.done:
		return s.value, s.err, true
	default:
		var zero T
		return zero, nil, false
	}
}

func (s *Settler[T]) settle(v T, err error) bool {
	s.mu.Lock()
	if s.state != statePending {
		s.mu.Unlock()
		return false
	}
	s.state = stateSettled
	s.value, s.err = v, err
	ready := s.armed
	s.mu.Unlock()

	// Settling from inside setup defers delivery until attach.
	if ready {
		s.deliver()
	}
	return true
}

// attach installs release hooks after setup and delivers an early settlement.
func (s *Settler[T]) attach(release ...func()) {
	s.mu.Lock()
	for _, fn := range release {
		if fn != nil {
			s.release = append(s.release, fn)
		}
	}
	s.armed = true
	settled := s.state == stateSettled
	s.mu.Unlock()
	if settled {
		s.deliver()
	}
}

func (s *Settler[T]) deliver() {
	s.mu.Lock()
	if s.state != stateSettled {
		s.mu.Unlock()
		return
	}
	s.state = stateDelivered
	hooks := s.release
	s.release = nil
	s.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
	close(s.done)
}
