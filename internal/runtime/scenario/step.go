// Package scenario implements interruptible interaction steps: admission
// control against a conflict graph, per-run cancellation, and result
// extraction that turns early termination into a partial result.
package scenario

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tiger/callflow/internal/observability/metrics"
	"github.com/tiger/callflow/internal/runtime/cancellation"
)

// Body is the step-specific part of a step.
type Body[A, R any] interface {
	// Run performs one invocation. ctx is cancelled with the stop reason.
	Run(ctx context.Context, args A, publish func(R)) error
	// Stop signals step-specific cancellation (reject waits, clear timers).
	Stop(reason error)
}

// Hooks are owner callbacks around a step lifecycle.
type Hooks struct {
	// BeforeStart runs before admission; an error refuses the start.
	BeforeStart func() error
	// BeforeStop runs before cancellation reaches the body.
	BeforeStop func(reason error)
}

// Step is a named, restartable interaction step.
type Step[A, R any] struct {
	name   string
	graph  *Graph
	body   Body[A, R]
	hooks  Hooks
	logger zerolog.Logger

	mu       sync.Mutex
	cancel   context.CancelCauseFunc
	stopping bool
}

// NewStep registers a step in graph.
func NewStep[A, R any](name string, graph *Graph, body Body[A, R], hooks Hooks, logger zerolog.Logger) *Step[A, R] {
	return &Step[A, R]{
		name:   name,
		graph:  graph,
		body:   body,
		hooks:  hooks,
		logger: logger.With().Str("step", name).Logger(),
	}
}

// Name returns the step name.
func (s *Step[A, R]) Name() string {
	return s.name
}

// Running reports whether an invocation is in flight.
func (s *Step[A, R]) Running() bool {
	return s.graph.Running(s)
}

// Start runs one invocation and blocks until it settles. The step is idle again
// by the time Start returns.
func (s *Step[A, R]) Start(ctx context.Context, args A) (Outcome[R], error) {
	if s.hooks.BeforeStart != nil {
		if err := s.hooks.BeforeStart(); err != nil {
			return Outcome[R]{}, err
		}
	}

	s.mu.Lock()
	if err := s.graph.admit(s); err != nil {
		s.mu.Unlock()
		s.logger.Warn().Err(err).Msg("step start refused")
		return Outcome[R]{}, err
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	s.cancel = cancel
	s.stopping = false
	s.mu.Unlock()

	metrics.RecordStepStart(s.name)
	defer func() {
		s.mu.Lock()
		s.cancel = nil
		s.stopping = false
		s.graph.release(s)
		s.mu.Unlock()
		cancel(nil)
	}()

	out, err := Run(runCtx, s.name, s.logger, func(ctx context.Context, publish func(R)) error {
		return s.body.Run(ctx, args, publish)
	})
	switch {
	case err != nil:
		metrics.RecordStepOutcome(s.name, metrics.OutcomeError)
	case out.IsCancelled():
		metrics.RecordStepOutcome(s.name, metrics.OutcomeCancelled)
	default:
		metrics.RecordStepOutcome(s.name, metrics.OutcomeCompleted)
	}
	return out, err
}

// Stop signals cancellation with reason and returns without waiting. Stopping an
// idle step, or a step whose stop is already propagating, does nothing.
func (s *Step[A, R]) Stop(reason error) {
	if reason == nil {
		reason = cancellation.Interruption()
	}
	s.mu.Lock()
	if s.cancel == nil || s.stopping {
		s.mu.Unlock()
		return
	}
	s.stopping = true
	cancel := s.cancel
	s.mu.Unlock()

	s.logger.Debug().Err(reason).Msg("step stopping")
	if s.hooks.BeforeStop != nil {
		s.hooks.BeforeStop(reason)
	}
	s.body.Stop(reason)
	cancel(reason)
}
