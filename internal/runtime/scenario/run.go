package scenario

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"github.com/tiger/callflow/internal/errinfo"
	"github.com/tiger/callflow/internal/runtime/cancellation"
)

var (
	// ErrNoResult is the cause of a body that finished without publishing.
	ErrNoResult = errors.New("step finished without a result")
	// ErrStoppedWithoutResult is the cause of a body stopped before publishing.
	ErrStoppedWithoutResult = errors.New("no result produced, but step was stopped")
)

// Outcome is Completed(Value) when Reason is nil, Cancelled(Reason, Value) otherwise.
type Outcome[T any] struct {
	Value  T
	Reason *cancellation.Reason
}

// Completed builds a completed outcome.
func Completed[T any](v T) Outcome[T] {
	return Outcome[T]{Value: v}
}

// Cancelled builds a cancelled outcome carrying the last published value.
func Cancelled[T any](reason *cancellation.Reason, v T) Outcome[T] {
	return Outcome[T]{Value: v, Reason: reason}
}

// IsCancelled reports whether the body was terminated early.
func (o Outcome[T]) IsCancelled() bool {
	return o.Reason != nil
}

type publisher[T any] struct {
	mu    sync.Mutex
	value T
	set   bool
}

func (p *publisher[T]) publish(v T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.value = v
	p.set = true
}

func (p *publisher[T]) last() (T, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.value, p.set
}

// Run executes body with a publish callback and extracts its result. The body may
// publish any number of times; the last value wins. A termination reason raised
// after a publish becomes a Cancelled outcome; other errors propagate unmodified.
func Run[T any](ctx context.Context, name string, logger zerolog.Logger, body func(ctx context.Context, publish func(T)) error) (Outcome[T], error) {
	var p publisher[T]

	logger.Debug().Str("step", name).Msg("step started")
	err := body(ctx, p.publish)
	value, ok := p.last()

	if err != nil {
		reason, isReason := cancellation.As(err)
		if !isReason || errors.Is(err, ErrStoppedWithoutResult) {
			logger.Debug().Str("step", name).Err(err).Msg("step failed")
			return Outcome[T]{}, err
		}
		if !ok {
			logger.Debug().Str("step", name).Str("reason", string(reason.Kind())).Msg("step stopped without result")
			return Outcome[T]{}, errinfo.Wrap("scenario.Run",
				fmt.Sprintf("step %q was stopped before producing a result", name),
				errors.Join(ErrStoppedWithoutResult, reason),
				map[string]any{"step": name, "reason": string(reason.Kind())})
		}
		logger.Debug().Str("step", name).Str("reason", string(reason.Kind())).Msg("step stopped with partial result")
		return Cancelled(reason, value), nil
	}

	if !ok {
		return Outcome[T]{}, errinfo.Wrap("scenario.Run",
			fmt.Sprintf("step %q finished without a result", name),
			ErrNoResult,
			map[string]any{"step": name})
	}
	logger.Debug().Str("step", name).Msg("step finished")
	return Completed(value), nil
}
