package cancellation

import (
	"context"
	"errors"
	"fmt"
	"maps"

	"github.com/tiger/callflow/api/callengine"
)

// Kind tags a termination reason.
type Kind string

const (
	KindTimeout              Kind = "timeout"
	KindInterruption         Kind = "interruption"
	KindRelatedStepHasResult Kind = "related_step_has_result"
	KindDisconnected         Kind = "disconnected"
	KindRecognizerStopped    Kind = "recognizer_stopped"
	KindEngineError          Kind = "engine_error"
)

// Reason explains why a step or call ended early. Reasons are immutable once built
// and travel through every cancellation path as an error value.
type Reason struct {
	kind    Kind
	event   callengine.Event
	details map[string]any
}

// Timeout is raised when a step deadline fires.
func Timeout() *Reason { return &Reason{kind: KindTimeout} }

// Interruption is raised when a caller explicitly stops a step.
func Interruption() *Reason { return &Reason{kind: KindInterruption} }

// RelatedStepHasResult is raised on the loser of a race once a sibling produced a usable result.
func RelatedStepHasResult() *Reason { return &Reason{kind: KindRelatedStepHasResult} }

// Disconnected is raised when the call disconnects.
func Disconnected(ev callengine.Event) *Reason {
	return &Reason{kind: KindDisconnected, event: ev}
}

// RecognizerStopped is raised when the recognizer session stops before delivering a result.
func RecognizerStopped(ev callengine.Event) *Reason {
	return &Reason{kind: KindRecognizerStopped, event: ev}
}

// EngineError is raised on call failure or recognizer error events.
func EngineError(ev callengine.Event, details map[string]any) *Reason {
	return &Reason{kind: KindEngineError, event: ev, details: maps.Clone(details)}
}

// Kind returns the reason tag.
func (r *Reason) Kind() Kind { return r.kind }

// Event returns the engine event that produced the reason, if any.
func (r *Reason) Event() callengine.Event { return r.event }

// Details returns a copy of the structured details.
func (r *Reason) Details() map[string]any { return maps.Clone(r.details) }

func (r *Reason) Error() string {
	switch {
	case r.event.Reason != "":
		return fmt.Sprintf("step terminated: %s (%s)", r.kind, r.event.Reason)
	case r.event.Name != "":
		return fmt.Sprintf("step terminated: %s (%s)", r.kind, r.event.Name)
	default:
		return fmt.Sprintf("step terminated: %s", r.kind)
	}
}

// Is matches reasons by kind, so errors.Is(err, cancellation.Timeout()) works.
func (r *Reason) Is(target error) bool {
	t, ok := target.(*Reason)
	return ok && t.kind == r.kind
}

// As extracts the termination reason from an error chain.
func As(err error) (*Reason, bool) {
	var r *Reason
	if errors.As(err, &r) {
		return r, true
	}
	return nil, false
}

// FromContext maps a finished context to a termination reason. A cause that is
// already a reason is returned as is; plain deadline and cancel map to Timeout and
// Interruption. It returns nil while ctx is still live.
func FromContext(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	cause := context.Cause(ctx)
	if r, ok := As(cause); ok {
		return r
	}
	switch {
	case errors.Is(cause, context.DeadlineExceeded):
		return Timeout()
	case errors.Is(cause, context.Canceled):
		return Interruption()
	default:
		return cause
	}
}
