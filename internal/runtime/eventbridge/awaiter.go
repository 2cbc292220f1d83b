// Package eventbridge turns one named event of an engine event source into a
// single-shot wait. The listener lives only from arming to settlement.
package eventbridge

import (
	"context"

	"github.com/rs/zerolog"
	"github.com/tiger/callflow/api/callengine"
	"github.com/tiger/callflow/internal/runtime/promise"
)

// Awaiter waits for the next occurrence of one event on one source.
type Awaiter struct {
	source  callengine.EventSource
	event   callengine.EventName
	control *promise.Control[callengine.Event, struct{}]
}

// Pending is an armed wait.
type Pending struct {
	settler *promise.Settler[callengine.Event]
}

// New builds an awaiter. description names it in logs and double-arm errors.
func New(description string, source callengine.EventSource, event callengine.EventName, logger zerolog.Logger) *Awaiter {
	a := &Awaiter{source: source, event: event}
	a.control = promise.NewControl(description, logger, func(s *promise.Settler[callengine.Event], _ struct{}) (func(), error) {
		id := source.AddEventListener(event, func(ev callengine.Event) {
			s.Resolve(ev)
		})
		return func() { source.RemoveEventListener(event, id) }, nil
	})
	return a
}

// Event returns the awaited event name.
func (a *Awaiter) Event() callengine.EventName {
	return a.event
}

// Arm subscribes to the event. Call Wait on the result to block for it.
func (a *Awaiter) Arm() (*Pending, error) {
	s, err := a.control.Arm(struct{}{})
	if err != nil {
		return nil, err
	}
	return &Pending{settler: s}, nil
}

// Wait arms and waits in one call.
func (a *Awaiter) Wait(ctx context.Context) (callengine.Event, error) {
	p, err := a.Arm()
	if err != nil {
		return callengine.Event{}, err
	}
	return p.Wait(ctx)
}

// Reject cancels the pending wait with reason. No-op while not armed.
func (a *Awaiter) Reject(reason error) bool {
	return a.control.Reject(reason)
}

// Armed reports whether a wait is outstanding.
func (a *Awaiter) Armed() bool {
	return a.control.Armed()
}

// Wait blocks for the event, a rejection or the end of ctx.
func (p *Pending) Wait(ctx context.Context) (callengine.Event, error) {
	return p.settler.Wait(ctx)
}

// Done is closed once the wait settled and the listener was removed.
func (p *Pending) Done() <-chan struct{} {
	return p.settler.Done()
}

// Result returns the settlement without blocking.
func (p *Pending) Result() (callengine.Event, error, bool) {
	return p.settler.Result()
}

// Reject cancels this wait with reason.
func (p *Pending) Reject(reason error) bool {
	return p.settler.Reject(reason)
}
