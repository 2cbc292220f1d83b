package promise

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiger/callflow/internal/errinfo"
)

// ErrDoubleArmed is the cause of arming a control whose previous settler is unsettled.
var ErrDoubleArmed = errors.New("primitive already armed")

// Setup prepares a freshly armed settler (start a timer, subscribe to an event)
// and returns the release hook that undoes it.
type Setup[T, A any] func(s *Settler[T], args A) (release func(), err error)

// Control is a named factory of settlers. At most one settler is outstanding at a time.
type Control[T, A any] struct {
	name   string
	setup  Setup[T, A]
	logger zerolog.Logger

	mu      sync.Mutex
	current *Settler[T]
}

// NewControl builds a control. name identifies it in double-arm errors and logs.
func NewControl[T, A any](name string, logger zerolog.Logger, setup Setup[T, A]) *Control[T, A] {
	return &Control[T, A]{name: name, setup: setup, logger: logger}
}

// Name returns the control name.
func (c *Control[T, A]) Name() string {
	return c.name
}

// Arm creates a settler and runs setup for it.
func (c *Control[T, A]) Arm(args A) (*Settler[T], error) {
	c.mu.Lock()
	if c.current != nil {
		c.mu.Unlock()
		return nil, errinfo.Wrap("promise.Control.Arm",
			fmt.Sprintf("primitive %q is already armed", c.name),
			ErrDoubleArmed,
			map[string]any{"primitive": c.name})
	}
	s := newSettler[T]()
	c.current = s
	c.mu.Unlock()

	c.logger.Debug().Str("primitive", c.name).Msg("primitive armed")

	var release func()
	if c.setup != nil {
		var err error
		release, err = c.setup(s, args)
		if err != nil {
			s.Reject(err)
			s.attach(func() { c.clear(s) })
			return nil, err
		}
	}
	s.attach(release, func() {
		c.clear(s)
		c.logger.Debug().Str("primitive", c.name).Msg("primitive settled")
	})
	return s, nil
}

// Armed reports whether a settler is outstanding.
func (c *Control[T, A]) Armed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current != nil
}

// Resolve settles the outstanding settler, if any.
func (c *Control[T, A]) Resolve(v T) bool {
	if s := c.outstanding(); s != nil {
		c.logger.Debug().Str("primitive", c.name).Msg("primitive resolved by caller")
		return s.Resolve(v)
	}
	return false
}

// Reject rejects the outstanding settler, if any.
func (c *Control[T, A]) Reject(err error) bool {
	if s := c.outstanding(); s != nil {
		c.logger.Debug().Str("primitive", c.name).Err(err).Msg("primitive rejected by caller")
		return s.Reject(err)
	}
	return false
}

func (c *Control[T, A]) outstanding() *Settler[T] {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *Control[T, A]) clear(s *Settler[T]) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == s {
		c.current = nil
	}
}

// Sleeper is a timer-backed control.
type Sleeper struct {
	control *Control[struct{}, time.Duration]
}

// NewSleeper builds a sleeper.
func NewSleeper(name string, logger zerolog.Logger) *Sleeper {
	return &Sleeper{
		control: NewControl(name, logger, func(s *Settler[struct{}], delay time.Duration) (func(), error) {
			timer := time.AfterFunc(delay, func() { s.Resolve(struct{}{}) })
			return func() { timer.Stop() }, nil
		}),
	}
}

// Sleep waits for delay, an early WakeUp, a ScareUp or the end of ctx.
func (s *Sleeper) Sleep(ctx context.Context, delay time.Duration) error {
	settler, err := s.control.Arm(delay)
	if err != nil {
		return err
	}
	_, err = settler.Wait(ctx)
	return err
}

// WakeUp ends the current sleep successfully.
func (s *Sleeper) WakeUp() {
	s.control.Resolve(struct{}{})
}

// ScareUp ends the current sleep with reason.
func (s *Sleeper) ScareUp(reason error) {
	s.control.Reject(reason)
}
