// Package callcontrol owns the interaction steps of one call and ends all of
// them with a single termination reason when the call fails or disconnects.
package callcontrol

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiger/callflow/api/callengine"
	"github.com/tiger/callflow/internal/errinfo"
	"github.com/tiger/callflow/internal/observability/metrics"
	"github.com/tiger/callflow/internal/runtime/cancellation"
	"github.com/tiger/callflow/internal/runtime/promise"
	"github.com/tiger/callflow/internal/runtime/scenario"
	"github.com/tiger/callflow/internal/runtime/steps"
)

// DefaultCallerID is used for outgoing calls when none is configured.
const DefaultCallerID = "default"

// Options configures a controller.
type Options struct {
	CallerID          string
	RecognizerProfile string
	// Recorder receives the last text the subscriber produced.
	Recorder steps.TextRecorder
	Logger   zerolog.Logger
}

type listener struct {
	name callengine.EventName
	id   callengine.ListenerID
}

// Controller owns one connected call.
type Controller struct {
	call   callengine.Call
	logger zerolog.Logger
	graph  *scenario.Graph
	fence  *cancellation.Fence
	ended  chan struct{}

	Say             *scenario.Step[steps.SayArgs, string]
	Silent          *scenario.Step[time.Duration, time.Duration]
	ReadTone        *scenario.Step[steps.ToneOptions, steps.ToneResult]
	RecognizeSpeech *scenario.Step[steps.SpeechOptions, steps.SpeechResult]
	DigitReading    *scenario.Step[steps.DigitOptions, steps.DigitResult]

	mu        sync.Mutex
	timer     *time.Timer
	listeners []listener
}

// CallPSTN dials number and waits for the subscriber to answer.
func CallPSTN(ctx context.Context, engine callengine.Engine, number string, opts Options) (*Controller, error) {
	callerID := opts.CallerID
	if callerID == "" {
		callerID = DefaultCallerID
	}
	opts.Logger.Info().Str("phone", number).Msg("calling subscriber")
	call, err := engine.CallPSTN(ctx, number, callerID)
	if err != nil {
		return nil, errinfo.Wrap("callcontrol.CallPSTN", "failed to place call", err, map[string]any{"phone": number})
	}
	return From(ctx, engine, call, opts)
}

// From waits for call to connect and takes ownership of it. A call that is
// already connected is refused.
func From(ctx context.Context, engine callengine.Engine, call callengine.Call, opts Options) (*Controller, error) {
	if call.State() == callengine.CallConnected {
		return nil, errinfo.New("callcontrol.From", "connection with the subscriber is already established",
			map[string]any{"call_id": call.ID()})
	}

	connected := promise.New[callengine.Event]()
	unreachable := func(ev callengine.Event) {
		connected.Reject(errinfo.New("callcontrol.From", "failed to reach subscriber", map[string]any{
			"call_id": call.ID(),
			"event":   string(ev.Name),
			"code":    ev.Code,
			"reason":  ev.Reason,
		}))
	}
	failedID := call.AddEventListener(callengine.EventFailed, unreachable)
	disconnectedID := call.AddEventListener(callengine.EventDisconnected, unreachable)
	connectedID := call.AddEventListener(callengine.EventConnected, func(ev callengine.Event) {
		connected.Resolve(ev)
	})

	_, err := connected.Wait(ctx)
	call.RemoveEventListener(callengine.EventFailed, failedID)
	call.RemoveEventListener(callengine.EventDisconnected, disconnectedID)
	call.RemoveEventListener(callengine.EventConnected, connectedID)
	if err != nil {
		if _, ok := cancellation.As(err); ok {
			return nil, errinfo.Wrap("callcontrol.From", "call was not connected", err, map[string]any{"call_id": call.ID()})
		}
		return nil, err
	}

	c := newController(engine, call, opts)
	c.logger.Info().Msg("connection with the subscriber established")
	return c, nil
}

func newController(engine callengine.Engine, call callengine.Call, opts Options) *Controller {
	logger := opts.Logger.With().Str("call_id", call.ID()).Logger()
	c := &Controller{
		call:   call,
		logger: logger,
		graph:  scenario.NewGraph(),
		fence:  cancellation.NewFence(),
		ended:  make(chan struct{}),
	}
	hooks := scenario.Hooks{BeforeStart: c.Err}

	c.Say = scenario.NewStep[steps.SayArgs, string]("Say", c.graph, steps.NewSpeech(call, logger), hooks, logger)
	c.Silent = scenario.NewStep[time.Duration, time.Duration]("Silence", c.graph, steps.NewSilence(logger), hooks, logger)
	c.ReadTone = scenario.NewStep[steps.ToneOptions, steps.ToneResult]("ToneReading", c.graph,
		steps.NewToneReader(call, opts.Recorder, logger), hooks, logger)
	c.RecognizeSpeech = scenario.NewStep[steps.SpeechOptions, steps.SpeechResult]("SpeechRecognition", c.graph,
		steps.NewSpeechRecognizer(engine, call, opts.RecognizerProfile, opts.Recorder, logger), hooks, logger)
	c.DigitReading = scenario.NewStep[steps.DigitOptions, steps.DigitResult]("DigitReading", c.graph,
		steps.NewDigitReader(c.ReadTone, c.RecognizeSpeech, logger), hooks, logger)

	c.graph.Conflict(c.ReadTone, c.RecognizeSpeech)
	c.graph.Conflict(c.DigitReading, c.ReadTone)
	c.graph.Conflict(c.DigitReading, c.RecognizeSpeech)
	c.graph.Child(c.DigitReading, c.ReadTone)
	c.graph.Child(c.DigitReading, c.RecognizeSpeech)

	c.listen(callengine.EventFailed, func(ev callengine.Event) {
		c.RejectAll(cancellation.EngineError(ev, map[string]any{"code": ev.Code, "reason": ev.Reason}))
	})
	c.listen(callengine.EventDisconnected, func(ev callengine.Event) {
		c.RejectAll(cancellation.Disconnected(ev))
	})
	return c
}

func (c *Controller) listen(name callengine.EventName, h callengine.Handler) {
	id := c.call.AddEventListener(name, h)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, listener{name: name, id: id})
}

// Call returns the owned call.
func (c *Controller) Call() callengine.Call {
	return c.call
}

// Graph returns the conflict graph of the controller's steps.
func (c *Controller) Graph() *scenario.Graph {
	return c.graph
}

// Err returns the termination reason once the call ended, nil before.
func (c *Controller) Err() error {
	return c.fence.Err()
}

// Ended is closed once RejectAll finished stopping every step.
func (c *Controller) Ended() <-chan struct{} {
	return c.ended
}

// SetCallTimeout hangs up after d. A later call replaces the previous timer.
func (c *Controller) SetCallTimeout(d time.Duration) error {
	if err := c.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.timer != nil {
		c.timer.Stop()
	}
	c.logger.Info().Dur("timeout", d).Msg("call timeout armed")
	c.timer = time.AfterFunc(d, func() {
		c.logger.Info().Msg("call ends on timeout")
		if err := c.Hangup(); err != nil {
			c.logger.Debug().Err(err).Msg("hangup on timeout skipped")
		}
	})
	return nil
}

// RejectAll ends the call for reason: every step is stopped with it and later
// starts fail fast with it. Only the first call has an effect.
func (c *Controller) RejectAll(reason error) bool {
	if !c.fence.Accept(reason) {
		return false
	}
	reason = c.fence.Err()

	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	listeners := c.listeners
	c.listeners = nil
	c.mu.Unlock()

	c.Say.Stop(reason)
	c.Silent.Stop(reason)
	c.RecognizeSpeech.Stop(reason)
	c.ReadTone.Stop(reason)
	c.DigitReading.Stop(reason)

	for _, l := range listeners {
		c.call.RemoveEventListener(l.name, l.id)
	}

	kind := "unknown"
	if r, ok := cancellation.As(reason); ok {
		kind = string(r.Kind())
	}
	metrics.RecordCallEnded(kind)
	c.logger.Info().Str("reason", kind).Msg("call ended")
	close(c.ended)
	return true
}

// Hangup ends the call. Once the call has ended it returns the termination
// reason without issuing a command.
func (c *Controller) Hangup() error {
	if err := c.Err(); err != nil {
		return err
	}
	c.logger.Info().Msg("hanging up")
	if err := c.call.Hangup(); err != nil {
		if ended := c.Err(); ended != nil {
			return ended
		}
		return errinfo.Wrap("callcontrol.Hangup", "hangup failed", err, map[string]any{"call_id": c.call.ID()})
	}
	return nil
}
