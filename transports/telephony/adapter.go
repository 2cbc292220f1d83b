// Package telephony provides an in-process call engine. Calls and recognizers
// are driven by scripted subscriber input; every event is delivered from one
// dispatcher goroutine, one at a time.
package telephony

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/tiger/callflow/api/callengine"
)

// Config controls simulated engine defaults.
type Config struct {
	// AutoConnect connects outgoing calls as soon as a Connected listener is registered.
	AutoConnect bool
	// ConnectDelay delays the automatic connect.
	ConnectDelay time.Duration
	// PlaybackDelay finishes each prompt after this long. Zero leaves playback
	// running until FinishPlayback unless a synthesizer is set.
	PlaybackDelay time.Duration
	// Synthesizer renders prompts; playback then lasts the utterance duration.
	Synthesizer callengine.Synthesizer
	Logger      zerolog.Logger
}

type dispatch struct {
	target *emitter
	event  callengine.Event
	apply  func()
	done   chan struct{}
}

// Engine implements callengine.Engine.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	wake chan struct{}
	quit chan struct{}
	wg   sync.WaitGroup
	once sync.Once

	mu          sync.Mutex
	closed      bool
	queue       []dispatch
	calls       []*Call
	recognizers []*Recognizer
}

// NewEngine starts the dispatcher. Close releases it.
func NewEngine(cfg Config) *Engine {
	e := &Engine{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "telephony").Logger(),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	e.wg.Add(1)
	go e.loop()
	return e
}

// Close stops the dispatcher and all pending timers. Undelivered events are dropped.
func (e *Engine) Close() {
	e.once.Do(func() {
		e.mu.Lock()
		e.closed = true
		e.queue = nil
		calls := append([]*Call(nil), e.calls...)
		e.mu.Unlock()
		for _, c := range calls {
			c.stopTimers()
		}
		close(e.quit)
		e.wg.Wait()
	})
}

// Sync blocks until every event posted before the call has been delivered.
func (e *Engine) Sync(ctx context.Context) error {
	done := make(chan struct{})
	if !e.post(dispatch{done: done}) {
		return fmt.Errorf("telephony engine is closed")
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CallPSTN creates an outgoing call in the connecting state.
func (e *Engine) CallPSTN(ctx context.Context, number, callerID string) (callengine.Call, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if number == "" {
		return nil, fmt.Errorf("number is required")
	}
	c := e.newCall(number, callerID, e.cfg.AutoConnect)
	e.logger.Debug().Str("call_id", c.id).Str("number", number).Msg("outgoing call created")
	return c, nil
}

// IncomingCall creates a call that rings in from number. Connect answers it.
func (e *Engine) IncomingCall(number string) *Call {
	c := e.newCall(number, "", false)
	e.logger.Debug().Str("call_id", c.id).Str("number", number).Msg("incoming call created")
	return c
}

// CreateRecognizer opens a recognizer session for a connected call.
func (e *Engine) CreateRecognizer(ctx context.Context, call callengine.Call, opts callengine.RecognizerOptions) (callengine.Recognizer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid recognizer options: %w", err)
	}
	if call.State() != callengine.CallConnected {
		return nil, fmt.Errorf("call %s is not connected", call.ID())
	}
	r := &Recognizer{
		emitter: newEmitter(),
		engine:  e,
		id:      uuid.NewString(),
		callID:  call.ID(),
		opts:    opts,
	}
	e.mu.Lock()
	e.recognizers = append(e.recognizers, r)
	e.mu.Unlock()
	e.logger.Debug().Str("call_id", call.ID()).Str("recognizer_id", r.id).Msg("recognizer created")
	return r, nil
}

// Calls returns every call created so far.
func (e *Engine) Calls() []*Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Call(nil), e.calls...)
}

// Recognizers returns every recognizer created so far.
func (e *Engine) Recognizers() []*Recognizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Recognizer(nil), e.recognizers...)
}

// LastRecognizer returns the most recently created recognizer, or nil.
func (e *Engine) LastRecognizer() *Recognizer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.recognizers) == 0 {
		return nil
	}
	return e.recognizers[len(e.recognizers)-1]
}

func (e *Engine) newCall(number, callerID string, autoConnect bool) *Call {
	c := &Call{
		emitter:     newEmitter(),
		engine:      e,
		id:          uuid.NewString(),
		number:      number,
		callerID:    callerID,
		state:       callengine.CallConnecting,
		autoConnect: autoConnect,
		media:       map[*Recognizer]bool{},
	}
	e.mu.Lock()
	e.calls = append(e.calls, c)
	e.mu.Unlock()
	return c
}

func (e *Engine) post(d dispatch) bool {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, d)
	e.mu.Unlock()
	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

func (e *Engine) pop() (dispatch, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.queue) == 0 {
		return dispatch{}, false
	}
	d := e.queue[0]
	e.queue = e.queue[1:]
	return d, true
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.quit:
			return
		case <-e.wake:
		}
		for {
			d, ok := e.pop()
			if !ok {
				break
			}
			if d.apply != nil {
				d.apply()
			}
			if d.target != nil {
				e.logger.Debug().Str("event", string(d.event.Name)).Str("call_id", d.event.CallID).Msg("event delivered")
				d.target.deliver(d.event)
			}
			if d.done != nil {
				close(d.done)
			}
		}
	}
}

type emitter struct {
	mu       sync.Mutex
	next     callengine.ListenerID
	handlers map[callengine.EventName]map[callengine.ListenerID]callengine.Handler
}

func newEmitter() emitter {
	return emitter{handlers: map[callengine.EventName]map[callengine.ListenerID]callengine.Handler{}}
}

// AddEventListener registers h for name.
func (m *emitter) AddEventListener(name callengine.EventName, h callengine.Handler) callengine.ListenerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	if m.handlers[name] == nil {
		m.handlers[name] = map[callengine.ListenerID]callengine.Handler{}
	}
	m.handlers[name][m.next] = h
	return m.next
}

// RemoveEventListener unregisters a handler. Unknown ids are ignored.
func (m *emitter) RemoveEventListener(name callengine.EventName, id callengine.ListenerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.handlers[name], id)
}

// ListenerCount returns the number of handlers registered for name.
func (m *emitter) ListenerCount(name callengine.EventName) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handlers[name])
}

// TotalListeners returns the number of handlers across all events.
func (m *emitter) TotalListeners() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, hs := range m.handlers {
		total += len(hs)
	}
	return total
}

// deliver invokes handlers in registration order. A handler removed by an
// earlier handler of the same event is skipped.
func (m *emitter) deliver(ev callengine.Event) {
	m.mu.Lock()
	ids := make([]callengine.ListenerID, 0, len(m.handlers[ev.Name]))
	for id := range m.handlers[ev.Name] {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		m.mu.Lock()
		h, ok := m.handlers[ev.Name][id]
		m.mu.Unlock()
		if ok {
			h(ev)
		}
	}
}
