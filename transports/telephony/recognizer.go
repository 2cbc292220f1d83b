package telephony

import (
	"sync"

	"github.com/tiger/callflow/api/callengine"
)

// Recognizer is a simulated speech recognition session.
type Recognizer struct {
	emitter

	engine *Engine
	id     string
	callID string
	opts   callengine.RecognizerOptions

	mu      sync.Mutex
	stopped bool
	stops   int
}

var _ callengine.Recognizer = (*Recognizer)(nil)

// ID returns the recognizer id.
func (r *Recognizer) ID() string { return r.id }

// Options returns the options the session was created with.
func (r *Recognizer) Options() callengine.RecognizerOptions {
	opts := r.opts
	opts.PhraseHints = append([]string(nil), r.opts.PhraseHints...)
	return opts
}

// Stop ends the session; Stopped follows once.
func (r *Recognizer) Stop() error {
	r.mu.Lock()
	r.stops++
	if r.stopped {
		r.mu.Unlock()
		return nil
	}
	r.stopped = true
	r.mu.Unlock()
	r.engine.post(dispatch{
		target: &r.emitter,
		event:  callengine.Event{Name: callengine.EventRecognizerStopped, CallID: r.callID, Reason: "stopped"},
	})
	return nil
}

// Stops returns how many times Stop was called.
func (r *Recognizer) Stops() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stops
}

// Stopped reports whether the session has ended.
func (r *Recognizer) Stopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

// CaptureSpeech reports the end of the subscriber's utterance.
func (r *Recognizer) CaptureSpeech() bool {
	return r.emit(callengine.Event{Name: callengine.EventSpeechCaptured, CallID: r.callID})
}

// Recognize delivers a recognition result.
func (r *Recognizer) Recognize(text string, confidence int) bool {
	return r.emit(callengine.Event{Name: callengine.EventRecognizerResult, CallID: r.callID, Text: text, Confidence: confidence})
}

// Fail reports a recognition engine error.
func (r *Recognizer) Fail(code int, reason string) bool {
	return r.emit(callengine.Event{Name: callengine.EventRecognizerError, CallID: r.callID, Code: code, Reason: reason})
}

func (r *Recognizer) emit(ev callengine.Event) bool {
	r.mu.Lock()
	stopped := r.stopped
	r.mu.Unlock()
	if stopped {
		return false
	}
	return r.engine.post(dispatch{target: &r.emitter, event: ev})
}
