package steps

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiger/callflow/api/callengine"
	"github.com/tiger/callflow/internal/runtime/cancellation"
	"github.com/tiger/callflow/internal/runtime/eventbridge"
)

// MinimumConfidence is the exclusive lower bound for accepting a recognition.
const MinimumConfidence = 10

// DefaultRecognizerProfile is used when no profile is configured.
const DefaultRecognizerProfile = "ru-RU"

// SpeechStatus tags a SpeechResult.
type SpeechStatus string

const (
	SpeechSilence       SpeechStatus = "silence"
	SpeechNotRecognized SpeechStatus = "not_recognized"
	SpeechRecognized    SpeechStatus = "recognized"
)

// SpeechOptions bounds one recognition.
type SpeechOptions struct {
	Timeout     time.Duration
	PhraseHints []string
}

// SpeechResult is Silence, NotRecognized or Recognized(Text, Confidence).
type SpeechResult struct {
	Status     SpeechStatus `json:"status"`
	Text       string       `json:"text,omitempty"`
	Confidence int          `json:"confidence,omitempty"`
}

// Accepts reports whether a recognition with confidence is usable.
func Accepts(confidence int) bool {
	return confidence > MinimumConfidence
}

// Classify maps a recognizer result to a SpeechResult.
func Classify(text string, confidence int) SpeechResult {
	if !Accepts(confidence) {
		return SpeechResult{Status: SpeechNotRecognized}
	}
	return SpeechResult{Status: SpeechRecognized, Text: text, Confidence: confidence}
}

// SpeechRecognizer runs one single-utterance recognizer session per invocation.
type SpeechRecognizer struct {
	engine   callengine.Engine
	call     callengine.Call
	profile  string
	recorder TextRecorder
	logger   zerolog.Logger

	mu      sync.Mutex
	current *recognition
}

func NewSpeechRecognizer(engine callengine.Engine, call callengine.Call, profile string, recorder TextRecorder, logger zerolog.Logger) *SpeechRecognizer {
	if profile == "" {
		profile = DefaultRecognizerProfile
	}
	return &SpeechRecognizer{
		engine:   engine,
		call:     call,
		profile:  profile,
		recorder: recorderOrNop(recorder),
		logger:   logger,
	}
}

func (s *SpeechRecognizer) Run(ctx context.Context, opts SpeechOptions, publish func(SpeechResult)) error {
	publish(SpeechResult{Status: SpeechSilence})

	rec, err := s.engine.CreateRecognizer(ctx, s.call, callengine.RecognizerOptions{
		Profile:         s.profile,
		SingleUtterance: true,
		PhraseHints:     opts.PhraseHints,
	})
	if err != nil {
		if ctx.Err() != nil {
			return cancellation.FromContext(ctx)
		}
		return fmt.Errorf("create recognizer: %w", err)
	}
	r := newRecognition(s.call, rec, s.logger)
	s.setCurrent(r)
	defer func() {
		s.setCurrent(nil)
		r.close()
	}()

	if opts.Timeout > 0 {
		r.setTimeout(opts.Timeout)
	}
	ev, err := r.recognize(ctx)
	if err != nil {
		return err
	}
	if ev.Text != "" {
		s.recorder.RecordText(ev.Text)
	}
	result := Classify(ev.Text, ev.Confidence)
	if result.Status == SpeechRecognized {
		s.logger.Info().Str("text", ev.Text).Int("confidence", ev.Confidence).Msg("speech recognized")
	} else {
		s.logger.Info().Str("text", ev.Text).Int("confidence", ev.Confidence).Msg("speech recognition too ambiguous")
	}
	publish(result)
	r.stop()
	return nil
}

func (s *SpeechRecognizer) Stop(reason error) {
	s.mu.Lock()
	r := s.current
	s.mu.Unlock()
	if r != nil {
		r.rejectAll(reason)
	}
}

func (s *SpeechRecognizer) setCurrent(r *recognition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = r
}

// recognition controls one recognizer session: routes call audio into it until
// speech is captured, and ends every wait once the session stops or fails.
type recognition struct {
	call   callengine.Call
	rec    callengine.Recognizer
	result *eventbridge.Awaiter
	logger zerolog.Logger

	listeners []listener

	mu        sync.Mutex
	ended     error
	media     bool
	stopped   bool
	timer     *time.Timer
	closeOnce sync.Once
}

type listener struct {
	name callengine.EventName
	id   callengine.ListenerID
}

func newRecognition(call callengine.Call, rec callengine.Recognizer, logger zerolog.Logger) *recognition {
	r := &recognition{
		call:   call,
		rec:    rec,
		result: eventbridge.New("ASR Result", rec, callengine.EventRecognizerResult, logger),
		logger: logger,
	}
	r.listen(callengine.EventRecognizerStopped, func(ev callengine.Event) {
		r.markStopped()
		r.rejectAll(cancellation.RecognizerStopped(ev))
	})
	r.listen(callengine.EventRecognizerError, func(ev callengine.Event) {
		r.rejectAll(cancellation.EngineError(ev, map[string]any{"error": ev.Reason, "code": ev.Code}))
	})
	r.listen(callengine.EventSpeechCaptured, func(callengine.Event) {
		r.stopMedia()
	})
	r.startMedia()
	return r
}

func (r *recognition) listen(name callengine.EventName, h callengine.Handler) {
	r.listeners = append(r.listeners, listener{name: name, id: r.rec.AddEventListener(name, h)})
}

// recognize waits for the next result. A session that already ended fails fast.
func (r *recognition) recognize(ctx context.Context) (callengine.Event, error) {
	pending, err := r.result.Arm()
	if err != nil {
		return callengine.Event{}, err
	}
	if ended := r.err(); ended != nil {
		pending.Reject(ended)
	}
	return pending.Wait(ctx)
}

func (r *recognition) setTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.ended != nil {
		return
	}
	r.logger.Debug().Dur("timeout", d).Msg("recognition timeout armed")
	r.timer = time.AfterFunc(d, func() {
		r.logger.Debug().Msg("recognition timed out")
		r.stop()
	})
}

// rejectAll ends the session for reason. Only the first reason is kept.
func (r *recognition) rejectAll(reason error) {
	r.mu.Lock()
	if r.ended != nil {
		r.mu.Unlock()
		return
	}
	r.ended = reason
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.mu.Unlock()

	r.stopMedia()
	r.result.Reject(reason)
}

// stop asks the engine to end the session; Stopped follows.
func (r *recognition) stop() {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.stopped = true
	r.mu.Unlock()
	if err := r.rec.Stop(); err != nil {
		r.logger.Debug().Err(err).Msg("stop recognizer failed")
	}
}

// close releases the session and its listeners.
func (r *recognition) close() {
	r.closeOnce.Do(func() {
		r.rejectAll(cancellation.Interruption())
		r.stop()
		for _, l := range r.listeners {
			r.rec.RemoveEventListener(l.name, l.id)
		}
	})
}

func (r *recognition) err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ended
}

func (r *recognition) markStopped() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
}

func (r *recognition) startMedia() {
	r.mu.Lock()
	if r.media {
		r.mu.Unlock()
		return
	}
	r.media = true
	r.mu.Unlock()
	if err := r.call.SendMediaTo(r.rec); err != nil {
		r.logger.Warn().Err(err).Msg("route call audio to recognizer failed")
	}
}

func (r *recognition) stopMedia() {
	r.mu.Lock()
	if !r.media {
		r.mu.Unlock()
		return
	}
	r.media = false
	r.mu.Unlock()
	if err := r.call.StopMediaTo(r.rec); err != nil {
		r.logger.Debug().Err(err).Msg("detach call audio from recognizer failed")
	}
}
