package callengine

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// EventName identifies an event emitted by a call or a recognizer.
type EventName string

const (
	EventConnected        EventName = "Call.Connected"
	EventFailed           EventName = "Call.Failed"
	EventDisconnected     EventName = "Call.Disconnected"
	EventPlaybackFinished EventName = "Call.PlaybackFinished"
	EventToneReceived     EventName = "Call.ToneReceived"

	EventSpeechCaptured    EventName = "ASR.SpeechCaptured"
	EventRecognizerResult  EventName = "ASR.Result"
	EventRecognizerStopped EventName = "ASR.Stopped"
	EventRecognizerError   EventName = "ASR.Error"
)

// CallState is the engine-side lifecycle state of a call.
type CallState string

const (
	CallConnecting   CallState = "connecting"
	CallConnected    CallState = "connected"
	CallFailed       CallState = "failed"
	CallDisconnected CallState = "disconnected"
)

// Event is the payload delivered to listeners. Only the fields relevant to Name are set.
type Event struct {
	Name       EventName      `json:"name"`
	CallID     string         `json:"call_id,omitempty"`
	Tone       string         `json:"tone,omitempty"`
	Text       string         `json:"text,omitempty"`
	Confidence int            `json:"confidence,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Code       int            `json:"code,omitempty"`
	Details    map[string]any `json:"details,omitempty"`
}

// Validate enforces per-event payload invariants.
func (e Event) Validate() error {
	if !isEventName(e.Name) {
		return fmt.Errorf("invalid event name: %q", e.Name)
	}
	if e.Name == EventToneReceived && e.Tone == "" {
		return fmt.Errorf("tone is required for %s", e.Name)
	}
	if e.Name == EventRecognizerResult && e.Confidence < 0 {
		return fmt.Errorf("confidence must be >=0")
	}
	return nil
}

// ListenerID identifies a registered handler so it can be removed later.
type ListenerID uint64

// Handler receives events. Engines deliver events one at a time and never re-entrantly.
type Handler func(Event)

// EventSource is anything listeners can subscribe to.
type EventSource interface {
	AddEventListener(name EventName, handler Handler) ListenerID
	RemoveEventListener(name EventName, id ListenerID)
}

// Voice selects the synthesis voice for Say.
type Voice struct {
	Language string `json:"language"`
	Name     string `json:"name,omitempty"`
}

// Call is a live telephony session owned by the engine.
type Call interface {
	EventSource

	ID() string
	Number() string
	State() CallState

	Say(text string, voice Voice) error
	StopPlayback() error
	HandleTones(enabled bool) error
	Hangup() error
	SendMediaTo(r Recognizer) error
	StopMediaTo(r Recognizer) error
}

// Recognizer is a speech recognition session bound to call audio.
type Recognizer interface {
	EventSource

	Stop() error
}

// RecognizerOptions configures a new recognizer session.
type RecognizerOptions struct {
	Profile         string   `json:"profile"`
	SingleUtterance bool     `json:"single_utterance"`
	PhraseHints     []string `json:"phrase_hints,omitempty"`
}

// Validate enforces recognizer option invariants.
func (o RecognizerOptions) Validate() error {
	if strings.TrimSpace(o.Profile) == "" {
		return fmt.Errorf("profile is required")
	}
	for i, hint := range o.PhraseHints {
		if strings.TrimSpace(hint) == "" {
			return fmt.Errorf("phrase_hints[%d] must not be empty", i)
		}
	}
	return nil
}

// Engine is the external call engine collaborator.
type Engine interface {
	CallPSTN(ctx context.Context, number, callerID string) (Call, error)
	CreateRecognizer(ctx context.Context, call Call, opts RecognizerOptions) (Recognizer, error)
}

func isEventName(v EventName) bool {
	switch v {
	case EventConnected, EventFailed, EventDisconnected, EventPlaybackFinished, EventToneReceived,
		EventSpeechCaptured, EventRecognizerResult, EventRecognizerStopped, EventRecognizerError:
		return true
	default:
		return false
	}
}

// Utterance is synthesized prompt audio.
type Utterance struct {
	Audio    []byte        `json:"-"`
	Format   string        `json:"format"`
	Duration time.Duration `json:"duration"`
}

// Synthesizer renders prompt text to audio for engines that play it themselves.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string, voice Voice) (Utterance, error)
}
