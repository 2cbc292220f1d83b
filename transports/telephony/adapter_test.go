package telephony

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tiger/callflow/api/callengine"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorded struct {
	mu     sync.Mutex
	events []callengine.Event
	seen   chan callengine.Event
}

func newRecorded() *recorded {
	return &recorded{seen: make(chan callengine.Event, 16)}
}

func (r *recorded) handle(ev callengine.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.seen <- ev
}

func (r *recorded) next(t *testing.T) callengine.Event {
	t.Helper()
	select {
	case ev := <-r.seen:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return callengine.Event{}
	}
}

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	e := NewEngine(cfg)
	t.Cleanup(e.Close)
	return e
}

func TestOutgoingCallConnectsOnFirstListener(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{AutoConnect: true})
	call, err := e.CallPSTN(context.Background(), "79990000000", "default")
	if err != nil {
		t.Fatalf("call pstn: %v", err)
	}
	if call.State() != callengine.CallConnecting {
		t.Fatalf("expected connecting state, got %s", call.State())
	}

	rec := newRecorded()
	call.AddEventListener(callengine.EventConnected, rec.handle)
	ev := rec.next(t)
	if ev.Name != callengine.EventConnected || ev.CallID != call.ID() {
		t.Fatalf("unexpected event %+v", ev)
	}
	if call.State() != callengine.CallConnected {
		t.Fatalf("expected connected state, got %s", call.State())
	}
}

func TestCallPSTNRequiresNumber(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})
	if _, err := e.CallPSTN(context.Background(), "", "default"); err == nil {
		t.Fatalf("expected missing number error")
	}
}

func TestPlaybackFinishesAfterDelay(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{PlaybackDelay: 5 * time.Millisecond})
	call := connectedCall(t, e)

	rec := newRecorded()
	call.AddEventListener(callengine.EventPlaybackFinished, rec.handle)
	if err := call.Say("Добрый день!", callengine.Voice{Language: "ru-RU"}); err != nil {
		t.Fatalf("say: %v", err)
	}
	if ev := rec.next(t); ev.Name != callengine.EventPlaybackFinished {
		t.Fatalf("unexpected event %+v", ev)
	}
	if got := call.Prompts(); len(got) != 1 || got[0] != "Добрый день!" {
		t.Fatalf("unexpected prompts %v", got)
	}
}

type fixedSynth struct {
	duration time.Duration
	err      error
}

func (s fixedSynth) Synthesize(context.Context, string, callengine.Voice) (callengine.Utterance, error) {
	return callengine.Utterance{Format: "pcm", Duration: s.duration}, s.err
}

func TestSynthesizerTimesPlayback(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{Synthesizer: fixedSynth{duration: 2 * time.Millisecond}})
	call := connectedCall(t, e)

	rec := newRecorded()
	call.AddEventListener(callengine.EventPlaybackFinished, rec.handle)
	if err := call.Say("Спасибо!", callengine.Voice{Language: "ru-RU"}); err != nil {
		t.Fatalf("say: %v", err)
	}
	rec.next(t)

	failing := newTestEngine(t, Config{Synthesizer: fixedSynth{err: errors.New("throttled")}})
	broken := connectedCall(t, failing)
	if err := broken.Say("Спасибо!", callengine.Voice{}); err == nil {
		t.Fatalf("expected synthesizer error")
	}
}

func TestTonesAreDroppedWhileCaptureDisabled(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})
	call := connectedCall(t, e)
	rec := newRecorded()
	call.AddEventListener(callengine.EventToneReceived, rec.handle)

	if call.PressTone("1") {
		t.Fatalf("expected tone to be dropped")
	}
	if err := call.HandleTones(true); err != nil {
		t.Fatalf("handle tones: %v", err)
	}
	if !call.PressTone("7") {
		t.Fatalf("expected tone to be delivered")
	}
	if ev := rec.next(t); ev.Tone != "7" {
		t.Fatalf("unexpected tone %q", ev.Tone)
	}
}

func TestHangupEmitsDisconnectedOnce(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})
	call := connectedCall(t, e)
	rec := newRecorded()
	call.AddEventListener(callengine.EventDisconnected, rec.handle)

	if err := call.Hangup(); err != nil {
		t.Fatalf("hangup: %v", err)
	}
	if err := call.Hangup(); err == nil {
		t.Fatalf("expected second hangup to fail")
	}
	if ev := rec.next(t); ev.Reason != "hangup" {
		t.Fatalf("unexpected disconnect %+v", ev)
	}
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if call.Hangups() != 1 {
		t.Fatalf("expected one hangup, got %d", call.Hangups())
	}
	if call.State() != callengine.CallDisconnected {
		t.Fatalf("expected disconnected, got %s", call.State())
	}
	if err := call.Say("late", callengine.Voice{}); err == nil {
		t.Fatalf("expected say on ended call to fail")
	}
}

func TestHandlerRemovedDuringDeliveryIsSkipped(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})
	call := connectedCall(t, e)
	if err := call.HandleTones(true); err != nil {
		t.Fatalf("handle tones: %v", err)
	}

	var second callengine.ListenerID
	calls := 0
	call.AddEventListener(callengine.EventToneReceived, func(callengine.Event) {
		calls++
		call.RemoveEventListener(callengine.EventToneReceived, second)
	})
	second = call.AddEventListener(callengine.EventToneReceived, func(callengine.Event) {
		calls++
	})

	call.PressTone("1")
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if calls != 1 {
		t.Fatalf("expected one handler invocation, got %d", calls)
	}
	if n := call.ListenerCount(callengine.EventToneReceived); n != 1 {
		t.Fatalf("expected one remaining listener, got %d", n)
	}
}

func TestRecognizerStopsOnce(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t, Config{})
	call := connectedCall(t, e)
	if _, err := e.CreateRecognizer(context.Background(), call, callengine.RecognizerOptions{}); err == nil {
		t.Fatalf("expected missing profile error")
	}
	r, err := e.CreateRecognizer(context.Background(), call, callengine.RecognizerOptions{Profile: "ru-RU", SingleUtterance: true})
	if err != nil {
		t.Fatalf("create recognizer: %v", err)
	}
	rec := newRecorded()
	r.AddEventListener(callengine.EventRecognizerStopped, rec.handle)

	if err := r.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	_ = r.Stop()
	rec.next(t)
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if len(rec.events) != 1 {
		t.Fatalf("expected one stopped event, got %d", len(rec.events))
	}

	sim := e.LastRecognizer()
	if sim.Recognize("пять", 80) {
		t.Fatalf("expected result after stop to be dropped")
	}
	if sim.Stops() != 2 {
		t.Fatalf("expected two stop calls, got %d", sim.Stops())
	}
}

func connectedCall(t *testing.T, e *Engine) *Call {
	t.Helper()
	call := e.IncomingCall("79990000000")
	if !call.Connect() {
		t.Fatalf("connect failed")
	}
	if err := e.Sync(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return call
}
