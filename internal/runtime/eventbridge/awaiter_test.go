package eventbridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tiger/callflow/api/callengine"
	"github.com/tiger/callflow/internal/runtime/cancellation"
	"github.com/tiger/callflow/internal/runtime/promise"
)

type fakeSource struct {
	mu       sync.Mutex
	next     callengine.ListenerID
	handlers map[callengine.EventName]map[callengine.ListenerID]callengine.Handler
}

func newFakeSource() *fakeSource {
	return &fakeSource{handlers: map[callengine.EventName]map[callengine.ListenerID]callengine.Handler{}}
}

func (f *fakeSource) AddEventListener(name callengine.EventName, h callengine.Handler) callengine.ListenerID {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	if f.handlers[name] == nil {
		f.handlers[name] = map[callengine.ListenerID]callengine.Handler{}
	}
	f.handlers[name][f.next] = h
	return f.next
}

func (f *fakeSource) RemoveEventListener(name callengine.EventName, id callengine.ListenerID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers[name], id)
}

func (f *fakeSource) emit(ev callengine.Event) {
	f.mu.Lock()
	hs := make([]callengine.Handler, 0, len(f.handlers[ev.Name]))
	for _, h := range f.handlers[ev.Name] {
		hs = append(hs, h)
	}
	f.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (f *fakeSource) count(name callengine.EventName) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers[name])
}

func TestAwaiterResolvesWithNextEventAndUnsubscribes(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	a := New("ToneReceived", src, callengine.EventToneReceived, zerolog.Nop())

	p, err := a.Arm()
	require.NoError(t, err)
	require.Equal(t, 1, src.count(callengine.EventToneReceived))

	src.emit(callengine.Event{Name: callengine.EventToneReceived, Tone: "5"})
	ev, err := p.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, "5", ev.Tone)
	require.Equal(t, 0, src.count(callengine.EventToneReceived))
	require.False(t, a.Armed())
}

func TestAwaiterRejectNeverReachesSuccessPath(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	a := New("PlaybackFinished", src, callengine.EventPlaybackFinished, zerolog.Nop())
	p, err := a.Arm()
	require.NoError(t, err)

	require.True(t, a.Reject(cancellation.Interruption()))
	src.emit(callengine.Event{Name: callengine.EventPlaybackFinished})

	_, err = p.Wait(context.Background())
	require.ErrorIs(t, err, cancellation.Interruption())
	require.Equal(t, 0, src.count(callengine.EventPlaybackFinished))
}

func TestAwaiterContextCancelUnsubscribes(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	a := New("ASR Result", src, callengine.EventRecognizerResult, zerolog.Nop())

	ctx, cancel := context.WithTimeoutCause(context.Background(), 5*time.Millisecond, cancellation.Timeout())
	defer cancel()
	_, err := a.Wait(ctx)
	require.ErrorIs(t, err, cancellation.Timeout())
	require.Equal(t, 0, src.count(callengine.EventRecognizerResult))
}

func TestAwaiterRepeatedWaitsDoNotAccumulateHandlers(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	a := New("ToneReceived", src, callengine.EventToneReceived, zerolog.Nop())
	for i := 0; i < 5; i++ {
		p, err := a.Arm()
		require.NoError(t, err)
		src.emit(callengine.Event{Name: callengine.EventToneReceived, Tone: "1"})
		_, err = p.Wait(context.Background())
		require.NoError(t, err)
		require.Equal(t, 0, src.count(callengine.EventToneReceived))
	}
}

func TestAwaiterDoubleArmFails(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	a := New("PlaybackFinished", src, callengine.EventPlaybackFinished, zerolog.Nop())
	p, err := a.Arm()
	require.NoError(t, err)
	_, err = a.Arm()
	require.ErrorIs(t, err, promise.ErrDoubleArmed)
	p.Reject(nil)
	<-p.Done()
}
