package scenario

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tiger/callflow/api/callengine"
	"github.com/tiger/callflow/internal/errinfo"
	"github.com/tiger/callflow/internal/runtime/cancellation"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type blockingBody struct {
	started chan struct{}
	release chan struct{}
	stops   atomic.Int32
}

func newBlockingBody() *blockingBody {
	return &blockingBody{started: make(chan struct{}, 4), release: make(chan struct{}, 4)}
}

func (b *blockingBody) Run(ctx context.Context, args string, publish func(string)) error {
	publish("partial:" + args)
	b.started <- struct{}{}
	select {
	case <-ctx.Done():
		return cancellation.FromContext(ctx)
	case <-b.release:
		publish("done:" + args)
		return nil
	}
}

func (b *blockingBody) Stop(error) {
	b.stops.Add(1)
}

func callEvent() callengine.Event {
	return callengine.Event{Name: callengine.EventDisconnected, CallID: "call-1", Reason: "hangup"}
}

type result struct {
	out Outcome[string]
	err error
}

func startAsync(s *Step[string, string], args string) <-chan result {
	ch := make(chan result, 1)
	go func() {
		out, err := s.Start(context.Background(), args)
		ch <- result{out: out, err: err}
	}()
	return ch
}

func TestConflictingStartNamesBothStepsAndRestartsAfterSettle(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	aBody, bBody := newBlockingBody(), newBlockingBody()
	a := NewStep[string, string]("a", g, aBody, Hooks{}, zerolog.Nop())
	b := NewStep[string, string]("b", g, bBody, Hooks{}, zerolog.Nop())
	g.Conflict(a, b)
	g.Conflict(b, a)
	require.True(t, g.Conflicting(a, b))
	require.True(t, g.Conflicting(b, a))

	running := startAsync(a, "x")
	<-aBody.started
	require.True(t, a.Running())

	_, err := b.Start(context.Background(), "y")
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "b", conflict.Step)
	require.Equal(t, "a", conflict.Peer)
	require.ErrorIs(t, err, ErrConflict)
	require.Contains(t, err.Error(), `"a"`)
	require.Contains(t, err.Error(), `"b"`)
	require.False(t, b.Running())

	aBody.release <- struct{}{}
	res := <-running
	require.NoError(t, res.err)
	require.False(t, res.out.IsCancelled())
	require.Equal(t, "done:x", res.out.Value)
	require.False(t, a.Running())

	bBody.release <- struct{}{}
	out, err := b.Start(context.Background(), "y")
	require.NoError(t, err)
	require.Equal(t, "done:y", out.Value)
}

func TestStartWhileRunningFailsFast(t *testing.T) {
	t.Parallel()

	body := newBlockingBody()
	s := NewStep[string, string]("say", NewGraph(), body, Hooks{}, zerolog.Nop())
	running := startAsync(s, "hello")
	<-body.started

	_, err := s.Start(context.Background(), "again")
	require.ErrorIs(t, err, ErrAlreadyRunning)

	body.release <- struct{}{}
	res := <-running
	require.NoError(t, res.err)
}

func TestStopOnIdleStepIsNoop(t *testing.T) {
	t.Parallel()

	var beforeStop atomic.Int32
	body := newBlockingBody()
	s := NewStep[string, string]("silence", NewGraph(), body, Hooks{
		BeforeStop: func(error) { beforeStop.Add(1) },
	}, zerolog.Nop())

	s.Stop(cancellation.Timeout())
	s.Stop(nil)
	require.Zero(t, body.stops.Load())
	require.Zero(t, beforeStop.Load())
	require.False(t, s.Running())
}

func TestStopRestartTwiceYieldsCancelledOutcomes(t *testing.T) {
	t.Parallel()

	var beforeStop atomic.Int32
	body := newBlockingBody()
	s := NewStep[string, string]("tone", NewGraph(), body, Hooks{
		BeforeStop: func(error) { beforeStop.Add(1) },
	}, zerolog.Nop())

	for i := 0; i < 2; i++ {
		running := startAsync(s, "run")
		<-body.started
		s.Stop(nil)
		s.Stop(cancellation.Timeout())

		res := <-running
		require.NoError(t, res.err)
		require.True(t, res.out.IsCancelled())
		require.Equal(t, cancellation.KindInterruption, res.out.Reason.Kind())
		require.Equal(t, "partial:run", res.out.Value)
		require.False(t, s.Running())
	}
	require.Equal(t, int32(2), body.stops.Load())
	require.Equal(t, int32(2), beforeStop.Load())
}

func TestBeforeStartRefusesStart(t *testing.T) {
	t.Parallel()

	ended := cancellation.Disconnected(callEvent())
	body := newBlockingBody()
	s := NewStep[string, string]("say", NewGraph(), body, Hooks{
		BeforeStart: func() error { return ended },
	}, zerolog.Nop())

	_, err := s.Start(context.Background(), "x")
	require.ErrorIs(t, err, cancellation.Disconnected(callEvent()))
	require.Empty(t, body.started)
	require.False(t, s.Running())
}

func TestChildrenOfRunningParentMayRunTogether(t *testing.T) {
	t.Parallel()

	g := NewGraph()
	parent := NewStep[string, string]("digit", g, newBlockingBody(), Hooks{}, zerolog.Nop())
	tone := NewStep[string, string]("tone", g, newBlockingBody(), Hooks{}, zerolog.Nop())
	speech := NewStep[string, string]("speech", g, newBlockingBody(), Hooks{}, zerolog.Nop())
	g.Conflict(parent, tone)
	g.Conflict(parent, speech)
	g.Conflict(tone, speech)
	g.Child(parent, tone)
	g.Child(parent, speech)

	require.NoError(t, g.admit(parent))
	require.NoError(t, g.admit(tone))
	require.NoError(t, g.admit(speech))

	g.release(parent)
	g.release(speech)
	err := g.admit(speech)
	var conflict *ConflictError
	require.ErrorAs(t, err, &conflict)
	require.Equal(t, "tone", conflict.Peer)

	g.release(tone)
	require.NoError(t, g.admit(speech))
	require.NoError(t, g.admit(parent), "an ancestor is never blocked by its own child")
}

func TestRunResultExtraction(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	_, err := Run(ctx, "empty", zerolog.Nop(), func(context.Context, func(int)) error { return nil })
	require.ErrorIs(t, err, ErrNoResult)

	_, err = Run(ctx, "stopped", zerolog.Nop(), func(context.Context, func(int)) error {
		return cancellation.Timeout()
	})
	require.ErrorIs(t, err, ErrStoppedWithoutResult)
	require.ErrorIs(t, err, cancellation.Timeout())
	var info *errinfo.Error
	require.ErrorAs(t, err, &info)
	require.Equal(t, "stopped", info.Info["step"])

	boom := errors.New("boom")
	_, err = Run(ctx, "broken", zerolog.Nop(), func(_ context.Context, publish func(int)) error {
		publish(1)
		return boom
	})
	require.Same(t, boom, err)

	out, err := Run(ctx, "partial", zerolog.Nop(), func(_ context.Context, publish func(int)) error {
		publish(1)
		publish(2)
		return cancellation.RelatedStepHasResult()
	})
	require.NoError(t, err)
	require.True(t, out.IsCancelled())
	require.Equal(t, cancellation.KindRelatedStepHasResult, out.Reason.Kind())
	require.Equal(t, 2, out.Value)

	out, err = Run(ctx, "done", zerolog.Nop(), func(_ context.Context, publish func(int)) error {
		publish(7)
		return nil
	})
	require.NoError(t, err)
	require.False(t, out.IsCancelled())
	require.Equal(t, 7, out.Value)
}
