package promise

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tiger/callflow/internal/errinfo"
	"github.com/tiger/callflow/internal/runtime/cancellation"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSettlerFirstSettlementWins(t *testing.T) {
	t.Parallel()

	s := New[int]()
	require.True(t, s.Resolve(7))
	require.False(t, s.Resolve(8))
	require.False(t, s.Reject(cancellation.Timeout()))

	v, err := s.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 7, v)
}

func TestSettlerWaitRejectsOnContextCause(t *testing.T) {
	t.Parallel()

	s := New[string]()
	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(cancellation.RelatedStepHasResult())

	_, err := s.Wait(ctx)
	require.ErrorIs(t, err, cancellation.RelatedStepHasResult())
	_, _, ok := s.Result()
	require.True(t, ok)
}

func TestControlReleaseRunsOnceOnEveryPath(t *testing.T) {
	t.Parallel()

	paths := map[string]func(c *Control[int, struct{}], s *Settler[int]){
		"resolve":        func(_ *Control[int, struct{}], s *Settler[int]) { s.Resolve(1) },
		"caller resolve": func(c *Control[int, struct{}], _ *Settler[int]) { c.Resolve(1) },
		"caller reject":  func(c *Control[int, struct{}], _ *Settler[int]) { c.Reject(cancellation.Interruption()) },
		"double settle": func(c *Control[int, struct{}], s *Settler[int]) {
			c.Reject(cancellation.Timeout())
			s.Resolve(2)
			c.Reject(cancellation.Timeout())
		},
	}
	for name, settle := range paths {
		settle := settle
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			var released atomic.Int32
			c := NewControl("probe", zerolog.Nop(), func(_ *Settler[int], _ struct{}) (func(), error) {
				return func() { released.Add(1) }, nil
			})
			s, err := c.Arm(struct{}{})
			require.NoError(t, err)
			require.True(t, c.Armed())

			settle(c, s)
			<-s.Done()
			require.EqualValues(t, 1, released.Load())
			require.False(t, c.Armed())
		})
	}
}

func TestControlReleaseRunsBeforeDelivery(t *testing.T) {
	t.Parallel()

	var released atomic.Bool
	c := NewControl("ordered", zerolog.Nop(), func(_ *Settler[int], _ struct{}) (func(), error) {
		return func() { released.Store(true) }, nil
	})
	s, err := c.Arm(struct{}{})
	require.NoError(t, err)

	go s.Resolve(3)
	_, err = s.Wait(context.Background())
	require.NoError(t, err)
	require.True(t, released.Load(), "release must run before the waiter observes the value")
}

func TestControlDoubleArmNamesPrimitive(t *testing.T) {
	t.Parallel()

	c := NewControl[int, struct{}]("PlaybackFinished", zerolog.Nop(), nil)
	first, err := c.Arm(struct{}{})
	require.NoError(t, err)

	_, err = c.Arm(struct{}{})
	require.ErrorIs(t, err, ErrDoubleArmed)
	var info *errinfo.Error
	require.ErrorAs(t, err, &info)
	require.Contains(t, info.Message, `"PlaybackFinished"`)

	first.Resolve(1)
	<-first.Done()
	again, err := c.Arm(struct{}{})
	require.NoError(t, err, "re-arming after settlement succeeds")
	again.Reject(nil)
	<-again.Done()
}

func TestControlSettlementDuringSetupIsDeferred(t *testing.T) {
	t.Parallel()

	var order []string
	c := NewControl("eager", zerolog.Nop(), func(s *Settler[int], _ struct{}) (func(), error) {
		s.Resolve(9)
		order = append(order, "setup-done")
		return func() { order = append(order, "release") }, nil
	})
	s, err := c.Arm(struct{}{})
	require.NoError(t, err)
	v, err := s.Wait(context.Background())
	require.NoError(t, err)
	require.Equal(t, 9, v)
	require.Equal(t, []string{"setup-done", "release"}, order)
	require.False(t, c.Armed())
}

func TestControlSetupError(t *testing.T) {
	t.Parallel()

	boom := errors.New("subscribe failed")
	c := NewControl("broken", zerolog.Nop(), func(*Settler[int], struct{}) (func(), error) {
		return nil, boom
	})
	_, err := c.Arm(struct{}{})
	require.ErrorIs(t, err, boom)
	require.False(t, c.Armed())
}

func TestControlIdleResolveAndRejectAreNoops(t *testing.T) {
	t.Parallel()

	c := NewControl[int, struct{}]("idle", zerolog.Nop(), nil)
	require.False(t, c.Resolve(1))
	require.False(t, c.Reject(cancellation.Timeout()))
}

func TestSleeperSleepsAndWakes(t *testing.T) {
	t.Parallel()

	sleeper := NewSleeper("sleeper", zerolog.Nop())
	start := time.Now()
	require.NoError(t, sleeper.Sleep(context.Background(), 20*time.Millisecond))
	require.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	done := make(chan error, 1)
	go func() { done <- sleeper.Sleep(context.Background(), time.Hour) }()
	require.Eventually(t, sleeper.control.Armed, time.Second, time.Millisecond)
	sleeper.WakeUp()
	require.NoError(t, <-done)
}

func TestSleeperScareUpCarriesReason(t *testing.T) {
	t.Parallel()

	sleeper := NewSleeper("sleeper", zerolog.Nop())
	done := make(chan error, 1)
	go func() { done <- sleeper.Sleep(context.Background(), time.Hour) }()
	require.Eventually(t, sleeper.control.Armed, time.Second, time.Millisecond)

	sleeper.ScareUp(cancellation.Timeout())
	require.ErrorIs(t, <-done, cancellation.Timeout())
	require.False(t, sleeper.control.Armed())
}
