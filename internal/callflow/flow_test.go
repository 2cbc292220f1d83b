package callflow

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
	"github.com/tiger/callflow/api/callengine"
	"github.com/tiger/callflow/internal/callrecord"
	"github.com/tiger/callflow/internal/config"
	"github.com/tiger/callflow/internal/errinfo"
	"github.com/tiger/callflow/transports/telephony"
)

const phone = "79990000000"

type callList struct {
	mu      sync.Mutex
	reports []map[string]any
	srv     *httptest.Server
}

func newCallList(t *testing.T) *callList {
	t.Helper()
	cl := &callList{}
	cl.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		var body map[string]any
		_ = json.Unmarshal(raw, &body)
		cl.mu.Lock()
		cl.reports = append(cl.reports, body)
		cl.mu.Unlock()
	}))
	t.Cleanup(cl.srv.Close)
	return cl
}

func (cl *callList) customData() string {
	return `{"name":"Гриша","phone":"` + phone + `","url_callback":"` + cl.srv.URL + `"}`
}

func (cl *callList) all() []map[string]any {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	return append([]map[string]any(nil), cl.reports...)
}

func newEngine(t *testing.T, cfg telephony.Config) *telephony.Engine {
	t.Helper()
	e := telephony.NewEngine(cfg)
	t.Cleanup(e.Close)
	return e
}

func newRunner(e *telephony.Engine, store *callrecord.Store, digitTimeout time.Duration) *Runner {
	return New(Config{
		Engine: e,
		Store:  store,
		Call: config.CallConfig{
			Timeout:      5 * time.Second,
			LeadSilence:  time.Millisecond,
			TrailSilence: time.Millisecond,
			DigitTimeout: digitTimeout,
		},
		Logger: zerolog.Nop(),
	})
}

func newStore() *callrecord.Store {
	return callrecord.NewStore(callrecord.NewMemoryKV(), 0, zerolog.Nop())
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	ctx := waitCtx(t)
	for !cond() {
		if ctx.Err() != nil {
			t.Errorf("condition not met in time")
			return
		}
		time.Sleep(time.Millisecond)
	}
}

func waitCall(t *testing.T, e *telephony.Engine) *telephony.Call {
	t.Helper()
	waitFor(t, func() bool { return len(e.Calls()) > 0 })
	return e.Calls()[0]
}

func TestOutgoingRatingByTone(t *testing.T) {
	t.Parallel()

	cl := newCallList(t)
	e := newEngine(t, telephony.Config{AutoConnect: true, PlaybackDelay: time.Millisecond})
	store := newStore()
	r := newRunner(e, store, 2*time.Second)

	go func() {
		call := waitCall(t, e)
		if err := call.WaitTonesEnabled(waitCtx(t)); err == nil {
			call.PressTone("5")
		}
	}()

	result, err := r.Outgoing(context.Background(), cl.customData())
	require.NoError(t, err)
	require.NotNil(t, result.Rating)
	require.Equal(t, 5, *result.Rating)
	require.True(t, result.Status)

	call := e.Calls()[0]
	def := config.Default().Prompts
	require.Equal(t, []string{def.Rating, def.Thanks}, call.Prompts())
	require.Equal(t, 1, call.Hangups())
	require.Equal(t, "default", call.CallerID())

	reports := cl.all()
	require.Len(t, reports, 1)
	require.Equal(t, map[string]any{"rating": float64(5), "status": true}, reports[0]["result"])

	rec, ok := store.Lookup(context.Background(), phone)
	require.True(t, ok)
	require.Equal(t, "Гриша", rec.Name)
	require.Equal(t, "5", *rec.ClientAnswer)
	require.Equal(t, 5, *rec.Rating)
	require.True(t, rec.Status)
}

func TestOutgoingRetriesAfterOutOfRangeDigit(t *testing.T) {
	t.Parallel()

	cl := newCallList(t)
	e := newEngine(t, telephony.Config{AutoConnect: true, PlaybackDelay: time.Millisecond})
	store := newStore()
	r := newRunner(e, store, 2*time.Second)

	go func() {
		call := waitCall(t, e)
		if err := call.WaitTonesEnabled(waitCtx(t)); err != nil {
			return
		}
		call.PressTone("7")
		waitFor(t, func() bool { return len(call.Prompts()) >= 2 })
		rec, err := e.WaitRecognizer(waitCtx(t), 2)
		if err != nil {
			return
		}
		if err := call.WaitMedia(waitCtx(t), rec); err == nil {
			rec.Recognize("четыре", 80)
		}
	}()

	result, err := r.Outgoing(context.Background(), cl.customData())
	require.NoError(t, err)
	require.Equal(t, 4, *result.Rating)

	def := config.Default().Prompts
	require.Equal(t, []string{def.Rating, def.Rating, def.Thanks}, e.Calls()[0].Prompts())

	rec, ok := store.Lookup(context.Background(), phone)
	require.True(t, ok)
	require.Equal(t, "четыре", *rec.ClientAnswer)
}

func TestOutgoingFallbackWithoutAnswer(t *testing.T) {
	t.Parallel()

	e := newEngine(t, telephony.Config{AutoConnect: true, PlaybackDelay: time.Millisecond})
	store := newStore()
	require.NoError(t, store.Save(context.Background(), callrecord.Record{Phone: phone, Name: "Гриша", ClientAnswer: ptr("три")}))
	r := newRunner(e, store, 5*time.Millisecond)

	result, err := r.Outgoing(context.Background(), `{"name":"Гриша","phone":"`+phone+`"}`)
	require.NoError(t, err)
	require.Nil(t, result.Rating)
	require.True(t, result.Status)

	def := config.Default().Prompts
	call := e.Calls()[0]
	require.Equal(t, []string{def.Rating, def.Rating, def.Fallback}, call.Prompts())
	require.Equal(t, 1, call.Hangups())

	rec, ok := store.Lookup(context.Background(), phone)
	require.True(t, ok)
	require.Equal(t, "три", *rec.ClientAnswer, "previous answer is kept when nothing was said")
	require.Nil(t, rec.Rating)
	require.True(t, rec.Status)
}

func TestOutgoingHangupBeforeResultReportsError(t *testing.T) {
	t.Parallel()

	cl := newCallList(t)
	e := newEngine(t, telephony.Config{AutoConnect: true})
	store := newStore()
	r := newRunner(e, store, 2*time.Second)

	go func() {
		call := waitCall(t, e)
		if err := call.WaitPlaying(waitCtx(t)); err == nil {
			call.Disconnect("subscriber hung up")
		}
	}()

	_, err := r.Outgoing(context.Background(), cl.customData())
	var flowErr *Error
	require.ErrorAs(t, err, &flowErr)
	require.Equal(t, "scenario.Run", flowErr.Info.Sender)
	require.Equal(t, flowErr.Info.Qualified(), err.Error())
	require.Zero(t, e.Calls()[0].Hangups())

	reports := cl.all()
	require.Len(t, reports, 1)
	require.Equal(t, flowErr.Info.Message, reports[0]["error"])

	rec, ok := store.Lookup(context.Background(), phone)
	require.True(t, ok)
	require.Nil(t, rec.Rating)
	require.False(t, rec.Status)
}

func TestOutgoingUnreachableSubscriber(t *testing.T) {
	t.Parallel()

	e := newEngine(t, telephony.Config{})
	store := newStore()
	r := newRunner(e, store, time.Second)

	go func() {
		call := waitCall(t, e)
		waitFor(t, func() bool { return call.ListenerCount(callengine.EventConnected) > 0 })
		call.Fail(486, "busy")
	}()

	_, err := r.Outgoing(context.Background(), `{"name":"Гриша","phone":"`+phone+`"}`)
	require.EqualError(t, err, "callcontrol.From: failed to reach subscriber")
	var info *errinfo.Error
	require.ErrorAs(t, err, &info)
	require.Equal(t, 486, info.Info["code"])

	rec, ok := store.Lookup(context.Background(), phone)
	require.True(t, ok)
	require.False(t, rec.Status)
}

func TestOutgoingRejectsBadCustomData(t *testing.T) {
	t.Parallel()

	e := newEngine(t, telephony.Config{AutoConnect: true})
	r := newRunner(e, nil, time.Second)

	_, err := r.Outgoing(context.Background(), `{"name":"Гриша"}`)
	require.EqualError(t, err, "session.FromCustomData: subscriber phone number could not be read")
	require.Empty(t, e.Calls())
}

func TestIncomingGreetsKnownSubscriber(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		stored bool
		prompt string
	}{
		{name: "known", stored: true, prompt: "Добрый день и всего доброго, Гриша!"},
		{name: "unknown", stored: false, prompt: "Вы позвонили в ООО Компания"},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := newEngine(t, telephony.Config{PlaybackDelay: time.Millisecond})
			store := newStore()
			if tc.stored {
				require.NoError(t, store.Save(context.Background(), callrecord.Record{Phone: phone, Name: "Гриша"}))
			}
			r := newRunner(e, store, time.Second)

			call := e.IncomingCall(phone)
			go func() {
				waitFor(t, func() bool { return call.ListenerCount(callengine.EventConnected) > 0 })
				call.Connect()
			}()

			require.NoError(t, r.Incoming(context.Background(), call))
			require.Equal(t, []string{tc.prompt}, call.Prompts())
			require.Equal(t, 1, call.Hangups())
		})
	}
}

func TestIncomingReportsQualifiedError(t *testing.T) {
	t.Parallel()

	e := newEngine(t, telephony.Config{})
	r := newRunner(e, nil, time.Second)
	call := e.IncomingCall(phone)
	require.True(t, call.Connect())
	require.NoError(t, e.Sync(context.Background()))

	err := r.Incoming(context.Background(), call)
	require.EqualError(t, err, "callcontrol.From: connection with the subscriber is already established")
	require.True(t, errors.As(err, new(*errinfo.Error)))
}

func ptr[T any](v T) *T { return &v }
