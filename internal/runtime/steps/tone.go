package steps

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiger/callflow/api/callengine"
	"github.com/tiger/callflow/internal/runtime/cancellation"
	"github.com/tiger/callflow/internal/runtime/eventbridge"
)

// ToneStatus tags a ToneResult.
type ToneStatus string

const (
	ToneEmpty      ToneStatus = "empty"
	ToneRecognized ToneStatus = "recognized"
)

// ToneOptions bounds one DTMF read. Zero values disable the limit.
type ToneOptions struct {
	Timeout time.Duration
	Length  int
}

// ToneResult is Empty or Recognized(Tone).
type ToneResult struct {
	Status ToneStatus `json:"status"`
	Tone   string     `json:"tone,omitempty"`
}

// ToneReader waits for one DTMF tone.
type ToneReader struct {
	call     callengine.Call
	tones    *eventbridge.Awaiter
	recorder TextRecorder
	logger   zerolog.Logger
}

func NewToneReader(call callengine.Call, recorder TextRecorder, logger zerolog.Logger) *ToneReader {
	return &ToneReader{
		call:     call,
		tones:    eventbridge.New("ToneReceived", call, callengine.EventToneReceived, logger),
		recorder: recorderOrNop(recorder),
		logger:   logger,
	}
}

// Run enables DTMF capture for the duration of the read.
func (r *ToneReader) Run(ctx context.Context, opts ToneOptions, publish func(ToneResult)) error {
	publish(ToneResult{Status: ToneEmpty})

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeoutCause(ctx, opts.Timeout, cancellation.Timeout())
		defer cancel()
	}

	pending, err := r.tones.Arm()
	if err != nil {
		return err
	}
	defer func() {
		if err := r.call.HandleTones(false); err != nil {
			r.logger.Debug().Err(err).Msg("disable tone capture failed")
		}
	}()
	if err := r.call.HandleTones(true); err != nil {
		pending.Reject(err)
		<-pending.Done()
		return fmt.Errorf("enable tone capture: %w", err)
	}
	r.logger.Debug().Dur("timeout", opts.Timeout).Msg("waiting for tone")

	ev, err := pending.Wait(ctx)
	if err != nil {
		return err
	}
	if ev.Tone != "" {
		r.recorder.RecordText(ev.Tone)
	}
	tone := truncateRunes(ev.Tone, opts.Length)
	r.logger.Info().Str("tone", ev.Tone).Str("accepted", tone).Msg("tone received")
	publish(ToneResult{Status: ToneRecognized, Tone: tone})
	return nil
}

func (r *ToneReader) Stop(reason error) {
	r.tones.Reject(reason)
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
