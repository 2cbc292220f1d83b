// Package steps implements the interaction step bodies of a call: spoken
// prompts, silence, DTMF reading, speech recognition and the digit reader that
// races the last two.
package steps

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tiger/callflow/api/callengine"
	"github.com/tiger/callflow/internal/runtime/eventbridge"
)

// TextRecorder keeps the last text the subscriber produced on the call.
type TextRecorder interface {
	RecordText(text string)
}

type nopRecorder struct{}

func (nopRecorder) RecordText(string) {}

func recorderOrNop(r TextRecorder) TextRecorder {
	if r == nil {
		return nopRecorder{}
	}
	return r
}

// SayArgs is one prompt.
type SayArgs struct {
	Text  string
	Voice callengine.Voice
}

// Speech plays a prompt and waits for playback to finish.
type Speech struct {
	call     callengine.Call
	finished *eventbridge.Awaiter
	logger   zerolog.Logger
}

// NewSpeech builds the prompt body for call.
func NewSpeech(call callengine.Call, logger zerolog.Logger) *Speech {
	return &Speech{
		call:     call,
		finished: eventbridge.New("PlaybackFinished", call, callengine.EventPlaybackFinished, logger),
		logger:   logger,
	}
}

// Run publishes the prompt text and blocks until PlaybackFinished.
func (s *Speech) Run(ctx context.Context, args SayArgs, publish func(string)) error {
	publish(args.Text)

	pending, err := s.finished.Arm()
	if err != nil {
		return err
	}
	s.logger.Info().Str("text", args.Text).Msg("saying prompt")
	if err := s.call.Say(args.Text, args.Voice); err != nil {
		pending.Reject(err)
		<-pending.Done()
		return fmt.Errorf("say prompt: %w", err)
	}
	_, err = pending.Wait(ctx)
	return err
}

// Stop interrupts playback.
func (s *Speech) Stop(reason error) {
	if s.finished.Armed() {
		if err := s.call.StopPlayback(); err != nil {
			s.logger.Debug().Err(err).Msg("stop playback failed")
		}
	}
	s.finished.Reject(reason)
}
