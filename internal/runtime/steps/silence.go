package steps

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiger/callflow/internal/runtime/promise"
)

// Silence waits without doing anything.
type Silence struct {
	sleeper *promise.Sleeper
	logger  zerolog.Logger
}

func NewSilence(logger zerolog.Logger) *Silence {
	return &Silence{sleeper: promise.NewSleeper("Silence", logger), logger: logger}
}

func (s *Silence) Run(ctx context.Context, d time.Duration, publish func(time.Duration)) error {
	publish(d)
	s.logger.Debug().Dur("duration", d).Msg("staying silent")
	return s.sleeper.Sleep(ctx, d)
}

func (s *Silence) Stop(reason error) {
	s.sleeper.ScareUp(reason)
}
