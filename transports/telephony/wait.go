package telephony

import (
	"context"
	"time"

	"github.com/tiger/callflow/api/callengine"
)

const pollInterval = time.Millisecond

// WaitRecognizer blocks until at least n recognizers exist and returns the n-th.
func (e *Engine) WaitRecognizer(ctx context.Context, n int) (*Recognizer, error) {
	var rec *Recognizer
	err := poll(ctx, func() bool {
		recs := e.Recognizers()
		if len(recs) < n {
			return false
		}
		rec = recs[n-1]
		return true
	})
	return rec, err
}

// WaitTonesEnabled blocks until DTMF capture is on.
func (c *Call) WaitTonesEnabled(ctx context.Context) error {
	return poll(ctx, c.TonesEnabled)
}

// WaitPlaying blocks until a prompt is playing.
func (c *Call) WaitPlaying(ctx context.Context) error {
	return poll(ctx, c.Playing)
}

// WaitMedia blocks until call audio flows into r.
func (c *Call) WaitMedia(ctx context.Context, r *Recognizer) error {
	return poll(ctx, func() bool { return c.MediaRoutedTo(r) })
}

// WaitState blocks until the call reaches state.
func (c *Call) WaitState(ctx context.Context, state callengine.CallState) error {
	return poll(ctx, func() bool { return c.State() == state })
}

func poll(ctx context.Context, cond func() bool) error {
	if cond() {
		return nil
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if cond() {
				return nil
			}
		}
	}
}
