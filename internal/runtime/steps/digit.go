package steps

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiger/callflow/internal/runtime/cancellation"
	"github.com/tiger/callflow/internal/runtime/scenario"
	"golang.org/x/sync/errgroup"
)

// DigitStatus tags a DigitResult.
type DigitStatus string

const (
	DigitEmpty      DigitStatus = "empty"
	DigitRecognized DigitStatus = "recognized"
	DigitInvalid    DigitStatus = "invalid"
)

// DigitOptions bounds one digit read. Zero disables the timeout.
type DigitOptions struct {
	Timeout time.Duration
}

// DigitResult is Empty, Recognized(Digit, Text) or Invalid(Text).
type DigitResult struct {
	Status DigitStatus `json:"status"`
	Digit  int         `json:"digit"`
	Text   string      `json:"text,omitempty"`
}

var digitTable = []struct {
	value    int
	variants []string
}{
	{0, []string{"0", "ноль"}},
	{1, []string{"1", "один"}},
	{2, []string{"2", "два"}},
	{3, []string{"3", "три"}},
	{4, []string{"4", "четыре"}},
	{5, []string{"5", "пять"}},
	{6, []string{"6", "шесть"}},
	{7, []string{"7", "семь"}},
	{8, []string{"8", "восемь"}},
	{9, []string{"9", "девять"}},
}

// DigitByVariant maps a glyph or spoken word to its digit.
func DigitByVariant(text string) (int, bool) {
	for _, d := range digitTable {
		if slices.Contains(d.variants, text) {
			return d.value, true
		}
	}
	return 0, false
}

// DigitVariants lists every accepted variant, glyphs and words.
func DigitVariants() []string {
	out := make([]string, 0, 2*len(digitTable))
	for _, d := range digitTable {
		out = append(out, d.variants...)
	}
	return out
}

// DigitReader races a tone read against speech recognition. The first
// recognized value wins and the sibling is stopped.
type DigitReader struct {
	tone   *scenario.Step[ToneOptions, ToneResult]
	speech *scenario.Step[SpeechOptions, SpeechResult]
	logger zerolog.Logger

	mu   sync.Mutex
	stop func(reason error)
}

func NewDigitReader(tone *scenario.Step[ToneOptions, ToneResult], speech *scenario.Step[SpeechOptions, SpeechResult], logger zerolog.Logger) *DigitReader {
	return &DigitReader{tone: tone, speech: speech, logger: logger}
}

func (d *DigitReader) Run(ctx context.Context, opts DigitOptions, publish func(DigitResult)) error {
	publish(DigitResult{Status: DigitEmpty})

	g, gctx := errgroup.WithContext(ctx)
	childCtx, cancelChildren := context.WithCancelCause(gctx)
	defer cancelChildren(nil)

	var (
		decideMu sync.Mutex
		decided  bool
		finished atomic.Bool
	)
	stopChildren := func(reason error) {
		if finished.Load() {
			return
		}
		d.tone.Stop(reason)
		d.speech.Stop(reason)
		cancelChildren(reason)
	}
	d.setStop(stopChildren)
	defer d.setStop(nil)
	defer finished.Store(true)

	if opts.Timeout > 0 {
		timer := time.AfterFunc(opts.Timeout, func() {
			d.logger.Debug().Dur("timeout", opts.Timeout).Msg("digit reading timed out")
			stopChildren(cancellation.Timeout())
		})
		defer timer.Stop()
	}

	decide := func(text string) {
		decideMu.Lock()
		if decided {
			decideMu.Unlock()
			return
		}
		decided = true
		if digit, ok := DigitByVariant(text); ok {
			publish(DigitResult{Status: DigitRecognized, Digit: digit, Text: text})
			d.logger.Info().Int("digit", digit).Str("text", text).Msg("digit recognized")
		} else {
			publish(DigitResult{Status: DigitInvalid, Text: text})
			d.logger.Info().Str("text", text).Msg("value is not a digit")
		}
		decideMu.Unlock()
		stopChildren(cancellation.RelatedStepHasResult())
	}

	g.Go(func() error {
		out, err := d.tone.Start(childCtx, ToneOptions{Timeout: opts.Timeout, Length: 1})
		if err != nil {
			return childError(err)
		}
		if out.Value.Status == ToneRecognized {
			decide(out.Value.Tone)
		}
		return nil
	})
	g.Go(func() error {
		out, err := d.speech.Start(childCtx, SpeechOptions{Timeout: opts.Timeout, PhraseHints: DigitVariants()})
		if err != nil {
			return childError(err)
		}
		if out.Value.Status == SpeechRecognized {
			decide(out.Value.Text)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return cancellation.FromContext(ctx)
	}
	return nil
}

func (d *DigitReader) Stop(reason error) {
	d.mu.Lock()
	stop := d.stop
	d.mu.Unlock()
	if stop != nil {
		stop(reason)
	}
}

func (d *DigitReader) setStop(fn func(reason error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stop = fn
}

// childError drops a child that was stopped before it published anything.
func childError(err error) error {
	if errors.Is(err, scenario.ErrStoppedWithoutResult) {
		return nil
	}
	return err
}
