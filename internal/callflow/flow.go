// Package callflow implements the call scenarios: the outgoing rating survey
// and the incoming greeting. A flow owns one call from dialing to hangup and
// persists its outcome.
package callflow

import (
	"context"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/tiger/callflow/api/callengine"
	"github.com/tiger/callflow/internal/calllist"
	"github.com/tiger/callflow/internal/callrecord"
	"github.com/tiger/callflow/internal/config"
	"github.com/tiger/callflow/internal/errinfo"
	"github.com/tiger/callflow/internal/log"
	"github.com/tiger/callflow/internal/runtime/callcontrol"
	"github.com/tiger/callflow/internal/runtime/scenario"
	"github.com/tiger/callflow/internal/runtime/session"
	"github.com/tiger/callflow/internal/runtime/steps"
)

const (
	minRating = 1
	maxRating = 5
)

// Result is the outcome of the outgoing survey. Status is true once the
// scenario reached its hangup.
type Result struct {
	Rating *int `json:"rating"`
	Status bool `json:"status"`
}

// Error is a terminal flow failure. Its message is the qualified form of the
// underlying defect.
type Error struct {
	Info *errinfo.Error
}

func (e *Error) Error() string { return e.Info.Qualified() }

func (e *Error) Unwrap() error { return e.Info }

// Config wires a Runner.
type Config struct {
	Engine   callengine.Engine
	Store    *callrecord.Store
	Call     config.CallConfig
	Prompts  config.Prompts
	CallList config.CallListConfig
	// HTTPClient is used for call-list reports. Nil uses a default client.
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// Runner runs call flows against one engine.
type Runner struct {
	cfg    Config
	store  *callrecord.Store
	logger zerolog.Logger
}

// New fills unset fields from config.Default and uses an in-memory store when
// none is given.
func New(cfg Config) *Runner {
	def := config.Default()
	if cfg.Call.Timeout <= 0 {
		cfg.Call.Timeout = def.Call.Timeout
	}
	if cfg.Call.RatingAttempts <= 0 {
		cfg.Call.RatingAttempts = def.Call.RatingAttempts
	}
	if cfg.Call.DigitTimeout <= 0 {
		cfg.Call.DigitTimeout = def.Call.DigitTimeout
	}
	if cfg.Call.LeadSilence <= 0 {
		cfg.Call.LeadSilence = def.Call.LeadSilence
	}
	if cfg.Call.TrailSilence <= 0 {
		cfg.Call.TrailSilence = def.Call.TrailSilence
	}
	if cfg.Call.Language == "" {
		cfg.Call.Language = def.Call.Language
	}
	if cfg.Prompts == (config.Prompts{}) {
		cfg.Prompts = def.Prompts
	}
	store := cfg.Store
	if store == nil {
		store = callrecord.NewStore(callrecord.NewMemoryKV(), 0, cfg.Logger)
	}
	return &Runner{cfg: cfg, store: store, logger: cfg.Logger}
}

// Store returns the record store the runner writes to.
func (r *Runner) Store() *callrecord.Store {
	return r.store
}

func (r *Runner) voice() callengine.Voice {
	return callengine.Voice{Language: r.cfg.Call.Language, Name: r.cfg.Call.Voice}
}

func (r *Runner) controlOptions(sess *session.Session, logger zerolog.Logger) callcontrol.Options {
	opts := callcontrol.Options{
		CallerID:          r.cfg.Call.CallerID,
		RecognizerProfile: r.cfg.Call.RecognizerProfile,
		Logger:            logger,
	}
	if sess != nil {
		opts.Recorder = sess.State()
	}
	return opts
}

func (r *Runner) reporter(sess *session.Session, logger zerolog.Logger) *calllist.Reporter {
	return calllist.New(calllist.Config{
		CallbackURL: sess.CallbackURL(),
		Timeout:     r.cfg.CallList.Timeout,
		Client:      r.cfg.HTTPClient,
		Logger:      logger,
	})
}

// Outgoing parses customData, calls the subscriber and runs the rating survey.
// The result is reported and stored. Failures are reported, an empty record is
// stored and the qualified error is returned.
func (r *Runner) Outgoing(ctx context.Context, customData string) (Result, error) {
	sess, err := session.FromCustomData(customData)
	if err != nil {
		return Result{}, r.HandleError(ctx, nil, nil, err)
	}
	sub := sess.Subscriber()
	logger := log.WithCall(r.logger, sess.ID(), sub.Phone)
	reporter := r.reporter(sess, logger)
	if reporter.Enabled() {
		logger.Info().Msg("call list reporting enabled")
	}

	c, err := callcontrol.CallPSTN(ctx, r.cfg.Engine, sub.Phone, r.controlOptions(sess, logger))
	if err != nil {
		return Result{}, r.HandleError(ctx, sess, reporter, err)
	}
	if err := c.SetCallTimeout(r.cfg.Call.Timeout); err != nil {
		return Result{}, r.HandleError(ctx, sess, reporter, err)
	}

	out, err := scenario.Run(ctx, "OutgoingCall", logger, func(ctx context.Context, publish func(Result)) error {
		return r.survey(ctx, c, sess.State(), publish)
	})
	if err != nil {
		if c.Err() == nil {
			_ = c.Hangup()
		}
		return Result{}, r.HandleError(ctx, sess, reporter, err)
	}

	result := out.Value
	logger.Info().Interface("result", result).Bool("cancelled", out.IsCancelled()).Msg("call result")
	r.SaveResult(ctx, sess, reporter, result)
	return result, nil
}

func (r *Runner) survey(ctx context.Context, c *callcontrol.Controller, state *session.State, publish func(Result)) error {
	var rating *int
	set := func(res Result) {
		rating = res.Rating
		if res.Rating != nil {
			state.SetRating(*res.Rating)
		}
		state.SetStatus(res.Status)
		publish(res)
	}
	say := func(text string) error {
		_, err := settle(c.Say.Start(ctx, steps.SayArgs{Text: text, Voice: r.voice()}))
		return err
	}
	hangup := func() error {
		if _, err := settle(c.Silent.Start(ctx, r.cfg.Call.TrailSilence)); err != nil {
			return err
		}
		set(Result{Rating: rating, Status: true})
		return c.Hangup()
	}

	if _, err := settle(c.Silent.Start(ctx, r.cfg.Call.LeadSilence)); err != nil {
		return err
	}
	for attempt := 0; attempt < r.cfg.Call.RatingAttempts; attempt++ {
		if err := say(r.cfg.Prompts.Rating); err != nil {
			return err
		}
		digit, err := settle(c.DigitReading.Start(ctx, steps.DigitOptions{Timeout: r.cfg.Call.DigitTimeout}))
		if err != nil {
			return err
		}
		if digit.Status == steps.DigitRecognized && digit.Digit >= minRating && digit.Digit <= maxRating {
			value := digit.Digit
			set(Result{Rating: &value, Status: false})
			if err := say(r.cfg.Prompts.Thanks); err != nil {
				return err
			}
			return hangup()
		}
	}
	if err := say(r.cfg.Prompts.Fallback); err != nil {
		return err
	}
	return hangup()
}

// Incoming greets the caller by the name stored for their number, or with the
// company line, then hangs up.
func (r *Runner) Incoming(ctx context.Context, call callengine.Call) error {
	rec, known := r.store.Lookup(ctx, call.Number())
	logger := log.WithCall(r.logger, "", call.Number())

	c, err := callcontrol.From(ctx, r.cfg.Engine, call, r.controlOptions(nil, logger))
	if err != nil {
		return r.fail(logger, err)
	}

	_, err = scenario.Run(ctx, "IncomingCall", logger, func(ctx context.Context, publish func(struct{})) error {
		publish(struct{}{})
		text := r.cfg.Prompts.Company
		if known {
			text = strings.ReplaceAll(r.cfg.Prompts.Greeting, "{name}", rec.Name)
		}
		if _, err := settle(c.Say.Start(ctx, steps.SayArgs{Text: text, Voice: r.voice()})); err != nil {
			return err
		}
		if _, err := settle(c.Silent.Start(ctx, r.cfg.Call.TrailSilence)); err != nil {
			return err
		}
		return c.Hangup()
	})
	if err != nil {
		if c.Err() == nil {
			_ = c.Hangup()
		}
		return r.fail(logger, err)
	}
	return nil
}

// SaveResult reports result and stores the call record. Both are best effort.
func (r *Runner) SaveResult(ctx context.Context, sess *session.Session, reporter *calllist.Reporter, result Result) {
	logger := log.WithCall(r.logger, sess.ID(), sess.Subscriber().Phone)
	if err := reporter.ReportResult(ctx, result); err != nil {
		logger.Warn().Err(err).Msg("call list result report failed")
	}
	rec := r.store.FromResult(ctx, sess.Subscriber(), sess.State().Snapshot(), result.Rating, result.Status)
	if err := r.store.Save(ctx, rec); err != nil {
		logger.Warn().Err(err).Msg("call record save failed")
	}
}

// HandleError reports err, stores an empty record for the subscriber and
// returns the qualified error. sess and reporter may be nil when the session
// could not be built.
func (r *Runner) HandleError(ctx context.Context, sess *session.Session, reporter *calllist.Reporter, err error) error {
	logger := r.logger
	if sess != nil {
		logger = log.WithCall(r.logger, sess.ID(), sess.Subscriber().Phone)
	}
	logger.Error().Err(err).Msg("call flow failed")

	if reportErr := reporter.ReportError(ctx, err); reportErr != nil {
		logger.Warn().Err(reportErr).Msg("call list error report failed")
	}
	if sess == nil {
		logger.Warn().Msg("call record not saved: subscriber is unknown")
	} else {
		rec := r.store.FromResult(ctx, sess.Subscriber(), sess.State().Snapshot(), nil, false)
		if saveErr := r.store.Save(ctx, rec); saveErr != nil {
			logger.Warn().Err(saveErr).Msg("call record save failed")
		}
	}
	return &Error{Info: errinfo.From(err)}
}

func (r *Runner) fail(logger zerolog.Logger, err error) error {
	logger.Error().Err(err).Msg("call flow failed")
	return &Error{Info: errinfo.From(err)}
}

// settle turns a cancelled outcome into its termination reason so the
// enclosing scenario stops with it.
func settle[T any](out scenario.Outcome[T], err error) (T, error) {
	if err != nil {
		return out.Value, err
	}
	if out.IsCancelled() {
		return out.Value, out.Reason
	}
	return out.Value, nil
}
