// Package calllist reports call outcomes to the call list that scheduled the
// call. Reporting is enabled by the url_callback field of the custom data.
package calllist

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/tiger/callflow/internal/errinfo"
	"github.com/tiger/callflow/internal/observability/metrics"
)

const (
	kindResult = "result"
	kindError  = "error"

	defaultTimeout = 10 * time.Second
	maxErrorBody   = 1024
)

// Config configures a reporter. An empty CallbackURL disables reporting.
type Config struct {
	CallbackURL string
	Timeout     time.Duration
	Client      *http.Client
	Logger      zerolog.Logger
}

// Reporter posts results and errors to the callback URL.
type Reporter struct {
	cfg    Config
	client *http.Client
}

// New constructs a reporter.
func New(cfg Config) *Reporter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Reporter{cfg: cfg, client: client}
}

// Enabled reports whether a callback URL is configured.
func (r *Reporter) Enabled() bool {
	return r != nil && r.cfg.CallbackURL != ""
}

// ReportResult sends the call result. It is a no-op when reporting is disabled.
func (r *Reporter) ReportResult(ctx context.Context, result any) error {
	if !r.Enabled() {
		return nil
	}
	r.cfg.Logger.Info().Msg("reporting result to call list")
	return r.post(ctx, "calllist.ReportResult", kindResult, map[string]any{"result": result})
}

// ReportError sends the qualified message of err. It is a no-op when reporting
// is disabled.
func (r *Reporter) ReportError(ctx context.Context, err error) error {
	if !r.Enabled() {
		return nil
	}
	r.cfg.Logger.Info().Msg("reporting error to call list")
	return r.post(ctx, "calllist.ReportError", kindError, map[string]any{"error": errinfo.From(err).Message})
}

func (r *Reporter) post(ctx context.Context, sender, kind string, payload any) (err error) {
	defer func() { metrics.RecordCallListReport(kind, err == nil) }()

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s report: %w", kind, err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.cfg.CallbackURL, bytes.NewReader(body))
	if err != nil {
		return errinfo.Wrap(sender, "request could not be built", err, map[string]any{"url": r.cfg.CallbackURL})
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return errinfo.Wrap(sender, "request failed", err, map[string]any{"error": err.Error()})
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		sample, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return errinfo.New(sender, "request failed", map[string]any{
			"code":  resp.StatusCode,
			"error": string(sample),
		})
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
