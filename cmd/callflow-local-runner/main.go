package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/tiger/callflow/api/callengine"
	"github.com/tiger/callflow/internal/callflow"
	"github.com/tiger/callflow/internal/callrecord"
	"github.com/tiger/callflow/internal/config"
	"github.com/tiger/callflow/internal/errinfo"
	"github.com/tiger/callflow/internal/log"
	"github.com/tiger/callflow/providers/tts/polly"
	"github.com/tiger/callflow/transports/telephony"
)

const defaultCustomData = `{"name":"Гриша","phone":"79990000000"}`

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr, time.Now); err != nil {
		fmt.Fprintf(os.Stderr, "callflow-local-runner: %v\n", err)
		os.Exit(1)
	}
}

// Summary is the JSON document printed after a run.
type Summary struct {
	Flow       string              `json:"flow"`
	StartedAt  time.Time           `json:"started_at"`
	FinishedAt time.Time           `json:"finished_at"`
	Answer     string              `json:"answer"`
	CallID     string              `json:"call_id,omitempty"`
	Prompts    []string            `json:"prompts"`
	Commands   []telephony.Command `json:"commands"`
	Hangups    int                 `json:"hangups"`
	Result     *callflow.Result    `json:"result,omitempty"`
	Error      string              `json:"error,omitempty"`
	Record     *callrecord.Record  `json:"record,omitempty"`
}

func run(args []string, stdout io.Writer, stderr io.Writer, now func() time.Time) error {
	flow := "outgoing"
	if len(args) > 0 {
		switch args[0] {
		case "help", "-h", "--help":
			printUsage(stdout)
			return nil
		case "outgoing", "incoming":
			flow = args[0]
			args = args[1:]
		}
	}

	fs := flag.NewFlagSet(flow, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	configPath := fs.String("config", "", "optional YAML config file")
	customData := fs.String("custom-data", defaultCustomData, "custom data JSON of the outgoing call")
	phone := fs.String("phone", "79990000000", "caller number of the incoming call")
	callerName := fs.String("caller-name", "", "store a record for -phone with this name before the incoming call")
	answer := fs.String("answer", "tone:5", "scripted subscriber answer: tone:<d>, speech:<text>[:<confidence>], hangup or none")
	playbackDelay := fs.Duration("playback-delay", 20*time.Millisecond, "simulated prompt length when no synthesizer is configured")
	reportPath := fs.String("report", "", "optional path to also write the summary json")
	timeout := fs.Duration("timeout", 2*time.Minute, "overall run timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	script, err := parseAnswer(*answer)
	if err != nil {
		return err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	logger := log.New(log.Config{Level: cfg.Log.Level, Output: stderr, Service: "callflow-local-runner"})

	store, err := callrecord.Open(callrecord.Config{
		Backend: callrecord.Backend(cfg.Storage.Backend),
		Redis: callrecord.RedisConfig{
			Addr:      cfg.Storage.RedisAddr,
			Password:  cfg.Storage.RedisPassword,
			DB:        cfg.Storage.RedisDB,
			KeyPrefix: cfg.Storage.RedisPrefix,
		},
		SQLitePath: cfg.Storage.SQLitePath,
		TTL:        cfg.Storage.TTL,
	}, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	engineCfg := telephony.Config{AutoConnect: true, PlaybackDelay: *playbackDelay, Logger: logger}
	if cfg.TTS.Provider == "polly" {
		engineCfg.Synthesizer = polly.New(polly.Config{
			Region:     cfg.TTS.Region,
			VoiceID:    cfg.TTS.Voice,
			Engine:     cfg.TTS.Engine,
			SampleRate: cfg.TTS.SampleRate,
		})
	}
	engine := telephony.NewEngine(engineCfg)
	defer engine.Close()

	if cfg.Metrics.ListenAddr != "" {
		stop, addr, err := serveMetrics(cfg.Metrics.ListenAddr, logger)
		if err != nil {
			return err
		}
		defer stop()
		_, _ = fmt.Fprintf(stdout, "callflow-local-runner: metrics on http://%s/metrics\n", addr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	runner := callflow.New(callflow.Config{
		Engine:   engine,
		Store:    store,
		Call:     cfg.Call,
		Prompts:  cfg.Prompts,
		CallList: cfg.CallList,
		Logger:   logger,
	})

	summary := Summary{Flow: flow, StartedAt: now().UTC(), Answer: *answer}

	var (
		call   *telephony.Call
		runErr error
	)
	switch flow {
	case "outgoing":
		go script(ctx, engine)
		result, err := runner.Outgoing(ctx, *customData)
		runErr = err
		if err == nil {
			summary.Result = &result
		}
		if calls := engine.Calls(); len(calls) > 0 {
			call = calls[0]
		}
	case "incoming":
		if *callerName != "" {
			if err := store.Save(ctx, callrecord.Record{Phone: *phone, Name: *callerName}); err != nil {
				return err
			}
		}
		call = engine.IncomingCall(*phone)
		go func() {
			if err := waitCond(ctx, func() bool { return call.ListenerCount(callengine.EventConnected) > 0 }); err == nil {
				call.Connect()
			}
		}()
		runErr = runner.Incoming(ctx, call)
	}
	_ = engine.Sync(ctx)

	summary.FinishedAt = now().UTC()
	if runErr != nil {
		summary.Error = runErr.Error()
	}
	if call != nil {
		summary.CallID = call.ID()
		summary.Prompts = call.Prompts()
		summary.Commands = call.Commands()
		summary.Hangups = call.Hangups()
		if rec, ok := store.Lookup(ctx, call.Number()); ok {
			summary.Record = &rec
		}
	}
	if err := writeSummary(stdout, *reportPath, summary); err != nil {
		return err
	}
	if runErr != nil {
		return fmt.Errorf("%s flow failed: %s", flow, errinfo.From(runErr).Qualified())
	}
	return nil
}

type answerScript func(ctx context.Context, engine *telephony.Engine)

// parseAnswer builds the subscriber side of the call. Tone and speech answers
// are given once the first digit read is listening.
func parseAnswer(raw string) (answerScript, error) {
	kind, rest, _ := strings.Cut(strings.TrimSpace(raw), ":")
	switch kind {
	case "none", "":
		return func(context.Context, *telephony.Engine) {}, nil
	case "hangup":
		return func(ctx context.Context, e *telephony.Engine) {
			call, err := firstCall(ctx, e)
			if err != nil {
				return
			}
			if err := call.WaitPlaying(ctx); err == nil {
				call.Disconnect("subscriber hung up")
			}
		}, nil
	case "tone":
		if rest == "" {
			return nil, fmt.Errorf("answer %q: tone is required", raw)
		}
		return func(ctx context.Context, e *telephony.Engine) {
			call, err := firstCall(ctx, e)
			if err != nil {
				return
			}
			if err := call.WaitTonesEnabled(ctx); err == nil {
				call.PressTone(rest)
			}
		}, nil
	case "speech":
		text, conf, hasConf := strings.Cut(rest, ":")
		confidence := 80
		if hasConf {
			n, err := strconv.Atoi(conf)
			if err != nil {
				return nil, fmt.Errorf("answer %q: invalid confidence: %w", raw, err)
			}
			confidence = n
		}
		if text == "" {
			return nil, fmt.Errorf("answer %q: text is required", raw)
		}
		return func(ctx context.Context, e *telephony.Engine) {
			call, err := firstCall(ctx, e)
			if err != nil {
				return
			}
			rec, err := e.WaitRecognizer(ctx, 1)
			if err != nil {
				return
			}
			if err := call.WaitMedia(ctx, rec); err != nil {
				return
			}
			rec.CaptureSpeech()
			rec.Recognize(text, confidence)
		}, nil
	default:
		return nil, fmt.Errorf("unsupported answer %q", raw)
	}
}

func firstCall(ctx context.Context, e *telephony.Engine) (*telephony.Call, error) {
	if err := waitCond(ctx, func() bool { return len(e.Calls()) > 0 }); err != nil {
		return nil, err
	}
	return e.Calls()[0], nil
}

func waitCond(ctx context.Context, cond func() bool) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for !cond() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func newRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func serveMetrics(addr string, logger zerolog.Logger) (func(), string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listen metrics: %w", err)
	}
	srv := &http.Server{Handler: newRouter(), ReadHeaderTimeout: 5 * time.Second}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn().Err(err).Msg("metrics server stopped")
		}
	}()
	stop := func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		<-done
	}
	return stop, ln.Addr().String(), nil
}

func writeSummary(stdout io.Writer, path string, summary Summary) error {
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("encode summary: %w", err)
	}
	if path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("create summary dir: %w", err)
		}
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("write summary: %w", err)
		}
	}
	_, err = fmt.Fprintln(stdout, string(data))
	return err
}

func printUsage(w io.Writer) {
	_, _ = fmt.Fprintln(w, "callflow-local-runner usage:")
	_, _ = fmt.Fprintln(w, "  callflow-local-runner [outgoing|incoming] [flags]")
	_, _ = fmt.Fprintln(w, "Examples:")
	_, _ = fmt.Fprintln(w, "  callflow-local-runner outgoing -answer tone:4")
	_, _ = fmt.Fprintln(w, "  callflow-local-runner outgoing -answer speech:пять:90 -config callflow.yaml")
	_, _ = fmt.Fprintln(w, "  callflow-local-runner incoming -phone 79990000000 -caller-name Гриша")
}
