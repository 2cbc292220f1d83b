// Package config loads the call runtime configuration.
//
// Precedence is environment over file over defaults. The file is YAML and is
// parsed strictly: unknown keys and trailing documents are errors.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full runtime configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Call     CallConfig     `yaml:"call"`
	Prompts  Prompts        `yaml:"prompts"`
	Storage  StorageConfig  `yaml:"storage"`
	CallList CallListConfig `yaml:"call_list"`
	TTS      TTSConfig      `yaml:"tts"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

// CallConfig holds the timing and identity of a call.
type CallConfig struct {
	Timeout           time.Duration `yaml:"timeout"`
	CallerID          string        `yaml:"caller_id"`
	Language          string        `yaml:"language"`
	Voice             string        `yaml:"voice"`
	RecognizerProfile string        `yaml:"recognizer_profile"`
	RatingAttempts    int           `yaml:"rating_attempts"`
	DigitTimeout      time.Duration `yaml:"digit_timeout"`
	LeadSilence       time.Duration `yaml:"lead_silence"`
	TrailSilence      time.Duration `yaml:"trail_silence"`
}

// Prompts are the phrases spoken by the call flows. Greeting may contain
// {name}, replaced by the subscriber name.
type Prompts struct {
	Rating   string `yaml:"rating"`
	Thanks   string `yaml:"thanks"`
	Fallback string `yaml:"fallback"`
	Greeting string `yaml:"greeting"`
	Company  string `yaml:"company"`
}

type StorageConfig struct {
	Backend       string        `yaml:"backend"`
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	RedisPrefix   string        `yaml:"redis_prefix"`
	SQLitePath    string        `yaml:"sqlite_path"`
	TTL           time.Duration `yaml:"ttl"`
}

type CallListConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

type TTSConfig struct {
	Provider   string `yaml:"provider"`
	Region     string `yaml:"region"`
	Voice      string `yaml:"voice"`
	Engine     string `yaml:"engine"`
	SampleRate int    `yaml:"sample_rate"`
}

type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Log: LogConfig{Level: "info"},
		Call: CallConfig{
			Timeout:           60 * time.Second,
			CallerID:          "default",
			Language:          "ru-RU",
			RecognizerProfile: "ru-RU",
			RatingAttempts:    2,
			DigitTimeout:      6 * time.Second,
			LeadSilence:       500 * time.Millisecond,
			TrailSilence:      300 * time.Millisecond,
		},
		Prompts: Prompts{
			Rating:   "Добрый день! Оцените, пожалуйста, работу сервиса по пятибальной шкале.",
			Thanks:   "Спасибо за оценку! Всего доброго!",
			Fallback: "Не смог распознать ваш ответ! Всего доброго!",
			Greeting: "Добрый день и всего доброго, {name}!",
			Company:  "Вы позвонили в ООО Компания",
		},
		Storage: StorageConfig{
			Backend: "memory",
			TTL:     7000000 * time.Second,
		},
		CallList: CallListConfig{Timeout: 10 * time.Second},
		TTS:      TTSConfig{Provider: "none"},
	}
}

// Load reads path over the defaults, applies the process environment and
// validates the result. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	if err := ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	path = filepath.Clean(path)
	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}
	// #nosec G304 -- the path is provided by the operator
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	return Parse(data, cfg)
}

// Parse decodes YAML into cfg strictly. Keys absent from data keep their
// current values.
func Parse(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("strict config parse error: %w", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("config file contains multiple documents or trailing content")
	}
	return nil
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg with CALLFLOW_* variables.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	e := envReader{lookup: lookup}
	e.str("CALLFLOW_LOG_LEVEL", &cfg.Log.Level)

	e.duration("CALLFLOW_CALL_TIMEOUT", &cfg.Call.Timeout)
	e.str("CALLFLOW_CALLER_ID", &cfg.Call.CallerID)
	e.str("CALLFLOW_CALL_LANGUAGE", &cfg.Call.Language)
	e.str("CALLFLOW_CALL_VOICE", &cfg.Call.Voice)
	e.str("CALLFLOW_RECOGNIZER_PROFILE", &cfg.Call.RecognizerProfile)
	e.integer("CALLFLOW_RATING_ATTEMPTS", &cfg.Call.RatingAttempts)
	e.duration("CALLFLOW_DIGIT_TIMEOUT", &cfg.Call.DigitTimeout)

	e.str("CALLFLOW_STORAGE_BACKEND", &cfg.Storage.Backend)
	e.str("CALLFLOW_REDIS_ADDR", &cfg.Storage.RedisAddr)
	e.str("CALLFLOW_REDIS_PASSWORD", &cfg.Storage.RedisPassword)
	e.integer("CALLFLOW_REDIS_DB", &cfg.Storage.RedisDB)
	e.str("CALLFLOW_SQLITE_PATH", &cfg.Storage.SQLitePath)
	e.duration("CALLFLOW_STORAGE_TTL", &cfg.Storage.TTL)

	e.duration("CALLFLOW_CALL_LIST_TIMEOUT", &cfg.CallList.Timeout)

	e.str("CALLFLOW_TTS_PROVIDER", &cfg.TTS.Provider)
	e.str("CALLFLOW_TTS_REGION", &cfg.TTS.Region)
	e.str("CALLFLOW_TTS_VOICE", &cfg.TTS.Voice)

	e.str("CALLFLOW_METRICS_ADDR", &cfg.Metrics.ListenAddr)
	return errors.Join(e.errs...)
}

type envReader struct {
	lookup LookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid integer %q", key, v))
		return
	}
	*dst = n
}

func (e *envReader) duration(key string, dst *time.Duration) {
	v, ok := e.get(key)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.errs = append(e.errs, fmt.Errorf("%s: invalid duration %q", key, v))
		return
	}
	*dst = d
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Call.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("call.timeout must be >0"))
	}
	if c.Call.RatingAttempts < 1 {
		errs = append(errs, fmt.Errorf("call.rating_attempts must be >=1"))
	}
	if c.Call.DigitTimeout <= 0 {
		errs = append(errs, fmt.Errorf("call.digit_timeout must be >0"))
	}
	if c.Call.LeadSilence < 0 || c.Call.TrailSilence < 0 {
		errs = append(errs, fmt.Errorf("call silences must be >=0"))
	}
	for name, text := range map[string]string{
		"rating": c.Prompts.Rating, "thanks": c.Prompts.Thanks, "fallback": c.Prompts.Fallback,
		"greeting": c.Prompts.Greeting, "company": c.Prompts.Company,
	} {
		if strings.TrimSpace(text) == "" {
			errs = append(errs, fmt.Errorf("prompts.%s is required", name))
		}
	}
	switch c.Storage.Backend {
	case "memory":
	case "redis":
		if c.Storage.RedisAddr == "" {
			errs = append(errs, fmt.Errorf("storage.redis_addr is required for the redis backend"))
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("storage.sqlite_path is required for the sqlite backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be memory, redis or sqlite, got %q", c.Storage.Backend))
	}
	if c.Storage.TTL <= 0 {
		errs = append(errs, fmt.Errorf("storage.ttl must be >0"))
	}
	if c.CallList.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("call_list.timeout must be >0"))
	}
	switch c.TTS.Provider {
	case "none", "polly":
	default:
		errs = append(errs, fmt.Errorf("tts.provider must be none or polly, got %q", c.TTS.Provider))
	}
	return errors.Join(errs...)
}
