// Package polly renders prompts with Amazon Polly so playback can be timed by
// the length of the synthesized audio.
package polly

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/polly"
	pollytypes "github.com/aws/aws-sdk-go-v2/service/polly/types"
	"github.com/aws/smithy-go"
	"github.com/tiger/callflow/api/callengine"
	"github.com/tiger/callflow/internal/errinfo"
)

const (
	ProviderID = "tts-amazon-polly"

	// FormatPCM is 16-bit signed little-endian mono PCM.
	FormatPCM = "pcm"

	defaultRegion     = "eu-central-1"
	defaultVoiceID    = "Tatyana"
	defaultEngine     = "standard"
	defaultSampleRate = 16000
	defaultTimeout    = 15 * time.Second
)

type synthClient interface {
	SynthesizeSpeech(ctx context.Context, params *polly.SynthesizeSpeechInput, optFns ...func(*polly.Options)) (*polly.SynthesizeSpeechOutput, error)
}

type Config struct {
	Region     string
	VoiceID    string
	Engine     string
	SampleRate int
	Timeout    time.Duration
}

// Synthesizer implements callengine.Synthesizer on top of Polly.
type Synthesizer struct {
	mu     sync.Mutex
	client synthClient
	cfg    Config
}

func ConfigFromEnv() Config {
	rate, _ := strconv.Atoi(os.Getenv("CALLFLOW_TTS_POLLY_SAMPLE_RATE"))
	return Config{
		Region:     defaultString(os.Getenv("CALLFLOW_TTS_POLLY_REGION"), defaultString(os.Getenv("AWS_REGION"), defaultRegion)),
		VoiceID:    defaultString(os.Getenv("CALLFLOW_TTS_POLLY_VOICE"), defaultVoiceID),
		Engine:     defaultString(os.Getenv("CALLFLOW_TTS_POLLY_ENGINE"), defaultEngine),
		SampleRate: rate,
		Timeout:    defaultTimeout,
	}
}

func New(cfg Config) *Synthesizer {
	return NewWithClient(cfg, nil)
}

// NewWithClient uses client instead of loading the default AWS config lazily.
func NewWithClient(cfg Config, client synthClient) *Synthesizer {
	cfg.Region = defaultString(cfg.Region, defaultRegion)
	cfg.VoiceID = defaultString(cfg.VoiceID, defaultVoiceID)
	cfg.Engine = defaultString(cfg.Engine, defaultEngine)
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = defaultSampleRate
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Synthesizer{client: client, cfg: cfg}
}

// Synthesize renders text. voice.Name overrides the configured voice and
// voice.Language is sent as the language code.
func (s *Synthesizer) Synthesize(ctx context.Context, text string, voice callengine.Voice) (callengine.Utterance, error) {
	if strings.TrimSpace(text) == "" {
		return callengine.Utterance{}, errinfo.New("polly.Synthesize", "text is required", nil)
	}
	client, err := s.resolveClient(ctx)
	if err != nil {
		return callengine.Utterance{}, errinfo.Wrap("polly.Synthesize", "polly client unavailable", err, nil)
	}

	engine := pollytypes.EngineStandard
	if strings.EqualFold(s.cfg.Engine, "neural") {
		engine = pollytypes.EngineNeural
	}
	voiceID := defaultString(voice.Name, s.cfg.VoiceID)
	rate := strconv.Itoa(s.cfg.SampleRate)
	input := &polly.SynthesizeSpeechInput{
		Engine:       engine,
		OutputFormat: pollytypes.OutputFormatPcm,
		SampleRate:   &rate,
		Text:         &text,
		TextType:     pollytypes.TextTypeText,
		VoiceId:      pollytypes.VoiceId(voiceID),
	}
	if voice.Language != "" {
		input.LanguageCode = pollytypes.LanguageCode(voice.Language)
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.Timeout)
	defer cancel()

	output, err := client.SynthesizeSpeech(ctx, input)
	if err != nil {
		return callengine.Utterance{}, errinfo.Wrap("polly.Synthesize", "synthesis failed", err,
			map[string]any{"reason": classify(err), "voice": voiceID})
	}
	if output == nil || output.AudioStream == nil {
		return callengine.Utterance{}, errinfo.New("polly.Synthesize", "synthesis returned no audio",
			map[string]any{"reason": "provider_empty_audio", "voice": voiceID})
	}
	defer output.AudioStream.Close()
	audio, err := io.ReadAll(output.AudioStream)
	if err != nil {
		return callengine.Utterance{}, errinfo.Wrap("polly.Synthesize", "audio stream could not be read", err,
			map[string]any{"reason": "provider_transport_error", "voice": voiceID})
	}
	return callengine.Utterance{
		Audio:    audio,
		Format:   FormatPCM,
		Duration: pcmDuration(len(audio), s.cfg.SampleRate),
	}, nil
}

func pcmDuration(size, sampleRate int) time.Duration {
	samples := size / 2
	return time.Duration(samples) * time.Second / time.Duration(sampleRate)
}

func classify(err error) string {
	if errors.Is(err, context.Canceled) {
		return "provider_cancelled"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "provider_timeout"
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "TooManyRequestsException", "ThrottlingException":
			return "provider_overload"
		case "InvalidSsmlException", "TextLengthExceededException", "LexiconNotFoundException", "MarksNotSupportedForFormatException", "InvalidSampleRateException":
			return "provider_client_error"
		default:
			return "provider_server_error"
		}
	}
	return "provider_transport_error"
}

func defaultString(v string, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}

func (s *Synthesizer) resolveClient(ctx context.Context) (synthClient, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return s.client, nil
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(s.cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	s.client = polly.NewFromConfig(awsCfg)
	return s.client, nil
}

var _ callengine.Synthesizer = (*Synthesizer)(nil)
