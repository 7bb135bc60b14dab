// Package tts provides speech synthesis clients. A synthesizer converts
// reply text into a playable clip; playback belongs to the caller.
package tts

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Typed failures.
var (
	ErrNoServiceURL   = errors.New("tts: service URL not configured")
	ErrNotImplemented = errors.New("tts: backend not implemented")
	ErrEmptyAudio     = errors.New("tts: empty audio payload")
)

// Backend selects the synthesis implementation.
type Backend string

const (
	// BackendRemote is the HTTP synthesis service.
	BackendRemote Backend = "remote"
	// BackendLocal is the self-hosted GPT-SoVITS backend, not yet wired up.
	BackendLocal Backend = "local"
)

// speakerTag prefixes every synthesis input. Single-speaker dialogue always
// uses S1 per the MOSS-TTSD convention.
const speakerTag = "[S1]"

// Config holds synthesis configuration.
type Config struct {
	Backend        Backend
	ServiceURL     string
	APIKey         string
	Model          string
	Voice          string
	ResponseFormat string
	SampleRate     int
	Speed          float64
	Gain           float64
	MaxTokens      int
	Timeout        time.Duration
}

// DefaultConfig returns sensible defaults for the remote backend.
func DefaultConfig() *Config {
	return &Config{
		Backend:        BackendRemote,
		ServiceURL:     "https://api.siliconflow.cn/v1/audio/speech",
		Model:          "fnlp/MOSS-TTSD-v0.5",
		Voice:          "fnlp/MOSS-TTSD-v0.5:anna",
		ResponseFormat: "mp3",
		SampleRate:     44100,
		Speed:          1.0,
		Gain:           0.0,
		MaxTokens:      4096,
		Timeout:        60 * time.Second,
	}
}

// Clip is a ready-to-play synthesis result. Once handed to the caller it is
// shared, never mutated.
type Clip struct {
	Audio      []byte
	Format     string
	SampleRate int
	Duration   time.Duration
}

// Synthesizer is the contract the orchestrator depends on.
type Synthesizer interface {
	// Name returns the backend identifier.
	Name() string

	// Synthesize converts text to a playable clip.
	Synthesize(ctx context.Context, text string) (*Clip, error)
}

// New creates the synthesizer selected by cfg.Backend.
func New(cfg *Config, logger zerolog.Logger) Synthesizer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	switch cfg.Backend {
	case BackendLocal:
		return NewLocalSynthesizer(logger)
	default:
		return NewRemoteSynthesizer(cfg, logger)
	}
}

// normalizeText collapses newlines and whitespace runs to single spaces.
// Synthesis backends choke on raw newlines and long whitespace runs.
func normalizeText(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// estimateDuration derives a playback duration from the payload size. PCM
// formats are exact for 16-bit mono; compressed formats assume a nominal
// 128 kbps bitrate, which is close enough for playback-completion timing.
func estimateDuration(format string, byteLen, sampleRate int) time.Duration {
	if byteLen <= 0 || sampleRate <= 0 {
		return 0
	}
	switch format {
	case "pcm":
		samples := byteLen / 2
		return time.Duration(samples) * time.Second / time.Duration(sampleRate)
	case "wav":
		payload := byteLen - 44
		if payload < 0 {
			payload = 0
		}
		samples := payload / 2
		return time.Duration(samples) * time.Second / time.Duration(sampleRate)
	default:
		const bitrate = 128_000
		return time.Duration(byteLen) * 8 * time.Second / bitrate
	}
}
