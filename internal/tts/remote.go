package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// RemoteSynthesizer calls an HTTP synthesis service with bearer-token auth.
type RemoteSynthesizer struct {
	config *Config
	client *http.Client
	logger zerolog.Logger
}

// NewRemoteSynthesizer creates the remote HTTP backend.
func NewRemoteSynthesizer(cfg *Config, logger zerolog.Logger) *RemoteSynthesizer {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &RemoteSynthesizer{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "tts-remote").Logger(),
	}
}

// Name returns the backend identifier.
func (s *RemoteSynthesizer) Name() string {
	return string(BackendRemote)
}

type synthesisRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	MaxTokens      int     `json:"max_tokens"`
	Voice          string  `json:"voice"`
	ResponseFormat string  `json:"response_format"`
	SampleRate     int     `json:"sample_rate"`
	Stream         bool    `json:"stream"`
	Speed          float64 `json:"speed"`
	Gain           float64 `json:"gain"`
}

// Synthesize converts text to audio in one POST. The input is whitespace-
// normalized and speaker-tagged before sending.
func (s *RemoteSynthesizer) Synthesize(ctx context.Context, text string) (*Clip, error) {
	if s.config.ServiceURL == "" {
		return nil, ErrNoServiceURL
	}

	startTime := time.Now()

	reqBody := synthesisRequest{
		Model:          s.config.Model,
		Input:          speakerTag + normalizeText(text),
		MaxTokens:      s.config.MaxTokens,
		Voice:          s.config.Voice,
		ResponseFormat: s.config.ResponseFormat,
		SampleRate:     s.config.SampleRate,
		Stream:         false,
		Speed:          s.config.Speed,
		Gain:           s.config.Gain,
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.ServiceURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.APIKey)
	}

	s.logger.Debug().
		Str("voice", s.config.Voice).
		Str("format", s.config.ResponseFormat).
		Int("textLen", len(text)).
		Msg("Sending synthesis request")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(resp.Body)
		s.logger.Error().
			Int("status", resp.StatusCode).
			Str("body", string(errBody)).
			Msg("Synthesis request failed")
		return nil, fmt.Errorf("synthesis request failed: status %d", resp.StatusCode)
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	if len(audio) == 0 {
		return nil, ErrEmptyAudio
	}

	clip := &Clip{
		Audio:      audio,
		Format:     s.config.ResponseFormat,
		SampleRate: s.config.SampleRate,
		Duration:   estimateDuration(s.config.ResponseFormat, len(audio), s.config.SampleRate),
	}

	s.logger.Info().
		Int("audioBytes", len(audio)).
		Dur("duration", clip.Duration).
		Dur("processingTime", time.Since(startTime)).
		Msg("Synthesis complete")

	return clip, nil
}
