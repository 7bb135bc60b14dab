package tts

import (
	"context"

	"github.com/rs/zerolog"
)

// LocalSynthesizer is the self-hosted GPT-SoVITS backend. It is a
// placeholder that reports a typed failure instead of synthesizing; the
// caller degrades to a text-only reply.
type LocalSynthesizer struct {
	logger zerolog.Logger
}

// NewLocalSynthesizer creates the local backend placeholder.
func NewLocalSynthesizer(logger zerolog.Logger) *LocalSynthesizer {
	return &LocalSynthesizer{
		logger: logger.With().Str("component", "tts-local").Logger(),
	}
}

// Name returns the backend identifier.
func (s *LocalSynthesizer) Name() string {
	return string(BackendLocal)
}

// Synthesize always fails with ErrNotImplemented. It never blocks.
func (s *LocalSynthesizer) Synthesize(ctx context.Context, text string) (*Clip, error) {
	s.logger.Warn().Msg("Local GPT-SoVITS backend not implemented yet")
	return nil, ErrNotImplemented
}
