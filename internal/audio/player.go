// Package audio owns the playback lifecycle of synthesized clips. Decoding
// and rendering happen in the presentation front-end; this tracks playback
// state and signals completion.
package audio

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/stelle3d/stelle/internal/bus"
	"github.com/stelle3d/stelle/internal/tts"
)

// ErrAlreadyPlaying is returned when a clip is started while another is
// still playing. The orchestrator's turn sequencing makes this a logic
// error rather than a queueing situation.
var ErrAlreadyPlaying = errors.New("audio: a clip is already playing")

// Sink receives clips for actual output (front-end push, device, file).
type Sink func(*tts.Clip)

// Player tracks the playback lifecycle of one clip at a time and exposes a
// completion signal instead of requiring the caller to poll.
type Player struct {
	mu      sync.Mutex
	playing bool
	stop    chan struct{}

	sink     Sink
	eventBus *bus.Bus
	logger   zerolog.Logger
}

// NewPlayer creates a player.
func NewPlayer(eventBus *bus.Bus, logger zerolog.Logger) *Player {
	return &Player{
		eventBus: eventBus,
		logger:   logger.With().Str("component", "audio").Logger(),
	}
}

// SetSink sets the output destination for clips.
func (p *Player) SetSink(sink Sink) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sink = sink
}

// IsPlaying reports whether a clip is currently playing.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Play hands the clip to the sink and returns a channel that closes when
// playback completes. Completion fires after the clip's duration, on Stop,
// or on context cancellation, whichever comes first.
func (p *Player) Play(ctx context.Context, clip *tts.Clip) (<-chan struct{}, error) {
	p.mu.Lock()
	if p.playing {
		p.mu.Unlock()
		return nil, ErrAlreadyPlaying
	}
	p.playing = true
	p.stop = make(chan struct{})
	stop := p.stop
	sink := p.sink
	p.mu.Unlock()

	if sink != nil {
		sink(clip)
	}

	p.logger.Debug().
		Dur("duration", clip.Duration).
		Int("bytes", len(clip.Audio)).
		Msg("Playback started")

	if p.eventBus != nil {
		p.eventBus.Publish(bus.Event{
			Type: bus.EventTypePlaybackStarted,
			Data: map[string]any{"duration_ms": clip.Duration.Milliseconds()},
		})
	}

	done := make(chan struct{})
	go func() {
		defer close(done)

		timer := time.NewTimer(clip.Duration)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-stop:
		case <-ctx.Done():
		}

		p.mu.Lock()
		p.playing = false
		p.mu.Unlock()

		p.logger.Debug().Msg("Playback finished")
		if p.eventBus != nil {
			p.eventBus.Publish(bus.Event{Type: bus.EventTypePlaybackFinished})
		}
	}()

	return done, nil
}

// Stop ends the current playback early. It is safe to call when idle.
func (p *Player) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.playing && p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
}
