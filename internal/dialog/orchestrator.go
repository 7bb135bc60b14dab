// Package dialog sequences one conversation turn: history append, prompt
// construction, the language-model call, speech synthesis, and the
// presentation state transitions around them.
package dialog

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/stelle3d/stelle/internal/bus"
	"github.com/stelle3d/stelle/internal/character"
	"github.com/stelle3d/stelle/internal/emotion"
	"github.com/stelle3d/stelle/internal/history"
	"github.com/stelle3d/stelle/internal/llm"
	"github.com/stelle3d/stelle/internal/prompt"
	"github.com/stelle3d/stelle/internal/tts"
)

// Typed failures surfaced to the caller. Everything else is absorbed into
// the turn's fallback behavior.
var (
	ErrNotConfigured = errors.New("dialog: history store and language-model client are required")
	ErrEmptyInput    = errors.New("dialog: empty user input")
	ErrTurnInFlight  = errors.New("dialog: a turn is already in flight")
)

// FallbackReply is shown and recorded when the language-model call fails.
// The user always gets a chat bubble, never a raw error.
const FallbackReply = "抱歉，我这边好像遇到了一点问题，请稍后再试。"

// Completer is the language-model contract.
type Completer interface {
	Complete(ctx context.Context, messages []prompt.Message) (*llm.Reply, error)
}

// Player is the playback collaborator contract. The returned channel closes
// when playback completes.
type Player interface {
	Play(ctx context.Context, clip *tts.Clip) (<-chan struct{}, error)
}

// Deps are the orchestrator's collaborators, injected explicitly so tests
// can substitute doubles.
type Deps struct {
	History   history.Store
	LLM       Completer
	Synth     tts.Synthesizer
	Character *character.Controller
	Player    Player
	Bus       *bus.Bus
	Logger    zerolog.Logger

	// Builder assembles the per-turn prompt.
	Builder prompt.Builder
	// SpeechEnabled gates synthesis; when false replies are text-only.
	SpeechEnabled bool
	// Fallback overrides FallbackReply when non-empty.
	Fallback string
}

// Orchestrator runs the turn sequence. One conversation, one writer: a
// second HandleUserTurn while one is in flight is rejected, which keeps the
// log free of interleaved partial turns.
type Orchestrator struct {
	deps     Deps
	logger   zerolog.Logger
	inFlight atomic.Bool

	mu       sync.RWMutex
	lastClip *tts.Clip
	onReply  func(text string)
}

// New creates an orchestrator.
func New(deps Deps) *Orchestrator {
	return &Orchestrator{
		deps:   deps,
		logger: deps.Logger.With().Str("component", "dialog").Logger(),
	}
}

// SetReplyHandler sets the text-output surface. It receives the reply text
// as soon as the assistant message is recorded, independent of audio.
func (o *Orchestrator) SetReplyHandler(handler func(text string)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.onReply = handler
}

// LastClip returns the audio attached to the most recent assistant reply,
// if synthesis succeeded for it.
func (o *Orchestrator) LastClip() *tts.Clip {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.lastClip
}

// HandleUserTurn runs one full turn for userText. It returns once the turn
// reaches a terminal point (Idle); the caller may submit the next turn only
// after that. Language-model failures are absorbed into a fallback reply
// and reported through the returned error; synthesis failures degrade to a
// text-only reply and return nil.
func (o *Orchestrator) HandleUserTurn(ctx context.Context, userText string) error {
	text := strings.TrimSpace(userText)
	if text == "" {
		return ErrEmptyInput
	}
	if o.deps.History == nil || o.deps.LLM == nil {
		return ErrNotConfigured
	}
	if !o.inFlight.CompareAndSwap(false, true) {
		return ErrTurnInFlight
	}
	defer o.inFlight.Store(false)

	o.publish(bus.Event{Type: bus.EventTypeTurnStarted, Data: map[string]any{"text": text}})

	// The prompt window is built from the log as it was before this turn;
	// the current user message is appended to the prompt separately.
	window := o.deps.History.Messages()

	o.appendMessage(history.NewMessage(history.RoleUser, text, ""))
	o.commandThinking()

	messages := o.deps.Builder.Build(window, text)

	reply, err := o.deps.LLM.Complete(ctx, messages)
	if err != nil {
		fallback := o.fallback()
		o.logger.Error().Err(err).Msg("Language-model call failed, recording fallback reply")
		o.appendMessage(history.NewMessage(history.RoleAssistant, fallback, emotion.ErrorTag))
		o.surfaceReply(fallback)
		o.commandIdle()
		o.publish(bus.Event{Type: bus.EventTypeTurnFailed, Data: map[string]any{"error": err.Error()}})
		return fmt.Errorf("language model: %w", err)
	}

	o.appendMessage(history.NewMessage(history.RoleAssistant, reply.Text, reply.Emotion.Tag()))
	o.surfaceReply(reply.Text)
	o.publish(bus.Event{Type: bus.EventTypeReplyReceived, Data: map[string]any{
		"text":    reply.Text,
		"emotion": int(reply.Emotion),
	}})

	o.speak(ctx, reply)

	o.commandIdle()
	o.publish(bus.Event{Type: bus.EventTypeTurnFinished})
	return nil
}

// speak runs the voiced part of the turn. Any failure here is a silent
// degrade: the reply text has already been surfaced.
func (o *Orchestrator) speak(ctx context.Context, reply *llm.Reply) {
	if !o.deps.SpeechEnabled || o.deps.Synth == nil {
		return
	}

	o.publish(bus.Event{Type: bus.EventTypeSynthesisStarted})
	clip, err := o.deps.Synth.Synthesize(ctx, reply.Text)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Speech synthesis failed, reply stays text-only")
		o.publish(bus.Event{Type: bus.EventTypeSynthesisFailed, Data: map[string]any{"error": err.Error()}})
		return
	}

	o.mu.Lock()
	o.lastClip = clip
	o.mu.Unlock()

	if o.deps.Player == nil {
		return
	}

	if o.deps.Character != nil {
		o.deps.Character.OnReplyStarted(reply.Emotion)
	}

	done, err := o.deps.Player.Play(ctx, clip)
	if err != nil {
		o.logger.Warn().Err(err).Msg("Playback failed to start")
		return
	}
	<-done
}

// Reset clears the conversation, deleting backing storage. Rejected while a
// turn is in flight.
func (o *Orchestrator) Reset() error {
	if !o.inFlight.CompareAndSwap(false, true) {
		return ErrTurnInFlight
	}
	defer o.inFlight.Store(false)

	if o.deps.History == nil {
		return ErrNotConfigured
	}
	if err := o.deps.History.Clear(); err != nil {
		return err
	}

	o.mu.Lock()
	o.lastClip = nil
	o.mu.Unlock()

	o.publish(bus.Event{Type: bus.EventTypeHistoryCleared})
	return nil
}

// appendMessage writes to the log. Persistence failures are logged and
// swallowed: the in-memory conversation continues even when durability is
// temporarily lost.
func (o *Orchestrator) appendMessage(msg history.Message) {
	if err := o.deps.History.Append(msg); err != nil {
		o.logger.Error().Err(err).Str("role", msg.Role).Msg("History append not durable, continuing in memory")
	}
}

func (o *Orchestrator) fallback() string {
	if o.deps.Fallback != "" {
		return o.deps.Fallback
	}
	return FallbackReply
}

func (o *Orchestrator) surfaceReply(text string) {
	o.mu.RLock()
	handler := o.onReply
	o.mu.RUnlock()
	if handler != nil {
		handler(text)
	}
}

func (o *Orchestrator) commandThinking() {
	if o.deps.Character != nil {
		o.deps.Character.OnUserTurnStarted()
	}
}

func (o *Orchestrator) commandIdle() {
	if o.deps.Character != nil {
		o.deps.Character.OnTurnFinished()
	}
}

func (o *Orchestrator) publish(event bus.Event) {
	if o.deps.Bus != nil {
		o.deps.Bus.Publish(event)
	}
}
