// Package character manages the character's presentation state. Transitions
// are commanded by collaborators, never inferred; the machine emits
// fire-and-forget notifications and runs for the lifetime of the process.
package character

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/stelle3d/stelle/internal/bus"
	"github.com/stelle3d/stelle/internal/emotion"
)

// State is the character's current behavioral mode.
type State string

const (
	StateIdle     State = "idle"
	StateThinking State = "thinking"
	StateTouching State = "touching"
	StateTalking  State = "talking"
)

// Snapshot is one observed (state, emotion) pair.
type Snapshot struct {
	State   State        `json:"state"`
	Emotion emotion.Code `json:"emotion"`
}

// Controller holds the presentation state. There is a single writer (the
// orchestrator, plus the touch entry points); readers get atomic snapshots.
type Controller struct {
	mu      sync.RWMutex
	current Snapshot

	onChange func(Snapshot)
	eventBus *bus.Bus
	logger   zerolog.Logger
}

// NewController creates a controller in the Idle state.
func NewController(eventBus *bus.Bus, logger zerolog.Logger) *Controller {
	return &Controller{
		current:  Snapshot{State: StateIdle, Emotion: emotion.Neutral},
		eventBus: eventBus,
		logger:   logger.With().Str("component", "character").Logger(),
	}
}

// SetChangeHandler sets the callback invoked on every observable transition.
func (c *Controller) SetChangeHandler(handler func(Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onChange = handler
}

// Current returns the current snapshot.
func (c *Controller) Current() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current
}

// State returns the current state.
func (c *Controller) State() State {
	return c.Current().State
}

// OnUserTurnStarted commands the Thinking state.
func (c *Controller) OnUserTurnStarted() {
	c.set(Snapshot{State: StateThinking, Emotion: emotion.Neutral})
}

// OnReplyStarted commands the Talking state carrying the reply's emotion.
func (c *Controller) OnReplyStarted(e emotion.Code) {
	c.set(Snapshot{State: StateTalking, Emotion: e})
}

// OnTurnFinished commands the Idle state and resets the emotion to neutral.
// It is issued on success, failure, and when speech is skipped.
func (c *Controller) OnTurnFinished() {
	c.set(Snapshot{State: StateIdle, Emotion: emotion.Neutral})
}

// OnTouched commands the Touching state. It is driven by the presentation
// front-end, not by the dialog orchestrator.
func (c *Controller) OnTouched() {
	c.set(Snapshot{State: StateTouching, Emotion: emotion.Happy})
}

// OnTouchReleased returns the character to Idle after a touch interaction.
func (c *Controller) OnTouchReleased() {
	c.set(Snapshot{State: StateIdle, Emotion: emotion.Neutral})
}

// set swaps the snapshot. Commanding the current snapshot again is a no-op
// with no observable notification.
func (c *Controller) set(next Snapshot) {
	c.mu.Lock()
	if c.current == next {
		c.mu.Unlock()
		return
	}
	prev := c.current
	c.current = next
	handler := c.onChange
	c.mu.Unlock()

	c.logger.Debug().
		Str("from", string(prev.State)).
		Str("to", string(next.State)).
		Str("emotion", next.Emotion.String()).
		Msg("Presentation state changed")

	if c.eventBus != nil {
		c.eventBus.Publish(bus.Event{
			Type: bus.EventTypeStateChanged,
			Data: map[string]any{
				"state":   string(next.State),
				"emotion": int(next.Emotion),
			},
		})
	}
	if handler != nil {
		handler(next)
	}
}
