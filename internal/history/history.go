// Package history manages the ordered conversation log and its JSON file
// persistence.
package history

import (
	"time"

	"github.com/google/uuid"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

// Message is one entry in the conversation log. Messages are immutable once
// appended; the log only grows, except for an explicit clear-all.
type Message struct {
	Role      string `json:"role"`
	Content   string `json:"content"`
	Timestamp string `json:"timestamp"`
	Emotion   string `json:"emotion,omitempty"`
}

// NewMessage creates a message stamped with the current UTC time in ISO-8601.
func NewMessage(role, content, emotion string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Emotion:   emotion,
	}
}

// Session is the persisted form of one conversation.
type Session struct {
	Messages  []Message `json:"messages"`
	SessionID string    `json:"sessionId"`
}

// NewSession creates an empty session with a fresh ID.
func NewSession() Session {
	return Session{
		Messages:  make([]Message, 0),
		SessionID: uuid.NewString(),
	}
}

// Store is the conversation log contract the orchestrator depends on.
type Store interface {
	// Append adds a message to the log. The in-memory log is always updated;
	// a returned error only signals that durability failed.
	Append(msg Message) error

	// Messages returns a copy of the log in insertion order.
	Messages() []Message

	// LastAssistant returns the most recent assistant message, if any.
	LastAssistant() (Message, bool)

	// Len returns the number of messages in the log.
	Len() int

	// Clear wipes the log and removes backing storage.
	Clear() error
}
