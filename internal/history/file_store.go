package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrPersist wraps disk failures. The in-memory log stays valid when it is
// returned; callers log it and carry on.
var ErrPersist = errors.New("history persistence failed")

// FileStore keeps the conversation log in memory and mirrors it to a single
// JSON file, rewritten in full on every append. The file is human-readable;
// the rewrite is not atomic.
type FileStore struct {
	mu      sync.RWMutex
	path    string
	session Session
	logger  zerolog.Logger
}

// NewFileStore creates a store backed by the file at path, restoring any
// existing session. A missing or unreadable file starts a fresh session.
func NewFileStore(path string, logger zerolog.Logger) *FileStore {
	s := &FileStore{
		path:   path,
		logger: logger.With().Str("component", "history").Logger(),
	}
	s.session = s.load()
	return s
}

// SessionID returns the current session identifier.
func (s *FileStore) SessionID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.session.SessionID
}

// Append adds a message and rewrites the backing file. The message is kept
// in memory even when the write fails.
func (s *FileStore) Append(msg Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session.Messages = append(s.session.Messages, msg)

	if err := s.save(); err != nil {
		s.logger.Error().Err(err).Str("path", s.path).Msg("Failed to save history")
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}

	s.logger.Debug().
		Str("role", msg.Role).
		Int("total", len(s.session.Messages)).
		Msg("Message appended")
	return nil
}

// Messages returns a copy of the log in insertion order.
func (s *FileStore) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.session.Messages))
	copy(out, s.session.Messages)
	return out
}

// LastAssistant returns the most recent assistant message, if any.
func (s *FileStore) LastAssistant() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for i := len(s.session.Messages) - 1; i >= 0; i-- {
		if s.session.Messages[i].Role == RoleAssistant {
			return s.session.Messages[i], true
		}
	}
	return Message{}, false
}

// Len returns the number of messages in the log.
func (s *FileStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.session.Messages)
}

// Clear starts a fresh session and deletes the backing file.
func (s *FileStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.session = NewSession()
	s.logger.Info().Msg("Session cleared")

	if err := os.Remove(s.path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// save rewrites the whole session file. Caller holds the lock.
func (s *FileStore) save() error {
	data, err := json.MarshalIndent(s.session, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	return os.WriteFile(s.path, data, 0644)
}

// load restores the session from disk, falling back to a new session on any
// failure so a corrupt file never blocks startup.
func (s *FileStore) load() Session {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("path", s.path).Msg("Failed to read history file, starting fresh")
		}
		return NewSession()
	}

	var loaded Session
	if err := json.Unmarshal(data, &loaded); err != nil {
		s.logger.Warn().Err(err).Str("path", s.path).Msg("Failed to parse history file, starting fresh")
		return NewSession()
	}
	if loaded.Messages == nil {
		loaded.Messages = make([]Message, 0)
	}
	if loaded.SessionID == "" {
		loaded.SessionID = uuid.NewString()
	}

	s.logger.Info().Int("messages", len(loaded.Messages)).Msg("History restored")
	return loaded
}
