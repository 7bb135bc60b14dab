// Package llm talks to an OpenAI-style chat-completions endpoint and maps
// responses to typed replies.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/stelle3d/stelle/internal/emotion"
	"github.com/stelle3d/stelle/internal/prompt"
)

// Typed failures. ErrNoAPIKey is a configuration problem and is reported
// before any network call; the others classify bad responses.
var (
	ErrNoAPIKey     = errors.New("llm: API key not configured")
	ErrNoChoices    = errors.New("llm: no choices in response")
	ErrEmptyContent = errors.New("llm: empty content in response")
)

// Config holds language-model client configuration.
type Config struct {
	// BaseURL is the full chat-completions endpoint URL.
	BaseURL     string
	Model       string
	APIKey      string
	Temperature float64
	Timeout     time.Duration
}

// DefaultConfig returns sensible defaults. The API key must come from
// configuration; there is no usable default.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:     "https://generativelanguage.googleapis.com/v1beta/openai/chat/completions",
		Model:       "gemini-2.0-flash",
		Temperature: 0.7,
		Timeout:     60 * time.Second,
	}
}

// Reply is the model's structured output for one turn.
type Reply struct {
	Text    string
	Emotion emotion.Code
}

// Client performs one chat-completions call per turn. It does not retry.
type Client struct {
	config *Config
	client *http.Client
	logger zerolog.Logger
}

// NewClient creates a language-model client.
func NewClient(cfg *Config, logger zerolog.Logger) *Client {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Client{
		config: cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.With().Str("component", "llm").Logger(),
	}
}

// Available reports whether the client has a credential configured.
func (c *Client) Available() bool {
	return c.config.APIKey != ""
}

type chatRequest struct {
	Model          string           `json:"model"`
	Messages       []prompt.Message `json:"messages"`
	Temperature    float64          `json:"temperature"`
	ResponseFormat responseFormat   `json:"response_format"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

type replyPayload struct {
	ReplyText string `json:"reply_text"`
	EmotionID int    `json:"emotion_id"`
}

// Complete sends the prompt and returns the parsed reply. JSON mode is
// requested, but a non-JSON reply still succeeds: the raw text is returned
// with a neutral emotion rather than failing the turn.
func (c *Client) Complete(ctx context.Context, messages []prompt.Message) (*Reply, error) {
	if c.config.APIKey == "" {
		return nil, ErrNoAPIKey
	}

	reqBody := chatRequest{
		Model:          c.config.Model,
		Messages:       messages,
		Temperature:    c.config.Temperature,
		ResponseFormat: responseFormat{Type: "json_object"},
	}

	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	req.Header.Set("Content-Type", "application/json")

	c.logger.Debug().
		Str("model", c.config.Model).
		Int("messages", len(messages)).
		Msg("Sending chat request")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		c.logger.Error().
			Int("status", resp.StatusCode).
			Str("body", truncate(string(respBody), 500)).
			Msg("Chat request failed")
		return nil, fmt.Errorf("chat request failed: status %d", resp.StatusCode)
	}

	var chatResp chatResponse
	if err := json.Unmarshal(respBody, &chatResp); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return nil, ErrNoChoices
	}

	content := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if content == "" {
		return nil, ErrEmptyContent
	}

	return c.parseContent(content), nil
}

// parseContent decodes the strict reply payload. A payload that fails to
// parse, or parses without a reply_text, falls back to the whole content as
// plain text with a neutral emotion. Models sometimes wrap the JSON in
// prose; the turn must survive that.
func (c *Client) parseContent(content string) *Reply {
	var payload replyPayload
	if err := json.Unmarshal([]byte(content), &payload); err == nil && payload.ReplyText != "" {
		return &Reply{
			Text:    payload.ReplyText,
			Emotion: emotion.FromID(payload.EmotionID),
		}
	}

	c.logger.Warn().
		Str("content", truncate(content, 200)).
		Msg("Reply payload is not strict JSON, using plain text with neutral emotion")
	return &Reply{Text: content, Emotion: emotion.Neutral}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
