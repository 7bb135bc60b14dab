// Package prompt builds the message list sent to the language model. It is
// pure data transformation: no network, no state.
package prompt

import (
	"strings"

	"github.com/stelle3d/stelle/internal/history"
)

// Language selects the reply-language rule embedded in the system prompt.
type Language string

const (
	LanguageChinese Language = "chinese"
	LanguageEnglish Language = "english"
	LanguageAuto    Language = "auto"
)

// Message is one chat-completions message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// jsonRule forces the strict reply contract. The model must emit only the
// JSON object; the client still degrades gracefully when it does not.
const jsonRule = "You MUST output ONLY a strict JSON object, without any explanation or code fences.\n" +
	"The JSON schema is:\n" +
	"{\n" +
	"  \"reply_text\": \"<your reply to the user>\",\n" +
	"  \"emotion_id\": <integer from 0 to 4>\n" +
	"}\n\n" +
	"emotion_id mapping:\n" +
	"0 = neutral\n" +
	"1 = happy / excited\n" +
	"2 = sad / disappointed\n" +
	"3 = angry / frustrated\n" +
	"4 = surprised / shocked\n"

// Builder assembles prompts from a persona, a language policy and a bounded
// history window.
type Builder struct {
	// Persona is the character definition, free of language and format rules.
	Persona string
	// Language selects the reply-language rule.
	Language Language
	// MaxHistory caps how many log messages are carried into the prompt.
	MaxHistory int
}

// Build returns the ordered message list for one turn: system instruction,
// then the last MaxHistory log messages oldest to newest, then the current
// user message.
func (b Builder) Build(log []history.Message, userText string) []Message {
	messages := make([]Message, 0, len(log)+2)

	messages = append(messages, Message{
		Role:    history.RoleSystem,
		Content: b.systemPrompt(),
	})

	start := 0
	if b.MaxHistory > 0 && len(log) > b.MaxHistory {
		start = len(log) - b.MaxHistory
	}
	for _, m := range log[start:] {
		messages = append(messages, Message{Role: m.Role, Content: m.Content})
	}

	messages = append(messages, Message{Role: history.RoleUser, Content: userText})
	return messages
}

// systemPrompt concatenates persona, language rule and output rule.
func (b Builder) systemPrompt() string {
	var sb strings.Builder
	sb.WriteString(b.Persona)
	sb.WriteString("\n\n")
	sb.WriteString("Language rule:\n")
	sb.WriteString(b.languageRule())
	sb.WriteString("\n\n")
	sb.WriteString("Output rule (VERY IMPORTANT):\n")
	sb.WriteString(jsonRule)
	return sb.String()
}

func (b Builder) languageRule() string {
	switch b.Language {
	case LanguageEnglish:
		return "You must always reply in natural, fluent English."
	case LanguageChinese:
		return "你必须始终使用简体中文回答用户。"
	default:
		return "Detect the user's language from the latest message and reply in that language."
	}
}
