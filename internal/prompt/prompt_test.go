package prompt

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stelle3d/stelle/internal/history"
)

func logOf(n int) []history.Message {
	log := make([]history.Message, 0, n)
	for i := 0; i < n; i++ {
		role := history.RoleUser
		if i%2 == 1 {
			role = history.RoleAssistant
		}
		log = append(log, history.Message{Role: role, Content: fmt.Sprintf("msg-%d", i)})
	}
	return log
}

func TestBuild_Order(t *testing.T) {
	b := Builder{Persona: "You are Stelle.", Language: LanguageAuto, MaxHistory: 20}
	msgs := b.Build(logOf(4), "current question")

	if len(msgs) != 6 {
		t.Fatalf("expected 6 messages, got %d", len(msgs))
	}
	if msgs[0].Role != history.RoleSystem {
		t.Errorf("first message should be system, got %s", msgs[0].Role)
	}
	if msgs[1].Content != "msg-0" || msgs[4].Content != "msg-3" {
		t.Errorf("history window not in original order: %v", msgs)
	}
	last := msgs[len(msgs)-1]
	if last.Role != history.RoleUser || last.Content != "current question" {
		t.Errorf("current user message must come last, got %+v", last)
	}
}

func TestBuild_WindowNeverExceedsCap(t *testing.T) {
	b := Builder{Persona: "p", Language: LanguageAuto, MaxHistory: 5}
	msgs := b.Build(logOf(50), "now")

	// system + 5 history + current user
	if len(msgs) != 7 {
		t.Fatalf("expected 7 messages, got %d", len(msgs))
	}
	// Window holds the most recent entries, not the oldest.
	if msgs[1].Content != "msg-45" {
		t.Errorf("expected window to start at msg-45, got %s", msgs[1].Content)
	}
	if msgs[5].Content != "msg-49" {
		t.Errorf("expected window to end at msg-49, got %s", msgs[5].Content)
	}
}

func TestBuild_EmptyHistory(t *testing.T) {
	b := Builder{Persona: "p", Language: LanguageAuto, MaxHistory: 20}
	msgs := b.Build(nil, "hello")

	if len(msgs) != 2 {
		t.Fatalf("expected system + user, got %d messages", len(msgs))
	}
}

func TestSystemPrompt_Composition(t *testing.T) {
	b := Builder{Persona: "你是 Stelle。", Language: LanguageChinese, MaxHistory: 20}
	sys := b.Build(nil, "x")[0].Content

	if !strings.HasPrefix(sys, "你是 Stelle。") {
		t.Error("system prompt should start with the persona text")
	}
	if !strings.Contains(sys, "你必须始终使用简体中文回答用户。") {
		t.Error("system prompt should contain the Chinese language rule")
	}
	if !strings.Contains(sys, "\"reply_text\"") || !strings.Contains(sys, "\"emotion_id\"") {
		t.Error("system prompt should contain the JSON output contract")
	}
	if !strings.Contains(sys, "4 = surprised / shocked") {
		t.Error("system prompt should contain the emotion mapping")
	}
}

func TestLanguageRules(t *testing.T) {
	en := Builder{Language: LanguageEnglish}.Build(nil, "x")[0].Content
	if !strings.Contains(en, "natural, fluent English") {
		t.Error("missing English language rule")
	}

	auto := Builder{Language: LanguageAuto}.Build(nil, "x")[0].Content
	if !strings.Contains(auto, "Detect the user's language") {
		t.Error("missing auto-detect language rule")
	}
}
