package dialog

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/stelle3d/stelle/internal/bus"
	"github.com/stelle3d/stelle/internal/character"
	"github.com/stelle3d/stelle/internal/emotion"
	"github.com/stelle3d/stelle/internal/history"
	"github.com/stelle3d/stelle/internal/llm"
	"github.com/stelle3d/stelle/internal/prompt"
	"github.com/stelle3d/stelle/internal/tts"
)

type memStore struct {
	mu        sync.Mutex
	messages  []history.Message
	appendErr error
}

func (s *memStore) Append(msg history.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, msg)
	return s.appendErr
}

func (s *memStore) Messages() []history.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

func (s *memStore) LastAssistant() (history.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.messages) - 1; i >= 0; i-- {
		if s.messages[i].Role == history.RoleAssistant {
			return s.messages[i], true
		}
	}
	return history.Message{}, false
}

func (s *memStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *memStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = nil
	return nil
}

type fakeLLM struct {
	mu      sync.Mutex
	reply   *llm.Reply
	err     error
	calls   int
	prompts [][]prompt.Message
	block   chan struct{}
}

func (f *fakeLLM) Complete(ctx context.Context, messages []prompt.Message) (*llm.Reply, error) {
	f.mu.Lock()
	f.calls++
	f.prompts = append(f.prompts, messages)
	block := f.block
	f.mu.Unlock()
	if block != nil {
		select {
		case <-block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.reply, nil
}

func (f *fakeLLM) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeSynth struct {
	clip  *tts.Clip
	err   error
	calls int
	texts []string
}

func (f *fakeSynth) Name() string { return "fake" }

func (f *fakeSynth) Synthesize(_ context.Context, text string) (*tts.Clip, error) {
	f.calls++
	f.texts = append(f.texts, text)
	if f.err != nil {
		return nil, f.err
	}
	return f.clip, nil
}

type fakePlayer struct {
	calls int
	clips []*tts.Clip
	err   error
}

func (f *fakePlayer) Play(_ context.Context, clip *tts.Clip) (<-chan struct{}, error) {
	f.calls++
	f.clips = append(f.clips, clip)
	if f.err != nil {
		return nil, f.err
	}
	done := make(chan struct{})
	close(done)
	return done, nil
}

func happyReply() *llm.Reply {
	return &llm.Reply{Text: "你好呀！", Emotion: emotion.Happy}
}

func newTestDeps() (Deps, *memStore, *fakeLLM, *character.Controller) {
	store := &memStore{}
	model := &fakeLLM{reply: happyReply()}
	chr := character.NewController(nil, zerolog.Nop())
	deps := Deps{
		History:   store,
		LLM:       model,
		Character: chr,
		Logger:    zerolog.Nop(),
		Builder:   prompt.Builder{Persona: "p", Language: prompt.LanguageAuto, MaxHistory: 20},
	}
	return deps, store, model, chr
}

func TestHandleUserTurn_SuccessAppendsTwoMessages(t *testing.T) {
	deps, store, _, chr := newTestDeps()
	o := New(deps)

	var surfaced []string
	o.SetReplyHandler(func(text string) { surfaced = append(surfaced, text) })

	if err := o.HandleUserTurn(context.Background(), "  hello  "); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	msgs := store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("log grew by %d messages, want 2", len(msgs))
	}
	if msgs[0].Role != history.RoleUser || msgs[0].Content != "hello" {
		t.Errorf("first message = %+v, want trimmed user message", msgs[0])
	}
	if msgs[1].Role != history.RoleAssistant || msgs[1].Content != "你好呀！" {
		t.Errorf("second message = %+v, want assistant reply", msgs[1])
	}
	if msgs[1].Emotion != emotion.Happy.Tag() {
		t.Errorf("assistant emotion tag = %q, want %q", msgs[1].Emotion, emotion.Happy.Tag())
	}
	if msgs[1].Timestamp < msgs[0].Timestamp {
		t.Error("assistant timestamp precedes user timestamp")
	}

	if len(surfaced) != 1 || surfaced[0] != "你好呀！" {
		t.Errorf("surfaced = %v, want the reply text once", surfaced)
	}
	if chr.State() != character.StateIdle {
		t.Errorf("final state = %s, want idle", chr.State())
	}
}

func TestHandleUserTurn_LLMFailureRecordsFallback(t *testing.T) {
	deps, store, model, chr := newTestDeps()
	model.err = errors.New("http 500")
	synth := &fakeSynth{clip: &tts.Clip{Audio: []byte("a"), Format: "mp3"}}
	deps.Synth = synth
	deps.SpeechEnabled = true
	o := New(deps)

	var surfaced string
	o.SetReplyHandler(func(text string) { surfaced = text })

	err := o.HandleUserTurn(context.Background(), "hi")
	if err == nil {
		t.Fatal("expected an error for a failed language-model call")
	}

	msgs := store.Messages()
	if len(msgs) != 2 {
		t.Fatalf("log grew by %d messages, want 2 (user + fallback)", len(msgs))
	}
	if msgs[1].Content != FallbackReply {
		t.Errorf("fallback content = %q, want %q", msgs[1].Content, FallbackReply)
	}
	if msgs[1].Emotion != emotion.ErrorTag {
		t.Errorf("fallback emotion tag = %q, want %q", msgs[1].Emotion, emotion.ErrorTag)
	}
	if surfaced != FallbackReply {
		t.Errorf("surfaced = %q, want the fallback text", surfaced)
	}
	if synth.calls != 0 {
		t.Errorf("synthesis attempted %d times after a failed turn, want 0", synth.calls)
	}
	if chr.State() != character.StateIdle {
		t.Errorf("final state = %s, want idle", chr.State())
	}
}

func TestHandleUserTurn_SpeechDisabledNeverTalks(t *testing.T) {
	deps, _, _, chr := newTestDeps()
	synth := &fakeSynth{clip: &tts.Clip{Audio: []byte("a"), Format: "mp3"}}
	deps.Synth = synth
	deps.SpeechEnabled = false
	o := New(deps)

	var states []character.State
	chr.SetChangeHandler(func(s character.Snapshot) { states = append(states, s.State) })

	if err := o.HandleUserTurn(context.Background(), "hi"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	if synth.calls != 0 {
		t.Errorf("synthesis attempted with speech disabled, calls = %d", synth.calls)
	}
	for _, s := range states {
		if s == character.StateTalking {
			t.Fatalf("character entered talking with speech disabled, transitions = %v", states)
		}
	}
	if len(states) != 2 || states[0] != character.StateThinking || states[1] != character.StateIdle {
		t.Errorf("transitions = %v, want [thinking idle]", states)
	}
}

func TestHandleUserTurn_SynthesisFailureDegradesToText(t *testing.T) {
	deps, store, _, chr := newTestDeps()
	deps.Synth = &fakeSynth{err: errors.New("tts 503")}
	deps.SpeechEnabled = true
	player := &fakePlayer{}
	deps.Player = player
	o := New(deps)

	var surfaced string
	o.SetReplyHandler(func(text string) { surfaced = text })

	if err := o.HandleUserTurn(context.Background(), "hi"); err != nil {
		t.Fatalf("synthesis failure must not fail the turn: %v", err)
	}

	if surfaced != "你好呀！" {
		t.Errorf("surfaced = %q, reply text must still be shown", surfaced)
	}
	if store.Len() != 2 {
		t.Errorf("log grew by %d, want 2", store.Len())
	}
	if player.calls != 0 {
		t.Errorf("playback attempted %d times after failed synthesis, want 0", player.calls)
	}
	if o.LastClip() != nil {
		t.Error("a clip was attached despite failed synthesis")
	}
	if chr.State() != character.StateIdle {
		t.Errorf("final state = %s, want idle", chr.State())
	}
}

func TestHandleUserTurn_VoicedTurnPlaysClip(t *testing.T) {
	deps, _, _, chr := newTestDeps()
	clip := &tts.Clip{Audio: []byte("audio"), Format: "mp3", Duration: time.Millisecond}
	synth := &fakeSynth{clip: clip}
	player := &fakePlayer{}
	deps.Synth = synth
	deps.Player = player
	deps.SpeechEnabled = true
	o := New(deps)

	var snapshots []character.Snapshot
	chr.SetChangeHandler(func(s character.Snapshot) { snapshots = append(snapshots, s) })

	if err := o.HandleUserTurn(context.Background(), "hi"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	if len(synth.texts) != 1 || synth.texts[0] != "你好呀！" {
		t.Errorf("synthesized texts = %v, want the reply text", synth.texts)
	}
	if len(player.clips) != 1 || player.clips[0] != clip {
		t.Errorf("player received %v, want the synthesized clip", player.clips)
	}
	if o.LastClip() != clip {
		t.Error("last clip not attached to the turn")
	}

	if len(snapshots) != 3 {
		t.Fatalf("transitions = %v, want thinking, talking, idle", snapshots)
	}
	if snapshots[1].State != character.StateTalking || snapshots[1].Emotion != emotion.Happy {
		t.Errorf("talking snapshot = %+v, want talking with the reply emotion", snapshots[1])
	}
	if snapshots[2].State != character.StateIdle {
		t.Errorf("final transition = %+v, want idle", snapshots[2])
	}
}

func TestHandleUserTurn_RejectsConcurrentTurn(t *testing.T) {
	deps, _, model, _ := newTestDeps()
	model.block = make(chan struct{})
	o := New(deps)

	firstDone := make(chan error, 1)
	go func() { firstDone <- o.HandleUserTurn(context.Background(), "first") }()

	// Wait for the first turn to reach the model call.
	deadline := time.After(time.Second)
	for model.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("first turn never reached the language model")
		case <-time.After(time.Millisecond):
		}
	}

	if err := o.HandleUserTurn(context.Background(), "second"); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("second submission returned %v, want ErrTurnInFlight", err)
	}

	close(model.block)
	if err := <-firstDone; err != nil {
		t.Fatalf("first turn failed: %v", err)
	}
	if model.callCount() != 1 {
		t.Errorf("model called %d times, want 1", model.callCount())
	}

	// A new turn is accepted once the first completes.
	if err := o.HandleUserTurn(context.Background(), "third"); err != nil {
		t.Fatalf("turn after completion failed: %v", err)
	}
}

func TestHandleUserTurn_EmptyInputRejected(t *testing.T) {
	deps, store, model, _ := newTestDeps()
	o := New(deps)

	for _, input := range []string{"", "   ", "\n\t"} {
		if err := o.HandleUserTurn(context.Background(), input); !errors.Is(err, ErrEmptyInput) {
			t.Errorf("input %q returned %v, want ErrEmptyInput", input, err)
		}
	}
	if store.Len() != 0 {
		t.Errorf("empty input mutated the log, len = %d", store.Len())
	}
	if model.callCount() != 0 {
		t.Errorf("empty input reached the model, calls = %d", model.callCount())
	}
}

func TestHandleUserTurn_MissingCollaboratorsFailsFast(t *testing.T) {
	store := &memStore{}
	o := New(Deps{History: store, Logger: zerolog.Nop()})

	if err := o.HandleUserTurn(context.Background(), "hi"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("missing model returned %v, want ErrNotConfigured", err)
	}
	if store.Len() != 0 {
		t.Errorf("failed precondition mutated the log, len = %d", store.Len())
	}
}

func TestHandleUserTurn_PersistenceErrorDoesNotAbortTurn(t *testing.T) {
	deps, store, _, _ := newTestDeps()
	store.appendErr = history.ErrPersist
	o := New(deps)

	var surfaced string
	o.SetReplyHandler(func(text string) { surfaced = text })

	if err := o.HandleUserTurn(context.Background(), "hi"); err != nil {
		t.Fatalf("persistence error must not abort the turn: %v", err)
	}
	if surfaced != "你好呀！" {
		t.Errorf("surfaced = %q, want the reply", surfaced)
	}
	if store.Len() != 2 {
		t.Errorf("in-memory log length = %d, want 2", store.Len())
	}
}

func TestHandleUserTurn_PromptExcludesCurrentMessageFromWindow(t *testing.T) {
	deps, store, model, _ := newTestDeps()
	store.messages = []history.Message{
		history.NewMessage(history.RoleUser, "earlier question", ""),
		history.NewMessage(history.RoleAssistant, "earlier answer", "neutral"),
	}
	o := New(deps)

	if err := o.HandleUserTurn(context.Background(), "new question"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	sent := model.prompts[0]
	// system + two history messages + current user message
	if len(sent) != 4 {
		t.Fatalf("prompt has %d messages, want 4: %+v", len(sent), sent)
	}
	if sent[3].Content != "new question" {
		t.Errorf("last prompt message = %q, want the current user text", sent[3].Content)
	}
	for _, m := range sent[1:3] {
		if m.Content == "new question" {
			t.Error("current user message duplicated inside the history window")
		}
	}
}

func TestHandleUserTurn_PublishesTurnEvents(t *testing.T) {
	deps, _, _, _ := newTestDeps()
	eventBus := bus.New()
	deps.Bus = eventBus
	o := New(deps)

	var seen []bus.EventType
	eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeTurnStarted,
		bus.EventTypeReplyReceived,
		bus.EventTypeTurnFinished,
		bus.EventTypeTurnFailed,
	}, func(e bus.Event) { seen = append(seen, e.Type) })

	if err := o.HandleUserTurn(context.Background(), "hi"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}

	want := []bus.EventType{
		bus.EventTypeTurnStarted,
		bus.EventTypeReplyReceived,
		bus.EventTypeTurnFinished,
	}
	if len(seen) != len(want) {
		t.Fatalf("events = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("event[%d] = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestReset_ClearsHistoryAndClip(t *testing.T) {
	deps, store, _, _ := newTestDeps()
	clip := &tts.Clip{Audio: []byte("a"), Format: "mp3"}
	deps.Synth = &fakeSynth{clip: clip}
	deps.SpeechEnabled = true
	o := New(deps)

	if err := o.HandleUserTurn(context.Background(), "hi"); err != nil {
		t.Fatalf("turn failed: %v", err)
	}
	if o.LastClip() == nil {
		t.Fatal("expected a clip before reset")
	}

	if err := o.Reset(); err != nil {
		t.Fatalf("reset failed: %v", err)
	}
	if store.Len() != 0 {
		t.Errorf("log length after reset = %d, want 0", store.Len())
	}
	if o.LastClip() != nil {
		t.Error("clip survived reset")
	}
}

func TestReset_RejectedWhileTurnInFlight(t *testing.T) {
	deps, _, model, _ := newTestDeps()
	model.block = make(chan struct{})
	o := New(deps)

	turnDone := make(chan error, 1)
	go func() { turnDone <- o.HandleUserTurn(context.Background(), "hi") }()

	deadline := time.After(time.Second)
	for model.callCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("turn never reached the language model")
		case <-time.After(time.Millisecond):
		}
	}

	if err := o.Reset(); !errors.Is(err, ErrTurnInFlight) {
		t.Errorf("reset during turn returned %v, want ErrTurnInFlight", err)
	}

	close(model.block)
	if err := <-turnDone; err != nil {
		t.Fatalf("turn failed: %v", err)
	}
}
