package tts

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSynthesizer(t *testing.T, handler http.HandlerFunc) *RemoteSynthesizer {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.ServiceURL = srv.URL
	cfg.APIKey = "tts-key"
	return NewRemoteSynthesizer(cfg, zerolog.Nop())
}

func TestSynthesize_RequestShape(t *testing.T) {
	var gotReq synthesisRequest
	var gotAuth string

	s := newTestSynthesizer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Write([]byte("fake-mp3-bytes"))
	})

	clip, err := s.Synthesize(context.Background(), "Hello\nthere,   friend.")
	require.NoError(t, err)

	assert.Equal(t, "Bearer tts-key", gotAuth)
	assert.Equal(t, "[S1]Hello there, friend.", gotReq.Input, "input must be speaker-tagged and whitespace-normalized")
	assert.Equal(t, "fnlp/MOSS-TTSD-v0.5", gotReq.Model)
	assert.Equal(t, "mp3", gotReq.ResponseFormat)
	assert.Equal(t, 44100, gotReq.SampleRate)
	assert.False(t, gotReq.Stream)
	assert.Equal(t, 4096, gotReq.MaxTokens)

	assert.Equal(t, []byte("fake-mp3-bytes"), clip.Audio)
	assert.Equal(t, "mp3", clip.Format)
	assert.Greater(t, clip.Duration, time.Duration(0))
}

func TestSynthesize_HTTPError(t *testing.T) {
	s := newTestSynthesizer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	})

	clip, err := s.Synthesize(context.Background(), "hi")
	require.Error(t, err)
	assert.Nil(t, clip)
}

func TestSynthesize_EmptyAudio(t *testing.T) {
	s := newTestSynthesizer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	_, err := s.Synthesize(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrEmptyAudio)
}

func TestSynthesize_MissingServiceURL(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceURL = ""
	s := NewRemoteSynthesizer(cfg, zerolog.Nop())

	_, err := s.Synthesize(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrNoServiceURL)
}

func TestLocalSynthesizer_NotImplemented(t *testing.T) {
	s := NewLocalSynthesizer(zerolog.Nop())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := s.Synthesize(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrNotImplemented)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("local backend must fail fast, not hang")
	}
}

func TestNew_BackendSelection(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Backend = BackendLocal
	assert.Equal(t, "local", New(cfg, zerolog.Nop()).Name())

	cfg.Backend = BackendRemote
	assert.Equal(t, "remote", New(cfg, zerolog.Nop()).Name())
}

func TestNormalizeText(t *testing.T) {
	cases := []struct{ in, want string }{
		{"hello\r\nworld", "hello world"},
		{"a  b\n\n c", "a b c"},
		{"  trimmed  ", "trimmed"},
		{"", ""},
	}
	for _, tc := range cases {
		if got := normalizeText(tc.in); got != tc.want {
			t.Errorf("normalizeText(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestEstimateDuration_PCM(t *testing.T) {
	// 1 second of 16-bit mono at 16 kHz.
	d := estimateDuration("pcm", 32000, 16000)
	assert.Equal(t, time.Second, d)
}
