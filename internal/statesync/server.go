// Package statesync feeds the rendering front-end over WebSocket. It pushes
// presentation-state snapshots, reply text and playback markers, and accepts
// touch events in the other direction.
package statesync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/stelle3d/stelle/internal/bus"
	"github.com/stelle3d/stelle/internal/character"
	"github.com/stelle3d/stelle/internal/tts"
)

// WSStateMessage carries a presentation-state snapshot to the front-end.
type WSStateMessage struct {
	Type    string `json:"type"`
	State   string `json:"state"`
	Emotion int    `json:"emotion"`
}

// WSReplyMessage carries reply text to the front-end chat surface.
type WSReplyMessage struct {
	Type    string `json:"type"`
	Text    string `json:"text"`
	Emotion int    `json:"emotion"`
}

// WSPlaybackMessage marks playback start and finish.
type WSPlaybackMessage struct {
	Type       string `json:"type"`
	Playing    bool   `json:"playing"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// WSAudioMessage carries a synthesized clip to the front-end for playback.
type WSAudioMessage struct {
	Type       string `json:"type"`
	Data       string `json:"data"`
	Format     string `json:"format"`
	SampleRate int    `json:"sample_rate"`
	DurationMs int64  `json:"duration_ms"`
}

// WSHistoryClearedMessage tells the front-end to drop its chat log.
type WSHistoryClearedMessage struct {
	Type string `json:"type"`
}

// WSTouchMessage is received from the front-end when the character is
// touched or released.
type WSTouchMessage struct {
	Type    string `json:"type"`
	Pressed bool   `json:"pressed"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The feed binds to loopback; the front-end runs on the same machine.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Server broadcasts dialog and presentation events to connected front-ends.
type Server struct {
	addr      string
	eventBus  *bus.Bus
	character *character.Controller
	logger    zerolog.Logger

	mu       sync.Mutex
	clients  map[*websocket.Conn]bool
	listener net.Listener
	httpSrv  *http.Server

	// writeMu serializes writes; gorilla connections allow one writer.
	writeMu sync.Mutex
}

// NewServer creates a state-feed server listening on addr.
func NewServer(addr string, eventBus *bus.Bus, chr *character.Controller, logger zerolog.Logger) *Server {
	return &Server{
		addr:      addr,
		eventBus:  eventBus,
		character: chr,
		logger:    logger.With().Str("component", "statesync").Logger(),
		clients:   make(map[*websocket.Conn]bool),
	}
}

// Start begins listening and subscribes to the event bus. It returns once
// the listener is bound; serving happens on a background goroutine.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)

	s.mu.Lock()
	s.listener = ln
	s.httpSrv = &http.Server{Handler: mux}
	s.mu.Unlock()

	s.eventBus.SubscribeMultiple([]bus.EventType{
		bus.EventTypeStateChanged,
		bus.EventTypeReplyReceived,
		bus.EventTypePlaybackStarted,
		bus.EventTypePlaybackFinished,
		bus.EventTypeHistoryCleared,
	}, s.onEvent)

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("State feed server stopped")
		}
	}()

	s.logger.Info().Str("addr", ln.Addr().String()).Msg("State feed listening")
	return nil
}

// Addr returns the bound address, useful when addr was ":0".
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Close shuts down the server and disconnects all clients.
func (s *Server) Close() error {
	s.mu.Lock()
	srv := s.httpSrv
	for conn := range s.clients {
		conn.Close()
	}
	s.clients = make(map[*websocket.Conn]bool)
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

// handleWS upgrades the connection, replays the current snapshot and then
// reads touch events until the client disconnects.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("WebSocket upgrade failed")
		return
	}

	s.mu.Lock()
	s.clients[conn] = true
	s.mu.Unlock()

	s.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("Front-end connected")

	// New clients start from the current state, not from Idle.
	if s.character != nil {
		snapshot := s.character.Current()
		s.send(conn, WSStateMessage{
			Type:    "state",
			State:   string(snapshot.State),
			Emotion: int(snapshot.Emotion),
		})
	}

	go s.readLoop(conn)
}

func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.drop(conn)

	for {
		var raw json.RawMessage
		if err := conn.ReadJSON(&raw); err != nil {
			return
		}

		var typeMsg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &typeMsg); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to parse message type")
			continue
		}

		switch typeMsg.Type {
		case "touch":
			var msg WSTouchMessage
			if err := json.Unmarshal(raw, &msg); err != nil {
				s.logger.Warn().Err(err).Msg("Failed to parse touch message")
				continue
			}
			s.handleTouch(msg.Pressed)
		default:
			s.logger.Debug().Str("type", typeMsg.Type).Msg("Unknown message type")
		}
	}
}

func (s *Server) handleTouch(pressed bool) {
	if s.character == nil {
		return
	}
	if pressed {
		s.character.OnTouched()
	} else {
		s.character.OnTouchReleased()
	}
}

// onEvent translates bus events into front-end messages.
func (s *Server) onEvent(event bus.Event) {
	switch event.Type {
	case bus.EventTypeStateChanged:
		s.broadcast(WSStateMessage{
			Type:    "state",
			State:   dataString(event.Data, "state"),
			Emotion: dataInt(event.Data, "emotion"),
		})
	case bus.EventTypeReplyReceived:
		s.broadcast(WSReplyMessage{
			Type:    "reply",
			Text:    dataString(event.Data, "text"),
			Emotion: dataInt(event.Data, "emotion"),
		})
	case bus.EventTypePlaybackStarted:
		s.broadcast(WSPlaybackMessage{
			Type:       "playback",
			Playing:    true,
			DurationMs: dataInt64(event.Data, "duration_ms"),
		})
	case bus.EventTypePlaybackFinished:
		s.broadcast(WSPlaybackMessage{Type: "playback", Playing: false})
	case bus.EventTypeHistoryCleared:
		s.broadcast(WSHistoryClearedMessage{Type: "history_cleared"})
	}
}

// BroadcastClip ships a synthesized clip to connected front-ends. It is the
// audio player's sink.
func (s *Server) BroadcastClip(clip *tts.Clip) {
	s.broadcast(WSAudioMessage{
		Type:       "audio",
		Data:       base64.StdEncoding.EncodeToString(clip.Audio),
		Format:     clip.Format,
		SampleRate: clip.SampleRate,
		DurationMs: clip.Duration.Milliseconds(),
	})
}

// broadcast writes msg to every client, dropping clients whose writes fail.
func (s *Server) broadcast(msg any) {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.clients))
	for conn := range s.clients {
		conns = append(conns, conn)
	}
	s.mu.Unlock()

	for _, conn := range conns {
		s.send(conn, msg)
	}
}

func (s *Server) send(conn *websocket.Conn, msg any) {
	s.writeMu.Lock()
	err := conn.WriteJSON(msg)
	s.writeMu.Unlock()
	if err != nil {
		s.logger.Debug().Err(err).Msg("Client write failed, dropping")
		s.drop(conn)
	}
}

func (s *Server) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if _, ok := s.clients[conn]; ok {
		delete(s.clients, conn)
		conn.Close()
	}
	s.mu.Unlock()
}

func dataString(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func dataInt(data map[string]any, key string) int {
	if v, ok := data[key].(int); ok {
		return v
	}
	return 0
}

func dataInt64(data map[string]any, key string) int64 {
	if v, ok := data[key].(int64); ok {
		return v
	}
	return 0
}
