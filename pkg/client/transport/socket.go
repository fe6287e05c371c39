// Package transport joins a media node room over websocket and feeds the
// call orchestrator's media events. Audio payloads are opaque here; the
// orchestrator only needs connectivity and activity signals.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/drivevoice/drivevoice/pkg/client/call"
)

// envelope is one frame on the room socket. The room is carried by the join
// token, so frames never name it.
type envelope struct {
	Type  string `json:"type"`
	From  string `json:"from,omitempty"`
	Audio []byte `json:"audio,omitempty"`
	Text  string `json:"text,omitempty"`
}

// Socket is a websocket MediaTransport. One Socket serves one call at a
// time; Connect after Disconnect reuses it.
type Socket struct {
	Dialer *websocket.Dialer
	Logger *slog.Logger

	events chan call.TransportEvent

	mu      sync.Mutex
	conn    *websocket.Conn
	closing bool
}

func NewSocket(logger *slog.Logger) *Socket {
	if logger == nil {
		logger = slog.Default()
	}
	return &Socket{
		Dialer: websocket.DefaultDialer,
		Logger: logger,
		events: make(chan call.TransportEvent, 32),
	}
}

func (s *Socket) Events() <-chan call.TransportEvent {
	return s.events
}

// Connect dials {base}/rooms/ws with the join token as a bearer credential;
// the token's grants name the room. On success the read loop starts and a
// connected event is emitted.
func (s *Socket) Connect(ctx context.Context, baseURL, token string) error {
	s.mu.Lock()
	if s.conn != nil {
		s.mu.Unlock()
		return fmt.Errorf("transport already connected")
	}
	s.closing = false
	s.mu.Unlock()

	endpoint := strings.TrimRight(baseURL, "/") + "/rooms/ws"
	header := http.Header{"Authorization": {"Bearer " + token}}
	conn, resp, err := s.Dialer.DialContext(ctx, endpoint, header)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("join room socket: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("join room socket: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()

	go s.readLoop(conn)
	s.emit(call.TransportEvent{Type: call.TransportConnected})
	return nil
}

// Disconnect closes the room socket. Safe to call repeatedly and while never
// connected.
func (s *Socket) Disconnect() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.closing = conn != nil
	s.mu.Unlock()
	if conn == nil {
		return
	}

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
	_ = conn.Close()
}

// SendAudio publishes one audio frame into the room.
func (s *Socket) SendAudio(data []byte) error {
	return s.send(envelope{Type: "audio", Audio: data})
}

// SendText publishes a text frame, used by test harnesses in place of audio.
func (s *Socket) SendText(text string) error {
	return s.send(envelope{Type: "data", Text: text})
}

func (s *Socket) send(env envelope) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("transport not connected")
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return fmt.Errorf("transport not connected")
	}
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *Socket) readLoop(conn *websocket.Conn) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			s.mu.Lock()
			closing := s.closing || s.conn != conn
			if s.conn == conn {
				s.conn = nil
			}
			s.mu.Unlock()
			if !closing {
				s.emit(call.TransportEvent{Type: call.TransportFailed, Err: err})
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.Logger.Warn("unparseable room frame dropped", "error", err)
			continue
		}
		switch env.Type {
		case "audio", "data":
			s.emit(call.TransportEvent{Type: call.TransportActivity})
		case "participant_joined", "participant_left":
			// Presence frames are informational only.
		default:
			s.Logger.Debug("unknown room frame", "type", env.Type)
		}
	}
}

// emit never blocks the read loop; a full buffer drops the event.
func (s *Socket) emit(ev call.TransportEvent) {
	select {
	case s.events <- ev:
	default:
	}
}
