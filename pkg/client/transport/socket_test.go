package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/drivevoice/drivevoice/pkg/client/call"
)

// roomServer is a one-room media node stub.
type roomServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn
	auths []string
}

func (rs *roomServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/rooms/ws" {
		http.NotFound(w, r)
		return
	}
	rs.mu.Lock()
	rs.auths = append(rs.auths, r.Header.Get("Authorization"))
	rs.mu.Unlock()

	conn, err := rs.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rs.t.Errorf("upgrade: %v", err)
		return
	}
	rs.mu.Lock()
	rs.conns = append(rs.conns, conn)
	rs.mu.Unlock()

	// Drain client frames so writes from the client succeed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (rs *roomServer) push(t *testing.T, frame any) {
	t.Helper()
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.conns) == 0 {
		t.Fatal("no client connected")
	}
	payload, _ := json.Marshal(frame)
	if err := rs.conns[len(rs.conns)-1].WriteMessage(websocket.TextMessage, payload); err != nil {
		t.Fatalf("server push: %v", err)
	}
}

func (rs *roomServer) closeAll() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	for _, conn := range rs.conns {
		conn.Close()
	}
	rs.conns = nil
}

func newRoomFixture(t *testing.T) (*Socket, *roomServer, string) {
	t.Helper()
	rs := &roomServer{t: t}
	srv := httptest.NewServer(rs)
	t.Cleanup(srv.Close)
	t.Cleanup(rs.closeAll)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	return NewSocket(nil), rs, wsURL
}

func waitEvent(t *testing.T, s *Socket, want call.TransportEventType) call.TransportEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-s.Events():
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("no %v event", want)
		}
	}
}

func TestConnect_SendsTokenAndEmitsConnected(t *testing.T) {
	t.Parallel()

	sock, rs, wsURL := newRoomFixture(t)
	if err := sock.Connect(context.Background(), wsURL, "join-token"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sock.Disconnect()

	waitEvent(t, sock, call.TransportConnected)

	rs.mu.Lock()
	auths := append([]string(nil), rs.auths...)
	rs.mu.Unlock()
	if len(auths) != 1 || auths[0] != "Bearer join-token" {
		t.Fatalf("auths=%v", auths)
	}
}

func TestAudioFramesAreActivity(t *testing.T) {
	t.Parallel()

	sock, rs, wsURL := newRoomFixture(t)
	if err := sock.Connect(context.Background(), wsURL, "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sock.Disconnect()
	waitEvent(t, sock, call.TransportConnected)

	rs.push(t, map[string]any{"type": "audio", "from": "agent-1", "audio": []byte{1, 2}})
	waitEvent(t, sock, call.TransportActivity)

	// Presence frames are not activity; a data frame after one still is.
	rs.push(t, map[string]any{"type": "participant_joined", "from": "agent-1"})
	rs.push(t, map[string]any{"type": "data", "from": "agent-1", "text": "hi"})
	waitEvent(t, sock, call.TransportActivity)
}

func TestServerDropEmitsFailure(t *testing.T) {
	t.Parallel()

	sock, rs, wsURL := newRoomFixture(t)
	if err := sock.Connect(context.Background(), wsURL, "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, sock, call.TransportConnected)

	rs.closeAll()
	ev := waitEvent(t, sock, call.TransportFailed)
	if ev.Err == nil {
		t.Fatal("failure event should carry the error")
	}
}

func TestDisconnectIsQuietAndIdempotent(t *testing.T) {
	t.Parallel()

	sock, _, wsURL := newRoomFixture(t)
	if err := sock.Connect(context.Background(), wsURL, "tok"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitEvent(t, sock, call.TransportConnected)

	sock.Disconnect()
	sock.Disconnect()

	select {
	case ev := <-sock.Events():
		if ev.Type == call.TransportFailed {
			t.Fatalf("local disconnect must not report failure: %+v", ev)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func TestConnect_RefusedIsError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad token", http.StatusUnauthorized)
	}))
	defer srv.Close()

	sock := NewSocket(nil)
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http")
	if err := sock.Connect(context.Background(), wsURL, "bad"); err == nil {
		t.Fatal("expected dial error")
	}
}

func TestSendRequiresConnection(t *testing.T) {
	t.Parallel()

	sock := NewSocket(nil)
	if err := sock.SendText("hello"); err == nil {
		t.Fatal("expected error when not connected")
	}
}
