package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// roomFrame is one message on a room socket. Same envelope the client
// transport speaks; the room is carried by the join token.
type roomFrame struct {
	Type  string `json:"type"`
	From  string `json:"from,omitempty"`
	Audio []byte `json:"audio,omitempty"`
	Text  string `json:"text,omitempty"`
}

// runSession joins the assigned room and runs the conversation until the
// room closes or ctx is cancelled. Data frames from other participants are
// final user utterances; each one gets a model reply, and both sides are
// posted to the gateway transcript.
func (w *Worker) runSession(ctx context.Context, frame jobFrame, meta JobMetadata) error {
	endpoint := strings.TrimRight(w.Cfg.MediaURL, "/") + "/rooms/ws"
	header := http.Header{"Authorization": {"Bearer " + frame.Token}}
	conn, _, err := w.dialer().DialContext(ctx, endpoint, header)
	if err != nil {
		return fmt.Errorf("join room %s: %w", frame.Room, err)
	}
	defer conn.Close()

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	w.logger().Info("joined room", "room", frame.Room, "session_id", meta.SessionID)

	greeting := w.Cfg.greeting()
	if err := conn.WriteJSON(roomFrame{Type: "data", Text: greeting}); err != nil {
		return fmt.Errorf("send greeting: %w", err)
	}
	w.postTurn(ctx, meta.SessionID, "assistant", greeting)

	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			// The room closing under us is the normal end of a call.
			w.logger().Info("room closed", "room", frame.Room, "session_id", meta.SessionID)
			return nil
		}

		var in roomFrame
		if err := json.Unmarshal(payload, &in); err != nil {
			w.logger().Warn("unparseable room frame dropped", "room", frame.Room, "error", err)
			continue
		}
		if in.Type != "data" || in.Text == "" {
			continue
		}

		w.postTurn(ctx, meta.SessionID, "user", in.Text)

		replyCtx, cancel := context.WithTimeout(ctx, w.Cfg.replyTimeout())
		reply, err := w.Responder.Reply(replyCtx, meta, in.Text)
		cancel()
		if err != nil {
			w.logger().Error("reply generation failed",
				"room", frame.Room, "session_id", meta.SessionID, "error", err)
			continue
		}

		if err := conn.WriteJSON(roomFrame{Type: "data", Text: reply}); err != nil {
			return fmt.Errorf("send reply: %w", err)
		}
		w.postTurn(ctx, meta.SessionID, "assistant", reply)
	}
}

// postTurn is best-effort; a transcript gap never interrupts the call.
func (w *Worker) postTurn(ctx context.Context, sessionID, speaker, text string) {
	if sessionID == "" || w.Turns == nil {
		return
	}
	if err := w.Turns.PostTurn(ctx, sessionID, speaker, text); err != nil {
		w.logger().Warn("turn post failed", "session_id", sessionID, "speaker", speaker, "error", err)
	}
}
