package gateway

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// streamEvent is the wire form of one bus event on /api/events.
type streamEvent struct {
	Topic   string    `json:"topic"`
	Payload any       `json:"payload"`
	At      time.Time `json:"at"`
}

// handleEvents upgrades to a WebSocket and forwards bus events as they
// happen. An optional ?topic= query narrows the subscription prefix
// ("job.", "thread.", "session.").
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if s.cfg.Bus == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}
	prefix := r.URL.Query().Get("topic")

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "stream ended")

	sub := s.cfg.Bus.Subscribe(prefix)
	defer s.cfg.Bus.Unsubscribe(sub)

	// The stream is write-only; CloseRead surfaces client disconnects
	// through ctx while still answering control frames.
	ctx := conn.CloseRead(r.Context())
	slog.Info("gateway: event stream connected", "topic", prefix)

	for {
		select {
		case <-ctx.Done():
			slog.Debug("gateway: event stream closed", "topic", prefix)
			conn.Close(websocket.StatusNormalClosure, "bye")
			return
		case ev := <-sub.Ch():
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, streamEvent{
				Topic:   ev.Topic,
				Payload: ev.Payload,
				At:      time.Now().UTC(),
			})
			cancel()
			if err != nil {
				slog.Debug("gateway: event stream write failed", "error", err)
				return
			}
		}
	}
}
