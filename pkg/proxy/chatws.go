package proxy

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/lkarlslund/chatgate/pkg/stream"
)

const wsHandshakeTimeout = 60 * time.Second

// handleChatStreamWS carries the same stream as JSON envelopes. The first
// client message is the ChatStreamRequest; a later {"type":"stop"} cancels.
func (s *Server) handleChatStreamWS(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{CheckOrigin: s.checkWSOrigin}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	_ = conn.SetReadDeadline(time.Now().Add(wsHandshakeTimeout))
	var req ChatStreamRequest
	if err := conn.ReadJSON(&req); err != nil {
		_ = conn.WriteJSON(stream.Envelope{ID: id, Type: stream.FrameError.String(), Text: "invalid request"})
		return
	}
	if strings.TrimSpace(req.Sentence) == "" {
		_ = conn.WriteJSON(stream.Envelope{ID: id, Type: stream.FrameError.String(), Text: "sentence is required"})
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			var msg struct {
				Type string `json:"type"`
			}
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			if msg.Type == "stop" {
				slog.Debug("chat stream stopped by client", "stream_id", id)
				return
			}
		}
	}()

	rf, body, err := s.backend.Open(ctx, req)
	if err != nil {
		slog.Warn("chat backend failed", "stream_id", id, "transport", "websocket", "err", err)
		_ = conn.WriteJSON(stream.Envelope{ID: id, Type: stream.FrameError.String(), Text: err.Error()})
		return
	}
	defer body.Close()
	s.metrics.activeStreams.Inc()
	defer s.metrics.activeStreams.Dec()

	for f, err := range rf.Frames(ctx) {
		if err != nil {
			if errors.Is(ctx.Err(), context.Canceled) {
				_ = conn.WriteJSON(stream.Envelope{ID: id, Type: stream.FrameDone.String()})
			} else {
				_ = conn.WriteJSON(stream.Envelope{ID: id, Type: stream.FrameError.String(), Text: err.Error()})
			}
			break
		}
		s.metrics.observeFrame(f.Kind)
		if err := conn.WriteJSON(f.Envelope(id)); err != nil {
			return
		}
	}
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(5*time.Second))
}

// checkWSOrigin accepts same-host origins and configured CORS origins.
func (s *Server) checkWSOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	for _, allowed := range s.cfg.CORSOrigins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
