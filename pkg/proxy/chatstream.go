package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lkarlslund/chatgate/pkg/config"
	"github.com/lkarlslund/chatgate/pkg/stream"
	"github.com/lkarlslund/chatgate/pkg/version"
)

// DowngradeModel replaces the requested model when downgrade mode is on.
const DowngradeModel = "text-davinci-002-render-sha"

const maxRequestBody = 8 << 20

type ChatStreamRequest struct {
	Sentence string `json:"sentence"`
	Model    string `json:"model,omitempty"`
	UserID   string `json:"user_id,omitempty"`
}

// BackendStatusError reports a non-2xx answer from the chat backend.
type BackendStatusError struct {
	Status int
	Body   string
}

func (e *BackendStatusError) Error() string {
	return fmt.Sprintf("chat backend returned status %d", e.Status)
}

// ChatBackend talks to the local chat service that produces event streams.
type ChatBackend struct {
	url       string
	edge      config.EdgeAccessConfig
	downgrade bool
	timeout   time.Duration
	client    *http.Client
}

func NewChatBackend(cfg config.ServerConfig, client *http.Client) *ChatBackend {
	if client == nil {
		client = &http.Client{}
	}
	return &ChatBackend{
		url:       cfg.ChatBackendURL + "/chat-stream",
		edge:      cfg.EdgeAccess,
		downgrade: cfg.Downgrade,
		timeout:   cfg.ProxyTimeout(),
		client:    client,
	}
}

// Open posts req and returns a reframer over the response. The returned
// closer must be called once the frames are consumed.
func (b *ChatBackend) Open(ctx context.Context, req ChatStreamRequest) (*stream.Reframer, io.Closer, error) {
	if b.downgrade {
		req.Model = DowngradeModel
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, nil, fmt.Errorf("encode chat request: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	out, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(payload))
	if err != nil {
		cancel()
		return nil, nil, fmt.Errorf("build chat request: %w", err)
	}
	out.Header.Set("Content-Type", "application/json")
	out.Header.Set("Accept", "text/event-stream")
	out.Header.Set("User-Agent", version.UserAgent())
	applyEdgeHeaders(out.Header, b.edge)

	resp, err := b.client.Do(out)
	if err != nil {
		timedOut := errors.Is(ctx.Err(), context.DeadlineExceeded)
		cancel()
		if timedOut {
			return nil, nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, b.timeout)
		}
		return nil, nil, fmt.Errorf("chat backend request: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		resp.Body.Close()
		cancel()
		return nil, nil, &BackendStatusError{Status: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	body := &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return stream.NewReframer(body, stream.DetectMode(resp.Header.Get("Content-Type"))), body, nil
}

func decodeChatStreamRequest(r io.Reader) (ChatStreamRequest, error) {
	var req ChatStreamRequest
	if err := json.NewDecoder(io.LimitReader(r, maxRequestBody)).Decode(&req); err != nil {
		return req, fmt.Errorf("invalid request body: %w", err)
	}
	if strings.TrimSpace(req.Sentence) == "" {
		return req, errors.New("sentence is required")
	}
	return req, nil
}

// backendErrorStatus maps a ChatBackend.Open error to a response status.
// A backend 401 stays 401 so clients can show their unauthorized message.
func backendErrorStatus(err error) int {
	var statusErr *BackendStatusError
	switch {
	case errors.As(err, &statusErr) && statusErr.Status == http.StatusUnauthorized:
		return http.StatusUnauthorized
	case errors.Is(err, ErrUpstreamTimeout):
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

// handleChatStream relays the backend stream as raw UTF-8: deltas verbatim,
// start and keep-alive frames as stream.Sentinel.
func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	req, err := decodeChatStreamRequest(r.Body)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: true, Msg: err.Error()})
		return
	}
	id := uuid.NewString()
	started := time.Now()
	rf, body, err := s.backend.Open(r.Context(), req)
	if err != nil {
		status := backendErrorStatus(err)
		slog.Warn("chat backend failed", "stream_id", id, "status", status, "err", err)
		writeJSON(w, status, errorBody{Error: true, Msg: err.Error()})
		return
	}
	defer body.Close()
	s.metrics.observeUpstream("chat_stream", started)
	s.metrics.activeStreams.Inc()
	defer s.metrics.activeStreams.Dec()

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("X-Stream-Id", id)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for f, err := range rf.Frames(r.Context()) {
		if err != nil {
			slog.Info("chat stream ended early", "stream_id", id, "err", err)
			if r.Context().Err() != nil {
				return
			}
			// Cut the response without the closing chunk so the client
			// sees a transport failure instead of a clean end.
			panic(http.ErrAbortHandler)
		}
		s.metrics.observeFrame(f.Kind)
		if f.Kind == stream.FrameError {
			slog.Warn("chat stream frame dropped", "stream_id", id, "err", f.Err)
			continue
		}
		b := f.Wire()
		if len(b) == 0 {
			continue
		}
		if _, err := w.Write(b); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	slog.Debug("chat stream finished", "stream_id", id, "chars", len(rf.Text()), "elapsed", time.Since(started))
}
