package proxy

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lkarlslund/chatgate/pkg/auth"
)

type errorBody struct {
	Error bool   `json:"error"`
	Msg   string `json:"msg"`
}

// handleOpenAI serves /api/openai/*: allow-list, auth, then either the
// model catalog or a verbatim upstream relay.
func (s *Server) handleOpenAI(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusOK, map[string]string{"body": "OK"})
		return
	}
	subpath := strings.Trim(chi.URLParam(r, "*"), "/")
	if !s.cfg.PathAllowed(subpath) {
		slog.Info("upstream path rejected", "path", subpath, "client_ip", auth.ClientIP(r))
		writeJSON(w, http.StatusForbidden, errorBody{Error: true, Msg: "you are not allowed to request " + subpath})
		return
	}
	if res := s.gate.Authorize(r); !res.OK() {
		writeJSON(w, http.StatusUnauthorized, res)
		return
	}
	if isModelsPath(subpath) {
		models, source := s.models.List(r.Context(), r)
		w.Header().Set("X-Models-Source", source)
		writeJSON(w, http.StatusOK, map[string]any{"object": "list", "data": models})
		return
	}

	started := time.Now()
	resp, err := s.upstream.Forward(r.Context(), r, subpath)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, ErrUpstreamTimeout) {
			status = http.StatusGatewayTimeout
		}
		slog.Warn("upstream request failed", "path", subpath, "status", status, "err", err)
		writeJSON(w, status, errorBody{Error: true, Msg: err.Error()})
		return
	}
	defer resp.Body.Close()
	s.metrics.observeUpstream("openai", started)
	if resp.StatusCode != http.StatusOK {
		slog.Info("upstream returned non-200", "path", subpath, "status", resp.StatusCode)
	}
	if _, err := relayResponse(w, resp); err != nil {
		slog.Info("upstream relay interrupted", "path", subpath, "err", err)
	}
}
