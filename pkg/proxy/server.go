package proxy

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"golang.org/x/crypto/acme/autocert"

	"github.com/lkarlslund/chatgate/pkg/auth"
	"github.com/lkarlslund/chatgate/pkg/config"
	"github.com/lkarlslund/chatgate/pkg/version"
)

var nowUTC = func() time.Time { return time.Now().UTC() }

type Server struct {
	cfg                 config.ServerConfig
	gate                auth.Gate
	upstream            *Upstream
	backend             *ChatBackend
	models              *modelCatalog
	metrics             *metrics
	handler             http.Handler
	httpServer          *http.Server
	activeProxyRequests atomic.Int64
	draining            atomic.Bool
}

// NewServer wires the HTTP surface. cfg is copied and never mutated.
func NewServer(cfg *config.ServerConfig) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("nil server config")
	}
	s := &Server{
		cfg:     *cfg,
		gate:    auth.NewGate(*cfg),
		metrics: newMetrics(),
	}
	s.upstream = NewUpstream(s.cfg, nil)
	s.backend = NewChatBackend(s.cfg, nil)
	s.models = newModelCatalog(s.upstream, s.cfg.DisableGPT4, s.cfg.ModelsCachePath)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.proxyRequestLifecycleMiddleware)
	r.Use(newAccessLogger(os.Stdout))
	r.Use(middleware.Recoverer)
	// CORS goes ahead of the access-code gate so preflights and 401s carry
	// the allow headers.
	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(s.corsHandler().Handler)
	}
	r.Use(s.gate.RequireAccessCode(s.cfg.AccessCodePaths, s.cfg.AccessCodeTip))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "version": version.Current()})
	})
	r.Method(http.MethodGet, "/metrics", s.metrics.handler())

	r.Route("/api", func(api chi.Router) {
		api.Post("/config", s.instrument("config", s.handleDangerConfig))
		api.HandleFunc("/openai/*", s.instrument("openai", s.handleOpenAI))
		api.Post("/chat-stream", s.instrument("chat_stream", s.handleChatStream))
		api.Get("/chat-stream/ws", s.handleChatStreamWS)
	})
	s.handler = r

	s.httpServer = &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	if s.cfg.AccessCodeRequired() && s.cfg.Salt == "" {
		slog.Warn("access codes are required but no salt is set; every code will be accepted")
	}
	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) Run(ctx context.Context) error {
	cfg := s.cfg
	errCh := make(chan error, 2)

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}

		httpsSrv := &http.Server{
			Addr:              cfg.TLS.ListenAddr,
			Handler:           s.handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}

		go func() {
			slog.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()

		go func() {
			slog.Info("https listening", "addr", cfg.TLS.ListenAddr, "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		s.waitForShutdown(ctx, errCh)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		slog.Info("chatgate listening", "addr", cfg.ListenAddr, "upstream", cfg.UpstreamBaseURL(), "access_codes", cfg.AccessCodeRequired())
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("proxy server: %w", err)
		}
	}()

	s.waitForShutdown(ctx, errCh)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

// waitForShutdown blocks until ctx ends or a listener fails, then drains
// in-flight API requests.
func (s *Server) waitForShutdown(ctx context.Context, errCh chan error) {
	select {
	case <-ctx.Done():
	case err := <-errCh:
		errCh <- err
	}
	s.draining.Store(true)
	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	s.waitForProxyIdle(drainCtx)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func (s *Server) proxyRequestLifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		isProxyReq := strings.HasPrefix(r.URL.Path, "/api/")
		if isProxyReq && s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: true, Msg: "server shutting down"})
			return
		}
		if isProxyReq {
			s.activeProxyRequests.Add(1)
			defer s.activeProxyRequests.Add(-1)
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) waitForProxyIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	lastLog := time.Time{}
	for {
		active := s.activeProxyRequests.Load()
		if active <= 0 {
			slog.Info("shutdown: proxy idle")
			return
		}
		if lastLog.IsZero() || time.Since(lastLog) >= time.Second {
			slog.Info("shutdown: waiting for active requests", "active", active)
			lastLog = time.Now()
		}
		select {
		case <-ctx.Done():
			slog.Warn("shutdown: drain timed out", "active", active)
			return
		case <-t.C:
		}
	}
}

func (s *Server) corsHandler() *cors.Cors {
	return cors.New(cors.Options{
		AllowedOrigins:       s.cfg.CORSOrigins,
		AllowedMethods:       []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:       []string{"Authorization", "Content-Type", auth.AccessCodeHeader, "token"},
		ExposedHeaders:       []string{"X-Stream-Id", "X-Models-Source"},
		OptionsSuccessStatus: http.StatusOK,
	})
}

func (s *Server) instrument(route string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		h(ww, r)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.observeRequest(route, status)
	}
}

// DangerConfig tells the browser which features the server has switched on.
type DangerConfig struct {
	NeedCode         bool `json:"needCode"`
	HideUserAPIKey   bool `json:"hideUserApiKey"`
	DisableGPT4      bool `json:"disableGPT4"`
	HideBalanceQuery bool `json:"hideBalanceQuery"`
}

func (s *Server) handleDangerConfig(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, DangerConfig{
		NeedCode:         s.cfg.AccessCodeRequired(),
		HideUserAPIKey:   s.cfg.HideUserAPIKey,
		DisableGPT4:      s.cfg.DisableGPT4,
		HideBalanceQuery: s.cfg.HideBalanceQuery,
	})
}

func firstErr(ch <-chan error) error {
	select {
	case err := <-ch:
		return err
	default:
		return nil
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
