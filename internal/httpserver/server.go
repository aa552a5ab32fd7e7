// Package httpserver hosts the service's HTTP surface: health and readiness
// probes, build info, Prometheus metrics, the operator stats endpoint, the
// ICE server list and the WebSocket signaling upgrade.
package httpserver

import (
	"bufio"
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/lawlink/consult-signaling/internal/config"
	"github.com/lawlink/consult-signaling/internal/metrics"
	"github.com/lawlink/consult-signaling/internal/turnrest"
)

var ErrServerClosed = http.ErrServerClosed

type BuildInfo struct {
	Commit    string `json:"commit"`
	BuildTime string `json:"buildTime"`
}

// RoomStats is the subset of the room manager the stats endpoint reads.
type RoomStats interface {
	ActiveRooms() int
}

// Deps are the collaborators mounted under the HTTP routes.
type Deps struct {
	Metrics   *metrics.Metrics
	Collector *metrics.Collector
	Rooms     RoomStats

	// Signaling handles the WebSocket upgrade at GET /ws.
	Signaling http.Handler
}

type Server struct {
	log   *slog.Logger
	cfg   config.Config
	build BuildInfo
	deps  Deps

	ready atomic.Bool
	turn  *turnrest.Generator

	mux *http.ServeMux
	srv *http.Server
}

func New(cfg config.Config, logger *slog.Logger, build BuildInfo, deps Deps) *Server {
	s := &Server{
		log:   logger,
		cfg:   cfg,
		build: build,
		deps:  deps,
		mux:   http.NewServeMux(),
	}

	if len(cfg.TURNURLs) > 0 && cfg.TURNSecret != "" {
		// Config validation guarantees the secret, so this only fails on a
		// non-positive TTL.
		turn, err := turnrest.NewGenerator(cfg.TURNSecret, cfg.TURNCredentialTTL, nil)
		if err != nil {
			logger.Warn("TURN credential generator disabled", "err", err)
		} else {
			s.turn = turn
		}
	}

	s.registerRoutes()

	handler := chain(s.mux,
		recoverMiddleware(s.log),
		requestIDMiddleware(),
		requestLoggerMiddleware(s.log),
	)

	s.srv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		// No global read/write timeouts: /ws upgrades into a long-lived
		// connection with its own deadlines.
	}

	return s
}

func (s *Server) Serve(l net.Listener) error {
	s.ready.Store(true)
	s.log.Info("http server serving", "addr", l.Addr().String())
	return s.srv.Serve(l)
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.ready.Store(false)
	return s.srv.Shutdown(ctx)
}

func (s *Server) Close() error {
	s.ready.Store(false)
	return s.srv.Close()
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	s.mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !s.ready.Load() {
			WriteJSON(w, http.StatusServiceUnavailable, map[string]any{"ready": false})
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"ready": true})
	})

	s.mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		WriteJSON(w, http.StatusOK, s.build)
	})

	if s.deps.Metrics != nil && s.deps.Collector != nil {
		s.mux.Handle("GET /metrics", metrics.PrometheusHandler(s.deps.Metrics, s.deps.Collector))
	}

	s.mux.HandleFunc("GET /stats", s.withOriginPolicy(s.handleStats))

	s.mux.HandleFunc("GET /ice", s.withOriginPolicy(s.handleICE))

	if s.deps.Signaling != nil {
		s.mux.Handle("GET /ws", s.originMiddleware()(s.deps.Signaling))
	}
}

func (s *Server) handleICE(w http.ResponseWriter, r *http.Request) {
	servers := []map[string]any{{"urls": s.cfg.STUNURLs}}
	if s.turn != nil {
		userID := r.URL.Query().Get("userId")
		if userID == "" {
			userID = "anonymous"
		}
		creds, err := s.turn.Generate(userID)
		if err != nil {
			creds, err = s.turn.Generate("anonymous")
		}
		if err == nil {
			servers = append(servers, map[string]any{
				"urls":       s.cfg.TURNURLs,
				"username":   creds.Username,
				"credential": creds.Credential,
			})
		}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"iceServers": servers})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if s.deps.Rooms != nil {
		resp["activeRooms"] = s.deps.Rooms.ActiveRooms()
	}
	if s.deps.Collector != nil {
		if latest, ok := s.deps.Collector.Latest(); ok {
			resp["latest"] = latest
		}
		resp["history"] = s.deps.Collector.History()
	}
	if s.deps.Metrics != nil {
		resp["counters"] = s.deps.Metrics.Snapshot()
	}
	WriteJSON(w, http.StatusOK, resp)
}

type Middleware func(http.Handler) http.Handler

func chain(handler http.Handler, middlewares ...Middleware) http.Handler {
	h := handler
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

func recoverMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic in http handler", "recover", rec, "stack", string(debug.Stack()))
					http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func requestIDMiddleware() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqID := r.Header.Get("X-Request-ID")
			if reqID == "" {
				var buf [16]byte
				if _, err := rand.Read(buf[:]); err == nil {
					reqID = hex.EncodeToString(buf[:])
				}
			}
			if reqID != "" {
				r.Header.Set("X-Request-ID", reqID)
				w.Header().Set("X-Request-ID", reqID)
			}
			next.ServeHTTP(w, r)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// Hijack keeps WebSocket upgrades working through the logging wrapper.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func requestLoggerMiddleware(logger *slog.Logger) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			start := time.Now()

			next.ServeHTTP(sw, r)

			reqID := r.Header.Get("X-Request-ID")
			logger.Info("http_request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
				"remote_addr", r.RemoteAddr,
				"request_id", reqID,
			)
		})
	}
}

// WriteJSON writes a JSON response body and sets the Content-Type header.
func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(v)
}
