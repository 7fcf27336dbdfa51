// Package control serves the HTTP control surface: a liveness root, the
// per-channel pause switch and a recent-failure status report.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"relaybot/internal/bus"
	"relaybot/internal/pause"
)

const (
	DefaultPort  = 5000
	maxBodyBytes = 1 << 20
	statusWindow = 15 * time.Minute
)

// Config configures the control server.
type Config struct {
	Host           string
	Port           int
	Paused         *pause.Registry
	Events         *bus.EventBus
	MetricsHandler http.Handler // served on /metrics when non-nil
	CORSOrigins    []string
	Logger         *slog.Logger
}

// Server is the control HTTP server.
type Server struct {
	cfg        Config
	router     chi.Router
	httpServer *http.Server
	logger     *slog.Logger
}

// PauseRequest is the body of POST /pause.
type PauseRequest struct {
	ChannelID string `json:"channelId"`
	TeamID    string `json:"teamId"`
	Paused    bool   `json:"paused"`
}

func New(cfg Config) *Server {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	s := &Server{cfg: cfg, logger: cfg.Logger}
	s.router = s.buildRouter()
	return s
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	if len(s.cfg.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: s.cfg.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type"},
			MaxAge:         300,
		}))
	}

	r.Get("/", s.handleRoot)
	r.Post("/pause", s.handlePause)
	if s.cfg.Events != nil {
		r.Get("/status", s.handleStatus)
	}
	if s.cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", s.cfg.MetricsHandler)
	}
	return r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Addr is the address the server listens on.
func (s *Server) Addr() string {
	return net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.Addr(),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info("control server starting", "addr", s.Addr())

	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("control server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("control server: %w", err)
	}
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Write([]byte("Hi"))
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	var req PauseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.logger.Warn("invalid pause request", "err", err)
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	s.cfg.Paused.SetPaused(req.ChannelID, req.TeamID, req.Paused)
	s.logger.Info("channel pause updated", "channel", req.ChannelID, "team", req.TeamID, "paused", req.Paused)
	if s.cfg.Events != nil {
		s.cfg.Events.Emit(bus.Event{
			Type:   bus.EventChannelPaused,
			Source: "control",
			ChatID: req.ChannelID,
			TeamID: req.TeamID,
			Text:   strconv.FormatBool(req.Paused),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}

// Status summarizes recent relay failures.
type Status struct {
	Window         string     `json:"window"`
	NLUErrors      int        `json:"nluErrors"`
	SendFailures   int        `json:"sendFailures"`
	ConnectionLost int        `json:"connectionLost"`
	LastNLUError   string     `json:"lastNluError,omitempty"`
	LastNLUErrorAt *time.Time `json:"lastNluErrorAt,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	since := time.Now().Add(-statusWindow)
	nluErrs := s.cfg.Events.Recent(bus.EventNLUError, since)

	st := Status{
		Window:         statusWindow.String(),
		NLUErrors:      len(nluErrs),
		SendFailures:   len(s.cfg.Events.Recent(bus.EventSendFailed, since)),
		ConnectionLost: len(s.cfg.Events.Recent(bus.EventConnectionLost, since)),
	}
	if n := len(nluErrs); n > 0 {
		last := nluErrs[n-1]
		if last.Err != nil {
			st.LastNLUError = last.Err.Error()
		}
		st.LastNLUErrorAt = &last.Timestamp
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(st)
}

// requestLogger logs one line per request through slog.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			defer func() {
				logger.Debug("http request",
					"method", r.Method,
					"path", r.URL.Path,
					"status", ww.Status(),
					"bytes", ww.BytesWritten(),
					"duration", time.Since(start),
					"request_id", middleware.GetReqID(r.Context()),
					"remote", r.RemoteAddr,
				)
			}()
			next.ServeHTTP(ww, r)
		})
	}
}
