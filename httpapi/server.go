// Package httpapi exposes the task pipeline over HTTP: task CRUD and
// execution, the runner claim protocol, a route dry-run, the chat
// webhook, health, and Prometheus metrics.
package httpapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360studio/agentd/chat"
	"github.com/c360studio/agentd/lifecycle"
)

// Server hosts the HTTP surface.
type Server struct {
	controller *lifecycle.Controller
	chatbot    *chat.Adapter
	logger     *slog.Logger
	httpServer *http.Server
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithChat attaches the chat webhook adapter. Without it the webhook
// endpoint answers 200 and drops updates.
func WithChat(adapter *chat.Adapter) ServerOption {
	return func(s *Server) { s.chatbot = adapter }
}

// WithServerLogger sets the logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// NewServer creates the HTTP server on the given address.
func NewServer(addr string, controller *lifecycle.Controller, opts ...ServerOption) *Server {
	s := &Server{
		controller: controller,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 330 * time.Second,
	}
	return s
}

// Handler builds the router. Exported so tests can drive it through
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/agent", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.handleCreateTask)
			r.Get("/", s.handleListTasks)
			r.Get("/attention", s.handleAttention)
			r.Get("/count", s.handleCountTasks)
			r.Post("/upsert-active", s.handleUpsertActive)
			r.Get("/{id}", s.handleGetTask)
			r.Patch("/{id}", s.handleUpdateTask)
			r.Post("/{id}/execute", s.handleExecuteTask)
		})
		r.Get("/route", s.handleRoute)
		r.Route("/runners", func(r chi.Router) {
			r.Post("/heartbeat", s.handleHeartbeat)
			r.Get("/", s.handleListRunners)
		})
	})

	r.Post("/chat/webhook", s.handleChatWebhook)

	return r
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
