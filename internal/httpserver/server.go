package httpserver

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"wa-auto/internal/bulk"
	"wa-auto/internal/cache"
	"wa-auto/internal/dispatch"
	"wa-auto/internal/store"
	"wa-auto/internal/wa"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WhatsApp is the protocol-client surface the dashboard needs.
type WhatsApp interface {
	Status() wa.Snapshot
	Logout(ctx context.Context) error
	Contacts(ctx context.Context) ([]wa.Contact, error)
	Groups(ctx context.Context) ([]wa.Group, error)
	CheckNumber(ctx context.Context, phone string) (*wa.NumberCheck, error)
}

// Dispatcher hands single sends to the outbound path.
type Dispatcher interface {
	Send(ctx context.Context, phone, message string, media *dispatch.Media) error
}

// Matcher is the auto-reply surface the dashboard needs.
type Matcher interface {
	Enabled() bool
	SetEnabled(ctx context.Context, enabled bool) error
	Rules(ctx context.Context) ([]store.AutoReplyRule, error)
	AddRule(ctx context.Context, keyword, reply, matchMode string) (int64, error)
	UpdateRule(ctx context.Context, id int64, keyword, reply, matchMode *string, enabled *bool) error
	DeleteRule(ctx context.Context, id int64) error
}

// BulkRunner starts detached bulk send runs.
type BulkRunner interface {
	ResolveDelay(ctx context.Context, raw string) time.Duration
	Run(ctx context.Context, job bulk.Job) bulk.Summary
}

// Dependencies groups everything the handlers reach for.
type Dependencies struct {
	Store      store.Store
	WA         WhatsApp
	Dispatcher Dispatcher
	Matcher    Matcher
	Bulk       BulkRunner
	Hub        http.Handler
	Cache      *cache.Redis
	UploadDir  string
	StatsTTL   time.Duration
}

// Server wraps an http.Server with the dashboard routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	deps       Dependencies
}

// New creates a new HTTP server listening on addr.
func New(addr string, logger *slog.Logger, deps Dependencies) *Server {
	s := &Server{
		logger: logger.With("component", "http"),
		deps:   deps,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", healthHandler)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())
	if deps.Hub != nil {
		r.Handle("/ws", deps.Hub)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/send", s.handleSend)
		r.Post("/bulk-send", s.handleBulkSend)

		r.Route("/auto-replies", func(r chi.Router) {
			r.Get("/", s.handleListRules)
			r.Post("/", s.handleCreateRule)
			r.Post("/toggle", s.handleToggleRules)
			r.Put("/{id}", s.handleUpdateRule)
			r.Delete("/{id}", s.handleDeleteRule)
		})

		r.Route("/scheduled", func(r chi.Router) {
			r.Get("/", s.handleListScheduled)
			r.Post("/", s.handleCreateScheduled)
			r.Delete("/{id}", s.handleDeleteScheduled)
		})

		r.Get("/logs", s.handleListLogs)
		r.Get("/stats", s.handleStats)
		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handlePutSettings)
		r.Post("/logout", s.handleLogout)

		r.Route("/contacts", func(r chi.Router) {
			r.Get("/", s.handleContacts)
			r.Get("/groups", s.handleGroups)
			r.Get("/check/{phone}", s.handleCheckNumber)
		})
	})

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return s
}

// Handler exposes the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
