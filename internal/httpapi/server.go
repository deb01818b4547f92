// Package httpapi is the read/control surface consumed by the UI:
// sync control, email listing/search, listener introspection, and a
// WebSocket feed of listener notifications and registry changes.
// Grounded on the teacher's internal/api/server.go (stdlib
// net/http.ServeMux route registration, {error, details?} JSON error
// shape) and internal/web/server.go (route-registration style); no web
// framework is introduced.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/corvidhollow/quillmail/internal/buildinfo"
	"github.com/corvidhollow/quillmail/internal/dispatch"
	"github.com/corvidhollow/quillmail/internal/events"
	"github.com/corvidhollow/quillmail/internal/listeners"
	"github.com/corvidhollow/quillmail/internal/store"
	"github.com/corvidhollow/quillmail/internal/sync"
)

// Store is the slice of the mail store the HTTP surface reads from.
type Store interface {
	RecentEmails(limit int, includeRead bool) ([]*store.Email, error)
	SearchEmails(c store.SearchCriteria) ([]*store.Email, error)
	GetByMessageID(messageID string) (*store.Email, error)
	GetByMessageIDs(messageIDs []string) ([]*store.Email, error)
	Statistics() (*store.Statistics, error)
	LastSyncRun() (*store.SyncRun, error)
}

// Sync is the slice of the sync service the HTTP surface drives.
type Sync interface {
	Sync(ctx context.Context, opts sync.Options, syncType store.SyncType) (*sync.Result, error)
}

// Dispatcher is the slice of the listener dispatcher the WebSocket
// handler drains notifications from.
type Dispatcher interface {
	Notifications() <-chan dispatch.Notification
}

// Server is the HTTP/WebSocket surface described by spec.md §6.
type Server struct {
	address string
	port    int

	store      Store
	syncSvc    Sync
	registry   *listeners.Registry
	dispatcher Dispatcher
	bus        *events.Bus

	logger *slog.Logger
	hub    *wsHub
	server *http.Server
}

// New builds a Server bound to its collaborators. Call Start to begin
// serving; the WebSocket hub is started alongside it.
func New(address string, port int, st Store, syncSvc Sync, registry *listeners.Registry, dispatcher Dispatcher, bus *events.Bus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:    address,
		port:       port,
		store:      st,
		syncSvc:    syncSvc,
		registry:   registry,
		dispatcher: dispatcher,
		bus:        bus,
		logger:     logger,
		hub:        newWSHub(logger),
	}
}

// Start registers routes, launches the WebSocket broadcast hub, and
// serves until the context is cancelled or the underlying listener
// fails. Shutdown performs a graceful stop.
func (s *Server) Start(ctx context.Context) error {
	stop := s.hub.run(ctx, s.dispatcher, s.bus)
	defer stop()

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /version", s.handleVersion)

	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("GET /api/sync/status", s.handleSyncStatus)

	mux.HandleFunc("GET /api/emails/inbox", s.handleInbox)
	mux.HandleFunc("POST /api/emails/search", s.handleSearch)
	mux.HandleFunc("GET /api/email/{messageId}", s.handleGetEmail)
	mux.HandleFunc("POST /api/emails/batch", s.handleBatch)

	mux.HandleFunc("GET /api/listeners", s.handleListListeners)
	mux.HandleFunc("GET /api/listener/{filename}", s.handleGetListener)

	mux.HandleFunc("GET /ws", s.hub.serveWS)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      withLogging(s.logger, mux),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting http surface", "address", addr, "port", s.port)

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the server, if running.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, buildinfo.RuntimeInfo())
}

// apiError is the stable {error, details?} shape spec.md §7 requires
// for every non-2xx HTTP response.
type apiError struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func writeJSON(logger *slog.Logger, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

func writeError(logger *slog.Logger, w http.ResponseWriter, status int, msg string, details error) {
	e := apiError{Error: msg}
	if details != nil {
		e.Details = details.Error()
	}
	writeJSON(logger, w, status, e)
}
