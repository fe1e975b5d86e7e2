package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"orgcal/internal/config"
	appLog "orgcal/internal/log"
	"orgcal/internal/metrics"
	"orgcal/internal/model"
	"orgcal/internal/orchestrator"
	"orgcal/internal/store"
)

const (
	eventsCacheTTL  = 30 * time.Second
	maxRequestBody  = 1 << 20
	shutdownTimeout = 10 * time.Second
)

// Store is the persistence the API reads and writes.
type Store interface {
	FetchOrganizations(ctx context.Context) ([]model.Organization, error)
	GetOrganization(ctx context.Context, id string) (*model.Organization, error)
	CreateOrganization(ctx context.Context, org *model.Organization) error

	ListCollaborators(ctx context.Context, orgID string) ([]model.Collaborator, error)
	GetCollaborator(ctx context.Context, orgID, id string) (*model.Collaborator, error)
	SaveCollaborator(ctx context.Context, c *model.Collaborator) error
	DeleteCollaborator(ctx context.Context, orgID, id string) error

	FetchBaseEvents(ctx context.Context, orgID string) ([]model.BaseEvent, error)
	GetBaseEvent(ctx context.Context, orgID, id string) (*model.BaseEvent, error)
	SaveBaseEvent(ctx context.Context, ev *model.BaseEvent) error
	DeleteBaseEvent(ctx context.Context, orgID, id string) error
	SplitBaseEvent(ctx context.Context, orgID, originalID string, head, tail *model.BaseEvent, fromDate string) error

	FetchExceptions(ctx context.Context, orgID, baseEventID string) ([]model.ExceptionRecord, error)
	GetException(ctx context.Context, baseEventID, originalDate string) (*model.ExceptionRecord, error)
	PutException(ctx context.Context, orgID string, rec *model.ExceptionRecord) error

	FetchTasks(ctx context.Context, orgID string) ([]model.Task, error)
	GetTask(ctx context.Context, orgID, id string) (*model.Task, error)
	SaveTask(ctx context.Context, task *model.Task) error
	DeleteTask(ctx context.Context, orgID, id string) error
}

var _ Store = (*store.GormStore)(nil)

// Server provides the HTTP API over the store and the orchestrator's
// snapshots.
type Server struct {
	cfg     *config.Config
	store   Store
	orch    *orchestrator.Orchestrator
	metrics *metrics.Metrics
	hub     *Hub
	router  chi.Router

	// In-memory cache for /events responses keyed by org and range.
	eventsMu    sync.RWMutex
	eventsCache map[string]eventsCache
}

// eventsCache holds a cached /events expansion and its timestamp.
type eventsCache struct {
	orgID     string
	snap      *orchestrator.Snapshot
	updatedAt time.Time
}

// NewServer constructs a new Server. m may be nil.
func NewServer(cfg *config.Config, st Store, orch *orchestrator.Orchestrator, m *metrics.Metrics) *Server {
	s := &Server{
		cfg:         cfg,
		store:       st,
		orch:        orch,
		metrics:     m,
		hub:         NewHub(),
		eventsCache: make(map[string]eventsCache),
	}
	orch.OnChange(func(snap *orchestrator.Snapshot) {
		s.invalidateEvents(snap.OrgID)
		s.hub.Broadcast(snap)
	})
	s.registerRoutes()
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Hub returns the websocket hub snapshots are pushed to.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.hub.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	appLog.Info("HTTP server stopped")
	return nil
}

func (s *Server) registerRoutes() {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metrics.Handler())

	r.Group(func(r chi.Router) {
		if s.basicAuthEnabled() {
			appLog.Info("HTTP basic auth enabled", "listen", "http://"+s.cfg.Listen)
			r.Use(s.basicAuthMiddleware)
		}

		r.Route("/api/orgs", func(r chi.Router) {
			r.With(s.route("orgs")).Get("/", s.handleListOrgs)
			r.With(s.route("orgs")).Post("/", s.handleCreateOrg)

			r.Route("/{orgID}", func(r chi.Router) {
				r.Use(s.requireOrg)

				r.With(s.route("org")).Get("/", s.handleGetOrg)
				r.With(s.route("schedule")).Get("/schedule", s.handleSchedule)
				r.With(s.route("events")).Get("/events", s.handleEvents)
				r.With(s.route("notifications")).Get("/notifications", s.handleNotifications)
				r.With(s.route("calendar")).Get("/calendar.ics", s.handleCalendar)
				// Not instrumented: the status recorder cannot be hijacked.
				r.Get("/ws", s.handleWS)

				r.Route("/collaborators", func(r chi.Router) {
					r.Use(s.route("collaborators"))
					r.Get("/", s.handleListCollaborators)
					r.Post("/", s.handleCreateCollaborator)
					r.Get("/{id}", s.handleGetCollaborator)
					r.Put("/{id}", s.handleUpdateCollaborator)
					r.Delete("/{id}", s.handleDeleteCollaborator)
				})

				r.Route("/base-events", func(r chi.Router) {
					r.Use(s.route("base-events"))
					r.Get("/", s.handleListBaseEvents)
					r.Post("/", s.handleCreateBaseEvent)
					r.Get("/{id}", s.handleGetBaseEvent)
					r.Put("/{id}", s.handleUpdateBaseEvent)
					r.Delete("/{id}", s.handleDeleteBaseEvent)
					r.Get("/{id}/exceptions", s.handleListExceptions)
					r.Get("/{id}/occurrences", s.handleListOccurrences)
					r.Put("/{id}/occurrences/{date}", s.handleEditOccurrence)
					r.Delete("/{id}/occurrences/{date}", s.handleDeleteOccurrence)
				})

				r.Route("/tasks", func(r chi.Router) {
					r.Use(s.route("tasks"))
					r.Get("/", s.handleListTasks)
					r.Post("/", s.handleCreateTask)
					r.Get("/{id}", s.handleGetTask)
					r.Put("/{id}", s.handleUpdateTask)
					r.Delete("/{id}", s.handleDeleteTask)
				})
			})
		})
	})

	s.router = r
}

// route labels the request metrics of a route group.
func (s *Server) route(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return s.metrics.WrapHandler(name, next)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		appLog.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"took", time.Since(start).String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// basicAuthEnabled reports whether HTTP Basic Auth is configured.
func (s *Server) basicAuthEnabled() bool {
	return s.cfg != nil && s.cfg.BasicAuth != nil &&
		s.cfg.BasicAuth.Username != "" && s.cfg.BasicAuth.Password != ""
}

// basicAuthMiddleware guards the API. /health and /metrics stay open.
func (s *Server) basicAuthMiddleware(next http.Handler) http.Handler {
	username := s.cfg.BasicAuth.Username
	password := s.cfg.BasicAuth.Password

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || !secureCompare(u, username) || !secureCompare(p, password) {
			w.Header().Set("WWW-Authenticate", `Basic realm="orgcal", charset="UTF-8"`)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// secureCompare compares two strings in constant time.
func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

type orgKey struct{}

// requireOrg resolves {orgID} and answers 404 for unknown organizations.
func (s *Server) requireOrg(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		org, err := s.store.GetOrganization(r.Context(), chi.URLParam(r, "orgID"))
		if err != nil {
			s.fail(w, "load organization", err)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), orgKey{}, org)))
	})
}

func orgFrom(r *http.Request) *model.Organization {
	org, _ := r.Context().Value(orgKey{}).(*model.Organization)
	return org
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// validationError is a request the API refuses to store.
type validationError struct {
	field string
	msg   string
}

func (e *validationError) Error() string {
	return e.field + ": " + e.msg
}

func invalid(field, msg string) error {
	return &validationError{field: field, msg: msg}
}

// fail maps err to a status code. Unexpected errors are logged and hidden.
func (s *Server) fail(w http.ResponseWriter, op string, err error) {
	var ve *validationError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusUnprocessableEntity, ve.Error())
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		appLog.Error("api: "+op+" failed", err)
		writeError(w, http.StatusInternalServerError, op+" failed")
	}
}

// decodeJSON reads a single JSON object from the body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
