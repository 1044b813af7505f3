package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/fentz26/steward/internal/deploy"
	"github.com/fentz26/steward/internal/metrics"
	"github.com/fentz26/steward/internal/models"
	"github.com/fentz26/steward/internal/store"
	"github.com/fentz26/steward/internal/validation"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// maxBodyBytes bounds request bodies; artifacts are source text.
const maxBodyBytes = 4 << 20

// Options configures the HTTP server.
type Options struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	Version      string
}

// Server provides the HTTP API for Steward.
type Server struct {
	service  *Service
	opts     Options
	metrics  *metrics.Metrics
	logger   *zap.Logger
	validate *validator.Validate
	router   chi.Router
	server   *http.Server
}

// NewServer creates a new HTTP server and registers its routes.
func NewServer(service *Service, opts Options, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	s := &Server{
		service:  service,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		validate: validator.New(),
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.StripSlashes)
	r.Use(s.observe)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not_found", "the requested endpoint was not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
	})

	r.Get("/health", s.handleHealth)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	r.Route("/components", func(r chi.Router) {
		r.Get("/", s.listComponents)
		r.Post("/", s.registerComponent)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", s.getStatus)
			r.Get("/versions", s.listVersions)
			r.Post("/versions", s.createVersion)
			r.Get("/compare", s.compare)
			r.Post("/rollback", s.rollback)
			r.Delete("/hold", s.clearHold)
			r.Get("/health", s.healthChecks)
			r.Get("/decisions", s.decisions)
		})
	})
	r.Get("/holds", s.listHolds)
	r.Get("/opportunities", s.listOpportunities)
	r.Get("/statistics", s.statistics)
	r.Post("/loop/pause", s.pause)
	r.Post("/loop/resume", s.resume)
	return r
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.opts.Addr,
		Handler:      s.router,
		ReadTimeout:  s.opts.ReadTimeout,
		WriteTimeout: s.opts.WriteTimeout,
	}
	s.logger.Info("starting steward api", zap.String("addr", s.opts.Addr))
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// observe records request counts and latencies per route pattern.
func (s *Server) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		s.metrics.ObserveRequest(r.Method, route, status, time.Since(start))
	})
}

// --- Health ---

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	OK      bool   `json:"ok"`
	DB      string `json:"db"`
	Paused  bool   `json:"paused"`
	Version string `json:"version"`
	Time    string `json:"time"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: s.opts.Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Paused:  s.service.Statistics().Paused,
	}
	status := http.StatusOK
	if err := s.service.Ping(r.Context()); err != nil {
		resp.OK = false
		resp.DB = err.Error()
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// --- Components ---

func (s *Server) listComponents(w http.ResponseWriter, r *http.Request) {
	comps, err := s.service.ListComponents(r.Context(), r.URL.Query().Get("status"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if comps == nil {
		comps = []models.Component{}
	}
	writeJSON(w, http.StatusOK, comps)
}

func (s *Server) registerComponent(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !s.decode(w, r, &req) {
		return
	}
	reg, err := s.service.RegisterComponent(r.Context(), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.service.GetStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) listVersions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	vs, err := s.service.History(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if vs == nil {
		vs = []models.Version{}
	}
	writeJSON(w, http.StatusOK, vs)
}

func (s *Server) createVersion(w http.ResponseWriter, r *http.Request) {
	var req CreateVersionRequest
	if !s.decode(w, r, &req) {
		return
	}
	outcome, err := s.service.CreateVersion(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		var tf *models.TestingFailure
		if errors.As(err, &tf) && outcome != nil {
			writeJSON(w, http.StatusUnprocessableEntity, struct {
				ErrorResponse
				Validation *validation.Result `json:"validation"`
			}{ErrorResponse{Error: "testing_failed", Message: err.Error()}, outcome.Validation})
			return
		}
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, outcome)
}

func (s *Server) compare(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	cmp, err := s.service.Compare(r.Context(), chi.URLParam(r, "id"), q.Get("from"), q.Get("to"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) rollback(w http.ResponseWriter, r *http.Request) {
	var req RollbackRequest
	if !s.decode(w, r, &req) {
		return
	}
	ev, err := s.service.ForceRollback(r.Context(), chi.URLParam(r, "id"), req)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ev)
}

func (s *Server) clearHold(w http.ResponseWriter, r *http.Request) {
	if err := s.service.ClearHold(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) healthChecks(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	report, err := s.service.HealthChecks(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) decisions(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	recs, err := s.service.Decisions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if recs == nil {
		recs = []models.DecisionRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) listHolds(w http.ResponseWriter, r *http.Request) {
	holds, err := s.service.ListHolds(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if holds == nil {
		holds = []models.Hold{}
	}
	writeJSON(w, http.StatusOK, holds)
}

// --- Loop ---

func (s *Server) listOpportunities(w http.ResponseWriter, r *http.Request) {
	opps, err := s.service.ListOpportunities(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if opps == nil {
		opps = []models.Opportunity{}
	}
	writeJSON(w, http.StatusOK, opps)
}

func (s *Server) statistics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.service.Statistics())
}

func (s *Server) pause(w http.ResponseWriter, _ *http.Request) {
	s.service.Pause()
	writeJSON(w, http.StatusOK, map[string]string{"status": "paused"})
}

func (s *Server) resume(w http.ResponseWriter, _ *http.Request) {
	s.service.Resume()
	writeJSON(w, http.StatusOK, map[string]string{"status": "running"})
}

// --- Encoding ---

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encoding_error", "failed to encode response")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	data, _ := json.Marshal(ErrorResponse{Error: code, Message: message})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// decode reads and validates a JSON body. It writes the error reply itself
// and reports whether the handler should continue.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	if err := s.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			writeError(w, http.StatusBadRequest, "invalid_request",
				fmt.Sprintf("%s failed %q", verrs[0].Field(), verrs[0].Tag()))
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return false
	}
	return true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeError(w, http.StatusBadRequest, "invalid_request", "limit must be a non-negative integer")
		return 0, false
	}
	return n, true
}

// writeServiceError maps domain errors onto HTTP status codes.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	var (
		tf *models.TestingFailure
		df *models.DeploymentFailure
		rf *models.RollbackFailure
		iv *models.InvariantViolationError
		du *models.DataUnavailableError
		to *models.ExternalCollaboratorTimeout
	)
	switch {
	case errors.Is(err, models.ErrComponentNotFound),
		errors.Is(err, models.ErrVersionNotFound),
		errors.Is(err, models.ErrSessionNotFound),
		errors.Is(err, ErrNoHold):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrNoPreviousVersion):
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
	case errors.Is(err, store.ErrComponentExists):
		writeError(w, http.StatusConflict, "component_exists", err.Error())
	case errors.Is(err, deploy.ErrSessionActive):
		writeError(w, http.StatusConflict, "session_active", err.Error())
	case errors.Is(err, deploy.ErrStaleCandidate):
		writeError(w, http.StatusConflict, "stale_candidate", err.Error())
	case errors.Is(err, models.ErrComponentHeld):
		writeError(w, http.StatusConflict, "component_held", err.Error())
	case errors.Is(err, models.ErrComponentInactive):
		writeError(w, http.StatusConflict, "component_inactive", err.Error())
	case errors.As(err, &iv):
		writeError(w, http.StatusConflict, "invariant_violation", err.Error())
	case errors.Is(err, validation.ErrManualReview):
		writeError(w, http.StatusUnprocessableEntity, "manual_review", err.Error())
	case errors.As(err, &tf):
		writeError(w, http.StatusUnprocessableEntity, "testing_failed", err.Error())
	case errors.As(err, &du):
		writeError(w, http.StatusUnprocessableEntity, "insufficient_data", err.Error())
	case errors.As(err, &df):
		s.logger.Error("deployment failed", zap.String("component_id", df.ComponentID), zap.Bool("critical", true), zap.Error(err))
		writeError(w, http.StatusBadGateway, "deployment_failed", err.Error())
	case errors.As(err, &rf):
		s.logger.Error("rollback failed", zap.String("component_id", rf.ComponentID), zap.Bool("critical", true), zap.Error(err))
		writeError(w, http.StatusBadGateway, "rollback_failed", err.Error())
	case errors.As(err, &to):
		writeError(w, http.StatusGatewayTimeout, "collaborator_timeout", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, "store_unavailable", err.Error())
	}
}
