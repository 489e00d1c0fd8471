package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	ws "github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"batch-calc-engine/internal/calculator"
	"batch-calc-engine/internal/engine"
	"batch-calc-engine/internal/export"
	"batch-calc-engine/internal/models"
	"batch-calc-engine/internal/ratelimit"
	"batch-calc-engine/internal/websocket"
)

const maxBodyBytes = 32 << 20

// Server holds all HTTP handlers and dependencies
type Server struct {
	controller  *engine.Controller
	rateLimiter *ratelimit.RateLimiter
	wsManager   *websocket.Manager
	upgrader    ws.Upgrader
	logger      zerolog.Logger
}

// NewServer creates a new API server
func NewServer(controller *engine.Controller, rateLimiter *ratelimit.RateLimiter, wsManager *websocket.Manager, logger zerolog.Logger) *Server {
	return &Server{
		controller:  controller,
		rateLimiter: rateLimiter,
		wsManager:   wsManager,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		logger: logger,
	}
}

type controlResponse struct {
	OK  bool                       `json:"ok"`
	Job *models.BulkCalculationJob `json:"job,omitempty"`
}

type errorResponse struct {
	Error    string        `json:"error"`
	Problems []string      `json:"problems,omitempty"`
	Op       string        `json:"op,omitempty"`
	Current  models.Status `json:"current,omitempty"`
	Target   models.Status `json:"target,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError maps engine errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	var (
		invalid    *models.InvalidTransitionError
		validation *calculator.ValidationError
	)
	switch {
	case errors.Is(err, models.ErrNotFound):
		status = http.StatusNotFound
	case errors.As(err, &invalid):
		status = http.StatusConflict
		resp.Op, resp.Current, resp.Target = invalid.Op, invalid.Current, invalid.Target
	case errors.Is(err, models.ErrConflict), errors.Is(err, models.ErrImmutable):
		status = http.StatusConflict
	case errors.As(err, &validation):
		status = http.StatusBadRequest
		resp.Problems = validation.Problems
	case errors.Is(err, models.ErrEmptyJob),
		errors.Is(err, models.ErrMissingOrganization),
		errors.Is(err, calculator.ErrUnknownCalculator),
		errors.Is(err, export.ErrUnknownFormat),
		errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrClosed):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("api: request failed")
		resp.Error = "internal server error"
	}
	writeJSON(w, status, resp)
}

var errBadRequest = errors.New("bad request")

func badRequest(msg string) error {
	return &requestError{msg: msg}
}

type requestError struct{ msg string }

func (e *requestError) Error() string        { return e.msg }
func (e *requestError) Is(target error) bool { return target == errBadRequest }

// CreateJob handles job submission
func (s *Server) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req models.JobCreateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, r, badRequest("invalid request body"))
		return
	}
	if strings.TrimSpace(req.OrganizationID) == "" {
		s.writeError(w, r, models.ErrMissingOrganization)
		return
	}

	// Rate limiting check
	if s.rateLimiter != nil && !s.rateLimiter.Allow(req.OrganizationID) {
		s.logger.Warn().Str("organization_id", req.OrganizationID).Msg("api: rate limit exceeded")
		w.Header().Set("Retry-After", strconv.Itoa(int(s.rateLimiter.RetryAfter(req.OrganizationID).Seconds())+1))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "rate limit exceeded"})
		return
	}

	id, err := s.controller.CreateJob(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.controller.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// GetJob returns one job
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.controller.GetJob(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// ListJobs returns the organization's jobs
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := models.JobFilter{
		Status:         models.Status(q.Get("status")),
		CalculatorType: q.Get("calculator_type"),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		s.writeError(w, r, badRequest("unknown status "+strconv.Quote(q.Get("status"))))
		return
	}

	order := models.JobSort{Field: models.SortByCreatedAt}
	switch f := models.SortField(q.Get("sort")); f {
	case "", models.SortByCreatedAt:
	case models.SortByName, models.SortByStatus:
		order.Field = f
	default:
		s.writeError(w, r, badRequest("unknown sort field "+strconv.Quote(string(f))))
		return
	}
	switch strings.ToLower(q.Get("order")) {
	case "", "desc":
	case "asc":
		order.Ascending = true
	default:
		s.writeError(w, r, badRequest("order must be asc or desc"))
		return
	}

	limit := 0
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, r, badRequest("limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	jobs, err := s.controller.ListJobs(r.Context(), q.Get("organization_id"), filter, order, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, jobs)
}

// UpdateJob changes metadata of a pending job
func (s *Server) UpdateJob(w http.ResponseWriter, r *http.Request) {
	var upd models.JobUpdateRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&upd); err != nil {
		s.writeError(w, r, badRequest("invalid request body"))
		return
	}
	job, err := s.controller.UpdateJob(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// DeleteJob removes a job
func (s *Server) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.controller.DeleteJob(r.Context(), chi.URLParam(r, "id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// control adapts a start/pause/resume/cancel operation into a handler.
func (s *Server) control(op func(r *http.Request, id string) (bool, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		ok, err := op(r, id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		job, err := s.controller.GetJob(r.Context(), id)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, controlResponse{OK: ok, Job: job})
	}
}

// ExportResults streams the job's results in the requested format
func (s *Server) ExportResults(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	format := q.Get("format")
	if format == "" {
		format = "csv"
	}
	opts := export.Options{Locale: language.German, IncludeFailed: true}
	if v := q.Get("locale"); v != "" {
		tag, err := language.Parse(v)
		if err != nil {
			s.writeError(w, r, badRequest("invalid locale "+strconv.Quote(v)))
			return
		}
		opts.Locale = tag
	}
	if v := q.Get("include_failed"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			s.writeError(w, r, badRequest("include_failed must be a boolean"))
			return
		}
		opts.IncludeFailed = b
	}

	doc, err := s.controller.ExportResults(r.Context(), chi.URLParam(r, "id"), format, opts)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", doc.ContentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+doc.Filename+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, doc); err != nil {
		s.logger.Warn().Err(err).Str("job_id", chi.URLParam(r, "id")).Msg("api: export write failed")
	}
}

// GetMetrics returns per-organization job counts
func (s *Server) GetMetrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := s.controller.Metrics(r.Context(), r.URL.Query().Get("organization_id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// ListCalculators returns the registered calculator types and export formats
func (s *Server) ListCalculators(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{
		"calculators":    s.controller.Calculators(),
		"export_formats": s.controller.ExportFormats(),
	})
}

// Health reports liveness
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	clients := 0
	if s.wsManager != nil {
		clients = s.wsManager.ClientCount()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "ok",
		"ws_clients": clients,
	})
}

// HandleWebSocket streams a job's events over a WebSocket connection
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.wsManager == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "streaming is disabled"})
		return
	}
	id := chi.URLParam(r, "id")
	if _, err := s.controller.GetJob(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("api: websocket upgrade failed")
		return
	}
	if err := s.wsManager.AddClient(conn, id); err != nil {
		s.logger.Warn().Err(err).Str("job_id", id).Msg("api: websocket subscribe failed")
		conn.Close()
	}
}
