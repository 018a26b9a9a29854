package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"sheetmailer/internal/config"
	"sheetmailer/internal/domain"
	"sheetmailer/internal/metrics"
	"sheetmailer/internal/models"
	"sheetmailer/internal/service"

	"github.com/rs/zerolog"
)

const defaultMaxBodyBytes = 10 << 20

// Deps are the collaborators behind the HTTP API. Sheets may be nil when no
// Google credentials are configured.
type Deps struct {
	Tasks     *service.TaskService
	Senders   *service.SenderService
	Sheets    domain.SheetLister
	ShareWith string
	Store     Pinger
}

// HTTPServer exposes the task, sender and sheet endpoints.
type HTTPServer struct {
	cfg     *config.APIConfig
	deps    Deps
	server  *http.Server
	auth    *HTTPAuth
	logger  zerolog.Logger
	maxBody int64
}

func NewHTTPServer(cfg *config.APIConfig, deps Deps, limiter *RateLimiter, logger *zerolog.Logger) *HTTPServer {
	srv := &HTTPServer{
		cfg:     cfg,
		deps:    deps,
		auth:    NewHTTPAuth(cfg, limiter),
		logger:  zerolog.Nop(),
		maxBody: cfg.HTTP.MaxBodyBytes,
	}
	if logger != nil {
		srv.logger = logger.With().Str("component", "http").Logger()
	}
	if srv.maxBody <= 0 {
		srv.maxBody = defaultMaxBodyBytes
	}

	mux := http.NewServeMux()
	srv.route(mux, "POST /api/v1/tasks", "tasks_create", srv.handleScheduleTask)
	srv.route(mux, "GET /api/v1/tasks", "tasks_list", srv.handleListTasks)
	srv.route(mux, "GET /api/v1/tasks/{id}", "tasks_get", srv.handleGetTask)
	srv.route(mux, "DELETE /api/v1/tasks/{id}", "tasks_delete", srv.handleCancelTask)
	srv.route(mux, "POST /api/v1/sweep", "sweep", srv.handleSweep)
	srv.route(mux, "POST /api/v1/send", "send", srv.handleSendNow)
	srv.route(mux, "GET /api/v1/reports", "reports", srv.handleReports)

	srv.route(mux, "POST /api/v1/senders", "senders_create", srv.handleCreateSender)
	srv.route(mux, "GET /api/v1/senders", "senders_list", srv.handleListSenders)
	srv.route(mux, "GET /api/v1/senders/{id}", "senders_get", srv.handleGetSender)
	srv.route(mux, "PUT /api/v1/senders/{id}", "senders_update", srv.handleUpdateSender)
	srv.route(mux, "DELETE /api/v1/senders/{id}", "senders_delete", srv.handleDeleteSender)

	srv.route(mux, "POST /api/v1/sheets/names", "sheet_names", srv.handleSheetNames)

	mux.HandleFunc("GET /healthz", srv.handleHealthz)
	mux.HandleFunc("GET /readyz", srv.handleReadyz)

	srv.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           srv.loggingMiddleware(srv.auth.Wrap(mux)),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	return srv
}

func (s *HTTPServer) route(mux *http.ServeMux, pattern, endpoint string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		metrics.IncHTTP(endpoint)
		h(w, r)
	})
}

// Handler returns the fully wrapped handler.
func (s *HTTPServer) Handler() http.Handler {
	return s.server.Handler
}

func (s *HTTPServer) Start() error {
	if s.server == nil {
		return fmt.Errorf("http server is not initialized")
	}
	s.logger.Info().Str("addr", s.server.Addr).Msg("HTTP API listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *HTTPServer) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *HTTPServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *HTTPServer) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.Store.Ping(ctx); err != nil {
			writeError(w, http.StatusServiceUnavailable, "store unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *HTTPServer) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)
		s.logger.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", recorder.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

// decodeJSON reads a bounded JSON body, rejecting unknown fields.
func (s *HTTPServer) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeServiceError maps domain errors to HTTP status codes.
func (s *HTTPServer) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrRangeOverlap):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, models.ErrTaskNotFound), errors.Is(err, models.ErrSenderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrSourceAccess):
		writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, statusCode int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, map[string]string{"error": message})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}
