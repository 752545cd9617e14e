// Package api exposes analysis runs over HTTP: submission, status polling,
// reports and per-user listings.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/decidekit/internal/metrics"
	"github.com/sells-group/decidekit/internal/model"
	"github.com/sells-group/decidekit/internal/pipeline"
	"github.com/sells-group/decidekit/internal/store"
	"github.com/sells-group/decidekit/internal/worker"
)

// Submitter hands a queued run to background execution.
type Submitter interface {
	Submit(runID string) (*worker.Handle, error)
}

// Config configures the API server.
type Config struct {
	AllowedOrigins []string
	MaxInputChars  int
	ListLimit      int
}

// Server serves the analysis API.
type Server struct {
	store    store.Store
	jobs     Submitter
	cfg      Config
	validate *validator.Validate
}

// NewServer creates a Server.
func NewServer(st store.Store, jobs Submitter, cfg Config) *Server {
	if cfg.MaxInputChars <= 0 {
		cfg.MaxInputChars = pipeline.DefaultMaxInputChars
	}
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = 100
	}
	return &Server{store: st, jobs: jobs, cfg: cfg, validate: validator.New()}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if len(s.cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.AllowedOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowedHeaders:   []string{"Accept", "Content-Type"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/analyze", s.handleAnalyze)
		r.Get("/status/{id}", s.handleStatus)
		r.Get("/report/{id}", s.handleReport)
		r.Get("/analyses", s.handleList)
	})
	return r
}

// AnalyzeRequest is the body of POST /api/analyze.
type AnalyzeRequest struct {
	RawInput      string `json:"raw_input" validate:"required"`
	UserID        int64  `json:"user_id" validate:"required,gt=0"`
	OriginalInput string `json:"original_input,omitempty"`
}

// AnalyzeResponse is returned once the run is queued.
type AnalyzeResponse struct {
	AnalysisID string      `json:"analysis_id"`
	Status     model.Stage `json:"status"`
}

// RunSummary is one row of GET /api/analyses.
type RunSummary struct {
	ID        string          `json:"id"`
	RawInput  string          `json:"raw_input"`
	Stage     model.Stage     `json:"status"`
	Verdict   *model.Decision `json:"verdict,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req AnalyzeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if err := pipeline.ValidateInput(req.RawInput, s.cfg.MaxInputChars); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	run, err := s.store.CreateRun(ctx, model.NewRunRequest{
		UserID:        req.UserID,
		RawInput:      req.RawInput,
		OriginalInput: req.OriginalInput,
	})
	if err != nil {
		zap.L().Error("api: create run", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not create analysis")
		return
	}

	if _, err := s.jobs.Submit(run.ID); err != nil {
		// A run that never reaches a worker must still end terminal.
		failure := model.Failure{Kind: model.FailureError, Reason: err.Error(), Stage: model.StageQueued}
		if ferr := s.store.FailRun(ctx, run.ID, failure); ferr != nil {
			zap.L().Error("api: fail unsubmitted run", zap.String("run_id", run.ID), zap.Error(ferr))
		}
		status := http.StatusInternalServerError
		if errors.Is(err, worker.ErrQueueFull) || errors.Is(err, worker.ErrClosed) {
			status = http.StatusServiceUnavailable
		}
		zap.L().Warn("api: submit run", zap.String("run_id", run.ID), zap.Error(err))
		writeError(w, status, "analysis could not be scheduled")
		return
	}

	zap.L().Info("api: analysis queued", zap.String("run_id", run.ID), zap.Int64("user_id", run.UserID))
	writeJSON(w, http.StatusAccepted, AnalyzeResponse{AnalysisID: run.ID, Status: run.Stage})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, model.BuildStatus(run))
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	report, err := s.store.GetReport(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id must be an integer")
		return
	}

	runs, err := s.store.ListRuns(r.Context(), store.RunFilter{UserID: &userID, Limit: s.cfg.ListLimit})
	if err != nil {
		s.storeError(w, err)
		return
	}

	out := make([]RunSummary, 0, len(runs))
	for _, run := range runs {
		out = append(out, RunSummary{
			ID:        run.ID,
			RawInput:  run.RawInput,
			Stage:     run.Stage,
			Verdict:   run.Verdict,
			CreatedAt: run.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "analysis not found")
		return
	}
	zap.L().Error("api: store", zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal error")
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	f := verrs[0]
	return fmt.Sprintf("field %s failed %s", f.Field(), f.Tag())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Debug("api: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogger logs each request and counts it by route pattern.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		metrics.HTTPRequests.WithLabelValues(route, r.Method, strconv.Itoa(status)).Inc()
		zap.L().Debug("api: request",
			zap.String("method", r.Method),
			zap.String("route", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
