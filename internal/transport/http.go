package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rpggio/imgclass/internal/dataset"
	"github.com/rpggio/imgclass/internal/domain/activity"
	"github.com/rpggio/imgclass/internal/domain/project"
	"github.com/rpggio/imgclass/internal/inference"
	"github.com/rpggio/imgclass/internal/report"
	"github.com/rpggio/imgclass/internal/trainer"
	"github.com/rpggio/imgclass/internal/training"
)

// ProjectService defines project operations needed by the API.
type ProjectService interface {
	Create(ctx context.Context, req project.CreateRequest) (*project.Project, error)
	Get(ctx context.Context, name string) (*project.Project, error)
	List(ctx context.Context) ([]project.Project, error)
	Delete(ctx context.Context, name string) error
}

// DatasetService defines dataset operations needed by the API.
type DatasetService interface {
	IngestArchive(ctx context.Context, name string, data []byte) (*dataset.Result, error)
	IngestImage(ctx context.Context, name, class, filename string, data []byte) (*dataset.Result, error)
	Refresh(ctx context.Context, name string) (*dataset.Result, error)
}

// TrainingService defines training operations needed by the API.
type TrainingService interface {
	DefaultParams() trainer.Params
	Start(ctx context.Context, name string, params trainer.Params) (*training.Job, error)
	Status(ctx context.Context, id string) (*training.Job, error)
	Watch(ctx context.Context, id string) (*training.Job, <-chan struct{}, error)
	ActiveJob(name string) (*training.Job, bool)
	ListJobs(ctx context.Context, name string, limit int) ([]training.Job, error)
	Cancel(ctx context.Context, id string) (*training.Job, error)
}

// InferenceService defines prediction needed by the API.
type InferenceService interface {
	Predict(ctx context.Context, name string, data []byte) (*inference.Prediction, error)
}

// ActivityService defines activity operations needed by the API.
type ActivityService interface {
	GetRecentActivity(ctx context.Context, opts activity.ListActivityOptions) ([]activity.ActivityEntry, error)
}

// ReportService renders charts.
type ReportService interface {
	HistoryChart(ctx context.Context, name string, metric report.Metric, w io.Writer) error
}

// Services contains all domain services needed by the API.
type Services struct {
	Projects  ProjectService
	Datasets  DatasetService
	Training  TrainingService
	Inference InferenceService
	Activity  ActivityService
	Reports   ReportService
}

// Options configures the router.
type Options struct {
	// Auth guards every route except /health when set.
	Auth func(http.Handler) http.Handler
	// MCP is mounted at /mcp when set.
	MCP            http.Handler
	MaxUploadBytes int64
	Logger         *slog.Logger
}

const defaultMaxUpload = 500 << 20

// Server wires HTTP handlers.
type Server struct {
	svc       Services
	maxUpload int64
	logger    *slog.Logger
}

// NewServer creates an HTTP server router with middleware.
func NewServer(svc Services, opts Options) *chi.Mux {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	maxUpload := opts.MaxUploadBytes
	if maxUpload <= 0 {
		maxUpload = defaultMaxUpload
	}
	srv := &Server{svc: svc, maxUpload: maxUpload, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(srv.requestLogger)

	r.Get("/health", srv.handleHealth)

	r.Group(func(r chi.Router) {
		if opts.Auth != nil {
			r.Use(opts.Auth)
		}
		if opts.MCP != nil {
			r.Handle("/mcp", opts.MCP)
		}

		r.Route("/api/projects", func(r chi.Router) {
			r.Get("/", srv.handleListProjects)
			r.Post("/", srv.handleCreateProject)
			r.Route("/{name}", func(r chi.Router) {
				r.Get("/", srv.handleGetProject)
				r.Delete("/", srv.handleDeleteProject)
				r.Post("/dataset", srv.handleIngestArchive)
				r.Post("/images", srv.handleIngestImage)
				r.Post("/refresh", srv.handleRefresh)
				r.Post("/train", srv.handleTrain)
				r.Get("/jobs", srv.handleListJobs)
				r.Post("/predict", srv.handlePredict)
				r.Get("/activity", srv.handleActivity)
				r.Get("/history.svg", srv.handleHistoryChart)
			})
		})
		r.Route("/api/jobs/{id}", func(r chi.Router) {
			r.Get("/", srv.handleJobStatus)
			r.Post("/cancel", srv.handleCancelJob)
			r.Get("/stream", srv.handleJobStream)
		})
	})

	return r
}

// requestInfo collects what inner handlers learn about a request.
type requestInfo struct {
	owner string
}

type requestInfoKey struct{}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info := &requestInfo{}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), requestInfoKey{}, info)))
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"owner", info.owner,
			"request_id", middleware.GetReqID(r.Context()))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type createProjectRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// projectResponse is a project record plus its running job, if any.
type projectResponse struct {
	*project.Project
	ActiveJob *training.Job `json:"active_job,omitempty"`
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.svc.Projects.List(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	out := make([]project.Summary, 0, len(projects))
	for i := range projects {
		out = append(out, projects[i].Summarize())
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req createProjectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, s.logger, fmt.Errorf("%w: body must be a JSON object with a name", project.ErrInvalidName))
		return
	}
	proj, err := s.svc.Projects.Create(r.Context(), project.CreateRequest{Name: req.Name, Description: req.Description})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, proj)
}

func (s *Server) handleGetProject(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	proj, err := s.svc.Projects.Get(r.Context(), name)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	resp := projectResponse{Project: proj}
	if job, ok := s.svc.Training.ActiveJob(name); ok {
		resp.ActiveJob = job
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Projects.Delete(r.Context(), chi.URLParam(r, "name")); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if _, err := s.svc.Projects.Get(r.Context(), name); err != nil {
		writeError(w, s.logger, err)
		return
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	entries, err := s.svc.Activity.GetRecentActivity(r.Context(), activity.ListActivityOptions{Project: name, Limit: limit})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleHistoryChart(w http.ResponseWriter, r *http.Request) {
	metric, err := report.ParseMetric(r.URL.Query().Get("metric"))
	if err != nil {
		writeError(w, s.logger, fmt.Errorf("%w: %v", training.ErrInvalidParameter, err))
		return
	}
	var buf bytes.Buffer
	if err := s.svc.Reports.HistoryChart(r.Context(), chi.URLParam(r, "name"), metric, &buf); err != nil {
		writeError(w, s.logger, err)
		return
	}
	w.Header().Set("Content-Type", "image/svg+xml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(buf.Bytes())
}

func queryInt(r *http.Request, key string) (int, error) {
	s := r.URL.Query().Get(key)
	if s == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", training.ErrInvalidParameter, key)
	}
	return v, nil
}
