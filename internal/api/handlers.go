package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"

	ws "github.com/gorilla/websocket"

	"sku-render-pipeline/internal/coordinator"
	"sku-render-pipeline/internal/database"
	"sku-render-pipeline/internal/logging"
	"sku-render-pipeline/internal/models"
	"sku-render-pipeline/internal/ratelimit"
	"sku-render-pipeline/internal/staging"
	"sku-render-pipeline/internal/websocket"
)

// Options configures the API server
type Options struct {
	Coordinator *coordinator.Coordinator
	// DB is the report archive; nil serves metrics from live jobs only
	DB              *database.DB
	WSManager       *websocket.Manager
	Logger          *logging.Logger
	OutputDir       string
	StaticDir       string
	SubmitPerMinute int
	// BaseContext bounds the lifetime of started jobs
	BaseContext context.Context
}

// Server holds all HTTP handlers and dependencies
type Server struct {
	coord       *coordinator.Coordinator
	db          *database.DB
	rateLimiter *ratelimit.RateLimiter
	wsManager   *websocket.Manager
	upgrader    ws.Upgrader
	log         *logging.Logger
	outputDir   string
	staticDir   string
	baseCtx     context.Context
}

// NewServer creates a new API server
func NewServer(opts Options) *Server {
	s := &Server{
		coord:       opts.Coordinator,
		db:          opts.DB,
		rateLimiter: ratelimit.New(opts.SubmitPerMinute),
		wsManager:   opts.WSManager,
		log:         opts.Logger,
		outputDir:   opts.OutputDir,
		staticDir:   opts.StaticDir,
		baseCtx:     opts.BaseContext,
		upgrader: ws.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	if s.log == nil {
		s.log = logging.NopLogger()
	}
	if s.baseCtx == nil {
		s.baseCtx = context.Background()
	}
	return s
}

// SubmitJob handles job submission
func (s *Server) SubmitJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req models.JobSubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if len(req.Records) == 0 {
		http.Error(w, "records are required", http.StatusBadRequest)
		return
	}

	// Rate limiting check
	client := clientID(r)
	if !s.rateLimiter.Allow(client) {
		s.log.Warn("[RATE_LIMIT] client exceeded submit rate", "client", client)
		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
		return
	}

	maxRetries := -1
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			http.Error(w, "max_retries must not be negative", http.StatusBadRequest)
			return
		}
		maxRetries = *req.MaxRetries
	}

	jobID, err := s.coord.CreateJob(req.Records, maxRetries)
	if err != nil {
		s.writeError(w, err)
		return
	}
	view, err := s.coord.GetStatus(jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if s.wsManager != nil {
		s.wsManager.Broadcast()
	}

	writeJSON(w, http.StatusCreated, models.JobSubmitResponse{
		ID:            jobID,
		Total:         view.Total,
		OutputDirName: view.OutputDirName,
		Status:        view.Status,
	})
}

// GetJobStatus returns job status
func (s *Server) GetJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID, ok := requireID(w, r)
	if !ok {
		return
	}

	view, err := s.coord.GetStatus(jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// ListJobs returns all jobs. archived=true lists the report archive instead.
func (s *Server) ListJobs(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("archived") == "true" {
		if s.db == nil {
			http.Error(w, "archive is disabled", http.StatusNotFound)
			return
		}
		jobs, err := s.db.ListArchivedJobs(100)
		if err != nil {
			s.log.Error("[ERROR] failed to query archive", "error", err.Error())
			http.Error(w, "Failed to fetch jobs", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, jobs)
		return
	}
	writeJSON(w, http.StatusOK, s.coord.ListJobs())
}

// DeleteJob forgets a completed job
func (s *Server) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := requireID(w, r)
	if !ok {
		return
	}
	if err := s.coord.Delete(jobID); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// StartJob starts a pending job with an optional concurrency
func (s *Server) StartJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID, ok := requireID(w, r)
	if !ok {
		return
	}

	concurrency := 0
	if raw := r.URL.Query().Get("concurrency"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			http.Error(w, "concurrency must be a positive integer", http.StatusBadRequest)
			return
		}
		concurrency = n
	}

	if err := s.coord.Start(s.baseCtx, jobID, concurrency); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, jobID, http.StatusAccepted)
}

// PauseJob pauses a running job
func (s *Server) PauseJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID, ok := requireID(w, r)
	if !ok {
		return
	}
	if err := s.coord.Pause(jobID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, jobID, http.StatusOK)
}

// ResumeJob resumes a paused job
func (s *Server) ResumeJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	jobID, ok := requireID(w, r)
	if !ok {
		return
	}
	if err := s.coord.Resume(s.baseCtx, jobID); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeStatus(w, jobID, http.StatusAccepted)
}

// DownloadResults streams a zip of every successful artifact of a completed job
func (s *Server) DownloadResults(w http.ResponseWriter, r *http.Request) {
	jobID, ok := requireID(w, r)
	if !ok {
		return
	}

	paths, err := s.coord.Artifacts(jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if len(paths) == 0 {
		http.Error(w, "No successful results", http.StatusNotFound)
		return
	}
	view, err := s.coord.GetStatus(jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", `attachment; filename="`+view.OutputDirName+`_results.zip"`)
	if err := staging.WriteZip(w, paths); err != nil {
		// headers are already sent; the client sees a truncated archive
		s.log.WithJob(jobID).Error("[ERROR] zip stream failed", "error", err.Error())
	}
}

// ExportResults lists successful artifacts with their download URLs
func (s *Server) ExportResults(w http.ResponseWriter, r *http.Request) {
	jobID, ok := requireID(w, r)
	if !ok {
		return
	}
	results, err := s.coord.Export(jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if results == nil {
		results = []models.ExportedResult{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"job_id":  jobID,
		"count":   len(results),
		"results": results,
	})
}

// GetMetrics returns system metrics
func (s *Server) GetMetrics(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeJSON(w, http.StatusOK, liveMetrics(s.coord.ListJobs()))
		return
	}
	metrics, err := s.db.GetMetrics()
	if err != nil {
		s.log.Error("[ERROR] failed to get metrics", "error", err.Error())
		http.Error(w, "Failed to fetch metrics", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, metrics)
}

// HandleWebSocket handles WebSocket connections
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.wsManager == nil {
		http.Error(w, "live updates disabled", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("[ERROR] websocket upgrade failed", "error", err.Error())
		return
	}

	s.wsManager.AddClient(conn)
}

// SetupRoutes sets up all HTTP routes
func (s *Server) SetupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			s.SubmitJob(w, r)
		case http.MethodGet:
			s.ListJobs(w, r)
		case http.MethodDelete:
			s.DeleteJob(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
	})

	mux.HandleFunc("/api/jobs/status", s.GetJobStatus)
	mux.HandleFunc("/api/jobs/start", s.StartJob)
	mux.HandleFunc("/api/jobs/pause", s.PauseJob)
	mux.HandleFunc("/api/jobs/resume", s.ResumeJob)
	mux.HandleFunc("/api/jobs/download", s.DownloadResults)
	mux.HandleFunc("/api/jobs/export", s.ExportResults)
	mux.HandleFunc("/api/metrics", s.GetMetrics)
	mux.HandleFunc("/ws", s.HandleWebSocket)

	if s.outputDir != "" {
		mux.Handle("/outputs/", http.StripPrefix("/outputs/", http.FileServer(http.Dir(s.outputDir))))
	}
	// Serve static files
	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}
}

func (s *Server) writeStatus(w http.ResponseWriter, jobID string, code int) {
	view, err := s.coord.GetStatus(jobID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, code, view)
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var validation *models.ValidationError
	switch {
	case errors.Is(err, models.ErrJobNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case coordinator.IsConflict(err):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, models.ErrEmptyBatch), errors.As(err, &validation):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.log.Error("[ERROR] request failed", "error", err.Error())
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func requireID(w http.ResponseWriter, r *http.Request) (string, bool) {
	jobID := r.URL.Query().Get("id")
	if jobID == "" {
		http.Error(w, "job id is required", http.StatusBadRequest)
		return "", false
	}
	return jobID, true
}

func clientID(r *http.Request) string {
	if id := r.Header.Get("X-Client-ID"); id != "" {
		return id
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func liveMetrics(jobs []models.JobSummary) models.Metrics {
	var m models.Metrics
	for _, j := range jobs {
		m.TotalJobs++
		if j.Status == models.StatusCompleted {
			m.CompletedJobs++
		}
		m.TotalTasks += int64(j.Total)
		m.SucceededTasks += int64(j.Success)
		m.FailedTasks += int64(j.Failed)
	}
	return m
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
