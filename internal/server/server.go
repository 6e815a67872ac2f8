package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/jo-hoe/compositor/internal/cache"
	"github.com/jo-hoe/compositor/internal/common"
	"github.com/jo-hoe/compositor/internal/compositing"
	"github.com/jo-hoe/compositor/internal/config"
	"github.com/jo-hoe/compositor/internal/history"
	"github.com/jo-hoe/compositor/internal/jobs"
	"github.com/jo-hoe/compositor/internal/pipeline"
	"github.com/jo-hoe/compositor/internal/processor"
	"github.com/jo-hoe/compositor/internal/storage"
)

// Executor runs one work item synchronously.
type Executor interface {
	Execute(ctx context.Context, item jobs.WorkItem) (*processor.Outcome, error)
}

// Validator checks a job before it is accepted.
type Validator interface {
	Validate(job pipeline.Job) error
}

type Service struct {
	Log       *slog.Logger
	Cfg       *config.Config
	Store     jobs.Store
	Queue     *jobs.Queue
	Uploader  *storage.Uploader
	Executor  Executor
	Validator Validator
	History   history.Store
	Cache     *cache.Store
}

// NewHTTPServer builds the http.Server with routes and middleware.
func NewHTTPServer(svc *Service) *http.Server {
	return &http.Server{
		Addr:         svc.Cfg.Server.Addr,
		Handler:      svc.Routes(),
		ReadTimeout:  svc.Cfg.Server.ReadTimeout,
		WriteTimeout: svc.Cfg.Server.WriteTimeout,
		IdleTimeout:  svc.Cfg.Server.IdleTimeout,
	}
}

type healthResponse struct {
	Status string           `json:"status"`
	Queue  *jobs.QueueStats `json:"queue,omitempty"`
}

func (svc *Service) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok"}
	if svc.Queue != nil {
		st := svc.Queue.Stats()
		resp.Queue = &st
	}
	writeJSON(w, http.StatusOK, resp)
}

// Routes returns the router serving the API.
func (svc *Service) Routes() http.Handler {
	if svc.Log == nil {
		svc.Log = slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	}
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, loggingMiddleware(svc.Log), middleware.Recoverer)

	r.Get(common.PathHealthz, svc.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(svc.requireAPIKey, svc.limitBody)
		r.Post(common.PathRuns, svc.handleCreateRun)
		r.Get(common.PathRuns+"/{id}", svc.handleGetRun)
		r.Get(common.PathHistory, svc.handleListHistory)
		r.Delete(common.PathHistory, svc.handleClearHistory)
		r.Get(common.PathHistory+"/{id}", svc.handleGetHistory)
		r.Delete(common.PathHistory+"/{id}", svc.handleDeleteHistory)
		r.Delete(common.PathCache, svc.handleClearCache)
	})
	return r
}

func (svc *Service) requireAPIKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if key := strings.TrimSpace(svc.Cfg.Server.APIKey); key != "" {
			if r.Header.Get(common.HeaderAPIKey) != key {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (svc *Service) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if max := safeInt64(svc.Cfg.Server.MaxUploadSize); max > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, max)
		}
		next.ServeHTTP(w, r)
	})
}

type createResponse struct {
	RunID     string `json:"run_id"`
	StatusURL string `json:"status_url"`
}

type runResponse struct {
	RunID     string              `json:"run_id"`
	Stage     string              `json:"stage"`
	HistoryID string              `json:"history_id"`
	Mode      string              `json:"mode"`
	Model     string              `json:"model"`
	Directive string              `json:"directive"`
	Analysis  json.RawMessage     `json:"analysis,omitempty"`
	Region    *compositing.Region `json:"region,omitempty"`
	CacheHits int                 `json:"cache_hits"`
	Image     string              `json:"image"` // data URL
	Locations []string            `json:"locations,omitempty"`
}

type errorResponse struct {
	RunID string `json:"run_id,omitempty"`
	Stage string `json:"stage,omitempty"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

func (svc *Service) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	maxUpload := safeInt64(svc.Cfg.Server.MaxUploadSize)
	if err := r.ParseMultipartForm(maxUpload); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Kind: string(pipeline.KindValidation), Error: "invalid form: " + err.Error()})
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	sub, err := parseSubmission(r.MultipartForm)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Kind: string(pipeline.KindValidation), Error: err.Error()})
		return
	}

	files, err := svc.spool(r.MultipartForm, sub.lastModified, maxUpload)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, storage.ErrTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeError(w, status, errorResponse{Kind: string(pipeline.KindValidation), Error: err.Error()})
		return
	}
	// The worker owns the files once the run is queued.
	owned := false
	defer func() {
		if !owned {
			_ = files.Cleanup()
		}
	}()

	job := sub.job
	files.Describe(&job)
	if err := svc.Validator.Validate(job); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Kind: string(pipeline.KindValidation), Error: err.Error()})
		return
	}

	run := jobs.Run{
		ID:          uuid.NewString(),
		Mode:        string(job.Mode),
		CallbackURL: sub.callbackURL,
		CreatedAt:   time.Now().UTC(),
	}
	if err := svc.Store.CreateRun(&run); err != nil {
		svc.Log.Error("persist run", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	log := svc.Log.With("run_id", run.ID, "mode", run.Mode)
	log.Info("run created", "subjects", len(files.Subjects))

	item := jobs.WorkItem{Run: run, Job: job, Files: files, Cleanup: files.Cleanup}

	prefer := strings.ToLower(strings.TrimSpace(r.Header.Get(common.HeaderPrefer)))
	if strings.Contains(prefer, common.PreferRespondAsync) {
		if err := svc.Queue.Enqueue(item); err != nil {
			msg := (&pipeline.Error{Kind: pipeline.KindServiceBusy, Err: err}).Error()
			_ = svc.Store.SaveError(run.ID, string(pipeline.KindServiceBusy), msg, time.Now().UTC())
			writeError(w, http.StatusServiceUnavailable, errorResponse{RunID: run.ID, Kind: string(pipeline.KindServiceBusy), Error: msg})
			return
		}
		owned = true
		log.Info("run enqueued")
		writeJSON(w, http.StatusAccepted, createResponse{
			RunID:     run.ID,
			StatusURL: path.Join(common.PathRuns, run.ID),
		})
		return
	}

	out, err := svc.Executor.Execute(r.Context(), item)
	if err != nil {
		kind := string(pipeline.KindOf(err))
		if kind == "" {
			kind = processor.KindStorage
		}
		log.Warn("run failed", "kind", kind, "err", err)
		writeError(w, statusForKind(kind), errorResponse{RunID: run.ID, Stage: string(pipeline.StageError), Kind: kind, Error: err.Error()})
		return
	}

	res := out.Result
	writeJSON(w, http.StatusOK, runResponse{
		RunID:     run.ID,
		Stage:     string(pipeline.StageDone),
		HistoryID: out.Entry.ID,
		Mode:      string(res.Mode),
		Model:     res.Model,
		Directive: res.Directive,
		Analysis:  res.Analysis,
		Region:    res.Region,
		CacheHits: res.CacheHits,
		Image:     out.Entry.OutputImage,
		Locations: out.Locations,
	})
}

// statusForKind maps a run failure onto an HTTP status.
func statusForKind(kind string) int {
	switch pipeline.ErrorKind(kind) {
	case pipeline.KindValidation:
		return http.StatusBadRequest
	case pipeline.KindServiceBusy:
		return http.StatusServiceUnavailable
	case pipeline.KindCollaborator, pipeline.KindComposition:
		return http.StatusBadGateway
	case pipeline.KindCanceled:
		return http.StatusGatewayTimeout
	}
	return http.StatusInternalServerError
}

func (svc *Service) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := svc.Store.GetRun(chi.URLParam(r, "id"))
	if errors.Is(err, jobs.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		svc.Log.Error("get run", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runToOut(run))
}

func runToOut(run *jobs.Run) map[string]any {
	return map[string]any{
		"run_id":          run.ID,
		"mode":            run.Mode,
		"status":          string(run.Status),
		"stage":           run.Stage,
		"message":         run.Message,
		"created_at":      run.CreatedAt,
		"started_at":      run.StartedAt,
		"completed_at":    run.CompletedAt,
		"error_kind":      run.ErrorKind,
		"error":           run.ErrorMessage,
		"history_id":      run.HistoryID,
		"output_location": run.OutputLocation,
	}
}

func (svc *Service) handleListHistory(w http.ResponseWriter, r *http.Request) {
	limit := common.DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	entries, err := svc.History.List(r.Context(), limit)
	if err != nil {
		svc.Log.Error("list history", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []history.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (svc *Service) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	e, err := svc.History.Get(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		svc.Log.Error("get history", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

func (svc *Service) handleDeleteHistory(w http.ResponseWriter, r *http.Request) {
	err := svc.History.Delete(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, history.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		svc.Log.Error("delete history", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (svc *Service) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	n, err := svc.History.Clear(r.Context())
	if err != nil {
		svc.Log.Error("clear history", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	svc.Log.Info("history cleared", "deleted", n)
	writeJSON(w, http.StatusOK, map[string]int64{"deleted": n})
}

func (svc *Service) handleClearCache(w http.ResponseWriter, r *http.Request) {
	svc.Cache.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", common.ContentTypeJSON)
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, body errorResponse) {
	writeJSON(w, status, body)
}

func safeInt64(u config.ByteSize) int64 {
	if u > config.ByteSize(math.MaxInt64) {
		return math.MaxInt64
	}
	return int64(u) // #nosec G115 - safe cast after explicit upper-bound check
}

func loggingMiddleware(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			log.Info("http",
				"method", r.Method,
				"path", r.URL.Path,
				"status", status,
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).String(),
				"request_id", middleware.GetReqID(r.Context()),
				"remote", r.RemoteAddr)
		})
	}
}
