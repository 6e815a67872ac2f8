package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jo-hoe/compositor/internal/cache"
	"github.com/jo-hoe/compositor/internal/common"
	"github.com/jo-hoe/compositor/internal/config"
	"github.com/jo-hoe/compositor/internal/gateway"
	"github.com/jo-hoe/compositor/internal/history"
	"github.com/jo-hoe/compositor/internal/jobs"
	"github.com/jo-hoe/compositor/internal/llm/mock"
	"github.com/jo-hoe/compositor/internal/pipeline"
	"github.com/jo-hoe/compositor/internal/processor"
	"github.com/jo-hoe/compositor/internal/storage"
)

type memStore struct {
	mu   sync.Mutex
	data map[string]*jobs.Run
}

func newMemStore() *memStore {
	return &memStore{data: make(map[string]*jobs.Run)}
}

func (s *memStore) CreateRun(run *jobs.Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.Status == "" {
		run.Status, run.Stage = jobs.StatusQueued, jobs.StageQueued
	}
	cpy := *run
	s.data[run.ID] = &cpy
	return nil
}

func (s *memStore) UpdateStage(id string, stage, message string, startedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.data[id]; ok {
		r.Stage, r.Message, r.Status = stage, message, jobs.StatusRunning
		if startedAt != nil {
			st := *startedAt
			r.StartedAt = &st
		}
	}
	return nil
}

func (s *memStore) SaveResult(id string, historyID, location string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.data[id]; ok {
		r.Stage, r.Status = "DONE", jobs.StatusCompleted
		h, l, ct := historyID, location, completedAt
		r.HistoryID, r.OutputLocation, r.CompletedAt = &h, &l, &ct
	}
	return nil
}

func (s *memStore) SaveError(id string, kind, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.data[id]; ok {
		r.Stage, r.Status = "ERROR", jobs.StatusFailed
		k, e, ct := kind, errMsg, completedAt
		r.ErrorKind, r.ErrorMessage, r.CompletedAt = &k, &e, &ct
	}
	return nil
}

func (s *memStore) GetRun(id string) (*jobs.Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.data[id]; ok {
		c := *r
		return &c, nil
	}
	return nil, jobs.ErrNotFound
}

func (s *memStore) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *memStore) Close() error { return nil }

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

type stack struct {
	svc     *Service
	store   *memStore
	backend *cache.MemoryBackend
	queue   *jobs.Queue
	handler http.Handler
}

func newStack(t *testing.T, apiKey string) *stack {
	t.Helper()
	tmp := t.TempDir()
	cfg := &config.Config{
		Server: config.ServerConfig{
			Addr:            ":0",
			MaxUploadSize:   config.ByteSize(10 * 1024 * 1024),
			StorageDir:      tmp,
			APIKey:          apiKey,
			CallbackRetries: 1,
			CallbackBackoff: 10 * time.Millisecond,
		},
		LLM: config.LLMConfig{Provider: "mock"},
	}
	backend := cache.NewMemoryBackend()
	c := cache.New(backend)
	m := mock.New(config.MockSettings{})
	orch, err := pipeline.New(pipeline.Deps{Cache: c, Analyzer: m, Generator: m, Harmonizer: m, Models: pipeline.ModelTiers{Fast: "fast", Quality: "quality"}})
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	hist, err := history.NewSQLiteStore(filepath.Join(tmp, "history.db"))
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	t.Cleanup(func() { _ = hist.Close() })

	store := newMemStore()
	worker := processor.New(discardLogger(), cfg, store, orch, hist, nil, nil)
	queue := jobs.NewQueue(discardLogger(), 4, 1)
	if err := queue.Start(context.Background(), worker); err != nil {
		t.Fatalf("queue start: %v", err)
	}
	t.Cleanup(func() { queue.Shutdown(2 * time.Second) })

	svc := &Service{
		Log:       discardLogger(),
		Cfg:       cfg,
		Store:     store,
		Queue:     queue,
		Uploader:  storage.NewUploader(tmp),
		Executor:  worker,
		Validator: orch,
		History:   hist,
		Cache:     c,
	}
	return &stack{svc: svc, store: store, backend: backend, queue: queue, handler: NewHTTPServer(svc).Handler}
}

func (s *stack) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

type part struct {
	field    string
	filename string
	data     []byte
}

func multipartBody(t *testing.T, fields map[string]string, files ...part) (string, *bytes.Buffer) {
	t.Helper()
	var b bytes.Buffer
	w := multipart.NewWriter(&b)
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	for _, p := range files {
		fw, err := w.CreateFormFile(p.field, p.filename)
		if err != nil {
			t.Fatalf("CreateFormFile: %v", err)
		}
		if _, err := fw.Write(p.data); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	return w.FormDataContentType(), &b
}

func scenePNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 50, 40))
	for y := 0; y < 40; y++ {
		for x := 0; x < 50; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 5), G: uint8(y * 6), B: 120, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func insertRequest(t *testing.T, extra map[string]string) *http.Request {
	fields := map[string]string{common.FieldMode: "insert", common.FieldLastModified: `{"me.png": 1700000000000}`}
	for k, v := range extra {
		fields[k] = v
	}
	ct, body := multipartBody(t, fields,
		part{common.FieldSubject, "me.png", []byte("subject-bytes")},
		part{common.FieldScene, "room.png", scenePNG(t)},
	)
	req := httptest.NewRequest(http.MethodPost, common.PathRuns, body)
	req.Header.Set("Content-Type", ct)
	return req
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("json: %v (%s)", err, rec.Body.String())
	}
	return out
}

func TestHealthz(t *testing.T) {
	s := newStack(t, "secret")
	rec := s.do(httptest.NewRequest(http.MethodGet, common.PathHealthz, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("healthz status %d", rec.Code)
	}
	body := decode(t, rec)
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
	q, ok := body["queue"].(map[string]any)
	if !ok || q["workers"] != float64(1) {
		t.Fatalf("queue stats missing: %v", body)
	}
}

func TestAPIKeyEnforced(t *testing.T) {
	s := newStack(t, "secret")
	rec := s.do(httptest.NewRequest(http.MethodGet, common.PathHistory, nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	req := httptest.NewRequest(http.MethodGet, common.PathHistory, nil)
	req.Header.Set(common.HeaderAPIKey, "secret")
	if rec := s.do(req); rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with key, got %d", rec.Code)
	}
}

func TestCreateRun_SynchronousThenHistoryRoundTrip(t *testing.T) {
	s := newStack(t, "")
	rec := s.do(insertRequest(t, map[string]string{common.FieldHarmonize: "true", common.FieldAspectRatio: "16:9"}))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	if resp["stage"] != "DONE" || resp["mode"] != "insert" || resp["model"] != "fast" {
		t.Fatalf("unexpected response: %v", resp)
	}
	if img, _ := resp["image"].(string); !strings.HasPrefix(img, "data:image/png;base64,") {
		t.Fatalf("image is not a data url")
	}
	if _, ok := resp["region"].(map[string]any); !ok {
		t.Fatalf("region missing: %v", resp["region"])
	}

	runID := resp["run_id"].(string)
	rec = s.do(httptest.NewRequest(http.MethodGet, common.PathRuns+"/"+runID, nil))
	run := decode(t, rec)
	if run["status"] != "completed" || run["history_id"] != resp["history_id"] {
		t.Fatalf("run record: %v", run)
	}

	histID := resp["history_id"].(string)
	rec = s.do(httptest.NewRequest(http.MethodGet, common.PathHistory+"/"+histID, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("history get: %d", rec.Code)
	}
	entry := decode(t, rec)
	inputs := entry["inputs"].(map[string]any)
	if inputs["aspect_ratio"] != "16:9" || inputs["harmonize"] != true {
		t.Fatalf("inputs: %v", inputs)
	}
	subjects := inputs["subjects"].([]any)
	if lm := subjects[0].(map[string]any)["last_modified"]; lm != time.UnixMilli(1700000000000).UTC().Format(time.RFC3339) {
		t.Fatalf("last_modified = %v", lm)
	}

	rec = s.do(httptest.NewRequest(http.MethodGet, common.PathHistory+"?limit=10", nil))
	if list := decode(t, rec)["entries"].([]any); len(list) != 1 {
		t.Fatalf("history list: %v", list)
	}
	if rec := s.do(httptest.NewRequest(http.MethodDelete, common.PathHistory+"/"+histID, nil)); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := s.do(httptest.NewRequest(http.MethodGet, common.PathHistory+"/"+histID, nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("get after delete: %d", rec.Code)
	}
	if rec := s.do(httptest.NewRequest(http.MethodGet, common.PathHistory+"?limit=x", nil)); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad limit: %d", rec.Code)
	}
}

func TestCreateRun_SecondIdenticalRunHitsCache(t *testing.T) {
	s := newStack(t, "")
	first := decode(t, s.do(insertRequest(t, nil)))
	second := decode(t, s.do(insertRequest(t, nil)))
	if first["cache_hits"].(float64) != 0 || second["cache_hits"].(float64) != 2 {
		t.Fatalf("cache hits = %v then %v", first["cache_hits"], second["cache_hits"])
	}

	if rec := s.do(httptest.NewRequest(http.MethodDelete, common.PathCache, nil)); rec.Code != http.StatusNoContent {
		t.Fatalf("clear cache: %d", rec.Code)
	}
	if s.backend.Len() != 0 {
		t.Fatalf("cache not cleared")
	}
	rec := s.do(httptest.NewRequest(http.MethodDelete, common.PathHistory, nil))
	if got := decode(t, rec)["deleted"]; got != float64(2) {
		t.Fatalf("cleared %v entries", got)
	}
}

func TestCreateRun_AsynchronousThenPoll(t *testing.T) {
	s := newStack(t, "")
	req := insertRequest(t, nil)
	req.Header.Set(common.HeaderPrefer, common.PreferRespondAsync)
	rec := s.do(req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	resp := decode(t, rec)
	su, _ := resp["status_url"].(string)
	if !strings.HasPrefix(su, common.PathRuns+"/") {
		t.Fatalf("status_url invalid: %v", resp["status_url"])
	}

	deadline := time.Now().Add(5 * time.Second)
	var run map[string]any
	for time.Now().Before(deadline) {
		run = decode(t, s.do(httptest.NewRequest(http.MethodGet, su, nil)))
		if run["status"] == "completed" || run["status"] == "failed" {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if run["status"] != "completed" || run["stage"] != "DONE" {
		t.Fatalf("async run did not complete: %v", run)
	}
	if run["started_at"] == nil || run["history_id"] == nil {
		t.Fatalf("run fields missing: %v", run)
	}
	entries, _ := filepath.Glob(filepath.Join(s.svc.Cfg.Server.StorageDir, common.UploadsDirName, "*"))
	for time.Now().Before(deadline) && len(entries) > 0 {
		time.Sleep(10 * time.Millisecond)
		entries, _ = filepath.Glob(filepath.Join(s.svc.Cfg.Server.StorageDir, common.UploadsDirName, "*"))
	}
	if len(entries) != 0 {
		t.Fatalf("spooled uploads not cleaned: %v", entries)
	}
}

func TestCreateRun_ValidationErrors(t *testing.T) {
	s := newStack(t, "")
	cases := map[string]func() *http.Request{
		"missing scene": func() *http.Request {
			ct, body := multipartBody(t, map[string]string{common.FieldMode: "insert"}, part{common.FieldSubject, "me.png", []byte("x")})
			req := httptest.NewRequest(http.MethodPost, common.PathRuns, body)
			req.Header.Set("Content-Type", ct)
			return req
		},
		"unknown mode": func() *http.Request {
			ct, body := multipartBody(t, map[string]string{common.FieldMode: "collage"}, part{common.FieldSubject, "me.png", []byte("x")})
			req := httptest.NewRequest(http.MethodPost, common.PathRuns, body)
			req.Header.Set("Content-Type", ct)
			return req
		},
		"bad region json": func() *http.Request { return insertRequest(t, map[string]string{common.FieldRegion: "{"}) },
		"bad harmonize":   func() *http.Request { return insertRequest(t, map[string]string{common.FieldHarmonize: "maybe"}) },
		"bad quality":     func() *http.Request { return insertRequest(t, map[string]string{common.FieldQuality: `{"scene":"ultra"}`}) },
		"bad callback":    func() *http.Request { return insertRequest(t, map[string]string{common.FieldCallbackURL: "not a url"}) },
		"text upload": func() *http.Request {
			ct, body := multipartBody(t, map[string]string{common.FieldMode: "compose"}, part{common.FieldSubject, "notes.txt", []byte("x")})
			req := httptest.NewRequest(http.MethodPost, common.PathRuns, body)
			req.Header.Set("Content-Type", ct)
			return req
		},
		"not multipart": func() *http.Request {
			return httptest.NewRequest(http.MethodPost, common.PathRuns, strings.NewReader("{}"))
		},
	}
	for name, mk := range cases {
		t.Run(name, func(t *testing.T) {
			rec := s.do(mk())
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
			}
		})
	}
	if n := s.store.count(); n != 0 {
		t.Fatalf("invalid submissions created %d runs", n)
	}
}

type failingExecutor struct{ err error }

func (f failingExecutor) Execute(ctx context.Context, item jobs.WorkItem) (*processor.Outcome, error) {
	return nil, f.err
}

func TestCreateRun_ErrorKindsMapToStatus(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
		text string
	}{
		{"exhausted", &pipeline.Error{Stage: pipeline.StageGenerating, Kind: pipeline.KindServiceBusy, Err: &gateway.ExhaustedError{Attempts: 3, Last: errors.New("429")}}, http.StatusServiceUnavailable, "service busy, try again later"},
		{"collaborator", &pipeline.Error{Stage: pipeline.StageAnalyzing, Kind: pipeline.KindCollaborator, Err: fmt.Errorf("%w: bad image", gateway.ErrRejected)}, http.StatusBadGateway, "bad image"},
		{"composition", &pipeline.Error{Stage: pipeline.StageMasking, Kind: pipeline.KindComposition, Err: errors.New("decode")}, http.StatusBadGateway, "decode"},
		{"storage", errors.New("disk full"), http.StatusInternalServerError, "disk full"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			s := newStack(t, "")
			s.svc.Executor = failingExecutor{err: tc.err}
			rec := s.do(insertRequest(t, nil))
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
			body := decode(t, rec)
			if msg, _ := body["error"].(string); !strings.Contains(msg, tc.text) || body["stage"] != "ERROR" {
				t.Fatalf("body = %v", body)
			}
		})
	}
}

type blockingProcessor struct{ release chan struct{} }

func (b blockingProcessor) Process(ctx context.Context, item jobs.WorkItem) error {
	select {
	case <-b.release:
	case <-ctx.Done():
	}
	return nil
}

func TestCreateRun_QueueFullIsServiceBusy(t *testing.T) {
	s := newStack(t, "")
	q := jobs.NewQueue(discardLogger(), 1, 1)
	release := make(chan struct{})
	if err := q.Start(context.Background(), blockingProcessor{release: release}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer q.Shutdown(time.Second)
	defer close(release)
	s.svc.Queue = q

	// One run in the worker and one in the buffer at most; the third cannot fit.
	busy := 0
	var codes []int
	for i := 0; i < 3; i++ {
		req := insertRequest(t, nil)
		req.Header.Set(common.HeaderPrefer, common.PreferRespondAsync)
		rec := s.do(req)
		codes = append(codes, rec.Code)
		if rec.Code == http.StatusServiceUnavailable {
			busy++
			body := decode(t, rec)
			if body["kind"] != "service_busy" || !strings.Contains(body["error"].(string), "service busy, try again later") {
				t.Fatalf("busy body = %v", body)
			}
			run, err := s.store.GetRun(body["run_id"].(string))
			if err != nil || run.Status != jobs.StatusFailed {
				t.Fatalf("rejected run not marked failed: %+v %v", run, err)
			}
		}
	}
	if busy == 0 {
		t.Fatalf("expected an overflowing submission to get 503, got %v", codes)
	}
}

func TestGetRun_NotFound(t *testing.T) {
	s := newStack(t, "")
	if rec := s.do(httptest.NewRequest(http.MethodGet, common.PathRuns+"/missing", nil)); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
