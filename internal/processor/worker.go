package processor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jo-hoe/compositor/internal/common"
	"github.com/jo-hoe/compositor/internal/config"
	"github.com/jo-hoe/compositor/internal/events"
	"github.com/jo-hoe/compositor/internal/history"
	"github.com/jo-hoe/compositor/internal/jobs"
	"github.com/jo-hoe/compositor/internal/pipeline"
	"github.com/jo-hoe/compositor/internal/targets"
)

// KindStorage marks failures persisting inputs or outputs, as opposed to pipeline failures.
const KindStorage = "storage"

// Runner executes one pipeline job.
type Runner interface {
	Run(ctx context.Context, job pipeline.Job) (*pipeline.Result, error)
}

// Worker implements jobs.Processor: it runs the pipeline and persists the outcome.
type Worker struct {
	Log      *slog.Logger
	Cfg      *config.Config
	Store    jobs.Store
	Pipeline Runner
	History  history.Store
	Targets  *targets.Registry
	Events   events.Emitter
	Client   *http.Client
}

// Ensure Worker implements jobs.Processor
var _ jobs.Processor = (*Worker)(nil)

func New(log *slog.Logger, cfg *config.Config, store jobs.Store, runner Runner, hist history.Store, regs *targets.Registry, em events.Emitter) *Worker {
	if em == nil {
		em = events.Noop{}
	}
	if regs == nil {
		regs = targets.NewRegistry()
	}
	return &Worker{
		Log:      log,
		Cfg:      cfg,
		Store:    store,
		Pipeline: runner,
		History:  hist,
		Targets:  regs,
		Events:   em,
		Client:   http.DefaultClient,
	}
}

// Outcome is what a successful run produced.
type Outcome struct {
	Result    *pipeline.Result
	Entry     *history.Entry
	Locations []string
}

func (w *Worker) Process(ctx context.Context, item jobs.WorkItem) error {
	_, err := w.Execute(ctx, item)
	return err
}

// Execute runs item to completion and records the outcome on the run record.
func (w *Worker) Execute(ctx context.Context, item jobs.WorkItem) (*Outcome, error) {
	run := item.Run
	job := item.Job
	log := w.Log.With("run_id", run.ID, "mode", job.Mode)

	if item.Files != nil {
		if err := item.Files.Fill(&job); err != nil {
			w.finishWithError(ctx, run, KindStorage, fmt.Errorf("load inputs: %w", err))
			return nil, err
		}
	}

	job.Progress = w.progress(log, run, job.Progress)

	if w.Cfg != nil && w.Cfg.Server.RunTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.Cfg.Server.RunTimeout)
		defer cancel()
	}

	res, err := w.Pipeline.Run(ctx, job)
	if err != nil {
		kind := string(pipeline.KindOf(err))
		if kind == "" {
			kind = string(pipeline.KindCollaborator)
		}
		w.finishWithError(ctx, run, kind, err)
		return nil, err
	}

	entry := w.historyEntry(run, job, res)
	if w.History != nil {
		if err := w.History.Save(ctx, entry); err != nil {
			w.finishWithError(ctx, run, KindStorage, fmt.Errorf("save history: %w", err))
			return nil, err
		}
	}

	posted, err := w.Targets.PostAll(ctx, targets.TargetRequest{
		RunID:     run.ID,
		Mode:      string(job.Mode),
		MIME:      res.Image.MIME,
		Image:     res.Image.Data,
		Timestamp: entry.Timestamp,
	})
	if err != nil {
		w.finishWithError(ctx, run, KindStorage, fmt.Errorf("target post: %w", err))
		return nil, err
	}
	out := &Outcome{Result: res, Entry: entry}
	for _, p := range posted {
		out.Locations = append(out.Locations, p.Location)
	}
	location := ""
	if len(out.Locations) > 0 {
		location = out.Locations[0]
	}

	done := time.Now().UTC()
	if err := w.Store.SaveResult(run.ID, entry.ID, location, done); err != nil {
		// The image is already in history and at every target; only the run record lags.
		log.Error("save result failed", "history_id", entry.ID, "err", err)
	}
	log.Info("run completed", "history_id", entry.ID, "location", location, "cache_hits", res.CacheHits, "model", res.Model)

	if run.CallbackURL != nil && *run.CallbackURL != "" {
		cbErr := w.sendCallbackWithRetry(ctx, *run.CallbackURL, callbackPayload{
			RunID:  run.ID,
			Status: common.StatusCompleted,
			Stage:  string(pipeline.StageDone),
			Result: &callbackResult{
				HistoryID: entry.ID,
				Location:  location,
				Mode:      string(res.Mode),
				Model:     res.Model,
			},
		})
		if cbErr != nil {
			log.Warn("callback failed after retries", "err", cbErr)
		}
	}
	return out, nil
}

// progress persists and publishes every stage, then forwards to next.
func (w *Worker) progress(log *slog.Logger, run jobs.Run, next pipeline.ProgressFunc) pipeline.ProgressFunc {
	return func(stage pipeline.Stage, msg string) {
		now := time.Now().UTC()
		// ERROR is recorded by SaveError with its kind.
		if stage != pipeline.StageError {
			var startedAt *time.Time
			if stage == pipeline.StageStarting {
				startedAt = &now
			}
			if err := w.Store.UpdateStage(run.ID, string(stage), msg, startedAt); err != nil {
				log.Warn("update stage failed", "stage", stage, "err", err)
			}
		}
		if err := w.Events.Emit(events.Event{RunID: run.ID, Mode: run.Mode, Stage: string(stage), Message: msg, Timestamp: now}); err != nil {
			log.Debug("stage event not published", "stage", stage, "err", err)
		}
		if next != nil {
			next(stage, msg)
		}
	}
}

func (w *Worker) historyEntry(run jobs.Run, job pipeline.Job, res *pipeline.Result) *history.Entry {
	toFile := func(in pipeline.Input) history.File {
		return history.File{Name: in.Name, MIME: in.MIME, Size: in.Size, LastModified: in.LastModified, Data: in.Data}
	}
	optional := func(in *pipeline.Input) *history.File {
		if in == nil {
			return nil
		}
		f := toFile(*in)
		return &f
	}
	inputs := history.Inputs{
		Scene:       optional(job.Scene),
		Reference:   optional(job.Reference),
		Outfit:      optional(job.Outfit),
		Instruction: job.Instruction,
		Resolution:  job.Resolution,
		AspectRatio: job.AspectRatio,
		Harmonize:   job.Harmonize,
	}
	for _, s := range job.Subjects {
		inputs.Subjects = append(inputs.Subjects, toFile(s))
	}
	if len(job.Quality) > 0 {
		inputs.Quality = make(map[string]string, len(job.Quality))
		for k, v := range job.Quality {
			inputs.Quality[k] = string(v)
		}
	}

	var settings history.Settings
	if w.Cfg != nil {
		settings.Provider = w.Cfg.LLM.Provider
		settings.Rounding = w.Cfg.Compositing.Rounding
		if w.Cfg.Compositing.Padding != nil {
			settings.Padding = *w.Cfg.Compositing.Padding
		}
	}
	return &history.Entry{
		ID:          uuid.NewString(),
		Timestamp:   time.Now().UTC(),
		OutputImage: history.DataURL(res.Image.MIME, res.Image.Data),
		Inputs:      inputs,
		Blueprint: history.Blueprint{
			Mode:      string(res.Mode),
			Model:     res.Model,
			Directive: res.Directive,
			Analysis:  res.Analysis,
			Region:    res.Region,
			Settings:  settings,
		},
	}
}

func (w *Worker) finishWithError(ctx context.Context, run jobs.Run, kind string, err error) {
	done := time.Now().UTC()
	if saveErr := w.Store.SaveError(run.ID, kind, err.Error(), done); saveErr != nil {
		w.Log.Error("save error failed", "run_id", run.ID, "err", saveErr)
	}
	if run.CallbackURL == nil || *run.CallbackURL == "" {
		return
	}
	msg := err.Error()
	cbErr := w.sendCallbackWithRetry(context.WithoutCancel(ctx), *run.CallbackURL, callbackPayload{
		RunID:     run.ID,
		Status:    common.StatusFailed,
		Stage:     string(pipeline.StageError),
		ErrorKind: kind,
		Error:     &msg,
	})
	if cbErr != nil {
		w.Log.Warn("callback failed after retries", "run_id", run.ID, "err", cbErr)
	}
}

type callbackPayload struct {
	RunID     string          `json:"run_id"`
	Status    string          `json:"status"` // completed|failed
	Stage     string          `json:"stage"`
	ErrorKind string          `json:"error_kind,omitempty"`
	Error     *string         `json:"error,omitempty"`
	Result    *callbackResult `json:"result,omitempty"`
}

type callbackResult struct {
	HistoryID string `json:"history_id"`
	Location  string `json:"location,omitempty"`
	Mode      string `json:"mode"`
	Model     string `json:"model"`
}

func (w *Worker) sendCallbackWithRetry(ctx context.Context, url string, payload callbackPayload) error {
	max, backoff := 3, 2*time.Second
	if w.Cfg != nil {
		if w.Cfg.Server.CallbackRetries > 0 {
			max = w.Cfg.Server.CallbackRetries
		}
		if w.Cfg.Server.CallbackBackoff > 0 {
			backoff = w.Cfg.Server.CallbackBackoff
		}
	}

	var lastErr error
	for attempt := 1; attempt <= max; attempt++ {
		if err := w.postJSON(ctx, url, payload); err != nil {
			lastErr = err
			if errors.Is(ctx.Err(), context.Canceled) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return err
			}
			if attempt < max {
				time.Sleep(time.Duration(attempt) * backoff)
			}
			continue
		}
		return nil
	}
	return lastErr
}

func (w *Worker) postJSON(ctx context.Context, url string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}
