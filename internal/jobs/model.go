package jobs

import (
	"errors"
	"time"

	"github.com/jo-hoe/compositor/internal/pipeline"
	"github.com/jo-hoe/compositor/internal/storage"
)

// Status is the coarse lifecycle of a run record. Stage carries the fine-grained pipeline stage.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StageQueued is recorded before the pipeline reports STARTING.
const StageQueued = "QUEUED"

// ErrNotFound is returned by GetRun for unknown ids.
var ErrNotFound = errors.New("run not found")

// Run is the persisted record of one pipeline execution.
type Run struct {
	ID             string     // UUIDv4
	Mode           string     // pipeline mode
	Status         Status     // coarse lifecycle
	Stage          string     // last reported pipeline stage
	Message        string     // last stage message
	CallbackURL    *string    // optional callback
	ErrorKind      *string    // pipeline error kind on failure
	ErrorMessage   *string    // last error, if any
	HistoryID      *string    // history entry written on success
	OutputLocation *string    // where the target wrote the image
	CreatedAt      time.Time  // creation time
	StartedAt      *time.Time // when processing actually started
	CompletedAt    *time.Time // when finished (success or failure)
}

// Store defines persistence for runs and their lifecycle.
type Store interface {
	CreateRun(run *Run) error
	UpdateStage(id string, stage, message string, startedAt *time.Time) error
	SaveResult(id string, historyID, location string, completedAt time.Time) error
	SaveError(id string, kind, errMsg string, completedAt time.Time) error
	GetRun(id string) (*Run, error)
	Close() error
}

// WorkItem is a queued run. Job carries options; its inputs are read from Files just before processing.
type WorkItem struct {
	Run     Run
	Job     pipeline.Job
	Files   *storage.Bundle
	Cleanup func() error
}
