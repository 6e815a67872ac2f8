// Package pipeline runs one composition job through analysis, masking, generation and harmonization.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jo-hoe/compositor/internal/cache"
	"github.com/jo-hoe/compositor/internal/compositing"
	"github.com/jo-hoe/compositor/internal/gateway"
	"github.com/jo-hoe/compositor/internal/llm"
)

// Stage is a named phase of one run. A run visits stages in declaration order and never repeats one.
type Stage string

const (
	StageStarting          Stage = "STARTING"
	StageAnalyzing         Stage = "ANALYZING"
	StageBuildingDirective Stage = "BUILDING_DIRECTIVE"
	StageMasking           Stage = "MASKING"
	StageGenerating        Stage = "GENERATING"
	StageHarmonizing       Stage = "HARMONIZING"
	StageDone              Stage = "DONE"
	StageError             Stage = "ERROR"
)

var stageOrder = map[Stage]int{
	StageStarting:          0,
	StageAnalyzing:         1,
	StageBuildingDirective: 2,
	StageMasking:           3,
	StageGenerating:        4,
	StageHarmonizing:       5,
	StageDone:              6,
	StageError:             7,
}

// Terminal reports whether no stage can follow s.
func (s Stage) Terminal() bool { return s == StageDone || s == StageError }

// Mode selects the composition strategy.
type Mode string

const (
	ModeCompose Mode = "compose"
	ModeInsert  Mode = "insert"
	ModeStyle   Mode = "style"
	ModeReplace Mode = "replace"
	ModeGroup   Mode = "group"
)

// Modes lists every supported mode.
var Modes = []Mode{ModeCompose, ModeInsert, ModeStyle, ModeReplace, ModeGroup}

// Resolution tiers.
const (
	ResolutionHD = "HD"
	Resolution2K = "2K"
	Resolution4K = "4K"
)

var aspectRatios = map[string]bool{"1:1": true, "16:9": true, "9:16": true, "4:3": true, "3:4": true}

// Input is one uploaded file. Name, Size and LastModified form its cache identity.
type Input struct {
	Name         string
	Size         int64
	LastModified time.Time
	MIME         string
	Data         []byte
}

func (in Input) file() cache.File {
	return cache.File{Name: in.Name, Size: in.Size, LastModified: in.LastModified}
}

func (in Input) image() llm.Image {
	return llm.Image{Name: in.Name, MIME: in.MIME, Data: in.Data}
}

// ProgressFunc is called once per stage transition.
type ProgressFunc func(stage Stage, message string)

// Job is the immutable input of one run.
type Job struct {
	Mode        Mode
	Subjects    []Input
	Scene       *Input
	Reference   *Input
	Outfit      *Input
	Instruction string
	Resolution  string
	AspectRatio string
	// Quality selects the analysis tier per unit ("identity", "scene", "style"); missing means fast.
	Quality   map[string]llm.Quality
	Region    *compositing.Region
	Harmonize bool
	Progress  ProgressFunc
}

// Result is what a successful run yields.
type Result struct {
	Image     llm.Image
	Analysis  json.RawMessage
	Directive string
	Mode      Mode
	Model     string
	Region    *compositing.Region
	CacheHits int
}

// ErrorKind classifies run failures for callers.
type ErrorKind string

const (
	KindValidation   ErrorKind = "validation"
	KindCollaborator ErrorKind = "collaborator"
	KindServiceBusy  ErrorKind = "service_busy"
	KindComposition  ErrorKind = "composition"
	KindCanceled     ErrorKind = "canceled"
)

// Error is returned by Run. Stage is empty for validation errors, which happen before any stage.
type Error struct {
	Stage Stage
	Kind  ErrorKind
	Err   error
}

func (e *Error) Error() string {
	if e.Kind == KindServiceBusy {
		return "service busy, try again later: " + e.Err.Error()
	}
	if e.Stage == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %v", e.Stage, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of a pipeline error, or "" for anything else.
func KindOf(err error) ErrorKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

func validationError(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Err: fmt.Errorf(format, args...)}
}

// classify maps a collaborator failure onto an error kind, with fallback for everything unrecognized.
func classify(err error, fallback ErrorKind) ErrorKind {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, gateway.ErrExhausted):
		return KindServiceBusy
	}
	return fallback
}
