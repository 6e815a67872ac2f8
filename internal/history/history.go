// Package history persists finished runs so they can be listed, inspected and replayed.
package history

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jo-hoe/compositor/internal/compositing"
)

// ErrNotFound is returned when no entry has the requested id.
var ErrNotFound = errors.New("history entry not found")

// File is an input image stored with its identity metadata.
type File struct {
	Name         string    `json:"name"`
	MIME         string    `json:"mime"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified"`
	Data         []byte    `json:"data"`
}

// Inputs are the files and options a run was submitted with.
type Inputs struct {
	Subjects    []File            `json:"subjects"`
	Scene       *File             `json:"scene,omitempty"`
	Reference   *File             `json:"reference,omitempty"`
	Outfit      *File             `json:"outfit,omitempty"`
	Instruction string            `json:"instruction,omitempty"`
	Resolution  string            `json:"resolution"`
	AspectRatio string            `json:"aspect_ratio"`
	Harmonize   bool              `json:"harmonize"`
	Quality     map[string]string `json:"quality,omitempty"`
}

// Settings snapshots the configuration that shaped a run.
type Settings struct {
	Provider string  `json:"provider"`
	Padding  float64 `json:"padding"`
	Rounding string  `json:"rounding"`
}

// Blueprint captures how the output was produced.
type Blueprint struct {
	Mode      string              `json:"mode"`
	Model     string              `json:"model"`
	Directive string              `json:"directive"`
	Analysis  json.RawMessage     `json:"analysis,omitempty"`
	Region    *compositing.Region `json:"region,omitempty"`
	Settings  Settings            `json:"settings"`
}

// Entry is one persisted run.
type Entry struct {
	ID          string    `json:"id"`
	Timestamp   time.Time `json:"timestamp"`
	OutputImage string    `json:"output_image"` // data URL
	Inputs      Inputs    `json:"inputs"`
	Blueprint   Blueprint `json:"blueprint"`
}

// Store persists history entries. List returns newest first.
type Store interface {
	Save(ctx context.Context, e *Entry) error
	List(ctx context.Context, limit int) ([]Entry, error)
	Get(ctx context.Context, id string) (*Entry, error)
	Delete(ctx context.Context, id string) error
	Clear(ctx context.Context) (int64, error)
	Close() error
}

// DataURL encodes an image as a base64 data URL.
func DataURL(mime string, data []byte) string {
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data)
}

// DecodeDataURL splits a base64 data URL into its MIME type and bytes.
func DecodeDataURL(s string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return "", nil, errors.New("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return "", nil, errors.New("data url has no payload")
	}
	mime, ok := strings.CutSuffix(meta, ";base64")
	if !ok {
		return "", nil, errors.New("data url is not base64")
	}
	b, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("decode data url: %w", err)
	}
	return mime, b, nil
}

func validate(e *Entry) error {
	if e == nil {
		return errors.New("entry is nil")
	}
	if e.ID == "" {
		return errors.New("entry.ID is required")
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return nil
}

func encodeParts(e *Entry) ([]byte, []byte, error) {
	inputs, err := json.Marshal(e.Inputs)
	if err != nil {
		return nil, nil, fmt.Errorf("encode inputs: %w", err)
	}
	bp, err := json.Marshal(e.Blueprint)
	if err != nil {
		return nil, nil, fmt.Errorf("encode blueprint: %w", err)
	}
	return inputs, bp, nil
}

func decodeParts(e *Entry, ms int64, inputs, bp []byte) error {
	e.Timestamp = time.UnixMilli(ms).UTC()
	if err := json.Unmarshal(inputs, &e.Inputs); err != nil {
		return fmt.Errorf("decode inputs: %w", err)
	}
	if err := json.Unmarshal(bp, &e.Blueprint); err != nil {
		return fmt.Errorf("decode blueprint: %w", err)
	}
	return nil
}
