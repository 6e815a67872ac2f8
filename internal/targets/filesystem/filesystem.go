// Package filesystem writes finished images to a local directory.
package filesystem

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/jo-hoe/compositor/internal/targets"
)

// DefaultFilenameTemplate is used when the configured template is empty.
const DefaultFilenameTemplate = "{{.Timestamp}}-{{.Mode}}-{{.ID}}.png"

// Target implements targets.Target by writing files under dir.
type Target struct {
	name string
	dir  string
	tpl  *template.Template
}

// New creates a filesystem target. The template sees .ID, .Mode, .Timestamp (20060102-150405) and .Time.
func New(name, dir, filenameTemplate string) (*Target, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("dir must not be empty")
	}
	if strings.TrimSpace(filenameTemplate) == "" {
		filenameTemplate = DefaultFilenameTemplate
	}
	tpl, err := template.New("filename").Option("missingkey=error").Parse(filenameTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse filename template: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("ensure output dir: %w", err)
	}
	return &Target{name: name, dir: dir, tpl: tpl}, nil
}

func (t *Target) Name() string { return t.name }

func (t *Target) Post(ctx context.Context, req targets.TargetRequest) (targets.TargetResult, error) {
	if err := ctx.Err(); err != nil {
		return targets.TargetResult{}, err
	}
	filename, err := t.renderFilename(req)
	if err != nil {
		return targets.TargetResult{}, err
	}
	fullPath := filepath.Join(t.dir, filename)
	if rel, err := filepath.Rel(t.dir, fullPath); err != nil || strings.HasPrefix(rel, "..") {
		return targets.TargetResult{}, fmt.Errorf("filename %q escapes output dir", filename)
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return targets.TargetResult{}, fmt.Errorf("ensure dir: %w", err)
	}
	if err := os.WriteFile(fullPath, req.Image, 0o644); err != nil {
		return targets.TargetResult{}, fmt.Errorf("write file: %w", err)
	}
	return targets.TargetResult{TargetName: t.name, Location: fullPath}, nil
}

func (t *Target) renderFilename(req targets.TargetRequest) (string, error) {
	var buf bytes.Buffer
	data := map[string]any{
		"ID":        req.RunID,
		"Mode":      req.Mode,
		"Timestamp": req.Timestamp.UTC().Format("20060102-150405"),
		"Time":      req.Timestamp,
	}
	if err := t.tpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render filename: %w", err)
	}
	name := strings.TrimSpace(buf.String())
	if name == "" {
		name = fmt.Sprintf("%s-%s.png", req.Timestamp.UTC().Format("20060102-150405"), req.RunID)
	}
	return name, nil
}
