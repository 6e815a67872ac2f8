// Package llm defines the contracts of the external AI collaborators used by the pipeline.
package llm

import (
	"context"
	"encoding/json"
)

// AnalysisKind selects what an analysis call extracts.
type AnalysisKind string

const (
	AnalysisIdentity AnalysisKind = "identity"
	AnalysisScene    AnalysisKind = "scene"
	AnalysisStyle    AnalysisKind = "style"
)

// Quality selects the analysis model tier.
type Quality string

const (
	QualityFast Quality = "fast"
	QualityPro  Quality = "pro"
)

// ParseQuality maps an empty value to QualityFast.
func ParseQuality(s string) (Quality, bool) {
	switch Quality(s) {
	case "", QualityFast:
		return QualityFast, true
	case QualityPro:
		return QualityPro, true
	}
	return "", false
}

// Image is an encoded raster with its MIME type.
type Image struct {
	Name string
	MIME string
	Data []byte
}

// AnalysisRequest asks for structured metadata about one or more images.
type AnalysisRequest struct {
	Kind    AnalysisKind
	Images  []Image
	Quality Quality
	Hints   string
}

// GenerateRequest asks for a synthesized image. Composite and Mask are set together for inpainting.
type GenerateRequest struct {
	Directive   string
	References  []Image
	Composite   *Image
	Mask        *Image
	Model       string
	Resolution  string
	AspectRatio string
}

// HarmonizeRequest asks for a color and light re-grade of a generated image.
type HarmonizeRequest struct {
	Image    Image
	Analysis json.RawMessage
	Model    string
}

// Analyzer returns JSON metadata. It must be idempotent for identical image bytes.
type Analyzer interface {
	Analyze(ctx context.Context, req AnalysisRequest) (json.RawMessage, error)
}

// Generator synthesizes an image. With a mask only the white area may be repainted.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Image, error)
}

// Harmonizer re-grades a generated image against the analysis.
type Harmonizer interface {
	Harmonize(ctx context.Context, req HarmonizeRequest) (Image, error)
}

// Collaborators bundles the three contracts, as implemented by one provider.
type Collaborators interface {
	Analyzer
	Generator
	Harmonizer
}

// Region mirrors the normalized placement box returned by scene analysis.
type Region struct {
	XMin float64 `json:"x_min"`
	YMin float64 `json:"y_min"`
	XMax float64 `json:"x_max"`
	YMax float64 `json:"y_max"`
}

// SceneSummary is the part of a scene analysis the pipeline reads itself.
type SceneSummary struct {
	Region        *Region `json:"region,omitempty"`
	ShadowQuality string  `json:"shadow_quality,omitempty"`
	Lighting      string  `json:"lighting,omitempty"`
}

// ParseSceneSummary extracts the summary fields and ignores the rest.
func ParseSceneSummary(raw json.RawMessage) (SceneSummary, error) {
	var s SceneSummary
	if len(raw) == 0 {
		return s, nil
	}
	err := json.Unmarshal(raw, &s)
	return s, err
}
