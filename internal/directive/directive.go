// Package directive assembles the instruction text sent to the generator.
package directive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/jo-hoe/compositor/internal/llm"
)

// Input is everything the builder may use.
type Input struct {
	Mode        string
	Instruction string
	AspectRatio string
	Resolution  string
	Analysis    json.RawMessage
	Scene       *llm.SceneSummary
	Masked      bool
}

// Builder turns an Input into directive text. Implementations must be pure.
type Builder interface {
	Build(in Input) string
}

// BuilderFunc adapts a function to Builder.
type BuilderFunc func(in Input) string

func (f BuilderFunc) Build(in Input) string { return f(in) }

var preambles = map[string]string{
	"compose": "Create a photorealistic photograph of the subject shown in the reference images.",
	"insert":  "Insert the subject from the reference images into the provided scene canvas.",
	"style":   "Create a photorealistic photograph of the subject using the style notes below.",
	"replace": "Replace the person in the provided scene canvas with the subject from the reference images.",
	"group":   "Add the subject from the reference images to the group shown in the scene canvas.",
}

// Template is the default line-oriented builder.
type Template struct{}

func (Template) Build(in Input) string {
	var lines []string
	if p, ok := preambles[in.Mode]; ok {
		lines = append(lines, p)
	}
	if s := strings.TrimSpace(in.Instruction); s != "" {
		lines = append(lines, "Instruction: "+s)
	}
	if in.Scene != nil {
		if in.Scene.Lighting != "" {
			lines = append(lines, "Match lighting: "+in.Scene.Lighting)
		}
		if in.Scene.ShadowQuality != "" {
			lines = append(lines, "Match shadows: "+in.Scene.ShadowQuality)
		}
	}
	if len(in.Analysis) > 0 {
		lines = append(lines, "Analysis: "+compact(in.Analysis))
	}
	if in.Masked {
		lines = append(lines, "Only repaint the blacked-out area marked white in the mask. Every other pixel is immutable.")
	}
	if in.AspectRatio != "" {
		lines = append(lines, fmt.Sprintf("Aspect ratio: %s", in.AspectRatio))
	}
	if in.Resolution != "" {
		lines = append(lines, fmt.Sprintf("Resolution: %s", in.Resolution))
	}
	return strings.Join(lines, "\n")
}

func compact(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}
