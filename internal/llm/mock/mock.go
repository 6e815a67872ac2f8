// Package mock provides deterministic offline collaborators.
package mock

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"strconv"
	"strings"
	"time"

	"github.com/jo-hoe/compositor/internal/common"
	"github.com/jo-hoe/compositor/internal/config"
	"github.com/jo-hoe/compositor/internal/llm"
)

var _ llm.Collaborators = (*Client)(nil)

// renderBase is the long edge of synthetic images.
const renderBase = 256

// Client answers every call locally after an optional delay.
type Client struct {
	delay time.Duration
}

// New creates a new mock collaborator.
func New(cfg config.MockSettings) *Client {
	return &Client{delay: cfg.Delay}
}

func (c *Client) wait(ctx context.Context) error {
	if c.delay <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(c.delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Analyze returns JSON derived from the image bytes, so equal input gives equal output.
func (c *Client) Analyze(ctx context.Context, req llm.AnalysisRequest) (json.RawMessage, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	if len(req.Images) == 0 {
		return nil, fmt.Errorf("mock: analysis needs at least one image")
	}
	parts := []any{req.Kind, req.Quality}
	for _, img := range req.Images {
		parts = append(parts, string(img.Data))
	}
	seed := deterministicSeed(parts...)

	var out any
	switch req.Kind {
	case llm.AnalysisScene:
		out = map[string]any{
			"region":         llm.Region{XMin: 0.3, YMin: 0.2, XMax: 0.7, YMax: 0.8},
			"shadow_quality": "soft",
			"lighting":       "diffuse daylight",
			"seed":           seed,
		}
	case llm.AnalysisStyle:
		out = map[string]any{
			"lighting": "warm rim light",
			"grading":  "teal and orange",
			"lens":     "85mm",
			"seed":     seed,
		}
	default:
		out = map[string]any{
			"subjects": len(req.Images),
			"quality":  req.Quality,
			"seed":     seed,
		}
	}
	return json.Marshal(out)
}

// Generate renders a striped PNG seeded by the directive and inputs.
func (c *Client) Generate(ctx context.Context, req llm.GenerateRequest) (llm.Image, error) {
	if err := c.wait(ctx); err != nil {
		return llm.Image{}, err
	}
	parts := []any{req.Directive, req.Model, req.Resolution, req.AspectRatio, len(req.References)}
	if req.Composite != nil {
		parts = append(parts, len(req.Composite.Data))
	}
	seed := deterministicSeed(parts...)
	w, h := dimensions(req.AspectRatio)
	data, err := renderSyntheticImage(w, h, seed)
	if err != nil {
		return llm.Image{}, err
	}
	return llm.Image{MIME: common.MimeImagePNG, Data: data}, nil
}

// Harmonize re-renders the image with a seed derived from the input image and analysis.
func (c *Client) Harmonize(ctx context.Context, req llm.HarmonizeRequest) (llm.Image, error) {
	if err := c.wait(ctx); err != nil {
		return llm.Image{}, err
	}
	w, h := renderBase, renderBase
	if cfg, _, err := image.DecodeConfig(bytes.NewReader(req.Image.Data)); err == nil {
		w, h = cfg.Width, cfg.Height
	}
	data, err := renderSyntheticImage(w, h, deterministicSeed("harmonize", string(req.Image.Data), string(req.Analysis)))
	if err != nil {
		return llm.Image{}, err
	}
	return llm.Image{MIME: common.MimeImagePNG, Data: data}, nil
}

func renderSyntheticImage(width, height int, seed string) ([]byte, error) {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{C: colorFromSeed(seed, 0)}, image.Point{}, draw.Src)

	accent := &image.Uniform{C: colorFromSeed(seed, 1)}
	stripe := max(8, height/12)
	for y := 0; y < height; y += stripe * 2 {
		draw.Draw(img, image.Rect(0, y, width, min(height, y+stripe)), accent, image.Point{}, draw.Src)
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode synthetic image: %w", err)
	}
	return buf.Bytes(), nil
}

func colorFromSeed(seed string, shift int) color.RGBA {
	doubled := seed + seed
	start := (shift * 6) % len(seed)
	segment := doubled[start : start+6]
	r, _ := strconv.ParseUint(segment[0:2], 16, 8)
	g, _ := strconv.ParseUint(segment[2:4], 16, 8)
	b, _ := strconv.ParseUint(segment[4:6], 16, 8)
	return color.RGBA{R: uint8(r), G: uint8(g), B: uint8(b), A: 255}
}

func deterministicSeed(parts ...any) string {
	hasher := sha256.New()
	for _, part := range parts {
		_, _ = fmt.Fprintf(hasher, "%v|", part)
	}
	return hex.EncodeToString(hasher.Sum(nil))[:16]
}

func dimensions(aspect string) (int, int) {
	a, b, ok := strings.Cut(strings.TrimSpace(aspect), ":")
	if !ok {
		return renderBase, renderBase
	}
	x, errX := strconv.Atoi(a)
	y, errY := strconv.Atoi(b)
	if errX != nil || errY != nil || x <= 0 || y <= 0 {
		return renderBase, renderBase
	}
	if x >= y {
		return renderBase, renderBase * y / x
	}
	return renderBase * x / y, renderBase
}
