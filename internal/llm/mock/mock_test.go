package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"testing"
	"time"

	"github.com/jo-hoe/compositor/internal/config"
	"github.com/jo-hoe/compositor/internal/llm"
)

func TestMock_AnalyzeIsDeterministic(t *testing.T) {
	c := New(config.MockSettings{})
	req := llm.AnalysisRequest{Kind: llm.AnalysisScene, Images: []llm.Image{{Data: []byte("scene")}}}

	a, err := c.Analyze(context.Background(), req)
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	b, _ := c.Analyze(context.Background(), req)
	if string(a) != string(b) {
		t.Fatalf("analysis not deterministic: %s vs %s", a, b)
	}
	summary, err := llm.ParseSceneSummary(a)
	if err != nil || summary.Region == nil || summary.Region.XMin != 0.3 {
		t.Fatalf("scene summary = %+v, %v", summary, err)
	}

	other, _ := c.Analyze(context.Background(), llm.AnalysisRequest{Kind: llm.AnalysisScene, Images: []llm.Image{{Data: []byte("other")}}})
	if string(other) == string(a) {
		t.Fatalf("different images gave identical analysis")
	}
}

func TestMock_GenerateHonorsAspectRatio(t *testing.T) {
	c := New(config.MockSettings{})
	img, err := c.Generate(context.Background(), llm.GenerateRequest{Directive: "d", AspectRatio: "16:9"})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(img.Data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 256 || b.Dy() != 144 {
		t.Fatalf("bounds = %v", b)
	}
}

func TestMock_HarmonizeKeepsSize(t *testing.T) {
	c := New(config.MockSettings{})
	gen, _ := c.Generate(context.Background(), llm.GenerateRequest{Directive: "d", AspectRatio: "3:4"})
	out, err := c.Harmonize(context.Background(), llm.HarmonizeRequest{Image: gen, Analysis: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("Harmonize: %v", err)
	}
	decoded, err := png.Decode(bytes.NewReader(out.Data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := decoded.Bounds(); b.Dx() != 192 || b.Dy() != 256 {
		t.Fatalf("bounds = %v", b)
	}
}

func TestMock_RespectsContextCancel(t *testing.T) {
	c := New(config.MockSettings{Delay: 200 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := c.Analyze(ctx, llm.AnalysisRequest{Images: []llm.Image{{Data: []byte("x")}}}); err == nil {
		t.Fatalf("expected context cancellation error")
	}
	if _, err := c.Generate(ctx, llm.GenerateRequest{}); err == nil {
		t.Fatalf("expected context cancellation error")
	}
}
