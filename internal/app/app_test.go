package app

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/jo-hoe/compositor/internal/compositing"
	"github.com/jo-hoe/compositor/internal/config"
	"github.com/jo-hoe/compositor/internal/events"
	"github.com/jo-hoe/compositor/internal/llm/gemini"
	"github.com/jo-hoe/compositor/internal/llm/mock"
	"github.com/jo-hoe/compositor/internal/pipeline"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func parse(t *testing.T, body string) *config.Config {
	t.Helper()
	dir := strings.ReplaceAll(t.TempDir(), `\`, `\\`)
	cfg, err := config.Parse([]byte("server:\n  storageDir: \"" + dir + "\"\n" + body))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return cfg
}

func TestNewLogger_Levels(t *testing.T) {
	var buf bytes.Buffer
	log := NewLogger(&buf, "warn")
	log.Info("hidden")
	log.Warn("shown")
	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output: %q", out)
	}

	buf.Reset()
	NewLogger(&buf, "").Debug("dropped")
	if buf.Len() != 0 {
		t.Fatalf("default level should be info, got %q", buf.String())
	}
}

func TestBuild_MockRunsEndToEnd(t *testing.T) {
	cfg := parse(t, "cache:\n  driver: memory\nllm:\n  provider: mock\n")
	ctx := context.Background()
	c, err := Build(ctx, cfg, discard())
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	defer c.Close()

	data := []byte("subject")
	res, err := c.Orchestrator.Run(ctx, pipeline.Job{
		Mode:        pipeline.ModeCompose,
		Subjects:    []pipeline.Input{{Name: "a.png", Size: int64(len(data)), LastModified: time.UnixMilli(0), MIME: "image/png", Data: data}},
		Instruction: "at a lighthouse at dusk",
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(res.Image.Data) == 0 || res.Model != "mock-image-fast" {
		t.Fatalf("unexpected result: model=%q bytes=%d", res.Model, len(res.Image.Data))
	}
}

func TestOpenCache_Drivers(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	cases := map[string]string{
		"sqlite": "cache:\n  driver: sqlite\n",
		"memory": "cache:\n  driver: memory\n",
		"redis":  "cache:\n  driver: redis\n  redis:\n    addr: \"" + mr.Addr() + "\"\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := parse(t, body)
			store, err := OpenCache(ctx, cfg.Cache, discard())
			if err != nil {
				t.Fatalf("OpenCache: %v", err)
			}
			defer store.Close()

			store.Set(ctx, "k", map[string]string{"v": name})
			var out map[string]string
			if !store.Get(ctx, "k", &out) || out["v"] != name {
				t.Fatalf("round trip failed: %v", out)
			}
		})
	}
}

func TestOpenCache_RedisUnreachable(t *testing.T) {
	cfg := parse(t, "cache:\n  driver: redis\n  redis:\n    addr: \"127.0.0.1:1\"\n")
	if _, err := OpenCache(context.Background(), cfg.Cache, discard()); err == nil {
		t.Fatalf("expected dial error")
	}
}

func TestNewCollaborators(t *testing.T) {
	cfg := parse(t, "llm:\n  provider: mock\n")
	c, err := NewCollaborators(cfg, discard())
	if err != nil {
		t.Fatalf("mock: %v", err)
	}
	if _, ok := c.(*mock.Client); !ok {
		t.Fatalf("want *mock.Client, got %T", c)
	}

	cfg = parse(t, "llm:\n  provider: gemini\ngateway:\n  keyPool: \"a,b\"\n")
	c, err = NewCollaborators(cfg, discard())
	if err != nil {
		t.Fatalf("gemini: %v", err)
	}
	if _, ok := c.(*gemini.Client); !ok {
		t.Fatalf("want *gemini.Client, got %T", c)
	}

	cfg.LLM.Provider = "other"
	if _, err := NewCollaborators(cfg, discard()); err == nil {
		t.Fatalf("expected unsupported provider error")
	}
}

func TestNewEngine(t *testing.T) {
	zero := 0.0
	e, err := NewEngine(config.CompositingConfig{Padding: &zero, Rounding: "floor"})
	if err != nil {
		t.Fatalf("NewEngine: %v", err)
	}
	r := e.HoleRect(compositing.Region{XMin: 0.25, YMin: 0.25, XMax: 0.5, YMax: 0.5}, 10, 10)
	if r.Min.X != 2 || r.Max.X != 5 {
		t.Fatalf("floor rounding without padding: %v", r)
	}
	if _, err := NewEngine(config.CompositingConfig{Rounding: "banker"}); err == nil {
		t.Fatalf("expected rounding error")
	}
}

func TestOpenHistory_SQLite(t *testing.T) {
	cfg := parse(t, "")
	st, err := OpenHistory(context.Background(), cfg.History)
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer st.Close()
	entries, err := st.List(context.Background(), 0)
	if err != nil || len(entries) != 0 {
		t.Fatalf("List: %v %v", entries, err)
	}
}

func TestOpenEvents_DisabledIsNoop(t *testing.T) {
	em, err := OpenEvents(config.EventsConfig{}, discard())
	if err != nil {
		t.Fatalf("OpenEvents: %v", err)
	}
	if _, ok := em.(events.Noop); !ok {
		t.Fatalf("want Noop, got %T", em)
	}
}

func TestNewTargets_RegistersFilesystem(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "out")
	reg, err := NewTargets(config.TargetConfig{Dir: dir, FilenameTemplate: "{{.ID}}.png"})
	if err != nil {
		t.Fatalf("NewTargets: %v", err)
	}
	if names := reg.Names(); len(names) != 1 || names[0] != "filesystem" {
		t.Fatalf("names = %v", names)
	}
	if _, err := NewTargets(config.TargetConfig{Dir: dir, FilenameTemplate: "{{"}); err == nil {
		t.Fatalf("expected template error")
	}
}
