package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseByteSize_K8sAndCommonUnits(t *testing.T) {
	cases := []struct {
		in   string
		want uint64
	}{
		{"1024", 1024},
		{"1Ki", 1024},
		{"1KiB", 1024},
		{"2Mi", 2 * 1024 * 1024},
		{"2MiB", 2 * 1024 * 1024},
		{"3Gi", 3 * 1024 * 1024 * 1024},
		{"10KB", 10 * 1000},
		{"10MB", 10 * 1000 * 1000},
		{"2GB", 2 * 1000 * 1000 * 1000},
	}
	for _, c := range cases {
		got, err := ParseByteSize(c.in)
		if err != nil {
			t.Fatalf("ParseByteSize(%q) error: %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseByteSize(%q) = %d, want %d", c.in, got, c.want)
		}
	}
	if _, err := ParseByteSize("bad"); err == nil {
		t.Fatalf("expected error for invalid unit")
	}
}

func TestLoad_WithEnvAndDefaults(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")
	t.Setenv("TEST_KEY_POOL", "k1,k2")

	yaml := `
server:
  address: ":0"
  maxUploadSize: 1Mi
  workerCount: 1
  storageDir: "` + escapeBackslashes(dir) + `"
  apiKey: "key123"

cache:
  driver: memory
  ttl: 2h
  coalesce: false

compositing:
  padding: 0.1
  rounding: floor

llm:
  provider: gemini

gateway:
  keyPool: "${TEST_KEY_POOL}"
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.MaxUploadSize != ByteSize(1024*1024) {
		t.Fatalf("maxUploadSize = %d", cfg.Server.MaxUploadSize)
	}
	if cfg.Gateway.KeyPool != "k1,k2" {
		t.Fatalf("env expansion failed, keyPool = %q", cfg.Gateway.KeyPool)
	}
	if cfg.Cache.TTL != 2*time.Hour || cfg.Cache.CoalesceEnabled() {
		t.Fatalf("cache settings not applied: %+v", cfg.Cache)
	}
	if *cfg.Compositing.Padding != 0.1 || cfg.Compositing.Rounding != "floor" {
		t.Fatalf("compositing settings not applied: %+v", cfg.Compositing)
	}
	if cfg.Server.DatabasePath != filepath.Join(dir, "compositor.db") {
		t.Fatalf("databasePath default = %q", cfg.Server.DatabasePath)
	}
	if cfg.History.Driver != "sqlite" || cfg.History.Path != filepath.Join(dir, "history.db") {
		t.Fatalf("history defaults = %+v", cfg.History)
	}
	if cfg.LLM.Gemini.Models.ImageFast == "" || cfg.LLM.Gemini.Models.ImageQuality == "" {
		t.Fatalf("gemini model defaults missing")
	}
	if !strings.HasSuffix(cfg.Target.FilenameTemplate, ".png") {
		t.Fatalf("filename template default = %q", cfg.Target.FilenameTemplate)
	}
}

func TestDefault_PaddingZeroIsKept(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  storageDir: \"" + escapeBackslashes(t.TempDir()) + "\"\ncompositing:\n  padding: 0\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if *cfg.Compositing.Padding != 0 {
		t.Fatalf("explicit zero padding overwritten: %v", *cfg.Compositing.Padding)
	}
	if !cfg.Cache.CoalesceEnabled() {
		t.Fatalf("coalescing should default to on")
	}
}

func TestValidate_Errors(t *testing.T) {
	dir := escapeBackslashes(t.TempDir())
	cases := map[string]string{
		"bad cache driver":     "cache:\n  driver: etcd\n",
		"bad rounding":         "compositing:\n  rounding: banker\n",
		"padding too large":    "compositing:\n  padding: 0.6\n",
		"gemini without keys":  "llm:\n  provider: gemini\n",
		"postgres without url": "history:\n  driver: postgres\n",
		"mqtt without broker":  "events:\n  mqtt:\n    enabled: true\n",
		"unknown provider":     "llm:\n  provider: openai\n",
		"invalid log level":    "server:\n  logLevel: loud\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			y := body
			if !strings.Contains(body, "server:") {
				y = "server:\n  storageDir: \"" + dir + "\"\n" + body
			}
			if _, err := Parse([]byte(y)); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func escapeBackslashes(p string) string {
	return strings.ReplaceAll(p, `\`, `\\`)
}
