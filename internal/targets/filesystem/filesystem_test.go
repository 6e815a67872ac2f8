package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jo-hoe/compositor/internal/targets"
)

func TestTarget_PostWritesTemplatedFile(t *testing.T) {
	dir := t.TempDir()
	tg, err := New("fs", dir, "")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ts := time.Date(2025, 3, 4, 5, 6, 7, 0, time.UTC)
	res, err := tg.Post(context.Background(), targets.TargetRequest{RunID: "abc", Mode: "insert", Image: []byte("png"), Timestamp: ts})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	want := filepath.Join(dir, "20250304-050607-insert-abc.png")
	if res.Location != want || res.TargetName != "fs" {
		t.Fatalf("result = %+v, want location %s", res, want)
	}
	b, err := os.ReadFile(want)
	if err != nil || string(b) != "png" {
		t.Fatalf("file content = %q, %v", b, err)
	}
}

func TestTarget_SubdirectoryTemplate(t *testing.T) {
	dir := t.TempDir()
	tg, err := New("fs", dir, `{{.Mode}}/{{.Time.Format "2006"}}/{{.ID}}.png`)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	res, err := tg.Post(context.Background(), targets.TargetRequest{RunID: "r1", Mode: "group", Image: []byte("x"), Timestamp: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)})
	if err != nil {
		t.Fatalf("Post: %v", err)
	}
	if res.Location != filepath.Join(dir, "group", "2024", "r1.png") {
		t.Fatalf("location = %s", res.Location)
	}
}

func TestTarget_RejectsEscapingAndBadTemplates(t *testing.T) {
	dir := t.TempDir()
	if _, err := New("fs", dir, "{{.Unclosed"); err == nil {
		t.Fatalf("expected parse error")
	}
	if _, err := New("fs", "", ""); err == nil {
		t.Fatalf("expected error for empty dir")
	}
	tg, err := New("fs", dir, "../{{.ID}}.png")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := tg.Post(context.Background(), targets.TargetRequest{RunID: "x", Timestamp: time.Now()}); err == nil {
		t.Fatalf("expected escape error")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := tg.Post(ctx, targets.TargetRequest{RunID: "x"}); err == nil {
		t.Fatalf("expected context error")
	}
}
