// Command composectl runs one compositing job from local files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"

	"github.com/jo-hoe/compositor/internal/app"
	"github.com/jo-hoe/compositor/internal/compositing"
	appcfg "github.com/jo-hoe/compositor/internal/config"
	"github.com/jo-hoe/compositor/internal/jobs"
	"github.com/jo-hoe/compositor/internal/llm"
	"github.com/jo-hoe/compositor/internal/pipeline"
	"github.com/jo-hoe/compositor/internal/processor"
	"github.com/jo-hoe/compositor/internal/storage"
)

var (
	stageStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	mutedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("203")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, errorStyle.Render("error:"), err)
		}
		os.Exit(1)
	}
}

// repeated collects a flag given several times.
type repeated []string

func (r *repeated) String() string { return strings.Join(*r, ",") }

func (r *repeated) Set(v string) error {
	*r = append(*r, v)
	return nil
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	fs := flag.NewFlagSet("composectl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var subjects repeated
	configPath := fs.String("config", "", "config file (default $COMPOSITOR_CONFIG or ./config.yaml when present)")
	mode := fs.String("mode", "compose", "compose|insert|style|replace|group")
	fs.Var(&subjects, "subject", "subject image, repeat for several")
	scene := fs.String("scene", "", "scene image (insert, replace, group)")
	reference := fs.String("reference", "", "style reference image")
	outfit := fs.String("outfit", "", "outfit image")
	instruction := fs.String("instruction", "", "free text instruction")
	resolution := fs.String("resolution", "", "HD|2K|4K")
	aspect := fs.String("aspect", "", "aspect ratio, e.g. 1:1 or 16:9")
	harmonize := fs.Bool("harmonize", false, "run the harmonization pass")
	region := fs.String("region", "", "placement box x_min,y_min,x_max,y_max in [0,1]")
	quality := fs.String("quality", "", "analysis tiers, e.g. identity=pro,scene=fast")
	out := fs.String("out", "", "write the generated image to this path")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	log := app.NewLogger(stderr, cfg.Server.LogLevel)

	job := pipeline.Job{
		Mode:        pipeline.Mode(strings.ToLower(strings.TrimSpace(*mode))),
		Instruction: *instruction,
		Resolution:  *resolution,
		AspectRatio: *aspect,
		Harmonize:   *harmonize,
	}
	if job.Region, err = parseRegion(*region); err != nil {
		return err
	}
	if job.Quality, err = parseQuality(*quality); err != nil {
		return err
	}

	files, err := openFiles(int64(cfg.Server.MaxUploadSize), subjects, *scene, *reference, *outfit)
	if err != nil {
		return err
	}

	comps, err := app.Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer func() { _ = comps.Close() }()

	files.Describe(&job)
	if err := comps.Orchestrator.Validate(job); err != nil {
		return err
	}

	store, err := jobs.NewSQLiteStore(cfg.Server.DatabasePath)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()
	hist, err := app.OpenHistory(ctx, cfg.History)
	if err != nil {
		return err
	}
	defer func() { _ = hist.Close() }()
	emitter, err := app.OpenEvents(cfg.Events, log)
	if err != nil {
		return err
	}
	defer emitter.Close()
	reg, err := app.NewTargets(cfg.Target)
	if err != nil {
		return err
	}

	runRec := jobs.Run{ID: uuid.NewString(), Mode: string(job.Mode)}
	if err := store.CreateRun(&runRec); err != nil {
		return err
	}

	started := time.Now()
	job.Progress = func(stage pipeline.Stage, msg string) {
		fmt.Fprintf(stdout, "%s %s %s\n",
			mutedStyle.Render(time.Since(started).Round(10*time.Millisecond).String()),
			stageStyle.Render(fmt.Sprintf("%-18s", stage)),
			msg)
	}

	worker := processor.New(log, cfg, store, comps.Orchestrator, hist, reg, emitter)
	outcome, err := worker.Execute(ctx, jobs.WorkItem{Run: runRec, Job: job, Files: files})
	if err != nil {
		if kind := pipeline.KindOf(err); kind != "" {
			return fmt.Errorf("run %s failed (%s): %w", runRec.ID, kind, err)
		}
		return fmt.Errorf("run %s failed: %w", runRec.ID, err)
	}

	res := outcome.Result
	if *out != "" {
		if err := os.WriteFile(*out, res.Image.Data, 0o644); err != nil { // #nosec G306 - output image is meant to be readable
			return fmt.Errorf("write output: %w", err)
		}
		outcome.Locations = append([]string{*out}, outcome.Locations...)
	}

	fmt.Fprintln(stdout, okStyle.Render("done"), mutedStyle.Render(fmt.Sprintf("run=%s history=%s model=%s cache_hits=%d",
		runRec.ID, outcome.Entry.ID, res.Model, res.CacheHits)))
	for _, loc := range outcome.Locations {
		fmt.Fprintln(stdout, "  ->", loc)
	}
	return nil
}

func loadConfig(path string) (*appcfg.Config, error) {
	if path != "" || os.Getenv("COMPOSITOR_CONFIG") != "" {
		return appcfg.Load(path)
	}
	if _, err := os.Stat("config.yaml"); err == nil {
		return appcfg.Load("config.yaml")
	}
	return appcfg.Parse(nil)
}

func openFiles(maxBytes int64, subjects []string, scene, reference, outfit string) (*storage.Bundle, error) {
	b := &storage.Bundle{}
	for _, p := range subjects {
		u, err := storage.OpenLocalImage(p, maxBytes)
		if err != nil {
			return nil, err
		}
		b.Subjects = append(b.Subjects, u)
	}
	for _, slot := range []struct {
		path string
		dst  **storage.Upload
	}{{scene, &b.Scene}, {reference, &b.Reference}, {outfit, &b.Outfit}} {
		if slot.path == "" {
			continue
		}
		u, err := storage.OpenLocalImage(slot.path, maxBytes)
		if err != nil {
			return nil, err
		}
		*slot.dst = &u
	}
	return b, nil
}

func parseRegion(s string) (*compositing.Region, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return nil, fmt.Errorf("region needs four comma separated values, got %q", s)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, fmt.Errorf("region value %q: %w", p, err)
		}
		v[i] = f
	}
	return &compositing.Region{XMin: v[0], YMin: v[1], XMax: v[2], YMax: v[3]}, nil
}

func parseQuality(s string) (map[string]llm.Quality, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	out := map[string]llm.Quality{}
	for _, pair := range strings.Split(s, ",") {
		unit, tier, ok := strings.Cut(strings.TrimSpace(pair), "=")
		if !ok || unit == "" {
			return nil, fmt.Errorf("quality entry %q is not unit=tier", pair)
		}
		out[unit] = llm.Quality(tier)
	}
	return out, nil
}
