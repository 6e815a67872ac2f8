package pipeline

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/jo-hoe/compositor/internal/cache"
	"github.com/jo-hoe/compositor/internal/common"
	"github.com/jo-hoe/compositor/internal/compositing"
	"github.com/jo-hoe/compositor/internal/directive"
	"github.com/jo-hoe/compositor/internal/llm"
)

// ModelTiers maps resolution to generation model.
type ModelTiers struct {
	Fast    string
	Quality string
}

// For returns the fast tier for HD and the quality tier otherwise.
func (m ModelTiers) For(resolution string) string {
	if resolution == "" || resolution == ResolutionHD {
		return m.Fast
	}
	return m.Quality
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Cache      *cache.Store
	Engine     *compositing.Engine
	Analyzer   llm.Analyzer
	Generator  llm.Generator
	Harmonizer llm.Harmonizer
	Builder    directive.Builder
	Models     ModelTiers
	Logger     *slog.Logger
	// Strategies overrides DefaultStrategies when set.
	Strategies map[Mode]Strategy
}

// Orchestrator executes jobs. It is safe for concurrent use; runs share only the cache.
type Orchestrator struct {
	cache      *cache.Store
	engine     *compositing.Engine
	analyzer   llm.Analyzer
	generator  llm.Generator
	harmonizer llm.Harmonizer
	builder    directive.Builder
	models     ModelTiers
	log        *slog.Logger
	strategies map[Mode]Strategy
}

func New(d Deps) (*Orchestrator, error) {
	if d.Cache == nil || d.Analyzer == nil || d.Generator == nil {
		return nil, errors.New("pipeline: cache, analyzer and generator are required")
	}
	o := &Orchestrator{
		cache:      d.Cache,
		engine:     d.Engine,
		analyzer:   d.Analyzer,
		generator:  d.Generator,
		harmonizer: d.Harmonizer,
		builder:    d.Builder,
		models:     d.Models,
		log:        d.Logger,
		strategies: d.Strategies,
	}
	if o.engine == nil {
		o.engine = compositing.Default()
	}
	if o.builder == nil {
		o.builder = directive.Template{}
	}
	if o.log == nil {
		o.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if o.strategies == nil {
		o.strategies = DefaultStrategies()
	}
	return o, nil
}

// Strategy returns the strategy registered for mode.
func (o *Orchestrator) Strategy(mode Mode) (Strategy, bool) {
	s, ok := o.strategies[mode]
	return s, ok
}

// Namespace is the cache namespace of one analysis unit. Hints reach the analyzer,
// so a non-empty hint text adds a short digest of it.
func Namespace(mode Mode, kind llm.AnalysisKind, quality llm.Quality, hints string) string {
	ns := fmt.Sprintf("%s.%s.%s.v2", mode, kind, quality)
	if h := strings.TrimSpace(hints); h != "" {
		sum := sha256.Sum256([]byte(h))
		ns += "." + hex.EncodeToString(sum[:6])
	}
	return ns
}

// run carries per-run state.
type run struct {
	job      Job
	strategy Strategy
	log      *slog.Logger
	last     Stage
	reported bool
}

func (r *run) report(stage Stage, msg string) {
	if r.reported && stageOrder[stage] <= stageOrder[r.last] {
		r.log.Error("stage regression ignored", "from", r.last, "to", stage)
		return
	}
	r.last, r.reported = stage, true
	r.log.Info("stage", "stage", stage, "msg", msg)
	if r.job.Progress != nil {
		r.job.Progress(stage, msg)
	}
}

func (r *run) fail(stage Stage, fallback ErrorKind, err error) *Error {
	pe := &Error{Stage: stage, Kind: classify(err, fallback), Err: err}
	r.report(StageError, pe.Error())
	return pe
}

// Run executes job. Validation errors are returned before any stage is reported; every other
// failure reports ERROR and returns an *Error. Cancelling ctx aborts in-flight collaborator calls.
func (o *Orchestrator) Run(ctx context.Context, job Job) (*Result, error) {
	strategy, err := o.prepare(&job)
	if err != nil {
		return nil, err
	}
	for _, in := range allInputs(&job) {
		if len(in.Data) == 0 {
			return nil, validationError("input %q is empty", in.Name)
		}
	}
	r := &run{job: job, strategy: strategy, log: o.log.With("mode", job.Mode)}
	r.report(StageStarting, fmt.Sprintf("starting %s run", job.Mode))

	analysis, summary, hits, err := o.analyze(ctx, r)
	if err != nil {
		return nil, err
	}

	r.report(StageBuildingDirective, "building directive")
	text := o.builder.Build(directive.Input{
		Mode:        string(job.Mode),
		Instruction: job.Instruction,
		AspectRatio: job.AspectRatio,
		Resolution:  job.Resolution,
		Analysis:    analysis,
		Scene:       summary,
		Masked:      strategy.Masked,
	})

	req := llm.GenerateRequest{
		Directive:   text,
		Model:       o.models.For(job.Resolution),
		Resolution:  job.Resolution,
		AspectRatio: job.AspectRatio,
	}
	for _, in := range strategy.References(&job) {
		req.References = append(req.References, in.image())
	}

	var region *compositing.Region
	if strategy.Masked {
		reg := o.resolveRegion(&job, strategy, summary)
		region = &reg
		r.report(StageMasking, fmt.Sprintf("masking region x:[%.3f,%.3f] y:[%.3f,%.3f]", reg.XMin, reg.XMax, reg.YMin, reg.YMax))
		res, err := o.engine.Composite(ctx, bytes.NewReader(job.Scene.Data), reg)
		if err != nil {
			return nil, r.fail(StageMasking, KindComposition, err)
		}
		r.log.Debug("composite rendered", "width", res.Width, "height", res.Height, "hole", res.Hole)
		req.Composite = &llm.Image{Name: "composite.png", MIME: common.MimeImagePNG, Data: res.Composite}
		req.Mask = &llm.Image{Name: "mask.png", MIME: common.MimeImagePNG, Data: res.Mask}
	}

	r.report(StageGenerating, fmt.Sprintf("generating with %s", req.Model))
	img, err := o.generator.Generate(ctx, req)
	if err != nil {
		return nil, r.fail(StageGenerating, KindCollaborator, err)
	}

	if job.Harmonize {
		r.report(StageHarmonizing, "harmonizing")
		if o.harmonizer == nil {
			return nil, r.fail(StageHarmonizing, KindCollaborator, errors.New("no harmonizer configured"))
		}
		img, err = o.harmonizer.Harmonize(ctx, llm.HarmonizeRequest{Image: img, Analysis: analysis, Model: req.Model})
		if err != nil {
			return nil, r.fail(StageHarmonizing, KindCollaborator, err)
		}
	}

	r.report(StageDone, "done")
	return &Result{
		Image:     img,
		Analysis:  analysis,
		Directive: text,
		Mode:      job.Mode,
		Model:     req.Model,
		Region:    region,
		CacheHits: hits,
	}, nil
}

// analyze checks every unit against the cache first so ANALYZING can say whether the run is warm, then fills the misses.
func (o *Orchestrator) analyze(ctx context.Context, r *run) (json.RawMessage, *llm.SceneSummary, int, error) {
	type pending struct {
		unit    Unit
		key     string
		quality llm.Quality
		inputs  []Input
	}
	units := r.strategy.Units
	results := make(map[string]json.RawMessage, len(units))
	var misses []pending
	for _, u := range units {
		inputs := u.Inputs(&r.job)
		files := make([]cache.File, 0, len(inputs))
		for _, in := range inputs {
			files = append(files, in.file())
		}
		quality := qualityFor(&r.job, u.Kind)
		key := cache.BuildKey(files, Namespace(r.job.Mode, u.Kind, quality, r.job.Instruction))
		var raw json.RawMessage
		if o.cache.Get(ctx, key, &raw) {
			results[string(u.Kind)] = raw
			continue
		}
		misses = append(misses, pending{unit: u, key: key, quality: quality, inputs: inputs})
	}

	hits := len(units) - len(misses)
	if len(misses) == 0 {
		r.report(StageAnalyzing, "cache hit")
	} else {
		r.report(StageAnalyzing, fmt.Sprintf("analyzing %d of %d units (%d from cache)", len(misses), len(units), hits))
	}

	for _, m := range misses {
		req := llm.AnalysisRequest{Kind: m.unit.Kind, Quality: m.quality, Hints: r.job.Instruction}
		for _, in := range m.inputs {
			req.Images = append(req.Images, in.image())
		}
		var raw json.RawMessage
		hit, err := o.cache.Load(ctx, m.key, &raw, func(ctx context.Context) (json.RawMessage, error) {
			return o.analyzer.Analyze(ctx, req)
		})
		if err != nil {
			return nil, nil, 0, r.fail(StageAnalyzing, KindCollaborator, err)
		}
		if hit {
			hits++
		}
		results[string(m.unit.Kind)] = raw
	}

	merged, err := json.Marshal(results)
	if err != nil {
		return nil, nil, 0, r.fail(StageAnalyzing, KindCollaborator, fmt.Errorf("merge analysis: %w", err))
	}

	var summary *llm.SceneSummary
	if raw, ok := results[string(llm.AnalysisScene)]; ok {
		s, err := llm.ParseSceneSummary(raw)
		if err != nil {
			r.log.Warn("scene analysis has no readable summary", "err", err)
		} else {
			summary = &s
		}
	}
	return merged, summary, hits, nil
}

// resolveRegion prefers the caller's placement, then the analysed region, then the mode default.
func (o *Orchestrator) resolveRegion(job *Job, s Strategy, summary *llm.SceneSummary) compositing.Region {
	if job.Region != nil {
		return *job.Region
	}
	if summary != nil && summary.Region != nil {
		reg := compositing.Region{
			XMin: summary.Region.XMin,
			YMin: summary.Region.YMin,
			XMax: summary.Region.XMax,
			YMax: summary.Region.YMax,
		}
		if reg.Valid() {
			return reg
		}
	}
	return s.DefaultRegion
}

// Validate checks the job's mode, inputs and options without running it. Input contents are not inspected.
func (o *Orchestrator) Validate(job Job) error {
	if _, err := o.prepare(&job); err != nil {
		return err
	}
	return nil
}

// prepare applies defaults in place and validates the job against its strategy.
func (o *Orchestrator) prepare(job *Job) (Strategy, error) {
	strategy, ok := o.strategies[job.Mode]
	if !ok {
		return Strategy{}, validationError("unknown mode %q", job.Mode)
	}
	if len(job.Subjects) == 0 {
		return Strategy{}, validationError("mode %s needs at least one subject image", job.Mode)
	}
	if len(job.Subjects) > common.MaxSubjectImages {
		return Strategy{}, validationError("at most %d subject images are supported, got %d", common.MaxSubjectImages, len(job.Subjects))
	}
	if strategy.Require != nil {
		if err := strategy.Require(job); err != nil {
			return Strategy{}, &Error{Kind: KindValidation, Err: err}
		}
	}
	job.Resolution = strings.ToUpper(strings.TrimSpace(job.Resolution))
	switch job.Resolution {
	case "":
		job.Resolution = ResolutionHD
	case ResolutionHD, Resolution2K, Resolution4K:
	default:
		return Strategy{}, validationError("unknown resolution %q", job.Resolution)
	}
	job.AspectRatio = strings.TrimSpace(job.AspectRatio)
	if job.AspectRatio == "" {
		job.AspectRatio = "1:1"
	}
	if !aspectRatios[job.AspectRatio] {
		return Strategy{}, validationError("unknown aspect ratio %q", job.AspectRatio)
	}
	for unit, q := range job.Quality {
		if _, ok := llm.ParseQuality(string(q)); !ok {
			return Strategy{}, validationError("unknown quality %q for %s", q, unit)
		}
	}
	if job.Region != nil && !job.Region.Valid() {
		return Strategy{}, validationError("region has non-finite coordinates")
	}
	return strategy, nil
}

func allInputs(job *Job) []Input {
	all := append([]Input(nil), job.Subjects...)
	for _, in := range []*Input{job.Scene, job.Reference, job.Outfit} {
		if in != nil {
			all = append(all, *in)
		}
	}
	return all
}

func qualityFor(job *Job, kind llm.AnalysisKind) llm.Quality {
	q, _ := llm.ParseQuality(string(job.Quality[string(kind)]))
	return q
}
