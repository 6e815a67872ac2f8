package pipeline

import (
	"fmt"

	"github.com/jo-hoe/compositor/internal/compositing"
	"github.com/jo-hoe/compositor/internal/llm"
)

// Unit is one cached analysis call.
type Unit struct {
	Kind   llm.AnalysisKind
	Inputs func(job *Job) []Input
}

// Strategy describes everything mode specific. The orchestrator owns the shared stage flow.
type Strategy struct {
	Mode  Mode
	Units []Unit
	// Masked modes carve a hole into the scene and inpaint it.
	Masked        bool
	DefaultRegion compositing.Region
	// References returns the images sent to the generator.
	References func(job *Job) []Input
	Require    func(job *Job) error
}

// Stages lists the stages a successful run of this strategy reports.
func (s Strategy) Stages(harmonize bool) []Stage {
	stages := []Stage{StageStarting, StageAnalyzing, StageBuildingDirective}
	if s.Masked {
		stages = append(stages, StageMasking)
	}
	stages = append(stages, StageGenerating)
	if harmonize {
		stages = append(stages, StageHarmonizing)
	}
	return append(stages, StageDone)
}

var (
	insertRegion  = compositing.Region{XMin: 0.25, YMin: 0.15, XMax: 0.75, YMax: 0.95}
	replaceRegion = compositing.Region{XMin: 0.3, YMin: 0.2, XMax: 0.7, YMax: 0.8}
)

func subjects(job *Job) []Input { return job.Subjects }

func scene(job *Job) []Input { return []Input{*job.Scene} }

func reference(job *Job) []Input { return []Input{*job.Reference} }

// subjectsAndOutfit feed the identity analysis and are the generator references for every mode but style.
func subjectsAndOutfit(job *Job) []Input {
	refs := append([]Input(nil), job.Subjects...)
	if job.Outfit != nil {
		refs = append(refs, *job.Outfit)
	}
	return refs
}

func needScene(job *Job) error {
	if job.Scene == nil {
		return fmt.Errorf("mode %s needs a scene image", job.Mode)
	}
	return nil
}

func needReference(job *Job) error {
	if job.Reference == nil {
		return fmt.Errorf("mode %s needs a style reference image", job.Mode)
	}
	return nil
}

func sceneAndIdentity() []Unit {
	return []Unit{
		{Kind: llm.AnalysisScene, Inputs: scene},
		{Kind: llm.AnalysisIdentity, Inputs: subjectsAndOutfit},
	}
}

// DefaultStrategies returns the built-in strategy for every mode.
func DefaultStrategies() map[Mode]Strategy {
	return map[Mode]Strategy{
		ModeCompose: {
			Mode:       ModeCompose,
			Units:      []Unit{{Kind: llm.AnalysisIdentity, Inputs: subjectsAndOutfit}},
			References: subjectsAndOutfit,
		},
		ModeInsert: {
			Mode:          ModeInsert,
			Units:         sceneAndIdentity(),
			Masked:        true,
			DefaultRegion: insertRegion,
			References:    subjectsAndOutfit,
			Require:       needScene,
		},
		ModeStyle: {
			Mode:  ModeStyle,
			Units: []Unit{{Kind: llm.AnalysisStyle, Inputs: reference}},
			// the reference only contributes through its analysis
			References: subjects,
			Require:    needReference,
		},
		ModeReplace: {
			Mode:          ModeReplace,
			Units:         sceneAndIdentity(),
			Masked:        true,
			DefaultRegion: replaceRegion,
			References:    subjectsAndOutfit,
			Require:       needScene,
		},
		ModeGroup: {
			Mode:          ModeGroup,
			Units:         sceneAndIdentity(),
			Masked:        true,
			DefaultRegion: insertRegion,
			References:    subjectsAndOutfit,
			Require:       needScene,
		},
	}
}
