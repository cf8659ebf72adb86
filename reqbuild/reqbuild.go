// Package reqbuild constructs generation requests as a pure function of
// (baseline, specification, delta, seed, strictness).
//
// No I/O, no randomness, no clock: calling Build twice with identical
// arguments yields byte-identical requests (GenerationRequest.Encode). That
// determinism, together with seed inheritance from the baseline, is what
// makes repeated modifications visually coherent.
package reqbuild

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/hazyhaar/atelier/artifact"
)

// ErrSeedMismatch flags a determinism-contract violation: a modification was
// built with a seed that differs from its baseline's. This is a caller bug,
// never recovered: an inconsistent seed would quietly break visual
// coherence of the whole lineage.
var ErrSeedMismatch = errors.New("reqbuild: seed differs from baseline seed")

// GenerationRequest is the descriptor sent to the generative service.
// Field set mirrors the service contract: prompt, negative prompt, seed,
// canvas, optional reference image with edit strength, sampler settings.
type GenerationRequest struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Seed           int64    `json:"seed"`
	Width          int      `json:"width"`
	Height         int      `json:"height"`
	ReferenceImage []byte   `json:"reference_image,omitempty"`
	EditStrength   float64  `json:"edit_strength,omitempty"`
	Steps          int      `json:"steps"`
	GuidanceScale  float64  `json:"guidance_scale"`
	LockedRegions  []string `json:"locked_regions,omitempty"`
}

// Encode serialises the request canonically. Struct field order is fixed and
// LockedRegions is sorted at build time, so equal requests encode to equal
// bytes.
func (r *GenerationRequest) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("reqbuild: encode: %w", err)
	}
	return data, nil
}

// PromptFunc renders prompt and negative prompt from the canonical spec
// bytes, the change instruction and the locked-region description. Wording
// is out of the engine's scope; implementations must stay pure and
// deterministic in their inputs.
type PromptFunc func(specCanonical []byte, instruction string, locked []string) (prompt, negative string)

// Config holds the builder's sampler settings and the edit-strength
// schedule.
type Config struct {
	// Steps and GuidanceScale are passed through to the service.
	Steps         int     `yaml:"steps"`
	GuidanceScale float64 `yaml:"guidance_scale"`
	// BaseEditStrength is the permitted visual change at strictness 0.
	BaseEditStrength float64 `yaml:"base_edit_strength"`
	// StrictnessDecay multiplies the edit strength per strictness level;
	// must be in (0, 1] so strength is non-increasing as strictness rises.
	StrictnessDecay float64 `yaml:"strictness_decay"`
	// MinEditStrength floors the schedule so retries still change pixels.
	MinEditStrength float64 `yaml:"min_edit_strength"`
}

// Defaults fills zero fields.
func (c *Config) Defaults() {
	if c.Steps <= 0 {
		c.Steps = 30
	}
	if c.GuidanceScale <= 0 {
		c.GuidanceScale = 7.5
	}
	if c.BaseEditStrength <= 0 {
		c.BaseEditStrength = 0.55
	}
	if c.StrictnessDecay <= 0 || c.StrictnessDecay > 1 {
		c.StrictnessDecay = 0.6
	}
	if c.MinEditStrength <= 0 {
		c.MinEditStrength = 0.05
	}
}

// Builder builds generation requests.
type Builder struct {
	cfg    Config
	prompt PromptFunc
}

// New creates a Builder. A nil prompt function falls back to the mechanical
// default wording.
func New(cfg Config, prompt PromptFunc) *Builder {
	cfg.Defaults()
	if prompt == nil {
		prompt = defaultPrompt
	}
	return &Builder{cfg: cfg, prompt: prompt}
}

// EditStrength returns the permitted visual change at the given strictness
// level. Non-increasing in strictness: each retry binds the service closer
// to the baseline.
func (b *Builder) EditStrength(strictness int) float64 {
	s := b.cfg.BaseEditStrength
	for i := 0; i < strictness; i++ {
		s *= b.cfg.StrictnessDecay
	}
	if s < b.cfg.MinEditStrength {
		return b.cfg.MinEditStrength
	}
	return s
}

// Build constructs the request for a first generation (baseline == nil) or a
// modification (baseline present).
//
// First generation: text-to-image, no reference, the caller-derived seed.
// Modification: image-to-image against the baseline bytes, a locked
// description of every region the delta does not touch, an edit strength
// shrinking with strictness, and always the baseline's own seed.
func (b *Builder) Build(baseline *artifact.BaselineArtifact, specCanonical []byte, delta *Delta, seed int64, width, height, strictness int) (*GenerationRequest, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("reqbuild: invalid canvas %dx%d", width, height)
	}

	if baseline == nil {
		prompt, negative := b.prompt(specCanonical, "", nil)
		return &GenerationRequest{
			Prompt:         prompt,
			NegativePrompt: negative,
			Seed:           seed,
			Width:          width,
			Height:         height,
			Steps:          b.cfg.Steps,
			GuidanceScale:  b.cfg.GuidanceScale,
		}, nil
	}

	if delta == nil {
		return nil, fmt.Errorf("reqbuild: modification without delta")
	}
	if err := delta.Validate(); err != nil {
		return nil, err
	}
	if seed != baseline.Seed {
		return nil, fmt.Errorf("%w: got %d, baseline %d", ErrSeedMismatch, seed, baseline.Seed)
	}

	locked := lockedRegions(baseline, delta)
	prompt, negative := b.prompt(specCanonical, delta.instruction(), locked)

	return &GenerationRequest{
		Prompt:         prompt,
		NegativePrompt: negative,
		Seed:           baseline.Seed,
		Width:          width,
		Height:         height,
		ReferenceImage: baseline.ImageBytes,
		EditStrength:   b.EditStrength(strictness),
		Steps:          b.cfg.Steps,
		GuidanceScale:  b.cfg.GuidanceScale,
		LockedRegions:  locked,
	}, nil
}

// lockedRegions lists the baseline's regions minus the delta's targets,
// sorted so the encoding is stable.
func lockedRegions(baseline *artifact.BaselineArtifact, delta *Delta) []string {
	targeted := make(map[string]bool, len(delta.Regions))
	for _, r := range delta.Regions {
		targeted[r] = true
	}
	var locked []string
	for name := range baseline.Regions {
		if !targeted[name] {
			locked = append(locked, name)
		}
	}
	sort.Strings(locked)
	return locked
}

func defaultPrompt(specCanonical []byte, instruction string, locked []string) (string, string) {
	if instruction == "" {
		return fmt.Sprintf("architectural design sheet per specification %s", specCanonical),
			"blurry, distorted geometry"
	}
	prompt := fmt.Sprintf("architectural design sheet per specification %s; change: %s", specCanonical, instruction)
	if len(locked) > 0 {
		prompt += "; keep unchanged: " + joinRegions(locked)
	}
	return prompt, "blurry, distorted geometry"
}
