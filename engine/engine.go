// Package engine orchestrates the full generate-compare-accept pipeline:
// baseline creation, drift-gated modification, and history retrieval. It is
// the only package that touches the artifact store, the version ledger, the
// request builder, the generation client and the drift gate together.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hazyhaar/atelier/artifact"
	"github.com/hazyhaar/atelier/drift"
	"github.com/hazyhaar/atelier/genclient"
	"github.com/hazyhaar/atelier/history"
	"github.com/hazyhaar/atelier/imgcmp"
	"github.com/hazyhaar/atelier/observability"
	"github.com/hazyhaar/atelier/reqbuild"
	"github.com/hazyhaar/atelier/seedid"
)

// Version identifies the engine build; recorded on every accepted version so
// history rows are attributable to the code that produced them.
const Version = "atelier/0.1.0"

// Generator abstracts the generation client so tests can substitute a fake
// service.
type Generator interface {
	Generate(ctx context.Context, req *reqbuild.GenerationRequest) (*genclient.RasterImage, error)
}

// BaselineRequest asks for the first generation of a sheet.
type BaselineRequest struct {
	DesignID string          `json:"design_id"`
	SheetID  string          `json:"sheet_id"`
	Spec     json.RawMessage `json:"spec"`
	Width    int             `json:"width"`
	Height   int             `json:"height"`
	// Regions names the sheet's panels; untouched panels are held to the
	// per-region thresholds on every later modification.
	Regions imgcmp.RegionMap `json:"regions"`
}

// BaselineResult reports the frozen baseline.
type BaselineResult struct {
	BaselineID  string `json:"baseline_id"`
	VersionID   string `json:"version_id"`
	Seed        int64  `json:"seed"`
	ContentHash string `json:"content_hash"`
}

// ModifyRequest asks for one structured change to an existing sheet.
type ModifyRequest struct {
	DesignID string         `json:"design_id"`
	SheetID  string         `json:"sheet_id"`
	Delta    reqbuild.Delta `json:"delta"`
}

// ModifyResult reports an accepted modification.
type ModifyResult struct {
	VersionID       string         `json:"version_id"`
	ParentVersionID string         `json:"parent_version_id"`
	ContentHash     string         `json:"content_hash"`
	StrictnessLevel int            `json:"strictness_level"`
	Report          *imgcmp.Report `json:"report"`
}

// Engine is the consistency engine facade.
type Engine struct {
	artifacts *artifact.Store
	versions  *history.Ledger
	builder   *reqbuild.Builder
	client    Generator
	gate      *drift.Gate
	logger    *slog.Logger
	events    *observability.EventLogger

	// mu guards locks; each lineage gets its own mutex so one sheet's
	// escalation loop never blocks another sheet.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.logger = l } }

// WithEvents attaches a domain event log. Optional; a nil logger disables
// event recording.
func WithEvents(l *observability.EventLogger) Option { return func(e *Engine) { e.events = l } }

func (e *Engine) logEvent(ctx context.Context, ev observability.Event) {
	if e.events != nil {
		e.events.LogEvent(ctx, ev)
	}
}

// New wires an Engine from its parts.
func New(artifacts *artifact.Store, versions *history.Ledger, builder *reqbuild.Builder, client Generator, gate *drift.Gate, opts ...Option) *Engine {
	e := &Engine{
		artifacts: artifacts,
		versions:  versions,
		builder:   builder,
		client:    client,
		gate:      gate,
		logger:    slog.Default(),
		locks:     make(map[string]*sync.Mutex),
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

func (e *Engine) lineageLock(designID, sheetID string) *sync.Mutex {
	key := designID + "/" + sheetID
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locks[key]
	if !ok {
		l = &sync.Mutex{}
		e.locks[key] = l
	}
	return l
}

// GenerateBaseline creates and freezes the baseline for (design, sheet).
//
// The seed is derived from the canonical form of the design spec, so the
// same spec always yields the same seed. A sheet that already has a baseline
// returns ErrBaselineExists; the frozen artifact is never replaced.
func (e *Engine) GenerateBaseline(ctx context.Context, req *BaselineRequest) (*BaselineResult, error) {
	if req.DesignID == "" || req.SheetID == "" {
		return nil, fmt.Errorf("engine: baseline request without design/sheet ID")
	}
	if len(req.Spec) == 0 {
		return nil, fmt.Errorf("engine: baseline request without spec")
	}

	lock := e.lineageLock(req.DesignID, req.SheetID)
	lock.Lock()
	defer lock.Unlock()

	exists, err := e.artifacts.Exists(ctx, req.DesignID, req.SheetID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, fmt.Errorf("%w: %s/%s", ErrBaselineExists, req.DesignID, req.SheetID)
	}

	var spec any
	if err := json.Unmarshal(req.Spec, &spec); err != nil {
		return nil, fmt.Errorf("engine: invalid spec: %w", err)
	}
	canonical, err := seedid.Canonicalize(spec)
	if err != nil {
		return nil, fmt.Errorf("engine: canonicalize spec: %w", err)
	}
	seed := seedid.DeriveSeed(canonical)

	genReq, err := e.builder.Build(nil, canonical, nil, seed, req.Width, req.Height, 0)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	img, err := e.client.Generate(ctx, genReq)
	if err != nil {
		return nil, fmt.Errorf("engine: baseline generation: %w", err)
	}
	duration := time.Since(start)

	base := &artifact.BaselineArtifact{
		DesignID:     req.DesignID,
		SheetID:      req.SheetID,
		ImageBytes:   img.Bytes,
		ContentHash:  seedid.ContentHash(img.Bytes),
		SpecSnapshot: json.RawMessage(canonical),
		Seed:         seed,
		Regions:      req.Regions,
	}
	baselineID, err := e.artifacts.Save(ctx, base)
	if err != nil {
		return nil, err
	}

	versionID, err := e.versions.Append(ctx, &history.DesignVersion{
		DesignID:       req.DesignID,
		SheetID:        req.SheetID,
		ResultImageRef: base.ContentHash,
		EngineVersion:  Version,
		Duration:       duration,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("baseline generated",
		"design_id", req.DesignID, "sheet_id", req.SheetID,
		"baseline_id", baselineID, "version_id", versionID,
		"seed", seed, "duration", duration)
	e.logEvent(ctx, observability.Event{
		Type:      observability.EventBaselineGenerated,
		DesignID:  req.DesignID,
		SheetID:   req.SheetID,
		VersionID: versionID,
		Duration:  duration,
	})
	return &BaselineResult{
		BaselineID:  baselineID,
		VersionID:   versionID,
		Seed:        seed,
		ContentHash: base.ContentHash,
	}, nil
}

// Modify applies one structured change to a sheet, holding the result to the
// consistency thresholds.
//
// Each attempt regenerates with the baseline's seed and a strictness level
// equal to the attempt number, then compares the candidate against the frozen
// baseline. A candidate that clears the gate is stored and appended to the
// version chain. When every attempt misses, Modify returns *RejectedError and
// leaves both stores untouched.
func (e *Engine) Modify(ctx context.Context, req *ModifyRequest) (*ModifyResult, error) {
	if err := req.Delta.Validate(); err != nil {
		return nil, err
	}

	lock := e.lineageLock(req.DesignID, req.SheetID)
	lock.Lock()
	defer lock.Unlock()

	base, err := e.artifacts.Load(ctx, req.DesignID, req.SheetID)
	if err != nil {
		return nil, err
	}
	baseImg, err := imgcmp.Decode(base.ImageBytes)
	if err != nil {
		return nil, fmt.Errorf("engine: decode baseline: %w", err)
	}
	width := baseImg.Bounds().Dx()
	height := baseImg.Bounds().Dy()

	tip, err := e.versions.Tip(ctx, req.DesignID, req.SheetID)
	if err != nil {
		return nil, err
	}

	var last drift.Decision
	for attempt := 0; attempt < e.gate.MaxAttempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		genReq, err := e.builder.Build(base, base.SpecSnapshot, &req.Delta, base.Seed, width, height, attempt)
		if err != nil {
			return nil, err
		}

		start := time.Now()
		cand, err := e.client.Generate(ctx, genReq)
		duration := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			last = e.gate.DecideError(err.Error(), attempt)
			e.logger.Warn("modification attempt failed",
				"design_id", req.DesignID, "sheet_id", req.SheetID,
				"attempt", attempt, "state", last.State(), "error", err)
			continue
		}

		report := imgcmp.Compare(baseImg, cand.Image, base.Regions)
		last = e.gate.Decide(&report, req.Delta.Regions, attempt)

		switch last.Outcome {
		case drift.Accepted:
			return e.acceptModification(ctx, req, base, tip, cand, &report, attempt, duration)
		case drift.RetryStricter:
			e.logger.Warn("modification drifted, retrying stricter",
				"design_id", req.DesignID, "sheet_id", req.SheetID,
				"attempt", attempt, "global_ssim", report.GlobalSSIM,
				"failed_regions", len(last.FailedRegions),
				"next_edit_strength", e.builder.EditStrength(attempt+1))
		}
	}

	rejected := &RejectedError{
		DesignID: req.DesignID,
		SheetID:  req.SheetID,
		Attempts: e.gate.MaxAttempts(),
		Decision: last,
	}
	e.logger.Error("modification rejected",
		"design_id", req.DesignID, "sheet_id", req.SheetID,
		"attempts", rejected.Attempts, "summary", rejected.Summary())
	e.logEvent(ctx, observability.Event{
		Type:     observability.EventModificationRejected,
		DesignID: req.DesignID,
		SheetID:  req.SheetID,
		Outcome:  string(drift.Rejected),
		Detail:   rejected.Summary(),
	})
	return nil, rejected
}

func (e *Engine) acceptModification(ctx context.Context, req *ModifyRequest, base *artifact.BaselineArtifact, tip *history.DesignVersion, cand *genclient.RasterImage, report *imgcmp.Report, attempt int, duration time.Duration) (*ModifyResult, error) {
	ref, err := e.artifacts.PutBlob(ctx, cand.Bytes)
	if err != nil {
		return nil, err
	}

	versionID, err := e.versions.Append(ctx, &history.DesignVersion{
		DesignID:        req.DesignID,
		SheetID:         req.SheetID,
		ParentVersionID: tip.VersionID,
		ResultImageRef:  ref,
		AppliedDelta:    &req.Delta,
		Report:          report,
		StrictnessLevel: attempt,
		EngineVersion:   Version,
		Duration:        duration,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("modification accepted",
		"design_id", req.DesignID, "sheet_id", req.SheetID,
		"version_id", versionID, "parent_version_id", tip.VersionID,
		"strictness_level", attempt, "global_ssim", report.GlobalSSIM,
		"duration", duration)
	e.logEvent(ctx, observability.Event{
		Type:       observability.EventModificationAccepted,
		DesignID:   req.DesignID,
		SheetID:    req.SheetID,
		VersionID:  versionID,
		Outcome:    string(drift.Accepted),
		Strictness: attempt,
		Duration:   duration,
	})
	return &ModifyResult{
		VersionID:       versionID,
		ParentVersionID: tip.VersionID,
		ContentHash:     ref,
		StrictnessLevel: attempt,
		Report:          report,
	}, nil
}

// Events returns the attached event log, or nil when none is configured.
func (e *Engine) Events() *observability.EventLogger { return e.events }

// GetHistory returns the sheet's version chain, baseline first.
func (e *Engine) GetHistory(ctx context.Context, designID, sheetID string) ([]*history.DesignVersion, error) {
	return e.versions.Chain(ctx, designID, sheetID)
}

// GetImage fetches the stored image bytes for a version.
func (e *Engine) GetImage(ctx context.Context, versionID string) ([]byte, error) {
	v, err := e.versions.Get(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return e.artifacts.GetBlob(ctx, v.ResultImageRef)
}
