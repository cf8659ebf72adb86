package engine

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"image/color"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/hazyhaar/atelier/artifact"
	"github.com/hazyhaar/atelier/dbopen"
	"github.com/hazyhaar/atelier/drift"
	"github.com/hazyhaar/atelier/genclient"
	"github.com/hazyhaar/atelier/history"
	"github.com/hazyhaar/atelier/imgcmp"
	"github.com/hazyhaar/atelier/reqbuild"
	_ "modernc.org/sqlite"
)

type genFunc func(ctx context.Context, req *reqbuild.GenerationRequest) (*genclient.RasterImage, error)

func (f genFunc) Generate(ctx context.Context, req *reqbuild.GenerationRequest) (*genclient.RasterImage, error) {
	return f(ctx, req)
}

// sheet renders a deterministic two-panel test image.
func sheet(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8((x*7 + y*13) % 256)
			img.Set(x, y, color.RGBA{v, v, v, 255})
		}
	}
	return img
}

// scribble overwrites a rectangle with a pattern unrelated to sheet's.
func scribble(img *image.RGBA, r image.Rectangle) *image.RGBA {
	out := image.NewRGBA(img.Bounds())
	copy(out.Pix, img.Pix)
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			v := uint8((x * y) % 256)
			out.Set(x, y, color.RGBA{v, 255 - v, v, 255})
		}
	}
	return out
}

func raster(t *testing.T, img image.Image) *genclient.RasterImage {
	t.Helper()
	data, err := imgcmp.Encode(img)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return &genclient.RasterImage{
		Bytes:  data,
		Image:  img,
		Width:  img.Bounds().Dx(),
		Height: img.Bounds().Dy(),
	}
}

const (
	canvasW = 128
	canvasH = 96
)

var (
	// The east patch is small so an intended change there leaves the global
	// SSIM above threshold; the west patch is larger so unintended drift in
	// the west panel clearly misses the per-region threshold.
	westRect = image.Rect(8, 24, 40, 56)
	eastRect = image.Rect(96, 32, 112, 48)

	testRegions = imgcmp.RegionMap{
		"panel-west": imgcmp.Region{X: 0, Y: 0, W: 64, H: canvasH},
		"panel-east": imgcmp.Region{X: 64, Y: 0, W: 64, H: canvasH},
	}
	testSpec = json.RawMessage(`{"style":"modern","rooms":3,"sheet":"floor-plan"}`)
)

func testEngine(t *testing.T, gen Generator) *Engine {
	t.Helper()
	db := dbopen.OpenMemory(t,
		dbopen.WithSchema(artifact.Schema),
		dbopen.WithSchema(history.Schema))
	return New(
		artifact.NewStore(db),
		history.NewLedger(db),
		reqbuild.New(reqbuild.Config{}, nil),
		gen,
		drift.New(drift.Thresholds{}),
	)
}

func baselineReq() *BaselineRequest {
	return &BaselineRequest{
		DesignID: "d1",
		SheetID:  "floor-plan",
		Spec:     testSpec,
		Width:    canvasW,
		Height:   canvasH,
		Regions:  testRegions,
	}
}

func modifyReq() *ModifyRequest {
	return &ModifyRequest{
		DesignID: "d1",
		SheetID:  "floor-plan",
		Delta: reqbuild.Delta{
			Kind:    reqbuild.KindAddRegionContent,
			Regions: []string{"panel-east"},
			Content: "skylight",
		},
	}
}

// staticGen answers every request with the same image.
func staticGen(t *testing.T, img image.Image) genFunc {
	return func(_ context.Context, _ *reqbuild.GenerationRequest) (*genclient.RasterImage, error) {
		return raster(t, img), nil
	}
}

func TestGenerateBaseline(t *testing.T) {
	base := sheet(canvasW, canvasH)
	e := testEngine(t, staticGen(t, base))
	ctx := context.Background()

	res, err := e.GenerateBaseline(ctx, baselineReq())
	if err != nil {
		t.Fatalf("generate baseline: %v", err)
	}
	if res.Seed < 0 || res.Seed > 0xFFFF_FFFF {
		t.Errorf("seed %d outside 32-bit range", res.Seed)
	}
	if !strings.HasPrefix(res.ContentHash, "b2:") {
		t.Errorf("content hash %q missing digest prefix", res.ContentHash)
	}

	chain, err := e.GetHistory(ctx, "d1", "floor-plan")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(chain) != 1 {
		t.Fatalf("history length = %d, want 1", len(chain))
	}
	if chain[0].VersionID != res.VersionID {
		t.Errorf("version = %s, want %s", chain[0].VersionID, res.VersionID)
	}
	if chain[0].EngineVersion != Version {
		t.Errorf("engine version = %q, want %q", chain[0].EngineVersion, Version)
	}

	data, err := e.GetImage(ctx, res.VersionID)
	if err != nil {
		t.Fatalf("get image: %v", err)
	}
	if len(data) == 0 {
		t.Error("stored image is empty")
	}
}

func TestGenerateBaseline_SeedStableAcrossKeyOrder(t *testing.T) {
	base := sheet(canvasW, canvasH)
	ctx := context.Background()

	run := func(spec json.RawMessage) int64 {
		e := testEngine(t, staticGen(t, base))
		req := baselineReq()
		req.Spec = spec
		res, err := e.GenerateBaseline(ctx, req)
		if err != nil {
			t.Fatalf("generate baseline: %v", err)
		}
		return res.Seed
	}

	a := run(json.RawMessage(`{"style":"modern","rooms":3,"sheet":"floor-plan"}`))
	b := run(json.RawMessage(`{"sheet":"floor-plan","rooms":3,"style":"modern"}`))
	if a != b {
		t.Errorf("seeds differ across key order: %d vs %d", a, b)
	}

	c := run(json.RawMessage(`{"sheet":"floor-plan","rooms":4,"style":"modern"}`))
	if a == c {
		t.Error("different specs produced the same seed")
	}
}

func TestGenerateBaseline_WriteOnce(t *testing.T) {
	e := testEngine(t, staticGen(t, sheet(canvasW, canvasH)))
	ctx := context.Background()

	if _, err := e.GenerateBaseline(ctx, baselineReq()); err != nil {
		t.Fatalf("first baseline: %v", err)
	}
	_, err := e.GenerateBaseline(ctx, baselineReq())
	if !errors.Is(err, ErrBaselineExists) {
		t.Fatalf("error = %v, want ErrBaselineExists", err)
	}

	chain, err := e.GetHistory(ctx, "d1", "floor-plan")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(chain) != 1 {
		t.Errorf("history length = %d after rejected duplicate, want 1", len(chain))
	}
}

func TestModify_AcceptedFirstAttempt(t *testing.T) {
	base := sheet(canvasW, canvasH)
	modified := scribble(base, eastRect) // change lands inside the targeted panel only
	var calls atomic.Int32

	gen := genFunc(func(_ context.Context, req *reqbuild.GenerationRequest) (*genclient.RasterImage, error) {
		if calls.Add(1) == 1 {
			return raster(t, base), nil
		}
		if req.EditStrength <= 0 || req.EditStrength > 1 {
			t.Errorf("modification edit strength = %v", req.EditStrength)
		}
		if len(req.ReferenceImage) == 0 {
			t.Error("modification request missing reference image")
		}
		return raster(t, modified), nil
	})
	e := testEngine(t, gen)
	ctx := context.Background()

	baseRes, err := e.GenerateBaseline(ctx, baselineReq())
	if err != nil {
		t.Fatalf("baseline: %v", err)
	}
	res, err := e.Modify(ctx, modifyReq())
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if res.StrictnessLevel != 0 {
		t.Errorf("strictness = %d, want 0", res.StrictnessLevel)
	}
	if res.ParentVersionID != baseRes.VersionID {
		t.Errorf("parent = %s, want %s", res.ParentVersionID, baseRes.VersionID)
	}
	if res.Report == nil || res.Report.GlobalSSIM <= 0 {
		t.Errorf("missing comparison report: %+v", res.Report)
	}

	chain, err := e.GetHistory(ctx, "d1", "floor-plan")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(chain) != 2 {
		t.Fatalf("history length = %d, want 2", len(chain))
	}
	if chain[1].AppliedDelta == nil || chain[1].AppliedDelta.Content != "skylight" {
		t.Errorf("delta not recorded: %+v", chain[1].AppliedDelta)
	}
}

func TestModify_RetriesStricterThenAccepts(t *testing.T) {
	base := sheet(canvasW, canvasH)
	drifted := scribble(base, westRect) // untouched panel drifts
	good := scribble(base, eastRect)
	var modCalls atomic.Int32
	var strengths []float64

	gen := genFunc(func(_ context.Context, req *reqbuild.GenerationRequest) (*genclient.RasterImage, error) {
		if len(req.ReferenceImage) == 0 {
			return raster(t, base), nil // baseline call
		}
		strengths = append(strengths, req.EditStrength)
		if modCalls.Add(1) == 1 {
			return raster(t, drifted), nil
		}
		return raster(t, good), nil
	})
	e := testEngine(t, gen)
	ctx := context.Background()

	if _, err := e.GenerateBaseline(ctx, baselineReq()); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	res, err := e.Modify(ctx, modifyReq())
	if err != nil {
		t.Fatalf("modify: %v", err)
	}
	if res.StrictnessLevel != 1 {
		t.Errorf("strictness = %d, want 1", res.StrictnessLevel)
	}
	if len(strengths) != 2 || strengths[1] >= strengths[0] {
		t.Errorf("edit strength did not tighten across retries: %v", strengths)
	}
}

func TestModify_RejectedAfterExhaustion(t *testing.T) {
	base := sheet(canvasW, canvasH)
	black := image.NewRGBA(image.Rect(0, 0, canvasW, canvasH))
	var modCalls atomic.Int32

	gen := genFunc(func(_ context.Context, req *reqbuild.GenerationRequest) (*genclient.RasterImage, error) {
		if len(req.ReferenceImage) == 0 {
			return raster(t, base), nil
		}
		modCalls.Add(1)
		return raster(t, black), nil
	})
	e := testEngine(t, gen)
	ctx := context.Background()

	if _, err := e.GenerateBaseline(ctx, baselineReq()); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	_, err := e.Modify(ctx, modifyReq())

	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v, want *RejectedError", err)
	}
	if got := modCalls.Load(); int(got) != rejected.Attempts {
		t.Errorf("generation calls = %d, want %d", got, rejected.Attempts)
	}
	if len(rejected.Decision.FailedRegions) == 0 && !rejected.Decision.GlobalSSIMFail {
		t.Error("rejection carries no diagnostics")
	}
	if !strings.Contains(rejected.Summary(), "panel-west") {
		t.Errorf("summary does not name the drifted region: %s", rejected.Summary())
	}

	// Rejection must leave the history untouched.
	chain, err := e.GetHistory(ctx, "d1", "floor-plan")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(chain) != 1 {
		t.Errorf("history length = %d after rejection, want 1", len(chain))
	}
}

func TestModify_GenerationErrorsNeverAccepted(t *testing.T) {
	base := sheet(canvasW, canvasH)
	gen := genFunc(func(_ context.Context, req *reqbuild.GenerationRequest) (*genclient.RasterImage, error) {
		if len(req.ReferenceImage) == 0 {
			return raster(t, base), nil
		}
		return nil, genclient.ErrDimensionMismatch
	})
	e := testEngine(t, gen)
	ctx := context.Background()

	if _, err := e.GenerateBaseline(ctx, baselineReq()); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	_, err := e.Modify(ctx, modifyReq())

	var rejected *RejectedError
	if !errors.As(err, &rejected) {
		t.Fatalf("error = %v, want *RejectedError", err)
	}
	if rejected.Decision.Reason == "" {
		t.Error("error-routed rejection carries no reason")
	}
}

func TestModify_SequentialChain(t *testing.T) {
	base := sheet(canvasW, canvasH)
	modified := scribble(base, eastRect)
	var calls atomic.Int32

	gen := genFunc(func(_ context.Context, req *reqbuild.GenerationRequest) (*genclient.RasterImage, error) {
		n := calls.Add(1)
		if n == 1 {
			return raster(t, base), nil
		}
		// Alternate results so each version stores distinct bytes.
		if n%2 == 0 {
			return raster(t, modified), nil
		}
		return raster(t, base), nil
	})
	e := testEngine(t, gen)
	ctx := context.Background()

	if _, err := e.GenerateBaseline(ctx, baselineReq()); err != nil {
		t.Fatalf("baseline: %v", err)
	}
	const n = 4
	for i := 0; i < n; i++ {
		if _, err := e.Modify(ctx, modifyReq()); err != nil {
			t.Fatalf("modify %d: %v", i, err)
		}
	}

	chain, err := e.GetHistory(ctx, "d1", "floor-plan")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(chain) != n+1 {
		t.Fatalf("history length = %d, want %d", len(chain), n+1)
	}
	for i := 1; i < len(chain); i++ {
		if chain[i].ParentVersionID != chain[i-1].VersionID {
			t.Errorf("chain broken at %d: parent %s, want %s",
				i, chain[i].ParentVersionID, chain[i-1].VersionID)
		}
		if chain[i].Report == nil {
			t.Errorf("version %d missing comparison report", i)
		}
	}
}

func TestModify_CancellationLeavesStoresUntouched(t *testing.T) {
	base := sheet(canvasW, canvasH)
	gen := genFunc(func(ctx context.Context, req *reqbuild.GenerationRequest) (*genclient.RasterImage, error) {
		if len(req.ReferenceImage) == 0 {
			return raster(t, base), nil
		}
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := testEngine(t, gen)

	if _, err := e.GenerateBaseline(context.Background(), baselineReq()); err != nil {
		t.Fatalf("baseline: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Modify(ctx, modifyReq())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want context.Canceled", err)
	}

	chain, err := e.GetHistory(context.Background(), "d1", "floor-plan")
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(chain) != 1 {
		t.Errorf("history length = %d after cancellation, want 1", len(chain))
	}
}

func TestModify_UnknownSheet(t *testing.T) {
	e := testEngine(t, staticGen(t, sheet(canvasW, canvasH)))
	_, err := e.Modify(context.Background(), modifyReq())
	if !errors.Is(err, artifact.ErrNotFound) {
		t.Fatalf("error = %v, want artifact.ErrNotFound", err)
	}
}

func TestModify_InvalidDelta(t *testing.T) {
	e := testEngine(t, staticGen(t, sheet(canvasW, canvasH)))
	req := modifyReq()
	req.Delta.Regions = nil
	if _, err := e.Modify(context.Background(), req); err == nil {
		t.Fatal("expected validation error for delta without regions")
	}
}
