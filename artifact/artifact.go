// Package artifact persists immutable baseline bundles, one per
// (design, sheet) lineage.
//
// A baseline is written exactly once and never mutated; every later change
// to a sheet becomes a new design version chained off it (package history).
// Image bytes live in a content-addressed blob table, so identical renders
// share storage and every load can be integrity-checked against the digest
// recorded at save time.
package artifact

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hazyhaar/atelier/imgcmp"
	"github.com/hazyhaar/atelier/seedid"
)

// ErrConflict is returned by Save when a baseline already exists for the
// (design, sheet) pair. Callers wanting a fresh baseline must start a new
// sheet lineage; overwriting is never an option.
var ErrConflict = errors.New("artifact: baseline already exists for this sheet")

// ErrNotFound is returned when no baseline (or blob) exists for the key.
var ErrNotFound = errors.New("artifact: not found")

// ErrCorrupt is returned by Load when the stored image bytes no longer match
// the digest recorded at save time. A corrupt baseline is fatal for its
// lineage: the engine must never generate against tampered reference bytes.
var ErrCorrupt = errors.New("artifact: stored image fails integrity check")

// BaselineArtifact is the immutable bundle frozen at first generation.
type BaselineArtifact struct {
	BaselineID   string           `json:"baseline_id"`
	DesignID     string           `json:"design_id"`
	SheetID      string           `json:"sheet_id"`
	ImageRef     string           `json:"image_ref"`
	ImageBytes   []byte           `json:"-"`
	ContentHash  string           `json:"content_hash"`
	SpecSnapshot json.RawMessage  `json:"spec_snapshot"`
	Seed         int64            `json:"seed"`
	Regions      imgcmp.RegionMap `json:"regions"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Clone returns a deep copy. Handed to any caller that could mutate the
// bundle in place (caches, handlers) so the stored artifact stays frozen.
func (a *BaselineArtifact) Clone() *BaselineArtifact {
	cp := *a
	cp.ImageBytes = append([]byte(nil), a.ImageBytes...)
	cp.SpecSnapshot = append(json.RawMessage(nil), a.SpecSnapshot...)
	cp.Regions = make(imgcmp.RegionMap, len(a.Regions))
	for k, v := range a.Regions {
		cp.Regions[k] = v
	}
	return &cp
}

// Validate checks the fields a caller must supply before Save.
func (a *BaselineArtifact) Validate() error {
	switch {
	case a.DesignID == "":
		return fmt.Errorf("artifact: missing design ID")
	case a.SheetID == "":
		return fmt.Errorf("artifact: missing sheet ID")
	case len(a.ImageBytes) == 0:
		return fmt.Errorf("artifact: missing image bytes")
	case len(a.SpecSnapshot) == 0:
		return fmt.Errorf("artifact: missing spec snapshot")
	}
	return nil
}

// verifyIntegrity recomputes the digest over bytes loaded from storage.
func verifyIntegrity(data []byte, digest string) error {
	if !seedid.VerifyContent(data, digest) {
		return ErrCorrupt
	}
	return nil
}
