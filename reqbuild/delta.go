package reqbuild

import "fmt"

// Kind tags the closed set of delta operations. Modelling the delta as a
// tagged variant (instead of a free-form object) lets the builder and the
// per-region targeting logic switch exhaustively.
type Kind string

const (
	// KindAddRegionContent adds an element to one region
	// (e.g. "add north-facing window" targeting "elevation-north").
	KindAddRegionContent Kind = "add_region_content"
	// KindReplaceMaterial swaps a surface material across the named regions.
	KindReplaceMaterial Kind = "replace_material"
	// KindAdjustAnnotation changes labels or dimension strings in a region.
	KindAdjustAnnotation Kind = "adjust_annotation"
	// KindOther is the free-form fallback for requests the closed set does
	// not cover. It still names its target regions explicitly.
	KindOther Kind = "other"
)

// Delta is a structured description of one requested change.
type Delta struct {
	Kind    Kind     `json:"kind"`
	Regions []string `json:"regions"`
	// Content describes what to add (KindAddRegionContent).
	Content string `json:"content,omitempty"`
	// Material names the replacement material (KindReplaceMaterial).
	Material string `json:"material,omitempty"`
	// Annotation is the new annotation text (KindAdjustAnnotation).
	Annotation string `json:"annotation,omitempty"`
	// Freeform carries the raw request for KindOther.
	Freeform string `json:"freeform,omitempty"`
}

// Validate checks the variant's required fields.
func (d Delta) Validate() error {
	if len(d.Regions) == 0 {
		return fmt.Errorf("reqbuild: delta targets no regions")
	}
	switch d.Kind {
	case KindAddRegionContent:
		if d.Content == "" {
			return fmt.Errorf("reqbuild: add_region_content without content")
		}
	case KindReplaceMaterial:
		if d.Material == "" {
			return fmt.Errorf("reqbuild: replace_material without material")
		}
	case KindAdjustAnnotation:
		if d.Annotation == "" {
			return fmt.Errorf("reqbuild: adjust_annotation without annotation")
		}
	case KindOther:
		if d.Freeform == "" {
			return fmt.Errorf("reqbuild: other delta without description")
		}
	default:
		return fmt.Errorf("reqbuild: unknown delta kind %q", d.Kind)
	}
	return nil
}

// instruction renders the delta's change request as deterministic prompt
// text. Wording is intentionally mechanical; prompt craft lives with the
// caller via PromptFunc, this is only the fallback.
func (d Delta) instruction() string {
	switch d.Kind {
	case KindAddRegionContent:
		return fmt.Sprintf("add %s in %s", d.Content, joinRegions(d.Regions))
	case KindReplaceMaterial:
		return fmt.Sprintf("replace material with %s in %s", d.Material, joinRegions(d.Regions))
	case KindAdjustAnnotation:
		return fmt.Sprintf("adjust annotation to %q in %s", d.Annotation, joinRegions(d.Regions))
	default:
		return fmt.Sprintf("%s in %s", d.Freeform, joinRegions(d.Regions))
	}
}

func joinRegions(regions []string) string {
	out := ""
	for i, r := range regions {
		if i > 0 {
			out += ", "
		}
		out += r
	}
	return out
}
