// Package drift decides whether a modification attempt is accepted, retried
// with stricter constraints, or rejected.
//
// The gate is the central failure-handling logic of the engine: a generation
// that drifted, returned the wrong canvas, or failed outright is never
// accepted silently. Every path out of an attempt goes through Decide or
// DecideError, and only a comparison that clears every threshold reaches
// Accepted.
package drift

import (
	"fmt"
	"sort"

	"github.com/hazyhaar/atelier/imgcmp"
)

// State of a single modification attempt.
type State string

const (
	StatePending   State = "pending"
	StateComparing State = "comparing"
	StateAccepted  State = "accepted"
	StateRetrying  State = "retrying"
	StateRejected  State = "rejected"
)

// Outcome is the terminal classification of one attempt.
type Outcome string

const (
	Accepted Outcome = "accepted"
	// RetryStricter means thresholds were missed but attempts remain; the
	// caller re-runs with strictnessLevel+1 and a tighter edit strength.
	RetryStricter Outcome = "retry_stricter"
	Rejected      Outcome = "rejected"
)

// Thresholds are the acceptance criteria. They are explicit configuration,
// not buried constants: the defaults below were tuned against one service's
// output variance and should be re-validated when the target service changes.
type Thresholds struct {
	// GlobalSSIM is the minimum whole-sheet SSIM. Default 0.92.
	GlobalSSIM float64 `yaml:"global_ssim"`
	// RegionSSIM is the minimum SSIM for every region the delta does not
	// target. Default 0.95.
	RegionSSIM float64 `yaml:"region_ssim"`
	// RegionPHashMax is the maximum pHash Hamming distance for untouched
	// regions. Default 10.
	RegionPHashMax int `yaml:"region_phash_max"`
	// MaxAttempts bounds the escalation loop. Default 3.
	MaxAttempts int `yaml:"max_attempts"`
}

// Defaults fills zero fields with the tuned default values.
func (t *Thresholds) Defaults() {
	if t.GlobalSSIM <= 0 {
		t.GlobalSSIM = 0.92
	}
	if t.RegionSSIM <= 0 {
		t.RegionSSIM = 0.95
	}
	if t.RegionPHashMax <= 0 {
		t.RegionPHashMax = 10
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 3
	}
}

// RegionFailure describes one region that missed its threshold, and by how
// much. The caller surfaces these so a rejection is diagnosable
// ("south elevation changed unexpectedly").
type RegionFailure struct {
	Region        string  `json:"region"`
	SSIM          float64 `json:"ssim"`
	SSIMMin       float64 `json:"ssim_min"`
	PHashDistance int     `json:"phash_distance"`
	PHashMax      int     `json:"phash_max"`
}

func (f RegionFailure) String() string {
	return fmt.Sprintf("%s: ssim %.4f (min %.2f), phash %d (max %d)",
		f.Region, f.SSIM, f.SSIMMin, f.PHashDistance, f.PHashMax)
}

// Decision is the gate's verdict on one attempt.
type Decision struct {
	Outcome        Outcome
	Report         *imgcmp.Report
	FailedRegions  []RegionFailure
	GlobalSSIMFail bool
	// Reason is set for error-routed decisions (dimension mismatch, decode
	// failure, service error) where no comparison report exists.
	Reason string
}

// State maps the decision onto the attempt state machine: accepted and
// rejected are terminal, retry_stricter leaves the attempt in retrying.
func (d Decision) State() State {
	switch d.Outcome {
	case Accepted:
		return StateAccepted
	case RetryStricter:
		return StateRetrying
	case Rejected:
		return StateRejected
	default:
		return StateComparing
	}
}

// Gate evaluates comparison reports against thresholds.
type Gate struct {
	thresholds Thresholds
}

// New creates a Gate. Zero threshold fields take defaults.
func New(t Thresholds) *Gate {
	t.Defaults()
	return &Gate{thresholds: t}
}

// Thresholds returns the effective acceptance criteria.
func (g *Gate) Thresholds() Thresholds { return g.thresholds }

// MaxAttempts returns the attempt bound of the escalation loop.
func (g *Gate) MaxAttempts() int { return g.thresholds.MaxAttempts }

// Decide maps a comparison report to an outcome. targets names the regions
// the delta intentionally changes; those are exempt from the per-region
// thresholds. attempt is zero-based.
func (g *Gate) Decide(report *imgcmp.Report, targets []string, attempt int) Decision {
	d := Decision{Report: report}

	targeted := make(map[string]bool, len(targets))
	for _, t := range targets {
		targeted[t] = true
	}

	if report.GlobalSSIM < g.thresholds.GlobalSSIM {
		d.GlobalSSIMFail = true
	}

	// Stable iteration so diagnostics list regions in a fixed order.
	names := make([]string, 0, len(report.PerRegion))
	for name := range report.PerRegion {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if targeted[name] {
			continue
		}
		m := report.PerRegion[name]
		if m.SSIM < g.thresholds.RegionSSIM || m.PHashDistance > g.thresholds.RegionPHashMax {
			d.FailedRegions = append(d.FailedRegions, RegionFailure{
				Region:        name,
				SSIM:          m.SSIM,
				SSIMMin:       g.thresholds.RegionSSIM,
				PHashDistance: m.PHashDistance,
				PHashMax:      g.thresholds.RegionPHashMax,
			})
		}
	}

	if !d.GlobalSSIMFail && len(d.FailedRegions) == 0 {
		d.Outcome = Accepted
		return d
	}
	d.Outcome = g.escalate(attempt)
	return d
}

// DecideError routes a failed generation attempt. Dimension mismatches,
// undecodable output and transient service failures become retries until
// attempts are exhausted. They are never accepted and never short-circuit
// to rejection while attempts remain.
func (g *Gate) DecideError(reason string, attempt int) Decision {
	return Decision{
		Outcome: g.escalate(attempt),
		Reason:  reason,
	}
}

func (g *Gate) escalate(attempt int) Outcome {
	if attempt+1 < g.thresholds.MaxAttempts {
		return RetryStricter
	}
	return Rejected
}
