package engine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hazyhaar/atelier/drift"
)

// ErrBaselineExists is returned when GenerateBaseline is called for a
// (design, sheet) that already has a frozen baseline.
var ErrBaselineExists = errors.New("engine: baseline already exists")

// RejectedError is returned when a modification exhausted its attempts
// without clearing the consistency gate. It carries the last decision so the
// caller can see exactly which regions drifted; the baseline and history are
// untouched.
type RejectedError struct {
	DesignID string
	SheetID  string
	Attempts int
	Decision drift.Decision
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("engine: modification of %s/%s rejected after %d attempts: %s",
		e.DesignID, e.SheetID, e.Attempts, e.Summary())
}

// Summary renders a one-line diagnosis of the final attempt: the failure
// reason for error-routed attempts, or the failed regions with their min and
// mean SSIM for threshold misses.
func (e *RejectedError) Summary() string {
	d := e.Decision
	if d.Reason != "" {
		return d.Reason
	}

	var parts []string
	if d.GlobalSSIMFail && d.Report != nil {
		parts = append(parts, fmt.Sprintf("global ssim %.4f", d.Report.GlobalSSIM))
	}
	if len(d.FailedRegions) > 0 {
		minSSIM, sum := d.FailedRegions[0].SSIM, 0.0
		names := make([]string, 0, len(d.FailedRegions))
		for _, f := range d.FailedRegions {
			if f.SSIM < minSSIM {
				minSSIM = f.SSIM
			}
			sum += f.SSIM
			names = append(names, f.Region)
		}
		parts = append(parts, fmt.Sprintf("%d region(s) drifted [%s], ssim min %.4f mean %.4f",
			len(d.FailedRegions), strings.Join(names, ", "),
			minSSIM, sum/float64(len(d.FailedRegions))))
	}
	if len(parts) == 0 {
		return "thresholds not met"
	}
	return strings.Join(parts, "; ")
}
