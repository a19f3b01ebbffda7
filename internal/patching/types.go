package patching

import (
	"time"

	"github.com/breeze-rmm/autopatch/internal/report"
	"github.com/breeze-rmm/autopatch/internal/window"
)

// Reason explains a PatchDecision.
type Reason string

const (
	ReasonWithinWindow  Reason = "within_window"
	ReasonOutsideWindow Reason = "outside_window"
	ReasonNoHosts       Reason = "no_hosts"
)

// PatchDecision is the verdict for one vulnerability record.
type PatchDecision struct {
	Record   report.VulnerabilityRecord
	Eligible bool
	Reason   Reason
}

// PatchPlan holds one decision per input record, in input order.
type PatchPlan struct {
	Window    window.MaintenanceWindow
	Reference time.Time
	Decisions []PatchDecision
}

// Eligible returns the decisions that may be patched now, in input order.
func (p PatchPlan) Eligible() []PatchDecision {
	return p.filter(true)
}

// Deferred returns the ineligible decisions, in input order.
func (p PatchPlan) Deferred() []PatchDecision {
	return p.filter(false)
}

// Counts returns the number of eligible and deferred decisions.
func (p PatchPlan) Counts() (eligible, deferred int) {
	for _, d := range p.Decisions {
		if d.Eligible {
			eligible++
		} else {
			deferred++
		}
	}
	return eligible, deferred
}

func (p PatchPlan) filter(eligible bool) []PatchDecision {
	out := make([]PatchDecision, 0, len(p.Decisions))
	for _, d := range p.Decisions {
		if d.Eligible == eligible {
			out = append(out, d)
		}
	}
	return out
}
