package patching

import (
	"log/slog"
	"time"

	"github.com/breeze-rmm/autopatch/internal/logging"
	"github.com/breeze-rmm/autopatch/internal/report"
	"github.com/breeze-rmm/autopatch/internal/window"
)

// Plan decides, for every record in order, whether it may be patched at
// reference. It has no side effects and returns the same plan for the same
// inputs. Records are copied so the plan never aliases the caller's slices.
func Plan(records []report.VulnerabilityRecord, w window.MaintenanceWindow, reference time.Time) PatchPlan {
	inWindow := w.Contains(reference)

	decisions := make([]PatchDecision, 0, len(records))
	for _, rec := range records {
		d := PatchDecision{Record: rec.Clone()}
		switch {
		case len(rec.Hosts) == 0:
			// The loader rejects empty host lists; records built elsewhere
			// still get checked here.
			d.Reason = ReasonNoHosts
		case inWindow:
			d.Eligible = true
			d.Reason = ReasonWithinWindow
		default:
			d.Reason = ReasonOutsideWindow
		}
		decisions = append(decisions, d)
	}

	return PatchPlan{
		Window:    w,
		Reference: reference,
		Decisions: decisions,
	}
}

// Planner wraps Plan with logging for use inside the pipeline.
type Planner struct {
	log *slog.Logger
}

// NewPlanner creates a Planner. A nil logger discards output.
func NewPlanner(logger *slog.Logger) *Planner {
	return &Planner{log: logging.OrDiscard(logger)}
}

// Plan computes the plan and logs a summary of it.
func (p *Planner) Plan(records []report.VulnerabilityRecord, w window.MaintenanceWindow, reference time.Time) PatchPlan {
	plan := Plan(records, w, reference)
	eligible, deferred := plan.Counts()

	p.log.Info("patch plan computed",
		"window", w.String(),
		"windowDuration", w.Duration().String(),
		"reference", reference.Format(time.RFC3339),
		"eligible", eligible,
		"deferred", deferred,
	)
	for _, d := range plan.Decisions {
		p.log.Debug("patch decision",
			"cve", d.Record.CVE,
			"pkg", d.Record.Package,
			"eligible", d.Eligible,
			"reason", string(d.Reason),
		)
	}
	return plan
}
