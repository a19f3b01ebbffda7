package change

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/breeze-rmm/autopatch/internal/catalog"
	"github.com/breeze-rmm/autopatch/internal/logging"
	"github.com/breeze-rmm/autopatch/internal/patching"
)

// Resolver looks up an approved remediation for a vulnerable package.
// *catalog.Catalog implements it.
type Resolver interface {
	Resolve(pkg, version string) (catalog.Remediation, bool)
}

// Emitter renders patch plans into change artifacts.
type Emitter struct {
	resolver Resolver
	log      *slog.Logger
}

// NewEmitter creates an Emitter. resolver may be nil when no catalog is
// configured; a nil logger discards output.
func NewEmitter(resolver Resolver, logger *slog.Logger) *Emitter {
	return &Emitter{resolver: resolver, log: logging.OrDiscard(logger)}
}

// Emit renders plan without remediation lookups.
func Emit(plan patching.PatchPlan) Artifact {
	return NewEmitter(nil, nil).Emit(plan)
}

// Emit renders plan. Every decision appears exactly once: eligible entries
// first, then deferred ones, each group in plan order.
func (e *Emitter) Emit(plan patching.PatchPlan) Artifact {
	var eligible, deferred []Entry
	for _, d := range plan.Decisions {
		entry := Entry{
			CVE:      d.Record.CVE,
			Package:  d.Record.Package,
			Version:  d.Record.Version,
			Hosts:    append([]string{}, d.Record.Hosts...),
			Eligible: d.Eligible,
			Reason:   string(d.Reason),
		}
		if d.Eligible {
			eligible = append(eligible, entry)
		} else {
			deferred = append(deferred, entry)
		}
	}

	a := Artifact{
		Slug:         slugFor(eligible, deferred),
		Window:       plan.Window.String(),
		Reference:    plan.Reference.Format(time.RFC3339),
		EligibleCVEs: cves(eligible),
		DeferredCVEs: cves(deferred),
		Entries:      append(append(make([]Entry, 0, len(eligible)+len(deferred)), eligible...), deferred...),
	}

	if e.resolver != nil {
		for _, entry := range eligible {
			r, ok := e.resolver.Resolve(entry.Package, entry.Version)
			if !ok {
				a.Unresolved = append(a.Unresolved, entry.CVE)
				e.log.Warn("no approved package", "cve", entry.CVE, "pkg", entry.Package, "version", entry.Version)
				continue
			}
			r.CVE = entry.CVE
			r.Hosts = entry.Hosts
			a.Remediations = append(a.Remediations, r)
		}
	}

	a.Title = title(a.EligibleCVEs, len(a.DeferredCVEs))
	a.Body = body(a, eligible, deferred, e.resolver != nil)

	e.log.Info("change artifact emitted",
		"slug", a.Slug,
		"eligible", len(a.EligibleCVEs),
		"deferred", len(a.DeferredCVEs),
		"remediations", len(a.Remediations),
	)
	return a
}

func cves(entries []Entry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.CVE)
	}
	return out
}

func title(eligible []string, deferred int) string {
	switch len(eligible) {
	case 0:
		return fmt.Sprintf("AUTO-PATCH: no eligible patches (%d deferred)", deferred)
	case 1:
		return "AUTO-PATCH: " + eligible[0]
	default:
		return fmt.Sprintf("AUTO-PATCH: %s and %d more", eligible[0], len(eligible)-1)
	}
}

// cell escapes a value for a Markdown table column.
func cell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

func body(a Artifact, eligible, deferred []Entry, withCatalog bool) string {
	var b strings.Builder

	b.WriteString("## AutoPatch plan\n\n")
	fmt.Fprintf(&b, "Maintenance window: `%s`\n", a.Window)
	fmt.Fprintf(&b, "Reference instant: `%s`\n\n", a.Reference)

	fmt.Fprintf(&b, "### Eligible (%d)\n\n", len(eligible))
	if len(eligible) == 0 {
		b.WriteString("_None._\n\n")
	} else {
		b.WriteString("| CVE | Package | Version | Hosts |\n|---|---|---|---|\n")
		for _, e := range eligible {
			fmt.Fprintf(&b, "| %s | %s | %s | %s |\n", cell(e.CVE), cell(e.Package), cell(e.Version), cell(strings.Join(e.Hosts, ", ")))
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "### Deferred (%d)\n\n", len(deferred))
	if len(deferred) == 0 {
		b.WriteString("_None._\n")
	} else {
		b.WriteString("| CVE | Package | Version | Hosts | Reason |\n|---|---|---|---|---|\n")
		for _, e := range deferred {
			fmt.Fprintf(&b, "| %s | %s | %s | %s | %s |\n", cell(e.CVE), cell(e.Package), cell(e.Version), cell(strings.Join(e.Hosts, ", ")), e.Reason)
		}
	}

	if withCatalog && len(eligible) > 0 {
		b.WriteString("\n### Remediations\n\n")
		for _, r := range a.Remediations {
			fmt.Fprintf(&b, "- %s: %s %s -> %s\n", r.CVE, r.Package, r.FromVersion, r.ToVersion)
		}
		for _, cve := range a.Unresolved {
			fmt.Fprintf(&b, "- %s: no approved package\n", cve)
		}
	}

	return b.String()
}
