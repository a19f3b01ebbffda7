package change

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"path"
	"strings"

	"github.com/breeze-rmm/autopatch/internal/catalog"
)

// File names written by submitters, relative to Artifact.Dir().
const (
	PlanMarkdownFile = "PATCH_PLAN.md"
	PlanJSONFile     = "plan.json"
	PlaybookFile     = "playbook.yaml"
)

// Entry is one decision as rendered in the artifact.
type Entry struct {
	CVE      string   `json:"cve"`
	Package  string   `json:"pkg"`
	Version  string   `json:"version"`
	Hosts    []string `json:"hosts"`
	Eligible bool     `json:"eligible"`
	Reason   string   `json:"reason"`
}

// Artifact is the change description handed to a Submitter. Everything in
// it derives from the plan, so equal plans give byte-identical artifacts.
type Artifact struct {
	Title        string                `json:"title"`
	Body         string                `json:"body"`
	Slug         string                `json:"slug"`
	Window       string                `json:"window"`
	Reference    string                `json:"reference"`
	EligibleCVEs []string              `json:"eligibleCves"`
	DeferredCVEs []string              `json:"deferredCves"`
	Entries      []Entry               `json:"entries"`
	Remediations []catalog.Remediation `json:"remediations,omitempty"`
	Unresolved   []string              `json:"unresolved,omitempty"`
}

// File is one file a submitter persists.
type File struct {
	Path string
	Data []byte
}

// Dir is the slash-separated directory that holds the artifact's files.
func (a Artifact) Dir() string {
	return path.Join("autopatch", a.Slug)
}

// CommitMessage is the one-line summary plus the body, for VCS submitters.
func (a Artifact) CommitMessage() string {
	return a.Title + "\n\n" + a.Body
}

// JSON returns the indented JSON encoding of the artifact.
func (a Artifact) JSON() ([]byte, error) {
	data, err := json.MarshalIndent(a, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode artifact: %w", err)
	}
	return append(data, '\n'), nil
}

// Files returns the files to persist, in a fixed order.
func (a Artifact) Files() ([]File, error) {
	planJSON, err := a.JSON()
	if err != nil {
		return nil, err
	}

	files := []File{
		{Path: path.Join(a.Dir(), PlanMarkdownFile), Data: []byte(a.Title + "\n\n" + a.Body)},
		{Path: path.Join(a.Dir(), PlanJSONFile), Data: planJSON},
	}

	if len(a.Remediations) > 0 {
		playbook, err := catalog.RenderPlaybook(a.Remediations)
		if err != nil {
			return nil, err
		}
		files = append(files, File{Path: path.Join(a.Dir(), PlaybookFile), Data: playbook})
	}
	return files, nil
}

// Summary is the one-line human summary printed by the CLI.
func (a Artifact) Summary() string {
	return fmt.Sprintf("eligible: %d, deferred: %d", len(a.EligibleCVEs), len(a.DeferredCVEs))
}

// slugFor is the first CVE plus a fingerprint of every entry. Equal content
// gives equal slugs; reports that only share a first CVE do not.
func slugFor(eligible, deferred []Entry) string {
	switch {
	case len(eligible) > 0:
		return "autopatch-" + strings.ToLower(eligible[0].CVE) + "-" + fingerprint(eligible, deferred)
	case len(deferred) > 0:
		return "autopatch-deferred-" + strings.ToLower(deferred[0].CVE) + "-" + fingerprint(eligible, deferred)
	default:
		return "autopatch-empty"
	}
}

func fingerprint(groups ...[]Entry) string {
	h := sha256.New()
	for _, entries := range groups {
		for _, e := range entries {
			fmt.Fprintf(h, "%q %q %q %q %s\n", e.CVE, e.Package, e.Version, e.Hosts, e.Reason)
		}
	}
	return hex.EncodeToString(h.Sum(nil))[:8]
}
