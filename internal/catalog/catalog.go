// Package catalog resolves vulnerable packages to vetted remediation
// bundles. Each bundle lives in its own directory with an AGENT.yaml
// manifest describing the rollout steps and validation checks.
package catalog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"gopkg.in/yaml.v3"
)

// ManifestName is the file expected in every approved package directory.
const ManifestName = "AGENT.yaml"

// Step is a named shell action.
type Step struct {
	Name  string `yaml:"name"`
	Shell string `yaml:"shell"`
}

// Manifest is the decoded AGENT.yaml.
type Manifest struct {
	Package  string `yaml:"package"`
	Version  string `yaml:"version"`
	Checksum string `yaml:"checksum,omitempty"` // "sha256:<hex>"
	Artifact string `yaml:"artifact,omitempty"` // file inside the package dir covered by Checksum
	Steps    []Step `yaml:"steps"`
	Validate []Step `yaml:"validate,omitempty"`
}

// Remediation pairs a vulnerable package version with the approved bundle
// that replaces it.
type Remediation struct {
	CVE         string   `json:"cve,omitempty"`
	Package     string   `json:"package"`
	FromVersion string   `json:"fromVersion"`
	ToVersion   string   `json:"toVersion"`
	Hosts       []string `json:"hosts,omitempty"`
	Dir         string   `json:"-"`
	Checksum    string   `json:"checksum,omitempty"`
	Steps       []Step   `json:"-"`
	Validate    []Step   `json:"-"`
}

type entry struct {
	dir      string
	manifest Manifest
	version  *semver.Version // nil when the version is not semver
}

// Catalog is an immutable, in-memory index of approved packages. It is safe
// for concurrent use once loaded.
type Catalog struct {
	entries []entry
}

// Load scans dir for <name>/AGENT.yaml manifests. Directories without a
// manifest are skipped; an unreadable or invalid manifest fails the load.
func Load(dir string) (*Catalog, error) {
	dirEntries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read catalog dir: %w", err)
	}

	c := &Catalog{}
	for _, de := range dirEntries {
		if !de.IsDir() {
			continue
		}
		pkgDir := filepath.Join(dir, de.Name())
		manifestPath := filepath.Join(pkgDir, ManifestName)

		data, err := os.ReadFile(manifestPath)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", manifestPath, err)
		}

		m, err := ParseManifest(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", manifestPath, err)
		}
		if err := verifyArtifact(pkgDir, m); err != nil {
			return nil, fmt.Errorf("%s: %w", manifestPath, err)
		}

		e := entry{dir: pkgDir, manifest: m}
		if v, err := semver.NewVersion(m.Version); err == nil {
			e.version = v
		}
		c.entries = append(c.entries, e)
	}

	sort.Slice(c.entries, func(i, j int) bool { return c.entries[i].dir < c.entries[j].dir })
	return c, nil
}

// ParseManifest decodes an AGENT.yaml document, rejecting unknown keys.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&m); err != nil {
		if errors.Is(err, io.EOF) {
			return Manifest{}, errors.New("empty manifest")
		}
		return Manifest{}, fmt.Errorf("decode manifest: %w", err)
	}

	if m.Package == "" || m.Version == "" {
		return Manifest{}, errors.New("manifest requires package and version")
	}
	if len(m.Steps) == 0 {
		return Manifest{}, errors.New("manifest requires at least one step")
	}
	for i, s := range append(append([]Step(nil), m.Steps...), m.Validate...) {
		if s.Name == "" || s.Shell == "" {
			return Manifest{}, fmt.Errorf("step %d requires name and shell", i)
		}
	}
	if m.Checksum != "" && !strings.HasPrefix(m.Checksum, "sha256:") {
		return Manifest{}, fmt.Errorf("checksum %q must be sha256:<hex>", m.Checksum)
	}
	if m.Artifact != "" && m.Checksum == "" {
		return Manifest{}, errors.New("artifact requires a checksum")
	}
	return m, nil
}

func verifyArtifact(pkgDir string, m Manifest) error {
	if m.Artifact == "" {
		return nil
	}
	if !filepath.IsLocal(m.Artifact) {
		return fmt.Errorf("artifact %q must stay inside the package directory", m.Artifact)
	}

	f, err := os.Open(filepath.Join(pkgDir, m.Artifact))
	if err != nil {
		return fmt.Errorf("open artifact: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return fmt.Errorf("hash artifact: %w", err)
	}
	want := strings.TrimPrefix(m.Checksum, "sha256:")
	if got := hex.EncodeToString(h.Sum(nil)); !strings.EqualFold(got, want) {
		return fmt.Errorf("checksum mismatch for %s: got sha256:%s", m.Artifact, got)
	}
	return nil
}

// Len returns the number of approved packages.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.entries)
}

// Resolve finds the approved bundle for pkg at the vulnerable version. With
// a semantic version it picks the lowest approved version above the
// vulnerable one; otherwise it falls back to an exact pkg/version match.
func (c *Catalog) Resolve(pkg, version string) (Remediation, bool) {
	if c == nil {
		return Remediation{}, false
	}

	if current, err := semver.NewVersion(version); err == nil {
		var best *entry
		for i := range c.entries {
			e := &c.entries[i]
			if e.manifest.Package != pkg || e.version == nil || !e.version.GreaterThan(current) {
				continue
			}
			if best == nil || e.version.LessThan(best.version) {
				best = e
			}
		}
		if best == nil {
			return Remediation{}, false
		}
		return best.remediation(version), true
	}

	for i := range c.entries {
		e := &c.entries[i]
		if e.manifest.Package == pkg && e.manifest.Version == version {
			return e.remediation(version), true
		}
	}
	return Remediation{}, false
}

func (e *entry) remediation(from string) Remediation {
	return Remediation{
		Package:     e.manifest.Package,
		FromVersion: from,
		ToVersion:   e.manifest.Version,
		Dir:         e.dir,
		Checksum:    e.manifest.Checksum,
		Steps:       append([]Step(nil), e.manifest.Steps...),
		Validate:    append([]Step(nil), e.manifest.Validate...),
	}
}
