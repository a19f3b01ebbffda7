package report

import (
	"fmt"
	"regexp"
)

var cvePattern = regexp.MustCompile(`^CVE-\d{4}-\d+$`)

// VulnerabilityRecord is one validated report entry. Records are values:
// the loader never shares the Hosts backing array with its input, and
// consumers are expected to treat them as read-only.
type VulnerabilityRecord struct {
	Package string   `json:"pkg"`
	Version string   `json:"version"`
	Hosts   []string `json:"hosts"`
	CVE     string   `json:"cve"`
}

// Clone returns a copy that shares no memory with r.
func (r VulnerabilityRecord) Clone() VulnerabilityRecord {
	c := r
	if r.Hosts != nil {
		c.Hosts = append([]string(nil), r.Hosts...)
	}
	return c
}

func (r VulnerabilityRecord) String() string {
	return fmt.Sprintf("%s %s@%s", r.CVE, r.Package, r.Version)
}

// ValidCVE reports whether id has the CVE-YYYY-N shape.
func ValidCVE(id string) bool {
	return cvePattern.MatchString(id)
}

// MalformedReportError means the document as a whole is unusable: it could
// not be read or decoded, or it lacks a top-level vulnerabilities sequence.
type MalformedReportError struct {
	Source string
	Reason string
	Err    error
}

func (e *MalformedReportError) Error() string {
	msg := "malformed report"
	if e.Source != "" {
		msg += " " + e.Source
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedReportError) Unwrap() error { return e.Err }

// InvalidRecordError points at the first entry of the vulnerabilities
// sequence that failed schema validation.
type InvalidRecordError struct {
	Index  int
	Field  string // empty when the entry itself has the wrong shape
	Reason string
}

func (e *InvalidRecordError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid record at index %d: %s", e.Index, e.Reason)
	}
	return fmt.Sprintf("invalid record at index %d: field %q: %s", e.Index, e.Field, e.Reason)
}
