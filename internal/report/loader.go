package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Format identifies the encoding of a report document.
type Format int

const (
	FormatJSON Format = iota
	FormatYAML
)

const topLevelKey = "vulnerabilities"

var recordFields = []string{"pkg", "version", "hosts", "cve"}

// FormatFromPath picks YAML for .yaml/.yml files and JSON otherwise.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads and validates the report at path.
func Load(path string) ([]VulnerabilityRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &MalformedReportError{Source: path, Reason: "cannot read report", Err: err}
	}

	records, err := Parse(data, FormatFromPath(path))
	if err != nil {
		var malformed *MalformedReportError
		if errors.As(err, &malformed) && malformed.Source == "" {
			malformed.Source = path
		}
		return nil, err
	}
	return records, nil
}

// Parse validates a report document held in memory. Unknown keys, missing
// fields and wrongly typed values are rejected, never coerced.
func Parse(data []byte, format Format) ([]VulnerabilityRecord, error) {
	if format == FormatYAML {
		normalized, err := yamlToJSON(data)
		if err != nil {
			return nil, err
		}
		data = normalized
	}

	var top map[string]json.RawMessage
	if err := json.Unmarshal(data, &top); err != nil {
		return nil, &MalformedReportError{Reason: "document is not an object", Err: err}
	}

	raw, ok := top[topLevelKey]
	if !ok {
		return nil, &MalformedReportError{Reason: fmt.Sprintf("missing top-level %q key", topLevelKey)}
	}
	if extra := unknownKeys(top, []string{topLevelKey}); len(extra) > 0 {
		return nil, &MalformedReportError{Reason: fmt.Sprintf("unknown top-level keys %s", strings.Join(extra, ", "))}
	}

	var entries []json.RawMessage
	if isNull(raw) || json.Unmarshal(raw, &entries) != nil {
		return nil, &MalformedReportError{Reason: fmt.Sprintf("%q is not a sequence", topLevelKey)}
	}

	records := make([]VulnerabilityRecord, 0, len(entries))
	for i, entry := range entries {
		rec, err := parseRecord(i, entry)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, nil
}

func parseRecord(index int, raw json.RawMessage) (VulnerabilityRecord, error) {
	var fields map[string]json.RawMessage
	if isNull(raw) || json.Unmarshal(raw, &fields) != nil {
		return VulnerabilityRecord{}, &InvalidRecordError{Index: index, Reason: "entry is not an object"}
	}

	if extra := unknownKeys(fields, recordFields); len(extra) > 0 {
		return VulnerabilityRecord{}, &InvalidRecordError{Index: index, Field: extra[0], Reason: "unknown field"}
	}

	var rec VulnerabilityRecord
	var err error
	if rec.Package, err = stringField(index, fields, "pkg"); err != nil {
		return VulnerabilityRecord{}, err
	}
	if rec.Version, err = stringField(index, fields, "version"); err != nil {
		return VulnerabilityRecord{}, err
	}
	if rec.CVE, err = stringField(index, fields, "cve"); err != nil {
		return VulnerabilityRecord{}, err
	}
	if !ValidCVE(rec.CVE) {
		return VulnerabilityRecord{}, &InvalidRecordError{Index: index, Field: "cve", Reason: fmt.Sprintf("%q does not match CVE-YYYY-NNNN", rec.CVE)}
	}
	if rec.Hosts, err = hostsField(index, fields); err != nil {
		return VulnerabilityRecord{}, err
	}
	return rec, nil
}

func stringField(index int, fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok {
		return "", &InvalidRecordError{Index: index, Field: name, Reason: "required field is missing"}
	}
	var s string
	if isNull(raw) || json.Unmarshal(raw, &s) != nil {
		return "", &InvalidRecordError{Index: index, Field: name, Reason: "must be a string"}
	}
	if strings.TrimSpace(s) == "" {
		return "", &InvalidRecordError{Index: index, Field: name, Reason: "must not be empty"}
	}
	return s, nil
}

// hostsField decodes the hosts array, dropping duplicates while keeping the
// first-seen order.
func hostsField(index int, fields map[string]json.RawMessage) ([]string, error) {
	raw, ok := fields["hosts"]
	if !ok {
		return nil, &InvalidRecordError{Index: index, Field: "hosts", Reason: "required field is missing"}
	}
	var hosts []string
	if isNull(raw) || json.Unmarshal(raw, &hosts) != nil {
		return nil, &InvalidRecordError{Index: index, Field: "hosts", Reason: "must be an array of strings"}
	}
	if len(hosts) == 0 {
		return nil, &InvalidRecordError{Index: index, Field: "hosts", Reason: "must not be empty"}
	}

	seen := make(map[string]struct{}, len(hosts))
	unique := make([]string, 0, len(hosts))
	for _, h := range hosts {
		if strings.TrimSpace(h) == "" {
			return nil, &InvalidRecordError{Index: index, Field: "hosts", Reason: "host names must not be empty"}
		}
		if _, dup := seen[h]; dup {
			continue
		}
		seen[h] = struct{}{}
		unique = append(unique, h)
	}
	return unique, nil
}

func unknownKeys(m map[string]json.RawMessage, allowed []string) []string {
	var extra []string
	for k := range m {
		if !slices.Contains(allowed, k) {
			extra = append(extra, k)
		}
	}
	sort.Strings(extra)
	return extra
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// yamlToJSON re-encodes a YAML document as JSON so both formats share one
// validation path. Non-string map keys make the document malformed.
func yamlToJSON(data []byte) ([]byte, error) {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, &MalformedReportError{Reason: "document is not valid YAML", Err: err}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, &MalformedReportError{Reason: "document cannot be represented as JSON", Err: err}
	}
	return out, nil
}
