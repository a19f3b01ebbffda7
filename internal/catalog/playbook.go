package catalog

import (
	"bytes"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rollout phases: a small canary slice first, then larger batches.
const (
	CanarySerial = "10%"
	BatchSerial  = "30%"
)

// Task is one playbook task.
type Task struct {
	Name  string `yaml:"name"`
	Shell string `yaml:"shell"`
}

// Play is one playbook phase.
type Play struct {
	Name   string `yaml:"name"`
	Hosts  string `yaml:"hosts"`
	Serial string `yaml:"serial"`
	Tasks  []Task `yaml:"tasks"`
}

// Playbook builds a canary play and a batch play per remediation, in the
// order given.
func Playbook(remediations []Remediation) []Play {
	plays := make([]Play, 0, 2*len(remediations))
	for _, r := range remediations {
		hosts := "all"
		if len(r.Hosts) > 0 {
			hosts = strings.Join(r.Hosts, ",")
		}

		tasks := make([]Task, 0, len(r.Steps)+len(r.Validate))
		for _, s := range r.Steps {
			tasks = append(tasks, Task{Name: s.Name, Shell: s.Shell})
		}
		for _, s := range r.Validate {
			tasks = append(tasks, Task{Name: "validate: " + s.Name, Shell: s.Shell})
		}

		label := fmt.Sprintf("%s %s -> %s", r.Package, r.FromVersion, r.ToVersion)
		if r.CVE != "" {
			label = r.CVE + " " + label
		}
		plays = append(plays,
			Play{Name: "canary: " + label, Hosts: hosts, Serial: CanarySerial, Tasks: tasks},
			Play{Name: "batch: " + label, Hosts: hosts, Serial: BatchSerial, Tasks: tasks},
		)
	}
	return plays
}

// RenderPlaybook encodes the playbook as YAML.
func RenderPlaybook(remediations []Remediation) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(Playbook(remediations)); err != nil {
		return nil, fmt.Errorf("encode playbook: %w", err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encode playbook: %w", err)
	}
	return buf.Bytes(), nil
}
