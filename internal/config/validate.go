package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/breeze-rmm/autopatch/internal/logging"
)

// ValidationResult separates problems that must stop the run from values
// that were clamped to a safe range.
type ValidationResult struct {
	Fatals   []error
	Warnings []error
}

// HasFatals reports whether any fatal problem was found.
func (r ValidationResult) HasFatals() bool {
	return len(r.Fatals) > 0
}

// ValidateTiered checks the config. Out-of-range numbers are clamped in
// place and reported as warnings; everything else is fatal.
func (c *Config) ValidateTiered() ValidationResult {
	var r ValidationResult

	if c.LogLevel != "" && !logging.ValidLevel(c.LogLevel) {
		r.Fatals = append(r.Fatals, fmt.Errorf("log_level %q is not valid (use debug, info, warn, error)", c.LogLevel))
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		r.Fatals = append(r.Fatals, fmt.Errorf("log_format %q is not valid (use text or json)", c.LogFormat))
	}

	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("timezone %q: %w", c.Timezone, err))
		}
	}

	if c.WebhookURL != "" {
		u, err := url.Parse(c.WebhookURL)
		if err != nil {
			r.Fatals = append(r.Fatals, fmt.Errorf("webhook_url %q is not a valid URL: %w", c.WebhookURL, err))
		} else if u.Scheme != "http" && u.Scheme != "https" {
			r.Fatals = append(r.Fatals, fmt.Errorf("webhook_url scheme must be http or https, got %q", u.Scheme))
		}
	}

	switch strings.ToLower(c.Submit) {
	case "", SubmitNone:
	case SubmitGit:
		if c.Git.RepoPath == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("git.repo_path is required when submit is %q", SubmitGit))
		}
		if c.Git.Push && c.Git.SSHKeyFile == "" {
			r.Fatals = append(r.Fatals, fmt.Errorf("git.ssh_key_file is required when git.push is enabled"))
		}
	case SubmitArchive:
		switch c.Archive.Provider {
		case "local":
			if c.Archive.Path == "" {
				r.Fatals = append(r.Fatals, fmt.Errorf("archive.path is required for the local provider"))
			}
		case "s3":
			if c.Archive.Bucket == "" || c.Archive.Region == "" {
				r.Fatals = append(r.Fatals, fmt.Errorf("archive.bucket and archive.region are required for the s3 provider"))
			}
			if (c.Archive.AccessKeyID == "") != (c.Archive.SecretAccessKey == "") {
				r.Fatals = append(r.Fatals, fmt.Errorf("archive.access_key_id and archive.secret_access_key must be set together"))
			}
		default:
			r.Fatals = append(r.Fatals, fmt.Errorf("archive.provider %q is not valid (use local or s3)", c.Archive.Provider))
		}
	default:
		r.Fatals = append(r.Fatals, fmt.Errorf("submit %q is not valid (use none, git or archive)", c.Submit))
	}

	c.MaxWorkers = clamp(&r, "max_workers", c.MaxWorkers, 1, 64)
	c.QueueSize = clamp(&r, "queue_size", c.QueueSize, 1, 10000)
	c.WebhookTimeoutSeconds = clamp(&r, "webhook_timeout_seconds", c.WebhookTimeoutSeconds, 1, 120)
	c.WebhookMaxRetries = clamp(&r, "webhook_max_retries", c.WebhookMaxRetries, 0, 10)

	return r
}

func clamp(r *ValidationResult, key string, value, lo, hi int) int {
	if value < lo {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d is below minimum %d, clamping", key, value, lo))
		return lo
	}
	if value > hi {
		r.Warnings = append(r.Warnings, fmt.Errorf("%s %d exceeds maximum %d, clamping", key, value, hi))
		return hi
	}
	return value
}
