package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/breeze-rmm/autopatch/internal/archive"
	"github.com/breeze-rmm/autopatch/internal/audit"
	"github.com/breeze-rmm/autopatch/internal/catalog"
	"github.com/breeze-rmm/autopatch/internal/change"
	"github.com/breeze-rmm/autopatch/internal/config"
	"github.com/breeze-rmm/autopatch/internal/forge"
	"github.com/breeze-rmm/autopatch/internal/logging"
	"github.com/breeze-rmm/autopatch/internal/metrics"
	"github.com/breeze-rmm/autopatch/internal/notify"
	"github.com/breeze-rmm/autopatch/internal/pipeline"
	"github.com/breeze-rmm/autopatch/internal/window"
)

type planOptions struct {
	window   string
	at       string
	timezone string
	submit   string
	json     bool
}

func newPlanCmd(c *cli) *cobra.Command {
	opts := &planOptions{}
	cmd := &cobra.Command{
		Use:   "plan <report>...",
		Short: "Plan patches for one or more vulnerability reports",
		Long: `Plan loads each report, decides per vulnerability whether it may be patched
inside the maintenance window at the reference instant, and emits a change
artifact. Reports are processed independently; the exit code is the one of
the first failing report in argument order.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runPlan(cmd.Context(), opts, args)
		},
	}

	cmd.Flags().StringVar(&opts.window, "window", "", `maintenance window, e.g. "2025-09-15 01:00-06:00" (optional zone: Z, UTC, ±HH:MM)`)
	cmd.Flags().StringVar(&opts.at, "at", "", "reference instant in RFC 3339 (default: now)")
	cmd.Flags().StringVar(&opts.timezone, "tz", "", "IANA zone for windows without a zone token (overrides config timezone)")
	cmd.Flags().StringVar(&opts.submit, "submit", "", "submission mode: none, git or archive (overrides config submit)")
	cmd.Flags().BoolVar(&opts.json, "json", false, "print the change artifact as JSON")
	_ = cmd.MarkFlagRequired("window")
	return cmd
}

func (c *cli) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(c.cfgFile)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if c.logLevel != "" {
		cfg.LogLevel = c.logLevel
	}
	if c.logFormat != "" {
		cfg.LogFormat = c.logFormat
	}
	return cfg, nil
}

func (c *cli) initLogging(cfg *config.Config) (*logging.Sink, error) {
	return logging.Init(logging.Options{
		Format:     cfg.LogFormat,
		Level:      cfg.LogLevel,
		Output:     c.stderr,
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogMaxSizeMB,
		MaxBackups: cfg.LogMaxBackups,
	})
}

func (c *cli) runPlan(ctx context.Context, opts *planOptions, reports []string) (err error) {
	cfg, err := c.loadConfig()
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	if opts.timezone != "" {
		cfg.Timezone = opts.timezone
	}
	if opts.submit != "" {
		cfg.Submit = opts.submit
	}

	result := cfg.ValidateTiered()
	if result.HasFatals() {
		for _, f := range result.Fatals {
			fmt.Fprintf(c.stderr, "config: %v\n", f)
		}
		return &exitError{code: exitUsage, err: errors.New("invalid configuration")}
	}

	sink, err := c.initLogging(cfg)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	defer sink.Close()
	log := sink.Logger("main")
	for _, w := range result.Warnings {
		log.Warn("config", logging.KeyError, w.Error())
	}

	reference, loc, err := referenceAndZone(opts.at, cfg.Timezone)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	w, err := window.Parse(opts.window, loc)
	if err != nil {
		return &exitError{code: exitWindow, err: err}
	}

	var resolver change.Resolver
	if cfg.CatalogDir != "" {
		cat, err := catalog.Load(cfg.CatalogDir)
		if err != nil {
			return &exitError{code: exitUsage, err: fmt.Errorf("load catalog: %w", err)}
		}
		log.Info("approved package catalog loaded", "dir", cfg.CatalogDir, "packages", cat.Len())
		resolver = cat
	}

	var auditLog *audit.Logger
	if cfg.AuditDir != "" {
		auditLog, err = audit.NewLogger(cfg.AuditDir, cfg.AuditMaxSizeMB, cfg.AuditMaxBackups, sink.Logger("audit"))
		if err != nil {
			return &exitError{code: exitUsage, err: err}
		}
		facts := audit.HostFacts(ctx)
		facts["version"] = version
		auditLog.Log(audit.EventProcessStart, "", facts)
		defer func() {
			auditLog.Log(audit.EventProcessStop, "", map[string]any{"exitCode": exitCode(err)})
			if dropped := auditLog.DroppedCount(); dropped > 0 {
				log.Warn("audit entries dropped", "count", dropped)
			}
			auditLog.Close()
		}()
	}

	if cfg.MetricsTextfile != "" {
		reg := prometheus.NewRegistry()
		if err := metrics.Register(reg); err != nil {
			return &exitError{code: exitUsage, err: err}
		}
		defer func() {
			if err := metrics.WriteTextfile(cfg.MetricsTextfile, reg); err != nil {
				log.Warn("failed to write metrics textfile", "path", cfg.MetricsTextfile, logging.KeyError, err.Error())
			}
		}()
	}

	submitter, err := buildSubmitter(ctx, cfg, sink)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	var notifier notify.Notifier = notify.Nop{}
	if cfg.WebhookURL != "" {
		notifier = notify.NewWebhook(cfg.WebhookURL, time.Duration(cfg.WebhookTimeoutSeconds)*time.Second, cfg.WebhookMaxRetries, sink.Logger("notify"))
	}

	runner := pipeline.NewRunner(pipeline.Deps{
		Emitter:    change.NewEmitter(resolver, sink.Logger("emitter")),
		Submitter:  submitter,
		Notifier:   notifier,
		Audit:      auditLog,
		Logger:     sink.Logger("pipeline"),
		MaxWorkers: cfg.MaxWorkers,
		QueueSize:  cfg.QueueSize,
	})

	jobs := make([]pipeline.Job, 0, len(reports))
	for _, path := range reports {
		jobs = append(jobs, pipeline.Job{ReportPath: path, Window: w, Reference: reference})
	}

	results := runner.RunAll(ctx, jobs)
	return c.printResults(results, opts.json)
}

// printResults writes summaries to stdout and error detail to stderr. The
// returned error carries the exit code of the first failed result.
func (c *cli) printResults(results []pipeline.Result, asJSON bool) error {
	var first *exitError
	for _, res := range results {
		if res.Err != nil {
			fmt.Fprintf(c.stderr, "autopatch: %s: %v\n", res.Job.ReportPath, res.Err)
			if first == nil {
				first = &exitError{code: exitCode(res.Err)}
			}
			continue
		}

		if asJSON {
			data, err := res.Artifact.JSON()
			if err != nil {
				fmt.Fprintf(c.stderr, "autopatch: %s: %v\n", res.Job.ReportPath, err)
				if first == nil {
					first = &exitError{code: exitUsage}
				}
				continue
			}
			c.stdout.Write(data)
			continue
		}

		prefix := ""
		if len(results) > 1 {
			prefix = res.Job.ReportPath + ": "
		}
		fmt.Fprintf(c.stdout, "%s%s\n", prefix, res.Artifact.Summary())
		if res.Submission != nil {
			fmt.Fprintf(c.stdout, "%ssubmitted via %s: %s %s\n", prefix, res.Submission.Submitter, res.Submission.Reference, res.Submission.Location)
		}
		if len(res.Artifact.Unresolved) > 0 {
			fmt.Fprintf(c.stdout, "%sno approved package: %s\n", prefix, strings.Join(res.Artifact.Unresolved, ", "))
		}
	}

	if first != nil {
		return first
	}
	return nil
}

// referenceAndZone returns the reference instant and the location used for
// windows without a zone token: the configured zone, else the zone of --at,
// else the local zone.
func referenceAndZone(at, tz string) (time.Time, *time.Location, error) {
	reference := time.Now()
	loc := time.Local
	if at != "" {
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("--at %q is not RFC 3339: %w", at, err)
		}
		reference = t
		loc = t.Location()
	}
	if tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return time.Time{}, nil, fmt.Errorf("timezone %q: %w", tz, err)
		}
		loc = l
	}
	return reference, loc, nil
}

func buildSubmitter(ctx context.Context, cfg *config.Config, sink *logging.Sink) (change.Submitter, error) {
	switch strings.ToLower(cfg.Submit) {
	case "", config.SubmitNone:
		return nil, nil
	case config.SubmitGit:
		return forge.NewGitSubmitter(forge.Options{
			RepoPath:    cfg.Git.RepoPath,
			BaseBranch:  cfg.Git.BaseBranch,
			Remote:      cfg.Git.Remote,
			Push:        cfg.Git.Push,
			SSHKeyFile:  cfg.Git.SSHKeyFile,
			AuthorName:  cfg.Git.AuthorName,
			AuthorEmail: cfg.Git.AuthorEmail,
		}, sink.Logger("forge")), nil
	case config.SubmitArchive:
		var provider archive.Provider
		switch cfg.Archive.Provider {
		case "s3":
			p, err := archive.NewS3Provider(ctx, archive.S3Options{
				Bucket:          cfg.Archive.Bucket,
				Region:          cfg.Archive.Region,
				Endpoint:        cfg.Archive.Endpoint,
				AccessKeyID:     cfg.Archive.AccessKeyID,
				SecretAccessKey: cfg.Archive.SecretAccessKey,
				SessionToken:    cfg.Archive.SessionToken,
			})
			if err != nil {
				return nil, err
			}
			provider = p
		default:
			provider = archive.NewLocalProvider(cfg.Archive.Path)
		}
		return archive.NewSubmitter(provider, cfg.Archive.Prefix, sink.Logger("archive")), nil
	default:
		return nil, fmt.Errorf("unknown submit mode %q", cfg.Submit)
	}
}
