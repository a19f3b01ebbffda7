// Package pipeline runs reports through load, plan, emit and submit, and
// records each run in the audit log, metrics and the operator webhook.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/breeze-rmm/autopatch/internal/audit"
	"github.com/breeze-rmm/autopatch/internal/change"
	"github.com/breeze-rmm/autopatch/internal/logging"
	"github.com/breeze-rmm/autopatch/internal/metrics"
	"github.com/breeze-rmm/autopatch/internal/notify"
	"github.com/breeze-rmm/autopatch/internal/patching"
	"github.com/breeze-rmm/autopatch/internal/report"
	"github.com/breeze-rmm/autopatch/internal/window"
	"github.com/breeze-rmm/autopatch/internal/workerpool"
)

// ErrRunAborted marks a job whose run ended without producing a result, for
// example because it panicked.
var ErrRunAborted = errors.New("run aborted before completion")

// Stages, as recorded on failure.
const (
	StageLoad   = "load"
	StagePlan   = "plan"
	StageEmit   = "emit"
	StageSubmit = "submit"
)

// Job is one report evaluated against a window at a reference instant.
type Job struct {
	ReportPath string
	Window     window.MaintenanceWindow
	Reference  time.Time
}

// Result is the outcome of one Job. Err is nil on success; Stage names the
// stage that failed.
type Result struct {
	Job        Job
	RunID      string
	Plan       patching.PatchPlan
	Artifact   change.Artifact
	Submission *change.SubmissionResult
	Stage      string
	Err        error
	Duration   time.Duration
}

// Deps are the collaborators of a Runner. Only Emitter is required.
type Deps struct {
	Emitter    *change.Emitter
	Submitter  change.Submitter // nil = do not submit
	Notifier   notify.Notifier  // nil = notify.Nop
	Audit      *audit.Logger    // nil = no audit trail
	Logger     *slog.Logger
	MaxWorkers int
	QueueSize  int
}

// Runner executes Jobs. It is safe for concurrent use.
type Runner struct {
	planner   *patching.Planner
	emitter   *change.Emitter
	submitter change.Submitter
	notifier  notify.Notifier
	audit     *audit.Logger
	log       *slog.Logger

	maxWorkers int
	queueSize  int

	load  func(path string) ([]report.VulnerabilityRecord, error)
	newID func() string
	now   func() time.Time
}

// NewRunner creates a Runner from deps.
func NewRunner(deps Deps) *Runner {
	log := logging.OrDiscard(deps.Logger)
	r := &Runner{
		planner:    patching.NewPlanner(log.With(slog.String(logging.KeyComponent, "planner"))),
		emitter:    deps.Emitter,
		submitter:  deps.Submitter,
		notifier:   deps.Notifier,
		audit:      deps.Audit,
		log:        log,
		maxWorkers: deps.MaxWorkers,
		queueSize:  deps.QueueSize,
		load:       report.Load,
		newID:      uuid.NewString,
		now:        time.Now,
	}
	if r.emitter == nil {
		r.emitter = change.NewEmitter(nil, log)
	}
	if r.notifier == nil {
		r.notifier = notify.Nop{}
	}
	return r
}

// Run processes one job. The returned error equals Result.Err. A cancelled
// context stops the run before the next stage starts; no artifact is
// submitted for a failed run.
func (r *Runner) Run(ctx context.Context, job Job) (Result, error) {
	start := r.now()
	res := Result{Job: job, RunID: r.newID()}
	log := logging.WithRun(r.log, res.RunID, job.ReportPath)

	r.audit.Log(audit.EventRunStarted, res.RunID, map[string]any{
		"report":    job.ReportPath,
		"window":    job.Window.String(),
		"reference": job.Reference.Format(time.RFC3339),
	})
	log.Info("run started", "window", job.Window.String())

	fail := func(stage string, err error) (Result, error) {
		res.Stage = stage
		res.Err = err
		res.Duration = r.now().Sub(start)
		r.finish(ctx, log, res)
		return res, err
	}

	if err := ctx.Err(); err != nil {
		return fail(StageLoad, err)
	}
	records, err := r.load(job.ReportPath)
	if err != nil {
		return fail(StageLoad, err)
	}

	if err := ctx.Err(); err != nil {
		return fail(StagePlan, err)
	}
	res.Plan = r.planner.Plan(records, job.Window, job.Reference)
	byReason := reasonCounts(res.Plan)
	metrics.ObserveDecisions(byReason)
	eligible, deferred := res.Plan.Counts()
	r.audit.Log(audit.EventPlanComputed, res.RunID, map[string]any{
		"eligible": eligible,
		"deferred": deferred,
		"reasons":  byReason,
	})

	if err := ctx.Err(); err != nil {
		return fail(StageEmit, err)
	}
	res.Artifact = r.emitter.Emit(res.Plan)

	if r.submitter != nil {
		if eligible == 0 {
			log.Info("nothing eligible, skipping submission", "submitter", r.submitter.Name())
		} else {
			sub, err := change.Submit(logging.NewContext(ctx, log), r.submitter, res.Artifact)
			metrics.ObserveSubmission(r.submitter.Name(), err)
			if err != nil {
				return fail(StageSubmit, err)
			}
			res.Submission = &sub
			r.audit.Log(audit.EventArtifactSubmitted, res.RunID, map[string]any{
				"submitter": sub.Submitter,
				"reference": sub.Reference,
				"location":  sub.Location,
				"slug":      res.Artifact.Slug,
			})
		}
	}

	res.Duration = r.now().Sub(start)
	r.finish(ctx, log, res)
	return res, nil
}

// RunAll runs jobs independently on a bounded worker pool and returns their
// results in job order.
func (r *Runner) RunAll(ctx context.Context, jobs []Job) []Result {
	results := make([]Result, len(jobs))
	if len(jobs) == 0 {
		return results
	}

	pool := workerpool.New(r.maxWorkers, r.queueSize, r.log.With(slog.String(logging.KeyComponent, "workerpool")))
	for i, job := range jobs {
		// Overwritten by Run; survives only if the task dies first.
		results[i] = Result{Job: job, Err: fmt.Errorf("%s: %w", job.ReportPath, ErrRunAborted)}
		err := pool.SubmitWait(ctx, func() {
			results[i], _ = r.Run(ctx, job)
		})
		if err != nil {
			results[i] = Result{Job: job, Stage: StageLoad, Err: fmt.Errorf("schedule %s: %w", job.ReportPath, err)}
		}
	}
	pool.Shutdown(context.Background())
	return results
}

func (r *Runner) finish(ctx context.Context, log *slog.Logger, res Result) {
	outcome := Outcome(res.Err)
	metrics.ObserveRun(res.Duration, outcome)

	if res.Err != nil {
		r.audit.Log(audit.EventRunFailed, res.RunID, map[string]any{
			"report":  res.Job.ReportPath,
			"stage":   res.Stage,
			"outcome": outcome,
			"error":   res.Err.Error(),
		})
		log.Error("run failed", "stage", res.Stage, logging.KeyDurationMs, res.Duration.Milliseconds(), logging.KeyError, res.Err.Error())
		r.notifier.Notify(context.WithoutCancel(ctx), notify.Event{
			Status: notify.StatusFailure,
			Detail: res.Err.Error(),
			RunID:  res.RunID,
			Report: res.Job.ReportPath,
		})
		return
	}

	detail := res.Artifact.Summary()
	if res.Submission != nil {
		detail += fmt.Sprintf("; %s %s", res.Submission.Submitter, res.Submission.Reference)
	}
	log.Info("run complete", "slug", res.Artifact.Slug, "summary", res.Artifact.Summary(), logging.KeyDurationMs, res.Duration.Milliseconds())
	r.notifier.Notify(ctx, notify.Event{
		Status: notify.StatusSuccess,
		Detail: detail,
		RunID:  res.RunID,
		Report: res.Job.ReportPath,
	})
}

// Outcome classifies a run error into a metrics outcome label.
func Outcome(err error) string {
	var (
		malformed *report.MalformedReportError
		invalid   *report.InvalidRecordError
		win       *window.MalformedWindowError
		sub       *change.SubmissionError
	)
	switch {
	case err == nil:
		return metrics.OutcomeSuccess
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return metrics.OutcomeError
	case errors.As(err, &malformed), errors.As(err, &invalid):
		return metrics.OutcomeReportError
	case errors.As(err, &win):
		return metrics.OutcomeWindowError
	case errors.As(err, &sub):
		return metrics.OutcomeSubmissionError
	default:
		return metrics.OutcomeError
	}
}

func reasonCounts(plan patching.PatchPlan) map[string]int {
	counts := make(map[string]int, 3)
	for _, d := range plan.Decisions {
		counts[string(d.Reason)]++
	}
	return counts
}
