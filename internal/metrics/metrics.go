package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Run outcomes.
const (
	OutcomeSuccess         = "success"
	OutcomeReportError     = "report_error"
	OutcomeWindowError     = "window_error"
	OutcomeSubmissionError = "submission_error"
	OutcomeError           = "error"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopatch",
			Name:      "runs_total",
			Help:      "Total number of report runs, partitioned by outcome.",
		},
		[]string{"outcome"},
	)

	runDurationSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "autopatch",
			Name:      "run_seconds",
			Help:      "Report run latency in seconds.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)

	decisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopatch",
			Name:      "decisions_total",
			Help:      "Patch decisions made, partitioned by reason.",
		},
		[]string{"reason"},
	)

	submissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "autopatch",
			Name:      "submissions_total",
			Help:      "Artifact submissions, partitioned by submitter and outcome.",
		},
		[]string{"submitter", "outcome"},
	)
)

// Register attaches autopatch collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		runsTotal,
		runDurationSeconds,
		decisionsTotal,
		submissionsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if _, ok := err.(prometheus.AlreadyRegisteredError); ok {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRun records a run duration and outcome label. Unknown outcomes are
// counted as OutcomeError.
func ObserveRun(duration time.Duration, outcome string) {
	switch outcome {
	case OutcomeSuccess, OutcomeReportError, OutcomeWindowError, OutcomeSubmissionError:
	default:
		outcome = OutcomeError
	}
	runsTotal.WithLabelValues(outcome).Inc()
	if duration < 0 {
		duration = 0
	}
	runDurationSeconds.Observe(duration.Seconds())
}

// ObserveDecisions adds per-reason decision counts.
func ObserveDecisions(counts map[string]int) {
	for reason, n := range counts {
		decisionsTotal.WithLabelValues(reason).Add(float64(n))
	}
}

// ObserveSubmission counts one submission attempt.
func ObserveSubmission(submitter string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeError
	}
	submissionsTotal.WithLabelValues(submitter, outcome).Inc()
}

// WriteTextfile writes everything g gathers to path in the text exposition
// format, for the node-exporter textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
