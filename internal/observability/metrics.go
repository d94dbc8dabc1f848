package observability

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	completionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "spidergen_completions_total",
			Help: "Total number of chat completion calls by status.",
		},
		[]string{"status"},
	)
	completionLatencyMs = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "spidergen_completion_latency_ms",
			Help:    "Chat completion round trip latency in milliseconds.",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 20000, 60000},
		},
	)
	databasesMaterializedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spidergen_databases_materialized_total",
			Help: "Total number of benchmark databases copied into memory.",
		},
	)
	questionsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spidergen_questions_in_flight",
			Help: "Current number of questions waiting on the completion endpoint.",
		},
	)
	validationFailuresTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "spidergen_validation_failures_total",
			Help: "Total number of predicted statements rejected by EXPLAIN.",
		},
	)
	lastRunTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "spidergen_last_run_timestamp_seconds",
			Help: "Unix time at which the last prediction run finished.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		completionsTotal,
		completionLatencyMs,
		databasesMaterializedTotal,
		questionsInFlight,
		validationFailuresTotal,
		lastRunTimestamp,
	)
}

func ObserveCompletion(success bool, elapsed time.Duration) {
	status := "ok"
	if !success {
		status = "error"
	}
	completionsTotal.WithLabelValues(status).Inc()
	completionLatencyMs.Observe(float64(elapsed.Milliseconds()))
}

func IncrementDatabasesMaterialized() {
	databasesMaterializedTotal.Inc()
}

func TrackInFlight(delta int) {
	questionsInFlight.Add(float64(delta))
}

func IncrementValidationFailures() {
	validationFailuresTotal.Inc()
}

func MarkRunFinished(at time.Time) {
	lastRunTimestamp.Set(float64(at.Unix()))
}

// WriteTextfile dumps the default registry in the node-exporter textfile format.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create metrics dir: %w", err)
		}
	}
	if err := prometheus.WriteToTextfile(path, prometheus.DefaultGatherer); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
