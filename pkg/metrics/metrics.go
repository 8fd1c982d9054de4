// Package metrics holds the Prometheus collectors for autorespond.
//
// autorespond runs once per message and exits, so nothing scrapes it.
// Collectors live in their own registry and are pushed to a Pushgateway at
// exit when one is configured.
//
// Every run pushes under the same {job, instance} group and replaces what the
// previous run pushed. The values in the Pushgateway therefore describe the
// last run on that host only: a _total counter is 0 or 1, not a running sum.
// Per-message totals come from the logs; autorespond_last_run_timestamp_seconds
// tells when the pushed values were produced.
package metrics

import (
	"context"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/push"
)

// Registry holds every autorespond collector.
var Registry = prometheus.NewRegistry()

var factory = promauto.With(Registry)

// Decision metrics
var (
	DecisionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorespond_decisions_total",
			Help: "Total number of messages by final decision",
		},
		[]string{"decision", "rule"},
	)

	RunDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autorespond_run_duration_seconds",
			Help:    "Duration of a single invocation in seconds",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
	)

	LastRunTimestamp = factory.NewGauge(
		prometheus.GaugeOpts{
			Name: "autorespond_last_run_timestamp_seconds",
			Help: "Unix time of the last pushed run",
		},
	)
)

// Rate limit metrics
var (
	RateLimitChecks = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorespond_ratelimit_checks_total",
			Help: "Total number of rate limit checks",
		},
		[]string{"backend", "result"},
	)

	RateLimitSenderCount = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "autorespond_ratelimit_sender_count",
			Help:    "Messages seen from the sender within the window, including the current one",
			Buckets: []float64{1, 2, 3, 5, 10, 25, 100},
		},
	)
)

// Transport metrics
var (
	TransportSubmissions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autorespond_transport_submissions_total",
			Help: "Total number of reply submissions",
		},
		[]string{"transport", "result"},
	)

	TransportDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "autorespond_transport_duration_seconds",
			Help:    "Duration of reply submissions in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"transport"},
	)
)

// Push sends the registry to the Pushgateway at url under job, grouped by
// host name. Each push replaces the previous run's values for that host.
func Push(ctx context.Context, url, job string) error {
	LastRunTimestamp.SetToCurrentTime()

	instance, err := os.Hostname()
	if err != nil || instance == "" {
		instance = "unknown"
	}

	pusher := push.New(url, job).
		Gatherer(Registry).
		Grouping("instance", instance)

	if err := pusher.AddContext(ctx); err != nil {
		return fmt.Errorf("push metrics to %s: %w", url, err)
	}
	return nil
}
