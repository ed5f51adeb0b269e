// Package api provides Prometheus metrics for the verification engine.
package api

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine.
type Metrics struct {
	// Verification metrics
	VerificationsTotal   prometheus.Counter
	VerificationsDecided prometheus.Counter
	VerificationsFailed  prometheus.Counter
	VerificationLatency  prometheus.Histogram

	// Vote metrics
	UnknownVoterDropped  prometheus.Counter
	BadSignatureDropped  prometheus.Counter
	LateVoteIgnored      prometheus.Counter
	PrepareVotesPerRound prometheus.Histogram
	CommitVotesPerRound  prometheus.Histogram

	// Network metrics
	RegisteredNodes prometheus.Gauge
	QuorumSize      prometheus.Gauge
	RoundsInFlight  prometheus.Gauge

	// Verify pool metrics
	VerifyPoolActive  prometheus.Gauge
	VerifyPoolPending prometheus.Gauge
}

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		VerificationsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_total",
			Help:      "Total number of verification requests submitted",
		}),
		VerificationsDecided: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_decided_total",
			Help:      "Total number of verifications that reached a decision",
		}),
		VerificationsFailed: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verifications_failed_total",
			Help:      "Total number of verifications that failed (phase timeout)",
		}),
		VerificationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verification_latency_seconds",
			Help:      "End-to-end verification latency in seconds",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		UnknownVoterDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_voter_dropped_total",
			Help:      "Votes dropped because the sender is not a registered node",
		}),
		BadSignatureDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bad_signature_dropped_total",
			Help:      "Votes dropped because the signature did not verify",
		}),
		LateVoteIgnored: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "late_vote_ignored_total",
			Help:      "Votes ignored because the round was already terminal",
		}),
		PrepareVotesPerRound: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "prepare_votes_per_round",
			Help:      "Number of PREPARE votes collected per round",
			Buckets:   []float64{1, 2, 3, 5, 7, 10, 25, 50, 100},
		}),
		CommitVotesPerRound: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "commit_votes_per_round",
			Help:      "Number of COMMIT votes collected per round",
			Buckets:   []float64{1, 2, 3, 5, 7, 10, 25, 50, 100},
		}),

		RegisteredNodes: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registered_nodes",
			Help:      "Current number of registered nodes",
		}),
		QuorumSize: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quorum_size",
			Help:      "Current quorum size derived from membership",
		}),
		RoundsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "rounds_in_flight",
			Help:      "Number of consensus rounds not yet terminal",
		}),

		VerifyPoolActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "verify_pool_active",
			Help:      "Number of verification jobs currently running",
		}),
		VerifyPoolPending: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "verify_pool_pending",
			Help:      "Number of verification jobs waiting in the pool queue",
		}),
	}
}

// RecordVerification records a completed verification call. Submission is
// counted separately in VerificationsTotal when the round opens.
func (m *Metrics) RecordVerification(decided bool, duration time.Duration) {
	m.VerificationLatency.Observe(duration.Seconds())
	if decided {
		m.VerificationsDecided.Inc()
	} else {
		m.VerificationsFailed.Inc()
	}
}

// RecordRoundVotes records per-round vote counts at round termination.
func (m *Metrics) RecordRoundVotes(prepare, commit int) {
	m.PrepareVotesPerRound.Observe(float64(prepare))
	m.CommitVotesPerRound.Observe(float64(commit))
}

// UpdateMembership updates the membership gauges.
func (m *Metrics) UpdateMembership(nodes, quorum int) {
	m.RegisteredNodes.Set(float64(nodes))
	m.QuorumSize.Set(float64(quorum))
}

// UpdateVerifyPool updates verify pool gauges.
func (m *Metrics) UpdateVerifyPool(active, pending int) {
	m.VerifyPoolActive.Set(float64(active))
	m.VerifyPoolPending.Set(float64(pending))
}

// MetricsServer runs an HTTP server exposing /metrics endpoint.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a new metrics server on the given address.
func NewMetricsServer(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
	}
}

// Start starts the metrics server (blocking).
func (s *MetricsServer) Start() error {
	return s.server.ListenAndServe()
}

// StartAsync starts the metrics server in a goroutine.
func (s *MetricsServer) StartAsync() {
	go func() {
		_ = s.server.ListenAndServe()
	}()
}

// Stop gracefully stops the metrics server.
func (s *MetricsServer) Stop() error {
	return s.server.Close()
}
