// Package metrics provides the Prometheus collectors for finalberry.
//
// Metrics are write-only from the components' point of view: nothing in the
// finality path ever reads a collector to make a decision.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	// Finality
	VotesProcessed      prometheus.Counter
	VotesRejected       *prometheus.CounterVec
	CertificatesIssued  prometheus.Counter
	FinalizedHeight     prometheus.Gauge
	PendingBlocks       prometheus.Gauge
	PendingExpired      prometheus.Counter
	FinalizationLatency prometheus.Histogram
	CertificateSigners  prometheus.Histogram

	// Faults and penalties
	FaultsDetected   *prometheus.CounterVec
	PenaltiesApplied *prometheus.CounterVec
	EvidencePending  prometheus.Gauge

	// Recovery
	Recoveries        *prometheus.CounterVec
	RecoveryDuration  *prometheus.HistogramVec
	ConnectivityScore prometheus.Gauge

	// State
	CheckpointsCreated prometheus.Counter
	CheckpointBytes    prometheus.Gauge
	SyncHeight         prometheus.Gauge
	SyncTargetHeight   prometheus.Gauge

	// Timeouts
	Timeouts *prometheus.CounterVec
}

// New creates collectors under namespace and registers them with reg. A nil
// reg creates unregistered collectors, which is what tests and embedded
// users without an exporter want.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		VotesProcessed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "finality",
			Name:      "votes_processed_total",
			Help:      "Votes admitted into a pending block",
		}),
		VotesRejected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "finality",
			Name:      "votes_rejected_total",
			Help:      "Votes rejected, by reason",
		}, []string{"reason"}),
		CertificatesIssued: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "finality",
			Name:      "certificates_total",
			Help:      "Certificates generated and stored",
		}),
		FinalizedHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "finality",
			Name:      "finalized_height",
			Help:      "Highest finalized height",
		}),
		PendingBlocks: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "finality",
			Name:      "pending_blocks",
			Help:      "Blocks collecting votes",
		}),
		PendingExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "finality",
			Name:      "pending_expired_total",
			Help:      "Pending blocks dropped by liveness expiry",
		}),
		FinalizationLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "finality",
			Name:      "latency_seconds",
			Help:      "Time from first vote to certificate",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		CertificateSigners: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "finality",
			Name:      "certificate_signers",
			Help:      "Signatures per certificate",
			Buckets:   []float64{1, 4, 7, 10, 25, 50, 100, 250},
		}),

		FaultsDetected: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "faults",
			Name:      "detected_total",
			Help:      "Faults detected, by type",
		}, []string{"type"}),
		PenaltiesApplied: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "faults",
			Name:      "penalties_total",
			Help:      "Penalties decided, by severity",
		}, []string{"severity"}),
		EvidencePending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "faults",
			Name:      "evidence_pending",
			Help:      "Evidence held in the pool",
		}),

		Recoveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "total",
			Help:      "Recovery attempts, by kind and outcome",
		}, []string{"kind", "outcome"}),
		RecoveryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "duration_seconds",
			Help:      "Recovery duration, by kind",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		ConnectivityScore: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "recovery",
			Name:      "connectivity_score",
			Help:      "Fraction of expected peers with healthy links",
		}),

		CheckpointsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "checkpoints_total",
			Help:      "Checkpoints created",
		}),
		CheckpointBytes: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "checkpoint_bytes",
			Help:      "Compressed size of the latest checkpoint",
		}),
		SyncHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "sync_height",
			Help:      "Current state sync height",
		}),
		SyncTargetHeight: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "state",
			Name:      "sync_target_height",
			Help:      "Target state sync height",
		}),

		Timeouts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "timeouts_total",
			Help:      "Operation timeouts, by operation",
		}, []string{"operation"}),
	}
}

// Nop returns unregistered collectors.
func Nop() *Metrics {
	return New("finalberry", nil)
}

// RecordRecovery records the outcome of one recovery attempt.
func (m *Metrics) RecordRecovery(kind string, success bool, d time.Duration) {
	outcome := "failure"
	if success {
		outcome = "success"
	}
	m.Recoveries.WithLabelValues(kind, outcome).Inc()
	m.RecoveryDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// Server exposes /metrics and /health over HTTP.
type Server struct {
	server *http.Server
}

// NewServer creates a metrics server on addr serving the given gatherer.
func NewServer(addr string, g prometheus.Gatherer) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return &Server{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// StartAsync starts serving in a goroutine. Errors other than shutdown are
// delivered on the returned channel.
func (s *Server) StartAsync() <-chan error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	return errCh
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
