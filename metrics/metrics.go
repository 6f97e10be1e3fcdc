// Package metrics exposes Prometheus instrumentation for the FedShare
// services and a small standalone metrics server.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var registry = prometheus.NewRegistry()

// Protocol counters shared by the services. Labels keep one metric per
// concern rather than one per tier.
var (
	RoundsCompleted = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "fedshare_rounds_completed_total",
		Help: "Rounds that reached Broadcasting.",
	})

	RoundsAborted = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "fedshare_rounds_aborted_total",
		Help: "Rounds aborted before finalization.",
	}, []string{"reason"})

	RegistrationsTotal = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "fedshare_registrations_total",
		Help: "Facility registration attempts at the trusted authority.",
	}, []string{"outcome"})

	SharesReceived = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "fedshare_shares_received_total",
		Help: "Share submissions accepted by fog nodes.",
	})

	PartialSumsReceived = promauto.With(registry).NewCounter(prometheus.CounterOpts{
		Name: "fedshare_partial_sums_received_total",
		Help: "Fog partial sums accepted by the leader.",
	})

	VotesReceived = promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
		Name: "fedshare_votes_received_total",
		Help: "Committee votes received by the leader.",
	}, []string{"verdict"})

	RoundDuration = promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
		Name:    "fedshare_round_duration_seconds",
		Help:    "Wall time from round start to broadcast.",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

func init() {
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
}

// MetricsServer serves the Prometheus registry on its own listener.
type MetricsServer struct {
	srv *http.Server
}

// New creates a metrics server. An empty addr yields a server that is
// never started; callers guard ListenAndServe on the address themselves.
func New(name, addr string) (*MetricsServer, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return &MetricsServer{
		srv: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
	}, nil
}

// ListenAndServe blocks serving /metrics.
func (m *MetricsServer) ListenAndServe() error {
	return m.srv.ListenAndServe()
}

// Shutdown gracefully stops the metrics server.
func (m *MetricsServer) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
