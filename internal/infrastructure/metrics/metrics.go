// Package metrics exposes connection outcomes and relayed bytes in the
// Prometheus text format. A nil *Metrics is valid and records nothing.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Connection outcomes, used as the "result" label.
const (
	ResultProtocol   = "protocol"
	ResultFallback   = "fallback"
	ResultAuthFailed = "auth_failed"
	ResultTLSFailed  = "tls_failed"
	ResultReadFailed = "read_failed"
	ResultDialFailed = "dial_failed"
)

type Metrics struct {
	registry    *prometheus.Registry
	connections *prometheus.CounterVec
	active      prometheus.Gauge
	bytes       *prometheus.CounterVec
}

// New builds a Metrics with its own registry so several instances (tests,
// client and server in one process) do not collide.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trojan",
			Name:      "connections_total",
			Help:      "Accepted connections by outcome.",
		}, []string{"result"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "trojan",
			Name:      "active_connections",
			Help:      "Connections currently being served.",
		}),
		bytes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "trojan",
			Name:      "relayed_bytes_total",
			Help:      "Bytes relayed, by direction relative to the client.",
		}, []string{"direction"}),
	}
	m.registry.MustRegister(m.connections, m.active, m.bytes)
	return m
}

func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.active.Inc()
}

func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.active.Dec()
}

func (m *Metrics) Result(result string) {
	if m == nil {
		return
	}
	m.connections.WithLabelValues(result).Inc()
}

// Outcome returns the counter behind one result label. On a nil Metrics it
// is a detached counter that stays at zero.
func (m *Metrics) Outcome(result string) prometheus.Counter {
	if m == nil {
		return prometheus.NewCounter(prometheus.CounterOpts{Name: "detached"})
	}
	return m.connections.WithLabelValues(result)
}

func (m *Metrics) Transferred(upstream, downstream int64) {
	if m == nil {
		return
	}
	m.bytes.WithLabelValues("upstream").Add(float64(upstream))
	m.bytes.WithLabelValues("downstream").Add(float64(downstream))
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}
