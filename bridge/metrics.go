package bridge

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Kind labels used on the exchange metrics.
const (
	KindSchema = "schema"
	KindArray  = "array"
	KindPair   = "pair"
	KindStream = "stream"
)

// Metrics holds Prometheus metrics for the capsule exchange. The release
// counters count actual release-callback invocations, so they double as the
// exactly-once instrumentation for the ownership protocol.
type Metrics struct {
	ExportsTotal        *prometheus.CounterVec
	ExportFailuresTotal *prometheus.CounterVec
	ImportsTotal        *prometheus.CounterVec
	ImportFailuresTotal *prometheus.CounterVec
	ReleasesTotal       *prometheus.CounterVec
	StreamBatchesTotal  prometheus.Counter
}

// DefaultMetrics creates metrics with default settings.
var DefaultMetrics = NewMetrics("rockfinch")

// NewMetrics creates a new Metrics instance with the given namespace.
func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ExportsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exports_total",
			Help:      "Total number of successful capsule exports by kind",
		}, []string{"kind"}),
		ExportFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_failures_total",
			Help:      "Total number of failed capsule exports by kind",
		}, []string{"kind"}),
		ImportsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "imports_total",
			Help:      "Total number of successful capsule imports by kind",
		}, []string{"kind"}),
		ImportFailuresTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "import_failures_total",
			Help:      "Total number of failed capsule imports by kind",
		}, []string{"kind"}),
		ReleasesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "releases_total",
			Help:      "Total number of descriptor release callbacks fired by kind",
		}, []string{"kind"}),
		StreamBatchesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_batches_total",
			Help:      "Total number of batches moved through stream capsules",
		}),
	}
}

// RecordExport records an export attempt of the given kind.
func (m *Metrics) RecordExport(kind string, err error) {
	if err != nil {
		m.ExportFailuresTotal.WithLabelValues(kind).Inc()
		return
	}
	m.ExportsTotal.WithLabelValues(kind).Inc()
}

// RecordImport records an import attempt of the given kind.
func (m *Metrics) RecordImport(kind string, err error) {
	if err != nil {
		m.ImportFailuresTotal.WithLabelValues(kind).Inc()
		return
	}
	m.ImportsTotal.WithLabelValues(kind).Inc()
}

// RecordRelease records a release callback that actually fired.
func (m *Metrics) RecordRelease(kind string) {
	m.ReleasesTotal.WithLabelValues(kind).Inc()
}

// RecordStreamBatch records one batch crossing a stream capsule.
func (m *Metrics) RecordStreamBatch() {
	m.StreamBatchesTotal.Inc()
}

// MetricsServer exposes the registered metrics over HTTP at /metrics,
// with a /health endpoint alongside.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer creates a metrics server listening on addr.
func NewMetricsServer(addr string) *MetricsServer {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "ok")
	})

	return &MetricsServer{
		server: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start serves until Stop is called (blocking).
func (s *MetricsServer) Start() error {
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// StartAsync serves in a background goroutine.
func (s *MetricsServer) StartAsync() {
	go func() { _ = s.Start() }()
}

// Stop shuts the server down, waiting for in-flight scrapes until the
// context is done.
func (s *MetricsServer) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
