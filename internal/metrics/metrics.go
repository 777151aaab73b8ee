// Package metrics exposes engine counters in Prometheus exposition format.
package metrics

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics implements the engine's metrics sink.
type Metrics struct {
	recordsFetched  *prometheus.CounterVec
	rowsUpserted    *prometheus.CounterVec
	slices          *prometheus.CounterVec
	windowsDeferred *prometheus.CounterVec
}

// New registers the sync counters on reg and returns the sink.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		recordsFetched: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resosync_records_fetched_total",
			Help: "Records returned by the upstream, before deduplication.",
		}, []string{"resource"}),
		rowsUpserted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resosync_rows_upserted_total",
			Help: "Rows written to the store.",
		}, []string{"resource"}),
		slices: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resosync_slices_total",
			Help: "Slices executed, by outcome.",
		}, []string{"resource", "outcome"}),
		windowsDeferred: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "resosync_windows_deferred_total",
			Help: "Walk windows deferred for drill-down after saturating the cap.",
		}, []string{"resource"}),
	}
}

func (m *Metrics) RecordsFetched(resource string, n int) {
	m.recordsFetched.WithLabelValues(resource).Add(float64(n))
}

func (m *Metrics) RowsUpserted(resource string, n int) {
	m.rowsUpserted.WithLabelValues(resource).Add(float64(n))
}

func (m *Metrics) SliceCompleted(resource string, hitLimit bool) {
	outcome := "complete"
	if hitLimit {
		outcome = "cap"
	}
	m.slices.WithLabelValues(resource, outcome).Inc()
}

func (m *Metrics) WindowDeferred(resource string) {
	m.windowsDeferred.WithLabelValues(resource).Inc()
}

// Serve starts the /metrics listener in the background. Listener errors are
// logged, not fatal; a sync without metrics is still a sync.
func Serve(address string, port int, gatherer prometheus.Gatherer, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", address, port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics listener failed", "address", server.Addr, "error", err)
		}
	}()
}
