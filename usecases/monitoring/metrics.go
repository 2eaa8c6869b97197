//                           _       _
// __      _____  __ ___   ___  __ _| |_ ___
// \ \ /\ / / _ \/ _` \ \ / / |/ _` | __/ _ \
//  \ V  V /  __/ (_| |\ V /| | (_| | ||  __/
//   \_/\_/ \___|\__,_| \_/ |_|\__,_|\__\___|
//
//  Copyright © 2016 - 2025 Weaviate B.V. All rights reserved.
//
//  CONTACT: hello@weaviate.io
//

package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetrics exposes the sync subsystem's counters and gauges. All
// methods are nil-safe so callers can run without metrics wired up.
type PrometheusMetrics struct {
	Registerer prometheus.Registerer

	FlushDuration      *prometheus.HistogramVec
	DocumentsIndexed   *prometheus.CounterVec
	DocumentsDeleted   *prometheus.CounterVec
	DocumentsSkipped   *prometheus.CounterVec
	DocumentsFailed    *prometheus.CounterVec
	BulkBisections     *prometheus.CounterVec
	AsyncTasksInFlight prometheus.Gauge
	DriftOutdated      *prometheus.GaugeVec
	DriftMissing       *prometheus.GaugeVec
	DriftExtra         *prometheus.GaugeVec
}

func GetMetrics() *PrometheusMetrics {
	return newMetrics(prometheus.DefaultRegisterer)
}

func newMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	pm := &PrometheusMetrics{
		Registerer: reg,
		FlushDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "esync_flush_duration_seconds",
			Help:    "Duration of one bulk flush per index and action",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 16),
		}, []string{"index", "action"}),
		DocumentsIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esync_documents_indexed_total",
			Help: "Documents confirmed written to the remote index",
		}, []string{"index"}),
		DocumentsDeleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esync_documents_deleted_total",
			Help: "Documents confirmed deleted from the remote index",
		}, []string{"index"}),
		DocumentsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esync_documents_skipped_total",
			Help: "Documents skipped because they were already current or absent",
		}, []string{"index"}),
		DocumentsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esync_documents_failed_total",
			Help: "Documents that could not be written after bisection",
		}, []string{"index"}),
		BulkBisections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "esync_bulk_bisections_total",
			Help: "Binary-split retries performed on failed bulk calls",
		}, []string{"index"}),
		AsyncTasksInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "esync_async_tasks_in_flight",
			Help: "Background flush tasks not yet confirmed complete",
		}),
		DriftOutdated: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "esync_drift_outdated",
			Help: "Local entities whose document is stale",
		}, []string{"index"}),
		DriftMissing: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "esync_drift_missing",
			Help: "Local entities with no remote document",
		}, []string{"index"}),
		DriftExtra: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "esync_drift_extra",
			Help: "Remote documents with no local entity",
		}, []string{"index"}),
	}

	reg.MustRegister(pm.FlushDuration, pm.DocumentsIndexed, pm.DocumentsDeleted,
		pm.DocumentsSkipped, pm.DocumentsFailed, pm.BulkBisections,
		pm.AsyncTasksInFlight, pm.DriftOutdated, pm.DriftMissing, pm.DriftExtra)

	return pm
}

func (pm *PrometheusMetrics) ObserveFlush(index, action string, seconds float64) {
	if pm == nil {
		return
	}
	pm.FlushDuration.WithLabelValues(index, action).Observe(seconds)
}

func (pm *PrometheusMetrics) AddIndexed(index string, n int) {
	if pm == nil {
		return
	}
	pm.DocumentsIndexed.WithLabelValues(index).Add(float64(n))
}

func (pm *PrometheusMetrics) AddDeleted(index string, n int) {
	if pm == nil {
		return
	}
	pm.DocumentsDeleted.WithLabelValues(index).Add(float64(n))
}

func (pm *PrometheusMetrics) AddSkipped(index string, n int) {
	if pm == nil {
		return
	}
	pm.DocumentsSkipped.WithLabelValues(index).Add(float64(n))
}

func (pm *PrometheusMetrics) AddFailed(index string, n int) {
	if pm == nil {
		return
	}
	pm.DocumentsFailed.WithLabelValues(index).Add(float64(n))
}

func (pm *PrometheusMetrics) IncBisections(index string) {
	if pm == nil {
		return
	}
	pm.BulkBisections.WithLabelValues(index).Inc()
}

func (pm *PrometheusMetrics) SetAsyncInFlight(n int) {
	if pm == nil {
		return
	}
	pm.AsyncTasksInFlight.Set(float64(n))
}

func (pm *PrometheusMetrics) SetDrift(index string, outdated, missing, extra int) {
	if pm == nil {
		return
	}
	pm.DriftOutdated.WithLabelValues(index).Set(float64(outdated))
	pm.DriftMissing.WithLabelValues(index).Set(float64(missing))
	pm.DriftExtra.WithLabelValues(index).Set(float64(extra))
}
