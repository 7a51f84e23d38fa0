// Package metrics exposes Prometheus metrics for the storage engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// engineMetricsOnce ensures metrics are only registered once.
var engineMetricsOnce sync.Once

// engineMetricsInstance is the singleton instance of engine metrics.
var engineMetricsInstance *EngineMetrics

// EngineMetrics holds all Prometheus metrics for the storage engine.
type EngineMetrics struct {
	// Upload metrics
	PartsUploaded    prometheus.Counter     // stowage_parts_uploaded_total
	PartsFailed      prometheus.Counter     // stowage_parts_failed_total
	PartRetries      prometheus.Counter     // stowage_part_retries_total
	PartDuration     prometheus.Histogram   // stowage_part_upload_duration_seconds
	UploadsCompleted *prometheus.CounterVec // stowage_uploads_completed_total{strategy}
	UploadsAborted   prometheus.Counter     // stowage_uploads_aborted_total
	BytesUploaded    prometheus.Counter     // stowage_bytes_uploaded_total

	// Cache metrics
	CacheHits          prometheus.Counter // stowage_cache_hits_total
	CacheMisses        prometheus.Counter // stowage_cache_misses_total
	CacheInvalidations prometheus.Counter // stowage_cache_invalidations_total

	// Lock metrics
	LocksAcquired    prometheus.Counter // stowage_locks_acquired_total
	LockTimeouts     prometheus.Counter // stowage_lock_timeouts_total
	VersionConflicts prometheus.Counter // stowage_version_conflicts_total
}

// Init initializes all engine metrics. Metrics are only registered once;
// subsequent calls return the same instance.
func Init(registry prometheus.Registerer) *EngineMetrics {
	engineMetricsOnce.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		engineMetricsInstance = &EngineMetrics{
			PartsUploaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "stowage_parts_uploaded_total",
				Help: "Total parts committed to the object store",
			}),
			PartsFailed: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "stowage_parts_failed_total",
				Help: "Total parts that failed after retry exhaustion",
			}),
			PartRetries: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "stowage_part_retries_total",
				Help: "Total part upload retry attempts",
			}),
			PartDuration: promauto.With(registry).NewHistogram(prometheus.HistogramOpts{
				Name:    "stowage_part_upload_duration_seconds",
				Help:    "Part upload duration in seconds",
				Buckets: prometheus.DefBuckets,
			}),
			UploadsCompleted: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
				Name: "stowage_uploads_completed_total",
				Help: "Total uploads completed by strategy",
			}, []string{"strategy"}),
			UploadsAborted: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "stowage_uploads_aborted_total",
				Help: "Total uploads aborted",
			}),
			BytesUploaded: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "stowage_bytes_uploaded_total",
				Help: "Total bytes uploaded to the object store",
			}),
			CacheHits: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "stowage_cache_hits_total",
				Help: "Total cache hits",
			}),
			CacheMisses: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "stowage_cache_misses_total",
				Help: "Total cache misses",
			}),
			CacheInvalidations: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "stowage_cache_invalidations_total",
				Help: "Total keys removed by tag invalidation",
			}),
			LocksAcquired: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "stowage_locks_acquired_total",
				Help: "Total path locks acquired",
			}),
			LockTimeouts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "stowage_lock_timeouts_total",
				Help: "Total lock acquisitions that timed out",
			}),
			VersionConflicts: promauto.With(registry).NewCounter(prometheus.CounterOpts{
				Name: "stowage_version_conflicts_total",
				Help: "Total compare-and-swap version conflicts",
			}),
		}
	})
	return engineMetricsInstance
}
