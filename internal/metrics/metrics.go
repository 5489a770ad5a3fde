// Package metrics provides Prometheus metrics for the versioning engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outcome labels for resolution and merge metrics.
const (
	OutcomeHit  = "hit"
	OutcomeMiss = "miss"

	OutcomeClean      = "clean"
	OutcomeConflicted = "conflicted"

	DirectionCompress   = "compress"
	DirectionDecompress = "decompress"
)

// Metrics holds all Prometheus metrics for the versioning engine.
type Metrics struct {
	// Version write path
	VersionsCreatedTotal prometheus.Counter

	// Branch-inheritance resolution
	ResolutionsTotal *prometheus.CounterVec
	ResolutionDepth  prometheus.Histogram

	// Fork metrics
	ForksTotal         prometheus.Counter
	ForkVersionsCopied prometheus.Histogram

	// Merge metrics
	MergesTotal         *prometheus.CounterVec
	MergeConflictsTotal *prometheus.CounterVec

	// Payload codec metrics
	PayloadBytes *prometheus.HistogramVec
}

// NewMetrics creates all metrics and registers them with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics against the given registerer. Tests
// pass a private registry so parallel test binaries never collide.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{}

	m.VersionsCreatedTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "chronicle_versions_created_total",
			Help: "Total number of entity versions written",
		},
	)

	m.ResolutionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_resolutions_total",
			Help: "Total number of branch-inheritance resolutions",
		},
		[]string{"outcome"},
	)

	m.ResolutionDepth = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronicle_resolution_depth",
			Help:    "Number of parent hops walked per resolution",
			Buckets: []float64{0, 1, 2, 3, 5, 8, 13, 21, 34, 55},
		},
	)

	m.ForksTotal = factory.NewCounter(
		prometheus.CounterOpts{
			Name: "chronicle_forks_total",
			Help: "Total number of branch forks performed",
		},
	)

	m.ForkVersionsCopied = factory.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chronicle_fork_versions_copied",
			Help:    "Number of versions copied into a new branch per fork",
			Buckets: []float64{0, 1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
	)

	m.MergesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_merges_total",
			Help: "Total number of merge previews and applications",
		},
		[]string{"outcome"},
	)

	m.MergeConflictsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chronicle_merge_conflicts_total",
			Help: "Total number of merge conflicts by conflict type",
		},
		[]string{"type"},
	)

	m.PayloadBytes = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chronicle_payload_bytes",
			Help:    "Compressed payload sizes in bytes by codec direction",
			Buckets: prometheus.ExponentialBuckets(256, 4, 10),
		},
		[]string{"direction"},
	)

	return m
}

// RecordResolution records one resolution walk with its outcome and the
// number of parent hops it took.
func (m *Metrics) RecordResolution(outcome string, depth int) {
	m.ResolutionsTotal.WithLabelValues(outcome).Inc()
	m.ResolutionDepth.Observe(float64(depth))
}

// RecordFork records one completed fork and how many versions it copied.
func (m *Metrics) RecordFork(copied int) {
	m.ForksTotal.Inc()
	m.ForkVersionsCopied.Observe(float64(copied))
}

// RecordMerge records one merge computation and its per-type conflicts.
func (m *Metrics) RecordMerge(conflictTypes []string) {
	if len(conflictTypes) == 0 {
		m.MergesTotal.WithLabelValues(OutcomeClean).Inc()
		return
	}
	m.MergesTotal.WithLabelValues(OutcomeConflicted).Inc()
	for _, ct := range conflictTypes {
		m.MergeConflictsTotal.WithLabelValues(ct).Inc()
	}
}

// RecordPayload records a compressed payload size for one codec direction.
func (m *Metrics) RecordPayload(direction string, bytes int) {
	m.PayloadBytes.WithLabelValues(direction).Observe(float64(bytes))
}
