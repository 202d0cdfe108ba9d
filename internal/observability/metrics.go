package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the LRA
// generation pipeline.
type Metrics struct {
	ChunksWritten         prometheus.Counter
	ChunksSkipped         prometheus.Counter
	VerifyFailures        prometheus.Counter
	YearsConsolidated     prometheus.Counter
	CatalogEntriesWritten prometheus.Counter
	GeneratorRunning      prometheus.Gauge

	// Fixer metrics.
	VariablesFixed  prometheus.Counter
	UnitConversions prometheus.Counter
	FixSkips        *prometheus.CounterVec // labels: reason={derived,grib,missing}

	ChunkWriteDuration prometheus.Histogram
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.ChunksWritten,
		m.ChunksSkipped,
		m.VerifyFailures,
		m.YearsConsolidated,
		m.CatalogEntriesWritten,
		m.GeneratorRunning,
		m.VariablesFixed,
		m.UnitConversions,
		m.FixSkips,
		m.ChunkWriteDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		ChunksWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lra",
			Name:      "chunks_written_total",
			Help:      "Total monthly chunks written to disk.",
		}),
		ChunksSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lra",
			Name:      "chunks_skipped_total",
			Help:      "Total chunks skipped because an output file was already complete.",
		}),
		VerifyFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lra",
			Name:      "verify_failures_total",
			Help:      "Total post-write completeness check failures.",
		}),
		YearsConsolidated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lra",
			Name:      "years_consolidated_total",
			Help:      "Total yearly files produced by merging monthly chunks.",
		}),
		CatalogEntriesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lra",
			Name:      "catalog_entries_written_total",
			Help:      "Total catalog entries created or replaced.",
		}),
		GeneratorRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "lra",
			Name:      "generator_running",
			Help:      "1 while a generator run is active, 0 otherwise.",
		}),
		VariablesFixed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lra",
			Name:      "variables_fixed_total",
			Help:      "Total variables processed by the fixer.",
		}),
		UnitConversions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "lra",
			Name:      "unit_conversions_total",
			Help:      "Total non-identity unit conversions attached by the fixer.",
		}),
		FixSkips: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "lra",
			Name:      "fix_skips_total",
			Help:      "Variables skipped during fixing by reason.",
		}, []string{"reason"}),
		ChunkWriteDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "lra",
			Name:      "chunk_write_duration_seconds",
			Help:      "Duration of one monthly NetCDF chunk write.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
	}
}
