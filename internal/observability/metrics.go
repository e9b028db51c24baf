package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the ETL run.
type Metrics struct {
	FeaturesRead     prometheus.Counter
	FeaturesExcluded *prometheus.CounterVec // labels: reason={malformed,duplicate,unsupported}
	RecordsLoaded    prometheus.Counter
	QueryRetries     prometheus.Counter
	RunActive        prometheus.Gauge

	// Per-partition zonal extraction metrics.
	PartitionFeatures *prometheus.GaugeVec     // labels: kind={point,line,polygon}
	ZonalDuration     *prometheus.HistogramVec // labels: kind={point,line,polygon}

	// Load metrics.
	LoadBatchSize prometheus.Histogram
	LoadDuration  prometheus.Histogram
}

// NewMetrics creates and registers all run metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.FeaturesRead,
		m.FeaturesExcluded,
		m.RecordsLoaded,
		m.QueryRetries,
		m.RunActive,
		m.PartitionFeatures,
		m.ZonalDuration,
		m.LoadBatchSize,
		m.LoadDuration,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, so
// parallel tests do not collide on the default registry.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		FeaturesRead: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exposure_etl",
			Name:      "features_read_total",
			Help:      "Total infrastructure features read from the feature store.",
		}),
		FeaturesExcluded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "exposure_etl",
			Name:      "features_excluded_total",
			Help:      "Features dropped before aggregation, by reason.",
		}, []string{"reason"}),
		RecordsLoaded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exposure_etl",
			Name:      "records_loaded_total",
			Help:      "Exposure records merged into the destination table.",
		}),
		QueryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "exposure_etl",
			Name:      "query_retries_total",
			Help:      "Feature store query attempts that were retried.",
		}),
		RunActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "exposure_etl",
			Name:      "run_active",
			Help:      "1 while a run is in progress, 0 otherwise.",
		}),
		PartitionFeatures: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "exposure_etl",
			Name:      "partition_features",
			Help:      "Feature count per geometry partition for the current run.",
		}, []string{"kind"}),
		ZonalDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "exposure_etl",
			Name:      "zonal_duration_seconds",
			Help:      "Wall time of zonal aggregation per geometry partition.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 180, 600},
		}, []string{"kind"}),
		LoadBatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exposure_etl",
			Name:      "load_batch_size",
			Help:      "Number of records per staged merge transaction.",
			Buckets:   []float64{100, 500, 1000, 2500, 5000, 10000, 25000},
		}),
		LoadDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "exposure_etl",
			Name:      "load_duration_seconds",
			Help:      "Duration of the complete staged load.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 15, 60, 180},
		}),
	}
}
