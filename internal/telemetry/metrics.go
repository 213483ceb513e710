package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Metrics bundles the Prometheus instruments shared by both processes.
// Instruments irrelevant to a process simply stay at zero there.
type Metrics struct {
	registry *prometheus.Registry

	// Sampler side.
	SamplerTicks     prometheus.Counter
	SamplerLateTicks prometheus.Counter
	CSVRowsWritten   prometheus.Counter
	CSVRowsDropped   prometheus.Counter
	BatchesPublished prometheus.Counter
	SpeedKmh         prometheus.Gauge
	SpeedSource      *prometheus.GaugeVec

	// Consumer side.
	BatchesConsumed prometheus.Counter
	WarningState    *prometheus.GaugeVec

	// Cloud.
	CloudPushErrors prometheus.Counter
}

// NewMetrics creates and registers all instruments on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		SamplerTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "roadsense_sampler_ticks_total",
			Help: "Sampler loop iterations while a ride is active.",
		}),
		SamplerLateTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "roadsense_sampler_late_ticks_total",
			Help: "Ticks that missed their deadline by more than 5ms.",
		}),
		CSVRowsWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "roadsense_csv_rows_written_total",
			Help: "Rows appended to the raw-data CSV.",
		}),
		CSVRowsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "roadsense_csv_rows_dropped_total",
			Help: "Rows dropped because the CSV queue was full.",
		}),
		BatchesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "roadsense_batches_published_total",
			Help: "Full batches written to the shared-memory slot.",
		}),
		SpeedKmh: factory.NewGauge(prometheus.GaugeOpts{
			Name: "roadsense_speed_kmh",
			Help: "Latest fused vehicle speed.",
		}),
		SpeedSource: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roadsense_speed_source",
			Help: "1 for the speed source currently in use.",
		}, []string{"source"}),
		BatchesConsumed: factory.NewCounter(prometheus.CounterOpts{
			Name: "roadsense_batches_consumed_total",
			Help: "Batches read from shared memory by the warning engine.",
		}),
		WarningState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "roadsense_warning_state",
			Help: "Current state of each warning flag.",
		}, []string{"warning"}),
		CloudPushErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "roadsense_cloud_push_errors_total",
			Help: "Failed pushes to the cloud backend.",
		}),
	}
}

// Serve exposes /metrics on addr until the server fails. Intended to be run
// in its own goroutine; errors are logged, never fatal.
func (m *Metrics) Serve(addr string, log *logrus.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	if err := server.ListenAndServe(); err != nil {
		log.WithError(err).Warn("metrics listener stopped")
	}
}
