package telemetry

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "agentupdate"

// MetricsSink turns events into Prometheus series.
type MetricsSink struct {
	events           *prometheus.CounterVec
	downloadDuration prometheus.Histogram
	deferrals        prometheus.Gauge
}

// NewMetricsSink registers the update metrics with registerer.
func NewMetricsSink(registerer prometheus.Registerer) (*MetricsSink, error) {
	s := &MetricsSink{
		events: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "events_total",
				Help:      "Count of update lifecycle events",
			},
			[]string{"type", "success"},
		),
		downloadDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "download_duration_seconds",
				Help:      "Time taken to download an update",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
			},
		),
		deferrals: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "deferral_count",
				Help:      "Number of times the pending update has been deferred",
			},
		),
	}
	for _, c := range []prometheus.Collector{s.events, s.downloadDuration, s.deferrals} {
		if err := registerer.Register(c); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *MetricsSink) Track(e Event) {
	if e.Type == DownloadProgress {
		return
	}
	s.events.WithLabelValues(string(e.Type), strconv.FormatBool(e.Success)).Inc()
	switch e.Type {
	case DownloadCompleted:
		s.downloadDuration.Observe(e.DownloadTime.Seconds())
	case Deferred:
		if e.DeferralCount != nil {
			s.deferrals.Set(float64(*e.DeferralCount))
		}
	case ApplyStarted:
		s.deferrals.Set(0)
	}
}

func (s *MetricsSink) Flush() {}
