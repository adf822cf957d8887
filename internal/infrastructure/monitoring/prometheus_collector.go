package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"ringnet/internal/core/domain"
	"ringnet/internal/core/ports"
)

// PrometheusCollector implements the call recorder on Prometheus metrics.
type PrometheusCollector struct {
	callsActive prometheus.Gauge
	callsTotal  *prometheus.CounterVec
	callsFailed *prometheus.CounterVec

	callSetupDuration prometheus.Histogram
	callDuration      prometheus.Histogram
}

func NewPrometheusCollector() *PrometheusCollector {
	return &PrometheusCollector{
		callsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "ringnet_calls_active",
			Help: "Number of call attempts currently in progress or connected",
		}),

		callsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ringnet_calls_total",
			Help: "Total call attempts by mode and side",
		}, []string{"mode", "side"}),

		callsFailed: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "ringnet_calls_failed_total",
			Help: "Call attempts that ended in a failure, by reason",
		}, []string{"reason"}),

		callSetupDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ringnet_call_setup_duration_seconds",
			Help:    "Time from call start to the first remote media track",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10),
		}),

		callDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "ringnet_call_duration_seconds",
			Help:    "Connected duration of finished calls",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}),
	}
}

var _ ports.CallRecorder = (*PrometheusCollector)(nil)

func (p *PrometheusCollector) RecordCallStarted(mode domain.CallMode, side domain.CandidateSide) {
	p.callsActive.Inc()
	p.callsTotal.WithLabelValues(string(mode), string(side)).Inc()
}

func (p *PrometheusCollector) RecordCallConnected(stats domain.CallStats) {
	p.callSetupDuration.Observe(stats.SetupDuration.Seconds())
}

func (p *PrometheusCollector) RecordCallFailed(reason string) {
	p.callsActive.Dec()
	p.callsFailed.WithLabelValues(reason).Inc()
}

func (p *PrometheusCollector) RecordCallEnded(stats domain.CallStats) {
	p.callsActive.Dec()
	p.callDuration.Observe(stats.Duration.Seconds())
}

// RegisterPresenceGauge exposes the number of users currently attached to
// the presence gateway. The callback is sampled on every scrape.
func RegisterPresenceGauge(connected func() int) {
	promauto.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "ringnet_presence_connections",
		Help: "Users currently connected to the presence gateway",
	}, func() float64 {
		return float64(connected())
	})
}
