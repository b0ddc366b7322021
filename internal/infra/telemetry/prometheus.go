package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"mcpbridge/internal/domain"
)

type PrometheusMetrics struct {
	requestDuration *prometheus.HistogramVec
	leaseWait       *prometheus.HistogramVec
	idleConns       *prometheus.GaugeVec
	leasedConns     *prometheus.GaugeVec
	cacheLookups    *prometheus.CounterVec
	retries         *prometheus.CounterVec
	connDials       *prometheus.CounterVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpbridge_request_duration_seconds",
				Help:    "Duration of bridge requests in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"status"},
		),
		leaseWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mcpbridge_lease_wait_seconds",
				Help:    "Time spent waiting for a pooled connection",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"server_id", "outcome"},
		),
		idleConns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcpbridge_idle_connections",
				Help: "Current number of idle pooled connections",
			},
			[]string{"server_id"},
		),
		leasedConns: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mcpbridge_leased_connections",
				Help: "Current number of leased pooled connections",
			},
			[]string{"server_id"},
		),
		cacheLookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpbridge_cache_lookups_total",
				Help: "Total response cache lookups by result",
			},
			[]string{"result"},
		),
		retries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpbridge_retries_total",
				Help: "Total retry attempts performed against backends",
			},
			[]string{"server_id"},
		),
		connDials: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mcpbridge_connection_dials_total",
				Help: "Total backend connection dial attempts",
			},
			[]string{"server_id", "status"},
		),
	}
}

func (p *PrometheusMetrics) ObserveRequest(status string, duration time.Duration) {
	p.requestDuration.WithLabelValues(status).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveLeaseWait(serverID string, duration time.Duration, outcome string) {
	p.leaseWait.WithLabelValues(serverID, outcome).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) SetActiveConns(serverID string, idle, leased int) {
	p.idleConns.WithLabelValues(serverID).Set(float64(idle))
	p.leasedConns.WithLabelValues(serverID).Set(float64(leased))
}

func (p *PrometheusMetrics) ObserveCacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(result).Inc()
}

func (p *PrometheusMetrics) ObserveRetry(serverID string) {
	p.retries.WithLabelValues(serverID).Inc()
}

func (p *PrometheusMetrics) ObserveConnDial(serverID string, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.connDials.WithLabelValues(serverID, status).Inc()
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
