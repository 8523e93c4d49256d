package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/3mmanu3lmois3s/aws-contract-analyzer/model"
)

const metricsNamespace = "standby"

// Metrics holds the proxy's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	Submissions      *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	StoreErrors      *prometheus.CounterVec
	ControlRequests  *prometheus.CounterVec
	Pending          prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Submissions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "submissions_total",
				Help:      "Intercepted submissions by outcome",
			},
			[]string{"outcome", "kind"},
		),
		DeliveryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "delivery_duration_seconds",
				Help:      "Time spent forwarding to the analysis service",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"result"},
		),
		StoreErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "store_errors_total",
				Help:      "Pending store operations that failed",
			},
			[]string{"op"},
		),
		ControlRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "control_requests_total",
				Help:      "Control channel requests by type",
			},
			[]string{"type"},
		),
		Pending: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "pending_submissions",
				Help:      "1 while a submission is waiting for retry",
			},
		),
	}
}

func (m *Metrics) observeOutcome(o model.Outcome) {
	if m == nil {
		return
	}
	m.Submissions.WithLabelValues(string(o.Kind), model.ErrorKind(o.Err)).Inc()
}

func (m *Metrics) observeDelivery(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "response"
	if err != nil {
		result = model.ErrorKind(err)
	}
	m.DeliveryDuration.WithLabelValues(result).Observe(d.Seconds())
}

func (m *Metrics) storeError(op string) {
	if m == nil {
		return
	}
	m.StoreErrors.WithLabelValues(op).Inc()
}

func (m *Metrics) controlRequest(t model.ControlType) {
	if m == nil {
		return
	}
	m.ControlRequests.WithLabelValues(string(t)).Inc()
}

func (m *Metrics) setPending(present bool) {
	if m == nil {
		return
	}
	if present {
		m.Pending.Set(1)
	} else {
		m.Pending.Set(0)
	}
}
