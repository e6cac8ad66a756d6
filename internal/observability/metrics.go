package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the delivery metrics of one target run.
type Metrics struct {
	DeliveriesTotal  *prometheus.CounterVec
	DeliveryDuration *prometheus.HistogramVec
	RecordsTotal     *prometheus.CounterVec
	BatchRecords     *prometheus.HistogramVec
	HTTPAttempts     *prometheus.CounterVec
	RetriesTotal     *prometheus.CounterVec
	AuthRefreshTotal *prometheus.CounterVec
	CircuitState     prometheus.Gauge
}

// NewMetrics creates and registers all target metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "target_api_deliveries_total",
			Help: "Deliveries (single records or batches) by outcome.",
		}, []string{"stream", "status"}),

		DeliveryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "target_api_delivery_duration_seconds",
			Help:    "Time spent delivering one unit, retries included.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stream"}),

		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "target_api_records_total",
			Help: "Records accounted in the summary by outcome.",
		}, []string{"stream", "outcome"}),

		BatchRecords: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "target_api_batch_records",
			Help:    "Records per delivered batch.",
			Buckets: prometheus.ExponentialBuckets(1, 4, 8),
		}, []string{"stream"}),

		HTTPAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "target_api_http_attempts_total",
			Help: "HTTP attempts by response class.",
		}, []string{"class"}),

		RetriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "target_api_retries_total",
			Help: "Retries scheduled after a retriable failure.",
		}, []string{"reason"}),

		AuthRefreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "target_api_auth_refresh_total",
			Help: "Credential refresh attempts by status.",
		}, []string{"status"}),

		CircuitState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "target_api_circuit_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open).",
		}),
	}
}

// ObserveRecords adds n to the outcome counter of a stream. Nil-safe.
func (m *Metrics) ObserveRecords(stream, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RecordsTotal.WithLabelValues(stream, outcome).Add(float64(n))
}

// ObserveDelivery records one delivery outcome and its latency. Nil-safe.
func (m *Metrics) ObserveDelivery(stream string, ok bool, seconds float64, records int) {
	if m == nil {
		return
	}
	status := "success"
	if !ok {
		status = "failed"
	}
	m.DeliveriesTotal.WithLabelValues(stream, status).Inc()
	m.DeliveryDuration.WithLabelValues(stream).Observe(seconds)
	m.BatchRecords.WithLabelValues(stream).Observe(float64(records))
}

// ObserveAttempt counts an HTTP attempt by class ("2xx", "429", "5xx", "4xx", "timeout", "network"). Nil-safe.
func (m *Metrics) ObserveAttempt(class string) {
	if m == nil {
		return
	}
	m.HTTPAttempts.WithLabelValues(class).Inc()
}

// ObserveRetry counts a scheduled retry. Nil-safe.
func (m *Metrics) ObserveRetry(reason string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(reason).Inc()
}

// ObserveAuthRefresh counts a refresh attempt. Nil-safe.
func (m *Metrics) ObserveAuthRefresh(ok bool) {
	if m == nil {
		return
	}
	m.AuthRefreshTotal.WithLabelValues(boolStatus(ok)).Inc()
}

// SetCircuitState publishes the breaker state. Nil-safe.
func (m *Metrics) SetCircuitState(state int) {
	if m == nil {
		return
	}
	m.CircuitState.Set(float64(state))
}

func boolStatus(ok bool) string {
	if ok {
		return "success"
	}
	return "failed"
}
