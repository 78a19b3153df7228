package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the DotPay backend.
type Metrics struct {
	// Payment metrics
	PaymentsTotal        *prometheus.CounterVec
	PaymentsSuccessTotal *prometheus.CounterVec
	PaymentsFailedTotal  *prometheus.CounterVec
	PaymentAmountTotal   *prometheus.CounterVec
	PaymentDuration      *prometheus.HistogramVec
	SettlementDuration   *prometheus.HistogramVec

	// RPC call metrics
	RPCCallsTotal   *prometheus.CounterVec
	RPCCallDuration *prometheus.HistogramVec
	RPCErrorsTotal  *prometheus.CounterVec

	// Inbound Daraja callback metrics
	CallbacksTotal *prometheus.CounterVec

	// Refund metrics
	RefundsTotal      *prometheus.CounterVec
	RefundAmountTotal *prometheus.CounterVec
	RefundDuration    *prometheus.HistogramVec

	// Outbound webhook delivery metrics
	WebhooksTotal       *prometheus.CounterVec
	WebhookRetriesTotal *prometheus.CounterVec
	WebhookDLQTotal     *prometheus.CounterVec
	WebhookDuration     *prometheus.HistogramVec

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge
}

// New creates and registers all Prometheus metrics.
func New(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		// Payment metrics
		PaymentsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotpay_payments_total",
				Help: "Total number of mobile-money submission attempts",
			},
			[]string{"rail", "flow"},
		),
		PaymentsSuccessTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotpay_payments_success_total",
				Help: "Total number of submissions accepted by the provider",
			},
			[]string{"rail", "flow"},
		),
		PaymentsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotpay_payments_failed_total",
				Help: "Total number of rejected or failed submissions",
			},
			[]string{"rail", "flow", "reason"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotpay_payment_amount_total",
				Help: "Total accepted payment amount in USD",
			},
			[]string{"rail", "token"},
		),
		PaymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotpay_payment_duration_seconds",
				Help:    "Time from transaction creation to provider acceptance (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"rail", "flow"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotpay_settlement_duration_seconds",
				Help:    "Time taken for an on-chain treasury transfer (onramp credit)",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"network"},
		),

		// RPC call metrics
		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotpay_rpc_calls_total",
				Help: "Total number of calls to external providers (EVM RPC, Daraja)",
			},
			[]string{"method", "network"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotpay_rpc_call_duration_seconds",
				Help:    "Duration of external provider calls (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "network"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotpay_rpc_errors_total",
				Help: "Total number of external provider call errors",
			},
			[]string{"method", "network", "error_type"},
		),

		// Inbound Daraja callback metrics
		CallbacksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotpay_callbacks_total",
				Help: "Total number of inbound Daraja callbacks by outcome",
			},
			[]string{"kind", "outcome"},
		),

		// Refund metrics
		RefundsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotpay_refunds_total",
				Help: "Total number of refund attempts",
			},
			[]string{"status"},
		),
		RefundAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotpay_refund_amount_total",
				Help: "Total refunded amount in USD",
			},
			[]string{"token"},
		),
		RefundDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotpay_refund_duration_seconds",
				Help:    "Time taken to process a refund",
				Buckets: []float64{1, 5, 10, 30, 60, 300},
			},
			[]string{"method"},
		),

		// Outbound webhook delivery metrics
		WebhooksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotpay_webhooks_total",
				Help: "Total number of downstream notification deliveries",
			},
			[]string{"event_type", "status"},
		),
		WebhookRetriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotpay_webhook_retries_total",
				Help: "Total number of downstream notification retry attempts",
			},
			[]string{"event_type", "attempt"},
		),
		WebhookDLQTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotpay_webhook_dlq_total",
				Help: "Total number of downstream notifications sent to the DLQ",
			},
			[]string{"event_type"},
		),
		WebhookDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotpay_webhook_duration_seconds",
				Help:    "Time taken for downstream notification delivery",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
			},
			[]string{"event_type"},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dotpay_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dotpay_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "dotpay_db_connections_active",
				Help: "Number of active database connections",
			},
		),
	}
}

// ObservePayment records a mobile-money submission attempt and its outcome.
func (m *Metrics) ObservePayment(rail, flow string, success bool, duration time.Duration, amountUsd float64, token string) {
	m.PaymentsTotal.WithLabelValues(rail, flow).Inc()
	if success {
		m.PaymentsSuccessTotal.WithLabelValues(rail, flow).Inc()
		m.PaymentAmountTotal.WithLabelValues(rail, token).Add(amountUsd)
	}
	m.PaymentDuration.WithLabelValues(rail, flow).Observe(duration.Seconds())
}

// ObservePaymentFailure records a failed submission with reason.
func (m *Metrics) ObservePaymentFailure(rail, flow, reason string) {
	m.PaymentsFailedTotal.WithLabelValues(rail, flow, reason).Inc()
}

// ObserveSettlement records an on-chain treasury transfer duration.
func (m *Metrics) ObserveSettlement(network string, duration time.Duration) {
	m.SettlementDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// ObserveRPCCall records a call to an external provider.
func (m *Metrics) ObserveRPCCall(method, network string, duration time.Duration, err error) {
	m.RPCCallsTotal.WithLabelValues(method, network).Inc()
	m.RPCCallDuration.WithLabelValues(method, network).Observe(duration.Seconds())

	if err != nil {
		errorType := "unknown"
		// Categorize errors
		if errStr := err.Error(); errStr != "" {
			switch {
			case contains(errStr, "timeout"):
				errorType = "timeout"
			case contains(errStr, "rate limit"):
				errorType = "rate_limit"
			case contains(errStr, "connection"):
				errorType = "connection"
			case contains(errStr, "not found"):
				errorType = "not_found"
			default:
				errorType = "other"
			}
		}
		m.RPCErrorsTotal.WithLabelValues(method, network, errorType).Inc()
	}
}

// ObserveCallback records an inbound Daraja callback and how the
// demultiplexer disposed of it.
func (m *Metrics) ObserveCallback(kind, outcome string) {
	m.CallbacksTotal.WithLabelValues(kind, outcome).Inc()
}

// ObserveRefund records a refund operation.
func (m *Metrics) ObserveRefund(status string, amountUsd float64, token string, duration time.Duration, method string) {
	m.RefundsTotal.WithLabelValues(status).Inc()
	if status == "success" {
		m.RefundAmountTotal.WithLabelValues(token).Add(amountUsd)
	}
	m.RefundDuration.WithLabelValues(method).Observe(duration.Seconds())
}

// ObserveWebhook records a downstream notification delivery.
func (m *Metrics) ObserveWebhook(eventType, status string, duration time.Duration, attempt int, sentToDLQ bool) {
	m.WebhooksTotal.WithLabelValues(eventType, status).Inc()
	m.WebhookDuration.WithLabelValues(eventType).Observe(duration.Seconds())

	if attempt > 1 {
		m.WebhookRetriesTotal.WithLabelValues(eventType, formatAttempt(attempt)).Inc()
	}

	if sentToDLQ {
		m.WebhookDLQTotal.WithLabelValues(eventType).Inc()
	}
}

// ObserveRateLimit records a rate limit hit.
func (m *Metrics) ObserveRateLimit(limitType, identifier string) {
	m.RateLimitHitsTotal.WithLabelValues(limitType, identifier).Inc()
}

// ObserveDBQuery records a database query.
func (m *Metrics) ObserveDBQuery(operation, backend string, duration time.Duration) {
	m.DBQueryDuration.WithLabelValues(operation, backend).Observe(duration.Seconds())
}

// Helper functions
func contains(s, substr string) bool {
	return len(s) >= len(substr) && s[:len(substr)] == substr ||
		len(s) > len(substr) && contains(s[1:], substr)
}

func formatAttempt(attempt int) string {
	if attempt <= 5 {
		return string(rune('0' + attempt))
	}
	return "5+"
}
