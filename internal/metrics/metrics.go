package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the facilitator.
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

	// Rate limiting metrics
	RateLimitHitsTotal *prometheus.CounterVec

	// Database metrics
	DBQueryDuration     *prometheus.HistogramVec
	DBConnectionsActive prometheus.Gauge

	// Nonce ledger metrics
	NonceAcquireTotal    *prometheus.CounterVec
	NonceRejectionsTotal *prometheus.CounterVec
	NonceCleanupDeleted  prometheus.Counter

	// Refund-claim intake metrics
	RefundClaimsTotal *prometheus.CounterVec
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
				Name: "facilitator_payments_total",
				Help: "Total number of payment attempts",
			},
			[]string{"method", "resource"},
		),
		PaymentsSuccessTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_payments_success_total",
				Help: "Total number of successful payments",
			},
			[]string{"method", "resource"},
		),
		PaymentsFailedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_payments_failed_total",
				Help: "Total number of failed payments",
			},
			[]string{"method", "resource", "reason"},
		),
		PaymentAmountTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_payment_amount_total",
				Help: "Total payment amount in USD cents",
			},
			[]string{"method", "token"},
		),
		PaymentDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facilitator_payment_duration_seconds",
				Help:    "Time taken to process payment (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
			},
			[]string{"method", "resource"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facilitator_settlement_duration_seconds",
				Help:    "Time from payment initiation to on-chain settlement",
				Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
			},
			[]string{"network"},
		),

		// RPC call metrics
		RPCCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_rpc_calls_total",
				Help: "Total number of RPC calls to blockchain",
			},
			[]string{"method", "network"},
		),
		RPCCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facilitator_rpc_call_duration_seconds",
				Help:    "Duration of RPC calls to blockchain (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
			},
			[]string{"method", "network"},
		),
		RPCErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_rpc_errors_total",
				Help: "Total number of RPC errors",
			},
			[]string{"method", "network", "error_type"},
		),

		// Rate limiting metrics
		RateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_rate_limit_hits_total",
				Help: "Total number of rate limit hits",
			},
			[]string{"limit_type", "identifier"},
		),

		// Database metrics
		DBQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "facilitator_db_query_duration_seconds",
				Help:    "Database query duration (supports p50, p95, p99 percentiles)",
				Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.5, 1, 2},
			},
			[]string{"operation", "backend"},
		),
		DBConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "facilitator_db_connections_active",
				Help: "Number of active database connections",
			},
		),

		// Nonce ledger metrics
		NonceAcquireTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_nonce_acquire_total",
				Help: "Total number of nonce ledger acquire attempts",
			},
			[]string{"chain", "result"},
		),
		NonceRejectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_nonce_rejections_total",
				Help: "Total number of nonce ledger acquire rejections by reason",
			},
			[]string{"chain", "reason"},
		),
		NonceCleanupDeleted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "facilitator_nonce_cleanup_deleted_total",
				Help: "Total number of expired nonce rows deleted by the cleanup worker",
			},
		),

		// Refund-claim intake metrics
		RefundClaimsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "facilitator_refund_claims_total",
				Help: "Total number of refund-claim intake requests by outcome",
			},
			[]string{"network", "outcome"},
		),
	}
}

// ObserveNonceAcquire records a nonce ledger acquire attempt's outcome. reason
// is empty when the acquire succeeded.
func (m *Metrics) ObserveNonceAcquire(chain string, acquired bool, reason string) {
	result := "acquired"
	if !acquired {
		result = "rejected"
	}
	m.NonceAcquireTotal.WithLabelValues(chain, result).Inc()
	if !acquired {
		m.NonceRejectionsTotal.WithLabelValues(chain, normalizeRejectReason(reason)).Inc()
	}
}

// ObserveNonceCleanup records how many expired rows a cleanup pass deleted.
func (m *Metrics) ObserveNonceCleanup(deleted int) {
	m.NonceCleanupDeleted.Add(float64(deleted))
}

// ObserveRefundClaim records a refund-claim intake outcome ("recorded",
// "duplicate", "unauthorized", "disabled", ...).
func (m *Metrics) ObserveRefundClaim(network, outcome string) {
	m.RefundClaimsTotal.WithLabelValues(network, outcome).Inc()
}

func normalizeRejectReason(reason string) string {
	switch {
	case reason == "":
		return "unknown"
	case contains(reason, "concurrent"):
		return "concurrent_request"
	case contains(reason, "settled") || contains(reason, "already"):
		return "already_used"
	default:
		return "other"
	}
}

// ObservePayment records a payment attempt and its outcome.
func (m *Metrics) ObservePayment(method, resource string, success bool, duration time.Duration, amountCents int64, token string) {
	m.PaymentsTotal.WithLabelValues(method, resource).Inc()
	if success {
		m.PaymentsSuccessTotal.WithLabelValues(method, resource).Inc()
		m.PaymentAmountTotal.WithLabelValues(method, token).Add(float64(amountCents))
	}
	m.PaymentDuration.WithLabelValues(method, resource).Observe(duration.Seconds())
}

// ObservePaymentFailure records a failed payment with reason.
func (m *Metrics) ObservePaymentFailure(method, resource, reason string) {
	m.PaymentsFailedTotal.WithLabelValues(method, resource, reason).Inc()
}

// ObserveSettlement records blockchain settlement time.
func (m *Metrics) ObserveSettlement(network string, duration time.Duration) {
	m.SettlementDuration.WithLabelValues(network).Observe(duration.Seconds())
}

// ObserveRPCCall records an RPC call to the blockchain.
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
