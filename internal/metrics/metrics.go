// Package metrics provides Prometheus instrumentation for the lending engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// OperationsTotal counts engine operations by name and outcome
	// ("ok" or an error class).
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_operations_total",
		Help: "Total number of lending engine operations",
	}, []string{"op", "outcome"})

	// OperationLatency tracks engine operation latency, including gateway
	// round trips for withdrawals.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_operation_latency_seconds",
		Help:    "Lending operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// Liquidations counts positions seized.
	Liquidations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lending_liquidations_total",
		Help: "Positions seized by liquidation",
	})

	// WithdrawalOutcomes counts withdrawals by terminal gateway outcome.
	WithdrawalOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_withdrawals_total",
		Help: "Withdrawals by outcome (confirmed, refunded, ambiguous)",
	}, []string{"outcome"})

	// PendingWithdrawals tracks withdrawals awaiting reconciliation.
	PendingWithdrawals = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_pending_withdrawals",
		Help: "Withdrawals whose transfer outcome is unknown",
	})

	// OraclePrice is the current collateral price (scaled by 100).
	OraclePrice = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_oracle_price",
		Help: "Current collateral price, two implied decimals",
	})

	// OracleRefreshes counts price feed refreshes by result.
	OracleRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_oracle_refreshes_total",
		Help: "Price feed refresh attempts by result",
	}, []string{"result"})

	// GatewayCalls counts external gateway calls by method and result class.
	GatewayCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_gateway_calls_total",
		Help: "External asset gateway calls",
	}, []string{"method", "result"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lending_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lending_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "lending_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveOperation records one engine operation.
func ObserveOperation(op, outcome string, start time.Time) {
	OperationsTotal.WithLabelValues(op, outcome).Inc()
	OperationLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}
