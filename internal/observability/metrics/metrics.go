// Package metrics provides Prometheus instrumentation for querypay.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	enabled      bool
	serviceName  string
	registerOnce sync.Once

	// HTTP metrics
	httpRequestsTotal *prometheus.CounterVec
	httpDuration      *prometheus.HistogramVec
	httpBlockedTotal  *prometheus.CounterVec

	// Chain access metrics
	rpcRequestsTotal *prometheus.CounterVec
	rpcDuration      *prometheus.HistogramVec
	contractProbes   *prometheus.CounterVec

	// Payment domain metrics
	paymentVerifyTotal    *prometheus.CounterVec
	paymentVerifyDuration *prometheus.HistogramVec
	paymentSubmitTotal    *prometheus.CounterVec
	paymentEventsTotal    prometheus.Counter

	// Credit domain metrics
	creditsAppliedTotal *prometheus.CounterVec
	creditsAppliedUSD   prometheus.Counter
	queryTotal          *prometheus.CounterVec
	aiRequestsTotal     *prometheus.CounterVec
)

// Init initializes the metrics system. Collectors are registered once per
// process; later calls only toggle the enabled flag.
func Init(enabledFlag bool, svcName string) {
	enabled = enabledFlag
	serviceName = svcName

	if !enabled {
		return
	}

	registerOnce.Do(register)
}

func register() {
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	httpBlockedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypay_http_blocked_total",
			Help: "Requests rejected by the security filter",
		},
		[]string{"reason"},
	)

	rpcRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypay_rpc_requests_total",
			Help: "Total number of JSON-RPC calls by endpoint and outcome",
		},
		[]string{"endpoint", "op", "result"},
	)

	rpcDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypay_rpc_request_duration_seconds",
			Help:    "JSON-RPC call latency in seconds",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15},
		},
		[]string{"endpoint", "op"},
	)

	contractProbes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypay_contract_probe_total",
			Help: "Contract code probes by outcome (present, absent, error)",
		},
		[]string{"result"},
	)

	paymentVerifyTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypay_payment_verify_total",
			Help: "Payment verifications by terminal status",
		},
		[]string{"status", "verified"},
	)

	paymentVerifyDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "querypay_payment_verify_duration_seconds",
			Help:    "Wall clock time of a verification call chain",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"mode"},
	)

	paymentSubmitTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypay_payment_submit_total",
			Help: "Payment transactions broadcast by mode and outcome",
		},
		[]string{"mode", "status"},
	)

	paymentEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "querypay_payment_events_total",
			Help: "PaymentReceived events delivered to listeners",
		},
	)

	creditsAppliedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypay_credits_applied_total",
			Help: "Credit applications by outcome (applied, duplicate, error)",
		},
		[]string{"result"},
	)

	creditsAppliedUSD = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "querypay_credits_applied_usd_total",
			Help: "Sum of USD credits granted from verified payments",
		},
	)

	queryTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypay_query_total",
			Help: "Paid queries by outcome",
		},
		[]string{"status"},
	)

	aiRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "querypay_ai_requests_total",
			Help: "AI completion calls by outcome",
		},
		[]string{"status"},
	)

	// Note: Go runtime metrics (goroutines, memory, GC) are automatically
	// collected by prometheus/client_golang - no custom collector needed
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	if !enabled {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
	}
	return promhttp.Handler()
}

// Enabled returns whether metrics are enabled.
func Enabled() bool {
	return enabled
}

// ServiceName returns the configured service name for metric labels.
func ServiceName() string {
	return serviceName
}
