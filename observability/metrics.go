package observability

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics records HTTP and lifecycle activity for the lending
// gateway.
type GatewayMetrics struct {
	Requests          *prometheus.CounterVec
	Latency           *prometheus.HistogramVec
	Signins           *prometheus.CounterVec
	SignatureFailures *prometheus.CounterVec
	OffersCreated     prometheus.Counter
	LoansFinalized    *prometheus.CounterVec
}

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics
)

// Metrics returns the lazily-initialised gateway metrics registry.
func Metrics() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "Total HTTP requests segmented by route, method, and status code.",
			}, []string{"route", "method", "status"}),
			Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "nftlend",
				Subsystem: "http",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for HTTP handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"route", "method"}),
			Signins: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "auth",
				Name:      "signins_total",
				Help:      "Total signin attempts segmented by outcome.",
			}, []string{"outcome"}),
			SignatureFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "signing",
				Name:      "verification_failures_total",
				Help:      "Signature verification failures segmented by action kind.",
			}, []string{"action"}),
			OffersCreated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "lifecycle",
				Name:      "offers_created_total",
				Help:      "Total loan offers accepted by the validation pipeline.",
			}),
			LoansFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nftlend",
				Subsystem: "lifecycle",
				Name:      "loans_finalized_total",
				Help:      "Loans reaching a terminal status, segmented by status.",
			}, []string{"status"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.Requests,
			gatewayRegistry.Latency,
			gatewayRegistry.Signins,
			gatewayRegistry.SignatureFailures,
			gatewayRegistry.OffersCreated,
			gatewayRegistry.LoansFinalized,
		)
	})
	return gatewayRegistry
}
