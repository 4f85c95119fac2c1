// Package metrics holds the gateway's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "stg"

var (
	// Registry holds the gateway's collectors.
	Registry = prometheus.NewRegistry()

	intents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "intents_total",
			Help:      "Intents received, by kind and admission outcome.",
		},
		[]string{"kind", "outcome"},
	)

	transitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "state_transitions_total",
			Help:      "Transaction record state transitions, by target state.",
		},
		[]string{"to"},
	)

	signatures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sponsor_signatures_total",
			Help:      "Signatures produced by the sponsor key.",
		},
	)

	sponsorBalance = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sponsor_balance_microalgos",
			Help:      "Last confirmed sponsor balance.",
		},
	)

	sponsorReserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sponsor_reserved_microalgos",
			Help:      "Sum of live sponsor reservations.",
		},
	)

	releaseFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservation_release_failures_total",
			Help:      "Reservation releases that failed and were left to the sweeper.",
		},
	)

	rpcRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rpc_requests_total",
			Help:      "Requests to the algod node, by operation and result.",
		},
		[]string{"op", "result"},
	)

	confirmation = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "confirmation_seconds",
			Help:      "Time from submission to observed confirmation.",
			Buckets:   prometheus.ExponentialBuckets(1, 1.5, 12), // 1s to ~86s
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests handled, by route and status.",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~5s
		},
		[]string{"method", "route"},
	)
)

func init() {
	Registry.MustRegister(
		intents,
		transitions,
		signatures,
		sponsorBalance,
		sponsorReserved,
		releaseFailures,
		rpcRequests,
		confirmation,
		httpRequests,
		httpDuration,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler exposes Registry.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency per matched gin route.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		httpRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
		httpDuration.WithLabelValues(c.Request.Method, route).Observe(time.Since(start).Seconds())
	}
}

func Intent(kind, outcome string) { intents.WithLabelValues(kind, outcome).Inc() }

func Transition(to string) { transitions.WithLabelValues(to).Inc() }

func Signature() { signatures.Inc() }

func SponsorBalance(microalgos uint64) { sponsorBalance.Set(float64(microalgos)) }

func SponsorReserved(microalgos uint64) { sponsorReserved.Set(float64(microalgos)) }

// RPC counts one algod call; result is "ok", "not_found", "rejected" or
// "unavailable".
func ReleaseFailed() { releaseFailures.Inc() }

func RPC(op, result string) { rpcRequests.WithLabelValues(op, result).Inc() }

func Confirmed(d time.Duration) { confirmation.Observe(d.Seconds()) }
