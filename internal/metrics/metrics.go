package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orgpay",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of ops HTTP requests handled.",
		},
		[]string{"method", "path", "status"},
	)

	transfersProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orgpay",
			Subsystem: "routing",
			Name:      "transfers_total",
			Help:      "Transfers processed by route and resulting status.",
		},
		[]string{"route", "status"},
	)

	transferDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orgpay",
			Subsystem: "routing",
			Name:      "transfer_duration_seconds",
			Help:      "Duration of ProcessTransfer calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"route"},
	)

	approvals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orgpay",
			Subsystem: "routing",
			Name:      "approvals_total",
			Help:      "External approval transitions by resulting status.",
		},
		[]string{"status"},
	)

	ledgerMutations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orgpay",
			Subsystem: "ledger",
			Name:      "mutations_total",
			Help:      "Channel mutations by operation and outcome.",
		},
		[]string{"op", "success"},
	)

	openChannels = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "orgpay",
			Subsystem: "ledger",
			Name:      "open_channels",
			Help:      "Current number of OPEN channels.",
		},
	)

	sweptChannels = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "orgpay",
			Subsystem: "ledger",
			Name:      "swept_channels_total",
			Help:      "Channels closed by the inactivity sweep.",
		},
	)

	cacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orgpay",
			Subsystem: "cache",
			Name:      "errors_total",
			Help:      "Suppressed channel cache failures by operation.",
		},
		[]string{"op"},
	)

	proofs = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "orgpay",
			Subsystem: "zkproof",
			Name:      "operations_total",
			Help:      "Proof generations and verifications by kind and outcome.",
		},
		[]string{"kind", "op", "success"},
	)

	proofDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "orgpay",
			Subsystem: "zkproof",
			Name:      "duration_seconds",
			Help:      "Duration of proving backend calls.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		},
		[]string{"kind", "op"},
	)

	treeLeaves = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "orgpay",
			Subsystem: "membership",
			Name:      "leaves",
			Help:      "Leaves in each organization's membership tree.",
		},
		[]string{"organization"},
	)
)

func init() {
	Registry.MustRegister(
		httpRequests,
		transfersProcessed,
		transferDuration,
		approvals,
		ledgerMutations,
		openChannels,
		sweptChannels,
		cacheErrors,
		proofs,
		proofDuration,
		treeLeaves,
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
		prometheus.NewGoCollector(),
	)
}

// Handler returns an HTTP handler exposing the registered Prometheus metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

// InstrumentHandler wraps the provided handler with HTTP metrics collection.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		httpRequests.WithLabelValues(strings.ToUpper(r.Method), canonicalPath(r.URL.Path), strconv.Itoa(rec.status)).Inc()
	})
}

// RecordTransfer records a processed transfer.
func RecordTransfer(route, status string, duration time.Duration) {
	if route == "" {
		route = "unclassified"
	}
	if duration <= 0 {
		duration = time.Millisecond
	}
	transfersProcessed.WithLabelValues(route, status).Inc()
	transferDuration.WithLabelValues(route).Observe(duration.Seconds())
}

// RecordApproval records an approval transition.
func RecordApproval(status string) {
	approvals.WithLabelValues(status).Inc()
}

// RecordLedgerMutation records a channel mutation attempt.
func RecordLedgerMutation(op string, success bool) {
	ledgerMutations.WithLabelValues(op, strconv.FormatBool(success)).Inc()
}

// SetOpenChannels sets the open channel gauge.
func SetOpenChannels(n int) {
	openChannels.Set(float64(n))
}

// RecordSweep records channels closed by one sweep.
func RecordSweep(closed int) {
	sweptChannels.Add(float64(closed))
}

// RecordCacheError records a suppressed cache failure.
func RecordCacheError(op string) {
	cacheErrors.WithLabelValues(op).Inc()
}

// RecordProof records a proving backend call.
func RecordProof(kind, op string, duration time.Duration, success bool) {
	if duration <= 0 {
		duration = time.Millisecond
	}
	proofs.WithLabelValues(kind, op, strconv.FormatBool(success)).Inc()
	proofDuration.WithLabelValues(kind, op).Observe(duration.Seconds())
}

// SetTreeLeaves records the leaf count of an organization's tree.
func SetTreeLeaves(organizationID string, n int) {
	treeLeaves.WithLabelValues(organizationID).Set(float64(n))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func canonicalPath(raw string) string {
	trimmed := strings.Trim(raw, "/")
	if trimmed == "" {
		return "/"
	}
	return "/" + strings.SplitN(trimmed, "/", 2)[0]
}
