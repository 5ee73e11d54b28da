package obs

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Общие HTTP-метрики
var (
	httpInFlight = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "http_in_flight_requests",
		Help: "In-flight HTTP requests.",
	})

	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)

// Sync metrics.
var (
	CRMRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetsync_crm_requests_total",
			Help: "CRM API requests by final HTTP status (or \"error\" for transport failures).",
		},
		[]string{"status"},
	)

	CRMRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetsync_crm_retries_total",
			Help: "CRM API retries by reason.",
		},
		[]string{"reason"},
	)

	ContactSyncItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetsync_contact_sync_items_total",
			Help: "Contacts processed by the sync engine.",
		},
		[]string{"direction", "outcome"},
	)

	QueueItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vetsync_queue_items_total",
			Help: "Data sync queue items by terminal status.",
		},
		[]string{"entity_type", "status"},
	)

	QueueDrainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "vetsync_queue_drain_seconds",
		Help:    "Duration of a queue drain pass.",
		Buckets: prometheus.DefBuckets,
	})
)

var initOnce sync.Once

// Init registers all collectors in the default registry.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(httpInFlight, httpRequestsTotal, httpRequestDuration,
			CRMRequests, CRMRetries, ContactSyncItems, QueueItems, QueueDrainDuration)
	})
}

// Handler exposes the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Instrument records RPS, latency and in-flight requests.
func Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := CanonicalPath(r.URL.Path)
		method := r.Method

		httpInFlight.Inc()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: 200}
		next.ServeHTTP(sw, r)

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(sw.code)

		httpRequestDuration.WithLabelValues(method, path, status).Observe(duration)
		httpRequestsTotal.WithLabelValues(method, path, status).Inc()
		httpInFlight.Dec()
	})
}

// collections whose second path segment is an identifier.
var idCollections = map[string]bool{
	"clinics":   true,
	"mappings":  true,
	"data-sync": true,
	"users":     true,
}

var reservedSegments = map[string]bool{
	"suggestions": true,
	"status":      true,
	"process":     true,
	"recognize":   true,
}

// CanonicalPath collapses identifiers so label cardinality stays bounded.
func CanonicalPath(p string) string {
	if i := strings.IndexByte(p, '?'); i >= 0 {
		p = p[:i]
	}
	if p == "" || p == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(p, "/"), "/")
	if len(parts) >= 3 && parts[0] == "v1" && idCollections[parts[1]] && !reservedSegments[parts[2]] {
		parts[2] = ":id"
	}
	return "/" + strings.Join(parts, "/")
}

// statusWriter: локальная копия, чтобы знать код ответа.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets websocket upgrades pass through the instrumented writer.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("hijack not supported")
	}
	return h.Hijack()
}
