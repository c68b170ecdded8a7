// Package metrics instruments the FastCGI engine with Prometheus
// collectors, grounded on the teacher tqserver's server/src/metrics.go - the
// same promauto registration style, generalized from HTTP-proxy metrics to
// protocol-engine metrics since this daemon has no HTTP frontend of its own.
package metrics

import (
	"runtime"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fcgid/fcgid/pkg/fastcgi"
)

// Metrics implements fastcgi.Hooks. Its collectors are registered on the
// Registerer passed to New, so they are scraped through a handler built for
// that registry (promhttp.HandlerFor), not the default promhttp.Handler().
type Metrics struct {
	ConnectionsTotal   prometheus.Counter
	ActiveConnections  prometheus.Gauge
	ActiveRequests     prometheus.Gauge
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    prometheus.Histogram
	RecordsTotal       *prometheus.CounterVec
	ProtocolErrorsTotal *prometheus.CounterVec
	BytesInTotal       prometheus.Counter
	BytesOutTotal      prometheus.Counter
	ProcessUptime      prometheus.Gauge
	ProcessMemoryBytes *prometheus.GaugeVec
	ProcessGoroutines  prometheus.Gauge

	startTime time.Time
}

var _ fastcgi.Hooks = (*Metrics)(nil)

// New registers and returns a fresh set of collectors against reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	m := &Metrics{
		startTime: time.Now(),

		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fcgid_connections_total",
			Help: "Total FastCGI connections accepted.",
		}),
		ActiveConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fcgid_active_connections",
			Help: "Currently open FastCGI connections.",
		}),
		ActiveRequests: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fcgid_active_requests",
			Help: "Currently live request ids across all connections.",
		}),
		RequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fcgid_requests_total",
			Help: "Completed requests by END_REQUEST protocol_status.",
		}, []string{"protocol_status"}),
		RequestDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "fcgid_request_duration_seconds",
			Help:    "Time from BEGIN_REQUEST to END_REQUEST.",
			Buckets: prometheus.DefBuckets,
		}),
		RecordsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fcgid_records_total",
			Help: "Inbound records by record type.",
		}, []string{"type"}),
		ProtocolErrorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "fcgid_protocol_errors_total",
			Help: "Protocol errors by kind.",
		}, []string{"kind"}),
		BytesInTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fcgid_bytes_in_total",
			Help: "Total wire bytes read.",
		}),
		BytesOutTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "fcgid_bytes_out_total",
			Help: "Total wire bytes written.",
		}),
		ProcessUptime: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fcgid_process_uptime_seconds",
			Help: "Seconds since process start.",
		}),
		ProcessMemoryBytes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "fcgid_process_memory_bytes",
			Help: "Process memory usage in bytes.",
		}, []string{"type"}),
		ProcessGoroutines: factory.NewGauge(prometheus.GaugeOpts{
			Name: "fcgid_process_goroutines",
			Help: "Number of live goroutines.",
		}),
	}

	go m.updateProcessMetrics()

	return m
}

func (m *Metrics) updateProcessMetrics() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for range ticker.C {
		m.ProcessUptime.Set(time.Since(m.startTime).Seconds())

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)
		m.ProcessMemoryBytes.WithLabelValues("heap").Set(float64(mem.HeapAlloc))
		m.ProcessMemoryBytes.WithLabelValues("sys").Set(float64(mem.Sys))

		m.ProcessGoroutines.Set(float64(runtime.NumGoroutine()))
	}
}

func (m *Metrics) ConnectionOpened(sessionID string) {
	m.ConnectionsTotal.Inc()
	m.ActiveConnections.Inc()
}

func (m *Metrics) ConnectionClosed(sessionID string) {
	m.ActiveConnections.Dec()
}

func (m *Metrics) RequestStarted(sessionID string, requestID uint16) {
	m.ActiveRequests.Inc()
}

func (m *Metrics) RequestEnded(sessionID string, requestID uint16, protocolStatus uint8, d time.Duration) {
	m.ActiveRequests.Dec()
	m.RequestsTotal.WithLabelValues(strconv.Itoa(int(protocolStatus))).Inc()
	m.RequestDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordReceived(sessionID string, typ uint8) {
	m.RecordsTotal.WithLabelValues(strconv.Itoa(int(typ))).Inc()
}

func (m *Metrics) ProtocolErrorSeen(sessionID string, kind fastcgi.ProtocolErrorKind) {
	m.ProtocolErrorsTotal.WithLabelValues(kind.String()).Inc()
}

func (m *Metrics) BytesIn(sessionID string, n int) {
	m.BytesInTotal.Add(float64(n))
}

func (m *Metrics) BytesOut(sessionID string, n int) {
	m.BytesOutTotal.Add(float64(n))
}
