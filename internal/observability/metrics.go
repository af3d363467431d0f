package observability

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dronecomms",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin HTTP requests.",
		},
		[]string{"node", "method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dronecomms",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"node", "method", "path", "status"},
	)
	downlinkFrames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dronecomms",
			Subsystem: "downlink",
			Name:      "frames_total",
			Help:      "Completed serial frame attempts by result.",
		},
		[]string{"result"},
	)
	downlinkBytes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dronecomms",
			Subsystem: "downlink",
			Name:      "bytes_total",
			Help:      "Raw bytes consumed from the serial source.",
		},
	)
	fanoutDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dronecomms",
			Subsystem: "fanout",
			Name:      "deliveries_total",
			Help:      "Messages handed to each sink.",
		},
		[]string{"sink", "success"},
	)
	relayCaptures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dronecomms",
			Subsystem: "relay",
			Name:      "captures_total",
			Help:      "Relay message captures by result.",
		},
		[]string{"endpoint", "result"},
	)
	relayReconnects = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dronecomms",
			Subsystem: "relay",
			Name:      "reconnects_total",
			Help:      "Relay connection resets followed by a new accept.",
		},
		[]string{"endpoint"},
	)
	relaySends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dronecomms",
			Subsystem: "relay",
			Name:      "send_total",
			Help:      "Relay send attempts by result.",
		},
		[]string{"endpoint", "result"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			downlinkFrames,
			downlinkBytes,
			fanoutDeliveries,
			relayCaptures,
			relayReconnects,
			relaySends,
		)
	})
}

func RecordHTTPRequest(node, method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(node, method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(node, method, path, statusLabel).Observe(duration.Seconds())
}

func RecordFrame(result string) {
	RegisterMetrics()
	downlinkFrames.WithLabelValues(result).Inc()
}

func RecordBytes(n int) {
	RegisterMetrics()
	downlinkBytes.Add(float64(n))
}

func RecordDelivery(sink string, success bool) {
	RegisterMetrics()
	fanoutDeliveries.WithLabelValues(sink, strconv.FormatBool(success)).Inc()
}

func RecordCapture(endpoint, result string) {
	RegisterMetrics()
	relayCaptures.WithLabelValues(endpoint, result).Inc()
}

func RecordReconnect(endpoint string) {
	RegisterMetrics()
	relayReconnects.WithLabelValues(endpoint).Inc()
}

func RecordSend(endpoint, result string) {
	RegisterMetrics()
	relaySends.WithLabelValues(endpoint, result).Inc()
}
