package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "chatsync"

// Send outcomes
const (
	SendResultSent         = "sent"
	SendResultFailed       = "failed"
	SendResultPrecondition = "precondition"
	SendResultInvalid      = "invalid"
)

// Registry holds every collector used by the client engine and the relay
type Registry struct {
	reg *prometheus.Registry

	messagesSent        *prometheus.CounterVec
	sendDuration        prometheus.Histogram
	retries             prometheus.Counter
	typingSignals       *prometheus.CounterVec
	heartbeatsPublished *prometheus.CounterVec
	eventsReceived      *prometheus.CounterVec
	inboxReconciles     prometheus.Counter

	relayConnections   prometheus.Gauge
	relayRooms         prometheus.Gauge
	relayFrames        *prometheus.CounterVec
	relayDroppedFrames *prometheus.CounterVec
	httpRequests       *prometheus.CounterVec
	httpDuration       *prometheus.HistogramVec
	retentionPurged    prometheus.Counter
}

// NewRegistry creates a registry with its own prometheus.Registry
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		messagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_sent_total",
			Help:      "Message send attempts by outcome",
		}, []string{"result"}),
		sendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "send_duration_seconds",
			Help:      "Latency of repository message writes",
			Buckets:   prometheus.DefBuckets,
		}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "message_retries_total",
			Help:      "Manual retries of failed messages",
		}),
		typingSignals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "typing_signals_total",
			Help:      "Typing signals emitted",
		}, []string{"is_typing"}),
		heartbeatsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeats_published_total",
			Help:      "Heartbeat publishes by outcome",
		}, []string{"result"}),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_received_total",
			Help:      "Realtime events handled by type",
		}, []string{"type"}),
		inboxReconciles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbox_reconciles_total",
			Help:      "Inbox reconciliation fetches scheduled after unknown-thread inserts",
		}),
		relayConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "connections",
			Help:      "Open realtime connections",
		}),
		relayRooms: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "rooms",
			Help:      "Threads with at least one subscriber",
		}),
		relayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Realtime frames by direction and type",
		}, []string{"direction", "type"}),
		relayDroppedFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "dropped_frames_total",
			Help:      "Frames dropped by reason",
		}, []string{"reason"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		retentionPurged: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "retention_purged_threads_total",
			Help:      "Closed threads removed by retention",
		}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.messagesSent, r.sendDuration, r.retries, r.typingSignals,
		r.heartbeatsPublished, r.eventsReceived, r.inboxReconciles,
		r.relayConnections, r.relayRooms, r.relayFrames, r.relayDroppedFrames,
		r.httpRequests, r.httpDuration, r.retentionPurged,
	)
	return r
}

// Global registry instance
var globalRegistry = NewRegistry()

// GetRegistry returns the global registry instance
func GetRegistry() *Registry {
	return globalRegistry
}

// OrDefault returns r, or the global registry when r is nil
func OrDefault(r *Registry) *Registry {
	if r == nil {
		return globalRegistry
	}
	return r
}

// Handler serves the registry in the prometheus exposition format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

// Gatherer exposes the underlying registry for tests and custom exporters
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) RecordSend(result string, duration time.Duration) {
	r.messagesSent.WithLabelValues(result).Inc()
	if duration > 0 {
		r.sendDuration.Observe(duration.Seconds())
	}
}

func (r *Registry) RecordRetry() {
	r.retries.Inc()
}

func (r *Registry) RecordTypingSignal(isTyping bool) {
	label := "false"
	if isTyping {
		label = "true"
	}
	r.typingSignals.WithLabelValues(label).Inc()
}

func (r *Registry) RecordHeartbeat(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.heartbeatsPublished.WithLabelValues(result).Inc()
}

func (r *Registry) RecordEvent(eventType string) {
	r.eventsReceived.WithLabelValues(eventType).Inc()
}

func (r *Registry) RecordInboxReconcile() {
	r.inboxReconciles.Inc()
}

func (r *Registry) SetRelayConnections(n int) {
	r.relayConnections.Set(float64(n))
}

func (r *Registry) SetRelayRooms(n int) {
	r.relayRooms.Set(float64(n))
}

func (r *Registry) RecordFrame(direction, frameType string) {
	r.relayFrames.WithLabelValues(direction, frameType).Inc()
}

func (r *Registry) RecordDroppedFrame(reason string) {
	r.relayDroppedFrames.WithLabelValues(reason).Inc()
}

func (r *Registry) RecordHTTPRequest(method, route string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(method, route, statusClass(status)).Inc()
	r.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

func (r *Registry) RecordRetentionPurge(n int64) {
	r.retentionPurged.Add(float64(n))
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
