package metrics

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
)

// Drop reasons for MessagesDropped
const (
	ReasonQueueFull       = "queue_full"
	ReasonShuttingDown    = "shutting_down"
	ReasonBadTopic        = "bad_topic"
	ReasonMalformed       = "malformed"
	ReasonUnknownDevice   = "unknown_device"
	ReasonMallMismatch    = "mall_mismatch"
	ReasonClockSkew       = "clock_skew"
	ReasonDuplicate       = "duplicate"
	ReasonPersistence     = "persistence"
	ReasonUnmatchedAnswer = "unmatched_response"
)

var (
	MessagesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iothub_messages_received_total",
			Help: "Total number of MQTT messages received by kind",
		},
		[]string{"kind"},
	)

	MessagesProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iothub_messages_processed_total",
			Help: "Total number of device messages fully processed by kind",
		},
		[]string{"kind"},
	)

	MessagesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iothub_messages_dropped_total",
			Help: "Total number of device messages dropped by reason",
		},
		[]string{"reason"},
	)

	ProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iothub_message_processing_seconds",
			Help:    "Time spent processing one device message",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"kind"},
	)

	PersistenceRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iothub_persistence_retries_total",
			Help: "Total number of storage retries by operation",
		},
		[]string{"op"},
	)

	PersistenceFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iothub_persistence_failures_total",
			Help: "Total number of storage operations that failed after retries",
		},
		[]string{"op"},
	)

	AlertsTriggered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iothub_alerts_triggered_total",
			Help: "Total number of threshold alerts by severity",
		},
		[]string{"severity"},
	)

	DevicePromotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iothub_device_promotions_total",
			Help: "Total number of offline devices promoted to online by telemetry",
		},
	)

	DeviceDemotions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iothub_device_demotions_total",
			Help: "Total number of online devices demoted by the heartbeat sweep",
		},
	)

	DevicesRegistered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iothub_devices_registered_total",
			Help: "Total number of registered devices",
		},
	)

	CommandsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iothub_commands_sent_total",
			Help: "Total number of commands published by priority",
		},
		[]string{"priority"},
	)

	CommandResponses = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iothub_command_responses_total",
			Help: "Total number of command responses by resulting status",
		},
		[]string{"status"},
	)

	CommandTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iothub_command_timeouts_total",
			Help: "Total number of commands evicted without a response",
		},
	)

	EventsPublished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iothub_events_published_total",
			Help: "Total number of bus events published by kind",
		},
		[]string{"kind"},
	)

	EventsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iothub_events_dropped_total",
			Help: "Total number of bus deliveries dropped by kind",
		},
		[]string{"kind"},
	)

	WorkerQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "iothub_worker_queue_depth",
			Help: "Current depth of a worker pool queue",
		},
		[]string{"pool"},
	)

	PartitionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iothub_partitions_created_total",
			Help: "Total number of reading partitions ensured",
		},
	)

	PartitionsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "iothub_partitions_dropped_total",
			Help: "Total number of reading partitions dropped by retention",
		},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "iothub_http_requests_total",
			Help: "Total number of ops HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "iothub_http_request_duration_seconds",
			Help:    "Ops HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)
)

func init() {
	prometheus.MustRegister(MessagesReceived)
	prometheus.MustRegister(MessagesProcessed)
	prometheus.MustRegister(MessagesDropped)
	prometheus.MustRegister(ProcessingDuration)
	prometheus.MustRegister(PersistenceRetries)
	prometheus.MustRegister(PersistenceFailures)
	prometheus.MustRegister(AlertsTriggered)
	prometheus.MustRegister(DevicePromotions)
	prometheus.MustRegister(DeviceDemotions)
	prometheus.MustRegister(DevicesRegistered)
	prometheus.MustRegister(CommandsSent)
	prometheus.MustRegister(CommandResponses)
	prometheus.MustRegister(CommandTimeouts)
	prometheus.MustRegister(EventsPublished)
	prometheus.MustRegister(EventsDropped)
	prometheus.MustRegister(WorkerQueueDepth)
	prometheus.MustRegister(PartitionsCreated)
	prometheus.MustRegister(PartitionsDropped)
	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(HTTPRequestDuration)
}

// GinMiddleware records request counts and latency per route template
func GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		HTTPRequests.WithLabelValues(c.Request.Method, endpoint, strconv.Itoa(c.Writer.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(c.Request.Method, endpoint).Observe(time.Since(start).Seconds())
	}
}
