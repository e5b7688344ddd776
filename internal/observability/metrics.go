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
			Namespace: "dispatchctl",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total admin API requests.",
		},
		[]string{"method", "path", "status"},
	)
	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatchctl",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Admin API request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
	transportCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchctl",
			Subsystem: "transport",
			Name:      "calls_total",
			Help:      "Remote dispatch service calls by outcome.",
		},
		[]string{"endpoint", "method", "outcome"},
	)
	transportDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dispatchctl",
			Subsystem: "transport",
			Name:      "call_duration_seconds",
			Help:      "Remote dispatch service call duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"endpoint", "method"},
	)
	pushEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchctl",
			Subsystem: "push",
			Name:      "events_total",
			Help:      "Push channel events by direction and name.",
		},
		[]string{"direction", "event", "success"},
	)
	pollCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchctl",
			Subsystem: "poll",
			Name:      "source_fetches_total",
			Help:      "Poll reconciler source fetches by source and result.",
		},
		[]string{"source", "success"},
	)
	pollDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dispatchctl",
			Subsystem: "poll",
			Name:      "cycle_duration_seconds",
			Help:      "Poll reconciler cycle duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	storeEntries = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "dispatchctl",
			Subsystem: "store",
			Name:      "entries",
			Help:      "Connected entries currently held by the session store.",
		},
		[]string{"table"},
	)
	commands = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dispatchctl",
			Subsystem: "command",
			Name:      "invocations_total",
			Help:      "Dispatcher commands by name and outcome.",
		},
		[]string{"command", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			httpRequests,
			httpDuration,
			transportCalls,
			transportDuration,
			pushEvents,
			pollCycles,
			pollDuration,
			storeEntries,
			commands,
		)
	})
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	RegisterMetrics()
	statusLabel := strconv.Itoa(status)
	httpRequests.WithLabelValues(method, path, statusLabel).Inc()
	httpDuration.WithLabelValues(method, path, statusLabel).Observe(duration.Seconds())
}

func RecordTransportCall(endpoint, method, outcome string, duration time.Duration) {
	RegisterMetrics()
	transportCalls.WithLabelValues(endpoint, method, outcome).Inc()
	transportDuration.WithLabelValues(endpoint, method).Observe(duration.Seconds())
}

func RecordPushEvent(direction, event string, success bool) {
	RegisterMetrics()
	pushEvents.WithLabelValues(direction, event, strconv.FormatBool(success)).Inc()
}

func RecordPollSource(source string, success bool) {
	RegisterMetrics()
	pollCycles.WithLabelValues(source, strconv.FormatBool(success)).Inc()
}

func RecordPollCycle(duration time.Duration) {
	RegisterMetrics()
	pollDuration.Observe(duration.Seconds())
}

func SetStoreEntries(devices, interfaces int) {
	RegisterMetrics()
	storeEntries.WithLabelValues("devices").Set(float64(devices))
	storeEntries.WithLabelValues("interfaces").Set(float64(interfaces))
}

func RecordCommand(command, outcome string) {
	RegisterMetrics()
	commands.WithLabelValues(command, outcome).Inc()
}
