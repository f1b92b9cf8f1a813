package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fngate_invocations_total",
			Help: "Total number of function invocations by function, kind and canonical status.",
		},
		[]string{"function", "kind", "status"},
	)

	InvocationLatencySeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fngate_invocation_latency_seconds",
			Help:    "Time from request arrival to the final response byte.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function", "kind"},
	)

	TokenVerificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fngate_token_verifications_total",
			Help: "Token verification outcomes by token kind (auth, app).",
		},
		[]string{"token", "outcome"},
	)

	KeySetFetchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fngate_keyset_fetches_total",
			Help: "Key-set fetches by key set, source (network, store) and result.",
		},
		[]string{"keyset", "source", "result"},
	)

	StreamChunksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fngate_stream_chunks_total",
			Help: "Streamed chunks by function and whether the client received them.",
		},
		[]string{"function", "delivered"},
	)

	EmulatorDispatchesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fngate_emulator_dispatches_total",
			Help: "Emulated task dispatches by queue and result.",
		},
		[]string{"queue", "result"},
	)

	EmulatorDispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fngate_emulator_dispatch_duration_seconds",
			Help:    "Duration of emulated task HTTP dispatches.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"queue", "status_code"},
	)

	EmulatorRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fngate_emulator_retries_total",
			Help: "Emulated task retries by reason.",
		},
		[]string{"reason"}, // e.g. http_5xx, http_4xx, timeout, network
	)

	EmulatorDeadLettersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fngate_emulator_dead_letters_total",
			Help: "Emulated tasks that exhausted their retry budget.",
		},
		[]string{"queue", "reason"},
	)

	EmulatorBacklog = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fngate_emulator_backlog",
			Help: "Messages waiting in the emulator tasks channel.",
		},
	)

	NSQTopicDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fngate_nsq_topic_depth",
			Help: "Depth of NSQ topics and channels.",
		},
		[]string{"topic", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(
		InvocationsTotal,
		InvocationLatencySeconds,
		TokenVerificationsTotal,
		KeySetFetchesTotal,
		StreamChunksTotal,
		EmulatorDispatchesTotal,
		EmulatorDispatchDuration,
		EmulatorRetriesTotal,
		EmulatorDeadLettersTotal,
		EmulatorBacklog,
		NSQTopicDepth,
	)
}

// RecordInvocation records a completed invocation and its latency
func RecordInvocation(function, kind, status string, d time.Duration) {
	InvocationsTotal.WithLabelValues(function, kind, status).Inc()
	InvocationLatencySeconds.WithLabelValues(function, kind).Observe(d.Seconds())
}

// RecordTokenOutcome records one verification outcome for the given token kind
func RecordTokenOutcome(token, outcome string) {
	TokenVerificationsTotal.WithLabelValues(token, outcome).Inc()
}

// RecordKeySetFetch records a key-set load attempt
func RecordKeySetFetch(keyset, source string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	KeySetFetchesTotal.WithLabelValues(keyset, source, result).Inc()
}

// RecordStreamChunk records a chunk write attempt
func RecordStreamChunk(function string, delivered bool) {
	StreamChunksTotal.WithLabelValues(function, strconv.FormatBool(delivered)).Inc()
}

// RecordDispatch records one emulated dispatch attempt
func RecordDispatch(queue, result string, statusCode int, d time.Duration) {
	EmulatorDispatchesTotal.WithLabelValues(queue, result).Inc()
	EmulatorDispatchDuration.WithLabelValues(queue, strconv.Itoa(statusCode)).Observe(d.Seconds())
}

func RecordRetry(reason string) {
	EmulatorRetriesTotal.WithLabelValues(reason).Inc()
}

func RecordDeadLetter(queue, reason string) {
	EmulatorDeadLettersTotal.WithLabelValues(queue, reason).Inc()
}

func UpdateBacklog(depth int64) {
	EmulatorBacklog.Set(float64(depth))
}

func UpdateNSQTopicDepth(topic, channel string, depth int64) {
	NSQTopicDepth.WithLabelValues(topic, channel).Set(float64(depth))
}
