package chatrelay

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

type retryQueueRef struct {
	queue RetryQueue
}

// observedRetryQueue backs the retry queue gauges. The most recently started
// relay with a queue is reported.
var observedRetryQueue atomic.Pointer[retryQueueRef]

func observeRetryQueue(queue RetryQueue) *retryQueueRef {
	ref := &retryQueueRef{queue: queue}
	observedRetryQueue.Store(ref)
	return ref
}

func forgetRetryQueue(ref *retryQueueRef) {
	observedRetryQueue.CompareAndSwap(ref, nil)
}

func retryQueueGauge(read func(RetryQueue) int) func() float64 {
	return func() float64 {
		ref := observedRetryQueue.Load()
		if ref == nil {
			return 0
		}
		return float64(read(ref.queue))
	}
}

var (
	completionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "chatrelay",
			Name:      "completion_duration_seconds",
			Help:      "Latency of completion calls including retries.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 4, 8, 15, 30, 60},
		},
	)

	completionResults = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "completion_results_total",
			Help:      "Completion calls by result.",
		},
		[]string{"result"},
	)

	gateOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "gate_outcomes_total",
			Help:      "Webhook responses by gate outcome and role.",
		},
		[]string{"outcome", "role"},
	)

	replyTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "reply_transitions_total",
			Help:      "Persisted reply state transitions.",
		},
		[]string{"to"},
	)

	retryQueueEvents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "chatrelay",
			Name:      "retry_queue_events_total",
			Help:      "Background retry scheduling events.",
		},
		[]string{"event"},
	)

	retryQueueDepth = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "retry_queue_depth",
			Help:      "Background retries waiting for a worker.",
		},
		retryQueueGauge(RetryQueue.Depth),
	)

	retryQueueCapacity = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: "chatrelay",
			Name:      "retry_queue_capacity",
			Help:      "Maximum number of queued background retries.",
		},
		retryQueueGauge(RetryQueue.Capacity),
	)
)

func init() {
	prometheus.MustRegister(completionDuration)
	prometheus.MustRegister(completionResults)
	prometheus.MustRegister(gateOutcomes)
	prometheus.MustRegister(replyTransitions)
	prometheus.MustRegister(retryQueueEvents)
	prometheus.MustRegister(retryQueueDepth)
	prometheus.MustRegister(retryQueueCapacity)
}
