package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	RequestCount = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewflow_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"path", "method", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviewflow_http_request_duration_seconds",
			Help:    "Histogram of response durations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"path", "method"},
	)

	// TriggersTotal counts ingested trigger events by outcome
	TriggersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewflow_triggers_total",
			Help: "Trigger events by result (enrolled, duplicate, unmatched, rejected)",
		},
		[]string{"result"},
	)

	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewflow_enrollment_transitions_total",
			Help: "Scheduler transitions by outcome",
		},
		[]string{"outcome"},
	)

	SendsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewflow_sends_total",
			Help: "Sequence message sends by channel and result. Test sends are not counted.",
		},
		[]string{"channel", "result"},
	)

	DeferralsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "reviewflow_deferrals_total",
			Help: "Send steps deferred by reason",
		},
		[]string{"reason"},
	)

	SendDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "reviewflow_send_duration_seconds",
			Help:    "Duration of calls to the message sender",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"channel"},
	)

	SchedulerPassDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "reviewflow_scheduler_pass_duration_seconds",
			Help:    "Duration of one scheduler pass over due enrollments",
			Buckets: prometheus.DefBuckets,
		},
	)
)

var once sync.Once

func Init() {
	once.Do(func() {
		prometheus.MustRegister(
			RequestCount,
			RequestDuration,
			TriggersTotal,
			TransitionsTotal,
			SendsTotal,
			DeferralsTotal,
			SendDuration,
			SchedulerPassDuration,
		)
	})
}
