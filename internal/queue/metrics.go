package queue

import "github.com/prometheus/client_golang/prometheus"

var (
	// jobsAdded 按队列统计提交次数，含被去重的提交
	jobsAdded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_added_total",
			Help: "Jobs submitted per queue.",
		},
		[]string{"queue"},
	)

	jobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_completed_total",
			Help: "Jobs processed successfully per queue.",
		},
		[]string{"queue"},
	)

	// jobsFailed 失败次数，terminal="true" 表示不再重试
	jobsFailed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_failed_total",
			Help: "Failed job attempts per queue.",
		},
		[]string{"queue", "terminal"},
	)

	jobsRetried = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_operator_retried_total",
			Help: "Failed jobs re-queued by an operator.",
		},
		[]string{"queue"},
	)

	jobsStalled = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_jobs_stalled_total",
			Help: "Active jobs whose lease expired.",
		},
		[]string{"queue"},
	)

	jobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queue_job_duration_seconds",
			Help:    "Processor run time per queue.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	jobsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queue_jobs_active",
			Help: "Jobs currently being processed by this instance.",
		},
		[]string{"queue"},
	)
)

func init() {
	prometheus.MustRegister(jobsAdded, jobsCompleted, jobsFailed, jobsRetried, jobsStalled, jobDuration, jobsActive)
}
