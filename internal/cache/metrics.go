package cache

import "github.com/prometheus/client_golang/prometheus"

var (
	// cacheOps 按操作与结果（hit/miss/ok/unavailable）计数
	cacheOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_operations_total",
			Help: "Total number of cache operations by outcome.",
		},
		[]string{"op", "result"},
	)

	// cacheInvalidated 按标签或模式失效删除的 key 数
	cacheInvalidated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_invalidated_keys_total",
			Help: "Keys removed by invalidation.",
		},
		[]string{"kind"},
	)
)

func init() {
	prometheus.MustRegister(cacheOps, cacheInvalidated)
}
