// Package metrics exports download outcome counters in Prometheus text format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/any-hub/any-fetch/internal/fetch"
)

const namespace = "anyfetch"

// Recorder 汇总下载终态计数，指标注册在自有 Registry 上。
type Recorder struct {
	registry  *prometheus.Registry
	downloads *prometheus.CounterVec
	failures  *prometheus.CounterVec
	cacheHits prometheus.Counter
	bytes     prometheus.Counter
}

// NewRecorder 创建 Recorder 并注册 Go 运行时采集器。
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downloads_total",
			Help:      "Downloads that reached a terminal state, by state.",
		}, []string{"state"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "download_failures_total",
			Help:      "Failed downloads by error kind.",
		}, []string{"kind"}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_hits_total",
			Help:      "Downloads served from a complete cache entry.",
		}),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completed_bytes_total",
			Help:      "Size of files completed by a network or local transfer.",
		}),
	}
	r.registry.MustRegister(
		r.downloads,
		r.failures,
		r.cacheHits,
		r.bytes,
		collectors.NewGoCollector(),
	)
	return r
}

// Observe 记录一次下载终态，签名与 fetch.ManagerOptions.OnFinish 一致。
func (r *Recorder) Observe(p fetch.Progress, result *fetch.Result) {
	r.downloads.WithLabelValues(string(p.State)).Inc()
	if p.Err != nil && p.State == fetch.StateFailed {
		r.failures.WithLabelValues(string(p.Err.Kind)).Inc()
	}
	if result == nil {
		return
	}
	if result.CacheHit {
		r.cacheHits.Inc()
		return
	}
	r.bytes.Add(float64(result.Length))
}

// Handler 返回 /-/metrics 使用的 http.Handler。
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
