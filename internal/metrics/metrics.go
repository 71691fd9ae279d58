// ============================================================================
// hotworker Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 worker 生命週期與操作執行指標，供 /metrics 抓取
//
// 指標分類:
//
//   1. 操作計數器 (Counter):
//      - hotworker_operations_total{kind,outcome}: 依種類與結果統計的操作數
//      - hotworker_listener_aborts_total{event}: 被 listener 中斷的事件鏈
//      - hotworker_workers_started_total: 啟動過的 worker 數
//      - hotworker_workers_retired_total{reason}: 退役的 worker 數
//      - hotworker_gc_passes_total: 執行過的清理週期
//
//   2. 性能指標 (Histogram):
//      - hotworker_operation_duration_seconds{kind}: 操作耗時分佈
//
//   3. 狀態指標 (Gauge):
//      - hotworker_workers_live: 目前存活的 worker 數
//      - hotworker_pool_degraded: 1 表示 pool 無法維持目標大小
//      - hotworker_process_rss_bytes: 最近一次清理後的常駐記憶體
//
// Prometheus 查詢示例:
//
//   # 逾時比例
//   rate(hotworker_operations_total{outcome="timed_out"}[5m])
//     / rate(hotworker_operations_total[5m])
//
//   # worker 流失率
//   rate(hotworker_workers_retired_total[10m])
//
// nil *Collector 的所有 Record 方法都是 no-op，元件可以不帶指標執行。
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "hotworker"

// Collector Prometheus 指標收集器
type Collector struct {
	// 操作相關指標
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	aborts     *prometheus.CounterVec
	exceptions *prometheus.CounterVec

	// worker 相關指標
	started  prometheus.Counter
	retired  *prometheus.CounterVec
	live     prometheus.Gauge
	degraded prometheus.Gauge

	// 清理週期
	gcPasses prometheus.Counter
	rss      prometheus.Gauge

	gatherer prometheus.Gatherer
}

// NewCollector 創建新的指標收集器並註冊到 reg。reg 為 nil 時使用獨立的 registry。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_total",
			Help:      "Operations processed, by kind and outcome",
		}, []string{"kind", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "operation_duration_seconds",
			Help:      "Operation execution time in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "listener_aborts_total",
			Help:      "Listener chains stopped by a failing listener, by event",
		}, []string{"event"}),
		exceptions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "exceptions_reported_total",
			Help:      "Operation failures reported by the ReportException listener, by kind",
		}, []string{"kind"}),
		started: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_started_total",
			Help:      "Workers spawned by the supervisor",
		}),
		retired: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workers_retired_total",
			Help:      "Workers that left the pool, by reason",
		}, []string{"reason"}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_live",
			Help:      "Workers currently in the pool",
		}),
		degraded: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pool_degraded",
			Help:      "1 while the pool is below its target size",
		}),
		gcPasses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gc_passes_total",
			Help:      "Hygiene passes run by the GC scheduler",
		}),
		rss: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "process_rss_bytes",
			Help:      "Resident set size sampled after the last hygiene pass",
		}),
	}

	// 註冊所有指標
	reg.MustRegister(
		c.operations, c.duration, c.aborts, c.exceptions,
		c.started, c.retired, c.live, c.degraded,
		c.gcPasses, c.rss,
	)
	if g, ok := reg.(prometheus.Gatherer); ok {
		c.gatherer = g
	}
	return c
}

// RecordOperation 記錄一次操作完成
func (c *Collector) RecordOperation(kind, outcome string, seconds float64) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(kind, outcome).Inc()
	c.duration.WithLabelValues(kind).Observe(seconds)
}

// RecordAbort 記錄 listener 中斷事件鏈
func (c *Collector) RecordAbort(event string) {
	if c == nil {
		return
	}
	c.aborts.WithLabelValues(event).Inc()
}

// RecordException 記錄 ReportException 回報的失敗
func (c *Collector) RecordException(kind string) {
	if c == nil {
		return
	}
	c.exceptions.WithLabelValues(kind).Inc()
}

// RecordWorkerStarted 記錄 worker 啟動
func (c *Collector) RecordWorkerStarted() {
	if c == nil {
		return
	}
	c.started.Inc()
	c.live.Inc()
}

// RecordWorkerRetired 記錄 worker 退役
func (c *Collector) RecordWorkerRetired(reason string) {
	if c == nil {
		return
	}
	c.retired.WithLabelValues(reason).Inc()
	c.live.Dec()
}

// SetDegraded 設置 pool 降級狀態
func (c *Collector) SetDegraded(degraded bool) {
	if c == nil {
		return
	}
	if degraded {
		c.degraded.Set(1)
	} else {
		c.degraded.Set(0)
	}
}

// RecordGCPass 記錄清理週期，rss 為 0 表示無法取樣
func (c *Collector) RecordGCPass(rss uint64) {
	if c == nil {
		return
	}
	c.gcPasses.Inc()
	if rss > 0 {
		c.rss.Set(float64(rss))
	}
}

// Handler 返回 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	if c == nil || c.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}
