// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// スレッド投稿の結果
const (
	OutcomeComplete = "complete"
	OutcomePartial  = "partial"
	OutcomeFailed   = "failed"
)

// MetricsCollector はメトリクス収集のインターフェース。
// 投稿パイプライン（publish）から利用する。
type MetricsCollector interface {
	RecordPostPublished()
	RecordPostFailure(reason string)
	RecordRetry()
	RecordMediaFailure()
	RecordHTTPStatus(statusCode int)
	RecordThreadOutcome(outcome string)
	RecordPublishLatency(duration time.Duration)
}

// Collector はPrometheusメトリクスを収集する実装。
type Collector struct {
	postsPublished prometheus.Counter
	postFailures   *prometheus.CounterVec
	retries        prometheus.Counter
	mediaFailures  prometheus.Counter
	httpStatus     *prometheus.CounterVec
	threads        *prometheus.CounterVec
	publishLatency prometheus.Histogram
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		postsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadcraft_posts_published_total",
			Help: "投稿に成功したポストの合計数",
		}),
		postFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadcraft_post_failures_total",
			Help: "リトライ後も失敗したポストの理由別合計数",
		}, []string{"reason"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadcraft_post_retries_total",
			Help: "プラットフォームAPI呼び出しのリトライ合計数",
		}),
		mediaFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "threadcraft_media_upload_failures_total",
			Help: "メディアアップロード失敗の合計数（ポストはメディアなしで続行）",
		}),
		httpStatus: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadcraft_platform_http_status_total",
			Help: "プラットフォームAPIのエラーステータスコード別の応答数",
		}, []string{"status_code"}),
		threads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "threadcraft_threads_total",
			Help: "結果別のスレッド投稿数",
		}, []string{"outcome"}),
		publishLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "threadcraft_publish_latency_seconds",
			Help:    "スレッド投稿全体のレイテンシ（秒）",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
	}

	reg.MustRegister(
		c.postsPublished,
		c.postFailures,
		c.retries,
		c.mediaFailures,
		c.httpStatus,
		c.threads,
		c.publishLatency,
	)

	return c
}

// RecordPostPublished はポストの投稿成功を記録する。
func (c *Collector) RecordPostPublished() {
	c.postsPublished.Inc()
}

// RecordPostFailure はポストの投稿失敗を理由別に記録する。
func (c *Collector) RecordPostFailure(reason string) {
	c.postFailures.WithLabelValues(reason).Inc()
}

// RecordRetry はリトライを記録する。
func (c *Collector) RecordRetry() {
	c.retries.Inc()
}

// RecordMediaFailure はメディアアップロード失敗を記録する。
func (c *Collector) RecordMediaFailure() {
	c.mediaFailures.Inc()
}

// RecordHTTPStatus はHTTPステータスコードを記録する。
func (c *Collector) RecordHTTPStatus(statusCode int) {
	c.httpStatus.WithLabelValues(strconv.Itoa(statusCode)).Inc()
}

// RecordThreadOutcome はスレッド投稿の結果を記録する。
func (c *Collector) RecordThreadOutcome(outcome string) {
	c.threads.WithLabelValues(outcome).Inc()
}

// RecordPublishLatency はスレッド投稿のレイテンシを記録する。
func (c *Collector) RecordPublishLatency(duration time.Duration) {
	c.publishLatency.Observe(duration.Seconds())
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
