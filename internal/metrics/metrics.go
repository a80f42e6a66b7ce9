// Package metrics はPrometheusメトリクスの収集と公開を提供する。
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector はパイプラインのPrometheusメトリクスを収集する。
// fetcher.AttemptObserver、sweep.Recorder、process.Recorder、cron.Recorderを実装する。
type Collector struct {
	fetchAttempts  *prometheus.CounterVec
	sweeps         *prometheus.CounterVec
	sweepLatency   prometheus.Histogram
	itemDecisions  *prometheus.CounterVec
	articleOutcome *prometheus.CounterVec
	cronRuns       *prometheus.CounterVec
	cronLatency    prometheus.Histogram
	archived       prometheus.Counter
}

// NewCollector は新しいCollectorを生成し、指定されたレジストリにメトリクスを登録する。
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		fetchAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpipe_fetch_attempts_total",
			Help: "HTTPフェッチ試行の結果別の合計数",
		}, []string{"outcome"}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpipe_sweeps_total",
			Help: "フィードスイープの結果別の合計数",
		}, []string{"outcome"}),
		sweepLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedpipe_sweep_duration_seconds",
			Help:    "フィードスイープ1回あたりの所要時間（秒）",
			Buckets: prometheus.DefBuckets,
		}),
		itemDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpipe_sweep_items_total",
			Help: "スイープ時の項目ごとの判定（重複排除レベルまたは保存結果）の合計数",
		}, []string{"decision"}),
		articleOutcome: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpipe_articles_processed_total",
			Help: "本文処理後の記事の処理段階別の合計数",
		}, []string{"lifecycle"}),
		cronRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "feedpipe_cron_runs_total",
			Help: "一括スイープの実行結果別の合計数",
		}, []string{"outcome"}),
		cronLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "feedpipe_cron_duration_seconds",
			Help:    "一括スイープの所要時間（秒）",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}),
		archived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "feedpipe_articles_archived_total",
			Help: "アーカイブされた記事の合計数",
		}),
	}

	reg.MustRegister(
		c.fetchAttempts,
		c.sweeps,
		c.sweepLatency,
		c.itemDecisions,
		c.articleOutcome,
		c.cronRuns,
		c.cronLatency,
		c.archived,
	)

	return c
}

// ObserveFetchAttempt はHTTPフェッチの1試行の結果を記録する。
func (c *Collector) ObserveFetchAttempt(outcome string) {
	c.fetchAttempts.WithLabelValues(outcome).Inc()
}

// ObserveSweep はスイープの結果と所要時間を記録する。
func (c *Collector) ObserveSweep(outcome string, duration time.Duration) {
	c.sweeps.WithLabelValues(outcome).Inc()
	c.sweepLatency.Observe(duration.Seconds())
}

// ObserveItem はスイープ時の項目ごとの判定を記録する。
func (c *Collector) ObserveItem(decision string) {
	c.itemDecisions.WithLabelValues(decision).Inc()
}

// ObserveArticle は本文処理後の記事の処理段階を記録する。
func (c *Collector) ObserveArticle(lifecycle string) {
	c.articleOutcome.WithLabelValues(lifecycle).Inc()
}

// ObserveCronRun は一括スイープの結果と所要時間を記録する。
func (c *Collector) ObserveCronRun(outcome string, duration time.Duration) {
	c.cronRuns.WithLabelValues(outcome).Inc()
	c.cronLatency.Observe(duration.Seconds())
}

// ObserveArchived はアーカイブされた記事数を記録する。
func (c *Collector) ObserveArchived(count int64) {
	c.archived.Add(float64(count))
}

// Handler はPrometheusスクレイプ用のHTTPハンドラーを返す。
func Handler(gatherer prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}
