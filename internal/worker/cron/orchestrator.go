package cron

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/feedpipe/internal/health"
	"github.com/hitoshi/feedpipe/internal/model"
	"github.com/hitoshi/feedpipe/internal/repository"
	"github.com/hitoshi/feedpipe/internal/worker/process"
	"github.com/hitoshi/feedpipe/internal/worker/sweep"
)

// Sweeper は1フィードのスイープを行う。
type Sweeper interface {
	Sweep(ctx context.Context, feedID string, force bool) (*sweep.Result, error)
}

// QueueProcessor は記事キューを処理する。
type QueueProcessor interface {
	ProcessQueue(ctx context.Context, limit int) (process.Result, error)
}

// Recorder は一括スイープの結果を記録する。
type Recorder interface {
	ObserveCronRun(outcome string, duration time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveCronRun(string, time.Duration) {}

// Config は一括スイープの設定。
type Config struct {
	FeedDelay       time.Duration // フィード間の待機時間
	DrainBatches    int           // 記事キュー処理の最大反復回数
	DrainBatchSize  int           // 1回あたりの記事処理件数
	Budget          time.Duration // 一括スイープ全体の制限時間
	DefaultInterval time.Duration // フィード個別の間隔が未設定の場合の巡回間隔
}

// DefaultConfig は既定の設定を返す。
func DefaultConfig() Config {
	return Config{
		FeedDelay:       500 * time.Millisecond,
		DrainBatches:    5,
		DrainBatchSize:  10,
		Budget:          5 * time.Minute,
		DefaultInterval: sweep.DefaultInterval,
	}
}

// FeedResult はフィードごとのスイープ結果。
type FeedResult struct {
	FeedID   string `json:"feedId"`
	SourceID string `json:"sourceId"`
	Created  int    `json:"created"`
	Skipped  bool   `json:"skipped,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Summary は一括スイープの集計結果。制限時間を超えた場合も、それまでの結果を保持する。
type Summary struct {
	RunID          string        `json:"runId"`
	Feeds          int           `json:"feeds"`
	TotalCreated   int           `json:"totalCreated"`
	TotalProcessed int           `json:"totalProcessed"`
	Failed         int           `json:"failed"`
	Results        []FeedResult  `json:"results"`
	TimedOut       bool          `json:"timedOut,omitempty"`
	Error          string        `json:"error,omitempty"`
	Duration       time.Duration `json:"-"`
}

// Orchestrator は巡回対象のフィードを順番にスイープし、その後記事キューを処理する。
// 送信リクエストの同時数を抑えるため、フィードは並行ではなく1件ずつ処理する。
type Orchestrator struct {
	feeds     repository.FeedRepository
	sweeper   Sweeper
	processor QueueProcessor
	recorder  Recorder
	logger    *slog.Logger
	cfg       Config
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// Option はOrchestratorの設定関数。
type Option func(*Orchestrator)

// WithRecorder はメトリクスの記録先を設定する。
func WithRecorder(r Recorder) Option { return func(o *Orchestrator) { o.recorder = r } }

// WithSleep は待機関数を差し替える。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(o *Orchestrator) { o.sleep = fn }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option { return func(o *Orchestrator) { o.now = now } }

// NewOrchestrator はOrchestratorを生成する。
func NewOrchestrator(
	feeds repository.FeedRepository,
	sweeper Sweeper,
	processor QueueProcessor,
	logger *slog.Logger,
	cfg Config,
	opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		feeds:     feeds,
		sweeper:   sweeper,
		processor: processor,
		recorder:  nopRecorder{},
		logger:    logger,
		cfg:       cfg,
		sleep:     sleepContext,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// SweepAll は巡回対象のフィードをスイープし、記事キューを処理する。
// forceの場合は巡回間隔を無視するが、無効化されたフィードは対象外のまま。
// 制限時間を超えた場合は打ち切り、それまでに確定した結果を返す（書き込み済みの結果は取り消さない）。
func (o *Orchestrator) SweepAll(ctx context.Context, force bool) Summary {
	start := o.now()
	summary := Summary{RunID: uuid.NewString(), Results: []FeedResult{}}
	logger := o.logger.With(slog.String("run_id", summary.RunID))

	if o.cfg.Budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Budget)
		defer cancel()
	}

	defer func() {
		summary.Duration = o.now().Sub(start)
		outcome := "completed"
		switch {
		case summary.Error != "":
			outcome = "error"
		case summary.TimedOut:
			outcome = "timeout"
		}
		o.recorder.ObserveCronRun(outcome, summary.Duration)
	}()

	active, err := o.feeds.ListActive(ctx)
	if err != nil {
		logger.Error("アクティブなフィードの取得に失敗しました", slog.String("error", err.Error()))
		summary.Error = err.Error()
		return summary
	}

	due := o.dueFeeds(active, force, start)
	summary.Feeds = len(due)
	logger.Info("一括スイープを開始します",
		slog.Int("active_feeds", len(active)),
		slog.Int("due_feeds", len(due)),
		slog.Bool("force", force),
	)

	for i, feed := range due {
		if i > 0 {
			if err := o.sleep(ctx, o.cfg.FeedDelay); err != nil {
				summary.TimedOut = true
				break
			}
		}

		fr := FeedResult{FeedID: feed.ID, SourceID: feed.SourceID}
		res, err := o.sweeper.Sweep(ctx, feed.ID, force)
		if err != nil {
			fr.Error = err.Error()
			summary.Failed++
			summary.Results = append(summary.Results, fr)
			if ctx.Err() != nil {
				summary.TimedOut = true
				break
			}
			continue
		}
		fr.Created = res.Created
		fr.Skipped = res.Skipped
		summary.TotalCreated += res.Created
		summary.Results = append(summary.Results, fr)
	}

	if !summary.TimedOut {
		o.drain(ctx, logger, &summary)
	}

	logger.Info("一括スイープが完了しました",
		slog.Int("feeds", summary.Feeds),
		slog.Int("total_created", summary.TotalCreated),
		slog.Int("total_processed", summary.TotalProcessed),
		slog.Int("failed", summary.Failed),
		slog.Bool("timed_out", summary.TimedOut),
		slog.Float64("duration_ms", float64(o.now().Sub(start).Milliseconds())),
	)
	return summary
}

// drain は記事キューを最大DrainBatches回処理する。キューが空になった時点で打ち切る。
func (o *Orchestrator) drain(ctx context.Context, logger *slog.Logger, summary *Summary) {
	for i := 0; i < o.cfg.DrainBatches; i++ {
		if ctx.Err() != nil {
			summary.TimedOut = true
			return
		}
		res, err := o.processor.ProcessQueue(ctx, o.cfg.DrainBatchSize)
		summary.TotalProcessed += res.Processed
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil {
				summary.TimedOut = true
				return
			}
			logger.Error("記事キューの処理に失敗しました", slog.String("error", err.Error()))
			return
		}
		if res.Processed+res.Failed+res.Skipped == 0 {
			return
		}
	}
}

// dueFeeds はスイープ対象のフィードを返す。無効化されたフィードはforceでも含めない。
func (o *Orchestrator) dueFeeds(feeds []*model.Feed, force bool, now time.Time) []*model.Feed {
	due := make([]*model.Feed, 0, len(feeds))
	for _, f := range feeds {
		if f.IsDisabled() || !f.Active {
			continue
		}
		if force || health.IsDue(f, now, o.cfg.DefaultInterval) {
			due = append(due, f)
		}
	}
	return due
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
