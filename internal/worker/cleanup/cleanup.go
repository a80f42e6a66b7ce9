// Package cleanup は処理済み記事のアーカイブジョブを提供する。
// 保持期間（デフォルト30日）を超えて更新のないpublished/blockedの記事を
// 日次バッチでarchivedに移す。記事自体は削除しない。
package cleanup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedpipe/internal/model"
)

// DefaultRetentionDays は記事をアーカイブするまでの既定の日数。
const DefaultRetentionDays = 30

// Archiver は記事のアーカイブ操作を抽象化するインターフェース。
// repository.ArticleRepositoryを受け付けることができる。
type Archiver interface {
	ArchiveOlderThan(ctx context.Context, cutoff time.Time, lifecycles ...model.Lifecycle) (int64, error)
}

// Recorder はアーカイブ件数を記録する。
type Recorder interface {
	ObserveArchived(count int64)
}

type nopRecorder struct{}

func (nopRecorder) ObserveArchived(int64) {}

// ArchiveJob は保持期間を超過した記事のアーカイブジョブ。
// 同じcutoffで再実行しても対象が残っていないため冪等。
type ArchiveJob struct {
	articles      Archiver
	recorder      Recorder
	logger        *slog.Logger
	now           func() time.Time
	RetentionDays int // 記事の保持日数（デフォルト: 30）
}

// NewArchiveJob は新しいArchiveJobを生成する。
func NewArchiveJob(articles Archiver, recorder Recorder, logger *slog.Logger) *ArchiveJob {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &ArchiveJob{
		articles:      articles,
		recorder:      recorder,
		logger:        logger,
		now:           time.Now,
		RetentionDays: DefaultRetentionDays,
	}
}

// Run はRetentionDays日以上更新のないpublished/blockedの記事をarchivedにする。
func (j *ArchiveJob) Run(ctx context.Context) error {
	start := j.now()
	cutoff := start.AddDate(0, 0, -j.RetentionDays)

	archived, err := j.articles.ArchiveOlderThan(ctx, cutoff,
		model.LifecyclePublished, model.LifecycleBlocked)
	if err != nil {
		j.logger.Error("記事アーカイブジョブの実行に失敗しました",
			slog.String("error", err.Error()),
			slog.Int("retention_days", j.RetentionDays),
		)
		return fmt.Errorf("記事アーカイブの実行に失敗: %w", err)
	}
	j.recorder.ObserveArchived(archived)

	j.logger.Info("記事アーカイブジョブが完了しました",
		slog.Int64("archived_count", archived),
		slog.Int("retention_days", j.RetentionDays),
		slog.Time("cutoff", cutoff),
		slog.Float64("duration_ms", float64(j.now().Sub(start).Milliseconds())),
	)
	return nil
}
