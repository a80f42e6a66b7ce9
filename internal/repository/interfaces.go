// Package repository はフィードと記事の永続化を提供する。
// すべての書き込みはIDをキーとした冪等な操作であり、同じ操作を重複して実行しても最終状態は変わらない。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/feedpipe/internal/model"
)

// FeedRepository はフィードの永続化インターフェース。
type FeedRepository interface {
	// GetByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
	GetByID(ctx context.Context, id string) (*model.Feed, error)

	// Upsert はフィードを作成または全項目更新する。
	Upsert(ctx context.Context, feed *model.Feed) error

	// UpdateByID はパッチで指定された項目のみを1回の書き込みで更新する。
	// フィードが存在しない場合はmodel.ErrFeedNotFoundを返す。
	UpdateByID(ctx context.Context, id string, patch model.FeedPatch) error

	// ListActive はアクティブなフィードを取得する（無効化されたものを含む）。
	ListActive(ctx context.Context) ([]*model.Feed, error)
}

// ArticleRepository は記事の永続化インターフェース。
type ArticleRepository interface {
	// GetByID は指定IDの記事を取得する。見つからない場合はnilを返す。
	GetByID(ctx context.Context, id string) (*model.Article, error)

	// Upsert は記事を作成または更新する。設定済みの公開日時は上書きしない。
	Upsert(ctx context.Context, article *model.Article) error

	// UpdateByID はパッチで指定された項目のみを更新する。
	UpdateByID(ctx context.Context, id string, patch model.ArticlePatch) error

	// FindByLifecycle は指定した処理段階の記事を作成日時の古い順に最大limit件取得する。
	FindByLifecycle(ctx context.Context, lifecycle model.Lifecycle, limit int) ([]*model.Article, error)

	// ArchiveOlderThan は指定した処理段階にあり、cutoffより前に更新された記事をarchivedにする。
	// 更新件数を返す。
	ArchiveOlderThan(ctx context.Context, cutoff time.Time, lifecycles ...model.Lifecycle) (int64, error)
}
