package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/hitoshi/feedpipe/internal/model"
)

var articleColumns = []string{
	"id", "title", "url", "original_url", "source_id", "feed_id",
	"content", "image", "summary", "lifecycle", "quality_score", "published_at",
	"guid", "keywords", "category", "reading_time", "fetch_error", "last_fetched_at",
	"created_at", "updated_at",
}

// PostgresArticleRepo はPostgreSQLを使用した記事リポジトリ。
type PostgresArticleRepo struct {
	db  *sql.DB
	now func() time.Time
}

var _ ArticleRepository = (*PostgresArticleRepo)(nil)

// NewPostgresArticleRepo はPostgresArticleRepoを生成する。
func NewPostgresArticleRepo(db *sql.DB) *PostgresArticleRepo {
	return &PostgresArticleRepo{db: db, now: time.Now}
}

// GetByID は指定IDの記事を取得する。見つからない場合はnilを返す。
func (r *PostgresArticleRepo) GetByID(ctx context.Context, id string) (*model.Article, error) {
	query, args, err := psql.Select(articleColumns...).From("articles").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("記事取得クエリの構築に失敗しました: %w", err)
	}

	article, err := scanArticle(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("記事の取得に失敗しました: %w", err)
	}
	return article, nil
}

// Upsert は記事を作成または更新する。
// published_atは既存の値がNULLの場合のみ設定し、created_atは初回作成時の値を保持する。
func (r *PostgresArticleRepo) Upsert(ctx context.Context, a *model.Article) error {
	now := r.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now

	_, err := r.db.ExecContext(ctx,
		`INSERT INTO articles (id, title, url, original_url, source_id, feed_id,
		                       content, image, summary, lifecycle, quality_score, published_at,
		                       guid, keywords, category, reading_time, fetch_error, last_fetched_at,
		                       created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
		 ON CONFLICT (id) DO UPDATE SET
		    title = EXCLUDED.title,
		    url = EXCLUDED.url,
		    original_url = EXCLUDED.original_url,
		    source_id = EXCLUDED.source_id,
		    feed_id = EXCLUDED.feed_id,
		    content = EXCLUDED.content,
		    image = EXCLUDED.image,
		    summary = EXCLUDED.summary,
		    lifecycle = EXCLUDED.lifecycle,
		    quality_score = EXCLUDED.quality_score,
		    published_at = COALESCE(articles.published_at, EXCLUDED.published_at),
		    guid = EXCLUDED.guid,
		    keywords = EXCLUDED.keywords,
		    category = EXCLUDED.category,
		    reading_time = EXCLUDED.reading_time,
		    fetch_error = EXCLUDED.fetch_error,
		    last_fetched_at = EXCLUDED.last_fetched_at,
		    updated_at = EXCLUDED.updated_at`,
		a.ID, a.Title, a.URL, nullString(a.OriginalURL), nullString(a.SourceID), nullString(a.FeedID),
		nullString(a.Content), nullString(a.Image), nullString(a.Summary),
		string(a.Lifecycle), a.QualityScore, nullTime(a.PublishedAt),
		nullString(a.GUID), pq.StringArray(nonNil(a.Keywords)), nullString(a.Category),
		a.ReadingTime, nullString(a.FetchError), nullTime(a.LastFetchedAt),
		a.CreatedAt, a.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("記事のUPSERTに失敗しました: %w", err)
	}
	return nil
}

// UpdateByID はパッチで指定された項目のみを更新する。published_atは未設定の場合のみ反映する。
func (r *PostgresArticleRepo) UpdateByID(ctx context.Context, id string, patch model.ArticlePatch) error {
	if patch.IsEmpty() {
		return nil
	}
	b := psql.Update("articles").Set("updated_at", r.now()).Where(sq.Eq{"id": id})

	if patch.Title != nil {
		b = b.Set("title", *patch.Title)
	}
	if patch.Content != nil {
		b = b.Set("content", nullString(*patch.Content))
	}
	if patch.Image != nil {
		b = b.Set("image", nullString(*patch.Image))
	}
	if patch.Summary != nil {
		b = b.Set("summary", nullString(*patch.Summary))
	}
	if patch.Lifecycle != nil {
		b = b.Set("lifecycle", string(*patch.Lifecycle))
	}
	if patch.QualityScore != nil {
		b = b.Set("quality_score", *patch.QualityScore)
	}
	if patch.PublishedAt != nil {
		b = b.Set("published_at", sq.Expr("COALESCE(published_at, ?)", *patch.PublishedAt))
	}
	if patch.Keywords != nil {
		b = b.Set("keywords", pq.StringArray(patch.Keywords))
	}
	if patch.Category != nil {
		b = b.Set("category", nullString(*patch.Category))
	}
	if patch.ReadingTime != nil {
		b = b.Set("reading_time", *patch.ReadingTime)
	}
	if patch.FetchError != nil {
		b = b.Set("fetch_error", nullString(*patch.FetchError))
	}
	if patch.LastFetchedAt != nil {
		b = b.Set("last_fetched_at", *patch.LastFetchedAt)
	}

	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("記事更新クエリの構築に失敗しました: %w", err)
	}
	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("記事の更新に失敗しました: %w", err)
	}
	return nil
}

// FindByLifecycle は指定した処理段階の記事を作成日時の古い順に取得する。
func (r *PostgresArticleRepo) FindByLifecycle(ctx context.Context, lifecycle model.Lifecycle, limit int) ([]*model.Article, error) {
	b := psql.Select(articleColumns...).From("articles").
		Where(sq.Eq{"lifecycle": string(lifecycle)}).
		OrderBy("created_at ASC", "id ASC")
	if limit > 0 {
		b = b.Limit(uint64(limit))
	}
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("記事検索クエリの構築に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("記事の検索に失敗しました: %w", err)
	}
	defer rows.Close()

	var articles []*model.Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, fmt.Errorf("記事の読み取りに失敗しました: %w", err)
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("記事一覧の走査に失敗しました: %w", err)
	}
	return articles, nil
}

// ArchiveOlderThan は指定した処理段階の古い記事をarchivedにする。
func (r *PostgresArticleRepo) ArchiveOlderThan(ctx context.Context, cutoff time.Time, lifecycles ...model.Lifecycle) (int64, error) {
	if len(lifecycles) == 0 {
		return 0, nil
	}
	states := make([]string, len(lifecycles))
	for i, l := range lifecycles {
		states[i] = string(l)
	}

	query, args, err := psql.Update("articles").
		Set("lifecycle", string(model.LifecycleArchived)).
		Set("updated_at", r.now()).
		Where(sq.Eq{"lifecycle": states}).
		Where(sq.Lt{"updated_at": cutoff}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("アーカイブクエリの構築に失敗しました: %w", err)
	}

	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("記事のアーカイブに失敗しました: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("アーカイブ件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

func scanArticle(row rowScanner) (*model.Article, error) {
	var (
		a                             model.Article
		lifecycle                     string
		originalURL, sourceID, feedID sql.NullString
		content, image, summary, guid sql.NullString
		category, fetchError          sql.NullString
		publishedAt, lastFetched      sql.NullTime
		keywords                      pq.StringArray
	)

	err := row.Scan(
		&a.ID, &a.Title, &a.URL, &originalURL, &sourceID, &feedID,
		&content, &image, &summary, &lifecycle, &a.QualityScore, &publishedAt,
		&guid, &keywords, &category, &a.ReadingTime, &fetchError, &lastFetched,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	a.OriginalURL = nullStringValue(originalURL)
	a.SourceID = nullStringValue(sourceID)
	a.FeedID = nullStringValue(feedID)
	a.Content = nullStringValue(content)
	a.Image = nullStringValue(image)
	a.Summary = nullStringValue(summary)
	a.Lifecycle = model.Lifecycle(lifecycle)
	a.PublishedAt = nullTimeValue(publishedAt)
	a.GUID = nullStringValue(guid)
	a.Keywords = []string(keywords)
	a.Category = nullStringValue(category)
	a.FetchError = nullStringValue(fetchError)
	a.LastFetchedAt = nullTimeValue(lastFetched)

	return &a, nil
}
