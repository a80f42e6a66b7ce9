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

// feedColumns はfeedsテーブルの取得列。scanFeedの順序と一致させること。
var feedColumns = []string{
	"id", "source_id", "url", "type", "active",
	"health_status", "reliability_score", "last_check", "last_success",
	"error_count_24h", "error_window_start", "consecutive_failures", "last_error",
	"fetch_interval_minutes", "last_fetched_at", "last_seen_article_date",
	"last_content_hash", "last_etag", "last_modified", "recent_hashes",
	"created_at", "updated_at",
}

// PostgresFeedRepo はPostgreSQLを使用したフィードリポジトリ。
type PostgresFeedRepo struct {
	db  *sql.DB
	now func() time.Time
}

var _ FeedRepository = (*PostgresFeedRepo)(nil)

// NewPostgresFeedRepo はPostgresFeedRepoを生成する。
func NewPostgresFeedRepo(db *sql.DB) *PostgresFeedRepo {
	return &PostgresFeedRepo{db: db, now: time.Now}
}

// GetByID は指定IDのフィードを取得する。見つからない場合はnilを返す。
func (r *PostgresFeedRepo) GetByID(ctx context.Context, id string) (*model.Feed, error) {
	query, args, err := psql.Select(feedColumns...).From("feeds").Where(sq.Eq{"id": id}).ToSql()
	if err != nil {
		return nil, fmt.Errorf("フィード取得クエリの構築に失敗しました: %w", err)
	}

	feed, err := scanFeed(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	return feed, nil
}

// Upsert はフィードを作成または全項目更新する。
func (r *PostgresFeedRepo) Upsert(ctx context.Context, feed *model.Feed) error {
	now := r.now()
	if feed.CreatedAt.IsZero() {
		feed.CreatedAt = now
	}
	feed.UpdatedAt = now

	h := feed.Health
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO feeds (id, source_id, url, type, active,
		                    health_status, reliability_score, last_check, last_success,
		                    error_count_24h, error_window_start, consecutive_failures, last_error,
		                    fetch_interval_minutes, last_fetched_at, last_seen_article_date,
		                    last_content_hash, last_etag, last_modified, recent_hashes,
		                    created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		 ON CONFLICT (id) DO UPDATE SET
		    source_id = EXCLUDED.source_id,
		    url = EXCLUDED.url,
		    type = EXCLUDED.type,
		    active = EXCLUDED.active,
		    health_status = EXCLUDED.health_status,
		    reliability_score = EXCLUDED.reliability_score,
		    last_check = EXCLUDED.last_check,
		    last_success = EXCLUDED.last_success,
		    error_count_24h = EXCLUDED.error_count_24h,
		    error_window_start = EXCLUDED.error_window_start,
		    consecutive_failures = EXCLUDED.consecutive_failures,
		    last_error = EXCLUDED.last_error,
		    fetch_interval_minutes = EXCLUDED.fetch_interval_minutes,
		    last_fetched_at = EXCLUDED.last_fetched_at,
		    last_seen_article_date = EXCLUDED.last_seen_article_date,
		    last_content_hash = EXCLUDED.last_content_hash,
		    last_etag = EXCLUDED.last_etag,
		    last_modified = EXCLUDED.last_modified,
		    recent_hashes = EXCLUDED.recent_hashes,
		    updated_at = EXCLUDED.updated_at`,
		feed.ID, feed.SourceID, feed.URL, string(feed.Type), feed.Active,
		string(h.Status), h.ReliabilityScore, nullTime(h.LastCheck), nullTime(h.LastSuccess),
		h.ErrorCount24h, nullTime(h.ErrorWindowStart), h.ConsecutiveFailures, nullString(h.LastError),
		feed.FetchIntervalMinutes, nullTime(feed.LastFetchedAt), nullTime(feed.LastSeenArticleDate),
		nullString(feed.LastContentHash), nullString(feed.LastETag), nullString(feed.LastModified),
		pq.StringArray(nonNil(feed.RecentHashes)),
		feed.CreatedAt, feed.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("フィードのUPSERTに失敗しました: %w", err)
	}
	return nil
}

// UpdateByID はパッチで指定された項目のみを1つのUPDATE文で更新する。
func (r *PostgresFeedRepo) UpdateByID(ctx context.Context, id string, patch model.FeedPatch) error {
	b := psql.Update("feeds").Set("updated_at", r.now()).Where(sq.Eq{"id": id})

	if patch.Active != nil {
		b = b.Set("active", *patch.Active)
	}
	if h := patch.Health; h != nil {
		b = b.SetMap(map[string]interface{}{
			"health_status":        string(h.Status),
			"reliability_score":    h.ReliabilityScore,
			"last_check":           nullTime(h.LastCheck),
			"last_success":         nullTime(h.LastSuccess),
			"error_count_24h":      h.ErrorCount24h,
			"error_window_start":   nullTime(h.ErrorWindowStart),
			"consecutive_failures": h.ConsecutiveFailures,
			"last_error":           nullString(h.LastError),
		})
	}
	if patch.FetchIntervalMinutes != nil {
		b = b.Set("fetch_interval_minutes", *patch.FetchIntervalMinutes)
	}
	if patch.LastFetchedAt != nil {
		b = b.Set("last_fetched_at", *patch.LastFetchedAt)
	}
	if patch.LastSeenArticleDate != nil {
		b = b.Set("last_seen_article_date", *patch.LastSeenArticleDate)
	}
	if patch.LastContentHash != nil {
		b = b.Set("last_content_hash", nullString(*patch.LastContentHash))
	}
	if patch.LastETag != nil {
		b = b.Set("last_etag", nullString(*patch.LastETag))
	}
	if patch.LastModified != nil {
		b = b.Set("last_modified", nullString(*patch.LastModified))
	}
	if patch.RecentHashes != nil {
		b = b.Set("recent_hashes", pq.StringArray(patch.RecentHashes))
	}

	query, args, err := b.ToSql()
	if err != nil {
		return fmt.Errorf("フィード更新クエリの構築に失敗しました: %w", err)
	}
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("フィードの更新に失敗しました: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return model.ErrFeedNotFound
	}
	return nil
}

// ListActive はアクティブなフィードをID順に取得する。
func (r *PostgresFeedRepo) ListActive(ctx context.Context) ([]*model.Feed, error) {
	query, args, err := psql.Select(feedColumns...).From("feeds").
		Where(sq.Eq{"active": true}).
		OrderBy("id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("フィード一覧クエリの構築に失敗しました: %w", err)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("アクティブなフィードの取得に失敗しました: %w", err)
	}
	defer rows.Close()

	var feeds []*model.Feed
	for rows.Next() {
		feed, err := scanFeed(rows)
		if err != nil {
			return nil, fmt.Errorf("フィードの読み取りに失敗しました: %w", err)
		}
		feeds = append(feeds, feed)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("フィード一覧の走査に失敗しました: %w", err)
	}
	return feeds, nil
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanFeed(row rowScanner) (*model.Feed, error) {
	var (
		feed                                       model.Feed
		feedType, status                           string
		lastError, contentHash, etag, lastModified sql.NullString
		lastCheck, lastSuccess, windowStart        sql.NullTime
		lastFetched, lastSeen                      sql.NullTime
		recent                                     pq.StringArray
	)

	err := row.Scan(
		&feed.ID, &feed.SourceID, &feed.URL, &feedType, &feed.Active,
		&status, &feed.Health.ReliabilityScore, &lastCheck, &lastSuccess,
		&feed.Health.ErrorCount24h, &windowStart, &feed.Health.ConsecutiveFailures, &lastError,
		&feed.FetchIntervalMinutes, &lastFetched, &lastSeen,
		&contentHash, &etag, &lastModified, &recent,
		&feed.CreatedAt, &feed.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	feed.Type = model.FeedType(feedType)
	feed.Health.Status = model.HealthStatus(status)
	feed.Health.LastCheck = nullTimeValue(lastCheck)
	feed.Health.LastSuccess = nullTimeValue(lastSuccess)
	feed.Health.ErrorWindowStart = nullTimeValue(windowStart)
	feed.Health.LastError = nullStringValue(lastError)
	feed.LastFetchedAt = nullTimeValue(lastFetched)
	feed.LastSeenArticleDate = nullTimeValue(lastSeen)
	feed.LastContentHash = nullStringValue(contentHash)
	feed.LastETag = nullStringValue(etag)
	feed.LastModified = nullStringValue(lastModified)
	feed.RecentHashes = []string(recent)

	return &feed, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
