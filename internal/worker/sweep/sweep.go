// Package sweep は1フィード分のスイープ（取得→キャッシュ判定→解析→重複排除→保存）を提供する。
//
// 重複排除は次の順序で行い、一致した段階で以降の処理を打ち切る。
//   - L3: ETag/Last-Modifiedによる条件付きGET（304）
//   - L2: レスポンスボディのSHA-256
//   - L1: 公開日時がフィードの既読最新日時以下
//   - L0: 直近の記事ハッシュ集合
//
// すべての段階を通過した項目のみ記事を参照・保存する。
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedpipe/internal/dates"
	"github.com/hitoshi/feedpipe/internal/dedup"
	"github.com/hitoshi/feedpipe/internal/fetcher"
	"github.com/hitoshi/feedpipe/internal/health"
	"github.com/hitoshi/feedpipe/internal/model"
	"github.com/hitoshi/feedpipe/internal/parser"
	"github.com/hitoshi/feedpipe/internal/repository"
	"github.com/hitoshi/feedpipe/internal/urlnorm"
)

// DefaultInterval はフィード個別の間隔が未設定の場合の巡回間隔。
const DefaultInterval = 60 * time.Minute

const feedAccept = "application/rss+xml, application/atom+xml, application/xml, text/xml;q=0.9, */*;q=0.8"

// スイープ結果の区分（メトリクスのラベル）。
const (
	OutcomeCompleted = "completed"
	OutcomeSkippedL3 = "skipped_l3"
	OutcomeSkippedL2 = "skipped_l2"
	OutcomeFailed    = "failed"
	OutcomeDisabled  = "disabled"
)

// 項目ごとの判定（メトリクスのラベル）。
const (
	DecisionL1        = "l1"
	DecisionL0        = "l0"
	DecisionCreated   = "created"
	DecisionUpdated   = "updated"
	DecisionUnchanged = "unchanged"
	DecisionError     = "error"
)

// Fetcher はリトライ付きのHTTPフェッチを行う。
type Fetcher interface {
	Do(ctx context.Context, req fetcher.Request, cfg fetcher.RetryConfig) (*fetcher.Response, error)
}

// URLValidator はフェッチ前にURLの安全性を検証する。
type URLValidator interface {
	Validate(rawURL string) error
}

// Recorder はスイープの結果を記録する。
type Recorder interface {
	ObserveSweep(outcome string, duration time.Duration)
	ObserveItem(decision string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveSweep(string, time.Duration) {}
func (nopRecorder) ObserveItem(string)                 {}

// Result は1回のスイープの結果。
type Result struct {
	Created            int  `json:"created"`
	Updated            int  `json:"updated"`
	Skipped            bool `json:"skipped"`
	SkippedItems       int  `json:"skippedItems"`
	Total              int  `json:"total"`
	NextFetchInMinutes int  `json:"nextFetchInMinutes"`
}

// Error はフィード起因のスイープ失敗を表す。失敗はフィードの健全性に記録済み。
type Error struct {
	FeedID   string
	Disabled bool // この失敗でフィードが無効化された
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("フィード %s のスイープに失敗しました: %v", e.FeedID, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Sweeper はフィードのスイープを実行する。
// 状態を持たないため、複数のゴルーチンから同時に使用できる。
type Sweeper struct {
	feeds     repository.FeedRepository
	articles  repository.ArticleRepository
	fetch     Fetcher
	parser    *parser.Parser
	resolver  *dates.Resolver
	validator URLValidator
	recorder  Recorder
	logger    *slog.Logger
	retry     fetcher.RetryConfig
	interval  time.Duration
	now       func() time.Time
}

// Option はSweeperの設定関数。
type Option func(*Sweeper)

// WithValidator はフェッチ前のURL検証を設定する。
func WithValidator(v URLValidator) Option { return func(s *Sweeper) { s.validator = v } }

// WithRecorder はメトリクスの記録先を設定する。
func WithRecorder(r Recorder) Option { return func(s *Sweeper) { s.recorder = r } }

// WithRetryConfig はフィード取得のリトライ設定を差し替える。
func WithRetryConfig(cfg fetcher.RetryConfig) Option { return func(s *Sweeper) { s.retry = cfg } }

// WithDefaultInterval はシステム既定の巡回間隔を設定する。
func WithDefaultInterval(d time.Duration) Option { return func(s *Sweeper) { s.interval = d } }

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// New はSweeperを生成する。
func New(
	feeds repository.FeedRepository,
	articles repository.ArticleRepository,
	fetch Fetcher,
	resolver *dates.Resolver,
	logger *slog.Logger,
	opts ...Option,
) *Sweeper {
	s := &Sweeper{
		feeds:    feeds,
		articles: articles,
		fetch:    fetch,
		parser:   parser.New(),
		resolver: resolver,
		recorder: nopRecorder{},
		logger:   logger,
		retry:    fetcher.FeedRetryConfig(),
		interval: DefaultInterval,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Sweep は指定フィードを1回スイープする。
// forceの場合はL3/L2キャッシュと既読最新日時のしきい値を無視するが、
// 無効化されたフィードはforceでもスイープせずmodel.ErrFeedDisabledを返す（ネットワークアクセスなし）。
func (s *Sweeper) Sweep(ctx context.Context, feedID string, force bool) (*Result, error) {
	if feedID == "" {
		return nil, model.ErrMissingFeedID
	}

	feed, err := s.feeds.GetByID(ctx, feedID)
	if err != nil {
		return nil, fmt.Errorf("フィードの取得に失敗しました: %w", err)
	}
	if feed == nil {
		return nil, model.ErrFeedNotFound
	}
	if feed.IsDisabled() {
		s.logger.Warn("無効化されたフィードのスイープ要求を拒否しました",
			slog.String("feed_id", feed.ID),
			slog.String("last_error", feed.Health.LastError),
		)
		return nil, model.ErrFeedDisabled
	}

	start := s.now()

	if s.validator != nil {
		if err := s.validator.Validate(feed.URL); err != nil {
			return nil, s.fail(ctx, feed, start, fmt.Errorf("URL検証に失敗しました: %w", err))
		}
	}

	req := fetcher.Request{URL: feed.URL, Accept: feedAccept}
	if !force {
		req.ETag = feed.LastETag
		req.LastModified = feed.LastModified
	}

	resp, err := s.fetch.Do(ctx, req, s.retry)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.fail(ctx, feed, start, err)
	}

	// L3: 条件付きGET
	if resp.NotModified() {
		return s.skip(ctx, feed, start, OutcomeSkippedL3, model.FeedPatch{})
	}

	// L2: コンテンツハッシュ
	hash := dedup.ContentHash(resp.Body)
	etag := resp.Header.Get("ETag")
	lastModified := resp.Header.Get("Last-Modified")
	if !force && feed.LastContentHash != "" && hash == feed.LastContentHash {
		return s.skip(ctx, feed, start, OutcomeSkippedL2, model.FeedPatch{
			LastETag:     &etag,
			LastModified: &lastModified,
		})
	}

	items, shape, err := s.parser.Parse(resp.Body)
	if err != nil {
		s.logger.Warn("フィードの解析に失敗しました。項目なしとして扱います",
			slog.String("feed_id", feed.ID),
			slog.String("feed_url", feed.URL),
			slog.String("error", err.Error()),
		)
	}

	result := &Result{Total: len(items)}
	recent := dedup.NewRecentSet(feed.RecentHashes, dedup.RecentCapacity)
	threshold := feed.LastSeenArticleDate
	if force {
		threshold = nil
	}
	maxSeen := feed.LastSeenArticleDate

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		published := s.resolver.Resolve(dates.Input{
			SourceID:    feed.SourceID,
			Fields:      item.DateFields,
			URL:         item.Link,
			GUID:        item.GUID,
			Description: item.Description,
		})

		// L1: 既読最新日時以下の項目は記事を参照しない（同時刻も既読とみなす）
		if published != nil && threshold != nil && !published.After(*threshold) {
			result.SkippedItems++
			s.recorder.ObserveItem(DecisionL1)
			continue
		}

		normalized := urlnorm.Normalize(item.Link)
		if normalized == "" {
			continue
		}
		id := dedup.ArticleID(normalized)

		// L0: 直近ハッシュ集合。ヒットした場合も最新位置に移す
		if recent.Contains(id) {
			recent.Touch(id)
			result.SkippedItems++
			s.recorder.ObserveItem(DecisionL0)
			continue
		}

		decision, err := s.store(ctx, feed, item, id, normalized, published, start)
		s.recorder.ObserveItem(decision)
		if err != nil {
			s.logger.Error("記事の保存に失敗しました",
				slog.String("feed_id", feed.ID),
				slog.String("article_id", id),
				slog.String("url", normalized),
				slog.String("error", err.Error()),
			)
			continue
		}
		switch decision {
		case DecisionCreated:
			result.Created++
		case DecisionUpdated:
			result.Updated++
		}

		recent.Touch(id)
		if published != nil && (maxSeen == nil || published.After(*maxSeen)) {
			t := *published
			maxSeen = &t
		}
	}

	h := health.RecordSuccess(feed.Health, start)
	patch := model.FeedPatch{
		Health:              &h,
		LastFetchedAt:       &start,
		LastSeenArticleDate: maxSeen,
		LastContentHash:     &hash,
		LastETag:            &etag,
		LastModified:        &lastModified,
		RecentHashes:        recent.Hashes(),
	}
	if err := s.feeds.UpdateByID(ctx, feed.ID, patch); err != nil {
		return nil, s.fail(ctx, feed, start, fmt.Errorf("フィードの更新に失敗しました: %w", err))
	}

	result.NextFetchInMinutes = s.nextFetchInMinutes(feed)
	s.recorder.ObserveSweep(OutcomeCompleted, s.now().Sub(start))
	s.logger.Info("フィードのスイープが完了しました",
		slog.String("feed_id", feed.ID),
		slog.String("shape", string(shape)),
		slog.Int("items_total", result.Total),
		slog.Int("items_created", result.Created),
		slog.Int("items_updated", result.Updated),
		slog.Int("items_skipped", result.SkippedItems),
		slog.Int("attempts", resp.Attempts),
		slog.Bool("force", force),
		slog.Float64("duration_ms", float64(s.now().Sub(start).Milliseconds())),
	)
	return result, nil
}

// store は記事を新規作成するか、既存記事のタイトル更新と空欄の補完を行う。
func (s *Sweeper) store(ctx context.Context, feed *model.Feed, item parser.Item, id, normalized string, published *time.Time, now time.Time) (string, error) {
	existing, err := s.articles.GetByID(ctx, id)
	if err != nil {
		return DecisionError, err
	}

	if existing == nil {
		article := &model.Article{
			ID:          id,
			Title:       item.Title,
			URL:         normalized,
			OriginalURL: item.Link,
			SourceID:    feed.SourceID,
			FeedID:      feed.ID,
			Image:       item.Image,
			Summary:     item.Summary,
			Lifecycle:   model.LifecycleQueued,
			PublishedAt: published,
			GUID:        item.GUID,
		}
		if err := s.articles.Upsert(ctx, article); err != nil {
			return DecisionError, err
		}
		return DecisionCreated, nil
	}

	var patch model.ArticlePatch
	if item.Title != "" && item.Title != existing.Title {
		patch.Title = &item.Title
	}
	if existing.Summary == "" && item.Summary != "" {
		patch.Summary = &item.Summary
	}
	if existing.Image == "" && item.Image != "" {
		patch.Image = &item.Image
	}
	if existing.PublishedAt == nil && published != nil {
		patch.PublishedAt = published
	}
	if patch.IsEmpty() {
		return DecisionUnchanged, nil
	}
	if err := s.articles.UpdateByID(ctx, id, patch); err != nil {
		return DecisionError, err
	}
	return DecisionUpdated, nil
}

// skip はL3/L2キャッシュのヒットを記録する。フィードは正常として扱う。
func (s *Sweeper) skip(ctx context.Context, feed *model.Feed, start time.Time, outcome string, patch model.FeedPatch) (*Result, error) {
	h := health.RecordSuccess(feed.Health, start)
	patch.Health = &h
	patch.LastFetchedAt = &start
	if err := s.feeds.UpdateByID(ctx, feed.ID, patch); err != nil {
		return nil, s.fail(ctx, feed, start, fmt.Errorf("フィードの更新に失敗しました: %w", err))
	}

	s.recorder.ObserveSweep(outcome, s.now().Sub(start))
	s.logger.Info("フィードは未変更のためスキップしました",
		slog.String("feed_id", feed.ID),
		slog.String("outcome", outcome),
	)
	return &Result{Skipped: true, NextFetchInMinutes: s.nextFetchInMinutes(feed)}, nil
}

// fail は失敗をフィードの健全性に記録し、*Errorを返す。
// 連続失敗が閾値に達した場合はフィードを無効化する。
func (s *Sweeper) fail(ctx context.Context, feed *model.Feed, start time.Time, cause error) error {
	h := health.RecordFailure(feed.Health, cause.Error(), start)
	disabled := h.Status == model.HealthStatusDisabled

	if err := s.feeds.UpdateByID(ctx, feed.ID, model.FeedPatch{Health: &h}); err != nil {
		s.logger.Error("フィードの健全性の更新に失敗しました",
			slog.String("feed_id", feed.ID),
			slog.String("error", err.Error()),
		)
	}

	outcome := OutcomeFailed
	if disabled {
		outcome = OutcomeDisabled
	}
	s.recorder.ObserveSweep(outcome, s.now().Sub(start))

	attrs := []any{
		slog.String("feed_id", feed.ID),
		slog.String("feed_url", feed.URL),
		slog.Int("consecutive_failures", h.ConsecutiveFailures),
		slog.String("health_status", string(h.Status)),
		slog.String("error", cause.Error()),
	}
	var fetchErr *model.FetchError
	if errors.As(cause, &fetchErr) {
		attrs = append(attrs,
			slog.Int("http_status", fetchErr.StatusCode),
			slog.Int("attempts", fetchErr.Attempts),
		)
	}
	if disabled {
		s.logger.Error("連続失敗によりフィードを無効化しました", attrs...)
	} else {
		s.logger.Warn("フィードのスイープに失敗しました", attrs...)
	}

	return &Error{FeedID: feed.ID, Disabled: disabled, Err: cause}
}

func (s *Sweeper) nextFetchInMinutes(feed *model.Feed) int {
	return int(health.EffectiveInterval(feed, s.interval) / time.Minute)
}
