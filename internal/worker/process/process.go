// Package process はqueuedの記事の本文を取得し、品質判定と付加情報の算出を行って処理段階を進める。
package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/feedpipe/internal/enrich"
	"github.com/hitoshi/feedpipe/internal/extract"
	"github.com/hitoshi/feedpipe/internal/fetcher"
	"github.com/hitoshi/feedpipe/internal/model"
	"github.com/hitoshi/feedpipe/internal/quality"
	"github.com/hitoshi/feedpipe/internal/repository"
)

const (
	// DefaultPacing は連続する本文取得の間隔。
	DefaultPacing = 200 * time.Millisecond
	// DefaultLimit は1回の処理件数の既定値。
	DefaultLimit = 10
	// MaxLimit は1回の処理件数の上限。
	MaxLimit = 50
)

const articleAccept = "text/html,application/xhtml+xml;q=0.9,*/*;q=0.8"

// Fetcher はリトライ付きのHTTPフェッチを行う。
type Fetcher interface {
	Do(ctx context.Context, req fetcher.Request, cfg fetcher.RetryConfig) (*fetcher.Response, error)
}

// Extractor は記事ページから本文を抽出する。
type Extractor interface {
	Extract(body []byte, pageURL string) (extract.Extracted, error)
}

// QualityFilter は品質判定を行う。
type QualityFilter interface {
	Evaluate(title, content string) quality.Assessment
}

// Enricher は読了時間・キーワード・カテゴリ・要約を算出する。
type Enricher interface {
	EnrichContent(text, existingSummary, title string) enrich.Enrichment
}

// Sanitizer は本文HTMLを無害化する。
type Sanitizer interface {
	Sanitize(rawHTML string) string
}

// Recorder は記事の処理結果を記録する。
type Recorder interface {
	ObserveArticle(lifecycle string)
}

type nopRecorder struct{}

func (nopRecorder) ObserveArticle(string) {}

// Result は1回のキュー処理の結果。
type Result struct {
	Processed int
	Skipped   int
	Failed    int
	Duration  time.Duration
}

// Processor は記事の本文処理を行う。
type Processor struct {
	articles  repository.ArticleRepository
	fetch     Fetcher
	extractor Extractor
	sanitizer Sanitizer
	filters   QualityFilter
	enricher  Enricher
	recorder  Recorder
	logger    *slog.Logger
	retry     fetcher.RetryConfig
	pacing    time.Duration
	sleep     func(ctx context.Context, d time.Duration) error
	now       func() time.Time
}

// Option はProcessorの設定関数。
type Option func(*Processor)

// WithRecorder はメトリクスの記録先を設定する。
func WithRecorder(r Recorder) Option { return func(p *Processor) { p.recorder = r } }

// WithPacing は本文取得の間隔を設定する。
func WithPacing(d time.Duration) Option { return func(p *Processor) { p.pacing = d } }

// WithSleep は待機関数を差し替える。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Processor) { p.sleep = fn }
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option { return func(p *Processor) { p.now = now } }

// New はProcessorを生成する。
func New(
	articles repository.ArticleRepository,
	fetch Fetcher,
	extractor Extractor,
	sanitizer Sanitizer,
	filters QualityFilter,
	enricher Enricher,
	logger *slog.Logger,
	opts ...Option,
) *Processor {
	p := &Processor{
		articles:  articles,
		fetch:     fetch,
		extractor: extractor,
		sanitizer: sanitizer,
		filters:   filters,
		enricher:  enricher,
		recorder:  nopRecorder{},
		logger:    logger,
		retry:     fetcher.ArticleRetryConfig(),
		pacing:    DefaultPacing,
		sleep:     sleepContext,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// ProcessQueue はqueuedの記事を古い順に最大limit件処理する。
// 排他ロックは取らず、処理直前に再読込して他の実行がすでに処理段階を進めた記事はスキップする。
// 記事ごとのエラーはその記事に記録し、残りの処理は継続する。
func (p *Processor) ProcessQueue(ctx context.Context, limit int) (Result, error) {
	start := p.now()
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}

	var res Result
	queued, err := p.articles.FindByLifecycle(ctx, model.LifecycleQueued, limit)
	if err != nil {
		return res, fmt.Errorf("処理待ち記事の取得に失敗しました: %w", err)
	}

	for i, candidate := range queued {
		if i > 0 {
			if err := p.sleep(ctx, p.pacing); err != nil {
				break
			}
		}

		article, err := p.articles.GetByID(ctx, candidate.ID)
		if err != nil {
			p.logger.Error("記事の再読込に失敗しました",
				slog.String("article_id", candidate.ID),
				slog.String("error", err.Error()),
			)
			res.Failed++
			continue
		}
		if article == nil || article.Lifecycle != model.LifecycleQueued {
			res.Skipped++
			continue
		}

		lifecycle, err := p.process(ctx, article)
		if err != nil {
			if ctx.Err() != nil {
				p.logger.Warn("処理が中断されました。記事は処理待ちのまま残ります",
					slog.String("article_id", article.ID),
					slog.String("error", ctx.Err().Error()),
				)
				break
			}
			p.logger.Error("記事の更新に失敗しました",
				slog.String("article_id", article.ID),
				slog.String("error", err.Error()),
			)
			res.Failed++
			continue
		}
		p.recorder.ObserveArticle(string(lifecycle))
		if lifecycle == model.LifecycleError {
			res.Failed++
		} else {
			res.Processed++
		}
	}

	res.Duration = p.now().Sub(start)
	p.logger.Info("記事キューの処理が完了しました",
		slog.Int("candidates", len(queued)),
		slog.Int("processed", res.Processed),
		slog.Int("skipped", res.Skipped),
		slog.Int("failed", res.Failed),
		slog.Float64("duration_ms", float64(res.Duration.Milliseconds())),
	)
	return res, nil
}

// process は1記事を処理し、遷移後の処理段階を返す。
func (p *Processor) process(ctx context.Context, a *model.Article) (model.Lifecycle, error) {
	now := p.now()
	pageURL := a.OriginalURL
	if pageURL == "" {
		pageURL = a.URL
	}

	resp, err := p.fetch.Do(ctx, fetcher.Request{URL: pageURL, Accept: articleAccept}, p.retry)
	// 中断時は何も書き込まない
	if ctx.Err() != nil {
		return "", ctx.Err()
	}
	if err != nil {
		var fetchErr *model.FetchError
		if errors.As(err, &fetchErr) && fetcher.IsBlockedBySite(fetchErr.StatusCode) {
			return p.publishBlockedBySite(ctx, a, fetchErr, now)
		}
		return p.markError(ctx, a, err, now)
	}

	extracted, err := p.extractor.Extract(resp.Body, pageURL)
	if err != nil {
		return p.markError(ctx, a, err, now)
	}

	assessment := p.filters.Evaluate(a.Title, extracted.Text)
	enrichment := p.enricher.EnrichContent(extracted.Text, a.Summary, a.Title)

	content := p.sanitizer.Sanitize(extracted.HTML)
	if content == "" {
		content = extracted.Text
	}
	image := a.Image
	if image == "" {
		image = extracted.Image
	}
	noError := ""
	lifecycle := assessment.Lifecycle

	patch := model.ArticlePatch{
		Content:       &content,
		Image:         &image,
		Summary:       &enrichment.Summary,
		Lifecycle:     &lifecycle,
		QualityScore:  &assessment.Score,
		Keywords:      nonNil(enrichment.Keywords),
		Category:      &enrichment.Category,
		ReadingTime:   &enrichment.ReadingTime,
		FetchError:    &noError,
		LastFetchedAt: &now,
	}
	if err := p.articles.UpdateByID(ctx, a.ID, patch); err != nil {
		return "", err
	}

	attrs := []any{
		slog.String("article_id", a.ID),
		slog.String("lifecycle", string(lifecycle)),
		slog.Int("quality_score", assessment.Score),
		slog.Int("word_count", assessment.WordCount),
	}
	if reasons := assessment.Reasons(); len(reasons) > 0 {
		attrs = append(attrs, slog.Any("reasons", reasons))
	}
	p.logger.Info("記事を処理しました", attrs...)
	return lifecycle, nil
}

// publishBlockedBySite は配信元に本文取得を拒否された記事を、品質未検証のまま既存のメタデータで公開する。
func (p *Processor) publishBlockedBySite(ctx context.Context, a *model.Article, fetchErr *model.FetchError, now time.Time) (model.Lifecycle, error) {
	enrichment := p.enricher.EnrichContent(a.Summary, a.Summary, a.Title)
	lifecycle := model.LifecyclePublished
	msg := fmt.Errorf("%w: %v", model.ErrBlockedBySite, fetchErr).Error()

	patch := model.ArticlePatch{
		Lifecycle:     &lifecycle,
		Keywords:      nonNil(enrichment.Keywords),
		Category:      &enrichment.Category,
		ReadingTime:   &enrichment.ReadingTime,
		FetchError:    &msg,
		LastFetchedAt: &now,
	}
	if a.Summary == "" && enrichment.Summary != "" {
		patch.Summary = &enrichment.Summary
	}
	if err := p.articles.UpdateByID(ctx, a.ID, patch); err != nil {
		return "", err
	}

	p.logger.Warn("配信元により本文取得が拒否されたため既存のメタデータで公開しました",
		slog.String("article_id", a.ID),
		slog.Int("http_status", fetchErr.StatusCode),
	)
	return lifecycle, nil
}

// markError は本文取得または抽出の失敗を記事に記録する。
func (p *Processor) markError(ctx context.Context, a *model.Article, cause error, now time.Time) (model.Lifecycle, error) {
	lifecycle := model.LifecycleError
	msg := cause.Error()
	patch := model.ArticlePatch{
		Lifecycle:     &lifecycle,
		FetchError:    &msg,
		LastFetchedAt: &now,
	}
	if err := p.articles.UpdateByID(ctx, a.ID, patch); err != nil {
		return "", err
	}

	p.logger.Warn("記事の本文処理に失敗しました",
		slog.String("article_id", a.ID),
		slog.String("url", a.URL),
		slog.String("error", msg),
	)
	return lifecycle, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
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
