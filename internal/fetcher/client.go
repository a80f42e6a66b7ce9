// Package fetcher は指数バックオフ・ジッター・Retry-After対応のHTTPフェッチクライアントを提供する。
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/feedpipe/internal/model"
)

const (
	// DefaultMaxBodySize はレスポンスボディの既定の上限（10MB）。
	DefaultMaxBodySize int64 = 10 * 1024 * 1024
	// DefaultUserAgent は既定のUser-Agent。
	DefaultUserAgent = "Feedpipe/1.0 (+https://github.com/hitoshi/feedpipe)"
	// maxJitterRatio はバックオフに加えるジッターの上限（30%）。
	maxJitterRatio = 0.3
)

// RetryConfig はリトライの設定。
type RetryConfig struct {
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	MaxRetries    int
	Timeout       time.Duration // 1回の試行あたりのタイムアウト
	MaxRetryAfter time.Duration // Retry-Afterで待機する上限
}

// FeedRetryConfig はフィード取得用の既定値を返す。
func FeedRetryConfig() RetryConfig {
	return RetryConfig{
		BaseDelay:     time.Second,
		MaxDelay:      10 * time.Second,
		MaxRetries:    3,
		Timeout:       30 * time.Second,
		MaxRetryAfter: 60 * time.Second,
	}
}

// ArticleRetryConfig は記事ページ取得用の既定値を返す。試行あたりのタイムアウトはフィードより短い。
func ArticleRetryConfig() RetryConfig {
	cfg := FeedRetryConfig()
	cfg.Timeout = 12 * time.Second
	return cfg
}

// Request はフェッチ要求。ETag/LastModifiedが空でなければ条件付きGETになる。
type Request struct {
	URL          string
	Accept       string
	ETag         string
	LastModified string
}

// Response はフェッチ結果。Attempts/Elapsedは診断用。
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
	Attempts   int
	Elapsed    time.Duration
}

// NotModified は条件付きGETがヒットしたかを返す。
func (r *Response) NotModified() bool {
	return r.StatusCode == http.StatusNotModified
}

// HTTPDoer はHTTPリクエストを実行するインターフェース。
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// AttemptObserver は試行ごとの結果を受け取る（メトリクス用）。
type AttemptObserver interface {
	ObserveFetchAttempt(outcome string)
}

// Client はリトライ付きHTTPクライアント。
type Client struct {
	http        HTTPDoer
	logger      *slog.Logger
	userAgent   string
	maxBodySize int64
	observer    AttemptObserver
	sleep       func(ctx context.Context, d time.Duration) error
	jitter      func() float64
	now         func() time.Time
}

// Option はClientの設定関数。
type Option func(*Client)

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// WithUserAgent はUser-Agentを設定する。
func WithUserAgent(ua string) Option { return func(c *Client) { c.userAgent = ua } }

// WithMaxBodySize はレスポンスボディの上限を設定する。
func WithMaxBodySize(n int64) Option { return func(c *Client) { c.maxBodySize = n } }

// WithObserver は試行結果の観測者を設定する。
func WithObserver(o AttemptObserver) Option { return func(c *Client) { c.observer = o } }

// WithSleep は待機関数を差し替える。
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Client) { c.sleep = fn }
}

// WithJitter はジッター用の乱数関数（[0,1)）を差し替える。
func WithJitter(fn func() float64) Option { return func(c *Client) { c.jitter = fn } }

// New はClientを生成する。
func New(doer HTTPDoer, opts ...Option) *Client {
	c := &Client{
		http:        doer,
		logger:      slog.Default(),
		userAgent:   DefaultUserAgent,
		maxBodySize: DefaultMaxBodySize,
		sleep:       sleepContext,
		jitter:      rand.Float64,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do はリクエストを実行する。
//   - 2xxと304はエラーなしで返す
//   - 400/401/403/404/405/410/422は即座に*model.FetchErrorを返す
//   - 408/429/5xx（500/502/503/504）とネットワークエラーはMaxRetries回までリトライする。Retry-Afterがあれば計算したバックオフの代わりに使う
//   - その他の非2xxはリトライせず*model.FetchErrorを返す
func (c *Client) Do(ctx context.Context, req Request, cfg RetryConfig) (*Response, error) {
	start := c.now()

	for attempt := 0; ; attempt++ {
		resp, err := c.attempt(ctx, req, cfg.Timeout)
		attempts := attempt + 1
		elapsed := c.now().Sub(start)

		var delay time.Duration
		if err != nil {
			c.observe("network_error")
			if ctx.Err() != nil || attempt >= cfg.MaxRetries {
				return nil, c.fail(req.URL, 0, attempts, elapsed, err)
			}
			delay = Backoff(cfg, attempt, c.jitter())
			c.logger.Warn("フェッチに失敗しました。リトライします",
				slog.String("url", req.URL),
				slog.Int("attempt", attempts),
				slog.Int64("delay_ms", delay.Milliseconds()),
				slog.String("error", err.Error()),
			)
		} else {
			resp.Attempts = attempts
			resp.Elapsed = elapsed

			class := Classify(resp.StatusCode)
			c.observe(class.String())
			switch class {
			case ClassOK, ClassNotModified:
				return resp, nil
			case ClassNonRetryable, ClassTerminal:
				return nil, c.fail(req.URL, resp.StatusCode, attempts, elapsed, fmt.Errorf("HTTPステータス %d", resp.StatusCode))
			}

			if attempt >= cfg.MaxRetries {
				return nil, c.fail(req.URL, resp.StatusCode, attempts, elapsed, fmt.Errorf("HTTPステータス %d（リトライ上限）", resp.StatusCode))
			}
			if d, ok := RetryAfter(resp.Header.Get("Retry-After"), c.now(), cfg.MaxRetryAfter); ok {
				delay = d
			} else {
				delay = Backoff(cfg, attempt, c.jitter())
			}
			c.logger.Warn("リトライ可能なステータスを受信しました",
				slog.String("url", req.URL),
				slog.Int("http_status", resp.StatusCode),
				slog.Int("attempt", attempts),
				slog.Int64("delay_ms", delay.Milliseconds()),
			)
		}

		if err := c.sleep(ctx, delay); err != nil {
			return nil, c.fail(req.URL, 0, attempts, c.now().Sub(start), err)
		}
	}
}

// attempt は1回分のリクエストを試行あたりのタイムアウト付きで実行し、ボディを読み切る。
func (c *Client) attempt(ctx context.Context, req Request, timeout time.Duration) (*Response, error) {
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("リクエスト作成に失敗: %w", err)
	}
	httpReq.Header.Set("User-Agent", c.userAgent)
	if req.Accept != "" {
		httpReq.Header.Set("Accept", req.Accept)
	}
	if req.ETag != "" {
		httpReq.Header.Set("If-None-Match", req.ETag)
	}
	if req.LastModified != "" {
		httpReq.Header.Set("If-Modified-Since", req.LastModified)
	}

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, c.maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("レスポンス読み取りに失敗: %w", err)
	}

	return &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		Body:       body,
	}, nil
}

func (c *Client) fail(url string, status, attempts int, elapsed time.Duration, err error) error {
	return &model.FetchError{
		URL:        url,
		StatusCode: status,
		Attempts:   attempts,
		Elapsed:    elapsed,
		Err:        err,
	}
}

func (c *Client) observe(outcome string) {
	if c.observer != nil {
		c.observer.ObserveFetchAttempt(outcome)
	}
}

// Backoff は attempt 回目（0始まり）の待機時間を返す。
// delay = min(base·2^attempt + jitter(0..30%), maxDelay)
func Backoff(cfg RetryConfig, attempt int, jitter float64) time.Duration {
	if attempt > 30 {
		attempt = 30
	}
	delay := cfg.BaseDelay << attempt
	delay += time.Duration(float64(delay) * maxJitterRatio * jitter)
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	return delay
}

// RetryAfter はRetry-Afterヘッダー（秒数またはHTTP日付）を待機時間に変換する。上限はmaxWait。
func RetryAfter(value string, now time.Time, maxWait time.Duration) (time.Duration, bool) {
	value = strings.TrimSpace(value)
	if value == "" {
		return 0, false
	}

	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		d = time.Duration(secs) * time.Second
	} else if t, err := http.ParseTime(value); err == nil {
		d = t.Sub(now)
	} else {
		return 0, false
	}

	if d < 0 {
		d = 0
	}
	if maxWait > 0 && d > maxWait {
		d = maxWait
	}
	return d, true
}

// IsStatus はerrが指定のステータスコードを持つ*model.FetchErrorかを返す。
func IsStatus(err error, statusCodes ...int) bool {
	var fe *model.FetchError
	if !errors.As(err, &fe) {
		return false
	}
	for _, code := range statusCodes {
		if fe.StatusCode == code {
			return true
		}
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
