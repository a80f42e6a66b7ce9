package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/feedpipe/internal/config"
	"github.com/hitoshi/feedpipe/internal/database"
	"github.com/hitoshi/feedpipe/internal/dates"
	"github.com/hitoshi/feedpipe/internal/enrich"
	"github.com/hitoshi/feedpipe/internal/extract"
	"github.com/hitoshi/feedpipe/internal/fetcher"
	"github.com/hitoshi/feedpipe/internal/handler"
	"github.com/hitoshi/feedpipe/internal/logger"
	"github.com/hitoshi/feedpipe/internal/metrics"
	"github.com/hitoshi/feedpipe/internal/middleware"
	"github.com/hitoshi/feedpipe/internal/quality"
	"github.com/hitoshi/feedpipe/internal/repository"
	"github.com/hitoshi/feedpipe/internal/security"
	"github.com/hitoshi/feedpipe/internal/worker/cleanup"
	"github.com/hitoshi/feedpipe/internal/worker/cron"
	"github.com/hitoshi/feedpipe/internal/worker/process"
	"github.com/hitoshi/feedpipe/internal/worker/sweep"
)

const (
	// fetchClientTimeout はHTTPクライアント全体のタイムアウト。試行ごとのタイムアウトはRetryConfigで管理する。
	fetchClientTimeout = 45 * time.Second
	pingTimeout        = 5 * time.Second
	shutdownTimeout    = 30 * time.Second
)

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、設定されたログレベルでJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, *slog.Logger, error) {
	// 設定読み込み前にログを使えるようにする
	logger.SetupDefault(w, slog.LevelInfo)

	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel)), nil
}

// Components はサブコマンドが共有する依存関係一式。
type Components struct {
	Feeds        repository.FeedRepository
	Articles     repository.ArticleRepository
	Sweeper      *sweep.Sweeper
	Processor    *process.Processor
	Orchestrator *cron.Orchestrator
	Archive      *cleanup.ArchiveJob
	Registry     *prometheus.Registry
	Ping         handler.Pinger

	closeFn func() error
}

// Close はストレージ接続を閉じる。
func (c *Components) Close() error {
	if c.closeFn == nil {
		return nil
	}
	return c.closeFn()
}

// Build は設定からストレージ・フェッチャー・各ワーカーを組み立てる。
// DATABASE_URLが空の場合はメモリストアで動作する。
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Components, error) {
	c := &Components{Registry: prometheus.NewRegistry()}

	if err := c.openStorage(ctx, cfg, log); err != nil {
		return nil, err
	}

	c.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(c.Registry)

	// フィードと記事の取得はどちらもSSRF対策済みのクライアントを使う
	guard := security.NewURLGuard()
	client := fetcher.New(guard.Client(fetchClientTimeout),
		fetcher.WithLogger(log),
		fetcher.WithUserAgent(cfg.FetchUserAgent),
		fetcher.WithMaxBodySize(cfg.FetchMaxSize),
		fetcher.WithObserver(collector),
	)

	resolver := dates.NewResolver(
		dates.WithDefaultOffset(cfg.DefaultTZOffset),
		dates.WithUnreliableSources(cfg.Pipeline.UnreliableDateSources),
	)
	c.Sweeper = sweep.New(c.Feeds, c.Articles, client, resolver, log,
		sweep.WithValidator(guard),
		sweep.WithRecorder(collector),
		sweep.WithDefaultInterval(cfg.DefaultInterval),
	)

	filters, err := quality.NewFilters(quality.Config{
		ClickbaitPatterns:   cfg.Pipeline.ClickbaitPatterns,
		PressReleasePhrases: cfg.Pipeline.PressReleasePhrases,
		MinWordCount:        cfg.Pipeline.MinWordCount,
	})
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to build quality filters: %w", err)
	}
	c.Processor = process.New(c.Articles, client, extract.New(), security.NewArticleSanitizer(),
		filters, enrich.New(cfg.Pipeline.Categories), log,
		process.WithRecorder(collector),
	)

	orchCfg := cron.DefaultConfig()
	orchCfg.Budget = cfg.CronBudget
	orchCfg.DefaultInterval = cfg.DefaultInterval
	c.Orchestrator = cron.NewOrchestrator(c.Feeds, c.Sweeper, c.Processor, log, orchCfg,
		cron.WithRecorder(collector),
	)

	c.Archive = cleanup.NewArchiveJob(c.Articles, collector, log)
	c.Archive.RetentionDays = cfg.ArchiveAfterDays

	return c, nil
}

func (c *Components) openStorage(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	if cfg.DatabaseURL == "" {
		log.Warn("DATABASE_URLが未設定のためメモリストアで起動します。データは永続化されません")
		store := repository.NewMemoryStore()
		c.Feeds = store.Feeds()
		c.Articles = store.Articles()
		return nil
	}

	db, err := database.Open(cfg.DatabaseURL, database.DefaultPoolConfig())
	if err != nil {
		return err
	}
	if err := database.Ping(ctx, db, pingTimeout); err != nil {
		db.Close()
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		db.Close()
		return err
	}

	log.Info("database connection established",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	c.Feeds = repository.NewPostgresFeedRepo(db)
	c.Articles = repository.NewPostgresArticleRepo(db)
	c.Ping = func(ctx context.Context) error { return database.Ping(ctx, db, pingTimeout) }
	c.closeFn = db.Close
	return nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。SIGINTまたはSIGTERMを受信すると終了する。
func Run(w io.Writer, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return run(ctx, w, args)
}

func run(ctx context.Context, w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		return runHealthcheck(ctx, healthcheckURL())
	}

	cfg, log, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	log.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.Bool("persistent", cfg.DatabaseURL != ""),
	)

	if cmd == CommandMigrate {
		return runMigrate(cfg, log)
	}

	c, err := Build(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer c.Close()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg, c, log)
	case CommandSweepAll:
		return runSweepAll(ctx, w, c, log, hasFlag(args[1:], "--force"))
	default:
		return runServe(ctx, cfg, c, log)
	}
}

// runServe はAPIサーバーモードで起動する。
// ctxがキャンセルされるとグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config, c *Components, log *slog.Logger) error {
	rateCfg := middleware.DefaultRateLimiterConfig()
	if cfg.RateLimitTrigger > 0 {
		// configはreq/min単位なのでreq/secに変換する
		rateCfg.TriggerRate = rate.Limit(float64(cfg.RateLimitTrigger) / 60.0)
	}
	rateLimiter := middleware.NewRateLimiter(rateCfg, log)
	defer rateLimiter.Stop()

	router := handler.NewRouter(&handler.RouterDeps{
		Logger:       log,
		RateLimiter:  rateLimiter,
		Sweeper:      c.Sweeper,
		Feeds:        c.Feeds,
		Orchestrator: c.Orchestrator,
		Processor:    c.Processor,
		Ping:         c.Ping,
		Metrics:      metrics.Handler(c.Registry),
	})

	server := &http.Server{
		Addr:        ":" + cfg.ServerPort,
		Handler:     router,
		ReadTimeout: 15 * time.Second,
		// 一括スイープは予算いっぱいまで応答しないため、書き込みタイムアウトは予算に余裕を持たせる
		WriteTimeout: cfg.CronBudget + 30*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("API server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down API server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	log.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 一括スイープと記事アーカイブをcronスケジュールで実行し、ctxがキャンセルされるまでブロックする。
func runWorker(ctx context.Context, cfg *config.Config, c *Components, log *slog.Logger) error {
	scheduler := cron.NewScheduler(log)

	if err := scheduler.Add("sweep-all", cfg.CronSchedule, func(ctx context.Context) {
		c.Orchestrator.SweepAll(ctx, false)
	}); err != nil {
		return err
	}
	if err := scheduler.Add("archive", cfg.ArchiveSchedule, func(ctx context.Context) {
		// 失敗はジョブ内でログ出力済み
		_ = c.Archive.Run(ctx)
	}); err != nil {
		return err
	}

	log.Info("worker starting",
		slog.String("cron_schedule", cfg.CronSchedule),
		slog.String("archive_schedule", cfg.ArchiveSchedule),
		slog.Duration("cron_budget", cfg.CronBudget),
	)

	scheduler.Run(ctx)

	log.Info("worker stopped gracefully")
	return nil
}

// runSweepAll は一括スイープを1回実行し、結果をJSONでwに書き出す。
// 個々のフィードの失敗は結果に含め、フィード一覧を取得できなかった場合のみエラーを返す。
func runSweepAll(ctx context.Context, w io.Writer, c *Components, log *slog.Logger, force bool) error {
	summary := c.Orchestrator.SweepAll(ctx, force)

	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	out := struct {
		cron.Summary
		DurationMs int64 `json:"durationMs"`
	}{Summary: summary, DurationMs: summary.Duration.Milliseconds()}
	if err := enc.Encode(out); err != nil {
		log.Warn("一括スイープ結果の出力に失敗しました", slog.String("error", err.Error()))
	}

	if summary.Error != "" {
		return fmt.Errorf("sweep-all failed: %s", summary.Error)
	}
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config, log *slog.Logger) error {
	if cfg.DatabaseURL == "" {
		return errors.New("migrate requires DATABASE_URL")
	}

	log.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	if err := database.RunMigrations(cfg.DatabaseURL); err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	log.Info("database migrations completed successfully")
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(ctx context.Context, target string) error {
	client := &http.Client{Timeout: 5 * time.Second}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// healthcheckURL はconfigと同じ優先順位（PORT、SERVER_PORT、8080）でポートを決める。
func healthcheckURL() string {
	port := os.Getenv("PORT")
	if port == "" {
		port = os.Getenv("SERVER_PORT")
	}
	if port == "" {
		port = "8080"
	}
	return fmt.Sprintf("http://localhost:%s/health", port)
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	return u.Redacted()
}
