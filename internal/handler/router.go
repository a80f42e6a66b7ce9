package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/feedpipe/internal/middleware"
	"github.com/hitoshi/feedpipe/internal/repository"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存。RateLimiterがnilの場合は手動トリガーを制限しない
	RateLimiter *middleware.RateLimiter

	// スイープ
	Sweeper FeedSweeper
	Feeds   repository.FeedRepository

	// 一括スイープ
	Orchestrator SweepAller

	// 記事
	Processor QueueProcessor

	// 死活確認・メトリクス
	Ping    Pinger
	Metrics http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RequestID → RealIP → Logging → Recovery → RateLimit（手動トリガーのみ）
//
// /healthと/metricsはレート制限の外に配置する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(deps.Logger))
	r.Use(middleware.NewRecoveryMiddleware(deps.Logger))

	feedHandler := NewFeedHandler(deps.Sweeper, deps.Feeds, deps.Logger)
	cronHandler := NewCronHandler(deps.Orchestrator)
	articleHandler := NewArticleHandler(deps.Processor, deps.Logger)
	healthHandler := NewHealthHandler(deps.Ping, deps.Logger)

	// --- 制限なしのルート ---
	r.Get("/health", healthHandler.Health)
	// 一括スイープは常に200で結果を返す
	r.Post("/cron/sweep-all", cronHandler.SweepAll)
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics)
	}

	// --- 手動トリガー ---
	r.Group(func(r chi.Router) {
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Middleware())
		}

		r.Route("/feeds/{id}", func(r chi.Router) {
			r.Post("/sweep", feedHandler.Sweep)
			r.Post("/enable", feedHandler.Enable)
		})

		r.Post("/articles/process-queue", articleHandler.ProcessQueue)
	})

	return r
}
