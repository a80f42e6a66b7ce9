package handler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hitoshi/feedpipe/internal/dates"
	"github.com/hitoshi/feedpipe/internal/fetcher"
	"github.com/hitoshi/feedpipe/internal/health"
	"github.com/hitoshi/feedpipe/internal/metrics"
	"github.com/hitoshi/feedpipe/internal/middleware"
	"github.com/hitoshi/feedpipe/internal/model"
	"github.com/hitoshi/feedpipe/internal/repository"
	"github.com/hitoshi/feedpipe/internal/worker/cron"
	"github.com/hitoshi/feedpipe/internal/worker/sweep"
)

func newTestRouter(t *testing.T, deps *RouterDeps) http.Handler {
	t.Helper()
	if deps.Logger == nil {
		deps.Logger = newTestLogger()
	}
	if deps.Sweeper == nil {
		deps.Sweeper = &mockSweeper{}
	}
	if deps.Feeds == nil {
		deps.Feeds = repository.NewMemoryStore().Feeds()
	}
	if deps.Orchestrator == nil {
		deps.Orchestrator = &mockOrchestrator{summary: cron.Summary{Results: []cron.FeedResult{}}}
	}
	if deps.Processor == nil {
		deps.Processor = &mockProcessor{}
	}
	return NewRouter(deps)
}

func TestRouter_Routes(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{})

	tests := []struct {
		method     string
		path       string
		wantStatus int
	}{
		{http.MethodGet, "/health", http.StatusOK},
		{http.MethodPost, "/feeds/feed-1/sweep", http.StatusOK},
		{http.MethodPost, "/feeds/feed-1/enable", http.StatusNotFound},
		{http.MethodPost, "/cron/sweep-all", http.StatusOK},
		{http.MethodPost, "/articles/process-queue", http.StatusOK},
		{http.MethodGet, "/feeds/feed-1/sweep", http.StatusMethodNotAllowed},
		{http.MethodGet, "/metrics", http.StatusNotFound},
		{http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			w := httptest.NewRecorder()
			router.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, nil))
			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestRouter_RequestIDHeaderIsAccepted(t *testing.T) {
	router := newTestRouter(t, &RouterDeps{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-Id", "req-abc")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", w.Code)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector := metrics.NewCollector(reg)
	collector.ObserveSweep("success", 120*time.Millisecond)

	router := newTestRouter(t, &RouterDeps{Metrics: metrics.Handler(reg)})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if !strings.Contains(w.Body.String(), "feedpipe_") {
		t.Errorf("メトリクスが出力されるべき: %s", w.Body.String())
	}
}

// 個別の手動トリガーのみ制限し、/healthは制限しない
func TestRouter_RateLimitAppliesToTriggersOnly(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.RateLimiterConfig{
		TriggerRate:     0.01,
		TriggerBurst:    1,
		CleanupInterval: time.Minute,
	}, newTestLogger())
	t.Cleanup(rl.Stop)
	router := newTestRouter(t, &RouterDeps{RateLimiter: rl})

	do := func(method, path string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, nil)
		req.RemoteAddr = "203.0.113.5:40000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		return w
	}

	if w := do(http.MethodPost, "/articles/process-queue"); w.Code != http.StatusOK {
		t.Fatalf("1回目 status = %d, want 200", w.Code)
	}
	w := do(http.MethodPost, "/feeds/feed-1/sweep")
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("2回目 status = %d, want 429", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-Afterヘッダーが設定されるべき")
	}
	for i := 0; i < 3; i++ {
		if w := do(http.MethodGet, "/health"); w.Code != http.StatusOK {
			t.Errorf("/health status = %d, want 200", w.Code)
		}
	}
}

// 一括スイープは同一クライアントから連続で呼ばれても常に200と結果配列を返す
func TestRouter_SweepAllIsNeverRateLimited(t *testing.T) {
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig(), newTestLogger())
	t.Cleanup(rl.Stop)
	router := newTestRouter(t, &RouterDeps{RateLimiter: rl})

	for i := 0; i < 15; i++ {
		req := httptest.NewRequest(http.MethodPost, "/cron/sweep-all", nil)
		req.RemoteAddr = "203.0.113.9:40000"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("%d回目 status = %d, want 200", i+1, w.Code)
		}
		body := decodeBody(t, w)
		if _, ok := body["results"].([]interface{}); !ok {
			t.Fatalf("%d回目 results = %v, 配列であるべき", i+1, body["results"])
		}
	}
}

func TestRouter_BlankFeedIDIsBadRequest(t *testing.T) {
	store := repository.NewMemoryStore()
	router := newTestRouter(t, &RouterDeps{
		Sweeper: sweep.New(store.Feeds(), store.Articles(), fetcher.New(http.DefaultClient), dates.NewResolver(), newTestLogger()),
		Feeds:   store.Feeds(),
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/feeds/%20/sweep", nil))
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
}

// 実際のスイープ処理を通して、作成・スキップ・無効化・再有効化までを確認する
func TestRouter_SweepLifecycle(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	var status atomic.Int32
	status.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if code := int(status.Load()); code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Header().Set("Content-Type", "application/rss+xml")
		fmt.Fprintf(w, `<?xml version="1.0"?><rss version="2.0"><channel><title>Wire</title>`+
			`<item><title>Budget vote</title><link>https://news.example.com/budget</link><pubDate>%s</pubDate></item>`+
			`<item><title>Harbor fire</title><link>https://news.example.com/fire?utm_source=rss</link><pubDate>%s</pubDate></item>`+
			`</channel></rss>`,
			now.Add(-2*time.Hour).Format(time.RFC1123Z), now.Add(-time.Hour).Format(time.RFC1123Z))
	}))
	t.Cleanup(srv.Close)

	store := repository.NewMemoryStore()
	if err := store.Feeds().Upsert(context.Background(), &model.Feed{
		ID: "wire", SourceID: "src-wire", URL: srv.URL, Type: model.FeedTypeRSS, Active: true, Health: health.Initial(),
	}); err != nil {
		t.Fatalf("フィードの登録に失敗: %v", err)
	}

	discard := slog.New(slog.NewJSONHandler(io.Discard, nil))
	client := fetcher.New(http.DefaultClient,
		fetcher.WithLogger(discard),
		fetcher.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	clock := func() time.Time { return now }
	sweeper := sweep.New(store.Feeds(), store.Articles(), client,
		dates.NewResolver(dates.WithClock(clock)), discard, sweep.WithClock(clock))
	router := newTestRouter(t, &RouterDeps{Logger: discard, Sweeper: sweeper, Feeds: store.Feeds()})

	post := func(path string) map[string]interface{} {
		t.Helper()
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, path, nil))
		body := decodeBody(t, w)
		body["_status"] = float64(w.Code)
		return body
	}

	first := post("/feeds/wire/sweep")
	if first["_status"] != float64(200) || first["created"] != float64(2) || first["skipped"] != false {
		t.Fatalf("1回目 = %v", first)
	}

	second := post("/feeds/wire/sweep")
	if second["_status"] != float64(200) || second["skipped"] != true || second["created"] != float64(0) {
		t.Fatalf("2回目は同一内容のためスキップされるべき: %v", second)
	}

	// forceではハッシュ比較を行わないが、直近ハッシュ集合で重複は作成されない
	forced := post("/feeds/wire/sweep?force=true")
	if forced["skipped"] != false || forced["created"] != float64(0) || forced["skippedItems"] != float64(2) {
		t.Fatalf("force = %v", forced)
	}

	// 404が続くと無効化される
	status.Store(http.StatusNotFound)
	var last map[string]interface{}
	for i := 0; i < 5; i++ {
		last = post("/feeds/wire/sweep?force=true")
		if last["_status"] != float64(500) {
			t.Fatalf("%d回目の失敗 status = %v, want 500", i+1, last["_status"])
		}
	}
	if last["disabled"] != true {
		t.Errorf("無効化した失敗ではdisabled=trueを返すべき: %v", last)
	}

	blocked := post("/feeds/wire/sweep?force=true")
	if blocked["_status"] != float64(422) || blocked["code"] != model.ErrCodeFeedDisabled {
		t.Fatalf("無効化後は422になるべき: %v", blocked)
	}

	enabled := post("/feeds/wire/enable")
	if enabled["_status"] != float64(200) {
		t.Fatalf("再有効化 = %v", enabled)
	}
	if again := post("/feeds/wire/enable"); again["_status"] != float64(409) {
		t.Errorf("無効化されていないフィードの再有効化は409, got %v", again["_status"])
	}

	status.Store(http.StatusOK)
	if res := post("/feeds/wire/sweep?force=true"); res["_status"] != float64(200) {
		t.Errorf("再有効化後のスイープ = %v", res)
	}
}
