package process

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/feedpipe/internal/enrich"
	"github.com/hitoshi/feedpipe/internal/extract"
	"github.com/hitoshi/feedpipe/internal/fetcher"
	"github.com/hitoshi/feedpipe/internal/model"
	"github.com/hitoshi/feedpipe/internal/quality"
	"github.com/hitoshi/feedpipe/internal/repository"
	"github.com/hitoshi/feedpipe/internal/security"
)

func longArticleHTML(title string, words int) string {
	var body strings.Builder
	for i := 0; i < words/10; i++ {
		fmt.Fprintf(&body, "<p>The city council reviewed the annual budget and discussed transport funding in session %d.</p>", i)
	}
	return fmt.Sprintf(`<!DOCTYPE html><html><head><title>%s</title>
<meta property="og:image" content="/images/lead.jpg"></head>
<body><article><h1>%s</h1>%s</article></body></html>`, title, title, body.String())
}

// newArticleServer はパスごとに異なる応答を返す記事ページのテストサーバー。
func newArticleServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/good", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, longArticleHTML("Council approves budget", 200))
	})
	mux.HandleFunc("/thin", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, longArticleHTML("Council approves budget", 60))
	})
	mux.HandleFunc("/empty", func(w http.ResponseWriter, _ *http.Request) {
		io.WriteString(w, `<html><body><p>Short.</p></body></html>`)
	})
	mux.HandleFunc("/forbidden", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	mux.HandleFunc("/gone", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusGone)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

type sleepRecorder struct {
	mu     sync.Mutex
	delays []time.Duration
}

func (s *sleepRecorder) sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
	return nil
}

type lifecycleRecorder struct {
	counts map[string]int
}

func (r *lifecycleRecorder) ObserveArticle(lifecycle string) {
	if r.counts == nil {
		r.counts = make(map[string]int)
	}
	r.counts[lifecycle]++
}

func newTestProcessor(articles repository.ArticleRepository, opts ...Option) *Processor {
	client := fetcher.New(http.DefaultClient,
		fetcher.WithLogger(slog.New(slog.NewJSONHandler(io.Discard, nil))),
		fetcher.WithSleep(func(context.Context, time.Duration) error { return nil }),
	)
	logger := slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
	return New(articles, client, extract.New(), security.NewArticleSanitizer(),
		quality.MustNewFilters(), enrich.New(nil), logger, opts...)
}

func seedQueued(t *testing.T, store *repository.MemoryStore, id, title, pageURL string, created time.Time) {
	t.Helper()
	err := store.Articles().Upsert(context.Background(), &model.Article{
		ID:          id,
		Title:       title,
		URL:         "https://example.com/" + id,
		OriginalURL: pageURL,
		Summary:     "Existing feed summary about the council budget and transport plans for next year.",
		Lifecycle:   model.LifecycleQueued,
		CreatedAt:   created,
	})
	if err != nil {
		t.Fatalf("記事の登録に失敗: %v", err)
	}
}

func TestProcessQueue_AdvancesLifecycles(t *testing.T) {
	srv := newArticleServer(t)
	store := repository.NewMemoryStore()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	seedQueued(t, store, "good", "Council approves budget", srv.URL+"/good", base)
	seedQueued(t, store, "bait", "You won't believe this shocking budget", srv.URL+"/good", base.Add(time.Minute))
	seedQueued(t, store, "thin", "Council approves budget", srv.URL+"/thin", base.Add(2*time.Minute))
	seedQueued(t, store, "blocked", "Council approves budget", srv.URL+"/forbidden", base.Add(3*time.Minute))
	seedQueued(t, store, "gone", "Council approves budget", srv.URL+"/gone", base.Add(4*time.Minute))
	seedQueued(t, store, "empty", "Council approves budget", srv.URL+"/empty", base.Add(5*time.Minute))

	sleeper := &sleepRecorder{}
	rec := &lifecycleRecorder{}
	p := newTestProcessor(store.Articles(), WithSleep(sleeper.sleep), WithRecorder(rec))

	res, err := p.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessQueue error = %v", err)
	}
	if res.Processed != 4 || res.Failed != 2 || res.Skipped != 0 {
		t.Errorf("結果が不正: %+v", res)
	}

	want := map[string]model.Lifecycle{
		"good":    model.LifecyclePublished,
		"bait":    model.LifecycleBlocked,
		"thin":    model.LifecycleBlocked,
		"blocked": model.LifecyclePublished,
		"gone":    model.LifecycleError,
		"empty":   model.LifecycleError,
	}
	for id, lifecycle := range want {
		a, _ := store.Articles().GetByID(context.Background(), id)
		if a.Lifecycle != lifecycle {
			t.Errorf("%s: lifecycle = %q, want %q (fetchError=%q)", id, a.Lifecycle, lifecycle, a.FetchError)
		}
	}

	good, _ := store.Articles().GetByID(context.Background(), "good")
	if good.QualityScore != 100 || good.ReadingTime < 1 || len(good.Keywords) == 0 || good.Content == "" {
		t.Errorf("公開記事は本文と付加情報を持つべき: %+v", good)
	}
	if good.Image != srv.URL+"/images/lead.jpg" {
		t.Errorf("画像はog:imageの絶対URL, got %q", good.Image)
	}
	if good.FetchError != "" || good.LastFetchedAt == nil {
		t.Errorf("成功時はfetchErrorが空でlastFetchedAtが設定されるべき: %+v", good)
	}

	blocked, _ := store.Articles().GetByID(context.Background(), "blocked")
	if blocked.FetchError == "" || blocked.Content != "" {
		t.Errorf("拒否された記事はfetchErrorを記録し本文は空のまま: %+v", blocked)
	}
	if !strings.HasPrefix(blocked.Summary, "Existing feed summary") {
		t.Errorf("既存の要約は保持されるべき, got %q", blocked.Summary)
	}

	gone, _ := store.Articles().GetByID(context.Background(), "gone")
	if gone.FetchError == "" {
		t.Error("失敗した記事はfetchErrorを記録するべき")
	}

	if len(sleeper.delays) != 5 {
		t.Errorf("6件の間に5回待機するべき, got %d", len(sleeper.delays))
	}
	for _, d := range sleeper.delays {
		if d != DefaultPacing {
			t.Errorf("待機時間 = %v, want %v", d, DefaultPacing)
		}
	}
	if rec.counts["published"] != 2 || rec.counts["blocked"] != 2 || rec.counts["error"] != 2 {
		t.Errorf("処理段階の記録が不正: %v", rec.counts)
	}
}

// staleRepo はFindByLifecycleの直後に別の実行が記事を処理した状況を再現する。
type staleRepo struct {
	repository.ArticleRepository
	afterFind func()
}

func (r staleRepo) FindByLifecycle(ctx context.Context, l model.Lifecycle, limit int) ([]*model.Article, error) {
	out, err := r.ArticleRepository.FindByLifecycle(ctx, l, limit)
	r.afterFind()
	return out, err
}

func TestProcessQueue_SkipsArticlesTakenByAnotherRun(t *testing.T) {
	srv := newArticleServer(t)
	store := repository.NewMemoryStore()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	seedQueued(t, store, "a", "Council approves budget", srv.URL+"/good", base)
	seedQueued(t, store, "b", "Council approves budget", srv.URL+"/good", base.Add(time.Minute))

	repo := staleRepo{
		ArticleRepository: store.Articles(),
		afterFind: func() {
			published := model.LifecyclePublished
			_ = store.Articles().UpdateByID(context.Background(), "a", model.ArticlePatch{Lifecycle: &published})
		},
	}
	p := newTestProcessor(repo, WithSleep((&sleepRecorder{}).sleep))

	res, err := p.ProcessQueue(context.Background(), 10)
	if err != nil {
		t.Fatalf("ProcessQueue error = %v", err)
	}
	if res.Skipped != 1 || res.Processed != 1 {
		t.Errorf("処理済みの記事はスキップされるべき: %+v", res)
	}
}

func TestProcessQueue_LimitBounds(t *testing.T) {
	store := repository.NewMemoryStore()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	srv := newArticleServer(t)
	for i := 0; i < 3; i++ {
		seedQueued(t, store, fmt.Sprintf("a%d", i), "Council approves budget", srv.URL+"/good", base.Add(time.Duration(i)*time.Minute))
	}
	p := newTestProcessor(store.Articles(), WithSleep((&sleepRecorder{}).sleep))

	res, err := p.ProcessQueue(context.Background(), 2)
	if err != nil {
		t.Fatalf("ProcessQueue error = %v", err)
	}
	if res.Processed != 2 {
		t.Errorf("limit=2で2件処理するべき: %+v", res)
	}
	last, _ := store.Articles().GetByID(context.Background(), "a2")
	if last.Lifecycle != model.LifecycleQueued {
		t.Errorf("上限を超えた記事はqueuedのまま, got %q", last.Lifecycle)
	}
}

func TestProcessQueue_EmptyQueue(t *testing.T) {
	store := repository.NewMemoryStore()
	p := newTestProcessor(store.Articles())

	res, err := p.ProcessQueue(context.Background(), 0)
	if err != nil {
		t.Fatalf("ProcessQueue error = %v", err)
	}
	if res.Processed != 0 || res.Skipped != 0 || res.Failed != 0 {
		t.Errorf("空のキューでは何も処理しない: %+v", res)
	}
}

// キャンセルされた場合は待機で打ち切り、処理済みの記事はそのまま残る
func TestProcessQueue_StopsWhenContextDone(t *testing.T) {
	srv := newArticleServer(t)
	store := repository.NewMemoryStore()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	seedQueued(t, store, "a", "Council approves budget", srv.URL+"/good", base)
	seedQueued(t, store, "b", "Council approves budget", srv.URL+"/good", base.Add(time.Minute))

	ctx, cancel := context.WithCancel(context.Background())
	p := newTestProcessor(store.Articles(), WithSleep(func(context.Context, time.Duration) error {
		cancel()
		return context.Canceled
	}))

	res, err := p.ProcessQueue(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessQueue error = %v", err)
	}
	if res.Processed != 1 {
		t.Errorf("1件目のみ処理されるべき: %+v", res)
	}
	b, _ := store.Articles().GetByID(context.Background(), "b")
	if b.Lifecycle != model.LifecycleQueued {
		t.Errorf("未処理の記事はqueuedのまま, got %q", b.Lifecycle)
	}
}

// 記事の取得中に制限時間を迎えた場合、記事はerrorにせずqueuedのまま残す
func TestProcessQueue_CancelDuringFetchLeavesArticleQueued(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cancel()
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	t.Cleanup(srv.Close)

	store := repository.NewMemoryStore()
	base := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	seedQueued(t, store, "slow", "Council approves budget", srv.URL+"/slow", base)
	seedQueued(t, store, "next", "Council approves budget", srv.URL+"/next", base.Add(time.Minute))

	rec := &lifecycleRecorder{}
	p := newTestProcessor(store.Articles(), WithSleep((&sleepRecorder{}).sleep), WithRecorder(rec))

	res, err := p.ProcessQueue(ctx, 10)
	if err != nil {
		t.Fatalf("ProcessQueue error = %v", err)
	}
	if res.Processed != 0 || res.Failed != 0 {
		t.Errorf("中断された記事は集計に含めない: %+v", res)
	}
	if len(rec.counts) != 0 {
		t.Errorf("処理段階を記録しない: %v", rec.counts)
	}

	for _, id := range []string{"slow", "next"} {
		a, _ := store.Articles().GetByID(context.Background(), id)
		if a.Lifecycle != model.LifecycleQueued || a.FetchError != "" {
			t.Errorf("%s: lifecycle = %q, fetchError = %q, queuedのまま残るべき", id, a.Lifecycle, a.FetchError)
		}
	}
}
