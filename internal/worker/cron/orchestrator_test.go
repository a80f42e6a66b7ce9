package cron

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/feedpipe/internal/model"
	"github.com/hitoshi/feedpipe/internal/repository"
	"github.com/hitoshi/feedpipe/internal/worker/process"
	"github.com/hitoshi/feedpipe/internal/worker/sweep"
)

// --- モック定義 ---

// mockSweeper はSweeperのテスト用モック。
type mockSweeper struct {
	mu        sync.Mutex
	calls     []string
	forced    []bool
	sweepFunc func(ctx context.Context, feedID string, force bool) (*sweep.Result, error)
}

func (m *mockSweeper) Sweep(ctx context.Context, feedID string, force bool) (*sweep.Result, error) {
	m.mu.Lock()
	m.calls = append(m.calls, feedID)
	m.forced = append(m.forced, force)
	m.mu.Unlock()
	if m.sweepFunc != nil {
		return m.sweepFunc(ctx, feedID, force)
	}
	return &sweep.Result{}, nil
}

// mockProcessor はQueueProcessorのテスト用モック。
type mockProcessor struct {
	results []process.Result
	errs    []error
	calls   int
	limits  []int
}

func (m *mockProcessor) ProcessQueue(_ context.Context, limit int) (process.Result, error) {
	i := m.calls
	m.calls++
	m.limits = append(m.limits, limit)
	var err error
	if i < len(m.errs) {
		err = m.errs[i]
	}
	if i < len(m.results) {
		return m.results[i], err
	}
	return process.Result{}, err
}

type cronRecorder struct {
	outcomes []string
}

func (r *cronRecorder) ObserveCronRun(outcome string, _ time.Duration) {
	r.outcomes = append(r.outcomes, outcome)
}

type failingFeedRepo struct {
	repository.FeedRepository
}

func (failingFeedRepo) ListActive(context.Context) ([]*model.Feed, error) {
	return nil, errors.New("connection refused")
}

var cronNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(&bytes.Buffer{}, nil))
}

func seedFeed(t *testing.T, store *repository.MemoryStore, id string, mutate func(f *model.Feed)) {
	t.Helper()
	f := &model.Feed{
		ID:       id,
		SourceID: "src-" + id,
		URL:      "https://example.com/" + id + ".xml",
		Type:     model.FeedTypeRSS,
		Active:   true,
		Health:   model.FeedHealth{Status: model.HealthStatusHealthy, ReliabilityScore: 100},
	}
	if mutate != nil {
		mutate(f)
	}
	if err := store.Feeds().Upsert(context.Background(), f); err != nil {
		t.Fatalf("フィードの登録に失敗: %v", err)
	}
}

type delayRecorder struct {
	delays []time.Duration
}

func (d *delayRecorder) sleep(_ context.Context, dur time.Duration) error {
	d.delays = append(d.delays, dur)
	return nil
}

func newTestOrchestrator(store *repository.MemoryStore, sw Sweeper, proc QueueProcessor, opts ...Option) *Orchestrator {
	defaults := []Option{
		WithClock(func() time.Time { return cronNow }),
		WithSleep((&delayRecorder{}).sleep),
	}
	return NewOrchestrator(store.Feeds(), sw, proc, newTestLogger(), DefaultConfig(), append(defaults, opts...)...)
}

// --- テスト ---

func TestSweepAll_SelectsDueFeeds(t *testing.T) {
	store := repository.NewMemoryStore()
	recent := cronNow.Add(-10 * time.Minute)
	stale := cronNow.Add(-2 * time.Hour)
	seedFeed(t, store, "a-never", nil)
	seedFeed(t, store, "b-recent", func(f *model.Feed) { f.LastFetchedAt = &recent })
	seedFeed(t, store, "c-stale", func(f *model.Feed) { f.LastFetchedAt = &stale })
	seedFeed(t, store, "d-disabled", func(f *model.Feed) { f.Health.Status = model.HealthStatusDisabled })
	seedFeed(t, store, "e-inactive", func(f *model.Feed) { f.Active = false })
	seedFeed(t, store, "f-short", func(f *model.Feed) {
		f.LastFetchedAt = &recent
		f.FetchIntervalMinutes = 5
	})

	sw := &mockSweeper{}
	o := newTestOrchestrator(store, sw, &mockProcessor{})
	summary := o.SweepAll(context.Background(), false)

	want := []string{"a-never", "c-stale", "f-short"}
	if len(sw.calls) != len(want) {
		t.Fatalf("スイープ対象 = %v, want %v", sw.calls, want)
	}
	for i := range want {
		if sw.calls[i] != want[i] {
			t.Errorf("calls[%d] = %q, want %q", i, sw.calls[i], want[i])
		}
	}
	if summary.Feeds != 3 {
		t.Errorf("Feeds = %d, want 3", summary.Feeds)
	}
	if summary.RunID == "" {
		t.Error("RunIDが設定されるべき")
	}
}

// forceでも無効化されたフィードは対象外
func TestSweepAll_ForceIgnoresIntervalButNotDisabled(t *testing.T) {
	store := repository.NewMemoryStore()
	recent := cronNow.Add(-time.Minute)
	seedFeed(t, store, "a", func(f *model.Feed) { f.LastFetchedAt = &recent })
	seedFeed(t, store, "b", func(f *model.Feed) { f.Health.Status = model.HealthStatusDisabled })

	sw := &mockSweeper{}
	o := newTestOrchestrator(store, sw, &mockProcessor{})
	o.SweepAll(context.Background(), true)

	if len(sw.calls) != 1 || sw.calls[0] != "a" {
		t.Fatalf("スイープ対象 = %v, want [a]", sw.calls)
	}
	if !sw.forced[0] {
		t.Error("forceが各フィードのスイープに伝わるべき")
	}
}

func TestSweepAll_AggregatesResults(t *testing.T) {
	store := repository.NewMemoryStore()
	seedFeed(t, store, "a", nil)
	seedFeed(t, store, "b", nil)
	seedFeed(t, store, "c", nil)

	sw := &mockSweeper{sweepFunc: func(_ context.Context, id string, _ bool) (*sweep.Result, error) {
		switch id {
		case "a":
			return &sweep.Result{Created: 3, Total: 3}, nil
		case "b":
			return nil, &sweep.Error{FeedID: id, Err: errors.New("HTTP 500")}
		default:
			return &sweep.Result{Skipped: true}, nil
		}
	}}
	proc := &mockProcessor{results: []process.Result{{Processed: 10}, {Processed: 4}, {Processed: 0}}}
	rec := &cronRecorder{}
	o := newTestOrchestrator(store, sw, proc, WithRecorder(rec))

	summary := o.SweepAll(context.Background(), false)

	if summary.TotalCreated != 3 || summary.Failed != 1 || summary.TotalProcessed != 14 {
		t.Errorf("集計が不正: %+v", summary)
	}
	if len(summary.Results) != 3 {
		t.Fatalf("Results = %d件, want 3", len(summary.Results))
	}
	if summary.Results[0].SourceID != "src-a" || summary.Results[0].Created != 3 {
		t.Errorf("Results[0] = %+v", summary.Results[0])
	}
	if summary.Results[1].Error == "" {
		t.Error("失敗したフィードはエラーを持つべき")
	}
	if !summary.Results[2].Skipped {
		t.Error("スキップされたフィードはSkippedを持つべき")
	}
	// 空のバッチで打ち切る
	if proc.calls != 3 {
		t.Errorf("ProcessQueueの呼び出し回数 = %d, want 3", proc.calls)
	}
	for _, l := range proc.limits {
		if l != 10 {
			t.Errorf("バッチサイズ = %d, want 10", l)
		}
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "completed" {
		t.Errorf("記録された結果 = %v", rec.outcomes)
	}
}

func TestSweepAll_DrainStopsAtMaxBatches(t *testing.T) {
	store := repository.NewMemoryStore()
	proc := &mockProcessor{results: []process.Result{
		{Processed: 10}, {Processed: 10}, {Processed: 10}, {Processed: 10}, {Processed: 10}, {Processed: 10},
	}}
	o := newTestOrchestrator(store, &mockSweeper{}, proc)

	summary := o.SweepAll(context.Background(), false)

	if proc.calls != 5 {
		t.Errorf("ProcessQueueは最大5回, got %d", proc.calls)
	}
	if summary.TotalProcessed != 50 {
		t.Errorf("TotalProcessed = %d, want 50", summary.TotalProcessed)
	}
}

// 失敗やスキップのみのバッチでは打ち切らず、後続の記事も処理する
func TestSweepAll_DrainContinuesPastFailedBatch(t *testing.T) {
	store := repository.NewMemoryStore()
	proc := &mockProcessor{results: []process.Result{
		{Failed: 8, Skipped: 2}, {Processed: 6}, {},
	}}
	o := newTestOrchestrator(store, &mockSweeper{}, proc)

	summary := o.SweepAll(context.Background(), false)

	if proc.calls != 3 {
		t.Errorf("ProcessQueueの呼び出し回数 = %d, want 3", proc.calls)
	}
	if summary.TotalProcessed != 6 {
		t.Errorf("TotalProcessed = %d, want 6", summary.TotalProcessed)
	}
}

func TestSweepAll_DrainStopsOnProcessorError(t *testing.T) {
	store := repository.NewMemoryStore()
	proc := &mockProcessor{
		results: []process.Result{{Processed: 2}, {}},
		errs:    []error{nil, errors.New("db down")},
	}
	o := newTestOrchestrator(store, &mockSweeper{}, proc)

	summary := o.SweepAll(context.Background(), false)

	if proc.calls != 2 || summary.TotalProcessed != 2 {
		t.Errorf("エラーで打ち切るべき: calls=%d summary=%+v", proc.calls, summary)
	}
	if summary.TimedOut {
		t.Error("処理エラーはタイムアウトではない")
	}
}

func TestSweepAll_PacesBetweenFeeds(t *testing.T) {
	store := repository.NewMemoryStore()
	seedFeed(t, store, "a", nil)
	seedFeed(t, store, "b", nil)
	seedFeed(t, store, "c", nil)

	delays := &delayRecorder{}
	o := newTestOrchestrator(store, &mockSweeper{}, &mockProcessor{}, WithSleep(delays.sleep))
	o.SweepAll(context.Background(), false)

	if len(delays.delays) != 2 {
		t.Fatalf("3件の間に2回待機するべき, got %d", len(delays.delays))
	}
	for _, d := range delays.delays {
		if d != 500*time.Millisecond {
			t.Errorf("待機時間 = %v, want 500ms", d)
		}
	}
}

// 制限時間を超えた場合はそれまでの結果を返し、記事キューは処理しない
func TestSweepAll_BudgetExceededKeepsPartialResults(t *testing.T) {
	store := repository.NewMemoryStore()
	seedFeed(t, store, "a", nil)
	seedFeed(t, store, "b", nil)
	seedFeed(t, store, "c", nil)

	sw := &mockSweeper{sweepFunc: func(ctx context.Context, id string, _ bool) (*sweep.Result, error) {
		if id == "b" {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return &sweep.Result{Created: 1}, nil
	}}
	proc := &mockProcessor{results: []process.Result{{Processed: 1}}}
	rec := &cronRecorder{}

	cfg := DefaultConfig()
	cfg.Budget = 50 * time.Millisecond
	o := NewOrchestrator(store.Feeds(), sw, proc, newTestLogger(), cfg,
		WithSleep((&delayRecorder{}).sleep),
		WithRecorder(rec),
	)

	summary := o.SweepAll(context.Background(), false)

	if !summary.TimedOut {
		t.Error("TimedOutがtrueであるべき")
	}
	if summary.TotalCreated != 1 || len(summary.Results) != 2 {
		t.Errorf("打ち切り前の結果を保持するべき: %+v", summary)
	}
	if len(sw.calls) != 2 {
		t.Errorf("打ち切り後のフィードはスイープしない: %v", sw.calls)
	}
	if proc.calls != 0 {
		t.Errorf("打ち切り後は記事キューを処理しない, got %d", proc.calls)
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "timeout" {
		t.Errorf("記録された結果 = %v", rec.outcomes)
	}
}

func TestSweepAll_ListActiveError(t *testing.T) {
	sw := &mockSweeper{}
	proc := &mockProcessor{}
	rec := &cronRecorder{}
	o := NewOrchestrator(failingFeedRepo{}, sw, proc, newTestLogger(), DefaultConfig(), WithRecorder(rec))

	summary := o.SweepAll(context.Background(), false)

	if summary.Error == "" {
		t.Error("フィード一覧の取得失敗はErrorに記録されるべき")
	}
	if len(sw.calls) != 0 || proc.calls != 0 {
		t.Error("フィード一覧の取得に失敗した場合は何も処理しない")
	}
	if summary.Results == nil {
		t.Error("Resultsは空スライスであるべき")
	}
	if len(rec.outcomes) != 1 || rec.outcomes[0] != "error" {
		t.Errorf("記録された結果 = %v", rec.outcomes)
	}
}

func TestSweepAll_NoFeedsStillDrainsQueue(t *testing.T) {
	store := repository.NewMemoryStore()
	proc := &mockProcessor{results: []process.Result{{Processed: 3}}}
	o := newTestOrchestrator(store, &mockSweeper{}, proc)

	summary := o.SweepAll(context.Background(), false)

	if summary.Feeds != 0 || summary.TotalProcessed != 3 {
		t.Errorf("フィードがなくても記事キューは処理する: %+v", summary)
	}
}
