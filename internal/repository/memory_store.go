package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/hitoshi/feedpipe/internal/model"
)

// 呼び出し回数の集計キー。
const (
	OpFeedGet        = "feed.GetByID"
	OpFeedUpsert     = "feed.Upsert"
	OpFeedUpdate     = "feed.UpdateByID"
	OpFeedListActive = "feed.ListActive"
	OpArticleGet     = "article.GetByID"
	OpArticleUpsert  = "article.Upsert"
	OpArticleUpdate  = "article.UpdateByID"
	OpArticleFind    = "article.FindByLifecycle"
	OpArticleArchive = "article.ArchiveOlderThan"
)

// MemoryStore はプロセス内メモリにフィードと記事を保持するストア。
// 開発用のストレージとテスト用の代替実装を兼ね、操作ごとの呼び出し回数を記録する。
// 返す値はすべてコピーであり、呼び出し側の変更はストアに影響しない。
type MemoryStore struct {
	mu       sync.Mutex
	feeds    map[string]model.Feed
	articles map[string]model.Article
	calls    map[string]int
	now      func() time.Time
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		feeds:    make(map[string]model.Feed),
		articles: make(map[string]model.Article),
		calls:    make(map[string]int),
		now:      time.Now,
	}
}

// Feeds はFeedRepositoryとしてのビューを返す。
func (s *MemoryStore) Feeds() FeedRepository { return memoryFeeds{s} }

// Articles はArticleRepositoryとしてのビューを返す。
func (s *MemoryStore) Articles() ArticleRepository { return memoryArticles{s} }

// Calls は操作の呼び出し回数を返す。
func (s *MemoryStore) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// ArticleCalls は記事に対する読み書きの合計回数を返す。
func (s *MemoryStore) ArticleCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[OpArticleGet] + s.calls[OpArticleUpsert] + s.calls[OpArticleUpdate]
}

// ResetCalls は呼び出し回数をリセットする。
func (s *MemoryStore) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = make(map[string]int)
}

// ArticleCount は保持している記事の件数を返す。
func (s *MemoryStore) ArticleCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.articles)
}

// AllArticles は保持している記事をID順で返す。
func (s *MemoryStore) AllArticles() []*model.Article {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*model.Article, 0, len(s.articles))
	for _, a := range s.articles {
		out = append(out, copyArticle(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *MemoryStore) record(op string) {
	s.calls[op]++
}

type memoryFeeds struct{ s *MemoryStore }

func (m memoryFeeds) GetByID(_ context.Context, id string) (*model.Feed, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.record(OpFeedGet)

	f, ok := m.s.feeds[id]
	if !ok {
		return nil, nil
	}
	return copyFeed(f), nil
}

func (m memoryFeeds) Upsert(_ context.Context, feed *model.Feed) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.record(OpFeedUpsert)

	now := m.s.now()
	stored := *copyFeed(*feed)
	if existing, ok := m.s.feeds[feed.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.s.feeds[feed.ID] = stored
	return nil
}

func (m memoryFeeds) UpdateByID(_ context.Context, id string, patch model.FeedPatch) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.record(OpFeedUpdate)

	f, ok := m.s.feeds[id]
	if !ok {
		return model.ErrFeedNotFound
	}
	patch.Apply(&f)
	f.UpdatedAt = m.s.now()
	m.s.feeds[id] = f
	return nil
}

func (m memoryFeeds) ListActive(_ context.Context) ([]*model.Feed, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.record(OpFeedListActive)

	var out []*model.Feed
	for _, f := range m.s.feeds {
		if f.Active {
			out = append(out, copyFeed(f))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memoryArticles struct{ s *MemoryStore }

func (m memoryArticles) GetByID(_ context.Context, id string) (*model.Article, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.record(OpArticleGet)

	a, ok := m.s.articles[id]
	if !ok {
		return nil, nil
	}
	return copyArticle(a), nil
}

func (m memoryArticles) Upsert(_ context.Context, article *model.Article) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.record(OpArticleUpsert)

	now := m.s.now()
	stored := *copyArticle(*article)
	if existing, ok := m.s.articles[article.ID]; ok {
		stored.CreatedAt = existing.CreatedAt
		if existing.PublishedAt != nil {
			stored.PublishedAt = existing.PublishedAt
		}
	} else if stored.CreatedAt.IsZero() {
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	m.s.articles[article.ID] = stored
	return nil
}

func (m memoryArticles) UpdateByID(_ context.Context, id string, patch model.ArticlePatch) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.record(OpArticleUpdate)

	a, ok := m.s.articles[id]
	if !ok || patch.IsEmpty() {
		return nil
	}
	patch.Apply(&a)
	a.UpdatedAt = m.s.now()
	m.s.articles[id] = a
	return nil
}

func (m memoryArticles) FindByLifecycle(_ context.Context, lifecycle model.Lifecycle, limit int) ([]*model.Article, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.record(OpArticleFind)

	var out []*model.Article
	for _, a := range m.s.articles {
		if a.Lifecycle == lifecycle {
			out = append(out, copyArticle(a))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m memoryArticles) ArchiveOlderThan(_ context.Context, cutoff time.Time, lifecycles ...model.Lifecycle) (int64, error) {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	m.s.record(OpArticleArchive)

	targets := make(map[model.Lifecycle]bool, len(lifecycles))
	for _, l := range lifecycles {
		targets[l] = true
	}

	var n int64
	now := m.s.now()
	for id, a := range m.s.articles {
		if targets[a.Lifecycle] && a.UpdatedAt.Before(cutoff) {
			a.Lifecycle = model.LifecycleArchived
			a.UpdatedAt = now
			m.s.articles[id] = a
			n++
		}
	}
	return n, nil
}

func copyFeed(f model.Feed) *model.Feed {
	c := f
	c.RecentHashes = append([]string(nil), f.RecentHashes...)
	c.LastFetchedAt = copyTime(f.LastFetchedAt)
	c.LastSeenArticleDate = copyTime(f.LastSeenArticleDate)
	c.Health.LastCheck = copyTime(f.Health.LastCheck)
	c.Health.LastSuccess = copyTime(f.Health.LastSuccess)
	c.Health.ErrorWindowStart = copyTime(f.Health.ErrorWindowStart)
	return &c
}

func copyArticle(a model.Article) *model.Article {
	c := a
	c.Keywords = append([]string(nil), a.Keywords...)
	c.PublishedAt = copyTime(a.PublishedAt)
	c.LastFetchedAt = copyTime(a.LastFetchedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
