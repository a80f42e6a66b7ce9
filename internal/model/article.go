// Package model はドメインモデルを定義する。
package model

import "time"

// Lifecycle は記事の処理段階を表す。
type Lifecycle string

const (
	LifecycleQueued    Lifecycle = "queued"
	LifecycleProcessed Lifecycle = "processed"
	LifecycleClustered Lifecycle = "clustered"
	LifecyclePublished Lifecycle = "published"
	LifecycleArchived  Lifecycle = "archived"
	LifecycleBlocked   Lifecycle = "blocked"
	LifecycleError     Lifecycle = "error"
)

// Article はフィードから取り込んだ記事を表す。
// IDは正規化URLのSHA-1で、同一URLの記事は論理的に1件しか存在しない。
type Article struct {
	ID            string
	Title         string
	URL           string // 正規化済みURL
	OriginalURL   string
	SourceID      string
	FeedID        string
	Content       string
	Image         string
	Summary       string
	Lifecycle     Lifecycle
	QualityScore  int
	PublishedAt   *time.Time // 一度設定されたら上書きしない
	GUID          string
	Keywords      []string
	Category      string
	ReadingTime   int // 分
	FetchError    string
	LastFetchedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ArticlePatch は記事の部分更新内容を表す。
// nilのフィールドは更新しない。PublishedAtは未設定の場合にのみ反映される。
type ArticlePatch struct {
	Title         *string
	Content       *string
	Image         *string
	Summary       *string
	Lifecycle     *Lifecycle
	QualityScore  *int
	PublishedAt   *time.Time
	Keywords      []string
	Category      *string
	ReadingTime   *int
	FetchError    *string
	LastFetchedAt *time.Time
}

// IsEmpty は更新対象のフィールドが1つもないかを返す。
func (p ArticlePatch) IsEmpty() bool {
	return p.Title == nil && p.Content == nil && p.Image == nil && p.Summary == nil &&
		p.Lifecycle == nil && p.QualityScore == nil && p.PublishedAt == nil &&
		p.Keywords == nil && p.Category == nil && p.ReadingTime == nil &&
		p.FetchError == nil && p.LastFetchedAt == nil
}

// Apply はパッチの内容を記事に反映する。
func (p ArticlePatch) Apply(a *Article) {
	if p.Title != nil {
		a.Title = *p.Title
	}
	if p.Content != nil {
		a.Content = *p.Content
	}
	if p.Image != nil {
		a.Image = *p.Image
	}
	if p.Summary != nil {
		a.Summary = *p.Summary
	}
	if p.Lifecycle != nil {
		a.Lifecycle = *p.Lifecycle
	}
	if p.QualityScore != nil {
		a.QualityScore = *p.QualityScore
	}
	if p.PublishedAt != nil && a.PublishedAt == nil {
		t := *p.PublishedAt
		a.PublishedAt = &t
	}
	if p.Keywords != nil {
		a.Keywords = append([]string(nil), p.Keywords...)
	}
	if p.Category != nil {
		a.Category = *p.Category
	}
	if p.ReadingTime != nil {
		a.ReadingTime = *p.ReadingTime
	}
	if p.FetchError != nil {
		a.FetchError = *p.FetchError
	}
	if p.LastFetchedAt != nil {
		t := *p.LastFetchedAt
		a.LastFetchedAt = &t
	}
}
