// Package model はドメインモデルを定義する。
package model

import "time"

// FeedType はフィード文書の形式を表す。
type FeedType string

const (
	// FeedTypeRSS はRSS 2.0 / RSS 1.0(RDF)フィード。
	FeedTypeRSS FeedType = "rss"
	// FeedTypeAtom はAtomフィード。
	FeedTypeAtom FeedType = "atom"
	// FeedTypeSitemap はニュースサイトマップ（urlset）。
	FeedTypeSitemap FeedType = "sitemap"
)

// HealthStatus はフィードの健全性状態を表す。
type HealthStatus string

const (
	// HealthStatusHealthy は直近のスイープが成功している状態。
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusWarning は手動で再有効化された直後の観察中の状態。
	HealthStatusWarning HealthStatus = "warning"
	// HealthStatusError は直近のスイープが失敗している状態。
	HealthStatusError HealthStatus = "error"
	// HealthStatusDisabled は連続失敗により自動スイープから除外された状態。
	// 手動の再有効化以外では抜けられない。
	HealthStatusDisabled HealthStatus = "disabled"
)

// FeedHealth はフィードの健全性メタデータ。
type FeedHealth struct {
	Status              HealthStatus
	ReliabilityScore    int
	LastCheck           *time.Time
	LastSuccess         *time.Time
	ErrorCount24h       int
	ErrorWindowStart    *time.Time // ErrorCount24hの集計開始時刻
	ConsecutiveFailures int
	LastError           string
}

// Feed は巡回対象のフィードを表す。
// キャッシュ関連のメタデータと健全性はFeedが排他的に所有する。
type Feed struct {
	ID                   string
	SourceID             string
	URL                  string
	Type                 FeedType
	Active               bool
	Health               FeedHealth
	FetchIntervalMinutes int // 0の場合はシステム既定値を使用
	LastFetchedAt        *time.Time
	LastSeenArticleDate  *time.Time
	LastContentHash      string
	LastETag             string
	LastModified         string
	RecentHashes         []string // 古い順。最大200件
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// IsDisabled はフィードが無効化状態かを返す。
func (f *Feed) IsDisabled() bool {
	return f.Health.Status == HealthStatusDisabled
}

// FeedPatch はフィードの部分更新内容を表す。
// nilのフィールドは更新しない。
type FeedPatch struct {
	Active               *bool
	Health               *FeedHealth
	FetchIntervalMinutes *int
	LastFetchedAt        *time.Time
	LastSeenArticleDate  *time.Time
	LastContentHash      *string
	LastETag             *string
	LastModified         *string
	RecentHashes         []string // nilの場合は更新しない
}

// Apply はパッチの内容をフィードに反映する。
func (p FeedPatch) Apply(feed *Feed) {
	if p.Active != nil {
		feed.Active = *p.Active
	}
	if p.Health != nil {
		feed.Health = *p.Health
	}
	if p.FetchIntervalMinutes != nil {
		feed.FetchIntervalMinutes = *p.FetchIntervalMinutes
	}
	if p.LastFetchedAt != nil {
		t := *p.LastFetchedAt
		feed.LastFetchedAt = &t
	}
	if p.LastSeenArticleDate != nil {
		t := *p.LastSeenArticleDate
		feed.LastSeenArticleDate = &t
	}
	if p.LastContentHash != nil {
		feed.LastContentHash = *p.LastContentHash
	}
	if p.LastETag != nil {
		feed.LastETag = *p.LastETag
	}
	if p.LastModified != nil {
		feed.LastModified = *p.LastModified
	}
	if p.RecentHashes != nil {
		feed.RecentHashes = append([]string(nil), p.RecentHashes...)
	}
}
