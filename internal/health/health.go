// Package health はフィードの健全性状態（サーキットブレーカー）を管理する。
//
// 状態遷移: healthy → error → disabled（連続5回失敗）。
// disabledは手動の再有効化でのみwarningに戻り、次の成功でhealthyになる。
package health

import (
	"time"

	"github.com/hitoshi/feedpipe/internal/model"
)

const (
	// FailureThreshold はフィードを無効化する連続失敗回数。
	FailureThreshold = 5
	// ReenableScore は再有効化時の信頼度スコア。
	ReenableScore = 50
	// InitialScore は新規フィードの信頼度スコア。
	InitialScore = 100

	successBonus   = 5
	failurePenalty = 10
	errorWindow    = 24 * time.Hour
)

// Initial は新規フィードの健全性を返す。
func Initial() model.FeedHealth {
	return model.FeedHealth{
		Status:           model.HealthStatusHealthy,
		ReliabilityScore: InitialScore,
	}
}

// RecordSuccess はスイープ成功を記録する。連続失敗回数をリセットしhealthyにする。
func RecordSuccess(h model.FeedHealth, now time.Time) model.FeedHealth {
	h.Status = model.HealthStatusHealthy
	h.ConsecutiveFailures = 0
	h.LastError = ""
	h.LastCheck = timePtr(now)
	h.LastSuccess = timePtr(now)
	h.ReliabilityScore = clamp(h.ReliabilityScore + successBonus)
	rollWindow(&h, now)
	return h
}

// RecordFailure はスイープ失敗を記録する。連続失敗回数と24時間のエラー数を加算し、
// 閾値に達した場合はdisabled、それ以外はerrorにする。
func RecordFailure(h model.FeedHealth, errMsg string, now time.Time) model.FeedHealth {
	rollWindow(&h, now)
	if h.ErrorWindowStart == nil {
		h.ErrorWindowStart = timePtr(now)
	}
	h.ErrorCount24h++
	h.ConsecutiveFailures++
	h.LastError = errMsg
	h.LastCheck = timePtr(now)
	h.ReliabilityScore = clamp(h.ReliabilityScore - failurePenalty)

	if h.ConsecutiveFailures >= FailureThreshold {
		h.Status = model.HealthStatusDisabled
	} else {
		h.Status = model.HealthStatusError
	}
	return h
}

// Reenable は無効化されたフィードを手動で再有効化する。
// 連続失敗回数を0、信頼度を50にし、最終エラーを消去する。次の成功まではwarningとする。
func Reenable(h model.FeedHealth, now time.Time) model.FeedHealth {
	h.Status = model.HealthStatusWarning
	h.ConsecutiveFailures = 0
	h.ReliabilityScore = ReenableScore
	h.LastError = ""
	h.LastCheck = timePtr(now)
	return h
}

// EffectiveInterval はフィード個別の巡回間隔（未設定ならdefaultInterval）を返す。
func EffectiveInterval(feed *model.Feed, defaultInterval time.Duration) time.Duration {
	if feed.FetchIntervalMinutes > 0 {
		return time.Duration(feed.FetchIntervalMinutes) * time.Minute
	}
	return defaultInterval
}

// IsDue は自動スイープの対象かを返す。
// 無効化・非アクティブなフィードは対象外。未取得なら常に対象。
func IsDue(feed *model.Feed, now time.Time, defaultInterval time.Duration) bool {
	if !feed.Active || feed.IsDisabled() {
		return false
	}
	if feed.LastFetchedAt == nil {
		return true
	}
	return now.Sub(*feed.LastFetchedAt) >= EffectiveInterval(feed, defaultInterval)
}

// rollWindow は24時間の集計期間が過ぎていればエラー数をリセットする。
func rollWindow(h *model.FeedHealth, now time.Time) {
	if h.ErrorWindowStart != nil && now.Sub(*h.ErrorWindowStart) >= errorWindow {
		h.ErrorCount24h = 0
		h.ErrorWindowStart = nil
	}
}

func clamp(score int) int {
	switch {
	case score < 0:
		return 0
	case score > 100:
		return 100
	}
	return score
}

func timePtr(t time.Time) *time.Time {
	return &t
}
