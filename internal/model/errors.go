// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
	"time"
)

// APIError は統一エラーフォーマットを表す。
// 運用者が原因と対処方法を判断できるようにカテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: validation, feed, article, system
	Action   string // 運用者向け対処方法
	Disabled bool   // フィードが無効化されている場合にtrue
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeMissingFeedID  = "MISSING_FEED_ID"
	ErrCodeFeedNotFound   = "FEED_NOT_FOUND"
	ErrCodeFeedDisabled   = "FEED_DISABLED"
	ErrCodeFeedNotStopped = "FEED_NOT_DISABLED"
	ErrCodeInvalidLimit   = "INVALID_LIMIT"
	ErrCodeSweepFailed    = "SWEEP_FAILED"
	ErrCodeRateLimited    = "RATE_LIMITED"
)

// ドメインエラー
var (
	// ErrMissingFeedID はフィードIDが指定されていないことを表す。
	ErrMissingFeedID = errors.New("フィードIDが指定されていません")
	// ErrFeedNotFound は指定IDのフィードが存在しないことを表す。
	ErrFeedNotFound = errors.New("フィードが見つかりません")
	// ErrFeedDisabled はフィードが無効化状態のためスイープできないことを表す。
	ErrFeedDisabled = errors.New("フィードは無効化されています")
	// ErrContentTooShort は抽出した本文が短すぎることを表す。フェッチ失敗として扱う。
	ErrContentTooShort = errors.New("抽出した本文が短すぎます")
	// ErrBlockedBySite は記事本文の取得が配信元に拒否されたことを表す（401/403/429）。
	ErrBlockedBySite = errors.New("配信元により本文取得が拒否されました")
	// ErrParse はフィード文書の解析に失敗したことを表す。
	ErrParse = errors.New("フィードの解析に失敗しました")
)

// FetchError はHTTPフェッチの終端エラー。
// ネットワークエラーの場合StatusCodeは0になる。
type FetchError struct {
	URL        string
	StatusCode int
	Attempts   int
	Elapsed    time.Duration
	Err        error
}

// Error はerrorインターフェースを実装する。
func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("フェッチ失敗 (status=%d, attempts=%d): %s", e.StatusCode, e.Attempts, e.URL)
	}
	return fmt.Sprintf("フェッチ失敗 (attempts=%d): %s: %v", e.Attempts, e.URL, e.Err)
}

// Unwrap は元のエラーを返す。
func (e *FetchError) Unwrap() error {
	return e.Err
}

// NewMissingFeedIDError はフィードID未指定エラーを生成する。
func NewMissingFeedIDError() *APIError {
	return &APIError{
		Code:     ErrCodeMissingFeedID,
		Message:  "フィードIDが指定されていません。",
		Category: "validation",
		Action:   "URLパスにフィードIDを指定してください。",
	}
}

// NewFeedNotFoundError はフィード未検出エラーを生成する。
func NewFeedNotFoundError(feedID string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotFound,
		Message:  fmt.Sprintf("指定されたフィードが見つかりません: %s", feedID),
		Category: "feed",
		Action:   "フィードIDを確認してください。",
	}
}

// NewFeedDisabledError は無効化されたフィードへのスイープ要求エラーを生成する。
func NewFeedDisabledError(lastError string) *APIError {
	return &APIError{
		Code:     ErrCodeFeedDisabled,
		Message:  fmt.Sprintf("フィードは連続失敗により無効化されています: %s", lastError),
		Category: "feed",
		Action:   "原因を確認し、再有効化してから再度スイープしてください。",
		Disabled: true,
	}
}

// NewFeedNotDisabledError は無効化されていないフィードの再有効化要求エラーを生成する。
func NewFeedNotDisabledError() *APIError {
	return &APIError{
		Code:     ErrCodeFeedNotStopped,
		Message:  "フィードは無効化されていません。",
		Category: "feed",
		Action:   "再有効化は無効化されたフィードに対してのみ実行できます。",
	}
}

// NewInvalidLimitError は処理件数の指定が不正な場合のエラーを生成する。
func NewInvalidLimitError(raw string) *APIError {
	return &APIError{
		Code:     ErrCodeInvalidLimit,
		Message:  fmt.Sprintf("無効な件数指定です: %s", raw),
		Category: "validation",
		Action:   "limitには1から50の整数を指定してください。",
	}
}

// NewSweepFailedError はスイープ中のエラーを生成する。
func NewSweepFailedError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeSweepFailed,
		Message:  fmt.Sprintf("スイープに失敗しました: %s", reason),
		Category: "feed",
		Action:   "フィードの健全性情報を確認してください。",
	}
}

// NewRateLimitedError は手動トリガーのレート制限エラーを生成する。
func NewRateLimitedError() *APIError {
	return &APIError{
		Code:     ErrCodeRateLimited,
		Message:  "リクエストが多すぎます。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	}
}
