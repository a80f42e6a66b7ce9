// Package logger はJSON構造化ログの設定を提供する。
// ログ出力の失敗はパイプラインの処理に影響させない。
package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Setup はJSON構造化ログ出力のslog.Loggerを生成して返す。
// 出力はSafeHandlerでラップされ、書き込みエラーやpanicは呼び出し側に伝播しない。
func Setup(w io.Writer, level slog.Level) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: level,
	})
	return slog.New(NewSafeHandler(handler))
}

// SetupDefault はJSON構造化ログ出力をグローバルロガーとして設定し、そのロガーを返す。
// wがnilの場合はos.Stdoutに出力する。
func SetupDefault(w io.Writer, level slog.Level) *slog.Logger {
	if w == nil {
		w = os.Stdout
	}
	logger := Setup(w, level)
	slog.SetDefault(logger)
	return logger
}

// ParseLevel はLOG_LEVELの文字列をslog.Levelに変換する。不明な値はInfo。
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SafeHandler は内側のハンドラーの失敗を握りつぶすslog.Handler。
type SafeHandler struct {
	inner slog.Handler
}

// NewSafeHandler はinnerをラップしたSafeHandlerを返す。
func NewSafeHandler(inner slog.Handler) *SafeHandler {
	return &SafeHandler{inner: inner}
}

// Enabled は内側のハンドラーに委譲する。
func (h *SafeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle はレコードを出力する。内側のエラーとpanicは常に破棄してnilを返す。
func (h *SafeHandler) Handle(ctx context.Context, r slog.Record) (err error) {
	defer func() {
		if recover() != nil {
			err = nil
		}
	}()
	_ = h.inner.Handle(ctx, r)
	return nil
}

func (h *SafeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SafeHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *SafeHandler) WithGroup(name string) slog.Handler {
	return &SafeHandler{inner: h.inner.WithGroup(name)}
}
