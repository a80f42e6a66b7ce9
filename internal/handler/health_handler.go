package handler

import (
	"context"
	"log/slog"
	"net/http"
)

// Pinger はストレージへの疎通確認を行う。
type Pinger func(ctx context.Context) error

// HealthHandler はプロセスとストレージの死活確認を返す。
type HealthHandler struct {
	ping   Pinger
	logger *slog.Logger
}

// NewHealthHandler はHealthHandlerを生成する。pingがnilの場合はストレージを確認しない。
func NewHealthHandler(ping Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{ping: ping, logger: logger}
}

// Health は死活確認を返す。ストレージに接続できない場合は503。
// GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if h.ping != nil {
		if err := h.ping(r.Context()); err != nil {
			h.logger.Warn("ストレージへの疎通確認に失敗しました", slog.String("error", err.Error()))
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "storage": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "storage": "ok"})
}
