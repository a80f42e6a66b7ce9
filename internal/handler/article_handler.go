package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/hitoshi/feedpipe/internal/middleware"
	"github.com/hitoshi/feedpipe/internal/model"
	"github.com/hitoshi/feedpipe/internal/worker/process"
)

// QueueProcessor は記事キューを処理する。
type QueueProcessor interface {
	ProcessQueue(ctx context.Context, limit int) (process.Result, error)
}

// ArticleHandler は記事キュー処理のHTTPハンドラー。
type ArticleHandler struct {
	processor QueueProcessor
	logger    *slog.Logger
}

// NewArticleHandler はArticleHandlerを生成する。
func NewArticleHandler(processor QueueProcessor, logger *slog.Logger) *ArticleHandler {
	return &ArticleHandler{processor: processor, logger: logger}
}

// processQueueResponse は記事キュー処理のAPIレスポンス。
type processQueueResponse struct {
	OK         bool  `json:"ok"`
	Processed  int   `json:"processed"`
	Skipped    int   `json:"skipped"`
	Failed     int   `json:"failed"`
	DurationMs int64 `json:"durationMs"`
}

// ProcessQueue はqueuedの記事を処理する。limitは1〜50（省略時10）。
// POST /articles/process-queue?limit=N
func (h *ArticleHandler) ProcessQueue(w http.ResponseWriter, r *http.Request) {
	limit := process.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > process.MaxLimit {
			writeAPIErrorResponse(w, http.StatusBadRequest, model.NewInvalidLimitError(raw))
			return
		}
		limit = n
	}

	res, err := h.processor.ProcessQueue(r.Context(), limit)
	if err != nil {
		h.logger.Error("記事キューの処理に失敗しました", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	writeJSON(w, http.StatusOK, processQueueResponse{
		OK:         true,
		Processed:  res.Processed,
		Skipped:    res.Skipped,
		Failed:     res.Failed,
		DurationMs: res.Duration.Milliseconds(),
	})
}
