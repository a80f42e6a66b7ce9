package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/feedpipe/internal/health"
	"github.com/hitoshi/feedpipe/internal/middleware"
	"github.com/hitoshi/feedpipe/internal/model"
	"github.com/hitoshi/feedpipe/internal/repository"
	"github.com/hitoshi/feedpipe/internal/worker/sweep"
)

// FeedSweeper はフィードハンドラーが必要とするスイープのインターフェース。
type FeedSweeper interface {
	Sweep(ctx context.Context, feedID string, force bool) (*sweep.Result, error)
}

// FeedHandler はフィード単位の操作（スイープ・再有効化）のHTTPハンドラー。
type FeedHandler struct {
	sweeper FeedSweeper
	feeds   repository.FeedRepository
	logger  *slog.Logger
	now     func() time.Time
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(sweeper FeedSweeper, feeds repository.FeedRepository, logger *slog.Logger) *FeedHandler {
	return &FeedHandler{
		sweeper: sweeper,
		feeds:   feeds,
		logger:  logger,
		now:     time.Now,
	}
}

// sweepResponse はスイープ結果のAPIレスポンス。
type sweepResponse struct {
	OK bool `json:"ok"`
	*sweep.Result
}

// feedHealthResponse はフィードの健全性情報。
type feedHealthResponse struct {
	Status              string     `json:"status"`
	ReliabilityScore    int        `json:"reliabilityScore"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	ErrorCount24h       int        `json:"errorCount24h"`
	LastError           string     `json:"lastError,omitempty"`
	LastCheck           *time.Time `json:"lastCheck,omitempty"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
}

// feedResponse はフィード情報のAPIレスポンス。
type feedResponse struct {
	ID                   string             `json:"id"`
	SourceID             string             `json:"sourceId"`
	URL                  string             `json:"url"`
	Type                 string             `json:"type"`
	Active               bool               `json:"active"`
	FetchIntervalMinutes int                `json:"fetchIntervalMinutes,omitempty"`
	LastFetchedAt        *time.Time         `json:"lastFetchedAt,omitempty"`
	Health               feedHealthResponse `json:"health"`
}

// Sweep は1フィードをスイープする。
// POST /feeds/{id}/sweep[?force=true]
func (h *FeedHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	feedID := strings.TrimSpace(chi.URLParam(r, "id"))
	force := parseForce(r)

	result, err := h.sweeper.Sweep(r.Context(), feedID, force)
	if err != nil {
		h.handleSweepError(w, r, feedID, err)
		return
	}

	writeJSON(w, http.StatusOK, sweepResponse{OK: true, Result: result})
}

// Enable は無効化されたフィードを手動で再有効化する。
// POST /feeds/{id}/enable
func (h *FeedHandler) Enable(w http.ResponseWriter, r *http.Request) {
	feedID := strings.TrimSpace(chi.URLParam(r, "id"))
	if feedID == "" {
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMissingFeedIDError())
		return
	}

	feed, err := h.feeds.GetByID(r.Context(), feedID)
	if err != nil {
		h.internalError(w, "フィードの取得に失敗しました", err)
		return
	}
	if feed == nil {
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewFeedNotFoundError(feedID))
		return
	}
	if !feed.IsDisabled() {
		writeAPIErrorResponse(w, http.StatusConflict, model.NewFeedNotDisabledError())
		return
	}

	reenabled := health.Reenable(feed.Health, h.now())
	if err := h.feeds.UpdateByID(r.Context(), feedID, model.FeedPatch{Health: &reenabled}); err != nil {
		h.internalError(w, "フィードの再有効化に失敗しました", err)
		return
	}
	feed.Health = reenabled

	h.logger.Info("フィードを再有効化しました",
		slog.String("feed_id", feedID),
		slog.Int("reliability_score", reenabled.ReliabilityScore),
	)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "feed": toFeedResponse(feed)})
}

// handleSweepError はスイープのエラーをHTTPステータスに変換する。
// 未指定は400、未登録は404、無効化済みは422。それ以外は500で、失敗により無効化された場合はdisabledを付ける。
func (h *FeedHandler) handleSweepError(w http.ResponseWriter, r *http.Request, feedID string, err error) {
	var sweepErr *sweep.Error
	switch {
	case errors.Is(err, model.ErrMissingFeedID):
		writeAPIErrorResponse(w, http.StatusBadRequest, model.NewMissingFeedIDError())
	case errors.Is(err, model.ErrFeedNotFound):
		writeAPIErrorResponse(w, http.StatusNotFound, model.NewFeedNotFoundError(feedID))
	case errors.Is(err, model.ErrFeedDisabled):
		writeAPIErrorResponse(w, http.StatusUnprocessableEntity, model.NewFeedDisabledError(h.lastError(r.Context(), feedID)))
	case errors.As(err, &sweepErr):
		apiErr := model.NewSweepFailedError(sweepErr.Err.Error())
		apiErr.Disabled = sweepErr.Disabled
		writeAPIErrorResponse(w, http.StatusInternalServerError, apiErr)
	default:
		h.internalError(w, "スイープ中に内部エラーが発生しました", err)
	}
}

// lastError は無効化の原因となった最終エラーを返す。取得できない場合は空文字。
func (h *FeedHandler) lastError(ctx context.Context, feedID string) string {
	feed, err := h.feeds.GetByID(ctx, feedID)
	if err != nil || feed == nil {
		return ""
	}
	return feed.Health.LastError
}

func (h *FeedHandler) internalError(w http.ResponseWriter, msg string, err error) {
	h.logger.Error(msg, slog.String("error", err.Error()))
	middleware.WriteInternalServerError(w)
}

func toFeedResponse(feed *model.Feed) feedResponse {
	return feedResponse{
		ID:                   feed.ID,
		SourceID:             feed.SourceID,
		URL:                  feed.URL,
		Type:                 string(feed.Type),
		Active:               feed.Active,
		FetchIntervalMinutes: feed.FetchIntervalMinutes,
		LastFetchedAt:        feed.LastFetchedAt,
		Health: feedHealthResponse{
			Status:              string(feed.Health.Status),
			ReliabilityScore:    feed.Health.ReliabilityScore,
			ConsecutiveFailures: feed.Health.ConsecutiveFailures,
			ErrorCount24h:       feed.Health.ErrorCount24h,
			LastError:           feed.Health.LastError,
			LastCheck:           feed.Health.LastCheck,
			LastSuccess:         feed.Health.LastSuccess,
		},
	}
}

// parseForce はforceクエリパラメータを解釈する。"true"と"1"のみtrue。
func parseForce(r *http.Request) bool {
	switch strings.ToLower(r.URL.Query().Get("force")) {
	case "true", "1":
		return true
	default:
		return false
	}
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	middleware.WriteErrorResponse(w, statusCode, apiErr)
}
