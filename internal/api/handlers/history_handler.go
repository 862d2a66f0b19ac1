package handlers

import (
	"net/http"
	"strings"
	"time"

	"riskengine/internal/models"
	"riskengine/internal/repository"
)

// TradeHistory - архив торговых событий
type TradeHistory interface {
	GetRecent(limit int) ([]*repository.TradeRecord, error)
	GetBySymbols(symbols []string, limit int) ([]*repository.TradeRecord, error)
}

// NotificationHistory - архив уведомлений
type NotificationHistory interface {
	GetRecent(limit int) ([]*repository.NotificationRecord, error)
}

// RejectionStats - статистика отказов
type RejectionStats interface {
	CountByReason(since time.Time) (map[models.RejectReason]int, error)
}

// HistoryHandler читает Postgres архив. Подключается только при
// включённой базе.
//
// Endpoints:
// - GET /api/v1/trades?symbols=BTCUSDT,ETHUSDT&limit=100
// - GET /api/v1/notifications?limit=100
// - GET /api/v1/rejections?window=24h
type HistoryHandler struct {
	trades        TradeHistory
	notifications NotificationHistory
	rejections    RejectionStats
	now           func() time.Time
}

// NewHistoryHandler создаёт HistoryHandler
func NewHistoryHandler(trades TradeHistory, notifications NotificationHistory, rejections RejectionStats) *HistoryHandler {
	return &HistoryHandler{trades: trades, notifications: notifications, rejections: rejections, now: time.Now}
}

// GetTrades - последние торговые события, опционально по символам
func (h *HistoryHandler) GetTrades(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 100, 1000)

	var symbols []string
	for _, s := range strings.Split(r.URL.Query().Get("symbols"), ",") {
		if s = strings.ToUpper(strings.TrimSpace(s)); s != "" {
			symbols = append(symbols, s)
		}
	}

	var (
		records []*repository.TradeRecord
		err     error
	)
	if len(symbols) > 0 {
		records, err = h.trades.GetBySymbols(symbols, limit)
	} else {
		records, err = h.trades.GetRecent(limit)
	}
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "failed to load trades: "+err.Error())
		return
	}
	if records == nil {
		records = []*repository.TradeRecord{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"trades": records, "total": len(records)})
}

// GetNotifications - журнал уведомлений
func (h *HistoryHandler) GetNotifications(w http.ResponseWriter, r *http.Request) {
	records, err := h.notifications.GetRecent(parseLimit(r, 100, 500))
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "failed to load notifications: "+err.Error())
		return
	}
	if records == nil {
		records = []*repository.NotificationRecord{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"notifications": records, "total": len(records)})
}

// GetRejections - число отказов по причинам за окно (по умолчанию 24h)
func (h *HistoryHandler) GetRejections(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			respondWithError(w, http.StatusBadRequest, CodeBadRequest, "window must be a positive duration")
			return
		}
		window = d
	}
	since := h.now().Add(-window)
	counts, err := h.rejections.CountByReason(since)
	if err != nil {
		respondWithError(w, http.StatusInternalServerError, CodeInternal, "failed to count rejections: "+err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{"since": since, "counts": counts})
}
