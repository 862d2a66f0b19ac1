package handlers

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"riskengine/internal/engine"
	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

// EngineService - то, что ops API читает и меняет в движке
type EngineService interface {
	Running() bool
	Accepting() bool
	Symbols() []string
	Positions(symbol string) []*models.Position
	OpenOrders(symbol string) []*models.Order
	ClosedPositions(limit int) []models.Position
	Account() models.AccountState
	HaltedSymbols() map[string]string
	Halt(symbol, reason string)
	Resume(symbol string) bool
	SubmitIntent(intent models.TradeIntent) error
}

// EngineHandler - состояние движка и ручное управление символами
//
// Endpoints:
// - GET  /health
// - GET  /api/v1/positions[?symbol=]
// - GET  /api/v1/positions/closed[?limit=]
// - GET  /api/v1/orders[?symbol=]
// - GET  /api/v1/account
// - GET  /api/v1/symbols
// - POST /api/v1/symbols/{symbol}/halt
// - POST /api/v1/symbols/{symbol}/resume
// - POST /api/v1/symbols/{symbol}/flatten {"side": "long"|"short"}
type EngineHandler struct {
	engine       EngineService
	maxBodyBytes int64
	log          *utils.Logger
}

// NewEngineHandler создаёт EngineHandler
func NewEngineHandler(e EngineService, maxBodyBytes int64) *EngineHandler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = 1 << 16
	}
	return &EngineHandler{engine: e, maxBodyBytes: maxBodyBytes, log: utils.L().WithComponent("api")}
}

// HealthResponse - ответ /health
type HealthResponse struct {
	Status        string    `json:"status"` // ok, draining, stopped
	Running       bool      `json:"running"`
	Accepting     bool      `json:"accepting"`
	OpenPositions int       `json:"open_positions"`
	HaltedSymbols int       `json:"halted_symbols"`
	Time          time.Time `json:"time"`
}

// SymbolStatus - символ и его остановка
type SymbolStatus struct {
	Symbol     string `json:"symbol"`
	Halted     bool   `json:"halted"`
	HaltReason string `json:"halt_reason,omitempty"`
}

// FlattenRequest - тело POST .../flatten
type FlattenRequest struct {
	Side models.Side `json:"side,omitempty"` // пусто - обе стороны
}

// FlattenResponse - стороны, по которым поставлены намерения закрытия
type FlattenResponse struct {
	Symbol string        `json:"symbol"`
	Queued []models.Side `json:"queued"`
}

// Health - живость движка; 503 пока движок не принимает намерения
func (h *EngineHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Running:       h.engine.Running(),
		Accepting:     h.engine.Accepting(),
		OpenPositions: len(h.engine.Positions("")),
		HaltedSymbols: len(h.engine.HaltedSymbols()),
		Time:          time.Now().UTC(),
	}
	code := http.StatusOK
	switch {
	case resp.Accepting:
		resp.Status = "ok"
	case resp.Running:
		resp.Status = "draining"
		code = http.StatusServiceUnavailable
	default:
		resp.Status = "stopped"
		code = http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, resp)
}

// GetPositions - открытые позиции
func (h *EngineHandler) GetPositions(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	positions := h.engine.Positions(symbol)
	if positions == nil {
		positions = []*models.Position{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"total":     len(positions),
	})
}

// GetClosedPositions - последние закрытые позиции из памяти
func (h *EngineHandler) GetClosedPositions(w http.ResponseWriter, r *http.Request) {
	closed := h.engine.ClosedPositions(parseLimit(r, 50, 500))
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"positions": closed,
		"total":     len(closed),
	})
}

// GetOrders - активные и потерянные ордера
func (h *EngineHandler) GetOrders(w http.ResponseWriter, r *http.Request) {
	symbol := strings.ToUpper(r.URL.Query().Get("symbol"))
	orders := h.engine.OpenOrders(symbol)
	if orders == nil {
		orders = []*models.Order{}
	}
	respondWithJSON(w, http.StatusOK, map[string]interface{}{
		"orders": orders,
		"total":  len(orders),
	})
}

// GetAccount - состояние счёта и дневные счётчики
func (h *EngineHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, h.engine.Account())
}

// GetSymbols - настроенные символы с остановками
func (h *EngineHandler) GetSymbols(w http.ResponseWriter, r *http.Request) {
	halted := h.engine.HaltedSymbols()
	symbols := h.engine.Symbols()
	out := make([]SymbolStatus, 0, len(symbols))
	for _, s := range symbols {
		reason, ok := halted[s]
		out = append(out, SymbolStatus{Symbol: s, Halted: ok, HaltReason: reason})
	}
	respondWithJSON(w, http.StatusOK, out)
}

// HaltSymbol - ручная остановка новых входов; переподключение стрима её не снимает
func (h *EngineHandler) HaltSymbol(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	h.engine.Halt(symbol, engine.HaltManual)
	h.log.Warn("symbol halted via ops api", utils.Symbol(symbol), utils.String("remote", r.RemoteAddr))
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "halted", Data: SymbolStatus{Symbol: symbol, Halted: true, HaltReason: engine.HaltManual}})
}

// ResumeSymbol снимает остановку с любой причиной
func (h *EngineHandler) ResumeSymbol(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}
	if !h.engine.Resume(symbol) {
		respondWithError(w, http.StatusConflict, CodeConflict, "symbol is not halted")
		return
	}
	h.log.Info("symbol resumed via ops api", utils.Symbol(symbol), utils.String("remote", r.RemoteAddr))
	respondWithJSON(w, http.StatusOK, SuccessResponse{Message: "resumed", Data: SymbolStatus{Symbol: symbol}})
}

// FlattenSymbol ставит в очередь закрытие открытых позиций символа.
// Закрытия идут через воркер символа и проходят и при остановке.
func (h *EngineHandler) FlattenSymbol(w http.ResponseWriter, r *http.Request) {
	symbol, ok := h.symbol(w, r)
	if !ok {
		return
	}

	var req FlattenRequest
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "failed to read body")
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &req); err != nil {
			respondWithError(w, http.StatusBadRequest, CodeBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Side != "" && !req.Side.Valid() {
		respondWithError(w, http.StatusBadRequest, CodeBadRequest, "side must be long or short")
		return
	}

	resp := FlattenResponse{Symbol: symbol, Queued: []models.Side{}}
	for _, p := range h.engine.Positions(symbol) {
		if req.Side != "" && p.Side != req.Side {
			continue
		}
		err := h.engine.SubmitIntent(models.TradeIntent{
			ID:        "ops-flatten",
			Symbol:    symbol,
			Direction: p.Side,
			Strategy:  p.Strategy,
			Exit:      true,
			Timestamp: time.Now(),
		})
		if err != nil {
			// ErrShuttingDown, ErrNotRunning, ErrQueueFull
			respondWithError(w, http.StatusServiceUnavailable, CodeUnavailable, "flatten not queued: "+err.Error())
			return
		}
		resp.Queued = append(resp.Queued, p.Side)
	}
	if len(resp.Queued) == 0 {
		respondWithError(w, http.StatusNotFound, CodeNoPosition, "no open position")
		return
	}
	h.log.Warn("flatten requested via ops api", utils.Symbol(symbol), utils.Any("sides", resp.Queued))
	respondWithJSON(w, http.StatusAccepted, resp)
}

// symbol достаёт {symbol} из пути и проверяет, что он настроен
func (h *EngineHandler) symbol(w http.ResponseWriter, r *http.Request) (string, bool) {
	symbol := strings.ToUpper(mux.Vars(r)["symbol"])
	for _, s := range h.engine.Symbols() {
		if s == symbol {
			return symbol, true
		}
	}
	respondWithError(w, http.StatusNotFound, CodeUnknownSymbol, "symbol is not configured: "+symbol)
	return "", false
}
