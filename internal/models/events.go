package models

import "time"

// TradeEventKind - тип события позиции
type TradeEventKind string

const (
	TradeEventOpen        TradeEventKind = "open"
	TradeEventAdjust      TradeEventKind = "adjust"
	TradeEventClose       TradeEventKind = "close"
	TradeEventAnomaly     TradeEventKind = "anomaly"
	TradeEventForcedClose TradeEventKind = "forced_close"
)

// TradeEvent - событие позиции с полным снимком на момент события
type TradeEvent struct {
	Kind     TradeEventKind `json:"kind"`
	Position Position       `json:"position"`
	Reason   string         `json:"reason,omitempty"`
	PnL      float64        `json:"pnl,omitempty"` // реализованный PnL для close
	Time     time.Time      `json:"time"`

	// PnL неизвестен: позиция закрыта сверкой, исполнения не наблюдались
	PnLUnknown bool `json:"pnl_unknown,omitempty"`
}

// RejectReason - причина отказа риск-контроля
type RejectReason string

const (
	RejectCooldown              RejectReason = "Cooldown"
	RejectDailyTradeLimit       RejectReason = "DailyTradeLimit"
	RejectDailyLossLimit        RejectReason = "DailyLossLimit"
	RejectMarginCeiling         RejectReason = "MarginCeiling"
	RejectInsufficientLiquidity RejectReason = "InsufficientLiquidity"
	RejectPositionExists        RejectReason = "PositionExists"
	RejectExcessiveSlippage     RejectReason = "ExcessiveSlippage"
	RejectBelowMinimumSize      RejectReason = "BelowMinimumSize"
	RejectSymbolHalted          RejectReason = "SymbolHalted"
	RejectShuttingDown          RejectReason = "ShuttingDown"
	RejectInvalidIntent         RejectReason = "InvalidIntent"
	RejectSubmitFailed          RejectReason = "SubmitFailed"
)

// RejectionEvent - отказ по намерению, для наблюдаемости
type RejectionEvent struct {
	Reason RejectReason `json:"reason"`
	Detail string       `json:"detail,omitempty"`
	Intent TradeIntent  `json:"intent"`
	Time   time.Time    `json:"time"`
}
