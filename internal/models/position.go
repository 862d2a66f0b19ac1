package models

import (
	"fmt"
	"time"
)

// Side - сторона позиции
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite возвращает противоположную сторону
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// EntryOrderSide - сторона ордера, открывающего позицию
func (s Side) EntryOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitOrderSide - сторона ордера, закрывающего позицию
func (s Side) ExitOrderSide() OrderSide {
	if s == SideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// Valid проверяет значение
func (s Side) Valid() bool {
	return s == SideLong || s == SideShort
}

// Strategy - тип стратегии, открывшей позицию
type Strategy string

const (
	StrategyTrendLong      Strategy = "trend_long"
	StrategyTrendShort     Strategy = "trend_short"
	StrategyReversionLong  Strategy = "reversion_long"
	StrategyReversionShort Strategy = "reversion_short"
)

// IsTrend - трендовые стратегии используют трейлинг-стоп
func (s Strategy) IsTrend() bool {
	return s == StrategyTrendLong || s == StrategyTrendShort
}

// Side возвращает сторону позиции для стратегии
func (s Strategy) Side() Side {
	if s == StrategyTrendShort || s == StrategyReversionShort {
		return SideShort
	}
	return SideLong
}

// Valid проверяет значение
func (s Strategy) Valid() bool {
	switch s {
	case StrategyTrendLong, StrategyTrendShort, StrategyReversionLong, StrategyReversionShort:
		return true
	}
	return false
}

// PositionKey - ключ позиции: не более одной на (symbol, side)
type PositionKey struct {
	Symbol string `json:"symbol"`
	Side   Side   `json:"side"`
}

func (k PositionKey) String() string {
	return fmt.Sprintf("%s/%s", k.Symbol, k.Side)
}

// Position - открытая позиция.
//
// Защитные ордера хранятся как client order id (слабая ссылка в арену
// ордеров стора), позиция ордерами не владеет.
type Position struct {
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Strategy   Strategy  `json:"strategy"`
	EntryPrice float64   `json:"entry_price"`
	Quantity   float64   `json:"quantity"`
	Leverage   int       `json:"leverage"`
	EntryTime  time.Time `json:"entry_time"`

	// Защитные ордера
	StopOrderID       string  `json:"stop_order_id,omitempty"`
	TakeProfitOrderID string  `json:"take_profit_order_id,omitempty"`
	PendingStopID     string  `json:"pending_stop_id,omitempty"` // замена трейлинг-стопа в полёте
	StopPrice         float64 `json:"stop_price,omitempty"`
	TakeProfitPrice   float64 `json:"take_profit_price,omitempty"`
	TrailActive       bool    `json:"trail_active"`
	BestPrice         float64 `json:"best_price,omitempty"` // экстремум цены с момента входа

	// Окно атомарного open/attach; после дедлайна позиция без стопа - аномалия
	AttachDeadline time.Time `json:"attach_deadline,omitempty"`
	Attaching      bool      `json:"attaching"`
	Closing        bool      `json:"closing"`

	MarkPrice     float64   `json:"mark_price,omitempty"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	HoldingBars   int       `json:"holding_bars"`
	LastBarAt     time.Time `json:"last_bar_at,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`

	// Время биржи (ms), на которое количество сверено со снимком.
	// Исполнения не позже этой метки уже учтены снимком.
	SyncedAt int64 `json:"-"`
	// Время биржи (ms) последнего исполнения, изменившего количество.
	// Цены, стопы и PnL эту метку не двигают.
	FillTx int64 `json:"-"`
}

// Key возвращает ключ позиции
func (p *Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Side: p.Side}
}

// Clone возвращает независимую копию (для снимков в событиях)
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// IsOpen - позиция с ненулевым количеством
func (p *Position) IsOpen() bool {
	return p.Quantity > 0
}

// Protected - у позиции есть активный стоп
func (p *Position) Protected() bool {
	return p.StopOrderID != ""
}

// Notional - номинал по цене входа
func (p *Position) Notional() float64 {
	return p.EntryPrice * p.Quantity
}

// Margin - маржа под позицию
func (p *Position) Margin() float64 {
	lev := p.Leverage
	if lev < 1 {
		lev = 1
	}
	return p.Notional() / float64(lev)
}

// PnLAt - нереализованный PnL при цене price
func (p *Position) PnLAt(price float64) float64 {
	if p.Side == SideLong {
		return (price - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - price) * p.Quantity
}

// Mark обновляет mark price и нереализованный PnL
func (p *Position) Mark(price float64) {
	if price <= 0 {
		return
	}
	p.MarkPrice = price
	p.UnrealizedPnL = p.PnLAt(price)
}
