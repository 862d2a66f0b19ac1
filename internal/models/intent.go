package models

import (
	"fmt"
	"time"
)

// TradeIntent - намерение от генератора сигналов
type TradeIntent struct {
	ID             string    `json:"id,omitempty"`
	Symbol         string    `json:"symbol"`
	Direction      Side      `json:"direction"`
	Strategy       Strategy  `json:"strategy"`
	SignalStrength *float64  `json:"signal_strength,omitempty"`
	Exit           bool      `json:"exit,omitempty"` // закрыть позицию (symbol, direction)
	Timestamp      time.Time `json:"timestamp"`
}

// Validate проверяет обязательные поля
func (i TradeIntent) Validate() error {
	if i.Symbol == "" {
		return fmt.Errorf("intent: symbol is required")
	}
	if !i.Direction.Valid() {
		return fmt.Errorf("intent: invalid direction %q", i.Direction)
	}
	if i.Exit {
		return nil
	}
	if !i.Strategy.Valid() {
		return fmt.Errorf("intent: invalid strategy %q", i.Strategy)
	}
	if i.Strategy.Side() != i.Direction {
		return fmt.Errorf("intent: strategy %s does not match direction %s", i.Strategy, i.Direction)
	}
	return nil
}

// MarketSnapshot - рыночные данные от слоя данных, здесь не пересчитываются
type MarketSnapshot struct {
	Symbol    string    `json:"symbol"`
	Close     float64   `json:"close"`
	ATR       float64   `json:"atr"`       // 0 = неизвестен
	Bandwidth float64   `json:"bandwidth"` // ширина полос Боллинджера
	AvgVolume float64   `json:"avg_volume"`
	BestBid   float64   `json:"best_bid,omitempty"`
	BestAsk   float64   `json:"best_ask,omitempty"`
	BarClosed bool      `json:"bar_closed,omitempty"` // снимок по закрытию бара
	Timestamp time.Time `json:"timestamp"`
}

// ATRPercent - ATR в долях цены
func (m MarketSnapshot) ATRPercent() float64 {
	if m.Close <= 0 {
		return 0
	}
	return m.ATR / m.Close
}
