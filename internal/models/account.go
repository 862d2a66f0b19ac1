package models

import "time"

// AccountState - снимок состояния счёта для чтения (API, события).
// Владелец изменяемого состояния - risk.Account.
type AccountState struct {
	Equity            float64   `json:"equity"`
	AvailableMargin   float64   `json:"available_margin"`
	UsedMargin        float64   `json:"used_margin"`
	ReservedMargin    float64   `json:"reserved_margin"`
	MarginUsage       float64   `json:"margin_usage"`
	DailyRealizedPnL  float64   `json:"daily_realized_pnl"`
	DailyTrades       int       `json:"daily_trades"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	CooldownUntil     time.Time `json:"cooldown_until,omitempty"`
	DayStart          time.Time `json:"day_start"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// InCooldown - активен ли cooldown на момент now
func (a AccountState) InCooldown(now time.Time) bool {
	return !a.CooldownUntil.IsZero() && now.Before(a.CooldownUntil)
}
