package risk

import (
	"sync"
	"time"

	"riskengine/internal/exchange"
	"riskengine/internal/metrics"
	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

// Account - изменяемое состояние счёта.
// Меняется только риск-движком; все поля под mu.
type Account struct {
	mu sync.Mutex

	equity    float64
	available float64
	used      float64
	reserved  float64

	dailyPnL    float64
	dailyTrades int
	lossStreak  int
	cooldown    time.Time
	dayStart    time.Time

	resetHour int
	updatedAt time.Time
}

// NewAccount создаёт счёт с границей суток resetHour
func NewAccount(resetHour int, now time.Time) *Account {
	return &Account{
		resetHour: resetHour,
		dayStart:  utils.DayStart(now, resetHour),
		updatedAt: now,
	}
}

// Sync переносит баланс из снимка биржи.
// Резервы и дневные счётчики - локальные, снимок их не трогает.
func (a *Account) Sync(info exchange.AccountInfo, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if info.Equity > 0 {
		a.equity = info.Equity
	} else if info.WalletBalance > 0 {
		a.equity = info.WalletBalance
	}
	a.available = info.AvailableMargin
	a.used = info.UsedMargin
	a.updatedAt = now
	a.publish()
}

// SyncWallet обновляет equity по ACCOUNT_UPDATE, если снимка ещё не было
func (a *Account) SyncWallet(wallet float64, now time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if wallet <= 0 || a.equity > 0 {
		return
	}
	a.equity = wallet
	a.available = wallet - a.used
	a.updatedAt = now
}

// State возвращает снимок для чтения
func (a *Account) State() models.AccountState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stateLocked()
}

func (a *Account) stateLocked() models.AccountState {
	return models.AccountState{
		Equity:            a.equity,
		AvailableMargin:   a.available,
		UsedMargin:        a.used,
		ReservedMargin:    a.reserved,
		MarginUsage:       a.usageLocked(),
		DailyRealizedPnL:  a.dailyPnL,
		DailyTrades:       a.dailyTrades,
		ConsecutiveLosses: a.lossStreak,
		CooldownUntil:     a.cooldown,
		DayStart:          a.dayStart,
		UpdatedAt:         a.updatedAt,
	}
}

// usageLocked - доля equity под маржой с учётом резервов
func (a *Account) usageLocked() float64 {
	if a.equity <= 0 {
		return 0
	}
	return (a.used + a.reserved) / a.equity
}

// rollLocked сбрасывает дневные счётчики на границе суток
func (a *Account) rollLocked(now time.Time) bool {
	start := utils.DayStart(now, a.resetHour)
	if !start.After(a.dayStart) {
		return false
	}
	a.dayStart = start
	a.dailyPnL = 0
	a.dailyTrades = 0
	return true
}

// expireCooldownLocked - по истечении cooldown серия убытков обнуляется
func (a *Account) expireCooldownLocked(now time.Time) {
	if !a.cooldown.IsZero() && !now.Before(a.cooldown) {
		a.cooldown = time.Time{}
		a.lossStreak = 0
	}
}

func (a *Account) publish() {
	metrics.MarginUsage.Set(a.usageLocked())
}
