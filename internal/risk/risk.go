// Package risk - пре-трейд проверки, сайзинг и дневные лимиты.
//
// Отказ - это значение Decision, не ошибка. Принятое намерение резервирует
// слот дневной сделки и маржу; резерв снимается Release, если отправка
// не удалась, или переходит в занятую маржу через Commit.
package risk

import (
	"fmt"
	"time"

	"riskengine/internal/config"
	"riskengine/internal/exchange"
	"riskengine/internal/metrics"
	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

// Config - параметры риск-контроля
type Config struct {
	RiskPerTrade      float64
	MaxMarginUsage    float64
	MaxDailyLoss      float64 // доля equity
	MaxDailyTrades    int
	SlippagePercent   float64 // проценты спреда
	ConsecutiveLosses int
	CooldownPeriod    time.Duration
	MinBandwidth      float64
	MinVolume         float64
	ATRStopMultiplier float64
	VolatilityScaling bool
	DailyResetHour    int
	Leverage          int

	// Стоп в долях цены, когда ATR неизвестен
	TrendStopPercent     float64
	ReversionStopPercent float64
}

// ConfigFrom собирает Config из секций файла конфигурации
func ConfigFrom(t config.TradingConfig, r config.RiskConfig) Config {
	return Config{
		RiskPerTrade:         r.RiskPerTrade,
		MaxMarginUsage:       r.MaxMarginUsage,
		MaxDailyLoss:         r.MaxDailyLoss,
		MaxDailyTrades:       r.MaxDailyTrades,
		SlippagePercent:      r.SlippagePercent,
		ConsecutiveLosses:    r.ConsecutiveLosses,
		CooldownPeriod:       r.CooldownPeriod,
		MinBandwidth:         r.MinBandwidthThreshold,
		MinVolume:            r.MinVolume,
		ATRStopMultiplier:    r.ATRStopMultiplier,
		VolatilityScaling:    r.VolatilityScaling,
		DailyResetHour:       r.DailyResetHour,
		Leverage:             t.Leverage,
		TrendStopPercent:     t.MaxLossPercent,
		ReversionStopPercent: t.MeanReversionSL,
	}
}

// Limits - ограничения размера ордера символа
type Limits struct {
	StepSize    float64
	MinQty      float64
	MaxQty      float64
	MinNotional float64
}

// LimitsFrom берёт ограничения из фильтров биржи
func LimitsFrom(f exchange.SymbolFilters) Limits {
	return Limits{
		StepSize:    f.StepSize,
		MinQty:      f.MinQty,
		MaxQty:      f.MaxMarketQty(),
		MinNotional: f.MinNotional,
	}
}

// PositionLookup - чтение позиций и входов стора
type PositionLookup interface {
	Position(symbol string, side models.Side) (*models.Position, bool)
	// ActiveEntry - вход стороны, который ещё может исполниться:
	// отправка в полёте, неподтверждённый или потерянный ордер
	ActiveEntry(symbol string, side models.Side) (string, bool)
}

// Reservation - зарезервированные слот сделки и маржа
type Reservation struct {
	ID     uint64
	Symbol string
	Margin float64
}

// Decision - результат Evaluate
type Decision struct {
	Accepted bool
	Reason   models.RejectReason
	Detail   string

	Quantity     float64
	Price        float64
	Notional     float64
	Margin       float64
	StopDistance float64 // доля цены

	Reservation Reservation
}

func reject(reason models.RejectReason, format string, args ...interface{}) Decision {
	return Decision{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// Engine - риск-контроль
type Engine struct {
	cfg       Config
	acct      *Account
	positions PositionLookup
	log       *utils.Logger
	now       func() time.Time

	// под acct.mu
	reservations map[uint64]Reservation
	nextID       uint64
}

// NewEngine создаёт риск-движок
func NewEngine(cfg Config, positions PositionLookup) *Engine {
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	now := time.Now()
	return &Engine{
		cfg:          cfg,
		acct:         NewAccount(cfg.DailyResetHour, now),
		positions:    positions,
		log:          utils.L().WithComponent("risk"),
		now:          time.Now,
		reservations: make(map[uint64]Reservation),
	}
}

// Account возвращает состояние счёта
func (e *Engine) Account() *Account { return e.acct }

// Evaluate проверяет намерение и считает размер.
//
// Порядок проверок: Cooldown, DailyTradeLimit, DailyLossLimit,
// MarginCeiling, InsufficientLiquidity, PositionExists, ExcessiveSlippage;
// после сайзинга - BelowMinimumSize. Проверки и резерв выполняются под
// одним lock'ом счёта.
func (e *Engine) Evaluate(intent models.TradeIntent, market models.MarketSnapshot, limits Limits) Decision {
	d := e.evaluate(intent, market, limits)
	if d.Accepted {
		metrics.RecordDecision("accepted")
		e.log.Info("intent accepted",
			utils.Symbol(intent.Symbol), utils.Strategy(string(intent.Strategy)),
			utils.Quantity(d.Quantity), utils.Float64("notional", d.Notional), utils.Float64("margin", d.Margin))
	} else {
		metrics.RecordDecision(string(d.Reason))
		e.log.Info("intent rejected",
			utils.Symbol(intent.Symbol), utils.Strategy(string(intent.Strategy)),
			utils.Reason(string(d.Reason)), utils.String("detail", d.Detail))
	}
	return d
}

func (e *Engine) evaluate(intent models.TradeIntent, market models.MarketSnapshot, limits Limits) Decision {
	if err := intent.Validate(); err != nil {
		return reject(models.RejectInvalidIntent, "%v", err)
	}
	if intent.Exit {
		return reject(models.RejectInvalidIntent, "exit intents bypass risk checks")
	}

	now := e.now()
	a := e.acct
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.rollLocked(now) {
		e.log.Info("daily counters reset", utils.String("day_start", a.dayStart.Format(time.RFC3339)))
	}
	a.expireCooldownLocked(now)

	if !a.cooldown.IsZero() && now.Before(a.cooldown) {
		return reject(models.RejectCooldown, "cooldown until %s after %d losses", a.cooldown.Format(time.RFC3339), a.lossStreak)
	}
	if e.cfg.MaxDailyTrades > 0 && a.dailyTrades >= e.cfg.MaxDailyTrades {
		return reject(models.RejectDailyTradeLimit, "%d trades today", a.dailyTrades)
	}
	if e.cfg.MaxDailyLoss > 0 && a.equity > 0 && a.dailyPnL <= -e.cfg.MaxDailyLoss*a.equity {
		return reject(models.RejectDailyLossLimit, "daily pnl %.2f", a.dailyPnL)
	}
	if a.equity <= 0 {
		return reject(models.RejectMarginCeiling, "equity unknown")
	}
	if usage := a.usageLocked(); usage >= e.cfg.MaxMarginUsage {
		return reject(models.RejectMarginCeiling, "margin usage %.4f", usage)
	}
	if e.cfg.MinVolume > 0 && market.AvgVolume < e.cfg.MinVolume {
		return reject(models.RejectInsufficientLiquidity, "avg volume %.2f below %.2f", market.AvgVolume, e.cfg.MinVolume)
	}
	if e.cfg.MinBandwidth > 0 && market.Bandwidth < e.cfg.MinBandwidth {
		return reject(models.RejectInsufficientLiquidity, "bandwidth %.4f below %.4f", market.Bandwidth, e.cfg.MinBandwidth)
	}
	if e.positions != nil {
		if p, ok := e.positions.Position(intent.Symbol, intent.Direction); ok && (p.IsOpen() || p.Attaching) {
			return reject(models.RejectPositionExists, "%s already held", p.Key())
		}
		if id, ok := e.positions.ActiveEntry(intent.Symbol, intent.Direction); ok {
			return reject(models.RejectPositionExists, "entry %s still in flight", id)
		}
	}
	if e.cfg.SlippagePercent > 0 && market.BestBid > 0 && market.BestAsk > 0 {
		if spread := utils.SpreadPercent(market.BestBid, market.BestAsk); spread > e.cfg.SlippagePercent {
			return reject(models.RejectExcessiveSlippage, "spread %.4f%% above %.4f%%", spread, e.cfg.SlippagePercent)
		}
	}

	price := market.Close
	if price <= 0 {
		return reject(models.RejectInvalidIntent, "no price for %s", intent.Symbol)
	}
	d := e.size(a, intent.Strategy, market, limits)
	if d.Reason != "" {
		return d
	}

	e.nextID++
	d.Reservation = Reservation{ID: e.nextID, Symbol: intent.Symbol, Margin: d.Margin}
	e.reservations[d.Reservation.ID] = d.Reservation
	a.reserved += d.Margin
	a.dailyTrades++
	a.updatedAt = now
	a.publish()
	d.Accepted = true
	return d
}

// size считает количество под lock'ом счёта
func (e *Engine) size(a *Account, strategy models.Strategy, market models.MarketSnapshot, limits Limits) Decision {
	price := market.Close
	stopDist := e.stopDistance(strategy, market)
	if stopDist <= 0 {
		return reject(models.RejectInvalidIntent, "stop distance is zero")
	}

	notional := a.equity * e.cfg.RiskPerTrade / stopDist
	if e.cfg.VolatilityScaling && market.ATR > 0 {
		notional *= volatilityScale(market.ATRPercent())
	}

	lev := float64(e.cfg.Leverage)
	free := a.available - a.reserved
	headroom := e.cfg.MaxMarginUsage*a.equity - a.used - a.reserved
	notional = utils.Min(notional, utils.Max(free, 0)*lev)
	capped := utils.Min(notional, utils.Max(headroom, 0)*lev)
	// Без потолка маржи размер прошёл бы минимум
	headroomBound := capped < notional && e.fits(notional, price, limits)
	notional = capped

	qty := utils.RoundDownToStep(notional/price, limits.StepSize)
	if limits.MaxQty > 0 && qty > limits.MaxQty {
		qty = utils.RoundDownToStep(limits.MaxQty, limits.StepSize)
	}
	if !e.fits(notional, price, limits) {
		if headroomBound {
			return reject(models.RejectMarginCeiling, "headroom %.4f leaves qty %v below minimum", headroom, qty)
		}
		if qty <= 0 || qty < limits.MinQty {
			return reject(models.RejectBelowMinimumSize, "qty %v below min %v", qty, limits.MinQty)
		}
		return reject(models.RejectBelowMinimumSize, "notional %.4f below min %.4f", qty*price, limits.MinNotional)
	}

	return Decision{
		Quantity:     qty,
		Price:        price,
		Notional:     qty * price,
		Margin:       qty * price / lev,
		StopDistance: stopDist,
	}
}

// fits - notional даёт количество не меньше минимального
func (e *Engine) fits(notional, price float64, limits Limits) bool {
	qty := utils.RoundDownToStep(notional/price, limits.StepSize)
	if limits.MaxQty > 0 && qty > limits.MaxQty {
		qty = utils.RoundDownToStep(limits.MaxQty, limits.StepSize)
	}
	if qty <= 0 || qty < limits.MinQty {
		return false
	}
	return limits.MinNotional <= 0 || qty*price >= limits.MinNotional
}

// stopDistance - расстояние до стопа в долях цены
func (e *Engine) stopDistance(strategy models.Strategy, market models.MarketSnapshot) float64 {
	if market.ATR > 0 && market.Close > 0 && e.cfg.ATRStopMultiplier > 0 {
		return market.ATR * e.cfg.ATRStopMultiplier / market.Close
	}
	if strategy.IsTrend() {
		return e.cfg.TrendStopPercent
	}
	return e.cfg.ReversionStopPercent
}

func volatilityScale(atrPct float64) float64 {
	switch {
	case atrPct > 0.01:
		return 0.7
	case atrPct > 0.005:
		return 1.0
	default:
		return 1.2
	}
}

// Release снимает резерв неудавшейся отправки, включая слот сделки.
// Повторный вызов ничего не делает.
func (e *Engine) Release(r Reservation) {
	a := e.acct
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := e.reservations[r.ID]; !ok {
		return
	}
	delete(e.reservations, r.ID)
	a.reserved = utils.Max(a.reserved-r.Margin, 0)
	if a.dailyTrades > 0 {
		a.dailyTrades--
	}
	a.publish()
}

// Commit переводит резерв в занятую маржу после принятия ордера биржей.
// Следующий снимок счёта заменит локальную оценку.
func (e *Engine) Commit(r Reservation) {
	a := e.acct
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := e.reservations[r.ID]; !ok {
		return
	}
	delete(e.reservations, r.ID)
	a.reserved = utils.Max(a.reserved-r.Margin, 0)
	a.used += r.Margin
	a.available -= r.Margin
	a.publish()
}

// RecordClose учитывает реализованный PnL закрытой позиции.
// Убыток продлевает серию; достигнув порога, серия включает cooldown.
// Прибыль серию обнуляет.
func (e *Engine) RecordClose(pnl float64) {
	now := e.now()
	a := e.acct
	a.mu.Lock()
	defer a.mu.Unlock()

	a.rollLocked(now)
	a.dailyPnL += pnl
	a.updatedAt = now
	switch {
	case pnl < 0:
		a.lossStreak++
		if e.cfg.ConsecutiveLosses > 0 && a.lossStreak >= e.cfg.ConsecutiveLosses {
			a.cooldown = now.Add(e.cfg.CooldownPeriod)
			e.log.Warn("loss streak reached, cooldown started",
				utils.Int("losses", a.lossStreak), utils.String("until", a.cooldown.Format(time.RFC3339)))
		}
	case pnl > 0:
		a.lossStreak = 0
	}
}

// Roll сбрасывает дневные счётчики и истёкший cooldown без оценки намерения
func (e *Engine) Roll() {
	now := e.now()
	a := e.acct
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rollLocked(now)
	a.expireCooldownLocked(now)
}
