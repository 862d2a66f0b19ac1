// Package protect - защитные ордера позиций.
//
// Трендовые стратегии получают STOP_MARKET closePosition, который после
// активации подтягивается за ценой. Замена идёт в два шага: сначала
// ставится новый стоп, старый отменяется только после его подтверждения
// (это делает стор). Mean-reversion получают фиксированные TP и SL.
package protect

import (
	"context"
	"fmt"

	"riskengine/internal/config"
	"riskengine/internal/exchange"
	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

// Config - параметры защитных ордеров
type Config struct {
	ActivatePriceRate float64 // трейлинг включается после entry*(1±rate)
	TrailingPercent   float64
	TrailMinStep      float64 // минимальное относительное подтягивание стопа
	MaxLossPercent    float64 // стоп трендовых стратегий
	MeanReversionTP   float64
	MeanReversionSL   float64
	MaxHoldingTrend   int // в барах, 0 - без лимита
	MaxHoldingRevert  int
}

// ConfigFrom собирает Config из секций файла конфигурации
func ConfigFrom(t config.TradingConfig, r config.RiskConfig) Config {
	return Config{
		ActivatePriceRate: t.ActivatePriceRate,
		TrailingPercent:   t.TrailingPercent,
		TrailMinStep:      t.TrailMinStep,
		MaxLossPercent:    t.MaxLossPercent,
		MeanReversionTP:   t.MeanReversionTP,
		MeanReversionSL:   t.MeanReversionSL,
		MaxHoldingTrend:   r.MaxHoldingBars.Trend,
		MaxHoldingRevert:  r.MaxHoldingBars.Reversion,
	}
}

// Placer регистрирует ордер в сторе и отправляет его на биржу.
// При ошибке отправки ордер уже помечен неудавшимся.
type Placer interface {
	Place(ctx context.Context, o *models.Order) (exchange.Ack, error)
}

// FilterSource - фильтры символа для округления цен
type FilterSource interface {
	Filters(symbol string) (exchange.SymbolFilters, bool)
}

// DirectiveKind - что сделать с позицией
type DirectiveKind int

const (
	DirectiveReplaceStop DirectiveKind = iota + 1
	DirectiveForceExit
)

func (k DirectiveKind) String() string {
	switch k {
	case DirectiveReplaceStop:
		return "replace_stop"
	case DirectiveForceExit:
		return "force_exit"
	default:
		return "unknown"
	}
}

// Directive - результат OnPriceUpdate
type Directive struct {
	Kind      DirectiveKind
	Symbol    string
	Side      models.Side
	StopPrice float64 // новый стоп для ReplaceStop
	Reason    string
}

// Manager ставит и ведёт защитные ордера
type Manager struct {
	cfg     Config
	placer  Placer
	filters FilterSource
	log     *utils.Logger
}

// NewManager создаёт менеджер защитных ордеров
func NewManager(cfg Config, placer Placer, filters FilterSource) *Manager {
	return &Manager{
		cfg:     cfg,
		placer:  placer,
		filters: filters,
		log:     utils.L().WithComponent("protect"),
	}
}

// Attach ставит защиту новой позиции и возвращает client id стопа и TP.
//
// Ошибка означает, что стопа нет: позиция аномальна, движок закрывает
// её рыночным ордером. Неудачный TP mean-reversion позицию не ломает,
// стоп остаётся.
func (m *Manager) Attach(ctx context.Context, p *models.Position) (stopID, takeProfitID string, err error) {
	stop := m.StopOrder(p, m.InitialStop(p))
	if _, err := m.placer.Place(ctx, stop); err != nil {
		return "", "", fmt.Errorf("place stop for %s: %w", p.Key(), err)
	}
	m.log.Info("stop placed",
		utils.Symbol(p.Symbol), utils.Side(string(p.Side)), utils.ClientOrderID(stop.ClientOrderID), utils.Price(stop.StopPrice))

	if p.Strategy.IsTrend() {
		return stop.ClientOrderID, "", nil
	}

	tp := m.TakeProfitOrder(p)
	if _, err := m.placer.Place(ctx, tp); err != nil {
		m.log.Warn("take profit placement failed, position keeps its stop",
			utils.Symbol(p.Symbol), utils.Side(string(p.Side)), utils.Err(err))
		return stop.ClientOrderID, "", nil
	}
	return stop.ClientOrderID, tp.ClientOrderID, nil
}

// Replace ставит подтянутый стоп. Прежний стоп отменяется после
// подтверждения нового.
func (m *Manager) Replace(ctx context.Context, p *models.Position, stopPrice float64) (string, error) {
	stop := m.StopOrder(p, stopPrice)
	if _, err := m.placer.Place(ctx, stop); err != nil {
		return "", fmt.Errorf("replace stop for %s: %w", p.Key(), err)
	}
	m.log.Info("trailing stop moved",
		utils.Symbol(p.Symbol), utils.Side(string(p.Side)),
		utils.Float64("from", p.StopPrice), utils.Float64("to", stop.StopPrice))
	return stop.ClientOrderID, nil
}

// InitialStop - цена начального стопа
func (m *Manager) InitialStop(p *models.Position) float64 {
	pct := m.cfg.MaxLossPercent
	if !p.Strategy.IsTrend() {
		pct = m.cfg.MeanReversionSL
	}
	if p.Side == models.SideLong {
		return m.roundPrice(p.Symbol, p.EntryPrice*(1-pct))
	}
	return m.roundPrice(p.Symbol, p.EntryPrice*(1+pct))
}

// TakeProfitPrice - цена тейк-профита mean-reversion
func (m *Manager) TakeProfitPrice(p *models.Position) float64 {
	if p.Side == models.SideLong {
		return m.roundPrice(p.Symbol, p.EntryPrice*(1+m.cfg.MeanReversionTP))
	}
	return m.roundPrice(p.Symbol, p.EntryPrice*(1-m.cfg.MeanReversionTP))
}

// StopOrder - STOP_MARKET closePosition для позиции
func (m *Manager) StopOrder(p *models.Position, stopPrice float64) *models.Order {
	return &models.Order{
		ClientOrderID: models.NewClientOrderID(models.RoleStop),
		Symbol:        p.Symbol,
		Side:          p.Side.ExitOrderSide(),
		PositionSide:  p.Side,
		Type:          models.OrderTypeStopMarket,
		Role:          models.RoleStop,
		Strategy:      p.Strategy,
		StopPrice:     m.roundPrice(p.Symbol, stopPrice),
		ClosePosition: true,
	}
}

// TakeProfitOrder - TAKE_PROFIT_MARKET closePosition для позиции
func (m *Manager) TakeProfitOrder(p *models.Position) *models.Order {
	return &models.Order{
		ClientOrderID: models.NewClientOrderID(models.RoleTakeProfit),
		Symbol:        p.Symbol,
		Side:          p.Side.ExitOrderSide(),
		PositionSide:  p.Side,
		Type:          models.OrderTypeTakeProfit,
		Role:          models.RoleTakeProfit,
		Strategy:      p.Strategy,
		StopPrice:     m.TakeProfitPrice(p),
		ClosePosition: true,
	}
}

// OnPriceUpdate ведёт экстремум цены, трейлинг и счётчик баров.
// Меняет p: вызывается под lock'ом позиции в сторе.
func (m *Manager) OnPriceUpdate(p *models.Position, price float64, barClosed bool) []Directive {
	if p == nil || !p.IsOpen() || price <= 0 {
		return nil
	}
	var out []Directive
	p.Mark(price)

	if p.Strategy.IsTrend() {
		if d, ok := m.trail(p, price); ok {
			out = append(out, d)
		}
	}

	if barClosed {
		p.HoldingBars++
		if limit := m.maxHolding(p.Strategy); limit > 0 && p.HoldingBars >= limit && !p.Closing {
			out = append(out, Directive{
				Kind:   DirectiveForceExit,
				Symbol: p.Symbol,
				Side:   p.Side,
				Reason: fmt.Sprintf("max_holding_bars %d", limit),
			})
		}
	}
	return out
}

// trail - новый стоп, если он подтягивается не меньше чем на TrailMinStep
func (m *Manager) trail(p *models.Position, price float64) (Directive, bool) {
	long := p.Side == models.SideLong
	if p.BestPrice == 0 || (long && price > p.BestPrice) || (!long && price < p.BestPrice) {
		p.BestPrice = price
	}

	if !p.TrailActive {
		activated := long && price >= p.EntryPrice*(1+m.cfg.ActivatePriceRate) ||
			!long && price <= p.EntryPrice*(1-m.cfg.ActivatePriceRate)
		if !activated {
			return Directive{}, false
		}
		p.TrailActive = true
		m.log.Debug("trailing activated", utils.Symbol(p.Symbol), utils.Side(string(p.Side)), utils.Price(price))
	}

	// Предыдущая замена ещё не подтверждена
	if p.PendingStopID != "" || p.StopOrderID == "" || p.Closing {
		return Directive{}, false
	}

	var candidate float64
	if long {
		candidate = m.roundPrice(p.Symbol, p.BestPrice*(1-m.cfg.TrailingPercent))
		if candidate >= price || candidate <= p.StopPrice*(1+m.cfg.TrailMinStep) {
			return Directive{}, false
		}
	} else {
		candidate = m.roundPrice(p.Symbol, p.BestPrice*(1+m.cfg.TrailingPercent))
		if candidate <= price || (p.StopPrice > 0 && candidate >= p.StopPrice*(1-m.cfg.TrailMinStep)) {
			return Directive{}, false
		}
	}
	return Directive{
		Kind:      DirectiveReplaceStop,
		Symbol:    p.Symbol,
		Side:      p.Side,
		StopPrice: candidate,
		Reason:    "trailing",
	}, true
}

func (m *Manager) maxHolding(s models.Strategy) int {
	if s.IsTrend() {
		return m.cfg.MaxHoldingTrend
	}
	return m.cfg.MaxHoldingRevert
}

func (m *Manager) roundPrice(symbol string, price float64) float64 {
	if m.filters == nil {
		return price
	}
	if f, ok := m.filters.Filters(symbol); ok && f.TickSize > 0 {
		return f.RoundPrice(price)
	}
	return price
}
