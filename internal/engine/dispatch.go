package engine

import (
	"context"
	"fmt"

	"riskengine/internal/exchange"
	"riskengine/internal/models"
	"riskengine/internal/store"
	"riskengine/pkg/utils"
)

// goDispatch выполняет сетевую работу вне потребителя
func (e *Engine) goDispatch(fn func(ctx context.Context)) {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SubmitTimeout)
		defer cancel()
		fn(ctx)
	}()
}

// dispatch исполняет действие стора
func (e *Engine) dispatch(a store.Action) {
	switch a.Kind {
	case store.ActionAttach:
		p := a.Position
		if p == nil {
			return
		}
		e.goDispatch(func(ctx context.Context) {
			stopID, _, err := e.protect.Attach(ctx, p)
			if err != nil {
				e.log.Error("protection attach failed",
					utils.Symbol(p.Symbol), utils.Side(string(p.Side)), utils.Err(err))
			}
			e.post(msgAttached{key: p.Key(), stopID: stopID, err: err})
		})

	case store.ActionQueryOrder:
		e.goDispatch(func(ctx context.Context) {
			u, err := e.client.QueryOrder(ctx, a.Symbol, a.ClientOrderID)
			e.post(msgQueried{symbol: a.Symbol, clientOrderID: a.ClientOrderID, update: u, err: err})
		})

	case store.ActionCancelOrder:
		e.goDispatch(func(ctx context.Context) {
			err := e.client.Cancel(ctx, a.Symbol, a.ClientOrderID)
			if err != nil && !exchange.IsUnknownOrder(err) {
				e.log.Warn("cancel failed",
					utils.Symbol(a.Symbol), utils.ClientOrderID(a.ClientOrderID), utils.Reason(a.Reason), utils.Err(err))
			}
		})

	case store.ActionCancelAll:
		e.goDispatch(func(ctx context.Context) {
			if err := e.client.CancelAll(ctx, a.Symbol); err != nil {
				e.log.Warn("cancel all failed", utils.Symbol(a.Symbol), utils.Err(err))
			}
		})

	case store.ActionForceClose:
		p := a.Position
		if p == nil {
			return
		}
		e.closes.Add(1)
		e.goDispatch(func(ctx context.Context) {
			defer e.closes.Done()
			if err := e.exit(ctx, p, models.RoleForcedClose); err != nil {
				// Closing снят стором, следующий Sweep повторит
				e.log.Error("forced close failed",
					utils.Symbol(p.Symbol), utils.Side(string(p.Side)), utils.Reason(a.Reason), utils.Err(err))
			}
		})
	}
}

// exit закрывает позицию рыночным reduce-only ордером
func (e *Engine) exit(ctx context.Context, p *models.Position, role models.OrderRole) error {
	qty := p.Quantity
	if f, ok := e.client.Filters(p.Symbol); ok && f.StepSize > 0 {
		// вверх к шагу: reduce-only не даст перевернуть позицию
		qty = utils.RoundUpToStep(qty, f.StepSize)
	}
	if qty <= 0 {
		return fmt.Errorf("exit %s: empty position", p.Key())
	}
	o := &models.Order{
		ClientOrderID: models.NewClientOrderID(role),
		Symbol:        p.Symbol,
		Side:          p.Side.ExitOrderSide(),
		PositionSide:  p.Side,
		Type:          models.OrderTypeMarket,
		Role:          role,
		Strategy:      p.Strategy,
		Quantity:      qty,
		ReduceOnly:    true,
	}
	e.log.Info("closing position",
		utils.Symbol(p.Symbol), utils.Side(string(p.Side)), utils.Quantity(qty), utils.String("role", string(role)))
	_, err := e.Place(ctx, o)
	return err
}
