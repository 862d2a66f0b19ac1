package engine

import (
	"context"
	"errors"
	"fmt"

	"riskengine/internal/exchange"
	"riskengine/internal/metrics"
	"riskengine/internal/models"
	"riskengine/internal/risk"
	"riskengine/internal/store"
	"riskengine/pkg/utils"
)

// worker обрабатывает намерения одного символа по очереди
func (e *Engine) worker(ctx context.Context, symbol string, ch chan models.TradeIntent) {
	log := e.log.WithSymbol(symbol)
	for {
		select {
		case <-ctx.Done():
			// Оставшиеся в очереди намерения отклоняются
			for {
				select {
				case it := <-ch:
					e.reject(it, models.RejectShuttingDown, "engine stopped")
				default:
					log.Debug("worker stopped")
					return
				}
			}
		case it := <-ch:
			e.handleIntent(it)
		}
	}
}

func (e *Engine) handleIntent(it models.TradeIntent) {
	if !e.accepting.Load() {
		e.reject(it, models.RejectShuttingDown, "engine stopped")
		return
	}
	if err := it.Validate(); err != nil {
		e.reject(it, models.RejectInvalidIntent, err.Error())
		return
	}
	if it.Exit {
		e.exitIntent(it)
		return
	}
	if reason, ok := e.Halted(it.Symbol); ok {
		e.reject(it, models.RejectSymbolHalted, reason)
		return
	}

	market, ok := e.Market(it.Symbol)
	if !ok {
		e.reject(it, models.RejectInsufficientLiquidity, "no market data")
		return
	}
	if market.BestBid <= 0 || market.BestAsk <= 0 {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SubmitTimeout)
		bid, ask, err := e.client.BookTicker(ctx, it.Symbol)
		cancel()
		if err == nil {
			market.BestBid, market.BestAsk = bid, ask
		} else {
			e.log.Warn("book ticker unavailable", utils.Symbol(it.Symbol), utils.Err(err))
		}
	}

	f, ok := e.client.Filters(it.Symbol)
	if !ok {
		e.reject(it, models.RejectInvalidIntent, "no exchange filters for symbol")
		return
	}

	d := e.risk.Evaluate(it, market, risk.LimitsFrom(f))
	if !d.Accepted {
		e.reject(it, d.Reason, d.Detail)
		return
	}

	o := &models.Order{
		ClientOrderID: models.NewClientOrderID(models.RoleEntry),
		Symbol:        it.Symbol,
		Side:          it.Direction.EntryOrderSide(),
		PositionSide:  it.Direction,
		Type:          models.OrderTypeMarket,
		Role:          models.RoleEntry,
		Strategy:      it.Strategy,
		Quantity:      d.Quantity,
	}

	e.inflight.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SubmitTimeout)
	_, err := e.Place(ctx, o)
	cancel()
	e.inflight.Done()

	switch {
	case err == nil:
		e.risk.Commit(d.Reservation)
	case errors.Is(err, exchange.ErrAmbiguousOrderState):
		// Ордер мог дойти до биржи: резерв держим как занятую маржу
		e.risk.Commit(d.Reservation)
	default:
		e.risk.Release(d.Reservation)
		e.reject(it, models.RejectSubmitFailed, err.Error())
	}
}

// exitIntent закрывает позицию по сигналу стратегии
func (e *Engine) exitIntent(it models.TradeIntent) {
	p, ok := e.store.Position(it.Symbol, it.Direction)
	if !ok || !p.IsOpen() || p.Closing {
		e.log.Debug("exit intent without open position",
			utils.Symbol(it.Symbol), utils.Side(string(it.Direction)))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SubmitTimeout)
	defer cancel()
	if err := e.exit(ctx, p, models.RoleExit); err != nil {
		e.reject(it, models.RejectSubmitFailed, err.Error())
	}
}

func (e *Engine) reject(it models.TradeIntent, reason models.RejectReason, detail string) {
	switch reason {
	case models.RejectSymbolHalted, models.RejectShuttingDown, models.RejectInvalidIntent, models.RejectSubmitFailed:
		metrics.RecordDecision(string(reason))
	}
	e.sinks.Rejection(models.RejectionEvent{Reason: reason, Detail: detail, Intent: it, Time: e.now()})
}

// Place регистрирует ордер в сторе через потребителя и отправляет его.
// Исход отправки возвращается потребителю сообщением, поэтому к моменту
// возврата стор может ещё не знать о подтверждении.
func (e *Engine) Place(ctx context.Context, o *models.Order) (exchange.Ack, error) {
	reply := make(chan store.Result, 1)
	if !e.send(ctx, msgRegister{order: o, reply: reply}) {
		return exchange.Ack{}, ErrShuttingDown
	}
	var res store.Result
	select {
	case res = <-reply:
	case <-ctx.Done():
		return exchange.Ack{}, ctx.Err()
	}
	if res.Duplicate {
		return exchange.Ack{}, fmt.Errorf("duplicate client order id %s", o.ClientOrderID)
	}
	if !res.Applied {
		return exchange.Ack{}, ErrShuttingDown
	}

	ack, err := e.client.Submit(ctx, o)
	e.post(msgSubmitted{order: o, ack: ack, err: err})
	if err != nil {
		return exchange.Ack{}, err
	}
	return ack, nil
}
