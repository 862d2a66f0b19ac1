package engine

import (
	"context"
	"errors"
	"time"

	"riskengine/internal/exchange"
	"riskengine/internal/metrics"
	"riskengine/internal/models"
	"riskengine/internal/protect"
	"riskengine/internal/store"
	"riskengine/pkg/utils"
)

// message - вход потребителя
type message interface{}

type msgEvent struct{ ev exchange.Event }

// msgRegister - регистрация ордера перед отправкой
type msgRegister struct {
	order *models.Order
	reply chan store.Result
}

// msgSubmitted - исход Submit
type msgSubmitted struct {
	order *models.Order
	ack   exchange.Ack
	err   error
}

// msgQueried - исход запроса статуса потерянного ордера
type msgQueried struct {
	symbol        string
	clientOrderID string
	update        exchange.OrderUpdate
	err           error
}

// msgAttached - исход постановки защиты
type msgAttached struct {
	key    models.PositionKey
	stopID string
	err    error
}

// msgDone снимает отметку busy
type msgDone struct{ key busyKey }

type msgPrice struct {
	symbol    string
	price     float64
	barClosed bool
}

type msgSweep struct{ now time.Time }

// consume - единственный писатель стора
func (e *Engine) consume(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.drainInbox()
			return
		case m := <-e.in:
			e.handle(m)
		}
	}
}

// drainInbox отвечает ожидающим регистрациям, чтобы не оставить их висеть
func (e *Engine) drainInbox() {
	for {
		select {
		case m := <-e.in:
			if r, ok := m.(msgRegister); ok {
				r.reply <- store.Result{}
			}
		default:
			return
		}
	}
}

func (e *Engine) handle(m message) {
	switch m := m.(type) {
	case msgEvent:
		e.handleEvent(m.ev)

	case msgRegister:
		res := e.store.Register(m.order)
		if res.Order != nil {
			e.sinks.Order(*res.Order)
		}
		m.reply <- res

	case msgSubmitted:
		e.handleSubmitted(m)

	case msgQueried:
		e.handleQueried(m)

	case msgAttached:
		// При ошибке стоп уже помечен неудавшимся, стор закрывает позицию
		if m.err == nil {
			e.store.Attached(m.key.Symbol, m.key.Side)
		}

	case msgDone:
		delete(e.busy, m.key)

	case msgPrice:
		e.handlePrice(m)

	case msgSweep:
		e.process(e.store.Sweep(m.now))
	}
}

func (e *Engine) handleEvent(ev exchange.Event) {
	switch ev.Kind {
	case exchange.EventStreamState:
		e.handleStreamState(ev)
		return

	case exchange.EventResync:
		if ev.Epoch > e.epoch {
			e.epoch = ev.Epoch
		}
		if ev.Snapshot == nil {
			return
		}
		e.risk.Account().Sync(ev.Snapshot.Account, e.now())
		e.log.Info("applying snapshot",
			utils.Epoch(ev.Epoch), utils.Int("orders", len(ev.Snapshot.OpenOrders)), utils.Int("positions", len(ev.Snapshot.Positions)))

	case exchange.EventAccountUpdate:
		if ev.Account != nil {
			e.risk.Account().SyncWallet(ev.Account.WalletBalance, e.now())
		}

	case exchange.EventOrderUpdate:
		if ev.Epoch != 0 && ev.Epoch < e.epoch {
			e.log.Debug("event from previous connection",
				utils.Epoch(ev.Epoch), utils.Any("current", e.epoch))
		}
	}
	e.process(e.store.ApplyEvent(ev))
}

func (e *Engine) handleStreamState(ev exchange.Event) {
	st := ev.Stream
	if st == nil {
		return
	}
	switch st.State {
	case exchange.StateConnected:
		e.resumeReason(HaltStreamFailed)
	case exchange.StateReconnecting:
		e.log.Warn("stream reconnecting", utils.Attempt(st.Attempt), utils.Err(st.Err))
	case exchange.StateFailed:
		e.log.Error("stream failed, halting all symbols", utils.Err(st.Err))
		for _, s := range e.cfg.Symbols {
			e.Halt(s, HaltStreamFailed)
		}
		msg := "reconnect attempts exhausted"
		if st.Err != nil {
			msg += ": " + st.Err.Error()
		}
		e.notify.Notify(models.Notification{
			Timestamp: e.now(),
			Type:      models.NotificationTypeStreamFailed,
			Severity:  models.SeverityError,
			Message:   msg,
		})
		e.scheduleRestart()
	}
}

// scheduleRestart перезапускает стрим после паузы
func (e *Engine) scheduleRestart() {
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		select {
		case <-time.After(e.cfg.RestartDelay):
		case <-e.done:
			return
		}
		if !e.accepting.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SubmitTimeout)
		defer cancel()
		if err := e.client.Restart(ctx); err != nil {
			e.log.Error("stream restart failed", utils.Err(err))
		}
	}()
}

func (e *Engine) handleSubmitted(m msgSubmitted) {
	o := m.order
	if m.err == nil {
		e.process(e.store.ApplyEvent(exchange.Event{
			Kind:  exchange.EventOrderUpdate,
			Time:  e.now(),
			Order: ackUpdate(o, m.ack),
		}))
		return
	}
	if errors.Is(m.err, exchange.ErrAmbiguousOrderState) {
		// Ордер остаётся pending: разрешит сверка или запрос статуса
		e.recordAmbiguous(o.Symbol, o.ClientOrderID, m.err)
		return
	}
	e.process(e.store.Fail(o.Symbol, o.ClientOrderID, m.err.Error()))
}

func ackUpdate(o *models.Order, ack exchange.Ack) *exchange.OrderUpdate {
	u := ack.Update(o.Symbol)
	if u.ClientOrderID == "" {
		u.ClientOrderID = o.ClientOrderID
	}
	u.Side = o.Side
	u.Type = o.Type
	return &u
}

func (e *Engine) handleQueried(m msgQueried) {
	switch {
	case m.err == nil:
		u := m.update
		e.process(e.store.ApplyEvent(exchange.Event{Kind: exchange.EventOrderUpdate, Time: e.now(), Order: &u}))
	case exchange.IsUnknownOrder(m.err):
		// Биржа ордер не видела
		e.process(e.store.Fail(m.symbol, m.clientOrderID, "not found on exchange"))
	case errors.Is(m.err, exchange.ErrAmbiguousOrderState):
		e.recordAmbiguous(m.symbol, m.clientOrderID, m.err)
	default:
		e.log.Warn("order status query failed",
			utils.Symbol(m.symbol), utils.ClientOrderID(m.clientOrderID), utils.Err(m.err))
	}
}

func (e *Engine) handlePrice(m msgPrice) {
	for _, side := range []models.Side{models.SideLong, models.SideShort} {
		var dirs []protect.Directive
		var snap *models.Position
		ok := e.store.UpdatePosition(m.symbol, side, func(p *models.Position) {
			dirs = e.protect.OnPriceUpdate(p, m.price, m.barClosed)
			snap = p.Clone()
		})
		if !ok {
			continue
		}
		for _, d := range dirs {
			e.direct(d, snap)
		}
	}
}

// direct исполняет директиву защитного менеджера
func (e *Engine) direct(d protect.Directive, p *models.Position) {
	bk := busyKey{key: p.Key(), kind: d.Kind}
	if e.busy[bk] {
		return
	}
	e.busy[bk] = true

	switch d.Kind {
	case protect.DirectiveReplaceStop:
		e.goDispatch(func(ctx context.Context) {
			defer e.post(msgDone{key: bk})
			if _, err := e.protect.Replace(ctx, p, d.StopPrice); err != nil {
				e.log.Warn("stop replacement failed",
					utils.Symbol(p.Symbol), utils.Side(string(p.Side)), utils.Err(err))
			}
		})
	case protect.DirectiveForceExit:
		e.log.Info("holding limit reached, exiting",
			utils.Symbol(p.Symbol), utils.Side(string(p.Side)), utils.Reason(d.Reason))
		e.goDispatch(func(ctx context.Context) {
			defer e.post(msgDone{key: bk})
			if err := e.exit(ctx, p, models.RoleExit); err != nil {
				e.log.Warn("holding exit failed", utils.Symbol(p.Symbol), utils.Err(err))
			}
		})
	}
}

// process раздаёт итог применения: события, аномалии, действия
func (e *Engine) process(res store.Result) {
	if res.Applied && res.Order != nil {
		e.sinks.Order(*res.Order)
	}
	for _, te := range res.Trades {
		e.sinks.TradeEvent(te)
		switch te.Kind {
		case models.TradeEventClose, models.TradeEventForcedClose:
			if !te.PnLUnknown {
				e.risk.RecordClose(te.PnL)
			}
			if te.Kind == models.TradeEventForcedClose {
				metrics.RecordForcedClose(te.Reason)
				e.notify.Notify(models.Notification{
					Timestamp: te.Time,
					Type:      models.NotificationTypeForcedClose,
					Severity:  models.SeverityWarn,
					Symbol:    te.Position.Symbol,
					Message:   "position force-closed",
					Meta:      map[string]interface{}{"side": te.Position.Side, "pnl": te.PnL},
				})
			}
		}
	}

	for _, err := range res.Anomalies {
		typ, sev := models.NotificationTypeMismatch, models.SeverityWarn
		var symbol string
		var ap *store.AnomalousPosition
		var rm *store.ReconciliationMismatch
		switch {
		case errors.As(err, &ap):
			typ, sev, symbol = models.NotificationTypeAnomaly, models.SeverityError, ap.Key.Symbol
		case errors.As(err, &rm):
			symbol = rm.Symbol
		}
		e.sinks.Error(err)
		e.notify.Notify(models.Notification{
			Timestamp: e.now(),
			Type:      typ,
			Severity:  sev,
			Symbol:    symbol,
			Message:   err.Error(),
		})
	}

	for _, a := range res.Actions {
		e.dispatch(a)
	}
}
