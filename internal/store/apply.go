package store

import (
	"riskengine/internal/exchange"
	"riskengine/internal/metrics"
	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

// ApplyEvent применяет событие биржи.
//
// Идемпотентно: ключ дедупликации - ордер (client или exchange id)
// и его Sequence. Событие с меткой не новее последней применённой -
// повтор или устаревшее, оно ничего не меняет. Исполнения считаются
// по кумулятивным FilledQty/AvgPrice, поэтому порядок доставки не
// влияет на итоговое состояние.
func (s *Store) ApplyEvent(ev exchange.Event) Result {
	switch ev.Kind {
	case exchange.EventOrderUpdate:
		if ev.Order == nil {
			return Result{}
		}
		res := s.applyOrder(*ev.Order)
		switch {
		case res.Duplicate:
			metrics.EventsDuplicate.Inc()
		case res.Applied:
			metrics.EventsApplied.WithLabelValues(ev.Kind.String()).Inc()
		}
		return res

	case exchange.EventAccountUpdate:
		if ev.Account == nil {
			return Result{}
		}
		s.applyAccount(*ev.Account)
		metrics.EventsApplied.WithLabelValues(ev.Kind.String()).Inc()
		return Result{Applied: true}

	case exchange.EventResync:
		if ev.Snapshot == nil {
			return Result{}
		}
		res := s.Reconcile(*ev.Snapshot)
		metrics.EventsApplied.WithLabelValues(ev.Kind.String()).Inc()
		return res
	}
	return Result{}
}

func (s *Store) applyOrder(u exchange.OrderUpdate) Result {
	sh := s.shard(u.Symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	o := sh.orders[u.ClientOrderID]
	if o == nil && u.ExchangeOrderID != 0 {
		o = sh.byExchange[u.ExchangeOrderID]
	}
	if o == nil {
		if u.Source == exchange.SourceQuery || u.Source == exchange.SourceREST {
			return Result{}
		}
		return s.adoptOrder(sh, u)
	}

	if u.ExchangeOrderID != 0 && o.ExchangeOrderID == 0 {
		o.ExchangeOrderID = u.ExchangeOrderID
		sh.byExchange[u.ExchangeOrderID] = o
	}

	seq := u.Seq()
	// Потерянный ордер принимает и ту же метку: статус из запроса
	// должен вывести его из lost, даже если ничего не менялось.
	if !o.LastSeq.IsZero() && !o.LastSeq.Less(seq) && o.Status != models.OrderStatusLost {
		return Result{Duplicate: true, Order: o.Clone()}
	}

	res := Result{Applied: true}
	wasTerminal := o.Status.IsTerminal()
	prevFilled, prevAvg := o.FilledQty, o.AvgPrice

	o.LastSeq = seq
	o.Status = u.Status
	if u.Quantity > 0 && !o.ClosePosition {
		o.Quantity = u.Quantity
	}
	o.UpdatedAt = s.now()

	if u.FilledQty > prevFilled+qtyEpsilon {
		avg := u.AvgPrice
		if avg <= 0 {
			avg = u.LastFillPrice
		}
		dq := u.FilledQty - prevFilled
		price := avg
		if cost := u.FilledQty*avg - prevFilled*prevAvg; cost > 0 {
			price = cost / dq
		}
		o.FilledQty = u.FilledQty
		o.AvgPrice = avg
		res.merge(s.applyFill(sh, o, dq, price, u.TxTime))
	}

	if o.Role == models.RoleStop && o.Status == models.OrderStatusOpen {
		res.merge(s.promoteStop(sh, o))
	}
	if !wasTerminal && o.Status.IsTerminal() {
		res.merge(s.onTerminal(sh, o))
	}

	res.Order = o.Clone()
	return res
}

// applyFill переносит исполнение ордера на позицию
func (s *Store) applyFill(sh *shard, o *models.Order, dq, price float64, tx int64) Result {
	p := sh.positions[o.PositionSide]
	// Исполнение уже учтено снимком, по которому сверено количество
	synced := p != nil && tx != 0 && tx <= p.SyncedAt
	now := s.now()

	switch {
	case o.Role == models.RoleEntry:
		if p == nil {
			p = s.openPosition(sh, o.Symbol, o.PositionSide, o.Strategy)
			p.EntryPrice = price
			p.Quantity = dq
			markFill(p, tx)
			s.log.Info("position opened",
				utils.Symbol(p.Symbol), utils.Side(string(p.Side)), utils.Strategy(string(p.Strategy)),
				utils.Price(price), utils.Quantity(dq))
			return Result{
				Applied: true,
				Trades:  []models.TradeEvent{{Kind: models.TradeEventOpen, Position: *p, Time: now}},
				Actions: []Action{{Kind: ActionAttach, Symbol: p.Symbol, Side: p.Side, Reason: "opened", Position: p.Clone()}},
			}
		}
		if synced {
			return Result{}
		}
		total := p.Quantity + dq
		p.EntryPrice = (p.EntryPrice*p.Quantity + price*dq) / total
		p.Quantity = total
		p.UpdatedAt = now
		markFill(p, tx)
		return Result{Applied: true, Trades: []models.TradeEvent{{Kind: models.TradeEventAdjust, Position: *p, Reason: "entry_fill", Time: now}}}

	case o.Role.ClosesPosition():
		if p == nil {
			s.log.Debug("closing fill without position",
				utils.Symbol(o.Symbol), utils.ClientOrderID(o.ClientOrderID))
			return Result{}
		}
		q := dq
		if !synced && q > p.Quantity {
			q = p.Quantity
		}
		pnl := utils.CalculatePNL(string(p.Side), p.EntryPrice, price, q)
		p.RealizedPnL += pnl
		p.UpdatedAt = now
		if synced {
			return Result{Applied: true}
		}
		p.Quantity -= q
		markFill(p, tx)
		if p.Quantity < qtyEpsilon {
			kind := models.TradeEventClose
			if o.Role == models.RoleForcedClose {
				kind = models.TradeEventForcedClose
			}
			s.log.Info("position closed",
				utils.Symbol(p.Symbol), utils.Side(string(p.Side)), utils.PNL(p.RealizedPnL), utils.Reason(string(o.Role)))
			return s.closePosition(sh, p, kind, string(o.Role), false)
		}
		return Result{Applied: true, Trades: []models.TradeEvent{{Kind: models.TradeEventAdjust, Position: *p, Reason: "partial_" + string(o.Role), PnL: pnl, Time: now}}}
	}

	// Чужие ордера позицию не двигают: её исправит сверка
	return Result{}
}

func markFill(p *models.Position, tx int64) {
	if tx > p.FillTx {
		p.FillTx = tx
	}
}

// promoteStop делает подтверждённую замену стопа активной
// и отменяет прежний стоп
func (s *Store) promoteStop(sh *shard, o *models.Order) Result {
	p := sh.positions[o.PositionSide]
	if p == nil || p.PendingStopID != o.ClientOrderID {
		return Result{}
	}
	old := p.StopOrderID
	p.StopOrderID = o.ClientOrderID
	p.StopPrice = o.StopPrice
	p.PendingStopID = ""
	p.UpdatedAt = s.now()

	res := Result{Applied: true, Trades: []models.TradeEvent{{Kind: models.TradeEventAdjust, Position: *p, Reason: "stop_replaced", Time: s.now()}}}
	if old != "" && old != o.ClientOrderID {
		res.Actions = append(res.Actions, Action{
			Kind: ActionCancelOrder, Symbol: p.Symbol, Side: p.Side, ClientOrderID: old, Reason: "stop_replaced",
		})
	}
	return res
}

// onTerminal - последствия завершения ордера для позиции
func (s *Store) onTerminal(sh *shard, o *models.Order) Result {
	p := sh.positions[o.PositionSide]
	if p == nil {
		return Result{}
	}
	filled := o.Status == models.OrderStatusFilled

	switch o.Role {
	case models.RoleStop:
		if p.PendingStopID == o.ClientOrderID {
			p.PendingStopID = ""
			return Result{}
		}
		if p.StopOrderID == o.ClientOrderID && !filled {
			p.StopOrderID = ""
			p.StopPrice = 0
			if p.IsOpen() && !p.Closing {
				reason := "stop_" + string(o.Status)
				if o.RejectReason != "" {
					reason += ": " + o.RejectReason
				}
				return s.forceClose(sh, p, reason)
			}
		}
	case models.RoleTakeProfit:
		if p.TakeProfitOrderID == o.ClientOrderID && !filled {
			p.TakeProfitOrderID = ""
		}
	case models.RoleExit, models.RoleForcedClose:
		// Закрытие не довело позицию до нуля
		if p.IsOpen() {
			p.Closing = false
		}
	}
	return Result{}
}

// adoptOrder принимает ордер, созданный не этим процессом
func (s *Store) adoptOrder(sh *shard, u exchange.OrderUpdate) Result {
	now := s.now()
	o := &models.Order{
		ClientOrderID:   u.ClientOrderID,
		ExchangeOrderID: u.ExchangeOrderID,
		Symbol:          u.Symbol,
		Side:            u.Side,
		Type:            u.Type,
		Role:            models.RoleExternal,
		Status:          u.Status,
		Quantity:        u.Quantity,
		FilledQty:       u.FilledQty,
		AvgPrice:        u.AvgPrice,
		Price:           u.Price,
		StopPrice:       u.StopPrice,
		ReduceOnly:      u.ReduceOnly,
		ClosePosition:   u.ClosePosition,
		LastSeq:         u.Seq(),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	// Закрывающий защитный ордер относится к позиции противоположной стороны
	o.PositionSide = models.SideLong
	if u.Side == models.OrderSideBuy {
		o.PositionSide = models.SideShort
	}
	if u.Type.IsProtective() && (u.ClosePosition || u.ReduceOnly) {
		if u.Type == models.OrderTypeTakeProfit {
			o.Role = models.RoleTakeProfit
		} else {
			o.Role = models.RoleStop
		}
	} else if u.Side == models.OrderSideBuy {
		o.PositionSide = models.SideLong
	} else {
		o.PositionSide = models.SideShort
	}

	if o.ClientOrderID == "" {
		return Result{}
	}
	sh.orders[o.ClientOrderID] = o
	if o.ExchangeOrderID != 0 {
		sh.byExchange[o.ExchangeOrderID] = o
	}
	s.log.Info("adopted unknown exchange order",
		utils.Symbol(o.Symbol), utils.ClientOrderID(o.ClientOrderID), utils.String("role", string(o.Role)))
	return Result{Applied: true, Order: o.Clone()}
}

// applyAccount обновляет нереализованный PnL по ACCOUNT_UPDATE.
// Количество позиций меняют только исполнения ордеров и сверка.
func (s *Store) applyAccount(a exchange.AccountUpdate) {
	for _, info := range a.Positions {
		if info.Quantity == 0 {
			continue
		}
		sh, ok := s.lookup(info.Symbol)
		if !ok {
			continue
		}
		sh.mu.Lock()
		if p, ok := sh.positions[info.Side]; ok {
			p.UnrealizedPnL = info.UnrealizedPnL
			p.UpdatedAt = s.now()
		}
		sh.mu.Unlock()
	}
}
