package store

import (
	"riskengine/internal/exchange"
	"riskengine/internal/metrics"
	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

// Reconcile сверяет локальное состояние со снимком биржи.
//
//   - активный локально ордер, которого нет в снимке, становится lost
//     и получает ActionQueryOrder;
//   - расхождения количеств исправляются по снимку (ReconciliationMismatch);
//   - неизвестные ордера и позиции биржи принимаются;
//   - позиции, которых нет на бирже, закрываются и архивируются;
//   - открытая позиция без активного стопа после сверки закрывается
//     рыночным ордером, кроме позиций в окне attach.
//
// Исполнения и статусы с временем биржи позже снимка им не судятся.
// Сравнение идёт по времени биржи: цены и стопы позицию не молодят.
func (s *Store) Reconcile(snap exchange.Snapshot) Result {
	var res Result
	now := s.now()
	snapTx := snap.FetchedAt.UnixMilli()

	remoteOrders := make(map[string]map[string]exchange.OrderUpdate)
	for _, u := range snap.OpenOrders {
		if remoteOrders[u.Symbol] == nil {
			remoteOrders[u.Symbol] = make(map[string]exchange.OrderUpdate)
		}
		remoteOrders[u.Symbol][u.ClientOrderID] = u
	}
	remotePositions := make(map[models.PositionKey]exchange.PositionInfo)
	for _, p := range snap.Positions {
		if p.Quantity > 0 {
			remotePositions[p.Key()] = p
		}
	}

	// Символы и из стора, и из снимка
	for sym := range remoteOrders {
		s.shard(sym)
	}
	for key := range remotePositions {
		s.shard(key.Symbol)
	}

	for _, sym := range s.symbols() {
		sh, _ := s.lookup(sym)
		sh.mu.Lock()
		res.merge(s.reconcileOrders(sh, sym, remoteOrders[sym], snapTx))
		res.merge(s.reconcilePositions(sh, sym, remotePositions, snapTx))
		s.relinkProtection(sh)
		for _, p := range sh.positions {
			if s.unprotected(p, now) {
				res.merge(s.forceClose(sh, p, "no_stop_after_reconcile"))
			}
		}
		sh.mu.Unlock()
	}

	for _, a := range res.Anomalies {
		if m, ok := a.(*ReconciliationMismatch); ok {
			metrics.ReconcileMismatches.WithLabelValues(m.Kind).Inc()
		}
	}
	if len(res.Anomalies) > 0 {
		s.log.Warn("reconciliation found discrepancies", utils.Int("count", len(res.Anomalies)))
	}
	res.Applied = true
	return res
}

func (s *Store) reconcileOrders(sh *shard, symbol string, remote map[string]exchange.OrderUpdate, snapTx int64) Result {
	var res Result
	now := s.now()

	for id, o := range sh.orders {
		if !o.Status.IsActive() || o.LastSeq.TxTime > snapTx {
			continue
		}
		r, ok := remote[id]
		if !ok {
			// Отправка ещё в полёте: биржа могла не успеть его принять
			if o.Status == models.OrderStatusPending && now.Sub(o.CreatedAt) < s.cfg.PendingGrace {
				continue
			}
			o.Status = models.OrderStatusLost
			o.UpdatedAt = now
			res.Anomalies = append(res.Anomalies, &ReconciliationMismatch{
				Kind: "lost_order", Symbol: symbol, ClientOrderID: id, Local: o.Remaining(),
			})
			res.Actions = append(res.Actions, Action{
				Kind: ActionQueryOrder, Symbol: symbol, Side: o.PositionSide, ClientOrderID: id, Reason: "absent_in_snapshot",
			})
			continue
		}

		if !o.ClosePosition && r.Quantity > 0 && !sameQty(o.Quantity, r.Quantity) {
			res.Anomalies = append(res.Anomalies, &ReconciliationMismatch{
				Kind: "order_quantity", Symbol: symbol, ClientOrderID: id, Local: o.Quantity, Remote: r.Quantity,
			})
			o.Quantity = r.Quantity
		}
		if !sameQty(o.FilledQty, r.FilledQty) {
			res.Anomalies = append(res.Anomalies, &ReconciliationMismatch{
				Kind: "order_filled", Symbol: symbol, ClientOrderID: id, Local: o.FilledQty, Remote: r.FilledQty,
			})
			// Позицию исправит сверка позиций
			o.FilledQty = r.FilledQty
			o.AvgPrice = r.AvgPrice
		}
		if r.ExchangeOrderID != 0 && o.ExchangeOrderID == 0 {
			o.ExchangeOrderID = r.ExchangeOrderID
			sh.byExchange[r.ExchangeOrderID] = o
		}
		o.Status = r.Status
		if seq := r.Seq(); o.LastSeq.Less(seq) {
			o.LastSeq = seq
		}
		o.UpdatedAt = now
	}

	for id, r := range remote {
		if _, known := sh.orders[id]; known {
			continue
		}
		if r.ExchangeOrderID != 0 {
			if _, known := sh.byExchange[r.ExchangeOrderID]; known {
				continue
			}
		}
		res.merge(s.adoptOrder(sh, r))
	}
	return res
}

func (s *Store) reconcilePositions(sh *shard, symbol string, remote map[models.PositionKey]exchange.PositionInfo, snapTx int64) Result {
	var res Result
	now := s.now()

	for side, p := range sh.positions {
		if p.FillTx > snapTx {
			continue
		}
		r, ok := remote[p.Key()]
		if !ok {
			res.Anomalies = append(res.Anomalies, &ReconciliationMismatch{
				Kind: "position_absent", Symbol: symbol, Local: p.Quantity,
			})
			s.log.Warn("position absent on exchange, closing locally",
				utils.Symbol(symbol), utils.Side(string(side)), utils.Quantity(p.Quantity))
			res.merge(s.closePosition(sh, p, models.TradeEventClose, "absent_on_exchange", true))
			continue
		}
		if !sameQty(p.Quantity, r.Quantity) {
			res.Anomalies = append(res.Anomalies, &ReconciliationMismatch{
				Kind: "position_quantity", Symbol: symbol, Local: p.Quantity, Remote: r.Quantity,
			})
			p.Quantity = r.Quantity
			if r.EntryPrice > 0 {
				p.EntryPrice = r.EntryPrice
			}
		}
		if r.Leverage > 0 {
			p.Leverage = r.Leverage
		}
		p.Mark(r.MarkPrice)
		p.UnrealizedPnL = r.UnrealizedPnL
		p.SyncedAt = snapTx
		p.UpdatedAt = now
	}

	for key, r := range remote {
		if key.Symbol != symbol {
			continue
		}
		if _, ok := sh.positions[key.Side]; ok {
			continue
		}
		p := s.openPosition(sh, symbol, key.Side, s.adoptedStrategy(sh, key.Side))
		p.Quantity = r.Quantity
		p.EntryPrice = r.EntryPrice
		if r.Leverage > 0 {
			p.Leverage = r.Leverage
		}
		p.Mark(r.MarkPrice)
		p.UnrealizedPnL = r.UnrealizedPnL
		p.SyncedAt = snapTx
		// Чужая позиция окна attach не получает
		p.Attaching = false
		p.AttachDeadline = now

		res.Anomalies = append(res.Anomalies, &ReconciliationMismatch{
			Kind: "position_unknown", Symbol: symbol, Remote: r.Quantity,
		})
		res.Trades = append(res.Trades, models.TradeEvent{Kind: models.TradeEventOpen, Position: *p, Reason: "adopted", Time: now})
		res.Applied = true
	}
	return res
}

// adoptedStrategy - стратегия последнего входа этой стороны, иначе трендовая
func (s *Store) adoptedStrategy(sh *shard, side models.Side) models.Strategy {
	var best *models.Order
	for _, o := range sh.orders {
		if o.Role != models.RoleEntry || o.PositionSide != side || o.Strategy == "" {
			continue
		}
		if best == nil || o.CreatedAt.After(best.CreatedAt) {
			best = o
		}
	}
	if best != nil {
		return best.Strategy
	}
	if side == models.SideShort {
		return models.StrategyTrendShort
	}
	return models.StrategyTrendLong
}

// relinkProtection снимает ссылки на неактивные защитные ордера
// и привязывает активные непривязанные
func (s *Store) relinkProtection(sh *shard) {
	active := func(id string) bool {
		o, ok := sh.orders[id]
		return ok && o.Status.IsActive()
	}
	for side, p := range sh.positions {
		if p.StopOrderID != "" && !active(p.StopOrderID) {
			p.StopOrderID = ""
			p.StopPrice = 0
		}
		if p.PendingStopID != "" && !active(p.PendingStopID) {
			p.PendingStopID = ""
		}
		if p.TakeProfitOrderID != "" && !active(p.TakeProfitOrderID) {
			p.TakeProfitOrderID = ""
		}

		for id, o := range sh.orders {
			if o.PositionSide != side || !o.Status.IsActive() || id == p.PendingStopID {
				continue
			}
			switch {
			case o.Role == models.RoleStop && p.StopOrderID == "":
				p.StopOrderID = id
				p.StopPrice = o.StopPrice
			case o.Role == models.RoleTakeProfit && p.TakeProfitOrderID == "":
				p.TakeProfitOrderID = id
				p.TakeProfitPrice = o.StopPrice
			}
		}
	}
}
