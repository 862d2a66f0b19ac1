// Package store - состояние позиций и ордеров.
//
// Стор не выполняет I/O: всё, что нужно сделать на бирже, возвращается
// значениями Action, которые движок исполняет вне потока-потребителя.
// Писатель один (потребитель событий движка); чтения из API и воркеров
// берут RW-lock символа.
package store

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"riskengine/internal/metrics"
	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

// qtyEpsilon - погрешность сравнения количеств
const qtyEpsilon = 1e-9

func sameQty(a, b float64) bool { return math.Abs(a-b) < qtyEpsilon }

// ActionKind - тип исходящего действия
type ActionKind int

const (
	ActionAttach      ActionKind = iota + 1 // выставить защиту новой позиции
	ActionQueryOrder                        // запросить статус потерянного ордера
	ActionCancelOrder                       // отменить ордер
	ActionCancelAll                         // отменить все ордера символа после закрытия
	ActionForceClose                        // закрыть позицию рыночным ордером
)

func (k ActionKind) String() string {
	switch k {
	case ActionAttach:
		return "attach"
	case ActionQueryOrder:
		return "query_order"
	case ActionCancelOrder:
		return "cancel_order"
	case ActionCancelAll:
		return "cancel_all"
	case ActionForceClose:
		return "force_close"
	default:
		return "unknown"
	}
}

// Action - работа для движка
type Action struct {
	Kind          ActionKind
	Symbol        string
	Side          models.Side
	ClientOrderID string
	Reason        string
	Position      *models.Position // снимок для Attach и ForceClose
}

// Result - итог применения события
type Result struct {
	Applied   bool
	Duplicate bool
	Order     *models.Order // снимок ордера после применения
	Trades    []models.TradeEvent
	Actions   []Action
	Anomalies []error
}

func (r *Result) merge(o Result) {
	r.Applied = r.Applied || o.Applied
	r.Trades = append(r.Trades, o.Trades...)
	r.Actions = append(r.Actions, o.Actions...)
	r.Anomalies = append(r.Anomalies, o.Anomalies...)
}

// Config - параметры стора
type Config struct {
	// Окно, в течение которого новая позиция может быть без стопа
	AttachGrace time.Duration
	// pending-ордер моложе этого не считается потерянным при сверке
	PendingGrace time.Duration
	Leverage     int
	// Сколько закрытых позиций хранить для API
	ArchiveSize int
}

// shard - состояние одного символа
type shard struct {
	mu         sync.RWMutex
	orders     map[string]*models.Order // по client order id
	byExchange map[int64]*models.Order
	positions  map[models.Side]*models.Position
}

func newShard() *shard {
	return &shard{
		orders:     make(map[string]*models.Order),
		byExchange: make(map[int64]*models.Order),
		positions:  make(map[models.Side]*models.Position),
	}
}

// Store - позиции и ордера всех символов
type Store struct {
	cfg Config
	log *utils.Logger
	now func() time.Time

	mu      sync.RWMutex
	shards  map[string]*shard
	archive []models.Position

	open atomic.Int64
}

// New создаёт пустой стор
func New(cfg Config) *Store {
	if cfg.PendingGrace <= 0 {
		cfg.PendingGrace = cfg.AttachGrace
	}
	if cfg.Leverage < 1 {
		cfg.Leverage = 1
	}
	if cfg.ArchiveSize <= 0 {
		cfg.ArchiveSize = 500
	}
	return &Store{
		cfg:    cfg,
		log:    utils.L().WithComponent("store"),
		now:    time.Now,
		shards: make(map[string]*shard),
	}
}

// shard возвращает (создаёт) шард символа
func (s *Store) shard(symbol string) *shard {
	s.mu.RLock()
	sh, ok := s.shards[symbol]
	s.mu.RUnlock()
	if ok {
		return sh
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sh, ok = s.shards[symbol]; !ok {
		sh = newShard()
		s.shards[symbol] = sh
	}
	return sh
}

func (s *Store) lookup(symbol string) (*shard, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sh, ok := s.shards[symbol]
	return sh, ok
}

func (s *Store) symbols() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.shards))
	for sym := range s.shards {
		out = append(out, sym)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// ============================================================
// Чтение
// ============================================================

// Position возвращает копию позиции (symbol, side)
func (s *Store) Position(symbol string, side models.Side) (*models.Position, bool) {
	sh, ok := s.lookup(symbol)
	if !ok {
		return nil, false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	p, ok := sh.positions[side]
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

// ActiveEntry возвращает вход стороны, который ещё не завершён.
// Потерянный ордер считается живым до ответа на запрос статуса.
func (s *Store) ActiveEntry(symbol string, side models.Side) (string, bool) {
	sh, ok := s.lookup(symbol)
	if !ok {
		return "", false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	for id, o := range sh.orders {
		if o.Role != models.RoleEntry || o.PositionSide != side {
			continue
		}
		if o.Status.IsActive() || o.Status == models.OrderStatusLost {
			return id, true
		}
	}
	return "", false
}

// Positions - открытые позиции символа; пустой symbol - все
func (s *Store) Positions(symbol string) []*models.Position {
	syms := []string{symbol}
	if symbol == "" {
		syms = s.symbols()
	}
	var out []*models.Position
	for _, sym := range syms {
		sh, ok := s.lookup(sym)
		if !ok {
			continue
		}
		sh.mu.RLock()
		for _, side := range []models.Side{models.SideLong, models.SideShort} {
			if p, ok := sh.positions[side]; ok {
				out = append(out, p.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

// OpenOrders - активные ордера символа (включая потерянные); пустой symbol - все
func (s *Store) OpenOrders(symbol string) []*models.Order {
	return s.filterOrders(symbol, func(o *models.Order) bool {
		return o.Status.IsActive() || o.Status == models.OrderStatusLost
	})
}

// PendingOrders - отправленные ордера без подтверждения биржи
func (s *Store) PendingOrders() []*models.Order {
	return s.filterOrders("", func(o *models.Order) bool {
		return o.Status == models.OrderStatusPending
	})
}

// Order возвращает копию ордера
func (s *Store) Order(symbol, clientOrderID string) (*models.Order, bool) {
	sh, ok := s.lookup(symbol)
	if !ok {
		return nil, false
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	o, ok := sh.orders[clientOrderID]
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

func (s *Store) filterOrders(symbol string, keep func(*models.Order) bool) []*models.Order {
	syms := []string{symbol}
	if symbol == "" {
		syms = s.symbols()
	}
	var out []*models.Order
	for _, sym := range syms {
		sh, ok := s.lookup(sym)
		if !ok {
			continue
		}
		sh.mu.RLock()
		for _, o := range sh.orders {
			if keep(o) {
				out = append(out, o.Clone())
			}
		}
		sh.mu.RUnlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Closed - последние закрытые позиции, новые первыми
func (s *Store) Closed(limit int) []models.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.archive)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Position, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.archive[i])
	}
	return out
}

// OpenCount - число открытых позиций
func (s *Store) OpenCount() int { return int(s.open.Load()) }

// ============================================================
// Изменения от движка
// ============================================================

// Register добавляет ордер перед отправкой на биржу.
// Защитные ордера связываются с позицией: первый стоп становится
// активным, следующий - заменой в полёте.
func (s *Store) Register(o *models.Order) Result {
	sh := s.shard(o.Symbol)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if _, exists := sh.orders[o.ClientOrderID]; exists {
		return Result{Duplicate: true}
	}
	now := s.now()
	ord := o.Clone()
	ord.Status = models.OrderStatusPending
	if ord.CreatedAt.IsZero() {
		ord.CreatedAt = now
	}
	ord.UpdatedAt = now
	sh.orders[ord.ClientOrderID] = ord

	if p, ok := sh.positions[ord.PositionSide]; ok {
		switch ord.Role {
		case models.RoleStop:
			if p.StopOrderID == "" {
				p.StopOrderID = ord.ClientOrderID
				p.StopPrice = ord.StopPrice
			} else {
				p.PendingStopID = ord.ClientOrderID
			}
		case models.RoleTakeProfit:
			p.TakeProfitOrderID = ord.ClientOrderID
			p.TakeProfitPrice = ord.StopPrice
		case models.RoleExit, models.RoleForcedClose:
			p.Closing = true
		}
		p.UpdatedAt = now
	}
	return Result{Applied: true, Order: ord.Clone()}
}

// Fail помечает ордер, который не удалось отправить
func (s *Store) Fail(symbol, clientOrderID, reason string) Result {
	sh, ok := s.lookup(symbol)
	if !ok {
		return Result{}
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	o, ok := sh.orders[clientOrderID]
	if !ok || o.Status.IsTerminal() {
		return Result{}
	}
	o.Status = models.OrderStatusRejected
	o.RejectReason = reason
	o.UpdatedAt = s.now()

	res := Result{Applied: true}
	res.merge(s.onTerminal(sh, o))
	res.Order = o.Clone()
	return res
}

// Attached закрывает окно attach позиции
func (s *Store) Attached(symbol string, side models.Side) bool {
	return s.UpdatePosition(symbol, side, func(p *models.Position) {
		p.Attaching = false
	})
}

// UpdatePosition применяет fn к позиции под lock'ом символа
func (s *Store) UpdatePosition(symbol string, side models.Side, fn func(p *models.Position)) bool {
	sh, ok := s.lookup(symbol)
	if !ok {
		return false
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()
	p, ok := sh.positions[side]
	if !ok {
		return false
	}
	fn(p)
	p.UpdatedAt = s.now()
	return true
}

// Sweep закрывает позиции, чьё окно attach истекло без стопа
func (s *Store) Sweep(now time.Time) Result {
	var res Result
	for _, sym := range s.symbols() {
		sh, _ := s.lookup(sym)
		sh.mu.Lock()
		for _, p := range sh.positions {
			if s.unprotected(p, now) {
				res.merge(s.forceClose(sh, p, "attach_timeout"))
			}
		}
		sh.mu.Unlock()
	}
	return res
}

// unprotected - открытая позиция без стопа вне окна attach
func (s *Store) unprotected(p *models.Position, now time.Time) bool {
	if !p.IsOpen() || p.Protected() || p.Closing {
		return false
	}
	return !(p.Attaching && now.Before(p.AttachDeadline))
}

// ============================================================
// Общие переходы (под lock'ом шарда)
// ============================================================

// forceClose ставит позицию в очередь на рыночное закрытие
func (s *Store) forceClose(sh *shard, p *models.Position, reason string) Result {
	p.Closing = true
	p.UpdatedAt = s.now()
	metrics.Anomalies.Inc()
	s.log.Warn("position without stop, forcing close",
		utils.Symbol(p.Symbol), utils.Side(string(p.Side)), utils.Reason(reason))

	return Result{
		Applied:   true,
		Anomalies: []error{&AnomalousPosition{Key: p.Key(), Reason: reason}},
		Trades:    []models.TradeEvent{{Kind: models.TradeEventAnomaly, Position: *p, Reason: reason, Time: s.now()}},
		Actions: []Action{{
			Kind:     ActionForceClose,
			Symbol:   p.Symbol,
			Side:     p.Side,
			Reason:   reason,
			Position: p.Clone(),
		}},
	}
}

// closePosition архивирует позицию и отменяет её защитные ордера
func (s *Store) closePosition(sh *shard, p *models.Position, kind models.TradeEventKind, reason string, pnlUnknown bool) Result {
	now := s.now()
	delete(sh.positions, p.Side)
	s.open.Add(-1)
	metrics.OpenPositions.Set(float64(s.open.Load()))

	p.Quantity = 0
	p.UnrealizedPnL = 0
	p.Closing = false
	p.UpdatedAt = now

	s.mu.Lock()
	s.archive = append(s.archive, *p)
	if over := len(s.archive) - s.cfg.ArchiveSize; over > 0 {
		s.archive = append(s.archive[:0:0], s.archive[over:]...)
	}
	s.mu.Unlock()

	res := Result{
		Applied: true,
		Trades: []models.TradeEvent{{
			Kind:       kind,
			Position:   *p,
			Reason:     reason,
			PnL:        p.RealizedPnL,
			PnLUnknown: pnlUnknown,
			Time:       now,
		}},
	}

	if len(sh.positions) == 0 {
		res.Actions = append(res.Actions, Action{Kind: ActionCancelAll, Symbol: p.Symbol, Side: p.Side, Reason: "position_closed"})
		return res
	}
	for _, id := range []string{p.StopOrderID, p.PendingStopID, p.TakeProfitOrderID} {
		if o, ok := sh.orders[id]; ok && o.Status.IsActive() {
			res.Actions = append(res.Actions, Action{Kind: ActionCancelOrder, Symbol: p.Symbol, Side: p.Side, ClientOrderID: id, Reason: "position_closed"})
		}
	}
	return res
}

// openPosition создаёт позицию
func (s *Store) openPosition(sh *shard, symbol string, side models.Side, strategy models.Strategy) *models.Position {
	now := s.now()
	p := &models.Position{
		Symbol:         symbol,
		Side:           side,
		Strategy:       strategy,
		Leverage:       s.cfg.Leverage,
		EntryTime:      now,
		Attaching:      true,
		AttachDeadline: now.Add(s.cfg.AttachGrace),
		UpdatedAt:      now,
	}
	sh.positions[side] = p
	s.open.Add(1)
	metrics.OpenPositions.Set(float64(s.open.Load()))
	return p
}
