// Package engine - конкурентное ядро риск-движка.
//
// Поток данных:
//
//	stream ─┐
//	workers ├─► in ─► consumer ─► store ─► Actions ─► dispatch (goroutines) ─┐
//	tickers ┘                                                                │
//	        ▲────────────────────── результаты как сообщения ◄───────────────┘
//
// Потребитель один и он единственный пишет в стор. Всё сетевое (Submit,
// Cancel, Query) идёт в отдельных горутинах, их результаты возвращаются
// в тот же канал in. Порядок переходов одного ордера совпадает с порядком
// биржи; порядок между разными ордерами не гарантируется.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"riskengine/internal/config"
	"riskengine/internal/exchange"
	"riskengine/internal/metrics"
	"riskengine/internal/models"
	"riskengine/internal/protect"
	"riskengine/internal/risk"
	"riskengine/internal/store"
	"riskengine/pkg/utils"
)

var (
	ErrShuttingDown  = errors.New("engine is shutting down")
	ErrUnknownSymbol = errors.New("symbol is not configured")
	ErrQueueFull     = errors.New("intent queue is full")
	ErrNotRunning    = errors.New("engine is not running")
)

// Причины остановки символа
const (
	HaltStreamFailed = "stream_failed"
	HaltAmbiguous    = "ambiguous_order"
	HaltManual       = "manual"
)

// Config - параметры ядра
type Config struct {
	Symbols                 []string
	DrainTimeout            time.Duration
	ReconcileInterval       time.Duration
	ProtectionCheckInterval time.Duration
	MaxAmbiguousPerOrder    int
	IntentBuffer            int
	InboxBuffer             int
	SubmitTimeout           time.Duration
	RestartDelay            time.Duration // пауза перед Restart после Failed
}

// ConfigFrom собирает Config из файла конфигурации
func ConfigFrom(c *config.Config) Config {
	return Config{
		Symbols:                 c.Trading.Symbols,
		DrainTimeout:            c.Engine.DrainTimeout,
		ReconcileInterval:       c.Engine.ReconcileInterval,
		ProtectionCheckInterval: c.Engine.ProtectionCheckInterval,
		MaxAmbiguousPerOrder:    c.Engine.MaxAmbiguousPerOrder,
		IntentBuffer:            c.Engine.IntentBuffer,
		InboxBuffer:             c.Engine.EventBuffer,
		SubmitTimeout:           c.Engine.SubmitTimeout,
		RestartDelay:            c.Engine.RestartDelay,
	}
}

func (c *Config) setDefaults() {
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 10 * time.Second
	}
	if c.MaxAmbiguousPerOrder <= 0 {
		c.MaxAmbiguousPerOrder = 3
	}
	if c.IntentBuffer <= 0 {
		c.IntentBuffer = 16
	}
	if c.InboxBuffer <= 0 {
		c.InboxBuffer = 1024
	}
	if c.SubmitTimeout <= 0 {
		c.SubmitTimeout = 15 * time.Second
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = 30 * time.Second
	}
}

// Engine связывает биржу, стор, риск-контроль и защитные ордера
type Engine struct {
	cfg     Config
	client  exchange.Client
	store   *store.Store
	risk    *risk.Engine
	protect *protect.Manager
	notify  Notifier
	sinks   *fanout
	log     *utils.Logger

	in      chan message
	done    chan struct{} // закрыт после выхода потребителя
	workers map[string]chan models.TradeIntent

	accepting atomic.Bool
	running   atomic.Bool

	// Рыночные данные по символам
	marketMu sync.RWMutex
	markets  map[string]models.MarketSnapshot

	// Остановленные символы: symbol -> причина
	haltMu sync.RWMutex
	halted map[string]string

	// Счётчики неопределённых исходов по client id
	ambMu     sync.Mutex
	ambiguous map[string]int

	// Отправки в полёте (для drain при остановке) и принудительные закрытия
	inflight sync.WaitGroup
	closes   sync.WaitGroup
	bg       sync.WaitGroup

	// Только потребитель
	busy  map[busyKey]bool
	epoch uint64

	now func() time.Time
}

type busyKey struct {
	key  models.PositionKey
	kind protect.DirectiveKind
}

// New создаёт движок. Менеджер защитных ордеров размещает ордера через
// движок, поэтому создаётся здесь.
func New(cfg Config, client exchange.Client, st *store.Store, rk *risk.Engine, pcfg protect.Config, notifier Notifier, sinks ...Sink) *Engine {
	cfg.setDefaults()
	if notifier == nil {
		notifier = NewLogNotifier()
	}
	e := &Engine{
		cfg:       cfg,
		client:    client,
		store:     st,
		risk:      rk,
		notify:    notifier,
		sinks:     newFanout(sinks...),
		log:       utils.L().WithComponent("engine"),
		in:        make(chan message, cfg.InboxBuffer),
		done:      make(chan struct{}),
		workers:   make(map[string]chan models.TradeIntent, len(cfg.Symbols)),
		markets:   make(map[string]models.MarketSnapshot),
		halted:    make(map[string]string),
		ambiguous: make(map[string]int),
		busy:      make(map[busyKey]bool),
		now:       time.Now,
	}
	e.protect = protect.NewManager(pcfg, e, client)
	for _, s := range cfg.Symbols {
		e.workers[s] = make(chan models.TradeIntent, cfg.IntentBuffer)
	}
	return e
}

// Store - стор позиций для чтения (API)
func (e *Engine) Store() *store.Store { return e.store }

// Risk - риск-движок для чтения состояния счёта
func (e *Engine) Risk() *risk.Engine { return e.risk }

// Symbols - настроенные символы
func (e *Engine) Symbols() []string {
	out := append([]string(nil), e.cfg.Symbols...)
	sort.Strings(out)
	return out
}

// Running - запущен ли движок
func (e *Engine) Running() bool { return e.running.Load() }

// Accepting - принимает ли движок новые намерения
func (e *Engine) Accepting() bool { return e.accepting.Load() }

// Positions - копии открытых позиций; пустой symbol - все
func (e *Engine) Positions(symbol string) []*models.Position { return e.store.Positions(symbol) }

// OpenOrders - копии активных ордеров; пустой symbol - все
func (e *Engine) OpenOrders(symbol string) []*models.Order { return e.store.OpenOrders(symbol) }

// ClosedPositions - последние закрытые позиции
func (e *Engine) ClosedPositions(limit int) []models.Position { return e.store.Closed(limit) }

// Account - снимок состояния счёта
func (e *Engine) Account() models.AccountState { return e.risk.Account().State() }

// Run запускает потребителя, воркеры и тикеры и блокируется до отмены ctx.
// После отмены выполняется штатная остановка.
func (e *Engine) Run(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return fmt.Errorf("engine already running")
	}
	e.accepting.Store(true)

	consumerCtx, stopConsumer := context.WithCancel(context.Background())
	consumerDone := make(chan struct{})
	go func() {
		defer close(consumerDone)
		defer close(e.done)
		e.consume(consumerCtx)
	}()

	e.bg.Add(1)
	go e.forward(consumerCtx)

	workersCtx, stopWorkers := context.WithCancel(context.Background())
	var workers sync.WaitGroup
	for symbol, ch := range e.workers {
		workers.Add(1)
		go func(symbol string, ch chan models.TradeIntent) {
			defer workers.Done()
			e.worker(workersCtx, symbol, ch)
		}(symbol, ch)
	}

	e.bg.Add(1)
	go e.tickers(consumerCtx)

	e.log.Info("engine started", utils.Int("symbols", len(e.workers)))
	<-ctx.Done()

	e.shutdown(stopWorkers, &workers)
	stopConsumer()
	<-consumerDone
	e.bg.Wait()
	e.sinks.Close()
	e.running.Store(false)
	e.log.Info("engine stopped")
	return nil
}

// shutdown: приём намерений закрыт, отправки в полёте дожидаются drain,
// неподтверждённые входы отменяются, принудительные закрытия дожидаются,
// затем закрывается стрим.
func (e *Engine) shutdown(stopWorkers context.CancelFunc, workers *sync.WaitGroup) {
	e.log.Info("engine shutting down")
	e.accepting.Store(false)
	stopWorkers()
	workers.Wait()

	deadline := time.Now().Add(e.cfg.DrainTimeout)
	if !waitTimeout(&e.inflight, time.Until(deadline)) {
		e.log.Warn("drain timeout with submissions in flight")
	}

	e.cancelUnacked(deadline)

	if !waitTimeout(&e.closes, time.Until(deadline)) {
		e.log.Warn("forced closes still running at shutdown")
	}

	if c, ok := e.client.(interface{ Close() error }); ok {
		if err := c.Close(); err != nil {
			e.log.Warn("stream close failed", utils.Err(err))
		}
	}
}

// cancelUnacked - best-effort отмена входов без подтверждения биржи
func (e *Engine) cancelUnacked(deadline time.Time) {
	ctx, cancel := context.WithDeadline(context.Background(), deadline)
	defer cancel()

	var wg sync.WaitGroup
	for _, o := range e.store.PendingOrders() {
		if o.Role != models.RoleEntry {
			continue
		}
		wg.Add(1)
		go func(o *models.Order) {
			defer wg.Done()
			if err := e.client.Cancel(ctx, o.Symbol, o.ClientOrderID); err != nil && !exchange.IsUnknownOrder(err) {
				e.log.Warn("cancel of unacked entry failed",
					utils.Symbol(o.Symbol), utils.ClientOrderID(o.ClientOrderID), utils.Err(err))
			}
		}(o)
	}
	wg.Wait()
}

func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	if d <= 0 {
		d = time.Millisecond
	}
	ch := make(chan struct{})
	go func() {
		wg.Wait()
		close(ch)
	}()
	select {
	case <-ch:
		return true
	case <-time.After(d):
		return false
	}
}

// forward переносит события биржи в общий канал потребителя
func (e *Engine) forward(ctx context.Context) {
	defer e.bg.Done()
	events := e.client.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !e.send(ctx, msgEvent{ev: ev}) {
				return
			}
		}
	}
}

// tickers - периодическая сверка и проверка окна attach
func (e *Engine) tickers(ctx context.Context) {
	defer e.bg.Done()

	var reconcileC, sweepC <-chan time.Time
	if e.cfg.ReconcileInterval > 0 {
		t := time.NewTicker(e.cfg.ReconcileInterval)
		defer t.Stop()
		reconcileC = t.C
	}
	if e.cfg.ProtectionCheckInterval > 0 {
		t := time.NewTicker(e.cfg.ProtectionCheckInterval)
		defer t.Stop()
		sweepC = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-reconcileC:
			if e.client.Status().State != exchange.StateConnected {
				continue
			}
			rctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
			snap, err := e.client.Snapshot(rctx)
			cancel()
			if err != nil {
				e.log.Warn("periodic snapshot failed", utils.Err(err))
				continue
			}
			e.send(ctx, msgEvent{ev: exchange.Event{Kind: exchange.EventResync, Time: e.now(), Snapshot: &snap}})
		case now := <-sweepC:
			e.send(ctx, msgSweep{now: now})
		}
	}
}

// send кладёт сообщение потребителю; false - потребитель остановлен
func (e *Engine) send(ctx context.Context, m message) bool {
	select {
	case e.in <- m:
		return true
	case <-e.done:
		return false
	case <-ctx.Done():
		return false
	}
}

// post - send из горутин dispatch, которые не должны зависеть от своего ctx
func (e *Engine) post(m message) bool {
	return e.send(context.Background(), m)
}

// ============================================================
// Внешние входы
// ============================================================

// SubmitIntent ставит намерение в очередь воркера символа
func (e *Engine) SubmitIntent(intent models.TradeIntent) error {
	if !e.accepting.Load() {
		if !e.running.Load() {
			return ErrNotRunning
		}
		return ErrShuttingDown
	}
	ch, ok := e.workers[intent.Symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSymbol, intent.Symbol)
	}
	select {
	case ch <- intent:
		return nil
	default:
		return ErrQueueFull
	}
}

// OnMarket принимает рыночный снимок: цену для трейлинга и счётчик баров
func (e *Engine) OnMarket(m models.MarketSnapshot) {
	if _, ok := e.workers[m.Symbol]; !ok {
		return
	}
	e.marketMu.Lock()
	e.markets[m.Symbol] = m
	e.marketMu.Unlock()

	if m.Close > 0 && e.running.Load() {
		e.post(msgPrice{symbol: m.Symbol, price: m.Close, barClosed: m.BarClosed})
	}
}

// Market - последний рыночный снимок символа
func (e *Engine) Market(symbol string) (models.MarketSnapshot, bool) {
	e.marketMu.RLock()
	defer e.marketMu.RUnlock()
	m, ok := e.markets[symbol]
	return m, ok
}

// ============================================================
// Остановка символов
// ============================================================

// Halt запрещает новые входы по символу; закрытия продолжаются
func (e *Engine) Halt(symbol, reason string) {
	e.haltMu.Lock()
	_, already := e.halted[symbol]
	if !already {
		e.halted[symbol] = reason
	}
	n := len(e.halted)
	e.haltMu.Unlock()
	metrics.HaltedSymbols.Set(float64(n))
	if already {
		return
	}
	e.log.Warn("symbol halted", utils.Symbol(symbol), utils.Reason(reason))
	e.notify.Notify(models.Notification{
		Timestamp: e.now(),
		Type:      models.NotificationTypeHalt,
		Severity:  models.SeverityError,
		Symbol:    symbol,
		Message:   fmt.Sprintf("new submissions halted: %s", reason),
	})
}

// Resume снимает остановку символа
func (e *Engine) Resume(symbol string) bool {
	e.haltMu.Lock()
	_, ok := e.halted[symbol]
	delete(e.halted, symbol)
	n := len(e.halted)
	e.haltMu.Unlock()
	metrics.HaltedSymbols.Set(float64(n))
	if !ok {
		return false
	}
	e.log.Info("symbol resumed", utils.Symbol(symbol))
	e.notify.Notify(models.Notification{
		Timestamp: e.now(),
		Type:      models.NotificationTypeResume,
		Severity:  models.SeverityInfo,
		Symbol:    symbol,
		Message:   "new submissions resumed",
	})
	return true
}

// resumeReason снимает остановки с указанной причиной
func (e *Engine) resumeReason(reason string) {
	e.haltMu.RLock()
	var syms []string
	for s, r := range e.halted {
		if r == reason {
			syms = append(syms, s)
		}
	}
	e.haltMu.RUnlock()
	for _, s := range syms {
		e.Resume(s)
	}
}

// Halted - причина остановки символа
func (e *Engine) Halted(symbol string) (string, bool) {
	e.haltMu.RLock()
	defer e.haltMu.RUnlock()
	r, ok := e.halted[symbol]
	return r, ok
}

// HaltedSymbols - все остановленные символы с причинами
func (e *Engine) HaltedSymbols() map[string]string {
	e.haltMu.RLock()
	defer e.haltMu.RUnlock()
	out := make(map[string]string, len(e.halted))
	for s, r := range e.halted {
		out[s] = r
	}
	return out
}

// recordAmbiguous считает неопределённые исходы client id;
// достигнув порога, останавливает символ
func (e *Engine) recordAmbiguous(symbol, clientOrderID string, err error) {
	e.ambMu.Lock()
	e.ambiguous[clientOrderID]++
	n := e.ambiguous[clientOrderID]
	e.ambMu.Unlock()

	e.log.Error("ambiguous order state",
		utils.Symbol(symbol), utils.ClientOrderID(clientOrderID), utils.Int("count", n), utils.Err(err))
	e.notify.Notify(models.Notification{
		Timestamp: e.now(),
		Type:      models.NotificationTypeAmbiguous,
		Severity:  models.SeverityWarn,
		Symbol:    symbol,
		Message:   err.Error(),
		Meta:      map[string]interface{}{"client_order_id": clientOrderID, "count": n},
	})
	if n >= e.cfg.MaxAmbiguousPerOrder {
		e.Halt(symbol, HaltAmbiguous)
	}
}
