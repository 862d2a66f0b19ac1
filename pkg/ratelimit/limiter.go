package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Window - счётчик со скользящим окном (sliding log)
//
// В отличие от token bucket не допускает burst сверх лимита:
// за любой интервал длиной window суммарный вес допущенных
// запросов не превышает limit. Так устроены лимиты Binance
// (REQUEST_WEIGHT/1m, ORDERS/10s, ORDERS/1m).
//
// Использование:
//
//	w := NewWindow(2400, time.Minute)
//	if w.Allow(5) { ... }      // неблокирующая попытка
//	err := w.Wait(ctx, 5)      // блокирует до освобождения окна
type Window struct {
	limit  int
	window time.Duration

	entries []entry // допущенные запросы в порядке времени
	used    int     // сумма весов entries

	now func() time.Time
	mu  sync.Mutex
}

type entry struct {
	at     time.Time
	weight int
}

// NewWindow создаёт окно с лимитом limit единиц веса на интервал window
func NewWindow(limit int, window time.Duration) *Window {
	if limit <= 0 {
		limit = 1
	}
	if window <= 0 {
		window = time.Second
	}
	return &Window{
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// prune выкидывает записи старше окна
// ВАЖНО: вызывается под lock'ом
func (w *Window) prune(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(cutoff) {
		w.used -= w.entries[i].weight
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// fits проверяет, помещается ли weight; при отказе возвращает
// время, через которое освободится достаточно места.
// ВАЖНО: вызывается под lock'ом после prune
func (w *Window) fits(now time.Time, weight int) (bool, time.Duration) {
	if w.used+weight <= w.limit {
		return true, 0
	}
	// Ищем момент, когда вытеснится достаточно старых записей
	need := w.used + weight - w.limit
	freed := 0
	for _, e := range w.entries {
		freed += e.weight
		if freed >= need {
			return false, e.at.Add(w.window).Sub(now) + time.Millisecond
		}
	}
	// weight больше лимита целиком - ждём опустошения окна
	return false, w.window
}

func (w *Window) record(now time.Time, weight int) {
	w.entries = append(w.entries, entry{at: now, weight: weight})
	w.used += weight
}

// Allow пытается допустить запрос веса weight без ожидания
func (w *Window) Allow(weight int) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	w.prune(now)
	if ok, _ := w.fits(now, weight); !ok {
		return false
	}
	w.record(now, weight)
	return true
}

// Wait блокирует до допуска запроса или отмены контекста
func (w *Window) Wait(ctx context.Context, weight int) error {
	for {
		w.mu.Lock()
		now := w.now()
		w.prune(now)
		ok, delay := w.fits(now, weight)
		if ok {
			w.record(now, weight)
			w.mu.Unlock()
			return nil
		}
		w.mu.Unlock()

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Used возвращает занятый вес в текущем окне
func (w *Window) Used() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.prune(w.now())
	return w.used
}

// Limit возвращает ёмкость окна
func (w *Window) Limit() int {
	return w.limit
}

// ============================================================
// Budget - совокупный бюджет запросов к бирже
// ============================================================

// Limits - лимиты биржи, из которых собирается Budget
type Limits struct {
	WeightPerMinute int // REQUEST_WEIGHT за минуту
	OrdersPerSecond int // ордеров в секунду
	OrdersPerMinute int // ордеров в минуту
}

// Cost - стоимость одного REST запроса
type Cost struct {
	Weight int
	Order  bool // запрос создаёт/отменяет ордер и расходует order-лимиты
}

// Budget объединяет окна weight/min, orders/sec и orders/min.
// Запрос допускается только атомарно во все нужные окна сразу,
// иначе частичный захват одного окна съедал бы ёмкость впустую.
type Budget struct {
	weight      *Window
	ordersSec   *Window
	ordersMin   *Window
	mu          sync.Mutex
	onWait      func(time.Duration)
	now         func() time.Time
	totalWaited time.Duration
}

// NewBudget создаёт бюджет по лимитам биржи
func NewBudget(l Limits) *Budget {
	return &Budget{
		weight:    NewWindow(l.WeightPerMinute, time.Minute),
		ordersSec: NewWindow(l.OrdersPerSecond, time.Second),
		ordersMin: NewWindow(l.OrdersPerMinute, time.Minute),
		now:       time.Now,
	}
}

// OnWait регистрирует callback для метрик времени ожидания
func (b *Budget) OnWait(fn func(time.Duration)) {
	b.mu.Lock()
	b.onWait = fn
	b.mu.Unlock()
}

func (b *Budget) windows(c Cost) []*Window {
	if c.Order {
		return []*Window{b.weight, b.ordersSec, b.ordersMin}
	}
	return []*Window{b.weight}
}

// tryAcquire под общим lock'ом бюджета проверяет все окна и,
// если во всех есть место, записывает запрос в каждое.
func (b *Budget) tryAcquire(c Cost) (bool, time.Duration) {
	now := b.now()
	ws := b.windows(c)
	weights := make([]int, len(ws))
	for i := range ws {
		weights[i] = 1
	}
	weights[0] = c.Weight
	if weights[0] <= 0 {
		weights[0] = 1
	}

	var maxDelay time.Duration
	allFit := true
	for i, w := range ws {
		w.mu.Lock()
		w.prune(now)
		ok, d := w.fits(now, weights[i])
		w.mu.Unlock()
		if !ok {
			allFit = false
			if d > maxDelay {
				maxDelay = d
			}
		}
	}
	if !allFit {
		return false, maxDelay
	}
	for i, w := range ws {
		w.mu.Lock()
		w.record(now, weights[i])
		w.mu.Unlock()
	}
	return true, 0
}

// Acquire блокирует, пока все окна не допустят запрос.
// Возвращает ctx.Err(), если контекст истёк раньше - запрос
// никогда не "теряется" молча.
func (b *Budget) Acquire(ctx context.Context, c Cost) error {
	start := b.now()
	waited := false
	for {
		b.mu.Lock()
		ok, delay := b.tryAcquire(c)
		onWait := b.onWait
		if ok && waited {
			b.totalWaited += b.now().Sub(start)
		}
		b.mu.Unlock()

		if ok {
			if waited && onWait != nil {
				onWait(b.now().Sub(start))
			}
			return nil
		}
		waited = true

		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Usage - доли занятости окон (0..1) для мониторинга
type Usage struct {
	Weight    float64
	OrdersSec float64
	OrdersMin float64
}

// Usage возвращает текущую занятость окон
func (b *Budget) Usage() Usage {
	return Usage{
		Weight:    float64(b.weight.Used()) / float64(b.weight.Limit()),
		OrdersSec: float64(b.ordersSec.Used()) / float64(b.ordersSec.Limit()),
		OrdersMin: float64(b.ordersMin.Used()) / float64(b.ordersMin.Limit()),
	}
}

// TotalWaited - суммарное время, проведённое в ожидании окна
func (b *Budget) TotalWaited() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.totalWaited
}
