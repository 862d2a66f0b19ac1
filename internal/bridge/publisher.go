package bridge

import (
	"context"
	"errors"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"riskengine/internal/config"
	"riskengine/internal/metrics"
	"riskengine/internal/models"
	"riskengine/internal/store"
	"riskengine/pkg/utils"
)

const (
	publishTimeout = 2 * time.Second
	maxPending     = 10000
)

// Типы исходящих сообщений
const (
	EventTrade     = "trade"
	EventRejection = "rejection"
	EventOrder     = "order"
	EventAnomaly   = "anomaly"
	EventMismatch  = "mismatch"
	EventError     = "error"
)

type pending struct {
	kind string
	data string
}

// Publisher пишет события движка в исходящий стрим через предохранитель.
// Пока предохранитель открыт, события копятся в ограниченном буфере и
// дописываются после восстановления; при переполнении теряются старые.
// Вызывается из горутины fanout.
type Publisher struct {
	client streamClient
	stream string
	maxLen int64
	cb     *Breaker
	log    *utils.Logger

	mu     sync.Mutex
	buffer []pending
}

// NewPublisher создаёт публикатор событий
func NewPublisher(client streamClient, cfg config.RedisConfig) *Publisher {
	p := &Publisher{
		client: client,
		stream: cfg.EventStream,
		maxLen: cfg.MaxLen,
		cb:     NewBreaker(5, 10*time.Second),
		log:    utils.L().WithComponent("bridge"),
	}
	p.cb.OnStateChange = func(from, to State) {
		metrics.BridgeBreakerState.Set(float64(to))
		if to == StateOpen {
			metrics.BridgeBreakerTrips.Inc()
		}
		p.log.Warn("event publisher breaker", utils.String("from", from.String()), utils.String("to", to.String()))
	}
	return p
}

// Name - имя синка для метрик
func (p *Publisher) Name() string { return "redis" }

// TradeEvent публикует событие позиции
func (p *Publisher) TradeEvent(ev models.TradeEvent) { p.publish(EventTrade, ev) }

// Rejection публикует отказ
func (p *Publisher) Rejection(ev models.RejectionEvent) { p.publish(EventRejection, ev) }

// Order публикует изменение ордера
func (p *Publisher) Order(o models.Order) { p.publish(EventOrder, o) }

// Error публикует аномалию или расхождение сверки
func (p *Publisher) Error(err error) {
	var anomaly *store.AnomalousPosition
	var mismatch *store.ReconciliationMismatch
	switch {
	case errors.As(err, &anomaly):
		p.publish(EventAnomaly, map[string]string{
			"symbol": anomaly.Key.Symbol,
			"side":   string(anomaly.Key.Side),
			"reason": anomaly.Reason,
			"error":  err.Error(),
		})
	case errors.As(err, &mismatch):
		p.publish(EventMismatch, map[string]interface{}{
			"kind":            mismatch.Kind,
			"symbol":          mismatch.Symbol,
			"client_order_id": mismatch.ClientOrderID,
			"local":           mismatch.Local,
			"remote":          mismatch.Remote,
			"error":           err.Error(),
		})
	default:
		p.publish(EventError, map[string]string{"error": err.Error()})
	}
}

func (p *Publisher) publish(kind string, payload interface{}) {
	data, err := json.MarshalToString(payload)
	if err != nil {
		p.log.Error("marshal event failed", utils.String("type", kind), utils.Err(err))
		return
	}
	msg := pending{kind: kind, data: data}

	err = p.cb.Execute(func() error { return p.write(msg) })
	switch {
	case err == nil:
		p.flush()
	case errors.Is(err, ErrCircuitOpen):
		p.hold(msg)
	default:
		p.log.Warn("publish event failed", utils.String("type", kind), utils.Err(err))
		p.hold(msg)
	}
}

func (p *Publisher) write(msg pending) error {
	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	args := &goredis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{"type": msg.kind, "data": msg.data},
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return p.client.XAdd(ctx, args).Err()
}

func (p *Publisher) hold(msg pending) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.buffer) >= maxPending {
		p.buffer = p.buffer[1:]
		metrics.RecordSinkOverflow("redis")
	}
	p.buffer = append(p.buffer, msg)
}

// flush дописывает накопленное в исходном порядке
func (p *Publisher) flush() {
	p.mu.Lock()
	if len(p.buffer) == 0 {
		p.mu.Unlock()
		return
	}
	batch := p.buffer
	p.buffer = nil
	p.mu.Unlock()

	for i, msg := range batch {
		if err := p.cb.Execute(func() error { return p.write(msg) }); err != nil {
			// Остаток возвращается в начало буфера
			p.mu.Lock()
			p.buffer = append(append([]pending(nil), batch[i:]...), p.buffer...)
			if over := len(p.buffer) - maxPending; over > 0 {
				p.buffer = p.buffer[over:]
			}
			p.mu.Unlock()
			return
		}
	}
	p.log.Info("buffered events flushed", utils.Int("count", len(batch)))
}

// Pending - число событий, ждущих восстановления Redis
func (p *Publisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.buffer)
}
