package engine

import (
	"fmt"
	"sync"

	"riskengine/internal/metrics"
	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

// Sink получает торговые события и отказы
type Sink interface {
	TradeEvent(ev models.TradeEvent)
	Rejection(ev models.RejectionEvent)
}

// ErrorSink дополнительно получает аномалии и расхождения
type ErrorSink interface {
	Error(err error)
}

// OrderSink дополнительно получает изменения ордеров
type OrderSink interface {
	Order(o models.Order)
}

// Named задаёт имя синка для метрик
type Named interface {
	Name() string
}

const sinkBuffer = 256

// fanout раздаёт события синкам через буферы. Медленный синк не
// тормозит потребителя: при переполнении событие отбрасывается.
type fanout struct {
	log    *utils.Logger
	queues []*sinkQueue
	wg     sync.WaitGroup
	once   sync.Once
}

type sinkQueue struct {
	name string
	sink Sink
	ch   chan interface{}
}

func newFanout(sinks ...Sink) *fanout {
	f := &fanout{log: utils.L().WithComponent("sinks")}
	for i, s := range sinks {
		if s == nil {
			continue
		}
		name := fmt.Sprintf("sink%d", i)
		if n, ok := s.(Named); ok {
			name = n.Name()
		}
		q := &sinkQueue{name: name, sink: s, ch: make(chan interface{}, sinkBuffer)}
		f.queues = append(f.queues, q)
		f.wg.Add(1)
		go f.run(q)
	}
	return f
}

func (f *fanout) run(q *sinkQueue) {
	defer f.wg.Done()
	for v := range q.ch {
		func() {
			defer func() {
				if r := recover(); r != nil {
					utils.L().Error("sink panic", utils.String("sink", q.name), utils.Any("panic", r))
				}
			}()
			switch ev := v.(type) {
			case models.TradeEvent:
				q.sink.TradeEvent(ev)
			case models.RejectionEvent:
				q.sink.Rejection(ev)
			case models.Order:
				if os, ok := q.sink.(OrderSink); ok {
					os.Order(ev)
				}
			case error:
				if es, ok := q.sink.(ErrorSink); ok {
					es.Error(ev)
				}
			}
		}()
	}
}

func (f *fanout) push(v interface{}) {
	for _, q := range f.queues {
		select {
		case q.ch <- v:
		default:
			metrics.RecordSinkOverflow(q.name)
			if ev, ok := v.(models.TradeEvent); ok {
				f.log.Warn("sink queue full, trade event dropped",
					utils.String("sink", q.name),
					utils.String("position", ev.Position.Key().String()),
					utils.String("kind", string(ev.Kind)),
					utils.Reason(ev.Reason))
			}
		}
	}
}

func (f *fanout) TradeEvent(ev models.TradeEvent) { f.push(ev) }
func (f *fanout) Rejection(ev models.RejectionEvent) { f.push(ev) }
func (f *fanout) Error(err error) { f.push(err) }
func (f *fanout) Order(o models.Order) { f.push(o) }

// Close дожидается опустошения буферов
func (f *fanout) Close() {
	f.once.Do(func() {
		for _, q := range f.queues {
			close(q.ch)
		}
		f.wg.Wait()
	})
}
