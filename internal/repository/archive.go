package repository

import (
	"database/sql"
	"sync"

	"riskengine/internal/metrics"
	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

const notificationBuffer = 128

// Archive пишет события движка в базу. Синк вызывается из своей
// горутины fanout; уведомления приходят из потребителя и пишутся
// отдельной горутиной через буфер.
type Archive struct {
	trades        *TradeRepository
	rejections    *RejectionRepository
	orders        *OrderRepository
	notifications *NotificationRepository
	log           *utils.Logger

	mu     sync.RWMutex
	closed bool
	notes  chan models.Notification
	wg     sync.WaitGroup
}

// NewArchive создаёт архив поверх подключения
func NewArchive(db *sql.DB) *Archive {
	a := &Archive{
		trades:        NewTradeRepository(db),
		rejections:    NewRejectionRepository(db),
		orders:        NewOrderRepository(db),
		notifications: NewNotificationRepository(db),
		log:           utils.L().WithComponent("archive"),
		notes:         make(chan models.Notification, notificationBuffer),
	}
	a.wg.Add(1)
	go a.writeNotifications()
	return a
}

// Trades - репозиторий торговых событий для API
func (a *Archive) Trades() *TradeRepository { return a.trades }

// Orders - репозиторий ордеров для API
func (a *Archive) Orders() *OrderRepository { return a.orders }

// Rejections - репозиторий отказов для API
func (a *Archive) Rejections() *RejectionRepository { return a.rejections }

// Notifications - репозиторий уведомлений для API
func (a *Archive) Notifications() *NotificationRepository { return a.notifications }

// Name - имя синка для метрик
func (a *Archive) Name() string { return "postgres" }

// TradeEvent сохраняет торговое событие
func (a *Archive) TradeEvent(ev models.TradeEvent) {
	if _, err := a.trades.Create(ev); err != nil {
		a.log.Error("archive trade event failed",
			utils.Symbol(ev.Position.Symbol), utils.String("kind", string(ev.Kind)), utils.Err(err))
	}
}

// Rejection сохраняет отказ риск-контроля
func (a *Archive) Rejection(ev models.RejectionEvent) {
	if _, err := a.rejections.Create(ev); err != nil {
		a.log.Error("archive rejection failed",
			utils.Symbol(ev.Intent.Symbol), utils.Reason(string(ev.Reason)), utils.Err(err))
	}
}

// Order сохраняет состояние ордера
func (a *Archive) Order(o models.Order) {
	if err := a.orders.Upsert(&o); err != nil {
		a.log.Error("archive order failed",
			utils.Symbol(o.Symbol), utils.ClientOrderID(o.ClientOrderID), utils.Err(err))
	}
}

// Notify ставит уведомление в очередь записи, не блокируя вызывающего
func (a *Archive) Notify(n models.Notification) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return
	}
	select {
	case a.notes <- n:
	default:
		metrics.RecordSinkOverflow("postgres_notifications")
	}
}

func (a *Archive) writeNotifications() {
	defer a.wg.Done()
	for n := range a.notes {
		if _, err := a.notifications.Create(n); err != nil {
			a.log.Error("archive notification failed", utils.String("type", n.Type), utils.Err(err))
		}
	}
}

// Close дописывает очередь уведомлений
func (a *Archive) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.notes)
	a.mu.Unlock()
	a.wg.Wait()
}
