package engine

import (
	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

// Notifier получает операционные уведомления: остановки, аномалии,
// принудительные закрытия, отказ стрима. Вызывается синхронно,
// реализация не должна блокировать.
type Notifier interface {
	Notify(n models.Notification)
}

// NotifierFunc - функция как Notifier
type NotifierFunc func(n models.Notification)

func (f NotifierFunc) Notify(n models.Notification) { f(n) }

type logNotifier struct {
	log *utils.Logger
}

// NewLogNotifier пишет уведомления в лог
func NewLogNotifier() Notifier {
	return &logNotifier{log: utils.L().WithComponent("notify")}
}

func (l *logNotifier) Notify(n models.Notification) {
	fields := []interface{}{
		"type", n.Type, "symbol", n.Symbol, "message", n.Message,
	}
	switch n.Severity {
	case models.SeverityError:
		l.log.Sugar().Errorw("notification", fields...)
	case models.SeverityWarn:
		l.log.Sugar().Warnw("notification", fields...)
	default:
		l.log.Sugar().Infow("notification", fields...)
	}
}

// MultiNotifier рассылает уведомление всем получателям
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(n models.Notification) {
	for _, x := range m {
		if x != nil {
			x.Notify(n)
		}
	}
}
