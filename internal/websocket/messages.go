package websocket

import (
	"time"

	"riskengine/internal/models"
)

// MessageType определяет тип WebSocket сообщения
type MessageType string

// Типы сообщений ленты /ws/events
const (
	// MessageTypeTrade - событие позиции: open, adjust, close, anomaly, forced_close
	MessageTypeTrade MessageType = "trade"

	// MessageTypeRejection - отказ риск-контроля по намерению
	MessageTypeRejection MessageType = "rejection"

	// MessageTypeOrder - изменение состояния ордера
	MessageTypeOrder MessageType = "order"

	// MessageTypeNotification - операционное уведомление (HALT, ANOMALY ...)
	MessageTypeNotification MessageType = "notification"

	// MessageTypeHello - первое сообщение после подключения
	MessageTypeHello MessageType = "hello"
)

// BaseMessage - общие поля всех сообщений
type BaseMessage struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
}

// TradeMessage - событие позиции с полным снимком
type TradeMessage struct {
	BaseMessage
	Data models.TradeEvent `json:"data"`
}

// RejectionMessage - отказ с причиной и исходным намерением
type RejectionMessage struct {
	BaseMessage
	Data models.RejectionEvent `json:"data"`
}

// OrderMessage - состояние ордера после перехода
type OrderMessage struct {
	BaseMessage
	Data models.Order `json:"data"`
}

// NotificationMessage - уведомление
type NotificationMessage struct {
	BaseMessage
	Data models.Notification `json:"data"`
}

// HelloMessage - приветствие с текущими остановками символов
type HelloMessage struct {
	BaseMessage
	Halted map[string]string `json:"halted,omitempty"`
}

// NewTradeMessage создаёт сообщение о событии позиции
func NewTradeMessage(ev models.TradeEvent) *TradeMessage {
	return &TradeMessage{
		BaseMessage: BaseMessage{Type: MessageTypeTrade, Timestamp: stamp(ev.Time)},
		Data:        ev,
	}
}

// NewRejectionMessage создаёт сообщение об отказе
func NewRejectionMessage(ev models.RejectionEvent) *RejectionMessage {
	return &RejectionMessage{
		BaseMessage: BaseMessage{Type: MessageTypeRejection, Timestamp: stamp(ev.Time)},
		Data:        ev,
	}
}

// NewOrderMessage создаёт сообщение об ордере
func NewOrderMessage(o models.Order) *OrderMessage {
	return &OrderMessage{
		BaseMessage: BaseMessage{Type: MessageTypeOrder, Timestamp: stamp(o.UpdatedAt)},
		Data:        o,
	}
}

// NewNotificationMessage создаёт сообщение с уведомлением
func NewNotificationMessage(n models.Notification) *NotificationMessage {
	return &NotificationMessage{
		BaseMessage: BaseMessage{Type: MessageTypeNotification, Timestamp: stamp(n.Timestamp)},
		Data:        n,
	}
}

func stamp(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now()
	}
	return t
}
