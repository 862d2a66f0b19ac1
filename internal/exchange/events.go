package exchange

import (
	"fmt"
	"time"

	"riskengine/internal/models"
)

// EventKind - тип события от биржи
type EventKind int

const (
	EventOrderUpdate EventKind = iota + 1
	EventAccountUpdate
	EventResync
	EventStreamState
)

func (k EventKind) String() string {
	switch k {
	case EventOrderUpdate:
		return "order_update"
	case EventAccountUpdate:
		return "account_update"
	case EventResync:
		return "resync"
	case EventStreamState:
		return "stream_state"
	default:
		return "unknown"
	}
}

// StreamState - состояние соединения: Connected | Reconnecting(attempt) | Failed
type StreamState int

const (
	StateConnected StreamState = iota
	StateReconnecting
	StateFailed
)

func (s StreamState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// StreamStatus - состояние с номером попытки и последней ошибкой
type StreamStatus struct {
	State   StreamState
	Attempt int // для Reconnecting
	Err     error
}

func (s StreamStatus) String() string {
	if s.State == StateReconnecting {
		return fmt.Sprintf("reconnecting(%d)", s.Attempt)
	}
	return s.State.String()
}

// Source - откуда пришло обновление ордера
type Source int

const (
	SourceStream   Source = iota // user data stream, несёт исполнение
	SourceREST                   // ответ на Submit
	SourceSnapshot               // снимок openOrders при сверке
	SourceQuery                  // запрос статуса потерянного ордера
)

func (s Source) String() string {
	switch s {
	case SourceStream:
		return "stream"
	case SourceREST:
		return "rest"
	case SourceSnapshot:
		return "snapshot"
	case SourceQuery:
		return "query"
	default:
		return "unknown"
	}
}

// OrderUpdate - нормализованное обновление ордера.
// FilledQty и AvgPrice кумулятивные: повтор или перестановка событий
// не меняют итог.
type OrderUpdate struct {
	Source          Source
	Symbol          string
	ClientOrderID   string
	ExchangeOrderID int64
	Side            models.OrderSide
	Type            models.OrderType
	Status          models.OrderStatus
	Quantity        float64
	FilledQty       float64
	AvgPrice        float64
	LastFillQty     float64
	LastFillPrice   float64
	Price           float64
	StopPrice       float64
	ReduceOnly      bool
	ClosePosition   bool
	RealizedPnL     float64 // rp из стрима, по последнему исполнению
	TxTime          int64   // ms
}

// Seq возвращает метку порядка для дедупликации
func (u OrderUpdate) Seq() models.Sequence {
	return models.Sequence{TxTime: u.TxTime, FilledQty: u.FilledQty, Rank: u.Status.Rank()}
}

// Ack - подтверждение размещения ордера
type Ack struct {
	ClientOrderID   string
	ExchangeOrderID int64
	Status          models.OrderStatus
	FilledQty       float64
	AvgPrice        float64
	TxTime          int64
}

// Update превращает подтверждение в обновление с источником REST
func (a Ack) Update(symbol string) OrderUpdate {
	return OrderUpdate{
		Source:          SourceREST,
		Symbol:          symbol,
		ClientOrderID:   a.ClientOrderID,
		ExchangeOrderID: a.ExchangeOrderID,
		Status:          a.Status,
		FilledQty:       a.FilledQty,
		AvgPrice:        a.AvgPrice,
		TxTime:          a.TxTime,
	}
}

// PositionInfo - позиция по данным биржи (one-way режим)
type PositionInfo struct {
	Symbol        string
	Side          models.Side
	Quantity      float64 // модуль positionAmt
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
}

// Key возвращает ключ позиции
func (p PositionInfo) Key() models.PositionKey {
	return models.PositionKey{Symbol: p.Symbol, Side: p.Side}
}

// AccountInfo - баланс фьючерсного счёта
type AccountInfo struct {
	WalletBalance   float64
	Equity          float64 // totalMarginBalance
	AvailableMargin float64
	UsedMargin      float64 // totalInitialMargin
}

// AccountUpdate - событие ACCOUNT_UPDATE
type AccountUpdate struct {
	Reason        string
	WalletBalance float64
	Positions     []PositionInfo
	TxTime        int64
}

// Snapshot - REST снимок для сверки
type Snapshot struct {
	OpenOrders []OrderUpdate
	Positions  []PositionInfo
	Account    AccountInfo
	FetchedAt  time.Time
}

// Event - типизированное событие потока.
// Epoch - номер соединения, которым событие доставлено.
type Event struct {
	Kind     EventKind
	Epoch    uint64
	Time     time.Time
	Order    *OrderUpdate
	Account  *AccountUpdate
	Snapshot *Snapshot
	Stream   *StreamStatus
}
