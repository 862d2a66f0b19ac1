package models

import "time"

// OrderSide - сторона ордера на бирже
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// OrderType - тип ордера (значения совпадают с Binance)
type OrderType string

const (
	OrderTypeMarket       OrderType = "MARKET"
	OrderTypeLimit        OrderType = "LIMIT"
	OrderTypeStopMarket   OrderType = "STOP_MARKET"
	OrderTypeTakeProfit   OrderType = "TAKE_PROFIT_MARKET"
	OrderTypeTrailingStop OrderType = "TRAILING_STOP_MARKET"
)

// IsProtective - стоп/тейк/трейлинг
func (t OrderType) IsProtective() bool {
	return t == OrderTypeStopMarket || t == OrderTypeTakeProfit || t == OrderTypeTrailingStop
}

// OrderStatus - локальный статус ордера
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending" // отправлен, ack ещё нет
	OrderStatusOpen            OrderStatus = "open"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCanceled        OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusExpired         OrderStatus = "expired"
	OrderStatusLost            OrderStatus = "lost" // пропал из снимка, ждёт запроса статуса
)

// IsTerminal - ордер больше не изменится
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired:
		return true
	}
	return false
}

// IsActive - ордер может стоять на бирже
func (s OrderStatus) IsActive() bool {
	return s == OrderStatusPending || s == OrderStatusOpen || s == OrderStatusPartiallyFilled
}

// Rank - порядок статусов для разрешения равных по времени событий
func (s OrderStatus) Rank() int {
	switch s {
	case OrderStatusPending:
		return 0
	case OrderStatusOpen, OrderStatusLost:
		return 1
	case OrderStatusPartiallyFilled:
		return 2
	default:
		return 3
	}
}

// OrderRole - назначение ордера относительно позиции
type OrderRole string

const (
	RoleEntry       OrderRole = "entry"
	RoleStop        OrderRole = "stop"
	RoleTakeProfit  OrderRole = "take_profit"
	RoleExit        OrderRole = "exit"         // закрытие по сигналу или удержанию
	RoleForcedClose OrderRole = "forced_close" // аномалия
	RoleExternal    OrderRole = "external"     // принят из снимка биржи
)

// ClosesPosition - ордер уменьшает позицию
func (r OrderRole) ClosesPosition() bool {
	return r == RoleStop || r == RoleTakeProfit || r == RoleExit || r == RoleForcedClose
}

// Sequence - порядковая метка события ордера:
// время транзакции биржи, при равенстве - прогресс исполнения и статус
type Sequence struct {
	TxTime    int64   `json:"tx_time"`
	FilledQty float64 `json:"filled_qty"`
	Rank      int     `json:"rank"`
}

// Less сравнивает метки
func (s Sequence) Less(o Sequence) bool {
	if s.TxTime != o.TxTime {
		return s.TxTime < o.TxTime
	}
	if s.FilledQty != o.FilledQty {
		return s.FilledQty < o.FilledQty
	}
	return s.Rank < o.Rank
}

// IsZero - метка ещё не выставлялась
func (s Sequence) IsZero() bool {
	return s == Sequence{}
}

// Order - ордер в арене стора, ключ - ClientOrderID
type Order struct {
	ClientOrderID   string      `json:"client_order_id"`
	ExchangeOrderID int64       `json:"exchange_order_id,omitempty"`
	Symbol          string      `json:"symbol"`
	Side            OrderSide   `json:"side"`
	PositionSide    Side        `json:"position_side"` // ссылка на позицию (symbol, side)
	Type            OrderType   `json:"type"`
	Role            OrderRole   `json:"role"`
	Strategy        Strategy    `json:"strategy,omitempty"`
	Status          OrderStatus `json:"status"`
	Quantity        float64     `json:"quantity"`
	FilledQty       float64     `json:"filled_qty"`
	AvgPrice        float64     `json:"avg_price"`
	Price           float64     `json:"price,omitempty"`
	StopPrice       float64     `json:"stop_price,omitempty"`
	ReduceOnly      bool        `json:"reduce_only"`
	ClosePosition   bool        `json:"close_position"`
	LastSeq         Sequence    `json:"last_seq"`
	RejectReason    string      `json:"reject_reason,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// PositionKey - слабая ссылка на позицию
func (o *Order) PositionKey() PositionKey {
	return PositionKey{Symbol: o.Symbol, Side: o.PositionSide}
}

// Clone возвращает копию ордера
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// Remaining - неисполненный остаток
func (o *Order) Remaining() float64 {
	r := o.Quantity - o.FilledQty
	if r < 0 {
		return 0
	}
	return r
}
