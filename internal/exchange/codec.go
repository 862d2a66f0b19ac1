package exchange

import (
	"fmt"
	"strconv"
	"time"

	jsoniter "github.com/json-iterator/go"

	"riskengine/internal/models"
)

// json - быстрый декодер, совместимый с encoding/json
var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ============================================================
// Wire-форматы Binance USDⓈ-M Futures
// ============================================================

// apiError - тело ответа с ошибкой
type apiError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

// restOrder - ответ POST/GET /fapi/v1/order и элементы openOrders
type restOrder struct {
	Symbol        string `json:"symbol"`
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	OrigType      string `json:"origType"`
	Status        string `json:"status"`
	OrigQty       string `json:"origQty"`
	ExecutedQty   string `json:"executedQty"`
	AvgPrice      string `json:"avgPrice"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	ClosePosition bool   `json:"closePosition"`
	UpdateTime    int64  `json:"updateTime"`
}

func (o restOrder) update(src Source) OrderUpdate {
	typ := o.OrigType
	if typ == "" {
		typ = o.Type
	}
	return OrderUpdate{
		Source:          src,
		Symbol:          o.Symbol,
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.OrderID,
		Side:            models.OrderSide(o.Side),
		Type:            models.OrderType(typ),
		Status:          mapStatus(o.Status),
		Quantity:        parseFloat(o.OrigQty),
		FilledQty:       parseFloat(o.ExecutedQty),
		AvgPrice:        parseFloat(o.AvgPrice),
		Price:           parseFloat(o.Price),
		StopPrice:       parseFloat(o.StopPrice),
		ReduceOnly:      o.ReduceOnly,
		ClosePosition:   o.ClosePosition,
		TxTime:          o.UpdateTime,
	}
}

func (o restOrder) ack() Ack {
	return Ack{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: o.OrderID,
		Status:          mapStatus(o.Status),
		FilledQty:       parseFloat(o.ExecutedQty),
		AvgPrice:        parseFloat(o.AvgPrice),
		TxTime:          o.UpdateTime,
	}
}

// restPosition - элемент /fapi/v2/positionRisk
type restPosition struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"`
	EntryPrice       string `json:"entryPrice"`
	MarkPrice        string `json:"markPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	Leverage         string `json:"leverage"`
}

func (p restPosition) info() (PositionInfo, bool) {
	amt := parseFloat(p.PositionAmt)
	if amt == 0 {
		return PositionInfo{}, false
	}
	side := models.SideLong
	if amt < 0 {
		side = models.SideShort
		amt = -amt
	}
	lev, _ := strconv.Atoi(p.Leverage)
	return PositionInfo{
		Symbol:        p.Symbol,
		Side:          side,
		Quantity:      amt,
		EntryPrice:    parseFloat(p.EntryPrice),
		MarkPrice:     parseFloat(p.MarkPrice),
		UnrealizedPnL: parseFloat(p.UnRealizedProfit),
		Leverage:      lev,
	}, true
}

// restAccount - /fapi/v2/account
type restAccount struct {
	TotalWalletBalance string `json:"totalWalletBalance"`
	TotalMarginBalance string `json:"totalMarginBalance"`
	AvailableBalance   string `json:"availableBalance"`
	TotalInitialMargin string `json:"totalInitialMargin"`
}

func (a restAccount) info() AccountInfo {
	return AccountInfo{
		WalletBalance:   parseFloat(a.TotalWalletBalance),
		Equity:          parseFloat(a.TotalMarginBalance),
		AvailableMargin: parseFloat(a.AvailableBalance),
		UsedMargin:      parseFloat(a.TotalInitialMargin),
	}
}

// restBookTicker - /fapi/v1/ticker/bookTicker
type restBookTicker struct {
	Symbol   string `json:"symbol"`
	BidPrice string `json:"bidPrice"`
	AskPrice string `json:"askPrice"`
	Time     int64  `json:"time"`
}

// restExchangeInfo - /fapi/v1/exchangeInfo (только нужные поля)
type restExchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Status  string `json:"status"`
		Filters []struct {
			FilterType string `json:"filterType"`
			TickSize   string `json:"tickSize"`
			StepSize   string `json:"stepSize"`
			MinQty     string `json:"minQty"`
			MaxQty     string `json:"maxQty"`
			Notional   string `json:"notional"`
		} `json:"filters"`
	} `json:"symbols"`
}

// ============================================================
// User data stream
// ============================================================

type streamHeader struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`
	TxTime    int64  `json:"T"`
}

type streamOrderUpdate struct {
	streamHeader
	Order struct {
		Symbol        string `json:"s"`
		ClientOrderID string `json:"c"`
		Side          string `json:"S"`
		OrigType      string `json:"ot"`
		Quantity      string `json:"q"`
		Price         string `json:"p"`
		AvgPrice      string `json:"ap"`
		StopPrice     string `json:"sp"`
		ExecType      string `json:"x"`
		Status        string `json:"X"`
		OrderID       int64  `json:"i"`
		LastFillQty   string `json:"l"`
		CumFilledQty  string `json:"z"`
		LastFillPrice string `json:"L"`
		TradeTime     int64  `json:"T"`
		ReduceOnly    bool   `json:"R"`
		ClosePosition bool   `json:"cp"`
		RealizedPnL   string `json:"rp"`
	} `json:"o"`
}

type streamAccountUpdate struct {
	streamHeader
	Account struct {
		Reason   string `json:"m"`
		Balances []struct {
			Asset         string `json:"a"`
			WalletBalance string `json:"wb"`
		} `json:"B"`
		Positions []struct {
			Symbol      string `json:"s"`
			Amount      string `json:"pa"`
			EntryPrice  string `json:"ep"`
			Unrealized  string `json:"up"`
			MarginType  string `json:"mt"`
			PositionSid string `json:"ps"`
		} `json:"P"`
	} `json:"a"`
}

// errListenKeyExpired - биржа закрыла listen key, нужен новый
var errListenKeyExpired = fmt.Errorf("listen key expired")

// decodeUserEvent разбирает сообщение user data stream.
// ok=false для служебных и неизвестных сообщений.
func decodeUserEvent(msg []byte) (Event, bool, error) {
	var hdr streamHeader
	if err := json.Unmarshal(msg, &hdr); err != nil {
		return Event{}, false, fmt.Errorf("decode stream header: %w", err)
	}

	switch hdr.EventType {
	case "ORDER_TRADE_UPDATE":
		var m streamOrderUpdate
		if err := json.Unmarshal(msg, &m); err != nil {
			return Event{}, false, fmt.Errorf("decode order update: %w", err)
		}
		o := m.Order
		tx := m.TxTime
		if tx == 0 {
			tx = o.TradeTime
		}
		u := OrderUpdate{
			Source:          SourceStream,
			Symbol:          o.Symbol,
			ClientOrderID:   o.ClientOrderID,
			ExchangeOrderID: o.OrderID,
			Side:            models.OrderSide(o.Side),
			Type:            models.OrderType(o.OrigType),
			Status:          mapStatus(o.Status),
			Quantity:        parseFloat(o.Quantity),
			FilledQty:       parseFloat(o.CumFilledQty),
			AvgPrice:        parseFloat(o.AvgPrice),
			LastFillQty:     parseFloat(o.LastFillQty),
			LastFillPrice:   parseFloat(o.LastFillPrice),
			Price:           parseFloat(o.Price),
			StopPrice:       parseFloat(o.StopPrice),
			ReduceOnly:      o.ReduceOnly,
			ClosePosition:   o.ClosePosition,
			RealizedPnL:     parseFloat(o.RealizedPnL),
			TxTime:          tx,
		}
		return Event{Kind: EventOrderUpdate, Time: time.UnixMilli(hdr.EventTime), Order: &u}, true, nil

	case "ACCOUNT_UPDATE":
		var m streamAccountUpdate
		if err := json.Unmarshal(msg, &m); err != nil {
			return Event{}, false, fmt.Errorf("decode account update: %w", err)
		}
		a := &AccountUpdate{Reason: m.Account.Reason, TxTime: m.TxTime}
		for _, b := range m.Account.Balances {
			if b.Asset == "USDT" {
				a.WalletBalance = parseFloat(b.WalletBalance)
			}
		}
		for _, p := range m.Account.Positions {
			rp := restPosition{Symbol: p.Symbol, PositionAmt: p.Amount, EntryPrice: p.EntryPrice, UnRealizedProfit: p.Unrealized}
			if info, ok := rp.info(); ok {
				a.Positions = append(a.Positions, info)
			} else {
				// Нулевая позиция: сообщаем явным нулём по символу
				a.Positions = append(a.Positions, PositionInfo{Symbol: p.Symbol})
			}
		}
		return Event{Kind: EventAccountUpdate, Time: time.UnixMilli(hdr.EventTime), Account: a}, true, nil

	case "listenKeyExpired":
		return Event{}, false, errListenKeyExpired
	}

	return Event{}, false, nil
}

// mapStatus переводит статус Binance в локальный
func mapStatus(s string) models.OrderStatus {
	switch s {
	case "NEW":
		return models.OrderStatusOpen
	case "PARTIALLY_FILLED":
		return models.OrderStatusPartiallyFilled
	case "FILLED":
		return models.OrderStatusFilled
	case "CANCELED":
		return models.OrderStatusCanceled
	case "REJECTED":
		return models.OrderStatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return models.OrderStatusExpired
	default:
		return models.OrderStatusOpen
	}
}

func parseFloat(s string) float64 {
	if s == "" {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
