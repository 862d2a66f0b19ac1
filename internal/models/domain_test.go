package models

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestStrategy_Side(t *testing.T) {
	tests := []struct {
		strategy Strategy
		side     Side
		trend    bool
	}{
		{StrategyTrendLong, SideLong, true},
		{StrategyTrendShort, SideShort, true},
		{StrategyReversionLong, SideLong, false},
		{StrategyReversionShort, SideShort, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			if got := tt.strategy.Side(); got != tt.side {
				t.Errorf("Side() = %s, want %s", got, tt.side)
			}
			if got := tt.strategy.IsTrend(); got != tt.trend {
				t.Errorf("IsTrend() = %v, want %v", got, tt.trend)
			}
			if !tt.strategy.Valid() {
				t.Error("Valid() = false")
			}
		})
	}
	if Strategy("scalp").Valid() {
		t.Error("unknown strategy reported valid")
	}
}

func TestSide_OrderSides(t *testing.T) {
	if SideLong.EntryOrderSide() != OrderSideBuy || SideLong.ExitOrderSide() != OrderSideSell {
		t.Error("long order sides are wrong")
	}
	if SideShort.EntryOrderSide() != OrderSideSell || SideShort.ExitOrderSide() != OrderSideBuy {
		t.Error("short order sides are wrong")
	}
	if SideLong.Opposite() != SideShort || SideShort.Opposite() != SideLong {
		t.Error("Opposite() is wrong")
	}
}

func TestPosition_PnLAndMargin(t *testing.T) {
	long := &Position{Symbol: "BTCUSDT", Side: SideLong, EntryPrice: 100, Quantity: 2, Leverage: 4}
	short := &Position{Symbol: "BTCUSDT", Side: SideShort, EntryPrice: 100, Quantity: 2}

	if got := long.PnLAt(110); got != 20 {
		t.Errorf("long PnLAt(110) = %v, want 20", got)
	}
	if got := short.PnLAt(110); got != -20 {
		t.Errorf("short PnLAt(110) = %v, want -20", got)
	}
	if got := long.Margin(); got != 50 {
		t.Errorf("Margin() = %v, want 50", got)
	}
	// Leverage по умолчанию 1
	if got := short.Margin(); got != 200 {
		t.Errorf("Margin() without leverage = %v, want 200", got)
	}

	long.Mark(90)
	if long.MarkPrice != 90 || long.UnrealizedPnL != -20 {
		t.Errorf("Mark(90) -> mark=%v upnl=%v", long.MarkPrice, long.UnrealizedPnL)
	}
	long.Mark(0)
	if long.MarkPrice != 90 {
		t.Error("Mark(0) must be ignored")
	}
}

func TestPosition_CloneIsIndependent(t *testing.T) {
	p := &Position{Symbol: "ETHUSDT", Side: SideShort, Quantity: 1, StopOrderID: "re-1"}
	c := p.Clone()
	c.Quantity = 5
	c.StopOrderID = ""
	if p.Quantity != 1 || !p.Protected() {
		t.Error("Clone shares state with the original")
	}
	var nilPos *Position
	if nilPos.Clone() != nil {
		t.Error("Clone of nil must be nil")
	}
}

func TestOrderStatus(t *testing.T) {
	terminal := []OrderStatus{OrderStatusFilled, OrderStatusCanceled, OrderStatusRejected, OrderStatusExpired}
	for _, s := range terminal {
		if !s.IsTerminal() || s.IsActive() {
			t.Errorf("%s must be terminal and inactive", s)
		}
	}
	active := []OrderStatus{OrderStatusPending, OrderStatusOpen, OrderStatusPartiallyFilled}
	for _, s := range active {
		if s.IsTerminal() || !s.IsActive() {
			t.Errorf("%s must be active", s)
		}
	}
	if OrderStatusLost.IsTerminal() || OrderStatusLost.IsActive() {
		t.Error("lost is neither terminal nor active")
	}
}

func TestSequence_Less(t *testing.T) {
	tests := []struct {
		name string
		a, b Sequence
		want bool
	}{
		{"earlier tx", Sequence{TxTime: 1}, Sequence{TxTime: 2}, true},
		{"later tx", Sequence{TxTime: 3}, Sequence{TxTime: 2}, false},
		{"same tx less filled", Sequence{TxTime: 2, FilledQty: 0.1}, Sequence{TxTime: 2, FilledQty: 0.2}, true},
		{"same tx same fill lower rank", Sequence{TxTime: 2, FilledQty: 1, Rank: 2}, Sequence{TxTime: 2, FilledQty: 1, Rank: 3}, true},
		{"equal", Sequence{TxTime: 2, FilledQty: 1, Rank: 3}, Sequence{TxTime: 2, FilledQty: 1, Rank: 3}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Less(tt.b); got != tt.want {
				t.Errorf("Less() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOrder_Remaining(t *testing.T) {
	o := &Order{Quantity: 1, FilledQty: 0.4}
	if got := o.Remaining(); got < 0.5999 || got > 0.6001 {
		t.Errorf("Remaining() = %v, want 0.6", got)
	}
	o.FilledQty = 2
	if o.Remaining() != 0 {
		t.Error("Remaining() must not be negative")
	}
}

func TestTradeIntent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		intent  TradeIntent
		wantErr string
	}{
		{"valid", TradeIntent{Symbol: "BTCUSDT", Direction: SideLong, Strategy: StrategyTrendLong}, ""},
		{"no symbol", TradeIntent{Direction: SideLong, Strategy: StrategyTrendLong}, "symbol"},
		{"bad direction", TradeIntent{Symbol: "BTCUSDT", Direction: "up", Strategy: StrategyTrendLong}, "direction"},
		{"bad strategy", TradeIntent{Symbol: "BTCUSDT", Direction: SideLong, Strategy: "x"}, "strategy"},
		{"mismatch", TradeIntent{Symbol: "BTCUSDT", Direction: SideShort, Strategy: StrategyTrendLong}, "does not match"},
		{"exit without strategy", TradeIntent{Symbol: "BTCUSDT", Direction: SideShort, Exit: true}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.intent.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() error = %v, want %q", err, tt.wantErr)
			}
		})
	}
}

func TestAccountState_InCooldown(t *testing.T) {
	now := time.Now()
	if (AccountState{}).InCooldown(now) {
		t.Error("zero cooldown must be inactive")
	}
	if !(AccountState{CooldownUntil: now.Add(time.Minute)}).InCooldown(now) {
		t.Error("future cooldown must be active")
	}
	if (AccountState{CooldownUntil: now.Add(-time.Minute)}).InCooldown(now) {
		t.Error("expired cooldown must be inactive")
	}
}

func TestTradeEvent_JSONFieldNames(t *testing.T) {
	ev := TradeEvent{
		Kind:     TradeEventForcedClose,
		Position: Position{Symbol: "BTCUSDT", Side: SideLong, Quantity: 0.01},
		Reason:   "AnomalousPosition",
		Time:     time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	for _, field := range []string{`"kind":"forced_close"`, `"symbol":"BTCUSDT"`, `"reason":"AnomalousPosition"`} {
		if !strings.Contains(string(data), field) {
			t.Errorf("JSON %s missing %s", data, field)
		}
	}
}

func TestMarketSnapshot_ATRPercent(t *testing.T) {
	if got := (MarketSnapshot{Close: 200, ATR: 4}).ATRPercent(); got != 0.02 {
		t.Errorf("ATRPercent() = %v, want 0.02", got)
	}
	if (MarketSnapshot{ATR: 4}).ATRPercent() != 0 {
		t.Error("ATRPercent() without price must be 0")
	}
}
