package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"riskengine/internal/models"
	"riskengine/pkg/ratelimit"
)

const (
	testKey    = "test-api-key"
	testSecret = "test-api-secret"
)

func newTestREST(t *testing.T, handler http.Handler, limits ratelimit.Limits) *REST {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	if limits.WeightPerMinute == 0 {
		limits = ratelimit.Limits{WeightPerMinute: 2400, OrdersPerSecond: 30, OrdersPerMinute: 1200}
	}
	r := NewREST(RESTConfig{
		BaseURL:        srv.URL,
		APIKey:         testKey,
		APISecret:      testSecret,
		RecvWindow:     5000,
		RequestTimeout: 100 * time.Millisecond,
		Limits:         limits,
	}, nil, nil)
	r.reads.Backoff.Initial = time.Millisecond
	r.reads.Backoff.Max = 5 * time.Millisecond
	r.FilterCache().Set(SymbolFilters{Symbol: "BTCUSDT", TickSize: 0.1, StepSize: 0.001, MinQty: 0.001, MaxQty: 1000})
	t.Cleanup(r.Close)
	return r
}

func testOrder() *models.Order {
	return &models.Order{
		ClientOrderID: "cid-1",
		Symbol:        "BTCUSDT",
		Side:          models.OrderSideBuy,
		Type:          models.OrderTypeMarket,
		Quantity:      0.0123456,
	}
}

const ackBody = `{"symbol":"BTCUSDT","orderId":42,"clientOrderId":"cid-1","side":"BUY","type":"MARKET","status":"FILLED","origQty":"0.012","executedQty":"0.012","avgPrice":"50000","updateTime":1700000000000}`

func verifySignature(t *testing.T, r *http.Request) {
	t.Helper()
	if got := r.Header.Get("X-MBX-APIKEY"); got != testKey {
		t.Errorf("api key header = %q", got)
	}
	raw := r.URL.RawQuery
	i := strings.LastIndex(raw, "&signature=")
	if i < 0 {
		t.Fatalf("no signature in %q", raw)
	}
	h := hmac.New(sha256.New, []byte(testSecret))
	h.Write([]byte(raw[:i]))
	if want := hex.EncodeToString(h.Sum(nil)); raw[i+len("&signature="):] != want {
		t.Errorf("bad signature for %q", raw[:i])
	}
	q := r.URL.Query()
	if q.Get("timestamp") == "" || q.Get("recvWindow") != "5000" {
		t.Errorf("missing timestamp/recvWindow: %q", raw)
	}
}

func TestSubmit_SignedAndDecoded(t *testing.T) {
	var calls atomic.Int32
	rest := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Method != http.MethodPost || r.URL.Path != pathOrder {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		verifySignature(t, r)
		q := r.URL.Query()
		if q.Get("quantity") != "0.012" {
			t.Errorf("quantity = %q, want rounded down to step", q.Get("quantity"))
		}
		if q.Get("newClientOrderId") != "cid-1" {
			t.Errorf("client id = %q", q.Get("newClientOrderId"))
		}
		w.Header().Set("X-MBX-USED-WEIGHT-1M", "7")
		fmt.Fprint(w, ackBody)
	}), ratelimit.Limits{})

	ack, err := rest.Submit(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.ExchangeOrderID != 42 || ack.Status != models.OrderStatusFilled || ack.AvgPrice != 50000 {
		t.Errorf("unexpected ack %+v", ack)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestSubmit_ProtectiveParams(t *testing.T) {
	rest := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("closePosition") != "true" || q.Get("quantity") != "" || q.Get("reduceOnly") != "" {
			t.Errorf("closePosition order params: %q", r.URL.RawQuery)
		}
		if q.Get("stopPrice") != "49000.1" || q.Get("workingType") != "MARK_PRICE" {
			t.Errorf("stop params: %q", r.URL.RawQuery)
		}
		fmt.Fprint(w, `{"orderId":7,"clientOrderId":"stop-1","status":"NEW"}`)
	}), ratelimit.Limits{})

	o := &models.Order{
		ClientOrderID: "stop-1",
		Symbol:        "BTCUSDT",
		Side:          models.OrderSideSell,
		Type:          models.OrderTypeStopMarket,
		StopPrice:     49000.12,
		ClosePosition: true,
	}
	ack, err := rest.Submit(context.Background(), o)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.Status != models.OrderStatusOpen {
		t.Errorf("status = %s", ack.Status)
	}
}

// slowThen отвечает дольше таймаута попытки первые n раз
func slowThen(n int32, calls *atomic.Int32, ok http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		ok(w, r)
	}
}

func TestSubmit_InFlightTimeout(t *testing.T) {
	tests := []struct {
		name      string
		slow      int32
		wantErr   error
		wantCalls int32
	}{
		{name: "retried once and acked", slow: 1, wantCalls: 2},
		{name: "second timeout is ambiguous", slow: 2, wantErr: ErrAmbiguousOrderState, wantCalls: 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			rest := newTestREST(t, slowThen(tt.slow, &calls, func(w http.ResponseWriter, r *http.Request) {
				fmt.Fprint(w, ackBody)
			}), ratelimit.Limits{})

			_, err := rest.Submit(context.Background(), testOrder())
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			var amb *AmbiguousOrderState
			if tt.wantErr != nil && (!errors.As(err, &amb) || amb.ClientOrderID != "cid-1") {
				t.Errorf("ambiguous error lacks client id: %v", err)
			}
		})
	}
}

func TestSubmit_DuplicateClientIDAfterRetryQueries(t *testing.T) {
	var posts atomic.Int32
	rest := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			if posts.Add(1) == 1 {
				w.WriteHeader(http.StatusServiceUnavailable)
				fmt.Fprint(w, `{"code":-1007,"msg":"Timeout waiting for response from backend server."}`)
				return
			}
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"code":-4116,"msg":"ClientOrderId is duplicated."}`)
		case http.MethodGet:
			if r.URL.Query().Get("origClientOrderId") != "cid-1" {
				t.Errorf("query by %q", r.URL.Query().Get("origClientOrderId"))
			}
			fmt.Fprint(w, ackBody)
		}
	}), ratelimit.Limits{})

	ack, err := rest.Submit(context.Background(), testOrder())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.ExchangeOrderID != 42 || ack.FilledQty != 0.012 {
		t.Errorf("ack from query = %+v", ack)
	}
}

func TestSubmit_RejectionNotRetried(t *testing.T) {
	var calls atomic.Int32
	rest := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2019,"msg":"Margin is insufficient."}`)
	}), ratelimit.Limits{})

	_, err := rest.Submit(context.Background(), testOrder())
	var rej *ExchangeRejection
	if !errors.As(err, &rej) || rej.Code != -2019 {
		t.Fatalf("err = %v, want rejection -2019", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls = %d", calls.Load())
	}
}

func TestREST_RateLimitTimeoutOnlyOnDeadline(t *testing.T) {
	rest := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, ackBody)
	}), ratelimit.Limits{WeightPerMinute: 1, OrdersPerSecond: 10, OrdersPerMinute: 10})

	if _, err := rest.QueryOrder(context.Background(), "BTCUSDT", "cid-1"); err != nil {
		t.Fatalf("first query: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := rest.QueryOrder(ctx, "BTCUSDT", "cid-1")
	if !errors.Is(err, ErrRateLimitTimeout) {
		t.Fatalf("err = %v, want rate limit timeout", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Errorf("returned before deadline")
	}
}

func TestCancel_UnknownOrder(t *testing.T) {
	rest := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodDelete || r.URL.Query().Get("origClientOrderId") != "cid-1" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.RawQuery)
		}
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-2011,"msg":"Unknown order sent."}`)
	}), ratelimit.Limits{})

	err := rest.Cancel(context.Background(), "BTCUSDT", "cid-1")
	if !IsUnknownOrder(err) {
		t.Fatalf("err = %v, want unknown order", err)
	}
}

func TestSnapshot(t *testing.T) {
	var openOrderCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc(pathOpenOrders, func(w http.ResponseWriter, r *http.Request) {
		// первый ответ - 500, чтение повторяется
		if openOrderCalls.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		fmt.Fprint(w, `[{"symbol":"BTCUSDT","orderId":9,"clientOrderId":"stop-1","side":"SELL","type":"STOP_MARKET","origType":"STOP_MARKET","status":"NEW","origQty":"0","executedQty":"0","stopPrice":"49000","closePosition":true,"updateTime":1700000000000}]`)
	})
	mux.HandleFunc(pathPositionRisk, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"symbol":"BTCUSDT","positionAmt":"-0.010","entryPrice":"50000","markPrice":"49900","unRealizedProfit":"1","leverage":"5"},
			{"symbol":"ETHUSDT","positionAmt":"0.000","entryPrice":"0","markPrice":"3000","unRealizedProfit":"0","leverage":"5"}]`)
	})
	mux.HandleFunc(pathAccount, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"totalWalletBalance":"10000","totalMarginBalance":"10001","availableBalance":"9900","totalInitialMargin":"100"}`)
	})

	rest := newTestREST(t, mux, ratelimit.Limits{})
	snap, err := rest.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if len(snap.OpenOrders) != 1 || snap.OpenOrders[0].Source != SourceSnapshot || !snap.OpenOrders[0].ClosePosition {
		t.Errorf("open orders = %+v", snap.OpenOrders)
	}
	if len(snap.Positions) != 1 {
		t.Fatalf("positions = %+v, zero amounts must be skipped", snap.Positions)
	}
	p := snap.Positions[0]
	if p.Side != models.SideShort || p.Quantity != 0.01 || p.Leverage != 5 {
		t.Errorf("position = %+v", p)
	}
	if snap.Account.Equity != 10001 || snap.Account.AvailableMargin != 9900 {
		t.Errorf("account = %+v", snap.Account)
	}
	if openOrderCalls.Load() != 2 {
		t.Errorf("open orders calls = %d, want retry", openOrderCalls.Load())
	}
}

func TestSnapshot_FetchedAtInServerTime(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc(pathOpenOrders, func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `[]`) })
	mux.HandleFunc(pathPositionRisk, func(w http.ResponseWriter, r *http.Request) { fmt.Fprint(w, `[]`) })
	mux.HandleFunc(pathAccount, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"totalWalletBalance":"1","totalMarginBalance":"1","availableBalance":"1","totalInitialMargin":"0"}`)
	})

	local := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	rest := newTestREST(t, mux, ratelimit.Limits{})
	rest.now = func() time.Time { return local }
	// Локальные часы спешат на 1.5s относительно биржи
	rest.timeOffset.Store(-1500)

	snap, err := rest.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if want := local.Add(-1500 * time.Millisecond); !snap.FetchedAt.Equal(want) {
		t.Errorf("FetchedAt = %v, want %v", snap.FetchedAt, want)
	}
}

func TestSetLeverage_NoChangeIsNotError(t *testing.T) {
	rest := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":-4028,"msg":"Leverage 5 is not valid"}`)
	}), ratelimit.Limits{})

	if err := rest.SetLeverage(context.Background(), "BTCUSDT", 5); err != nil {
		t.Errorf("SetLeverage: %v", err)
	}
}

func TestLoadFilters(t *testing.T) {
	rest := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"symbols":[{"symbol":"ETHUSDT","status":"TRADING","filters":[
			{"filterType":"PRICE_FILTER","tickSize":"0.01"},
			{"filterType":"LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"10000"},
			{"filterType":"MARKET_LOT_SIZE","stepSize":"0.001","minQty":"0.001","maxQty":"2000"},
			{"filterType":"MIN_NOTIONAL","notional":"20"}]},
			{"symbol":"XRPUSDT","filters":[]}]}`)
	}), ratelimit.Limits{})

	if err := rest.LoadFilters(context.Background(), []string{"ETHUSDT"}); err != nil {
		t.Fatalf("LoadFilters: %v", err)
	}
	f, ok := rest.FilterCache().Get("ETHUSDT")
	if !ok {
		t.Fatal("ETHUSDT filters missing")
	}
	if f.TickSize != 0.01 || f.MaxMarketQty() != 2000 || f.MinNotional != 20 {
		t.Errorf("filters = %+v", f)
	}
	if _, ok := rest.FilterCache().Get("XRPUSDT"); ok {
		t.Error("unrequested symbol cached")
	}

	if err := rest.LoadFilters(context.Background(), []string{"ETHUSDT", "DOGEUSDT"}); err == nil {
		t.Error("expected error for unlisted symbol")
	}
}

func TestListenKey(t *testing.T) {
	rest := newTestREST(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-MBX-APIKEY") != testKey {
			t.Error("listen key request without api key")
		}
		if strings.Contains(r.URL.RawQuery, "signature") {
			t.Error("listen key request must not be signed")
		}
		switch r.Method {
		case http.MethodPost:
			fmt.Fprint(w, `{"listenKey":"abc123"}`)
		default:
			fmt.Fprint(w, `{}`)
		}
	}), ratelimit.Limits{})

	key, err := rest.StartListenKey(context.Background())
	if err != nil || key != "abc123" {
		t.Fatalf("StartListenKey = %q, %v", key, err)
	}
	if err := rest.KeepAliveListenKey(context.Background()); err != nil {
		t.Errorf("KeepAliveListenKey: %v", err)
	}
}
