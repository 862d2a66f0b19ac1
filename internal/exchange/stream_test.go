package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"riskengine/pkg/retry"
)

// fakeSource - listen key и снимки без HTTP
type fakeSource struct {
	mu        sync.Mutex
	keyErr    error
	keys      atomic.Int32
	snapshots atomic.Int32
}

func (f *fakeSource) StartListenKey(ctx context.Context) (string, error) {
	f.mu.Lock()
	err := f.keyErr
	f.mu.Unlock()
	if err != nil {
		return "", err
	}
	f.keys.Add(1)
	return "key", nil
}

func (f *fakeSource) setKeyErr(err error) {
	f.mu.Lock()
	f.keyErr = err
	f.mu.Unlock()
}

func (f *fakeSource) KeepAliveListenKey(ctx context.Context) error { return nil }
func (f *fakeSource) CloseListenKey(ctx context.Context) error     { return nil }

func (f *fakeSource) Snapshot(ctx context.Context) (Snapshot, error) {
	f.snapshots.Add(1)
	return Snapshot{
		Positions: []PositionInfo{{Symbol: "BTCUSDT", Quantity: 0.01}},
		FetchedAt: time.Now(),
	}, nil
}

const orderMsg = `{"e":"ORDER_TRADE_UPDATE","E":1700000000000,"T":1700000000000,"o":{"s":"BTCUSDT","c":"cid-1","S":"BUY","ot":"MARKET","q":"0.010","p":"0","ap":"50000","sp":"0","x":"TRADE","X":"FILLED","i":42,"l":"0.010","z":"0.010","L":"50000","T":1700000000000,"R":false,"cp":false,"rp":"0"}}`

var testUpgrader = websocket.Upgrader{}

func newWSServer(t *testing.T, handler func(conn *websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/key") {
			t.Errorf("stream path %q lacks listen key", r.URL.Path)
		}
		conn, err := testUpgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

// readUntilClosed держит соединение и отвечает на ping
func readUntilClosed(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func testStreamConfig(url string) StreamConfig {
	return StreamConfig{
		BaseURL:            url,
		PingInterval:       time.Second,
		PongTimeout:        time.Second,
		ReconnectAttempts:  3,
		ListenKeyKeepalive: time.Minute,
		HandshakeTimeout:   time.Second,
		Backoff:            retry.Backoff{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2},
		Buffer:             64,
	}
}

func nextEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev, ok := <-ch:
		if !ok {
			t.Fatal("events channel closed")
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return Event{}
}

// nextOf пропускает события других видов
func nextOf(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	for {
		if ev := nextEvent(t, ch); ev.Kind == kind {
			return ev
		}
	}
}

func TestStream_ResyncBeforeEvents(t *testing.T) {
	url := newWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(orderMsg))
		readUntilClosed(conn)
	})
	src := &fakeSource{}
	s := NewStream(testStreamConfig(url), src)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ev := nextEvent(t, s.Events())
	if ev.Kind != EventResync || ev.Epoch != 1 || ev.Snapshot == nil {
		t.Fatalf("first event = %v epoch %d, want resync epoch 1", ev.Kind, ev.Epoch)
	}
	ev = nextEvent(t, s.Events())
	if ev.Kind != EventStreamState || ev.Stream.State != StateConnected {
		t.Fatalf("second event = %v, want connected", ev.Kind)
	}
	ev = nextEvent(t, s.Events())
	if ev.Kind != EventOrderUpdate || ev.Epoch != 1 {
		t.Fatalf("third event = %v epoch %d", ev.Kind, ev.Epoch)
	}
	u := ev.Order
	if u.ClientOrderID != "cid-1" || u.ExchangeOrderID != 42 || u.FilledQty != 0.01 || u.Source != SourceStream {
		t.Errorf("order update = %+v", u)
	}
	if s.Status().State != StateConnected {
		t.Errorf("status = %s", s.Status())
	}
}

func TestStream_ReconnectResyncsWithNewEpoch(t *testing.T) {
	var conns atomic.Int32
	url := newWSServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(orderMsg))
		if conns.Add(1) == 1 {
			return // обрыв первого соединения
		}
		readUntilClosed(conn)
	})
	src := &fakeSource{}
	s := NewStream(testStreamConfig(url), src)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	nextOf(t, s.Events(), EventResync)

	ev := nextOf(t, s.Events(), EventStreamState)
	if ev.Stream.State != StateConnected {
		t.Fatalf("state = %s", ev.Stream)
	}
	ev = nextOf(t, s.Events(), EventStreamState)
	if ev.Stream.State != StateReconnecting || ev.Stream.Attempt != 1 {
		t.Fatalf("state = %s, want reconnecting(1)", ev.Stream)
	}

	// После переподключения Resync нового epoch идёт раньше его событий
	for {
		ev = nextEvent(t, s.Events())
		if ev.Kind == EventOrderUpdate && ev.Epoch == 2 {
			t.Fatal("order event of epoch 2 before resync")
		}
		if ev.Kind == EventResync {
			break
		}
	}
	if ev.Epoch != 2 {
		t.Errorf("resync epoch = %d, want 2", ev.Epoch)
	}
	ev = nextOf(t, s.Events(), EventOrderUpdate)
	if ev.Epoch != 2 {
		t.Errorf("order epoch = %d, want 2", ev.Epoch)
	}
	if src.snapshots.Load() != 2 {
		t.Errorf("snapshots = %d", src.snapshots.Load())
	}
}

func TestStream_FailsAfterAttemptsAndRestarts(t *testing.T) {
	url := newWSServer(t, readUntilClosed)
	src := &fakeSource{}
	src.setKeyErr(errors.New("exchange down"))

	cfg := testStreamConfig(url)
	cfg.ReconnectAttempts = 2
	s := NewStream(cfg, src)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	var states []string
	for {
		ev := nextOf(t, s.Events(), EventStreamState)
		states = append(states, ev.Stream.String())
		if ev.Stream.State == StateFailed {
			break
		}
	}
	want := []string{"reconnecting(1)", "reconnecting(2)", "failed"}
	if strings.Join(states, ",") != strings.Join(want, ",") {
		t.Fatalf("states = %v, want %v", states, want)
	}

	src.setKeyErr(nil)
	if err := s.Restart(context.Background()); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	ev := nextOf(t, s.Events(), EventResync)
	if ev.Epoch != 1 {
		t.Errorf("epoch after restart = %d", ev.Epoch)
	}
}

func TestStream_MissingPongForcesReconnect(t *testing.T) {
	stop := make(chan struct{})
	var conns atomic.Int32
	url := newWSServer(t, func(conn *websocket.Conn) {
		if conns.Add(1) == 1 {
			// не читаем - ping остаётся без ответа
			select {
			case <-stop:
			case <-time.After(3 * time.Second):
			}
			return
		}
		readUntilClosed(conn)
	})
	defer close(stop)

	cfg := testStreamConfig(url)
	cfg.PingInterval = 50 * time.Millisecond
	cfg.PongTimeout = 50 * time.Millisecond
	s := NewStream(cfg, &fakeSource{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	nextOf(t, s.Events(), EventResync)
	for {
		ev := nextOf(t, s.Events(), EventStreamState)
		if ev.Stream.State == StateReconnecting {
			break
		}
	}
	if ev := nextOf(t, s.Events(), EventResync); ev.Epoch != 2 {
		t.Errorf("epoch = %d, want 2", ev.Epoch)
	}
}

func TestStream_OutlivesStartContext(t *testing.T) {
	release := make(chan struct{})
	url := newWSServer(t, func(conn *websocket.Conn) {
		<-release
		_ = conn.WriteMessage(websocket.TextMessage, []byte(orderMsg))
		readUntilClosed(conn)
	})
	s := NewStream(testStreamConfig(url), &fakeSource{})
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	for ev := nextOf(t, s.Events(), EventStreamState); ev.Stream.State != StateConnected; {
		ev = nextOf(t, s.Events(), EventStreamState)
	}

	// Сигнал остановки процесса: стрим должен доставлять события до Close
	cancel()
	close(release)
	ev := nextOf(t, s.Events(), EventOrderUpdate)
	if ev.Order == nil || ev.Order.ClientOrderID != "cid-1" {
		t.Fatalf("order event = %+v", ev.Order)
	}
	if st := s.Status(); st.State != StateConnected {
		t.Errorf("state after cancel = %v", st.State)
	}
}

func TestStream_CloseClosesEvents(t *testing.T) {
	url := newWSServer(t, readUntilClosed)
	s := NewStream(testStreamConfig(url), &fakeSource{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	nextOf(t, s.Events(), EventResync)

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	for range s.Events() {
	}
	if err := s.Restart(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Errorf("Restart after Close = %v", err)
	}
}

func TestDecodeUserEvent(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		wantOK bool
		check  func(t *testing.T, ev Event)
		err    error
	}{
		{
			name:   "order update",
			msg:    orderMsg,
			wantOK: true,
			check: func(t *testing.T, ev Event) {
				if ev.Order.TxTime != 1700000000000 || ev.Order.AvgPrice != 50000 {
					t.Errorf("order = %+v", ev.Order)
				}
			},
		},
		{
			name:   "account update with flat position",
			msg:    `{"e":"ACCOUNT_UPDATE","E":1,"T":2,"a":{"m":"ORDER","B":[{"a":"USDT","wb":"9990"}],"P":[{"s":"BTCUSDT","pa":"0","ep":"0","up":"0","mt":"cross","ps":"BOTH"}]}}`,
			wantOK: true,
			check: func(t *testing.T, ev Event) {
				a := ev.Account
				if a.WalletBalance != 9990 || len(a.Positions) != 1 || a.Positions[0].Quantity != 0 {
					t.Errorf("account = %+v", a)
				}
			},
		},
		{name: "listen key expired", msg: `{"e":"listenKeyExpired","E":1}`, err: errListenKeyExpired},
		{name: "unknown event", msg: `{"e":"MARGIN_CALL","E":1}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, ok, err := decodeUserEvent([]byte(tt.msg))
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if ok != tt.wantOK {
				t.Fatalf("ok = %v", ok)
			}
			if tt.check != nil {
				tt.check(t, ev)
			}
		})
	}
}
