package websocket

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"riskengine/internal/models"
)

// ============================================================
// Unit Tests
// ============================================================

func TestNewHub(t *testing.T) {
	hub := NewHub(nil)

	if hub == nil {
		t.Fatal("NewHub returned nil")
	}
	if hub.ClientCount() != 0 {
		t.Errorf("expected 0 clients, got %d", hub.ClientCount())
	}
	if hub.DroppedMessages() != 0 {
		t.Errorf("expected 0 dropped messages, got %d", hub.DroppedMessages())
	}
	if hub.Name() != "websocket" {
		t.Errorf("name = %q", hub.Name())
	}
}

func TestOriginChecker_Check(t *testing.T) {
	checker := NewOriginChecker([]string{"http://localhost:3000", " https://example.com "})

	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},                       // empty origin allowed
		{"http://localhost:3000", true},  // allowed
		{"https://example.com", true},    // allowed, trimmed
		{"http://evil.com", false},       // not allowed
		{"http://localhost:8080", false}, // not in list
	}

	for _, tt := range tests {
		if got := checker.Check(tt.origin); got != tt.want {
			t.Errorf("Check(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

func TestOriginChecker_AllowAll(t *testing.T) {
	for name, origins := range map[string][]string{
		"empty":    nil,
		"wildcard": {"*"},
	} {
		t.Run(name, func(t *testing.T) {
			checker := NewOriginChecker(origins)
			for _, origin := range []string{"http://localhost:3000", "https://evil.com"} {
				if !checker.Check(origin) {
					t.Errorf("Check(%q) = false", origin)
				}
			}
		})
	}
}

func TestHub_BroadcastNonBlocking(t *testing.T) {
	// Run не запущен: очередь заполняется, остальное отбрасывается
	hub := NewHub(nil)
	for i := 0; i < broadcastBuffer+10; i++ {
		hub.Broadcast(map[string]int{"i": i})
	}
	if hub.DroppedMessages() != 10 {
		t.Errorf("dropped = %d, want 10", hub.DroppedMessages())
	}
}

func TestHub_Stop(t *testing.T) {
	hub := NewHub(nil)

	done := make(chan struct{})
	go func() {
		hub.Run()
		close(done)
	}()

	hub.Stop()
	hub.Stop()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Hub.Run() did not exit after Stop()")
	}

	// После остановки рассылка игнорируется
	hub.Broadcast(map[string]string{"type": "late"})
	if hub.DroppedMessages() != 0 {
		t.Errorf("dropped = %d after stop", hub.DroppedMessages())
	}
}

// ============================================================
// Integration with a real connection
// ============================================================

func dial(t *testing.T, hub *Hub, origin string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(hub.ServeWS))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	header := http.Header{}
	if origin != "" {
		header.Set("Origin", origin)
	}
	return websocket.DefaultDialer.Dial(url, header)
}

func waitClients(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.ClientCount() != n {
		if time.Now().After(deadline) {
			t.Fatalf("clients = %d, want %d", hub.ClientCount(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func readMessage(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestHub_DeliversEngineEvents(t *testing.T) {
	hub := NewHub(nil)
	hub.SetHello(func() map[string]string { return map[string]string{"ETHUSDT": "manual"} })
	go hub.Run()
	defer hub.Stop()

	conn, _, err := dial(t, hub, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	waitClients(t, hub, 1)

	var hello HelloMessage
	readMessage(t, conn, &hello)
	if hello.Type != MessageTypeHello || hello.Halted["ETHUSDT"] != "manual" {
		t.Errorf("hello = %+v", hello)
	}

	hub.TradeEvent(models.TradeEvent{
		Kind:     models.TradeEventForcedClose,
		Position: models.Position{Symbol: "BTCUSDT", Side: models.SideLong},
		PnL:      -2,
		Time:     time.Now(),
	})
	var trade TradeMessage
	readMessage(t, conn, &trade)
	if trade.Type != MessageTypeTrade || trade.Data.Kind != models.TradeEventForcedClose || trade.Data.Position.Symbol != "BTCUSDT" {
		t.Errorf("trade = %+v", trade)
	}

	hub.Notify(models.Notification{Type: models.NotificationTypeHalt, Severity: models.SeverityError, Symbol: "BTCUSDT"})
	var note NotificationMessage
	readMessage(t, conn, &note)
	if note.Type != MessageTypeNotification || note.Data.Type != models.NotificationTypeHalt {
		t.Errorf("notification = %+v", note)
	}
	if note.Timestamp.IsZero() {
		t.Error("zero timestamp not replaced")
	}

	hub.Rejection(models.RejectionEvent{Reason: models.RejectCooldown, Intent: models.TradeIntent{Symbol: "BTCUSDT"}})
	var rej RejectionMessage
	readMessage(t, conn, &rej)
	if rej.Type != MessageTypeRejection || rej.Data.Reason != models.RejectCooldown {
		t.Errorf("rejection = %+v", rej)
	}
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	conn, _, err := dial(t, hub, "")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitClients(t, hub, 1)
	conn.Close()
	waitClients(t, hub, 0)
}

func TestHub_RejectsForeignOrigin(t *testing.T) {
	hub := NewHub([]string{"https://ops.example.com"})
	go hub.Run()
	defer hub.Stop()

	_, resp, err := dial(t, hub, "https://evil.example.com")
	if err == nil {
		t.Fatal("expected handshake failure")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("resp = %v", resp)
	}
	if hub.ClientCount() != 0 {
		t.Errorf("clients = %d", hub.ClientCount())
	}
}

// ============================================================
// Benchmarks
// ============================================================

func BenchmarkHub_Broadcast(b *testing.B) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Stop()

	ev := models.TradeEvent{Kind: models.TradeEventAdjust, Position: models.Position{Symbol: "BTCUSDT"}}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		hub.TradeEvent(ev)
	}
}

func BenchmarkOriginChecker_Check(b *testing.B) {
	checker := NewOriginChecker([]string{"http://localhost:3000"})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		checker.Check("http://localhost:3000")
	}
}
