package engine

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

type errRecorder struct {
	recorder
	errs []error
}

func (r *errRecorder) Error(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, err)
}

func (r *errRecorder) Name() string { return "test" }

func TestFanout_DeliversInOrderAndDrainsOnClose(t *testing.T) {
	r := &errRecorder{}
	plain := &recorder{}
	f := newFanout(r, nil, plain)

	for i := 0; i < 10; i++ {
		f.TradeEvent(models.TradeEvent{Kind: models.TradeEventOpen, Reason: string(rune('a' + i))})
	}
	f.Rejection(models.RejectionEvent{Reason: models.RejectCooldown})
	f.Error(errors.New("mismatch"))
	f.Close()
	f.Close()

	if len(r.trades) != 10 || len(plain.trades) != 10 {
		t.Fatalf("delivered %d and %d trades", len(r.trades), len(plain.trades))
	}
	for i, ev := range r.trades {
		if ev.Reason != string(rune('a'+i)) {
			t.Fatalf("trade %d out of order: %q", i, ev.Reason)
		}
	}
	if len(r.rejections) != 1 || len(r.errs) != 1 {
		t.Errorf("rejections %d errors %d", len(r.rejections), len(r.errs))
	}
}

type blockingSink struct{ release chan struct{} }

func (b *blockingSink) TradeEvent(models.TradeEvent) { <-b.release }
func (b *blockingSink) Rejection(models.RejectionEvent) {}

func TestFanout_SlowSinkDropsInsteadOfBlocking(t *testing.T) {
	b := &blockingSink{release: make(chan struct{})}
	f := newFanout(b)

	// Буфер плюс одно событие в обработке; остальное отбрасывается
	for i := 0; i < sinkBuffer+50; i++ {
		f.TradeEvent(models.TradeEvent{Kind: models.TradeEventAdjust})
	}
	close(b.release)
	f.Close()
}

func TestFanout_DroppedTradeEventIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	b := &blockingSink{release: make(chan struct{})}
	f := newFanout(b)
	f.log = utils.FromZap(zap.New(core))

	pos := models.Position{Symbol: "BTCUSDT", Side: models.SideLong}
	for i := 0; i < sinkBuffer+2; i++ {
		f.TradeEvent(models.TradeEvent{Kind: models.TradeEventAdjust, Position: pos})
	}
	f.TradeEvent(models.TradeEvent{Kind: models.TradeEventClose, Position: pos, Reason: "stop"})
	close(b.release)
	f.Close()

	dropped := logs.FilterMessage("sink queue full, trade event dropped").All()
	if len(dropped) == 0 {
		t.Fatal("no warning for dropped trade events")
	}
	last := dropped[len(dropped)-1].ContextMap()
	if last["position"] != pos.Key().String() {
		t.Errorf("position field = %v", last["position"])
	}
	if last["kind"] != string(models.TradeEventClose) || last["reason"] != "stop" {
		t.Errorf("fields = %v", last)
	}
}
