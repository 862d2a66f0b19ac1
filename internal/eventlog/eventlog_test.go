package eventlog

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"riskengine/internal/models"
	"riskengine/internal/store"
)

func TestJournal_WritesDailyFiles(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	day := time.Date(2024, 3, 1, 23, 59, 0, 0, time.UTC)
	j.now = func() time.Time { return day }

	pos := models.Position{Symbol: "BTCUSDT", Side: models.SideLong, Quantity: 0.01, EntryPrice: 50000}
	j.TradeEvent(models.TradeEvent{Kind: models.TradeEventOpen, Position: pos, Time: day})
	j.Rejection(models.RejectionEvent{
		Reason: models.RejectCooldown,
		Intent: models.TradeIntent{Symbol: "ETHUSDT", Direction: models.SideShort},
		Time:   day,
	})
	j.Error(&store.AnomalousPosition{Key: pos.Key(), Reason: "attach_timeout"})
	j.Error(fmt.Errorf("wrapped: %w", &store.ReconciliationMismatch{Kind: "position_quantity", Symbol: "BTCUSDT"}))

	// Смена даты открывает новый файл
	next := day.Add(2 * time.Minute)
	j.now = func() time.Time { return next }
	j.TradeEvent(models.TradeEvent{Kind: models.TradeEventClose, Position: pos, PnL: 5, Time: next})

	if err := j.Close(); err != nil {
		t.Fatal(err)
	}

	trades, err := ReadFile(filepath.Join(dir, "trades_20240301.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades = %d", len(trades))
	}
	if trades[0].Type != "trade" || trades[0].Trade.Kind != models.TradeEventOpen || trades[0].Symbol != "BTCUSDT" {
		t.Errorf("first record = %+v", trades[0])
	}
	if trades[1].Type != "rejection" || trades[1].Rejection.Reason != models.RejectCooldown || trades[1].Symbol != "ETHUSDT" {
		t.Errorf("second record = %+v", trades[1])
	}

	errs, err := ReadFile(filepath.Join(dir, "errors_20240301.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(errs) != 2 || errs[0].Type != "anomaly" || errs[1].Type != "mismatch" {
		t.Errorf("errors = %+v", errs)
	}

	nextDay, err := ReadFile(filepath.Join(dir, "trades_20240302.jsonl"))
	if err != nil {
		t.Fatal(err)
	}
	if len(nextDay) != 1 || nextDay[0].Trade.PnL != 5 {
		t.Errorf("next day = %+v", nextDay)
	}
}

func TestJournal_WriteAfterCloseIgnored(t *testing.T) {
	dir := t.TempDir()
	j, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := j.Close(); err != nil {
		t.Fatal(err)
	}
	j.Error(errors.New("late"))

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Errorf("files after close: %d", len(entries))
	}
}

func TestOpen_RequiresDir(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Error("expected error")
	}
}
