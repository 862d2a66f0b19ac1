package utils

import (
	"math"
	"testing"
	"time"
)

func TestRoundDownToStep(t *testing.T) {
	tests := []struct {
		value, step, want float64
	}{
		{0.123456, 0.001, 0.123},
		{1.999, 0.01, 1.99},
		{100.5, 1, 100},
		{0.3, 0.1, 0.3},
		{5, 0, 5},
	}
	for _, tt := range tests {
		if got := RoundDownToStep(tt.value, tt.step); got != tt.want {
			t.Errorf("RoundDownToStep(%v, %v) = %v, want %v", tt.value, tt.step, got, tt.want)
		}
	}
}

func TestRoundToStep(t *testing.T) {
	if got := RoundUpToStep(0.1201, 0.01); got != 0.13 {
		t.Errorf("RoundUpToStep = %v, want 0.13", got)
	}
	if got := RoundToStep(25000.46, 0.1); got != 25000.5 {
		t.Errorf("RoundToStep = %v, want 25000.5", got)
	}
}

func TestFormatStep(t *testing.T) {
	tests := []struct {
		value, step float64
		want        string
	}{
		{0.12, 0.001, "0.120"},
		{25000.5, 0.1, "25000.5"},
		{3, 1, "3"},
		{3.25, 0, "3"},
	}
	for _, tt := range tests {
		if got := FormatStep(tt.value, tt.step); got != tt.want {
			t.Errorf("FormatStep(%v, %v) = %q, want %q", tt.value, tt.step, got, tt.want)
		}
	}
}

func TestCalculatePNL(t *testing.T) {
	if got := CalculatePNL("long", 100, 110, 2); got != 20 {
		t.Errorf("long pnl = %v, want 20", got)
	}
	if got := CalculatePNL("short", 100, 110, 2); got != -20 {
		t.Errorf("short pnl = %v, want -20", got)
	}
	if got := CalculatePNL("long", 100, 110, 0); got != 0 {
		t.Errorf("zero qty pnl = %v, want 0", got)
	}
}

func TestSpreadPercent(t *testing.T) {
	got := SpreadPercent(99.95, 100.05)
	if math.Abs(got-0.1) > 1e-9 {
		t.Errorf("SpreadPercent = %v, want 0.1", got)
	}
	if !math.IsInf(SpreadPercent(0, 100), 1) {
		t.Error("empty book side must give infinite spread")
	}
}

func TestClamp(t *testing.T) {
	if Clamp(5, 0, 3) != 3 || Clamp(-1, 0, 3) != 0 || Clamp(2, 0, 3) != 2 {
		t.Error("Clamp returned unexpected value")
	}
}

func TestDayStart(t *testing.T) {
	loc := time.FixedZone("test", 3*3600)
	tests := []struct {
		name string
		now  time.Time
		hour int
		want time.Time
	}{
		{"before reset hour", time.Date(2024, 1, 15, 3, 10, 0, 0, loc), 8, time.Date(2024, 1, 14, 8, 0, 0, 0, loc)},
		{"after reset hour", time.Date(2024, 1, 15, 9, 0, 0, 0, loc), 8, time.Date(2024, 1, 15, 8, 0, 0, 0, loc)},
		{"midnight reset", time.Date(2024, 1, 15, 0, 0, 0, 0, loc), 0, time.Date(2024, 1, 15, 0, 0, 0, 0, loc)},
		{"invalid hour falls back to midnight", time.Date(2024, 1, 15, 12, 0, 0, 0, loc), 42, time.Date(2024, 1, 15, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DayStart(tt.now, tt.hour); !got.Equal(tt.want) {
				t.Errorf("DayStart = %v, want %v", got, tt.want)
			}
		})
	}

	next := NextDayStart(time.Date(2024, 1, 15, 9, 0, 0, 0, loc), 8)
	if !next.Equal(time.Date(2024, 1, 16, 8, 0, 0, 0, loc)) {
		t.Errorf("NextDayStart = %v", next)
	}
}

func TestFromUnixMillis(t *testing.T) {
	if !FromUnixMillis(0).IsZero() {
		t.Error("zero millis must give zero time")
	}
	if got := FromUnixMillis(1700000000123).UnixMilli(); got != 1700000000123 {
		t.Errorf("round trip = %d", got)
	}
	if DateStamp(time.Date(2024, 3, 7, 10, 0, 0, 0, time.UTC)) != "20240307" {
		t.Error("DateStamp format mismatch")
	}
}

func TestValidators(t *testing.T) {
	if err := ValidateSymbol("BTCUSDT"); err != nil {
		t.Errorf("BTCUSDT rejected: %v", err)
	}
	for _, bad := range []string{"btcusdt", "BTC-USDT", "BTCUSD", ""} {
		if ValidateSymbol(bad) == nil {
			t.Errorf("symbol %q accepted", bad)
		}
	}
	if ValidateFraction("risk", 0.005) != nil || ValidateFraction("risk", 0) == nil || ValidateFraction("risk", 1.5) == nil {
		t.Error("ValidateFraction boundaries wrong")
	}
	if ValidatePositive("leverage", 5) != nil || ValidatePositive("leverage", 0) == nil {
		t.Error("ValidatePositive boundaries wrong")
	}
}
