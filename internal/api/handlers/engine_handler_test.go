package handlers

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"sort"
	"testing"

	"github.com/gorilla/mux"

	"riskengine/internal/engine"
	"riskengine/internal/models"
)

// ============================================================
// Mock engine
// ============================================================

type mockEngine struct {
	running, accepting bool
	symbols            []string
	positions          []*models.Position
	orders             []*models.Order
	closed             []models.Position
	account            models.AccountState
	halted             map[string]string
	intents            []models.TradeIntent
	submitErr          error
}

func newMockEngine() *mockEngine {
	return &mockEngine{
		running:   true,
		accepting: true,
		symbols:   []string{"BTCUSDT", "ETHUSDT"},
		halted:    map[string]string{},
	}
}

func (m *mockEngine) Running() bool     { return m.running }
func (m *mockEngine) Accepting() bool   { return m.accepting }
func (m *mockEngine) Symbols() []string { return m.symbols }

func (m *mockEngine) Positions(symbol string) []*models.Position {
	var out []*models.Position
	for _, p := range m.positions {
		if symbol == "" || p.Symbol == symbol {
			out = append(out, p)
		}
	}
	return out
}

func (m *mockEngine) OpenOrders(symbol string) []*models.Order { return m.orders }

func (m *mockEngine) ClosedPositions(limit int) []models.Position {
	if limit < len(m.closed) {
		return m.closed[:limit]
	}
	return m.closed
}

func (m *mockEngine) Account() models.AccountState     { return m.account }
func (m *mockEngine) HaltedSymbols() map[string]string { return m.halted }
func (m *mockEngine) Halt(symbol, reason string)       { m.halted[symbol] = reason }

func (m *mockEngine) Resume(symbol string) bool {
	_, ok := m.halted[symbol]
	delete(m.halted, symbol)
	return ok
}

func (m *mockEngine) SubmitIntent(it models.TradeIntent) error {
	if m.submitErr != nil {
		return m.submitErr
	}
	m.intents = append(m.intents, it)
	return nil
}

func serve(h http.HandlerFunc, method, target string, body []byte, vars map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	if vars != nil {
		req = mux.SetURLVars(req, vars)
	}
	w := httptest.NewRecorder()
	h(w, req)
	return w
}

// ============ EngineHandler Tests ============

func TestEngineHandler_Health(t *testing.T) {
	tests := []struct {
		name               string
		running, accepting bool
		wantCode           int
		wantStatus         string
	}{
		{"accepting", true, true, http.StatusOK, "ok"},
		{"draining", true, false, http.StatusServiceUnavailable, "draining"},
		{"stopped", false, false, http.StatusServiceUnavailable, "stopped"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockEngine()
			m.running, m.accepting = tt.running, tt.accepting
			m.positions = []*models.Position{{Symbol: "BTCUSDT", Side: models.SideLong, Quantity: 0.01}}
			h := NewEngineHandler(m, 0)

			w := serve(h.Health, http.MethodGet, "/health", nil, nil)
			if w.Code != tt.wantCode {
				t.Errorf("code = %d, want %d", w.Code, tt.wantCode)
			}
			var resp HealthResponse
			if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Status != tt.wantStatus || resp.OpenPositions != 1 {
				t.Errorf("resp = %+v", resp)
			}
		})
	}
}

func TestEngineHandler_GetPositions(t *testing.T) {
	m := newMockEngine()
	m.positions = []*models.Position{
		{Symbol: "BTCUSDT", Side: models.SideLong, Quantity: 0.01},
		{Symbol: "ETHUSDT", Side: models.SideShort, Quantity: 1},
	}
	h := NewEngineHandler(m, 0)

	t.Run("all", func(t *testing.T) {
		w := serve(h.GetPositions, http.MethodGet, "/api/v1/positions", nil, nil)
		var resp struct {
			Positions []models.Position `json:"positions"`
			Total     int               `json:"total"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Total != 2 {
			t.Errorf("total = %d", resp.Total)
		}
	})

	t.Run("filtered and lower-case symbol", func(t *testing.T) {
		w := serve(h.GetPositions, http.MethodGet, "/api/v1/positions?symbol=ethusdt", nil, nil)
		var resp struct {
			Positions []models.Position `json:"positions"`
		}
		json.Unmarshal(w.Body.Bytes(), &resp)
		if len(resp.Positions) != 1 || resp.Positions[0].Side != models.SideShort {
			t.Errorf("positions = %+v", resp.Positions)
		}
	})

	t.Run("empty list is an array", func(t *testing.T) {
		w := serve(h.GetPositions, http.MethodGet, "/api/v1/positions?symbol=XRPUSDT", nil, nil)
		if !bytes.Contains(w.Body.Bytes(), []byte(`"positions":[]`)) {
			t.Errorf("body = %s", w.Body.String())
		}
	})
}

func TestEngineHandler_GetSymbols(t *testing.T) {
	m := newMockEngine()
	m.halted["ETHUSDT"] = engine.HaltStreamFailed
	h := NewEngineHandler(m, 0)

	w := serve(h.GetSymbols, http.MethodGet, "/api/v1/symbols", nil, nil)
	var out []SymbolStatus
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode: %v", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	if len(out) != 2 || out[0].Halted || !out[1].Halted || out[1].HaltReason != engine.HaltStreamFailed {
		t.Errorf("symbols = %+v", out)
	}
}

func TestEngineHandler_HaltResume(t *testing.T) {
	m := newMockEngine()
	h := NewEngineHandler(m, 0)
	vars := map[string]string{"symbol": "btcusdt"}

	w := serve(h.HaltSymbol, http.MethodPost, "/api/v1/symbols/btcusdt/halt", nil, vars)
	if w.Code != http.StatusOK || m.halted["BTCUSDT"] != engine.HaltManual {
		t.Fatalf("halt: code %d halted %v", w.Code, m.halted)
	}

	w = serve(h.ResumeSymbol, http.MethodPost, "/api/v1/symbols/btcusdt/resume", nil, vars)
	if w.Code != http.StatusOK || len(m.halted) != 0 {
		t.Fatalf("resume: code %d halted %v", w.Code, m.halted)
	}

	w = serve(h.ResumeSymbol, http.MethodPost, "/api/v1/symbols/btcusdt/resume", nil, vars)
	if w.Code != http.StatusConflict {
		t.Errorf("second resume code = %d", w.Code)
	}

	w = serve(h.HaltSymbol, http.MethodPost, "/api/v1/symbols/DOGEUSDT/halt", nil, map[string]string{"symbol": "DOGEUSDT"})
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown symbol code = %d", w.Code)
	}
	var er ErrorResponse
	json.Unmarshal(w.Body.Bytes(), &er)
	if er.Code != CodeUnknownSymbol {
		t.Errorf("error = %+v", er)
	}
}

func TestEngineHandler_FlattenSymbol(t *testing.T) {
	positions := []*models.Position{
		{Symbol: "BTCUSDT", Side: models.SideLong, Strategy: models.StrategyTrendLong, Quantity: 0.01},
		{Symbol: "BTCUSDT", Side: models.SideShort, Strategy: models.StrategyReversionShort, Quantity: 0.02},
	}
	vars := map[string]string{"symbol": "BTCUSDT"}

	tests := []struct {
		name       string
		body       string
		positions  []*models.Position
		submitErr  error
		wantCode   int
		wantQueued int
	}{
		{name: "both sides", positions: positions, wantCode: http.StatusAccepted, wantQueued: 2},
		{name: "one side", body: `{"side":"short"}`, positions: positions, wantCode: http.StatusAccepted, wantQueued: 1},
		{name: "invalid side", body: `{"side":"up"}`, positions: positions, wantCode: http.StatusBadRequest},
		{name: "invalid json", body: `{`, positions: positions, wantCode: http.StatusBadRequest},
		{name: "no position", wantCode: http.StatusNotFound},
		{name: "engine stopping", positions: positions, submitErr: engine.ErrShuttingDown, wantCode: http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newMockEngine()
			m.positions = tt.positions
			m.submitErr = tt.submitErr
			h := NewEngineHandler(m, 0)

			w := serve(h.FlattenSymbol, http.MethodPost, "/api/v1/symbols/BTCUSDT/flatten", []byte(tt.body), vars)
			if w.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
			if len(m.intents) != tt.wantQueued {
				t.Fatalf("intents = %+v", m.intents)
			}
			for _, it := range m.intents {
				if !it.Exit || it.Symbol != "BTCUSDT" || it.Validate() != nil {
					t.Errorf("intent = %+v", it)
				}
			}
		})
	}
}

func TestEngineHandler_FlattenBodyLimit(t *testing.T) {
	m := newMockEngine()
	m.positions = []*models.Position{{Symbol: "BTCUSDT", Side: models.SideLong}}
	h := NewEngineHandler(m, 8)

	w := serve(h.FlattenSymbol, http.MethodPost, "/api/v1/symbols/BTCUSDT/flatten",
		[]byte(`{"side":"long","padding":"xxxxxxxx"}`), map[string]string{"symbol": "BTCUSDT"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("code = %d", w.Code)
	}
}

func TestEngineHandler_GetAccountAndOrders(t *testing.T) {
	m := newMockEngine()
	m.account = models.AccountState{Equity: 10000, DailyTrades: 3}
	m.orders = []*models.Order{{ClientOrderID: "rs-1", Symbol: "BTCUSDT", Role: models.RoleStop}}
	h := NewEngineHandler(m, 0)

	w := serve(h.GetAccount, http.MethodGet, "/api/v1/account", nil, nil)
	var acct models.AccountState
	if err := json.Unmarshal(w.Body.Bytes(), &acct); err != nil || acct.Equity != 10000 || acct.DailyTrades != 3 {
		t.Errorf("account = %+v err %v", acct, err)
	}

	w = serve(h.GetOrders, http.MethodGet, "/api/v1/orders", nil, nil)
	if !bytes.Contains(w.Body.Bytes(), []byte(`"rs-1"`)) {
		t.Errorf("orders body = %s", w.Body.String())
	}
}

func TestRespondWithError(t *testing.T) {
	w := httptest.NewRecorder()
	respondWithError(w, http.StatusTeapot, CodeBadRequest, errors.New("x").Error())
	if w.Code != http.StatusTeapot || w.Header().Get("Content-Type") != "application/json" {
		t.Errorf("code %d type %q", w.Code, w.Header().Get("Content-Type"))
	}
}
