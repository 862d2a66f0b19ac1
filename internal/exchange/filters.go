package exchange

import (
	"fmt"
	"sync"

	"riskengine/pkg/utils"
)

// SymbolFilters - торговые ограничения символа из exchangeInfo
type SymbolFilters struct {
	Symbol      string  `json:"symbol"`
	TickSize    float64 `json:"tick_size"`
	StepSize    float64 `json:"step_size"`
	MinQty      float64 `json:"min_qty"`
	MaxQty      float64 `json:"max_qty"`
	MarketMax   float64 `json:"market_max_qty"` // MARKET_LOT_SIZE
	MinNotional float64 `json:"min_notional"`
}

// MaxMarketQty - максимум для рыночного ордера
func (f SymbolFilters) MaxMarketQty() float64 {
	if f.MarketMax > 0 && (f.MaxQty == 0 || f.MarketMax < f.MaxQty) {
		return f.MarketMax
	}
	return f.MaxQty
}

// RoundQty округляет количество вниз к шагу лота
func (f SymbolFilters) RoundQty(qty float64) float64 {
	return utils.RoundDownToStep(qty, f.StepSize)
}

// RoundPrice округляет цену к тику
func (f SymbolFilters) RoundPrice(price float64) float64 {
	return utils.RoundToStep(price, f.TickSize)
}

// FormatQty - строковое представление для параметров запроса
func (f SymbolFilters) FormatQty(qty float64) string {
	return utils.FormatStep(f.RoundQty(qty), f.StepSize)
}

// FormatPrice - строковое представление цены
func (f SymbolFilters) FormatPrice(price float64) string {
	return utils.FormatStep(f.RoundPrice(price), f.TickSize)
}

// FilterCache - кеш фильтров, загружается один раз при старте
type FilterCache struct {
	mu      sync.RWMutex
	filters map[string]SymbolFilters
}

// NewFilterCache создаёт пустой кеш
func NewFilterCache() *FilterCache {
	return &FilterCache{filters: make(map[string]SymbolFilters)}
}

// Set сохраняет фильтры символа
func (c *FilterCache) Set(f SymbolFilters) {
	c.mu.Lock()
	c.filters[f.Symbol] = f
	c.mu.Unlock()
}

// Get возвращает фильтры символа
func (c *FilterCache) Get(symbol string) (SymbolFilters, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	f, ok := c.filters[symbol]
	return f, ok
}

// Require возвращает фильтры или ошибку для неизвестного символа
func (c *FilterCache) Require(symbol string) (SymbolFilters, error) {
	f, ok := c.Get(symbol)
	if !ok {
		return SymbolFilters{}, fmt.Errorf("no exchange filters for %s", symbol)
	}
	return f, nil
}

// All возвращает копию всех фильтров
func (c *FilterCache) All() []SymbolFilters {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]SymbolFilters, 0, len(c.filters))
	for _, f := range c.filters {
		out = append(out, f)
	}
	return out
}

// parseExchangeInfo извлекает фильтры запрошенных символов
func parseExchangeInfo(body []byte, symbols []string) ([]SymbolFilters, error) {
	var info restExchangeInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode exchangeInfo: %w", err)
	}

	all := len(symbols) == 0
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}

	out := make([]SymbolFilters, 0, len(symbols))
	for _, s := range info.Symbols {
		if !all && !want[s.Symbol] {
			continue
		}
		f := SymbolFilters{Symbol: s.Symbol}
		for _, flt := range s.Filters {
			switch flt.FilterType {
			case "PRICE_FILTER":
				f.TickSize = parseFloat(flt.TickSize)
			case "LOT_SIZE":
				f.StepSize = parseFloat(flt.StepSize)
				f.MinQty = parseFloat(flt.MinQty)
				f.MaxQty = parseFloat(flt.MaxQty)
			case "MARKET_LOT_SIZE":
				f.MarketMax = parseFloat(flt.MaxQty)
			case "MIN_NOTIONAL":
				f.MinNotional = parseFloat(flt.Notional)
			}
		}
		out = append(out, f)
		delete(want, s.Symbol)
	}

	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for s := range want {
			missing = append(missing, s)
		}
		return out, fmt.Errorf("symbols not listed on exchange: %v", missing)
	}
	return out, nil
}
