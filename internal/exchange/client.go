package exchange

import (
	"context"
	"fmt"

	"riskengine/internal/config"
	"riskengine/internal/models"
	"riskengine/pkg/ratelimit"
	"riskengine/pkg/utils"
)

// Client - всё, что движок использует от биржи
type Client interface {
	Submit(ctx context.Context, order *models.Order) (Ack, error)
	Cancel(ctx context.Context, symbol, clientOrderID string) error
	CancelAll(ctx context.Context, symbol string) error
	QueryOrder(ctx context.Context, symbol, clientOrderID string) (OrderUpdate, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	BookTicker(ctx context.Context, symbol string) (bid, ask float64, err error)
	Filters(symbol string) (SymbolFilters, bool)

	Events() <-chan Event
	Restart(ctx context.Context) error
	Status() StreamStatus
}

// Binance - REST клиент и user data stream за одним интерфейсом
type Binance struct {
	*REST
	stream *Stream
}

var _ Client = (*Binance)(nil)

// NewBinance собирает клиент из конфигурации
func NewBinance(cfg config.BinanceConfig, eventBuffer int) *Binance {
	rest := NewREST(RESTConfig{
		BaseURL:        cfg.RESTBaseURL(),
		APIKey:         cfg.APIKey,
		APISecret:      cfg.APISecret,
		RecvWindow:     cfg.RecvWindow,
		RequestTimeout: cfg.RequestTimeout,
		Limits: ratelimit.Limits{
			WeightPerMinute: cfg.MaxWeightPerMinute,
			OrdersPerSecond: cfg.MaxOrderPerSecond,
			OrdersPerMinute: cfg.MaxOrderPerMinute,
		},
	}, nil, nil)

	scfg := DefaultStreamConfig()
	scfg.BaseURL = cfg.StreamBaseURL()
	scfg.PingInterval = cfg.PingInterval
	scfg.PongTimeout = cfg.PongTimeout
	scfg.ReconnectAttempts = cfg.ReconnectAttempts
	scfg.ListenKeyKeepalive = cfg.ListenKeyKeepalive
	scfg.Buffer = eventBuffer

	return &Binance{REST: rest, stream: NewStream(scfg, rest)}
}

// Prepare загружает фильтры, синхронизирует время и выставляет плечо
func (b *Binance) Prepare(ctx context.Context, symbols []string, leverage int) error {
	if err := b.SyncTime(ctx); err != nil {
		b.log.Warn("server time sync failed, using local clock", utils.Err(err))
	}
	if err := b.LoadFilters(ctx, symbols); err != nil {
		return fmt.Errorf("load filters: %w", err)
	}
	for _, s := range symbols {
		if err := b.SetLeverage(ctx, s, leverage); err != nil {
			return fmt.Errorf("set leverage %s: %w", s, err)
		}
	}
	return nil
}

// Start запускает user data stream
func (b *Binance) Start(ctx context.Context) error { return b.stream.Start(ctx) }

// Filters возвращает фильтры символа
func (b *Binance) Filters(symbol string) (SymbolFilters, bool) { return b.filters.Get(symbol) }

// Events - канал событий стрима
func (b *Binance) Events() <-chan Event { return b.stream.Events() }

// Restart переподключает стрим
func (b *Binance) Restart(ctx context.Context) error { return b.stream.Restart(ctx) }

// Status - состояние стрима
func (b *Binance) Status() StreamStatus { return b.stream.Status() }

// Close останавливает стрим и закрывает HTTP соединения
func (b *Binance) Close() error {
	err := b.stream.Close()
	b.REST.Close()
	return err
}
