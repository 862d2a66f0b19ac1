// Package bridge связывает движок с генератором сигналов и слоем данных
// через Redis Streams.
//
// Входящие стримы (consumer group):
//
//	intent_stream  {"data": TradeIntent JSON}     -> Engine.SubmitIntent
//	market_stream  {"data": MarketSnapshot JSON}  -> Engine.OnMarket
//
// Исходящий стрим event_stream получает торговые события, отказы,
// изменения ордеров и аномалии: {"type": ..., "data": JSON}.
package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/go-redis/redis/v8"
	jsoniter "github.com/json-iterator/go"

	"riskengine/internal/config"
	"riskengine/internal/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// streamClient - используемое подмножество команд Redis.
// *goredis.Client удовлетворяет ему напрямую.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *goredis.StatusCmd
	XReadGroup(ctx context.Context, a *goredis.XReadGroupArgs) *goredis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *goredis.IntCmd
	XAdd(ctx context.Context, a *goredis.XAddArgs) *goredis.StringCmd
}

// Target - приёмник входящих сообщений (движок)
type Target interface {
	SubmitIntent(intent models.TradeIntent) error
	OnMarket(m models.MarketSnapshot)
}

// Dial подключается к Redis и проверяет соединение
func Dial(cfg config.RedisConfig) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return client, nil
}

func isBusyGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}
