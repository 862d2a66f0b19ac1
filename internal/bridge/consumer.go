package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"riskengine/internal/config"
	"riskengine/internal/metrics"
	"riskengine/internal/models"
	"riskengine/pkg/utils"
)

const (
	readCount    = 100
	readErrDelay = 500 * time.Millisecond
)

// Consumer читает намерения и рыночные снимки из Redis Streams
type Consumer struct {
	client   streamClient
	target   Target
	intents  string
	market   string
	group    string
	consumer string
	block    time.Duration
	log      *utils.Logger
}

// NewConsumer создаёт читателя стримов для движка
func NewConsumer(client streamClient, cfg config.RedisConfig, target Target) *Consumer {
	block := cfg.BlockTimeout
	if block <= 0 {
		block = 2 * time.Second
	}
	return &Consumer{
		client:   client,
		target:   target,
		intents:  cfg.IntentStream,
		market:   cfg.MarketStream,
		group:    cfg.Group,
		consumer: cfg.Consumer,
		block:    block,
		log:      utils.L().WithComponent("bridge"),
	}
}

// EnsureGroups создаёт consumer group на входящих стримах.
// Новая группа начинает с "$": старые намерения не исполняются.
func (c *Consumer) EnsureGroups(ctx context.Context) error {
	for _, stream := range []string{c.intents, c.market} {
		err := c.client.XGroupCreateMkStream(ctx, stream, c.group, "$").Err()
		if err != nil && !isBusyGroup(err) {
			return fmt.Errorf("xgroup create %s: %w", stream, err)
		}
	}
	return nil
}

// Run читает стримы до отмены ctx
func (c *Consumer) Run(ctx context.Context) error {
	if err := c.EnsureGroups(ctx); err != nil {
		return err
	}
	c.log.Info("bridge consumer started",
		utils.String("intents", c.intents), utils.String("market", c.market), utils.String("group", c.group))

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		results, err := c.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    c.group,
			Consumer: c.consumer,
			Streams:  []string{c.intents, c.market, ">", ">"},
			Count:    readCount,
			Block:    c.block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) || ctx.Err() != nil {
				continue
			}
			c.log.Warn("xreadgroup failed", utils.Err(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(readErrDelay):
			}
			continue
		}

		for _, stream := range results {
			for _, msg := range stream.Messages {
				c.handle(stream.Stream, msg)
				// Подтверждаем и плохие сообщения: иначе они вернутся навсегда
				if err := c.client.XAck(ctx, stream.Stream, c.group, msg.ID).Err(); err != nil {
					c.log.Warn("xack failed", utils.String("stream", stream.Stream), utils.String("id", msg.ID), utils.Err(err))
				}
			}
		}
	}
}

func (c *Consumer) handle(stream string, msg goredis.XMessage) {
	data, ok := msg.Values["data"].(string)
	if !ok {
		metrics.RecordBridgeMessage(stream, "malformed")
		c.log.Warn("stream message without data", utils.String("stream", stream), utils.String("id", msg.ID))
		return
	}

	switch stream {
	case c.intents:
		var it models.TradeIntent
		if err := json.Unmarshal([]byte(data), &it); err != nil {
			metrics.RecordBridgeMessage(stream, "malformed")
			c.log.Warn("decode intent failed", utils.String("id", msg.ID), utils.Err(err))
			return
		}
		if it.ID == "" {
			it.ID = msg.ID
		}
		if err := c.target.SubmitIntent(it); err != nil {
			metrics.RecordBridgeMessage(stream, "refused")
			c.log.Warn("intent refused",
				utils.Symbol(it.Symbol), utils.String("intent_id", it.ID), utils.Err(err))
			return
		}
		metrics.RecordBridgeMessage(stream, "ok")

	case c.market:
		var m models.MarketSnapshot
		if err := json.Unmarshal([]byte(data), &m); err != nil {
			metrics.RecordBridgeMessage(stream, "malformed")
			c.log.Warn("decode market snapshot failed", utils.String("id", msg.ID), utils.Err(err))
			return
		}
		c.target.OnMarket(m)
		metrics.RecordBridgeMessage(stream, "ok")
	}
}
