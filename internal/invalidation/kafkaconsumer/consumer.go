// Package kafkaconsumer applies publication events from Kafka to the cache.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/IBM/sarama"

	"github.com/mohammed-shakir/district-metrics-cache/internal/core/model"
	"github.com/mohammed-shakir/district-metrics-cache/internal/invalidation"
)

// Marker marks one cached region-month stale; the provider implements it.
type Marker interface {
	MarkStale(ctx context.Context, key model.Key) error
}

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	marker Marker
	dedupe *seqDedupe
}

func New(cfg Config, logger *slog.Logger, marker Marker) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Consumer{
		cfg:    cfg,
		logger: logger,
		marker: marker,
		dedupe: newSeqDedupe(8192),
	}
}

// Start joins the consumer group and processes events until ctx is done.
func (c *Consumer) Start(ctx context.Context) error {
	if c.marker == nil {
		return errors.New("kafkaconsumer: marker dependency is required")
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_1_0_0
	cfg.Consumer.Group.Session.Timeout = c.cfg.SessionTimeout
	cfg.Consumer.Group.Heartbeat.Interval = c.cfg.Heartbeat
	cfg.Consumer.Group.Rebalance.Timeout = c.cfg.RebalanceTimeout
	if c.cfg.InitialOffsetOldest {
		cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		cfg.Consumer.Offsets.Initial = sarama.OffsetNewest
	}
	cfg.Consumer.Offsets.AutoCommit.Enable = true

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, cfg)
	if err != nil {
		return fmt.Errorf("create consumer group: %w", err)
	}
	defer func() { _ = group.Close() }()

	handler := &groupHandler{process: c.ProcessOne}

	c.logger.Info("publication event consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("publication event consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "err", err)
			}
		}
	}
}

// ProcessOne decodes and applies a single message. Malformed events are
// logged and skipped, never retried: replaying garbage will not improve it.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.logger.Warn("skipping undecodable event",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		c.logger.Warn("skipping invalid event",
			"topic", msg.Topic, "offset", msg.Offset, "err", err)
		return nil
	}

	key, err := ev.Key()
	if err != nil {
		c.logger.Warn("skipping event with bad region", "offset", msg.Offset, "err", err)
		return nil
	}
	if !c.dedupe.shouldApply(key.String(), ev.Seq) {
		return nil
	}

	if err := c.marker.MarkStale(ctx, key); err != nil {
		return fmt.Errorf("mark stale %s: %w", key.String(), err)
	}
	c.logger.Info("marked stale on publication event",
		"key", key.String(), "seq", ev.Seq)
	return nil
}
