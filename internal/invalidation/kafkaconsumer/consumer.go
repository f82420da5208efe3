// Package kafkaconsumer drains cache invalidation events from Kafka and
// deletes the affected place cache entries.
package kafkaconsumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"

	"github.com/whereitwent/places-backend/internal/cache"
	"github.com/whereitwent/places-backend/internal/core/observability"
	"github.com/whereitwent/places-backend/internal/invalidation"
	"github.com/whereitwent/places-backend/internal/s2geo"
)

type Consumer struct {
	cfg    Config
	logger *slog.Logger
	store  cache.Interface
	dedupe *versionDedupe

	// maxLevel is the deepest level the search walk caches at; region
	// events enumerate covering cells down to it
	maxLevel int
}

func New(cfg Config, logger *slog.Logger, store cache.Interface, maxLevel int) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	if maxLevel < s2geo.MinLevel {
		maxLevel = 16
	}
	return &Consumer{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		dedupe:   newVersionDedupe(cfg.DedupeSize),
		maxLevel: maxLevel,
	}
}

// Start joins the consumer group and processes events until ctx ends.
func (c *Consumer) Start(ctx context.Context) error {
	if c.store == nil {
		return errors.New("kafkaconsumer: missing cache store")
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

	c.logger.Info("kafka invalidation consumer starting",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("kafka invalidation consumer shutting down")
			return nil
		default:
			if err := group.Consume(ctx, []string{c.cfg.Topic}, handler); err != nil {
				c.logger.Error("consumer error", "topic", c.cfg.Topic, "err", err)
				time.Sleep(2 * time.Second)
			}
		}
	}
}

// ProcessOne handles a single message. Malformed or invalid events are
// skipped so a poison message cannot wedge the partition; delete
// failures are returned for redelivery.
func (c *Consumer) ProcessOne(ctx context.Context, msg *sarama.ConsumerMessage) error {
	var ev invalidation.Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		observability.IncInvalidation("decode_error")
		c.logger.Error("invalidation decode failed",
			"topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "err", err)
		return nil
	}
	if err := ev.Validate(); err != nil {
		observability.IncInvalidation("invalid")
		c.logger.Error("invalidation event invalid",
			"topic", msg.Topic, "offset", msg.Offset, "err", err)
		return nil
	}

	if ev.Seq > 0 && c.dedupe.isStale(ev.DedupeKey(), ev.Seq) {
		observability.IncInvalidation("skipped_dup")
		c.logger.Debug("invalidation replay skipped", "key", ev.DedupeKey(), "seq", ev.Seq)
		return nil
	}

	tokens := c.tokensForEvent(ev)
	if len(tokens) == 0 {
		observability.IncInvalidation("no_keys")
		return nil
	}

	if err := c.store.Del(ctx, tokens...); err != nil {
		observability.IncInvalidation("del_error")
		c.logger.Error("invalidation delete failed",
			"op", ev.Op, "keys", len(tokens), "err", err)
		return fmt.Errorf("delete cache entries: %w", err)
	}

	if ev.Seq > 0 {
		c.dedupe.record(ev.DedupeKey(), ev.Seq)
	}
	observability.IncInvalidation("applied")
	c.logger.Info("cache entries invalidated",
		"op", ev.Op, "keys", len(tokens), "source", ev.Source)
	return nil
}

// tokensForEvent enumerates the cache keys an event makes stale. A token
// event hits the cell itself and the coarser aggregates containing it; a
// region event hits the covering cells at every cacheable level.
func (c *Consumer) tokensForEvent(ev invalidation.Event) []string {
	switch ev.Op {
	case invalidation.OpToken:
		cell, ok := s2geo.CellFromToken(ev.Token)
		if !ok {
			return nil
		}
		tokens := []string{cell.Token}
		for cell.Level > s2geo.MinLevel {
			cell = s2geo.Parent(cell)
			tokens = append(tokens, cell.Token)
		}
		return tokens
	case invalidation.OpRegion:
		region := s2geo.SearchRegion{Lat: *ev.Lat, Lon: *ev.Lon, RadiusM: *ev.RadiusM}
		var tokens []string
		for level := s2geo.MinLevel; level <= c.maxLevel; level++ {
			for _, cell := range s2geo.CoverRegionAtLevel(region, level) {
				tokens = append(tokens, cell.Token)
			}
		}
		return tokens
	default:
		return nil
	}
}
