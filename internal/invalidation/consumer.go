package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// CacheInvalidator drops every cached entry for a geohash cell. The
// weather cache implements it.
type CacheInvalidator interface {
	InvalidateGeohash(ctx context.Context, geohash string) (int64, error)
}

// Consumer applies refresh events published by sibling instances. Each
// event becomes one InvalidateGeohash call; the operation is
// idempotent, so replays and the publisher's own events are harmless.
type Consumer struct {
	cfg    Config
	cache  CacheInvalidator
	log    zerolog.Logger
	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewConsumer wires a consumer. Returns (nil, nil) when no brokers are
// configured.
func NewConsumer(cfg Config, cache CacheInvalidator, log zerolog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	if cfg.GroupID == "" {
		return nil, fmt.Errorf("invalidation consumer requires a group id")
	}
	return &Consumer{
		cfg:   cfg,
		cache: cache,
		log:   log.With().Str("component", "invalidation_consumer").Logger(),
	}, nil
}

// Start joins the consumer group and applies events until the context
// is canceled or Stop is called.
func (c *Consumer) Start(ctx context.Context) error {
	sc := sarama.NewConfig()
	sc.Consumer.Return.Errors = true
	if c.cfg.InitialOldest {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetNewest
	}

	group, err := sarama.NewConsumerGroup(c.cfg.Brokers, c.cfg.GroupID, sc)
	if err != nil {
		return fmt.Errorf("joining consumer group: %w", err)
	}

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			if err := group.Close(); err != nil {
				c.log.Error().Err(err).Msg("consumer group close")
			}
		}()
		handler := &groupHandler{process: c.handleMessage}
		for {
			if err := group.Consume(ctx, []string{c.cfg.topic()}, handler); err != nil {
				c.log.Error().Err(err).Msg("consume failed, retrying")
				select {
				case <-time.After(2 * time.Second):
				case <-ctx.Done():
					return
				}
			}
			if ctx.Err() != nil {
				return
			}
		}
	}()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for err := range group.Errors() {
			c.log.Error().Err(err).Msg("consumer group error")
		}
	}()

	c.log.Info().
		Str("topic", c.cfg.topic()).
		Str("group", c.cfg.GroupID).
		Strs("brokers", c.cfg.Brokers).
		Msg("invalidation consumer started")
	return nil
}

// Stop leaves the group and waits for in-flight handlers.
func (c *Consumer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

// handleMessage applies one event. Malformed events are logged and
// skipped rather than wedging the partition.
func (c *Consumer) handleMessage(ctx context.Context, msg *sarama.ConsumerMessage) {
	var ev Event
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("undecodable refresh event")
		return
	}
	if err := ev.Validate(); err != nil {
		c.log.Warn().Err(err).Int64("offset", msg.Offset).Msg("invalid refresh event")
		return
	}

	removed, err := c.cache.InvalidateGeohash(ctx, ev.Geohash)
	if err != nil {
		c.log.Error().Err(err).Str("geohash", ev.Geohash).Msg("invalidation failed")
		return
	}
	c.log.Info().
		Str("geohash", ev.Geohash).
		Str("old_model_run", ev.OldModelRun).
		Str("new_model_run", ev.NewModelRun).
		Int64("removed", removed).
		Msg("cell invalidated by refresh event")
}

type groupHandler struct {
	process func(context.Context, *sarama.ConsumerMessage)
}

func (h *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := sess.Context()
	for msg := range claim.Messages() {
		h.process(ctx, msg)
		sess.MarkMessage(msg, "")
	}
	return nil
}
