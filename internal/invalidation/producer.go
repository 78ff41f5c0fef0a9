package invalidation

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/IBM/sarama"
	"github.com/rs/zerolog"
)

// DefaultTopic carries model-refresh events.
const DefaultTopic = "weather.model-refresh"

// Config holds the Kafka settings shared by producer and consumer. An
// empty broker list disables both sides; the cache then invalidates
// locally only.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	// InitialOldest replays the topic from the beginning when the
	// group has no committed offset. Off by default: a new instance
	// starts with an empty cache and has nothing to invalidate.
	InitialOldest bool
}

func (c Config) topic() string {
	if c.Topic == "" {
		return DefaultTopic
	}
	return c.Topic
}

// Publisher emits model-refresh events. It satisfies the weather
// cache's RefreshPublisher.
type Publisher struct {
	producer sarama.SyncProducer
	topic    string
	log      zerolog.Logger
}

// NewPublisher connects a synchronous producer. Returns (nil, nil)
// when no brokers are configured; a nil *Publisher must not be handed
// to the weather cache, leave its Publisher field unset instead.
func NewPublisher(cfg Config, log zerolog.Logger) (*Publisher, error) {
	if len(cfg.Brokers) == 0 {
		return nil, nil
	}
	sc := sarama.NewConfig()
	sc.Producer.Return.Successes = true
	sc.Producer.RequiredAcks = sarama.WaitForLocal
	producer, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("connecting refresh producer: %w", err)
	}
	return newPublisher(producer, cfg.topic(), log), nil
}

func newPublisher(producer sarama.SyncProducer, topic string, log zerolog.Logger) *Publisher {
	return &Publisher{
		producer: producer,
		topic:    topic,
		log:      log.With().Str("component", "invalidation_producer").Logger(),
	}
}

// PublishModelRefresh emits one event for a cell whose forecast model
// run moved forward.
func (p *Publisher) PublishModelRefresh(ctx context.Context, geohash, oldRun, newRun string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ev := Event{
		Version:     EventVersion,
		Geohash:     geohash,
		OldModelRun: oldRun,
		NewModelRun: newRun,
		TS:          time.Now().UTC(),
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encoding refresh event: %w", err)
	}
	partition, offset, err := p.producer.SendMessage(&sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(geohash),
		Value: sarama.ByteEncoder(payload),
	})
	if err != nil {
		return fmt.Errorf("publishing refresh event: %w", err)
	}
	p.log.Debug().
		Str("geohash", geohash).
		Str("new_model_run", newRun).
		Int32("partition", partition).
		Int64("offset", offset).
		Msg("model refresh published")
	return nil
}

// Close flushes and releases the producer.
func (p *Publisher) Close() error {
	return p.producer.Close()
}
