package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultKafkaTopic is used when no topic is configured.
const DefaultKafkaTopic = "entitlement-changes"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes changes to a Kafka topic keyed by user id, so every
// change for one user lands on the same partition in commit order.
type KafkaPublisher struct {
	w messageWriter
}

// NewKafkaPublisher creates a synchronous writer for brokers.
func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("kafka: no brokers configured")
	}
	if topic == "" {
		topic = DefaultKafkaTopic
	}
	return &KafkaPublisher{
		w: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			AllowAutoTopicCreation: false,
			WriteTimeout:           5 * time.Second,
		},
	}, nil
}

func (p *KafkaPublisher) Publish(ctx context.Context, c Change) error {
	payload, err := c.encode()
	if err != nil {
		return err
	}
	err = p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(c.UserID),
		Value: payload,
		Time:  c.OccurredAt,
		Headers: []kafka.Header{
			{Key: "routing_key", Value: []byte(c.RoutingKey())},
		},
	})
	record("kafka", err)
	if err != nil {
		return fmt.Errorf("write entitlement change: %w", err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
