package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// DefaultTopic carries one message per committed buy or sell
const DefaultTopic = "exchange.transactions"

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards hub messages to a Kafka topic, keyed by account so
// one account's events stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	logger *zap.Logger
}

// NewKafkaPublisher creates a publisher writing to topic on the brokers
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) *KafkaPublisher {
	if topic == "" {
		topic = DefaultTopic
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(brokers...),
			Topic:    topic,
			Balancer: &kafka.Hash{},
		},
		logger: logger,
	}
}

// Publish writes a single message
func (p *KafkaPublisher) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(msg.Account),
		Value: data,
	})
	if err != nil {
		return fmt.Errorf("failed to write event %d: %w", msg.Sequence, err)
	}
	return nil
}

// Run drains the subscription until it is closed or ctx is done. Write
// failures are logged and the message is skipped.
func (p *KafkaPublisher) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-sub.C:
			if !ok {
				return
			}
			if err := p.Publish(ctx, msg); err != nil {
				p.logger.Error("kafka publish failed", zap.Error(err))
			}
		}
	}
}

// Close flushes and closes the underlying writer
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
