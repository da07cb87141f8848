package outbox

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"ordercore/domain/shared"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Publisher 把 outbox 事件投递到外部系统；Relay 保证至少一次投递
type Publisher interface {
	Publish(ctx context.Context, event *shared.OutboxEvent) error
}

// LoggingPublisher writes events to the log; used when no broker is configured.
type LoggingPublisher struct {
	log *zap.Logger
}

func NewLoggingPublisher(log *zap.Logger) *LoggingPublisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &LoggingPublisher{log: log}
}

func (p *LoggingPublisher) Publish(_ context.Context, event *shared.OutboxEvent) error {
	p.log.Info("Outbox event published",
		zap.String("event_id", event.EventID),
		zap.String("event_type", event.EventType),
		zap.String("aggregate_type", event.AggregateType),
		zap.Int64("aggregate_id", event.AggregateID),
		zap.String("payload", event.Payload),
	)
	return nil
}

// KafkaPublisher 以聚合为 key 写入，保证同一聚合的事件有序
type KafkaPublisher struct {
	writer *kafka.Writer
}

// ParseBrokers splits a comma separated broker list.
func ParseBrokers(csv string) []string {
	brokers := []string{}
	for _, b := range strings.Split(csv, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

func NewKafkaPublisher(brokers []string, topic string) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher: no brokers configured")
	}
	if topic == "" {
		return nil, fmt.Errorf("kafka publisher: topic is required")
	}
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireOne,
		},
	}, nil
}

// Message builds the Kafka message for event.
func Message(event *shared.OutboxEvent) kafka.Message {
	return kafka.Message{
		Key:   []byte(event.AggregateType + ":" + strconv.FormatInt(event.AggregateID, 10)),
		Value: []byte(event.Payload),
		Time:  event.OccurredAt.UTC(),
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(event.EventID)},
			{Key: "event_type", Value: []byte(event.EventType)},
		},
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, event *shared.OutboxEvent) error {
	if err := p.writer.WriteMessages(ctx, Message(event)); err != nil {
		return fmt.Errorf("kafka write %s: %w", event.EventID, err)
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
