package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// publishBatchTimeout bounds how long a message waits for batch companions.
const publishBatchTimeout = 10 * time.Millisecond

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher forwards ticket events to a topic, keyed by ticket id so
// events of one ticket stay ordered.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher builds a publisher for brokers. Writes are asynchronous:
// Handle returns once the message is queued and delivery failures are logged.
func NewKafkaPublisher(brokers []string, topic string, logger *zap.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka publisher requires at least one broker")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("kafka")
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			RequiredAcks: kafka.RequireAll,
			Balancer:     &kafka.Hash{},
			BatchTimeout: publishBatchTimeout,
			Async:        true,
			Completion:   deliveryLogger(logger),
		},
		topic: topic,
	}, nil
}

func deliveryLogger(logger *zap.Logger) func([]kafka.Message, error) {
	return func(msgs []kafka.Message, err error) {
		if err == nil {
			return
		}
		for _, m := range msgs {
			logger.Warn("ticket event not delivered",
				zap.String("topic", m.Topic),
				zap.ByteString("ticket_id", m.Key),
				zap.Error(err))
		}
	}
}

// Handle publishes one event; it is registered as a dispatcher subscriber.
func (p *KafkaPublisher) Handle(ctx context.Context, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return p.writer.WriteMessages(ctx, kafka.Message{
		Topic: p.topic,
		Key:   []byte(event.TicketID),
		Value: payload,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
		},
	})
}

// Register subscribes the publisher to every ticket event.
func (p *KafkaPublisher) Register(d Dispatcher) {
	for _, t := range []EventType{EventTicketCreated, EventTicketStatusChanged, EventCommunicationAdded} {
		d.Subscribe(t, p.Handle)
	}
}

// Close flushes queued messages and releases the writer.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
