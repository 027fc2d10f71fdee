package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

type Producer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewWriter returns a kafka writer with the topic left unset so each
// message names its own.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: true,
	}
}

// KafkaDispatcher writes each notification keyed by order number, so all
// events for one order land on the same partition in order.
type KafkaDispatcher struct {
	log      *slog.Logger
	producer Producer
	topic    string
}

func NewKafkaDispatcher(log *slog.Logger, producer Producer, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{log: log, producer: producer, topic: topic}
}

func (d *KafkaDispatcher) Dispatch(ctx context.Context, n Notification) error {
	payload, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	msg := kafka.Message{
		Topic:   d.topic,
		Key:     []byte(n.OrderNumber),
		Value:   payload,
		Headers: injectHeaders(ctx, []kafka.Header{{Key: "event_type", Value: []byte(n.Type)}}),
	}
	if err := d.producer.WriteMessages(ctx, msg); err != nil {
		d.log.Error("notification publish failed", "event_id", n.EventID, "order_number", n.OrderNumber, "err", err)
		return err
	}

	d.log.Info("notification published", "event_id", n.EventID, "type", n.Type, "order_number", n.OrderNumber)
	return nil
}

func injectHeaders(ctx context.Context, headers []kafka.Header) []kafka.Header {
	carrier := propagation.MapCarrier{}
	otel.GetTextMapPropagator().Inject(ctx, carrier)

	for k, v := range carrier {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}
	return headers
}

// LogDispatcher records notifications in the log. It stands in when no
// broker is configured.
type LogDispatcher struct {
	log *slog.Logger
}

func NewLogDispatcher(log *slog.Logger) *LogDispatcher {
	return &LogDispatcher{log: log}
}

func (d *LogDispatcher) Dispatch(_ context.Context, n Notification) error {
	d.log.Info("notification",
		"event_id", n.EventID,
		"type", n.Type,
		"order_number", n.OrderNumber,
		"user_id", n.UserID,
		"status", n.Status)
	return nil
}
