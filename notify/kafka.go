package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MrEthical07/otpauth"
	"github.com/segmentio/kafka-go"
)

// KafkaWriter is the subset of kafka.Writer the notifier needs.
type KafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier publishes deliveries to a topic consumed by a mailer service.
// Messages are keyed by identity so that every delivery for one inbox lands
// on the same partition, in order.
type KafkaNotifier struct {
	writer KafkaWriter
}

func NewKafkaNotifier(brokers []string, topic string) (*KafkaNotifier, error) {
	if len(brokers) == 0 || topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1,
	}
	return &KafkaNotifier{writer: w}, nil
}

// NewKafkaNotifierWithWriter allows injecting a test writer.
func NewKafkaNotifierWithWriter(w KafkaWriter) *KafkaNotifier {
	return &KafkaNotifier{writer: w}
}

func (n *KafkaNotifier) Deliver(ctx context.Context, d otpauth.Delivery) error {
	value, err := json.Marshal(envelopeFor(d))
	if err != nil {
		return err
	}

	msg := kafka.Message{
		Key:   []byte(d.Identity),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte(d.Kind.String())},
		},
	}
	if err := n.writer.WriteMessages(ctx, msg); err != nil {
		var kerr kafka.Error
		if errors.As(err, &kerr) && kerr.Temporary() {
			return fmt.Errorf("%w: %v", otpauth.ErrDispatchTemporary, err)
		}
		return err
	}
	return nil
}

func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
