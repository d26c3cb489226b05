package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/MrEthical07/otpauth"
	amqp "github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher is the subset of *amqp.Channel the notifier needs.
type AMQPPublisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQPNotifier publishes deliveries to a durable RabbitMQ queue.
type AMQPNotifier struct {
	publisher AMQPPublisher
	queue     string
	closeFn   func() error
}

// DialAMQP connects, opens a channel and declares queue as durable.
func DialAMQP(url, queue string) (*AMQPNotifier, error) {
	if queue == "" {
		return nil, errors.New("amqp queue is required")
	}
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open amqp channel: %w", err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare amqp queue: %w", err)
	}

	return &AMQPNotifier{
		publisher: ch,
		queue:     queue,
		closeFn: func() error {
			return errors.Join(ch.Close(), conn.Close())
		},
	}, nil
}

// NewAMQPNotifier wraps an existing channel or a test publisher.
func NewAMQPNotifier(publisher AMQPPublisher, queue string) *AMQPNotifier {
	return &AMQPNotifier{publisher: publisher, queue: queue}
}

func (n *AMQPNotifier) Deliver(ctx context.Context, d otpauth.Delivery) error {
	body, err := json.Marshal(envelopeFor(d))
	if err != nil {
		return err
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    time.Now().UTC(),
		Type:         d.Kind.String(),
		Body:         body,
	}
	// Expire undelivered messages with the code they carry.
	if ttl := time.Until(d.ExpiresAt); ttl > 0 {
		publishing.Expiration = fmt.Sprint(ttl.Milliseconds())
	}

	if err := n.publisher.PublishWithContext(ctx, "", n.queue, false, false, publishing); err != nil {
		var aerr *amqp.Error
		if errors.Is(err, amqp.ErrClosed) || (errors.As(err, &aerr) && aerr.Recover) {
			return fmt.Errorf("%w: %v", otpauth.ErrDispatchTemporary, err)
		}
		return err
	}
	return nil
}

func (n *AMQPNotifier) Close() error {
	if n.closeFn == nil {
		return nil
	}
	return n.closeFn()
}
