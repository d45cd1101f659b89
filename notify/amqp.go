package notify

import (
	"context"
	"fmt"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Publisher is the part of *amqp.Channel the AMQP notifier uses.
type Publisher interface {
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
}

// AMQP publishes events as persistent JSON messages on a durable queue.
type AMQP struct {
	ch    Publisher
	queue string
}

// NewAMQP opens a channel on conn and declares queue.
func NewAMQP(conn *amqp.Connection, queue string) (*AMQP, *amqp.Channel, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	_, err = ch.QueueDeclare(
		queue, // name
		true,  // durable
		false, // autoDelete
		false, // exclusive
		false, // noWait
		nil,   // args
	)
	if err != nil {
		ch.Close()
		return nil, nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &AMQP{ch: ch, queue: queue}, ch, nil
}

// NewAMQPWithPublisher wraps an already prepared publisher.
func NewAMQPWithPublisher(p Publisher, queue string) *AMQP {
	return &AMQP{ch: p, queue: queue}
}

func (a *AMQP) Notify(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	msg := amqp.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Type:         string(e.Type),
		Timestamp:    e.OccurredAt,
		Headers: amqp.Table{
			"mapping_id": e.MappingID,
		},
	}

	if err := a.ch.PublishWithContext(ctx, "", a.queue, false, false, msg); err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}
