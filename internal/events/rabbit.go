package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

var _ Publisher = (*Rabbit)(nil)

// RabbitOptions carries the publisher's connection parameters.
type RabbitOptions struct {
	URL      string
	Exchange string
}

// Rabbit publishes events to a durable topic exchange, routing key =
// event topic.
type Rabbit struct {
	conn     *amqp.Connection
	ch       *amqp.Channel
	exchange string
}

// NewRabbit connects and declares the exchange.
func NewRabbit(opts RabbitOptions) (*Rabbit, error) {
	if opts.URL == "" {
		return nil, errors.New("events: rabbitmq url is empty")
	}
	exchange := opts.Exchange
	if exchange == "" {
		exchange = "enclave.events"
	}

	conn, err := amqp.Dial(opts.URL)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}
	return &Rabbit{conn: conn, ch: ch, exchange: exchange}, nil
}

// Publish sends one event. The caller decides whether a failure matters.
func (r *Rabbit) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = r.ch.PublishWithContext(ctx, r.exchange, e.Topic, false, false, amqp.Publishing{
		ContentType: "application/json",
		MessageId:   e.ID,
		Timestamp:   e.Timestamp,
		Body:        body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", e.Topic, err)
	}
	return nil
}

// Close closes the channel and connection.
func (r *Rabbit) Close() error {
	if r.ch != nil {
		_ = r.ch.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
