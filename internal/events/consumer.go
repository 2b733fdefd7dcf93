package events

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

// HandlerFunc processes one queued message. A nil return acknowledges
// the message; an error requeues it. Handlers therefore return nil for
// anything they have fully handled, including executions that failed
// with a recorded result, and an error only when the message should be
// retried (shutdown mid-flight, infrastructure unavailable).
type HandlerFunc func(ctx context.Context, body []byte) error

// ConsumerOptions carries the work-queue connection parameters.
type ConsumerOptions struct {
	URL      string
	Queue    string
	Prefetch int
	Workers  int
}

// Consumer reads execution requests from a durable queue with manual
// acknowledgement.
type Consumer struct {
	conn    *amqp.Connection
	ch      *amqp.Channel
	queue   string
	workers int
}

// NewConsumer connects and declares the queue.
func NewConsumer(opts ConsumerOptions) (*Consumer, error) {
	if opts.URL == "" {
		return nil, errors.New("events: rabbitmq url is empty")
	}
	queue := opts.Queue
	if queue == "" {
		queue = "plugin.executions"
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
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
	if opts.Prefetch > 0 {
		if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
			_ = ch.Close()
			_ = conn.Close()
			return nil, fmt.Errorf("set qos: %w", err)
		}
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return &Consumer{conn: conn, ch: ch, queue: queue, workers: workers}, nil
}

// Run consumes until ctx is cancelled, then waits for in-flight
// handlers and returns ctx.Err().
func (c *Consumer) Run(ctx context.Context, handle HandlerFunc) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", c.queue, err)
	}

	var wg sync.WaitGroup
	for i := 0; i < c.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-msgs:
					if !ok {
						return
					}
					if err := handle(ctx, msg.Body); err != nil {
						_ = msg.Nack(false, true)
						continue
					}
					_ = msg.Ack(false)
				}
			}
		}()
	}

	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Close closes the channel and connection.
func (c *Consumer) Close() error {
	if c.ch != nil {
		_ = c.ch.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
