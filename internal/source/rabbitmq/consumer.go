// Package rabbitmq receives raw scraped records from the extraction fleet
// over AMQP and hands them to the pipeline as domain values.
package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"

	"catalog_watcher/internal/domain"
)

type Consumer struct {
	conn    *amqp.Connection
	channel *amqp.Channel
	queue   string
	logger  *slog.Logger
}

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	QueueName  string
	Prefetch   int
}

func NewConsumer(cfg Config, logger *slog.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		cfg.Exchange,
		"direct",
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(
		cfg.QueueName,
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	err = ch.QueueBind(
		q.Name,
		cfg.RoutingKey,
		cfg.Exchange,
		false,
		nil,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	if err := ch.Qos(cfg.Prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("set prefetch: %w", err)
	}

	logger.Info("connected to rabbitmq",
		"exchange", cfg.Exchange,
		"queue", cfg.QueueName,
		"routing_key", cfg.RoutingKey,
		"prefetch", cfg.Prefetch,
	)

	return &Consumer{
		conn:    conn,
		channel: ch,
		queue:   q.Name,
		logger:  logger,
	}, nil
}

// Records starts consuming and returns a channel of decoded raw records.
// The channel closes when ctx is cancelled or the broker closes the
// delivery stream.
//
// Deliveries are acked on hand-off to the pipeline, not after persistence.
// Failed items are kept by the pipeline's dead-letter store rather than by
// broker redelivery, so the only loss window is a process crash between ack
// and persist; such an item's key never enters the session's visited set and
// it is picked up again by the next crawl of the target. Malformed bodies are
// rejected without requeue so they never poison the queue.
func (c *Consumer) Records(ctx context.Context) (<-chan domain.RawRecord, error) {
	deliveries, err := c.channel.Consume(
		c.queue,
		"",
		false,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("start consuming: %w", err)
	}

	out := make(chan domain.RawRecord)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case delivery, ok := <-deliveries:
				if !ok {
					c.logger.Warn("delivery stream closed by broker")
					return
				}

				var raw domain.RawRecord
				if err := json.Unmarshal(delivery.Body, &raw); err != nil {
					c.logger.Warn("discarding malformed message",
						"error", err,
						"size", len(delivery.Body),
					)
					_ = delivery.Nack(false, false)
					continue
				}

				select {
				case out <- raw:
					if err := delivery.Ack(false); err != nil {
						c.logger.Error("ack failed", "error", err)
					}
				case <-ctx.Done():
					// Not handed off; requeue for the next session.
					_ = delivery.Nack(false, true)
					return
				}
			}
		}
	}()

	return out, nil
}

func (c *Consumer) Close() error {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
