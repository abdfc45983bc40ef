package rabbitmq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	eventRoutingKey = "media.job.event"
	eventQueue      = "media.job.events"
)

// EventPublisher mirrors every job event onto a topic exchange so backend
// consumers (analytics, audit) can follow job lifecycles without holding a
// WebSocket open. It implements port.EventSink; publish failures are logged
// and swallowed because the UI fan-out must not depend on broker health.
type EventPublisher struct {
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	logger   *zap.Logger
}

func NewEventPublisher(url, exchange string, logger *zap.Logger) (*EventPublisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	// A durable default queue keeps events around even when no consumer is
	// attached yet.
	if _, err := ch.QueueDeclare(eventQueue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", eventQueue, err)
	}
	if err := ch.QueueBind(eventQueue, "media.job.#", exchange, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("bind queue %s: %w", eventQueue, err)
	}

	return &EventPublisher{
		conn:     conn,
		channel:  ch,
		exchange: exchange,
		logger:   logger,
	}, nil
}

// Publish implements port.EventSink.
func (p *EventPublisher) Publish(ctx context.Context, userID string, event any) {
	body, err := json.Marshal(event)
	if err != nil {
		p.logger.Error("event marshal failed", zap.Error(err))
		return
	}

	err = p.channel.PublishWithContext(ctx,
		p.exchange,
		eventRoutingKey,
		false, false,
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now().UTC(),
			Headers: amqp.Table{
				"x-user-id": userID,
			},
		},
	)
	if err != nil {
		p.logger.Warn("event publish to broker failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}
}

func (p *EventPublisher) Close() error {
	if p.channel != nil {
		p.channel.Close()
	}
	if p.conn != nil {
		return p.conn.Close()
	}
	return nil
}
