package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"ddf_sync/internal/domain"
)

// ErrNotConfirmed is returned when the broker nacks a published event.
var ErrNotConfirmed = errors.New("event not confirmed by broker")

// RabbitMQ publishes post-sync events to a topic exchange in confirm mode.
// Each event goes out under "<routing key>.<event type>".
type RabbitMQ struct {
	conn       *amqp.Connection
	exchange   string
	routingKey string
	logger     *slog.Logger

	// mu guards publishes on channel, which every sync worker shares.
	mu      sync.Mutex
	channel *amqp.Channel
}

type Config struct {
	URL        string
	Exchange   string
	RoutingKey string
	QueueName  string
}

func NewRabbitMQ(cfg Config, logger *slog.Logger) (*RabbitMQ, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := declareTopology(ch, cfg); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("enable publisher confirms: %w", err)
	}

	logger = logger.With("exchange", cfg.Exchange)
	logger.Info("connected to rabbitmq",
		"queue", cfg.QueueName,
		"binding", cfg.RoutingKey+".#",
	)

	return &RabbitMQ{
		conn:       conn,
		channel:    ch,
		exchange:   cfg.Exchange,
		routingKey: cfg.RoutingKey,
		logger:     logger,
	}, nil
}

// declareTopology sets up a durable topic exchange and one queue receiving every
// event type.
func declareTopology(ch *amqp.Channel, cfg Config) error {
	if err := ch.ExchangeDeclare(cfg.Exchange, amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(cfg.QueueName, true, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, cfg.RoutingKey+".#", cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue: %w", err)
	}
	return nil
}

// RoutingKey returns the key an event of eventType is published under.
func (r *RabbitMQ) RoutingKey(eventType string) string {
	return r.routingKey + "." + eventType
}

// Publish sends event and waits for the broker's confirmation.
func (r *RabbitMQ) Publish(ctx context.Context, event *domain.SyncEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	msg := amqp.Publishing{
		DeliveryMode: amqp.Persistent,
		ContentType:  "application/json",
		MessageId:    uuid.NewString(),
		Type:         event.Type,
		Body:         body,
		Timestamp:    time.Now(),
	}

	r.mu.Lock()
	confirm, err := r.channel.PublishWithDeferredConfirmWithContext(ctx, r.exchange, r.RoutingKey(event.Type), false, false, msg)
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("publish %s event: %w", event.Type, err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait for %s confirmation: %w", event.Type, err)
	}
	if !acked {
		return fmt.Errorf("publish %s event: %w", event.Type, ErrNotConfirmed)
	}

	r.logger.Debug("published sync event",
		"type", event.Type,
		"message_id", msg.MessageId,
		"changed", len(event.Changed),
	)

	return nil
}

func (r *RabbitMQ) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.conn != nil {
		return r.conn.Close()
	}
	return nil
}
