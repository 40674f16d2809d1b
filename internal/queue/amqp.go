package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

// AMQPQueue is the RabbitMQ-backed Queue used in multi-process
// deployments. The queue is durable and messages persistent, so queued
// work survives broker restarts.
type AMQPQueue struct {
	conn      *amqp.Connection
	channel   *amqp.Channel
	queueName string
	prefetch  int
	logger    zerolog.Logger
}

// AMQPConfig holds RabbitMQ connection configuration.
type AMQPConfig struct {
	URL           string
	QueueName     string
	PrefetchCount int
}

// NewAMQPQueue connects to RabbitMQ and declares the import queue.
func NewAMQPQueue(cfg *AMQPConfig, logger zerolog.Logger) (*AMQPQueue, error) {
	if cfg.QueueName == "" {
		return nil, fmt.Errorf("queue name is required")
	}

	log := logger.With().Str("component", "amqp-queue").Logger()

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	prefetch := cfg.PrefetchCount
	if prefetch < 1 {
		prefetch = 8
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	if _, err := ch.QueueDeclare(
		cfg.QueueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	log.Info().Str("queue", cfg.QueueName).Int("prefetch", prefetch).Msg("Connected to RabbitMQ")

	return &AMQPQueue{
		conn:      conn,
		channel:   ch,
		queueName: cfg.QueueName,
		prefetch:  prefetch,
		logger:    log,
	}, nil
}

// Publish enqueues a message.
func (q *AMQPQueue) Publish(ctx context.Context, msg Message) error {
	return q.publish(ctx, msg, 0)
}

func (q *AMQPQueue) publish(ctx context.Context, msg Message, retryCount int) error {
	body, err := msg.Encode()
	if err != nil {
		return err
	}

	headers := amqp.Table{}
	if retryCount > 0 {
		headers["x-retry-count"] = int32(retryCount)
	}

	err = q.channel.PublishWithContext(ctx,
		"",          // default exchange
		q.queueName, // routing key
		false,       // mandatory
		false,       // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			Body:         body,
			Headers:      headers,
			DeliveryMode: amqp.Persistent,
			Timestamp:    time.Now(),
		},
	)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}

	q.logger.Debug().
		Str("kind", string(msg.Kind)).
		Str("import_id", msg.ImportID.String()).
		Int("batch", msg.BatchNumber).
		Int("retry", retryCount).
		Msg("Published message")

	return nil
}

// Consume registers a consumer and returns its delivery channel.
func (q *AMQPQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	msgs, err := q.channel.Consume(
		q.queueName,
		"",    // consumer tag
		false, // auto-ack off: handlers ack after the stage commits
		false, // exclusive off: several workers may share the queue
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to register consumer: %w", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case d, ok := <-msgs:
				if !ok {
					return
				}
				msg, err := Decode(d.Body)
				if err != nil {
					// Undecodable messages can never succeed; drop them.
					q.logger.Error().Err(err).Msg("Dropping malformed message")
					d.Nack(false, false)
					continue
				}
				delivery := Delivery{
					Message:    msg,
					RetryCount: retryCountFromHeaders(d.Headers),
				}
				delivery.acker = &amqpAcker{queue: q, raw: d, msg: msg, retryCount: delivery.RetryCount}
				select {
				case out <- delivery:
				case <-ctx.Done():
					d.Nack(false, true)
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// Close closes the channel and connection.
func (q *AMQPQueue) Close() error {
	if q.channel != nil {
		if err := q.channel.Close(); err != nil {
			return err
		}
	}
	if q.conn != nil {
		return q.conn.Close()
	}
	return nil
}

type amqpAcker struct {
	queue      *AMQPQueue
	raw        amqp.Delivery
	msg        Message
	retryCount int
}

func (a *amqpAcker) Ack() error {
	return a.raw.Ack(false)
}

// Retry republishes the message with an incremented retry counter, then
// acks the original. Republishing instead of nack-requeue gives each
// attempt a visible count and moves the message to the back of the queue.
func (a *amqpAcker) Retry(ctx context.Context) error {
	if err := a.queue.publish(ctx, a.msg, a.retryCount+1); err != nil {
		// Fall back to broker requeue if the republish failed
		return a.raw.Nack(false, true)
	}
	return a.raw.Ack(false)
}

func (a *amqpAcker) Reject() error {
	return a.raw.Nack(false, false)
}

func retryCountFromHeaders(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers["x-retry-count"].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
