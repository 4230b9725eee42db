package queue

import (
	"context"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/cptnfren/teltubby/internal/logger"
)

// Config configures the AMQP topology.
type Config struct {
	// URL is the AMQP connection URL.
	URL string

	// Exchange is the direct exchange jobs are published to; Queue is
	// the durable job queue bound to it.
	Exchange string
	Queue    string

	// DLXExchange receives messages rejected without requeue;
	// FailedQueue is bound to it.
	DLXExchange string
	FailedQueue string

	// MaxPriority is the queue's x-max-priority ceiling.
	MaxPriority int

	// PublishTimeout bounds a single publish including the broker
	// confirm.
	PublishTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxPriority == 0 {
		c.MaxPriority = 9
	}
	if c.PublishTimeout == 0 {
		c.PublishTimeout = 10 * time.Second
	}
}

// Broker is the AMQP connection wrapper shared by the publisher and the
// consumer. One Broker owns one connection and one channel; the channel
// is in confirm mode so publishes are acknowledged by the broker before
// Publish returns.
type Broker struct {
	cfg  Config
	conn *amqp.Connection
	ch   *amqp.Channel
}

// Connect dials the broker, opens a confirm-mode channel, and declares
// the full topology. Declaration is idempotent; both processes call it.
func Connect(cfg Config) (*Broker, error) {
	cfg.applyDefaults()

	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	b := &Broker{cfg: cfg, conn: conn, ch: ch}
	if err := b.declareTopology(); err != nil {
		b.Close()
		return nil, err
	}

	logger.Debug("connected to job queue broker",
		logger.KeyComponent, "queue",
		"exchange", cfg.Exchange,
		"queue", cfg.Queue)

	return b, nil
}

// declareTopology declares the exchanges, queues, and bindings.
//
// The job queue dead-letters into the DLX so a reject-without-requeue
// lands in the failed queue with the original body intact.
func (b *Broker) declareTopology() error {
	if err := b.ch.ExchangeDeclare(b.cfg.Exchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", b.cfg.Exchange, err)
	}
	if err := b.ch.ExchangeDeclare(b.cfg.DLXExchange, "direct", true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare exchange %s: %w", b.cfg.DLXExchange, err)
	}

	args := amqp.Table{
		"x-max-priority":            int32(b.cfg.MaxPriority),
		"x-dead-letter-exchange":    b.cfg.DLXExchange,
		"x-dead-letter-routing-key": b.cfg.FailedQueue,
	}
	if _, err := b.ch.QueueDeclare(b.cfg.Queue, true, false, false, false, args); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", b.cfg.Queue, err)
	}
	if err := b.ch.QueueBind(b.cfg.Queue, b.cfg.Queue, b.cfg.Exchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", b.cfg.Queue, err)
	}

	if _, err := b.ch.QueueDeclare(b.cfg.FailedQueue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare queue %s: %w", b.cfg.FailedQueue, err)
	}
	if err := b.ch.QueueBind(b.cfg.FailedQueue, b.cfg.FailedQueue, b.cfg.DLXExchange, false, nil); err != nil {
		return fmt.Errorf("failed to bind queue %s: %w", b.cfg.FailedQueue, err)
	}

	return nil
}

// Publish delivers a persistent message and waits for the broker
// confirm. The call is bounded by PublishTimeout on top of ctx.
func (b *Broker) Publish(ctx context.Context, body []byte, priority uint8) error {
	ctx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()

	confirm, err := b.ch.PublishWithDeferredConfirmWithContext(ctx,
		b.cfg.Exchange,
		b.cfg.Queue, // routing key mirrors the queue name
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Priority:     priority,
			Timestamp:    time.Now().UTC(),
			Body:         body,
		})
	if err != nil {
		return fmt.Errorf("failed to publish job: %w", err)
	}

	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("publish confirm failed: %w", err)
	}
	if !acked {
		return fmt.Errorf("publish nacked by broker")
	}

	return nil
}

// Consume starts delivering jobs. Prefetch bounds unacked deliveries so
// the broker never hands a worker more jobs than it can run.
func (b *Broker) Consume(prefetch int) (<-chan amqp.Delivery, error) {
	if prefetch < 1 {
		prefetch = 1
	}
	if err := b.ch.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := b.ch.Consume(b.cfg.Queue, "", false, false, false, false, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to start consumer: %w", err)
	}

	return deliveries, nil
}

// Depth returns the number of ready messages in the job queue.
func (b *Broker) Depth() (int, error) {
	q, err := b.ch.QueueDeclarePassive(b.cfg.Queue, true, false, false, false, amqp.Table{
		"x-max-priority":            int32(b.cfg.MaxPriority),
		"x-dead-letter-exchange":    b.cfg.DLXExchange,
		"x-dead-letter-routing-key": b.cfg.FailedQueue,
	})
	if err != nil {
		return 0, fmt.Errorf("failed to inspect queue: %w", err)
	}
	return q.Messages, nil
}

// Close releases the channel and connection.
func (b *Broker) Close() error {
	if b.ch != nil {
		b.ch.Close()
	}
	if b.conn != nil {
		return b.conn.Close()
	}
	return nil
}
