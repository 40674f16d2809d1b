package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// MemoryQueue is a channel-backed Queue for embedded single-process
// deployments and tests. Semantics mirror the AMQP queue: at-least-once,
// unordered across consumers, explicit ack.
type MemoryQueue struct {
	ch     chan Delivery
	closed chan struct{}
	once   sync.Once
	logger zerolog.Logger
}

// NewMemoryQueue creates an in-process queue with the given buffer size.
func NewMemoryQueue(buffer int, logger zerolog.Logger) *MemoryQueue {
	if buffer < 1 {
		buffer = 1024
	}
	return &MemoryQueue{
		ch:     make(chan Delivery, buffer),
		closed: make(chan struct{}),
		logger: logger.With().Str("component", "memory-queue").Logger(),
	}
}

// Publish enqueues a message.
func (q *MemoryQueue) Publish(ctx context.Context, msg Message) error {
	return q.publish(ctx, msg, 0)
}

func (q *MemoryQueue) publish(ctx context.Context, msg Message, retryCount int) error {
	if err := msg.Validate(); err != nil {
		return err
	}

	d := Delivery{
		Message:    msg,
		RetryCount: retryCount,
	}
	d.acker = &memoryAcker{queue: q, delivery: d}

	select {
	case q.ch <- d:
		return nil
	case <-q.closed:
		return fmt.Errorf("queue closed")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns the delivery channel. All consumers share one channel,
// so each message goes to exactly one of them.
func (q *MemoryQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case d, ok := <-q.ch:
				if !ok {
					return
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				case <-q.closed:
					return
				}
			case <-ctx.Done():
				return
			case <-q.closed:
				return
			}
		}
	}()
	return out, nil
}

// Len reports the number of queued messages. Test helper.
func (q *MemoryQueue) Len() int {
	return len(q.ch)
}

// Close shuts the queue down. Pending messages are dropped.
func (q *MemoryQueue) Close() error {
	q.once.Do(func() { close(q.closed) })
	return nil
}

type memoryAcker struct {
	queue    *MemoryQueue
	delivery Delivery
}

func (a *memoryAcker) Ack() error { return nil }

func (a *memoryAcker) Retry(ctx context.Context) error {
	return a.queue.publish(ctx, a.delivery.Message, a.delivery.RetryCount+1)
}

func (a *memoryAcker) Reject() error { return nil }
