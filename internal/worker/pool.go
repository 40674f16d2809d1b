// Package worker pumps queue deliveries through the import processor.
package worker

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/factfeed/factfeed/internal/queue"
)

// Handler processes one message. A nil return settles the message; an
// error asks for redelivery.
type Handler interface {
	Handle(ctx context.Context, msg queue.Message) error
}

// failer records a permanent failure against an import. The pool uses it
// when a message exhausts its retries.
type failer interface {
	Fail(ctx context.Context, id uuid.UUID, detail string) error
}

// Pool runs a fixed number of workers over one consume channel. The
// queue's prefetch bounds how many messages are in flight at once;
// batch messages of a single import therefore run in parallel up to the
// worker count.
type Pool struct {
	queue      queue.Queue
	handler    Handler
	content    failer
	workers    int
	maxRetries int
	logger     zerolog.Logger
}

// New creates a pool of the given size.
func New(q queue.Queue, handler Handler, content failer, workers, maxRetries int, logger zerolog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	return &Pool{
		queue:      q,
		handler:    handler,
		content:    content,
		workers:    workers,
		maxRetries: maxRetries,
		logger:     logger.With().Str("component", "worker_pool").Logger(),
	}
}

// Run consumes until the context is cancelled or the delivery channel
// closes. It blocks; callers run it in a goroutine of their own.
func (p *Pool) Run(ctx context.Context) error {
	deliveries, err := p.queue.Consume(ctx)
	if err != nil {
		return fmt.Errorf("failed to start consuming: %w", err)
	}

	p.logger.Info().Int("workers", p.workers).Msg("Worker pool started")

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		worker := i
		g.Go(func() error {
			logger := p.logger.With().Int("worker", worker).Logger()
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case d, ok := <-deliveries:
					if !ok {
						return nil
					}
					p.process(ctx, logger, d)
				}
			}
		})
	}
	return g.Wait()
}

func (p *Pool) process(ctx context.Context, logger zerolog.Logger, d queue.Delivery) {
	msg := d.Message
	err := p.handler.Handle(ctx, msg)
	if err == nil {
		if ackErr := d.Ack(); ackErr != nil {
			logger.Error().Err(ackErr).Str("import_id", msg.ImportID.String()).Msg("Failed to ack delivery")
		}
		return
	}

	if ctx.Err() != nil {
		// Shutting down; leave the message unacked for redelivery.
		return
	}

	if d.RetryCount >= p.maxRetries {
		logger.Error().Err(err).
			Str("kind", string(msg.Kind)).
			Str("import_id", msg.ImportID.String()).
			Int("retries", d.RetryCount).
			Msg("Message exhausted retries")
		detail := fmt.Sprintf("%s failed after %d attempts: %v", msg.Kind, d.RetryCount+1, err)
		if failErr := p.content.Fail(ctx, msg.ImportID, detail); failErr != nil {
			logger.Error().Err(failErr).Str("import_id", msg.ImportID.String()).Msg("Failed to mark import failed")
		}
		if ackErr := d.Ack(); ackErr != nil {
			logger.Error().Err(ackErr).Str("import_id", msg.ImportID.String()).Msg("Failed to ack exhausted delivery")
		}
		return
	}

	logger.Warn().Err(err).
		Str("kind", string(msg.Kind)).
		Str("import_id", msg.ImportID.String()).
		Int("retry", d.RetryCount+1).
		Msg("Message retried")
	if retryErr := d.Retry(ctx); retryErr != nil {
		logger.Error().Err(retryErr).Str("import_id", msg.ImportID.String()).Msg("Failed to requeue delivery")
	}
}
