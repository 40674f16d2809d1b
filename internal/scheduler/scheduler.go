// Package scheduler rescues imports that stopped moving, typically
// because a worker crashed with their message in flight.
package scheduler

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/factfeed/factfeed/pkg/models"
)

// stalledLister finds non-terminal imports whose status has not moved
// within the window.
type stalledLister interface {
	ListStalled(ctx context.Context, olderThan time.Duration) ([]*models.DataImport, error)
}

// requeuer re-publishes the work for an import's current stage.
type requeuer interface {
	Requeue(ctx context.Context, di *models.DataImport) error
}

// Scheduler periodically requeues stalled imports. Requeueing an import
// that is actually still being worked on is harmless: stage handlers
// drop messages for stages the import has left, and batch imports
// converge on redelivery.
type Scheduler struct {
	cron         *cron.Cron
	content      stalledLister
	requeue      requeuer
	stalledAfter time.Duration
	logger       zerolog.Logger
}

// New creates a scheduler running sweep on the given cron schedule.
func New(schedule string, stalledAfter time.Duration, content stalledLister, requeue requeuer, logger zerolog.Logger) (*Scheduler, error) {
	s := &Scheduler{
		cron:         cron.New(),
		content:      content,
		requeue:      requeue,
		stalledAfter: stalledAfter,
		logger:       logger.With().Str("component", "scheduler").Logger(),
	}
	if _, err := s.cron.AddFunc(schedule, s.sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the sweep schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info().Dur("stalled_after", s.stalledAfter).Msg("Stalled-import sweep scheduled")
}

// Stop halts the schedule and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *Scheduler) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	stalled, err := s.content.ListStalled(ctx, s.stalledAfter)
	if err != nil {
		s.logger.Error().Err(err).Msg("Failed to list stalled imports")
		return
	}
	if len(stalled) == 0 {
		return
	}

	requeued := 0
	for _, di := range stalled {
		if err := s.requeue.Requeue(ctx, di); err != nil {
			s.logger.Error().Err(err).
				Str("import_id", di.ID.String()).
				Str("status", string(di.Status)).
				Msg("Failed to requeue stalled import")
			continue
		}
		requeued++
	}

	s.logger.Info().
		Int("stalled", len(stalled)).
		Int("requeued", requeued).
		Msg("Stalled imports requeued")
}
