package scheduler

import (
	"context"
	"log/slog"
	"time"

	"ddf_sync/internal/domain"
	"ddf_sync/internal/taskqueue"
)

const (
	TaskIncremental = "sync.incremental"
	TaskFull        = "sync.full"
)

// Syncer defines the interface for sync operations.
type Syncer interface {
	Sync(ctx context.Context, opts domain.SyncOptions) (*domain.SyncStats, error)
}

// Queue is the part of the task queue the scheduler enqueues into.
type Queue interface {
	Enqueue(name string, fn taskqueue.Func, countdown time.Duration) taskqueue.Task
}

type Scheduler struct {
	syncer       Syncer
	queue        Queue
	interval     time.Duration
	fullInterval time.Duration
	logger       *slog.Logger
}

// NewScheduler enqueues an incremental sync every interval and, when
// fullInterval is positive, a full resync every fullInterval.
func NewScheduler(syncer Syncer, queue Queue, interval, fullInterval time.Duration, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		syncer:       syncer,
		queue:        queue,
		interval:     interval,
		fullInterval: fullInterval,
		logger:       logger.With("component", "scheduler"),
	}
}

func (s *Scheduler) Start(ctx context.Context) error {
	s.logger.Info("scheduler started", "interval", s.interval, "full_interval", s.fullInterval)

	s.Trigger(domain.SyncOptions{}, 0)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var fullTick <-chan time.Time
	if s.fullInterval > 0 {
		fullTicker := time.NewTicker(s.fullInterval)
		defer fullTicker.Stop()
		fullTick = fullTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Trigger(domain.SyncOptions{}, 0)
		case <-fullTick:
			s.Trigger(domain.SyncOptions{Full: true}, 0)
		}
	}
}

// Trigger enqueues one sync run. Runs that lose the lock race finish
// immediately as aborted.
func (s *Scheduler) Trigger(opts domain.SyncOptions, countdown time.Duration) taskqueue.Task {
	name := TaskIncremental
	if opts.Full {
		name = TaskFull
	}

	task := s.queue.Enqueue(name, func(ctx context.Context) error {
		stats, err := s.syncer.Sync(ctx, opts)
		if err != nil {
			s.logger.Error("sync failed", "error", err)
			return err
		}
		if stats.Aborted {
			s.logger.Info("sync skipped, another run holds the lock")
		}
		return nil
	}, countdown)

	s.logger.Debug("sync enqueued", "task_id", task.ID, "name", name, "countdown", countdown)
	return task
}
