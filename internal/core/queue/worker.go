package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler processes one claimed job. Returning an error schedules a retry unless
// the job is out of attempts or the error is Unrecoverable.
type Handler func(ctx context.Context, job *Job) error

// Run starts concurrency workers that claim and process jobs until ctx is cancelled.
func (q *Queue) Run(ctx context.Context, concurrency int, handler Handler) error {
	if concurrency < 1 {
		concurrency = 1
	}
	q.log.Info("starting queue workers", zap.Int("concurrency", concurrency), zap.Duration("poll_interval", q.pollInterval))

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		workerID := i + 1
		g.Go(func() error {
			q.runLoop(gctx, workerID, handler)
			return nil
		})
	}
	return g.Wait()
}

func (q *Queue) runLoop(ctx context.Context, workerID int, handler Handler) {
	log := q.log.With(zap.Int("worker_id", workerID))
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("worker stopped")
			return
		case <-timer.C:
		}

		// Drain everything runnable before sleeping again.
		for ctx.Err() == nil {
			job, err := q.claim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					log.Warn("claim failed", zap.Error(err))
				}
				break
			}
			if job == nil {
				break
			}
			q.process(ctx, log, job, handler)
		}
		timer.Reset(q.pollInterval)
	}
}

func (q *Queue) process(ctx context.Context, log *zap.Logger, job *Job, handler Handler) {
	log = log.With(zap.String("job_id", job.ID), zap.Int("attempt", job.Attempt), zap.Int("max_attempts", job.MaxAttempts))
	start := time.Now()

	stopLease := q.keepLease(ctx, log, job)
	err := runHandler(ctx, job, handler)
	stopLease()
	bookkeeping := context.WithoutCancel(ctx)

	if err == nil {
		st, cerr := q.complete(bookkeeping, job)
		if cerr != nil {
			log.Error("mark job completed", zap.Error(cerr))
			return
		}
		log.Info("job completed", zap.Duration("took", time.Since(start)), zap.Bool("rerun", st == StateQueued))
		return
	}

	if ctx.Err() != nil {
		if _, rerr := q.release(bookkeeping, job); rerr != nil {
			log.Warn("release interrupted job", zap.Error(rerr))
		}
		log.Warn("job interrupted by shutdown", zap.Error(err))
		return
	}

	st, ferr := q.fail(bookkeeping, job, err)
	if ferr != nil {
		log.Error("record job failure", zap.Error(ferr), zap.NamedError("cause", err))
		return
	}
	switch {
	case st == StateFailed:
		log.Error("job failed permanently", zap.Bool("unrecoverable", IsUnrecoverable(err)), zap.Error(err))
	case job.WillRetry(err):
		log.Warn("job failed, will retry",
			zap.Duration("delay", retryDelay(job.Backoff, job.Attempt)),
			zap.Error(err))
	default:
		log.Warn("job failed, rerun requested", zap.Error(err))
	}
}

// keepLease renews the job's lease until the returned func is called.
func (q *Queue) keepLease(ctx context.Context, log *zap.Logger, job *Job) func() {
	lctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		every := q.leaseTTL / 3
		if every < time.Millisecond {
			every = time.Millisecond
		}
		ticker := time.NewTicker(every)
		defer ticker.Stop()
		for {
			select {
			case <-lctx.Done():
				return
			case <-ticker.C:
				if err := q.renew(lctx, job); err != nil {
					if lctx.Err() == nil {
						log.Warn("lease renewal failed", zap.Error(err))
					}
					if errors.Is(err, errLeaseLost) {
						return
					}
				}
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func runHandler(ctx context.Context, job *Job, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return handler(ctx, job)
}
