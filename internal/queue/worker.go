// Package queue drives asynchronous pipeline work on top of [memory.JobQueue]:
// enqueueing, claiming with a bounded-concurrency worker pool, backoff on
// failure, and periodic reaping of expired leases from crashed workers.
package queue

import (
	"context"
	"log/slog"
	"time"

	"github.com/agentmemory/memoryd/internal/observe"
	"github.com/agentmemory/memoryd/pkg/memory"
)

// Handler processes one claimed [memory.Job]. Returning an error causes the
// job to be retried with backoff (or marked dead once attempts are exhausted).
type Handler func(ctx context.Context, job memory.Job) error

// BackoffConfig tunes the delay schedule applied to failed jobs.
type BackoffConfig struct {
	// MaxAttempts is the number of attempts (including the first) before a
	// job is marked dead instead of rescheduled.
	MaxAttempts int

	// BaseSeconds is the delay before the second attempt.
	BaseSeconds int

	// CapSeconds caps the computed delay.
	CapSeconds int
}

// nextAttempt computes when a failed job should become claimable again,
// using exponential backoff keyed off the job's attempt count: BaseSeconds
// after the first attempt, doubling for each later one, capped at CapSeconds.
func (c BackoffConfig) nextAttempt(attempts int) time.Time {
	base := time.Duration(c.BaseSeconds) * time.Second
	cap := time.Duration(c.CapSeconds) * time.Second
	if attempts < 1 {
		attempts = 1
	}
	wait := base << (attempts - 1)
	if wait <= 0 || wait > cap {
		wait = cap
	}
	return time.Now().Add(wait)
}

// Worker claims and processes jobs for a single stage with bounded
// concurrency. Create one Worker per stage and call Run in a goroutine.
type Worker struct {
	Queue       memory.JobQueue
	Stage       memory.JobStage
	WorkerID    string
	Concurrency int
	LeaseTime   time.Duration
	PollInterval time.Duration
	Backoff     BackoffConfig
	Handle      Handler
	Metrics     *observe.Metrics
}

// Run polls for jobs until ctx is cancelled, dispatching up to Concurrency
// handlers at once. It blocks until every in-flight handler returns.
func (w *Worker) Run(ctx context.Context) {
	concurrency := w.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := w.PollInterval
	if poll <= 0 {
		poll = time.Second
	}

	sem := make(chan struct{}, concurrency)
	for {
		select {
		case <-ctx.Done():
			for i := 0; i < concurrency; i++ {
				sem <- struct{}{}
			}
			return
		case sem <- struct{}{}:
		}

		job, err := w.Queue.Claim(ctx, w.Stage, w.WorkerID, w.LeaseTime)
		if err != nil {
			slog.Warn("queue: claim failed", "stage", w.Stage, "err", err)
			<-sem
			time.Sleep(poll)
			continue
		}
		if job == nil {
			<-sem
			time.Sleep(poll)
			continue
		}

		go func(job memory.Job) {
			defer func() { <-sem }()
			w.process(ctx, job)
		}(*job)
	}
}

func (w *Worker) process(ctx context.Context, job memory.Job) {
	err := w.Handle(ctx, job)
	if err == nil {
		if cerr := w.Queue.Complete(ctx, job.ID); cerr != nil {
			slog.Error("queue: complete failed", "job_id", job.ID, "stage", w.Stage, "err", cerr)
		}
		if w.Metrics != nil {
			w.Metrics.RecordJobProcessed(ctx, string(w.Stage), "success")
		}
		return
	}

	slog.Warn("queue: job failed", "job_id", job.ID, "stage", w.Stage, "attempt", job.Attempts, "err", err)

	if job.Attempts >= w.Backoff.MaxAttempts {
		if derr := markDead(ctx, w.Queue, job.ID, err); derr != nil {
			slog.Error("queue: mark dead failed", "job_id", job.ID, "err", derr)
		}
		if w.Metrics != nil {
			w.Metrics.RecordJobProcessed(ctx, string(w.Stage), "dead")
		}
		return
	}

	next := w.Backoff.nextAttempt(job.Attempts)
	if ferr := w.Queue.Fail(ctx, job.ID, err, next); ferr != nil {
		slog.Error("queue: fail failed", "job_id", job.ID, "err", ferr)
	}
	if w.Metrics != nil {
		w.Metrics.RecordJobProcessed(ctx, string(w.Stage), "retry")
	}
}

// deadMarker is implemented by [memory.JobQueue] implementations (such as
// [postgres.JobQueueImpl]) that support transitioning a job straight to dead
// rather than rescheduling it. For implementations without it, markDead
// calls Fail with a next attempt 24 hours out, so the job stays claimable
// and is retried once a day after each further failure.
type deadMarker interface {
	MarkDead(ctx context.Context, jobID string, cause error) error
}

func markDead(ctx context.Context, q memory.JobQueue, jobID string, cause error) error {
	if dm, ok := q.(deadMarker); ok {
		return dm.MarkDead(ctx, jobID, cause)
	}
	return q.Fail(ctx, jobID, cause, time.Now().Add(24*time.Hour))
}

// Reaper periodically reclaims jobs whose lease expired without the owning
// worker calling Complete or Fail, typically because the worker crashed.
type Reaper struct {
	Queue    memory.JobQueue
	Interval time.Duration
}

// Run polls [memory.JobQueue.ReapExpiredLeases] until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	interval := r.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := r.Queue.ReapExpiredLeases(ctx)
			if err != nil {
				slog.Error("queue: reap expired leases failed", "err", err)
				continue
			}
			if n > 0 {
				slog.Info("queue: reclaimed expired leases", "count", n)
			}
		}
	}
}
