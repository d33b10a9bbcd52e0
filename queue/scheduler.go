package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/mastomod/vigil/scanner"
)

// Intervals configures the periodic jobs. Zero values take the defaults.
type Intervals struct {
	PollLocal      time.Duration
	PollRemote     time.Duration
	ReverseExpired time.Duration
	DomainCheck    time.Duration
	FederatedSweep time.Duration
	FlagStaleScans time.Duration
	QueueDepth     time.Duration
}

func (i Intervals) withDefaults() Intervals {
	if i.PollLocal <= 0 {
		i.PollLocal = 3 * time.Minute
	}
	if i.PollRemote <= 0 {
		i.PollRemote = 5 * time.Minute
	}
	if i.ReverseExpired <= 0 {
		i.ReverseExpired = time.Minute
	}
	if i.DomainCheck <= 0 {
		i.DomainCheck = time.Hour
	}
	if i.FederatedSweep <= 0 {
		i.FederatedSweep = 24 * time.Hour
	}
	if i.FlagStaleScans <= 0 {
		i.FlagStaleScans = time.Hour
	}
	if i.QueueDepth <= 0 {
		i.QueueDepth = 30 * time.Second
	}
	return i
}

// Scheduler enqueues the periodic pipeline jobs on fixed tickers. It never
// runs work itself; workers pick the jobs up from the queue, so a slow cycle
// delays the next one instead of overlapping it.
type Scheduler struct {
	Queue     *Queue
	Logger    *slog.Logger
	Intervals Intervals
}

func NewScheduler(q *Queue, iv Intervals) *Scheduler {
	return &Scheduler{
		Queue:     q,
		Logger:    slog.Default().With("subsystem", "scheduler"),
		Intervals: iv.withDefaults(),
	}
}

// Run blocks until the context is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	tick := func(interval time.Duration, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					fn(ctx)
				}
			}
		}()
	}

	iv := s.Intervals
	tick(iv.PollLocal, func(ctx context.Context) {
		s.enqueueSingleton(ctx, scanner.JobPollAccounts+":local", scanner.JobPollAccounts, scanner.PollPayload{Origin: "local"})
	})
	tick(iv.PollRemote, func(ctx context.Context) {
		s.enqueueSingleton(ctx, scanner.JobPollAccounts+":remote", scanner.JobPollAccounts, scanner.PollPayload{Origin: "remote"})
	})
	tick(iv.ReverseExpired, func(ctx context.Context) {
		s.enqueueSingleton(ctx, scanner.JobReverseExpired, scanner.JobReverseExpired, struct{}{})
	})
	tick(iv.DomainCheck, func(ctx context.Context) {
		s.enqueueSingleton(ctx, scanner.JobDomainCheck, scanner.JobDomainCheck, struct{}{})
	})
	tick(iv.FederatedSweep, func(ctx context.Context) {
		s.enqueueSingleton(ctx, scanner.JobFederatedSweep, scanner.JobFederatedSweep, scanner.SweepPayload{})
	})
	tick(iv.FlagStaleScans, func(ctx context.Context) {
		s.enqueueSingleton(ctx, scanner.JobFlagStaleScans, scanner.JobFlagStaleScans, struct{}{})
	})
	tick(iv.QueueDepth, func(ctx context.Context) {
		if _, err := s.Queue.Depth(ctx); err != nil {
			s.Logger.Error("failed to measure queue depth", "err", err)
		}
	})

	s.Logger.Info("scheduler running",
		"poll_local", iv.PollLocal,
		"poll_remote", iv.PollRemote,
		"reverse_expired", iv.ReverseExpired,
		"domain_check", iv.DomainCheck,
		"federated_sweep", iv.FederatedSweep,
	)
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// enqueueSingleton enqueues one job unless the same kind+payload is already
// waiting or running.
func (s *Scheduler) enqueueSingleton(ctx context.Context, label, kind string, payload interface{}) {
	pending, err := s.Queue.HasPending(ctx, kind, payload)
	if err != nil {
		s.Logger.Error("failed to check pending jobs", "job", label, "err", err)
		return
	}
	if pending {
		s.Logger.Debug("skipping tick, job still pending", "job", label)
		return
	}
	if err := s.Queue.Enqueue(ctx, kind, payload); err != nil {
		s.Logger.Error("failed to enqueue scheduled job", "job", label, "err", err)
	}
}
