package scraper

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/aluiziolira/leanpub-report/config"
)

// AttemptState is a step of the per-request retry state machine.
type AttemptState int

const (
	StateAttempting AttemptState = iota
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s AttemptState) String() string {
	switch s {
	case StateAttempting:
		return "attempting"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Attempt is the state of one request: where it is and how many retries it used.
type Attempt struct {
	State   AttemptState
	Retries int
	Err     error
}

// Retrier runs an operation through the Attempting -> Retrying(n) -> Succeeded|Failed
// state machine with capped exponential backoff.
type Retrier struct {
	maxRetries int
	backoffMin time.Duration
	backoffMax time.Duration
	metrics    *Metrics
	sleep      func(context.Context, time.Duration) error

	totalRetries int64
}

// NewRetrier builds a retrier from the retry settings in cfg.
func NewRetrier(cfg *config.Config, metrics *Metrics) *Retrier {
	return &Retrier{
		maxRetries: cfg.MaxRetries,
		backoffMin: cfg.RetryBackoff,
		backoffMax: cfg.RetryBackoffMax,
		metrics:    metrics,
		sleep:      sleepContext,
	}
}

// Next moves a after its latest try returned err.
func (r *Retrier) Next(a Attempt, err error) Attempt {
	if err == nil {
		return Attempt{State: StateSucceeded, Retries: a.Retries}
	}
	if !Retryable(err) || a.Retries >= r.maxRetries {
		return Attempt{State: StateFailed, Retries: a.Retries, Err: err}
	}
	return Attempt{State: StateRetrying, Retries: a.Retries + 1, Err: err}
}

// Do calls fn until it succeeds, fails permanently or runs out of retries.
func (r *Retrier) Do(ctx context.Context, op string, fn func(context.Context) error) error {
	attempt := Attempt{State: StateAttempting}
	for {
		switch attempt.State {
		case StateSucceeded:
			return nil
		case StateFailed:
			return attempt.Err
		}

		attempt = r.Next(attempt, fn(ctx))
		if attempt.State != StateRetrying {
			continue
		}

		atomic.AddInt64(&r.totalRetries, 1)
		r.metrics.IncRetries()
		delay := r.backoff(attempt.Retries)
		slog.Debug("retrying request",
			slog.String("op", op),
			slog.Int("retry", attempt.Retries),
			slog.Duration("delay", delay),
			slog.Any("error", attempt.Err),
		)
		if err := r.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// TotalRetries returns the number of retries scheduled so far.
func (r *Retrier) TotalRetries() int {
	return int(atomic.LoadInt64(&r.totalRetries))
}

func (r *Retrier) backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}

	base := r.backoffMin
	if base <= 0 {
		base = 100 * time.Millisecond
	}

	delay := base * time.Duration(1<<(attempt-1))
	if max := r.backoffMax; max > 0 && delay > max {
		delay = max
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
