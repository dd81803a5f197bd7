package action

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
)

// Limiter defaults
const (
	DefaultMaxConcurrentPulls = 4
	DefaultAcquireTimeout     = 2 * time.Minute
)

// PullLimiter bounds the number of concurrent image pulls across every
// namespace of the process and records when a pull last made progress.
// One instance is created at startup and shared by reference.
type PullLimiter struct {
	sem            *semaphore.Weighted
	size           int
	acquireTimeout time.Duration

	inFlight     atomic.Int32
	lastActivity atomic.Int64 // Unix nanoseconds
}

// NewPullLimiter creates a limiter allowing size concurrent pulls
func NewPullLimiter(size int, acquireTimeout time.Duration) *PullLimiter {
	if size <= 0 {
		size = DefaultMaxConcurrentPulls
	}
	if acquireTimeout <= 0 {
		acquireTimeout = DefaultAcquireTimeout
	}
	l := &PullLimiter{
		sem:            semaphore.NewWeighted(int64(size)),
		size:           size,
		acquireTimeout: acquireTimeout,
	}
	l.Touch()
	return l
}

// Size returns the maximum number of concurrent pulls
func (l *PullLimiter) Size() int {
	return l.size
}

// InFlight returns the number of slots currently held
func (l *PullLimiter) InFlight() int {
	return int(l.inFlight.Load())
}

// Touch records pull activity
func (l *PullLimiter) Touch() {
	l.lastActivity.Store(time.Now().UnixNano())
}

// LastActivity returns when a pull last made progress
func (l *PullLimiter) LastActivity() time.Time {
	return time.Unix(0, l.lastActivity.Load())
}

// Acquire takes a slot and returns the function releasing it. Every wait of
// one acquire timeout without a slot checks the global activity timestamp:
// if no pull made progress during that window, the holders are considered
// dead and ErrPullDeadlock is returned. Otherwise the wait continues.
func (l *PullLimiter) Acquire(ctx context.Context) (func(), error) {
	logger := log.WithComponent("pull-limiter")
	timer := metrics.NewTimer()

	for {
		waitCtx, cancel := context.WithTimeout(ctx, l.acquireTimeout)
		err := l.sem.Acquire(waitCtx, 1)
		cancel()

		if err == nil {
			timer.ObserveDuration(metrics.PullWait)
			l.inFlight.Add(1)
			metrics.PullsInFlight.Inc()
			l.Touch()

			var released atomic.Bool
			return func() {
				if released.CompareAndSwap(false, true) {
					l.inFlight.Add(-1)
					metrics.PullsInFlight.Dec()
					l.sem.Release(1)
				}
			}, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}

		idle := time.Since(l.LastActivity())
		if idle >= l.acquireTimeout {
			logger.Error().
				Dur("idle", idle).
				Int("in_flight", l.InFlight()).
				Msg("No pull progress while every slot is held")
			return nil, fmt.Errorf("no pull slot after %s and no activity for %s: %w",
				timer.Duration().Round(time.Second), idle.Round(time.Second), ErrPullDeadlock)
		}

		logger.Debug().
			Dur("waited", timer.Duration()).
			Int("in_flight", l.InFlight()).
			Msg("Pull slots busy, still waiting")
	}
}
