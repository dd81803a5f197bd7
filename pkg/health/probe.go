package health

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrProbeFailed is returned when a probe reaches its failure threshold
var ErrProbeFailed = errors.New("startup probe failed")

// ProbeError describes a probe that gave up
type ProbeError struct {
	Type     CheckType
	Attempts int
	Last     Result
}

func (e *ProbeError) Error() string {
	return fmt.Sprintf("%s probe failed after %d attempts: %s", e.Type, e.Attempts, e.Last.Message)
}

func (e *ProbeError) Unwrap() error {
	return ErrProbeFailed
}

// Probe runs checker until it succeeds or fails config.Retries times in a
// row. The first check happens after config.StartPeriod; checks are spaced
// by config.Interval and each is bounded by config.Timeout. onResult, when
// not nil, observes every result.
func Probe(ctx context.Context, checker Checker, config Config, onResult func(Result)) (*Status, error) {
	status := NewStatus()

	if config.StartPeriod > 0 {
		if err := sleep(ctx, config.StartPeriod); err != nil {
			return status, err
		}
	}

	for {
		checkCtx := ctx
		cancel := context.CancelFunc(func() {})
		if config.Timeout > 0 {
			checkCtx, cancel = context.WithTimeout(ctx, config.Timeout)
		}
		result := checker.Check(checkCtx)
		cancel()

		if err := ctx.Err(); err != nil {
			return status, err
		}

		status.Update(result)
		if onResult != nil {
			onResult(result)
		}

		if status.Healthy {
			return status, nil
		}
		if status.Exhausted(config) {
			return status, &ProbeError{Type: checker.Type(), Attempts: status.Checks, Last: result}
		}

		if err := sleep(ctx, config.Interval); err != nil {
			return status, err
		}
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
