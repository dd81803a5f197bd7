package action

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
)

// Pull makes every image of an application available locally
type Pull struct {
	services Services
}

// NewPull creates the pull executor
func NewPull(services Services) *Pull {
	return &Pull{services: services}
}

// Name implements Executor
func (p *Pull) Name() string { return "pull" }

// Execute pulls the main and init container images one at a time
func (p *Pull) Execute(ctx context.Context, target Target) error {
	app := target.Definition()
	images := app.Images()

	for i, ref := range images {
		if err := p.pullImage(ctx, target, ref, i+1, len(images)); err != nil {
			return err
		}
	}
	return nil
}

// ladder is a backoff that walks a fixed list of delays and repeats the
// last one
type ladder struct {
	steps []time.Duration
	next  int
}

func (l *ladder) NextBackOff() time.Duration {
	if len(l.steps) == 0 {
		return 0
	}
	i := l.next
	if i >= len(l.steps) {
		i = len(l.steps) - 1
	}
	l.next++
	return l.steps[i]
}

func (l *ladder) Reset() { l.next = 0 }

func (p *Pull) pullImage(ctx context.Context, target Target, ref string, index, count int) error {
	ns, app := target.Namespace(), target.Definition().Name
	logger := log.WithApp(ns, app).With().Str("image", ref).Logger()
	eng := p.services.Engine
	cfg := p.services.Config.Pull

	info, err := eng.InspectImage(ctx, ref)
	present := err == nil
	if err != nil && !errors.Is(err, engine.ErrNotFound) {
		logger.Warn().Err(err).Msg("Failed to inspect image, pulling")
	}

	if present && (info.Labels[engine.LabelLocalBuild] == "true" || engine.IsLocalRegistry(ref)) {
		logger.Debug().Msg("Image is built locally, not pulling")
		return nil
	}
	if present && !target.PullIfPresent() {
		logger.Debug().Msg("Image already present")
		return nil
	}

	host, err := engine.RegistryHost(ref)
	if err != nil {
		logger.Error().Err(err).Msg("Invalid image reference")
		return fmt.Errorf("invalid image reference %q: %w", ref, err)
	}
	auth, err := p.resolveAuth(ctx, host, false)
	if err != nil {
		return err
	}

	target.SetStatusMessage(fmt.Sprintf("Waiting to pull %s", ref))
	release, err := p.services.Limiter.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("failed to acquire pull slot for %s: %w", ref, err)
	}
	defer release()

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := p.pullOnce(ctx, target, ref, auth, attempt, index, count, logger)
		if errors.Is(err, engine.ErrUnauthorized) {
			// Fresh credentials are retried at once
			logger.Warn().Int("attempt", attempt).Msg("Registry rejected credentials, resolving again")
			metrics.PullAttempts.WithLabelValues("unauthorized").Inc()
			auth, err = p.resolveAuth(ctx, host, true)
			if err != nil {
				return struct{}{}, backoff.Permanent(err)
			}
			attempt++
			err = p.pullOnce(ctx, target, ref, auth, attempt, index, count, logger)
		}

		switch {
		case err == nil:
			metrics.PullAttempts.WithLabelValues("success").Inc()
			return struct{}{}, nil
		case ctx.Err() != nil:
			return struct{}{}, backoff.Permanent(ctx.Err())
		case errors.Is(err, ErrAuthCanceled):
			return struct{}{}, backoff.Permanent(err)
		}

		metrics.PullAttempts.WithLabelValues("failure").Inc()
		if present && attempt >= cfg.SoftSuccessAttempts {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("Pull keeps failing, using the local image")
			return struct{}{}, nil
		}
		return struct{}{}, err
	}

	_, err = backoff.Retry(ctx, operation,
		backoff.WithBackOff(&ladder{steps: cfg.Backoff}),
		backoff.WithMaxTries(uint(max(cfg.MaxAttempts, 1))),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			logger.Warn().Err(err).Int("attempt", attempt).Dur("retry_in", next).Msg("Pull failed, retrying")
			target.SetStatusMessage(fmt.Sprintf("Pull of %s failed (attempt %d), retrying in %s", ref, attempt, next))
		}),
	)
	if err != nil {
		logger.Error().Err(err).Int("attempt", attempt).Msg("Pull failed")
		return fmt.Errorf("failed to pull %s after %d attempts: %w", ref, attempt, err)
	}

	logger.Info().Int("attempt", attempt).Msg("Image pulled")
	return nil
}

func (p *Pull) resolveAuth(ctx context.Context, host string, refresh bool) (*engine.Auth, error) {
	if p.services.Credentials == nil {
		if refresh {
			return nil, fmt.Errorf("no credential provider for %s: %w", host, ErrAuthCanceled)
		}
		return nil, nil
	}
	return p.services.Credentials.Resolve(ctx, host, refresh)
}

// pullOnce runs a single engine pull watched by a side goroutine that
// publishes progress and fails the pull when it stops moving
func (p *Pull) pullOnce(ctx context.Context, target Target, ref string, auth *engine.Auth, attempt, index, count int, logger zerolog.Logger) error {
	cfg := p.services.Config.Pull
	limiter := p.services.Limiter

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		mu         sync.Mutex
		last       engine.PullProgress
		lastChange = time.Now()
		succeeded  bool
	)

	onProgress := func(update engine.PullProgress) {
		mu.Lock()
		defer mu.Unlock()
		if update.Current != last.Current || update.Total != last.Total || update.Status != last.Status {
			lastChange = time.Now()
			limiter.Touch()
		}
		if update.Success {
			succeeded = true
		}
		last = update
	}

	logger.Debug().Int("attempt", attempt).Msg("Pulling image")
	target.SetStatusMessage(pullMessage(ref, index, count, attempt, engine.PullProgress{}))

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		interval := cfg.ProgressInterval
		if interval <= 0 {
			interval = time.Second
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}

			mu.Lock()
			current, idle := last, time.Since(lastChange)
			mu.Unlock()

			target.SetStatusMessage(pullMessage(ref, index, count, attempt, current))
			if cfg.StallTimeout > 0 && idle >= cfg.StallTimeout {
				cancel(fmt.Errorf("no progress for %s: %w", idle.Round(time.Second), ErrPullStalled))
				return
			}
		}
	}()

	err := p.services.Engine.PullImage(ctx, ref, auth, onProgress)
	close(done)
	wg.Wait()

	if cause := context.Cause(ctx); errors.Is(cause, ErrPullStalled) {
		return cause
	}
	if err != nil {
		return err
	}

	mu.Lock()
	defer mu.Unlock()
	if !succeeded {
		return ErrNoSuccessIndicator
	}
	return nil
}

func pullMessage(ref string, index, count, attempt int, progress engine.PullProgress) string {
	msg := fmt.Sprintf("Pulling %s", ref)
	if count > 1 {
		msg += fmt.Sprintf(" (%d/%d)", index, count)
	}
	if pct := progress.Percent(); pct >= 0 {
		msg += fmt.Sprintf(": %d%% (%s / %s)", pct,
			humanize.Bytes(uint64(progress.Current)), humanize.Bytes(uint64(progress.Total)))
	}
	if attempt > 1 {
		msg += fmt.Sprintf(", attempt %d", attempt)
	}
	return msg
}
