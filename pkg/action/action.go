package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/types"
)

var (
	// ErrAuthCanceled means no registry credentials could be obtained
	// because the operator declined or no prompt is available. Actions fail
	// immediately on it.
	ErrAuthCanceled = errors.New("authentication canceled")

	// ErrPullDeadlock means a pull limiter slot could not be acquired and
	// no pull made progress anywhere during the same window
	ErrPullDeadlock = errors.New("pull limiter deadlock")

	// ErrPullStalled means the engine reported no pull progress for the
	// stall timeout
	ErrPullStalled = errors.New("pull stalled")

	// ErrNoSuccessIndicator means a pull returned without the engine ever
	// reporting success
	ErrNoSuccessIndicator = errors.New("pull finished without success indicator")
)

// Executor performs one kind of action against an application
type Executor interface {
	Name() string
	Execute(ctx context.Context, target Target) error
}

// Files is the view of the namespace runtime files an action needs
type Files interface {
	// Dir is the directory host bind mounts are resolved against
	Dir() string
	// Hash covers the content of the given relative paths
	Hash(paths []string) string
}

// Target is the application an action runs for
type Target interface {
	Namespace() string
	Definition() *types.Application
	Files() Files

	// PullIfPresent reports whether images must be pulled even when they
	// exist locally
	PullIfPresent() bool

	SetStatusMessage(msg string)
	SetDeploymentHash(hash string)
}

// CredentialProvider resolves registry credentials. refresh is set after
// the registry rejected the previous credentials. A nil Auth with a nil
// error means anonymous access.
type CredentialProvider interface {
	Resolve(ctx context.Context, host string, refresh bool) (*engine.Auth, error)
}

// PullConfig tunes the pull action
type PullConfig struct {
	ProgressInterval    time.Duration
	StallTimeout        time.Duration
	Backoff             []time.Duration
	MaxAttempts         int
	SoftSuccessAttempts int
}

// StartConfig tunes the start and stop actions
type StartConfig struct {
	RunningTimeout       time.Duration
	StopTimeout          time.Duration
	InitContainerTimeout time.Duration
	InitActionTimeout    time.Duration
	LogTailLines         int
	Replicas             int
}

// Config holds the tuning of every action
type Config struct {
	Pull  PullConfig
	Start StartConfig
}

// DefaultConfig returns the default action tuning
func DefaultConfig() Config {
	return Config{
		Pull: PullConfig{
			ProgressInterval:    time.Second,
			StallTimeout:        2 * time.Minute,
			Backoff:             []time.Duration{time.Second, time.Second, time.Second, 5 * time.Second, 10 * time.Second},
			MaxAttempts:         10,
			SoftSuccessAttempts: 3,
		},
		Start: StartConfig{
			RunningTimeout:       240 * time.Second,
			StopTimeout:          10 * time.Second,
			InitContainerTimeout: 5 * time.Minute,
			InitActionTimeout:    time.Minute,
			LogTailLines:         20,
			Replicas:             1,
		},
	}
}

// Services are the collaborators shared by every executor
type Services struct {
	Engine      engine.Engine
	Limiter     *PullLimiter
	Credentials CredentialProvider // Optional
	Config      Config
}

// InitContainerError reports an init container that exited non-zero
type InitContainerError struct {
	App       string
	Container string
	ExitCode  int
	Logs      string // Last lines of output
}

func (e *InitContainerError) Error() string {
	msg := fmt.Sprintf("init container %s of %s exited with code %d", e.Container, e.App, e.ExitCode)
	if e.Logs != "" {
		msg += ":\n" + e.Logs
	}
	return msg
}

// StartupError reports a startup condition that was never satisfied
type StartupError struct {
	App  string
	Err  error
	Logs string // Last lines of output
}

func (e *StartupError) Error() string {
	msg := fmt.Sprintf("startup condition of %s not met: %v", e.App, e.Err)
	if e.Logs != "" {
		msg += ":\n" + e.Logs
	}
	return msg
}

func (e *StartupError) Unwrap() error {
	return e.Err
}

// sleep waits for d or until ctx is done
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
