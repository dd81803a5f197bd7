package namespace

import (
	"time"

	"github.com/cuemby/hutch/pkg/action"
	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/generator"
	"github.com/cuemby/hutch/pkg/storage"
)

// Config tunes namespace runtimes
type Config struct {
	Actions action.Config

	// RuntimeDir holds one runtime file directory per namespace
	RuntimeDir string

	// MutableTagPatterns are tag substrings of own images that are pulled
	// again on every start
	MutableTagPatterns []string

	// IdleBackoff is the ladder of idle waits of the reconcile loop
	IdleBackoff []time.Duration

	// Debounce is the window in which wake-ups are coalesced
	Debounce time.Duration
}

// DefaultConfig returns the stock runtime configuration
func DefaultConfig() Config {
	return Config{
		Actions:            action.DefaultConfig(),
		RuntimeDir:         "runtime",
		MutableTagPatterns: []string{"snapshot"},
		IdleBackoff: []time.Duration{
			1 * time.Second,
			2 * time.Second,
			3 * time.Second,
			5 * time.Second,
			8 * time.Second,
			10 * time.Second,
		},
		Debounce: 50 * time.Millisecond,
	}
}

// Services are the collaborators shared by every namespace runtime
type Services struct {
	Engine      engine.Engine
	Store       storage.Store
	Generator   generator.Generator
	Broker      *events.Broker // Optional
	Limiter     *action.PullLimiter
	Credentials action.CredentialProvider // Optional
	Config      Config
}

func (s *Services) actions() action.Services {
	limiter := s.Limiter
	if limiter == nil {
		limiter = action.NewPullLimiter(action.DefaultMaxConcurrentPulls, action.DefaultAcquireTimeout)
	}
	return action.Services{
		Engine:      s.Engine,
		Limiter:     limiter,
		Credentials: s.Credentials,
		Config:      s.Config.Actions,
	}
}

func (s *Services) publish(event *events.Event) {
	if s.Broker != nil {
		s.Broker.Publish(event)
	}
}
