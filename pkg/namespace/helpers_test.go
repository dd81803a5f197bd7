package namespace

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/action"
	"github.com/cuemby/hutch/pkg/engine/enginetest"
	"github.com/cuemby/hutch/pkg/promise"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// stack is a generator whose output tests change between starts
type stack struct {
	mu    sync.Mutex
	apps  []*types.Application
	files map[string][]byte
	err   error
	calls int
}

func newStack(apps ...*types.Application) *stack {
	return &stack{apps: apps}
}

func (s *stack) set(apps ...*types.Application) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apps = apps
}

func (s *stack) setFiles(files map[string][]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files = files
}

func (s *stack) Generate(def types.NamespaceDefinition) (*types.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &types.Generation{
		Applications: append([]*types.Application(nil), s.apps...),
		Files:        s.files,
		Config:       map[string]string{"namespace": def.Name},
	}, nil
}

func testActionConfig() action.Config {
	cfg := action.DefaultConfig()
	cfg.Pull.ProgressInterval = 10 * time.Millisecond
	cfg.Pull.StallTimeout = time.Second
	cfg.Pull.Backoff = []time.Duration{time.Millisecond}
	cfg.Pull.MaxAttempts = 3
	cfg.Start.RunningTimeout = time.Second
	cfg.Start.StopTimeout = time.Second
	cfg.Start.InitContainerTimeout = time.Second
	cfg.Start.InitActionTimeout = time.Second
	return cfg
}

func testServices(t *testing.T, eng *enginetest.Engine, gen *stack) *Services {
	t.Helper()

	store, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := DefaultConfig()
	cfg.Actions = testActionConfig()
	cfg.RuntimeDir = t.TempDir()
	cfg.IdleBackoff = []time.Duration{20 * time.Millisecond}
	cfg.Debounce = time.Millisecond

	return &Services{
		Engine:    eng,
		Store:     store,
		Generator: gen,
		Limiter:   action.NewPullLimiter(action.DefaultMaxConcurrentPulls, 5*time.Second),
		Config:    cfg,
	}
}

func newRuntime(t *testing.T, services *Services) *Runtime {
	t.Helper()
	rt, err := NewRuntime(&types.NamespaceDefinition{Name: "dev", Source: "stack.yaml"}, services)
	require.NoError(t, err)
	t.Cleanup(rt.Dispose)
	return rt
}

func await(t *testing.T, p *promise.Promise[struct{}]) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_, err := p.Await(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "composite never settled")
	return err
}

func appStatus(rt *Runtime, name string) types.AppStatus {
	app, ok := rt.App(name)
	if !ok {
		return ""
	}
	return app.Status()
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, 10*time.Millisecond, msg)
}
