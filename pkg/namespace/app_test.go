package namespace

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/action"
	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/types"
)

type ownerFiles struct{}

func (ownerFiles) Dir() string                { return "/tmp/hutch/dev" }
func (ownerFiles) Hash(paths []string) string { return "files" }

type fakeOwner struct {
	force bool
	wakes atomic.Int32

	mu       sync.Mutex
	statuses []types.AppStatus
}

func (o *fakeOwner) namespaceName() string      { return "dev" }
func (o *fakeOwner) runtimeFiles() action.Files { return ownerFiles{} }
func (o *fakeOwner) forcePull(*types.Application) bool {
	return o.force
}
func (o *fakeOwner) listContainers(ctx context.Context, app string) ([]*engine.Container, error) {
	return []*engine.Container{{ID: app + "-1", State: engine.ContainerStateRunning}}, nil
}
func (o *fakeOwner) appChanged(app string, status types.AppStatus, message string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, status)
}
func (o *fakeOwner) appProgress(app string, message string) {}
func (o *fakeOwner) wake()                                  { o.wakes.Add(1) }

// funcExecutor runs fn, or blocks until canceled when fn is nil
type funcExecutor struct {
	name    string
	fn      func(ctx context.Context, target action.Target) error
	targets chan action.Target
}

func (f *funcExecutor) Name() string { return f.name }

func (f *funcExecutor) Execute(ctx context.Context, target action.Target) error {
	if f.targets != nil {
		f.targets <- target
	}
	if f.fn == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	return f.fn(ctx, target)
}

func succeed(name string) *funcExecutor {
	return &funcExecutor{name: name, fn: func(context.Context, action.Target) error { return nil }}
}

func okExecutors() executors {
	return executors{pull: succeed("pull"), start: succeed("start"), stop: succeed("stop")}
}

func appDef(name string) *types.Application {
	return &types.Application{Name: name, Image: "acme/" + name + ":1.0", Kind: types.AppKindCore}
}

// settle keeps dispatching until the application rests in want with no
// action in flight. Nothing is dispatched once want is reached.
func settle(t *testing.T, app *AppRuntime, ex executors, want types.AppStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		if app.Status() == want && app.ActionDone() {
			return true
		}
		app.dispatch(context.Background(), ex)
		return false
	}, 2*time.Second, 5*time.Millisecond, "application never reached %s (now %s)", want, app.Status())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to types.AppStatus
		allowed  bool
	}{
		{types.AppStatusStopped, types.AppStatusReadyToPull, true},
		{types.AppStatusStopped, types.AppStatusRunning, false},
		{types.AppStatusStopped, types.AppStatusStarting, false},
		{types.AppStatusReadyToPull, types.AppStatusPulling, true},
		{types.AppStatusReadyToPull, types.AppStatusStarting, false},
		{types.AppStatusPulling, types.AppStatusReadyToStart, true},
		{types.AppStatusPulling, types.AppStatusRunning, false},
		{types.AppStatusPullFailed, types.AppStatusReadyToPull, true},
		{types.AppStatusPullFailed, types.AppStatusStarting, false},
		{types.AppStatusReadyToStart, types.AppStatusStarting, true},
		{types.AppStatusStarting, types.AppStatusRunning, true},
		{types.AppStatusStarting, types.AppStatusStopped, false},
		{types.AppStatusRunning, types.AppStatusReadyToStop, true},
		{types.AppStatusRunning, types.AppStatusStopping, false},
		{types.AppStatusStartFailed, types.AppStatusReadyToStart, true},
		{types.AppStatusReadyToStop, types.AppStatusStopping, true},
		{types.AppStatusStopping, types.AppStatusStopped, true},
		{types.AppStatusStopping, types.AppStatusRunning, false},
		{types.AppStatusStoppingFailed, types.AppStatusReadyToStop, true},
		{types.AppStatusStoppingFailed, types.AppStatusStopped, false},
		{types.AppStatusRunning, types.AppStatusRunning, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestAppRuntime_RejectsInvalidTransition(t *testing.T) {
	app := newAppRuntime(&fakeOwner{}, appDef("api"))
	app.mu.Lock()
	err := app.setStatusLocked(types.AppStatusRunning)
	app.mu.Unlock()

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidTransition))
	assert.Equal(t, types.AppStatusReadyToPull, app.Status())
}

func TestAppRuntime_PullStartStop(t *testing.T) {
	owner := &fakeOwner{}
	app := newAppRuntime(owner, appDef("api"))
	ex := okExecutors()

	settle(t, app, ex, types.AppStatusRunning)
	assert.Len(t, app.Containers(), 1)

	app.stop(false)
	settle(t, app, ex, types.AppStatusStopped)
	assert.Empty(t, app.Containers())
	assert.False(t, app.ManuallyStopped())

	owner.mu.Lock()
	defer owner.mu.Unlock()
	assert.Equal(t, []types.AppStatus{
		types.AppStatusPulling,
		types.AppStatusReadyToStart,
		types.AppStatusStarting,
		types.AppStatusRunning,
		types.AppStatusReadyToStop,
		types.AppStatusStopping,
		types.AppStatusStopped,
	}, owner.statuses)
}

func TestAppRuntime_FailureStalls(t *testing.T) {
	boom := errors.New("manifest unknown")
	ex := okExecutors()
	ex.pull = &funcExecutor{name: "pull", fn: func(context.Context, action.Target) error { return boom }}

	app := newAppRuntime(&fakeOwner{}, appDef("api"))
	settle(t, app, ex, types.AppStatusPullFailed)

	assert.True(t, app.Status().IsStalled())
	assert.ErrorIs(t, app.LastError(), boom)
	assert.Equal(t, boom.Error(), app.StatusMessage())

	// Stalled applications are left alone by dispatch
	assert.False(t, app.dispatch(context.Background(), ex))

	app.start()
	assert.Equal(t, types.AppStatusReadyToPull, app.Status())
	assert.NoError(t, app.LastError())
}

func TestAppRuntime_StartIsNoopWhilePulling(t *testing.T) {
	targets := make(chan action.Target, 1)
	ex := okExecutors()
	ex.pull = &funcExecutor{name: "pull", targets: targets}

	app := newAppRuntime(&fakeOwner{}, appDef("api"))
	require.True(t, app.dispatch(context.Background(), ex))
	<-targets

	app.start()
	assert.Equal(t, types.AppStatusPulling, app.Status())
	assert.False(t, app.ActionDone())

	app.cancelAction()
	require.Eventually(t, func() bool { return app.Status() == types.AppStatusPullFailed }, time.Second, 5*time.Millisecond)
}

func TestAppRuntime_StopSupersedesAction(t *testing.T) {
	targets := make(chan action.Target, 1)
	owner := &fakeOwner{}
	ex := okExecutors()
	ex.start = &funcExecutor{name: "start", targets: targets}

	app := newAppRuntime(owner, appDef("api"))
	settle(t, app, ex, types.AppStatusReadyToStart)
	require.True(t, app.dispatch(context.Background(), ex))
	target := <-targets

	app.stop(true)
	assert.Equal(t, types.AppStatusReadyToStop, app.Status())
	assert.True(t, app.ManuallyStopped())

	// Updates from the superseded action are dropped
	target.SetStatusMessage("still starting")
	target.SetDeploymentHash("stale")
	assert.Empty(t, app.StatusMessage())
	assert.Empty(t, app.DeploymentHash())

	settle(t, app, ex, types.AppStatusStopped)
	assert.Eventually(t, func() bool { return owner.wakes.Load() >= 1 }, time.Second, 5*time.Millisecond,
		"superseded completion wakes the owner")
}

func TestAppRuntime_PullIfPresent(t *testing.T) {
	targets := make(chan action.Target, 1)
	ex := okExecutors()
	ex.pull = &funcExecutor{name: "pull", targets: targets, fn: func(context.Context, action.Target) error { return nil }}

	app := newAppRuntime(&fakeOwner{force: true}, appDef("api"))
	app.start()
	assert.True(t, app.PullIfPresent())

	require.True(t, app.dispatch(context.Background(), ex))
	target := <-targets
	assert.True(t, target.PullIfPresent())
	assert.False(t, app.PullIfPresent(), "leaving READY_TO_PULL clears the flag")
}

func TestAppRuntime_UpdateRearms(t *testing.T) {
	ex := okExecutors()

	t.Run("config change restarts", func(t *testing.T) {
		app := newAppRuntime(&fakeOwner{}, appDef("api"))
		settle(t, app, ex, types.AppStatusRunning)

		def := appDef("api")
		def.Env = map[string]string{"LOG_LEVEL": "debug"}
		app.update(def)
		assert.Equal(t, types.AppStatusReadyToStart, app.Status())
		assert.Equal(t, def, app.Definition())
	})

	t.Run("image change pulls", func(t *testing.T) {
		app := newAppRuntime(&fakeOwner{}, appDef("api"))
		settle(t, app, ex, types.AppStatusRunning)

		def := appDef("api")
		def.Image = "acme/api:2.0"
		app.update(def)
		assert.Equal(t, types.AppStatusReadyToPull, app.Status())
	})

	t.Run("equal definition is ignored", func(t *testing.T) {
		app := newAppRuntime(&fakeOwner{}, appDef("api"))
		settle(t, app, ex, types.AppStatusRunning)

		app.update(appDef("api"))
		assert.Equal(t, types.AppStatusRunning, app.Status())
	})

	t.Run("stopped application stays stopped", func(t *testing.T) {
		app := newAppRuntime(&fakeOwner{}, appDef("api"))
		app.stop(false)
		settle(t, app, ex, types.AppStatusStopped)

		def := appDef("api")
		def.Image = "acme/api:2.0"
		app.update(def)
		assert.Equal(t, types.AppStatusStopped, app.Status())
		assert.Equal(t, "acme/api:2.0", app.Definition().Image)
	})
}
