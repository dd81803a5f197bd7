package namespace

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sync"

	"github.com/cuemby/hutch/pkg/action"
	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/promise"
	"github.com/cuemby/hutch/pkg/types"
)

// ErrInvalidTransition is returned for a status change outside the
// transition table
var ErrInvalidTransition = errors.New("invalid status transition")

var transitions = map[types.AppStatus][]types.AppStatus{
	types.AppStatusStopped: {
		types.AppStatusReadyToPull,
	},
	types.AppStatusReadyToPull: {
		types.AppStatusPulling, types.AppStatusReadyToStop,
	},
	types.AppStatusPulling: {
		types.AppStatusReadyToStart, types.AppStatusPullFailed,
		types.AppStatusReadyToPull, types.AppStatusReadyToStop,
	},
	types.AppStatusPullFailed: {
		types.AppStatusReadyToPull, types.AppStatusReadyToStop,
	},
	types.AppStatusReadyToStart: {
		types.AppStatusStarting, types.AppStatusReadyToPull, types.AppStatusReadyToStop,
	},
	types.AppStatusStarting: {
		types.AppStatusRunning, types.AppStatusStartFailed,
		types.AppStatusReadyToPull, types.AppStatusReadyToStart, types.AppStatusReadyToStop,
	},
	types.AppStatusRunning: {
		types.AppStatusReadyToPull, types.AppStatusReadyToStart, types.AppStatusReadyToStop,
	},
	types.AppStatusStartFailed: {
		types.AppStatusReadyToPull, types.AppStatusReadyToStart, types.AppStatusReadyToStop,
	},
	types.AppStatusReadyToStop: {
		types.AppStatusStopping, types.AppStatusReadyToPull,
	},
	types.AppStatusStopping: {
		types.AppStatusStopped, types.AppStatusStoppingFailed, types.AppStatusReadyToPull,
	},
	types.AppStatusStoppingFailed: {
		types.AppStatusReadyToPull, types.AppStatusReadyToStop,
	},
}

// CanTransition reports whether from may change to to. Staying in the same
// status is always allowed.
func CanTransition(from, to types.AppStatus) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// owner is the namespace an application belongs to
type owner interface {
	namespaceName() string
	runtimeFiles() action.Files
	forcePull(app *types.Application) bool
	listContainers(ctx context.Context, app string) ([]*engine.Container, error)
	// appChanged and appProgress are called with the application lock held
	appChanged(app string, status types.AppStatus, message string)
	appProgress(app string, message string)
	wake()
}

// executors are the actions an application runtime dispatches
type executors struct {
	pull  action.Executor
	start action.Executor
	stop  action.Executor
}

// AppRuntime is the runtime state of one application of a namespace
type AppRuntime struct {
	owner owner

	mu            sync.Mutex
	def           *types.Application
	status        types.AppStatus
	message       string
	hash          string
	action        *promise.Promise[[]*engine.Container]
	generation    uint64 // Bumped whenever the in-flight action is superseded
	pullIfPresent bool
	pulled        bool // The image of def was pulled or found
	manualStop    bool
	removed       bool
	containers    []*engine.Container
	lastErr       error
}

func newAppRuntime(o owner, def *types.Application) *AppRuntime {
	return &AppRuntime{
		owner:  o,
		def:    def,
		status: types.AppStatusReadyToPull,
		action: promise.Resolved[[]*engine.Container](nil),
	}
}

// Name returns the application name
func (a *AppRuntime) Name() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.def.Name
}

// Definition returns the current application definition
func (a *AppRuntime) Definition() *types.Application {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.def
}

// Status returns the current status
func (a *AppRuntime) Status() types.AppStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// StatusMessage returns the free-text progress of the current action
func (a *AppRuntime) StatusMessage() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.message
}

// DeploymentHash returns the hash computed by the last start
func (a *AppRuntime) DeploymentHash() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hash
}

// LastError returns the error that put the application in a stalled status
func (a *AppRuntime) LastError() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastErr
}

// Containers returns the containers observed when the application entered
// RUNNING
func (a *AppRuntime) Containers() []*engine.Container {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*engine.Container(nil), a.containers...)
}

// ManuallyStopped reports whether the operator stopped the application
func (a *AppRuntime) ManuallyStopped() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.manualStop
}

// PullIfPresent reports whether the next pull ignores local images
func (a *AppRuntime) PullIfPresent() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pullIfPresent
}

// ActionDone reports whether no action is in flight
func (a *AppRuntime) ActionDone() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.action.IsDone()
}

func (a *AppRuntime) isRemoved() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.removed
}

// setStatusLocked validates and applies a transition. The caller notifies
// the owner after releasing the lock.
func (a *AppRuntime) setStatusLocked(to types.AppStatus) error {
	from := a.status
	if !CanTransition(from, to) {
		return fmt.Errorf("%s: %s -> %s: %w", a.def.Name, from, to, ErrInvalidTransition)
	}
	if from == to {
		return nil
	}

	a.status = to
	if from == types.AppStatusReadyToPull {
		a.pullIfPresent = false
	}
	if to == types.AppStatusStopped {
		a.containers = nil
	}
	metrics.AppTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

// supersedeLocked cancels the in-flight action; its result will be ignored
func (a *AppRuntime) supersedeLocked() {
	a.generation++
	a.action.Cancel()
}

func (a *AppRuntime) notifyLocked() {
	a.owner.appChanged(a.def.Name, a.status, a.message)
}

// update replaces the definition. A changed definition re-arms the
// application unless it is stopping: a new image, or an image never pulled,
// needs a pull, anything else only a start.
func (a *AppRuntime) update(def *types.Application) {
	a.mu.Lock()
	if reflect.DeepEqual(a.def, def) {
		a.mu.Unlock()
		return
	}

	imageChanged := !reflect.DeepEqual(a.def.Images(), def.Images())
	a.def = def
	if imageChanged {
		a.pulled = false
	}

	if !a.status.IsStopping() && a.rearmLocked() {
		a.notifyLocked()
	}
	a.mu.Unlock()
}

// refresh re-arms a started application whose mounted files changed
func (a *AppRuntime) refresh() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.status.IsStopping() && a.rearmLocked() {
		a.notifyLocked()
	}
}

// rearmLocked moves the application back to READY_TO_START, or to
// READY_TO_PULL when its image still needs a pull
func (a *AppRuntime) rearmLocked() bool {
	next := types.AppStatusReadyToStart
	if !a.pulled || a.status == types.AppStatusReadyToPull || !CanTransition(a.status, next) {
		next = types.AppStatusReadyToPull
	}
	if err := a.setStatusLocked(next); err != nil {
		return false
	}
	a.lastErr = nil
	a.supersedeLocked()
	return true
}

func (a *AppRuntime) setRemoved(removed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.removed = removed
}

// start arms the application for pull and start. It is a no-op while a pull
// is in flight.
func (a *AppRuntime) start() {
	force := a.owner.forcePull(a.Definition())

	a.mu.Lock()
	if a.status == types.AppStatusPulling && !a.action.IsDone() {
		a.mu.Unlock()
		return
	}
	if err := a.setStatusLocked(types.AppStatusReadyToPull); err != nil {
		name := a.def.Name
		a.mu.Unlock()
		logger := log.WithApp(a.owner.namespaceName(), name)
		logger.Error().Err(err).Msg("Cannot start application")
		return
	}
	a.pullIfPresent = force
	a.manualStop = false
	a.lastErr = nil
	a.message = ""
	a.supersedeLocked()
	a.notifyLocked()
	a.mu.Unlock()
}

// stop arms the application for stop unless it is already stopping. manual
// records an operator stop.
func (a *AppRuntime) stop(manual bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if manual {
		a.manualStop = true
	}
	if a.status.IsStopping() {
		return
	}
	if err := a.setStatusLocked(types.AppStatusReadyToStop); err != nil {
		return
	}
	a.message = ""
	a.supersedeLocked()
	a.notifyLocked()
}

// cancelAction cancels the in-flight action without superseding it. The
// application ends in the failed status of the interrupted action.
func (a *AppRuntime) cancelAction() {
	a.mu.Lock()
	p := a.action
	a.mu.Unlock()
	p.Cancel()
}

// dispatch launches the action matching the current status when no action
// is in flight. It reports whether an action was launched.
func (a *AppRuntime) dispatch(ctx context.Context, ex executors) bool {
	a.mu.Lock()
	if !a.action.IsDone() {
		a.mu.Unlock()
		return false
	}

	var (
		executor action.Executor
		next     types.AppStatus
	)
	switch a.status {
	case types.AppStatusReadyToPull:
		executor, next = ex.pull, types.AppStatusPulling
	case types.AppStatusReadyToStart:
		executor, next = ex.start, types.AppStatusStarting
	case types.AppStatusReadyToStop:
		executor, next = ex.stop, types.AppStatusStopping
	default:
		a.mu.Unlock()
		return false
	}

	// Leaving READY_TO_PULL clears the flag
	force := a.pullIfPresent
	if err := a.setStatusLocked(next); err != nil {
		a.mu.Unlock()
		return false
	}
	a.generation++
	a.message = ""
	target := &actionTarget{
		app:           a,
		def:           a.def,
		pullIfPresent: force,
		generation:    a.generation,
	}

	ns, name := a.owner.namespaceName(), a.def.Name
	logger := log.WithApp(ns, name)
	logger.Debug().Str("action", executor.Name()).Msg("Dispatching action")

	run := promise.Go(ctx, func(ctx context.Context) ([]*engine.Container, error) {
		timer := metrics.NewTimer()
		err := executor.Execute(ctx, target)
		timer.ObserveDurationVec(metrics.ActionDuration, executor.Name())
		metrics.ActionsTotal.WithLabelValues(executor.Name(), metrics.Result(err)).Inc()
		if err != nil {
			return nil, err
		}
		if next == types.AppStatusStarting {
			return a.owner.listContainers(ctx, name)
		}
		return nil, nil
	})
	run.Finally(func() {
		containers, err, _ := run.Peek()
		a.complete(target.generation, containers, err)
	})
	a.action = run
	a.notifyLocked()
	a.mu.Unlock()
	return true
}

// complete applies the result of an action unless it was superseded
func (a *AppRuntime) complete(generation uint64, containers []*engine.Container, err error) {
	a.mu.Lock()
	if generation != a.generation {
		// Superseded; the owner may now launch the next action
		a.mu.Unlock()
		a.owner.wake()
		return
	}

	var next types.AppStatus
	switch a.status {
	case types.AppStatusPulling:
		next = types.AppStatusReadyToStart
		if err != nil {
			next = types.AppStatusPullFailed
		} else {
			a.pulled = true
		}
	case types.AppStatusStarting:
		next = types.AppStatusRunning
		if err != nil {
			next = types.AppStatusStartFailed
		}
	case types.AppStatusStopping:
		next = types.AppStatusStopped
		if err != nil {
			next = types.AppStatusStoppingFailed
		}
	default:
		a.mu.Unlock()
		a.owner.wake()
		return
	}

	if setErr := a.setStatusLocked(next); setErr != nil {
		a.mu.Unlock()
		return
	}
	a.lastErr = err
	if err != nil {
		a.message = err.Error()
	}
	if next == types.AppStatusRunning {
		a.containers = containers
	}
	name := a.def.Name
	a.notifyLocked()
	a.mu.Unlock()

	logger := log.WithApp(a.owner.namespaceName(), name)
	if err != nil {
		logger.Error().Err(err).Str("status", string(next)).Msg("Action failed")
	} else {
		logger.Info().Str("status", string(next)).Msg("Application status changed")
	}
}

// actionTarget is the view of an application handed to one action. It
// carries a snapshot of the definition and drops updates once the action
// has been superseded.
type actionTarget struct {
	app           *AppRuntime
	def           *types.Application
	pullIfPresent bool
	generation    uint64
}

var _ action.Target = (*actionTarget)(nil)

func (t *actionTarget) Namespace() string              { return t.app.owner.namespaceName() }
func (t *actionTarget) Definition() *types.Application { return t.def }
func (t *actionTarget) Files() action.Files            { return t.app.owner.runtimeFiles() }
func (t *actionTarget) PullIfPresent() bool            { return t.pullIfPresent }

func (t *actionTarget) SetStatusMessage(msg string) {
	a := t.app
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generation != t.generation {
		return
	}
	a.message = msg
	a.owner.appProgress(a.def.Name, msg)
}

func (t *actionTarget) SetDeploymentHash(hash string) {
	a := t.app
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.generation == t.generation {
		a.hash = hash
	}
}
