package namespace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/action"
	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/promise"
	"github.com/cuemby/hutch/pkg/runtimefiles"
	"github.com/cuemby/hutch/pkg/types"
)

var (
	// ErrNamespaceStopped is returned for operations that need an active
	// namespace
	ErrNamespaceStopped = errors.New("namespace is stopped")

	// ErrAppNotFound is returned for an unknown application name
	ErrAppNotFound = errors.New("application not found")

	// ErrDisposed is returned by a runtime after Dispose
	ErrDisposed = errors.New("namespace runtime disposed")
)

type compositeKind int

const (
	compositeNone compositeKind = iota
	compositeStart
	compositeStop
)

// Runtime drives the applications of one namespace towards the desired
// state. A dedicated goroutine dispatches actions; the exported methods
// only change desired state and wake it.
type Runtime struct {
	name     string
	services *Services
	ex       executors
	files    *runtimefiles.Store
	logger   zerolog.Logger

	mu            sync.Mutex
	def           *types.NamespaceDefinition
	apps          map[string]*AppRuntime
	status        types.NamespaceStatus
	target        types.NamespaceStatus // RUNNING or STOPPED
	composite     *promise.Deferred[struct{}]
	compositeKind compositeKind
	manual        map[string]bool
	config        map[string]string
	bindHashes    map[string]string
	armed         bool // Actions may be dispatched
	disposed      bool

	changes atomic.Uint64
	signal  chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewRuntime loads the persisted state of def, runs its generator and
// starts the reconcile loop. A namespace persisted as STOPPED parks its
// applications right away; any other namespace waits for Resume, Start or
// Stop before acting.
func NewRuntime(def *types.NamespaceDefinition, services *Services) (*Runtime, error) {
	state, err := services.Store.GetNamespaceState(def.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to load namespace state: %w", err)
	}
	if state == nil || state.Status == "" {
		state = &types.NamespaceState{Name: def.Name, Status: types.NamespaceStatusStopped}
	}

	files, err := runtimefiles.NewStore(def.Name, filepath.Join(services.Config.RuntimeDir, def.Name), services.Store)
	if err != nil {
		return nil, err
	}

	actions := services.actions()
	ctx, cancel := context.WithCancel(context.Background())
	r := &Runtime{
		name:     def.Name,
		services: services,
		ex: executors{
			pull:  action.NewPull(actions),
			start: action.NewStart(actions),
			stop:  action.NewStop(actions),
		},
		files:      files,
		logger:     log.WithNamespace(def.Name),
		def:        def,
		apps:       make(map[string]*AppRuntime),
		status:     state.Status,
		target:     types.NamespaceStatusRunning,
		manual:     make(map[string]bool),
		bindHashes: make(map[string]string),
		signal:     make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	for _, name := range state.ManuallyStopped {
		r.manual[name] = true
	}

	gen, err := r.generate()
	if err != nil {
		cancel()
		return nil, err
	}

	r.mu.Lock()
	idle := r.isIdleLocked()
	if idle {
		r.target = types.NamespaceStatusStopped
	}
	r.applyLocked(gen, !idle)
	for name := range r.manual {
		if app, ok := r.apps[name]; ok {
			app.stop(true)
		}
	}
	if idle {
		r.armed = true
	}
	r.mu.Unlock()

	go r.loop()
	return r, nil
}

// Name returns the namespace name
func (r *Runtime) Name() string {
	return r.name
}

// Definition returns the namespace definition
func (r *Runtime) Definition() *types.NamespaceDefinition {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.def
}

// SetDefinition replaces the generator input. It takes effect on the next
// Start or Regenerate.
func (r *Runtime) SetDefinition(def *types.NamespaceDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.def = def
}

// Status returns the aggregate status
func (r *Runtime) Status() types.NamespaceStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Apps returns the application runtimes sorted by name
func (r *Runtime) Apps() []*AppRuntime {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.appsLocked()
}

// App returns one application runtime
func (r *Runtime) App(name string) (*AppRuntime, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	app, ok := r.apps[name]
	return app, ok
}

// Files returns the runtime file store
func (r *Runtime) Files() *runtimefiles.Store {
	return r.files
}

// Config returns the auxiliary configuration of the last generation
func (r *Runtime) Config() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	config := make(map[string]string, len(r.config))
	for k, v := range r.config {
		config[k] = v
	}
	return config
}

// Snapshot summarizes the namespace for the metrics collector
func (r *Runtime) Snapshot() metrics.NamespaceSnapshot {
	r.mu.Lock()
	snapshot := metrics.NamespaceSnapshot{
		Name:   r.name,
		Status: string(r.status),
		Apps:   make(map[string]string, len(r.apps)),
	}
	apps := r.appsLocked()
	r.mu.Unlock()

	for _, app := range apps {
		snapshot.Apps[app.Name()] = string(app.Status())
	}
	return snapshot
}

// Resume re-arms a namespace persisted in a non-terminal status: STARTING,
// RUNNING and STALLED namespaces start, STOPPING namespaces stop.
func (r *Runtime) Resume() *promise.Promise[struct{}] {
	switch r.Status() {
	case types.NamespaceStatusStarting, types.NamespaceStatusRunning, types.NamespaceStatusStalled:
		r.logger.Info().Msg("Resuming namespace start")
		return r.Start()
	case types.NamespaceStatusStopping:
		r.logger.Info().Msg("Resuming namespace stop")
		return r.Stop()
	}
	return promise.Completed()
}

// Start regenerates the desired application set, re-arms every application
// not stopped by the operator and returns a promise resolved once the
// namespace is RUNNING. The promise is rejected when the namespace stalls.
// Canceling it cancels the in-flight actions of the applications.
func (r *Runtime) Start() *promise.Promise[struct{}] {
	gen, err := r.generate()

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return promise.Rejected[struct{}](ErrDisposed)
	}
	if err != nil {
		r.logger.Error().Err(err).Msg("Failed to generate namespace")
		return promise.Rejected[struct{}](err)
	}

	if r.compositeKind == compositeStop {
		r.composite.Promise().Cancel()
	}

	r.target = types.NamespaceStatusRunning
	r.armed = true
	r.applyLocked(gen, true)
	for name, app := range r.apps {
		if !r.manual[name] && !app.isRemoved() {
			app.start()
		}
	}
	r.setStatusLocked(types.NamespaceStatusStarting)

	if r.compositeKind != compositeStart || r.composite.Promise().IsDone() {
		r.newCompositeLocked(compositeStart)
	}
	// The applications may already satisfy the target
	r.changes.Add(1)
	r.wake()
	return r.composite.Promise()
}

// Stop stops every application and returns a promise resolved once the
// namespace is STOPPED
func (r *Runtime) Stop() *promise.Promise[struct{}] {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.disposed {
		return promise.Rejected[struct{}](ErrDisposed)
	}
	if r.status == types.NamespaceStatusStopped && r.target == types.NamespaceStatusStopped {
		return promise.Completed()
	}

	if r.compositeKind == compositeStart {
		r.composite.Promise().Cancel()
	}

	r.target = types.NamespaceStatusStopped
	r.armed = true
	for _, app := range r.apps {
		app.stop(false)
	}
	r.setStatusLocked(types.NamespaceStatusStopping)

	if r.compositeKind != compositeStop || r.composite.Promise().IsDone() {
		r.newCompositeLocked(compositeStop)
	}
	r.changes.Add(1)
	r.wake()
	return r.composite.Promise()
}

// Regenerate runs the generator and applies the result without re-arming
// unchanged applications
func (r *Runtime) Regenerate() error {
	gen, err := r.generate()
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.disposed {
		return ErrDisposed
	}
	r.applyLocked(gen, !r.isIdleLocked())
	r.wake()
	return nil
}

// FilesChanged re-arms running applications whose mounted runtime files
// changed since their last start
func (r *Runtime) FilesChanged() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.refreshBindsLocked()
	r.wake()
}

// StartApp starts one application and clears its manual stop
func (r *Runtime) StartApp(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isIdleLocked() {
		return fmt.Errorf("%s: %w", r.name, ErrNamespaceStopped)
	}
	app, ok := r.apps[name]
	if !ok || app.isRemoved() {
		return fmt.Errorf("%s: %w", name, ErrAppNotFound)
	}

	delete(r.manual, name)
	app.start()
	r.saveStateLocked()
	r.wake()
	return nil
}

// StopApp stops one application. The stop is persisted and survives
// namespace restarts until StartApp.
func (r *Runtime) StopApp(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	app, ok := r.apps[name]
	if !ok || app.isRemoved() {
		return fmt.Errorf("%s: %w", name, ErrAppNotFound)
	}

	r.manual[name] = true
	app.stop(true)
	r.saveStateLocked()
	r.wake()
	return nil
}

// Logs streams the output of the main container of an application
func (r *Runtime) Logs(ctx context.Context, app string, follow bool) (io.ReadCloser, error) {
	if _, ok := r.App(app); !ok {
		return nil, fmt.Errorf("%s: %w", app, ErrAppNotFound)
	}

	labels := engine.AppLabels(r.name, app)
	labels[engine.LabelRole] = engine.RoleMain
	containers, err := r.services.Engine.ListContainers(ctx, labels)
	if err != nil {
		return nil, fmt.Errorf("failed to list containers of %s: %w", app, err)
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("%s has no container: %w", app, engine.ErrNotFound)
	}

	chosen := containers[0]
	for _, c := range containers {
		if c.State == engine.ContainerStateRunning {
			chosen = c
			break
		}
	}
	return r.services.Engine.Logs(ctx, chosen.ID, follow)
}

// Dispose terminates the reconcile loop and cancels every in-flight action.
// Containers are left as they are.
func (r *Runtime) Dispose() {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		<-r.done
		return
	}
	r.disposed = true
	if r.composite != nil {
		r.composite.Reject(ErrDisposed)
	}
	apps := r.appsLocked()
	r.mu.Unlock()

	r.cancel()
	<-r.done
	for _, app := range apps {
		app.mu.Lock()
		p := app.action
		app.mu.Unlock()
		p.Wait() //nolint:errcheck
	}
	r.logger.Debug().Msg("Namespace runtime disposed")
}

func (r *Runtime) generate() (*types.Generation, error) {
	gen, err := r.services.Generator.Generate(*r.Definition())
	if err != nil {
		return nil, fmt.Errorf("failed to generate namespace %s: %w", r.name, err)
	}
	return gen, nil
}

// applyLocked brings the application set and the runtime files in line with
// a generation. active decides whether added applications start.
func (r *Runtime) applyLocked(gen *types.Generation, active bool) {
	if err := r.files.Update(gen.Files); err != nil {
		r.logger.Error().Err(err).Msg("Failed to write runtime files")
	} else if len(gen.Files) > 0 {
		r.services.publish(&events.Event{Type: events.EventFilesChanged, Namespace: r.name})
	}
	r.config = gen.Config

	wanted := make(map[string]bool, len(gen.Applications))
	for _, def := range gen.Applications {
		wanted[def.Name] = true

		app, ok := r.apps[def.Name]
		if !ok {
			app = newAppRuntime(r, def)
			r.apps[def.Name] = app
			r.bindHashes[def.Name] = r.files.Hash(def.BindSources())
			r.logger.Info().Str("app", def.Name).Msg("Application added")
			r.services.publish(&events.Event{
				Type:      events.EventAppAdded,
				Namespace: r.name,
				App:       def.Name,
				Status:    string(app.Status()),
			})
			if active && !r.manual[def.Name] {
				app.start()
			} else {
				app.stop(false)
			}
			r.changes.Add(1)
			continue
		}

		if app.isRemoved() {
			app.setRemoved(false)
			if active && !r.manual[def.Name] {
				app.start()
			}
		}
		app.update(def)
	}

	for name, app := range r.apps {
		if !wanted[name] && !app.isRemoved() {
			r.logger.Info().Str("app", name).Msg("Application removed from definition")
			app.setRemoved(true)
			app.stop(false)
		}
	}

	r.refreshBindsLocked()
}

func (r *Runtime) refreshBindsLocked() {
	for name, app := range r.apps {
		hash := r.files.Hash(app.Definition().BindSources())
		if previous, ok := r.bindHashes[name]; ok && previous != hash {
			r.logger.Info().Str("app", name).Msg("Mounted runtime files changed")
			app.refresh()
		}
		r.bindHashes[name] = hash
	}
}

func (r *Runtime) isIdleLocked() bool {
	return r.status == types.NamespaceStatusStopped || r.status == types.NamespaceStatusStopping
}

func (r *Runtime) appsLocked() []*AppRuntime {
	names := make([]string, 0, len(r.apps))
	for name := range r.apps {
		names = append(names, name)
	}
	sort.Strings(names)

	apps := make([]*AppRuntime, 0, len(names))
	for _, name := range names {
		apps = append(apps, r.apps[name])
	}
	return apps
}

// newCompositeLocked replaces the pending composite. Canceling it cancels
// the actions of the applications it waits on.
func (r *Runtime) newCompositeLocked(kind compositeKind) {
	if r.composite != nil {
		r.composite.Promise().Cancel()
	}

	composite := promise.NewDeferred[struct{}]()
	apps := r.appsLocked()
	composite.Promise().OnCancel(func() {
		for _, app := range apps {
			app.cancelAction()
		}
	})
	r.composite = composite
	r.compositeKind = kind
}

func (r *Runtime) settleCompositeLocked(kind compositeKind, err error) {
	if r.composite == nil || r.compositeKind != kind {
		return
	}
	if err != nil {
		r.composite.Reject(err)
	} else {
		r.composite.Resolve(struct{}{})
	}
	r.composite = nil
	r.compositeKind = compositeNone
}

func (r *Runtime) setStatusLocked(status types.NamespaceStatus) {
	if r.status == status {
		return
	}
	r.logger.Info().Str("from", string(r.status)).Str("to", string(status)).Msg("Namespace status changed")
	r.status = status
	r.saveStateLocked()
	r.services.publish(&events.Event{
		Type:      events.EventNamespaceStatus,
		Namespace: r.name,
		Status:    string(status),
	})
}

// saveStateLocked persists the status and the manual stop set in one write
func (r *Runtime) saveStateLocked() {
	manual := make([]string, 0, len(r.manual))
	for name := range r.manual {
		manual = append(manual, name)
	}
	sort.Strings(manual)

	state := &types.NamespaceState{
		Name:            r.name,
		Status:          r.status,
		ManuallyStopped: manual,
		UpdatedAt:       time.Now(),
	}
	if err := r.services.Store.SaveNamespaceState(state); err != nil {
		r.logger.Error().Err(err).Msg("Failed to persist namespace state")
	}
}

func (r *Runtime) loop() {
	defer close(r.done)

	var seen uint64
	idle := 0
	for {
		r.pass()

		if current := r.changes.Load(); current != seen {
			seen = current
			for r.evaluate() {
			}
		}

		woken, alive := r.wait(idle)
		if !alive {
			return
		}
		if woken {
			idle = 0
		} else {
			idle++
		}
	}
}

// pass launches the next action of every application whose action is done
// and drops removed applications once they are stopped
func (r *Runtime) pass() {
	r.mu.Lock()
	if !r.armed {
		r.mu.Unlock()
		return
	}
	var apps []*AppRuntime
	for name, app := range r.apps {
		if app.isRemoved() && app.Status() == types.AppStatusStopped && app.ActionDone() {
			delete(r.apps, name)
			delete(r.bindHashes, name)
			r.changes.Add(1)
			r.logger.Info().Str("app", name).Msg("Application removed")
			r.services.publish(&events.Event{Type: events.EventAppRemoved, Namespace: r.name, App: name})
			continue
		}
		apps = append(apps, app)
	}
	r.mu.Unlock()

	metrics.ReconcilePasses.WithLabelValues(r.name).Inc()
	for _, app := range apps {
		app.dispatch(r.ctx, r.ex)
	}
}

// evaluate applies at most one namespace status change derived from the
// application statuses and reports whether it did
func (r *Runtime) evaluate() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.armed {
		return false
	}

	var (
		stalled    *AppRuntime
		allUp      = true
		allStopped = true
	)
	for _, app := range r.appsLocked() {
		status := app.Status()
		if status.IsStalled() && stalled == nil {
			stalled = app
		}
		// A manually stopped application counts as up from the moment it is flagged
		if status != types.AppStatusRunning && !r.manual[app.Name()] && !app.ManuallyStopped() {
			allUp = false
		}
		if status != types.AppStatusStopped {
			allStopped = false
		}
	}

	switch {
	case stalled != nil:
		if r.status == types.NamespaceStatusStopped || r.status == types.NamespaceStatusStalled {
			return false
		}
		r.setStatusLocked(types.NamespaceStatusStalled)
		err := fmt.Errorf("application %s is %s", stalled.Name(), stalled.Status())
		if cause := stalled.LastError(); cause != nil {
			err = fmt.Errorf("%w: %w", err, cause)
		}
		r.settleCompositeLocked(r.compositeKind, err)

	case r.status == types.NamespaceStatusStalled:
		if r.target == types.NamespaceStatusStopped {
			r.setStatusLocked(types.NamespaceStatusStopping)
		} else {
			r.setStatusLocked(types.NamespaceStatusStarting)
		}

	case r.status == types.NamespaceStatusStarting && allUp:
		r.setStatusLocked(types.NamespaceStatusRunning)
		r.settleCompositeLocked(compositeStart, nil)

	case r.status == types.NamespaceStatusRunning && !allUp:
		r.setStatusLocked(types.NamespaceStatusStarting)

	case r.status == types.NamespaceStatusStopping && allStopped:
		if err := r.services.Engine.RemoveNetwork(r.ctx, engine.NetworkName(r.name)); err != nil && !errors.Is(err, engine.ErrNotFound) {
			r.logger.Warn().Err(err).Msg("Failed to remove namespace network")
		}
		r.setStatusLocked(types.NamespaceStatusStopped)
		r.settleCompositeLocked(compositeStop, nil)

	default:
		return false
	}
	return true
}

// wait blocks until a wake-up or the idle timeout of step, then drains
// wake-ups arriving within the debounce window. woken is false on a
// timeout; alive is false once the runtime is disposed.
func (r *Runtime) wait(step int) (woken, alive bool) {
	ladder := r.services.Config.IdleBackoff
	timeout := 10 * time.Second
	if len(ladder) > 0 {
		timeout = ladder[min(step, len(ladder)-1)]
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-r.ctx.Done():
		return false, false
	case <-timer.C:
		return false, true
	case <-r.signal:
	}

	if r.services.Config.Debounce > 0 {
		debounce := time.NewTimer(r.services.Config.Debounce)
		defer debounce.Stop()
		for {
			select {
			case <-r.ctx.Done():
				return true, false
			case <-r.signal:
			case <-debounce.C:
				return true, true
			}
		}
	}
	return true, true
}

func (r *Runtime) wake() {
	select {
	case r.signal <- struct{}{}:
	default:
	}
}

// owner implementation

func (r *Runtime) namespaceName() string      { return r.name }
func (r *Runtime) runtimeFiles() action.Files { return r.files }

func (r *Runtime) forcePull(app *types.Application) bool {
	return ForcePull(app, r.services.Config.MutableTagPatterns)
}

func (r *Runtime) listContainers(ctx context.Context, app string) ([]*engine.Container, error) {
	return r.services.Engine.ListContainers(ctx, engine.AppLabels(r.name, app))
}

func (r *Runtime) appChanged(app string, status types.AppStatus, message string) {
	r.changes.Add(1)
	r.wake()
	r.services.publish(&events.Event{
		Type:      events.EventAppStatus,
		Namespace: r.name,
		App:       app,
		Status:    string(status),
		Message:   message,
	})
}

func (r *Runtime) appProgress(app string, message string) {
	r.services.publish(&events.Event{
		Type:      events.EventAppProgress,
		Namespace: r.name,
		App:       app,
		Message:   message,
	})
}
