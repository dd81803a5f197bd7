package namespace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/runtimefiles"
	"github.com/cuemby/hutch/pkg/types"
)

// ErrNamespaceNotFound is returned for an unregistered namespace
var ErrNamespaceNotFound = errors.New("namespace not found")

type entry struct {
	runtime *Runtime
	cancel  context.CancelFunc // Stops the file watcher
}

// Manager owns the runtimes of every registered namespace and the services
// they share
type Manager struct {
	services *Services
	logger   zerolog.Logger

	mu       sync.Mutex
	runtimes map[string]*entry
}

// NewManager creates a manager. The pull limiter of services is shared by
// every namespace.
func NewManager(services Services) *Manager {
	if services.Limiter == nil {
		services.Limiter = services.actions().Limiter
	}
	return &Manager{
		services: &services,
		logger:   log.WithComponent("namespace-manager"),
		runtimes: make(map[string]*entry),
	}
}

var _ metrics.Source = (*Manager)(nil)

// Register persists def and creates its runtime. Registering a known
// namespace replaces its definition. The runtime stays idle until Resume,
// Start or Stop, unless it was persisted as stopped.
func (m *Manager) Register(def *types.NamespaceDefinition) (*Runtime, error) {
	if def.Name == "" {
		return nil, errors.New("namespace name is required")
	}
	if err := m.services.Store.SaveDefinition(def); err != nil {
		return nil, fmt.Errorf("failed to save definition: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.runtimes[def.Name]; ok {
		e.runtime.SetDefinition(def)
		return e.runtime, nil
	}

	rt, err := NewRuntime(def, m.services)
	if err != nil {
		return nil, fmt.Errorf("failed to create runtime for %s: %w", def.Name, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	watcher, err := runtimefiles.NewWatcher(rt.Files())
	if err != nil {
		m.logger.Warn().Err(err).Str("namespace", def.Name).Msg("Runtime files are not watched")
	} else {
		watcher.OnAdopt = func(path string) {
			m.services.publish(&events.Event{
				Type:      events.EventFilesChanged,
				Namespace: def.Name,
				Message:   path,
			})
			rt.FilesChanged()
		}
		go watcher.Run(ctx)
	}

	m.runtimes[def.Name] = &entry{runtime: rt, cancel: cancel}
	m.services.publish(&events.Event{
		Type:      events.EventNamespaceRegistered,
		Namespace: def.Name,
		Status:    string(rt.Status()),
	})
	m.logger.Info().Str("namespace", def.Name).Msg("Namespace registered")
	return rt, nil
}

// Restore registers every persisted definition and resumes the namespaces
// that were active
func (m *Manager) Restore() error {
	defs, err := m.services.Store.ListDefinitions()
	if err != nil {
		return fmt.Errorf("failed to list definitions: %w", err)
	}

	var errs []error
	for _, def := range defs {
		rt, err := m.Register(def)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		rt.Resume()
	}
	return errors.Join(errs...)
}

// Get returns the runtime of a namespace
func (m *Manager) Get(name string) (*Runtime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.runtimes[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNamespaceNotFound)
	}
	return e.runtime, nil
}

// List returns every runtime sorted by name
func (m *Manager) List() []*Runtime {
	m.mu.Lock()
	defer m.mu.Unlock()

	runtimes := make([]*Runtime, 0, len(m.runtimes))
	for _, e := range m.runtimes {
		runtimes = append(runtimes, e.runtime)
	}
	sort.Slice(runtimes, func(i, j int) bool { return runtimes[i].Name() < runtimes[j].Name() })
	return runtimes
}

// Delete stops a namespace, waits for its containers to be gone and removes
// its runtime files and persisted state
func (m *Manager) Delete(ctx context.Context, name string) error {
	m.mu.Lock()
	e, ok := m.runtimes[name]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNamespaceNotFound)
	}

	if _, err := e.runtime.Stop().Await(ctx); err != nil {
		return fmt.Errorf("failed to stop %s: %w", name, err)
	}

	m.mu.Lock()
	delete(m.runtimes, name)
	m.mu.Unlock()

	e.cancel()
	e.runtime.Dispose()

	if err := e.runtime.Files().Remove(); err != nil {
		return fmt.Errorf("failed to remove runtime files of %s: %w", name, err)
	}
	if err := m.services.Store.DeleteNamespace(name); err != nil {
		return fmt.Errorf("failed to delete state of %s: %w", name, err)
	}

	m.services.publish(&events.Event{Type: events.EventNamespaceDeleted, Namespace: name})
	m.logger.Info().Str("namespace", name).Msg("Namespace deleted")
	return nil
}

// Shutdown disposes every runtime. Containers keep running and are adopted
// on the next Restore.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.runtimes))
	for _, e := range m.runtimes {
		entries = append(entries, e)
	}
	m.runtimes = make(map[string]*entry)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, e := range entries {
		wg.Add(1)
		go func(e *entry) {
			defer wg.Done()
			e.cancel()
			e.runtime.Dispose()
		}(e)
	}
	wg.Wait()
	m.logger.Info().Int("namespaces", len(entries)).Msg("Namespace manager shut down")
}

// Snapshot implements metrics.Source
func (m *Manager) Snapshot() []metrics.NamespaceSnapshot {
	runtimes := m.List()
	snapshots := make([]metrics.NamespaceSnapshot, 0, len(runtimes))
	for _, rt := range runtimes {
		snapshots = append(snapshots, rt.Snapshot())
	}
	return snapshots
}
