// Package enginetest provides an in-memory engine.Engine for tests.
package enginetest

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/types"
)

type container struct {
	info   engine.Container
	spec   engine.ContainerSpec
	logs   bytes.Buffer
	exited chan struct{}
}

// Engine is a fake container engine. Behaviour is scripted through the
// exported hook fields, which must be set before the engine is used.
type Engine struct {
	// PullFunc decides the outcome of a pull. attempt counts pulls of ref,
	// starting at 1. A nil PullFunc makes every pull succeed.
	PullFunc func(ctx context.Context, ref string, auth *engine.Auth, attempt int) error

	// PullDelay is how long each successful pull takes
	PullDelay time.Duration

	// PullProgress, when set, replaces the progress updates of a pull
	PullProgress []engine.PullProgress

	// InitExitCode returns the exit code of an init container
	InitExitCode func(spec *engine.ContainerSpec) int

	// ExecFunc returns the exit code and output of an exec
	ExecFunc func(id string, cmd []string) (int, string)

	// StartFunc is called when a container starts; an error fails the start
	StartFunc func(spec *engine.ContainerSpec) error

	// Output is written to the logs of every container of the named app
	Output map[string]string

	// PortMap overrides the published host port for a container port
	PortMap map[int]int

	mu           sync.Mutex
	images       map[string]*engine.ImageInfo
	containers   map[string]*container
	networks     map[string]map[string]string
	volumes      map[string]*types.Volume
	pullAttempts map[string]int
	pulled       []string
	creates      int
	removes      int
	execs        [][]string

	activePulls atomic.Int32
	maxPulls    atomic.Int32
}

// New returns an empty fake engine
func New() *Engine {
	return &Engine{
		images:       make(map[string]*engine.ImageInfo),
		containers:   make(map[string]*container),
		networks:     make(map[string]map[string]string),
		volumes:      make(map[string]*types.Volume),
		pullAttempts: make(map[string]int),
	}
}

var _ engine.Engine = (*Engine)(nil)

// AddImage makes an image available locally
func (e *Engine) AddImage(ref string, labels map[string]string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.addImageLocked(ref, labels)
}

func (e *Engine) addImageLocked(ref string, labels map[string]string) {
	e.images[ref] = &engine.ImageInfo{
		Ref:    ref,
		Digest: "sha256:" + strconv.Itoa(len(ref)) + "-" + ref,
		Labels: labels,
	}
}

// SetImageDigest changes the digest of a local image, as a re-pull would
func (e *Engine) SetImageDigest(ref, digest string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if img, ok := e.images[ref]; ok {
		img.Digest = digest
	}
}

// InspectImage implements engine.Engine
func (e *Engine) InspectImage(ctx context.Context, ref string) (*engine.ImageInfo, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	img, ok := e.images[ref]
	if !ok {
		return nil, fmt.Errorf("image %s: %w", ref, engine.ErrNotFound)
	}
	copied := *img
	return &copied, nil
}

// PullImage implements engine.Engine
func (e *Engine) PullImage(ctx context.Context, ref string, auth *engine.Auth, progress func(engine.PullProgress)) error {
	active := e.activePulls.Add(1)
	defer e.activePulls.Add(-1)
	for {
		peak := e.maxPulls.Load()
		if active <= peak || e.maxPulls.CompareAndSwap(peak, active) {
			break
		}
	}

	e.mu.Lock()
	e.pullAttempts[ref]++
	attempt := e.pullAttempts[ref]
	e.mu.Unlock()

	if e.PullFunc != nil {
		if err := e.PullFunc(ctx, ref, auth, attempt); err != nil {
			return err
		}
	}

	if e.PullDelay > 0 {
		select {
		case <-time.After(e.PullDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if progress != nil {
		updates := e.PullProgress
		if updates == nil {
			updates = []engine.PullProgress{
				{Current: 50, Total: 100, Status: "downloading"},
				{Current: 100, Total: 100, Status: "complete", Success: true},
			}
		}
		for _, p := range updates {
			progress(p)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.images[ref]; !ok {
		e.addImageLocked(ref, nil)
	}
	e.pulled = append(e.pulled, ref)
	return nil
}

// ListContainers implements engine.Engine
func (e *Engine) ListContainers(ctx context.Context, labels map[string]string) ([]*engine.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var result []*engine.Container
	for _, c := range e.containers {
		if matches(c.info.Labels, labels) {
			info := c.info
			result = append(result, &info)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func matches(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// InspectContainer implements engine.Engine
func (e *Engine) InspectContainer(ctx context.Context, id string) (*engine.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.containers[id]
	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, engine.ErrNotFound)
	}
	info := c.info
	return &info, nil
}

// CreateContainer implements engine.Engine
func (e *Engine) CreateContainer(ctx context.Context, spec *engine.ContainerSpec) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.images[spec.Image]; !ok {
		return "", fmt.Errorf("image %s: %w", spec.Image, engine.ErrNotFound)
	}

	id := spec.Name
	if id == "" {
		id = uuid.New().String()
	}
	if _, ok := e.containers[id]; ok {
		return "", fmt.Errorf("container %s already exists", id)
	}

	ports := make([]engine.PortBinding, len(spec.Ports))
	for i, p := range spec.Ports {
		host := p.ContainerPort
		if mapped, ok := e.PortMap[p.ContainerPort]; ok {
			host = mapped
		}
		ports[i] = engine.PortBinding{ContainerPort: p.ContainerPort, HostPort: host, Protocol: p.Protocol}
	}

	labels := make(map[string]string, len(spec.Labels))
	for k, v := range spec.Labels {
		labels[k] = v
	}

	e.containers[id] = &container{
		info: engine.Container{
			ID:     id,
			Name:   id,
			Image:  spec.Image,
			Labels: labels,
			State:  engine.ContainerStateCreated,
			Ports:  ports,
		},
		spec:   *spec,
		exited: make(chan struct{}),
	}
	e.creates++
	return id, nil
}

// RunContainer adds a running container directly, as if left over from an
// earlier process
func (e *Engine) RunContainer(spec *engine.ContainerSpec) string {
	e.mu.Lock()
	defer e.mu.Unlock()

	id := spec.Name
	if id == "" {
		id = uuid.New().String()
	}
	e.containers[id] = &container{
		info: engine.Container{
			ID:     id,
			Name:   id,
			Image:  spec.Image,
			Labels: spec.Labels,
			State:  engine.ContainerStateRunning,
		},
		spec:   *spec,
		exited: make(chan struct{}),
	}
	return id
}

// StartContainer implements engine.Engine. Init containers exit immediately
// with the code chosen by InitExitCode.
func (e *Engine) StartContainer(ctx context.Context, id string) error {
	e.mu.Lock()
	c, ok := e.containers[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("container %s: %w", id, engine.ErrNotFound)
	}

	if e.StartFunc != nil {
		if err := e.StartFunc(&c.spec); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if out, ok := e.Output[c.spec.Labels[engine.LabelApp]]; ok {
		c.logs.WriteString(out)
	}

	if c.spec.Labels[engine.LabelRole] == engine.RoleInit {
		code := 0
		if e.InitExitCode != nil {
			code = e.InitExitCode(&c.spec)
		}
		c.info.State = engine.ContainerStateExited
		c.info.ExitCode = code
		close(c.exited)
		return nil
	}

	c.info.State = engine.ContainerStateRunning
	return nil
}

// StopContainer implements engine.Engine
func (e *Engine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.containers[id]
	if !ok {
		return fmt.Errorf("container %s: %w", id, engine.ErrNotFound)
	}
	if c.info.State == engine.ContainerStateRunning {
		c.info.State = engine.ContainerStateExited
		c.info.ExitCode = 0
		close(c.exited)
	}
	return nil
}

// RemoveContainer implements engine.Engine
func (e *Engine) RemoveContainer(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.containers[id]; ok {
		delete(e.containers, id)
		e.removes++
	}
	return nil
}

// WaitContainer implements engine.Engine
func (e *Engine) WaitContainer(ctx context.Context, id string) (int, error) {
	e.mu.Lock()
	c, ok := e.containers[id]
	e.mu.Unlock()
	if !ok {
		return -1, fmt.Errorf("container %s: %w", id, engine.ErrNotFound)
	}

	select {
	case <-c.exited:
		e.mu.Lock()
		defer e.mu.Unlock()
		return c.info.ExitCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Exec implements engine.Engine
func (e *Engine) Exec(ctx context.Context, id string, cmd []string, output io.Writer) (int, error) {
	e.mu.Lock()
	c, ok := e.containers[id]
	if ok {
		e.execs = append(e.execs, cmd)
	}
	e.mu.Unlock()

	if !ok {
		return -1, fmt.Errorf("container %s: %w", id, engine.ErrNotFound)
	}
	if c.info.State != engine.ContainerStateRunning {
		return -1, fmt.Errorf("container %s: %w", id, engine.ErrNotRunning)
	}

	if e.ExecFunc == nil {
		return 0, nil
	}
	code, out := e.ExecFunc(id, cmd)
	if output != nil {
		io.WriteString(output, out) //nolint:errcheck
	}
	return code, nil
}

// Logs implements engine.Engine. Followed logs return the current output and
// then block until ctx is done.
func (e *Engine) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	e.mu.Lock()
	c, ok := e.containers[id]
	var data []byte
	if ok {
		data = bytes.Clone(c.logs.Bytes())
	}
	e.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("container %s: %w", id, engine.ErrNotFound)
	}

	if !follow {
		return io.NopCloser(bytes.NewReader(data)), nil
	}

	pr, pw := io.Pipe()
	go func() {
		if _, err := pw.Write(data); err != nil {
			return
		}
		<-ctx.Done()
		pw.Close()
	}()
	return pr, nil
}

// CreateNetwork implements engine.Engine
func (e *Engine) CreateNetwork(ctx context.Context, name string, labels map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.networks[name] = labels
	return nil
}

// RemoveNetwork implements engine.Engine
func (e *Engine) RemoveNetwork(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.networks, name)
	return nil
}

// CreateVolume implements engine.Engine
func (e *Engine) CreateVolume(ctx context.Context, namespace, alias string) (*types.Volume, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	name := engine.VolumeName(namespace, alias)
	if v, ok := e.volumes[name]; ok {
		return v, nil
	}
	v := &types.Volume{
		ID:        uuid.New().String(),
		Name:      alias,
		Namespace: namespace,
		Driver:    "fake",
		MountPath: "/volumes/" + name,
		CreatedAt: time.Now(),
	}
	e.volumes[name] = v
	return v, nil
}

// FindVolume implements engine.Engine
func (e *Engine) FindVolume(ctx context.Context, namespace, alias string) (*types.Volume, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	v, ok := e.volumes[engine.VolumeName(namespace, alias)]
	if !ok {
		return nil, fmt.Errorf("volume %s: %w", alias, engine.ErrNotFound)
	}
	return v, nil
}

// Close implements engine.Engine
func (e *Engine) Close() error { return nil }

// Creates returns the number of containers created so far
func (e *Engine) Creates() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.creates
}

// Removes returns the number of containers removed so far
func (e *Engine) Removes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.removes
}

// Pulled returns the refs pulled successfully, in order
func (e *Engine) Pulled() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.pulled...)
}

// PullAttempts returns how many times ref was pulled
func (e *Engine) PullAttempts(ref string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.pullAttempts[ref]
}

// MaxConcurrentPulls returns the highest number of simultaneous pulls seen
func (e *Engine) MaxConcurrentPulls() int {
	return int(e.maxPulls.Load())
}

// Spec returns the spec a container was created from
func (e *Engine) Spec(id string) (*engine.ContainerSpec, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	c, ok := e.containers[id]
	if !ok {
		return nil, false
	}
	spec := c.spec
	return &spec, true
}

// Execs returns the commands run through Exec
func (e *Engine) Execs() [][]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]string(nil), e.execs...)
}

// HasNetwork reports whether a network exists
func (e *Engine) HasNetwork(name string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.networks[name]
	return ok
}

// Running returns the running containers of an application
func (e *Engine) Running(namespace, app string) []*engine.Container {
	containers, _ := e.ListContainers(context.Background(), engine.AppLabels(namespace, app))
	var running []*engine.Container
	for _, c := range containers {
		if c.State == engine.ContainerStateRunning {
			running = append(running, c)
		}
	}
	return running
}
