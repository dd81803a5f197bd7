package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/images"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	"github.com/containerd/containerd/remotes/docker"
	remoteerrors "github.com/containerd/containerd/remotes/errors"
	"github.com/google/uuid"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
	"github.com/cuemby/hutch/pkg/volume"
)

const (
	// DefaultNamespace is the containerd namespace for hutch
	DefaultNamespace = "hutch"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	progressInterval = 500 * time.Millisecond
)

// ContainerdEngine implements Engine on top of containerd. Containers share
// the host network namespace, so a published port is always the container
// port. Networks are tracked as bookkeeping records only.
type ContainerdEngine struct {
	client    *containerd.Client
	namespace string
	dataDir   string
	volumes   *volume.VolumeManager

	mu sync.Mutex // Guards network records
}

// NewContainerdEngine connects to containerd and works in the given
// containerd namespace. dataDir holds container logs, network records and
// volumes.
func NewContainerdEngine(socketPath, namespace, dataDir string) (*ContainerdEngine, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	if namespace == "" {
		namespace = DefaultNamespace
	}

	for _, dir := range []string{"logs", "networks"} {
		if err := os.MkdirAll(filepath.Join(dataDir, dir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create engine directory: %w", err)
		}
	}

	volumes, err := volume.NewVolumeManager(filepath.Join(dataDir, "volumes"))
	if err != nil {
		return nil, err
	}

	client, err := containerd.New(socketPath, containerd.WithDefaultNamespace(namespace))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdEngine{
		client:    client,
		namespace: namespace,
		dataDir:   dataDir,
		volumes:   volumes,
	}, nil
}

// Close closes the containerd client connection
func (e *ContainerdEngine) Close() error {
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

func (e *ContainerdEngine) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, e.namespace)
}

// InspectImage returns the local image, or ErrNotFound
func (e *ContainerdEngine) InspectImage(ctx context.Context, ref string) (*ImageInfo, error) {
	ctx = e.ctx(ctx)

	image, err := e.client.GetImage(ctx, normalizeRef(ref))
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("image %s: %w", ref, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get image %s: %w", ref, err)
	}

	labels := make(map[string]string)
	if spec, err := image.Spec(ctx); err == nil {
		for k, v := range spec.Config.Labels {
			labels[k] = v
		}
	}
	for k, v := range image.Labels() {
		labels[k] = v
	}

	size, _ := image.Size(ctx)

	return &ImageInfo{
		Ref:    image.Name(),
		Digest: image.Target().Digest.String(),
		Labels: labels,
		Size:   size,
	}, nil
}

// PullImage pulls and unpacks an image, reporting download progress until it
// completes. The last progress update of a successful pull carries Success.
func (e *ContainerdEngine) PullImage(ctx context.Context, ref string, auth *Auth, progress func(PullProgress)) error {
	ctx = e.ctx(ctx)

	resolver := docker.NewResolver(docker.ResolverOptions{
		Hosts: docker.ConfigureDefaultRegistries(
			docker.WithAuthorizer(docker.NewDockerAuthorizer(
				docker.WithAuthCreds(func(host string) (string, string, error) {
					if auth == nil {
						return "", "", nil
					}
					return auth.Username, auth.Password, nil
				}),
			)),
		),
	})

	tracker := newPullTracker()
	handler := images.HandlerFunc(func(ctx context.Context, desc ocispec.Descriptor) ([]ocispec.Descriptor, error) {
		if images.IsLayerType(desc.MediaType) {
			tracker.addLayer(desc.Digest.String(), desc.Size)
		}
		return nil, nil
	})

	stop := make(chan struct{})
	var wg sync.WaitGroup
	if progress != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			e.reportPullProgress(ctx, tracker, progress, stop)
		}()
	}

	_, err := e.client.Pull(ctx, normalizeRef(ref),
		containerd.WithPullUnpack,
		containerd.WithResolver(resolver),
		containerd.WithImageHandler(handler),
	)
	close(stop)
	wg.Wait()

	if err != nil {
		if isUnauthorized(err) {
			return fmt.Errorf("failed to pull image %s: %w: %v", ref, ErrUnauthorized, err)
		}
		return fmt.Errorf("failed to pull image %s: %w", ref, err)
	}

	if progress != nil {
		total := tracker.total()
		progress(PullProgress{Current: total, Total: total, Status: "complete", Success: true})
	}
	return nil
}

func (e *ContainerdEngine) reportPullProgress(ctx context.Context, tracker *pullTracker, progress func(PullProgress), stop <-chan struct{}) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	cs := e.client.ContentStore()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		statuses, err := cs.ListStatuses(ctx, "")
		if err != nil {
			continue
		}

		active := make(map[string]int64, len(statuses))
		for _, s := range statuses {
			active[s.Ref] = s.Offset
		}

		var current int64
		for _, layer := range tracker.layers() {
			if _, err := cs.Info(ctx, layer.digest); err == nil {
				current += layer.size
				continue
			}
			for ref, offset := range active {
				if strings.HasSuffix(ref, layer.digest.Encoded()) {
					current += offset
				}
			}
		}

		progress(PullProgress{
			Current: current,
			Total:   tracker.total(),
			Status:  "downloading",
		})
	}
}

// ListContainers returns the containers carrying all of the given labels
func (e *ContainerdEngine) ListContainers(ctx context.Context, labels map[string]string) ([]*Container, error) {
	ctx = e.ctx(ctx)

	containers, err := e.client.Containers(ctx, labelFilter(labels))
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	result := make([]*Container, 0, len(containers))
	for _, c := range containers {
		info, err := e.describe(ctx, c)
		if err != nil {
			if errdefs.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		result = append(result, info)
	}
	return result, nil
}

// InspectContainer returns the container with the given ID
func (e *ContainerdEngine) InspectContainer(ctx context.Context, id string) (*Container, error) {
	ctx = e.ctx(ctx)

	c, err := e.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return e.describe(ctx, c)
}

func (e *ContainerdEngine) load(ctx context.Context, id string) (containerd.Container, error) {
	c, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil, fmt.Errorf("container %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load container %s: %w", id, err)
	}
	return c, nil
}

func (e *ContainerdEngine) describe(ctx context.Context, c containerd.Container) (*Container, error) {
	info, err := c.Info(ctx)
	if err != nil {
		return nil, err
	}

	result := &Container{
		ID:     c.ID(),
		Name:   c.ID(),
		Image:  info.Image,
		Labels: info.Labels,
		State:  ContainerStateCreated,
	}
	if raw, ok := info.Labels[LabelPorts]; ok {
		_ = json.Unmarshal([]byte(raw), &result.Ports)
	}

	task, err := c.Task(ctx, nil)
	if err != nil {
		// No task means the container was never started or was cleaned up
		return result, nil
	}

	status, err := task.Status(ctx)
	if err != nil {
		result.State = ContainerStateUnknown
		return result, nil
	}

	switch status.Status {
	case containerd.Running, containerd.Paused, containerd.Pausing:
		result.State = ContainerStateRunning
	case containerd.Stopped:
		result.State = ContainerStateExited
		result.ExitCode = int(status.ExitStatus)
	case containerd.Created:
		result.State = ContainerStateCreated
	default:
		result.State = ContainerStateUnknown
	}
	return result, nil
}

// CreateContainer creates a container from spec
func (e *ContainerdEngine) CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error) {
	ctx = e.ctx(ctx)

	image, err := e.client.GetImage(ctx, normalizeRef(spec.Image))
	if err != nil {
		return "", fmt.Errorf("failed to get image %s: %w", spec.Image, err)
	}

	id := spec.Name
	if id == "" {
		id = uuid.New().String()
	}

	mounts, err := e.resolveMounts(spec)
	if err != nil {
		return "", err
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(envList(spec.Env)),
		oci.WithHostNamespace(specs.NetworkNamespace),
		oci.WithHostHostsFile,
		oci.WithHostResolvconf,
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if len(mounts) > 0 {
		opts = append(opts, oci.WithMounts(mounts))
	}
	if spec.MemoryLimit > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryLimit)))
	}

	labels := make(map[string]string, len(spec.Labels)+1)
	for k, v := range spec.Labels {
		labels[k] = v
	}
	if len(spec.Ports) > 0 {
		// Host networking publishes each port as itself
		ports := make([]PortBinding, len(spec.Ports))
		for i, p := range spec.Ports {
			ports[i] = PortBinding{ContainerPort: p.ContainerPort, HostPort: p.ContainerPort, Protocol: p.Protocol}
		}
		data, _ := json.Marshal(ports)
		labels[LabelPorts] = string(data)
	}

	container, err := e.client.NewContainer(
		ctx,
		id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(labels),
	)
	if err != nil {
		if errdefs.IsAlreadyExists(err) {
			return "", fmt.Errorf("container %s already exists: %w", id, err)
		}
		return "", fmt.Errorf("failed to create container: %w", err)
	}

	return container.ID(), nil
}

func (e *ContainerdEngine) resolveMounts(spec *ContainerSpec) ([]specs.Mount, error) {
	mounts := make([]specs.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		source := m.Source
		if m.Type == types.MountTypeVolume {
			ns := spec.Labels[LabelNamespace]
			v, err := e.volumes.Find(ns, m.Source)
			if err != nil {
				return nil, fmt.Errorf("volume %s: %w", m.Source, err)
			}
			source = v.MountPath
		}

		options := []string{"rbind"}
		if m.ReadOnly {
			options = append(options, "ro")
		} else {
			options = append(options, "rw")
		}
		mounts = append(mounts, specs.Mount{
			Source:      source,
			Destination: m.Target,
			Type:        "bind",
			Options:     options,
		})
	}
	return mounts, nil
}

// StartContainer starts a created container. Output goes to a log file
// readable through Logs.
func (e *ContainerdEngine) StartContainer(ctx context.Context, id string) error {
	ctx = e.ctx(ctx)

	container, err := e.load(ctx, id)
	if err != nil {
		return err
	}

	// A leftover task from a previous run blocks NewTask
	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete stale task: %w", err)
		}
	}

	task, err := container.NewTask(ctx, cio.LogFile(e.logPath(id)))
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}

	if err := task.Start(ctx); err != nil {
		return fmt.Errorf("failed to start task: %w", err)
	}

	return nil
}

// StopContainer sends SIGTERM and escalates to SIGKILL after timeout
func (e *ContainerdEngine) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	ctx = e.ctx(ctx)

	container, err := e.load(ctx, id)
	if err != nil {
		return err
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		// Task might not exist (container not running)
		return nil
	}

	// Wait must be registered before the signal is sent
	statusC, err := task.Wait(ctx)
	if err != nil {
		return fmt.Errorf("failed to wait for task: %w", err)
	}

	if err := task.Kill(ctx, syscall.SIGTERM); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to kill task: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-statusC:
	case <-timer.C:
		log.Logger.Warn().Str("container_id", id).Msg("Container did not stop in time, sending SIGKILL")
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to force kill task: %w", err)
		}
		<-statusC
	case <-ctx.Done():
		return ctx.Err()
	}

	if _, err := task.Delete(ctx); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete task: %w", err)
	}

	return nil
}

// RemoveContainer removes a container, its snapshot and its log file
func (e *ContainerdEngine) RemoveContainer(ctx context.Context, id string) error {
	ctx = e.ctx(ctx)

	container, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("failed to load container %s: %w", id, err)
	}

	if task, err := container.Task(ctx, nil); err == nil {
		if _, err := task.Delete(ctx, containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			return fmt.Errorf("failed to delete task: %w", err)
		}
	}

	if err := container.Delete(ctx, containerd.WithSnapshotCleanup); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("failed to delete container: %w", err)
	}

	if err := os.Remove(e.logPath(id)); err != nil && !os.IsNotExist(err) {
		log.Logger.Warn().Err(err).Str("container_id", id).Msg("Failed to remove container log")
	}
	return nil
}

// WaitContainer blocks until the container exits and returns its exit code
func (e *ContainerdEngine) WaitContainer(ctx context.Context, id string) (int, error) {
	ctx = e.ctx(ctx)

	container, err := e.load(ctx, id)
	if err != nil {
		return -1, err
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("container %s: %w", id, ErrNotRunning)
	}

	statusC, err := task.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("failed to wait for task: %w", err)
	}

	// The task may have exited before Wait was registered
	if status, err := task.Status(ctx); err == nil && status.Status == containerd.Stopped {
		return int(status.ExitStatus), nil
	}

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return -1, err
		}
		return int(code), nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}

// Exec runs cmd inside a running container and returns its exit code.
// Combined output is written to output when it is not nil.
func (e *ContainerdEngine) Exec(ctx context.Context, id string, cmd []string, output io.Writer) (int, error) {
	ctx = e.ctx(ctx)

	container, err := e.load(ctx, id)
	if err != nil {
		return -1, err
	}

	task, err := container.Task(ctx, nil)
	if err != nil {
		return -1, fmt.Errorf("container %s: %w", id, ErrNotRunning)
	}

	spec, err := container.Spec(ctx)
	if err != nil {
		return -1, fmt.Errorf("failed to get container spec: %w", err)
	}

	pspec := *spec.Process
	pspec.Args = cmd
	pspec.Terminal = false

	if output == nil {
		output = io.Discard
	}

	execID := "exec-" + uuid.New().String()[:8]
	process, err := task.Exec(ctx, execID, &pspec, cio.NewCreator(cio.WithStreams(nil, output, output)))
	if err != nil {
		return -1, fmt.Errorf("failed to exec: %w", err)
	}
	defer process.Delete(context.WithoutCancel(ctx), containerd.WithProcessKill) //nolint:errcheck

	statusC, err := process.Wait(ctx)
	if err != nil {
		return -1, fmt.Errorf("failed to wait for exec: %w", err)
	}

	if err := process.Start(ctx); err != nil {
		return -1, fmt.Errorf("failed to start exec: %w", err)
	}

	select {
	case status := <-statusC:
		code, _, err := status.Result()
		if err != nil {
			return -1, err
		}
		return int(code), nil
	case <-ctx.Done():
		_ = process.Kill(context.WithoutCancel(ctx), syscall.SIGKILL)
		return -1, ctx.Err()
	}
}

// Logs returns the container's output. With follow, the reader keeps
// returning new output until ctx is done or the reader is closed.
func (e *ContainerdEngine) Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error) {
	path := e.logPath(id)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("logs of %s: %w", id, ErrNotFound)
		}
		return nil, err
	}

	if !follow {
		return os.Open(path)
	}
	return Follow(ctx, path)
}

func (e *ContainerdEngine) logPath(id string) string {
	return filepath.Join(e.dataDir, "logs", id+".log")
}

type networkRecord struct {
	Name      string            `json:"name"`
	Labels    map[string]string `json:"labels"`
	CreatedAt time.Time         `json:"created_at"`
}

// CreateNetwork records a namespace network. Creating an existing network
// succeeds.
func (e *ContainerdEngine) CreateNetwork(ctx context.Context, name string, labels map[string]string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	path := filepath.Join(e.dataDir, "networks", name+".json")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	data, err := json.Marshal(networkRecord{Name: name, Labels: labels, CreatedAt: time.Now()})
	if err != nil {
		return fmt.Errorf("failed to marshal network: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write network: %w", err)
	}
	return nil
}

// RemoveNetwork deletes a network record. Removing a missing network succeeds.
func (e *ContainerdEngine) RemoveNetwork(ctx context.Context, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	err := os.Remove(filepath.Join(e.dataDir, "networks", name+".json"))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove network: %w", err)
	}
	return nil
}

// CreateVolume returns the namespace volume with the given alias, creating
// it if needed
func (e *ContainerdEngine) CreateVolume(ctx context.Context, namespace, alias string) (*types.Volume, error) {
	return e.volumes.Ensure(namespace, alias, map[string]string{LabelNamespace: namespace})
}

// FindVolume looks up a namespace volume by alias
func (e *ContainerdEngine) FindVolume(ctx context.Context, namespace, alias string) (*types.Volume, error) {
	v, err := e.volumes.Find(namespace, alias)
	if errors.Is(err, volume.ErrNotFound) {
		return nil, fmt.Errorf("volume %s: %w", VolumeName(namespace, alias), ErrNotFound)
	}
	return v, err
}

// isUnauthorized reports whether a pull failed because the registry refused
// the credentials
func isUnauthorized(err error) bool {
	var unexpected remoteerrors.ErrUnexpectedStatus
	if errors.As(err, &unexpected) {
		return unexpected.StatusCode == http.StatusUnauthorized || unexpected.StatusCode == http.StatusForbidden
	}
	if errors.Is(err, docker.ErrInvalidAuthorization) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "401 Unauthorized") || strings.Contains(msg, "403 Forbidden")
}

// labelFilter builds a containerd filter matching every label
func labelFilter(labels map[string]string) string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("labels.%s==%s", strconv.Quote(k), strconv.Quote(labels[k])))
	}
	return strings.Join(parts, ",")
}

func envList(env map[string]string) []string {
	list := make([]string, 0, len(env))
	for k, v := range env {
		list = append(list, k+"="+v)
	}
	sort.Strings(list)
	return list
}
