package engine

import (
	"context"
	"errors"
	"io"
	"time"

	"github.com/cuemby/hutch/pkg/types"
)

// Labels attached to every container and volume hutch creates
const (
	LabelNamespace      = "io.hutch.namespace"
	LabelApp            = "io.hutch.app"
	LabelDeploymentHash = "io.hutch.deployment-hash"
	LabelRole           = "io.hutch.role"
	LabelPorts          = "io.hutch.ports"

	// LabelLocalBuild marks images built on this machine; they are never pulled
	LabelLocalBuild = "io.hutch.local-build"
)

// Container roles
const (
	RoleMain = "main"
	RoleInit = "init"
)

var (
	// ErrNotFound is returned when an image, container or volume does not exist
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized is returned when a registry rejects the credentials
	ErrUnauthorized = errors.New("registry unauthorized")

	// ErrNotRunning is returned when an operation needs a running container
	ErrNotRunning = errors.New("container not running")
)

// Auth holds basic-auth credentials for a registry
type Auth struct {
	Username string
	Password string
}

// ImageInfo describes a locally available image
type ImageInfo struct {
	Ref    string
	Digest string
	Labels map[string]string
	Size   int64
}

// PullProgress is reported while an image is being pulled. The final update
// of a successful pull has Success set.
type PullProgress struct {
	Current int64 // Bytes downloaded
	Total   int64 // Bytes known so far
	Status  string
	Success bool
}

// Percent returns the completion percentage, or -1 when the total is unknown
func (p PullProgress) Percent() int {
	if p.Total <= 0 {
		return -1
	}
	pct := int(p.Current * 100 / p.Total)
	if pct > 100 {
		pct = 100
	}
	return pct
}

// ContainerState is the engine-observed state of a container
type ContainerState string

const (
	ContainerStateCreated ContainerState = "created"
	ContainerStateRunning ContainerState = "running"
	ContainerStateExited  ContainerState = "exited"
	ContainerStateUnknown ContainerState = "unknown"
)

// PortBinding maps a container port to a published host port
type PortBinding struct {
	ContainerPort int
	HostPort      int
	Protocol      string
}

// Mount describes a mount of a container spec. Volume mounts reference a
// volume by name, bind mounts an absolute host path.
type Mount struct {
	Type     types.MountType
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec is everything needed to create a container
type ContainerSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         map[string]string
	Labels      map[string]string
	Ports       []PortBinding
	Mounts      []Mount
	MemoryLimit int64
	Network     string
}

// Container is the engine view of a container
type Container struct {
	ID       string
	Name     string
	Image    string
	Labels   map[string]string
	State    ContainerState
	ExitCode int
	Ports    []PortBinding
}

// PublishedPort returns the host port bound to containerPort
func (c *Container) PublishedPort(containerPort int) (int, bool) {
	for _, p := range c.Ports {
		if p.ContainerPort == containerPort {
			return p.HostPort, true
		}
	}
	return 0, false
}

// Engine is the capability surface of a container engine. Implementations
// must be safe for concurrent use.
type Engine interface {
	// Images
	InspectImage(ctx context.Context, ref string) (*ImageInfo, error)
	PullImage(ctx context.Context, ref string, auth *Auth, progress func(PullProgress)) error

	// Containers
	ListContainers(ctx context.Context, labels map[string]string) ([]*Container, error)
	InspectContainer(ctx context.Context, id string) (*Container, error)
	CreateContainer(ctx context.Context, spec *ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	WaitContainer(ctx context.Context, id string) (int, error)
	Exec(ctx context.Context, id string, cmd []string, output io.Writer) (int, error)
	Logs(ctx context.Context, id string, follow bool) (io.ReadCloser, error)

	// Networks
	CreateNetwork(ctx context.Context, name string, labels map[string]string) error
	RemoveNetwork(ctx context.Context, name string) error

	// Volumes
	CreateVolume(ctx context.Context, namespace, alias string) (*types.Volume, error)
	FindVolume(ctx context.Context, namespace, alias string) (*types.Volume, error)

	Close() error
}

// AppLabels returns the labels selecting the containers of one application
func AppLabels(namespace, app string) map[string]string {
	return map[string]string{
		LabelNamespace: namespace,
		LabelApp:       app,
	}
}

// VolumeName returns the engine name of a namespace-scoped volume
func VolumeName(namespace, alias string) string {
	return namespace + "_" + alias
}

// NetworkName returns the engine name of a namespace network
func NetworkName(namespace string) string {
	return "hutch-" + namespace
}
