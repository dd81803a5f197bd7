package types

import (
	"time"
)

// AppKind classifies an application; it drives pull and scheduling policy
type AppKind string

const (
	AppKindCore       AppKind = "core"        // Platform core component
	AppKindExtension  AppKind = "extension"   // Platform extension
	AppKindAdditional AppKind = "additional"  // Additional own application
	AppKindThirdParty AppKind = "third-party" // Image owned by somebody else
)

// IsOwn reports whether the image is built by the platform vendor
func (k AppKind) IsOwn() bool {
	return k != AppKindThirdParty
}

// Application is the desired state of one application in a namespace.
// Values are produced by a generator and treated as immutable.
type Application struct {
	Name             string
	Image            string
	Kind             AppKind
	Env              map[string]string
	Ports            []*PortMapping
	Volumes          []*VolumeMount
	Resources        *ResourceRequirements
	StartupCondition *Probe
	InitContainers   []*InitContainer
	Command          []string
	InitActions      []*InitAction // Shell commands run in the container after startup
}

// Images returns the unique images needed by the application, main image first
func (a *Application) Images() []string {
	seen := make(map[string]bool)
	images := make([]string, 0, 1+len(a.InitContainers))
	add := func(image string) {
		if image == "" || seen[image] {
			return
		}
		seen[image] = true
		images = append(images, image)
	}

	add(a.Image)
	for _, ic := range a.InitContainers {
		add(ic.Image)
	}
	return images
}

// BindSources returns the host-path sources of all bind mounts, including
// those of init containers, in declaration order
func (a *Application) BindSources() []string {
	var sources []string
	collect := func(mounts []*VolumeMount) {
		for _, m := range mounts {
			if m.Type == MountTypeBind {
				sources = append(sources, m.Source)
			}
		}
	}

	for _, ic := range a.InitContainers {
		collect(ic.Volumes)
	}
	collect(a.Volumes)
	return sources
}

// InitContainer runs to completion before the main container is created
type InitContainer struct {
	Name    string
	Image   string
	Env     map[string]string
	Command []string
	Volumes []*VolumeMount
	Timeout time.Duration
}

// InitAction is a command executed inside the running main container
type InitAction struct {
	Name    string
	Command []string
	Timeout time.Duration
}

// PortMapping defines port exposure
type PortMapping struct {
	Name          string
	ContainerPort int // Port inside container
	HostPort      int // Port on the host (0 = same as container port)
	Protocol      string
}

// MountType selects how a volume mount is resolved
type MountType string

const (
	MountTypeVolume MountType = "volume" // Namespace-scoped named volume
	MountTypeBind   MountType = "bind"   // Host path, relative to the runtime file directory
)

// VolumeMount defines a volume mount point
type VolumeMount struct {
	Type     MountType
	Source   string // Volume alias or host path
	Target   string // Container path
	ReadOnly bool
}

// ResourceRequirements defines resource limits
type ResourceRequirements struct {
	MemoryLimit int64 // Bytes
}

// ProbeType defines the type of startup condition
type ProbeType string

const (
	ProbeHTTP ProbeType = "http"
	ProbeTCP  ProbeType = "tcp"
	ProbeExec ProbeType = "exec"
	ProbeLog  ProbeType = "log"
)

// Probe is the startup condition gating when a started container is
// considered healthy. Exactly one of the type-specific fields is used.
type Probe struct {
	Type ProbeType

	// HTTP and TCP
	Path string
	Port int // Container port; resolved to the published host port

	// Exec
	Command []string

	// Log
	Pattern string

	InitialDelay     time.Duration
	Period           time.Duration
	Timeout          time.Duration
	FailureThreshold int
}

// AppStatus is the state of a per-application runtime
type AppStatus string

const (
	AppStatusStopped        AppStatus = "STOPPED"
	AppStatusReadyToPull    AppStatus = "READY_TO_PULL"
	AppStatusPulling        AppStatus = "PULLING"
	AppStatusPullFailed     AppStatus = "PULL_FAILED"
	AppStatusReadyToStart   AppStatus = "READY_TO_START"
	AppStatusStarting       AppStatus = "STARTING"
	AppStatusRunning        AppStatus = "RUNNING"
	AppStatusStartFailed    AppStatus = "START_FAILED"
	AppStatusReadyToStop    AppStatus = "READY_TO_STOP"
	AppStatusStopping       AppStatus = "STOPPING"
	AppStatusStoppingFailed AppStatus = "STOPPING_FAILED"
)

// IsStalled reports whether the status requires operator intervention
func (s AppStatus) IsStalled() bool {
	switch s {
	case AppStatusPullFailed, AppStatusStartFailed, AppStatusStoppingFailed:
		return true
	}
	return false
}

// IsStopping reports whether the application is stopped or on its way there
func (s AppStatus) IsStopping() bool {
	switch s {
	case AppStatusReadyToStop, AppStatusStopping, AppStatusStopped:
		return true
	}
	return false
}

// IsTerminal reports whether the status is a resting state
func (s AppStatus) IsTerminal() bool {
	return s == AppStatusStopped || s == AppStatusRunning
}

// NamespaceStatus is the aggregate status of a namespace
type NamespaceStatus string

const (
	NamespaceStatusStopped  NamespaceStatus = "STOPPED"
	NamespaceStatusStarting NamespaceStatus = "STARTING"
	NamespaceStatusRunning  NamespaceStatus = "RUNNING"
	NamespaceStatusStopping NamespaceStatus = "STOPPING"
	NamespaceStatusStalled  NamespaceStatus = "STALLED"
)

// NamespaceDefinition identifies a namespace and the input of its generator
type NamespaceDefinition struct {
	Name   string
	Source string            // Stack file path
	Params map[string]string // Generator parameters
}

// NamespaceState is the persisted part of a namespace runtime
type NamespaceState struct {
	Name            string
	Status          NamespaceStatus
	ManuallyStopped []string
	UpdatedAt       time.Time
}

// Generation is the output of a generator run
type Generation struct {
	Applications []*Application
	Files        map[string][]byte // Relative path -> content
	Config       map[string]string // Auxiliary configuration
}

// RuntimeFile describes one generated file of a namespace
type RuntimeFile struct {
	Path   string
	Hash   string
	Edited bool // A user override differing from the generated content exists
}

// Volume represents a namespace-scoped named volume
type Volume struct {
	ID        string
	Name      string // Alias used by application mounts
	Namespace string
	Driver    string // "local"
	MountPath string // Host mount path
	Labels    map[string]string
	CreatedAt time.Time
}

// Credential holds registry basic-auth credentials
type Credential struct {
	Host      string
	Username  string
	Password  []byte // Encrypted with AES-256-GCM
	CreatedAt time.Time
}
