package generator

import (
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/types"
)

// ParamNamespace is always set to the name of the namespace being generated
const ParamNamespace = "NAMESPACE"

// stackFile is the YAML document of a stack
type stackFile struct {
	Params map[string]string     `yaml:"params"`
	Apps   []appSpec             `yaml:"apps"`
	Files  map[string]fileSource `yaml:"files"`
	Config map[string]string     `yaml:"config"`
}

type appSpec struct {
	Name        string            `yaml:"name"`
	Image       string            `yaml:"image"`
	Kind        string            `yaml:"kind"`
	Env         map[string]string `yaml:"env"`
	Ports       []portSpec        `yaml:"ports"`
	Volumes     []volumeSpec      `yaml:"volumes"`
	Memory      string            `yaml:"memory"`
	Startup     *probeSpec        `yaml:"startup"`
	Init        []initSpec        `yaml:"init"`
	Command     []string          `yaml:"command"`
	InitActions []actionSpec      `yaml:"initActions"`
}

type portSpec struct {
	Name      string `yaml:"name"`
	Container int    `yaml:"container"`
	Host      int    `yaml:"host"`
	Protocol  string `yaml:"protocol"`
}

type volumeSpec struct {
	Type     string `yaml:"type"`
	Source   string `yaml:"source"`
	Target   string `yaml:"target"`
	ReadOnly bool   `yaml:"readOnly"`
}

type probeSpec struct {
	Type             string        `yaml:"type"`
	Path             string        `yaml:"path"`
	Port             int           `yaml:"port"`
	Command          []string      `yaml:"command"`
	Pattern          string        `yaml:"pattern"`
	InitialDelay     time.Duration `yaml:"initialDelay"`
	Period           time.Duration `yaml:"period"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold int           `yaml:"failureThreshold"`
}

type initSpec struct {
	Name    string            `yaml:"name"`
	Image   string            `yaml:"image"`
	Env     map[string]string `yaml:"env"`
	Command []string          `yaml:"command"`
	Volumes []volumeSpec      `yaml:"volumes"`
	Timeout time.Duration     `yaml:"timeout"`
}

type actionSpec struct {
	Name    string        `yaml:"name"`
	Command []string      `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`
}

// fileSource is either inline content or a reference to a file next to the
// stack file:
//
//	files:
//	  config/app.yaml: |
//	    port: 8080
//	  scripts/seed.sh:
//	    from: scripts/seed.sh
type fileSource struct {
	Content string
	From    string
}

func (f *fileSource) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		f.Content = node.Value
		return nil
	}

	var ref struct {
		From string `yaml:"from"`
	}
	if err := node.Decode(&ref); err != nil {
		return err
	}
	if ref.From == "" {
		return fmt.Errorf("line %d: file entry needs inline content or from", node.Line)
	}
	f.From = ref.From
	return nil
}

// StackFile generates namespaces from YAML stack files. The stack file path
// is the Source of the namespace definition; ${NAME} references are
// expanded from the params section, overridden by the definition params.
type StackFile struct{}

// NewStackFile creates a stack file generator
func NewStackFile() *StackFile {
	return &StackFile{}
}

// Generate implements Generator
func (g *StackFile) Generate(def types.NamespaceDefinition) (*types.Generation, error) {
	raw, err := os.ReadFile(def.Source)
	if err != nil {
		return nil, fmt.Errorf("failed to read stack file: %w", err)
	}
	return Parse(raw, filepath.Dir(def.Source), def)
}

// Parse builds a generation from stack file content. Relative from paths
// are resolved against baseDir.
func Parse(raw []byte, baseDir string, def types.NamespaceDefinition) (*types.Generation, error) {
	// Defaults come from the unexpanded document
	var head struct {
		Params map[string]string `yaml:"params"`
	}
	if err := yaml.Unmarshal(raw, &head); err != nil {
		return nil, fmt.Errorf("invalid stack file: %w", err)
	}

	params := make(map[string]string, len(head.Params)+len(def.Params)+1)
	for k, v := range head.Params {
		params[k] = v
	}
	for k, v := range def.Params {
		params[k] = v
	}
	params[ParamNamespace] = def.Name

	expanded, err := Expand(string(raw), params)
	if err != nil {
		return nil, fmt.Errorf("stack file %s: %w", def.Name, err)
	}

	var stack stackFile
	if err := yaml.Unmarshal([]byte(expanded), &stack); err != nil {
		return nil, fmt.Errorf("invalid stack file: %w", err)
	}

	gen := &types.Generation{
		Files:  make(map[string][]byte, len(stack.Files)),
		Config: stack.Config,
	}

	seen := make(map[string]bool)
	for i := range stack.Apps {
		app, err := stack.Apps[i].build()
		if err != nil {
			return nil, err
		}
		if seen[app.Name] {
			return nil, fmt.Errorf("duplicate application %q", app.Name)
		}
		seen[app.Name] = true
		gen.Applications = append(gen.Applications, app)
	}

	for p, src := range stack.Files {
		if path.IsAbs(p) || strings.HasPrefix(path.Clean(p), "..") {
			return nil, fmt.Errorf("file %q must be relative to the runtime directory", p)
		}
		if src.From == "" {
			gen.Files[p] = []byte(src.Content)
			continue
		}

		from := src.From
		if !filepath.IsAbs(from) {
			from = filepath.Join(baseDir, from)
		}
		content, err := os.ReadFile(from)
		if err != nil {
			return nil, fmt.Errorf("file %q: %w", p, err)
		}
		gen.Files[p] = content
	}

	logger := log.WithNamespace(def.Name)
	logger.Debug().
		Int("apps", len(gen.Applications)).
		Int("files", len(gen.Files)).
		Msg("Generated namespace")
	return gen, nil
}

func (s *appSpec) build() (*types.Application, error) {
	if s.Name == "" {
		return nil, fmt.Errorf("application without name")
	}
	if s.Image == "" {
		return nil, fmt.Errorf("application %s: image is required", s.Name)
	}

	app := &types.Application{
		Name:    s.Name,
		Image:   s.Image,
		Kind:    types.AppKindAdditional,
		Env:     s.Env,
		Command: s.Command,
	}

	switch kind := types.AppKind(s.Kind); kind {
	case "":
	case types.AppKindCore, types.AppKindExtension, types.AppKindAdditional, types.AppKindThirdParty:
		app.Kind = kind
	default:
		return nil, fmt.Errorf("application %s: unknown kind %q", s.Name, s.Kind)
	}

	for _, p := range s.Ports {
		if p.Container <= 0 {
			return nil, fmt.Errorf("application %s: invalid container port %d", s.Name, p.Container)
		}
		app.Ports = append(app.Ports, &types.PortMapping{
			Name:          p.Name,
			ContainerPort: p.Container,
			HostPort:      p.Host,
			Protocol:      p.Protocol,
		})
	}

	volumes, err := buildVolumes(s.Name, s.Volumes)
	if err != nil {
		return nil, err
	}
	app.Volumes = volumes

	if s.Memory != "" {
		limit, err := units.RAMInBytes(s.Memory)
		if err != nil {
			return nil, fmt.Errorf("application %s: invalid memory %q: %w", s.Name, s.Memory, err)
		}
		app.Resources = &types.ResourceRequirements{MemoryLimit: limit}
	}

	if s.Startup != nil {
		probe, err := s.Startup.build(s.Name)
		if err != nil {
			return nil, err
		}
		app.StartupCondition = probe
	}

	for _, ic := range s.Init {
		if ic.Name == "" || ic.Image == "" {
			return nil, fmt.Errorf("application %s: init containers need a name and an image", s.Name)
		}
		volumes, err := buildVolumes(s.Name, ic.Volumes)
		if err != nil {
			return nil, err
		}
		app.InitContainers = append(app.InitContainers, &types.InitContainer{
			Name:    ic.Name,
			Image:   ic.Image,
			Env:     ic.Env,
			Command: ic.Command,
			Volumes: volumes,
			Timeout: ic.Timeout,
		})
	}

	for _, a := range s.InitActions {
		if len(a.Command) == 0 {
			return nil, fmt.Errorf("application %s: init action %q has no command", s.Name, a.Name)
		}
		app.InitActions = append(app.InitActions, &types.InitAction{
			Name:    a.Name,
			Command: a.Command,
			Timeout: a.Timeout,
		})
	}

	return app, nil
}

func buildVolumes(app string, specs []volumeSpec) ([]*types.VolumeMount, error) {
	var mounts []*types.VolumeMount
	for _, v := range specs {
		mountType := types.MountType(v.Type)
		switch mountType {
		case "":
			mountType = types.MountTypeVolume
		case types.MountTypeVolume, types.MountTypeBind:
		default:
			return nil, fmt.Errorf("application %s: unknown volume type %q", app, v.Type)
		}
		if v.Source == "" || v.Target == "" {
			return nil, fmt.Errorf("application %s: volumes need a source and a target", app)
		}
		mounts = append(mounts, &types.VolumeMount{
			Type:     mountType,
			Source:   v.Source,
			Target:   v.Target,
			ReadOnly: v.ReadOnly,
		})
	}
	return mounts, nil
}

func (p *probeSpec) build(app string) (*types.Probe, error) {
	probe := &types.Probe{
		Type:             types.ProbeType(p.Type),
		Path:             p.Path,
		Port:             p.Port,
		Command:          p.Command,
		Pattern:          p.Pattern,
		InitialDelay:     p.InitialDelay,
		Period:           p.Period,
		Timeout:          p.Timeout,
		FailureThreshold: p.FailureThreshold,
	}

	switch probe.Type {
	case types.ProbeHTTP, types.ProbeTCP:
		if probe.Port <= 0 {
			return nil, fmt.Errorf("application %s: %s startup condition needs a port", app, probe.Type)
		}
		if probe.Type == types.ProbeHTTP && probe.Path == "" {
			probe.Path = "/"
		}
	case types.ProbeExec:
		if len(probe.Command) == 0 {
			return nil, fmt.Errorf("application %s: exec startup condition needs a command", app)
		}
	case types.ProbeLog:
		if probe.Pattern == "" {
			return nil, fmt.Errorf("application %s: log startup condition needs a pattern", app)
		}
	default:
		return nil, fmt.Errorf("application %s: unknown startup condition %q", app, p.Type)
	}
	return probe, nil
}
