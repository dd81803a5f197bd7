package action

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/cuemby/hutch/pkg/deployhash"
	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/health"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/types"
)

const (
	runningPollInterval = 250 * time.Millisecond
	cleanupTimeout      = 30 * time.Second
	probeHost           = "127.0.0.1"
)

// Start brings the containers of an application in line with its
// deployment hash
type Start struct {
	services Services
}

// NewStart creates the start executor
func NewStart(services Services) *Start {
	return &Start{services: services}
}

// Name implements Executor
func (s *Start) Name() string { return "start" }

// Execute keeps running containers whose deployment hash matches, replaces
// every other container and waits for the startup condition of new ones
func (s *Start) Execute(ctx context.Context, target Target) error {
	app := target.Definition()
	ns := target.Namespace()
	logger := log.WithApp(ns, app.Name)
	eng := s.services.Engine
	cfg := s.services.Config.Start

	target.SetStatusMessage("Computing deployment hash")
	hash, err := DeploymentHash(ctx, eng, target)
	if err != nil {
		return err
	}
	target.SetDeploymentHash(hash)

	existing, err := eng.ListContainers(ctx, engine.AppLabels(ns, app.Name))
	if err != nil {
		return fmt.Errorf("failed to list containers of %s: %w", app.Name, err)
	}

	replicas := max(cfg.Replicas, 1)
	kept := 0
	for _, c := range existing {
		if c.Labels[engine.LabelRole] != engine.RoleInit &&
			c.Labels[engine.LabelDeploymentHash] == hash &&
			c.State == engine.ContainerStateRunning &&
			kept < replicas {
			kept++
			logger.Debug().Str("container_id", c.ID).Msg("Keeping up to date container")
			continue
		}
		target.SetStatusMessage("Removing outdated container")
		if err := s.removeContainer(ctx, c.ID, logger); err != nil {
			return err
		}
	}

	if kept >= replicas {
		target.SetStatusMessage("Up to date")
		logger.Info().Str("hash", hash).Msg("Containers up to date")
		return nil
	}

	labels := map[string]string{engine.LabelNamespace: ns}
	if err := eng.CreateNetwork(ctx, engine.NetworkName(ns), labels); err != nil {
		return fmt.Errorf("failed to create network for %s: %w", ns, err)
	}

	for ; kept < replicas; kept++ {
		if err := s.startReplica(ctx, target, hash, logger); err != nil {
			return err
		}
	}

	target.SetStatusMessage("Running")
	logger.Info().Str("hash", hash).Msg("Application started")
	return nil
}

// DeploymentHash combines the definition of the target with the digests of
// its local images and the content of its mounted runtime files. Image
// digests are inspected in parallel.
func DeploymentHash(ctx context.Context, eng engine.Engine, target Target) (string, error) {
	app := target.Definition()

	var mu sync.Mutex
	digests := make(map[string]string)

	g, gctx := errgroup.WithContext(ctx)
	for _, ref := range app.Images() {
		g.Go(func() error {
			info, err := eng.InspectImage(gctx, ref)
			if err != nil {
				return fmt.Errorf("failed to inspect image %s: %w", ref, err)
			}
			mu.Lock()
			digests[ref] = info.Digest
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return "", err
	}

	var filesHash string
	if files := target.Files(); files != nil {
		filesHash = files.Hash(app.BindSources())
	}
	return deployhash.Compute(app, digests, filesHash)
}

func (s *Start) startReplica(ctx context.Context, target Target, hash string, logger zerolog.Logger) error {
	app := target.Definition()
	ns := target.Namespace()
	eng := s.services.Engine
	cfg := s.services.Config.Start

	for _, ic := range app.InitContainers {
		target.SetStatusMessage(fmt.Sprintf("Running init container %s", ic.Name))
		if err := s.runInit(ctx, target, ic, hash, logger); err != nil {
			return err
		}
	}

	mounts, err := s.mounts(ctx, target, app.Volumes)
	if err != nil {
		return err
	}

	ports := make([]engine.PortBinding, 0, len(app.Ports))
	for _, p := range app.Ports {
		host := p.HostPort
		if host == 0 {
			host = p.ContainerPort
		}
		protocol := p.Protocol
		if protocol == "" {
			protocol = "tcp"
		}
		ports = append(ports, engine.PortBinding{ContainerPort: p.ContainerPort, HostPort: host, Protocol: protocol})
	}

	spec := &engine.ContainerSpec{
		Name:    containerName(ns, app.Name, ""),
		Image:   app.Image,
		Command: app.Command,
		Env:     app.Env,
		Labels:  containerLabels(ns, app.Name, hash, engine.RoleMain),
		Ports:   ports,
		Mounts:  mounts,
		Network: engine.NetworkName(ns),
	}
	if app.Resources != nil {
		spec.MemoryLimit = app.Resources.MemoryLimit
	}

	target.SetStatusMessage("Creating container")
	id, err := eng.CreateContainer(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to create container for %s: %w", app.Name, err)
	}
	metrics.ContainersCreated.Inc()
	logger = logger.With().Str("container_id", id).Logger()

	err = s.bringUp(ctx, target, id, logger)
	if err != nil {
		// A half started container would otherwise be kept by the next start
		if rmErr := s.removeContainer(context.WithoutCancel(ctx), id, logger); rmErr != nil {
			logger.Warn().Err(rmErr).Msg("Failed to remove container after failed start")
		}
		return err
	}

	for _, a := range app.InitActions {
		target.SetStatusMessage(fmt.Sprintf("Running init action %s", a.Name))
		timeout := a.Timeout
		if timeout <= 0 {
			timeout = cfg.InitActionTimeout
		}
		if err := s.runInitAction(ctx, id, a, timeout, logger); err != nil {
			return fmt.Errorf("init action %s of %s failed: %w", a.Name, app.Name, err)
		}
	}
	return nil
}

// bringUp starts a created container, waits for it to run and evaluates the
// startup condition
func (s *Start) bringUp(ctx context.Context, target Target, id string, logger zerolog.Logger) error {
	app := target.Definition()
	eng := s.services.Engine

	target.SetStatusMessage("Starting container")
	if err := eng.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("failed to start container of %s: %w", app.Name, err)
	}

	if err := s.waitRunning(ctx, id); err != nil {
		return fmt.Errorf("container of %s did not start: %w", app.Name, err)
	}

	cond := app.StartupCondition
	if cond == nil {
		return nil
	}

	checker, err := s.checker(ctx, id, cond)
	if err != nil {
		return &StartupError{App: app.Name, Err: err}
	}

	config := health.DefaultConfig()
	config.StartPeriod = cond.InitialDelay
	if cond.Period > 0 {
		config.Interval = cond.Period
	}
	if cond.Timeout > 0 {
		config.Timeout = cond.Timeout
	}
	if cond.FailureThreshold > 0 {
		config.Retries = cond.FailureThreshold
	}

	target.SetStatusMessage(fmt.Sprintf("Waiting for %s startup condition", cond.Type))
	_, err = health.Probe(ctx, checker, config, func(result health.Result) {
		if !result.Healthy {
			logger.Debug().Str("probe", string(cond.Type)).Str("result", result.Message).Msg("Startup check failed")
			target.SetStatusMessage(fmt.Sprintf("Waiting for %s startup condition: %s", cond.Type, result.Message))
		}
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		metrics.ProbeFailures.WithLabelValues(string(cond.Type)).Inc()
		logger.Error().Err(err).Msg("Startup condition failed")
		return &StartupError{App: app.Name, Err: err, Logs: s.logTail(ctx, id)}
	}

	logger.Debug().Str("probe", string(cond.Type)).Msg("Startup condition met")
	return nil
}

func (s *Start) checker(ctx context.Context, id string, cond *types.Probe) (health.Checker, error) {
	eng := s.services.Engine

	switch cond.Type {
	case types.ProbeHTTP, types.ProbeTCP:
		c, err := eng.InspectContainer(ctx, id)
		if err != nil {
			return nil, err
		}
		port, ok := c.PublishedPort(cond.Port)
		if !ok {
			return nil, fmt.Errorf("port %d is not published", cond.Port)
		}
		if cond.Type == types.ProbeTCP {
			return health.NewTCPChecker(net.JoinHostPort(probeHost, strconv.Itoa(port))), nil
		}
		return health.NewHTTPProbe(probeHost, port, cond.Path), nil
	case types.ProbeExec:
		return health.NewExecChecker(eng, id, cond.Command), nil
	case types.ProbeLog:
		return health.NewLogChecker(eng, id, cond.Pattern)
	default:
		return nil, fmt.Errorf("unsupported startup condition %q", cond.Type)
	}
}

func (s *Start) waitRunning(ctx context.Context, id string) error {
	eng := s.services.Engine

	ctx, cancel := context.WithTimeout(ctx, s.services.Config.Start.RunningTimeout)
	defer cancel()

	for {
		c, err := eng.InspectContainer(ctx, id)
		if err != nil {
			return err
		}
		switch c.State {
		case engine.ContainerStateRunning:
			return nil
		case engine.ContainerStateExited:
			return fmt.Errorf("exited with code %d:\n%s", c.ExitCode, s.logTail(ctx, id))
		}

		if err := sleep(ctx, runningPollInterval); err != nil {
			return fmt.Errorf("not running after %s: %w", s.services.Config.Start.RunningTimeout, err)
		}
	}
}

func (s *Start) runInit(ctx context.Context, target Target, ic *types.InitContainer, hash string, logger zerolog.Logger) error {
	app := target.Definition()
	ns := target.Namespace()
	eng := s.services.Engine

	mounts, err := s.mounts(ctx, target, ic.Volumes)
	if err != nil {
		return err
	}

	spec := &engine.ContainerSpec{
		Name:    containerName(ns, app.Name, "init-"+ic.Name),
		Image:   ic.Image,
		Command: ic.Command,
		Env:     ic.Env,
		Labels:  containerLabels(ns, app.Name, hash, engine.RoleInit),
		Mounts:  mounts,
		Network: engine.NetworkName(ns),
	}

	id, err := eng.CreateContainer(ctx, spec)
	if err != nil {
		return fmt.Errorf("failed to create init container %s: %w", ic.Name, err)
	}
	metrics.ContainersCreated.Inc()
	logger = logger.With().Str("container_id", id).Str("init_container", ic.Name).Logger()

	// Init containers never outlive their run
	defer func() {
		if err := s.removeContainer(context.WithoutCancel(ctx), id, logger); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove init container")
		}
	}()

	if err := eng.StartContainer(ctx, id); err != nil {
		return fmt.Errorf("failed to start init container %s: %w", ic.Name, err)
	}

	timeout := ic.Timeout
	if timeout <= 0 {
		timeout = s.services.Config.Start.InitContainerTimeout
	}
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	code, err := eng.WaitContainer(waitCtx, id)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("init container %s did not finish within %s: %w", ic.Name, timeout, err)
	}

	if code != 0 {
		logs := s.logTail(ctx, id)
		logger.Error().Int("exit_code", code).Str("logs", logs).Msg("Init container failed")
		return &InitContainerError{App: app.Name, Container: ic.Name, ExitCode: code, Logs: logs}
	}

	logger.Debug().Msg("Init container completed")
	return nil
}

func (s *Start) runInitAction(ctx context.Context, id string, a *types.InitAction, timeout time.Duration, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var output bytes.Buffer
	code, err := s.services.Engine.Exec(ctx, id, a.Command, &output)
	if err != nil {
		return err
	}
	if code != 0 {
		return fmt.Errorf("exited with code %d: %s", code, strings.TrimSpace(output.String()))
	}
	logger.Debug().Str("init_action", a.Name).Msg("Init action completed")
	return nil
}

// mounts resolves application mounts: named volumes are created on demand
// in the namespace and relative host paths point into the runtime file
// directory
func (s *Start) mounts(ctx context.Context, target Target, volumes []*types.VolumeMount) ([]engine.Mount, error) {
	ns := target.Namespace()
	mounts := make([]engine.Mount, 0, len(volumes))

	for _, v := range volumes {
		m := engine.Mount{Type: v.Type, Source: v.Source, Target: v.Target, ReadOnly: v.ReadOnly}

		switch v.Type {
		case types.MountTypeVolume:
			if _, err := s.services.Engine.CreateVolume(ctx, ns, v.Source); err != nil {
				return nil, fmt.Errorf("failed to create volume %s: %w", v.Source, err)
			}
		case types.MountTypeBind:
			if !filepath.IsAbs(v.Source) {
				files := target.Files()
				if files == nil {
					return nil, fmt.Errorf("bind mount %s needs a runtime file directory", v.Source)
				}
				m.Source = filepath.Join(files.Dir(), filepath.FromSlash(v.Source))
			}
		default:
			return nil, fmt.Errorf("unknown mount type %q for %s", v.Type, v.Target)
		}
		mounts = append(mounts, m)
	}
	return mounts, nil
}

func (s *Start) removeContainer(ctx context.Context, id string, logger zerolog.Logger) error {
	return removeContainer(ctx, s.services.Engine, id, s.services.Config.Start.StopTimeout, logger)
}

func (s *Start) logTail(ctx context.Context, id string) string {
	return logTail(context.WithoutCancel(ctx), s.services.Engine, id, s.services.Config.Start.LogTailLines)
}

func removeContainer(ctx context.Context, eng engine.Engine, id string, timeout time.Duration, logger zerolog.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, timeout+cleanupTimeout)
	defer cancel()

	if err := eng.StopContainer(ctx, id, timeout); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return fmt.Errorf("failed to stop container %s: %w", id, err)
	}
	if err := eng.RemoveContainer(ctx, id); err != nil && !errors.Is(err, engine.ErrNotFound) {
		return fmt.Errorf("failed to remove container %s: %w", id, err)
	}
	logger.Debug().Str("container_id", id).Msg("Container removed")
	return nil
}

// logTail returns the last n lines of a container's output
func logTail(ctx context.Context, eng engine.Engine, id string, n int) string {
	if n <= 0 {
		return ""
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	stream, err := eng.Logs(ctx, id, false)
	if err != nil {
		return ""
	}
	defer stream.Close()

	data, err := io.ReadAll(io.LimitReader(stream, 4<<20))
	if err != nil && len(data) == 0 {
		return ""
	}

	lines := strings.Split(strings.TrimRight(string(data), "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}

func containerName(namespace, app, suffix string) string {
	name := namespace + "-" + app
	if suffix != "" {
		name += "-" + suffix
	}
	return name + "-" + uuid.NewString()[:8]
}

func containerLabels(namespace, app, hash, role string) map[string]string {
	labels := engine.AppLabels(namespace, app)
	labels[engine.LabelDeploymentHash] = hash
	labels[engine.LabelRole] = role
	return labels
}
