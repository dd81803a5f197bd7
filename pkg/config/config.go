package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/cuemby/hutch/pkg/action"
	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/namespace"
)

// Config is the hutch configuration file
type Config struct {
	DataDir   string          `yaml:"dataDir"`
	Log       LogConfig       `yaml:"log"`
	Engine    EngineConfig    `yaml:"engine"`
	Pull      PullConfig      `yaml:"pull"`
	Start     StartConfig     `yaml:"start"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type EngineConfig struct {
	Socket    string `yaml:"socket"`
	Namespace string `yaml:"namespace"` // containerd namespace
}

type PullConfig struct {
	MaxConcurrent       int             `yaml:"maxConcurrent"`
	AcquireTimeout      time.Duration   `yaml:"acquireTimeout"`
	StallTimeout        time.Duration   `yaml:"stallTimeout"`
	ProgressInterval    time.Duration   `yaml:"progressInterval"`
	Backoff             []time.Duration `yaml:"backoff"`
	MaxAttempts         int             `yaml:"maxAttempts"`
	SoftSuccessAttempts int             `yaml:"softSuccessAttempts"`
	MutableTagPatterns  []string        `yaml:"mutableTagPatterns"`
	AuthHosts           []string        `yaml:"authHosts"` // Registries that always need credentials
}

type StartConfig struct {
	RunningTimeout       time.Duration `yaml:"runningTimeout"`
	StopTimeout          time.Duration `yaml:"stopTimeout"`
	InitContainerTimeout time.Duration `yaml:"initContainerTimeout"`
	InitActionTimeout    time.Duration `yaml:"initActionTimeout"`
	LogTailLines         int           `yaml:"logTailLines"`
}

type ReconcileConfig struct {
	IdleBackoff []time.Duration `yaml:"idleBackoff"`
	Debounce    time.Duration   `yaml:"debounce"`
}

type MetricsConfig struct {
	Addr string `yaml:"addr"` // Empty disables the endpoint
}

// DefaultDir returns ~/.hutch, or .hutch when there is no home directory
func DefaultDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".hutch"
	}
	return filepath.Join(home, ".hutch")
}

// DefaultPath returns the default location of the configuration file
func DefaultPath() string {
	return filepath.Join(DefaultDir(), "config.yaml")
}

// Default returns the built-in configuration
func Default() *Config {
	actions := action.DefaultConfig()
	runtime := namespace.DefaultConfig()

	return &Config{
		DataDir: DefaultDir(),
		Log: LogConfig{
			Level: string(log.InfoLevel),
		},
		Engine: EngineConfig{
			Socket:    engine.DefaultSocketPath,
			Namespace: engine.DefaultNamespace,
		},
		Pull: PullConfig{
			MaxConcurrent:       action.DefaultMaxConcurrentPulls,
			AcquireTimeout:      action.DefaultAcquireTimeout,
			StallTimeout:        actions.Pull.StallTimeout,
			ProgressInterval:    actions.Pull.ProgressInterval,
			Backoff:             actions.Pull.Backoff,
			MaxAttempts:         actions.Pull.MaxAttempts,
			SoftSuccessAttempts: actions.Pull.SoftSuccessAttempts,
			MutableTagPatterns:  runtime.MutableTagPatterns,
		},
		Start: StartConfig{
			RunningTimeout:       actions.Start.RunningTimeout,
			StopTimeout:          actions.Start.StopTimeout,
			InitContainerTimeout: actions.Start.InitContainerTimeout,
			InitActionTimeout:    actions.Start.InitActionTimeout,
			LogTailLines:         actions.Start.LogTailLines,
		},
		Reconcile: ReconcileConfig{
			IdleBackoff: runtime.IdleBackoff,
			Debounce:    runtime.Debounce,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// Load reads the configuration file at path over the defaults, applies the
// HUTCH_* environment overrides and validates the result. A missing file
// is not an error. An empty path means DefaultPath.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath()
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the runtime cannot work with
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.DataDir != "", "dataDir is required")
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}

	check(c.Pull.MaxConcurrent > 0, "pull.maxConcurrent must be positive")
	check(c.Pull.AcquireTimeout > 0, "pull.acquireTimeout must be positive")
	check(c.Pull.StallTimeout > 0, "pull.stallTimeout must be positive")
	check(c.Pull.ProgressInterval > 0, "pull.progressInterval must be positive")
	check(c.Pull.MaxAttempts > 0, "pull.maxAttempts must be positive")
	check(c.Pull.SoftSuccessAttempts > 0, "pull.softSuccessAttempts must be positive")
	check(len(c.Pull.Backoff) > 0, "pull.backoff needs at least one step")
	for i, step := range c.Pull.Backoff {
		check(step > 0, "pull.backoff[%d] must be positive", i)
	}

	check(c.Start.RunningTimeout > 0, "start.runningTimeout must be positive")
	check(c.Start.StopTimeout > 0, "start.stopTimeout must be positive")
	check(c.Start.InitContainerTimeout > 0, "start.initContainerTimeout must be positive")
	check(c.Start.InitActionTimeout > 0, "start.initActionTimeout must be positive")
	check(c.Start.LogTailLines >= 0, "start.logTailLines must not be negative")

	check(len(c.Reconcile.IdleBackoff) > 0, "reconcile.idleBackoff needs at least one step")
	for i, step := range c.Reconcile.IdleBackoff {
		check(step > 0, "reconcile.idleBackoff[%d] must be positive", i)
	}
	check(c.Reconcile.Debounce >= 0, "reconcile.debounce must not be negative")

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

// LogConfig returns the logger settings
func (c *Config) LogConfig() log.Config {
	return log.Config{
		Level:      log.Level(c.Log.Level),
		JSONOutput: c.Log.JSON,
	}
}

// ActionConfig returns the action tuning
func (c *Config) ActionConfig() action.Config {
	cfg := action.DefaultConfig()
	cfg.Pull = action.PullConfig{
		ProgressInterval:    c.Pull.ProgressInterval,
		StallTimeout:        c.Pull.StallTimeout,
		Backoff:             append([]time.Duration(nil), c.Pull.Backoff...),
		MaxAttempts:         c.Pull.MaxAttempts,
		SoftSuccessAttempts: c.Pull.SoftSuccessAttempts,
	}
	cfg.Start.RunningTimeout = c.Start.RunningTimeout
	cfg.Start.StopTimeout = c.Start.StopTimeout
	cfg.Start.InitContainerTimeout = c.Start.InitContainerTimeout
	cfg.Start.InitActionTimeout = c.Start.InitActionTimeout
	cfg.Start.LogTailLines = c.Start.LogTailLines
	return cfg
}

// NamespaceConfig returns the namespace runtime tuning
func (c *Config) NamespaceConfig() namespace.Config {
	return namespace.Config{
		Actions:            c.ActionConfig(),
		RuntimeDir:         c.RuntimeDir(),
		MutableTagPatterns: append([]string(nil), c.Pull.MutableTagPatterns...),
		IdleBackoff:        append([]time.Duration(nil), c.Reconcile.IdleBackoff...),
		Debounce:           c.Reconcile.Debounce,
	}
}

// PullLimiter returns the process-wide pull limiter
func (c *Config) PullLimiter() *action.PullLimiter {
	return action.NewPullLimiter(c.Pull.MaxConcurrent, c.Pull.AcquireTimeout)
}

// RuntimeDir holds the runtime files of every namespace
func (c *Config) RuntimeDir() string {
	return filepath.Join(c.DataDir, "runtime")
}

// EngineDir holds container logs, network records and volumes
func (c *Config) EngineDir() string {
	return filepath.Join(c.DataDir, "engine")
}

// KeyPath is the key file encrypting registry credentials
func (c *Config) KeyPath() string {
	return filepath.Join(c.DataDir, "secret.key")
}
