package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/cuemby/hutch/pkg/config"
	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/events"
	"github.com/cuemby/hutch/pkg/generator"
	"github.com/cuemby/hutch/pkg/metrics"
	"github.com/cuemby/hutch/pkg/namespace"
	"github.com/cuemby/hutch/pkg/security"
	"github.com/cuemby/hutch/pkg/storage"
)

// host holds the process-wide services of one hutch invocation
type host struct {
	cfg         *config.Config
	store       *storage.BoltStore
	credentials *security.CredentialStore
	engine      engine.Engine
	broker      *events.Broker
	manager     *namespace.Manager
}

// openStore opens the data directory without touching the container engine
func openStore(cfg *config.Config) (*host, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.NewBoltStore(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("%w (is another hutch process using %s?)", err, cfg.DataDir)
	}
	metrics.UpdateComponent(metrics.ComponentStore, true, "")

	key, err := security.LoadOrCreateKey(cfg.KeyPath())
	if err != nil {
		store.Close()
		return nil, err
	}
	secrets, err := security.NewSecretsManager(key)
	if err != nil {
		store.Close()
		return nil, err
	}

	return &host{
		cfg:         cfg,
		store:       store,
		credentials: security.NewCredentialStore(store, secrets, cfg.Pull.AuthHosts),
	}, nil
}

// openHost opens the data directory, connects to containerd and builds the
// namespace manager
func openHost(cfg *config.Config) (*host, error) {
	h, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	eng, err := engine.NewContainerdEngine(cfg.Engine.Socket, cfg.Engine.Namespace, cfg.EngineDir())
	if err != nil {
		metrics.UpdateComponentErr(metrics.ComponentEngine, err)
		h.close()
		return nil, err
	}
	metrics.UpdateComponent(metrics.ComponentEngine, true, "")
	h.engine = eng

	h.credentials.SetPrompt(promptCredentials)

	h.broker = events.NewBroker()
	h.broker.Start()

	h.manager = namespace.NewManager(namespace.Services{
		Engine:      eng,
		Store:       h.store,
		Generator:   generator.NewStackFile(),
		Broker:      h.broker,
		Limiter:     cfg.PullLimiter(),
		Credentials: h.credentials,
		Config:      cfg.NamespaceConfig(),
	})
	return h, nil
}

// namespace registers a persisted namespace with the manager
func (h *host) namespace(name string) (*namespace.Runtime, error) {
	def, err := h.store.GetDefinition(name)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("namespace %s is not registered", name)
	}
	if err != nil {
		return nil, err
	}
	return h.manager.Register(def)
}

func (h *host) close() {
	if h.manager != nil {
		h.manager.Shutdown()
	}
	if h.broker != nil {
		h.broker.Stop()
	}
	if h.engine != nil {
		h.engine.Close()
	}
	if h.store != nil {
		h.store.Close()
	}
}

// promptCredentials asks for registry credentials on the terminal
func promptCredentials(ctx context.Context, host string) (string, string, error) {
	if fi, err := os.Stdin.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
		return "", "", fmt.Errorf("registry %s needs credentials; run hutch login %s", host, host)
	}

	reader := bufio.NewReader(os.Stdin)
	fmt.Fprintf(os.Stderr, "Username for %s: ", host)
	username, err := reader.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	fmt.Fprintf(os.Stderr, "Password for %s: ", host)
	password, err := reader.ReadString('\n')
	if err != nil {
		return "", "", err
	}
	return strings.TrimSpace(username), strings.TrimSpace(password), nil
}
