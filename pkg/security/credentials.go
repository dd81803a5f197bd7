package security

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/action"
	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/log"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

// PromptFunc asks the operator for registry credentials. Returning
// action.ErrAuthCanceled means the operator declined.
type PromptFunc func(ctx context.Context, host string) (username, password string, err error)

// CredentialStore keeps registry credentials encrypted in the local store and
// hands them to pull actions
type CredentialStore struct {
	db        storage.Store
	secrets   *SecretsManager
	authHosts map[string]bool

	mu     sync.Mutex
	prompt PromptFunc
}

var _ action.CredentialProvider = (*CredentialStore)(nil)

// NewCredentialStore creates a credential store. Pulls from authHosts always
// carry credentials; other registries are accessed anonymously until they
// answer unauthorized.
func NewCredentialStore(db storage.Store, secrets *SecretsManager, authHosts []string) *CredentialStore {
	hosts := make(map[string]bool, len(authHosts))
	for _, h := range authHosts {
		hosts[normalizeHost(h)] = true
	}
	return &CredentialStore{
		db:        db,
		secrets:   secrets,
		authHosts: hosts,
	}
}

// SetPrompt installs the function used when credentials are missing or
// were rejected
func (c *CredentialStore) SetPrompt(prompt PromptFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prompt = prompt
}

// Login stores credentials for a registry host
func (c *CredentialStore) Login(host, username, password string) error {
	if host == "" || username == "" {
		return fmt.Errorf("host and username are required")
	}

	sealed, err := c.secrets.EncryptSecret([]byte(password))
	if err != nil {
		return fmt.Errorf("failed to encrypt password: %w", err)
	}

	return c.db.PutCredential(&types.Credential{
		Host:      normalizeHost(host),
		Username:  username,
		Password:  sealed,
		CreatedAt: time.Now(),
	})
}

// Logout removes the credentials of a registry host
func (c *CredentialStore) Logout(host string) error {
	return c.db.DeleteCredential(normalizeHost(host))
}

// RequiresAuth reports whether pulls from host always need credentials
func (c *CredentialStore) RequiresAuth(host string) bool {
	return c.authHosts[normalizeHost(host)]
}

// Resolve returns the credentials for host. refresh is set after the
// registry rejected the previous attempt: stored credentials are then not
// reused, and the operator is prompted when a prompt is available. A nil
// Auth means anonymous access.
func (c *CredentialStore) Resolve(ctx context.Context, host string, refresh bool) (*engine.Auth, error) {
	host = normalizeHost(host)
	logger := log.WithComponent("credentials").With().Str("host", host).Logger()

	if !refresh {
		auth, err := c.stored(host)
		if err != nil {
			return nil, err
		}
		if auth != nil {
			return auth, nil
		}
		if !c.RequiresAuth(host) {
			return nil, nil
		}
	}

	c.mu.Lock()
	prompt := c.prompt
	c.mu.Unlock()

	if prompt == nil {
		logger.Warn().Bool("refresh", refresh).Msg("Registry requires credentials and none can be obtained")
		return nil, fmt.Errorf("no credentials for %s: %w", host, action.ErrAuthCanceled)
	}

	username, password, err := prompt(ctx, host)
	if err != nil {
		if errors.Is(err, action.ErrAuthCanceled) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to obtain credentials for %s: %w", host, err)
	}

	if err := c.Login(host, username, password); err != nil {
		return nil, err
	}
	logger.Info().Str("username", username).Msg("Stored registry credentials")

	return &engine.Auth{Username: username, Password: password}, nil
}

func (c *CredentialStore) stored(host string) (*engine.Auth, error) {
	cred, err := c.db.GetCredential(host)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load credentials for %s: %w", host, err)
	}

	password, err := c.secrets.DecryptSecret(cred.Password)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials for %s: %w", host, err)
	}
	return &engine.Auth{Username: cred.Username, Password: string(password)}, nil
}

// normalizeHost maps the Docker Hub aliases to the host used in references
func normalizeHost(host string) string {
	host = strings.ToLower(strings.TrimSpace(host))
	host = strings.TrimPrefix(host, "https://")
	host = strings.TrimPrefix(host, "http://")
	host = strings.TrimSuffix(host, "/")
	switch host {
	case "index.docker.io", "registry-1.docker.io":
		return "docker.io"
	}
	return host
}
