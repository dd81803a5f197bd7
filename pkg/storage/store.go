package storage

import (
	"errors"

	"github.com/cuemby/hutch/pkg/types"
)

// ErrNotFound is returned when a record does not exist
var ErrNotFound = errors.New("not found")

// Store defines the interface for hutch's local state
type Store interface {
	// Namespaces
	GetNamespaceState(name string) (*types.NamespaceState, error)
	SaveNamespaceState(state *types.NamespaceState) error
	ListNamespaceStates() ([]*types.NamespaceState, error)
	DeleteNamespace(name string) error

	// Namespace definitions
	SaveDefinition(def *types.NamespaceDefinition) error
	GetDefinition(name string) (*types.NamespaceDefinition, error)
	ListDefinitions() ([]*types.NamespaceDefinition, error)

	// Runtime file overrides
	GetOverride(namespace, path string) ([]byte, error)
	PutOverride(namespace, path string, content []byte) error
	DeleteOverride(namespace, path string) error
	ListOverrides(namespace string) (map[string][]byte, error)

	// Last written runtime file hashes
	GetFileHashes(namespace string) (map[string]string, error)
	SaveFileHashes(namespace string, hashes map[string]string) error

	// Registry credentials
	PutCredential(cred *types.Credential) error
	GetCredential(host string) (*types.Credential, error)
	ListCredentials() ([]*types.Credential, error)
	DeleteCredential(host string) error

	// Utility
	Close() error
}
