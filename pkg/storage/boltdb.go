package storage

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/hutch/pkg/types"
)

var (
	// Bucket names
	bucketNamespaces  = []byte("namespaces")
	bucketDefinitions = []byte("definitions")
	bucketOverrides   = []byte("overrides")   // Nested bucket per namespace
	bucketFileHashes  = []byte("file_hashes") // Namespace -> JSON map
	bucketCredentials = []byte("credentials")
)

// BoltStore implements Store interface using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store
func NewBoltStore(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "hutch.db")

	// A second hutch process holding the lock fails fast instead of hanging
	db, err := bolt.Open(dbPath, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Create buckets
	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketNamespaces,
			bucketDefinitions,
			bucketOverrides,
			bucketFileHashes,
			bucketCredentials,
		}

		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})

	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Namespace operations

// GetNamespaceState returns the persisted state of a namespace, or nil when
// the namespace has never been saved
func (s *BoltStore) GetNamespaceState(name string) (*types.NamespaceState, error) {
	var state *types.NamespaceState
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketNamespaces).Get([]byte(name))
		if data == nil {
			return nil
		}
		state = &types.NamespaceState{}
		return json.Unmarshal(data, state)
	})
	return state, err
}

// SaveNamespaceState writes status and the manually stopped set in a single
// transaction
func (s *BoltStore) SaveNamespaceState(state *types.NamespaceState) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		stored := *state
		stored.ManuallyStopped = append([]string(nil), state.ManuallyStopped...)
		sort.Strings(stored.ManuallyStopped)
		if stored.UpdatedAt.IsZero() {
			stored.UpdatedAt = time.Now()
		}
		data, err := json.Marshal(&stored)
		if err != nil {
			return err
		}
		return b.Put([]byte(state.Name), data)
	})
}

func (s *BoltStore) ListNamespaceStates() ([]*types.NamespaceState, error) {
	var states []*types.NamespaceState
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketNamespaces)
		return b.ForEach(func(k, v []byte) error {
			var state types.NamespaceState
			if err := json.Unmarshal(v, &state); err != nil {
				return err
			}
			states = append(states, &state)
			return nil
		})
	})
	return states, err
}

// DeleteNamespace removes every record belonging to a namespace
func (s *BoltStore) DeleteNamespace(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		key := []byte(name)
		if err := tx.Bucket(bucketNamespaces).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketDefinitions).Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketFileHashes).Delete(key); err != nil {
			return err
		}
		overrides := tx.Bucket(bucketOverrides)
		if overrides.Bucket(key) != nil {
			return overrides.DeleteBucket(key)
		}
		return nil
	})
}

// Definition operations
func (s *BoltStore) SaveDefinition(def *types.NamespaceDefinition) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(def)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketDefinitions).Put([]byte(def.Name), data)
	})
}

func (s *BoltStore) GetDefinition(name string) (*types.NamespaceDefinition, error) {
	var def types.NamespaceDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDefinitions).Get([]byte(name))
		if data == nil {
			return fmt.Errorf("namespace %s: %w", name, ErrNotFound)
		}
		return json.Unmarshal(data, &def)
	})
	if err != nil {
		return nil, err
	}
	return &def, nil
}

func (s *BoltStore) ListDefinitions() ([]*types.NamespaceDefinition, error) {
	var defs []*types.NamespaceDefinition
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketDefinitions).ForEach(func(k, v []byte) error {
			var def types.NamespaceDefinition
			if err := json.Unmarshal(v, &def); err != nil {
				return err
			}
			defs = append(defs, &def)
			return nil
		})
	})
	return defs, err
}

// Override operations

// GetOverride returns the user override of a runtime file, or ErrNotFound
func (s *BoltStore) GetOverride(namespace, path string) ([]byte, error) {
	var content []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOverrides).Bucket([]byte(namespace))
		if b == nil {
			return fmt.Errorf("override %s: %w", path, ErrNotFound)
		}
		data := b.Get([]byte(path))
		if data == nil {
			return fmt.Errorf("override %s: %w", path, ErrNotFound)
		}
		// Values are only valid inside the transaction
		content = append([]byte(nil), data...)
		return nil
	})
	return content, err
}

func (s *BoltStore) PutOverride(namespace, path string, content []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.Bucket(bucketOverrides).CreateBucketIfNotExists([]byte(namespace))
		if err != nil {
			return err
		}
		return b.Put([]byte(path), content)
	})
}

func (s *BoltStore) DeleteOverride(namespace, path string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOverrides).Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.Delete([]byte(path))
	})
}

func (s *BoltStore) ListOverrides(namespace string) (map[string][]byte, error) {
	overrides := make(map[string][]byte)
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketOverrides).Bucket([]byte(namespace))
		if b == nil {
			return nil
		}
		return b.ForEach(func(k, v []byte) error {
			overrides[string(k)] = append([]byte(nil), v...)
			return nil
		})
	})
	return overrides, err
}

// File hash operations
func (s *BoltStore) GetFileHashes(namespace string) (map[string]string, error) {
	hashes := make(map[string]string)
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFileHashes).Get([]byte(namespace))
		if data == nil {
			return nil
		}
		return json.Unmarshal(data, &hashes)
	})
	return hashes, err
}

func (s *BoltStore) SaveFileHashes(namespace string, hashes map[string]string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(hashes)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFileHashes).Put([]byte(namespace), data)
	})
}

// Credential operations
func (s *BoltStore) PutCredential(cred *types.Credential) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(cred)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketCredentials).Put([]byte(cred.Host), data)
	})
}

func (s *BoltStore) GetCredential(host string) (*types.Credential, error) {
	var cred types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketCredentials).Get([]byte(host))
		if data == nil {
			return fmt.Errorf("credential %s: %w", host, ErrNotFound)
		}
		return json.Unmarshal(data, &cred)
	})
	if err != nil {
		return nil, err
	}
	return &cred, nil
}

func (s *BoltStore) ListCredentials() ([]*types.Credential, error) {
	var creds []*types.Credential
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).ForEach(func(k, v []byte) error {
			var cred types.Credential
			if err := json.Unmarshal(v, &cred); err != nil {
				return err
			}
			creds = append(creds, &cred)
			return nil
		})
	})
	return creds, err
}

func (s *BoltStore) DeleteCredential(host string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketCredentials).Delete([]byte(host))
	})
}
