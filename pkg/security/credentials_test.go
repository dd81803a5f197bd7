package security

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/action"
	"github.com/cuemby/hutch/pkg/storage"
)

func newCredentialStore(t *testing.T, authHosts ...string) (*CredentialStore, *storage.BoltStore) {
	t.Helper()
	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sm, err := NewSecretsManager(make([]byte, KeySize))
	require.NoError(t, err)
	return NewCredentialStore(db, sm, authHosts), db
}

func TestCredentialStore_Anonymous(t *testing.T) {
	cs, _ := newCredentialStore(t)

	auth, err := cs.Resolve(context.Background(), "docker.io", false)
	require.NoError(t, err)
	assert.Nil(t, auth, "public registries are pulled anonymously")
}

func TestCredentialStore_LoginAndResolve(t *testing.T) {
	cs, db := newCredentialStore(t)
	require.NoError(t, cs.Login("https://GHCR.io/", "bot", "s3cret"))

	auth, err := cs.Resolve(context.Background(), "ghcr.io", false)
	require.NoError(t, err)
	require.NotNil(t, auth)
	assert.Equal(t, "bot", auth.Username)
	assert.Equal(t, "s3cret", auth.Password)

	// The password is never stored in clear text
	cred, err := db.GetCredential("ghcr.io")
	require.NoError(t, err)
	assert.NotEqual(t, []byte("s3cret"), cred.Password)

	require.NoError(t, cs.Logout("ghcr.io"))
	auth, err = cs.Resolve(context.Background(), "ghcr.io", false)
	require.NoError(t, err)
	assert.Nil(t, auth)
}

func TestCredentialStore_RequiredWithoutPrompt(t *testing.T) {
	cs, _ := newCredentialStore(t, "registry.acme.io")

	_, err := cs.Resolve(context.Background(), "registry.acme.io", false)
	assert.True(t, errors.Is(err, action.ErrAuthCanceled))
}

func TestCredentialStore_RefreshPrompts(t *testing.T) {
	cs, _ := newCredentialStore(t)
	require.NoError(t, cs.Login("ghcr.io", "old", "stale"))

	var prompted []string
	cs.SetPrompt(func(ctx context.Context, host string) (string, string, error) {
		prompted = append(prompted, host)
		return "new", "fresh", nil
	})

	auth, err := cs.Resolve(context.Background(), "ghcr.io", true)
	require.NoError(t, err)
	assert.Equal(t, "new", auth.Username)
	assert.Equal(t, []string{"ghcr.io"}, prompted)

	// The new credentials are stored for the next pull
	auth, err = cs.Resolve(context.Background(), "ghcr.io", false)
	require.NoError(t, err)
	assert.Equal(t, "fresh", auth.Password)
	assert.Len(t, prompted, 1)
}

func TestCredentialStore_PromptDeclined(t *testing.T) {
	cs, _ := newCredentialStore(t, "ghcr.io")
	cs.SetPrompt(func(ctx context.Context, host string) (string, string, error) {
		return "", "", action.ErrAuthCanceled
	})

	_, err := cs.Resolve(context.Background(), "ghcr.io", false)
	assert.True(t, errors.Is(err, action.ErrAuthCanceled))
}

func TestNormalizeHost(t *testing.T) {
	assert.Equal(t, "docker.io", normalizeHost("https://index.docker.io/"))
	assert.Equal(t, "docker.io", normalizeHost("registry-1.docker.io"))
	assert.Equal(t, "localhost:5000", normalizeHost("http://localhost:5000"))
}
