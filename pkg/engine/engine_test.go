package engine

import (
	"bufio"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeRef(t *testing.T) {
	tests := []struct {
		ref  string
		want string
	}{
		{"nginx", "docker.io/library/nginx:latest"},
		{"nginx:1.25", "docker.io/library/nginx:1.25"},
		{"ghcr.io/acme/api:2.0.0-SNAPSHOT", "ghcr.io/acme/api:2.0.0-SNAPSHOT"},
		{"localhost:5000/app", "localhost:5000/app:latest"},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			assert.Equal(t, tt.want, normalizeRef(tt.ref))
		})
	}
}

func TestRegistryHost(t *testing.T) {
	host, err := RegistryHost("nginx")
	require.NoError(t, err)
	assert.Equal(t, "docker.io", host)

	host, err = RegistryHost("registry.acme.io:5000/team/api:1")
	require.NoError(t, err)
	assert.Equal(t, "registry.acme.io:5000", host)

	// Uppercase path components are rejected; an uppercase first component
	// would be read as a registry domain
	_, err = RegistryHost("acme/API:1")
	assert.Error(t, err)
}

func TestImageTag(t *testing.T) {
	assert.Equal(t, "latest", ImageTag("nginx"))
	assert.Equal(t, "1.0-snapshot", ImageTag("acme/api:1.0-snapshot"))
	assert.Equal(t, "", ImageTag("nginx@sha256:0000000000000000000000000000000000000000000000000000000000000000"))
}

func TestIsLocalRegistry(t *testing.T) {
	assert.True(t, IsLocalRegistry("localhost:5000/api"))
	assert.True(t, IsLocalRegistry("localhost/api:dev"))
	assert.False(t, IsLocalRegistry("ghcr.io/acme/api"))
	assert.False(t, IsLocalRegistry("nginx"))
}

func TestLabelFilter(t *testing.T) {
	filter := labelFilter(map[string]string{
		LabelApp:       "api",
		LabelNamespace: "dev",
	})
	assert.Equal(t, `labels."io.hutch.app"=="api",labels."io.hutch.namespace"=="dev"`, filter)
}

func TestPullProgress_Percent(t *testing.T) {
	assert.Equal(t, -1, PullProgress{Current: 10}.Percent())
	assert.Equal(t, 50, PullProgress{Current: 50, Total: 100}.Percent())
	assert.Equal(t, 100, PullProgress{Current: 120, Total: 100}.Percent())
}

func TestPullTracker(t *testing.T) {
	tracker := newPullTracker()
	tracker.addLayer("sha256:aa", 100)
	tracker.addLayer("sha256:bb", 50)
	tracker.addLayer("sha256:aa", 100)

	assert.Equal(t, int64(150), tracker.total())
	assert.Len(t, tracker.layers(), 2)
}

func TestContainer_PublishedPort(t *testing.T) {
	c := &Container{Ports: []PortBinding{{ContainerPort: 80, HostPort: 8080}}}

	port, ok := c.PublishedPort(80)
	assert.True(t, ok)
	assert.Equal(t, 8080, port)

	_, ok = c.PublishedPort(443)
	assert.False(t, ok)
}

func TestFollow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, []byte("first\n"), 0644))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	rc, err := Follow(ctx, path)
	require.NoError(t, err)
	defer rc.Close()

	lines := make(chan string, 4)
	go func() {
		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	assert.Equal(t, "first", <-lines)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("second\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	select {
	case line := <-lines:
		assert.Equal(t, "second", line)
	case <-ctx.Done():
		t.Fatal("follower did not deliver appended line")
	}

	rc.Close()
	cancel()
	for range lines {
	}
}

func TestFollow_MissingFile(t *testing.T) {
	_, err := Follow(context.Background(), filepath.Join(t.TempDir(), "missing.log"))
	assert.Error(t, err)
}
