//go:build integration

package integration

import (
	"os"
	"testing"

	"github.com/cuemby/hutch/pkg/engine"
)

const testImage = "docker.io/library/nginx:alpine"

// newEngine connects to the local containerd, skipping the test when it is
// not reachable
func newEngine(t *testing.T) *engine.ContainerdEngine {
	t.Helper()

	socket := os.Getenv("HUTCH_CONTAINERD_SOCKET")
	eng, err := engine.NewContainerdEngine(socket, "hutch-test", t.TempDir())
	if err != nil {
		t.Skipf("Containerd not available: %v", err)
	}
	t.Cleanup(func() { eng.Close() })
	return eng
}
