package action

import (
	"sync"
	"time"

	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/types"
)

type staticFiles struct {
	dir  string
	hash string
}

func (f *staticFiles) Dir() string { return f.dir }

func (f *staticFiles) Hash(paths []string) string { return f.hash }

type testTarget struct {
	namespace     string
	app           *types.Application
	files         *staticFiles
	pullIfPresent bool

	mu       sync.Mutex
	messages []string
	hash     string
}

func newTarget(app *types.Application) *testTarget {
	return &testTarget{
		namespace: "dev",
		app:       app,
		files:     &staticFiles{dir: "/var/lib/hutch/runtime/dev", hash: "files-v1"},
	}
}

func (t *testTarget) Namespace() string              { return t.namespace }
func (t *testTarget) Definition() *types.Application { return t.app }
func (t *testTarget) Files() Files                   { return t.files }
func (t *testTarget) PullIfPresent() bool            { return t.pullIfPresent }

func (t *testTarget) SetStatusMessage(msg string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msg)
}

func (t *testTarget) SetDeploymentHash(hash string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hash = hash
}

func (t *testTarget) deploymentHash() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.hash
}

func (t *testTarget) statusMessages() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.messages...)
}

// testConfig keeps the retry ladder short
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Pull.ProgressInterval = 10 * time.Millisecond
	cfg.Pull.StallTimeout = time.Second
	cfg.Pull.Backoff = []time.Duration{time.Millisecond, time.Millisecond, 5 * time.Millisecond}
	cfg.Pull.MaxAttempts = 5
	cfg.Start.RunningTimeout = time.Second
	cfg.Start.StopTimeout = time.Second
	cfg.Start.InitContainerTimeout = time.Second
	cfg.Start.InitActionTimeout = time.Second
	return cfg
}

func testServices(eng engine.Engine) Services {
	return Services{
		Engine:  eng,
		Limiter: NewPullLimiter(DefaultMaxConcurrentPulls, time.Second),
		Config:  testConfig(),
	}
}
