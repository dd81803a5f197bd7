package engine

import (
	"strings"
	"sync"

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// normalizeRef expands short references such as "nginx" into the fully
// qualified form containerd stores ("docker.io/library/nginx:latest").
// Unparseable references are returned as-is and fail later in the engine.
func normalizeRef(ref string) string {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return ref
	}
	return reference.TagNameOnly(named).String()
}

// RegistryHost returns the registry domain of an image reference
func RegistryHost(ref string) (string, error) {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return "", err
	}
	return reference.Domain(named), nil
}

// ImageTag returns the tag of an image reference, "latest" when none is set
// and "" for digest-only references
func ImageTag(ref string) string {
	named, err := reference.ParseNormalizedNamed(ref)
	if err != nil {
		return ""
	}
	if tagged, ok := named.(reference.Tagged); ok {
		return tagged.Tag()
	}
	if _, ok := named.(reference.Digested); ok {
		return ""
	}
	return "latest"
}

// IsLocalRegistry reports whether an image lives in a registry on this machine
func IsLocalRegistry(ref string) bool {
	host, err := RegistryHost(ref)
	if err != nil {
		return false
	}
	host, _, _ = strings.Cut(host, ":")
	return host == "localhost" || host == "127.0.0.1"
}

type trackedLayer struct {
	digest digest.Digest
	size   int64
}

// pullTracker records the layers discovered while resolving an image
type pullTracker struct {
	mu    sync.Mutex
	order []digest.Digest
	sizes map[digest.Digest]int64
}

func newPullTracker() *pullTracker {
	return &pullTracker{sizes: make(map[digest.Digest]int64)}
}

func (t *pullTracker) addLayer(d string, size int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	dgst := digest.Digest(d)
	if _, ok := t.sizes[dgst]; ok {
		return
	}
	t.order = append(t.order, dgst)
	t.sizes[dgst] = size
}

func (t *pullTracker) layers() []trackedLayer {
	t.mu.Lock()
	defer t.mu.Unlock()

	layers := make([]trackedLayer, len(t.order))
	for i, d := range t.order {
		layers[i] = trackedLayer{digest: d, size: t.sizes[d]}
	}
	return layers
}

func (t *pullTracker) total() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	var total int64
	for _, size := range t.sizes {
		total += size
	}
	return total
}
