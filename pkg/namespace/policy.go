package namespace

import (
	"strings"

	"github.com/cuemby/hutch/pkg/engine"
	"github.com/cuemby/hutch/pkg/types"
)

// ForcePull reports whether a start pulls the images of app even when they
// are present locally. Third-party images are always refreshed; own images
// only when their tag contains one of the mutable tag patterns.
func ForcePull(app *types.Application, mutableTagPatterns []string) bool {
	if app == nil {
		return false
	}
	if !app.Kind.IsOwn() {
		return true
	}

	tag := strings.ToLower(engine.ImageTag(app.Image))
	if tag == "" {
		return false
	}
	for _, pattern := range mutableTagPatterns {
		if pattern != "" && strings.Contains(tag, strings.ToLower(pattern)) {
			return true
		}
	}
	return false
}
