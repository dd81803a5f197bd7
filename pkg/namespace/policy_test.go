package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cuemby/hutch/pkg/types"
)

func TestForcePull(t *testing.T) {
	patterns := []string{"snapshot", "nightly"}

	tests := []struct {
		name  string
		image string
		kind  types.AppKind
		want  bool
	}{
		{"third party always", "postgres:16", types.AppKindThirdParty, true},
		{"own release", "registry.acme.io/api:1.4.2", types.AppKindCore, false},
		{"own snapshot", "registry.acme.io/api:1.5.0-SNAPSHOT", types.AppKindCore, true},
		{"extension nightly", "registry.acme.io/ext:nightly-42", types.AppKindExtension, true},
		{"implicit latest", "registry.acme.io/api", types.AppKindAdditional, false},
		{"digest only", "registry.acme.io/api@sha256:" + "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef", types.AppKindCore, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			app := &types.Application{Name: "app", Image: tt.image, Kind: tt.kind}
			assert.Equal(t, tt.want, ForcePull(app, patterns))
		})
	}

	assert.False(t, ForcePull(nil, patterns))
	assert.False(t, ForcePull(&types.Application{Image: "acme/api:snapshot", Kind: types.AppKindCore}, nil))
}
