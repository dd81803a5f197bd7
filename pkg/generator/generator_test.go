package generator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/types"
)

const stack = `
params:
  TAG: "1.4.0"
  DB_PASSWORD: dev
apps:
  - name: db
    image: postgres:16
    kind: third-party
    env:
      POSTGRES_PASSWORD: ${DB_PASSWORD}
    volumes:
      - source: pgdata
        target: /var/lib/postgresql/data
    memory: 512m
    startup:
      type: exec
      command: [pg_isready, -U, postgres]
      period: 1s
      failureThreshold: 30
  - name: api
    image: registry.example.com/acme/api:${TAG}
    kind: core
    ports:
      - container: 8080
        host: 18080
    volumes:
      - type: bind
        source: config/api.yaml
        target: /etc/api.yaml
        readOnly: true
    startup:
      type: http
      port: 8080
      path: /health
      initialDelay: 2s
      timeout: 3s
    init:
      - name: migrate
        image: registry.example.com/acme/migrate:${TAG}
        timeout: 5m
    initActions:
      - name: seed
        command: [sh, /scripts/seed.sh]
files:
  config/api.yaml: |
    namespace: ${NAMESPACE}
    home: $${HOME}
  scripts/seed.sh:
    from: seed.sh
config:
  domain: ${NAMESPACE}.local
`

func writeStack(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "stack.yaml"), []byte(stack), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "seed.sh"), []byte("#!/bin/sh\necho ${SEED}\n"), 0644))
	return filepath.Join(dir, "stack.yaml")
}

func TestStackFile_Generate(t *testing.T) {
	source := writeStack(t)

	gen, err := NewStackFile().Generate(types.NamespaceDefinition{
		Name:   "dev",
		Source: source,
		Params: map[string]string{"TAG": "1.5.0-snapshot"},
	})
	require.NoError(t, err)
	require.Len(t, gen.Applications, 2)

	db := gen.Applications[0]
	assert.Equal(t, types.AppKindThirdParty, db.Kind)
	assert.Equal(t, "dev", db.Env["POSTGRES_PASSWORD"])
	assert.Equal(t, int64(512*1024*1024), db.Resources.MemoryLimit)
	assert.Equal(t, types.MountTypeVolume, db.Volumes[0].Type)
	assert.Equal(t, types.ProbeExec, db.StartupCondition.Type)
	assert.Equal(t, time.Second, db.StartupCondition.Period)

	api := gen.Applications[1]
	assert.Equal(t, "registry.example.com/acme/api:1.5.0-snapshot", api.Image)
	assert.Equal(t, "registry.example.com/acme/migrate:1.5.0-snapshot", api.InitContainers[0].Image)
	assert.Equal(t, 5*time.Minute, api.InitContainers[0].Timeout)
	assert.Equal(t, 18080, api.Ports[0].HostPort)
	assert.Equal(t, 2*time.Second, api.StartupCondition.InitialDelay)
	assert.Equal(t, []string{"config/api.yaml"}, api.BindSources())
	assert.Equal(t, "seed", api.InitActions[0].Name)

	assert.Equal(t, "namespace: dev\nhome: ${HOME}\n", string(gen.Files["config/api.yaml"]))
	assert.Equal(t, "#!/bin/sh\necho ${SEED}\n", string(gen.Files["scripts/seed.sh"]))
	assert.Equal(t, "dev.local", gen.Config["domain"])
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want string
	}{
		{name: "missing param", doc: "apps:\n  - name: a\n    image: x:${NOPE}\n", want: "undefined parameters: NOPE"},
		{name: "missing image", doc: "apps:\n  - name: a\n", want: "image is required"},
		{name: "duplicate", doc: "apps:\n  - {name: a, image: x}\n  - {name: a, image: y}\n", want: "duplicate application"},
		{name: "unknown kind", doc: "apps:\n  - {name: a, image: x, kind: vendor}\n", want: "unknown kind"},
		{name: "bad memory", doc: "apps:\n  - {name: a, image: x, memory: lots}\n", want: "invalid memory"},
		{name: "probe without port", doc: "apps:\n  - {name: a, image: x, startup: {type: http}}\n", want: "needs a port"},
		{name: "escaping file", doc: "files:\n  ../etc/passwd: x\n", want: "must be relative"},
		{name: "empty file ref", doc: "files:\n  a.txt: {}\n", want: "inline content or from"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.doc), t.TempDir(), types.NamespaceDefinition{Name: "dev"})
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestExpand(t *testing.T) {
	params := map[string]string{"TAG": "2.0", "EMPTY": ""}

	tests := []struct {
		in   string
		want string
	}{
		{in: "acme/api:${TAG}", want: "acme/api:2.0"},
		{in: "${MISSING:-fallback}", want: "fallback"},
		{in: "${EMPTY:-fallback}", want: ""},
		{in: "$${TAG} stays", want: "${TAG} stays"},
		{in: "$TAG is not a reference", want: "$TAG is not a reference"},
	}

	for _, tt := range tests {
		got, err := Expand(tt.in, params)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	_, err := Expand("${B} ${A} ${B}", params)
	assert.EqualError(t, err, "undefined parameters: A, B")
}

func TestFunc(t *testing.T) {
	g := Func(func(def types.NamespaceDefinition) (*types.Generation, error) {
		return &types.Generation{Config: map[string]string{"ns": def.Name}}, nil
	})

	gen, err := g.Generate(types.NamespaceDefinition{Name: "qa"})
	require.NoError(t, err)
	assert.Equal(t, "qa", gen.Config["ns"])
}
