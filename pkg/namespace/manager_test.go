package namespace

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/engine/enginetest"
	"github.com/cuemby/hutch/pkg/storage"
	"github.com/cuemby/hutch/pkg/types"
)

func TestManager_RegisterAndGet(t *testing.T) {
	services := testServices(t, enginetest.New(), newStack(appDef("api")))
	m := NewManager(*services)
	defer m.Shutdown()

	def := &types.NamespaceDefinition{Name: "dev", Source: "stack.yaml", Params: map[string]string{"TAG": "1.0"}}
	rt, err := m.Register(def)
	require.NoError(t, err)

	got, err := m.Get("dev")
	require.NoError(t, err)
	assert.Same(t, rt, got)

	saved, err := services.Store.GetDefinition("dev")
	require.NoError(t, err)
	assert.Equal(t, "1.0", saved.Params["TAG"])

	// Registering again replaces the definition of the same runtime
	again, err := m.Register(&types.NamespaceDefinition{Name: "dev", Source: "other.yaml"})
	require.NoError(t, err)
	assert.Same(t, rt, again)
	assert.Equal(t, "other.yaml", rt.Definition().Source)

	_, err = m.Get("missing")
	assert.ErrorIs(t, err, ErrNamespaceNotFound)

	_, err = m.Register(&types.NamespaceDefinition{})
	assert.Error(t, err)
}

func TestManager_RestoreResumesActiveNamespaces(t *testing.T) {
	eng := enginetest.New()
	services := testServices(t, eng, newStack(appDef("api")))

	first := NewManager(*services)
	rt, err := first.Register(&types.NamespaceDefinition{Name: "dev"})
	require.NoError(t, err)
	require.NoError(t, await(t, rt.Start()))
	first.Shutdown()

	assert.Len(t, eng.Running("dev", "api"), 1, "shutdown leaves containers running")
	creates := eng.Creates()

	second := NewManager(*services)
	defer second.Shutdown()
	require.NoError(t, second.Restore())

	restored, err := second.Get("dev")
	require.NoError(t, err)
	eventually(t, func() bool {
		return restored.Status() == types.NamespaceStatusRunning &&
			appStatus(restored, "api") == types.AppStatusRunning
	}, "restored namespace running")
	assert.Equal(t, creates, eng.Creates())
}

func TestManager_Delete(t *testing.T) {
	eng := enginetest.New()
	gen := newStack(appDef("api"))
	gen.setFiles(map[string][]byte{"conf/api.yml": []byte("a: 1\n")})
	services := testServices(t, eng, gen)
	m := NewManager(*services)
	defer m.Shutdown()

	rt, err := m.Register(&types.NamespaceDefinition{Name: "dev"})
	require.NoError(t, err)
	require.NoError(t, await(t, rt.Start()))
	dir := rt.Files().Dir()
	require.DirExists(t, dir)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, m.Delete(ctx, "dev"))

	assert.Empty(t, eng.Running("dev", "api"))
	_, err = os.Stat(dir)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	state, err := services.Store.GetNamespaceState("dev")
	require.NoError(t, err)
	assert.Nil(t, state)
	_, err = services.Store.GetDefinition("dev")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.Empty(t, m.List())
	assert.ErrorIs(t, m.Delete(ctx, "dev"), ErrNamespaceNotFound)
}

func TestManager_Snapshot(t *testing.T) {
	services := testServices(t, enginetest.New(), newStack(appDef("api"), appDef("web")))
	m := NewManager(*services)
	defer m.Shutdown()

	rt, err := m.Register(&types.NamespaceDefinition{Name: "dev"})
	require.NoError(t, err)
	require.NoError(t, await(t, rt.Start()))

	snapshots := m.Snapshot()
	require.Len(t, snapshots, 1)
	assert.Equal(t, "dev", snapshots[0].Name)
	assert.Equal(t, string(types.NamespaceStatusRunning), snapshots[0].Status)
	assert.Equal(t, map[string]string{"api": "RUNNING", "web": "RUNNING"}, snapshots[0].Apps)
}
