package runtimefiles

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/hutch/pkg/storage"
)

func newTestStore(t *testing.T) (*Store, *storage.BoltStore) {
	t.Helper()
	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	store, err := NewStore("dev", filepath.Join(t.TempDir(), "runtime"), db)
	require.NoError(t, err)
	return store, db
}

func generation() map[string][]byte {
	return map[string][]byte{
		"nginx/nginx.conf":      []byte("worker_processes 1;\n"),
		"nginx/conf.d/app.conf": []byte("server {}\n"),
		"scripts/init.sh":       []byte("#!/bin/sh\necho hi\n"),
		"app.env":               []byte("A=1\n"),
	}
}

func TestUpdate_WritesFiles(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Update(generation()))

	content, err := os.ReadFile(store.Path("nginx/conf.d/app.conf"))
	require.NoError(t, err)
	assert.Equal(t, "server {}\n", string(content))

	info, err := os.Stat(store.Path("scripts/init.sh"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0755), info.Mode().Perm(), "shell scripts are executable")

	info, err = os.Stat(store.Path("app.env"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0644), info.Mode().Perm())
}

func TestUpdate_OnlyRewritesChangedFiles(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Update(generation()))

	past := time.Now().Add(-time.Hour)
	target := store.Path("app.env")
	require.NoError(t, os.Chtimes(target, past, past))

	require.NoError(t, store.Update(generation()))

	info, err := os.Stat(target)
	require.NoError(t, err)
	assert.WithinDuration(t, past, info.ModTime(), time.Second, "unchanged file must not be rewritten")

	files := generation()
	files["app.env"] = []byte("A=2\n")
	require.NoError(t, store.Update(files))

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "A=2\n", string(content))
}

func TestUpdate_RestoresDeletedFile(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Update(generation()))

	require.NoError(t, os.Remove(store.Path("app.env")))
	require.NoError(t, store.Update(generation()))

	_, err := os.Stat(store.Path("app.env"))
	assert.NoError(t, err)
}

func TestUpdate_RemovesStaleFiles(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Update(generation()))

	files := generation()
	delete(files, "nginx/conf.d/app.conf")
	require.NoError(t, store.Update(files))

	_, err := os.Stat(store.Path("nginx/conf.d/app.conf"))
	assert.True(t, os.IsNotExist(err))

	_, err = store.Read("nginx/conf.d/app.conf")
	assert.True(t, errors.Is(err, ErrUnknownPath))
}

func TestUpdate_RejectsEscapingPath(t *testing.T) {
	store, _ := newTestStore(t)
	err := store.Update(map[string][]byte{"../outside": []byte("x")})
	assert.True(t, errors.Is(err, ErrInvalidPath))
}

func TestOverrideAndReset(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Update(generation()))

	changed, err := store.Override("app.env", []byte("A=custom\n"))
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = store.Override("app.env", []byte("A=custom\n"))
	require.NoError(t, err)
	assert.False(t, changed, "same override again changes nothing")

	content, err := store.Read("app.env")
	require.NoError(t, err)
	assert.Equal(t, "A=custom\n", string(content))

	onDisk, err := os.ReadFile(store.Path("app.env"))
	require.NoError(t, err)
	assert.Equal(t, "A=custom\n", string(onDisk))

	files := store.List("app.env")
	require.Len(t, files, 1)
	assert.True(t, files[0].Edited)

	// Overrides survive regeneration
	require.NoError(t, store.Update(generation()))
	content, err = store.Read("app.env")
	require.NoError(t, err)
	assert.Equal(t, "A=custom\n", string(content))

	changed, err = store.Reset("app.env")
	require.NoError(t, err)
	assert.True(t, changed)

	content, err = store.Read("app.env")
	require.NoError(t, err)
	assert.Equal(t, generation()["app.env"], content, "reset restores the generated bytes")

	onDisk, err = os.ReadFile(store.Path("app.env"))
	require.NoError(t, err)
	assert.Equal(t, generation()["app.env"], onDisk)

	files = store.List("app.env")
	require.Len(t, files, 1)
	assert.False(t, files[0].Edited)

	changed, err = store.Reset("app.env")
	require.NoError(t, err)
	assert.False(t, changed, "reset without override is a no-op")
}

func TestOverride_UnknownPath(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Update(generation()))

	_, err := store.Override("nope.conf", []byte("x"))
	assert.True(t, errors.Is(err, ErrUnknownPath))
}

func TestOverride_EqualToGeneratedClearsEdited(t *testing.T) {
	store, db := newTestStore(t)
	require.NoError(t, store.Update(generation()))

	_, err := store.Override("app.env", []byte("A=custom\n"))
	require.NoError(t, err)

	changed, err := store.Override("app.env", generation()["app.env"])
	require.NoError(t, err)
	assert.True(t, changed)

	overrides, err := db.ListOverrides("dev")
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

func TestOverride_PersistsAcrossStores(t *testing.T) {
	db, err := storage.NewBoltStore(t.TempDir())
	require.NoError(t, err)
	defer db.Close()
	dir := filepath.Join(t.TempDir(), "runtime")

	first, err := NewStore("dev", dir, db)
	require.NoError(t, err)
	require.NoError(t, first.Update(generation()))
	_, err = first.Override("app.env", []byte("A=custom\n"))
	require.NoError(t, err)

	second, err := NewStore("dev", dir, db)
	require.NoError(t, err)
	require.NoError(t, second.Update(generation()))

	content, err := second.Read("app.env")
	require.NoError(t, err)
	assert.Equal(t, "A=custom\n", string(content))
}

func TestList_Prefix(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Update(generation()))

	paths := func(prefix string) []string {
		var out []string
		for _, f := range store.List(prefix) {
			out = append(out, f.Path)
		}
		return out
	}

	assert.Equal(t, []string{"app.env", "nginx/conf.d/app.conf", "nginx/nginx.conf", "scripts/init.sh"}, paths(""))
	assert.Equal(t, []string{"nginx/conf.d/app.conf", "nginx/nginx.conf"}, paths("nginx"))
	assert.Equal(t, []string{"nginx/conf.d/app.conf", "nginx/nginx.conf"}, paths("nginx/"))
	assert.Equal(t, []string{"nginx/nginx.conf"}, paths("nginx/nginx.conf"))
	assert.Empty(t, paths("ngin"), "prefix matches whole path segments only")
}

func TestHash(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Update(generation()))

	dirHash := store.Hash([]string{"nginx"})
	assert.Equal(t, dirHash, store.Hash([]string{"nginx/"}))
	assert.Equal(t, dirHash, store.Hash([]string{"nginx"}), "hash is stable")

	fileHash := store.Hash([]string{"app.env"})
	_, err := store.Override("nginx/nginx.conf", []byte("worker_processes 4;\n"))
	require.NoError(t, err)

	assert.NotEqual(t, dirHash, store.Hash([]string{"nginx"}), "nested edit changes the directory hash")
	assert.Equal(t, fileHash, store.Hash([]string{"app.env"}), "unrelated paths are unaffected")

	assert.NotEqual(t, store.Hash([]string{"app.env", "nginx"}), store.Hash([]string{"nginx", "app.env"}), "order matters")
	assert.NotEqual(t, store.Hash([]string{"missing"}), store.Hash([]string{"other"}))
}

func TestRemove(t *testing.T) {
	store, db := newTestStore(t)
	require.NoError(t, store.Update(generation()))
	_, err := store.Override("app.env", []byte("x"))
	require.NoError(t, err)

	require.NoError(t, store.Remove())

	_, err = os.Stat(store.Dir())
	assert.True(t, os.IsNotExist(err))
	overrides, err := db.ListOverrides("dev")
	require.NoError(t, err)
	assert.Empty(t, overrides)
}

func TestWatcher_AdoptsEdits(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Update(generation()))

	w, err := NewWatcher(store)
	require.NoError(t, err)

	var adopted atomic.Int32
	w.OnAdopt = func(p string) {
		if p == "nginx/nginx.conf" {
			adopted.Add(1)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go w.Run(ctx)

	require.NoError(t, os.WriteFile(store.Path("nginx/nginx.conf"), []byte("worker_processes 8;\n"), 0644))

	// The truncate and the write may arrive as separate events
	assert.Eventually(t, func() bool {
		content, err := store.Read("nginx/nginx.conf")
		return err == nil && string(content) == "worker_processes 8;\n"
	}, 5*time.Second, 20*time.Millisecond)
	assert.GreaterOrEqual(t, adopted.Load(), int32(1))

	files := store.List("nginx/nginx.conf")
	require.Len(t, files, 1)
	assert.True(t, files[0].Edited)
}

func TestAdopt_IgnoresOwnWrites(t *testing.T) {
	store, _ := newTestStore(t)
	require.NoError(t, store.Update(generation()))

	adopted, err := store.adopt("app.env", generation()["app.env"])
	require.NoError(t, err)
	assert.False(t, adopted)

	adopted, err = store.adopt("unknown.conf", []byte("x"))
	require.NoError(t, err)
	assert.False(t, adopted)
}
