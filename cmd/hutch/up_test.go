package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefinition(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "Shop")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	stack := filepath.Join(dir, "stack.yaml")
	require.NoError(t, os.WriteFile(stack, []byte("apps: {}\n"), 0o644))

	def, err := definition(stack, "", map[string]string{"DOMAIN": "shop.local"})
	require.NoError(t, err)
	assert.Equal(t, "shop", def.Name)
	assert.Equal(t, stack, def.Source)
	assert.Equal(t, "shop.local", def.Params["DOMAIN"])

	def, err = definition(stack, "staging", nil)
	require.NoError(t, err)
	assert.Equal(t, "staging", def.Name)

	_, err = definition(filepath.Join(dir, "missing.yaml"), "", nil)
	assert.Error(t, err)
}
