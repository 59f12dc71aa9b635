package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TryExceptElse/zen/internal/level"
)

func TestLoadDefaultsWhenAbsent(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, level.Shallow, cfg.Level())
	assert.Contains(t, cfg.SourceExts, ".cc")
	assert.Contains(t, cfg.HeaderExts, ".h")
	assert.GreaterOrEqual(t, cfg.Workers, 1)
}

func TestLoadFromYAML(t *testing.T) {
	dir := t.TempDir()
	yaml := `
default_level: deep
include_dirs:
  - include
  - third_party
workers: 3
store_path: cache/zen.db
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zen.yaml"), []byte(yaml), 0o644))

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, level.Deep, cfg.Level())
	assert.Equal(t, []string{"include", "third_party"}, cfg.IncludeDirs)
	assert.Equal(t, 3, cfg.Workers)
	assert.Equal(t, "cache/zen.db", cfg.StorePath)
}

func TestLoadRejectsUnknownLevel(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "zen.yaml"), []byte("default_level: turbo\n"), 0o644))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turbo")
}
