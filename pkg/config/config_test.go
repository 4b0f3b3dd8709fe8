package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultsFromEmbeddedExample(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database_path: ./custom.db\n"), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "./custom.db", cfg.DatabasePath)
	assert.Equal(t, "https://lox.torproject.org", cfg.LoxAuthority.BaseURL)
	assert.Contains(t, cfg.Connect.BuiltinTransports, "obfs4")
}

func TestLoad_RejectsMissingRequiredField(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database_path: \"\"\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "database_path")
}

func TestLoad_RejectsBadLoggingLevel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: verbose\n"), 0o600))

	_, err := Load(path)
	assert.ErrorContains(t, err, "logging.level")
}
