package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, SandboxVariantLocalProcess, cfg.SandboxVariant)
	assert.Equal(t, int64(42), cfg.DefaultSeed)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownSandboxVariant(t *testing.T) {
	cfg := New()
	cfg.SandboxVariant = "vmware"
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveConcurrency(t *testing.T) {
	cfg := New()
	cfg.MaxConcurrency = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownQueueBackend(t *testing.T) {
	cfg := New()
	cfg.QueueBackend = "rabbitmq"
	assert.Error(t, cfg.Validate())
}

func TestLoadFromFileRejectsUnknownKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not_a_real_field: true\n"), 0o644))

	cfg := New()
	err := loadFromFile(path, cfg)
	assert.Error(t, err)
}

func TestLoadFromFileAppliesOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_concurrency: 16\nevidence_root: /tmp/runs\n"), 0o644))

	cfg := New()
	require.NoError(t, loadFromFile(path, cfg))
	assert.Equal(t, 16, cfg.MaxConcurrency)
	assert.Equal(t, "/tmp/runs", cfg.EvidenceRoot)
}

func TestLoadFromFileMissingIsNotAnError(t *testing.T) {
	cfg := New()
	err := loadFromFile(filepath.Join(t.TempDir(), "missing.yaml"), cfg)
	assert.NoError(t, err)
}
