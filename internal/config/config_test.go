package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "genweaver.config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadConfig_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().OutputRoot, cfg.OutputRoot)
	assert.True(t, cfg.FailFast)
	assert.GreaterOrEqual(t, cfg.MaxParallel, 1)
}

func TestLoadConfig_FileAndInterpolation(t *testing.T) {
	t.Setenv("GW_TEST_VERSION", "8.21.0")
	path := writeConfig(t, `
workdir: /srv/project
output_root: out/client
log_level: debug
max_parallel: 3
fail_fast: false
tokens:
  VERSION: ${GW_TEST_VERSION}
  UNSET: ${GW_TEST_DEFINITELY_UNSET}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/project", cfg.Workdir)
	assert.Equal(t, "out/client", cfg.OutputRoot)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.MaxParallel)
	assert.False(t, cfg.FailFast)
	assert.Equal(t, "8.21.0", cfg.Tokens["VERSION"])
	assert.Equal(t, "${GW_TEST_DEFINITELY_UNSET}", cfg.Tokens["UNSET"])
	assert.Equal(t, "/srv/project/out/client", cfg.Abs(cfg.OutputRoot))
	assert.Equal(t, "/abs/path", cfg.Abs("/abs/path"))
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	t.Setenv("MAX_PARALLEL_FORKS", "7")
	t.Setenv("GENWEAVER_LOG_LEVEL", "WARN")
	t.Setenv("GENWEAVER_STATE_DB", "")

	cfg, err := LoadConfig(writeConfig(t, "max_parallel: 2\n"))
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.MaxParallel)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Empty(t, cfg.StateDB)
}

func TestLoadConfig_InvalidForksOverride(t *testing.T) {
	t.Setenv("MAX_PARALLEL_FORKS", "many")
	_, err := LoadConfig("")
	var verr *ValidationError
	require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutputRoot = ""
	cfg.LogLevel = "loud"
	cfg.MaxParallel = 0

	err := cfg.Validate()
	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Len(t, verr.Problems, 3)
	assert.Contains(t, err.Error(), "OutputRoot is required")
	assert.Contains(t, err.Error(), "LogLevel must be one of")
	assert.Contains(t, err.Error(), "MaxParallel must be >= 1")
}

func TestLoadConfig_MalformedYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "max_parallel: [unterminated"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config")
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, LoadDotEnv(dir), "missing .env is not an error")

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("GW_DOTENV_TEST=from-file\n"), 0o644))
	t.Setenv("GW_DOTENV_TEST", "")
	os.Unsetenv("GW_DOTENV_TEST")
	require.NoError(t, LoadDotEnv(dir))
	assert.Equal(t, "from-file", os.Getenv("GW_DOTENV_TEST"))
}
