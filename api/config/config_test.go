package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8840", cfg.Port)
	assert.Equal(t, "fileservers", cfg.Namespace)
	assert.Equal(t, "managed-by=wharf", cfg.LabelSelector)
	assert.Equal(t, 5*time.Second, cfg.ProbeInterval)
	assert.Equal(t, 8, cfg.ProbeConcurrency)
	assert.Equal(t, 30000, cfg.NodePortMin)
	assert.Equal(t, 32767, cfg.NodePortMax)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("WHARF_PORT", "9000")
	t.Setenv("WHARF_NAMESPACE", "staging-fs")
	t.Setenv("WHARF_PROBE_TIMEOUT", "1500ms")
	t.Setenv("WHARF_MAX_DYNAMIC_SERVERS", "3")
	t.Setenv("WHARF_LOG_JSON", "true")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Port)
	assert.Equal(t, "staging-fs", cfg.Namespace)
	assert.Equal(t, 1500*time.Millisecond, cfg.ProbeTimeout)
	assert.Equal(t, 3, cfg.MaxDynamicServers)
	assert.True(t, cfg.LogJSON)
}

func TestLoadYAMLOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wharf.yaml")
	require.NoError(t, os.WriteFile(path, []byte("namespace: yaml-ns\nport: \"7000\"\n"), 0o644))
	t.Setenv("WHARF_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "yaml-ns", cfg.Namespace)
	assert.Equal(t, "7000", cfg.Port)
}

func TestEnvWinsOverYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wharf.yaml")
	require.NoError(t, os.WriteFile(path, []byte("namespace: yaml-ns\n"), 0o644))
	t.Setenv("WHARF_CONFIG", path)
	t.Setenv("WHARF_NAMESPACE", "env-ns")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "env-ns", cfg.Namespace)
}

func TestLoadRejectsBadValues(t *testing.T) {
	t.Setenv("WHARF_NODEPORT_MIN", "32000")
	t.Setenv("WHARF_NODEPORT_MAX", "31000")
	_, err := Load()
	assert.Error(t, err)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	t.Setenv("WHARF_PROBE_INTERVAL", "soon")
	_, err := Load()
	assert.Error(t, err)
}
