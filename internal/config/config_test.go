package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadAppliesDefaultsWhenFileAbsent(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	require.Equal(t, "0.0.0.0:7373", cfg.BindAddr)
	require.Equal(t, 2*time.Second, cfg.LivenessInterval)
	require.NotEmpty(t, cfg.NodeID, "node id must fall back to the OS hostname")
}

func TestLoadParsesYAMLOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
node_id: node-a
bind_addr: 10.0.0.1:7373
coordinator: true
join_addrs:
  - 10.0.0.2:7373
  - 10.0.0.3:7373
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "node-a", cfg.NodeID)
	require.Equal(t, "10.0.0.1:7373", cfg.BindAddr)
	require.True(t, cfg.Coordinator)
	require.Equal(t, []string{"10.0.0.2:7373", "10.0.0.3:7373"}, cfg.JoinAddrs)
	// Fields untouched by the file keep their defaults.
	require.Equal(t, "/var/lib/meridian", cfg.DataDir)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "meridian.yaml")
	require.NoError(t, os.WriteFile(path, []byte("node_id: [unterminated"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestEnvironmentOverridesDefaults(t *testing.T) {
	t.Setenv("MERIDIAN_NODE_ID", "env-node")
	t.Setenv("MERIDIAN_BIND_ADDR", "10.9.9.9:7373")
	t.Setenv("MERIDIAN_API_KEY", "s3cr3t")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, "env-node", cfg.NodeID)
	require.Equal(t, "10.9.9.9:7373", cfg.BindAddr)
	require.Equal(t, "s3cr3t", cfg.APIKey)
}
