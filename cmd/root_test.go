package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/mcpfleet/fleet/internal/config"
)

func resetConfigState(t *testing.T) {
	t.Helper()
	t.Cleanup(func() {
		cfgFile = ""
		cfg = config.Config{}
		viper.Reset()
	})
	viper.Reset()
}

func TestInitConfig_ReadsFileAndFillsDefaults(t *testing.T) {
	resetConfigState(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `server:
  port: 4500
servers:
  - id: everything
    command: npx
    args: ["-y", "@modelcontextprotocol/server-everything"]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfgFile = path
	initConfig()

	require.Equal(t, 4500, cfg.Server.Port, "file value wins")
	require.Equal(t, "/fleet", cfg.Server.Path, "unset keys fall back to defaults")
	require.Equal(t, 30*time.Second, cfg.Server.HeartbeatInterval)
	require.Equal(t, 5*time.Second, cfg.Worker.KillTimeout)
	require.Len(t, cfg.Servers, 1)
	require.Equal(t, "everything", cfg.Servers[0].ID)
	require.Equal(t, []string{"-y", "@modelcontextprotocol/server-everything"}, cfg.Servers[0].Args)

	require.Equal(t, path, configFilePath())
}

func TestInitConfig_ParsesDurationsFromStrings(t *testing.T) {
	resetConfigState(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `server:
  heartbeat_interval: 45s
worker:
  kill_timeout: 2s
  shutdown_timeout: 1m
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfgFile = path
	initConfig()

	require.Equal(t, 45*time.Second, cfg.Server.HeartbeatInterval)
	require.Equal(t, 2*time.Second, cfg.Worker.KillTimeout)
	require.Equal(t, time.Minute, cfg.Worker.ShutdownTimeout)
}

func TestInitConfig_WritesDefaultConfigWhenMissing(t *testing.T) {
	resetConfigState(t)
	t.Chdir(t.TempDir())

	initConfig()

	data, err := os.ReadFile(".fleet/config.yaml")
	require.NoError(t, err, "default config created on first run")
	require.Contains(t, string(data), "port: 3001")

	require.Equal(t, 3001, cfg.Server.Port)
	require.Equal(t, 500, cfg.Client.LogBuffer)
	require.NoError(t, cfg.Validate())
}
