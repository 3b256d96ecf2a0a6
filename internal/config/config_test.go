package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 7878, cfg.Manager.Port)
	assert.Equal(t, 7879, cfg.Manager.PeerPort)
	assert.Equal(t, "255.255.255.255", cfg.Manager.BroadcastAddress)
	assert.Equal(t, 5*time.Second, cfg.Manager.BroadcastInterval)
	assert.Equal(t, 1024, cfg.Manager.ReceiveBuffer)
	assert.Equal(t, 32, cfg.Manager.CommandQueue)
	assert.Equal(t, 32, cfg.Manager.ResponseBuffer)

	assert.Equal(t, 500, cfg.Registry.HistoryCapacity)
	assert.Equal(t, 30*time.Second, cfg.Registry.StaleAfter)
	assert.Equal(t, "@every 10s", cfg.Registry.SweepSchedule)

	assert.Equal(t, "0.0.0.0", cfg.Node.BindAddress)
	assert.Equal(t, 7879, cfg.Node.Port)
	assert.Equal(t, 200*time.Millisecond, cfg.Node.CPUSampleInterval)

	assert.True(t, cfg.HTTP.Enabled)
	assert.Equal(t, "0.0.0.0:3000", cfg.HTTP.Address())
	assert.False(t, cfg.NATS.Enabled)
	assert.Equal(t, "NODES", cfg.NATS.Stream)
	assert.False(t, cfg.Journal.Enabled)
	assert.Equal(t, 168*time.Hour, cfg.Journal.Retention)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "netwatch.yaml")
	content := `
manager:
  ip: 192.168.1.10
  broadcast_interval: 2s
registry:
  stale_after: 1m
  sweep_schedule: "*/1 * * * *"
journal:
  enabled: true
  path: /tmp/journal.db
logging:
  level: debug
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.10", cfg.Manager.IP)
	assert.Equal(t, 2*time.Second, cfg.Manager.BroadcastInterval)
	assert.Equal(t, time.Minute, cfg.Registry.StaleAfter)
	assert.Equal(t, "*/1 * * * *", cfg.Registry.SweepSchedule)
	assert.True(t, cfg.Journal.Enabled)
	assert.Equal(t, "/tmp/journal.db", cfg.Journal.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	// untouched keys keep their defaults
	assert.Equal(t, 7878, cfg.Manager.Port)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, fs.ErrNotExist)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("NETWATCH_MANAGER_PORT", "9000")
	t.Setenv("NETWATCH_NODE_IP", "10.0.0.5")
	t.Setenv("NETWATCH_NATS_ENABLED", "true")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Manager.Port)
	assert.Equal(t, "10.0.0.5", cfg.Node.IP)
	assert.True(t, cfg.NATS.Enabled)
}

func TestValidate(t *testing.T) {
	chdir(t, t.TempDir())

	tests := []struct {
		name   string
		env    map[string]string
		errMsg string
	}{
		{"port out of range", map[string]string{"NETWATCH_MANAGER_PORT": "70000"}, "manager.port"},
		{"bad broadcast address", map[string]string{"NETWATCH_MANAGER_BROADCAST_ADDRESS": "not-an-ip"}, "manager.broadcast_address"},
		{"ipv6 manager ip", map[string]string{"NETWATCH_MANAGER_IP": "::1"}, "manager.ip"},
		{"zero interval", map[string]string{"NETWATCH_MANAGER_BROADCAST_INTERVAL": "0s"}, "broadcast_interval"},
		{"zero history", map[string]string{"NETWATCH_REGISTRY_HISTORY_CAPACITY": "0"}, "history_capacity"},
		{"bad schedule", map[string]string{"NETWATCH_REGISTRY_SWEEP_SCHEDULE": "whenever"}, "sweep_schedule"},
		{"zero command queue", map[string]string{"NETWATCH_MANAGER_COMMAND_QUEUE": "0"}, "queue sizes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}

// chdir moves into dir so no stray config.yaml is picked up
func chdir(t *testing.T, dir string) {
	t.Helper()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
}
