// ABOUTME: Tests for configuration defaults, YAML loading and validation
// ABOUTME: Covers the documented default socket table and error cases
package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 32, cfg.FramesPerPacket)
	assert.Equal(t, 50, cfg.ClientPacketBufferSize)
	assert.Equal(t, int64(16129032), cfg.PacketOffsetNs)
	assert.Equal(t, 1024, cfg.FifoCapacityFrames)
	assert.Equal(t, 1500, cfg.ListenerBufferSize)
	assert.Equal(t, 2500*time.Millisecond, cfg.ConnectRetryInterval())
	assert.Equal(t, time.Second, cfg.LivenessCheckInterval())
}

func TestDefaultSockets(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name       string
		socket     SocketConfig
		group      string
		remotePort int
		localPort  int
	}{
		{"audio", cfg.AudioSender, "224.4.224.4", 14841, 49152},
		{"ptp", cfg.TimestampListener, "224.0.1.129", 0, 320},
		{"client", cfg.ClientListener, "224.4.224.6", 0, 49153},
		{"authority", cfg.AuthorityListener, "224.4.224.7", 0, 49154},
		{"reboot", cfg.RebootSender, "224.4.224.8", 14842, 49155},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.group, tt.socket.Group)
			assert.Equal(t, tt.remotePort, tt.socket.RemotePort)
			assert.Equal(t, tt.localPort, tt.socket.LocalPort)
		})
	}

	assert.Equal(t, time.Second, cfg.ClientListener.DisconnectionThreshold())
	assert.Equal(t, "224.4.224.4:14841", cfg.AudioSender.GroupAddr().String())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero channels", func(c *Config) { c.NumChannels = 0 }},
		{"too many channels", func(c *Config) { c.NumChannels = 256 }},
		{"zero frames", func(c *Config) { c.FramesPerPacket = 0 }},
		{"fifo smaller than packet", func(c *Config) { c.FifoCapacityFrames = 16 }},
		{"unicast group", func(c *Config) { c.AudioSender.Group = "192.168.1.10" }},
		{"bad group", func(c *Config) { c.ClientListener.Group = "nope" }},
		{"missing remote port", func(c *Config) { c.RebootSender.RemotePort = 0 }},
		{"zero threshold", func(c *Config) { c.ClientListener.DisconnectionThresholdMs = 0 }},
		{"zero timeout", func(c *Config) { c.TimestampListener.TimeoutMs = 0 }},
		{"duplicate switch", func(c *Config) {
			c.SwitchInspector.Switches = []SwitchConfig{{ID: "a"}, {ID: "a"}}
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ananas.yaml")

	data := []byte(`
interface: eth1
num_channels: 16
client_listener:
  name: Clients
  timeout_ms: 250
  group: 224.4.224.6
  local_port: 50000
  disconnection_threshold_ms: 2000
switch_inspector:
  switches:
    - id: core
      ip: 192.168.10.1
      username: admin
      password: secret
log:
  level: debug
`)
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "eth1", cfg.Interface)
	assert.Equal(t, 16, cfg.NumChannels)
	assert.Equal(t, 50000, cfg.ClientListener.LocalPort)
	assert.Equal(t, 2*time.Second, cfg.ClientListener.DisconnectionThreshold())
	assert.Equal(t, "debug", cfg.Log.Level)
	require.Len(t, cfg.SwitchInspector.Switches, 1)
	assert.Equal(t, "192.168.10.1", cfg.SwitchInspector.Switches[0].IP)

	// Untouched sections keep their defaults
	assert.Equal(t, "224.4.224.4", cfg.AudioSender.Group)
	assert.Equal(t, "/rest/system/ptp/monitor", cfg.SwitchInspector.MonitorPath)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("frames_per_pakcet: 64\n"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
