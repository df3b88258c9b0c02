// ABOUTME: Tests for engine composition, the collaborator API and state persistence
// ABOUTME: Drives registries directly so no multicast traffic is needed
package server

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/config"
	"github.com/Resonate-Protocol/ananas-go/internal/packet"
	"github.com/Resonate-Protocol/ananas-go/internal/registry"
	"github.com/Resonate-Protocol/ananas-go/internal/worker"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testConfig uses ephemeral local ports so Start never needs privileges.
func testConfig() config.Config {
	cfg := config.Default()
	cfg.ConnectRetryIntervalMs = 50
	for _, sc := range []*config.SocketConfig{
		&cfg.AudioSender, &cfg.TimestampListener, &cfg.ClientListener,
		&cfg.AuthorityListener, &cfg.RebootSender,
	} {
		sc.LocalPort = 0
		sc.TimeoutMs = 100
	}
	cfg.SwitchInspector.Switches = []config.SwitchConfig{{ID: "core", IP: "127.0.0.1:1", Username: "admin"}}
	return cfg
}

func nullLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func newTestServer(t *testing.T, cfg config.Config) *Server {
	t.Helper()
	s, err := New(cfg, nullLogger())
	require.NoError(t, err)
	t.Cleanup(func() { s.Stop() })
	return s
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.NumChannels = 0

	_, err := New(cfg, nullLogger())
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}

func TestWorkersInThreadOrder(t *testing.T) {
	s := newTestServer(t, testConfig())

	var names []string
	for _, w := range s.workers.Workers() {
		names = append(names, w.Name())
	}
	assert.Equal(t, []string{
		"Ananas Audio Sender",
		"Ananas Timestamp Listener",
		"Ananas Client Listener",
		"Ananas Authority Listener",
		"Ananas Reboot Sender",
		"Ananas Switch Inspector",
	}, names)

	for _, st := range s.WorkerStates() {
		assert.Equal(t, worker.Stopped, st)
	}
	assert.False(t, s.IsConnected())
}

func TestPrepareAndWrite(t *testing.T) {
	s := newTestServer(t, testConfig())

	require.NoError(t, s.Prepare(0, 48000))

	err := s.Prepare(4096, 48000)
	assert.True(t, errors.Is(err, ErrBlockTooLarge))

	err = s.Prepare(32, 0)
	assert.True(t, errors.Is(err, packet.ErrInvalidFormat))

	s.Write([][]float32{make([]float32, 32), make([]float32, 32)})
	assert.Equal(t, 32, s.FifoFill())
	assert.Zero(t, s.FifoDropped())
}

func TestPrepareKeepsPacketSizeIndependentOfHostBlock(t *testing.T) {
	s := newTestServer(t, testConfig())

	require.NoError(t, s.Prepare(128, 48000))
	frames, nsPerPacket := s.audio.PacketFormat()
	assert.Equal(t, 32, frames)
	assert.Equal(t, int64(666666), nsPerPacket)

	// A host block larger than a packet is queued whole and sent as a burst
	block := [][]float32{make([]float32, 128), make([]float32, 128)}
	s.Write(block)
	assert.Equal(t, 128, s.FifoFill())
}

func TestStateTree(t *testing.T) {
	s := newTestServer(t, testConfig())

	s.clients.Handle("10.0.0.5", packet.ClientAnnounce{Serial: 42, ModuleID: 3})
	s.modules.Handle("10.0.0.5")
	s.authority.Handle("10.0.0.1", packet.AuthorityAnnounce{NumClients: 1})

	state := s.State()
	for _, key := range []string{"clients", "modules", "authority", "switches", "workers", "connected", "serverId"} {
		assert.Contains(t, state, key)
	}

	clients := state["clients"].(map[string]any)
	require.Contains(t, clients, "10.0.0.5")
	assert.Equal(t, uint32(42), clients["10.0.0.5"].(map[string]any)["serial"])

	switches := state["switches"].(map[string]any)
	require.Contains(t, switches, "core")
	assert.NotContains(t, switches["core"].(map[string]any), "password")

	assert.Equal(t, s.ID(), state["serverId"])
	assert.Len(t, state["workers"].(map[string]any), 6)

	assert.Equal(t, 1, s.ConnectedClients())
	assert.Equal(t, 1, s.ConnectedModules())
	assert.True(t, s.AuthorityConnected())

	a, ok := s.Authority()
	require.True(t, ok)
	assert.Equal(t, "10.0.0.1", a.IP)
	assert.Len(t, s.Clients(), 1)
	assert.Len(t, s.Modules(), 1)
	assert.Len(t, s.Switches(), 1)
}

func TestSubscribeReceivesChanges(t *testing.T) {
	s := newTestServer(t, testConfig())

	var mu sync.Mutex
	var kinds []registry.Kind
	unsubscribe := s.Subscribe(func(e registry.Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	})

	s.clients.Handle("10.0.0.5", packet.ClientAnnounce{})
	s.SetModuleID("10.0.0.9", 4)
	require.NoError(t, s.RequestPTPReset("core"))
	unsubscribe()
	s.clients.Handle("10.0.0.6", packet.ClientAnnounce{})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []registry.Kind{
		registry.ClientsChanged,
		registry.ModulesChanged,
		registry.SwitchesChanged,
	}, kinds)
}

func TestRequestReboot(t *testing.T) {
	s := newTestServer(t, testConfig())

	s.RequestReboot()
	assert.True(t, s.clients.RebootRequested())
	assert.True(t, s.clients.TakeRebootRequest())
	assert.False(t, s.clients.TakeRebootRequest())
}

func TestSwitchManagement(t *testing.T) {
	s := newTestServer(t, testConfig())

	require.NoError(t, s.AddSwitch(config.SwitchConfig{ID: "edge", IP: "10.0.0.2"}))
	assert.True(t, errors.Is(s.AddSwitch(config.SwitchConfig{ID: "edge"}), registry.ErrDuplicateSwitch))
	assert.True(t, s.RemoveSwitch("edge"))
	assert.True(t, errors.Is(s.RequestPTPReset("edge"), registry.ErrUnknownSwitch))
}

func TestStartLoadsAndStopSavesState(t *testing.T) {
	cfg := testConfig()
	cfg.StateFile = filepath.Join(t.TempDir(), "state.yaml")
	require.NoError(t, os.WriteFile(cfg.StateFile, []byte("modules:\n  - ip: 10.0.1.1\n    id: 7\n"), 0o600))

	s := newTestServer(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, s.Start(ctx))

	mods := s.Modules()
	require.Len(t, mods, 1)
	assert.Equal(t, uint32(7), mods[0].ID)
	assert.False(t, mods[0].Connected)

	s.SetModuleID("10.0.1.2", 8)

	// The state writer picks up module changes in the background
	assert.Eventually(t, func() bool {
		data, err := os.ReadFile(cfg.StateFile)
		return err == nil && strings.Contains(string(data), "10.0.1.2")
	}, 2*time.Second, 10*time.Millisecond)

	s.Stop()

	data, err := os.ReadFile(cfg.StateFile)
	require.NoError(t, err)
	assert.Contains(t, string(data), "ip: 10.0.1.1")
	assert.Contains(t, string(data), "id: 8")

	for _, st := range s.WorkerStates() {
		assert.Equal(t, worker.Stopped, st)
	}
}

func TestStartWithoutStateFile(t *testing.T) {
	cfg := testConfig()
	cfg.StateFile = filepath.Join(t.TempDir(), "missing", "state.yaml")

	s := newTestServer(t, cfg)
	require.NoError(t, s.Start(context.Background()))
	assert.Empty(t, s.Modules())
}

func TestStopWithoutStart(t *testing.T) {
	s := newTestServer(t, testConfig())
	assert.NoError(t, s.Stop())
	assert.NoError(t, s.Stop())
}
