// ABOUTME: Engine configuration: socket parameters, timing constants, service endpoints
// ABOUTME: Loaded from YAML on top of built-in defaults and validated before use
package config

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned (wrapped) when validation fails.
var ErrInvalidConfig = errors.New("invalid config")

// NanosPerSecond is the number of nanoseconds in one second.
const NanosPerSecond int64 = 1_000_000_000

// SocketConfig describes one multicast socket owned by a worker.
type SocketConfig struct {
	// Name identifies the worker in logs, metrics and the status view
	Name string `yaml:"name"`
	// TimeoutMs is the receive timeout for listeners and the stop
	// timeout for every worker
	TimeoutMs int `yaml:"timeout_ms"`
	// Group is the IPv4 multicast group
	Group string `yaml:"group"`
	// RemotePort is the destination port (senders only)
	RemotePort int `yaml:"remote_port,omitempty"`
	// LocalPort is the port the socket binds to
	LocalPort int `yaml:"local_port"`
	// DisconnectionThresholdMs is the liveness window for records
	// built from this socket's announces (listeners only)
	DisconnectionThresholdMs int `yaml:"disconnection_threshold_ms,omitempty"`
}

// Timeout returns TimeoutMs as a duration.
func (s SocketConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// DisconnectionThreshold returns DisconnectionThresholdMs as a duration.
func (s SocketConfig) DisconnectionThreshold() time.Duration {
	return time.Duration(s.DisconnectionThresholdMs) * time.Millisecond
}

// GroupAddr returns the group with the remote port as a UDP address.
func (s SocketConfig) GroupAddr() *net.UDPAddr {
	return &net.UDPAddr{IP: net.ParseIP(s.Group), Port: s.RemotePort}
}

// SwitchConfig is an operator-configured network switch.
type SwitchConfig struct {
	ID       string `yaml:"id"`
	IP       string `yaml:"ip"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// SwitchInspectorConfig controls the switch REST polling worker.
type SwitchInspectorConfig struct {
	Name             string         `yaml:"name"`
	TimeoutMs        int            `yaml:"timeout_ms"`
	PollIntervalMs   int            `yaml:"poll_interval_ms"`
	RequestTimeoutMs int            `yaml:"request_timeout_ms"`
	MonitorPath      string         `yaml:"monitor_path"`
	DisablePath      string         `yaml:"disable_path"`
	EnablePath       string         `yaml:"enable_path"`
	Switches         []SwitchConfig `yaml:"switches"`
}

// LogConfig controls logrus output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// ServicesConfig holds the optional HTTP/mDNS surfaces.
type ServicesConfig struct {
	// MetricsAddr serves Prometheus metrics; empty disables
	MetricsAddr string `yaml:"metrics_addr"`
	// StateAddr serves the websocket state feed and /health; empty disables
	StateAddr string `yaml:"state_addr"`
	// MDNS enables service advertisement
	MDNS bool `yaml:"mdns"`
	// Name is the advertised service name
	Name string `yaml:"name"`
}

// Config is the complete engine configuration.
type Config struct {
	// Interface is the local interface (name or IPv4 address) used for
	// multicast; empty selects the system default
	Interface string `yaml:"interface"`

	// NumChannels is the number of channels sent in each audio packet
	NumChannels int `yaml:"num_channels"`
	// FramesPerPacket is the number of per-channel samples in each packet
	FramesPerPacket int `yaml:"frames_per_packet"`
	// ClientPacketBufferSize is the number of packets each client buffers
	ClientPacketBufferSize int `yaml:"client_packet_buffer_size"`
	// PacketOffsetNs is added to PTP time so clients stay mid-buffer
	PacketOffsetNs int64 `yaml:"packet_offset_ns"`
	// FifoCapacityFrames is the handoff buffer capacity (power of two)
	FifoCapacityFrames int `yaml:"fifo_capacity_frames"`
	// ListenerBufferSize is the receive buffer for listener sockets
	ListenerBufferSize int `yaml:"listener_buffer_size"`

	LivenessCheckIntervalMs int `yaml:"liveness_check_interval_ms"`
	ConnectRetryIntervalMs  int `yaml:"connect_retry_interval_ms"`
	RebootPollIntervalMs    int `yaml:"reboot_poll_interval_ms"`

	AudioSender       SocketConfig `yaml:"audio_sender"`
	TimestampListener SocketConfig `yaml:"timestamp_listener"`
	ClientListener    SocketConfig `yaml:"client_listener"`
	AuthorityListener SocketConfig `yaml:"authority_listener"`
	RebootSender      SocketConfig `yaml:"reboot_sender"`

	SwitchInspector SwitchInspectorConfig `yaml:"switch_inspector"`

	// StateFile persists module ids across restarts; empty disables
	StateFile string `yaml:"state_file"`

	Log      LogConfig      `yaml:"log"`
	Services ServicesConfig `yaml:"services"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		NumChannels:             2,
		FramesPerPacket:         32,
		ClientPacketBufferSize:  50,
		PacketOffsetNs:          NanosPerSecond / 62,
		FifoCapacityFrames:      1 << 10,
		ListenerBufferSize:      1500,
		LivenessCheckIntervalMs: 1000,
		ConnectRetryIntervalMs:  2500,
		RebootPollIntervalMs:    1000,
		AudioSender: SocketConfig{
			Name:       "Ananas Audio Sender",
			TimeoutMs:  500,
			Group:      "224.4.224.4",
			RemotePort: 14841,
			LocalPort:  49152,
		},
		TimestampListener: SocketConfig{
			Name:      "Ananas Timestamp Listener",
			TimeoutMs: 1500,
			Group:     "224.0.1.129",
			LocalPort: 320,
		},
		ClientListener: SocketConfig{
			Name:                     "Ananas Client Listener",
			TimeoutMs:                500,
			Group:                    "224.4.224.6",
			LocalPort:                49153,
			DisconnectionThresholdMs: 1000,
		},
		AuthorityListener: SocketConfig{
			Name:                     "Ananas Authority Listener",
			TimeoutMs:                500,
			Group:                    "224.4.224.7",
			LocalPort:                49154,
			DisconnectionThresholdMs: 1000,
		},
		RebootSender: SocketConfig{
			Name:       "Ananas Reboot Sender",
			TimeoutMs:  500,
			Group:      "224.4.224.8",
			RemotePort: 14842,
			LocalPort:  49155,
		},
		SwitchInspector: SwitchInspectorConfig{
			Name:             "Ananas Switch Inspector",
			TimeoutMs:        1100,
			PollIntervalMs:   1000,
			RequestTimeoutMs: 1000,
			MonitorPath:      "/rest/system/ptp/monitor",
			DisablePath:      "/rest/system/ptp/disable",
			EnablePath:       "/rest/system/ptp/enable",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Services: ServicesConfig{
			MDNS: true,
		},
	}
}

// Load reads a YAML file on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks ranges and addresses.
func (c Config) Validate() error {
	if c.NumChannels < 1 || c.NumChannels > 255 {
		return fmt.Errorf("%w: num_channels %d out of range 1-255", ErrInvalidConfig, c.NumChannels)
	}
	if c.FramesPerPacket < 1 || c.FramesPerPacket > 65535 {
		return fmt.Errorf("%w: frames_per_packet %d out of range", ErrInvalidConfig, c.FramesPerPacket)
	}
	if c.ClientPacketBufferSize < 1 {
		return fmt.Errorf("%w: client_packet_buffer_size must be positive", ErrInvalidConfig)
	}
	if c.FifoCapacityFrames < c.FramesPerPacket {
		return fmt.Errorf("%w: fifo_capacity_frames %d smaller than one packet", ErrInvalidConfig, c.FifoCapacityFrames)
	}
	if c.ListenerBufferSize < 44 {
		return fmt.Errorf("%w: listener_buffer_size %d too small", ErrInvalidConfig, c.ListenerBufferSize)
	}
	if c.LivenessCheckIntervalMs <= 0 || c.ConnectRetryIntervalMs <= 0 || c.RebootPollIntervalMs <= 0 {
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	}

	senders := []SocketConfig{c.AudioSender, c.RebootSender}
	listeners := []SocketConfig{c.TimestampListener, c.ClientListener, c.AuthorityListener}

	for _, s := range append(senders, listeners...) {
		if err := s.validate(); err != nil {
			return err
		}
	}
	for _, s := range senders {
		if s.RemotePort < 1 || s.RemotePort > 65535 {
			return fmt.Errorf("%w: %s remote_port %d out of range", ErrInvalidConfig, s.Name, s.RemotePort)
		}
	}
	for _, s := range []SocketConfig{c.ClientListener, c.AuthorityListener} {
		if s.DisconnectionThresholdMs <= 0 {
			return fmt.Errorf("%w: %s disconnection_threshold_ms must be positive", ErrInvalidConfig, s.Name)
		}
	}

	seen := make(map[string]bool)
	for _, sw := range c.SwitchInspector.Switches {
		if sw.ID == "" {
			return fmt.Errorf("%w: switch %s has no id", ErrInvalidConfig, sw.IP)
		}
		if seen[sw.ID] {
			return fmt.Errorf("%w: duplicate switch id %s", ErrInvalidConfig, sw.ID)
		}
		seen[sw.ID] = true
	}

	return nil
}

func (s SocketConfig) validate() error {
	ip := net.ParseIP(s.Group)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("%w: %s group %q is not an IPv4 multicast address", ErrInvalidConfig, s.Name, s.Group)
	}
	if s.LocalPort < 0 || s.LocalPort > 65535 {
		return fmt.Errorf("%w: %s local_port %d out of range", ErrInvalidConfig, s.Name, s.LocalPort)
	}
	if s.TimeoutMs <= 0 {
		return fmt.Errorf("%w: %s timeout_ms must be positive", ErrInvalidConfig, s.Name)
	}
	return nil
}

// LivenessCheckInterval returns LivenessCheckIntervalMs as a duration.
func (c Config) LivenessCheckInterval() time.Duration {
	return time.Duration(c.LivenessCheckIntervalMs) * time.Millisecond
}

// ConnectRetryInterval returns ConnectRetryIntervalMs as a duration.
func (c Config) ConnectRetryInterval() time.Duration {
	return time.Duration(c.ConnectRetryIntervalMs) * time.Millisecond
}

// RebootPollInterval returns RebootPollIntervalMs as a duration.
func (c Config) RebootPollInterval() time.Duration {
	return time.Duration(c.RebootPollIntervalMs) * time.Millisecond
}
