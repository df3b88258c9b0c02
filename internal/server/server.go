// ABOUTME: Engine composition: handoff buffer, registries and the six multicast workers
// ABOUTME: Exposes the host audio path and the collaborator API used by status surfaces
package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/config"
	"github.com/Resonate-Protocol/ananas-go/internal/fifo"
	"github.com/Resonate-Protocol/ananas-go/internal/listener"
	"github.com/Resonate-Protocol/ananas-go/internal/metrics"
	"github.com/Resonate-Protocol/ananas-go/internal/multicast"
	"github.com/Resonate-Protocol/ananas-go/internal/ptp"
	"github.com/Resonate-Protocol/ananas-go/internal/registry"
	"github.com/Resonate-Protocol/ananas-go/internal/sender"
	"github.com/Resonate-Protocol/ananas-go/internal/switches"
	"github.com/Resonate-Protocol/ananas-go/internal/worker"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ErrBlockTooLarge is returned by Prepare when a host block cannot fit in
// the handoff buffer.
var ErrBlockTooLarge = errors.New("block larger than handoff buffer")

// Server represents the Ananas engine
type Server struct {
	cfg       config.Config
	serverID  string
	log       logrus.FieldLogger
	startTime time.Time

	// Registries share one notifier
	notifier  *registry.Notifier
	clients   *registry.ClientRegistry
	modules   *registry.ModuleRegistry
	authority *registry.AuthorityRegistry
	switches  *registry.SwitchRegistry

	// Host -> audio sender handoff
	fifo  *fifo.Fifo
	clock *ptp.Clock

	audio             *sender.AudioSender
	timestamps        *ptp.Listener
	clientListener    *listener.Clients
	authorityListener *listener.Authority
	reboot            *sender.RebootSender
	inspector         *switches.Inspector

	workers *worker.Group
	metrics *metrics.Metrics

	// State file writer
	saveChan    chan struct{}
	unsubscribe func()

	// Control
	stopChan  chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
	started   bool
	stopErr   error
	wg        sync.WaitGroup
}

// New builds the engine from cfg. Nothing touches the network until Start.
func New(cfg config.Config, logger logrus.FieldLogger) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	s := &Server{
		cfg:       cfg,
		serverID:  uuid.New().String(),
		startTime: time.Now(),
		notifier:  registry.NewNotifier(),
		clock:     &ptp.Clock{},
		workers:   worker.NewGroup(),
		saveChan:  make(chan struct{}, 1),
		stopChan:  make(chan struct{}),
	}
	s.log = logger.WithFields(logrus.Fields{"component": "server", "server_id": s.serverID})

	opts := registry.Options{
		Threshold:     cfg.ClientListener.DisconnectionThreshold(),
		CheckInterval: cfg.LivenessCheckInterval(),
		Logger:        logger,
		Notifier:      s.notifier,
	}
	s.clients = registry.NewClientRegistry(opts)
	s.modules = registry.NewModuleRegistry(opts)
	authorityOpts := opts
	authorityOpts.Threshold = cfg.AuthorityListener.DisconnectionThreshold()
	s.authority = registry.NewAuthorityRegistry(authorityOpts)
	s.switches = registry.NewSwitchRegistry(opts, cfg.SwitchInspector.Switches)

	s.fifo = fifo.New(cfg.NumChannels, cfg.FifoCapacityFrames)

	s.audio = sender.NewAudioSender(sender.AudioConfig{
		Socket:                 multicast.SenderOptions(cfg.Interface, cfg.AudioSender),
		ClientPacketBufferSize: cfg.ClientPacketBufferSize,
		PacketOffsetNs:         cfg.PacketOffsetNs,
		Logger:                 logger,
	}, s.fifo, s.clock)
	s.timestamps = ptp.NewListener(
		multicast.ListenerOptions(cfg.Interface, cfg.TimestampListener),
		cfg.TimestampListener.Timeout(), cfg.ListenerBufferSize, s.clock, logger)
	s.clientListener = listener.NewClients(
		multicast.ListenerOptions(cfg.Interface, cfg.ClientListener),
		cfg.ClientListener.Timeout(), cfg.ListenerBufferSize, s.clients, s.modules, logger)
	s.authorityListener = listener.NewAuthority(
		multicast.ListenerOptions(cfg.Interface, cfg.AuthorityListener),
		cfg.AuthorityListener.Timeout(), cfg.ListenerBufferSize, s.authority, logger)
	s.reboot = sender.NewRebootSender(
		multicast.SenderOptions(cfg.Interface, cfg.RebootSender), s.clients, cfg.RebootPollInterval(), logger)
	s.inspector = switches.NewInspector(cfg.SwitchInspector, s.switches, logger)

	m, err := metrics.New(s)
	if err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	s.metrics = m

	s.addWorker(cfg.AudioSender.Name, s.audio, cfg.AudioSender.TimeoutMs, logger)
	s.addWorker(cfg.TimestampListener.Name, s.timestamps, cfg.TimestampListener.TimeoutMs, logger)
	s.addWorker(cfg.ClientListener.Name, s.clientListener, cfg.ClientListener.TimeoutMs, logger)
	s.addWorker(cfg.AuthorityListener.Name, s.authorityListener, cfg.AuthorityListener.TimeoutMs, logger)
	s.addWorker(cfg.RebootSender.Name, s.reboot, cfg.RebootSender.TimeoutMs, logger)
	s.addWorker(cfg.SwitchInspector.Name, s.inspector, cfg.SwitchInspector.TimeoutMs, logger)

	return s, nil
}

func (s *Server) addWorker(name string, task worker.Task, timeoutMs int, logger logrus.FieldLogger) {
	w := worker.New(task, worker.Config{
		Name:          name,
		RetryInterval: s.cfg.ConnectRetryInterval(),
		Logger:        logger,
		OnStateChange: s.onWorkerState,
	})
	s.workers.Add(w, timeoutMs)
}

func (s *Server) onWorkerState(name string, state worker.State) {
	s.metrics.ObserveWorkerState(name, state)
	s.notifier.Notify(registry.Event{Kind: registry.WorkersChanged, Key: name})
}

// Start loads persisted module ids and starts every worker. Workers keep
// retrying their sockets until ctx is cancelled or Stop is called.
func (s *Server) Start(ctx context.Context) error {
	var err error
	s.startOnce.Do(func() {
		if err = s.loadState(); err != nil {
			return
		}

		if s.cfg.StateFile != "" {
			s.unsubscribe = s.notifier.Subscribe(func(e registry.Event) {
				if e.Kind == registry.ModulesChanged {
					s.requestSave()
				}
			})
			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				s.stateWriter()
			}()
		}

		s.log.WithFields(logrus.Fields{
			"channels":  s.cfg.NumChannels,
			"interface": s.cfg.Interface,
			"audio":     s.cfg.AudioSender.GroupAddr().String(),
		}).Info("Server starting")

		s.workers.StartAll(ctx)
		s.started = true
	})
	return err
}

// Stop stops the workers in reverse order, stops the registry sweeps and
// writes the state file. It is safe to call more than once.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.log.Info("Server shutting down")

		s.stopErr = s.workers.StopAll()

		s.clients.Close()
		s.modules.Close()

		if s.unsubscribe != nil {
			s.unsubscribe()
		}
		close(s.stopChan)
		s.wg.Wait()

		if s.started {
			if err := s.saveState(); err != nil {
				s.log.WithError(err).Error("Failed to save state file")
			}
		}

		if s.stopErr != nil {
			s.log.WithError(s.stopErr).Warn("Workers did not stop cleanly")
		} else {
			s.log.Info("Server stopped cleanly")
		}
	})
	return s.stopErr
}

// Prepare configures the outgoing stream for the host's block size and
// sample rate. Packets always carry the configured frames per packet, so
// one host block is sent as a burst of packets. blockSize only has to fit
// in the handoff buffer; a non-positive value is not checked.
func (s *Server) Prepare(blockSize int, sampleRate float64) error {
	if blockSize > s.fifo.Capacity() {
		return fmt.Errorf("%w: %d frames, capacity %d", ErrBlockTooLarge, blockSize, s.fifo.Capacity())
	}
	return s.audio.Prepare(s.cfg.NumChannels, s.cfg.FramesPerPacket, sampleRate)
}

// Write hands one host block to the audio sender. It never blocks; when
// the sender falls behind the oldest frames are dropped.
func (s *Server) Write(block [][]float32) {
	s.fifo.Write(block)
}

// ID returns the server instance id.
func (s *Server) ID() string {
	return s.serverID
}

// Config returns the configuration the server was built with.
func (s *Server) Config() config.Config {
	return s.cfg
}

// Uptime returns the time since New.
func (s *Server) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// IsConnected is true only when every worker is connected.
func (s *Server) IsConnected() bool {
	return s.workers.IsConnected()
}

// WorkerStates returns each worker's lifecycle state keyed by name.
func (s *Server) WorkerStates() map[string]worker.State {
	return s.workers.States()
}

// PacketTime returns the timestamp of the last audio packet sent.
func (s *Server) PacketTime() int64 {
	return s.audio.PacketTime()
}

// Subscribe registers fn for registry and worker change events.
func (s *Server) Subscribe(fn func(registry.Event)) (unsubscribe func()) {
	return s.notifier.Subscribe(fn)
}

// Clients returns the live playback clients.
func (s *Server) Clients() []registry.Client {
	return s.clients.Snapshot()
}

// Modules returns every known module.
func (s *Server) Modules() []registry.Module {
	return s.modules.Snapshot()
}

// Authority returns the last time authority record, if any.
func (s *Server) Authority() (registry.Authority, bool) {
	return s.authority.Snapshot()
}

// Switches returns the configured switches and their last monitor results.
func (s *Server) Switches() []registry.Switch {
	return s.switches.Snapshot()
}

// RequestReboot asks every client to reboot. The reboot worker sends the
// command at most once per request.
func (s *Server) RequestReboot() {
	s.log.Info("Client reboot requested")
	s.clients.SetRebootRequested(true)
}

// SetModuleID assigns an id to the module at ip.
func (s *Server) SetModuleID(ip string, id uint32) {
	s.modules.SetModuleID(ip, id)
}

// RequestPTPReset schedules a PTP disable/enable cycle on one switch.
func (s *Server) RequestPTPReset(switchID string) error {
	return s.switches.RequestPTPReset(switchID)
}

// AddSwitch registers a switch for inspection.
func (s *Server) AddSwitch(sc config.SwitchConfig) error {
	return s.switches.Add(sc)
}

// RemoveSwitch stops inspecting a switch.
func (s *Server) RemoveSwitch(id string) bool {
	return s.switches.Remove(id)
}

// State returns the generic tree consumed by status views.
func (s *Server) State() map[string]any {
	workers := make(map[string]any)
	for name, st := range s.workers.States() {
		workers[name] = st.String()
	}

	return map[string]any{
		"serverId":   s.serverID,
		"connected":  s.IsConnected(),
		"packetTime": s.audio.PacketTime(),
		"workers":    workers,
		"clients":    s.clients.ToMap(),
		"modules":    s.modules.ToMap(),
		"authority":  s.authority.ToMap(),
		"switches":   s.switches.ToMap(),
	}
}

// Metrics returns the engine's Prometheus collectors.
func (s *Server) Metrics() *metrics.Metrics {
	return s.metrics
}

func (s *Server) requestSave() {
	select {
	case s.saveChan <- struct{}{}:
	default:
	}
}

// stateWriter coalesces module changes into state file writes.
func (s *Server) stateWriter() {
	for {
		select {
		case <-s.stopChan:
			return
		case <-s.saveChan:
			if err := s.saveState(); err != nil {
				s.log.WithError(err).Error("Failed to save state file")
			}
		}
	}
}

func (s *Server) loadState() error {
	if s.cfg.StateFile == "" {
		return nil
	}

	f, err := os.Open(s.cfg.StateFile)
	if errors.Is(err, os.ErrNotExist) {
		s.log.WithField("path", s.cfg.StateFile).Info("No state file yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to open state file: %w", err)
	}
	defer f.Close()

	return s.modules.Load(f)
}

// saveState writes through a temporary file so a crash never leaves a
// truncated state file behind.
func (s *Server) saveState() error {
	if s.cfg.StateFile == "" {
		return nil
	}

	dir := filepath.Dir(s.cfg.StateFile)
	tmp, err := os.CreateTemp(dir, ".ananas-state-*")
	if err != nil {
		return fmt.Errorf("failed to create state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := s.modules.Save(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.cfg.StateFile); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}
