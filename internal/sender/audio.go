// ABOUTME: Worker task that drains the FIFO into timestamped multicast audio packets
// ABOUTME: Applies fresh PTP time once per packet and paces bursts with a short sleep
package sender

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/fifo"
	"github.com/Resonate-Protocol/ananas-go/internal/multicast"
	"github.com/Resonate-Protocol/ananas-go/internal/packet"
	"github.com/Resonate-Protocol/ananas-go/internal/ptp"
	"github.com/sirupsen/logrus"
)

// PacketWriter sends one datagram.
type PacketWriter interface {
	Send(b []byte) (int, error)
}

// AudioConfig configures an AudioSender.
type AudioConfig struct {
	Socket                 multicast.Options
	ClientPacketBufferSize int
	PacketOffsetNs         int64
	Logger                 logrus.FieldLogger
}

// AudioSender is the audio worker task.
type AudioSender struct {
	*multicast.Endpoint

	fifo  *fifo.Fifo
	clock *ptp.Clock
	log   logrus.FieldLogger

	mu        sync.Mutex
	pkt       *packet.AudioPacket
	block     [][]float32
	ready     chan struct{}
	readyOnce sync.Once

	timestamp  atomic.Int64
	sent       atomic.Uint64
	sendErrors atomic.Uint64
	snaps      atomic.Uint64
}

// NewAudioSender creates the task. It reads from f and takes time from clock.
func NewAudioSender(cfg AudioConfig, f *fifo.Fifo, clock *ptp.Clock) *AudioSender {
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AudioSender{
		Endpoint: multicast.NewEndpoint(cfg.Socket),
		fifo:     f,
		clock:    clock,
		log:      logger.WithField("component", "audio-sender"),
		pkt:      packet.NewAudioPacket(cfg.ClientPacketBufferSize, cfg.PacketOffsetNs),
		ready:    make(chan struct{}),
	}
}

// Prepare sizes the packet for the stream format. It may be called again
// while running; the stream timestamp carries over.
func (s *AudioSender) Prepare(numChannels, framesPerPacket int, sampleRate float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.pkt.Prepare(numChannels, framesPerPacket, sampleRate); err != nil {
		return err
	}

	s.block = make([][]float32, numChannels)
	for ch := range s.block {
		s.block[ch] = make([]float32, framesPerPacket)
	}

	s.log.WithFields(logrus.Fields{
		"channels":      numChannels,
		"frames":        framesPerPacket,
		"sample_rate":   sampleRate,
		"ns_per_packet": s.pkt.NsPerPacket(),
		"sleep":         s.pkt.SleepInterval(),
	}).Info("Prepared audio packet")

	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

// PacketFormat returns the prepared frames per packet and packet interval.
func (s *AudioSender) PacketFormat() (frames int, nsPerPacket int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pkt.NumFrames(), s.pkt.NsPerPacket()
}

// PacketTime returns the timestamp of the last packet sent.
func (s *AudioSender) PacketTime() int64 { return s.timestamp.Load() }

// Sent returns the number of packets sent.
func (s *AudioSender) Sent() uint64 { return s.sent.Load() }

// SendErrors returns the number of failed sends.
func (s *AudioSender) SendErrors() uint64 { return s.sendErrors.Load() }

// Snaps returns the number of timestamp snaps to PTP time.
func (s *AudioSender) Snaps() uint64 { return s.snaps.Load() }

// Run sends packets until ctx is cancelled. Cancellation aborts a pending
// FIFO read so the loop exits promptly.
func (s *AudioSender) Run(ctx context.Context) error {
	return s.run(ctx, s.Endpoint)
}

func (s *AudioSender) run(ctx context.Context, w PacketWriter) error {
	select {
	case <-ctx.Done():
		return nil
	case <-s.ready:
	}

	s.fifo.Reset()
	stop := context.AfterFunc(ctx, s.fifo.AbortRead)
	defer stop()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	var lastSeq uint64
	for {
		if !s.step(w, &lastSeq) {
			return nil
		}

		timer.Reset(s.sleepInterval())
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}
	}
}

func (s *AudioSender) sleepInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pkt.SleepInterval()
}

// step sends one packet. It returns false when the FIFO read was aborted.
func (s *AudioSender) step(w PacketWriter, lastSeq *uint64) bool {
	ts, seq, changed := s.clock.Latest(*lastSeq)

	s.mu.Lock()
	if changed {
		*lastSeq = seq
		if !ts.IsZero() && s.pkt.SetTime(ts.UnixNano()) {
			s.snaps.Add(1)
			s.log.WithFields(logrus.Fields{
				"ptp_seconds": ts.Seconds,
				"ptp_nanos":   ts.Nanoseconds,
				"timestamp":   s.pkt.Time(),
			}).Warn("Packet timestamp snapped to PTP time")
		}
	}
	block := s.block
	s.mu.Unlock()

	if s.fifo.Read(block) == 0 {
		return false
	}

	s.mu.Lock()
	s.pkt.PutSamples(block)
	s.pkt.WriteHeader()
	s.timestamp.Store(s.pkt.Time())
	_, err := w.Send(s.pkt.Bytes())
	s.mu.Unlock()

	if err != nil {
		s.sendErrors.Add(1)
		s.log.WithError(err).Error("Failed to send audio packet")
		return true
	}
	s.sent.Add(1)
	return true
}
