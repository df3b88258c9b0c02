// ABOUTME: Worker task listening for PTP Follow_Up messages on the event group
// ABOUTME: Every decoded timestamp is published to a Clock
package ptp

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/multicast"
	"github.com/sirupsen/logrus"
)

// Listener receives PTP traffic and feeds a Clock.
type Listener struct {
	*multicast.Receiver

	clock    *Clock
	log      logrus.FieldLogger
	received atomic.Uint64
	ignored  atomic.Uint64
}

// NewListener creates a listener task for opts publishing into clock.
func NewListener(opts multicast.Options, timeout time.Duration, bufferSize int, clock *Clock, logger logrus.FieldLogger) *Listener {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	l := &Listener{
		clock: clock,
		log:   logger.WithField("component", "ptp"),
	}
	l.Receiver = multicast.NewReceiver(opts, timeout, bufferSize, l.handle, l.log)
	return l
}

func (l *Listener) handle(src net.IP, payload []byte) {
	ts, ok := ParseFollowUp(payload)
	if !ok {
		l.ignored.Add(1)
		return
	}
	l.received.Add(1)
	l.clock.Publish(ts)
	l.log.WithFields(logrus.Fields{
		"source":  src.String(),
		"seconds": ts.Seconds,
		"nanos":   ts.Nanoseconds,
	}).Debug("Follow_Up")
}

// Received returns the number of Follow_Up messages decoded.
func (l *Listener) Received() uint64 { return l.received.Load() }

// Ignored returns the number of other datagrams seen on the socket.
func (l *Listener) Ignored() uint64 { return l.ignored.Load() }
