// ABOUTME: Worker task that multicasts a reboot command when one is requested
// ABOUTME: The command is an empty datagram; delivery is at most once with no acknowledgement
package sender

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/multicast"
	"github.com/sirupsen/logrus"
)

// RebootSource yields pending reboot requests; TakeRebootRequest clears it.
type RebootSource interface {
	TakeRebootRequest() bool
}

// RebootSender polls a RebootSource and sends the reboot command.
type RebootSender struct {
	*multicast.Endpoint

	source   RebootSource
	interval time.Duration
	log      logrus.FieldLogger
	sent     atomic.Uint64
}

// NewRebootSender creates the task, polling source every interval.
func NewRebootSender(opts multicast.Options, source RebootSource, interval time.Duration, logger logrus.FieldLogger) *RebootSender {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &RebootSender{
		Endpoint: multicast.NewEndpoint(opts),
		source:   source,
		interval: interval,
		log:      logger.WithField("component", "reboot-sender"),
	}
}

// Sent returns the number of reboot commands sent.
func (r *RebootSender) Sent() uint64 { return r.sent.Load() }

// Run polls until ctx is cancelled.
func (r *RebootSender) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.poll(r.Endpoint)
		}
	}
}

func (r *RebootSender) poll(w PacketWriter) {
	if !r.source.TakeRebootRequest() {
		return
	}
	if _, err := w.Send(nil); err != nil {
		r.log.WithError(err).Error("Failed to send reboot command")
		return
	}
	r.sent.Add(1)
	r.log.Info("Reboot command sent")
}
