// ABOUTME: Fake client and authority announcers for exercising a server without hardware
// ABOUTME: Periodically multicasts announce datagrams with an advancing serial
package probe

import (
	"context"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/packet"
	"github.com/sirupsen/logrus"
)

// Writer sends one datagram.
type Writer interface {
	Send(b []byte) (int, error)
}

// FakeClient produces client announces.
type FakeClient struct {
	announce packet.ClientAnnounce
}

// NewFakeClient creates a locked, half-full client for module moduleID.
func NewFakeClient(moduleID uint16, sampleRate float32) *FakeClient {
	return &FakeClient{announce: packet.ClientAnnounce{
		SamplingRate:      sampleRate,
		CPUPercent:        5,
		BufferFillPercent: 50,
		PTPLocked:         true,
		ModuleID:          moduleID,
	}}
}

// Next returns the next announce payload.
func (c *FakeClient) Next() ([]byte, error) {
	c.announce.Serial++
	return c.announce.MarshalBinary()
}

// FakeAuthority produces time authority announces.
type FakeAuthority struct {
	announce packet.AuthorityAnnounce
}

// NewFakeAuthority creates an authority reporting numClients clients.
func NewFakeAuthority(numClients int32) *FakeAuthority {
	return &FakeAuthority{announce: packet.AuthorityAnnounce{
		NumClients:           numClients,
		AvgBufferFillPercent: 50,
	}}
}

// Next returns the next announce payload.
func (a *FakeAuthority) Next() ([]byte, error) {
	a.announce.Serial++
	return a.announce.MarshalBinary()
}

// Announce sends next() to w every interval until ctx is cancelled.
// Send errors are logged and do not stop the loop.
func Announce(ctx context.Context, w Writer, interval time.Duration, next func() ([]byte, error), logger logrus.FieldLogger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		b, err := next()
		if err != nil {
			return err
		}
		if _, err := w.Send(b); err != nil {
			logger.WithError(err).Warn("Announce send failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
