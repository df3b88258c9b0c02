// ABOUTME: Worker tasks that decode client and authority announces into the registries
// ABOUTME: Malformed datagrams are counted and dropped at debug level
package listener

import (
	"net"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/multicast"
	"github.com/Resonate-Protocol/ananas-go/internal/packet"
	"github.com/Resonate-Protocol/ananas-go/internal/registry"
	"github.com/sirupsen/logrus"
)

// Stats counts datagrams seen by a listener.
type Stats struct {
	accepted  atomic.Uint64
	malformed atomic.Uint64
}

// Accepted returns the number of decoded announces.
func (s *Stats) Accepted() uint64 { return s.accepted.Load() }

// Malformed returns the number of dropped datagrams.
func (s *Stats) Malformed() uint64 { return s.malformed.Load() }

// Clients listens for client announces. Each announce refreshes both the
// client and the module registry under the sender's IP.
type Clients struct {
	*multicast.Receiver
	Stats

	clients *registry.ClientRegistry
	modules *registry.ModuleRegistry
	log     logrus.FieldLogger
}

// NewClients creates the client announce listener task.
func NewClients(opts multicast.Options, timeout time.Duration, bufferSize int,
	clients *registry.ClientRegistry, modules *registry.ModuleRegistry, logger logrus.FieldLogger) *Clients {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	l := &Clients{
		clients: clients,
		modules: modules,
		log:     logger.WithField("component", "client-listener"),
	}
	l.Receiver = multicast.NewReceiver(opts, timeout, bufferSize, l.handle, l.log)
	return l
}

func (l *Clients) handle(src net.IP, payload []byte) {
	a, err := packet.DecodeClientAnnounce(payload)
	if err != nil {
		l.malformed.Add(1)
		l.log.WithError(err).WithField("source", src.String()).Debug("Dropping client datagram")
		return
	}
	l.accepted.Add(1)

	ip := src.String()
	l.clients.Handle(ip, a)
	l.modules.Handle(ip)
}

// Authority listens for time authority announces.
type Authority struct {
	*multicast.Receiver
	Stats

	authority *registry.AuthorityRegistry
	log       logrus.FieldLogger
}

// NewAuthority creates the authority announce listener task.
func NewAuthority(opts multicast.Options, timeout time.Duration, bufferSize int,
	authority *registry.AuthorityRegistry, logger logrus.FieldLogger) *Authority {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	l := &Authority{
		authority: authority,
		log:       logger.WithField("component", "authority-listener"),
	}
	l.Receiver = multicast.NewReceiver(opts, timeout, bufferSize, l.handle, l.log)
	return l
}

func (l *Authority) handle(src net.IP, payload []byte) {
	a, err := packet.DecodeAuthorityAnnounce(payload)
	if err != nil {
		l.malformed.Add(1)
		l.log.WithError(err).WithField("source", src.String()).Debug("Dropping authority datagram")
		return
	}
	l.accepted.Add(1)
	l.authority.Handle(src.String(), a)
}
