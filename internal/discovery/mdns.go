// ABOUTME: mDNS service discovery for Ananas servers
// ABOUTME: Advertises the audio multicast group and browses for servers from tools
package discovery

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/sirupsen/logrus"
)

// ServiceType is the advertised mDNS service
const ServiceType = "_ananas._udp"

// TXT record keys
const (
	txtGroup = "group"
	txtPort  = "port"
	txtID    = "id"
)

// Config holds discovery configuration
type Config struct {
	ServiceName string
	// Port is the audio multicast port
	Port int
	// Group is the audio multicast group
	Group string
	// ServerID is the engine instance id
	ServerID string
	// IPs to advertise; empty selects every up, non-loopback IPv4 address
	IPs    []net.IP
	Logger logrus.FieldLogger
}

// Manager handles mDNS operations
type Manager struct {
	config  Config
	log     logrus.FieldLogger
	ctx     context.Context
	cancel  context.CancelFunc
	servers chan *ServerInfo
}

// ServerInfo describes a discovered server
type ServerInfo struct {
	Name  string
	Host  string
	Port  int
	Group string
	ID    string
}

// NewManager creates a discovery manager
func NewManager(config Config) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	logger := config.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	return &Manager{
		config:  config,
		log:     logger.WithField("component", "discovery"),
		ctx:     ctx,
		cancel:  cancel,
		servers: make(chan *ServerInfo, 10),
	}
}

// TXT returns the TXT records describing the stream.
func (c Config) TXT() []string {
	return []string{
		txtGroup + "=" + c.Group,
		txtPort + "=" + strconv.Itoa(c.Port),
		txtID + "=" + c.ServerID,
	}
}

// Advertise advertises this server via mDNS until Stop.
func (m *Manager) Advertise() error {
	ips := m.config.IPs
	if len(ips) == 0 {
		var err error
		if ips, err = getLocalIPs(); err != nil {
			return fmt.Errorf("failed to get local IPs: %w", err)
		}
	}

	service, err := mdns.NewMDNSService(
		m.config.ServiceName,
		ServiceType,
		"",
		"",
		m.config.Port,
		ips,
		m.config.TXT(),
	)
	if err != nil {
		return fmt.Errorf("failed to create service: %w", err)
	}

	server, err := mdns.NewServer(&mdns.Config{Zone: service})
	if err != nil {
		return fmt.Errorf("failed to create mdns server: %w", err)
	}

	m.log.WithFields(logrus.Fields{
		"name":  m.config.ServiceName,
		"group": m.config.Group,
		"port":  m.config.Port,
	}).Info("Advertising mDNS service")

	go func() {
		<-m.ctx.Done()
		server.Shutdown()
	}()

	return nil
}

// Browse searches for Ananas servers until Stop.
func (m *Manager) Browse() {
	go m.browseLoop()
}

// browseLoop continuously browses for servers
func (m *Manager) browseLoop() {
	for m.ctx.Err() == nil {
		entries := make(chan *mdns.ServiceEntry, 10)
		done := make(chan struct{})

		go func() {
			defer close(done)
			for entry := range entries {
				server := ParseEntry(entry)
				m.log.WithFields(logrus.Fields{
					"name":  server.Name,
					"host":  server.Host,
					"group": server.Group,
				}).Debug("Discovered server")

				select {
				case m.servers <- server:
				case <-m.ctx.Done():
				}
			}
		}()

		params := mdns.DefaultParams(ServiceType)
		params.Entries = entries
		params.Timeout = 3 * time.Second
		params.DisableIPv6 = true
		if err := mdns.Query(params); err != nil {
			m.log.WithError(err).Debug("mDNS query failed")
		}
		close(entries)
		<-done

		select {
		case <-m.ctx.Done():
		case <-time.After(time.Second):
		}
	}
}

// ParseEntry converts an mDNS answer into a ServerInfo.
func ParseEntry(entry *mdns.ServiceEntry) *ServerInfo {
	info := &ServerInfo{
		Name: entry.Name,
		Port: entry.Port,
	}
	if entry.AddrV4 != nil {
		info.Host = entry.AddrV4.String()
	}

	for _, field := range entry.InfoFields {
		key, value, ok := strings.Cut(field, "=")
		if !ok {
			continue
		}
		switch key {
		case txtGroup:
			info.Group = value
		case txtPort:
			if p, err := strconv.Atoi(value); err == nil {
				info.Port = p
			}
		case txtID:
			info.ID = value
		}
	}
	return info
}

// Servers returns the channel of discovered servers
func (m *Manager) Servers() <-chan *ServerInfo {
	return m.servers
}

// Stop stops the discovery manager
func (m *Manager) Stop() {
	m.cancel()
}

// getLocalIPs returns local IP addresses
func getLocalIPs() ([]net.IP, error) {
	var ips []net.IP

	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagUp == 0 || iface.Flags&net.FlagLoopback != 0 {
			continue
		}

		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}

		for _, addr := range addrs {
			if ipnet, ok := addr.(*net.IPNet); ok && !ipnet.IP.IsLoopback() {
				if ipnet.IP.To4() != nil {
					ips = append(ips, ipnet.IP)
				}
			}
		}
	}

	return ips, nil
}
