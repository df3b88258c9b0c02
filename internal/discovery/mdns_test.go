// ABOUTME: Tests for mDNS discovery
// ABOUTME: Tests TXT record layout and parsing of browse answers
package discovery

import (
	"net"
	"testing"

	"github.com/hashicorp/mdns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewManager(t *testing.T) {
	mgr := NewManager(Config{ServiceName: "Studio", Port: 14841})
	require.NotNil(t, mgr)
	mgr.Stop()
}

func TestTXT(t *testing.T) {
	cfg := Config{Group: "224.4.224.4", Port: 14841, ServerID: "abc"}
	assert.Equal(t, []string{"group=224.4.224.4", "port=14841", "id=abc"}, cfg.TXT())
}

func TestParseEntry(t *testing.T) {
	entry := &mdns.ServiceEntry{
		Name:       "Studio._ananas._udp.local.",
		AddrV4:     net.ParseIP("192.168.1.20"),
		Port:       9,
		InfoFields: []string{"group=224.4.224.4", "port=14841", "id=abc", "junk"},
	}

	info := ParseEntry(entry)
	assert.Equal(t, "192.168.1.20", info.Host)
	assert.Equal(t, "224.4.224.4", info.Group)
	assert.Equal(t, 14841, info.Port)
	assert.Equal(t, "abc", info.ID)
}

func TestParseEntryWithoutTXT(t *testing.T) {
	info := ParseEntry(&mdns.ServiceEntry{Name: "x", Port: 7})
	assert.Equal(t, 7, info.Port)
	assert.Empty(t, info.Host)
	assert.Empty(t, info.Group)
}

func TestServiceRecord(t *testing.T) {
	cfg := Config{ServiceName: "Studio", Group: "224.4.224.4", Port: 14841, ServerID: "abc"}
	svc, err := mdns.NewMDNSService(cfg.ServiceName, ServiceType, "local.", "studio.local.",
		cfg.Port, []net.IP{net.ParseIP("192.168.1.20")}, cfg.TXT())
	require.NoError(t, err)
	assert.Equal(t, ServiceType, svc.Service)
	assert.Equal(t, cfg.TXT(), svc.TXT)
}
