// ABOUTME: IPv4 multicast UDP sockets for the engine's senders and listeners
// ABOUTME: Opens in fixed steps: reuse options, bind, join group, loopback off
package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/config"
	"golang.org/x/net/ipv4"
)

// Options describes one socket.
type Options struct {
	Name string
	// Interface is an interface name or one of its IPv4 addresses; empty
	// lets the kernel pick
	Interface string
	Group     net.IP
	LocalPort int
	// RemotePort is the destination port for Send
	RemotePort int
	// Sender binds to the interface address and sets the outgoing
	// multicast interface; listeners bind to the wildcard address
	Sender bool
	// Loopback keeps our own datagrams visible to local listeners
	Loopback bool
	// TTL for outgoing datagrams; zero means 1
	TTL int
}

// SenderOptions builds options for a sending socket from its config.
func SenderOptions(iface string, sc config.SocketConfig) Options {
	return Options{
		Name:       sc.Name,
		Interface:  iface,
		Group:      net.ParseIP(sc.Group),
		LocalPort:  sc.LocalPort,
		RemotePort: sc.RemotePort,
		Sender:     true,
	}
}

// ListenerOptions builds options for a receiving socket from its config.
func ListenerOptions(iface string, sc config.SocketConfig) Options {
	return Options{
		Name:      sc.Name,
		Interface: iface,
		Group:     net.ParseIP(sc.Group),
		LocalPort: sc.LocalPort,
	}
}

// Conn is an open multicast socket.
type Conn struct {
	udp   *net.UDPConn
	pc    *ipv4.PacketConn
	iface *net.Interface
	group *net.UDPAddr
	dest  *net.UDPAddr
}

// Open creates the socket. Each failing step is reported with its name and
// any partially opened socket is closed.
func Open(ctx context.Context, opts Options) (*Conn, error) {
	if opts.Group == nil || opts.Group.To4() == nil || !opts.Group.IsMulticast() {
		return nil, fmt.Errorf("%s: %v is not an IPv4 multicast group", opts.Name, opts.Group)
	}

	iface, ifaceIP, err := ResolveInterface(opts.Interface)
	if err != nil {
		return nil, fmt.Errorf("%s: resolve interface: %w", opts.Name, err)
	}

	bindIP := net.IPv4zero
	if opts.Sender && ifaceIP != nil {
		bindIP = ifaceIP
	}
	bindAddr := net.JoinHostPort(bindIP.String(), strconv.Itoa(opts.LocalPort))

	lc := net.ListenConfig{Control: reuseControl}
	pconn, err := lc.ListenPacket(ctx, "udp4", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("%s: bind %s: %w", opts.Name, bindAddr, err)
	}
	udp := pconn.(*net.UDPConn)

	c := &Conn{
		udp:   udp,
		pc:    ipv4.NewPacketConn(udp),
		iface: iface,
		group: &net.UDPAddr{IP: opts.Group},
		dest:  &net.UDPAddr{IP: opts.Group, Port: opts.RemotePort},
	}

	if err := c.pc.JoinGroup(iface, c.group); err != nil {
		udp.Close()
		return nil, fmt.Errorf("%s: join group %s: %w", opts.Name, opts.Group, err)
	}

	if err := c.pc.SetMulticastLoopback(opts.Loopback); err != nil {
		udp.Close()
		return nil, fmt.Errorf("%s: set multicast loopback: %w", opts.Name, err)
	}

	if opts.Sender {
		if iface != nil {
			if err := c.pc.SetMulticastInterface(iface); err != nil {
				udp.Close()
				return nil, fmt.Errorf("%s: set multicast interface %s: %w", opts.Name, iface.Name, err)
			}
		}
		ttl := opts.TTL
		if ttl <= 0 {
			ttl = 1
		}
		if err := c.pc.SetMulticastTTL(ttl); err != nil {
			udp.Close()
			return nil, fmt.Errorf("%s: set multicast ttl: %w", opts.Name, err)
		}
	}

	return c, nil
}

// Send writes one datagram to the group and remote port.
func (c *Conn) Send(b []byte) (int, error) {
	return c.udp.WriteToUDP(b, c.dest)
}

// ReadFrom reads one datagram, waiting at most timeout. A timeout is
// reported as an error satisfying IsTimeout.
func (c *Conn) ReadFrom(buf []byte, timeout time.Duration) (int, net.IP, error) {
	if err := c.udp.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, nil, err
	}
	n, addr, err := c.udp.ReadFromUDP(buf)
	if err != nil {
		return 0, nil, err
	}
	return n, addr.IP, nil
}

// Interrupt makes a pending ReadFrom return a timeout now.
func (c *Conn) Interrupt() {
	_ = c.udp.SetReadDeadline(time.Now())
}

// LocalAddr returns the bound address.
func (c *Conn) LocalAddr() *net.UDPAddr {
	return c.udp.LocalAddr().(*net.UDPAddr)
}

// Close leaves the group and closes the socket.
func (c *Conn) Close() error {
	_ = c.pc.LeaveGroup(c.iface, c.group)
	return c.udp.Close()
}

// IsTimeout reports whether err is a read deadline expiry.
func IsTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// IsClosed reports whether err comes from a socket that was closed.
func IsClosed(err error) bool {
	return errors.Is(err, net.ErrClosed)
}

// ResolveInterface accepts an interface name or one of its IPv4 addresses.
// An empty spec returns nil values, meaning the system default.
func ResolveInterface(spec string) (*net.Interface, net.IP, error) {
	if spec == "" {
		return nil, nil, nil
	}

	if ip := net.ParseIP(spec); ip != nil {
		ifaces, err := net.Interfaces()
		if err != nil {
			return nil, nil, err
		}
		for i := range ifaces {
			addrs, err := ifaces[i].Addrs()
			if err != nil {
				continue
			}
			for _, a := range addrs {
				if ipn, ok := a.(*net.IPNet); ok && ipn.IP.Equal(ip) {
					return &ifaces[i], ip.To4(), nil
				}
			}
		}
		return nil, nil, fmt.Errorf("no interface has address %s", spec)
	}

	iface, err := net.InterfaceByName(spec)
	if err != nil {
		return nil, nil, err
	}
	addrs, err := iface.Addrs()
	if err != nil {
		return nil, nil, err
	}
	for _, a := range addrs {
		if ipn, ok := a.(*net.IPNet); ok {
			if v4 := ipn.IP.To4(); v4 != nil {
				return iface, v4, nil
			}
		}
	}
	return nil, nil, fmt.Errorf("interface %s has no IPv4 address", spec)
}
