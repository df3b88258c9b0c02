// ABOUTME: Registry of playback clients keyed by source IP
// ABOUTME: Refreshed by announces, swept for staleness, and carries the reboot request flag
package registry

import (
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/packet"
	"github.com/sirupsen/logrus"
)

// Client is the latest announce from one playback client.
type Client struct {
	IP string
	packet.ClientAnnounce
	LastAnnounce time.Time
}

// ClientRegistry tracks live clients. Handle and the sweep are the only
// writers; any goroutine may read.
type ClientRegistry struct {
	opts    Options
	log     logrus.FieldLogger
	sweeper *sweeper

	mu      sync.RWMutex
	clients map[string]Client

	reboot atomic.Bool
}

// NewClientRegistry creates an empty registry. The liveness sweep starts
// with the first announce.
func NewClientRegistry(opts Options) *ClientRegistry {
	opts = opts.withDefaults("clients")
	r := &ClientRegistry{
		opts:    opts,
		log:     opts.Logger,
		clients: make(map[string]Client),
	}
	r.sweeper = newSweeper(opts.CheckInterval, r.Sweep)
	return r
}

// Handle records an announce from ip.
func (r *ClientRegistry) Handle(ip string, a packet.ClientAnnounce) {
	r.sweeper.start()

	r.mu.Lock()
	_, known := r.clients[ip]
	r.clients[ip] = Client{IP: ip, ClientAnnounce: a, LastAnnounce: r.opts.Now()}
	r.mu.Unlock()

	if !known {
		r.log.WithFields(logrus.Fields{"ip": ip, "serial": a.Serial, "module_id": a.ModuleID}).Info("Client connected")
	}
	r.opts.Notifier.Notify(Event{Kind: ClientsChanged, Key: ip})
}

// Sweep removes clients whose last announce is older than the threshold.
func (r *ClientRegistry) Sweep() {
	now := r.opts.Now()

	var gone []string
	r.mu.Lock()
	for ip, c := range r.clients {
		if now.Sub(c.LastAnnounce) >= r.opts.Threshold {
			delete(r.clients, ip)
			gone = append(gone, ip)
		}
	}
	r.mu.Unlock()

	for _, ip := range gone {
		r.log.WithField("ip", ip).Info("Client disconnected")
		r.opts.Notifier.Notify(Event{Kind: ClientsChanged, Key: ip})
	}
}

// Count returns the number of live clients.
func (r *ClientRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Get returns the record for ip.
func (r *ClientRegistry) Get(ip string) (Client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[ip]
	return c, ok
}

// Snapshot returns a copy of all records ordered by IP.
func (r *ClientRegistry) Snapshot() []Client {
	r.mu.RLock()
	out := make([]Client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// ToMap renders the registry as ip -> field map.
func (r *ClientRegistry) ToMap() map[string]any {
	out := make(map[string]any)
	for _, c := range r.Snapshot() {
		out[c.IP] = map[string]any{
			"serial":                  c.Serial,
			"ptpLock":                 c.PTPLocked,
			"presentationOffsetNs":    c.PresentationOffsetNs,
			"presentationOffsetFrame": c.PresentationOffsetFrames,
			"audioPTPOffsetNs":        c.AudioPTPOffsetNs,
			"bufferFillPercent":       c.BufferFillPercent,
			"samplingRate":            finite(c.SamplingRate),
			"percentCPU":              finite(c.CPUPercent),
			"moduleId":                c.ModuleID,
		}
	}
	return out
}

// finite maps NaN and infinities to nil, which JSON cannot carry.
func finite(v float32) any {
	if math.IsNaN(float64(v)) || math.IsInf(float64(v), 0) {
		return nil
	}
	return v
}

// SetRebootRequested sets or clears the pending reboot request.
func (r *ClientRegistry) SetRebootRequested(v bool) {
	r.reboot.Store(v)
}

// RebootRequested reports whether a reboot is pending.
func (r *ClientRegistry) RebootRequested() bool {
	return r.reboot.Load()
}

// TakeRebootRequest clears a pending request and reports whether there was one.
func (r *ClientRegistry) TakeRebootRequest() bool {
	return r.reboot.CompareAndSwap(true, false)
}

// Close stops the liveness sweep.
func (r *ClientRegistry) Close() {
	r.sweeper.stop()
}
