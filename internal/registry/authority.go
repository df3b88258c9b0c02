// ABOUTME: Single-slot record of the most recent time authority announce
// ABOUTME: Overwritten wholesale on every announce; liveness uses its own threshold
package registry

import (
	"sync"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/packet"
)

// Authority is the latest announce from the time authority.
type Authority struct {
	IP string
	packet.AuthorityAnnounce
	LastAnnounce time.Time
}

// AuthorityRegistry holds the latest Authority.
type AuthorityRegistry struct {
	opts Options

	mu    sync.RWMutex
	rec   Authority
	valid bool
}

// NewAuthorityRegistry creates an empty registry.
func NewAuthorityRegistry(opts Options) *AuthorityRegistry {
	return &AuthorityRegistry{opts: opts.withDefaults("authority")}
}

// Handle replaces the record with an announce from ip.
func (r *AuthorityRegistry) Handle(ip string, a packet.AuthorityAnnounce) {
	r.mu.Lock()
	changedSource := !r.valid || r.rec.IP != ip
	r.rec = Authority{IP: ip, AuthorityAnnounce: a, LastAnnounce: r.opts.Now()}
	r.valid = true
	r.mu.Unlock()

	if changedSource {
		r.opts.Logger.WithField("ip", ip).Info("Time authority seen")
	}
	r.opts.Notifier.Notify(Event{Kind: AuthorityChanged, Key: ip})
}

// Snapshot returns the record and whether any announce has been received.
func (r *AuthorityRegistry) Snapshot() (Authority, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.rec, r.valid
}

// IsConnected reports whether the last announce is within the threshold.
func (r *AuthorityRegistry) IsConnected() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.valid && r.opts.Now().Sub(r.rec.LastAnnounce) < r.opts.Threshold
}

// ToMap renders the record; empty before the first announce.
func (r *AuthorityRegistry) ToMap() map[string]any {
	a, ok := r.Snapshot()
	if !ok {
		return map[string]any{}
	}
	return map[string]any{
		"ip":                   a.IP,
		"serial":               a.Serial,
		"feedbackAccumulator":  a.USBFeedbackAccumulator,
		"numClients":           a.NumClients,
		"avgBufferFillPercent": a.AvgBufferFillPercent,
		"numUnderruns":         a.NumUnderruns,
		"numOverflows":         a.NumOverflows,
		"isConnected":          r.IsConnected(),
	}
}
