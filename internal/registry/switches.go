// ABOUTME: Operator-configured network switches and their latest PTP monitor results
// ABOUTME: Holds pending PTP reset requests consumed by the switch inspector
package registry

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/config"
)

var (
	// ErrUnknownSwitch is returned for an id that is not registered.
	ErrUnknownSwitch = errors.New("unknown switch")
	// ErrDuplicateSwitch is returned when adding an id twice.
	ErrDuplicateSwitch = errors.New("duplicate switch")
)

// Switch is a snapshot of one switch.
type Switch struct {
	config.SwitchConfig

	FreqDriftPPB float64
	OffsetNs     float64
	HasMonitor   bool
	LastResponse map[string]any
	LastError    string
	LastPolled   time.Time
	ResetPending bool
}

// SwitchRegistry holds the configured switches in insertion order.
type SwitchRegistry struct {
	opts Options

	mu       sync.RWMutex
	order    []string
	switches map[string]*Switch
}

// NewSwitchRegistry creates a registry from the configured switches.
func NewSwitchRegistry(opts Options, initial []config.SwitchConfig) *SwitchRegistry {
	r := &SwitchRegistry{
		opts:     opts.withDefaults("switches"),
		switches: make(map[string]*Switch),
	}
	for _, sc := range initial {
		if err := r.add(sc); err != nil {
			r.opts.Logger.WithError(err).Warn("Skipping switch")
		}
	}
	return r
}

func (r *SwitchRegistry) add(sc config.SwitchConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.switches[sc.ID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSwitch, sc.ID)
	}
	r.switches[sc.ID] = &Switch{SwitchConfig: sc}
	r.order = append(r.order, sc.ID)
	return nil
}

// Add registers a switch.
func (r *SwitchRegistry) Add(sc config.SwitchConfig) error {
	if err := r.add(sc); err != nil {
		return err
	}
	r.opts.Notifier.Notify(Event{Kind: SwitchesChanged, Key: sc.ID})
	return nil
}

// Remove deletes a switch and reports whether it existed.
func (r *SwitchRegistry) Remove(id string) bool {
	r.mu.Lock()
	_, ok := r.switches[id]
	if ok {
		delete(r.switches, id)
		for i, v := range r.order {
			if v == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if ok {
		r.opts.Notifier.Notify(Event{Kind: SwitchesChanged, Key: id})
	}
	return ok
}

// RequestPTPReset marks a switch for a PTP disable/enable cycle on the
// next inspection.
func (r *SwitchRegistry) RequestPTPReset(id string) error {
	r.mu.Lock()
	s, ok := r.switches[id]
	if ok {
		s.ResetPending = true
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownSwitch, id)
	}
	r.opts.Logger.WithField("switch", id).Info("PTP reset requested")
	r.opts.Notifier.Notify(Event{Kind: SwitchesChanged, Key: id})
	return nil
}

// TakePTPReset clears a pending reset and reports whether there was one.
func (r *SwitchRegistry) TakePTPReset(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.switches[id]
	if !ok || !s.ResetPending {
		return false
	}
	s.ResetPending = false
	return true
}

// RecordResponse stores the outcome of a request to switch id. A monitor
// response updates the drift and offset when it carries them.
func (r *SwitchRegistry) RecordResponse(id string, resp map[string]any, err error) {
	r.mu.Lock()
	s, ok := r.switches[id]
	if ok {
		s.LastPolled = r.opts.Now()
		if err != nil {
			s.LastError = err.Error()
		} else {
			s.LastError = ""
			s.LastResponse = resp
			drift, okDrift := number(resp["freq-drift"])
			offset, okOffset := number(resp["offset"])
			if okDrift || okOffset {
				s.FreqDriftPPB = drift
				s.OffsetNs = offset
				s.HasMonitor = true
			}
		}
	}
	r.mu.Unlock()

	if ok {
		r.opts.Notifier.Notify(Event{Kind: SwitchesChanged, Key: id})
	}
}

// number accepts JSON numbers and numeric strings, which the switch REST
// API uses interchangeably.
func number(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// Get returns a copy of one switch.
func (r *SwitchRegistry) Get(id string) (Switch, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.switches[id]
	if !ok {
		return Switch{}, false
	}
	return *s, true
}

// Snapshot returns copies in insertion order.
func (r *SwitchRegistry) Snapshot() []Switch {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Switch, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, *r.switches[id])
	}
	return out
}

// IDs returns the switch ids sorted.
func (r *SwitchRegistry) IDs() []string {
	r.mu.RLock()
	ids := append([]string(nil), r.order...)
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// ToMap renders id -> fields. Passwords are never included.
func (r *SwitchRegistry) ToMap() map[string]any {
	out := make(map[string]any)
	for _, s := range r.Snapshot() {
		m := map[string]any{
			"ip":           s.IP,
			"username":     s.Username,
			"resetPending": s.ResetPending,
		}
		if s.HasMonitor {
			m["freqDriftPPB"] = s.FreqDriftPPB
			m["offsetNs"] = s.OffsetNs
		}
		if s.LastError != "" {
			m["error"] = s.LastError
		}
		out[s.ID] = m
	}
	return out
}
