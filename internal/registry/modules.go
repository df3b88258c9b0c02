// ABOUTME: Registry of speaker modules keyed by IP, with operator-assigned ids
// ABOUTME: Exposes one-shot connect/disconnect edges and persists ids as YAML
package registry

import (
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Module is a snapshot of one module record.
type Module struct {
	IP           string
	ID           uint32
	LastAnnounce time.Time
	Connected    bool
}

type moduleInfo struct {
	id           uint32
	lastAnnounce time.Time
	wasConnected bool
}

// ModuleRegistry tracks modules. Records are never evicted so that ids
// survive a module going offline.
type ModuleRegistry struct {
	opts    Options
	log     logrus.FieldLogger
	sweeper *sweeper

	mu      sync.RWMutex
	modules map[string]*moduleInfo
}

// NewModuleRegistry creates an empty registry.
func NewModuleRegistry(opts Options) *ModuleRegistry {
	opts = opts.withDefaults("modules")
	r := &ModuleRegistry{
		opts:    opts,
		log:     opts.Logger,
		modules: make(map[string]*moduleInfo),
	}
	r.sweeper = newSweeper(opts.CheckInterval, r.Sweep)
	return r
}

func (r *ModuleRegistry) alive(m *moduleInfo, now time.Time) bool {
	return !m.lastAnnounce.IsZero() && now.Sub(m.lastAnnounce) < r.opts.Threshold
}

// Handle refreshes the record for ip, creating it if needed, and notifies
// when the module has just (re)connected.
func (r *ModuleRegistry) Handle(ip string) {
	r.sweeper.start()

	r.mu.Lock()
	m, ok := r.modules[ip]
	if !ok {
		m = &moduleInfo{}
		r.modules[ip] = m
	}
	m.lastAnnounce = r.opts.Now()
	connected := r.justConnectedLocked(m)
	id := m.id
	r.mu.Unlock()

	if connected {
		r.log.WithFields(logrus.Fields{"ip": ip, "module_id": id}).Info("Module connected")
		r.opts.Notifier.Notify(Event{Kind: ModulesChanged, Key: ip})
	}
}

// JustConnected reports true once per transition to connected.
func (r *ModuleRegistry) JustConnected(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[ip]
	if !ok {
		return false
	}
	return r.justConnectedLocked(m)
}

// JustDisconnected reports true once per transition to disconnected.
func (r *ModuleRegistry) JustDisconnected(ip string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.modules[ip]
	if !ok {
		return false
	}
	return r.justDisconnectedLocked(m)
}

func (r *ModuleRegistry) justConnectedLocked(m *moduleInfo) bool {
	if r.alive(m, r.opts.Now()) && !m.wasConnected {
		m.wasConnected = true
		return true
	}
	return false
}

func (r *ModuleRegistry) justDisconnectedLocked(m *moduleInfo) bool {
	if !r.alive(m, r.opts.Now()) && m.wasConnected {
		m.wasConnected = false
		return true
	}
	return false
}

// Sweep polls every module for a disconnect edge.
func (r *ModuleRegistry) Sweep() {
	var gone []string
	r.mu.Lock()
	for ip, m := range r.modules {
		if r.justDisconnectedLocked(m) {
			gone = append(gone, ip)
		}
	}
	r.mu.Unlock()

	for _, ip := range gone {
		r.log.WithField("ip", ip).Info("Module disconnected")
		r.opts.Notifier.Notify(Event{Kind: ModulesChanged, Key: ip})
	}
}

// SetModuleID assigns id to the module at ip, creating an offline record
// if the module has not announced yet.
func (r *ModuleRegistry) SetModuleID(ip string, id uint32) {
	r.mu.Lock()
	m, ok := r.modules[ip]
	if !ok {
		m = &moduleInfo{}
		r.modules[ip] = m
	}
	m.id = id
	r.mu.Unlock()

	r.opts.Notifier.Notify(Event{Kind: ModulesChanged, Key: ip})
}

// Count returns the number of known modules, connected or not.
func (r *ModuleRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.modules)
}

// ConnectedCount returns the number of modules currently alive.
func (r *ModuleRegistry) ConnectedCount() int {
	now := r.opts.Now()
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.modules {
		if r.alive(m, now) {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of all records ordered by IP.
func (r *ModuleRegistry) Snapshot() []Module {
	now := r.opts.Now()

	r.mu.RLock()
	out := make([]Module, 0, len(r.modules))
	for ip, m := range r.modules {
		out = append(out, Module{
			IP:           ip,
			ID:           m.id,
			LastAnnounce: m.lastAnnounce,
			Connected:    r.alive(m, now),
		})
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].IP < out[j].IP })
	return out
}

// ToMap renders the registry as ip -> {moduleId, isConnected}.
func (r *ModuleRegistry) ToMap() map[string]any {
	out := make(map[string]any)
	for _, m := range r.Snapshot() {
		out[m.IP] = map[string]any{
			"moduleId":    m.ID,
			"isConnected": m.Connected,
		}
	}
	return out
}

type moduleState struct {
	Modules []moduleEntry `yaml:"modules"`
}

type moduleEntry struct {
	IP string `yaml:"ip"`
	ID uint32 `yaml:"id"`
}

// Save writes the module ids as YAML.
func (r *ModuleRegistry) Save(w io.Writer) error {
	var state moduleState
	for _, m := range r.Snapshot() {
		state.Modules = append(state.Modules, moduleEntry{IP: m.IP, ID: m.ID})
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(state); err != nil {
		return fmt.Errorf("failed to encode module state: %w", err)
	}
	return enc.Close()
}

// Load replaces all records with the ids read from r. Loaded modules start
// disconnected.
func (r *ModuleRegistry) Load(rd io.Reader) error {
	var state moduleState
	if err := yaml.NewDecoder(rd).Decode(&state); err != nil && err != io.EOF {
		return fmt.Errorf("failed to decode module state: %w", err)
	}

	modules := make(map[string]*moduleInfo, len(state.Modules))
	for _, e := range state.Modules {
		if e.IP == "" {
			continue
		}
		modules[e.IP] = &moduleInfo{id: e.ID}
	}

	r.mu.Lock()
	r.modules = modules
	r.mu.Unlock()

	r.log.WithField("count", len(modules)).Info("Loaded module ids")
	r.opts.Notifier.Notify(Event{Kind: ModulesChanged})
	return nil
}

// Close stops the sweep.
func (r *ModuleRegistry) Close() {
	r.sweeper.stop()
}
