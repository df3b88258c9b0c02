// ABOUTME: Change notification fan-out shared by all registries
// ABOUTME: Subscribers run synchronously on the goroutine that made the change
package registry

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Kind identifies which registry changed.
type Kind int

const (
	ClientsChanged Kind = iota
	ModulesChanged
	AuthorityChanged
	SwitchesChanged
	// WorkersChanged is raised by the engine when a worker changes state
	WorkersChanged
)

func (k Kind) String() string {
	switch k {
	case ClientsChanged:
		return "clients"
	case ModulesChanged:
		return "modules"
	case AuthorityChanged:
		return "authority"
	case SwitchesChanged:
		return "switches"
	case WorkersChanged:
		return "workers"
	default:
		return "unknown"
	}
}

// Event describes one change. Key is the client/module IP or switch id
// when the change concerns a single record.
type Event struct {
	Kind Kind
	Key  string
}

// Notifier delivers events to subscribers. Callbacks are invoked after the
// registry lock is released, on the mutating goroutine, and must not block.
type Notifier struct {
	mu   sync.Mutex
	next uint64
	subs map[uint64]func(Event)
}

// NewNotifier creates a notifier with no subscribers.
func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[uint64]func(Event))}
}

// Subscribe registers fn and returns a function that removes it.
func (n *Notifier) Subscribe(fn func(Event)) (unsubscribe func()) {
	n.mu.Lock()
	id := n.next
	n.next++
	n.subs[id] = fn
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			delete(n.subs, id)
			n.mu.Unlock()
		})
	}
}

// Notify calls every subscriber with e.
func (n *Notifier) Notify(e Event) {
	if n == nil {
		return
	}

	n.mu.Lock()
	fns := make([]func(Event), 0, len(n.subs))
	for _, fn := range n.subs {
		fns = append(fns, fn)
	}
	n.mu.Unlock()

	for _, fn := range fns {
		fn(e)
	}
}

// Options are shared by the announce-driven registries.
type Options struct {
	// Threshold is the liveness window: a record is alive while
	// now - lastAnnounce < Threshold
	Threshold time.Duration
	// CheckInterval is the period of the background sweep
	CheckInterval time.Duration
	Logger        logrus.FieldLogger
	Notifier      *Notifier
	// Now overrides the clock, mainly for tests
	Now func() time.Time
}

func (o Options) withDefaults(component string) Options {
	if o.Threshold <= 0 {
		o.Threshold = time.Second
	}
	if o.CheckInterval <= 0 {
		o.CheckInterval = time.Second
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	o.Logger = o.Logger.WithField("component", component)
	if o.Notifier == nil {
		o.Notifier = NewNotifier()
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// sweeper runs fn every interval once started, until stopped.
type sweeper struct {
	interval time.Duration
	fn       func()

	mu       sync.Mutex
	started  bool
	stopped  bool
	stopChan chan struct{}
	wg       sync.WaitGroup
}

func newSweeper(interval time.Duration, fn func()) *sweeper {
	return &sweeper{interval: interval, fn: fn, stopChan: make(chan struct{})}
}

func (s *sweeper) start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopChan:
				return
			case <-ticker.C:
				s.fn()
			}
		}
	}()
}

func (s *sweeper) stop() {
	s.mu.Lock()
	if !s.stopped {
		s.stopped = true
		close(s.stopChan)
	}
	s.mu.Unlock()
	s.wg.Wait()
}
