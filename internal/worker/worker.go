// ABOUTME: Connect/retry lifecycle shared by every engine goroutine
// ABOUTME: A Worker drives one Task through Connecting, Running and Stopped
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrStopTimeout is returned by Stop when the goroutine did not exit in time.
var ErrStopTimeout = errors.New("worker stop timed out")

// DefaultRetryInterval is the back-off between failed connect attempts.
const DefaultRetryInterval = 2500 * time.Millisecond

// State is the lifecycle state of a Worker.
type State int32

const (
	Connecting State = iota
	Running
	Stopped
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Running:
		return "running"
	case Stopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Task is the unit of work a Worker supervises.
//
// Connect acquires resources (typically a socket). Run does the steady-state
// work until ctx is cancelled; returning an error makes the worker release
// resources and reconnect. Close releases whatever Connect acquired and must
// tolerate being called after a failed or partial Connect.
type Task interface {
	Connect(ctx context.Context) error
	Run(ctx context.Context) error
	Close() error
}

// Config configures a Worker.
type Config struct {
	Name          string
	RetryInterval time.Duration
	Logger        logrus.FieldLogger
	// OnStateChange is called on the worker goroutine; it must not block.
	OnStateChange func(name string, state State)
}

// Worker runs a Task on its own goroutine.
type Worker struct {
	name          string
	task          Task
	retryInterval time.Duration
	log           logrus.FieldLogger
	onStateChange func(string, State)

	state     atomic.Int32
	connected atomic.Bool

	startOnce sync.Once
	cancelMu  sync.Mutex
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a stopped worker for task.
func New(task Task, cfg Config) *Worker {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}

	w := &Worker{
		name:          cfg.Name,
		task:          task,
		retryInterval: cfg.RetryInterval,
		log:           cfg.Logger.WithField("worker", cfg.Name),
		onStateChange: cfg.OnStateChange,
		done:          make(chan struct{}),
	}
	w.state.Store(int32(Stopped))
	return w
}

// Name returns the configured worker name.
func (w *Worker) Name() string { return w.name }

// State returns the current lifecycle state.
func (w *Worker) State() State { return State(w.state.Load()) }

// IsConnected reports whether Connect succeeded and Run has not returned.
func (w *Worker) IsConnected() bool { return w.connected.Load() }

// Done is closed when the worker goroutine has exited.
func (w *Worker) Done() <-chan struct{} { return w.done }

// Start launches the worker goroutine. Subsequent calls do nothing.
func (w *Worker) Start(ctx context.Context) {
	w.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		w.cancelMu.Lock()
		w.cancel = cancel
		w.cancelMu.Unlock()

		w.setState(Connecting)
		go w.loop(ctx)
	})
}

// Stop cancels the worker and waits up to timeout for it to exit.
func (w *Worker) Stop(timeout time.Duration) error {
	w.cancelMu.Lock()
	cancel := w.cancel
	w.cancelMu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-w.done:
		return nil
	case <-timer.C:
		w.log.WithField("timeout", timeout).Error("Worker did not stop in time")
		return fmt.Errorf("%s: %w", w.name, ErrStopTimeout)
	}
}

func (w *Worker) loop(ctx context.Context) {
	defer close(w.done)
	defer func() {
		w.connected.Store(false)
		if err := w.task.Close(); err != nil {
			w.log.WithError(err).Debug("Close failed")
		}
		w.setState(Stopped)
	}()
	defer func() {
		if r := recover(); r != nil {
			w.log.WithField("panic", r).Error("Worker panicked, stopping")
		}
	}()

	for {
		w.setState(Connecting)

		if err := w.task.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			w.log.WithError(err).WithField("retry_in", w.retryInterval).Warn("Connect failed")
			if err := w.task.Close(); err != nil {
				w.log.WithError(err).Debug("Close after failed connect")
			}
			if !w.wait(ctx) {
				return
			}
			continue
		}

		w.log.Info("Connected")
		w.connected.Store(true)
		w.setState(Running)

		err := w.task.Run(ctx)
		w.connected.Store(false)

		if ctx.Err() != nil {
			return
		}
		if err == nil {
			w.log.Info("Task finished")
			return
		}

		w.log.WithError(err).Error("Run failed, reconnecting")
		if err := w.task.Close(); err != nil {
			w.log.WithError(err).Debug("Close after run failure")
		}
		if !w.wait(ctx) {
			return
		}
	}
}

// wait sleeps for the retry interval and reports false if ctx ended first.
func (w *Worker) wait(ctx context.Context) bool {
	timer := time.NewTimer(w.retryInterval)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (w *Worker) setState(s State) {
	if State(w.state.Swap(int32(s))) == s {
		return
	}
	if w.onStateChange != nil {
		w.onStateChange(w.name, s)
	}
}

func msDuration(ms int) time.Duration {
	if ms <= 0 {
		return DefaultRetryInterval
	}
	return time.Duration(ms) * time.Millisecond
}
