// ABOUTME: Task building blocks that own one multicast socket across reconnects
// ABOUTME: Receiver adds a deadline-driven read loop that hands datagrams to a handler
package multicast

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var errNotConnected = errors.New("socket not connected")

// Endpoint implements the Connect and Close halves of a worker task.
type Endpoint struct {
	opts Options

	mu   sync.Mutex
	conn *Conn
}

// NewEndpoint creates an unconnected endpoint.
func NewEndpoint(opts Options) *Endpoint {
	return &Endpoint{opts: opts}
}

// Options returns the socket options.
func (e *Endpoint) Options() Options { return e.opts }

// Connect opens the socket, replacing any previous one.
func (e *Endpoint) Connect(ctx context.Context) error {
	conn, err := Open(ctx, e.opts)
	if err != nil {
		return err
	}

	e.mu.Lock()
	old := e.conn
	e.conn = conn
	e.mu.Unlock()

	if old != nil {
		old.Close()
	}
	return nil
}

// Close closes the socket if open. It is safe to call repeatedly.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	conn := e.conn
	e.conn = nil
	e.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// Conn returns the open socket or nil.
func (e *Endpoint) Conn() *Conn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conn
}

// Send writes to the group on the current socket.
func (e *Endpoint) Send(b []byte) (int, error) {
	conn := e.Conn()
	if conn == nil {
		return 0, errNotConnected
	}
	return conn.Send(b)
}

// Handler receives one datagram. payload is only valid during the call.
type Handler func(src net.IP, payload []byte)

// Receiver is a worker task that reads datagrams and passes them to a handler.
type Receiver struct {
	*Endpoint

	handler    Handler
	timeout    time.Duration
	bufferSize int
	log        logrus.FieldLogger
}

// NewReceiver creates a receive task. timeout bounds each read so
// cancellation is observed promptly.
func NewReceiver(opts Options, timeout time.Duration, bufferSize int, handler Handler, logger logrus.FieldLogger) *Receiver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if bufferSize <= 0 {
		bufferSize = 1500
	}
	return &Receiver{
		Endpoint:   NewEndpoint(opts),
		handler:    handler,
		timeout:    timeout,
		bufferSize: bufferSize,
		log:        logger,
	}
}

// Run reads until ctx is cancelled. Read errors other than timeouts are
// logged and the loop continues; a closed socket ends Run with an error.
func (r *Receiver) Run(ctx context.Context) error {
	conn := r.Conn()
	if conn == nil {
		return errNotConnected
	}

	stop := context.AfterFunc(ctx, conn.Interrupt)
	defer stop()

	buf := make([]byte, r.bufferSize)
	for {
		if ctx.Err() != nil {
			return nil
		}

		n, src, err := conn.ReadFrom(buf, r.timeout)
		if err != nil {
			switch {
			case IsTimeout(err):
				continue
			case IsClosed(err):
				if ctx.Err() != nil {
					return nil
				}
				return err
			default:
				r.log.WithError(err).Error("Receive failed")
				continue
			}
		}

		r.handler(src, buf[:n])
	}
}
