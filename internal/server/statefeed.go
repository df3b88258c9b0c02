// ABOUTME: Websocket state feed and health endpoint for remote status views
// ABOUTME: Pushes the engine state tree on every change and accepts operator commands
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/registry"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// Feed message types
const (
	MsgState     = "server/state"
	MsgError     = "server/error"
	MsgReboot    = "clients/reboot"
	MsgPTPReset  = "switch/ptp-reset"
	MsgSetModule = "module/set-id"
)

const (
	feedQueueSize = 16
	pingInterval  = 30 * time.Second
	writeDeadline = 10 * time.Second
)

// Message is the envelope for every feed message.
type Message struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ptpResetRequest struct {
	ID string `json:"id"`
}

type setModuleRequest struct {
	IP string `json:"ip"`
	ID uint32 `json:"id"`
}

type feedClient struct {
	conn     *websocket.Conn
	addr     string
	sendChan chan []byte
}

// StateFeed serves /state and /health for one Server.
type StateFeed struct {
	server   *Server
	log      logrus.FieldLogger
	upgrader websocket.Upgrader
	limiter  *rate.Limiter

	clientsMu sync.Mutex
	clients   map[*feedClient]struct{}
	closed    bool

	changed chan struct{}
	wg      sync.WaitGroup
}

// NewStateFeed creates a feed. Broadcasts are limited to ten per second;
// changes in between are coalesced into the next one.
func NewStateFeed(s *Server, logger logrus.FieldLogger) *StateFeed {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	log := logger.WithField("component", "state-feed")
	return &StateFeed{
		server: s,
		log:    log,
		upgrader: websocket.Upgrader{
			// Status views run on the local network
			CheckOrigin: func(r *http.Request) bool {
				if origin := r.Header.Get("Origin"); origin != "" {
					log.WithField("origin", origin).Debug("Accepting websocket origin")
				}
				return true
			},
		},
		limiter: rate.NewLimiter(rate.Limit(10), 1),
		clients: make(map[*feedClient]struct{}),
		changed: make(chan struct{}, 1),
	}
}

// Handler returns the HTTP routes of the feed.
func (f *StateFeed) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/state", f.handleWebSocket)
	mux.HandleFunc("/health", f.handleHealth)
	return mux
}

// Serve runs the feed on addr until ctx is cancelled.
func (f *StateFeed) Serve(ctx context.Context, addr string) error {
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           f.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		f.log.WithField("addr", addr).Info("State feed listening")
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	runErr := make(chan error, 1)
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { runErr <- f.Run(runCtx) }()

	var serveErr error
	select {
	case <-ctx.Done():
	case err, ok := <-errChan:
		if ok {
			serveErr = fmt.Errorf("state feed failed: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		f.log.WithError(err).Warn("State feed shutdown error")
	}

	cancel()
	<-runErr
	return serveErr
}

// Run broadcasts state changes to connected clients until ctx is cancelled.
func (f *StateFeed) Run(ctx context.Context) error {
	unsubscribe := f.server.Subscribe(func(registry.Event) { f.markChanged() })
	defer unsubscribe()

	defer f.closeClients()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-f.changed:
		}

		if err := f.limiter.Wait(ctx); err != nil {
			return nil
		}
		f.broadcast()
	}
}

func (f *StateFeed) markChanged() {
	select {
	case f.changed <- struct{}{}:
	default:
	}
}

func (f *StateFeed) stateMessage() ([]byte, error) {
	payload, err := json.Marshal(f.server.State())
	if err != nil {
		return nil, err
	}
	return json.Marshal(Message{Type: MsgState, Payload: payload})
}

func (f *StateFeed) broadcast() {
	data, err := f.stateMessage()
	if err != nil {
		f.log.WithError(err).Error("Failed to encode state")
		return
	}

	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	for c := range f.clients {
		f.enqueue(c, data)
	}
}

// enqueue never blocks; a slow client misses updates rather than stalling the feed.
func (f *StateFeed) enqueue(c *feedClient, data []byte) {
	select {
	case c.sendChan <- data:
	default:
		f.log.WithField("client", c.addr).Debug("Client send buffer full")
	}
}

func (f *StateFeed) closeClients() {
	f.clientsMu.Lock()
	f.closed = true
	for c := range f.clients {
		c.conn.Close()
	}
	f.clientsMu.Unlock()
	f.wg.Wait()
}

func (f *StateFeed) handleHealth(w http.ResponseWriter, r *http.Request) {
	workers := make(map[string]string)
	for name, st := range f.server.WorkerStates() {
		workers[name] = st.String()
	}

	connected := f.server.IsConnected()
	w.Header().Set("Content-Type", "application/json")
	if !connected {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(map[string]any{
		"serverId":  f.server.ID(),
		"connected": connected,
		"uptime":    f.server.Uptime().Round(time.Second).String(),
		"workers":   workers,
	})
}

func (f *StateFeed) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		f.log.WithError(err).Warn("Websocket upgrade error")
		return
	}
	f.log.WithField("client", r.RemoteAddr).Info("State feed client connected")

	c := &feedClient{
		conn:     conn,
		addr:     r.RemoteAddr,
		sendChan: make(chan []byte, feedQueueSize),
	}

	if data, err := f.stateMessage(); err == nil {
		c.sendChan <- data
	}

	f.clientsMu.Lock()
	if f.closed {
		f.clientsMu.Unlock()
		conn.Close()
		return
	}
	f.clients[c] = struct{}{}
	f.wg.Add(1)
	f.clientsMu.Unlock()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		f.clientWriter(c)
	}()

	defer func() {
		f.clientsMu.Lock()
		delete(f.clients, c)
		f.clientsMu.Unlock()
		close(c.sendChan)
		<-writerDone
		conn.Close()
		f.log.WithField("client", c.addr).Info("State feed client disconnected")
		f.wg.Done()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				f.log.WithError(err).Debug("Websocket read error")
			}
			return
		}
		f.handleClientMessage(c, data)
	}
}

// clientWriter sends queued messages and keeps the connection alive.
func (f *StateFeed) clientWriter(c *feedClient) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data, ok := <-c.sendChan:
			if !ok {
				return
			}
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				f.log.WithError(err).Debug("Error writing state message")
				c.conn.Close()
				drain(c.sendChan)
				return
			}

		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeDeadline)); err != nil {
				c.conn.Close()
				drain(c.sendChan)
				return
			}
		}
	}
}

func drain(ch <-chan []byte) {
	for range ch {
	}
}

// handleClientMessage applies an operator command.
func (f *StateFeed) handleClientMessage(c *feedClient, data []byte) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		f.replyError(c, fmt.Errorf("invalid message: %w", err))
		return
	}

	switch msg.Type {
	case MsgReboot:
		f.server.RequestReboot()

	case MsgPTPReset:
		var req ptpResetRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			f.replyError(c, fmt.Errorf("invalid %s payload: %w", msg.Type, err))
			return
		}
		if err := f.server.RequestPTPReset(req.ID); err != nil {
			f.replyError(c, err)
		}

	case MsgSetModule:
		var req setModuleRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil || req.IP == "" {
			f.replyError(c, fmt.Errorf("invalid %s payload", msg.Type))
			return
		}
		f.server.SetModuleID(req.IP, req.ID)

	default:
		f.replyError(c, fmt.Errorf("unknown message type %q", msg.Type))
	}
}

func (f *StateFeed) replyError(c *feedClient, err error) {
	f.log.WithError(err).WithField("client", c.addr).Debug("Rejected feed command")
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	data, _ := json.Marshal(Message{Type: MsgError, Payload: payload})

	f.clientsMu.Lock()
	defer f.clientsMu.Unlock()
	if _, ok := f.clients[c]; ok {
		f.enqueue(c, data)
	}
}
