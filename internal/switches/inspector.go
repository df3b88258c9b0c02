// ABOUTME: Worker task polling network switches for PTP state over their REST API
// ABOUTME: Also performs operator-requested PTP resets as a disable then enable pair
package switches

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/Resonate-Protocol/ananas-go/internal/config"
	"github.com/Resonate-Protocol/ananas-go/internal/registry"
	"github.com/sirupsen/logrus"
)

// maxResponseBytes bounds how much of a switch response is read.
const maxResponseBytes = 1 << 20

var (
	monitorBody = map[string]string{"numbers": "0", "once": ""}
	resetBody   = map[string]string{"numbers": "0"}
)

// Inspector is the switch polling task.
type Inspector struct {
	cfg      config.SwitchInspectorConfig
	switches *registry.SwitchRegistry
	client   *http.Client
	log      logrus.FieldLogger

	requests atomic.Uint64
	failures atomic.Uint64
}

// NewInspector creates the task for the switches in reg.
func NewInspector(cfg config.SwitchInspectorConfig, reg *registry.SwitchRegistry, logger logrus.FieldLogger) *Inspector {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	timeout := time.Duration(cfg.RequestTimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Inspector{
		cfg:      cfg,
		switches: reg,
		client:   &http.Client{Timeout: timeout},
		log:      logger.WithField("component", "switch-inspector"),
	}
}

// Connect has nothing to acquire; each request opens its own connection.
func (i *Inspector) Connect(ctx context.Context) error { return nil }

// Close releases idle HTTP connections.
func (i *Inspector) Close() error {
	i.client.CloseIdleConnections()
	return nil
}

// Requests returns the number of requests made.
func (i *Inspector) Requests() uint64 { return i.requests.Load() }

// Failures returns the number of failed requests.
func (i *Inspector) Failures() uint64 { return i.failures.Load() }

// Run inspects every switch once per poll interval until ctx is cancelled.
func (i *Inspector) Run(ctx context.Context) error {
	interval := time.Duration(i.cfg.PollIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		i.inspect(ctx)

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (i *Inspector) inspect(ctx context.Context) {
	for _, sw := range i.switches.Snapshot() {
		if ctx.Err() != nil {
			return
		}

		if i.switches.TakePTPReset(sw.ID) {
			i.log.WithField("switch", sw.ID).Info("Resetting PTP")
			resp, err := i.post(ctx, sw.SwitchConfig, i.cfg.DisablePath, resetBody)
			i.switches.RecordResponse(sw.ID, resp, err)
			resp, err = i.post(ctx, sw.SwitchConfig, i.cfg.EnablePath, resetBody)
			i.switches.RecordResponse(sw.ID, resp, err)
			continue
		}

		resp, err := i.post(ctx, sw.SwitchConfig, i.cfg.MonitorPath, monitorBody)
		i.switches.RecordResponse(sw.ID, resp, err)
	}
}

func (i *Inspector) post(ctx context.Context, sw config.SwitchConfig, path string, body any) (map[string]any, error) {
	i.requests.Add(1)
	resp, err := i.do(ctx, sw, path, body)
	if err != nil {
		i.failures.Add(1)
		i.log.WithError(err).WithFields(logrus.Fields{"switch": sw.ID, "path": path}).Debug("Switch request failed")
	}
	return resp, err
}

func (i *Inspector) do(ctx context.Context, sw config.SwitchConfig, path string, body any) (map[string]any, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}

	url := "http://" + sw.IP + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth(sw.Username, sw.Password)

	res, err := i.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(res.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: %s", path, res.Status)
	}

	return decodeResponse(raw)
}

// decodeResponse accepts an object or a list of objects (the monitor
// endpoint returns one entry per PTP instance) and returns the first object.
func decodeResponse(raw []byte) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	switch t := v.(type) {
	case map[string]any:
		return t, nil
	case []any:
		for _, e := range t {
			if m, ok := e.(map[string]any); ok {
				return m, nil
			}
		}
	}
	return map[string]any{}, nil
}
