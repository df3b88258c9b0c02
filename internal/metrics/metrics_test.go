// ABOUTME: Tests for metric registration and scrape output
// ABOUTME: Uses a static source and the client_golang testutil helpers
package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Resonate-Protocol/ananas-go/internal/worker"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type staticSource struct{}

func (staticSource) PacketsSent() uint64           { return 100 }
func (staticSource) SendErrors() uint64            { return 2 }
func (staticSource) TimestampSnaps() uint64        { return 1 }
func (staticSource) FifoFill() int                 { return 64 }
func (staticSource) FifoDropped() uint64           { return 7 }
func (staticSource) FollowUps() uint64             { return 30 }
func (staticSource) MalformedAnnounces() uint64    { return 0 }
func (staticSource) ConnectedClients() int         { return 3 }
func (staticSource) ConnectedModules() int         { return 2 }
func (staticSource) AuthorityConnected() bool      { return true }
func (staticSource) RebootsSent() uint64           { return 0 }
func (staticSource) SwitchRequestFailures() uint64 { return 4 }

func TestScrape(t *testing.T) {
	m, err := New(staticSource{})
	require.NoError(t, err)

	expected := `
# HELP ananas_audio_packets_sent_total Audio packets multicast
# TYPE ananas_audio_packets_sent_total counter
ananas_audio_packets_sent_total 100
# HELP ananas_clients_connected Live playback clients
# TYPE ananas_clients_connected gauge
ananas_clients_connected 3
# HELP ananas_authority_connected 1 while the time authority is announcing
# TYPE ananas_authority_connected gauge
ananas_authority_connected 1
`
	err = testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected),
		"ananas_audio_packets_sent_total", "ananas_clients_connected", "ananas_authority_connected")
	assert.NoError(t, err)
}

func TestWorkerState(t *testing.T) {
	m, err := New(staticSource{})
	require.NoError(t, err)

	m.ObserveWorkerState("Ananas Audio Sender", worker.Connecting)
	m.ObserveWorkerState("Ananas Audio Sender", worker.Running)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerConnected.WithLabelValues("Ananas Audio Sender")))

	m.ObserveWorkerState("Ananas Audio Sender", worker.Stopped)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.workerConnected.WithLabelValues("Ananas Audio Sender")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.workerTransitions.WithLabelValues("Ananas Audio Sender", "running")))
}

func TestHandler(t *testing.T) {
	m, err := New(staticSource{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "ananas_fifo_dropped_frames_total 7")
}
