// ABOUTME: Tests for Follow_Up decoding, the Clock cell and the listener handler
// ABOUTME: Packets are assembled by hand at the documented offsets
package ptp

import (
	"net"
	"testing"

	"github.com/Resonate-Protocol/ananas-go/internal/multicast"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func followUp(msgType byte, seconds uint64, nanos uint32) []byte {
	b := make([]byte, MinFollowUpSize)
	b[0] = 0x10 | msgType // transportSpecific in the high nibble
	b[1] = 0x02
	for i := 0; i < 6; i++ {
		b[34+i] = byte(seconds >> (8 * (5 - i)))
	}
	b[40] = byte(nanos >> 24)
	b[41] = byte(nanos >> 16)
	b[42] = byte(nanos >> 8)
	b[43] = byte(nanos)
	return b
}

func TestParseFollowUp(t *testing.T) {
	ts, ok := ParseFollowUp(followUp(MessageTypeFollowUp, 1_700_000_000, 123_456_789))
	require.True(t, ok)
	assert.Equal(t, int64(1_700_000_000), ts.Seconds)
	assert.Equal(t, int64(123_456_789), ts.Nanoseconds)
	assert.Equal(t, int64(1_700_000_000_123_456_789), ts.UnixNano())
}

func TestParseFollowUpUsesAll48SecondBits(t *testing.T) {
	ts, ok := ParseFollowUp(followUp(MessageTypeFollowUp, 0xABCD_1234_5678, 0))
	require.True(t, ok)
	assert.Equal(t, int64(0xABCD_1234_5678), ts.Seconds)
}

func TestParseFollowUpRejects(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"sync message", followUp(0x00, 5, 5)},
		{"delay request", followUp(0x01, 5, 5)},
		{"announce", followUp(0x0b, 5, 5)},
		{"short", followUp(MessageTypeFollowUp, 5, 5)[:43]},
		{"empty", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := ParseFollowUp(tt.data)
			assert.False(t, ok)
		})
	}
}

func TestClockLatest(t *testing.T) {
	var c Clock

	_, seq, changed := c.Latest(0)
	assert.False(t, changed)
	assert.Equal(t, uint64(0), seq)

	c.Publish(Timestamp{Seconds: 10})
	ts, seq, changed := c.Latest(seq)
	assert.True(t, changed)
	assert.Equal(t, int64(10), ts.Seconds)

	_, seq2, changed := c.Latest(seq)
	assert.False(t, changed)
	assert.Equal(t, seq, seq2)

	// Several publishes between reads collapse to the newest
	c.Publish(Timestamp{Seconds: 11})
	c.Publish(Timestamp{Seconds: 12})
	ts, _, changed = c.Latest(seq)
	assert.True(t, changed)
	assert.Equal(t, int64(12), ts.Seconds)
}

func TestListenerPublishesFollowUps(t *testing.T) {
	logger, _ := test.NewNullLogger()
	clock := &Clock{}
	l := NewListener(multicast.Options{Name: "ptp"}, 0, 0, clock, logger)

	src := net.ParseIP("192.168.1.2")
	l.handle(src, followUp(0x00, 1, 1))
	l.handle(src, followUp(MessageTypeFollowUp, 42, 7))
	l.handle(src, []byte{0x08})

	ts, seq, changed := clock.Latest(0)
	assert.True(t, changed)
	assert.Equal(t, uint64(1), seq)
	assert.Equal(t, Timestamp{Seconds: 42, Nanoseconds: 7}, ts)
	assert.Equal(t, uint64(1), l.Received())
	assert.Equal(t, uint64(2), l.Ignored())
}
