// ABOUTME: IEEE-1588 Follow_Up decoding and the latest-timestamp cell
// ABOUTME: The listener publishes into Clock; the audio sender polls it once per packet
package ptp

import (
	"encoding/binary"
	"sync"
	"time"
)

const (
	// MessageTypeFollowUp is the low nibble of byte 0 for Follow_Up messages.
	MessageTypeFollowUp = 0x08

	// MinFollowUpSize is the shortest datagram carrying a precise origin timestamp.
	MinFollowUpSize = 44

	timestampOffset = 34
)

// Timestamp is a PTP time: seconds since the PTP epoch plus nanoseconds.
type Timestamp struct {
	Seconds     int64
	Nanoseconds int64
}

// UnixNano returns the timestamp as a single nanosecond count.
func (t Timestamp) UnixNano() int64 {
	return t.Seconds*int64(time.Second) + t.Nanoseconds
}

// IsZero reports whether no time has been set.
func (t Timestamp) IsZero() bool {
	return t.Seconds == 0 && t.Nanoseconds == 0
}

// ParseFollowUp extracts the precise origin timestamp from a Follow_Up
// message. It returns false for other message types and short datagrams.
func ParseFollowUp(data []byte) (Timestamp, bool) {
	if len(data) < MinFollowUpSize {
		return Timestamp{}, false
	}
	if data[0]&0x0f != MessageTypeFollowUp {
		return Timestamp{}, false
	}

	ts := data[timestampOffset : timestampOffset+10]
	// 48-bit seconds followed by 32-bit nanoseconds, both big-endian
	seconds := uint64(ts[0])<<40 | uint64(ts[1])<<32 | uint64(binary.BigEndian.Uint32(ts[2:6]))
	nanos := binary.BigEndian.Uint32(ts[6:10])

	return Timestamp{Seconds: int64(seconds), Nanoseconds: int64(nanos)}, true
}

// Clock holds the most recent timestamp and a sequence number that advances
// on every Publish. Readers compare sequence numbers to detect new values.
type Clock struct {
	mu  sync.Mutex
	ts  Timestamp
	seq uint64
}

// Publish stores ts as the latest value.
func (c *Clock) Publish(ts Timestamp) {
	c.mu.Lock()
	c.ts = ts
	c.seq++
	c.mu.Unlock()
}

// Latest returns the current value and its sequence number. changed is true
// when the sequence differs from lastSeq.
func (c *Clock) Latest(lastSeq uint64) (ts Timestamp, seq uint64, changed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ts, c.seq, c.seq != lastSeq
}
