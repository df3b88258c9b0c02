// ABOUTME: Outgoing multicast audio packet: header layout, payload, and timestamp arithmetic
// ABOUTME: Carries the fractional-nanosecond accumulator and the debounced PTP snap
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

const (
	// HeaderSize is the 16-byte aligned header preceding the samples
	HeaderSize = 16

	// BytesPerSample is the size of one int16 sample on the wire
	BytesPerSample = 2

	// OutlierLimit is the number of consecutive out-of-window reference
	// times needed before the header timestamp is snapped
	OutlierLimit = 3

	// sleepDivider spreads a burst of packets over a fraction of the
	// packet interval so PTP traffic at the clients is not disrupted
	sleepDivider = 62

	nanosPerSecond = int64(time.Second)
)

var (
	// ErrShortPacket is returned when a datagram is smaller than the struct it should hold.
	ErrShortPacket = errors.New("packet too short")

	// ErrInvalidFormat is returned by Prepare for unusable channel/frame/rate values.
	ErrInvalidFormat = errors.New("invalid audio format")
)

// AudioHeader precedes the samples of every audio packet.
type AudioHeader struct {
	Timestamp   int64 // nanoseconds since the PTP epoch
	NumChannels uint8
	NumFrames   uint16
}

func (h AudioHeader) put(b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], uint64(h.Timestamp))
	b[8] = h.NumChannels
	b[9] = 0
	binary.LittleEndian.PutUint16(b[10:12], h.NumFrames)
	clear(b[12:HeaderSize])
}

func readHeader(b []byte) AudioHeader {
	return AudioHeader{
		Timestamp:   int64(binary.LittleEndian.Uint64(b[0:8])),
		NumChannels: b[8],
		NumFrames:   binary.LittleEndian.Uint16(b[10:12]),
	}
}

// AudioPacket is a reusable outgoing audio datagram. It is not safe for
// concurrent use; the audio sender owns it.
type AudioPacket struct {
	buf    []byte
	header AudioHeader

	nsPerPacket          int64
	nsPerPacketRemainder float64
	timestampRemainder   float64
	sleepInterval        time.Duration

	clientBufferPackets  int
	clientBufferDuration float64
	offsetNs             int64

	consecutiveBadTimestamps int
}

// NewAudioPacket creates a packet for clients buffering clientBufferPackets
// packets. offsetNs is added to every reference time passed to SetTime.
func NewAudioPacket(clientBufferPackets int, offsetNs int64) *AudioPacket {
	return &AudioPacket{
		clientBufferPackets: clientBufferPackets,
		offsetNs:            offsetNs,
	}
}

// Prepare sizes and zero-fills the packet and derives the per-packet timing.
// The header timestamp carries over so a re-prepare does not jump the stream.
func (p *AudioPacket) Prepare(numChannels, framesPerPacket int, sampleRate float64) error {
	if numChannels < 1 || numChannels > 255 {
		return fmt.Errorf("%w: %d channels", ErrInvalidFormat, numChannels)
	}
	if framesPerPacket < 1 || framesPerPacket > 65535 {
		return fmt.Errorf("%w: %d frames per packet", ErrInvalidFormat, framesPerPacket)
	}
	rate := int64(sampleRate)
	if rate < 1 {
		return fmt.Errorf("%w: sample rate %.1f", ErrInvalidFormat, sampleRate)
	}

	size := HeaderSize + numChannels*framesPerPacket*BytesPerSample
	if cap(p.buf) >= size {
		p.buf = p.buf[:size]
		clear(p.buf)
	} else {
		p.buf = make([]byte, size)
	}

	p.header.NumChannels = uint8(numChannels)
	p.header.NumFrames = uint16(framesPerPacket)

	// The packet interval is rarely a whole number of nanoseconds; keep the
	// fraction so WriteHeader can accumulate it.
	p.nsPerPacket = nanosPerSecond * int64(framesPerPacket) / rate
	p.nsPerPacketRemainder = float64(nanosPerSecond)*float64(framesPerPacket)/float64(rate) - float64(p.nsPerPacket)
	p.sleepInterval = time.Duration(p.nsPerPacket / sleepDivider)
	p.clientBufferDuration = (float64(p.nsPerPacket) + p.nsPerPacketRemainder) * float64(p.clientBufferPackets)

	p.timestampRemainder = 0
	p.consecutiveBadTimestamps = 0

	return nil
}

// Bytes returns the whole datagram (header and payload).
func (p *AudioPacket) Bytes() []byte {
	return p.buf
}

// AudioData returns the payload region following the header.
func (p *AudioPacket) AudioData() []byte {
	return p.buf[HeaderSize:]
}

// NumChannels returns the prepared channel count.
func (p *AudioPacket) NumChannels() int { return int(p.header.NumChannels) }

// NumFrames returns the prepared frames per packet.
func (p *AudioPacket) NumFrames() int { return int(p.header.NumFrames) }

// PutSamples converts one packet worth of float samples into the payload,
// channel-major. Missing channels or frames are written as silence.
func (p *AudioPacket) PutSamples(channels [][]float32) {
	numChannels := int(p.header.NumChannels)
	numFrames := int(p.header.NumFrames)
	data := p.AudioData()

	for ch := 0; ch < numChannels; ch++ {
		var src []float32
		if ch < len(channels) {
			src = channels[ch]
		}
		base := ch * numFrames * BytesPerSample
		for i := 0; i < numFrames; i++ {
			var v int16
			if i < len(src) {
				v = FloatToInt16(src[i])
			}
			binary.LittleEndian.PutUint16(data[base+i*BytesPerSample:], uint16(v))
		}
	}
}

// WriteHeader advances the timestamp by one packet interval and serializes
// the header into the buffer.
func (p *AudioPacket) WriteHeader() {
	p.header.Timestamp += p.nsPerPacket
	p.timestampRemainder += p.nsPerPacketRemainder
	if p.timestampRemainder > 1 {
		p.header.Timestamp++
		p.timestampRemainder--
	}
	p.header.put(p.buf)
}

// SetTime compares an absolute reference time (nanoseconds) with the header
// timestamp. A reference more than half the client buffer away counts as an
// outlier; after OutlierLimit consecutive outliers the timestamp is snapped
// to the reference. It reports whether a snap happened.
func (p *AudioPacket) SetTime(referenceNs int64) bool {
	newTime := referenceNs + p.offsetNs
	diff := float64(newTime - p.header.Timestamp)
	window := p.clientBufferDuration / 2

	if diff <= window && diff >= -window {
		p.consecutiveBadTimestamps = 0
		return false
	}

	p.consecutiveBadTimestamps++
	if p.consecutiveBadTimestamps < OutlierLimit {
		return false
	}

	p.header.Timestamp = newTime
	p.consecutiveBadTimestamps = 0
	return true
}

// Time returns the current header timestamp.
func (p *AudioPacket) Time() int64 {
	return p.header.Timestamp
}

// SetTimestamp overwrites the header timestamp.
func (p *AudioPacket) SetTimestamp(ns int64) {
	p.header.Timestamp = ns
}

// NsPerPacket returns the whole-nanosecond packet interval.
func (p *AudioPacket) NsPerPacket() int64 { return p.nsPerPacket }

// Remainder returns the fractional nanoseconds per packet.
func (p *AudioPacket) Remainder() float64 { return p.nsPerPacketRemainder }

// SleepInterval returns the pause inserted between consecutive packets.
func (p *AudioPacket) SleepInterval() time.Duration { return p.sleepInterval }

// ClientBufferDuration returns the client buffer length in nanoseconds.
func (p *AudioPacket) ClientBufferDuration() float64 { return p.clientBufferDuration }

// OutlierCount returns the current consecutive outlier count.
func (p *AudioPacket) OutlierCount() int { return p.consecutiveBadTimestamps }

// FloatToInt16 converts a [-1, 1] float sample to int16, clipping out-of-range input.
func FloatToInt16(v float32) int16 {
	switch {
	case v >= 1:
		return 32767
	case v <= -1:
		return -32767
	default:
		return int16(v * 32767)
	}
}

// ReceivedAudio is a decoded audio datagram.
type ReceivedAudio struct {
	Header  AudioHeader
	Samples []int16 // channel-major
}

// Channel returns the samples of one channel.
func (r ReceivedAudio) Channel(ch int) []int16 {
	n := int(r.Header.NumFrames)
	return r.Samples[ch*n : (ch+1)*n]
}

// ParseAudioPacket decodes an audio datagram produced by AudioPacket.
func ParseAudioPacket(b []byte) (ReceivedAudio, error) {
	if len(b) < HeaderSize {
		return ReceivedAudio{}, fmt.Errorf("%w: %d bytes", ErrShortPacket, len(b))
	}

	h := readHeader(b)
	count := int(h.NumChannels) * int(h.NumFrames)
	if len(b) < HeaderSize+count*BytesPerSample {
		return ReceivedAudio{}, fmt.Errorf("%w: %d bytes for %d samples", ErrShortPacket, len(b), count)
	}

	samples := make([]int16, count)
	for i := range samples {
		off := HeaderSize + i*BytesPerSample
		samples[i] = int16(binary.LittleEndian.Uint16(b[off:]))
	}

	return ReceivedAudio{Header: h, Samples: samples}, nil
}
