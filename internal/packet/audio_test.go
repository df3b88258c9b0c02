// ABOUTME: Tests for audio packet timing, timestamp correction and payload layout
// ABOUTME: Verifies long-run drift bounds and the three-strike snap behaviour
package packet

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testBufferPackets = 50
	testOffsetNs      = int64(time.Second) / 62
)

func newPrepared(t *testing.T, channels, frames int, rate float64) *AudioPacket {
	t.Helper()
	p := NewAudioPacket(testBufferPackets, testOffsetNs)
	require.NoError(t, p.Prepare(channels, frames, rate))
	return p
}

func TestPrepareTiming48k(t *testing.T) {
	p := newPrepared(t, 2, 32, 48000)

	assert.Equal(t, int64(666666), p.NsPerPacket())
	assert.InDelta(t, 0.6667, p.Remainder(), 1e-4)
	assert.Equal(t, time.Duration(666666/62), p.SleepInterval())
	assert.InDelta(t, (666666+2.0/3)*50, p.ClientBufferDuration(), 1e-3)
	assert.Len(t, p.Bytes(), HeaderSize+2*32*2)
	assert.Len(t, p.AudioData(), 2*32*2)
}

func TestPrepareRejectsInvalidFormat(t *testing.T) {
	tests := []struct {
		name     string
		channels int
		frames   int
		rate     float64
	}{
		{"no channels", 0, 32, 48000},
		{"too many channels", 256, 32, 48000},
		{"no frames", 2, 0, 48000},
		{"too many frames", 2, 70000, 48000},
		{"zero rate", 2, 32, 0},
		{"fractional rate", 2, 32, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewAudioPacket(testBufferPackets, testOffsetNs)
			err := p.Prepare(tt.channels, tt.frames, tt.rate)
			assert.True(t, errors.Is(err, ErrInvalidFormat), "got %v", err)
		})
	}
}

func TestWriteHeaderLongRunDrift(t *testing.T) {
	formats := []struct {
		frames int
		rate   float64
	}{
		{32, 48000},
		{32, 44100},
		{64, 96000},
		{128, 48000},
		{32, 192000},
	}

	const n = 10000

	for _, f := range formats {
		p := newPrepared(t, 1, f.frames, f.rate)
		start := p.Time()
		prev := start

		for i := 0; i < n; i++ {
			p.WriteHeader()
			step := p.Time() - prev
			if step != p.NsPerPacket() && step != p.NsPerPacket()+1 {
				t.Fatalf("%d/%.0f: step %d at packet %d", f.frames, f.rate, step, i)
			}
			prev = p.Time()
		}

		exact := float64(n) * 1e9 * float64(f.frames) / f.rate
		drift := exact - float64(p.Time()-start)
		assert.GreaterOrEqual(t, drift, -1e-3, "%d/%.0f ran ahead", f.frames, f.rate)
		assert.Less(t, drift, 1.0+1e-3, "%d/%.0f fell behind", f.frames, f.rate)
	}
}

func TestWriteHeaderCorrectionCadence(t *testing.T) {
	// 0.6667 ns/packet exceeds 1 ns after two packets, then roughly every 1.5.
	p := newPrepared(t, 2, 32, 48000)

	corrections := 0
	prev := p.Time()
	for i := 0; i < 3000; i++ {
		p.WriteHeader()
		if p.Time()-prev == p.NsPerPacket()+1 {
			corrections++
		}
		prev = p.Time()
	}

	assert.InDelta(t, 2000, corrections, 1)
}

func TestWriteHeaderSerializes(t *testing.T) {
	p := newPrepared(t, 3, 32, 48000)
	p.SetTimestamp(1_000_000)
	p.WriteHeader()

	b := p.Bytes()
	assert.Equal(t, uint64(1_000_000+666666), binary.LittleEndian.Uint64(b[0:8]))
	assert.Equal(t, byte(3), b[8])
	assert.Equal(t, uint16(32), binary.LittleEndian.Uint16(b[10:12]))
	assert.Equal(t, make([]byte, 4), b[12:16])
}

func TestSetTimeSingleOutlierIgnored(t *testing.T) {
	p := newPrepared(t, 2, 32, 48000)
	before := p.Time()

	snapped := p.SetTime(1_700_000_000 * int64(time.Second))

	assert.False(t, snapped)
	assert.Equal(t, before, p.Time())
	assert.Equal(t, 1, p.OutlierCount())
}

func TestSetTimeSnapsOnThirdOutlier(t *testing.T) {
	p := newPrepared(t, 2, 32, 48000)
	ref := 1_700_000_000 * int64(time.Second)

	assert.False(t, p.SetTime(ref))
	assert.False(t, p.SetTime(ref))
	assert.True(t, p.SetTime(ref))

	assert.Equal(t, ref+testOffsetNs, p.Time())
	assert.Equal(t, 0, p.OutlierCount())

	// Now in range: nothing further happens
	assert.False(t, p.SetTime(ref))
	assert.Equal(t, ref+testOffsetNs, p.Time())
	assert.Equal(t, 0, p.OutlierCount())
}

func TestSetTimeRequiresConsecutiveOutliers(t *testing.T) {
	p := newPrepared(t, 2, 32, 48000)
	p.SetTimestamp(testOffsetNs)
	far := int64(time.Hour)

	assert.False(t, p.SetTime(far))
	assert.False(t, p.SetTime(far))
	// Reference agrees with the header: the streak is broken
	assert.False(t, p.SetTime(0))
	assert.Equal(t, 0, p.OutlierCount())
	assert.False(t, p.SetTime(far))
	assert.Equal(t, testOffsetNs, p.Time())
}

func TestSetTimeWithinWindow(t *testing.T) {
	p := newPrepared(t, 2, 32, 48000)
	p.SetTimestamp(5 * int64(time.Second))

	// Half the client buffer is ~16.7 ms
	for _, delta := range []int64{-16_000_000, -1, 0, 1, 16_000_000} {
		assert.False(t, p.SetTime(5*int64(time.Second)-testOffsetNs+delta))
	}
	assert.Equal(t, 0, p.OutlierCount())
	assert.Equal(t, 5*int64(time.Second), p.Time())
}

func TestPutSamplesChannelMajor(t *testing.T) {
	p := newPrepared(t, 2, 4, 48000)

	p.PutSamples([][]float32{
		{0, 0.5, -0.5, 1.5},
		{-2, 1, -1, 0.25},
	})
	p.WriteHeader()

	got, err := ParseAudioPacket(p.Bytes())
	require.NoError(t, err)

	assert.Equal(t, uint8(2), got.Header.NumChannels)
	assert.Equal(t, uint16(4), got.Header.NumFrames)
	assert.Equal(t, []int16{0, 16383, -16383, 32767}, got.Channel(0))
	assert.Equal(t, []int16{-32767, 32767, -32767, 8191}, got.Channel(1))
}

func TestPutSamplesMissingChannelIsSilent(t *testing.T) {
	p := newPrepared(t, 2, 2, 48000)
	p.PutSamples([][]float32{{1, 1}, {1, 1}})
	p.PutSamples([][]float32{{0.5, 0.5}})
	p.WriteHeader()

	got, err := ParseAudioPacket(p.Bytes())
	require.NoError(t, err)
	assert.Equal(t, []int16{0, 0}, got.Channel(1))
}

func TestParseAudioPacketShort(t *testing.T) {
	_, err := ParseAudioPacket(make([]byte, 8))
	assert.True(t, errors.Is(err, ErrShortPacket))

	p := newPrepared(t, 2, 32, 48000)
	p.WriteHeader()
	_, err = ParseAudioPacket(p.Bytes()[:HeaderSize+10])
	assert.True(t, errors.Is(err, ErrShortPacket))
}
