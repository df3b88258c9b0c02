// ABOUTME: Test tone generator for the host simulator
// ABOUTME: One sine per channel, a semitone apart, so channel routing is audible
package host

import (
	"fmt"
	"math"
)

const (
	// DefaultSampleRate is used by the test tone
	DefaultSampleRate = 48000

	toneFrequency = 440.0
	toneLevel     = 0.5
)

// ToneSource generates a sine per channel starting at 440 Hz.
type ToneSource struct {
	sampleRate  int
	frequencies []float64
	sampleIndex uint64
}

// NewToneSource creates a tone with the given channel count.
func NewToneSource(sampleRate, channels int) *ToneSource {
	if channels < 1 {
		channels = 1
	}
	freqs := make([]float64, channels)
	for ch := range freqs {
		freqs[ch] = toneFrequency * math.Pow(2, float64(ch)/12)
	}
	return &ToneSource{sampleRate: sampleRate, frequencies: freqs}
}

// ReadFrames generates len(dst[0]) frames.
func (s *ToneSource) ReadFrames(dst [][]float32) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	n := len(dst[0])

	for ch, freq := range s.frequencies {
		if ch >= len(dst) {
			break
		}
		out := dst[ch]
		for i := 0; i < n && i < len(out); i++ {
			t := float64(s.sampleIndex+uint64(i)) / float64(s.sampleRate)
			out[i] = float32(toneLevel * math.Sin(2*math.Pi*freq*t))
		}
	}

	s.sampleIndex += uint64(n)
	return n, nil
}

func (s *ToneSource) SampleRate() int { return s.sampleRate }
func (s *ToneSource) Channels() int   { return len(s.frequencies) }
func (s *ToneSource) Title() string {
	return fmt.Sprintf("Test Tone (%.0fHz, %d channels)", toneFrequency, len(s.frequencies))
}
func (s *ToneSource) Close() error { return nil }
