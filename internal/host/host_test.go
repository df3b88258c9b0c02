// ABOUTME: Tests for the host simulator sources and block driver
// ABOUTME: Uses the test tone so no audio fixtures are needed
package host

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func nullLogger() logrus.FieldLogger {
	logger, _ := test.NewNullLogger()
	return logger
}

func TestToneSourceChannels(t *testing.T) {
	s := NewToneSource(48000, 3)
	assert.Equal(t, 3, s.Channels())
	assert.Equal(t, 48000, s.SampleRate())

	dst := [][]float32{make([]float32, 480), make([]float32, 480), make([]float32, 480)}
	n, err := s.ReadFrames(dst)
	require.NoError(t, err)
	assert.Equal(t, 480, n)

	for ch := range dst {
		assert.Equal(t, float32(0), dst[ch][0])
		for _, v := range dst[ch] {
			assert.LessOrEqual(t, math.Abs(float64(v)), toneLevel+1e-6)
		}
	}
	// Channels carry different pitches
	assert.NotEqual(t, dst[0][10], dst[1][10])
}

func TestToneSourceIsContinuous(t *testing.T) {
	a := NewToneSource(48000, 1)
	whole := [][]float32{make([]float32, 64)}
	_, err := a.ReadFrames(whole)
	require.NoError(t, err)

	b := NewToneSource(48000, 1)
	first := [][]float32{make([]float32, 32)}
	second := [][]float32{make([]float32, 32)}
	_, err = b.ReadFrames(first)
	require.NoError(t, err)
	_, err = b.ReadFrames(second)
	require.NoError(t, err)

	assert.Equal(t, whole[0][:32], first[0])
	assert.Equal(t, whole[0][32:], second[0])
}

func TestNewSource(t *testing.T) {
	s, err := NewSource("", 2, nullLogger())
	require.NoError(t, err)
	assert.IsType(t, &ToneSource{}, s)

	_, err = NewSource(filepath.Join(t.TempDir(), "missing.mp3"), 2, nullLogger())
	assert.Error(t, err)

	wav := filepath.Join(t.TempDir(), "clip.wav")
	require.NoError(t, os.WriteFile(wav, []byte("RIFF"), 0o600))
	_, err = NewSource(wav, 2, nullLogger())
	assert.ErrorContains(t, err, "unsupported audio format")

	bad := filepath.Join(t.TempDir(), "bad.flac")
	require.NoError(t, os.WriteFile(bad, []byte("not flac"), 0o600))
	_, err = NewSource(bad, 2, nullLogger())
	assert.Error(t, err)
}

type fakeSink struct {
	mu         sync.Mutex
	blockSize  int
	sampleRate float64
	prepareErr error
	blocks     [][][]float32
}

func (f *fakeSink) Prepare(blockSize int, sampleRate float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockSize, f.sampleRate = blockSize, sampleRate
	return f.prepareErr
}

func (f *fakeSink) Write(block [][]float32) {
	cp := make([][]float32, len(block))
	for ch := range block {
		cp[ch] = append([]float32(nil), block[ch]...)
	}
	f.mu.Lock()
	f.blocks = append(f.blocks, cp)
	f.mu.Unlock()
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.blocks)
}

func TestDriverDeliversBlocks(t *testing.T) {
	sink := &fakeSink{}
	d := NewDriver(NewToneSource(48000, 1), sink, 2, 48, nullLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	// One block per millisecond
	require.Eventually(t, func() bool { return sink.count() >= 20 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, 48, sink.blockSize)
	assert.Equal(t, 48000.0, sink.sampleRate)
	assert.Equal(t, uint64(len(sink.blocks)), d.Blocks())

	for _, b := range sink.blocks {
		require.Len(t, b, 2)
		assert.Len(t, b[0], 48)
		// A mono source is repeated on every channel
		assert.Equal(t, b[0], b[1])
	}
}

func TestDriverPrepareFailure(t *testing.T) {
	sink := &fakeSink{prepareErr: errors.New("block too large")}
	d := NewDriver(NewToneSource(48000, 2), sink, 2, 32, nullLogger())

	err := d.Run(context.Background())
	assert.ErrorContains(t, err, "block too large")
	assert.Zero(t, sink.count())
}

type failingSource struct{ *ToneSource }

func (failingSource) ReadFrames([][]float32) (int, error) { return 0, errors.New("decode error") }

func TestDriverStopsOnSourceError(t *testing.T) {
	sink := &fakeSink{}
	d := NewDriver(failingSource{NewToneSource(48000, 2)}, sink, 2, 32, nullLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := d.Run(ctx)
	assert.ErrorContains(t, err, "decode error")
}
