// ABOUTME: Audio source abstraction for the host simulator
// ABOUTME: Sources deliver de-interleaved float frames from files or a test tone
package host

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Source provides de-interleaved float samples in [-1, 1].
type Source interface {
	// ReadFrames fills dst[ch][0:n] for every source channel and returns n.
	// File sources loop at end of stream.
	ReadFrames(dst [][]float32) (int, error)
	// SampleRate returns the sample rate of the audio
	SampleRate() int
	// Channels returns the number of channels
	Channels() int
	// Title describes the source for status views
	Title() string
	// Close closes the audio source
	Close() error
}

// NewSource opens path, or returns a test tone when path is empty.
func NewSource(path string, channels int, logger logrus.FieldLogger) (Source, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	logger = logger.WithField("component", "host")

	if path == "" {
		return NewToneSource(DefaultSampleRate, channels), nil
	}

	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio file not found: %w", err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".mp3":
		return NewMP3Source(path, logger)
	case ".flac":
		return NewFLACSource(path, logger)
	default:
		return nil, fmt.Errorf("unsupported audio format: %s (supported: .mp3, .flac)", ext)
	}
}

func titleOf(path string) string {
	name := filepath.Base(path)
	return strings.TrimSuffix(name, filepath.Ext(name))
}
