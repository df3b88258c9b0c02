// ABOUTME: FLAC file source for the host simulator
// ABOUTME: Scales any bit depth to float and keeps partial frames between reads
package host

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mewkiz/flac"
	"github.com/mewkiz/flac/frame"
	"github.com/sirupsen/logrus"
)

// FLACSource reads from a FLAC file
type FLACSource struct {
	file       *os.File
	stream     *flac.Stream
	sampleRate int
	channels   int
	scale      float32
	title      string

	// Current frame and read position within it
	frame *frame.Frame
	pos   int
}

// NewFLACSource creates a new FLAC audio source
func NewFLACSource(path string, logger logrus.FieldLogger) (*FLACSource, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open FLAC file: %w", err)
	}

	stream, err := flac.New(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode FLAC: %w", err)
	}

	info := stream.Info
	s := &FLACSource{
		file:       f,
		stream:     stream,
		sampleRate: int(info.SampleRate),
		channels:   int(info.NChannels),
		scale:      float32(int64(1) << (info.BitsPerSample - 1)),
		title:      titleOf(path),
	}

	logger.WithFields(logrus.Fields{
		"title":       s.title,
		"sample_rate": s.sampleRate,
		"channels":    s.channels,
		"bit_depth":   info.BitsPerSample,
	}).Info("Loaded FLAC")
	return s, nil
}

// ReadFrames decodes len(dst[0]) frames, restarting the file at EOF.
func (s *FLACSource) ReadFrames(dst [][]float32) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	frames := len(dst[0])

	read := 0
	rewound := false
	for read < frames {
		if s.frame == nil || s.pos >= int(s.frame.BlockSize) {
			fr, err := s.stream.ParseNext()
			if errors.Is(err, io.EOF) {
				if rewound {
					break
				}
				if err := s.rewind(); err != nil {
					return read, err
				}
				rewound = true
				continue
			}
			if err != nil {
				return read, err
			}
			s.frame, s.pos = fr, 0
		}

		for ; s.pos < int(s.frame.BlockSize) && read < frames; s.pos++ {
			for ch := 0; ch < s.channels && ch < len(dst); ch++ {
				dst[ch][read] = float32(s.frame.Subframes[ch].Samples[s.pos]) / s.scale
			}
			read++
		}
		rewound = false
	}

	return read, nil
}

func (s *FLACSource) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	stream, err := flac.New(s.file)
	if err != nil {
		return fmt.Errorf("failed to create new stream: %w", err)
	}
	s.stream = stream
	s.frame = nil
	return nil
}

func (s *FLACSource) SampleRate() int { return s.sampleRate }
func (s *FLACSource) Channels() int   { return s.channels }
func (s *FLACSource) Title() string   { return s.title }
func (s *FLACSource) Close() error    { return s.file.Close() }
