// ABOUTME: MP3 file source for the host simulator
// ABOUTME: Decodes 16-bit stereo with go-mp3 and loops at end of file
package host

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/hajimehoshi/go-mp3"
	"github.com/sirupsen/logrus"
)

// mp3 decoder output is always 16-bit stereo
const (
	mp3Channels      = 2
	mp3BytesPerFrame = mp3Channels * 2
)

// MP3Source reads from an MP3 file
type MP3Source struct {
	file    *os.File
	decoder *mp3.Decoder
	title   string
	buf     []byte
}

// NewMP3Source creates a new MP3 audio source
func NewMP3Source(path string, logger logrus.FieldLogger) (*MP3Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open MP3 file: %w", err)
	}

	decoder, err := mp3.NewDecoder(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode MP3: %w", err)
	}

	s := &MP3Source{file: f, decoder: decoder, title: titleOf(path)}
	logger.WithFields(logrus.Fields{
		"title":       s.title,
		"sample_rate": decoder.SampleRate(),
	}).Info("Loaded MP3")
	return s, nil
}

// ReadFrames decodes len(dst[0]) frames, restarting the file at EOF.
func (s *MP3Source) ReadFrames(dst [][]float32) (int, error) {
	if len(dst) == 0 {
		return 0, nil
	}
	frames := len(dst[0])
	need := frames * mp3BytesPerFrame
	if cap(s.buf) < need {
		s.buf = make([]byte, need)
	}
	buf := s.buf[:need]

	filled := 0
	rewound := false
	for filled < need {
		n, err := s.decoder.Read(buf[filled:])
		filled += n
		if errors.Is(err, io.EOF) {
			if rewound && n == 0 {
				break
			}
			if err := s.rewind(); err != nil {
				return 0, err
			}
			rewound = true
			continue
		}
		if err != nil {
			return 0, err
		}
	}

	// Whole frames only
	got := filled / mp3BytesPerFrame
	for i := 0; i < got; i++ {
		for ch := 0; ch < mp3Channels && ch < len(dst); ch++ {
			v := int16(binary.LittleEndian.Uint16(buf[i*mp3BytesPerFrame+ch*2:]))
			dst[ch][i] = float32(v) / 32768
		}
	}
	return got, nil
}

func (s *MP3Source) rewind() error {
	if _, err := s.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek to start: %w", err)
	}
	decoder, err := mp3.NewDecoder(s.file)
	if err != nil {
		return fmt.Errorf("failed to create new decoder: %w", err)
	}
	s.decoder = decoder
	return nil
}

func (s *MP3Source) SampleRate() int { return s.decoder.SampleRate() }
func (s *MP3Source) Channels() int   { return mp3Channels }
func (s *MP3Source) Title() string   { return s.title }
func (s *MP3Source) Close() error    { return s.file.Close() }
