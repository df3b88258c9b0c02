// ABOUTME: Receive-side statistics for audio packets seen on the multicast group
// ABOUTME: Tracks packet rate, stream format, timestamp steps, gaps and peak levels
package probe

import (
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/Resonate-Protocol/ananas-go/internal/packet"
)

// gapFactor marks a timestamp step as a gap when it exceeds the
// expected step by this factor
const gapFactor = 1.5

// Report summarises one interval.
type Report struct {
	Packets     uint64
	Malformed   uint64
	Channels    int
	Frames      int
	MeanStepNs  float64
	MinStepNs   int64
	MaxStepNs   int64
	Gaps        uint64
	Backwards   uint64
	Peak        []float64 // per channel, 0..1
	LastStampNs int64
}

// Stats accumulates packets between reports. It is safe for concurrent use.
type Stats struct {
	mu sync.Mutex

	cur Report
	// steps are summed for the mean
	stepSum   float64
	stepCount uint64

	lastStamp int64
	haveLast  bool
}

// NewStats creates empty statistics.
func NewStats() *Stats {
	return &Stats{}
}

// Observe records one datagram.
func (s *Stats) Observe(b []byte) {
	pkt, err := packet.ParseAudioPacket(b)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err != nil {
		s.cur.Malformed++
		return
	}

	s.cur.Packets++
	s.cur.Channels = int(pkt.Header.NumChannels)
	s.cur.Frames = int(pkt.Header.NumFrames)
	s.cur.LastStampNs = pkt.Header.Timestamp

	if s.haveLast {
		step := pkt.Header.Timestamp - s.lastStamp
		switch {
		case step <= 0:
			s.cur.Backwards++
		default:
			if s.stepCount == 0 || step < s.cur.MinStepNs {
				s.cur.MinStepNs = step
			}
			if step > s.cur.MaxStepNs {
				s.cur.MaxStepNs = step
			}
			if s.stepCount > 0 && float64(step) > gapFactor*s.stepSum/float64(s.stepCount) {
				s.cur.Gaps++
			}
			s.stepSum += float64(step)
			s.stepCount++
		}
	}
	s.lastStamp = pkt.Header.Timestamp
	s.haveLast = true

	if len(s.cur.Peak) != s.cur.Channels {
		s.cur.Peak = make([]float64, s.cur.Channels)
	}
	for ch := 0; ch < s.cur.Channels; ch++ {
		for _, v := range pkt.Channel(ch) {
			level := math.Abs(float64(v)) / 32767
			if level > s.cur.Peak[ch] {
				s.cur.Peak[ch] = level
			}
		}
	}
}

// Take returns the report for the interval and starts a new one. The last
// timestamp is kept so steps across the boundary are measured.
func (s *Stats) Take() Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := s.cur
	if s.stepCount > 0 {
		r.MeanStepNs = s.stepSum / float64(s.stepCount)
	}

	s.cur = Report{}
	s.stepSum = 0
	s.stepCount = 0
	return r
}

// String renders the report on one line.
func (r Report) String() string {
	var peaks []string
	for _, p := range r.Peak {
		db := math.Inf(-1)
		if p > 0 {
			db = 20 * math.Log10(p)
		}
		peaks = append(peaks, fmt.Sprintf("%.1f", db))
	}

	return fmt.Sprintf("packets=%d malformed=%d format=%dx%d step=%.1fns [%d..%d] gaps=%d backwards=%d peak_db=[%s]",
		r.Packets, r.Malformed, r.Channels, r.Frames, r.MeanStepNs, r.MinStepNs, r.MaxStepNs,
		r.Gaps, r.Backwards, strings.Join(peaks, " "))
}
