// ABOUTME: Multi-channel float sample FIFO between the host audio callback and the sender
// ABOUTME: Writes never block and drop the oldest frames when full; reads block until enough frames arrive
package fifo

import (
	"sync"
	"sync/atomic"
)

// Fifo hands fixed-size blocks of samples from a single real-time producer
// to a single consumer. Capacity is always a power of two.
type Fifo struct {
	mu       sync.Mutex
	channels [][]float32
	mask     int
	read     int
	count    int

	dropped atomic.Uint64
	aborted atomic.Bool
	ready   chan struct{}
}

// New creates a FIFO for numChannels channels holding at least
// capacityFrames frames per channel.
func New(numChannels, capacityFrames int) *Fifo {
	if numChannels < 1 {
		numChannels = 1
	}
	size := 1
	for size < capacityFrames {
		size <<= 1
	}

	channels := make([][]float32, numChannels)
	for i := range channels {
		channels[i] = make([]float32, size)
	}

	return &Fifo{
		channels: channels,
		mask:     size - 1,
		ready:    make(chan struct{}, 1),
	}
}

// Write appends one block (block[ch][frame]). Missing channels are written
// as silence. If the block does not fit, the oldest unread frames are
// discarded to make room. Write never blocks and does not allocate.
func (f *Fifo) Write(block [][]float32) {
	if len(block) == 0 {
		return
	}
	frames := len(block[0])
	if frames == 0 {
		return
	}

	size := f.mask + 1
	skip := 0
	if frames > size {
		skip = frames - size
		f.dropped.Add(uint64(skip))
		frames = size
	}

	f.mu.Lock()
	if over := f.count + frames - size; over > 0 {
		f.read = (f.read + over) & f.mask
		f.count -= over
		f.dropped.Add(uint64(over))
	}

	start := (f.read + f.count) & f.mask
	for ch, dst := range f.channels {
		var src []float32
		if ch < len(block) {
			src = block[ch]
		}
		for i := 0; i < frames; i++ {
			var v float32
			if j := skip + i; j < len(src) {
				v = src[j]
			}
			dst[(start+i)&f.mask] = v
		}
	}
	f.count += frames
	f.mu.Unlock()

	f.signal()
}

// Read fills dst[ch][0:n] with the next n frames, where n is len(dst[0]),
// blocking until n frames are available. It returns the number of frames
// read, or 0 if AbortRead was called. Channels beyond len(dst) are
// consumed and discarded.
func (f *Fifo) Read(dst [][]float32) int {
	if len(dst) == 0 {
		return 0
	}
	n := len(dst[0])
	if n > f.mask+1 {
		n = f.mask + 1
	}

	for {
		if f.aborted.Load() {
			return 0
		}

		f.mu.Lock()
		if f.count >= n {
			for ch, src := range f.channels {
				if ch >= len(dst) {
					break
				}
				out := dst[ch]
				for i := 0; i < n && i < len(out); i++ {
					out[i] = src[(f.read+i)&f.mask]
				}
			}
			f.read = (f.read + n) & f.mask
			f.count -= n
			f.mu.Unlock()
			return n
		}
		f.mu.Unlock()

		<-f.ready
	}
}

// AbortRead wakes a blocked Read and makes subsequent reads return 0
// until Reset is called.
func (f *Fifo) AbortRead() {
	f.aborted.Store(true)
	f.signal()
}

// Reset discards buffered frames and clears the abort flag.
func (f *Fifo) Reset() {
	f.mu.Lock()
	f.read = 0
	f.count = 0
	f.mu.Unlock()

	select {
	case <-f.ready:
	default:
	}
	f.aborted.Store(false)
}

// Len returns the number of buffered frames.
func (f *Fifo) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count
}

// Capacity returns the capacity in frames.
func (f *Fifo) Capacity() int {
	return f.mask + 1
}

// NumChannels returns the channel count.
func (f *Fifo) NumChannels() int {
	return len(f.channels)
}

// Dropped returns the total number of frames discarded on overflow.
func (f *Fifo) Dropped() uint64 {
	return f.dropped.Load()
}

func (f *Fifo) signal() {
	select {
	case f.ready <- struct{}{}:
	default:
	}
}
