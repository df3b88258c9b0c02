// ABOUTME: Host simulator that plays a Source into the engine at real-time pace
// ABOUTME: Stands in for an audio interface callback delivering fixed-size blocks
package host

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	// wakeInterval batches blocks; audio drivers deliver in bursts too
	wakeInterval = 5 * time.Millisecond
	// maxCatchUp bounds the burst after a stall
	maxCatchUp = 64
)

// Sink receives host blocks. The engine server implements it.
type Sink interface {
	Prepare(blockSize int, sampleRate float64) error
	Write(block [][]float32)
}

// Driver reads blocks from a Source and writes them to a Sink.
type Driver struct {
	src         Source
	sink        Sink
	numChannels int
	blockSize   int
	log         logrus.FieldLogger

	srcBuf [][]float32
	out    [][]float32

	blocks  atomic.Uint64
	skipped atomic.Uint64
}

// NewDriver creates a driver delivering numChannels x blockSize blocks.
// Source channels are repeated when the engine has more channels.
func NewDriver(src Source, sink Sink, numChannels, blockSize int, logger logrus.FieldLogger) *Driver {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	d := &Driver{
		src:         src,
		sink:        sink,
		numChannels: numChannels,
		blockSize:   blockSize,
		log:         logger.WithField("component", "host"),
		srcBuf:      make([][]float32, src.Channels()),
		out:         make([][]float32, numChannels),
	}
	for ch := range d.srcBuf {
		d.srcBuf[ch] = make([]float32, blockSize)
	}
	return d
}

// Blocks returns the number of blocks delivered.
func (d *Driver) Blocks() uint64 { return d.blocks.Load() }

// Skipped returns the number of blocks dropped after stalls.
func (d *Driver) Skipped() uint64 { return d.skipped.Load() }

// Run prepares the sink and delivers blocks until ctx is cancelled.
func (d *Driver) Run(ctx context.Context) error {
	rate := d.src.SampleRate()
	if rate <= 0 || d.blockSize <= 0 || len(d.srcBuf) == 0 {
		return fmt.Errorf("invalid host format: %d Hz, %d frames, %d channels", rate, d.blockSize, len(d.srcBuf))
	}
	if err := d.sink.Prepare(d.blockSize, float64(rate)); err != nil {
		return fmt.Errorf("failed to prepare engine: %w", err)
	}

	d.log.WithFields(logrus.Fields{
		"source":      d.src.Title(),
		"sample_rate": rate,
		"block":       d.blockSize,
		"channels":    d.numChannels,
	}).Info("Host simulator starting")

	ticker := time.NewTicker(wakeInterval)
	defer ticker.Stop()

	start := time.Now()
	var delivered uint64

	for {
		select {
		case <-ctx.Done():
			d.log.Info("Host simulator stopping")
			return nil
		case now := <-ticker.C:
			due := uint64(now.Sub(start).Seconds() * float64(rate) / float64(d.blockSize))
			if due-delivered > maxCatchUp {
				d.skipped.Add(due - delivered - maxCatchUp)
				delivered = due - maxCatchUp
			}
			for ; delivered < due; delivered++ {
				if err := d.deliver(); err != nil {
					return err
				}
			}
		}
	}
}

// deliver reads one block and hands it to the sink.
func (d *Driver) deliver() error {
	n, err := d.src.ReadFrames(d.srcBuf)
	if err != nil {
		return fmt.Errorf("failed to read audio: %w", err)
	}
	for _, ch := range d.srcBuf {
		clear(ch[n:])
	}

	for ch := range d.out {
		d.out[ch] = d.srcBuf[ch%len(d.srcBuf)]
	}
	d.sink.Write(d.out)
	d.blocks.Add(1)
	return nil
}
