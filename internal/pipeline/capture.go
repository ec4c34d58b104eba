package pipeline

import (
	"log/slog"
	"sync"

	"github.com/nathikazad/nexus-link/internal/audio"
	"github.com/nathikazad/nexus-link/internal/codec"
	"github.com/nathikazad/nexus-link/internal/metrics"
	"github.com/nathikazad/nexus-link/internal/signal"
)

// Enqueuer is the slice of the outbound batcher the capture path uses.
type Enqueuer interface {
	Enqueue(frame []byte)
	EnqueueEOF()
}

// Capture is the outbound voice path. Callers write 24 kHz mono PCM in
// arbitrary lengths; the path regroups it into 60 ms frames, downsamples
// to 16 kHz, compresses each frame and enqueues the framed packet for
// batched transmission.
type Capture struct {
	mu      sync.Mutex
	chunker *audio.FrameChunker
	enc     codec.Encoder
	batcher Enqueuer
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewCapture builds the capture path on top of an encoder and the
// outbound batcher.
func NewCapture(enc codec.Encoder, batcher Enqueuer, logger *slog.Logger, m *metrics.Metrics) *Capture {
	return &Capture{
		chunker: audio.NewFrameChunker(audio.FrameBytes24k),
		enc:     enc,
		batcher: batcher,
		logger:  logger,
		metrics: m,
	}
}

// Write accepts a slice of 24 kHz mono PCM of any length. Complete 60 ms
// frames are transcoded and enqueued; a trailing partial frame is held
// until more samples arrive.
func (c *Capture) Write(pcm []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, frame := range c.chunker.Push(pcm) {
		c.encodeLocked(frame)
	}
}

// Finish flushes the capture stream: a trailing partial frame is padded
// with silence to a full frame, and the end-of-stream marker is enqueued
// behind everything already queued.
func (c *Capture) Finish() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if pending := c.chunker.Pending(); pending > 0 {
		pad := make([]byte, audio.FrameBytes24k-pending)
		for _, frame := range c.chunker.Push(pad) {
			c.encodeLocked(frame)
		}
	}
	c.batcher.EnqueueEOF()
}

// Reset discards buffered capture samples, for use on disconnect.
func (c *Capture) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.chunker.Reset()
}

// encodeLocked transcodes one full 24 kHz frame and enqueues it. Encode
// failures drop the frame; voice is loss-tolerant. Caller holds mu.
func (c *Capture) encodeLocked(frame24 []byte) {
	pcm16 := audio.Resample24To16Bytes(frame24)
	packet, err := c.enc.Encode(pcm16)
	if err != nil {
		c.metrics.EncodeErrors.Inc()
		c.logger.Warn("Dropping capture frame after encode error", slog.String("error", err.Error()))
		return
	}
	c.batcher.Enqueue(signal.AudioFrame(packet))
	c.metrics.FramesEncoded.Inc()
}
