package audio

import "sync"

// FrameChunker reassembles arbitrarily sized PCM writes into frames of
// exactly frameSize bytes. The BLE layer chunks inbound audio at whatever
// the link happens to deliver, so a residual buffer carries the remainder
// between calls. This is what guarantees the encoder only ever sees
// full frames.
type FrameChunker struct {
	frameSize int
	pending   []byte
	mu        sync.Mutex
}

// NewFrameChunker creates a chunker emitting frames of frameSize bytes.
func NewFrameChunker(frameSize int) *FrameChunker {
	if frameSize <= 0 {
		panic("audio: frame size must be positive")
	}
	return &FrameChunker{frameSize: frameSize}
}

// Push appends data and returns every complete frame now available, in
// order. Each returned frame is exactly frameSize bytes and owns its
// backing array.
func (c *FrameChunker) Push(data []byte) [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = append(c.pending, data...)

	var frames [][]byte
	for len(c.pending) >= c.frameSize {
		frame := make([]byte, c.frameSize)
		copy(frame, c.pending[:c.frameSize])
		frames = append(frames, frame)
		c.pending = c.pending[c.frameSize:]
	}

	// Reclaim the consumed prefix so pending does not pin old arrays.
	if len(frames) > 0 {
		rest := make([]byte, len(c.pending))
		copy(rest, c.pending)
		c.pending = rest
	}

	return frames
}

// Pending returns the number of buffered bytes short of a full frame.
func (c *FrameChunker) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Reset discards any partial frame, e.g. when the link drops mid-stream.
func (c *FrameChunker) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = nil
}
