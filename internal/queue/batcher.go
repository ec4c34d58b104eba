package queue

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nathikazad/nexus-link/internal/metrics"
	"github.com/nathikazad/nexus-link/internal/signal"
)

// Sender is the slice of the transport boundary the batcher needs.
type Sender interface {
	Connected() bool
	MTU() uint16
	Send(data []byte) error
}

// Config contains batcher timing parameters.
type Config struct {
	// FlushInterval is the drain tick period.
	FlushInterval time.Duration
	// SendDelay is the pause between consecutive sends within one tick,
	// so the radio stack is not saturated.
	SendDelay time.Duration
	// MaxBatchesPerTick bounds how many batches one tick may send.
	MaxBatchesPerTick int
}

// DefaultConfig returns the batcher timing used in production.
func DefaultConfig() Config {
	return Config{
		FlushInterval:     time.Second,
		SendDelay:         100 * time.Millisecond,
		MaxBatchesPerTick: 5,
	}
}

// Batcher accumulates outbound frames into MTU-sized batches and drains
// them on a periodic tick. Invariant: no sealed batch ever exceeds the
// MTU. A send failure drops the batch; the audio path is loss-tolerant
// and never retries at this layer.
type Batcher struct {
	sender  Sender
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	batch    []byte
	queue    [][]byte
	paused   bool
	draining bool

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
	started  bool
}

// NewBatcher creates a batcher draining into sender.
func NewBatcher(sender Sender, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Batcher {
	return &Batcher{
		sender:  sender,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		stopCh:  make(chan struct{}),
	}
}

// Enqueue appends a frame to the current batch, sealing the batch first
// when the frame would push it past the MTU.
func (b *Batcher) Enqueue(frame []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	mtu := int(b.sender.MTU())
	if len(b.batch) > 0 && len(b.batch)+len(frame) > mtu {
		b.sealLocked()
	}
	b.batch = append(b.batch, frame...)
}

// EnqueueEOF seals any pending batch and pushes a dedicated EOF frame as
// the final queue entry.
func (b *Batcher) EnqueueEOF() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.sealLocked()
	b.queue = append(b.queue, signal.ControlFrame(signal.IDEOF))
	b.metrics.QueueDepth.Set(float64(len(b.queue)))
}

// Pause stops draining until Resume. Driven by the peer's PAUSE frame.
func (b *Batcher) Pause() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = true
}

// Resume re-enables draining after a peer RESUME frame.
func (b *Batcher) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.paused = false
}

// Paused reports whether peer backpressure currently gates the drain.
func (b *Batcher) Paused() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.paused
}

// Depth returns the number of sealed batches awaiting transmission.
func (b *Batcher) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Clear drops the queue, the partial batch, and the paused flag. Called
// on disconnect: nothing carries over to the next connection.
func (b *Batcher) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = nil
	b.batch = nil
	b.paused = false
	b.metrics.QueueDepth.Set(0)
}

// Start launches the periodic drain tick.
func (b *Batcher) Start() {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return
	}
	b.started = true
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		ticker := time.NewTicker(b.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-b.stopCh:
				return
			case <-ticker.C:
				b.drainOnce()
			}
		}
	}()
}

// Stop halts the drain tick and waits for an in-flight drain to finish.
func (b *Batcher) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// drainOnce runs a single drain tick. Guarded so at most one drain
// executes at a time even if a tick fires while a slow send is still in
// progress.
func (b *Batcher) drainOnce() {
	b.mu.Lock()
	if b.draining {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.sealLocked()
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		b.draining = false
		b.mu.Unlock()
	}()

	for sent := 0; sent < b.cfg.MaxBatchesPerTick; sent++ {
		b.mu.Lock()
		if b.paused || !b.sender.Connected() || len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		entry := b.queue[0]
		b.queue = b.queue[1:]
		b.metrics.QueueDepth.Set(float64(len(b.queue)))
		b.mu.Unlock()

		isEOF := signal.IsEOFFrame(entry)
		if err := b.sender.Send(entry); err != nil {
			// Dropped on purpose: audio is loss-tolerant here.
			b.metrics.SendErrors.Inc()
			b.metrics.BatchesDropped.Inc()
			b.logger.Warn("Batch send failed, dropping",
				slog.Int("bytes", len(entry)),
				slog.Bool("eof", isEOF),
				slog.String("error", err.Error()),
			)
		} else {
			b.metrics.BatchesSent.Inc()
		}

		// EOF is always the last entry; stop draining for this tick.
		if isEOF {
			return
		}

		select {
		case <-b.stopCh:
			return
		case <-time.After(b.cfg.SendDelay):
		}
	}
}

// sealLocked moves the current batch into the send queue. Caller holds mu.
func (b *Batcher) sealLocked() {
	if len(b.batch) == 0 {
		return
	}
	b.queue = append(b.queue, b.batch)
	b.metrics.BatchBytes.Observe(float64(len(b.batch)))
	b.metrics.QueueDepth.Set(float64(len(b.queue)))
	b.batch = nil
}
