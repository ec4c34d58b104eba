package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nathikazad/nexus-link/internal/metrics"
	"github.com/nathikazad/nexus-link/internal/monitor"
	"github.com/nathikazad/nexus-link/internal/pipeline"
	"github.com/nathikazad/nexus-link/internal/queue"
	"github.com/nathikazad/nexus-link/internal/signal"
	"github.com/nathikazad/nexus-link/internal/transfer"
	"github.com/nathikazad/nexus-link/internal/transport"
)

// audioSender adapts the transport to the batcher: batches go out as
// unacknowledged writes on the app→device audio characteristic.
type audioSender struct {
	tr transport.Transport
}

// NewAudioSender returns the queue.Sender backed by tr's audio write
// characteristic.
func NewAudioSender(tr transport.Transport) queue.Sender {
	return &audioSender{tr: tr}
}

func (s *audioSender) Connected() bool { return s.tr.Connected() }
func (s *audioSender) MTU() uint16     { return s.tr.MTU() }

func (s *audioSender) Send(data []byte) error {
	return s.tr.Write(transport.CharAudioRx, data, false)
}

// Bridge connects the transport's notification streams to the protocol
// components and is the single owner of link lifecycle state.
type Bridge struct {
	tr        transport.Transport
	capture   *pipeline.Capture
	playback  *pipeline.Playback
	batcher   *queue.Batcher
	transfers *transfer.Manager
	hub       *monitor.Hub
	logger    *slog.Logger
	metrics   *metrics.Metrics

	demuxMu       sync.Mutex
	demux         *signal.Demuxer
	lastAnomalies uint64

	onEOF func()

	wg       sync.WaitGroup
	stopOnce sync.Once
}

// New wires a bridge from its components. hub may be nil when no monitor
// endpoint is exposed.
func New(
	tr transport.Transport,
	capture *pipeline.Capture,
	playback *pipeline.Playback,
	batcher *queue.Batcher,
	transfers *transfer.Manager,
	hub *monitor.Hub,
	logger *slog.Logger,
	m *metrics.Metrics,
) *Bridge {
	return &Bridge{
		tr:        tr,
		capture:   capture,
		playback:  playback,
		batcher:   batcher,
		transfers: transfers,
		hub:       hub,
		logger:    logger,
		metrics:   m,
		demux:     signal.NewDemuxer(logger),
	}
}

// SetEOFFunc registers a callback invoked when the device signals the end
// of its audio stream.
func (b *Bridge) SetEOFFunc(fn func()) {
	b.onEOF = fn
}

// Start subscribes to the three device→app notification streams and
// launches their dispatch loops, then starts the outbound drain tick.
func (b *Bridge) Start() error {
	audioCh, err := b.tr.Subscribe(transport.CharAudioTx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to audio stream: %w", err)
	}
	dataCh, err := b.tr.Subscribe(transport.CharFileTx)
	if err != nil {
		return fmt.Errorf("failed to subscribe to file data stream: %w", err)
	}
	ctrlCh, err := b.tr.Subscribe(transport.CharFileCtrl)
	if err != nil {
		return fmt.Errorf("failed to subscribe to file control stream: %w", err)
	}

	b.tr.OnDisconnect(b.handleDisconnect)
	b.transfers.SetProgressFunc(b.broadcastProgress)

	b.wg.Add(3)
	go b.audioLoop(audioCh)
	go b.dispatchLoop(dataCh, b.transfers.HandleData)
	go b.dispatchLoop(ctrlCh, b.transfers.HandleControl)

	b.batcher.Start()
	b.metrics.LinkConnected.Set(1)
	b.broadcast(monitor.Event{Type: "link_connected"})
	b.logger.Info("Bridge started", slog.Int("mtu", int(b.tr.MTU())))
	return nil
}

// Stop shuts the bridge down: the drain tick stops, the transport closes,
// and the dispatch loops exit as their streams close.
func (b *Bridge) Stop() {
	b.stopOnce.Do(func() {
		b.batcher.Stop()
		b.transfers.Reset(transfer.ErrDisconnected)
		if err := b.tr.Close(); err != nil {
			b.logger.Warn("Transport close failed", slog.String("error", err.Error()))
		}
		b.wg.Wait()
		b.logger.Info("Bridge stopped")
	})
}

// WriteCapture feeds 24 kHz mono PCM into the outbound voice path.
func (b *Bridge) WriteCapture(pcm []byte) {
	b.capture.Write(pcm)
}

// FinishCapture flushes the outbound voice path and queues the
// end-of-stream marker behind any pending audio.
func (b *Bridge) FinishCapture() {
	b.capture.Finish()
}

// ListFiles, SendFile and ReceiveFile expose the transfer operations to
// the daemon's callers.

func (b *Bridge) ListFiles(ctx context.Context, path string) ([]transfer.FileEntry, error) {
	return b.transfers.ListFiles(ctx, path)
}

func (b *Bridge) SendFile(ctx context.Context, localPath, remoteName string) error {
	return b.transfers.SendFile(ctx, localPath, remoteName)
}

func (b *Bridge) ReceiveFile(ctx context.Context, remoteName, localPath string) error {
	return b.transfers.ReceiveFile(ctx, remoteName, localPath)
}

// audioLoop demuxes audio notifications and dispatches the resulting
// frames: flow control to the batcher, packets to the playback path.
func (b *Bridge) audioLoop(ch <-chan []byte) {
	defer b.wg.Done()
	for buf := range ch {
		b.demuxMu.Lock()
		events := b.demux.Push(buf)
		anomalies := b.demux.Anomalies()
		b.demuxMu.Unlock()

		// lastAnomalies is only touched here; audioLoop is the sole reader
		// of the audio stream.
		if anomalies > b.lastAnomalies {
			b.metrics.ProtocolAnomalies.Add(float64(anomalies - b.lastAnomalies))
			b.lastAnomalies = anomalies
		}

		for _, ev := range events {
			b.metrics.FramesDemuxed.WithLabelValues(ev.Type.String()).Inc()
			switch ev.Type {
			case signal.EventPause:
				b.batcher.Pause()
				b.broadcast(monitor.Event{Type: "flow_paused"})
			case signal.EventResume:
				b.batcher.Resume()
				b.broadcast(monitor.Event{Type: "flow_resumed"})
			case signal.EventEOF:
				b.logger.Info("Device audio stream ended")
				b.broadcast(monitor.Event{Type: "stream_eof"})
				if b.onEOF != nil {
					b.onEOF()
				}
			case signal.EventAudioPacket:
				b.playback.HandlePacket(ev.Payload)
			}
		}
	}
}

// dispatchLoop forwards each notification on ch to handle until the
// stream closes.
func (b *Bridge) dispatchLoop(ch <-chan []byte, handle func([]byte)) {
	defer b.wg.Done()
	for buf := range ch {
		handle(buf)
	}
}

// handleDisconnect resets every piece of per-connection state: pending
// queue and sealed batches, the paused flag, buffered capture samples,
// partial demuxed frames and the active transfer session. Both periodic
// timers stop: the transfer retry timer via Reset, the drain tick here.
// The transport never reconnects within one daemon run, so stopping the
// batcher is final.
func (b *Bridge) handleDisconnect() {
	b.logger.Warn("Link disconnected, resetting session state")
	b.metrics.LinkConnected.Set(0)

	b.batcher.Stop()
	b.batcher.Clear()
	b.capture.Reset()

	b.demuxMu.Lock()
	b.demux.Reset()
	b.demuxMu.Unlock()

	b.transfers.Reset(transfer.ErrDisconnected)
	b.broadcast(monitor.Event{Type: "link_disconnected"})
}

func (b *Bridge) broadcastProgress(p transfer.Progress) {
	b.broadcast(monitor.Event{Type: "transfer_progress", Payload: p})
}

func (b *Bridge) broadcast(event monitor.Event) {
	if b.hub != nil {
		b.hub.Broadcast(event)
	}
}
