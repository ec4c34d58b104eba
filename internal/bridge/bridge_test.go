package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nathikazad/nexus-link/internal/audio"
	"github.com/nathikazad/nexus-link/internal/metrics"
	"github.com/nathikazad/nexus-link/internal/pipeline"
	"github.com/nathikazad/nexus-link/internal/queue"
	"github.com/nathikazad/nexus-link/internal/signal"
	"github.com/nathikazad/nexus-link/internal/transfer"
	"github.com/nathikazad/nexus-link/internal/transport"
)

// fakeTransport exposes the notification channels to the test so it can
// play the device side of the link.
type fakeTransport struct {
	mu       sync.Mutex
	writes   map[transport.Characteristic][][]byte
	channels map[transport.Characteristic]chan []byte
	onDisc   func()
	closed   bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		writes: make(map[transport.Characteristic][][]byte),
		channels: map[transport.Characteristic]chan []byte{
			transport.CharAudioTx:  make(chan []byte, 16),
			transport.CharFileTx:   make(chan []byte, 16),
			transport.CharFileCtrl: make(chan []byte, 16),
		},
	}
}

func (f *fakeTransport) Write(char transport.Characteristic, data []byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	f.writes[char] = append(f.writes[char], stored)
	return nil
}

func (f *fakeTransport) Read(transport.Characteristic) ([]byte, error) {
	return nil, errors.New("no staged value")
}

func (f *fakeTransport) Subscribe(char transport.Characteristic) (<-chan []byte, error) {
	ch, ok := f.channels[char]
	if !ok {
		return nil, transport.ErrCharacteristicUnknown
	}
	return ch, nil
}

func (f *fakeTransport) Connected() bool        { return true }
func (f *fakeTransport) MTU() uint16            { return 128 }
func (f *fakeTransport) OnDisconnect(fn func()) { f.onDisc = fn }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		for _, ch := range f.channels {
			close(ch)
		}
	}
	return nil
}

func (f *fakeTransport) notify(char transport.Characteristic, data []byte) {
	f.channels[char] <- data
}

func (f *fakeTransport) writesTo(char transport.Characteristic) [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes[char]))
	copy(out, f.writes[char])
	return out
}

type stubEncoder struct{}

func (stubEncoder) Encode(pcm []byte) ([]byte, error) { return []byte{0xEC}, nil }

type stubDecoder struct{}

func (stubDecoder) Decode(packet []byte) ([]byte, error) {
	return make([]byte, audio.FrameBytes16k), nil
}

type collectSink struct {
	mu    sync.Mutex
	total int
}

func (s *collectSink) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total += len(pcm)
	return nil
}

func (s *collectSink) bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

type testHarness struct {
	tr      *fakeTransport
	bridge  *Bridge
	batcher *queue.Batcher
	sink    *collectSink
	metrics *metrics.Metrics
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New(prometheus.NewRegistry())
	tr := newFakeTransport()

	batcherCfg := queue.Config{
		FlushInterval:     10 * time.Millisecond,
		SendDelay:         time.Millisecond,
		MaxBatchesPerTick: 5,
	}
	batcher := queue.NewBatcher(NewAudioSender(tr), batcherCfg, logger, m)

	transferCfg := transfer.Config{
		RetryInterval:    10 * time.Millisecond,
		MaxIdleTicks:     500,
		ListPollInterval: 5 * time.Millisecond,
	}
	transfers := transfer.NewManager(tr, transferCfg, logger, m)

	sink := &collectSink{}
	capture := pipeline.NewCapture(stubEncoder{}, batcher, logger, m)
	playback := pipeline.NewPlayback(stubDecoder{}, sink, logger, m)

	b := New(tr, capture, playback, batcher, transfers, nil, logger, m)
	require.NoError(t, b.Start())
	t.Cleanup(b.Stop)

	return &testHarness{tr: tr, bridge: b, batcher: batcher, sink: sink, metrics: m}
}

func TestPauseAndResumeGateOutbound(t *testing.T) {
	h := newHarness(t)

	h.tr.notify(transport.CharAudioTx, signal.ControlFrame(signal.IDPause))
	require.Eventually(t, h.batcher.Paused, time.Second, time.Millisecond)

	h.tr.notify(transport.CharAudioTx, signal.ControlFrame(signal.IDResume))
	require.Eventually(t, func() bool { return !h.batcher.Paused() }, time.Second, time.Millisecond)
}

func TestAudioPacketsReachPlaybackSink(t *testing.T) {
	h := newHarness(t)

	h.tr.notify(transport.CharAudioTx, signal.AudioFrame([]byte{0x01, 0x02}))
	h.tr.notify(transport.CharAudioTx, signal.AudioFrame([]byte{0x03}))

	require.Eventually(t, func() bool {
		return h.sink.bytes() == 2*audio.FrameBytes24k
	}, time.Second, time.Millisecond)
}

func TestEOFInvokesCallback(t *testing.T) {
	h := newHarness(t)

	done := make(chan struct{})
	h.bridge.SetEOFFunc(func() { close(done) })

	h.tr.notify(transport.CharAudioTx, signal.ControlFrame(signal.IDEOF))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("EOF callback never fired")
	}
}

func TestCaptureFlowsToAudioCharacteristic(t *testing.T) {
	h := newHarness(t)

	h.bridge.WriteCapture(make([]byte, audio.FrameBytes24k))

	require.Eventually(t, func() bool {
		return len(h.tr.writesTo(transport.CharAudioRx)) >= 1
	}, time.Second, time.Millisecond)

	batch := h.tr.writesTo(transport.CharAudioRx)[0]
	events := signal.NewDemuxer(slog.New(slog.NewTextHandler(io.Discard, nil))).Push(batch)
	require.Len(t, events, 1)
	assert.Equal(t, signal.EventAudioPacket, events[0].Type)
	assert.Equal(t, []byte{0xEC}, events[0].Payload)
}

func TestFinishCaptureSendsEOFLast(t *testing.T) {
	h := newHarness(t)

	h.bridge.WriteCapture(make([]byte, audio.FrameBytes24k))
	h.bridge.FinishCapture()

	require.Eventually(t, func() bool {
		for _, batch := range h.tr.writesTo(transport.CharAudioRx) {
			if signal.IsEOFFrame(batch) {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	batches := h.tr.writesTo(transport.CharAudioRx)
	assert.True(t, signal.IsEOFFrame(batches[len(batches)-1]), "EOF must be the last batch sent")
}

func TestReceiveFileEndToEnd(t *testing.T) {
	h := newHarness(t)

	content := []byte("the quick brown fox")
	meta := transfer.FileMeta{
		Name:         "fox.txt",
		Size:         uint32(len(content)),
		Hash:         transfer.Hash32(content),
		TotalPackets: 2,
	}
	dest := filepath.Join(t.TempDir(), "fox.txt")

	result := make(chan error, 1)
	go func() { result <- h.bridge.ReceiveFile(context.Background(), "fox.txt", dest) }()

	require.Eventually(t, func() bool {
		for _, frame := range h.tr.writesTo(transport.CharFileCtrl) {
			if len(frame) > 0 && frame[0] == transfer.OpStartSendFile {
				return true
			}
		}
		return false
	}, time.Second, time.Millisecond)

	h.tr.notify(transport.CharFileCtrl, transfer.EncodeControl(transfer.OpStartSendFile, transfer.EncodeFileMetaPayload(meta)))
	h.tr.notify(transport.CharFileTx, transfer.EncodeDataPacket(0, content[:10]))
	h.tr.notify(transport.CharFileTx, transfer.EncodeDataPacket(1, content[10:]))

	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("receive never resolved")
	}

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestDisconnectResetsEverything(t *testing.T) {
	h := newHarness(t)

	// Leave state behind in every component: a paused queue with pending
	// audio, a partial capture frame and an in-flight transfer.
	h.tr.notify(transport.CharAudioTx, signal.ControlFrame(signal.IDPause))
	require.Eventually(t, h.batcher.Paused, time.Second, time.Millisecond)

	h.bridge.WriteCapture(make([]byte, 3*audio.FrameBytes24k+100))

	result := make(chan error, 1)
	go func() {
		result <- h.bridge.SendFile(context.Background(), writeTempFile(t), "out.bin")
	}()
	require.Eventually(t, func() bool {
		return len(h.tr.writesTo(transport.CharFileRx)) >= 1
	}, time.Second, time.Millisecond)

	h.tr.onDisc()

	require.ErrorIs(t, <-result, transfer.ErrDisconnected)
	assert.False(t, h.batcher.Paused(), "paused flag must reset on disconnect")
	assert.Zero(t, h.batcher.Depth(), "queued batches must be cleared on disconnect")
}

func TestDisconnectStopsDrainTick(t *testing.T) {
	h := newHarness(t)

	h.tr.onDisc()

	h.bridge.WriteCapture(make([]byte, audio.FrameBytes24k))
	h.bridge.FinishCapture()

	// Five tick periods with a live sender and a queued EOF: a running
	// drain loop would have flushed by now.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, h.tr.writesTo(transport.CharAudioRx), "no sends after disconnect")
}

func TestUnknownIdentifierCountsAnomaly(t *testing.T) {
	h := newHarness(t)

	h.tr.notify(transport.CharAudioTx, []byte{0xAB, 0xCD})

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.ProtocolAnomalies) == 1
	}, time.Second, time.Millisecond)
}

func writeTempFile(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(path, []byte("payload"), 0o644))
	return path
}
