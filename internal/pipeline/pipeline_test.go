package pipeline

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nathikazad/nexus-link/internal/audio"
	"github.com/nathikazad/nexus-link/internal/metrics"
	"github.com/nathikazad/nexus-link/internal/signal"
)

// stubEncoder tags each frame with a marker byte so tests can trace
// frames through the path without a real codec.
type stubEncoder struct {
	frames [][]byte
	err    error
}

func (e *stubEncoder) Encode(pcm []byte) ([]byte, error) {
	if e.err != nil {
		return nil, e.err
	}
	stored := make([]byte, len(pcm))
	copy(stored, pcm)
	e.frames = append(e.frames, stored)
	return []byte{0xEC, byte(len(e.frames))}, nil
}

type stubDecoder struct {
	out []byte
	err error
}

func (d *stubDecoder) Decode(packet []byte) ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	return d.out, nil
}

type fakeQueue struct {
	frames [][]byte
	eofs   int
}

func (q *fakeQueue) Enqueue(frame []byte) { q.frames = append(q.frames, frame) }
func (q *fakeQueue) EnqueueEOF()          { q.eofs++ }

type bufferSink struct {
	buf bytes.Buffer
	err error
}

func (s *bufferSink) Write(pcm []byte) error {
	if s.err != nil {
		return s.err
	}
	_, _ = s.buf.Write(pcm)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testMetrics() *metrics.Metrics {
	return metrics.New(prometheus.NewRegistry())
}

func TestCaptureWriteProducesFramedPackets(t *testing.T) {
	enc := &stubEncoder{}
	q := &fakeQueue{}
	c := NewCapture(enc, q, testLogger(), testMetrics())

	// Two full 60 ms frames delivered across uneven writes.
	pcm := make([]byte, 2*audio.FrameBytes24k)
	c.Write(pcm[:1000])
	c.Write(pcm[1000:4000])
	c.Write(pcm[4000:])

	if len(enc.frames) != 2 {
		t.Fatalf("encoded %d frames, want 2", len(enc.frames))
	}
	for i, frame := range enc.frames {
		if len(frame) != audio.FrameBytes16k {
			t.Errorf("frame %d: encoder fed %d bytes, want %d", i, len(frame), audio.FrameBytes16k)
		}
	}

	if len(q.frames) != 2 {
		t.Fatalf("enqueued %d frames, want 2", len(q.frames))
	}
	for i, frame := range q.frames {
		if len(frame) != signal.AudioHeaderSize+2 {
			t.Errorf("frame %d: wire size %d, want %d", i, len(frame), signal.AudioHeaderSize+2)
		}
	}
}

func TestCapturePartialFrameHeldBack(t *testing.T) {
	enc := &stubEncoder{}
	q := &fakeQueue{}
	c := NewCapture(enc, q, testLogger(), testMetrics())

	c.Write(make([]byte, audio.FrameBytes24k-2))
	if len(q.frames) != 0 {
		t.Fatalf("partial frame produced %d packets, want 0", len(q.frames))
	}

	c.Write(make([]byte, 2))
	if len(q.frames) != 1 {
		t.Fatalf("completed frame produced %d packets, want 1", len(q.frames))
	}
}

func TestCaptureFinishPadsTailAndSignalsEOF(t *testing.T) {
	enc := &stubEncoder{}
	q := &fakeQueue{}
	c := NewCapture(enc, q, testLogger(), testMetrics())

	c.Write(make([]byte, audio.FrameBytes24k+100))
	c.Finish()

	if len(q.frames) != 2 {
		t.Fatalf("enqueued %d frames, want 2 (full + padded tail)", len(q.frames))
	}
	if q.eofs != 1 {
		t.Fatalf("enqueued %d EOF markers, want 1", q.eofs)
	}
}

func TestCaptureFinishWithoutTail(t *testing.T) {
	enc := &stubEncoder{}
	q := &fakeQueue{}
	c := NewCapture(enc, q, testLogger(), testMetrics())

	c.Write(make([]byte, audio.FrameBytes24k))
	c.Finish()

	if len(q.frames) != 1 {
		t.Fatalf("enqueued %d frames, want 1", len(q.frames))
	}
	if q.eofs != 1 {
		t.Fatalf("enqueued %d EOF markers, want 1", q.eofs)
	}
}

func TestCaptureEncodeErrorDropsFrame(t *testing.T) {
	enc := &stubEncoder{err: errors.New("codec unavailable")}
	q := &fakeQueue{}
	c := NewCapture(enc, q, testLogger(), testMetrics())

	c.Write(make([]byte, audio.FrameBytes24k))
	if len(q.frames) != 0 {
		t.Fatalf("enqueued %d frames after encode error, want 0", len(q.frames))
	}
}

func TestCaptureResetDiscardsPending(t *testing.T) {
	enc := &stubEncoder{}
	q := &fakeQueue{}
	c := NewCapture(enc, q, testLogger(), testMetrics())

	c.Write(make([]byte, 100))
	c.Reset()
	c.Write(make([]byte, audio.FrameBytes24k-100))

	// After the reset those 100 bytes must not count toward a frame.
	if len(q.frames) != 0 {
		t.Fatalf("enqueued %d frames, want 0", len(q.frames))
	}
}

func TestPlaybackUpsamplesToSink(t *testing.T) {
	dec := &stubDecoder{out: make([]byte, audio.FrameBytes16k)}
	sink := &bufferSink{}
	p := NewPlayback(dec, sink, testLogger(), testMetrics())

	p.HandlePacket([]byte{0x01})

	if got := sink.buf.Len(); got != audio.FrameBytes24k {
		t.Fatalf("sink received %d bytes, want %d", got, audio.FrameBytes24k)
	}
}

func TestPlaybackDecodeErrorDropsPacket(t *testing.T) {
	dec := &stubDecoder{err: errors.New("corrupted packet")}
	sink := &bufferSink{}
	p := NewPlayback(dec, sink, testLogger(), testMetrics())

	p.HandlePacket([]byte{0x01})

	if sink.buf.Len() != 0 {
		t.Fatalf("sink received %d bytes after decode error, want 0", sink.buf.Len())
	}
}

func TestPlaybackSinkErrorDoesNotPanic(t *testing.T) {
	dec := &stubDecoder{out: make([]byte, audio.FrameBytes16k)}
	sink := &bufferSink{err: errors.New("disk full")}
	p := NewPlayback(dec, sink, testLogger(), testMetrics())

	p.HandlePacket([]byte{0x01})
}
