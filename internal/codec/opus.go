package codec

import (
	"fmt"

	opus "gopkg.in/hraban/opus.v2"

	"github.com/nathikazad/nexus-link/internal/audio"
)

// maxPacketSize is the encode output buffer size. Opus recommends 4000
// bytes as the worst case for a single frame.
const maxPacketSize = 4000

// Encoder turns fixed-size PCM frames into compressed packets.
type Encoder interface {
	// Encode compresses exactly one 60 ms frame of 16 kHz mono PCM
	// (audio.FrameBytes16k bytes). Any other input size is an upstream
	// chunking bug and panics.
	Encode(pcm []byte) ([]byte, error)
}

// Decoder turns compressed packets back into PCM frames.
type Decoder interface {
	// Decode decompresses a single packet into 16 kHz mono PCM bytes.
	Decode(packet []byte) ([]byte, error)
}

// OpusEncoder is a streaming Opus encoder configured for voice: 16 kHz,
// mono, 60 ms frames.
type OpusEncoder struct {
	enc *opus.Encoder
	buf []byte
}

// NewOpusEncoder creates the outbound voice encoder.
func NewOpusEncoder() (*OpusEncoder, error) {
	enc, err := opus.NewEncoder(audio.SampleRate16k, 1, opus.AppVoIP)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	return &OpusEncoder{
		enc: enc,
		buf: make([]byte, maxPacketSize),
	}, nil
}

// Encode compresses one fixed-size PCM frame into an Opus packet.
//
// The frame-size check is a programming invariant, not an input error:
// the upstream chunker guarantees full frames, so a violation here means
// the pipeline is broken and must fail loudly rather than feed the codec
// malformed input.
func (e *OpusEncoder) Encode(pcm []byte) ([]byte, error) {
	if len(pcm) != audio.FrameBytes16k {
		panic(fmt.Sprintf("codec: encoder fed %d-byte frame, want exactly %d", len(pcm), audio.FrameBytes16k))
	}

	n, err := e.enc.Encode(audio.BytesToSamples(pcm), e.buf)
	if err != nil {
		return nil, fmt.Errorf("opus encode failed: %w", err)
	}

	packet := make([]byte, n)
	copy(packet, e.buf[:n])
	return packet, nil
}

// OpusDecoder is a streaming Opus decoder for the inbound voice path.
// Decode errors are per-packet: the caller drops the packet and the
// stream self-heals on the next good one.
type OpusDecoder struct {
	dec *opus.Decoder
	pcm []int16
}

// NewOpusDecoder creates the inbound voice decoder.
func NewOpusDecoder() (*OpusDecoder, error) {
	dec, err := opus.NewDecoder(audio.SampleRate16k, 1)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus decoder: %w", err)
	}
	return &OpusDecoder{
		dec: dec,
		pcm: make([]int16, audio.FrameSamples16k),
	}, nil
}

// Decode decompresses one packet into 16 kHz mono PCM bytes.
func (d *OpusDecoder) Decode(packet []byte) ([]byte, error) {
	if len(packet) == 0 {
		return nil, fmt.Errorf("empty opus packet")
	}

	n, err := d.dec.Decode(packet, d.pcm)
	if err != nil {
		return nil, fmt.Errorf("opus decode failed: %w", err)
	}

	return audio.SamplesToBytes(d.pcm[:n]), nil
}
