package pipeline

import (
	"log/slog"

	"github.com/nathikazad/nexus-link/internal/audio"
	"github.com/nathikazad/nexus-link/internal/codec"
	"github.com/nathikazad/nexus-link/internal/metrics"
)

// Sink consumes 24 kHz mono PCM produced by the playback path.
type Sink interface {
	Write(pcm []byte) error
}

// Playback is the inbound voice path: each compressed packet is decoded
// to a 16 kHz frame, upsampled to 24 kHz and handed to the sink. A packet
// that fails to decode is dropped; the stream recovers on the next one.
type Playback struct {
	dec     codec.Decoder
	sink    Sink
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewPlayback builds the playback path on top of a decoder and a PCM sink.
func NewPlayback(dec codec.Decoder, sink Sink, logger *slog.Logger, m *metrics.Metrics) *Playback {
	return &Playback{
		dec:     dec,
		sink:    sink,
		logger:  logger,
		metrics: m,
	}
}

// HandlePacket transcodes one inbound packet and writes the result to the
// sink.
func (p *Playback) HandlePacket(packet []byte) {
	pcm16, err := p.dec.Decode(packet)
	if err != nil {
		p.metrics.DecodeErrors.Inc()
		p.logger.Warn("Dropping audio packet after decode error",
			slog.Int("bytes", len(packet)),
			slog.String("error", err.Error()),
		)
		return
	}

	pcm24 := audio.Resample16To24Bytes(pcm16)
	if err := p.sink.Write(pcm24); err != nil {
		p.logger.Warn("Playback sink write failed", slog.String("error", err.Error()))
		return
	}
	p.metrics.PacketsDecoded.Inc()
}
