package signal

import (
	"encoding/binary"
	"fmt"
	"log/slog"
)

// Frame identifiers. Everything except IDAudioPacket is a bare 2-byte
// control frame; audio packets carry a 2-byte length and a payload.
const (
	IDPause       uint16 = 0xFFFE
	IDResume      uint16 = 0xFFFD
	IDEOF         uint16 = 0xFFFC
	IDAudioPacket uint16 = 0x0001

	// ControlFrameSize is the wire size of a control frame.
	ControlFrameSize = 2

	// AudioHeaderSize covers the identifier and the payload length.
	AudioHeaderSize = 4

	// MaxAudioPayload bounds the declared payload length. A 60 ms Opus
	// packet is a few hundred bytes at most; anything near the uint16
	// ceiling is a corrupted length field, not a real packet.
	MaxAudioPayload = 4096
)

// EventType identifies a demuxed frame.
type EventType int

const (
	EventPause EventType = iota
	EventResume
	EventEOF
	EventAudioPacket
)

// String returns a human-readable event type name.
func (t EventType) String() string {
	switch t {
	case EventPause:
		return "pause"
	case EventResume:
		return "resume"
	case EventEOF:
		return "eof"
	case EventAudioPacket:
		return "audio_packet"
	default:
		return "unknown"
	}
}

// Event is a single demuxed frame. Payload is only set for audio packets.
type Event struct {
	Type    EventType
	Payload []byte
}

// ControlFrame encodes a bare control frame (PAUSE, RESUME, EOF).
func ControlFrame(id uint16) []byte {
	frame := make([]byte, ControlFrameSize)
	binary.LittleEndian.PutUint16(frame, id)
	return frame
}

// AudioFrame encodes an audio packet as identifier + length + payload.
func AudioFrame(payload []byte) []byte {
	frame := make([]byte, AudioHeaderSize+len(payload))
	binary.LittleEndian.PutUint16(frame[0:2], IDAudioPacket)
	binary.LittleEndian.PutUint16(frame[2:4], uint16(len(payload)))
	copy(frame[AudioHeaderSize:], payload)
	return frame
}

// IsEOFFrame reports whether data is exactly one EOF control frame.
func IsEOFFrame(data []byte) bool {
	return len(data) == ControlFrameSize && binary.LittleEndian.Uint16(data) == IDEOF
}

// Demuxer splits a stream of notification buffers into frames. A logical
// frame may straddle two physical notifications, so incomplete trailing
// bytes are carried over and prepended to the next Push.
type Demuxer struct {
	pending   []byte
	logger    *slog.Logger
	anomalies uint64
}

// NewDemuxer creates a demuxer that logs protocol anomalies to logger.
func NewDemuxer(logger *slog.Logger) *Demuxer {
	return &Demuxer{logger: logger}
}

// Push appends a notification buffer and returns every complete frame.
// An unknown identifier is logged and skipped by advancing two bytes,
// which resynchronizes the scan on the next aligned frame.
func (d *Demuxer) Push(buf []byte) []Event {
	d.pending = append(d.pending, buf...)

	var events []Event
	offset := 0
	for len(d.pending)-offset >= ControlFrameSize {
		id := binary.LittleEndian.Uint16(d.pending[offset:])

		switch id {
		case IDPause:
			events = append(events, Event{Type: EventPause})
			offset += ControlFrameSize

		case IDResume:
			events = append(events, Event{Type: EventResume})
			offset += ControlFrameSize

		case IDEOF:
			events = append(events, Event{Type: EventEOF})
			offset += ControlFrameSize

		case IDAudioPacket:
			if len(d.pending)-offset < AudioHeaderSize {
				// Header split across notifications; wait for the rest.
				d.compact(offset)
				return events
			}
			n := int(binary.LittleEndian.Uint16(d.pending[offset+2:]))
			if n > MaxAudioPayload {
				d.anomaly(id, n)
				offset += ControlFrameSize
				continue
			}
			if len(d.pending)-offset < AudioHeaderSize+n {
				d.compact(offset)
				return events
			}
			payload := make([]byte, n)
			copy(payload, d.pending[offset+AudioHeaderSize:offset+AudioHeaderSize+n])
			events = append(events, Event{Type: EventAudioPacket, Payload: payload})
			offset += AudioHeaderSize + n

		default:
			d.anomaly(id, 0)
			offset += ControlFrameSize
		}
	}

	d.compact(offset)
	return events
}

// Pending returns the number of buffered bytes awaiting a complete frame.
func (d *Demuxer) Pending() int {
	return len(d.pending)
}

// Anomalies returns the number of unrecognized identifiers seen so far.
func (d *Demuxer) Anomalies() uint64 {
	return d.anomalies
}

// Reset discards any buffered partial frame. Called on disconnect so a
// stale tail cannot corrupt the first frame of the next connection.
func (d *Demuxer) Reset() {
	d.pending = nil
}

func (d *Demuxer) compact(offset int) {
	if offset == 0 {
		return
	}
	rest := len(d.pending) - offset
	if rest == 0 {
		d.pending = d.pending[:0]
		return
	}
	copy(d.pending, d.pending[offset:])
	d.pending = d.pending[:rest]
}

func (d *Demuxer) anomaly(id uint16, length int) {
	d.anomalies++
	if d.logger != nil {
		d.logger.Warn("Unrecognized frame identifier, resynchronizing",
			slog.String("identifier", hexID(id)),
			slog.Int("declared_length", length),
			slog.Uint64("anomalies_total", d.anomalies),
		)
	}
}

func hexID(id uint16) string {
	return fmt.Sprintf("0x%04x", id)
}
