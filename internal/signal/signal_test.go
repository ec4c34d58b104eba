package signal

import (
	"bytes"
	"encoding/binary"
	"testing"
)

func audioWire(payload []byte) []byte {
	return AudioFrame(payload)
}

func TestDemuxSingleFrames(t *testing.T) {
	tests := []struct {
		name    string
		input   []byte
		want    []Event
		pending int
	}{
		{
			name:  "pause",
			input: ControlFrame(IDPause),
			want:  []Event{{Type: EventPause}},
		},
		{
			name:  "resume",
			input: ControlFrame(IDResume),
			want:  []Event{{Type: EventResume}},
		},
		{
			name:  "eof",
			input: ControlFrame(IDEOF),
			want:  []Event{{Type: EventEOF}},
		},
		{
			name:  "audio packet",
			input: audioWire([]byte{0xDE, 0xAD, 0xBE, 0xEF}),
			want:  []Event{{Type: EventAudioPacket, Payload: []byte{0xDE, 0xAD, 0xBE, 0xEF}}},
		},
		{
			name:  "empty audio packet",
			input: audioWire(nil),
			want:  []Event{{Type: EventAudioPacket, Payload: []byte{}}},
		},
		{
			name:    "lone byte stays pending",
			input:   []byte{0x01},
			want:    nil,
			pending: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDemuxer(nil)
			got := d.Push(tt.input)
			assertEvents(t, got, tt.want)
			if d.Pending() != tt.pending {
				t.Errorf("Pending() = %d, want %d", d.Pending(), tt.pending)
			}
		})
	}
}

func TestDemuxConcatenatedFrames(t *testing.T) {
	var buf []byte
	buf = append(buf, ControlFrame(IDPause)...)
	buf = append(buf, audioWire([]byte{1, 2, 3})...)
	buf = append(buf, audioWire([]byte{4, 5})...)
	buf = append(buf, ControlFrame(IDResume)...)
	buf = append(buf, ControlFrame(IDEOF)...)

	d := NewDemuxer(nil)
	got := d.Push(buf)

	want := []Event{
		{Type: EventPause},
		{Type: EventAudioPacket, Payload: []byte{1, 2, 3}},
		{Type: EventAudioPacket, Payload: []byte{4, 5}},
		{Type: EventResume},
		{Type: EventEOF},
	}
	assertEvents(t, got, want)
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", d.Pending())
	}
}

func TestDemuxFrameSplitAcrossNotifications(t *testing.T) {
	payload := []byte{10, 20, 30, 40, 50, 60}
	wire := audioWire(payload)

	// Split at every position, including inside the 4-byte header.
	for cut := 1; cut < len(wire); cut++ {
		d := NewDemuxer(nil)

		got := d.Push(wire[:cut])
		if len(got) != 0 {
			t.Fatalf("cut=%d: got %d events from partial frame, want 0", cut, len(got))
		}
		if d.Pending() != cut {
			t.Fatalf("cut=%d: Pending() = %d, want %d", cut, d.Pending(), cut)
		}

		got = d.Push(wire[cut:])
		assertEvents(t, got, []Event{{Type: EventAudioPacket, Payload: payload}})
		if d.Pending() != 0 {
			t.Fatalf("cut=%d: Pending() = %d after completion, want 0", cut, d.Pending())
		}
	}
}

func TestDemuxTailCarriesIntoNextPush(t *testing.T) {
	first := append(ControlFrame(IDPause), audioWire([]byte{7, 8, 9})[:3]...)
	second := append(audioWire([]byte{7, 8, 9})[3:], ControlFrame(IDResume)...)

	d := NewDemuxer(nil)
	got := d.Push(first)
	assertEvents(t, got, []Event{{Type: EventPause}})

	got = d.Push(second)
	assertEvents(t, got, []Event{
		{Type: EventAudioPacket, Payload: []byte{7, 8, 9}},
		{Type: EventResume},
	})
}

func TestDemuxAnomalyResync(t *testing.T) {
	var buf []byte
	unknown := make([]byte, 2)
	binary.LittleEndian.PutUint16(unknown, 0xBEEF)
	buf = append(buf, unknown...)
	buf = append(buf, ControlFrame(IDEOF)...)

	d := NewDemuxer(nil)
	got := d.Push(buf)

	assertEvents(t, got, []Event{{Type: EventEOF}})
	if d.Anomalies() != 1 {
		t.Errorf("Anomalies() = %d, want 1", d.Anomalies())
	}
}

func TestDemuxOversizedLengthTreatedAsAnomaly(t *testing.T) {
	buf := make([]byte, 4)
	binary.LittleEndian.PutUint16(buf[0:2], IDAudioPacket)
	binary.LittleEndian.PutUint16(buf[2:4], 0xFFFF)
	buf = append(buf, ControlFrame(IDResume)...)

	d := NewDemuxer(nil)
	got := d.Push(buf)

	// The bogus length field itself is rescanned: 0xFFFF is not a known
	// identifier, so it is skipped as a second anomaly before the RESUME.
	assertEvents(t, got, []Event{{Type: EventResume}})
	if d.Anomalies() != 2 {
		t.Errorf("Anomalies() = %d, want 2", d.Anomalies())
	}
}

func TestDemuxReset(t *testing.T) {
	d := NewDemuxer(nil)
	d.Push(audioWire([]byte{1, 2, 3})[:4])
	if d.Pending() == 0 {
		t.Fatal("expected pending bytes before reset")
	}
	d.Reset()
	if d.Pending() != 0 {
		t.Errorf("Pending() = %d after Reset, want 0", d.Pending())
	}
}

func TestControlFrameEncoding(t *testing.T) {
	frame := ControlFrame(IDPause)
	if len(frame) != ControlFrameSize {
		t.Fatalf("control frame size = %d, want %d", len(frame), ControlFrameSize)
	}
	if got := binary.LittleEndian.Uint16(frame); got != IDPause {
		t.Errorf("identifier = 0x%04X, want 0x%04X", got, IDPause)
	}
}

func TestAudioFrameEncoding(t *testing.T) {
	payload := []byte{0xAA, 0xBB, 0xCC}
	frame := AudioFrame(payload)

	if len(frame) != AudioHeaderSize+len(payload) {
		t.Fatalf("frame size = %d, want %d", len(frame), AudioHeaderSize+len(payload))
	}
	if got := binary.LittleEndian.Uint16(frame[0:2]); got != IDAudioPacket {
		t.Errorf("identifier = 0x%04X, want 0x%04X", got, IDAudioPacket)
	}
	if got := binary.LittleEndian.Uint16(frame[2:4]); got != uint16(len(payload)) {
		t.Errorf("length = %d, want %d", got, len(payload))
	}
	if !bytes.Equal(frame[4:], payload) {
		t.Errorf("payload = %v, want %v", frame[4:], payload)
	}
}

func TestIsEOFFrame(t *testing.T) {
	if !IsEOFFrame(ControlFrame(IDEOF)) {
		t.Error("IsEOFFrame(EOF) = false, want true")
	}
	if IsEOFFrame(ControlFrame(IDPause)) {
		t.Error("IsEOFFrame(PAUSE) = true, want false")
	}
	if IsEOFFrame(append(ControlFrame(IDEOF), 0)) {
		t.Error("IsEOFFrame(EOF+extra) = true, want false")
	}
}

func assertEvents(t *testing.T, got, want []Event) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("got %d events, want %d (got: %+v)", len(got), len(want), got)
	}
	for i := range want {
		if got[i].Type != want[i].Type {
			t.Errorf("event[%d].Type = %v, want %v", i, got[i].Type, want[i].Type)
		}
		if !bytes.Equal(got[i].Payload, want[i].Payload) {
			t.Errorf("event[%d].Payload = %v, want %v", i, got[i].Payload, want[i].Payload)
		}
	}
}
