package transfer

import (
	"errors"
	"time"
)

// State is the transfer session state. At most one session is non-Idle
// at any time.
type State int

const (
	StateIdle State = iota
	StateSending
	StateReceiving
	// StateWaitingAck is the Sending sub-state entered once every packet
	// has been transmitted and the retry timer is running.
	StateWaitingAck
	// stateListing marks the short-lived session that owns the singleton
	// slot while a directory listing is in flight.
	stateListing
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateReceiving:
		return "receiving"
	case StateWaitingAck:
		return "waiting_ack"
	case stateListing:
		return "listing"
	default:
		return "unknown"
	}
}

// Terminal conditions of a session.
var (
	ErrTransferInProgress = errors.New("transfer: transfer in progress")
	ErrHashMismatch       = errors.New("transfer: hash verification failed")
	ErrRetryTimeout       = errors.New("transfer: peer stopped acknowledging, retry budget exhausted")
	ErrDisconnected       = errors.New("transfer: link disconnected")
)

// session holds the state of the single active transfer. It lives from
// the operation call until exactly one terminal condition resolves it:
// completion, transfer error, hash mismatch, timeout or disconnect.
type session struct {
	state     State
	filename  string
	localPath string
	meta      FileMeta
	startedAt time.Time

	// Send side: pre-split packet payloads and the ACKed set.
	packets [][]byte
	acked   map[uint16]struct{}

	// Receive side: sparse packet map keyed by sequence number.
	received map[uint16][]byte

	// List side: resolved entries.
	entries []FileEntry

	// Stall/retry accounting, advanced by the retry timer.
	idleTicks int

	// done carries the single terminal error (nil on success). Buffered
	// so the resolving side never blocks.
	done     chan error
	resolved bool
}

func newSession(state State, filename string) *session {
	return &session{
		state:     state,
		filename:  filename,
		startedAt: time.Now(),
		acked:     make(map[uint16]struct{}),
		received:  make(map[uint16][]byte),
		done:      make(chan error, 1),
	}
}

// resolve delivers the terminal result exactly once. Further calls are
// no-ops, which makes duplicate ACKs and late errors harmless.
func (s *session) resolve(err error) bool {
	if s.resolved {
		return false
	}
	s.resolved = true
	s.state = StateIdle
	s.done <- err
	return true
}

// ackComplete reports whether every packet has been acknowledged.
func (s *session) ackComplete() bool {
	return len(s.acked) == len(s.packets) && len(s.packets) > 0
}

// receiveComplete reports whether the contiguous set [0, totalPackets) is
// fully present.
func (s *session) receiveComplete() bool {
	total := int(s.meta.TotalPackets)
	if total == 0 || len(s.received) < total {
		return false
	}
	for seq := 0; seq < total; seq++ {
		if _, ok := s.received[uint16(seq)]; !ok {
			return false
		}
	}
	return true
}

// assemble concatenates the received packets in sequence order.
func (s *session) assemble() []byte {
	data := make([]byte, 0, int(s.meta.Size))
	for seq := 0; seq < int(s.meta.TotalPackets); seq++ {
		data = append(data, s.received[uint16(seq)]...)
	}
	return data
}
