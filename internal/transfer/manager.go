package transfer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/nathikazad/nexus-link/internal/metrics"
	"github.com/nathikazad/nexus-link/internal/transport"
)

// ErrStalled terminates a receive session whose peer stopped delivering
// packets without a clean disconnect.
var ErrStalled = errors.New("transfer: no progress from peer")

// Config contains transfer protocol timing parameters.
type Config struct {
	// RetryInterval is the retry/stall timer period.
	RetryInterval time.Duration
	// MaxIdleTicks bounds how many consecutive timer ticks may pass
	// without progress (a new ACK or data packet) before the session
	// fails. The original protocol retried forever; a vanished peer
	// would spin the radio indefinitely, so the retry budget is bounded
	// here.
	MaxIdleTicks int
	// ListPollInterval is the pacing of control characteristic reads
	// while waiting for a LIST_RESPONSE.
	ListPollInterval time.Duration
}

// DefaultConfig returns the protocol timing used in production.
func DefaultConfig() Config {
	return Config{
		RetryInterval:    500 * time.Millisecond,
		MaxIdleTicks:     120, // 60s of silence
		ListPollInterval: 100 * time.Millisecond,
	}
}

// Progress reports transfer advancement to an optional observer.
type Progress struct {
	Op    string `json:"op"` // "send" or "receive"
	Name  string `json:"name"`
	Done  int    `json:"done"`
	Total int    `json:"total"`
}

// Manager runs the file transfer protocol over the control and data
// characteristics. All session state is serialized through one mutex;
// notification handlers, timer ticks and callers never race.
type Manager struct {
	tr      transport.Transport
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu         sync.Mutex
	sess       *session
	retryStop  chan struct{}
	retryBusy  bool
	onProgress func(Progress)
}

// NewManager creates a transfer manager on top of tr. The caller routes
// control notifications to HandleControl and data notifications to
// HandleData.
func NewManager(tr transport.Transport, cfg Config, logger *slog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		tr:      tr,
		cfg:     cfg,
		logger:  logger,
		metrics: m,
	}
}

// SetProgressFunc registers an observer for transfer progress updates.
func (m *Manager) SetProgressFunc(fn func(Progress)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onProgress = fn
}

// State returns the current session state, Idle when no session exists.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == nil {
		return StateIdle
	}
	return m.sess.state
}

// ListFiles requests a directory listing from the device. An empty or
// malformed response resolves to an empty list rather than an error.
func (m *Manager) ListFiles(ctx context.Context, path string) ([]FileEntry, error) {
	sess, err := m.begin(stateListing, path)
	if err != nil {
		return nil, err
	}

	if err := m.tr.Write(transport.CharFileCtrl, EncodeListFiles(path), true); err != nil {
		m.fail(sess, fmt.Errorf("failed to send list request: %w", err))
		return nil, <-sess.done
	}

	// The response may arrive as a control notification or be fetched by
	// an explicit characteristic read; poll for the latter.
	go m.pollListResponse(sess)

	if err := m.wait(ctx, sess); err != nil {
		return nil, err
	}

	m.mu.Lock()
	entries := sess.entries
	m.mu.Unlock()
	if entries == nil {
		entries = []FileEntry{}
	}
	return entries, nil
}

// SendFile pushes a local file to the device under remoteName. It
// transmits every packet once, then retries unacknowledged packets on the
// retry timer until the device has ACKed them all.
func (m *Manager) SendFile(ctx context.Context, localPath, remoteName string) error {
	data, err := os.ReadFile(localPath)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", localPath, err)
	}

	chunkSize := m.dataChunkSize()
	if chunkSize <= 0 {
		return fmt.Errorf("negotiated MTU %d too small for data packets", m.tr.MTU())
	}

	meta := FileMeta{
		Name:         remoteName,
		Size:         uint32(len(data)),
		Hash:         Hash32(data),
		TotalPackets: uint32(ChunkCount(len(data), chunkSize)),
	}

	sess, err := m.begin(StateSending, remoteName)
	if err != nil {
		return err
	}

	m.mu.Lock()
	sess.meta = meta
	sess.packets = splitPackets(data, chunkSize)
	m.mu.Unlock()

	m.logger.Info("Starting file send",
		slog.String("file", remoteName),
		slog.Int("size", len(data)),
		slog.Uint64("total_packets", uint64(meta.TotalPackets)),
	)

	if err := m.tr.Write(transport.CharFileCtrl, EncodeStartReceive(meta), true); err != nil {
		m.fail(sess, fmt.Errorf("failed to announce transfer: %w", err))
		return <-sess.done
	}

	// Zero-byte files carry no data packets; the announcement is the
	// whole transfer.
	if meta.TotalPackets == 0 {
		if err := m.tr.Write(transport.CharFileCtrl, EncodeTransferComplete(DirSend), true); err != nil {
			m.logger.Warn("Failed to send transfer complete", slog.String("error", err.Error()))
		}
		m.finish(sess, nil)
		return m.wait(ctx, sess)
	}

	// Eager first pass: every packet goes out once, unwindowed. Recovery
	// is ACK-driven retransmission, not flow control.
	for seq, payload := range sess.packets {
		if err := m.tr.Write(transport.CharFileRx, EncodeDataPacket(uint16(seq), payload), false); err != nil {
			m.logger.Warn("Initial packet send failed, retry timer will cover it",
				slog.Int("seq", seq),
				slog.String("error", err.Error()),
			)
		} else {
			m.metrics.TransferPackets.WithLabelValues("sent").Inc()
		}
	}

	m.mu.Lock()
	if m.sess == sess && !sess.resolved {
		sess.state = StateWaitingAck
		m.startRetryLocked()
	}
	m.mu.Unlock()

	return m.wait(ctx, sess)
}

// ReceiveFile asks the device to send remoteName and reassembles it into
// localPath. Every data packet is acknowledged individually; the file is
// accepted only if the reassembled bytes hash to the declared value.
func (m *Manager) ReceiveFile(ctx context.Context, remoteName, localPath string) error {
	sess, err := m.begin(StateReceiving, remoteName)
	if err != nil {
		return err
	}

	m.mu.Lock()
	sess.localPath = localPath
	m.startRetryLocked() // stall watchdog
	m.mu.Unlock()

	if err := m.tr.Write(transport.CharFileCtrl, EncodeStartSendRequest(remoteName), true); err != nil {
		m.fail(sess, fmt.Errorf("failed to request file: %w", err))
		return <-sess.done
	}

	return m.wait(ctx, sess)
}

// Reset tears down any active session, failing its pending operation with
// cause. Called on disconnect; also stops the retry timer.
func (m *Manager) Reset(cause error) {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess != nil {
		m.fail(sess, cause)
	}
}

// HandleControl processes one device→app control frame. Must be called
// from the notification dispatch loop; it never blocks on I/O while
// holding session state.
func (m *Manager) HandleControl(frame []byte) {
	opcode, payload, err := ParseControl(frame)
	if err != nil {
		m.logger.Warn("Dropping malformed control frame", slog.String("error", err.Error()))
		return
	}

	switch opcode {
	case OpListResponse:
		m.handleListResponse(payload)
	case OpStartSendFile:
		m.handleFileMeta(payload)
	case OpPacketAck:
		m.handleAck(payload)
	case OpTransferComplete:
		m.logger.Debug("Peer reported transfer complete")
	case OpTransferError:
		m.handleTransferError(payload)
	case OpHashMismatch:
		m.handlePeerHashMismatch()
	default:
		m.logger.Warn("Unknown control opcode", slog.Int("opcode", int(opcode)))
	}
}

// HandleData processes one device→app data packet: store, ACK, and on
// completion verify the hash and finish the session.
func (m *Manager) HandleData(packet []byte) {
	seq, payload, err := ParseDataPacket(packet)
	if err != nil {
		m.logger.Warn("Dropping malformed data packet", slog.String("error", err.Error()))
		return
	}

	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.state != StateReceiving {
		m.mu.Unlock()
		m.logger.Debug("Data packet outside a receive session", slog.Int("seq", int(seq)))
		return
	}

	if _, dup := sess.received[seq]; !dup {
		stored := make([]byte, len(payload))
		copy(stored, payload)
		sess.received[seq] = stored
		sess.idleTicks = 0
		m.metrics.TransferPackets.WithLabelValues("received").Inc()
	}
	progress := m.progressLocked(sess, "receive", len(sess.received))
	complete := sess.meta.TotalPackets > 0 && sess.receiveComplete()
	m.mu.Unlock()

	// Per-packet ACK, duplicates included: the sender's retry loop only
	// stops resending what it has seen acknowledged.
	if err := m.tr.Write(transport.CharFileCtrl, EncodeAck(seq), false); err != nil {
		m.logger.Warn("Failed to send ACK",
			slog.Int("seq", int(seq)),
			slog.String("error", err.Error()),
		)
	}
	if progress != nil {
		progress()
	}

	if complete {
		m.finishReceive(sess)
	}
}

// finishReceive verifies the reassembled file and terminates the session.
func (m *Manager) finishReceive(sess *session) {
	m.mu.Lock()
	if m.sess != sess || sess.resolved {
		m.mu.Unlock()
		return
	}
	data := sess.assemble()
	declared := sess.meta.Hash
	localPath := sess.localPath
	m.mu.Unlock()

	actual := Hash32(data)
	if actual != declared {
		m.metrics.HashMismatches.Inc()
		m.logger.Error("Hash verification failed",
			slog.String("file", sess.filename),
			slog.Uint64("declared", uint64(declared)),
			slog.Uint64("actual", uint64(actual)),
		)
		if err := m.tr.Write(transport.CharFileCtrl, EncodeHashMismatch(DirReceive), true); err != nil {
			m.logger.Warn("Failed to send hash mismatch", slog.String("error", err.Error()))
		}
		m.fail(sess, ErrHashMismatch)
		return
	}

	if err := os.WriteFile(localPath, data, 0o644); err != nil {
		m.fail(sess, fmt.Errorf("failed to write %s: %w", localPath, err))
		return
	}

	m.logger.Info("File received and verified",
		slog.String("file", sess.filename),
		slog.Int("size", len(data)),
	)
	m.finish(sess, nil)
}

func (m *Manager) handleListResponse(payload []byte) {
	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.state != stateListing {
		m.mu.Unlock()
		return
	}
	entries, err := ParseListResponse(payload)
	if err != nil {
		// Malformed listings resolve empty rather than failing the caller.
		m.logger.Warn("Malformed list response", slog.String("error", err.Error()))
		entries = nil
	}
	sess.entries = entries
	m.mu.Unlock()

	m.finish(sess, nil)
}

func (m *Manager) handleFileMeta(payload []byte) {
	meta, err := ParseFileMeta(payload)
	if err != nil {
		m.logger.Warn("Malformed file metadata", slog.String("error", err.Error()))
		return
	}

	m.mu.Lock()
	sess := m.sess
	if sess == nil || sess.state != StateReceiving {
		m.mu.Unlock()
		return
	}
	sess.meta = meta
	sess.idleTicks = 0
	empty := meta.TotalPackets == 0
	m.mu.Unlock()

	m.logger.Info("Receive metadata",
		slog.String("file", meta.Name),
		slog.Uint64("size", uint64(meta.Size)),
		slog.Uint64("total_packets", uint64(meta.TotalPackets)),
	)

	// Zero-packet files complete straight off the metadata.
	if empty {
		m.finishReceive(sess)
	}
}

func (m *Manager) handleAck(payload []byte) {
	seq, err := ParseAck(payload)
	if err != nil {
		m.logger.Warn("Malformed ACK", slog.String("error", err.Error()))
		return
	}

	m.mu.Lock()
	sess := m.sess
	if sess == nil || (sess.state != StateSending && sess.state != StateWaitingAck) {
		m.mu.Unlock()
		return
	}
	if _, dup := sess.acked[seq]; !dup {
		sess.acked[seq] = struct{}{}
		sess.idleTicks = 0
	}
	progress := m.progressLocked(sess, "send", len(sess.acked))
	complete := false
	if sess.ackComplete() {
		complete = m.finishLocked(sess, nil)
	}
	m.mu.Unlock()

	if progress != nil {
		progress()
	}
	if !complete {
		return
	}

	if err := m.tr.Write(transport.CharFileCtrl, EncodeTransferComplete(DirSend), true); err != nil {
		m.logger.Warn("Failed to send transfer complete", slog.String("error", err.Error()))
	}
}

func (m *Manager) handleTransferError(payload []byte) {
	reason := string(payload)
	if reason == "" {
		reason = "unspecified"
	}
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess != nil {
		m.fail(sess, fmt.Errorf("transfer: peer error: %s", reason))
	}
}

func (m *Manager) handlePeerHashMismatch() {
	m.mu.Lock()
	sess := m.sess
	m.mu.Unlock()
	if sess != nil {
		m.metrics.HashMismatches.Inc()
		m.fail(sess, ErrHashMismatch)
	}
}

// begin claims the singleton session slot. Starting while another session
// is active fails immediately without touching its state.
func (m *Manager) begin(state State, name string) (*session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sess != nil {
		return nil, ErrTransferInProgress
	}
	sess := newSession(state, name)
	m.sess = sess
	m.metrics.TransfersStarted.WithLabelValues(opLabel(state)).Inc()
	return sess, nil
}

// wait blocks until the session resolves or ctx is cancelled.
func (m *Manager) wait(ctx context.Context, sess *session) error {
	select {
	case err := <-sess.done:
		return err
	case <-ctx.Done():
		m.fail(sess, ctx.Err())
		return <-sess.done
	}
}

// finish resolves a session successfully and releases the singleton slot.
func (m *Manager) finish(sess *session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishLocked(sess, err)
}

// fail resolves a session with an error.
func (m *Manager) fail(sess *session, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishLocked(sess, err)
}

// finishLocked is the single terminal transition: it resolves the pending
// operation exactly once, stops the retry timer and frees the slot. It
// reports whether this call performed the resolution. Caller holds mu.
func (m *Manager) finishLocked(sess *session, err error) bool {
	op := opLabel(sess.state)
	if m.sess != sess || !sess.resolve(err) {
		return false
	}
	m.sess = nil
	m.stopRetryLocked()

	if err != nil {
		m.metrics.TransfersFailed.WithLabelValues(op).Inc()
		m.logger.Warn("Transfer session failed",
			slog.String("op", op),
			slog.String("file", sess.filename),
			slog.String("error", err.Error()),
		)
		return true
	}
	m.metrics.TransfersCompleted.WithLabelValues(op).Inc()
	m.metrics.TransferDuration.Observe(time.Since(sess.startedAt).Seconds())
	return true
}

// startRetryLocked launches the retry/stall timer. Caller holds mu.
func (m *Manager) startRetryLocked() {
	if m.retryStop != nil {
		return
	}
	stop := make(chan struct{})
	m.retryStop = stop

	go func() {
		ticker := time.NewTicker(m.cfg.RetryInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.retryTick()
			}
		}
	}()
}

// stopRetryLocked cancels the retry timer. Caller holds mu.
func (m *Manager) stopRetryLocked() {
	if m.retryStop != nil {
		close(m.retryStop)
		m.retryStop = nil
	}
}

// retryTick resends unacknowledged packets (send sessions) and advances
// the stall budget. Guarded against overlapping executions: a slow resend
// pass never runs twice concurrently.
func (m *Manager) retryTick() {
	m.mu.Lock()
	if m.retryBusy || m.sess == nil {
		m.mu.Unlock()
		return
	}
	sess := m.sess
	m.retryBusy = true

	sess.idleTicks++
	if sess.idleTicks > m.cfg.MaxIdleTicks {
		m.retryBusy = false
		cause := ErrRetryTimeout
		if sess.state == StateReceiving {
			cause = ErrStalled
		}
		m.finishLocked(sess, cause)
		m.mu.Unlock()
		return
	}

	type resend struct {
		seq     uint16
		payload []byte
	}
	var pending []resend
	if sess.state == StateSending || sess.state == StateWaitingAck {
		for seq, payload := range sess.packets {
			if _, ok := sess.acked[uint16(seq)]; !ok {
				pending = append(pending, resend{uint16(seq), payload})
			}
		}
	}
	m.mu.Unlock()

	for _, p := range pending {
		if err := m.tr.Write(transport.CharFileRx, EncodeDataPacket(p.seq, p.payload), false); err != nil {
			m.logger.Warn("Packet retransmission failed",
				slog.Int("seq", int(p.seq)),
				slog.String("error", err.Error()),
			)
			continue
		}
		m.metrics.TransferRetries.Inc()
	}

	m.mu.Lock()
	m.retryBusy = false
	m.mu.Unlock()
}

// pollListResponse reads the control characteristic until the listing
// resolves, for peripherals that stage the response for reads instead of
// notifying.
func (m *Manager) pollListResponse(sess *session) {
	for {
		m.mu.Lock()
		active := m.sess == sess && !sess.resolved
		m.mu.Unlock()
		if !active {
			return
		}

		data, err := m.tr.Read(transport.CharFileCtrl)
		if err == nil && len(data) > 0 && data[0] == OpListResponse {
			m.handleListResponse(data[1:])
			return
		}
		time.Sleep(m.cfg.ListPollInterval)
	}
}

// progressLocked snapshots a progress callback. Caller holds mu; the
// returned closure is invoked after unlocking.
func (m *Manager) progressLocked(sess *session, op string, done int) func() {
	if m.onProgress == nil {
		return nil
	}
	fn := m.onProgress
	p := Progress{
		Op:    op,
		Name:  sess.filename,
		Done:  done,
		Total: int(sess.meta.TotalPackets),
	}
	return func() { fn(p) }
}

// dataChunkSize is the per-packet payload budget. The wire rule is
// MTU−5 counted from the raw ATT MTU: 3 bytes of ATT header plus the
// 2-byte sequence number. Transport.MTU already excludes the ATT header.
func (m *Manager) dataChunkSize() int {
	return int(m.tr.MTU()) - DataHeaderSize
}

func splitPackets(data []byte, chunkSize int) [][]byte {
	total := ChunkCount(len(data), chunkSize)
	packets := make([][]byte, 0, total)
	for i := 0; i < total; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > len(data) {
			end = len(data)
		}
		packets = append(packets, data[start:end])
	}
	return packets
}

func opLabel(state State) string {
	switch state {
	case StateSending, StateWaitingAck:
		return "send"
	case StateReceiving:
		return "receive"
	case stateListing:
		return "list"
	default:
		return "unknown"
	}
}
