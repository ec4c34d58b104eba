package transfer

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
)

// Control opcodes exchanged over the file control characteristic. All
// multi-byte integers in this protocol are big-endian, unlike the audio
// signal channel.
const (
	OpListFiles        byte = 0x01
	OpListResponse     byte = 0x02
	OpStartSendFile    byte = 0x03 // request the device to send (app receives)
	OpStartReceiveFile byte = 0x04 // announce an app→device push (app sends)
	OpPacketAck        byte = 0x05
	OpTransferComplete byte = 0x06
	OpTransferError    byte = 0x07
	OpHashMismatch     byte = 0x08
)

// Transfer directions carried by TRANSFER_COMPLETE and HASH_MISMATCH.
const (
	DirSend    byte = 0x01
	DirReceive byte = 0x02
)

// DataHeaderSize is the per-data-packet overhead: a 2-byte big-endian
// sequence number. Combined with the 3-byte ATT header this yields the
// MTU-5 payload budget.
const DataHeaderSize = 2

// FileEntry is one result of a directory listing.
type FileEntry struct {
	Name        string `json:"name"`
	Size        uint32 `json:"size"`
	IsDirectory bool   `json:"is_directory"`
}

// FileMeta describes a file about to be transferred.
type FileMeta struct {
	Name         string
	Size         uint32
	Hash         uint32
	TotalPackets uint32
}

// Hash32 derives the protocol's 4-byte file hash: the first four bytes of
// the SHA-256 digest, read big-endian.
func Hash32(data []byte) uint32 {
	sum := sha256.Sum256(data)
	return binary.BigEndian.Uint32(sum[:4])
}

// ChunkCount returns ceil(size/chunkSize).
func ChunkCount(size, chunkSize int) int {
	if size <= 0 {
		return 0
	}
	return (size + chunkSize - 1) / chunkSize
}

// EncodeControl prepends the opcode to a control payload.
func EncodeControl(opcode byte, payload []byte) []byte {
	frame := make([]byte, 1+len(payload))
	frame[0] = opcode
	copy(frame[1:], payload)
	return frame
}

// ParseControl splits a control frame into opcode and payload.
func ParseControl(data []byte) (byte, []byte, error) {
	if len(data) < 1 {
		return 0, nil, fmt.Errorf("empty control frame")
	}
	return data[0], data[1:], nil
}

// EncodeListFiles builds a LIST_FILES request with an optional
// null-terminated path.
func EncodeListFiles(path string) []byte {
	if path == "" {
		return []byte{OpListFiles}
	}
	payload := append([]byte(path), 0)
	return EncodeControl(OpListFiles, payload)
}

// ParseListResponse parses a LIST_RESPONSE payload: count(2 BE), then per
// entry name_len(1), name, size(4 BE), is_dir(1). Any truncation is an
// error; callers resolve a malformed response as an empty list.
func ParseListResponse(payload []byte) ([]FileEntry, error) {
	if len(payload) < 2 {
		return nil, fmt.Errorf("list response too short: %d bytes", len(payload))
	}
	count := int(binary.BigEndian.Uint16(payload[0:2]))
	offset := 2

	entries := make([]FileEntry, 0, count)
	for i := 0; i < count; i++ {
		if offset >= len(payload) {
			return nil, fmt.Errorf("list response truncated at entry %d", i)
		}
		nameLen := int(payload[offset])
		offset++
		if offset+nameLen+5 > len(payload) {
			return nil, fmt.Errorf("list response truncated at entry %d", i)
		}
		name := string(payload[offset : offset+nameLen])
		offset += nameLen
		size := binary.BigEndian.Uint32(payload[offset : offset+4])
		offset += 4
		isDir := payload[offset] != 0
		offset++

		entries = append(entries, FileEntry{Name: name, Size: size, IsDirectory: isDir})
	}
	return entries, nil
}

// EncodeListResponse builds a LIST_RESPONSE payload. Used by tests and
// loopback tooling; the peripheral firmware is the usual producer.
func EncodeListResponse(entries []FileEntry) []byte {
	payload := make([]byte, 2, 2+len(entries)*8)
	binary.BigEndian.PutUint16(payload, uint16(len(entries)))
	for _, e := range entries {
		payload = append(payload, byte(len(e.Name)))
		payload = append(payload, e.Name...)
		payload = binary.BigEndian.AppendUint32(payload, e.Size)
		if e.IsDirectory {
			payload = append(payload, 1)
		} else {
			payload = append(payload, 0)
		}
	}
	return payload
}

// EncodeStartSendRequest builds a START_SEND_FILE request: the bare
// filename the device should start sending.
func EncodeStartSendRequest(filename string) []byte {
	return EncodeControl(OpStartSendFile, []byte(filename))
}

// ParseFileMeta parses the metadata layout shared by the START_SEND_FILE
// response and the START_RECEIVE_FILE announcement: name_len(1), name,
// size(4 BE), hash(4 BE), total_packets(4 BE).
func ParseFileMeta(payload []byte) (FileMeta, error) {
	if len(payload) < 1 {
		return FileMeta{}, fmt.Errorf("file metadata too short: %d bytes", len(payload))
	}
	nameLen := int(payload[0])
	if len(payload) < 1+nameLen+12 {
		return FileMeta{}, fmt.Errorf("file metadata truncated: %d bytes for name_len %d", len(payload), nameLen)
	}
	offset := 1 + nameLen
	return FileMeta{
		Name:         string(payload[1 : 1+nameLen]),
		Size:         binary.BigEndian.Uint32(payload[offset : offset+4]),
		Hash:         binary.BigEndian.Uint32(payload[offset+4 : offset+8]),
		TotalPackets: binary.BigEndian.Uint32(payload[offset+8 : offset+12]),
	}, nil
}

// EncodeStartReceive builds a START_RECEIVE_FILE announcement carrying
// the metadata of the file the app is about to push.
func EncodeStartReceive(meta FileMeta) []byte {
	payload := make([]byte, 0, 1+len(meta.Name)+12)
	payload = append(payload, byte(len(meta.Name)))
	payload = append(payload, meta.Name...)
	payload = binary.BigEndian.AppendUint32(payload, meta.Size)
	payload = binary.BigEndian.AppendUint32(payload, meta.Hash)
	payload = binary.BigEndian.AppendUint32(payload, meta.TotalPackets)
	return EncodeControl(OpStartReceiveFile, payload)
}

// EncodeFileMetaPayload encodes the shared metadata layout without an
// opcode, as carried by the START_SEND_FILE response.
func EncodeFileMetaPayload(meta FileMeta) []byte {
	frame := EncodeStartReceive(meta)
	return frame[1:]
}

// EncodeAck builds a PACKET_ACK control frame for one sequence number.
func EncodeAck(seq uint16) []byte {
	payload := make([]byte, 2)
	binary.BigEndian.PutUint16(payload, seq)
	return EncodeControl(OpPacketAck, payload)
}

// ParseAck extracts the sequence number from a PACKET_ACK payload.
func ParseAck(payload []byte) (uint16, error) {
	if len(payload) < 2 {
		return 0, fmt.Errorf("ack payload too short: %d bytes", len(payload))
	}
	return binary.BigEndian.Uint16(payload[0:2]), nil
}

// EncodeDataPacket builds a data packet: seq(2 BE) + payload.
func EncodeDataPacket(seq uint16, payload []byte) []byte {
	packet := make([]byte, DataHeaderSize+len(payload))
	binary.BigEndian.PutUint16(packet, seq)
	copy(packet[DataHeaderSize:], payload)
	return packet
}

// ParseDataPacket splits a data packet into sequence number and payload.
func ParseDataPacket(data []byte) (uint16, []byte, error) {
	if len(data) < DataHeaderSize {
		return 0, nil, fmt.Errorf("data packet too short: %d bytes", len(data))
	}
	return binary.BigEndian.Uint16(data[0:2]), data[DataHeaderSize:], nil
}

// EncodeTransferComplete builds a TRANSFER_COMPLETE frame.
func EncodeTransferComplete(direction byte) []byte {
	return EncodeControl(OpTransferComplete, []byte{direction})
}

// EncodeTransferError builds a TRANSFER_ERROR frame with a reason string.
func EncodeTransferError(reason string) []byte {
	return EncodeControl(OpTransferError, []byte(reason))
}

// EncodeHashMismatch builds a HASH_MISMATCH frame.
func EncodeHashMismatch(direction byte) []byte {
	return EncodeControl(OpHashMismatch, []byte{direction})
}
