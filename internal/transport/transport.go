// Package transport defines the boundary to the BLE GATT stack: frame
// writes, reads, notification streams, connection state, and the
// negotiated MTU over five logical characteristics.
package transport

import "errors"

// Characteristic identifies one of the five logical GATT characteristics
// the protocol runs over.
type Characteristic int

const (
	// CharAudioTx carries device→app audio notifications.
	CharAudioTx Characteristic = iota
	// CharAudioRx carries app→device audio writes.
	CharAudioRx
	// CharFileTx carries device→app file data packet notifications.
	CharFileTx
	// CharFileRx carries app→device file data packet writes.
	CharFileRx
	// CharFileCtrl carries file transfer control opcodes in both
	// directions: app writes and reads, device notifies.
	CharFileCtrl
)

// String returns the characteristic's logical name.
func (c Characteristic) String() string {
	switch c {
	case CharAudioTx:
		return "audio-tx"
	case CharAudioRx:
		return "audio-rx"
	case CharFileTx:
		return "file-tx"
	case CharFileRx:
		return "file-rx"
	case CharFileCtrl:
		return "file-ctrl"
	default:
		return "unknown"
	}
}

// ErrNotConnected is returned by operations attempted while the link is down.
var ErrNotConnected = errors.New("transport: not connected")

// ErrCharacteristicUnknown is returned when a characteristic was not
// discovered on the connected device.
var ErrCharacteristicUnknown = errors.New("transport: characteristic not discovered")

// Transport is the narrow boundary the protocol stack consumes from the
// underlying GATT implementation. Scanning, pairing and service discovery
// live behind it.
type Transport interface {
	// Write sends data to a characteristic. When ack is true the write
	// is a request (with response); otherwise a command.
	Write(char Characteristic, data []byte, ack bool) error

	// Read fetches the current value of a characteristic.
	Read(char Characteristic) ([]byte, error)

	// Subscribe returns the notification stream of a characteristic.
	// The channel is closed when the link drops or the transport closes.
	Subscribe(char Characteristic) (<-chan []byte, error)

	// Connected reports whether the link is currently up.
	Connected() bool

	// MTU returns the negotiated maximum payload per write/notification.
	MTU() uint16

	// OnDisconnect registers a callback invoked once when the link drops.
	OnDisconnect(fn func())

	// Close tears the connection down and releases resources.
	Close() error
}
