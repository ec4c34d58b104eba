// Package signal implements the framing used on the audio notification
// channel: 2-byte little-endian identifiers for control frames and
// length-prefixed audio packets.
package signal
