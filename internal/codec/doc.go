// Package codec wraps the streaming Opus encoder and decoder behind
// fixed-frame-size contracts: the encoder accepts only full 60 ms 16 kHz
// frames, the decoder tolerates per-packet losses.
package codec
