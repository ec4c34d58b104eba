// Package queue implements the outbound packet batcher: frames are packed
// into MTU-bounded batches and drained on a periodic tick, gated by the
// peer's PAUSE/RESUME flow control.
package queue
