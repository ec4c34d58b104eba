// Package pipeline composes the audio transcoding paths: outbound capture
// (24 kHz PCM to Opus packets in the outbound queue) and inbound playback
// (Opus packets to 24 kHz PCM delivered to a sink).
package pipeline
