// Package audio handles PCM format conversion and framing for the voice path.
// It implements fixed-point linear resampling between the 16 kHz codec rate and
// the 24 kHz capture/playback rate, fixed-size frame chunking, and WAV encoding
// for the playback file sink.
package audio
