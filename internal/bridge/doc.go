// Package bridge owns the daemon's event loop: it routes BLE
// notifications to the audio demuxer, playback pipeline and file transfer
// manager, drives the outbound capture path, and performs the full state
// reset when the link drops.
package bridge
