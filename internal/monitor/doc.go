// Package monitor broadcasts daemon events (link state, transfer
// progress, stream lifecycle) to WebSocket observers.
package monitor
