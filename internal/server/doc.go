// Package server exposes the daemon's HTTP surface: health and status
// endpoints, Prometheus metrics and the WebSocket monitor socket.
package server
