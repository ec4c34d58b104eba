// Package transfer implements the sequenced, acknowledged, hash-verified
// file transfer protocol running over the file control and data
// characteristics. At most one session (list, send or receive) is active
// at any time.
package transfer
