package signaling

import "errors"

var (
	ErrRoomNotFound    = errors.New("signaling: room not found")
	ErrMissingHostName = errors.New("signaling: hostName is required")
	ErrRelayClosed     = errors.New("signaling: relay closed")

	// Returned by Conn.Send.
	ErrSendQueueFull = errors.New("signaling: send queue full")
	ErrConnClosed    = errors.New("signaling: connection closed")
)
