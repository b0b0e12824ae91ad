// Package signaling is the room relay: it tracks room membership and the
// process-wide userId to connection map, and routes opaque WebRTC signaling,
// call control, chat and typing events between participants by identity.
//
// All room and identity state is owned by a single Relay goroutine; the
// WebSocket and HTTP handlers only enqueue work for it.
package signaling
