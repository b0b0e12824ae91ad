// Package metrics is the relay's in-process counter registry.
package metrics

import "sync"

// Counter names recorded by the signaling relay.
const (
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
	RoomsCreated      = "rooms_created"
	RoomsDeleted      = "rooms_deleted"
	Joins             = "joins"
	Leaves            = "leaves"
	Relayed           = "relayed"

	DropUnresolvableTarget = "drop_unresolvable_target"
	DropMalformed          = "drop_malformed"
	DropRateLimited        = "drop_rate_limited"
	DropSendQueueFull      = "drop_send_queue_full"
	DropConnClosed         = "drop_conn_closed"
	DropRoomFull           = "drop_room_full"

	OfferUnauthorized = "offer_unauthorized"
	AuthFailure       = "auth_failure"
	HandlerPanic      = "handler_panic"
	UnknownEvent      = "unknown_event"
)

// Metrics is a concurrency-safe counter registry. A nil *Metrics discards
// every update, so components can run without one.
type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{m: make(map[string]uint64)}
}

func (m *Metrics) Inc(name string) {
	m.Add(name, 1)
}

func (m *Metrics) Add(name string, delta uint64) {
	if m == nil || delta == 0 {
		return
	}
	m.mu.Lock()
	m.m[name] += delta
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	if m == nil {
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot returns a copy of every counter.
func (m *Metrics) Snapshot() map[string]uint64 {
	if m == nil {
		return map[string]uint64{}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
