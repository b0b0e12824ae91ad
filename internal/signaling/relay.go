package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/asistencia/signaling-relay/internal/metrics"
)

// Conn is one live client connection as seen by the relay.
//
// Send must not block: it enqueues env, or returns ErrSendQueueFull or
// ErrConnClosed when the event was dropped.
type Conn interface {
	ID() string
	Send(env Envelope) error
	Close()
}

type RelayConfig struct {
	Logger  *slog.Logger
	Metrics *metrics.Metrics

	// MaxRoomParticipants caps room membership. <= 0 means unlimited.
	MaxRoomParticipants int

	// QueueLen is the number of pending commands buffered ahead of the loop.
	QueueLen int

	Now   func() time.Time
	NewID func() string
}

const defaultRelayQueueLen = 1024

// Stats is a point-in-time view of relay state.
type Stats struct {
	Rooms       int `json:"rooms"`
	Connections int `json:"connections"`
	Identities  int `json:"identities"`
}

// session is the relay's per-connection state. userID and roomID are set
// while the connection is bound to a participant.
type session struct {
	conn   Conn
	userID string
	roomID string
}

func (s *session) bound() bool { return s.userID != "" }

// Relay owns all room, identity and session state. Every mutation runs on the
// goroutine executing Run, one command at a time, in submission order.
type Relay struct {
	log             *slog.Logger
	metrics         *metrics.Metrics
	maxParticipants int
	now             func() time.Time
	newID           func() string

	cmds      chan func()
	done      chan struct{}
	closeOnce sync.Once

	// Owned by the Run goroutine.
	rooms      map[string]*room
	identities map[string]*session
	sessions   map[string]*session
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.QueueLen <= 0 {
		cfg.QueueLen = defaultRelayQueueLen
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	return &Relay{
		log:             cfg.Logger,
		metrics:         cfg.Metrics,
		maxParticipants: cfg.MaxRoomParticipants,
		now:             cfg.Now,
		newID:           cfg.NewID,
		cmds:            make(chan func(), cfg.QueueLen),
		done:            make(chan struct{}),
		rooms:           make(map[string]*room),
		identities:      make(map[string]*session),
		sessions:        make(map[string]*session),
	}
}

// Run processes commands until ctx is done or Close is called.
func (r *Relay) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.Close()
			return ctx.Err()
		case <-r.done:
			return nil
		case cmd := <-r.cmds:
			r.exec(cmd)
		}
	}
}

// Close stops the loop. Pending and later submissions fail with
// ErrRelayClosed.
func (r *Relay) Close() {
	r.closeOnce.Do(func() { close(r.done) })
}

func (r *Relay) exec(cmd func()) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.Inc(metrics.HandlerPanic)
			r.log.Error("panic in relay handler", "recover", rec, "stack", string(debug.Stack()))
		}
	}()
	cmd()
}

func (r *Relay) submit(ctx context.Context, cmd func()) error {
	select {
	case <-r.done:
		return ErrRelayClosed
	default:
	}
	select {
	case r.cmds <- cmd:
		return nil
	case <-r.done:
		return ErrRelayClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call runs cmd on the loop and waits for it to finish.
func (r *Relay) call(ctx context.Context, cmd func()) error {
	finished := make(chan struct{})
	if err := r.submit(ctx, func() {
		defer close(finished)
		cmd()
	}); err != nil {
		return err
	}
	select {
	case <-finished:
		return nil
	case <-r.done:
		return ErrRelayClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register starts tracking conn. It must precede any Dispatch for conn.
func (r *Relay) Register(ctx context.Context, conn Conn) error {
	return r.submit(ctx, func() { r.register(conn) })
}

// Unregister is the implicit leave on connection loss.
func (r *Relay) Unregister(ctx context.Context, conn Conn) error {
	return r.submit(ctx, func() { r.unregister(conn) })
}

// Dispatch queues one inbound event from conn.
func (r *Relay) Dispatch(ctx context.Context, conn Conn, env Envelope) error {
	return r.submit(ctx, func() { r.dispatch(conn, env) })
}

// CreateRoom allocates an empty room with a generated id.
func (r *Relay) CreateRoom(ctx context.Context, hostName string) (RoomInfo, error) {
	hostName = strings.TrimSpace(hostName)
	if hostName == "" {
		return RoomInfo{}, ErrMissingHostName
	}
	var info RoomInfo
	err := r.call(ctx, func() {
		id := r.newID()
		for r.rooms[id] != nil {
			id = r.newID()
		}
		rm := newRoom(id, hostName, r.now())
		r.rooms[id] = rm
		r.metrics.Inc(metrics.RoomsCreated)
		r.log.Info("room created", "room_id", id, "host_name", hostName)
		info = rm.info()
	})
	return info, err
}

func (r *Relay) RoomInfo(ctx context.Context, id string) (RoomInfo, error) {
	var (
		info  RoomInfo
		found bool
	)
	err := r.call(ctx, func() {
		if rm := r.rooms[id]; rm != nil {
			info, found = rm.info(), true
		}
	})
	if err != nil {
		return RoomInfo{}, err
	}
	if !found {
		return RoomInfo{}, ErrRoomNotFound
	}
	return info, nil
}

func (r *Relay) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := r.call(ctx, func() {
		st = Stats{
			Rooms:       len(r.rooms),
			Connections: len(r.sessions),
			Identities:  len(r.identities),
		}
	})
	return st, err
}

func (r *Relay) register(conn Conn) {
	id := conn.ID()
	if _, ok := r.sessions[id]; ok {
		return
	}
	r.sessions[id] = &session{conn: conn}
	r.metrics.Inc(metrics.ConnectionsOpened)
	r.log.Debug("connection registered", "conn_id", id)
}

func (r *Relay) unregister(conn Conn) {
	id := conn.ID()
	s, ok := r.sessions[id]
	if !ok {
		return
	}
	r.leave(s)
	delete(r.sessions, id)
	r.metrics.Inc(metrics.ConnectionsClosed)
	r.log.Debug("connection unregistered", "conn_id", id)
}

type handlerFunc func(r *Relay, s *session, data json.RawMessage) error

var handlers = map[string]handlerFunc{
	EventJoinRoom:     (*Relay).handleJoinRoom,
	EventLeaveRoom:    (*Relay).handleLeaveRoom,
	EventOffer:        (*Relay).handleOffer,
	EventAnswer:       (*Relay).handleAnswer,
	EventICECandidate: (*Relay).handleICECandidate,
	EventCallUser:     (*Relay).handleCallUser,
	EventCallResponse: (*Relay).handleCallResponse,
	EventEndCall:      (*Relay).handleEndCall,
	EventSendMessage:  (*Relay).handleSendMessage,
	EventChatMessage:  (*Relay).handleChatMessage,
	EventUserTyping:   (*Relay).handleUserTyping,
	EventAcceptRoom:   (*Relay).handleAcceptRoom,
	EventEndChat:      (*Relay).handleEndChat,
}

func (r *Relay) dispatch(conn Conn, env Envelope) {
	s, ok := r.sessions[conn.ID()]
	if !ok {
		r.log.Debug("event from unregistered connection dropped", "conn_id", conn.ID(), "event", env.Event)
		return
	}
	h, ok := handlers[env.Event]
	if !ok {
		r.metrics.Inc(metrics.UnknownEvent)
		r.log.Debug("unknown event dropped", "conn_id", conn.ID(), "event", env.Event)
		return
	}
	if err := h(r, s, env.Data); err != nil {
		r.metrics.Inc(metrics.DropMalformed)
		r.log.Debug("malformed event dropped", "conn_id", conn.ID(), "event", env.Event, "err", err)
	}
}

func (r *Relay) deliver(s *session, env Envelope) {
	err := s.conn.Send(env)
	if err == nil {
		return
	}
	if errors.Is(err, ErrConnClosed) {
		r.metrics.Inc(metrics.DropConnClosed)
	} else {
		r.metrics.Inc(metrics.DropSendQueueFull)
	}
	r.log.Debug("delivery dropped", "conn_id", s.conn.ID(), "event", env.Event, "err", err)
}

func (r *Relay) send(s *session, event string, payload any) {
	env, err := newEnvelope(event, payload)
	if err != nil {
		r.log.Error("encode event", "event", event, "err", err)
		return
	}
	r.deliver(s, env)
}

// broadcast delivers to every member of rm except the given session (nil
// means nobody is excluded).
func (r *Relay) broadcast(rm *room, event string, payload any, except *session) {
	env, err := newEnvelope(event, payload)
	if err != nil {
		r.log.Error("encode event", "event", event, "err", err)
		return
	}
	for _, m := range rm.members {
		if m == except {
			continue
		}
		r.deliver(m, env)
	}
}

func (r *Relay) sendError(s *session, message string) {
	r.send(s, EventError, errorPayload{Message: message})
}

// relayTo forwards payload to the live connection of userID, or silently
// drops it when the identity is not reachable.
func (r *Relay) relayTo(userID, event string, payload any) bool {
	target, ok := r.identities[userID]
	if !ok {
		r.metrics.Inc(metrics.DropUnresolvableTarget)
		r.log.Debug("target not reachable", "event", event, "user_id", userID)
		return false
	}
	r.send(target, event, payload)
	r.metrics.Inc(metrics.Relayed)
	return true
}

// roomFor returns the room named by roomID, falling back to the session's own
// room when roomID is empty.
func (r *Relay) roomFor(s *session, roomID string) (*room, bool) {
	if roomID == "" {
		roomID = s.roomID
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		r.log.Debug("room not found", "room_id", roomID, "conn_id", s.conn.ID())
	}
	return rm, ok
}

// sourceID is the identity a relayed event is attributed to: the
// connection's joined identity when it has one, the declared id otherwise.
func sourceID(s *session, declared string) string {
	if s.bound() {
		return s.userID
	}
	return declared
}

// participantOf returns the current participant record backing s.
func (r *Relay) participantOf(s *session) (Participant, bool) {
	if !s.bound() {
		return Participant{}, false
	}
	rm, ok := r.rooms[s.roomID]
	if !ok {
		return Participant{}, false
	}
	p, ok := rm.participant(s.userID)
	if !ok || p.SocketID != s.conn.ID() {
		return Participant{}, false
	}
	return p, true
}

// leave unbinds s from its participant: the identity mapping and room entry
// are removed, an empty room is deleted, otherwise the remaining members get
// user-left and a fresh room-users list.
func (r *Relay) leave(s *session) {
	if !s.bound() {
		return
	}
	userID, roomID, connID := s.userID, s.roomID, s.conn.ID()
	s.userID, s.roomID = "", ""

	if cur, ok := r.identities[userID]; ok && cur == s {
		delete(r.identities, userID)
	}

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(rm.members, connID)
	removed := rm.remove(userID, connID)
	r.metrics.Inc(metrics.Leaves)
	r.log.Info("participant left", "room_id", roomID, "user_id", userID, "conn_id", connID)

	if rm.empty() {
		delete(r.rooms, roomID)
		r.metrics.Inc(metrics.RoomsDeleted)
		r.log.Info("room deleted", "room_id", roomID)
		return
	}
	if !removed {
		return
	}
	r.broadcast(rm, EventUserLeft, userLeftPayload{UserID: userID}, nil)
	r.broadcast(rm, EventRoomUsers, rm.snapshot(""), nil)
}
