package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/asistencia/signaling-relay/internal/auth"
	"github.com/asistencia/signaling-relay/internal/httpserver"
	"github.com/asistencia/signaling-relay/internal/metrics"
	"github.com/asistencia/signaling-relay/internal/origin"
	"github.com/asistencia/signaling-relay/internal/ratelimit"
)

const (
	defaultMaxMessageBytes      = 64 * 1024
	defaultMaxMessagesPerSecond = 50
	defaultSendQueueLen         = 256

	maxAdminBodyBytes = 16 * 1024
)

type Config struct {
	Relay *Relay

	// Auth gates /ws and the /api routes. The zero value admits everything.
	Auth           auth.Authenticator
	AllowedOrigins []string

	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// IdleTimeout closes a connection that sends nothing (pongs included)
	// for this long. PingInterval should be well below it.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
	RateLimitStrikes     int
	SendQueueLen         int

	Clock ratelimit.Clock
	NewID func() string

	// OriginPolicy wraps the /api routes, typically
	// httpserver.Server.WithOriginPolicy. nil leaves them unwrapped.
	OriginPolicy httpserver.Middleware
}

// Server is the relay's HTTP surface: room administration under /api and the
// signaling WebSocket at /ws.
type Server struct {
	relay   *Relay
	auth    auth.Authenticator
	metrics *metrics.Metrics
	log     *slog.Logger

	idleTimeout          time.Duration
	pingInterval         time.Duration
	maxMessageBytes      int64
	maxMessagesPerSecond int
	rateLimitStrikes     int
	sendQueueLen         int

	clock        ratelimit.Clock
	newID        func() string
	originPolicy httpserver.Middleware
	upgrader     websocket.Upgrader

	mu     sync.Mutex
	closed bool
	conns  map[*wsConn]struct{}
}

func NewServer(cfg Config) *Server {
	s := &Server{
		relay:                cfg.Relay,
		auth:                 cfg.Auth,
		metrics:              cfg.Metrics,
		log:                  cfg.Logger,
		idleTimeout:          cfg.IdleTimeout,
		pingInterval:         cfg.PingInterval,
		maxMessageBytes:      cfg.MaxMessageBytes,
		maxMessagesPerSecond: cfg.MaxMessagesPerSecond,
		rateLimitStrikes:     cfg.RateLimitStrikes,
		sendQueueLen:         cfg.SendQueueLen,
		clock:                cfg.Clock,
		newID:                cfg.NewID,
		originPolicy:         cfg.OriginPolicy,
		conns:                make(map[*wsConn]struct{}),
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.maxMessageBytes <= 0 {
		s.maxMessageBytes = defaultMaxMessageBytes
	}
	if s.maxMessagesPerSecond <= 0 {
		s.maxMessagesPerSecond = defaultMaxMessagesPerSecond
	}
	if s.sendQueueLen <= 0 {
		s.sendQueueLen = defaultSendQueueLen
	}
	if s.clock == nil {
		s.clock = ratelimit.RealClock{}
	}
	if s.newID == nil {
		s.newID = uuid.NewString
	}

	allowed := cfg.AllowedOrigins
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			_, _, ok := origin.CheckRequest(r, allowed)
			if !ok {
				s.log.Warn("websocket origin rejected", "origin", r.Header.Get("Origin"), "remote_addr", r.RemoteAddr)
			}
			return ok
		},
	}
	return s
}

func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.Handle("POST /api/rooms", s.api(s.handleCreateRoom))
	mux.Handle("GET /api/rooms/{roomId}", s.api(s.handleGetRoom))
	mux.Handle("GET /api/stats", s.api(s.handleStats))
	// Preflights are answered by the origin policy.
	mux.Handle("OPTIONS /api/", s.withOrigin(http.NotFoundHandler()))

	mux.HandleFunc("GET /ws", s.handleWebSocket)
}

// Close sends a going-away close frame on every open WebSocket. New upgrades
// are refused afterwards.
func (s *Server) Close() {
	s.mu.Lock()
	s.closed = true
	conns := make([]*wsConn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
	}
}

func (s *Server) track(c *wsConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conns[c] = struct{}{}
	return true
}

func (s *Server) untrack(c *wsConn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

func (s *Server) withOrigin(h http.Handler) http.Handler {
	if s.originPolicy == nil {
		return h
	}
	return s.originPolicy(h)
}

func (s *Server) api(h http.HandlerFunc) http.Handler {
	return s.withOrigin(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := s.authenticate(w, r); !ok {
			return
		}
		h(w, r)
	}))
}

func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	sessionID, err := s.auth.Authenticate(r)
	if err == nil {
		return sessionID, true
	}
	s.metrics.Inc(metrics.AuthFailure)
	s.log.Warn("request unauthorized", "path", r.URL.Path, "remote_addr", r.RemoteAddr, "err", err)
	message := "invalid credentials"
	if errors.Is(err, auth.ErrMissingCredentials) {
		message = "missing credentials"
	}
	httpserver.WriteError(w, http.StatusUnauthorized, "unauthorized", message)
	return "", false
}

type createRoomRequest struct {
	HostName string `json:"hostName"`
}

func (s *Server) handleCreateRoom(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAdminBodyBytes)
	var req createRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		httpserver.WriteError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}

	info, err := s.relay.CreateRoom(r.Context(), req.HostName)
	if errors.Is(err, ErrMissingHostName) {
		httpserver.WriteError(w, http.StatusBadRequest, "missing_host_name", "hostName is required")
		return
	}
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusCreated, map[string]any{"room": info})
}

func (s *Server) handleGetRoom(w http.ResponseWriter, r *http.Request) {
	info, err := s.relay.RoomInfo(r.Context(), r.PathValue("roomId"))
	if errors.Is(err, ErrRoomNotFound) {
		httpserver.WriteError(w, http.StatusNotFound, "room_not_found", "room not found")
		return
	}
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, map[string]any{"room": info})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.relay.Stats(r.Context())
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	httpserver.WriteJSON(w, http.StatusOK, st)
}

func (s *Server) writeRelayError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRelayClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		httpserver.WriteError(w, http.StatusServiceUnavailable, "relay_closed", "relay is not available")
	default:
		s.log.Error("relay call failed", "err", err)
		httpserver.WriteError(w, http.StatusInternalServerError, "internal_error", "internal error")
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Credentials are checked before the upgrade so rejected clients get a
	// plain 401 rather than a close frame.
	sessionID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	id := s.newID()
	log := s.log.With("conn_id", id, "remote_addr", r.RemoteAddr)
	if sessionID != "" {
		log = log.With("session_id", sessionID)
	}
	c := newWSConn(id, ws, s.sendQueueLen, log)
	if !s.track(c) {
		_ = ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), time.Now().Add(wsWriteWait))
		_ = ws.Close()
		return
	}
	defer s.untrack(c)

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		c.writePump(s.pingInterval)
	}()

	if err := s.relay.Register(context.Background(), c); err != nil {
		c.closeWith(websocket.CloseGoingAway, "server shutting down")
		<-writerDone
		return
	}
	c.log.Debug("websocket connected")

	s.readPump(c, ratelimit.NewConnLimiter(s.clock, s.maxMessagesPerSecond, s.rateLimitStrikes))

	_ = s.relay.Unregister(context.Background(), c)
	<-writerDone
	c.log.Debug("websocket disconnected")
}
