package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"

	"github.com/asistencia/signaling-relay/internal/auth"
	"github.com/asistencia/signaling-relay/internal/config"
	"github.com/asistencia/signaling-relay/internal/httpserver"
	"github.com/asistencia/signaling-relay/internal/metrics"
)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type testServer struct {
	ts      *httptest.Server
	srv     *Server
	relay   *Relay
	metrics *metrics.Metrics
}

func newTestServer(t *testing.T, mutate func(*Config)) *testServer {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	relay := NewRelay(RelayConfig{Logger: logger, Metrics: m})
	ctx, cancel := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		_ = relay.Run(ctx)
	}()

	cfg := Config{
		Relay:        relay,
		Metrics:      m,
		Logger:       logger,
		IdleTimeout:  5 * time.Second,
		PingInterval: time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	// Routes are served through the base server's middleware chain, as in main.
	hs := httpserver.New(config.Config{Mode: config.ModeDev, AllowedOrigins: cfg.AllowedOrigins}, logger, httpserver.BuildInfo{})
	if cfg.OriginPolicy == nil {
		cfg.OriginPolicy = hs.WithOriginPolicy
	}
	srv := NewServer(cfg)
	srv.RegisterRoutes(hs.Mux())
	ts := httptest.NewServer(hs.Handler())

	t.Cleanup(func() {
		srv.Close()
		ts.Close()
		cancel()
		<-relayDone
	})
	return &testServer{ts: ts, srv: srv, relay: relay, metrics: m}
}

func (s *testServer) wsURL(query string) string {
	u := "ws" + strings.TrimPrefix(s.ts.URL, "http") + "/ws"
	if query != "" {
		u += "?" + query
	}
	return u
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(s.wsURL(""), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func writeEvent(t *testing.T, c *websocket.Conn, event string, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := c.WriteJSON(Envelope{Event: event, Data: raw}); err != nil {
		t.Fatalf("write %s: %v", event, err)
	}
}

func readEvent(t *testing.T, c *websocket.Conn) Envelope {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	env, err := ParseEnvelope(data)
	if err != nil {
		t.Fatalf("parse %s: %v", data, err)
	}
	return env
}

func expectEvent(t *testing.T, c *websocket.Conn, event string) Envelope {
	t.Helper()
	env := readEvent(t, c)
	if env.Event != event {
		t.Fatalf("event=%q data=%s, want %q", env.Event, env.Data, event)
	}
	return env
}

func expectClose(t *testing.T, c *websocket.Conn, code int) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		_, _, err := c.ReadMessage()
		if err == nil {
			continue
		}
		if !websocket.IsCloseError(err, code) {
			t.Fatalf("read err=%v, want close code %d", err, code)
		}
		return
	}
}

func TestRoomsAPI(t *testing.T) {
	s := newTestServer(t, nil)

	resp, err := http.Post(s.ts.URL+"/api/rooms", "application/json", strings.NewReader(`{"hostName":"Ana"}`))
	if err != nil {
		t.Fatalf("POST /api/rooms: %v", err)
	}
	var created struct {
		Room RoomInfo `json:"room"`
	}
	err = json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusCreated || created.Room.ID == "" || created.Room.HostName != "Ana" {
		t.Fatalf("status=%d room=%+v, want 201 with id", resp.StatusCode, created.Room)
	}

	resp, err = http.Get(s.ts.URL + "/api/rooms/" + created.Room.ID)
	if err != nil {
		t.Fatalf("GET room: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET room status=%d, want 200", resp.StatusCode)
	}

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{"unknown room", http.MethodGet, "/api/rooms/nope", "", http.StatusNotFound, "room_not_found"},
		{"blank host", http.MethodPost, "/api/rooms", `{"hostName":"  "}`, http.StatusBadRequest, "missing_host_name"},
		{"empty body", http.MethodPost, "/api/rooms", "", http.StatusBadRequest, "missing_host_name"},
		{"bad json", http.MethodPost, "/api/rooms", `{`, http.StatusBadRequest, "bad_request"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, s.ts.URL+tt.path, strings.NewReader(tt.body))
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				t.Fatalf("request: %v", err)
			}
			defer resp.Body.Close()
			var body struct {
				Code string `json:"code"`
			}
			_ = json.NewDecoder(resp.Body).Decode(&body)
			if resp.StatusCode != tt.wantCode || body.Code != tt.wantErr {
				t.Fatalf("status=%d code=%q, want %d %q", resp.StatusCode, body.Code, tt.wantCode, tt.wantErr)
			}
		})
	}

	resp, err = http.Get(s.ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	var st Stats
	_ = json.NewDecoder(resp.Body).Decode(&st)
	resp.Body.Close()
	if st.Rooms != 1 {
		t.Fatalf("stats=%+v, want 1 room", st)
	}
}

func TestWebSocket_JoinRelayAndDisconnect(t *testing.T) {
	s := newTestServer(t, nil)
	a := s.dial(t)
	u := s.dial(t)

	writeEvent(t, a, EventJoinRoom, map[string]string{"roomId": "r1", "userId": "A", "userName": "Ana", "role": "assistant"})
	expectEvent(t, a, EventRoomUsers)

	writeEvent(t, u, EventJoinRoom, map[string]string{"roomId": "r1", "userId": "U", "userName": "Uma"})
	roster := decode[[]Participant](t, expectEvent(t, u, EventRoomUsers))
	if len(roster) != 1 || roster[0].UserID != "A" {
		t.Fatalf("roster=%+v, want [A]", roster)
	}
	if p := decode[Participant](t, expectEvent(t, a, EventUserJoined)); p.UserID != "U" || p.Role != RoleUser {
		t.Fatalf("user-joined=%+v", p)
	}

	writeEvent(t, a, EventOffer, map[string]any{"offer": map[string]string{"type": "offer", "sdp": "v=0"}, "to": "U"})
	if got := decode[offerPayload](t, expectEvent(t, u, EventOffer)).From; got != "A" {
		t.Fatalf("offer from=%q, want A", got)
	}

	writeEvent(t, u, EventOffer, map[string]any{"offer": map[string]string{"type": "offer", "sdp": "v=0"}, "to": "A"})
	expectEvent(t, u, EventError)

	_ = u.Close()
	if got := decode[userLeftPayload](t, expectEvent(t, a, EventUserLeft)).UserID; got != "U" {
		t.Fatalf("user-left=%q, want U", got)
	}
	if roster := decode[[]Participant](t, expectEvent(t, a, EventRoomUsers)); len(roster) != 1 {
		t.Fatalf("roster after leave=%+v, want [A]", roster)
	}
}

func TestWebSocket_MalformedFramesAreDropped(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.dial(t)

	if err := c.WriteMessage(websocket.TextMessage, []byte(`{not json`)); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3}); err != nil {
		t.Fatalf("write: %v", err)
	}
	writeEvent(t, c, EventJoinRoom, map[string]string{"roomId": "r1", "userId": "A"})
	expectEvent(t, c, EventRoomUsers)

	if got := s.metrics.Get(metrics.DropMalformed); got != 2 {
		t.Fatalf("drop_malformed=%d, want 2", got)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestWebSocket_JWTSessionIDOnConnectionLog(t *testing.T) {
	var logs lockedBuffer
	s := newTestServer(t, func(cfg *Config) {
		cfg.Auth = auth.Authenticator{Mode: config.AuthModeJWT, Verifier: auth.NewJWTVerifier("s3cret")}
		cfg.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	})

	now := time.Now()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iat": now.Unix(),
		"exp": now.Add(time.Minute).Unix(),
		"sid": "sess_42",
	}).SignedString([]byte("s3cret"))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	c, _, err := websocket.DefaultDialer.Dial(s.wsURL("token="+token), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer c.Close()
	writeEvent(t, c, EventJoinRoom, map[string]string{"roomId": "r1", "userId": "A"})
	expectEvent(t, c, EventRoomUsers)

	if out := logs.String(); !strings.Contains(out, "websocket connected") || !strings.Contains(out, "session_id=sess_42") {
		t.Fatalf("logs=%q, want connection log with session_id=sess_42", out)
	}
}

func TestWebSocket_AuthCheckedBeforeUpgrade(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.Auth = auth.Authenticator{Mode: config.AuthModeAPIKey, Verifier: auth.APIKeyVerifier{Expected: "secret"}}
	})

	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(""), nil)
	if err == nil {
		t.Fatalf("dial without credentials succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("resp=%v, want 401", resp)
	}

	_, resp, err = websocket.DefaultDialer.Dial(s.wsURL("apiKey=wrong"), nil)
	if err == nil || resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("dial with wrong key err=%v resp=%v, want 401", err, resp)
	}
	if got := s.metrics.Get(metrics.AuthFailure); got != 2 {
		t.Fatalf("auth_failure=%d, want 2", got)
	}

	c, _, err := websocket.DefaultDialer.Dial(s.wsURL("apiKey=secret"), nil)
	if err != nil {
		t.Fatalf("dial with key: %v", err)
	}
	defer c.Close()
	writeEvent(t, c, EventJoinRoom, map[string]string{"roomId": "r1", "userId": "A"})
	expectEvent(t, c, EventRoomUsers)

	statsResp, err := http.Get(s.ts.URL + "/api/stats")
	if err != nil {
		t.Fatalf("GET stats: %v", err)
	}
	statsResp.Body.Close()
	if statsResp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("stats status=%d, want 401", statsResp.StatusCode)
	}
}

func TestWebSocket_OriginRejected(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.AllowedOrigins = []string{"https://app.example.com"}
	})

	h := http.Header{}
	h.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(s.wsURL(""), h)
	if err == nil || resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Fatalf("dial err=%v resp=%v, want 403", err, resp)
	}

	h.Set("Origin", "https://app.example.com")
	c, _, err := websocket.DefaultDialer.Dial(s.wsURL(""), h)
	if err != nil {
		t.Fatalf("dial allowed origin: %v", err)
	}
	c.Close()
}

func TestWebSocket_IdleTimeoutClosesWithoutPong(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.IdleTimeout = 500 * time.Millisecond
		cfg.PingInterval = 50 * time.Millisecond
	})
	c := s.dial(t)

	pingSeen := make(chan struct{}, 1)
	c.SetPingHandler(func(string) error {
		select {
		case pingSeen <- struct{}{}:
		default:
		}
		return nil
	})

	errCh := make(chan error, 1)
	go func() {
		_, _, err := c.ReadMessage()
		errCh <- err
	}()

	select {
	case <-pingSeen:
	case err := <-errCh:
		t.Fatalf("connection closed before receiving ping: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for server ping")
	}

	select {
	case err := <-errCh:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			t.Fatalf("err=%v, want close normal closure", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timeout waiting for server to close idle websocket")
	}
}

func TestWebSocket_PongKeepsConnectionOpen(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.IdleTimeout = 300 * time.Millisecond
		cfg.PingInterval = 50 * time.Millisecond
	})
	c := s.dial(t)

	// The default ping handler answers with a pong while a read is pending.
	msgs := make(chan []byte, 4)
	errCh := make(chan error, 1)
	go func() {
		for {
			_, data, err := c.ReadMessage()
			if err != nil {
				errCh <- err
				return
			}
			msgs <- data
		}
	}()

	select {
	case err := <-errCh:
		t.Fatalf("connection closed despite pongs: %v", err)
	case <-time.After(time.Second):
	}

	writeEvent(t, c, EventJoinRoom, map[string]string{"roomId": "r1", "userId": "A"})
	select {
	case data := <-msgs:
		env, err := ParseEnvelope(data)
		if err != nil || env.Event != EventRoomUsers {
			t.Fatalf("got %s err=%v, want room-users", data, err)
		}
	case err := <-errCh:
		t.Fatalf("connection closed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting for room-users")
	}
}

func TestWebSocket_MessageTooBig(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.MaxMessageBytes = 128
	})
	c := s.dial(t)

	big := strings.Repeat("x", 1024)
	writeEvent(t, c, EventSendMessage, map[string]string{"roomId": "r1", "message": big})
	expectClose(t, c, websocket.CloseMessageTooBig)
}

func TestWebSocket_RateLimitDisconnects(t *testing.T) {
	s := newTestServer(t, func(cfg *Config) {
		cfg.MaxMessagesPerSecond = 1
		cfg.RateLimitStrikes = 2
		cfg.Clock = fixedClock{t: time.Unix(1_700_000_000, 0)}
	})
	c := s.dial(t)

	for i := 0; i < 3; i++ {
		writeEvent(t, c, "noop", map[string]int{"i": i})
	}
	expectClose(t, c, websocket.ClosePolicyViolation)

	if got := s.metrics.Get(metrics.DropRateLimited); got != 2 {
		t.Fatalf("drop_rate_limited=%d, want 2", got)
	}
}

func TestServerClose_SendsGoingAway(t *testing.T) {
	s := newTestServer(t, nil)
	c := s.dial(t)
	writeEvent(t, c, EventJoinRoom, map[string]string{"roomId": "r1", "userId": "A"})
	expectEvent(t, c, EventRoomUsers)

	s.srv.Close()
	expectClose(t, c, websocket.CloseGoingAway)

	// Connections accepted after Close are turned away immediately.
	late := s.dial(t)
	expectClose(t, late, websocket.CloseGoingAway)
}
