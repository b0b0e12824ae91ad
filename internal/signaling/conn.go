package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/asistencia/signaling-relay/internal/metrics"
	"github.com/asistencia/signaling-relay/internal/ratelimit"
)

const wsWriteWait = 1 * time.Second

// wsConn adapts a WebSocket to Conn. The relay goroutine enqueues with Send;
// only writePump touches the socket for writing.
type wsConn struct {
	id  string
	ws  *websocket.Conn
	log *slog.Logger

	send chan Envelope

	done        chan struct{}
	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newWSConn(id string, ws *websocket.Conn, queueLen int, log *slog.Logger) *wsConn {
	return &wsConn{
		id:   id,
		ws:   ws,
		log:  log,
		send: make(chan Envelope, queueLen),
		done: make(chan struct{}),
	}
}

func (c *wsConn) ID() string { return c.id }

func (c *wsConn) Send(env Envelope) error {
	select {
	case <-c.done:
		return ErrConnClosed
	default:
	}
	select {
	case c.send <- env:
		return nil
	default:
		return ErrSendQueueFull
	}
}

func (c *wsConn) Close() {
	c.closeWith(websocket.CloseNormalClosure, "")
}

// closeWith records the close frame writePump sends. The first call wins.
func (c *wsConn) closeWith(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *wsConn) writePump(pingInterval time.Duration) {
	defer c.ws.Close()

	var ping <-chan time.Time
	if pingInterval > 0 {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case env := <-c.send:
			data, err := json.Marshal(env)
			if err != nil {
				c.log.Error("encode outbound event", "event", env.Event, "err", err)
				continue
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug("websocket write failed", "err", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ping:
			if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				c.log.Debug("websocket ping failed", "err", err)
				c.closeWith(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			if c.closeCode != websocket.CloseAbnormalClosure {
				_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(c.closeCode, c.closeReason), time.Now().Add(wsWriteWait))
			}
			return
		}
	}
}

// readPump feeds inbound frames to the relay until the socket fails, the
// connection goes idle, or it is closed.
func (s *Server) readPump(c *wsConn, limiter *ratelimit.ConnLimiter) {
	c.ws.SetReadLimit(s.maxMessageBytes)

	extend := func() {
		if s.idleTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(s.idleTimeout))
		}
	}
	extend()
	c.ws.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	for {
		msgType, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				c.closeWith(websocket.CloseMessageTooBig, "message too large")
			case isTimeout(err):
				c.log.Info("websocket idle timeout")
				c.closeWith(websocket.CloseNormalClosure, "idle timeout")
			default:
				c.closeWith(websocket.CloseNormalClosure, "")
			}
			return
		}
		extend()

		switch limiter.Admit() {
		case ratelimit.Drop:
			s.metrics.Inc(metrics.DropRateLimited)
			continue
		case ratelimit.Disconnect:
			s.metrics.Inc(metrics.DropRateLimited)
			c.log.Warn("websocket rate limit exceeded", "strikes", limiter.Strikes())
			c.closeWith(websocket.ClosePolicyViolation, "rate limit exceeded")
			return
		}

		if msgType != websocket.TextMessage {
			s.metrics.Inc(metrics.DropMalformed)
			continue
		}
		env, err := ParseEnvelope(data)
		if err != nil {
			s.metrics.Inc(metrics.DropMalformed)
			c.log.Debug("malformed frame dropped", "err", err)
			continue
		}
		if err := s.relay.Dispatch(context.Background(), c, env); err != nil {
			c.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		}
	}
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
