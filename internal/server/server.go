// Package server exposes the conductor over a WebSocket endpoint. Each
// connection carries JSON envelopes, is pinned to the first session id it
// presents, and is rate limited with a per-connection sliding window.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/cadenzalabs/cadenza/internal/conductor"
	"github.com/cadenzalabs/cadenza/internal/observe"
	"github.com/cadenzalabs/cadenza/internal/ratelimit"
	"github.com/cadenzalabs/cadenza/internal/session"
	"github.com/cadenzalabs/cadenza/pkg/protocol"
)

// DefaultMaxEventBytes caps the size of a single inbound envelope.
const DefaultMaxEventBytes = 64 * 1024

// readLimitSlack is added to the socket read limit so oversized envelopes
// reach the decoder and produce an error event instead of killing the
// connection at the transport layer.
const readLimitSlack = 1024

// Server accepts WebSocket connections and feeds decoded envelopes into
// the conductor.
type Server struct {
	store     *session.Store
	conductor *conductor.Service
	metrics   *observe.Metrics

	maxEventBytes int
}

// Option is a functional option for Server.
type Option func(*Server)

// WithMaxEventBytes overrides the inbound envelope size cap.
func WithMaxEventBytes(n int) Option {
	return func(s *Server) {
		s.maxEventBytes = n
	}
}

// WithMetrics overrides the metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New creates a Server dispatching into the given conductor service.
func New(store *session.Store, cond *conductor.Service, opts ...Option) *Server {
	s := &Server{
		store:         store,
		conductor:     cond,
		maxEventBytes: DefaultMaxEventBytes,
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// ServeWS upgrades the request and runs the connection loop until the
// client disconnects. Register it on the /ws route.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "session closed")

	conn.SetReadLimit(int64(s.maxEventBytes) + readLimitSlack)

	s.metrics.ActiveConnections.Add(r.Context(), 1)
	defer s.metrics.ActiveConnections.Add(context.Background(), -1)

	c := &clientConn{
		server:  s,
		conn:    conn,
		limiter: s.store.NewRateLimiter(),
	}
	c.run(r.Context())
}

// clientConn is the per-connection state: the pinned session id, the write
// lock serialising emits, and the inbound rate limiter.
type clientConn struct {
	server  *Server
	conn    *websocket.Conn
	limiter *ratelimit.SlidingWindow

	writeMu   sync.Mutex
	sessionID string
}

// sid returns the pinned session id, or a placeholder for error envelopes
// emitted before the first event arrives. The codec requires a non-empty
// sessionId on every frame.
func (c *clientConn) sid() string {
	if c.sessionID == "" {
		return "unknown"
	}
	return c.sessionID
}

func (c *clientConn) run(ctx context.Context) {
	for {
		msgType, data, err := c.conn.Read(ctx)
		if err != nil {
			status := websocket.CloseStatus(err)
			if status == websocket.StatusNormalClosure || status == websocket.StatusGoingAway || errors.Is(err, context.Canceled) {
				slog.Info("connection closed", "session", c.sessionID)
			} else {
				slog.Warn("connection read failed", "session", c.sessionID, "err", err)
			}
			return
		}
		if msgType != websocket.MessageText {
			c.emit(ctx)(protocol.NewError(c.sid(), protocol.CodeInvalidEvent, "binary frames are not supported"))
			continue
		}
		c.handleFrame(ctx, data)
	}
}

// handleFrame decodes and dispatches one inbound frame. Decode and rate
// limit failures answer with an error envelope and keep the connection
// open. Decode runs first: malformed frames are rejected outright and do
// not consume rate-limit budget.
func (c *clientConn) handleFrame(ctx context.Context, data []byte) {
	emit := c.emit(ctx)

	env, err := protocol.Decode(data, c.server.maxEventBytes)
	if err != nil {
		slog.Debug("rejecting inbound frame", "session", c.sessionID, "err", err)
		emit(protocol.NewError(c.sid(), protocol.CodeInvalidEvent, err.Error()))
		return
	}

	if !c.limiter.Allow(time.Now()) {
		c.server.metrics.RateLimited.Add(ctx, 1)
		emit(protocol.NewError(env.SessionID, protocol.CodeRateLimited, "too many events, slow down"))
		return
	}

	if c.sessionID == "" {
		c.sessionID = env.SessionID
	} else if env.SessionID != c.sessionID {
		emit(protocol.NewError(c.sessionID, protocol.CodeSessionMismatch,
			"connection is bound to session "+c.sessionID))
		return
	}

	c.server.metrics.RecordEventIn(ctx, env.Type)
	c.server.conductor.HandleEvent(ctx, env, emit)
}

// emit returns the outbound path for this connection. Writes are
// serialised; a failed write is logged and dropped so the conductor loop
// keeps running against a dying socket.
func (c *clientConn) emit(ctx context.Context) conductor.EmitFunc {
	return func(env *protocol.Envelope) {
		data, err := protocol.Encode(env)
		if err != nil {
			slog.Error("encoding outbound envelope failed", "session", env.SessionID, "type", env.Type, "err", err)
			return
		}

		c.writeMu.Lock()
		defer c.writeMu.Unlock()

		writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := c.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
			slog.Warn("writing outbound envelope failed", "session", env.SessionID, "type", env.Type, "err", err)
			return
		}
		c.server.metrics.RecordEventOut(ctx, env.Type)
	}
}
