// Package ws serves chat turns over WebSocket connections.
//
// Client frames are {"type":"chat", ...ChatRequest} and
// {"type":"cancel","session_id":"..."}. Server frames are token events
// encoded as JSON. A connection runs one turn at a time; a chat frame that
// arrives while a turn is in flight is answered with a session_busy error
// frame. Turns always stream.
package ws

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rhuss/chatrelay/pkg/api"
	"github.com/rhuss/chatrelay/pkg/observability"
	"github.com/rhuss/chatrelay/pkg/transport"
)

// Frame types sent by clients.
const (
	FrameChat   = "chat"
	FrameCancel = "cancel"
)

// Config holds connection timing and size limits.
type Config struct {
	// ReadTimeout is how long the connection may stay silent (no frame
	// and no pong) before it is closed. Defaults to 60s.
	ReadTimeout time.Duration

	// WriteTimeout bounds a single frame write. Defaults to 10s.
	WriteTimeout time.Duration

	// PingInterval must be shorter than ReadTimeout. Defaults to 9/10 of
	// ReadTimeout.
	PingInterval time.Duration

	// MaxMessageSize limits client frames in bytes. Defaults to 1 MB.
	MaxMessageSize int64
}

func (c Config) withDefaults() Config {
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 60 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.ReadTimeout {
		c.PingInterval = c.ReadTimeout * 9 / 10
	}
	if c.MaxMessageSize <= 0 {
		c.MaxMessageSize = 1 << 20
	}
	return c
}

// Canceller cancels the in-flight exchange of a session.
type Canceller interface {
	CancelSession(ctx context.Context, id string) (bool, error)
}

// Server upgrades HTTP requests and serves chat turns on the resulting
// connections.
type Server struct {
	chat      transport.ChatHandler
	canceller Canceller
	conns     *transport.InFlightRegistry
	cfg       Config
	logger    *slog.Logger
	upgrader  websocket.Upgrader
}

// NewServer creates a WebSocket server. conns tracks open connections so
// they can be closed on shutdown; it may be nil.
func NewServer(chat transport.ChatHandler, canceller Canceller, conns *transport.InFlightRegistry, cfg Config, logger *slog.Logger) *Server {
	if conns == nil {
		conns = transport.NewInFlightRegistry()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		chat:      chat,
		canceller: canceller,
		conns:     conns,
		cfg:       cfg.withDefaults(),
		logger:    logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Connections returns the registry of open connections.
func (s *Server) Connections() *transport.InFlightRegistry {
	return s.conns
}

// clientFrame is any frame a client sends.
type clientFrame struct {
	Type string `json:"type"`
	api.ChatRequest
}

// conn is one upgraded connection.
type conn struct {
	id  string
	ws  *websocket.Conn
	srv *Server

	// ctx ends when the connection closes or the server shuts down. It
	// keeps the values (owner, request id) of the upgrade request.
	ctx    context.Context
	cancel context.CancelFunc

	send chan any
	busy atomic.Bool
	turn context.CancelFunc
	mu   sync.Mutex
	wg   sync.WaitGroup
}

var errConnClosed = errors.New("ws: connection closed")

// ServeHTTP upgrades the request and blocks until the connection closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already written an HTTP error.
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	c := &conn{
		id:     uuid.NewString(),
		ws:     ws,
		srv:    s,
		ctx:    ctx,
		cancel: cancel,
		send:   make(chan any, 64),
	}

	s.conns.Register(c.id, cancel)
	gauge := observability.StreamingConnections.WithLabelValues("websocket")
	gauge.Inc()
	defer func() {
		cancel()
		c.wg.Wait()
		s.conns.Remove(c.id)
		gauge.Dec()
		s.logger.Debug("websocket closed", "conn_id", c.id)
	}()

	s.logger.Debug("websocket opened", "conn_id", c.id, "remote", r.RemoteAddr)

	c.wg.Add(1)
	go c.writePump()
	c.readPump()
}

// readPump reads frames until the connection fails or closes.
func (c *conn) readPump() {
	cfg := c.srv.cfg
	c.ws.SetReadLimit(cfg.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.srv.logger.Warn("websocket read failed", "conn_id", c.id, "error", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(cfg.ReadTimeout))
		c.handleFrame(data)
	}
}

// writePump is the only writer of the connection. It also sends pings.
func (c *conn) writePump() {
	defer c.wg.Done()
	cfg := c.srv.cfg
	ticker := time.NewTicker(cfg.PingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteJSON(frame); err != nil {
				c.srv.logger.Warn("websocket write failed", "conn_id", c.id, "error", err)
				c.cancel()
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.cancel()
				return
			}
		case <-c.ctx.Done():
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"),
				time.Now().Add(cfg.WriteTimeout))
			return
		}
	}
}

// enqueue hands a frame to the writer.
func (c *conn) enqueue(frame any) error {
	select {
	case c.send <- frame:
		return nil
	case <-c.ctx.Done():
		return errConnClosed
	}
}

func (c *conn) sendError(sessionID string, err *api.Error) {
	c.enqueue(api.TokenEvent{Type: api.TokenError, SessionID: sessionID, Error: err})
}

func (c *conn) handleFrame(data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		c.sendError("", api.NewInvalidRequestError("frame", "invalid JSON frame"))
		return
	}

	switch frame.Type {
	case FrameChat:
		c.startTurn(frame.ChatRequest)
	case FrameCancel:
		c.cancelTurn(frame.SessionID)
	default:
		c.sendError(frame.SessionID, api.NewInvalidRequestError("type", "unknown frame type: "+frame.Type))
	}
}

// startTurn runs one chat turn in the background.
func (c *conn) startTurn(req api.ChatRequest) {
	if !c.busy.CompareAndSwap(false, true) {
		c.sendError(req.SessionID, api.NewSessionBusyError(req.SessionID))
		return
	}

	req.Stream = true
	ctx, cancel := context.WithCancel(c.ctx)
	c.mu.Lock()
	c.turn = cancel
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer func() {
			cancel()
			c.mu.Lock()
			c.turn = nil
			c.mu.Unlock()
			c.busy.Store(false)
		}()

		if err := c.srv.chat.HandleChat(ctx, &req, frameWriter{c}); err != nil && !errors.Is(err, errConnClosed) {
			c.sendError(req.SessionID, api.AsError(err))
		}
	}()
}

// cancelTurn cancels the exchange of sessionID, or the turn of this
// connection when no session is named.
func (c *conn) cancelTurn(sessionID string) {
	if sessionID == "" {
		c.mu.Lock()
		turn := c.turn
		c.mu.Unlock()
		if turn != nil {
			turn()
		}
		return
	}
	if c.srv.canceller == nil {
		return
	}
	if _, err := c.srv.canceller.CancelSession(c.ctx, sessionID); err != nil {
		c.sendError(sessionID, api.AsError(err))
	}
}

// frameWriter delivers token events as frames.
type frameWriter struct {
	c *conn
}

var _ transport.EventWriter = frameWriter{}

func (w frameWriter) WriteEvent(_ context.Context, ev api.TokenEvent) error {
	return w.c.enqueue(ev)
}

func (w frameWriter) WriteResult(_ context.Context, res *api.ChatResult) error {
	return w.c.enqueue(res)
}

func (w frameWriter) Flush() error { return nil }
