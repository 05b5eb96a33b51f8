package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/docmesh/internal/errors"
	"github.com/Iron-Ham/docmesh/internal/logging"
)

var errSlowConsumer = errors.New("send buffer full")

// wsConn adapts a websocket to docstore.Connection. Sends are queued and
// written by a single writer goroutine.
type wsConn struct {
	id     string
	ws     *websocket.Conn
	out    chan []byte
	done   chan struct{}
	once   sync.Once
	cfg    Config
	logger *logging.Logger
}

func newWSConn(ws *websocket.Conn, cfg Config, logger *logging.Logger) *wsConn {
	id := uuid.NewString()
	if logger == nil {
		logger = logging.NopLogger()
	}
	return &wsConn{
		id:     id,
		ws:     ws,
		out:    make(chan []byte, cfg.SendBuffer),
		done:   make(chan struct{}),
		cfg:    cfg,
		logger: logger.With("connection", id),
	}
}

func (c *wsConn) ID() string { return c.id }

// Send queues msg. A full queue means the client is not keeping up; the
// message is dropped and the connection closed.
func (c *wsConn) Send(msg []byte) error {
	select {
	case <-c.done:
		return errors.ErrClosed
	default:
	}
	select {
	case c.out <- msg:
		return nil
	case <-c.done:
		return errors.ErrClosed
	default:
		c.logger.Warn("closing slow connection")
		c.close()
		return errSlowConsumer
	}
}

func (c *wsConn) writeLoop() {
	ping := time.NewTicker(c.cfg.PingInterval)
	defer ping.Stop()
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.BinaryMessage, msg); err != nil {
				c.logger.Debug("write failed", "error", err)
				c.close()
				return
			}
		case <-ping.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.close()
				return
			}
		}
	}
}

// readLoop hands every binary frame to handle until the socket fails.
func (c *wsConn) readLoop(handle func([]byte)) {
	c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
	})
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug("read failed", "error", err)
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.PongTimeout))
		handle(data)
	}
}

func (c *wsConn) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}
