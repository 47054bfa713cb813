package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"connect-relay/internal/models"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// Time allowed to write a message
	writeWait = 10 * time.Second

	// Time allowed to read next pong message
	pongWait = 60 * time.Second

	// Send pings with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Max message size
	maxMessageSize = 512 * 1024 // 512 KB
)

var (
	errSendClosed = errors.New("send queue closed")
	errSendFull   = errors.New("send queue full")
)

// Handler processes the inbound events of a connection. HandleFrame is
// called sequentially per connection; Disconnect is called once, after the
// last frame.
type Handler interface {
	HandleFrame(ctx context.Context, client *Client, frame models.InboundFrame)
	Disconnect(client *Client)
}

// Client is one authenticated socket connection.
type Client struct {
	id        string
	conn      *websocket.Conn
	principal models.Principal
	logger    *zap.Logger

	sendMu sync.Mutex
	send   chan []byte
	closed bool
}

// NewClient creates a connection wrapper. conn may be nil for connections
// that are only ever fed through the send queue.
func NewClient(conn *websocket.Conn, principal models.Principal, sendBuffer int, logger *zap.Logger) *Client {
	return &Client{
		id:        uuid.NewString(),
		conn:      conn,
		principal: principal,
		send:      make(chan []byte, sendBuffer),
		logger:    logger,
	}
}

func (c *Client) ID() string {
	return c.id
}

func (c *Client) Principal() models.Principal {
	return c.principal
}

// Send exposes the outbound queue. It is closed when the client leaves the hub.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// Emit sends an event to this connection only.
func (c *Client) Emit(eventType string, data interface{}) {
	payload, err := EncodeEvent("", eventType, data)
	if err != nil {
		c.logger.Error("[CLIENT] Failed to marshal event", zap.String("type", eventType), zap.String("user", c.principal.ID), zap.Error(err))
		return
	}
	if err := c.enqueue(payload); err != nil {
		c.logger.Warn("[CLIENT] Dropped direct event", zap.String("type", eventType), zap.String("user", c.principal.ID), zap.Error(err))
	}
}

func (c *Client) enqueue(payload []byte) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		return errSendClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errSendFull
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) closeConn() {
	if c.conn != nil {
		c.conn.Close()
	}
}

// ReadPump pumps messages from the WebSocket to the handler until the
// connection fails, then tears the client down.
func (c *Client) ReadPump(ctx context.Context, handler Handler) {
	defer func() {
		handler.Disconnect(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Warn("[CLIENT] Unexpected close", zap.String("user", c.principal.ID), zap.String("conn", c.id), zap.Error(err))
			}
			return
		}

		c.handleClientMessage(ctx, handler, message)
	}
}

// WritePump pumps messages from the send queue to the WebSocket.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Error("[CLIENT] Failed to write message", zap.String("user", c.principal.ID), zap.String("conn", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Error("[CLIENT] Failed to send ping", zap.String("user", c.principal.ID), zap.String("conn", c.id), zap.Error(err))
				return
			}
		}
	}
}

func (c *Client) handleClientMessage(ctx context.Context, handler Handler, message []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("[CLIENT] Event handler panicked", zap.String("user", c.principal.ID), zap.Any("panic", r))
		}
	}()

	var frame models.InboundFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		c.logger.Error("[CLIENT] Error unmarshaling message", zap.String("user", c.principal.ID), zap.Error(err))
		return
	}
	if frame.Type == "" {
		c.logger.Warn("[CLIENT] No 'type' field in message", zap.String("user", c.principal.ID))
		return
	}

	handler.HandleFrame(ctx, c, frame)
}
