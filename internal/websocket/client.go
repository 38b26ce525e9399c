package websocket

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 16 * 1024
)

var (
	ErrConnectionClosed = errors.New("websocket connection closed")
	ErrSendBufferFull   = errors.New("websocket send buffer full")
)

// MessageHandler receives connection lifecycle callbacks and inbound frames.
type MessageHandler interface {
	OnConnect(client *Client)
	OnMessage(client *Client, data []byte)
	OnDisconnect(client *Client)
}

// Client is a middleman between one websocket connection and the hub. It is
// also the delivery channel handed to the chat core: Send serializes a typed
// event, Connected reports liveness.
type Client struct {
	Hub *Hub

	// The websocket connection.
	Conn *websocket.Conn

	// ConnID uniquely identifies this connection; it is the session key.
	ConnID uuid.UUID

	// AuthUserID is the verified user identity, empty for anonymous clients.
	AuthUserID string

	handler MessageHandler

	// Buffered channel of outbound messages.
	send chan []byte

	closeMu sync.RWMutex
	closed  bool
}

// Connected reports whether the connection is still live.
func (c *Client) Connected() bool {
	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	return !c.closed
}

// Send queues a typed event for delivery. A full buffer means the client
// stopped draining; the frame is dropped and an error returned so the caller
// can stop pacing.
func (c *Client) Send(event string, data map[string]interface{}) error {
	payload, err := json.Marshal(map[string]interface{}{
		"type": event,
		"data": data,
	})
	if err != nil {
		return err
	}

	c.closeMu.RLock()
	defer c.closeMu.RUnlock()
	if c.closed {
		return ErrConnectionClosed
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close tears the underlying connection down; the read pump unwinds and
// fires the disconnect callback.
func (c *Client) Close() {
	_ = c.Conn.Close()
}

// markClosed flips the liveness flag. The hub calls this before closing the
// send channel so a concurrent Send never writes to a closed channel.
func (c *Client) markClosed() {
	c.closeMu.Lock()
	c.closed = true
	c.closeMu.Unlock()
}

// readPump pumps messages from the websocket connection to the handler.
func (c *Client) readPump() {
	defer func() {
		c.handler.OnDisconnect(c)
		c.Hub.unregister <- c
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(maxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				c.Hub.logger.Warn("WebSocket", "Unexpected close", map[string]interface{}{"conn_id": c.ConnID, "error": err.Error()})
			}
			break
		}
		c.handler.OnMessage(c, data)
	}
}

// writePump pumps messages from the send channel to the websocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
