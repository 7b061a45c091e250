package web

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/codefionn/coderoom/internal/logger"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1 << 20
)

// Handler consumes decoded client traffic. Implemented by the workspace
// registry's event dispatcher.
type Handler interface {
	HandleEvent(c *Client, env *Envelope)
	HandleDisconnect(clientID string)
}

// Client represents one WebSocket connection
type Client struct {
	ID      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan *Event
	handler Handler
	debug   bool

	// sendMu serializes Send against closeSend: callbacks such as the
	// sink's failure reporter may fire after the hub has unregistered
	// this client, and must drop rather than hit a closed channel.
	sendMu sync.Mutex
	closed bool
}

// NewClient creates a new WebSocket client
func NewClient(hub *Hub, conn *websocket.Conn, handler Handler, debug bool) *Client {
	return &Client{
		ID:      uuid.NewString(),
		hub:     hub,
		conn:    conn,
		send:    make(chan *Event, 256),
		handler: handler,
		debug:   debug,
	}
}

// ReadPump pumps messages from the WebSocket connection to the handler
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Error("WebSocket read error: %v", err)
			}
			break
		}

		var env Envelope
		if err := json.Unmarshal(message, &env); err != nil {
			logger.Error("Failed to unmarshal message from %s: %v", c.ID, err)
			c.Send(errorEvent("malformed message"))
			continue
		}

		if c.debug {
			logger.Debug("WebSocket received from %s: %s", c.ID, string(message))
		}

		c.handler.HandleEvent(c, &env)
	}
}

// WritePump pumps messages from the send channel to the WebSocket
// connection
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Hub closed the channel
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			data, err := json.Marshal(event)
			if err != nil {
				logger.Error("Failed to marshal event: %v", err)
				continue
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				logger.Error("Failed to write message: %v", err)
				return
			}

			if c.debug {
				logger.Debug("WebSocket sent to %s: %s", c.ID, string(data))
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Send queues an event for delivery to this client. It never blocks; an
// event for a client whose buffer is full, or that has already been
// unregistered, is dropped.
func (c *Client) Send(event *Event) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.closed {
		logger.Debug("Client %s gone, dropping %s", c.ID, event.Event)
		return
	}

	select {
	case c.send <- event:
	default:
		logger.Warn("Client %s send channel full, dropping %s", c.ID, event.Event)
	}
}

// closeSend closes the send channel exactly once; later Sends drop
func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// SendEvent is a convenience wrapper around Send
func (c *Client) SendEvent(name string, data interface{}) {
	c.Send(&Event{Event: name, Data: data})
}

// SendError reports a request-scoped failure to this client only
func (c *Client) SendError(message string) {
	c.Send(errorEvent(message))
}
