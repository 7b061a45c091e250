package web

import (
	"sync"

	"github.com/codefionn/coderoom/internal/logger"
)

type membership struct {
	roomID   string
	clientID string
}

type outbound struct {
	roomID   string
	exceptID string
	event    *Event
}

// Hub maintains the set of active clients and their room membership for
// fan-out. All mutation and delivery funnels through one goroutine, so
// events published for a room reach its members in publish order (FIFO
// per room; no ordering across rooms).
type Hub struct {
	clients map[string]*Client
	rooms   map[string]map[string]*Client

	register   chan *Client
	unregister chan *Client
	join       chan membership
	leave      chan membership
	publish    chan outbound
	quit       chan struct{}

	mu sync.RWMutex

	// onDisconnect is invoked (on its own goroutine) after a client is
	// removed, so the registry can tear down its memberships.
	onDisconnect func(clientID string)
}

// NewHub creates a new hub
func NewHub(onDisconnect func(clientID string)) *Hub {
	return &Hub{
		clients:      make(map[string]*Client),
		rooms:        make(map[string]map[string]*Client),
		register:     make(chan *Client),
		unregister:   make(chan *Client),
		join:         make(chan membership),
		leave:        make(chan membership),
		publish:      make(chan outbound, 256),
		quit:         make(chan struct{}),
		onDisconnect: onDisconnect,
	}
}

// Run starts the hub dispatch loop
func (h *Hub) Run() {
	logger.Info("WebSocket hub started")
	defer logger.Info("WebSocket hub stopped")

	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()
			logger.Debug("Client registered: %s", client.ID)

		case client := <-h.unregister:
			h.mu.Lock()
			_, known := h.clients[client.ID]
			if known {
				delete(h.clients, client.ID)
				for roomID, members := range h.rooms {
					delete(members, client.ID)
					if len(members) == 0 {
						delete(h.rooms, roomID)
					}
				}
				client.closeSend()
			}
			h.mu.Unlock()
			logger.Debug("Client unregistered: %s", client.ID)
			if known && h.onDisconnect != nil {
				go h.onDisconnect(client.ID)
			}

		case m := <-h.join:
			h.mu.Lock()
			if client, ok := h.clients[m.clientID]; ok {
				members, ok := h.rooms[m.roomID]
				if !ok {
					members = make(map[string]*Client)
					h.rooms[m.roomID] = members
				}
				members[m.clientID] = client
			}
			h.mu.Unlock()

		case m := <-h.leave:
			h.mu.Lock()
			if members, ok := h.rooms[m.roomID]; ok {
				delete(members, m.clientID)
				if len(members) == 0 {
					delete(h.rooms, m.roomID)
				}
			}
			h.mu.Unlock()

		case out := <-h.publish:
			h.mu.RLock()
			for id, client := range h.rooms[out.roomID] {
				if id == out.exceptID {
					continue
				}
				select {
				case client.send <- out.event:
				default:
					// A slow member loses this event rather than
					// blocking the rest of the room.
					logger.Warn("Dropping %s for slow client %s", out.event.Event, id)
				}
			}
			h.mu.RUnlock()

		case <-h.quit:
			return
		}
	}
}

// Stop stops the hub
func (h *Hub) Stop() {
	close(h.quit)
}

// Register registers a new client
func (h *Hub) Register(client *Client) {
	select {
	case h.register <- client:
	case <-h.quit:
	}
}

// Unregister unregisters a client
func (h *Hub) Unregister(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.quit:
	}
}

// Join adds a client to a room's fan-out set
func (h *Hub) Join(roomID, clientID string) {
	select {
	case h.join <- membership{roomID: roomID, clientID: clientID}:
	case <-h.quit:
	}
}

// Leave removes a client from a room's fan-out set
func (h *Hub) Leave(roomID, clientID string) {
	select {
	case h.leave <- membership{roomID: roomID, clientID: clientID}:
	case <-h.quit:
	}
}

// Publish delivers an event to every member of a room in publish order
func (h *Hub) Publish(roomID, event string, data interface{}) {
	h.publishEvent(outbound{roomID: roomID, event: &Event{Event: event, Data: data}})
}

// PublishExcept is Publish minus one member, used to echo document edits
// to everyone but their author.
func (h *Hub) PublishExcept(roomID, exceptID, event string, data interface{}) {
	h.publishEvent(outbound{roomID: roomID, exceptID: exceptID, event: &Event{Event: event, Data: data}})
}

func (h *Hub) publishEvent(out outbound) {
	select {
	case h.publish <- out:
	case <-h.quit:
	}
}

// ClientCount returns the number of connected clients
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// RoomSize returns how many clients are wired for fan-out in a room
func (h *Hub) RoomSize(roomID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[roomID])
}
