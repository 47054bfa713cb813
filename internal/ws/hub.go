package ws

import (
	"sync"
	"time"

	"connect-relay/internal/models"
	"connect-relay/internal/rooms"

	"github.com/goccy/go-json"
	"go.uber.org/zap"
)

// Hub tracks live connections and the rooms they belong to, and delivers
// events to room members.
//
// Well-known rooms keep an explicit member set. Private pair rooms have no
// set: their members are every live connection of the two participants.
type Hub struct {
	mu sync.RWMutex

	// Map: roomKey -> set of clients
	rooms map[string]map[*Client]struct{}

	// Map: userId -> set of clients
	users map[string]map[*Client]struct{}

	// Map: client -> set of joined room keys
	memberships map[*Client]map[string]struct{}

	logger *zap.Logger
}

// Stats is a point-in-time view of the hub.
type Stats struct {
	Connections int `json:"connections"`
	Rooms       int `json:"rooms"`
}

func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		rooms:       make(map[string]map[*Client]struct{}),
		users:       make(map[string]map[*Client]struct{}),
		memberships: make(map[*Client]map[string]struct{}),
		logger:      logger,
	}
}

// Register makes a client addressable by its user id. A client must be
// registered before it can join rooms.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.memberships[client]; ok {
		return
	}
	h.memberships[client] = make(map[string]struct{})

	userID := client.principal.ID
	if h.users[userID] == nil {
		h.users[userID] = make(map[*Client]struct{})
	}
	h.users[userID][client] = struct{}{}

	h.logger.Debug("[HUB] Client registered",
		zap.String("conn", client.id),
		zap.String("user", userID),
		zap.Int("userConnections", len(h.users[userID])))
}

// Join adds client to roomKey. Joining twice is a no-op. It reports false
// when the client is not (or no longer) registered.
func (h *Hub) Join(client *Client, roomKey string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	joined, ok := h.memberships[client]
	if !ok {
		return false
	}
	if _, already := joined[roomKey]; already {
		return true
	}

	if h.rooms[roomKey] == nil {
		h.rooms[roomKey] = make(map[*Client]struct{})
	}
	h.rooms[roomKey][client] = struct{}{}
	joined[roomKey] = struct{}{}

	h.logger.Debug("[HUB] Client joined room",
		zap.String("conn", client.id),
		zap.String("room", roomKey),
		zap.Int("members", len(h.rooms[roomKey])))
	return true
}

// Leave removes client from a single room.
func (h *Hub) Leave(client *Client, roomKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if joined, ok := h.memberships[client]; ok {
		delete(joined, roomKey)
	}
	h.removeFromRoom(client, roomKey)
}

// LeaveAll removes every membership of client, unregisters it and closes its
// send queue. Only the first call has an effect.
func (h *Hub) LeaveAll(client *Client) bool {
	h.mu.Lock()
	joined, ok := h.memberships[client]
	if !ok {
		h.mu.Unlock()
		return false
	}

	for roomKey := range joined {
		h.removeFromRoom(client, roomKey)
	}
	delete(h.memberships, client)

	userID := client.principal.ID
	if conns, ok := h.users[userID]; ok {
		delete(conns, client)
		if len(conns) == 0 {
			delete(h.users, userID)
		}
	}
	h.mu.Unlock()

	client.closeSend()

	h.logger.Debug("[HUB] Client unregistered",
		zap.String("conn", client.id),
		zap.String("user", userID),
		zap.Int("rooms", len(joined)))
	return true
}

// CloseAll disconnects every registered client and returns how many were
// closed.
func (h *Hub) CloseAll() int {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.memberships))
	for client := range h.memberships {
		clients = append(clients, client)
	}
	h.mu.RUnlock()

	closed := 0
	for _, client := range clients {
		if h.LeaveAll(client) {
			closed++
		}
		client.closeConn()
	}
	h.logger.Info("[HUB] Closed all connections", zap.Int("count", closed))
	return closed
}

// removeFromRoom must be called with h.mu held.
func (h *Hub) removeFromRoom(client *Client, roomKey string) {
	members, ok := h.rooms[roomKey]
	if !ok {
		return
	}
	delete(members, client)
	if len(members) == 0 {
		delete(h.rooms, roomKey)
	}
}

// MembersOf returns a snapshot of the connections that receive events sent
// to roomKey.
func (h *Hub) MembersOf(roomKey string) []*Client {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if a, b, ok := rooms.ResolveParticipants(roomKey); ok {
		members := make([]*Client, 0, len(h.users[a])+len(h.users[b]))
		for client := range h.users[a] {
			members = append(members, client)
		}
		if b != a {
			for client := range h.users[b] {
				members = append(members, client)
			}
		}
		return members
	}

	members := make([]*Client, 0, len(h.rooms[roomKey]))
	for client := range h.rooms[roomKey] {
		members = append(members, client)
	}
	return members
}

// RoomsOf returns the rooms client has joined.
func (h *Hub) RoomsOf(client *Client) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	keys := make([]string, 0, len(h.memberships[client]))
	for key := range h.memberships[client] {
		keys = append(keys, key)
	}
	return keys
}

// UserConnections returns the number of live connections of userID.
func (h *Hub) UserConnections(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.users[userID])
}

func (h *Hub) Stats() Stats {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return Stats{Connections: len(h.memberships), Rooms: len(h.rooms)}
}

// Emit delivers an event to every member of roomKey.
func (h *Hub) Emit(roomKey, eventType string, data interface{}) {
	h.EmitExcept(roomKey, "", eventType, data)
}

// EmitExcept delivers an event to every member of roomKey except the
// connection with id exceptConnID.
func (h *Hub) EmitExcept(roomKey, exceptConnID, eventType string, data interface{}) {
	payload, err := EncodeEvent(roomKey, eventType, data)
	if err != nil {
		h.logger.Error("[HUB] Failed to marshal event", zap.String("type", eventType), zap.String("room", roomKey), zap.Error(err))
		return
	}
	h.Deliver(roomKey, exceptConnID, payload)
}

// Deliver sends an encoded event to the members of roomKey. Clients whose
// send buffer is full are disconnected.
func (h *Hub) Deliver(roomKey, exceptConnID string, payload []byte) {
	members := h.MembersOf(roomKey)

	sentCount := 0
	failedCount := 0
	for _, client := range members {
		if client.id == exceptConnID {
			continue
		}
		switch err := client.enqueue(payload); err {
		case nil:
			sentCount++
			continue
		case errSendClosed:
			continue
		}

		h.logger.Warn("[HUB] Client buffer full, disconnecting", zap.String("user", client.principal.ID), zap.String("conn", client.id), zap.String("room", roomKey))
		h.LeaveAll(client)
		client.closeConn()
		failedCount++
	}

	h.logger.Debug("[HUB] Broadcast complete", zap.String("room", roomKey), zap.Int("sent", sentCount), zap.Int("failed", failedCount))
}

// EncodeEvent builds the wire form of an outbound event.
func EncodeEvent(roomKey, eventType string, data interface{}) ([]byte, error) {
	return json.Marshal(models.Event{
		Type:      eventType,
		Room:      roomKey,
		Timestamp: time.Now().Unix(),
		Data:      data,
	})
}
