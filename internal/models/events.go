package models

import "github.com/goccy/go-json"

// Inbound socket event types.
const (
	EventChatMessage    = "chat:message"
	EventChatTyping     = "chat:typing"
	EventChatStopTyping = "chat:stop_typing"
	EventChatRead       = "chat:read"
	EventAlertRaise     = "alert:raise"
)

// Outbound socket event types.
const (
	EventChatNewMessage     = "chat:new_message"
	EventChatMessageRead    = "chat:message_read"
	EventChatMessageDeleted = "chat:message_deleted"
	EventAlertNew           = "alert:new"
	EventAlertError         = "alert:error"
)

// Event is the envelope written to every socket.
type Event struct {
	Type      string      `json:"type"`
	Room      string      `json:"room,omitempty"`
	Timestamp int64       `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// InboundFrame is what clients send: a type plus a raw payload that the
// relay decodes per event type.
type InboundFrame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Specific event data structures

type TypingData struct {
	RoomID   string `json:"roomId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

type MessageReadData struct {
	MessageID string `json:"messageId"`
	UserID    string `json:"userId"`
}

type MessageDeletedData struct {
	MessageID string `json:"messageId"`
	RoomID    string `json:"roomId"`
}
