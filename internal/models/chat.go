package models

import "time"

const (
	RoleResident = "resident"
	RoleAdmin    = "admin"
)

// Principal is the authenticated identity attached to a connection.
type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role"`
}

func (p Principal) IsAdmin() bool {
	return p.Role == RoleAdmin
}

// Message is a persisted chat message. ReadBy only ever grows.
type Message struct {
	ID         string    `json:"_id"`
	RoomID     string    `json:"roomId"`
	SenderID   string    `json:"senderId"`
	SenderName string    `json:"senderName"`
	Text       string    `json:"text,omitempty"`
	ImageURL   string    `json:"imageUrl,omitempty"`
	ReadBy     []string  `json:"readBy"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// OutboundMessage is a Message decorated for delivery. The decoration is
// never written back to the store.
type OutboundMessage struct {
	Message
	SenderProfilePicture *string `json:"senderProfilePicture"`
}

// Alert is write-once after creation.
type Alert struct {
	ID        string    `json:"_id"`
	UserID    string    `json:"userId"`
	UserName  string    `json:"userName"`
	AlertType string    `json:"alertType"`
	Details   string    `json:"details"`
	Location  string    `json:"location,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	CreatedAt time.Time `json:"createdAt"`
}

// User is the subset of the user record the relay reads.
type User struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	Email          string `json:"email,omitempty"`
	Role           string `json:"role"`
	ProfilePicture string `json:"profilePicture,omitempty"`
}

// Room is a listed chat room.
type Room struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
