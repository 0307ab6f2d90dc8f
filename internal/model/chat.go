package model

import "time"

// ChatMessage is a message relayed to the members of a room.
type ChatMessage struct {
	ID         string    `json:"id,omitempty"`
	RoomID     string    `json:"roomId"`
	Message    string    `json:"message"`
	SenderID   string    `json:"senderId,omitempty"`
	SenderRole Role      `json:"senderRole,omitempty"`
	Priority   string    `json:"priority,omitempty"`
	SentAt     time.Time `json:"sentAt"`
}

// PriorityHigh marks a message that should page staff.
const PriorityHigh = "high"

// UrgentPayload is the body of an urgent in-room notice.
type UrgentPayload struct {
	RoomID  string    `json:"roomId"`
	Message string    `json:"message"`
	From    string    `json:"from,omitempty"`
	At      time.Time `json:"at"`
}
