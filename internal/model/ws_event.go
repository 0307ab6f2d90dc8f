package model

import (
	"encoding/json"
	"time"
)

// WSEvent is the envelope for every frame in both directions.
type WSEvent struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Inbound event types.
const (
	EventAuthenticate = "authenticate"
	EventJoinRoom     = "join-room"
	EventLeaveRoom    = "leave-room"
	EventChatMessage  = "chat-message"
	EventTyping       = "typing"
	EventStopTyping   = "stop-typing"
	EventDisconnect   = "disconnect"
	EventPing         = "ping"
)

// Outbound event types.
const (
	EventAuthenticated   = "authenticated"
	EventPong            = "pong"
	EventActivity        = "activity"
	EventDashboardUpdate = "dashboard-update"
	EventSystemAlert     = "system-alert"
	EventError           = "error"
)

// StaffChannel is the transport channel every authenticated staff
// connection is subscribed to.
const StaffChannel = "staff"

type AuthenticateRequest struct {
	Token string `json:"token"`
}

type AuthenticatedResponse struct {
	OK       bool   `json:"ok"`
	Identity string `json:"identity,omitempty"`
	Role     Role   `json:"role,omitempty"`
	Error    string `json:"error,omitempty"`
}

type RoomRequest struct {
	RoomID string `json:"roomId"`
}

type ChatMessageRequest struct {
	RoomID   string `json:"roomId"`
	Body     string `json:"body"`
	Priority string `json:"priority,omitempty"`
}

// TypingEvent is relayed to a room minus the sender.
type TypingEvent struct {
	RoomID   string `json:"roomId"`
	SenderID string `json:"senderId"`
}

// ActivityEvent is mirrored to the staff channel for every chat relay.
type ActivityEvent struct {
	Type     string    `json:"type"`
	RoomID   string    `json:"roomId"`
	SenderID string    `json:"senderId,omitempty"`
	Preview  string    `json:"preview,omitempty"`
	At       time.Time `json:"at"`
}

// SystemAlert is pushed to staff dashboards.
type SystemAlert struct {
	Level   string    `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	Subject string    `json:"subject,omitempty"`
	At      time.Time `json:"at"`
}

// DashboardUpdate carries presence metrics to staff dashboards.
type DashboardUpdate struct {
	Connections  int       `json:"connections"`
	Staff        int       `json:"staff"`
	Customers    int       `json:"customers"`
	Rooms        int       `json:"rooms"`
	Escalations  int       `json:"escalations"`
	RealtimeMode string    `json:"realtimeMode"`
	At           time.Time `json:"at"`
}

type ErrorEvent struct {
	Event string `json:"event"`
	Error string `json:"error"`
}

// NewEvent marshals data into a WSEvent envelope.
func NewEvent(eventType string, data interface{}) (*WSEvent, error) {
	if data == nil {
		return &WSEvent{Type: eventType}, nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return &WSEvent{Type: eventType, Data: raw}, nil
}
