package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"unicode/utf8"

	"homeservices-realtime/internal/gateway"
	"homeservices-realtime/internal/model"
	"homeservices-realtime/internal/presence"
)

const maxMessageLength = 4000

var (
	errNotAuthenticated = errors.New("not authenticated")
	errNotInRoom        = errors.New("not a member of this room")
	errBadPayload       = errors.New("invalid payload")
)

var _ gateway.EventHandler = (*Router)(nil)

// OnConnect registers the connection and, when a token was presented on
// upgrade, authenticates it straight away.
func (r *Router) OnConnect(ctx context.Context, connID, token string) {
	if err := r.registry.Connect(connID); err != nil {
		r.log.Warn().Err(err).Str("conn", connID).Msg("register connection failed")
		return
	}
	if token != "" {
		r.authenticate(ctx, connID, token)
	}
}

// OnDisconnect releases everything the connection held. Idempotent.
func (r *Router) OnDisconnect(_ context.Context, connID string) {
	r.registry.OnDisconnect(connID)
}

// OnEvent handles one inbound client event.
func (r *Router) OnEvent(ctx context.Context, connID string, ev *model.WSEvent) {
	switch ev.Type {
	case model.EventAuthenticate:
		var req model.AuthenticateRequest
		if err := json.Unmarshal(ev.Data, &req); err != nil {
			r.reject(connID, ev.Type, errBadPayload)
			return
		}
		r.authenticate(ctx, connID, req.Token)

	case model.EventJoinRoom, model.EventLeaveRoom:
		var req model.RoomRequest
		if err := decodeRoom(ev.Data, &req); err != nil {
			r.reject(connID, ev.Type, err)
			return
		}
		if _, ok := r.identity(connID); !ok {
			r.reject(connID, ev.Type, errNotAuthenticated)
			return
		}
		var err error
		if ev.Type == model.EventJoinRoom {
			err = r.registry.Join(connID, req.RoomID)
		} else {
			err = r.registry.Leave(connID, req.RoomID)
		}
		if err != nil {
			r.reject(connID, ev.Type, err)
		}

	case model.EventChatMessage:
		r.handleChat(ctx, connID, ev)

	case model.EventTyping, model.EventStopTyping:
		var req model.RoomRequest
		if err := decodeRoom(ev.Data, &req); err != nil {
			return
		}
		if !r.registry.IsMember(connID, req.RoomID) {
			return
		}
		if ev.Type == model.EventTyping {
			_ = r.RelayTyping(req.RoomID, connID)
		} else {
			_ = r.RelayStopTyping(req.RoomID, connID)
		}

	case model.EventDisconnect:
		r.registry.OnDisconnect(connID)
		_ = r.transport.Handle().Disconnect(connID)

	default:
		r.log.Debug().Str("conn", connID).Str("type", ev.Type).Msg("unknown event type")
	}
}

func (r *Router) handleChat(ctx context.Context, connID string, ev *model.WSEvent) {
	var req model.ChatMessageRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil || req.RoomID == "" {
		r.reject(connID, ev.Type, errBadPayload)
		return
	}
	body := strings.TrimSpace(req.Body)
	if body == "" || utf8.RuneCountInString(body) > maxMessageLength {
		r.reject(connID, ev.Type, errBadPayload)
		return
	}
	id, ok := r.identity(connID)
	if !ok {
		r.reject(connID, ev.Type, errNotAuthenticated)
		return
	}
	if !r.registry.IsMember(connID, req.RoomID) {
		r.reject(connID, ev.Type, errNotInRoom)
		return
	}

	msg := model.ChatMessage{
		RoomID:     req.RoomID,
		Message:    body,
		SenderID:   id.ID,
		SenderRole: id.Role,
		Priority:   req.Priority,
	}
	if err := r.RelayChatMessage(ctx, req.RoomID, msg); err != nil {
		r.log.Warn().Err(err).Str("room", req.RoomID).Msg("relay failed")
		return
	}
	if req.Priority == model.PriorityHigh {
		if _, err := r.NotifyUrgent(ctx, req.RoomID, model.UrgentPayload{Message: body, From: id.ID}); err != nil {
			r.log.Warn().Err(err).Str("room", req.RoomID).Msg("urgent notify failed")
		}
	}
}

func (r *Router) authenticate(ctx context.Context, connID, token string) {
	h := r.transport.Handle()
	id, err := r.registry.Authenticate(ctx, connID, token)
	if err != nil {
		if !errors.Is(err, presence.ErrUnknownConnection) {
			_ = h.Emit(connID, model.EventAuthenticated, model.AuthenticatedResponse{OK: false, Error: err.Error()})
		}
		r.log.Info().Str("conn", connID).Err(err).Msg("authentication rejected")
		return
	}
	if id.Role == model.RoleStaff {
		_ = h.Join(connID, model.StaffChannel)
	} else {
		_ = h.Leave(connID, model.StaffChannel)
	}
	_ = h.Emit(connID, model.EventAuthenticated, model.AuthenticatedResponse{OK: true, Identity: id.ID, Role: id.Role})
	r.log.Debug().Str("conn", connID).Str("identity", id.ID).Str("role", string(id.Role)).Msg("authenticated")
}

func (r *Router) identity(connID string) (model.Identity, bool) {
	conn, ok := r.registry.Lookup(connID)
	if !ok || !conn.Authenticated() {
		return model.Identity{}, false
	}
	return conn.Identity, true
}

func (r *Router) reject(connID, event string, err error) {
	_ = r.transport.Handle().Emit(connID, model.EventError, model.ErrorEvent{Event: event, Error: err.Error()})
}

func decodeRoom(data json.RawMessage, req *model.RoomRequest) error {
	if err := json.Unmarshal(data, req); err != nil || req.RoomID == "" {
		return errBadPayload
	}
	return nil
}
