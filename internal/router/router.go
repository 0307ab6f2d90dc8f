// Package router relays chat traffic between room members and mirrors
// activity to the staff broadcast channel.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"homeservices-realtime/internal/clock"
	"homeservices-realtime/internal/gateway"
	"homeservices-realtime/internal/logging"
	"homeservices-realtime/internal/metrics"
	"homeservices-realtime/internal/model"
	"homeservices-realtime/internal/presence"
)

// EventUrgent is emitted to room members when a message is flagged high
// priority.
const EventUrgent = "urgent"

// Transport is the part of the gateway the router needs.
type Transport interface {
	Handle() gateway.Handle
	IsAvailable() bool
	Mode() string
}

// Presence is the read/write surface of the presence registry.
type Presence interface {
	Connect(connID string) error
	Authenticate(ctx context.Context, connID, token string) (model.Identity, error)
	Join(connID, roomID string) error
	Leave(connID, roomID string) error
	OnDisconnect(connID string)
	MembersOf(roomID string) []string
	IsMember(connID, roomID string) bool
	Touch(roomID string, at time.Time) error
	Lookup(connID string) (presence.Connection, bool)
	Stats() presence.Stats
}

// SMSSender is satisfied by the channel dispatcher.
type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) model.Result
}

// StaffAlerter posts alerts to an out-of-band staff channel.
type StaffAlerter interface {
	Alert(ctx context.Context, alert model.SystemAlert) error
}

// Archiver stores relayed messages. Failures are logged only.
type Archiver interface {
	Archive(ctx context.Context, msg model.ChatMessage) error
}

type Options struct {
	// UrgentSMS is the SMS feature flag for urgent chat paging.
	UrgentSMS   bool
	StaffPhones []string
	Clock       clock.Clock
	Alerter     StaffAlerter
	Archiver    Archiver
}

type Router struct {
	transport Transport
	registry  Presence
	sms       SMSSender
	opts      Options
	clock     clock.Clock
	log       zerolog.Logger

	// relayMu serializes membership lookup and enqueue so members of a room
	// see messages in invocation order.
	relayMu sync.Mutex

	countMu     sync.RWMutex
	escalations func() int
}

func New(transport Transport, registry Presence, sms SMSSender, opts Options) *Router {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Router{
		transport: transport,
		registry:  registry,
		sms:       sms,
		opts:      opts,
		clock:     opts.Clock,
		log:       logging.Component("router"),
	}
}

// SetEscalationCounter supplies the active escalation count shown on staff
// dashboards.
func (r *Router) SetEscalationCounter(fn func() int) {
	r.countMu.Lock()
	r.escalations = fn
	r.countMu.Unlock()
}

// RelayChatMessage delivers msg to every member of roomID and mirrors an
// activity event to staff. A room with no members is a no-op, as is every
// relay while the gateway is in fallback mode.
func (r *Router) RelayChatMessage(ctx context.Context, roomID string, msg model.ChatMessage) error {
	if roomID == "" {
		return presence.ErrInvalidArgument
	}
	if !r.transport.IsAvailable() {
		return nil
	}
	h := r.transport.Handle()

	now := r.clock.Now()
	msg.RoomID = roomID
	if msg.ID == "" {
		msg.ID = ulid.Make().String()
	}
	if msg.SentAt.IsZero() {
		msg.SentAt = now
	}

	r.relayMu.Lock()
	members := r.registry.MembersOf(roomID)
	if len(members) == 0 {
		r.relayMu.Unlock()
		r.log.Debug().Str("room", roomID).Msg("relay to empty room dropped")
		return nil
	}
	_ = r.registry.Touch(roomID, now)
	err := h.EmitMany(members, model.EventChatMessage, msg)
	r.relayMu.Unlock()
	if err != nil {
		return fmt.Errorf("relay chat message: %w", err)
	}
	metrics.MessagesRelayed.WithLabelValues(model.EventChatMessage).Inc()

	if err := h.Publish(model.StaffChannel, model.EventActivity, model.ActivityEvent{
		Type:     model.EventChatMessage,
		RoomID:   roomID,
		SenderID: msg.SenderID,
		Preview:  preview(msg.Message),
		At:       now,
	}); err != nil {
		r.log.Warn().Err(err).Str("room", roomID).Msg("staff activity mirror failed")
	}

	if r.opts.Archiver != nil {
		go func(m model.ChatMessage) {
			actx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := r.opts.Archiver.Archive(actx, m); err != nil {
				r.log.Warn().Err(err).Str("room", m.RoomID).Msg("archive chat message failed")
			}
		}(msg)
	}
	return nil
}

// RelayTyping forwards a typing hint to the room, excluding the sender.
func (r *Router) RelayTyping(roomID, senderConnID string) error {
	return r.relayHint(model.EventTyping, roomID, senderConnID)
}

// RelayStopTyping forwards a stop-typing hint to the room, excluding the
// sender.
func (r *Router) RelayStopTyping(roomID, senderConnID string) error {
	return r.relayHint(model.EventStopTyping, roomID, senderConnID)
}

func (r *Router) relayHint(event, roomID, senderConnID string) error {
	if !r.transport.IsAvailable() {
		return nil
	}
	members := r.registry.MembersOf(roomID)
	if len(members) == 0 {
		return nil
	}
	sender := senderConnID
	if conn, ok := r.registry.Lookup(senderConnID); ok && conn.Authenticated() {
		sender = conn.Identity.ID
	}
	// Fire-and-forget.
	_ = r.transport.Handle().EmitMany(members, event, model.TypingEvent{RoomID: roomID, SenderID: sender}, senderConnID)
	metrics.MessagesRelayed.WithLabelValues(event).Inc()
	return nil
}

// NotifyUrgent relays an urgent notice in-room and, when urgent SMS paging
// is enabled, texts every staff phone on the roster. It returns one result
// per SMS attempted.
func (r *Router) NotifyUrgent(ctx context.Context, roomID string, payload model.UrgentPayload) ([]model.Result, error) {
	if roomID == "" {
		return nil, presence.ErrInvalidArgument
	}
	payload.RoomID = roomID
	if payload.At.IsZero() {
		payload.At = r.clock.Now()
	}

	if r.transport.IsAvailable() {
		h := r.transport.Handle()
		if members := r.registry.MembersOf(roomID); len(members) > 0 {
			_ = h.EmitMany(members, EventUrgent, payload)
		}
		_ = h.Publish(model.StaffChannel, model.EventSystemAlert, r.urgentAlert(payload))
		metrics.MessagesRelayed.WithLabelValues(EventUrgent).Inc()
	}

	if r.opts.Alerter != nil {
		if err := r.opts.Alerter.Alert(ctx, r.urgentAlert(payload)); err != nil {
			r.log.Warn().Err(err).Str("room", roomID).Msg("staff alert failed")
		}
	}

	if !r.opts.UrgentSMS || r.sms == nil || len(r.opts.StaffPhones) == 0 {
		return nil, nil
	}

	body := fmt.Sprintf("URGENT chat in %s: %s", roomID, preview(payload.Message))
	results := make([]model.Result, len(r.opts.StaffPhones))
	var wg sync.WaitGroup
	for i, phone := range r.opts.StaffPhones {
		wg.Add(1)
		go func(i int, phone string) {
			defer wg.Done()
			results[i] = r.sms.SendSMS(ctx, phone, body)
		}(i, phone)
	}
	wg.Wait()

	for i, res := range results {
		r.log.Info().
			Str("type", model.NotifyUrgentChat).
			Str("channel", string(model.ChannelSMS)).
			Str("recipient", r.opts.StaffPhones[i]).
			Str("urgency", string(model.UrgencyUrgent)).
			Bool("success", res.Success).
			Str("error", res.Error).
			Msg("urgent page")
	}
	return results, nil
}

func (r *Router) urgentAlert(p model.UrgentPayload) model.SystemAlert {
	return model.SystemAlert{
		Level:   string(model.UrgencyUrgent),
		Title:   "Urgent chat message",
		Message: preview(p.Message),
		Subject: p.RoomID,
		At:      p.At,
	}
}

// SystemAlert publishes alert to staff dashboards and the staff alert
// channel.
func (r *Router) SystemAlert(ctx context.Context, alert model.SystemAlert) error {
	if alert.At.IsZero() {
		alert.At = r.clock.Now()
	}
	var errs []error
	if r.transport.IsAvailable() {
		if err := r.transport.Handle().Publish(model.StaffChannel, model.EventSystemAlert, alert); err != nil {
			errs = append(errs, err)
		}
	}
	if r.opts.Alerter != nil {
		if err := r.opts.Alerter.Alert(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Dashboard returns the current staff dashboard metrics.
func (r *Router) Dashboard() model.DashboardUpdate {
	s := r.registry.Stats()
	r.countMu.RLock()
	counter := r.escalations
	r.countMu.RUnlock()

	d := model.DashboardUpdate{
		Connections:  s.Connections,
		Staff:        s.Staff,
		Customers:    s.Customers,
		Rooms:        s.Rooms,
		RealtimeMode: r.transport.Mode(),
		At:           r.clock.Now(),
	}
	if counter != nil {
		d.Escalations = counter()
	}
	return d
}

// PublishDashboard pushes a dashboard-update to staff.
func (r *Router) PublishDashboard() error {
	if !r.transport.IsAvailable() {
		return nil
	}
	return r.transport.Handle().Publish(model.StaffChannel, model.EventDashboardUpdate, r.Dashboard())
}

// RunDashboard publishes dashboard updates every interval until ctx is done.
func (r *Router) RunDashboard(ctx context.Context, interval time.Duration) {
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.PublishDashboard(); err != nil {
				r.log.Warn().Err(err).Msg("dashboard update failed")
			}
		}
	}
}

func preview(s string) string {
	const limit = 80
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit]) + "…"
}
