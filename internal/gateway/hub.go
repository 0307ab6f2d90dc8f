package gateway

import (
	"encoding/json"
	"errors"
	"sync"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"

	"homeservices-realtime/internal/metrics"
	"homeservices-realtime/internal/model"
)

const sendQueueSize = 256

// ErrUnknownConnection is returned when an operation names a connection
// the hub does not hold.
var ErrUnknownConnection = errors.New("unknown connection")

// Client is one open transport connection.
type Client struct {
	ID   string
	Conn *websocket.Conn
	Send chan []byte

	channels  map[string]struct{}
	closeOnce sync.Once
}

func newClient(id string, conn *websocket.Conn) *Client {
	return &Client{
		ID:       id,
		Conn:     conn,
		Send:     make(chan []byte, sendQueueSize),
		channels: make(map[string]struct{}),
	}
}

func (c *Client) close() {
	c.closeOnce.Do(func() { close(c.Send) })
}

// Hub is the live Handle. Every write to a client's queue happens under the
// hub lock, so events enqueued by one caller reach each client in call order.
type Hub struct {
	clients map[string]*Client
	mu      sync.RWMutex
	log     zerolog.Logger
}

var _ Handle = (*Hub)(nil)

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		log:     log,
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	h.clients[client.ID] = client
	total := len(h.clients)
	h.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(total))
	h.log.Debug().Str("conn", client.ID).Int("total", total).Msg("connection registered")
}

// Unregister removes the client and closes its send queue. Safe to call
// more than once.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	client, ok := h.clients[id]
	if ok {
		delete(h.clients, id)
	}
	total := len(h.clients)
	h.mu.Unlock()

	if ok {
		client.close()
		metrics.ConnectionsActive.Set(float64(total))
		h.log.Debug().Str("conn", id).Int("total", total).Msg("connection unregistered")
	}
}

func (h *Hub) Emit(connID, event string, data interface{}) error {
	payload, err := encode(event, data)
	if err != nil {
		return err
	}

	h.mu.Lock()
	client, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return ErrUnknownConnection
	}
	dropped := h.enqueueLocked(client, payload)
	h.mu.Unlock()

	h.closeDropped(dropped)
	return nil
}

func (h *Hub) EmitMany(connIDs []string, event string, data interface{}, except ...string) error {
	payload, err := encode(event, data)
	if err != nil {
		return err
	}

	var dropped []*Client
	h.mu.Lock()
	for _, id := range connIDs {
		if contains(except, id) {
			continue
		}
		if client, ok := h.clients[id]; ok {
			dropped = append(dropped, h.enqueueLocked(client, payload)...)
		}
	}
	h.mu.Unlock()

	h.closeDropped(dropped)
	return nil
}

func (h *Hub) Publish(channel, event string, data interface{}) error {
	payload, err := encode(event, data)
	if err != nil {
		return err
	}

	var dropped []*Client
	h.mu.Lock()
	for _, client := range h.clients {
		if _, ok := client.channels[channel]; ok {
			dropped = append(dropped, h.enqueueLocked(client, payload)...)
		}
	}
	h.mu.Unlock()

	h.closeDropped(dropped)
	return nil
}

func (h *Hub) Broadcast(event string, data interface{}) error {
	payload, err := encode(event, data)
	if err != nil {
		return err
	}

	var dropped []*Client
	h.mu.Lock()
	for _, client := range h.clients {
		dropped = append(dropped, h.enqueueLocked(client, payload)...)
	}
	h.mu.Unlock()

	h.closeDropped(dropped)
	return nil
}

func (h *Hub) Join(connID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	client, ok := h.clients[connID]
	if !ok {
		return ErrUnknownConnection
	}
	client.channels[channel] = struct{}{}
	return nil
}

func (h *Hub) Leave(connID, channel string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if client, ok := h.clients[connID]; ok {
		delete(client.channels, channel)
	}
	return nil
}

// Disconnect closes the client's queue; its writer then closes the socket,
// which ends the reader loop and runs the disconnect path.
func (h *Hub) Disconnect(connID string) error {
	h.Unregister(connID)
	return nil
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// CloseAll disconnects every client.
func (h *Hub) CloseAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for id, client := range h.clients {
		clients = append(clients, client)
		delete(h.clients, id)
	}
	h.mu.Unlock()

	for _, client := range clients {
		client.close()
	}
	metrics.ConnectionsActive.Set(0)
}

// enqueueLocked queues payload without blocking. A client whose queue is
// full is removed and returned so the caller can close it after unlocking.
// Caller holds h.mu.
func (h *Hub) enqueueLocked(client *Client, payload []byte) []*Client {
	select {
	case client.Send <- payload:
		return nil
	default:
		delete(h.clients, client.ID)
		return []*Client{client}
	}
}

func (h *Hub) closeDropped(dropped []*Client) {
	if len(dropped) == 0 {
		return
	}
	for _, client := range dropped {
		client.close()
		metrics.DroppedClients.Inc()
		h.log.Warn().Str("conn", client.ID).Msg("send queue full, dropping connection")
	}
	metrics.ConnectionsActive.Set(float64(h.Count()))
}

func encode(event string, data interface{}) ([]byte, error) {
	ev, err := model.NewEvent(event, data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
