package gateway

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"homeservices-realtime/internal/model"
)

func (g *Gateway) upgrade(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		// Optional credential; the client may also send an authenticate event.
		c.Locals("token", c.Query("token"))
		return websocket.New(g.handleConnection)(c)
	}
	return fiber.ErrUpgradeRequired
}

func (g *Gateway) handleConnection(c *websocket.Conn) {
	token, _ := c.Locals("token").(string)

	g.mu.Lock()
	handler := g.handler
	g.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	client := newClient(uuid.NewString(), c)

	g.hub.Register(client)
	defer func() {
		cancel()
		g.hub.Unregister(client.ID)
		handler.OnDisconnect(context.Background(), client.ID)
	}()

	// Writer goroutine
	go func() {
		defer c.Close()
		for msg := range client.Send {
			_ = c.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
				break
			}
		}
	}()

	handler.OnConnect(ctx, client.ID, token)

	// Reader loop
	_ = c.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			break
		}

		// Reset deadline on any message
		_ = c.SetReadDeadline(time.Now().Add(g.opts.ReadTimeout))

		var event model.WSEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			_ = g.hub.Emit(client.ID, model.EventError, model.ErrorEvent{Event: "parse", Error: "invalid frame"})
			continue
		}

		switch event.Type {
		case model.EventPing:
			_ = g.hub.Emit(client.ID, model.EventPong, nil)
		case model.EventDisconnect:
			return
		default:
			handler.OnEvent(ctx, client.ID, &event)
		}
	}
}
