// Package gateway owns the realtime WebSocket transport. If the transport
// cannot be brought up the gateway switches permanently into fallback mode,
// where its Handle accepts every call and delivers nothing.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"homeservices-realtime/internal/logging"
	"homeservices-realtime/internal/metrics"
	"homeservices-realtime/internal/model"
)

// ErrDisabled is the init error recorded when the realtime feature toggle
// is off.
var ErrDisabled = errors.New("realtime transport disabled by configuration")

// TransportInitError records why the transport could not start.
type TransportInitError struct {
	Host string
	Err  error
}

func (e *TransportInitError) Error() string {
	return fmt.Sprintf("realtime transport init on %q: %v", e.Host, e.Err)
}

func (e *TransportInitError) Unwrap() error { return e.Err }

// EventHandler receives inbound transport events. Calls for one connection
// are made sequentially from that connection's reader goroutine.
type EventHandler interface {
	// OnConnect is called after the connection is registered. token is
	// the optional credential presented on upgrade.
	OnConnect(ctx context.Context, connID, token string)
	OnEvent(ctx context.Context, connID string, event *model.WSEvent)
	// OnDisconnect may be called more than once for the same connection.
	OnDisconnect(ctx context.Context, connID string)
}

type mode int

const (
	modeStopped mode = iota
	modeLive
	modeFallback
)

func (m mode) String() string {
	switch m {
	case modeLive:
		return "live"
	case modeFallback:
		return "fallback"
	}
	return "stopped"
}

// Health statuses.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

type Health struct {
	Status      string `json:"status"`
	Mode        string `json:"mode"`
	Connections int    `json:"connections"`
	Message     string `json:"message,omitempty"`
}

type Options struct {
	// Enabled is the realtime feature toggle. When false Start goes
	// straight to fallback.
	Enabled bool
	// ReadTimeout closes connections that send nothing for this long.
	ReadTimeout time.Duration
	// Listen opens the transport listener. Defaults to net.Listen.
	Listen func(network, address string) (net.Listener, error)
}

type Gateway struct {
	opts Options
	log  zerolog.Logger
	hub  *Hub

	mu      sync.Mutex
	mode    mode
	started bool
	initErr error
	app     *fiber.App
	ln      net.Listener
	handler EventHandler
}

func New(opts Options) *Gateway {
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = 60 * time.Second
	}
	if opts.Listen == nil {
		opts.Listen = net.Listen
	}
	log := logging.Component("gateway")
	metrics.SetGatewayMode(modeStopped.String())
	return &Gateway{
		opts: opts,
		log:  log,
		hub:  NewHub(log),
	}
}

// Start brings the transport online on host. It is idempotent and never
// fails: any initialization error flips the gateway into fallback mode.
func (g *Gateway) Start(ctx context.Context, host string, handler EventHandler) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.started {
		return
	}
	g.started = true

	if !g.opts.Enabled {
		g.fallbackLocked(&TransportInitError{Host: host, Err: ErrDisabled})
		return
	}
	if handler == nil {
		g.fallbackLocked(&TransportInitError{Host: host, Err: errors.New("no event handler")})
		return
	}

	ln, err := g.opts.Listen("tcp", host)
	if err != nil {
		g.fallbackLocked(&TransportInitError{Host: host, Err: err})
		return
	}

	g.handler = handler
	g.ln = ln
	g.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		IdleTimeout:           g.opts.ReadTimeout,
	})
	g.app.Get("/ws", g.upgrade)
	g.app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(g.Health())
	})

	app := g.app
	go func() {
		if err := app.Listener(ln); err != nil {
			g.log.Error().Err(err).Msg("realtime transport stopped serving")
		}
	}()

	g.mode = modeLive
	metrics.SetGatewayMode(g.mode.String())
	g.log.Info().Str("addr", ln.Addr().String()).Msg("realtime transport online")
}

func (g *Gateway) fallbackLocked(err error) {
	g.mode = modeFallback
	g.initErr = err
	metrics.SetGatewayMode(g.mode.String())
	g.log.Warn().Err(err).Msg("realtime transport unavailable, running in fallback mode")
}

// Stop disconnects every live connection and releases the listener. A
// gateway in fallback mode stays in fallback.
func (g *Gateway) Stop(ctx context.Context) error {
	g.mu.Lock()
	if g.mode != modeLive {
		g.mu.Unlock()
		return nil
	}
	g.mode = modeStopped
	app := g.app
	g.app = nil
	g.ln = nil
	g.mu.Unlock()

	metrics.SetGatewayMode(modeStopped.String())
	g.hub.CloseAll()
	if err := app.ShutdownWithContext(ctx); err != nil {
		return fmt.Errorf("shutdown realtime transport: %w", err)
	}
	g.log.Info().Msg("realtime transport stopped")
	return nil
}

// IsAvailable is true only while the live transport is serving.
func (g *Gateway) IsAvailable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode == modeLive
}

// InitError returns the error that put the gateway in fallback, if any.
func (g *Gateway) InitError() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.initErr
}

// Handle returns the live hub, or a no-op handle when the transport is not
// serving.
func (g *Gateway) Handle() Handle {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.mode == modeLive {
		return g.hub
	}
	return noopHandle{}
}

// Addr returns the listener address while live.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.ln == nil {
		return ""
	}
	return g.ln.Addr().String()
}

// Mode returns "live", "fallback" or "stopped".
func (g *Gateway) Mode() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.mode.String()
}

func (g *Gateway) Health() Health {
	g.mu.Lock()
	m := g.mode
	g.mu.Unlock()

	switch m {
	case modeLive:
		return Health{Status: StatusHealthy, Mode: m.String(), Connections: g.hub.Count()}
	case modeFallback:
		return Health{
			Status:  StatusDegraded,
			Mode:    m.String(),
			Message: "fallback mode: HTTP-only, real-time features disabled",
		}
	}
	return Health{Status: StatusUnhealthy, Mode: m.String(), Message: "realtime transport not running"}
}
