package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"testing"
	"time"

	"homeservices-realtime/internal/logging"
	"homeservices-realtime/internal/model"
)

type nopHandler struct{}

func (nopHandler) OnConnect(context.Context, string, string)       {}
func (nopHandler) OnEvent(context.Context, string, *model.WSEvent) {}
func (nopHandler) OnDisconnect(context.Context, string)            {}

func failingListen(string, string) (net.Listener, error) {
	return nil, errors.New("address already in use")
}

func TestGatewayFallbackOnInitFailure(t *testing.T) {
	g := New(Options{Enabled: true, Listen: failingListen})
	g.Start(context.Background(), ":3001", nopHandler{})

	if g.IsAvailable() {
		t.Fatal("IsAvailable() = true after init failure")
	}
	var initErr *TransportInitError
	if !errors.As(g.InitError(), &initErr) {
		t.Fatalf("InitError() = %v, want *TransportInitError", g.InitError())
	}

	h := g.Handle()
	if err := h.Emit("c1", "chat-message", map[string]string{"roomId": "r1"}); err != nil {
		t.Fatalf("fallback Emit returned %v", err)
	}
	if err := h.EmitMany([]string{"c1", "c2"}, "typing", nil); err != nil {
		t.Fatalf("fallback EmitMany returned %v", err)
	}
	if err := h.Join("c1", "staff"); err != nil {
		t.Fatalf("fallback Join returned %v", err)
	}
	if err := h.Broadcast("system-alert", nil); err != nil {
		t.Fatalf("fallback Broadcast returned %v", err)
	}

	health := g.Health()
	if health.Status != StatusDegraded || health.Mode != "fallback" {
		t.Fatalf("Health() = %+v", health)
	}
}

func TestGatewayFallbackIsPermanent(t *testing.T) {
	g := New(Options{Enabled: true, Listen: failingListen})
	g.Start(context.Background(), ":3001", nopHandler{})

	// A second Start is a no-op even if the listener would now succeed.
	g.opts.Listen = net.Listen
	g.Start(context.Background(), "127.0.0.1:0", nopHandler{})
	if g.IsAvailable() {
		t.Fatal("gateway left fallback mode")
	}
	if err := g.Stop(context.Background()); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if g.Health().Status != StatusDegraded {
		t.Fatalf("Health after Stop = %+v", g.Health())
	}
}

func TestGatewayDisabledByToggle(t *testing.T) {
	g := New(Options{Enabled: false})
	g.Start(context.Background(), "127.0.0.1:0", nopHandler{})
	if g.IsAvailable() {
		t.Fatal("disabled gateway is available")
	}
	if !errors.Is(g.InitError(), ErrDisabled) {
		t.Fatalf("InitError() = %v", g.InitError())
	}
	if g.Health().Status != StatusDegraded {
		t.Fatalf("Health() = %+v", g.Health())
	}
}

func TestGatewayUnhealthyBeforeStart(t *testing.T) {
	g := New(Options{Enabled: true})
	if g.Health().Status != StatusUnhealthy {
		t.Fatalf("Health() = %+v", g.Health())
	}
	if _, ok := g.Handle().(noopHandle); !ok {
		t.Fatal("expected no-op handle before Start")
	}
}

func TestGatewayLiveStartStop(t *testing.T) {
	g := New(Options{Enabled: true})
	g.Start(context.Background(), "127.0.0.1:0", nopHandler{})
	if !g.IsAvailable() {
		t.Fatalf("gateway not available: %v", g.InitError())
	}
	if _, ok := g.Handle().(*Hub); !ok {
		t.Fatalf("Handle() = %T, want *Hub", g.Handle())
	}

	var health Health
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get("http://" + g.Addr() + "/health")
		if err == nil {
			err = json.NewDecoder(resp.Body).Decode(&health)
			resp.Body.Close()
			if err == nil {
				break
			}
		}
		if time.Now().After(deadline) {
			t.Fatalf("transport never served /health: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}
	if health.Status != StatusHealthy {
		t.Fatalf("served health = %+v", health)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := g.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if g.IsAvailable() {
		t.Fatal("available after Stop")
	}
	if g.Health().Status != StatusUnhealthy {
		t.Fatalf("Health after Stop = %+v", g.Health())
	}
}

func newTestHub() *Hub {
	return NewHub(logging.Component("gateway-test"))
}

func recv(t *testing.T, c *Client) model.WSEvent {
	t.Helper()
	select {
	case raw, ok := <-c.Send:
		if !ok {
			t.Fatalf("client %s queue closed", c.ID)
		}
		var ev model.WSEvent
		if err := json.Unmarshal(raw, &ev); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		return ev
	default:
		t.Fatalf("client %s received nothing", c.ID)
	}
	return model.WSEvent{}
}

func assertEmpty(t *testing.T, c *Client) {
	t.Helper()
	select {
	case raw := <-c.Send:
		t.Fatalf("client %s unexpectedly received %s", c.ID, raw)
	default:
	}
}

func TestHubEmitAndEmitMany(t *testing.T) {
	h := newTestHub()
	a, b, c := newClient("a", nil), newClient("b", nil), newClient("c", nil)
	h.Register(a)
	h.Register(b)
	h.Register(c)

	if err := h.Emit("a", "authenticated", model.AuthenticatedResponse{OK: true}); err != nil {
		t.Fatal(err)
	}
	if ev := recv(t, a); ev.Type != "authenticated" {
		t.Fatalf("a got %+v", ev)
	}
	if err := h.Emit("missing", "x", nil); !errors.Is(err, ErrUnknownConnection) {
		t.Fatalf("Emit to missing = %v", err)
	}

	if err := h.EmitMany([]string{"a", "b", "c", "gone"}, "typing", nil, "a"); err != nil {
		t.Fatal(err)
	}
	assertEmpty(t, a)
	recv(t, b)
	recv(t, c)
}

func TestHubPublishToChannelSubscribers(t *testing.T) {
	h := newTestHub()
	staff, cust := newClient("s", nil), newClient("c", nil)
	h.Register(staff)
	h.Register(cust)
	if err := h.Join("s", model.StaffChannel); err != nil {
		t.Fatal(err)
	}

	_ = h.Publish(model.StaffChannel, "activity", model.ActivityEvent{RoomID: "r1"})
	if ev := recv(t, staff); ev.Type != "activity" {
		t.Fatalf("staff got %+v", ev)
	}
	assertEmpty(t, cust)

	_ = h.Leave("s", model.StaffChannel)
	_ = h.Publish(model.StaffChannel, "activity", nil)
	assertEmpty(t, staff)
}

func TestHubPreservesOrderPerClient(t *testing.T) {
	h := newTestHub()
	a := newClient("a", nil)
	h.Register(a)
	for _, body := range []string{"one", "two", "three"} {
		_ = h.EmitMany([]string{"a"}, "chat-message", map[string]string{"message": body})
	}
	for _, want := range []string{"one", "two", "three"} {
		ev := recv(t, a)
		var got map[string]string
		_ = json.Unmarshal(ev.Data, &got)
		if got["message"] != want {
			t.Fatalf("got %q, want %q", got["message"], want)
		}
	}
}

func TestHubDropsSlowClient(t *testing.T) {
	h := newTestHub()
	slow := newClient("slow", nil)
	h.Register(slow)
	for i := 0; i < sendQueueSize; i++ {
		_ = h.Emit("slow", "x", nil)
	}
	if h.Count() != 1 {
		t.Fatalf("client dropped early")
	}
	_ = h.Broadcast("x", nil)
	if h.Count() != 0 {
		t.Fatalf("Count() = %d, slow client not dropped", h.Count())
	}
	// Unregister after drop is harmless.
	h.Unregister("slow")
}

func TestHubCloseAll(t *testing.T) {
	h := newTestHub()
	a := newClient("a", nil)
	h.Register(a)
	h.CloseAll()
	if h.Count() != 0 {
		t.Fatal("clients remain after CloseAll")
	}
	if _, ok := <-a.Send; ok {
		t.Fatal("send queue not closed")
	}
}
