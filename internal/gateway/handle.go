package gateway

// Handle is the transport surface callers write against. The live hub and
// the fallback no-op handle both satisfy it, so callers never branch on the
// gateway's mode.
type Handle interface {
	// Emit sends an event to one connection.
	Emit(connID, event string, data interface{}) error
	// EmitMany sends an event to each listed connection, skipping except.
	EmitMany(connIDs []string, event string, data interface{}, except ...string) error
	// Publish sends an event to every subscriber of a transport channel.
	Publish(channel, event string, data interface{}) error
	// Broadcast sends an event to every open connection.
	Broadcast(event string, data interface{}) error
	Join(connID, channel string) error
	Leave(connID, channel string) error
	// Disconnect closes a connection from the server side.
	Disconnect(connID string) error
	Count() int
}

// noopHandle is returned while the gateway is in fallback mode. Every call
// succeeds and nothing is delivered.
type noopHandle struct{}

var _ Handle = noopHandle{}

func (noopHandle) Emit(string, string, interface{}) error                  { return nil }
func (noopHandle) EmitMany([]string, string, interface{}, ...string) error { return nil }
func (noopHandle) Publish(string, string, interface{}) error               { return nil }
func (noopHandle) Broadcast(string, interface{}) error                     { return nil }
func (noopHandle) Join(string, string) error                               { return nil }
func (noopHandle) Leave(string, string) error                              { return nil }
func (noopHandle) Disconnect(string) error                                 { return nil }
func (noopHandle) Count() int                                              { return 0 }
