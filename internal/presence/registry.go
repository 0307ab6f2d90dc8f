// Package presence tracks which identities have an open connection and
// which connections belong to which chat room.
package presence

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"homeservices-realtime/internal/clock"
	"homeservices-realtime/internal/logging"
	"homeservices-realtime/internal/metrics"
	"homeservices-realtime/internal/model"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrRoomNotFound      = errors.New("room not found")
	ErrInvalidArgument   = errors.New("invalid argument")
)

// Mirror receives online/offline transitions for identities, e.g. to
// expose presence to other services. Calls are fire-and-forget and are
// applied one at a time in the order the registry changed.
type Mirror interface {
	Online(ctx context.Context, id model.Identity, connID string) error
	Offline(ctx context.Context, id model.Identity) error
}

type connection struct {
	id          string
	identity    model.Identity
	rooms       map[string]struct{}
	connectedAt time.Time
}

type room struct {
	id           string
	members      map[string]struct{}
	lastActivity time.Time
}

// Connection is a read-only view of a registered connection.
type Connection struct {
	ID          string
	Identity    model.Identity
	Rooms       []string
	ConnectedAt time.Time
}

func (c Connection) Authenticated() bool { return c.Identity.ID != "" }

type Stats struct {
	Connections int `json:"connections"`
	Staff       int `json:"staff"`
	Customers   int `json:"customers"`
	Rooms       int `json:"rooms"`
}

// Registry exclusively owns presence maps and room membership. Other
// components read through its accessors.
type Registry struct {
	verifier Verifier
	mirror   Mirror
	clock    clock.Clock
	log      zerolog.Logger

	mu        sync.RWMutex
	conns     map[string]*connection
	rooms     map[string]*room
	staff     map[string]string // identity -> connection
	customers map[string]string // identity -> connection

	// pending mirror updates, drained in order by runMirror
	mirrorMu   sync.Mutex
	mirrorQ    []func(ctx context.Context) error
	mirrorWake chan struct{}
	mirrorStop chan struct{}
	mirrorDone chan struct{}
	closeOnce  sync.Once
}

func NewRegistry(verifier Verifier, mirror Mirror, clk clock.Clock) *Registry {
	if clk == nil {
		clk = clock.Real()
	}
	r := &Registry{
		verifier:  verifier,
		mirror:    mirror,
		clock:     clk,
		log:       logging.Component("presence"),
		conns:     make(map[string]*connection),
		rooms:     make(map[string]*room),
		staff:     make(map[string]string),
		customers: make(map[string]string),
	}
	if mirror != nil {
		r.mirrorWake = make(chan struct{}, 1)
		r.mirrorStop = make(chan struct{})
		r.mirrorDone = make(chan struct{})
		go r.runMirror()
	}
	return r
}

// Close flushes pending mirror updates and stops the mirror worker.
func (r *Registry) Close() {
	if r.mirror == nil {
		return
	}
	r.closeOnce.Do(func() { close(r.mirrorStop) })
	<-r.mirrorDone
}

// Connect records a new, unauthenticated connection.
func (r *Registry) Connect(connID string) error {
	if connID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	if _, ok := r.conns[connID]; !ok {
		r.conns[connID] = &connection{
			id:          connID,
			rooms:       make(map[string]struct{}),
			connectedAt: r.clock.Now(),
		}
	}
	r.mu.Unlock()
	r.updateGauges()
	return nil
}

// Authenticate verifies token and attaches the identity to connID. The
// identity's previous connection, if any, stops being the one used for
// direct notification. On failure the connection stays open.
func (r *Registry) Authenticate(ctx context.Context, connID, token string) (model.Identity, error) {
	if r.verifier == nil {
		return model.Identity{}, ErrInvalidCredential
	}
	// Verification may block; no lock held.
	id, err := r.verifier.Verify(ctx, token)
	if err != nil {
		metrics.AuthFailures.Inc()
		return model.Identity{}, ErrInvalidCredential
	}

	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		// Disconnected while verifying.
		r.mu.Unlock()
		return model.Identity{}, ErrUnknownConnection
	}
	if conn.identity.ID != "" && conn.identity != id && r.unmapLocked(conn) {
		prevID := conn.identity
		r.enqueueMirror(func(ctx context.Context) error { return r.mirror.Offline(ctx, prevID) })
	}
	conn.identity = id
	index := r.indexFor(id.Role)
	if prev, had := index[id.ID]; had && prev != connID {
		r.log.Debug().Str("identity", id.ID).Str("previous", prev).Str("conn", connID).Msg("replacing active session")
	}
	index[id.ID] = connID
	r.enqueueMirror(func(ctx context.Context) error { return r.mirror.Online(ctx, id, connID) })
	r.mu.Unlock()

	r.updateGauges()
	return id, nil
}

// Join adds connID to roomID, creating the room if needed.
func (r *Registry) Join(connID, roomID string) error {
	if roomID == "" {
		return ErrInvalidArgument
	}
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return ErrUnknownConnection
	}
	rm, ok := r.rooms[roomID]
	if !ok {
		rm = &room{id: roomID, members: make(map[string]struct{}), lastActivity: r.clock.Now()}
		r.rooms[roomID] = rm
	}
	rm.members[connID] = struct{}{}
	conn.rooms[roomID] = struct{}{}
	r.mu.Unlock()

	r.updateGauges()
	return nil
}

// Leave removes connID from roomID, deleting the room once empty.
func (r *Registry) Leave(connID, roomID string) error {
	r.mu.Lock()
	if conn, ok := r.conns[connID]; ok {
		delete(conn.rooms, roomID)
	}
	r.removeMemberLocked(roomID, connID)
	r.mu.Unlock()

	r.updateGauges()
	return nil
}

// OnDisconnect releases every membership and presence entry held by
// connID. Calling it again is a no-op.
func (r *Registry) OnDisconnect(connID string) {
	r.mu.Lock()
	conn, ok := r.conns[connID]
	if !ok {
		r.mu.Unlock()
		return
	}
	for roomID := range conn.rooms {
		r.removeMemberLocked(roomID, connID)
	}
	delete(r.conns, connID)
	if r.unmapLocked(conn) {
		id := conn.identity
		r.enqueueMirror(func(ctx context.Context) error { return r.mirror.Offline(ctx, id) })
	}
	r.mu.Unlock()

	r.updateGauges()
}

// unmapLocked drops the presence entry for conn's identity if it still
// points at conn. Caller holds r.mu.
func (r *Registry) unmapLocked(conn *connection) bool {
	if conn.identity.ID == "" {
		return false
	}
	index := r.indexFor(conn.identity.Role)
	if index[conn.identity.ID] == conn.id {
		delete(index, conn.identity.ID)
		return true
	}
	return false
}

// removeMemberLocked deletes connID from the room and the room itself
// once it has no members. Caller holds r.mu.
func (r *Registry) removeMemberLocked(roomID, connID string) {
	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	delete(rm.members, connID)
	if len(rm.members) == 0 {
		delete(r.rooms, roomID)
	}
}

func (r *Registry) indexFor(role model.Role) map[string]string {
	if role == model.RoleStaff {
		return r.staff
	}
	return r.customers
}

// MembersOf returns the sorted connection ids in roomID, or nil if the
// room does not exist.
func (r *Registry) MembersOf(roomID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil
	}
	members := make([]string, 0, len(rm.members))
	for id := range rm.members {
		members = append(members, id)
	}
	sort.Strings(members)
	return members
}

// IsMember reports whether connID is currently in roomID.
func (r *Registry) IsMember(connID, roomID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return false
	}
	_, ok = rm.members[connID]
	return ok
}

// Touch records activity in roomID.
func (r *Registry) Touch(roomID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return ErrRoomNotFound
	}
	if at.After(rm.lastActivity) {
		rm.lastActivity = at
	}
	return nil
}

// LastActivity returns the last activity time for roomID.
func (r *Registry) LastActivity(roomID string) (time.Time, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return time.Time{}, false
	}
	return rm.lastActivity, true
}

// ConnectionFor returns the authoritative connection for an identity.
func (r *Registry) ConnectionFor(role model.Role, identityID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	connID, ok := r.indexFor(role)[identityID]
	return connID, ok
}

// Lookup returns a snapshot of one connection.
func (r *Registry) Lookup(connID string) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[connID]
	if !ok {
		return Connection{}, false
	}
	rooms := make([]string, 0, len(conn.rooms))
	for id := range conn.rooms {
		rooms = append(rooms, id)
	}
	sort.Strings(rooms)
	return Connection{
		ID:          conn.id,
		Identity:    conn.identity,
		Rooms:       rooms,
		ConnectedAt: conn.connectedAt,
	}, true
}

// OnlineIDs returns the identities of the given role with an active
// connection on this instance, sorted.
func (r *Registry) OnlineIDs(_ context.Context, role model.Role) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	index := r.indexFor(role)
	out := make([]string, 0, len(index))
	for id := range index {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

func (r *Registry) Stats() Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := Stats{Connections: len(r.conns), Rooms: len(r.rooms)}
	for _, c := range r.conns {
		switch c.identity.Role {
		case model.RoleStaff:
			s.Staff++
		case model.RoleCustomer:
			s.Customers++
		}
	}
	return s
}

func (r *Registry) updateGauges() {
	s := r.Stats()
	metrics.PresenceConnections.WithLabelValues(string(model.RoleStaff)).Set(float64(s.Staff))
	metrics.PresenceConnections.WithLabelValues(string(model.RoleCustomer)).Set(float64(s.Customers))
	metrics.PresenceConnections.WithLabelValues("anonymous").Set(float64(s.Connections - s.Staff - s.Customers))
	metrics.RoomsActive.Set(float64(s.Rooms))
}

// enqueueMirror queues fn behind earlier updates. Callers hold r.mu so
// queue order matches the order of registry changes.
func (r *Registry) enqueueMirror(fn func(ctx context.Context) error) {
	if r.mirror == nil {
		return
	}
	r.mirrorMu.Lock()
	r.mirrorQ = append(r.mirrorQ, fn)
	r.mirrorMu.Unlock()
	select {
	case r.mirrorWake <- struct{}{}:
	default:
	}
}

func (r *Registry) runMirror() {
	defer close(r.mirrorDone)
	for {
		select {
		case <-r.mirrorWake:
			r.flushMirror()
		case <-r.mirrorStop:
			r.flushMirror()
			return
		}
	}
}

func (r *Registry) flushMirror() {
	for {
		r.mirrorMu.Lock()
		if len(r.mirrorQ) == 0 {
			r.mirrorMu.Unlock()
			return
		}
		fn := r.mirrorQ[0]
		r.mirrorQ[0] = nil
		r.mirrorQ = r.mirrorQ[1:]
		r.mirrorMu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if err := fn(ctx); err != nil {
			r.log.Warn().Err(err).Msg("presence mirror update failed")
		}
		cancel()
	}
}
