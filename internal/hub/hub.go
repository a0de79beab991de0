package hub

import (
	"errors"
	"sort"
	"sync"

	"pawkeeper-live/internal/geo"
)

// ErrDetached is returned when a connection is used after Disconnect.
var ErrDetached = errors.New("connection is not attached")

// Conn is a live, authenticated client connection. Emit must not block and
// must not call back into the Hub; Close must be safe to call many times.
type Conn interface {
	ID() string
	UserID() string
	Emit(event string, payload any) error
	Close()
}

type Viewport struct {
	Box  geo.Box `json:"bounds"`
	Zoom int     `json:"zoom"`
}

// Hub tracks which users are online, which connections are joined to which
// room broadcast groups and the last viewport reported by each connection.
type Hub struct {
	mu sync.RWMutex

	seq       uint64
	conns     map[string]map[Conn]uint64 // userID -> conn -> attach order
	presence  map[string]Conn            // userID -> current owner
	groups    map[string]map[Conn]struct{}
	joined    map[Conn]map[string]struct{}
	viewports map[Conn]Viewport
}

func New() *Hub {
	return &Hub{
		conns:     make(map[string]map[Conn]uint64),
		presence:  make(map[string]Conn),
		groups:    make(map[string]map[Conn]struct{}),
		joined:    make(map[Conn]map[string]struct{}),
		viewports: make(map[Conn]Viewport),
	}
}

// Register makes conn the current connection of its user and returns the
// connection it replaced, if any. A user coming online is announced to every
// connection.
func (h *Hub) Register(conn Conn) (previous Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID := conn.UserID()
	set := h.conns[userID]
	if set == nil {
		set = make(map[Conn]uint64)
		h.conns[userID] = set
	}
	h.seq++
	set[conn] = h.seq
	if _, ok := h.joined[conn]; !ok {
		h.joined[conn] = make(map[string]struct{})
	}

	previous = h.presence[userID]
	h.presence[userID] = conn
	if previous == nil {
		h.emitAllLocked(EventPresenceChanged, PresenceChange{UserID: userID, Online: true})
	}
	if previous == conn {
		return nil
	}
	return previous
}

// Disconnect removes conn from presence, from every broadcast group and from
// the viewport table. It reports false if conn was already gone, so cleanup
// runs once no matter how many times it is called.
func (h *Hub) Disconnect(conn Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	userID := conn.UserID()
	set := h.conns[userID]
	if _, ok := set[conn]; !ok {
		return false
	}
	delete(set, conn)

	for roomID := range h.joined[conn] {
		h.leaveLocked(conn, roomID)
	}
	delete(h.joined, conn)
	delete(h.viewports, conn)

	if h.presence[userID] != conn {
		if len(set) == 0 {
			delete(h.conns, userID)
		}
		return true
	}

	// The owner left; hand presence to the newest remaining connection.
	var next Conn
	var nextSeq uint64
	for c, seq := range set {
		if seq > nextSeq {
			next, nextSeq = c, seq
		}
	}
	if next != nil {
		h.presence[userID] = next
		return true
	}

	delete(h.conns, userID)
	delete(h.presence, userID)
	h.emitAllLocked(EventPresenceChanged, PresenceChange{UserID: userID, Online: false})
	return true
}

// Online returns the ids of users with a registered connection, sorted.
func (h *Hub) Online() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ids := make([]string, 0, len(h.presence))
	for id := range h.presence {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (h *Hub) IsOnline(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.presence[userID]
	return ok
}

// Lookup returns the current connection of userID.
func (h *Hub) Lookup(userID string) (Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.presence[userID]
	return c, ok
}

// Join adds conn to the broadcast group of roomID.
func (h *Hub) Join(conn Conn, roomID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	rooms, ok := h.joined[conn]
	if !ok {
		return ErrDetached
	}
	rooms[roomID] = struct{}{}
	group := h.groups[roomID]
	if group == nil {
		group = make(map[Conn]struct{})
		h.groups[roomID] = group
	}
	group[conn] = struct{}{}
	return nil
}

// JoinUser adds the current connection of userID, if any, to roomID.
func (h *Hub) JoinUser(userID, roomID string) bool {
	conn, ok := h.Lookup(userID)
	if !ok {
		return false
	}
	return h.Join(conn, roomID) == nil
}

func (h *Hub) Leave(conn Conn, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leaveLocked(conn, roomID)
}

// LeaveUser removes every connection of userID from roomID.
func (h *Hub) LeaveUser(userID, roomID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.conns[userID] {
		h.leaveLocked(conn, roomID)
	}
}

func (h *Hub) leaveLocked(conn Conn, roomID string) {
	if rooms := h.joined[conn]; rooms != nil {
		delete(rooms, roomID)
	}
	group := h.groups[roomID]
	if group == nil {
		return
	}
	delete(group, conn)
	if len(group) == 0 {
		delete(h.groups, roomID)
	}
}

// DropGroup removes the broadcast group of roomID and returns its members.
func (h *Hub) DropGroup(roomID string) []Conn {
	h.mu.Lock()
	defer h.mu.Unlock()

	group := h.groups[roomID]
	delete(h.groups, roomID)
	members := make([]Conn, 0, len(group))
	for conn := range group {
		if rooms := h.joined[conn]; rooms != nil {
			delete(rooms, roomID)
		}
		members = append(members, conn)
	}
	return members
}

// Members returns a snapshot of the connections joined to roomID.
func (h *Hub) Members(roomID string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	group := h.groups[roomID]
	members := make([]Conn, 0, len(group))
	for conn := range group {
		members = append(members, conn)
	}
	return members
}

func (h *Hub) InRoom(conn Conn, roomID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.groups[roomID][conn]
	return ok
}

func (h *Hub) SetViewport(conn Conn, vp Viewport) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.joined[conn]; !ok {
		return ErrDetached
	}
	h.viewports[conn] = vp
	return nil
}

// Watchers returns the connections whose last viewport contains p, leaving
// out connections of exceptUserID.
func (h *Hub) Watchers(p geo.Point, exceptUserID string) []Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()

	var out []Conn
	for conn, vp := range h.viewports {
		if conn.UserID() == exceptUserID {
			continue
		}
		if vp.Box.Contains(p) {
			out = append(out, conn)
		}
	}
	return out
}

// EmitToUser sends to the current connection of userID and reports whether
// the user was online.
func (h *Hub) EmitToUser(userID, event string, payload any) bool {
	conn, ok := h.Lookup(userID)
	if !ok {
		return false
	}
	_ = conn.Emit(event, payload)
	return true
}

// EmitToRoom sends to every connection joined to roomID except skip.
func (h *Hub) EmitToRoom(roomID, event string, payload any, skip Conn) {
	for _, conn := range h.Members(roomID) {
		if conn == skip {
			continue
		}
		_ = conn.Emit(event, payload)
	}
}

func (h *Hub) EmitToAll(event string, payload any) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	h.emitAllLocked(event, payload)
}

// emitAllLocked relies on Emit being a non-blocking enqueue so that presence
// announcements leave the hub in the order the transitions happened.
func (h *Hub) emitAllLocked(event string, payload any) {
	for _, set := range h.conns {
		for conn := range set {
			_ = conn.Emit(event, payload)
		}
	}
}
