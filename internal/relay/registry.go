package relay

import (
	"sync"
	"sync/atomic"

	"generation-orchestrator/internal/models"
)

// JobRoom returns the room that receives every event of one job.
func JobRoom(jobID string) string { return "job:" + jobID }

// UserRoom returns the room that receives events for all jobs of a user.
func UserRoom(userID string) string { return "user:" + userID }

// Conn is one live subscriber. Events are delivered on a buffered channel and
// dropped when the buffer is full.
type Conn struct {
	id     string
	userID string
	ch     chan models.Event
	closed atomic.Bool
	mu     sync.Mutex
	rooms  map[string]struct{}
}

func newConn(id, userID string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 64
	}
	return &Conn{
		id:     id,
		userID: userID,
		ch:     make(chan models.Event, buffer),
		rooms:  make(map[string]struct{}),
	}
}

func (c *Conn) ID() string     { return c.id }
func (c *Conn) UserID() string { return c.userID }

// C returns the event channel. It is closed when the connection is removed.
func (c *Conn) C() <-chan models.Event { return c.ch }

// Rooms returns a copy of the rooms the connection has joined.
func (c *Conn) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		out = append(out, r)
	}
	return out
}

func (c *Conn) send(ev models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return false
	}
	select {
	case c.ch <- ev:
		return true
	default:
		return false
	}
}

func (c *Conn) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.CompareAndSwap(false, true) {
		close(c.ch)
	}
}

// Registry tracks live connections and their room memberships. Connections
// are added on connect and removed on disconnect. It is safe for concurrent
// use.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	rooms map[string]map[string]*Conn
}

func NewRegistry() *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		rooms: make(map[string]map[string]*Conn),
	}
}

func (r *Registry) add(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conns[c.id] = c
}

// Remove drops a connection from every room and closes its channel.
func (r *Registry) Remove(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
		for _, room := range c.Rooms() {
			r.leaveLocked(room, connID)
		}
	}
	r.mu.Unlock()
	if ok {
		c.close()
	}
}

// Join adds a registered connection to room. It reports false for unknown
// connections.
func (r *Registry) Join(connID, room string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[connID]
	if !ok {
		return false
	}
	members, ok := r.rooms[room]
	if !ok {
		members = make(map[string]*Conn)
		r.rooms[room] = members
	}
	members[connID] = c
	c.mu.Lock()
	c.rooms[room] = struct{}{}
	c.mu.Unlock()
	return true
}

func (r *Registry) Leave(connID, room string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(room, connID)
}

func (r *Registry) leaveLocked(room, connID string) {
	members, ok := r.rooms[room]
	if !ok {
		return
	}
	if c, ok := members[connID]; ok {
		c.mu.Lock()
		delete(c.rooms, room)
		c.mu.Unlock()
		delete(members, connID)
	}
	if len(members) == 0 {
		delete(r.rooms, room)
	}
}

// members returns the distinct connections in any of rooms.
func (r *Registry) members(rooms ...string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{})
	var out []*Conn
	for _, room := range rooms {
		for id, c := range r.rooms[room] {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}

// Len returns the number of registered connections.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// RoomSize returns the number of connections in room.
func (r *Registry) RoomSize(room string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms[room])
}
