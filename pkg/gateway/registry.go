package gateway

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/coder/websocket"
)

// Conn is the part of a client connection the gateway needs outside the
// read and write loops. *websocket.Conn implements it.
type Conn interface {
	Ping(ctx context.Context) error
	Close(code websocket.StatusCode, reason string) error
	CloseNow() error
}

var _ Conn = (*websocket.Conn)(nil)

// client is one registered connection.
type client struct {
	id     string
	remote string
	conn   Conn
	cancel context.CancelFunc
	missed atomic.Int32
}

// registry is the table of live connections keyed by session id. It is the
// only state shared between sessions.
type registry struct {
	mu      sync.RWMutex
	clients map[string]*client
}

func newRegistry() *registry {
	return &registry{clients: make(map[string]*client)}
}

func (r *registry) add(c *client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[c.id] = c
}

// remove deletes id and reports whether it was present.
func (r *registry) remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.clients[id]; !ok {
		return false
	}
	delete(r.clients, id)
	return true
}

func (r *registry) get(id string) (*client, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[id]
	return c, ok
}

func (r *registry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// snapshot returns the current clients so callers can iterate without
// holding the lock across network I/O.
func (r *registry) snapshot() []*client {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*client, 0, len(r.clients))
	for _, c := range r.clients {
		out = append(out, c)
	}
	return out
}
