// Package bus holds the connection model of the in-process IPC bus: the
// per-bus connection index, connection identity and reference counting,
// and the bounded per-connection receive pool. The name registry layers on
// top of this package and owns all naming state.
package bus

import (
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/RPajak/kdbus/internal/config"
)

// Bus is one bus instance: a connection index plus identity. Lock order:
// the bus lock is taken before the registry lock and is only used for
// id → conn resolution and index maintenance.
type Bus struct {
	ID  uuid.UUID
	cfg *config.Config
	log *slog.Logger

	seq atomic.Uint64

	mu    sync.Mutex
	conns map[uint64]*Conn
}

func New(cfg *config.Config, log *slog.Logger) *Bus {
	return &Bus{
		ID:    uuid.New(),
		cfg:   cfg,
		log:   log,
		conns: make(map[uint64]*Conn),
	}
}

// NewConn registers a new connection and returns it. The bus index holds
// one reference until RemoveConn.
func (b *Bus) NewConn(flags HelloFlags) *Conn {
	id := b.seq.Add(1)
	c := newConn(id, flags, b.cfg.PoolSize)

	b.mu.Lock()
	b.conns[id] = c
	b.mu.Unlock()

	b.log.Debug("connection registered", "conn_id", id, "activator", c.IsActivator())
	return c
}

// RemoveConn unregisters a connection and drops the index reference. The
// caller is expected to evict the connection from the name registry first.
func (b *Bus) RemoveConn(c *Conn) {
	b.mu.Lock()
	_, ok := b.conns[c.ID]
	delete(b.conns, c.ID)
	b.mu.Unlock()

	if ok {
		c.Unref()
		b.log.Debug("connection removed", "conn_id", c.ID)
	}
}

// FindConn resolves an id to a referenced connection, or nil. The caller
// must Unref the result.
func (b *Bus) FindConn(id uint64) *Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	c, ok := b.conns[id]
	if !ok {
		return nil
	}
	return c.Ref()
}

// SnapshotConns returns the registered connections in ascending id order,
// each with a reference taken. The caller must Unref every element. The
// snapshot lets the registry walk the connection index without holding the
// bus lock inside the registry lock.
func (b *Bus) SnapshotConns() []*Conn {
	b.mu.Lock()
	out := make([]*Conn, 0, len(b.conns))
	for _, c := range b.conns {
		out = append(out, c.Ref())
	}
	b.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ConnCount reports the number of registered connections.
func (b *Bus) ConnCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}
