package bus

import (
	"sort"
	"sync"
	"sync/atomic"
)

// HelloFlags describe how a connection registered with the bus.
type HelloFlags uint64

const (
	// HelloActivator marks a connection that holds names only as a
	// fallback: it is displaced without consent. A name it registered
	// returns to it when released with no waiter left, as long as the
	// entry still holds the activator reference; a takeover drops that
	// reference.
	HelloActivator HelloFlags = 1 << 0
)

// Conn is one connection on the bus. The name registry links its entry and
// waiter ids into the conn under the conn's lock; the bus itself never
// inspects those sets except to splice them out wholesale during teardown.
//
// Lock order: the registry lock may be held when taking the conn lock,
// never the reverse.
type Conn struct {
	ID    uint64
	Flags HelloFlags

	refs atomic.Int64

	pool *Pool

	mu     sync.Mutex
	owned  map[uint64]struct{} // entry ids, owned by the registry contract
	queued map[uint64]struct{} // waiter ids, owned by the registry contract
	msgs   []message           // FIFO of queued messages, payload in pool
}

// message is one queued payload, stored in the connection's pool.
type message struct {
	off  uint64
	size int
}

func newConn(id uint64, flags HelloFlags, poolSize int) *Conn {
	c := &Conn{
		ID:     id,
		Flags:  flags,
		pool:   NewPool(poolSize),
		owned:  make(map[uint64]struct{}),
		queued: make(map[uint64]struct{}),
	}
	c.refs.Store(1)
	return c
}

// IsActivator reports whether the connection registered as an activator.
func (c *Conn) IsActivator() bool {
	return c.Flags&HelloActivator != 0
}

// Ref takes a reference and returns c for chaining.
func (c *Conn) Ref() *Conn {
	c.refs.Add(1)
	return c
}

// Unref drops a reference. When the last reference goes away, the queued
// messages are dropped and their pool regions freed.
func (c *Conn) Unref() {
	if c.refs.Add(-1) > 0 {
		return
	}
	c.mu.Lock()
	for _, m := range c.msgs {
		c.pool.Free(m.off)
	}
	c.msgs = nil
	c.mu.Unlock()
}

// Refs reports the current reference count.
func (c *Conn) Refs() int64 {
	return c.refs.Load()
}

// Pool returns the connection's receive pool.
func (c *Conn) Pool() *Pool {
	return c.pool
}

// ---------------------------------------------------------------------------
// Registry contract
// ---------------------------------------------------------------------------

// LinkName records ownership of a registry entry.
func (c *Conn) LinkName(entryID uint64) {
	c.mu.Lock()
	c.owned[entryID] = struct{}{}
	c.mu.Unlock()
}

// UnlinkName removes a registry entry from the owned set. Unlinking an id
// that was already spliced out is a no-op.
func (c *Conn) UnlinkName(entryID uint64) {
	c.mu.Lock()
	delete(c.owned, entryID)
	c.mu.Unlock()
}

// LinkQueued records a pending waiter registration.
func (c *Conn) LinkQueued(waiterID uint64) {
	c.mu.Lock()
	c.queued[waiterID] = struct{}{}
	c.mu.Unlock()
}

// UnlinkQueued removes a waiter registration.
func (c *Conn) UnlinkQueued(waiterID uint64) {
	c.mu.Lock()
	delete(c.queued, waiterID)
	c.mu.Unlock()
}

// NamesCount reports how many names the connection currently owns.
func (c *Conn) NamesCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.owned)
}

// QueuedCount reports how many waiter registrations the connection holds.
func (c *Conn) QueuedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queued)
}

// OwnsEntry reports whether entryID is in the owned set.
func (c *Conn) OwnsEntry(entryID uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.owned[entryID]
	return ok
}

// SpliceRegistryState atomically drains the owned and queued sets and
// returns their contents in ascending id order. Taking only the conn lock
// here breaks the conn→registry lock edge during eviction; the caller then
// processes both lists under the registry lock alone.
func (c *Conn) SpliceRegistryState() (owned, queued []uint64) {
	c.mu.Lock()
	owned = make([]uint64, 0, len(c.owned))
	for id := range c.owned {
		owned = append(owned, id)
	}
	queued = make([]uint64, 0, len(c.queued))
	for id := range c.queued {
		queued = append(queued, id)
	}
	c.owned = make(map[uint64]struct{})
	c.queued = make(map[uint64]struct{})
	c.mu.Unlock()

	sort.Slice(owned, func(i, j int) bool { return owned[i] < owned[j] })
	sort.Slice(queued, func(i, j int) bool { return queued[i] < queued[j] })
	return owned, queued
}

// ---------------------------------------------------------------------------
// Message queue
// ---------------------------------------------------------------------------

// EnqueueMessage copies payload into the connection's pool and appends it
// to the message queue. Returns ErrPoolExhausted when the pool cannot hold
// the payload.
func (c *Conn) EnqueueMessage(payload []byte) error {
	off, buf, err := c.pool.Alloc(len(payload))
	if err != nil {
		return err
	}
	copy(buf, payload)
	c.mu.Lock()
	c.msgs = append(c.msgs, message{off: off, size: len(payload)})
	c.mu.Unlock()
	return nil
}

// PopMessage removes and returns the oldest queued message, or nil if the
// queue is empty.
func (c *Conn) PopMessage() []byte {
	c.mu.Lock()
	if len(c.msgs) == 0 {
		c.mu.Unlock()
		return nil
	}
	m := c.msgs[0]
	copy(c.msgs, c.msgs[1:])
	c.msgs[len(c.msgs)-1] = message{}
	c.msgs = c.msgs[:len(c.msgs)-1]
	c.mu.Unlock()

	buf := c.pool.Slice(m.off)
	out := make([]byte, m.size)
	copy(out, buf)
	c.pool.Free(m.off)
	return out
}

// QueuedMessages reports the number of queued messages.
func (c *Conn) QueuedMessages() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

// MoveMessagesTo transfers every queued message from c to dst, preserving
// order. The transfer is all-or-nothing: if dst's pool cannot hold all of
// them, no message moves and ErrPoolExhausted is returned. Both conn locks
// are taken in id order; callers holding the registry lock stay within the
// registry→conn lock order.
func (c *Conn) MoveMessagesTo(dst *Conn) error {
	if c == dst {
		return nil
	}
	first, second := c, dst
	if dst.ID < c.ID {
		first, second = dst, c
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	moved := make([]message, 0, len(c.msgs))
	for _, m := range c.msgs {
		off, buf, err := dst.pool.Alloc(m.size)
		if err != nil {
			for _, mm := range moved {
				dst.pool.Free(mm.off)
			}
			return err
		}
		copy(buf, c.pool.Slice(m.off))
		moved = append(moved, message{off: off, size: m.size})
	}
	for _, m := range c.msgs {
		c.pool.Free(m.off)
	}
	c.msgs = nil
	dst.msgs = append(dst.msgs, moved...)
	return nil
}
