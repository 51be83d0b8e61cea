// Package names implements the bus's name registry: the mapping from
// well-known names to their owning connection, the FIFO takeover queue per
// name, and the ordered emission of ownership-change events.
package names

import (
	"errors"
	"log/slog"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/RPajak/kdbus/internal/bus"
	"github.com/RPajak/kdbus/internal/config"
)

var (
	ErrInvalidName      = errors.New("invalid name")
	ErrTooManyNames     = errors.New("too many names owned by connection")
	ErrMaxNames         = errors.New("max names reached")
	ErrMaxWaiters       = errors.New("max waiters reached")
	ErrNameNotFound     = errors.New("name not found")
	ErrNameExists       = errors.New("name already taken")
	ErrAlreadyOwner     = errors.New("name already owned by connection")
	ErrPermissionDenied = errors.New("permission denied")
	ErrNoConn           = errors.New("no such connection")
)

// Flags control acquisition and takeover behavior. FlagInQueue is never
// accepted as input; it appears on the flags returned from Acquire when the
// request was parked in the waiter queue.
type Flags uint64

const (
	FlagReplaceExisting Flags = 1 << iota
	FlagAllowReplacement
	FlagQueue
	FlagInQueue
)

// InputMask covers the flags a caller may request.
const InputMask = FlagReplaceExisting | FlagAllowReplacement | FlagQueue

// entry is the registry record for one currently-owned name. While an
// entry is indexed its owner is never nil. After detach the owner field
// dangles until the next attach or until the entry is freed; the two are
// always paired before the registry lock is released.
type entry struct {
	id        uint64
	name      string
	hash      uint64
	owner     *bus.Conn
	flags     Flags
	activator *bus.Conn
	waiters   []*waiter // FIFO; head is next in line
}

// waiter is one queued request to take over a name.
type waiter struct {
	id    uint64
	conn  *bus.Conn
	flags Flags
	entry *entry
}

// Registry owns all name entries of one bus. A single mutex guards the
// index, entry contents and waiter linkage; conn locks nest inside it.
type Registry struct {
	cfg *config.Config
	log *slog.Logger

	mu        sync.Mutex
	buckets   map[uint64][]*entry // name hash → collision chain
	entries   map[uint64]*entry   // entry id → entry
	waiters   map[uint64]*waiter  // waiter id → waiter
	entrySeq  uint64
	waiterSeq uint64
}

func NewRegistry(cfg *config.Config, log *slog.Logger) *Registry {
	return &Registry{
		cfg:     cfg,
		log:     log,
		buckets: make(map[uint64][]*entry),
		entries: make(map[uint64]*entry),
		waiters: make(map[uint64]*waiter),
	}
}

func hashName(name string) uint64 {
	return xxhash.Sum64String(name)
}

// ---------------------------------------------------------------------------
// Internal helpers (must be called with r.mu held)
// ---------------------------------------------------------------------------

func (r *Registry) lookupLocked(hash uint64, name string) *entry {
	for _, e := range r.buckets[hash] {
		if e.name == name {
			return e
		}
	}
	return nil
}

// attach binds e to c: the entry takes a conn reference and links itself
// into the conn's owned set under the conn lock.
func (r *Registry) attach(e *entry, c *bus.Conn) {
	e.owner = c.Ref()
	c.LinkName(e.id)
}

// detach unlinks e from its owner and drops the owner reference. e.owner
// is left dangling; every detach of an entry that survives is paired with
// an attach before the registry lock is released.
func (r *Registry) detach(e *entry) {
	e.owner.UnlinkName(e.id)
	e.owner.Unref()
}

// removeWaiterLocked unlinks target from its entry's FIFO, reusing the
// backing array to avoid allocation.
func removeWaiterLocked(waiters []*waiter, target *waiter) []*waiter {
	for i, w := range waiters {
		if w == target {
			copy(waiters[i:], waiters[i+1:])
			waiters[len(waiters)-1] = nil // avoid memory leak
			return waiters[:len(waiters)-1]
		}
	}
	return waiters
}

// freeWaiterLocked removes w from both its entry's queue and its conn's
// queued set, and drops the conn reference the waiter held.
func (r *Registry) freeWaiterLocked(w *waiter) {
	w.entry.waiters = removeWaiterLocked(w.entry.waiters, w)
	delete(r.waiters, w.id)
	w.conn.UnlinkQueued(w.id)
	w.conn.Unref()
}

// queueWaiterLocked parks c at the tail of e's waiter queue. A connection
// already queued for e has its flags updated in place (a name is queued
// for at most once per connection).
func (r *Registry) queueWaiterLocked(c *bus.Conn, e *entry, flags Flags) (*waiter, error) {
	for _, w := range e.waiters {
		if w.conn == c {
			w.flags = flags
			return w, nil
		}
	}
	if max := r.cfg.MaxWaiters; max > 0 && len(e.waiters) >= max {
		return nil, ErrMaxWaiters
	}
	r.waiterSeq++
	w := &waiter{
		id:    r.waiterSeq,
		conn:  c.Ref(),
		flags: flags,
		entry: e,
	}
	e.waiters = append(e.waiters, w)
	r.waiters[w.id] = w
	c.LinkQueued(w.id)
	return w, nil
}

func (r *Registry) indexLocked(e *entry) {
	r.buckets[e.hash] = append(r.buckets[e.hash], e)
	r.entries[e.id] = e
}

func (r *Registry) unindexLocked(e *entry) {
	chain := r.buckets[e.hash]
	for i, ce := range chain {
		if ce == e {
			chain = append(chain[:i], chain[i+1:]...)
			break
		}
	}
	if len(chain) == 0 {
		delete(r.buckets, e.hash)
	} else {
		r.buckets[e.hash] = chain
	}
	delete(r.entries, e.id)
}

// releaseEntryLocked hands the entry to the next owner in line: the head
// waiter if any, else the activator, else nobody — the entry is unindexed
// and freed.
func (r *Registry) releaseEntryLocked(e *entry, nlog *Log) {
	old := e.owner
	oldID := old.ID
	r.detach(e)

	switch {
	case len(e.waiters) > 0:
		w := e.waiters[0]
		e.flags = w.flags &^ FlagInQueue
		r.attach(e, w.conn)
		r.freeWaiterLocked(w)
		nlog.append(EventChange, oldID, e.owner.ID, e.flags, e.name)

	case e.activator != nil:
		// I5: an activator-backed entry is never dropped; hand it back.
		e.flags = FlagAllowReplacement
		r.attach(e, e.activator)
		nlog.append(EventChange, oldID, e.owner.ID, e.flags, e.name)

	default:
		nlog.append(EventRemove, oldID, 0, e.flags, e.name)
		r.unindexLocked(e)
	}
}

// handleConflictLocked arbitrates an acquire against an entry owned by a
// different connection. Exactly one of four things happens: takeover,
// enqueue, rejection with ErrNameExists, or another error that leaves the
// registry untouched.
func (r *Registry) handleConflictLocked(c *bus.Conn, e *entry, flags Flags, nlog *Log) (Flags, error) {
	if flags&FlagReplaceExisting != 0 && e.flags&FlagAllowReplacement != 0 {
		// Takeover. A queue-willing incumbent is demoted to the tail of
		// its own waiter queue so a later release rotates it back in.
		var demoted *waiter
		if e.flags&FlagQueue != 0 {
			w, err := r.queueWaiterLocked(e.owner, e, e.flags)
			if err != nil {
				return 0, err
			}
			demoted = w
		}

		oldID := e.owner.ID

		if e.activator != nil {
			// Take over the messages the activator accumulated while
			// holding the name. Failure aborts the whole takeover.
			if err := e.activator.MoveMessagesTo(c); err != nil {
				if demoted != nil {
					r.freeWaiterLocked(demoted)
				}
				return 0, err
			}
			e.activator.Unref()
			e.activator = nil
		}

		r.detach(e)
		r.attach(e, c)
		e.flags = flags

		// A requester that was queued earlier is now the owner; its
		// stale waiter registration must not survive (the owner is
		// never its own waiter).
		for _, w := range e.waiters {
			if w.conn == c {
				r.freeWaiterLocked(w)
				break
			}
		}

		nlog.append(EventChange, oldID, c.ID, flags, e.name)
		return flags, nil
	}

	if flags&FlagQueue != 0 {
		if _, err := r.queueWaiterLocked(c, e, flags); err != nil {
			return 0, err
		}
		return flags | FlagInQueue, nil
	}

	return 0, ErrNameExists
}

// ---------------------------------------------------------------------------
// Operations
// ---------------------------------------------------------------------------

// Acquire requests ownership of name for c. The caller has already
// validated the name, checked the per-connection quota and consulted
// policy. On success the returned flags are the entry's effective flags,
// except when the request was parked in the waiter queue: then they are
// the requested flags with FlagInQueue set.
//
// ErrAlreadyOwner reports an idempotent re-acquire by the current owner;
// the entry's flags have been replaced and callers need not treat it as a
// failure. Change events are appended to nlog; the caller flushes them
// after this returns.
func (r *Registry) Acquire(c *bus.Conn, name string, flags Flags, nlog *Log) (Flags, error) {
	flags &= InputMask
	hash := hashName(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	if e := r.lookupLocked(hash, name); e != nil {
		if e.owner == c {
			e.flags = flags
			return flags, ErrAlreadyOwner
		}
		return r.handleConflictLocked(c, e, flags, nlog)
	}

	if len(r.entries) >= r.cfg.MaxNames {
		return 0, ErrMaxNames
	}

	r.entrySeq++
	e := &entry{
		id:   r.entrySeq,
		name: name,
		hash: hash,
	}
	if c.IsActivator() {
		// An activator never blocks takeover, whatever it asked for.
		e.activator = c.Ref()
		flags = FlagAllowReplacement
	}
	e.flags = flags
	r.indexLocked(e)
	r.attach(e, c)
	nlog.append(EventAdd, 0, c.ID, flags, name)
	return flags, nil
}

// Release gives up c's claim on name: ownership if c is the owner, else
// the queued waiter registration if one exists. A waiter cancel emits no
// event. ErrNameNotFound if the name is not registered,
// ErrPermissionDenied if c has no standing.
func (r *Registry) Release(c *bus.Conn, name string, nlog *Log) error {
	hash := hashName(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookupLocked(hash, name)
	if e == nil {
		return ErrNameNotFound
	}

	if e.owner == c {
		r.releaseEntryLocked(e, nlog)
		return nil
	}

	for _, w := range e.waiters {
		if w.conn == c {
			r.freeWaiterLocked(w)
			return nil
		}
	}

	return ErrPermissionDenied
}

// EvictOwner removes every trace of c from the registry: queued waiters
// are dropped silently, owned names are released (promoting waiters,
// rebinding activators, or unindexing). Called when a connection is torn
// down.
//
// The conn's owned/queued sets are spliced out under the conn lock alone,
// then processed under the registry lock alone. This breaks the
// conn→registry lock edge that would otherwise form a cycle with the
// registry→conn order used by attach/detach.
func (r *Registry) EvictOwner(c *bus.Conn, nlog *Log) {
	owned, queued := c.SpliceRegistryState()
	if len(owned) > 0 || len(queued) > 0 {
		r.log.Debug("evicting connection",
			"conn_id", c.ID, "owned", len(owned), "queued", len(queued))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// Drop activator references held by the dying connection first: no
	// release below may rebind a name to it.
	for _, e := range r.entries {
		if e.activator == c {
			e.activator = nil
			c.Unref()
		}
	}

	for _, wid := range queued {
		if w := r.waiters[wid]; w != nil && w.conn == c {
			r.freeWaiterLocked(w)
		}
	}
	for _, eid := range owned {
		if e := r.entries[eid]; e != nil && e.owner == c {
			r.releaseEntryLocked(e, nlog)
		}
	}
}

// Resolve looks up name and returns the owner's id and the entry flags.
func (r *Registry) Resolve(name string) (uint64, Flags, error) {
	hash := hashName(name)

	r.mu.Lock()
	defer r.mu.Unlock()

	e := r.lookupLocked(hash, name)
	if e == nil {
		return 0, 0, ErrNameNotFound
	}
	return e.owner.ID, e.flags, nil
}

// Count reports the number of indexed entries.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
