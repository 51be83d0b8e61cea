package names

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"github.com/RPajak/kdbus/internal/bus"
)

// ListFlags select what a name list contains.
type ListFlags uint64

const (
	ListUnique ListFlags = 1 << iota // one record per connection
	ListNames                        // one record per name entry
	ListQueued                       // include entries whose owner holds FlagQueue
	ListActivators                   // include activator connections and entries
)

// recordHeaderSize is the fixed part of every list record: size, flags,
// id, conn_flags as little-endian u64.
const recordHeaderSize = 32

// listHeaderSize is the u64 total_size prefix.
const listHeaderSize = 8

func align8(n int) int {
	return (n + 7) &^ 7
}

// ListRecord is one decoded list record. Name is empty for unique-id
// records.
type ListRecord struct {
	Flags     Flags
	ID        uint64
	ConnFlags uint64
	Name      string
}

// List serializes the requested view of the registry into the requester's
// pool and returns the region's offset and exact size. conns is the bus's
// connection snapshot, taken by the caller before the registry lock is
// entered (bus lock ordering). The registry lock is held across sizing and
// serialization so both passes agree.
//
// Layout, all fields little-endian u64, every record 8-byte aligned:
//
//	u64 total_size
//	per record: u64 record_size, u64 flags, u64 id, u64 conn_flags,
//	            then name bytes + NUL for name records, padded to 8.
//
// record_size excludes the alignment padding; readers advance by
// align8(record_size).
func (r *Registry) List(conns []*bus.Conn, requester *bus.Conn, opts ListFlags) (uint64, uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Entry walk order must be identical in both passes; buckets iterate
	// randomly, so walk by ascending entry id.
	var walk []*entry
	if opts&ListNames != 0 {
		walk = make([]*entry, 0, len(r.entries))
		for _, e := range r.entries {
			walk = append(walk, e)
		}
		sort.Slice(walk, func(i, j int) bool { return walk[i].id < walk[j].id })
	}

	skipConn := func(c *bus.Conn) bool {
		return opts&ListActivators == 0 && c.IsActivator()
	}
	skipEntry := func(e *entry) bool {
		if opts&ListActivators == 0 && e.activator != nil {
			return true
		}
		return opts&ListQueued == 0 && e.flags&FlagQueue != 0
	}

	// Pass 1: size.
	size := listHeaderSize
	if opts&ListUnique != 0 {
		for _, c := range conns {
			if skipConn(c) {
				continue
			}
			size += recordHeaderSize
		}
	}
	if opts&ListNames != 0 {
		for _, e := range walk {
			if skipEntry(e) {
				continue
			}
			size += align8(recordHeaderSize + len(e.name) + 1)
		}
	}

	off, buf, err := requester.Pool().Alloc(size)
	if err != nil {
		return 0, 0, err
	}

	// Pass 2: serialize.
	binary.LittleEndian.PutUint64(buf[0:8], uint64(size))
	pos := listHeaderSize

	putHeader := func(recSize int, flags Flags, id, connFlags uint64) {
		binary.LittleEndian.PutUint64(buf[pos:], uint64(recSize))
		binary.LittleEndian.PutUint64(buf[pos+8:], uint64(flags))
		binary.LittleEndian.PutUint64(buf[pos+16:], id)
		binary.LittleEndian.PutUint64(buf[pos+24:], connFlags)
	}

	if opts&ListUnique != 0 {
		for _, c := range conns {
			if skipConn(c) {
				continue
			}
			putHeader(recordHeaderSize, 0, c.ID, uint64(c.Flags))
			pos += recordHeaderSize
		}
	}
	if opts&ListNames != 0 {
		for _, e := range walk {
			if skipEntry(e) {
				continue
			}
			recSize := recordHeaderSize + len(e.name) + 1
			putHeader(recSize, e.flags, e.owner.ID, uint64(e.owner.Flags))
			copy(buf[pos+recordHeaderSize:], e.name)
			buf[pos+recordHeaderSize+len(e.name)] = 0
			pos += align8(recSize)
		}
	}

	return off, uint64(size), nil
}

// DecodeList parses a serialized name list produced by List.
func DecodeList(buf []byte) ([]ListRecord, error) {
	if len(buf) < listHeaderSize {
		return nil, errors.New("list too short")
	}
	total := binary.LittleEndian.Uint64(buf[0:8])
	if total != uint64(len(buf)) {
		return nil, fmt.Errorf("list size mismatch: header %d, buffer %d", total, len(buf))
	}

	var out []ListRecord
	pos := listHeaderSize
	for pos < len(buf) {
		if pos+recordHeaderSize > len(buf) {
			return nil, errors.New("truncated record header")
		}
		recSize := int(binary.LittleEndian.Uint64(buf[pos:]))
		if recSize < recordHeaderSize || pos+align8(recSize) > len(buf) {
			return nil, fmt.Errorf("bad record size %d at offset %d", recSize, pos)
		}
		rec := ListRecord{
			Flags:     Flags(binary.LittleEndian.Uint64(buf[pos+8:])),
			ID:        binary.LittleEndian.Uint64(buf[pos+16:]),
			ConnFlags: binary.LittleEndian.Uint64(buf[pos+24:]),
		}
		if recSize > recordHeaderSize {
			name := buf[pos+recordHeaderSize : pos+recSize]
			if len(name) == 0 || name[len(name)-1] != 0 {
				return nil, errors.New("name record not NUL-terminated")
			}
			rec.Name = string(name[:len(name)-1])
		}
		out = append(out, rec)
		pos += align8(recSize)
	}
	return out, nil
}
