package names

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RPajak/kdbus/internal/bus"
)

func listHelper(t *testing.T, r *Registry, b *bus.Bus, requester *bus.Conn, opts ListFlags) []byte {
	t.Helper()
	conns := b.SnapshotConns()
	defer func() {
		for _, c := range conns {
			c.Unref()
		}
	}()
	off, size, err := r.List(conns, requester, opts)
	require.NoError(t, err)
	buf := requester.Pool().Slice(off)
	require.Len(t, buf, int(size))
	out := make([]byte, size)
	copy(out, buf)
	requester.Pool().Free(off)
	return out
}

func TestList_Layout(t *testing.T) {
	r, b := testSetup(t)
	c1 := b.NewConn(0)

	nlog := &Log{}
	_, err := r.Acquire(c1, "a.b", FlagAllowReplacement, nlog)
	require.NoError(t, err)

	raw := listHelper(t, r, b, c1, ListNames)

	// header + one record: 32 bytes header + "a.b\0" = 36 → padded to 40.
	require.Len(t, raw, 8+40)
	require.Equal(t, uint64(48), binary.LittleEndian.Uint64(raw[0:8]))
	require.Equal(t, uint64(36), binary.LittleEndian.Uint64(raw[8:16]), "record_size excludes padding")
	require.Equal(t, uint64(FlagAllowReplacement), binary.LittleEndian.Uint64(raw[16:24]))
	require.Equal(t, c1.ID, binary.LittleEndian.Uint64(raw[24:32]))
	require.Equal(t, uint64(0), binary.LittleEndian.Uint64(raw[32:40]))
	require.Equal(t, []byte("a.b\x00"), raw[40:44])
	require.Equal(t, []byte{0, 0, 0, 0}, raw[44:48], "alignment padding is zeroed")
}

func TestList_DecodeRoundTrip(t *testing.T) {
	r, b := testSetup(t)
	c1 := b.NewConn(0)
	c2 := b.NewConn(0)

	nlog := &Log{}
	_, err := r.Acquire(c1, "com.example.A", 0, nlog)
	require.NoError(t, err)
	_, err = r.Acquire(c2, "com.example.Bee", FlagQueue, nlog)
	require.NoError(t, err)

	recs, err := DecodeList(listHelper(t, r, b, c1, ListUnique|ListNames|ListQueued))
	require.NoError(t, err)
	require.Len(t, recs, 4)

	// Unique records first, in connection order.
	require.Equal(t, ListRecord{ID: c1.ID}, recs[0])
	require.Equal(t, ListRecord{ID: c2.ID}, recs[1])
	// Name records in acquisition order.
	require.Equal(t, ListRecord{Name: "com.example.A", ID: c1.ID}, recs[2])
	require.Equal(t, ListRecord{Name: "com.example.Bee", ID: c2.ID, Flags: FlagQueue}, recs[3])
}

func TestList_Filters(t *testing.T) {
	r, b := testSetup(t)
	act := b.NewConn(bus.HelloActivator)
	c1 := b.NewConn(0)

	nlog := &Log{}
	_, err := r.Acquire(act, "bus.activated", 0, nlog)
	require.NoError(t, err)
	_, err = r.Acquire(c1, "a.plain", 0, nlog)
	require.NoError(t, err)
	_, err = r.Acquire(c1, "a.queued", FlagQueue, nlog)
	require.NoError(t, err)

	// Default name view: no activator-backed entries, no queue-flagged
	// entries.
	recs, err := DecodeList(listHelper(t, r, b, c1, ListNames))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "a.plain", recs[0].Name)

	recs, err = DecodeList(listHelper(t, r, b, c1, ListNames|ListQueued))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	recs, err = DecodeList(listHelper(t, r, b, c1, ListNames|ListQueued|ListActivators))
	require.NoError(t, err)
	require.Len(t, recs, 3)

	// Unique view filters activator connections the same way.
	recs, err = DecodeList(listHelper(t, r, b, c1, ListUnique))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, c1.ID, recs[0].ID)
	require.Empty(t, recs[0].Name)

	recs, err = DecodeList(listHelper(t, r, b, c1, ListUnique|ListActivators))
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, uint64(bus.HelloActivator), recs[0].ConnFlags)
}

func TestList_ActivatorEntryVisibleAfterTakeover(t *testing.T) {
	r, b := testSetup(t)
	act := b.NewConn(bus.HelloActivator)
	c1 := b.NewConn(0)

	nlog := &Log{}
	_, err := r.Acquire(act, "bus.name", 0, nlog)
	require.NoError(t, err)
	_, err = r.Acquire(c1, "bus.name", FlagReplaceExisting, nlog)
	require.NoError(t, err)

	// The takeover consumed the activator reference; the entry is an
	// ordinary name now.
	recs, err := DecodeList(listHelper(t, r, b, c1, ListNames))
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, c1.ID, recs[0].ID)
}

func TestList_Empty(t *testing.T) {
	r, b := testSetup(t)
	c1 := b.NewConn(0)

	raw := listHelper(t, r, b, c1, ListNames)
	require.Len(t, raw, 8)

	recs, err := DecodeList(raw)
	require.NoError(t, err)
	require.Empty(t, recs)
}

func TestList_PoolExhaustion(t *testing.T) {
	cfg := testConfig()
	cfg.PoolSize = 8 // header alone fits, any record does not
	log := testLogger()
	r := NewRegistry(cfg, log)
	b := bus.New(cfg, log)
	c1 := b.NewConn(0)

	nlog := &Log{}
	_, err := r.Acquire(c1, "a.b", 0, nlog)
	require.NoError(t, err)

	conns := b.SnapshotConns()
	defer func() {
		for _, c := range conns {
			c.Unref()
		}
	}()
	_, _, err = r.List(conns, c1, ListNames)
	require.ErrorIs(t, err, bus.ErrPoolExhausted)
	require.Equal(t, 0, c1.Pool().Used(), "failed list leaves the pool clean")
}

func TestDecodeList_Malformed(t *testing.T) {
	_, err := DecodeList(nil)
	require.Error(t, err)

	// Header claims more than the buffer holds.
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, 64)
	_, err = DecodeList(buf)
	require.Error(t, err)

	// Record with an impossible size.
	buf = make([]byte, 16)
	binary.LittleEndian.PutUint64(buf, 16)
	binary.LittleEndian.PutUint64(buf[8:], 4)
	_, err = DecodeList(buf)
	require.Error(t, err)
}
