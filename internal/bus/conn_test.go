package bus

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/RPajak/kdbus/internal/config"
)

func testBus() *Bus {
	cfg := &config.Config{PoolSize: 1 << 12}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return New(cfg, log)
}

// ---------------------------------------------------------------------------
// Pool
// ---------------------------------------------------------------------------

func TestPool_AllocFree(t *testing.T) {
	p := NewPool(64)

	off1, buf1, err := p.Alloc(16)
	require.NoError(t, err)
	require.Len(t, buf1, 16)
	require.Equal(t, 16, p.Used())

	off2, _, err := p.Alloc(48)
	require.NoError(t, err)
	require.NotEqual(t, off1, off2)
	require.Equal(t, 64, p.Used())

	_, _, err = p.Alloc(1)
	require.ErrorIs(t, err, ErrPoolExhausted)

	p.Free(off1)
	require.Equal(t, 48, p.Used())
	_, _, err = p.Alloc(16)
	require.NoError(t, err)
}

func TestPool_SliceAndDoubleFree(t *testing.T) {
	p := NewPool(64)
	off, buf, err := p.Alloc(8)
	require.NoError(t, err)
	copy(buf, "payload!")

	require.Equal(t, []byte("payload!"), p.Slice(off))

	p.Free(off)
	require.Nil(t, p.Slice(off))
	p.Free(off) // double free is a no-op
	require.Equal(t, 0, p.Used())
}

func TestPool_RejectsZeroAlloc(t *testing.T) {
	p := NewPool(64)
	_, _, err := p.Alloc(0)
	require.Error(t, err)
}

// ---------------------------------------------------------------------------
// Conn registry contract
// ---------------------------------------------------------------------------

func TestConn_LinkUnlink(t *testing.T) {
	b := testBus()
	c := b.NewConn(0)

	c.LinkName(1)
	c.LinkName(2)
	c.LinkQueued(7)
	require.Equal(t, 2, c.NamesCount())
	require.Equal(t, 1, c.QueuedCount())
	require.True(t, c.OwnsEntry(1))

	c.UnlinkName(1)
	require.Equal(t, 1, c.NamesCount())
	require.False(t, c.OwnsEntry(1))

	// Unlinking unknown ids is harmless.
	c.UnlinkName(99)
	c.UnlinkQueued(99)
	require.Equal(t, 1, c.NamesCount())
	require.Equal(t, 1, c.QueuedCount())
}

func TestConn_SpliceRegistryState(t *testing.T) {
	b := testBus()
	c := b.NewConn(0)

	c.LinkName(3)
	c.LinkName(1)
	c.LinkQueued(5)

	owned, queued := c.SpliceRegistryState()
	require.Equal(t, []uint64{1, 3}, owned, "splice yields ascending ids")
	require.Equal(t, []uint64{5}, queued)
	require.Equal(t, 0, c.NamesCount())
	require.Equal(t, 0, c.QueuedCount())

	// A later unlink of a spliced id must not disturb anything.
	c.UnlinkName(3)
	owned, queued = c.SpliceRegistryState()
	require.Empty(t, owned)
	require.Empty(t, queued)
}

func TestConn_RefCounting(t *testing.T) {
	b := testBus()
	c := b.NewConn(0)
	require.Equal(t, int64(1), c.Refs(), "bus index holds the creation ref")

	require.Same(t, c, c.Ref())
	require.Equal(t, int64(2), c.Refs())
	c.Unref()
	require.Equal(t, int64(1), c.Refs())
}

// ---------------------------------------------------------------------------
// Message queue + migration
// ---------------------------------------------------------------------------

func TestConn_MessageQueueFIFO(t *testing.T) {
	b := testBus()
	c := b.NewConn(0)

	require.NoError(t, c.EnqueueMessage([]byte("one")))
	require.NoError(t, c.EnqueueMessage([]byte("two")))
	require.Equal(t, 2, c.QueuedMessages())

	require.Equal(t, []byte("one"), c.PopMessage())
	require.Equal(t, []byte("two"), c.PopMessage())
	require.Nil(t, c.PopMessage())
	require.Equal(t, 0, c.Pool().Used(), "popped payloads are freed")
}

func TestConn_EnqueueChargesPool(t *testing.T) {
	cfg := &config.Config{PoolSize: 8}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b := New(cfg, log)
	c := b.NewConn(0)

	require.NoError(t, c.EnqueueMessage(make([]byte, 8)))
	require.ErrorIs(t, c.EnqueueMessage([]byte("x")), ErrPoolExhausted)
}

func TestConn_MoveMessages(t *testing.T) {
	b := testBus()
	src := b.NewConn(HelloActivator)
	dst := b.NewConn(0)

	require.NoError(t, src.EnqueueMessage([]byte("a")))
	require.NoError(t, src.EnqueueMessage([]byte("b")))
	require.NoError(t, dst.EnqueueMessage([]byte("own")))

	require.NoError(t, src.MoveMessagesTo(dst))
	require.Equal(t, 0, src.QueuedMessages())
	require.Equal(t, 0, src.Pool().Used())
	require.Equal(t, []byte("own"), dst.PopMessage(), "existing messages stay ahead")
	require.Equal(t, []byte("a"), dst.PopMessage())
	require.Equal(t, []byte("b"), dst.PopMessage())
}

func TestConn_MoveMessagesAllOrNothing(t *testing.T) {
	cfg := &config.Config{PoolSize: 8}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	b := New(cfg, log)
	src := b.NewConn(0)
	dst := b.NewConn(0)

	require.NoError(t, src.EnqueueMessage([]byte("12")))
	require.NoError(t, src.EnqueueMessage([]byte("3456")))
	require.NoError(t, dst.EnqueueMessage([]byte("12345")))

	require.ErrorIs(t, src.MoveMessagesTo(dst), ErrPoolExhausted)
	require.Equal(t, 2, src.QueuedMessages(), "failed migration moves nothing")
	require.Equal(t, 1, dst.QueuedMessages())
	require.Equal(t, 5, dst.Pool().Used(), "partial allocations are rolled back")
}

func TestConn_MoveMessagesToSelf(t *testing.T) {
	b := testBus()
	c := b.NewConn(0)
	require.NoError(t, c.EnqueueMessage([]byte("x")))
	require.NoError(t, c.MoveMessagesTo(c))
	require.Equal(t, 1, c.QueuedMessages())
}

// ---------------------------------------------------------------------------
// Bus index
// ---------------------------------------------------------------------------

func TestBus_FindConn(t *testing.T) {
	b := testBus()
	c1 := b.NewConn(0)
	c2 := b.NewConn(HelloActivator)
	require.NotEqual(t, c1.ID, c2.ID)

	got := b.FindConn(c2.ID)
	require.Same(t, c2, got)
	require.Equal(t, int64(2), c2.Refs())
	got.Unref()

	require.Nil(t, b.FindConn(9999))
}

func TestBus_RemoveConn(t *testing.T) {
	b := testBus()
	c := b.NewConn(0)

	b.RemoveConn(c)
	require.Nil(t, b.FindConn(c.ID))
	require.Equal(t, int64(0), c.Refs())
	require.Equal(t, 0, b.ConnCount())

	// Double remove must not double-unref.
	b.RemoveConn(c)
	require.Equal(t, int64(0), c.Refs())
}

func TestBus_SnapshotConns(t *testing.T) {
	b := testBus()
	c1 := b.NewConn(0)
	c2 := b.NewConn(0)
	c3 := b.NewConn(0)

	snap := b.SnapshotConns()
	require.Equal(t, []*Conn{c1, c2, c3}, snap)
	for _, c := range snap {
		require.Equal(t, int64(2), c.Refs())
		c.Unref()
	}
}

func TestBus_DistinctIdentity(t *testing.T) {
	b1 := testBus()
	b2 := testBus()
	require.NotEqual(t, b1.ID, b2.ID)
}
