package ring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbcm627-travis/kotekan/internal/metadata"
)

func mustAcquire(t *testing.T, pool *metadata.Pool) *metadata.Record {
	t.Helper()
	rec, err := pool.Acquire()
	require.NoError(t, err)
	return rec
}

// TestMinimalRingFIFOAndEOF is scenario 1 of spec.md §8: N=2, S=8, two
// frames written and read in order, then EOF.
func TestMinimalRingFIFOAndEOF(t *testing.T) {
	pool := metadata.Create(20, 0)
	buf := New(2, 8, pool, "test", nil)
	buf.RegisterConsumer("reader")
	ctx := context.Background()

	for i, b := range [][]byte{{0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01, 0x01}, {0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02, 0x02}} {
		require.NoError(t, buf.WaitForEmpty(ctx, i))
		copy(buf.Slot(i), b)
		buf.AttachMetadata(i, mustAcquire(t, pool))
		buf.MarkFull(i, buf.Metadata(i))
	}
	buf.MarkProducerDone()

	slot, err := buf.GetFullFromList(ctx, "reader", []int{0})
	require.NoError(t, err)
	assert.Equal(t, 0, slot)
	assert.Equal(t, byte(0x01), buf.Slot(0)[0])
	buf.ReleaseInfo("reader", 0)
	buf.MarkEmpty("reader", 0)

	slot, err = buf.GetFullFromList(ctx, "reader", []int{1})
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
	assert.Equal(t, byte(0x02), buf.Slot(1)[0])
	buf.ReleaseInfo("reader", 1)
	buf.MarkEmpty("reader", 1)

	slot, err = buf.GetFullFromList(ctx, "reader", []int{0, 1})
	require.NoError(t, err)
	assert.Equal(t, EOF, slot)
}

// TestBlockingProducerUnblocksOnRelease is scenario 2 of spec.md §8: N=1,
// a second write blocks until the consumer releases the first frame.
func TestBlockingProducerUnblocksOnRelease(t *testing.T) {
	pool := metadata.Create(20, 0)
	buf := New(1, 8, pool, "test", nil)
	buf.RegisterConsumer("reader")
	ctx := context.Background()

	require.NoError(t, buf.WaitForEmpty(ctx, 0))
	buf.AttachMetadata(0, mustAcquire(t, pool))
	buf.MarkFull(0, buf.Metadata(0))

	unblocked := make(chan struct{})
	go func() {
		_ = buf.WaitForEmpty(ctx, 0) // second "write" waits for the same slot
		close(unblocked)
	}()

	select {
	case <-unblocked:
		t.Fatal("producer should still be blocked")
	case <-time.After(50 * time.Millisecond):
	}

	slot, err := buf.GetFullFromList(ctx, "reader", []int{0})
	require.NoError(t, err)
	require.Equal(t, 0, slot)
	buf.ReleaseInfo("reader", 0)
	buf.MarkEmpty("reader", 0)

	select {
	case <-unblocked:
	case <-time.After(time.Second):
		t.Fatal("producer should have unblocked after release")
	}
}

// TestMultiConsumerSlotStaysFullUntilAllRelease exercises the invariant
// that a slot is empty iff every registered consumer has released it.
func TestMultiConsumerSlotStaysFullUntilAllRelease(t *testing.T) {
	pool := metadata.Create(20, 0)
	buf := New(2, 8, pool, "test", nil)
	buf.RegisterConsumer("a")
	buf.RegisterConsumer("b")
	ctx := context.Background()

	require.NoError(t, buf.WaitForEmpty(ctx, 0))
	buf.AttachMetadata(0, mustAcquire(t, pool))
	buf.MarkFull(0, buf.Metadata(0))
	assert.Equal(t, 1, pool.Outstanding()) // one record, referenced by both consumers

	slotA, err := buf.GetFullFromList(ctx, "a", []int{0})
	require.NoError(t, err)
	assert.Equal(t, 0, slotA)
	buf.ReleaseInfo("a", 0)
	buf.MarkEmpty("a", 0)

	// Not yet empty: consumer "b" has not released.
	shortCtx, cancelShort := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancelShort()
	assert.ErrorIs(t, buf.WaitForEmpty(shortCtx, 0), context.DeadlineExceeded)

	waitDone := make(chan struct{})
	go func() {
		_ = buf.WaitForEmpty(ctx, 1) // slot 1 is free, proves WaitForEmpty on a different empty slot returns immediately
		close(waitDone)
	}()
	select {
	case <-waitDone:
	case <-time.After(time.Second):
		t.Fatal("unrelated empty slot should not block")
	}

	slotB, err := buf.GetFullFromList(ctx, "b", []int{0})
	require.NoError(t, err)
	assert.Equal(t, 0, slotB)
	buf.ReleaseInfo("b", 0)
	buf.MarkEmpty("b", 0)
	assert.Equal(t, 0, pool.Outstanding())
	require.NoError(t, buf.WaitForEmpty(ctx, 0))
}

// TestDeterministicLowestCandidateWins covers the §4.2 ordering guarantee
// for multi-candidate polling.
func TestDeterministicLowestCandidateWins(t *testing.T) {
	pool := metadata.Create(20, 0)
	buf := New(4, 8, pool, "test", nil)
	buf.RegisterConsumer("r")
	ctx := context.Background()

	for _, slotID := range []int{2, 1} {
		require.NoError(t, buf.WaitForEmpty(ctx, slotID))
		buf.AttachMetadata(slotID, mustAcquire(t, pool))
		buf.MarkFull(slotID, buf.Metadata(slotID))
	}

	slot, err := buf.GetFullFromList(ctx, "r", []int{2, 1, 0, 3})
	require.NoError(t, err)
	assert.Equal(t, 1, slot)
}
