// Package ring implements the bounded, multi-producer/multi-consumer frame
// ring buffer that stage goroutines communicate through (spec.md §4.2).
//
// Design Decisions:
//
// 1. Blocking Backpressure, Never Drop: spec.md §5 and §7 are explicit that
//    an overrun (producer reaches a still-full slot) blocks rather than
//    drops data. This is the opposite trade-off from the teacher's
//    disruptor ring buffer, which spins briefly and then rejects
//    (ErrBufferFull) — that shape fits a low-latency trading gateway where
//    dropping a late order is acceptable; it does not fit a correlator,
//    where dropped visibilities are a silent scientific data-loss bug.
//
// 2. Multi-Consumer, Named Registration: a single ring can feed more than
//    one registered consumer (e.g. a network sender and a file writer both
//    reading the same visibility stream). A slot only returns to "empty"
//    once every registered consumer has released it.
//
// 3. Deterministic Multi-Candidate Polling: the frame assembler multiplexes
//    several GPU output rings through one consumer loop (spec.md §4.6.3). To
//    keep tests deterministic, GetFullFromList always prefers the
//    lowest-index candidate when more than one is simultaneously full.
package ring

import (
	"context"
	"fmt"
	"sync"

	"github.com/jbcm627-travis/kotekan/internal/metadata"
)

// EOF is returned by GetFullFromList once the producer has called
// MarkProducerDone and no further full slots remain.
const EOF = -1

type consumerState struct {
	id string
	// pending[slotID] is true once a producer has published slotID and this
	// consumer has not yet released it.
	pending []bool
}

// Buffer is the bounded slot array described in spec.md §3/§4.2.
type Buffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	name     string
	slotSize int
	pool     *metadata.Pool

	slots [][]byte
	meta  []*metadata.Record
	full  []bool

	producerDone bool
	consumers    []*consumerState
}

// New allocates N slots of S bytes each and returns an empty buffer. Per
// spec.md §4.2, registered-I/O-device hooks (pinned/mapped memory) are an
// opaque concern the runtime exposes but does not interpret; DeviceHook, if
// non-nil, is invoked once per slot at creation time.
func New(numSlots, slotSize int, pool *metadata.Pool, name string, deviceHook func(slot []byte)) *Buffer {
	if numSlots <= 0 || slotSize <= 0 {
		panic("ring: numSlots and slotSize must be positive")
	}
	b := &Buffer{
		name:     name,
		slotSize: slotSize,
		pool:     pool,
		slots:    make([][]byte, numSlots),
		meta:     make([]*metadata.Record, numSlots),
		full:     make([]bool, numSlots),
	}
	b.cond = sync.NewCond(&b.mu)
	for i := range b.slots {
		b.slots[i] = make([]byte, slotSize)
		if deviceHook != nil {
			deviceHook(b.slots[i])
		}
	}
	return b
}

// Name returns the name this buffer was created with.
func (b *Buffer) Name() string { return b.name }

// NumSlots returns the slot count N.
func (b *Buffer) NumSlots() int { return len(b.slots) }

// SlotSize returns the per-slot byte size S.
func (b *Buffer) SlotSize() int { return b.slotSize }

// Slot returns the raw byte region for a slot. The producer writes here
// while the slot is in-flight (between WaitForEmpty and MarkFull); a
// consumer reads here between GetFullFromList and MarkEmpty.
func (b *Buffer) Slot(slotID int) []byte {
	return b.slots[slotID]
}

// RegisterConsumer adds a read cursor for consumerID. Per spec.md §4.2, all
// consumers must be registered before production starts.
func (b *Buffer) RegisterConsumer(consumerID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.consumers {
		if c.id == consumerID {
			return
		}
	}
	b.consumers = append(b.consumers, &consumerState{
		id:      consumerID,
		pending: make([]bool, len(b.slots)),
	})
}

// WaitForEmpty blocks until slotID becomes empty (every registered consumer
// has released it). Cancellation occurs only via ctx, which per spec.md §5
// should only fire at shutdown.
func (b *Buffer) WaitForEmpty(ctx context.Context, slotID int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.full[slotID] {
		if !b.waitOrCancel(ctx) {
			return ctx.Err()
		}
	}
	return nil
}

// waitOrCancel waits on the condition variable, honoring ctx cancellation.
// Returns false if ctx was cancelled.
func (b *Buffer) waitOrCancel(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	done := make(chan struct{})
	stop := context.AfterFunc(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.cond.Broadcast()
		close(done)
	})
	defer stop()
	b.cond.Wait()
	select {
	case <-done:
		return ctx.Err() == nil
	default:
		return true
	}
}

// MarkFull transitions slotID to full, attaches rec as its metadata (taking
// one reference per registered consumer, per spec.md §3), and wakes all
// consumers waiting on this slot.
func (b *Buffer) MarkFull(slotID int, rec *metadata.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.meta[slotID] = rec
	b.full[slotID] = true
	// The producer's Acquire already holds one reference; each additional
	// registered consumer beyond the first needs its own, since every
	// consumer independently calls ReleaseInfo once it is done with the
	// slot (spec.md §3: "reference count governs release when the frame is
	// consumed by multiple consumers").
	for i, c := range b.consumers {
		c.pending[slotID] = true
		if i > 0 {
			b.pool.Retain(rec)
		}
	}
	b.cond.Broadcast()
}

// MarkProducerDone sets EOF: monotonic, and wakes any blocked consumers so
// they observe the sentinel.
func (b *Buffer) MarkProducerDone() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.producerDone = true
	b.cond.Broadcast()
}

// ProducerDone reports whether MarkProducerDone has been called.
func (b *Buffer) ProducerDone() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.producerDone
}

// GetFullFromList blocks until one of the candidate slots is full for
// consumerID, returning its id, or EOF if the producer is done and no
// candidate will ever become full. When multiple candidates are
// simultaneously full, the lowest-id candidate is returned (spec.md §4.2).
func (b *Buffer) GetFullFromList(ctx context.Context, consumerID string, candidates []int) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.consumerFor(consumerID)
	for {
		best := -1
		for _, slotID := range candidates {
			if cs.pending[slotID] && (best == -1 || slotID < best) {
				best = slotID
			}
		}
		if best != -1 {
			return best, nil
		}
		if b.producerDone {
			return EOF, nil
		}
		if !b.waitOrCancel(ctx) {
			return EOF, ctx.Err()
		}
	}
}

func (b *Buffer) consumerFor(consumerID string) *consumerState {
	for _, c := range b.consumers {
		if c.id == consumerID {
			return c
		}
	}
	panic(fmt.Sprintf("ring: consumer %q was never registered on buffer %q", consumerID, b.name))
}

// ReleaseInfo releases consumerID's metadata reference on slotID. Must be
// called once per (consumer, slot) before MarkEmpty.
func (b *Buffer) ReleaseInfo(consumerID string, slotID int) {
	b.mu.Lock()
	rec := b.meta[slotID]
	b.mu.Unlock()
	if rec != nil {
		b.pool.Release(rec)
	}
}

// MarkEmpty clears consumerID's occupancy marker on slotID. When the last
// registered consumer clears it, the slot becomes empty and any producer
// blocked in WaitForEmpty is woken.
func (b *Buffer) MarkEmpty(consumerID string, slotID int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	cs := b.consumerFor(consumerID)
	cs.pending[slotID] = false

	for _, c := range b.consumers {
		if c.pending[slotID] {
			return // still held by another consumer
		}
	}
	b.full[slotID] = false
	b.meta[slotID] = nil
	b.cond.Broadcast()
}

// --- frame metadata accessors, per spec.md §6 buffer contract ---

func (b *Buffer) GetFPGASeqNum(slotID int) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta[slotID].FPGASeqNum
}

func (b *Buffer) GetFirstPacketRecvTime(slotID int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta[slotID].FirstPacketRecvTime
}

func (b *Buffer) GetStreamID(slotID int) metadata.StreamID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta[slotID].StreamID()
}

func (b *Buffer) GetErrorMatrix(slotID int) metadata.ErrorMatrix {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta[slotID].Errors
}

// Metadata returns the raw record attached to slotID, for producers that
// need to populate it directly before MarkFull.
func (b *Buffer) Metadata(slotID int) *metadata.Record {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.meta[slotID]
}

// AttachMetadata is used by a producer to stage a record on a slot ahead of
// MarkFull, when the record must be written to before the slot is
// published (e.g. filling in the FPGA sequence number as data streams in).
func (b *Buffer) AttachMetadata(slotID int, rec *metadata.Record) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.meta[slotID] = rec
}
