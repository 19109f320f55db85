// Package metadata implements the fixed, reference-counted pool of per-frame
// metadata records that ring buffers attach to full slots.
//
// Design Decisions:
//
// 1. Fixed Pool, No Heap Churn: metadata is exchanged frame-for-frame at line
//    rate (tens of thousands of frames/sec in the real correlator). A pool
//    sized once at startup and reused for the lifetime of the process keeps
//    the hot path free of allocation.
//
// 2. Reference Counting, Not Ownership: a record can be attached to exactly
//    one ring-buffer slot, but that slot may be read by several registered
//    consumers before it is released. The record is only returned to the
//    free list once every consumer (and the producer) has released it.
//
// 3. Exhaustion Is Fatal: a pool sized at `10 * buffer_depth` per spec.md
//    should never run dry in a correctly configured pipeline. If it does,
//    that is a configuration error (buffers sized inconsistently with the
//    pool), not a condition the hot path should try to recover from.
package metadata

import (
	"fmt"
	"sync"

	"github.com/agilira/go-timecache"
)

// StreamID is the packed crate/slot/link/reserved 4-bit field identifier
// carried by every frame, as described in spec.md §4.6.2.
type StreamID struct {
	LinkID   uint8
	SlotID   uint8
	CrateID  uint8
	Reserved uint8
}

// DecodeStreamID unpacks a 16-bit packed stream identifier into its four 4-bit
// fields, matching lib/gpu_post_process.c's bit-shift decode exactly.
func DecodeStreamID(packed uint16) StreamID {
	return StreamID{
		LinkID:   uint8(packed & 0x000F),
		SlotID:   uint8((packed & 0x00F0) >> 4),
		CrateID:  uint8((packed & 0x0F00) >> 8),
		Reserved: uint8((packed & 0xF000) >> 12),
	}
}

// ErrorMatrix carries per-frame data-quality counters. spec.md requires at
// least a bad-timesamples count; RFI counting is modeled but always reported
// as zero until a real RFI detector is wired in (see the per_frequency_data
// rfi_count note in spec.md §4.6.2).
type ErrorMatrix struct {
	BadTimesamples uint32
}

// Record is the spec's FrameMetadata / ChimeMetadata: opaque to the ring
// buffer layer, carrying the FPGA sequence number, first-packet receive
// time, packed stream id, and error matrix for one frame.
type Record struct {
	FPGASeqNum     uint64
	FirstPacketRecvTime int64 // nanoseconds since epoch, from go-timecache
	PackedStreamID uint16
	Errors         ErrorMatrix

	refs int32
}

// StreamID decodes this record's packed stream identifier.
func (r *Record) StreamID() StreamID {
	return DecodeStreamID(r.PackedStreamID)
}

// Pool is a fixed-count, reference-counted free list of metadata Records.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond
	all  []*Record
	free []*Record
}

// Now returns the current wall-clock time from the shared cached-time
// source, avoiding a time.Now() syscall on the per-frame hot path.
func Now() int64 {
	return timecache.CachedTime().UnixNano()
}

// Create allocates `count` zeroed records and a free list, per spec.md §4.1.
// `recordSize` is accepted for parity with the C `create_metadata_pool`
// signature but the Go implementation does not need an explicit element
// size: Record's layout is fixed.
func Create(count int, _recordSize int) *Pool {
	if count <= 0 {
		panic("metadata: pool count must be positive")
	}
	p := &Pool{
		all:  make([]*Record, count),
		free: make([]*Record, 0, count),
	}
	p.cond = sync.NewCond(&p.mu)
	for i := range p.all {
		rec := &Record{}
		p.all[i] = rec
		p.free = append(p.free, rec)
	}
	return p
}

// Size returns the total number of records in the pool.
func (p *Pool) Size() int {
	return len(p.all)
}

// Acquire pops a free record and sets its reference count to 1. It returns
// an error if the pool is exhausted; per spec.md §4.1 and §7 this must be
// surfaced by the caller as a fatal configuration error, not retried.
func (p *Pool) Acquire() (*Record, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.free)
	if n == 0 {
		return nil, fmt.Errorf("metadata: pool exhausted (size=%d): buffers are sized inconsistently with the metadata pool", len(p.all))
	}
	rec := p.free[n-1]
	p.free = p.free[:n-1]
	rec.refs = 1
	return rec, nil
}

// Retain increments a record's reference count. Called when a slot carrying
// this record becomes visible to an additional registered consumer.
func (p *Pool) Retain(rec *Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec.refs++
}

// Release decrements a record's reference count. When the count reaches
// zero the record is returned to the free list and any Acquire blocked on
// exhaustion... is not woken: per spec.md §4.1, exhaustion is a fatal
// configuration error, not a backpressure point, so Release does not need a
// condition-variable wakeup for Acquire. The sync.Cond is reserved in case a
// future caller wants to wait-for-availability instead of failing fast.
func (p *Pool) Release(rec *Record) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec.refs--
	if rec.refs < 0 {
		panic("metadata: release of record with zero references")
	}
	if rec.refs == 0 {
		p.free = append(p.free, rec)
	}
}

// Outstanding returns the number of records currently checked out, useful
// for asserting P3 (metadata conservation) in tests.
func (p *Pool) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.all) - len(p.free)
}
