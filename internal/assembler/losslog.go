package assembler

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// losslog.go adapts the teacher's internal/disruptor.EventBatcher into a
// batched writer for per-super-channel packet-loss log lines (spec.md
// §4.6.4's "loss-rate logging" requirement). The teacher batches trade
// events into an on-disk event log to amortize fsync cost; here the same
// batch-then-flush shape moves the logging calls off the frame assembler's
// loop onto the batcher's own goroutine. Each entry with a non-zero loss or
// RFI count is still logged as its own line.

// LossEntry is one super-channel's loss observation for one output frame.
// LossPercent is spec.md §4.6.4's
// 100 * lost_packet_count / (samples_per_data_set * num_gpu_frames),
// computed by the caller before queuing since the batcher has no access to
// the assembler's configuration.
type LossEntry struct {
	FrameNumber     uint64
	LinkID          uint8
	SlotID          uint8
	CrateID         uint8
	LostPacketCount uint32
	RFICount        uint32
	LossPercent     float64
}

// LossLogBatcher batches LossEntry values and flushes them to a
// *zap.SugaredLogger either when a batch fills or on a timer, whichever
// comes first.
type LossLogBatcher struct {
	logger        *zap.SugaredLogger
	queue         chan LossEntry
	batchSize     int
	flushInterval time.Duration
	shutdownCh    chan struct{}
	shutdownDone  chan struct{}
	shutdownOnce  sync.Once
}

// NewLossLogBatcher constructs a batcher. batchSize and flushInterval
// default to 256 entries / 100ms when given as <= 0.
func NewLossLogBatcher(logger *zap.SugaredLogger, batchSize int, flushInterval time.Duration) *LossLogBatcher {
	if batchSize <= 0 {
		batchSize = 256
	}
	if flushInterval <= 0 {
		flushInterval = 100 * time.Millisecond
	}
	return &LossLogBatcher{
		logger:        logger,
		queue:         make(chan LossEntry, batchSize*2),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		shutdownCh:    make(chan struct{}),
		shutdownDone:  make(chan struct{}),
	}
}

// Start begins the batching goroutine.
func (b *LossLogBatcher) Start() {
	go b.loop()
}

func (b *LossLogBatcher) loop() {
	defer close(b.shutdownDone)

	batch := make([]LossEntry, 0, b.batchSize)
	ticker := time.NewTicker(b.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case e := <-b.queue:
			batch = append(batch, e)
			if len(batch) >= b.batchSize {
				b.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				b.flush(batch)
				batch = batch[:0]
			}
		case <-b.shutdownCh:
			if len(batch) > 0 {
				b.flush(batch)
			}
			for {
				select {
				case e := <-b.queue:
					b.flush([]LossEntry{e})
				default:
					return
				}
			}
		}
	}
}

func (b *LossLogBatcher) flush(batch []LossEntry) {
	for _, e := range batch {
		if e.LostPacketCount == 0 && e.RFICount == 0 {
			continue
		}
		b.logger.Infow("frame loss",
			"frame_number", e.FrameNumber,
			"link_id", e.LinkID,
			"slot_id", e.SlotID,
			"crate_id", e.CrateID,
			"lost_packet_count", e.LostPacketCount,
			"rfi_count", e.RFICount,
			"loss_percent", e.LossPercent,
		)
	}
}

// Queue enqueues an entry. Per spec.md §4.6.4 loss logging is diagnostic,
// not correctness-critical, so Queue is non-blocking and drops the entry
// under sustained backlog rather than stalling the frame assembler's main
// loop.
func (b *LossLogBatcher) Queue(e LossEntry) {
	select {
	case b.queue <- e:
	default:
		b.logger.Warnw("loss log queue full, dropping entry", "frame_number", e.FrameNumber)
	}
}

// Shutdown flushes remaining entries and waits for the batcher to stop.
// Idempotent: the mode that owns the batcher and the assembler stage it
// feeds may both reach a shutdown path on the same clean exit, so only the
// first call closes shutdownCh (compare DeviceContext.Release).
func (b *LossLogBatcher) Shutdown() {
	b.shutdownOnce.Do(func() {
		close(b.shutdownCh)
	})
	<-b.shutdownDone
}
