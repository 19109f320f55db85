// Package stages provides minimal in-repo stand-ins for kotekan's
// collaborator processes — testDataGen/vdifStream (frame generation) and
// networkOutputSim/rawFileWrite (frame sinks) — sufficient to drive the
// frame assembler end-to-end under gpu_test_mode without a real front-end
// network or GPU kernel. Neither is a faithful reimplementation of the
// originals; both exist to exercise internal/assembler and internal/ring.
package stages

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/jbcm627-travis/kotekan/internal/metadata"
	"github.com/jbcm627-travis/kotekan/internal/registry"
	"github.com/jbcm627-travis/kotekan/internal/stage"
)

// FrameGeneratorParams configures one FrameGenerator stage, decoded from
// a stage's opaque params block (spec.md §6 per-stage configuration).
type FrameGeneratorParams struct {
	BufferName string `json:"buffer_name"`
	NumFrames  int    `json:"num_frames"`
	FillByte   byte   `json:"fill_byte"`
	LinkID     uint8  `json:"link_id"`
}

// FrameGenerator is the testDataGen/vdifStream stand-in: it writes
// NumFrames synthetic frames of FillByte-valued payload into its output
// buffer, attaching monotonically increasing metadata, then marks the
// producer done. Grounded on lib/simVdifData.hpp's single-buffer,
// main_thread-only shape.
type FrameGenerator struct {
	params FrameGeneratorParams
	logger *zap.SugaredLogger
	pool   *metadata.Pool
	buf    interface {
		NumSlots() int
		SlotSize() int
		Slot(int) []byte
		WaitForEmpty(context.Context, int) error
		MarkFull(int, *metadata.Record)
		MarkProducerDone()
	}
}

// NewFrameGeneratorBuilder returns a stage.Builder for "frame_generator",
// to be registered on the mode's stage.Factory.
func NewFrameGeneratorBuilder(pool *metadata.Pool, logger *zap.SugaredLogger) func(json.RawMessage, string, *registry.Registry) (*stage.Stage, error) {
	return func(raw json.RawMessage, uniqueName string, buffers *registry.Registry) (*stage.Stage, error) {
		var p FrameGeneratorParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("frame_generator %q: bad params: %w", uniqueName, err)
		}
		buf, err := buffers.Get(p.BufferName)
		if err != nil {
			return nil, fmt.Errorf("frame_generator %q: %w", uniqueName, err)
		}
		g := &FrameGenerator{params: p, logger: logger, pool: pool, buf: buf}
		return stage.New(uniqueName, g.Run), nil
	}
}

// Run is the generator's main_thread body.
func (g *FrameGenerator) Run(ctx context.Context) {
	for i := 0; i < g.params.NumFrames; i++ {
		if ctx.Err() != nil {
			return
		}
		slot := i % g.buf.NumSlots()
		if err := g.buf.WaitForEmpty(ctx, slot); err != nil {
			return
		}

		rec, err := g.pool.Acquire()
		if err != nil {
			g.logger.Fatalw("metadata pool exhausted", "err", err)
		}
		rec.FPGASeqNum = uint64(i)
		rec.FirstPacketRecvTime = metadata.Now()
		rec.PackedStreamID = uint16(g.params.LinkID)

		raw := g.buf.Slot(slot)
		for j := range raw {
			raw[j] = g.params.FillByte
		}

		g.buf.MarkFull(slot, rec)
	}
	g.buf.MarkProducerDone()
}
