package assembler

import (
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jbcm627-travis/kotekan/internal/metadata"
	"github.com/jbcm627-travis/kotekan/internal/ring"
)

func testLogger(t *testing.T) *zap.SugaredLogger {
	t.Helper()
	return zap.NewNop().Sugar()
}

// Scenario 3: 16-element reshuffle with a synthetic GPU block and a known
// product remap, verifying the upper triangle lands at the remapped
// position with the Hermitian conjugate swap applied where the remap
// inverts ordering.
func TestReshuffle16_ProductRemapAndConjugateSwap(t *testing.T) {
	// 3 elements for a small, hand-checkable triangle (the <=16 path
	// doesn't require exactly 16).
	n := 3
	numVis := n * (n + 1) / 2 // 6

	// Native order pairs (i<=j): (0,0) (0,1) (0,2) (1,1) (1,2) (2,2).
	// Give each a distinct, identifiable value: real = 10*i+j, imag = i-j.
	gpuBlock := make([]int32, numVis*2)
	pos := 0
	nativePairs := [][2]int{{0, 0}, {0, 1}, {0, 2}, {1, 1}, {1, 2}, {2, 2}}
	for _, p := range nativePairs {
		i, j := p[0], p[1]
		gpuBlock[pos*2] = int32(10*i + j)
		gpuBlock[pos*2+1] = int32(i - j)
		pos++
	}

	// Remap swaps elements 0 and 2; element 1 stays put.
	remap := []int{2, 1, 0}

	out := Reshuffle16(1, n, gpuBlock, remap)
	require.Len(t, out, numVis)

	// Native pair (0,2) maps to canonical (2,0) -> since 2>0, stored at
	// upperTriIndex(0,2,3) with conjugate swap (imag negated).
	idx := upperTriIndex(0, 2, n)
	require.Equal(t, ComplexInt{Real: 2, Imag: 2}, out[idx]) // native (0,2): real=2, imag=-2, conjugated -> imag=2

	// Native pair (1,1) maps to canonical (1,1) (element 1 fixed point),
	// no swap possible.
	idx = upperTriIndex(1, 1, n)
	require.Equal(t, ComplexInt{Real: 11, Imag: 0}, out[idx])

	// Native pair (0,0) maps to canonical (2,2): no swap (i==j).
	idx = upperTriIndex(2, 2, n)
	require.Equal(t, ComplexInt{Real: 0, Imag: 0}, out[idx])
}

// testHarness wires one assembler against a single-link, single-dataset
// configuration small enough to hand-verify.
type testHarness struct {
	t             *testing.T
	cfg           Config
	pool          *metadata.Pool
	input         *ring.Buffer
	visOut        *ring.Buffer
	gateOut       *ring.Buffer
	asm           *Assembler
	nextInputSlot int
}

func newTestHarness(t *testing.T, gating GatingConfig) *testHarness {
	t.Helper()

	cfg := Config{
		NumElements:       2,
		NumLocalFreq:      1,
		NumTotalFreq:      1,
		NumDataSets:       1,
		NumGPUFrames:      4,
		SamplesPerDataSet: 1,
		LinkMap:           []int{0},
		ProductRemap:      []int{0, 1},
		Gating:            gating,
		KotekanGitHash:    "deadbeef",
		KotekanVersion:    1,
	}

	pool := metadata.Create(32, 0)
	rawBytes := cfg.NumDataSets * cfg.RawValuesPerDataSet() * 8
	input := ring.New(4, rawBytes, pool, "input0", nil)
	visOut := ring.New(4, cfg.OutputByteSize(), pool, "vis_out", nil)

	var gateOut *ring.Buffer
	if gating.Enable {
		gateOut = ring.New(4, cfg.GateByteSize(), pool, "gate_out", nil)
	}

	batcher := NewLossLogBatcher(testLogger(t), 8, time.Millisecond)
	batcher.Start()

	asm, err := New(cfg, []*ring.Buffer{input}, visOut, gateOut, pool, testLogger(t), batcher)
	require.NoError(t, err)

	return &testHarness{t: t, cfg: cfg, pool: pool, input: input, visOut: visOut, gateOut: gateOut, asm: asm}
}

// produceFrame writes one input frame with all visibility reals set to
// realVal (imag always 0), with FPGA sequence number seq.
func (h *testHarness) produceFrame(seq uint64, realVal int32) {
	rec, err := h.pool.Acquire()
	require.NoError(h.t, err)
	rec.FPGASeqNum = seq
	rec.FirstPacketRecvTime = int64(seq) * int64(time.Second)
	rec.PackedStreamID = 0

	slot := h.nextInputSlot
	require.NoError(h.t, h.input.WaitForEmpty(context.Background(), slot))

	numVis := h.cfg.NumVis()
	buf := h.input.Slot(slot)
	for i := 0; i < numVis; i++ {
		binary.LittleEndian.PutUint32(buf[i*8:], uint32(realVal))
		binary.LittleEndian.PutUint32(buf[i*8+4:], 0)
	}

	h.input.MarkFull(slot, rec)
	h.nextInputSlot = (slot + 1) % h.input.NumSlots()
}

// Scenario 4: plain integration, no gating. num_gpu_frames=4 identical
// input frames with real=1 each -> emitted real=4, imag=0.
func TestAssembler_Integration(t *testing.T) {
	h := newTestHarness(t, GatingConfig{Enable: false})

	outConsumer := "test-reader"
	h.visOut.RegisterConsumer(outConsumer)

	done := make(chan struct{})
	go func() {
		h.asm.Run(context.Background())
		close(done)
	}()

	for i := uint64(0); i < 4; i++ {
		h.produceFrame(i, 1)
	}
	h.input.MarkProducerDone()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	slot, err := h.visOut.GetFullFromList(ctx, outConsumer, []int{0, 1, 2, 3})
	require.NoError(t, err)
	require.NotEqual(t, ring.EOF, slot)

	numVis := h.cfg.NumVis()
	raw := h.visOut.Slot(slot)
	visOffset := headerSize
	for i := 0; i < numVis; i++ {
		re := int32(binary.LittleEndian.Uint32(raw[visOffset+i*8:]))
		im := int32(binary.LittleEndian.Uint32(raw[visOffset+i*8+4:]))
		require.Equal(t, int32(4), re, "visibility %d real", i)
		require.Equal(t, int32(0), im, "visibility %d imag", i)
	}

	h.visOut.ReleaseInfo(outConsumer, slot)
	h.visOut.MarkEmpty(outConsumer, slot)
	<-done
}

// Scenario 5: gating separation. gate_cadence=2, gate_phase=0,
// num_gpu_frames=4; first two (ON) frames real=3, last two (OFF) real=1.
// Expected: visibilities real = 2*(3+1) = 8, gated real = 2*(3-1) = 4.
func TestAssembler_Gating(t *testing.T) {
	h := newTestHarness(t, GatingConfig{Enable: true, GateCadence: 2, GatePhase: 0})

	outConsumer := "test-reader"
	h.visOut.RegisterConsumer(outConsumer)
	h.gateOut.RegisterConsumer(outConsumer)

	done := make(chan struct{})
	go func() {
		h.asm.Run(context.Background())
		close(done)
	}()

	h.produceFrame(0, 3)
	h.produceFrame(1, 3)
	h.produceFrame(2, 1)
	h.produceFrame(3, 1)
	h.input.MarkProducerDone()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	visSlot, err := h.visOut.GetFullFromList(ctx, outConsumer, []int{0, 1, 2, 3})
	require.NoError(t, err)
	gateSlot, err := h.gateOut.GetFullFromList(ctx, outConsumer, []int{0, 1, 2, 3})
	require.NoError(t, err)

	visRaw := h.visOut.Slot(visSlot)
	re := int32(binary.LittleEndian.Uint32(visRaw[headerSize:]))
	require.Equal(t, int32(8), re)

	gateRaw := h.gateOut.Slot(gateSlot)
	gateVisOffset := MaxGateDescriptionLen + 8 + 8 + 8 + 4 + 16
	gre := int32(binary.LittleEndian.Uint32(gateRaw[gateVisOffset:]))
	require.Equal(t, int32(4), gre)

	h.visOut.ReleaseInfo(outConsumer, visSlot)
	h.visOut.MarkEmpty(outConsumer, visSlot)
	h.gateOut.ReleaseInfo(outConsumer, gateSlot)
	h.gateOut.MarkEmpty(outConsumer, gateSlot)
	<-done
}

// Scenario 6: EOF propagation. An upstream stage exits after N frames
// (fewer than one full integration); the assembler must mark its output
// rings' producer-done and return without emitting a partial frame.
func TestAssembler_EOFPropagation(t *testing.T) {
	h := newTestHarness(t, GatingConfig{Enable: false})

	done := make(chan struct{})
	go func() {
		h.asm.Run(context.Background())
		close(done)
	}()

	// Fewer frames than num_gpu_frames: no emission should occur.
	h.produceFrame(0, 1)
	h.produceFrame(1, 1)
	h.input.MarkProducerDone()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("assembler did not return after producer EOF")
	}

	require.True(t, h.visOut.ProducerDone())
}
