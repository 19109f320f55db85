package assembler

import (
	"context"
	"encoding/binary"
	"fmt"

	"go.uber.org/zap"

	"github.com/jbcm627-travis/kotekan/internal/metadata"
	"github.com/jbcm627-travis/kotekan/internal/ring"
)

// assembler.go is the main consume loop: spec.md §4.6.3 (link rotation and
// integration), §4.6.4 (emission), §4.6.5 (per-input-frame epilogue) and
// §4.6.6 (EOF shutdown), tying reshuffle.go and the gating arithmetic to the
// ring buffer and metadata pool primitives.

// GatingConfig mirrors the /gating configuration block of spec.md §6.
type GatingConfig struct {
	Enable      bool
	GateCadence uint64
	GatePhase   uint64
}

// Config is the assembler's static configuration, assembled from the
// /gpu, /, and /fpga_network blocks of spec.md §6.
type Config struct {
	NumElements       int
	NumLocalFreq      int
	NumTotalFreq      int
	NumBlocks         int
	BlockSize         int
	NumDataSets       int
	NumGPUFrames      int
	SamplesPerDataSet int
	LinkMap           []int // link_id -> gpu_id, length num_links
	ProductRemap      []int // length num_elements
	Gating            GatingConfig

	KotekanGitHash string
	KotekanVersion uint32
}

func (c Config) NumVis() int           { return c.NumElements * (c.NumElements + 1) / 2 }
func (c Config) NumValues() int        { return c.NumVis() * c.NumTotalFreq }
func (c Config) NumValuesPerLink() int { return c.NumVis() * c.NumLocalFreq }
func (c Config) NumLinks() int         { return len(c.LinkMap) }

// rawValuesPerDataSet is the count of complex_int pairs one GPU-native
// block contributes per data set, before reshuffle: the full upper
// triangle in 16-element mode, or the full (redundant-inclusive) blocked
// square otherwise.
func (c Config) RawValuesPerDataSet() int {
	if c.NumElements <= 16 {
		return c.NumVis() * c.NumLocalFreq
	}
	return c.NumBlocks * c.BlockSize * c.BlockSize * c.NumLocalFreq
}

// OutputByteSize returns the expected wire size of one visibility output
// frame under this configuration, used to assert the buffer-size
// invariant of spec.md §7 at startup.
func (c Config) OutputByteSize() int {
	return headerSize + c.NumValues()*8 + c.NumTotalFreq*16 + c.NumTotalFreq*c.NumElements*12 + c.NumValues()
}

// GateByteSize returns the expected wire size of one gated output frame.
func (c Config) GateByteSize() int {
	return MaxGateDescriptionLen + 8 + 8 + 8 + 4 + 16 + c.NumValues()*8
}

// staging holds the current round's reshuffled visibilities and per-link
// metadata tables, indexed across all data sets and links, before the
// round-end integration step consumes them. It is reused every round; the
// reshuffle step for link_id fully overwrites its own offset range each
// time that link is read, so no explicit clear is needed between rounds.
type staging struct {
	vis  []ComplexInt
	freq []PerFrequencyData
	elem []PerElementData
}

// roundAccum is one data set's running output state across a full
// integration (num_gpu_frames rounds).
type roundAccum struct {
	header     TCPFrameHeader
	gateHeader GateFrameHeader
	visAccum   []ComplexInt
	gatedAccum []ComplexInt
	freqData   []PerFrequencyData
	elemData   []PerElementData
	weights    []byte
}

// Assembler is the frame assembler stage's state machine.
type Assembler struct {
	cfg Config

	inputs      []*ring.Buffer // indexed by gpu_id
	consumerID  string
	visOut      *ring.Buffer
	gateOut     *ring.Buffer
	pool        *metadata.Pool
	logger      *zap.SugaredLogger
	lossBatcher *LossLogBatcher

	linkID      int
	frameNumber uint64
	outCursor   int
	gateCursor  int
	inputCursor []int // indexed by gpu_id

	lastFPGASeq  uint64
	lastRecvTime int64

	stage  staging
	accum  []roundAccum
}

// New validates cfg against the supplied buffers and constructs an
// Assembler. Per spec.md §7, a buffer-size mismatch or the useableBufferIDs
// invariant (every per-GPU input ring sharing the same slot count, per
// spec.md §9's open question about that array) is a fatal configuration
// error, returned here rather than discovered mid-run.
func New(cfg Config, inputs []*ring.Buffer, visOut, gateOut *ring.Buffer, pool *metadata.Pool, logger *zap.SugaredLogger, lossBatcher *LossLogBatcher) (*Assembler, error) {
	if len(cfg.LinkMap) == 0 {
		return nil, fmt.Errorf("assembler: link_map must be non-empty")
	}
	if len(cfg.ProductRemap) != cfg.NumElements {
		return nil, fmt.Errorf("assembler: product_remap length %d does not match num_elements %d", len(cfg.ProductRemap), cfg.NumElements)
	}
	if cfg.Gating.Enable && gateOut == nil {
		return nil, fmt.Errorf("assembler: gating enabled but no gate output ring supplied")
	}

	slotCount := -1
	for _, gpuID := range cfg.LinkMap {
		if gpuID < 0 || gpuID >= len(inputs) || inputs[gpuID] == nil {
			return nil, fmt.Errorf("assembler: link_map references unconfigured gpu_id %d", gpuID)
		}
		n := inputs[gpuID].NumSlots()
		if slotCount == -1 {
			slotCount = n
		} else if n != slotCount {
			return nil, fmt.Errorf("assembler: input ring for gpu_id %d has %d slots, expected %d (all per-GPU rings must share slot count)", gpuID, n, slotCount)
		}
		want := cfg.NumDataSets * cfg.RawValuesPerDataSet() * 8
		if inputs[gpuID].SlotSize() != want {
			return nil, fmt.Errorf("assembler: input ring for gpu_id %d has slot size %d, expected %d", gpuID, inputs[gpuID].SlotSize(), want)
		}
	}
	if visOut.SlotSize() != cfg.OutputByteSize() {
		return nil, fmt.Errorf("assembler: vis output ring slot size %d does not match computed frame size %d", visOut.SlotSize(), cfg.OutputByteSize())
	}
	if cfg.Gating.Enable && gateOut.SlotSize() != cfg.GateByteSize() {
		return nil, fmt.Errorf("assembler: gate output ring slot size %d does not match computed frame size %d", gateOut.SlotSize(), cfg.GateByteSize())
	}

	a := &Assembler{
		cfg:         cfg,
		inputs:      inputs,
		consumerID:  "assembler",
		visOut:      visOut,
		gateOut:     gateOut,
		pool:        pool,
		logger:      logger,
		lossBatcher: lossBatcher,
		inputCursor: make([]int, len(inputs)),
	}

	numValues := cfg.NumValues()
	a.stage = staging{
		vis:  make([]ComplexInt, cfg.NumDataSets*numValues),
		freq: make([]PerFrequencyData, cfg.NumDataSets*cfg.NumTotalFreq),
		elem: make([]PerElementData, cfg.NumDataSets*cfg.NumTotalFreq*cfg.NumElements),
	}
	a.accum = make([]roundAccum, cfg.NumDataSets)
	for i := range a.accum {
		a.accum[i] = roundAccum{
			visAccum: make([]ComplexInt, numValues),
			freqData: make([]PerFrequencyData, cfg.NumTotalFreq),
			elemData: make([]PerElementData, cfg.NumTotalFreq*cfg.NumElements),
			weights:  make([]byte, numValues),
		}
		if cfg.Gating.Enable {
			a.accum[i].gatedAccum = make([]ComplexInt, numValues)
		}
	}

	for _, buf := range inputs {
		if buf != nil {
			buf.RegisterConsumer(a.consumerID)
		}
	}
	return a, nil
}

// Run is the assembler's main_thread body (spec.md §4.4). It returns as soon
// as the input ring it is currently polling reports EOF (after marking the
// output rings producer-done), or when ctx is cancelled.
func (a *Assembler) Run(ctx context.Context) {
	defer a.lossBatcher.Shutdown()

	for {
		gpuID := a.cfg.LinkMap[a.linkID]
		buf := a.inputs[gpuID]
		cursor := a.inputCursor[gpuID]

		slot, err := buf.GetFullFromList(ctx, a.consumerID, []int{cursor})
		if err != nil {
			return
		}
		if slot == ring.EOF {
			a.visOut.MarkProducerDone()
			if a.cfg.Gating.Enable {
				a.gateOut.MarkProducerDone()
			}
			return
		}

		a.consumeInputFrame(buf, slot)

		buf.ReleaseInfo(a.consumerID, slot)
		buf.MarkEmpty(a.consumerID, slot)
		a.inputCursor[gpuID] = (cursor + 1) % buf.NumSlots()

		a.linkID++
		if a.linkID == a.cfg.NumLinks() {
			a.linkID = 0
			if !a.completeRound(ctx) {
				return
			}
		}
	}
}

// consumeInputFrame implements spec.md §4.6.2: reshuffle the frame's raw
// GPU blocks into staging, one per data set, recording per-link metadata
// at the position the spec's offset formulas describe.
func (a *Assembler) consumeInputFrame(buf *ring.Buffer, slot int) {
	raw := buf.Slot(slot)
	streamID := buf.GetStreamID(slot)
	errs := buf.GetErrorMatrix(slot)

	a.lastFPGASeq = buf.GetFPGASeqNum(slot)
	a.lastRecvTime = buf.GetFirstPacketRecvTime(slot)

	rawPerDS := a.cfg.RawValuesPerDataSet()
	blockBytes := rawPerDS * 8
	numValues := a.cfg.NumValues()
	numValuesPerLink := a.cfg.NumValuesPerLink()

	for ds := 0; ds < a.cfg.NumDataSets; ds++ {
		off := ds * blockBytes
		gpuBlock := decodeInt32Pairs(raw[off : off+blockBytes])

		var reshuffled []ComplexInt
		if a.cfg.NumElements <= 16 {
			reshuffled = Reshuffle16(a.cfg.NumLocalFreq, a.cfg.NumElements, gpuBlock, a.cfg.ProductRemap)
		} else {
			reshuffled = ReshuffleBlocked(a.cfg.BlockSize, a.cfg.NumBlocks, a.cfg.NumLocalFreq, a.cfg.NumElements, gpuBlock, a.cfg.ProductRemap)
		}

		stageBase := ds*numValues + a.linkID*numValuesPerLink
		copy(a.stage.vis[stageBase:stageBase+len(reshuffled)], reshuffled)

		for j := 0; j < a.cfg.NumLocalFreq; j++ {
			freqIdx := ds*a.cfg.NumTotalFreq + a.linkID*a.cfg.NumLocalFreq + j
			a.stage.freq[freqIdx] = PerFrequencyData{
				StreamID:        PackedStreamID{LinkID: streamID.LinkID, SlotID: streamID.SlotID, CrateID: streamID.CrateID, Reserved: streamID.Reserved},
				Index:           uint32(a.linkID*a.cfg.NumLocalFreq + j),
				LostPacketCount: errs.BadTimesamples,
				RFICount:        0,
			}
			for e := 0; e < a.cfg.NumElements; e++ {
				within := a.linkID*a.cfg.NumElements*a.cfg.NumLocalFreq + j*a.cfg.NumElements + a.cfg.ProductRemap[e]
				elemIdx := ds*a.cfg.NumTotalFreq*a.cfg.NumElements + within
				// Per-element ADC/FFT/scalar counts are always zero; they are
				// not derived from the error matrix.
				a.stage.elem[elemIdx] = PerElementData{}
			}
		}
	}
}

// decodeInt32Pairs reinterprets a raw little-endian byte block as int32
// values, matching the C struct pointer-cast the original performs.
func decodeInt32Pairs(b []byte) []int32 {
	out := make([]int32, len(b)/4)
	for i := range out {
		out[i] = int32(binary.LittleEndian.Uint32(b[i*4 : i*4+4]))
	}
	return out
}

// completeRound implements spec.md §4.6.3: route this round's staged
// values to the gated or plain accumulator by gate step parity, then
// init/overwrite/accumulate per frame_number. Returns false if emission
// was cancelled (shutdown in progress).
func (a *Assembler) completeRound(ctx context.Context) bool {
	gatedRoute := false
	if a.cfg.Gating.Enable {
		integrationNum := a.lastFPGASeq / uint64(a.cfg.SamplesPerDataSet)
		step := integrationNum/a.cfg.Gating.GateCadence + a.cfg.Gating.GatePhase
		gatedRoute = step%2 == 0
	}

	numValues := a.cfg.NumValues()
	for ds := 0; ds < a.cfg.NumDataSets; ds++ {
		acc := &a.accum[ds]
		stageBase := ds * numValues
		staged := a.stage.vis[stageBase : stageBase+numValues]
		stagedFreq := a.stage.freq[ds*a.cfg.NumTotalFreq : (ds+1)*a.cfg.NumTotalFreq]
		stagedElem := a.stage.elem[ds*a.cfg.NumTotalFreq*a.cfg.NumElements : (ds+1)*a.cfg.NumTotalFreq*a.cfg.NumElements]

		dst := acc.visAccum
		if gatedRoute {
			dst = acc.gatedAccum
		}

		switch {
		case a.frameNumber == 0:
			a.initHeader(acc, ds)
			if a.cfg.Gating.Enable {
				a.initGateHeader(acc)
			}
			copy(dst, staged)
			for i := range acc.weights {
				acc.weights[i] = 0xFF
			}
			copy(acc.freqData, stagedFreq)
			copy(acc.elemData, stagedElem)
		case a.cfg.Gating.Enable && a.frameNumber == a.cfg.Gating.GateCadence:
			// Only the currently selected accumulator (dst) is reset here;
			// the other one keeps its running sum.
			copy(dst, staged)
			for i := range acc.weights {
				acc.weights[i] = 0xFF
			}
		default:
			for i := range dst {
				dst[i] = dst[i].add(staged[i])
			}
			for i := range acc.freqData {
				acc.freqData[i].LostPacketCount += stagedFreq[i].LostPacketCount
				acc.freqData[i].RFICount += stagedFreq[i].RFICount
			}
		}
	}

	ok := true
	if a.frameNumber+1 == uint64(a.cfg.NumGPUFrames) {
		ok = a.emit(ctx)
	}
	a.frameNumber = (a.frameNumber + 1) % uint64(a.cfg.NumGPUFrames)
	return ok
}

// initHeader fills a data set's output header at the start of a new
// integration, per spec.md §4.6.3.
func (a *Assembler) initHeader(acc *roundAccum, ds int) {
	offsetNanos := int64(float64(ds*a.cfg.SamplesPerDataSet) * 2.56 * 1000)
	ts := a.lastRecvTime + offsetNanos

	var hash [41]byte
	copy(hash[:], a.cfg.KotekanGitHash)

	numGates := uint32(0)
	if a.cfg.Gating.Enable {
		numGates = 1
	}

	acc.header = TCPFrameHeader{
		KotekanGitHash:   hash,
		KotekanVersion:   a.cfg.KotekanVersion,
		CPUTimestampSec:  ts / 1e9,
		CPUTimestampUsec: (ts % 1e9) / 1000,
		FPGASeqNumber:    a.lastFPGASeq + uint64(ds*a.cfg.SamplesPerDataSet),
		NumFreq:          uint32(a.cfg.NumTotalFreq),
		NumVis:           uint32(a.cfg.NumVis()),
		NumElements:      uint32(a.cfg.NumElements),
		NumLinks:         uint32(a.cfg.NumLinks()),
		NumGates:         numGates,
	}
}

// initGateHeader fills a data set's gate header at the start of a new
// integration, per spec.md §4.6.3.
func (a *Assembler) initGateHeader(acc *roundAccum) {
	var desc [MaxGateDescriptionLen]byte
	copy(desc[:], "ON - OFF")

	foldingPeriod := float64(a.cfg.Gating.GateCadence) * 2.56 * float64(a.cfg.SamplesPerDataSet) / 1e6
	foldingStart := float64(a.lastRecvTime) / 1e9

	weight := [2]float64{1, -1}
	if a.cfg.Gating.GatePhase != 0 {
		weight = [2]float64{-1, 1}
	}

	acc.gateHeader = GateFrameHeader{
		Description:    desc,
		FoldingPeriod:  foldingPeriod,
		FoldingStart:   foldingStart,
		FPGACountStart: a.lastFPGASeq,
		SetNum:         1,
		GateWeight:     weight,
	}
}

// emit implements spec.md §4.6.4: loss logging, the gating ON/OFF
// separation, and writing both output frames to their rings. Returns
// false if a wait was cancelled mid-shutdown.
func (a *Assembler) emit(ctx context.Context) bool {
	for ds := 0; ds < a.cfg.NumDataSets; ds++ {
		acc := &a.accum[ds]

		// loss_percent = 100 * lost_packet_count / (samples_per_data_set * num_gpu_frames),
		// the fraction of this integration's expected samples that were lost.
		lossDenom := float64(a.cfg.SamplesPerDataSet * a.cfg.NumGPUFrames)

		superChannels := a.cfg.NumTotalFreq / a.cfg.NumLocalFreq
		for j := 0; j < superChannels; j++ {
			fd := acc.freqData[j*a.cfg.NumLocalFreq]
			a.lossBatcher.Queue(LossEntry{
				FrameNumber:     uint64(a.outCursor),
				LinkID:          fd.StreamID.LinkID,
				SlotID:          fd.StreamID.SlotID,
				CrateID:         fd.StreamID.CrateID,
				LostPacketCount: fd.LostPacketCount,
				RFICount:        fd.RFICount,
				LossPercent:     100 * float64(fd.LostPacketCount) / lossDenom,
			})
		}

		if err := a.visOut.WaitForEmpty(ctx, a.outCursor); err != nil {
			return false
		}
		if a.cfg.Gating.Enable {
			if err := a.gateOut.WaitForEmpty(ctx, a.gateCursor); err != nil {
				return false
			}
			a.separateGating(acc)
			a.writeGateFrame(acc)
		}
		a.writeVisFrame(acc)
	}
	return true
}

// separateGating performs spec.md §4.6.4's in-place ON/OFF separation.
func (a *Assembler) separateGating(acc *roundAccum) {
	for i := range acc.gatedAccum {
		gatedPrime := acc.gatedAccum[i].sub(acc.visAccum[i])
		doubled := ComplexInt{Real: 2 * acc.visAccum[i].Real, Imag: 2 * acc.visAccum[i].Imag}
		acc.visAccum[i] = gatedPrime.add(doubled)
		acc.gatedAccum[i] = gatedPrime
	}
}

func (a *Assembler) writeGateFrame(acc *roundAccum) {
	frame := &GatedFrame{Header: acc.gateHeader, Visibilities: acc.gatedAccum}
	if err := frame.WriteTo(a.gateOut.Slot(a.gateCursor)); err != nil {
		a.logger.Errorw("gate frame serialization failed", "err", err)
	}
	rec, err := a.pool.Acquire()
	if err != nil {
		a.logger.Fatalw("metadata pool exhausted", "err", err)
	}
	a.gateOut.MarkFull(a.gateCursor, rec)
	a.gateCursor = (a.gateCursor + 1) % a.gateOut.NumSlots()
}

func (a *Assembler) writeVisFrame(acc *roundAccum) {
	frame := &OutputFrame{
		Header:        acc.header,
		Visibilities:  acc.visAccum,
		FrequencyData: acc.freqData,
		ElementData:   acc.elemData,
		VisWeight:     acc.weights,
	}
	if err := frame.WriteTo(a.visOut.Slot(a.outCursor)); err != nil {
		a.logger.Errorw("output frame serialization failed", "err", err)
	}
	rec, err := a.pool.Acquire()
	if err != nil {
		a.logger.Fatalw("metadata pool exhausted", "err", err)
	}
	a.visOut.MarkFull(a.outCursor, rec)
	a.outCursor = (a.outCursor + 1) % a.visOut.NumSlots()
}
