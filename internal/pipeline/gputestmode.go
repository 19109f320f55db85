package pipeline

import (
	"fmt"

	"github.com/jbcm627-travis/kotekan/internal/assembler"
	"github.com/jbcm627-travis/kotekan/internal/ring"
	"github.com/jbcm627-travis/kotekan/internal/stage"
)

// InitializeGPUTestMode builds the buffers and the frame-assembler stage
// for one run, the Go equivalent of kotekan/gpuTestMode.cpp's
// initalize_processes: one input ring per GPU, a visibility output ring,
// an optional gate output ring when gating is enabled, and the assembler
// stage wired to all of them. Collaborator stages (frame generator, sink)
// are left to mode.BuildStages, built through the factory from the
// config's Stages list, matching gpuTestMode.cpp's delegation to
// processFactory for everything except the buffers and the post-process
// stage it wires up directly.
func InitializeGPUTestMode(m *Mode) error {
	cfg := m.cfg

	asmCfg := assembler.Config{
		NumElements:       cfg.Core.NumElements,
		NumLocalFreq:      cfg.Core.NumLocalFreq,
		NumTotalFreq:      cfg.Core.NumTotalFreq,
		NumBlocks:         cfg.Core.NumBlocks,
		BlockSize:         cfg.GPU.BlockSize,
		NumDataSets:       cfg.Core.NumDataSets,
		NumGPUFrames:      cfg.Core.NumGPUFrames,
		SamplesPerDataSet: cfg.Core.SamplesPerDataSet,
		LinkMap:           cfg.LinkMap(),
		ProductRemap:      cfg.Core.ProductRemap,
		Gating: assembler.GatingConfig{
			Enable:      cfg.Gating.EnableBasicGating,
			GateCadence: cfg.Gating.GateCadence,
			GatePhase:   cfg.Gating.GatePhase,
		},
	}

	inputs := make([]*ring.Buffer, cfg.GPU.NumGPUs)
	inputBytes := asmCfg.NumDataSets * asmCfg.RawValuesPerDataSet() * 8
	for i := 0; i < cfg.GPU.NumGPUs; i++ {
		buf, err := m.AddRingBuffer(fmt.Sprintf("gpu_input_buffer_%d", i), cfg.Core.BufferDepth, inputBytes, nil)
		if err != nil {
			return err
		}
		inputs[i] = buf
	}

	visOut, err := m.AddRingBuffer("vis_output_buffer", cfg.Core.BufferDepth, asmCfg.OutputByteSize(), nil)
	if err != nil {
		return err
	}

	var gateOut *ring.Buffer
	if asmCfg.Gating.Enable {
		gateOut, err = m.AddRingBuffer("gate_output_buffer", cfg.Core.BufferDepth, asmCfg.GateByteSize(), nil)
		if err != nil {
			return err
		}
	}

	asm, err := assembler.New(asmCfg, inputs, visOut, gateOut, m.Pool(), m.Logger(), m.LossBatcher())
	if err != nil {
		return fmt.Errorf("pipeline: %w", err)
	}

	m.AddStage(stage.New("frame_assembler", asm.Run))

	return m.BuildStages()
}
