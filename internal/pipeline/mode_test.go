package pipeline

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jbcm627-travis/kotekan/internal/assembler"
	"github.com/jbcm627-travis/kotekan/internal/stage"
	"github.com/jbcm627-travis/kotekan/internal/stages"
)

// TestMode_EndToEnd drives a frame generator through the frame assembler
// into a file sink using only the public config/factory wiring, matching
// how cmd/pipeline's main() assembles a run.
func TestMode_EndToEnd(t *testing.T) {
	const numFrames = 2 // == num_gpu_frames, so exactly one integration emits

	cfg := &Config{
		GPU: GPUConfig{NumGPUs: 1, BlockSize: 1},
		Core: CoreConfig{
			NumLocalFreq:      1,
			NumTotalFreq:      1,
			NumElements:       2,
			NumDataSets:       1,
			SamplesPerDataSet: 1,
			BufferDepth:       4,
			NumGPUFrames:      numFrames,
			NumBlocks:         1,
			ProductRemap:      []int{0, 1},
		},
		FPGANetwork: FPGANetworkConfig{NumLinks: 1, LinkMap: []LinkEntry{{GPUID: 0}}},
	}

	genParams, err := json.Marshal(stages.FrameGeneratorParams{
		BufferName: "gpu_input_buffer_0",
		NumFrames:  numFrames,
		FillByte:   1,
		LinkID:     0,
	})
	require.NoError(t, err)

	outDir := t.TempDir()
	sinkParams, err := json.Marshal(stages.RawFileWriterParams{
		BufferName: "vis_output_buffer",
		BaseDir:    outDir,
		FileName:   "vis_out",
		FileExt:    ".bin",
	})
	require.NoError(t, err)

	cfg.Stages = []StageConfig{
		{Kind: "frame_generator", UniqueName: "gen0", Params: genParams},
		{Kind: "raw_file_writer", UniqueName: "sink", Params: sinkParams},
	}

	require.NoError(t, cfg.Validate())

	factory := stage.NewFactory()
	mode, err := New(cfg, factory)
	require.NoError(t, err)

	factory.Register("frame_generator", stages.NewFrameGeneratorBuilder(mode.Pool(), mode.Logger()))
	factory.Register("raw_file_writer", stages.NewRawFileWriterBuilder(mode.Logger()))

	require.NoError(t, InitializeGPUTestMode(mode))

	mode.RunToCompletion(context.Background())

	asmCfg := assembler.Config{
		NumElements:  cfg.Core.NumElements,
		NumTotalFreq: cfg.Core.NumTotalFreq,
	}
	out, err := os.ReadFile(filepath.Join(outDir, "vis_out.bin"))
	require.NoError(t, err)
	require.Equal(t, asmCfg.OutputByteSize(), len(out), "exactly one integration's worth of output frame bytes")
}
