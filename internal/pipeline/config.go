// Package pipeline implements the top-level runtime that owns metadata
// pools, ring buffers, and stages for one running configuration: spec.md
// §4.5's pipeline mode, plus the gpu_test_mode collaborator described in
// spec.md §9's design notes.
package pipeline

import (
	"encoding/json"
	"fmt"
)

// GPUConfig is the /gpu configuration block of spec.md §6.
type GPUConfig struct {
	NumGPUs   int `json:"num_gpus"`
	BlockSize int `json:"block_size"`
}

// CoreConfig is the top-level `/` configuration block of spec.md §6.
type CoreConfig struct {
	NumLocalFreq      int   `json:"num_local_freq"`
	NumTotalFreq      int   `json:"num_total_freq"`
	NumElements       int   `json:"num_elements"`
	NumDataSets       int   `json:"num_data_sets"`
	SamplesPerDataSet int   `json:"samples_per_data_set"`
	BufferDepth       int   `json:"buffer_depth"`
	NumGPUFrames      int   `json:"num_gpu_frames"`
	NumBlocks         int   `json:"num_blocks"`
	ProductRemap      []int `json:"product_remap"`
}

// LinkEntry is one entry of the /fpga_network link_map array.
type LinkEntry struct {
	GPUID int `json:"gpu_id"`
}

// FPGANetworkConfig is the /fpga_network configuration block of spec.md §6.
type FPGANetworkConfig struct {
	NumLinks int         `json:"num_links"`
	LinkMap  []LinkEntry `json:"link_map"`
}

// GatingConfig is the /gating configuration block of spec.md §6.
type GatingConfig struct {
	EnableBasicGating bool   `json:"enable_basic_gating"`
	GateCadence       uint64 `json:"gate_cadence"`
	GatePhase         uint64 `json:"gate_phase"`
}

// StageConfig is one entry of the per-stage configuration list: kind,
// unique name, and kind-specific parameters passed through opaquely to the
// stage factory builder.
type StageConfig struct {
	Kind       string          `json:"kind"`
	UniqueName string          `json:"unique_name"`
	Params     json.RawMessage `json:"params"`
}

// Config is the full parsed configuration document for one pipeline mode
// run, per spec.md §6's "Configuration surface".
type Config struct {
	GPU         GPUConfig         `json:"gpu"`
	Core        CoreConfig        `json:"core"`
	FPGANetwork FPGANetworkConfig `json:"fpga_network"`
	Gating      GatingConfig      `json:"gating"`
	Stages      []StageConfig     `json:"stages"`

	LogPath       string `json:"log_path"`
	LogMaxSize    string `json:"log_max_size"`
	LogMaxBackups int    `json:"log_max_backups"`
}

// Load parses a JSON configuration document and validates the
// cross-referential invariants spec.md §7 calls out as fatal configuration
// errors (missing link entries, inconsistent cardinalities).
func Load(data []byte) (*Config, error) {
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("pipeline: config parse error: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration's internal consistency. Detecting
// these here, at load time, is what lets PipelineMode construction fail
// fast with a descriptive message rather than partway through wiring
// stages together (spec.md §7).
func (c *Config) Validate() error {
	if c.FPGANetwork.NumLinks != len(c.FPGANetwork.LinkMap) {
		return fmt.Errorf("pipeline: config error: fpga_network.num_links=%d but link_map has %d entries", c.FPGANetwork.NumLinks, len(c.FPGANetwork.LinkMap))
	}
	if len(c.Core.ProductRemap) != c.Core.NumElements {
		return fmt.Errorf("pipeline: config error: product_remap has %d entries, expected num_elements=%d", len(c.Core.ProductRemap), c.Core.NumElements)
	}
	if c.Core.NumTotalFreq != c.FPGANetwork.NumLinks*c.Core.NumLocalFreq {
		return fmt.Errorf("pipeline: config error: num_total_freq=%d must equal num_links(%d) * num_local_freq(%d)", c.Core.NumTotalFreq, c.FPGANetwork.NumLinks, c.Core.NumLocalFreq)
	}
	for _, le := range c.FPGANetwork.LinkMap {
		if le.GPUID < 0 || le.GPUID >= c.GPU.NumGPUs {
			return fmt.Errorf("pipeline: config error: link_map references gpu_id %d, but num_gpus=%d", le.GPUID, c.GPU.NumGPUs)
		}
	}
	if c.Gating.EnableBasicGating && c.Gating.GateCadence == 0 {
		return fmt.Errorf("pipeline: config error: gating enabled but gate_cadence is 0")
	}
	for _, sc := range c.Stages {
		if sc.UniqueName == "" {
			return fmt.Errorf("pipeline: config error: stage of kind %q has no unique_name", sc.Kind)
		}
	}
	return nil
}

// LinkMap returns the link_id -> gpu_id mapping as a plain int slice,
// matching the shape internal/assembler.Config expects.
func (c *Config) LinkMap() []int {
	out := make([]int, len(c.FPGANetwork.LinkMap))
	for i, le := range c.FPGANetwork.LinkMap {
		out[i] = le.GPUID
	}
	return out
}
