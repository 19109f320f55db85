package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jbcm627-travis/kotekan/internal/assembler"
	"github.com/jbcm627-travis/kotekan/internal/logging"
	"github.com/jbcm627-travis/kotekan/internal/metadata"
	"github.com/jbcm627-travis/kotekan/internal/registry"
	"github.com/jbcm627-travis/kotekan/internal/ring"
	"github.com/jbcm627-travis/kotekan/internal/stage"
)

// Mode owns every resource one running configuration needs: the metadata
// pool, the buffer registry, the device context, and the set of stages
// built from configuration. Grounded on kotekan/kotekanMode.cpp's
// ownership of buffer_container/stages and its fixed teardown order.
type Mode struct {
	cfg     *Config
	logger  *zap.SugaredLogger
	closeLog func() error
	device  *DeviceContext

	pool        *metadata.Pool
	buffers     *registry.Registry
	factory     *stage.Factory
	stages      []*stage.Stage
	lossBatcher *assembler.LossLogBatcher
}

// New constructs a Mode from configuration: acquires the device context,
// builds the metadata pool sized per spec.md's "10 * buffer_depth" rule,
// and wires a logger. It does not build buffers or stages yet; call
// AddRingBuffer / BuildStages (or AddStage for pre-built stages like the
// frame assembler) before Start.
func New(cfg *Config, factory *stage.Factory) (*Mode, error) {
	logger, closeLog, err := logging.New(logging.Config{
		Path:       cfg.LogPath,
		MaxSizeStr: cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
	})
	if err != nil {
		return nil, fmt.Errorf("pipeline: logger construction failed: %w", err)
	}

	device, err := AcquireDeviceContext(cfg.GPU.NumGPUs)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	if cfg.Core.BufferDepth <= 0 {
		device.Release()
		closeLog()
		return nil, fmt.Errorf("pipeline: config error: buffer_depth must be positive")
	}
	poolSize := 10 * cfg.Core.BufferDepth
	pool := metadata.Create(poolSize, 0)

	lossBatcher := assembler.NewLossLogBatcher(logger, 0, 0)
	lossBatcher.Start()

	return &Mode{
		cfg:         cfg,
		logger:      logger,
		closeLog:    closeLog,
		device:      device,
		pool:        pool,
		buffers:     registry.New(),
		factory:     factory,
		lossBatcher: lossBatcher,
	}, nil
}

// Logger returns the mode's shared structured logger, for collaborator
// stages that want to log through the same sink.
func (m *Mode) Logger() *zap.SugaredLogger { return m.logger }

// Pool returns the mode's metadata pool.
func (m *Mode) Pool() *metadata.Pool { return m.pool }

// Buffers returns the mode's buffer registry.
func (m *Mode) Buffers() *registry.Registry { return m.buffers }

// LossBatcher returns the mode's shared loss-log batcher, for the
// assembler stage to queue loss observations through.
func (m *Mode) LossBatcher() *assembler.LossLogBatcher { return m.lossBatcher }

// AddRingBuffer allocates a named ring buffer and registers it.
// Constructing a buffer through the mode (rather than directly) keeps
// every buffer discoverable by name for stage construction, per spec.md
// §4.3.
func (m *Mode) AddRingBuffer(name string, numSlots, slotSize int, deviceHook func([]byte)) (*ring.Buffer, error) {
	buf := ring.New(numSlots, slotSize, m.pool, name, deviceHook)
	if err := m.buffers.Add(buf); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	return buf, nil
}

// BuildStages constructs every stage listed in the configuration's Stages
// block through the mode's factory, in order. A failure aborts
// construction with a descriptive error (spec.md §7) and leaves already
// built stages un-started.
func (m *Mode) BuildStages() error {
	for _, sc := range m.cfg.Stages {
		s, err := m.factory.Build(sc.Kind, sc.Params, sc.UniqueName, m.buffers)
		if err != nil {
			return fmt.Errorf("pipeline: %w", err)
		}
		m.stages = append(m.stages, s)
	}
	return nil
}

// AddStage registers an already-constructed stage (used for the frame
// assembler, which this repository wires up directly rather than through
// the generic factory, since its configuration shape is richer than the
// opaque per-stage params block).
func (m *Mode) AddStage(s *stage.Stage) {
	m.stages = append(m.stages, s)
}

// Start launches every stage's worker goroutine, in the order they were
// built/added.
func (m *Mode) Start() {
	for _, s := range m.stages {
		s.Start()
	}
}

// Stop requests cooperative shutdown of every stage. Per spec.md §5,
// cancellation typically only matters for stages with no upstream
// producer-done sentinel to observe (e.g. the frame generator at the head
// of the pipeline); downstream stages exit on their own once EOF
// propagates.
func (m *Mode) Stop() {
	for _, s := range m.stages {
		s.Stop()
	}
}

// Join waits for every stage to exit, then shuts down the loss-log
// batcher, releases the device context, and closes the log sink, in that
// order. Buffers and the metadata pool have no teardown step of their own;
// they hold only Go memory and are freed with the Mode.
func (m *Mode) Join() {
	for _, s := range m.stages {
		s.Join()
	}
	m.lossBatcher.Shutdown()
	m.device.Release()
	if err := m.closeLog(); err != nil {
		// Nothing left to log to; this is the last teardown step.
		_ = err
	}
}

// RunToCompletion starts every stage and blocks until they all exit
// either naturally (EOF propagating from the head of the pipeline) or
// because ctx was cancelled (e.g. by an operator signal), then tears the
// mode down. Convenience wrapper for cmd/pipeline's main loop.
func (m *Mode) RunToCompletion(ctx context.Context) {
	m.Start()

	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			m.Stop()
		case <-stopped:
		}
	}()

	m.Join()
	close(stopped)
}
