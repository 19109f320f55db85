package stages

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/jbcm627-travis/kotekan/internal/registry"
	"github.com/jbcm627-travis/kotekan/internal/ring"
	"github.com/jbcm627-travis/kotekan/internal/stage"
)

// RawFileWriterParams configures one RawFileWriter stage, the Go
// equivalent of lib/rawFileWrite.hpp's base_dir/file_name/file_ext
// constructor arguments.
type RawFileWriterParams struct {
	BufferName string `json:"buffer_name"`
	BaseDir    string `json:"base_dir"`
	FileName   string `json:"file_name"`
	FileExt    string `json:"file_ext"`
}

// RawFileWriter is the networkOutputSim/rawFileWrite stand-in: it drains
// its input buffer frame by frame, appending each frame's raw bytes to a
// single file, until it observes EOF.
type RawFileWriter struct {
	params     RawFileWriterParams
	logger     *zap.SugaredLogger
	buf        *ring.Buffer
	consumerID string
}

// NewRawFileWriterBuilder returns a stage.Builder for "raw_file_writer".
func NewRawFileWriterBuilder(logger *zap.SugaredLogger) func(json.RawMessage, string, *registry.Registry) (*stage.Stage, error) {
	return func(raw json.RawMessage, uniqueName string, buffers *registry.Registry) (*stage.Stage, error) {
		var p RawFileWriterParams
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("raw_file_writer %q: bad params: %w", uniqueName, err)
		}
		buf, err := buffers.Get(p.BufferName)
		if err != nil {
			return nil, fmt.Errorf("raw_file_writer %q: %w", uniqueName, err)
		}
		w := &RawFileWriter{params: p, logger: logger, buf: buf, consumerID: uniqueName}
		buf.RegisterConsumer(w.consumerID)
		return stage.New(uniqueName, w.Run), nil
	}
}

// Run is the writer's main_thread body.
func (w *RawFileWriter) Run(ctx context.Context) {
	path := filepath.Join(w.params.BaseDir, w.params.FileName+w.params.FileExt)
	f, err := os.Create(path)
	if err != nil {
		w.logger.Errorw("raw_file_writer: could not create output file", "path", path, "err", err)
		return
	}
	defer f.Close()

	out := bufio.NewWriter(f)
	defer out.Flush()

	cursor := 0
	for {
		slot, err := w.buf.GetFullFromList(ctx, w.consumerID, []int{cursor})
		if err != nil {
			return
		}
		if slot == ring.EOF {
			return
		}

		if _, err := out.Write(w.buf.Slot(slot)); err != nil {
			w.logger.Errorw("raw_file_writer: write failed", "path", path, "err", err)
		}

		w.buf.ReleaseInfo(w.consumerID, slot)
		w.buf.MarkEmpty(w.consumerID, slot)
		cursor = (cursor + 1) % w.buf.NumSlots()
	}
}
