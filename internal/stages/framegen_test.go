package stages

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jbcm627-travis/kotekan/internal/metadata"
	"github.com/jbcm627-travis/kotekan/internal/registry"
	"github.com/jbcm627-travis/kotekan/internal/ring"
	"go.uber.org/zap"
)

func testLogger() *zap.SugaredLogger {
	return zap.NewNop().Sugar()
}

func TestFrameGenerator_WritesFramesAndSignalsEOF(t *testing.T) {
	pool := metadata.Create(8, 0)
	buffers := registry.New()
	buf := ring.New(4, 2, pool, "gpu_input_buffer_0", nil)
	require.NoError(t, buffers.Add(buf))

	build := NewFrameGeneratorBuilder(pool, testLogger())
	params, err := json.Marshal(FrameGeneratorParams{
		BufferName: "gpu_input_buffer_0",
		NumFrames:  3,
		FillByte:   0xAB,
		LinkID:     7,
	})
	require.NoError(t, err)

	s, err := build(params, "gen0", buffers)
	require.NoError(t, err)

	buf.RegisterConsumer("reader")
	s.Start()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		slot, err := buf.GetFullFromList(ctx, "reader", []int{i % 4})
		require.NoError(t, err)
		assert.NotEqual(t, ring.EOF, slot)
		assert.Equal(t, []byte{0xAB, 0xAB}, buf.Slot(slot))
		assert.Equal(t, uint64(i), buf.GetFPGASeqNum(slot))
		assert.Equal(t, uint8(7), buf.GetStreamID(slot).LinkID)
		buf.ReleaseInfo("reader", slot)
		buf.MarkEmpty("reader", slot)
	}

	slot, err := buf.GetFullFromList(ctx, "reader", []int{0})
	require.NoError(t, err)
	assert.Equal(t, ring.EOF, slot)

	s.Join()
}

func TestFrameGenerator_Builder_UnknownBufferIsError(t *testing.T) {
	pool := metadata.Create(4, 0)
	buffers := registry.New()
	build := NewFrameGeneratorBuilder(pool, testLogger())

	params, err := json.Marshal(FrameGeneratorParams{BufferName: "does_not_exist", NumFrames: 1})
	require.NoError(t, err)

	_, err = build(params, "gen0", buffers)
	require.Error(t, err)
}
