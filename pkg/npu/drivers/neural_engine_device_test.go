package drivers

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openaccel/npud/pkg/npu"
)

func newTestDevice(t *testing.T) *NeuralEngineDevice {
	t.Helper()
	device := NewNeuralEngineDevice(zerolog.Nop())
	require.NoError(t, device.Init(context.Background()))
	return device
}

func TestDeviceIdentity(t *testing.T) {
	a := newTestDevice(t)
	b := newTestDevice(t)

	assert.NotEmpty(t, a.ID())
	assert.NotEqual(t, a.ID(), b.ID(), "each device gets its own id")
	assert.Equal(t, npu.DeviceTypeAppleNeuralEngine, a.Info().DeviceType)
	assert.Equal(t, npu.VendorApple, a.Info().Vendor)
}

func TestDeviceCapabilities(t *testing.T) {
	device := newTestDevice(t)
	caps := device.Capabilities()

	assert.True(t, caps.HasComputeUnit(npu.ComputeUnitTensorCore))
	assert.Equal(t, uint32(16), caps.CoreCount(npu.ComputeUnitTensorCore))
	assert.True(t, caps.SupportsModelFormat(npu.ModelFormatCoreML))
	assert.True(t, caps.SupportsMemoryType(npu.MemoryTypeUnified))
	assert.False(t, caps.SupportsMemoryType(npu.MemoryTypeHBM))
	assert.Equal(t, neuralEngineMemoryBytes, caps.AvailableMemory())
}

func TestDeviceInferenceReleasesModel(t *testing.T) {
	device := newTestDevice(t)

	resp, err := device.ExecuteInference(context.Background(), npu.InferenceRequest{
		ModelPath: "/models/net.mlmodel",
		Inputs: []npu.InferenceInput{{
			Data:     encodeValues(1.0, 2.0),
			Shape:    []uint64{1, 2},
			DataType: npu.DataTypeFloat32,
		}},
	})
	require.NoError(t, err)
	assert.Equal(t, []float32{2.0, 4.0}, decodeValues(t, resp.Outputs[0].Data))
	assert.Equal(t, device.ID(), resp.DeviceID)

	// The per-inference model reference is returned afterwards.
	assert.Equal(t, 0, device.Driver().LoadedModelCount())
}

func TestDeviceInferenceKeepsCallerModelLoaded(t *testing.T) {
	device := newTestDevice(t)
	ctx := context.Background()

	handle, err := device.LoadModel(ctx, "/models/net.mlmodel")
	require.NoError(t, err)

	_, err = device.ExecuteInference(ctx, npu.InferenceRequest{
		ModelPath: "/models/net.mlmodel",
		Inputs: []npu.InferenceInput{{
			Data:     encodeValues(1.0),
			Shape:    []uint64{1},
			DataType: npu.DataTypeFloat32,
		}},
	})
	require.NoError(t, err)

	// The caller's reference outlives the inference.
	assert.Equal(t, 1, device.Driver().LoadedModelCount())
	require.NoError(t, device.UnloadModel(ctx, handle))
}

func TestDeviceShutdownAndInit(t *testing.T) {
	device := newTestDevice(t)
	ctx := context.Background()

	handle, err := device.LoadModel(ctx, "/models/net.mlmodel")
	require.NoError(t, err)

	require.NoError(t, device.Shutdown(ctx))
	assert.False(t, device.IsAvailable(ctx))

	state, err := device.PowerState(ctx)
	require.NoError(t, err)
	assert.Equal(t, npu.PowerStateOffline, state)

	// Shutdown dropped the handle.
	require.ErrorIs(t, device.UnloadModel(ctx, handle), npu.ErrInvalidHandle)

	require.NoError(t, device.Init(ctx))
	assert.True(t, device.IsAvailable(ctx))
}

func TestDeviceReset(t *testing.T) {
	device := newTestDevice(t)
	ctx := context.Background()

	handle, err := device.AllocateMemory(ctx, 1<<20)
	require.NoError(t, err)

	require.NoError(t, device.Reset(ctx))
	assert.True(t, device.IsAvailable(ctx))
	require.ErrorIs(t, device.FreeMemory(ctx, handle), npu.ErrInvalidHandle)
}

func TestDeviceHealth(t *testing.T) {
	device := newTestDevice(t)

	health, err := device.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, health.Healthy)
	assert.Greater(t, health.TemperatureCelsius, float32(0))
}
