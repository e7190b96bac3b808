package drivers

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openaccel/npud/pkg/npu"
)

const (
	neuralEngineMemoryBytes        = uint64(64) << 30
	neuralEngineMaxAllocationBytes = uint64(8) << 30
)

var _ npu.Device = (*NeuralEngineDevice)(nil)

// NeuralEngineDevice adapts the neural engine driver to the Device
// surface. Inference requests are resolved to a model handle first (the
// driver caches by path), then executed through the driver.
type NeuralEngineDevice struct {
	info   npu.DeviceInfo
	caps   *npu.Capabilities
	driver *NeuralEngineDriver
	logger zerolog.Logger

	mu         sync.Mutex
	powerState npu.PowerState
	shutdown   bool
}

// NewNeuralEngineDevice builds the device and its driver as a pair.
func NewNeuralEngineDevice(logger zerolog.Logger) *NeuralEngineDevice {
	id := npu.GenerateDeviceID()

	info := npu.NewDeviceInfo(id, "Neural Engine", npu.DeviceTypeAppleNeuralEngine, npu.VendorApple)
	info.DriverVersion = "16.0.0"
	info.FirmwareVersion = "1.0.0"

	caps := &npu.Capabilities{
		Compute: npu.ComputeCapability{
			ComputeUnits: []npu.ComputeUnit{npu.ComputeUnitTensorCore, npu.ComputeUnitVectorCore},
			CoreCounts: map[npu.ComputeUnit]uint32{
				npu.ComputeUnitTensorCore: 16,
				npu.ComputeUnitVectorCore: 8,
			},
			SupportedDataTypes: []npu.DataType{
				npu.DataTypeFloat32, npu.DataTypeFloat16, npu.DataTypeInt8, npu.DataTypeUInt8,
			},
			MaxBatchSize:        1,
			MaxTensorDims:       4,
			ConcurrentInference: true,
			MixedPrecision:      true,
		},
		Memory: npu.MemoryCapability{
			TotalMemoryBytes:     neuralEngineMemoryBytes,
			SupportedMemoryTypes: []npu.MemoryType{npu.MemoryTypeUnified},
			MaxAllocationBytes:   neuralEngineMaxAllocationBytes,
			AlignmentBytes:       16,
			MemoryPooling:        true,
			UnifiedMemory:        true,
		},
		ModelSupport: npu.ModelSupport{
			SupportedFormats:  []npu.ModelFormat{npu.ModelFormatCoreML, npu.ModelFormatONNX},
			DynamicLoading:    true,
			Quantization:      []npu.DataType{npu.DataTypeInt8, npu.DataTypeFloat16},
			DynamicShapes:     false,
			GraphOptimization: true,
			CustomOperators:   false,
		},
		Performance: npu.PerformanceSpec{
			PeakTOPS:            15.8,
			SustainedTOPS:       12.0,
			MemoryBandwidthGBps: 400.0,
			PowerWatts:          8.0,
			FrequencyMHz:        1000,
		},
	}

	return &NeuralEngineDevice{
		info:       info,
		caps:       caps,
		driver:     NewNeuralEngineDriver(id, logger),
		logger:     logger,
		powerState: npu.PowerStateActive,
	}
}

func (d *NeuralEngineDevice) ID() npu.DeviceID {
	return d.info.ID
}

func (d *NeuralEngineDevice) Info() npu.DeviceInfo {
	return d.info
}

func (d *NeuralEngineDevice) Capabilities() *npu.Capabilities {
	return d.caps
}

// Driver exposes the underlying driver, mainly for tests and diagnostics.
func (d *NeuralEngineDevice) Driver() *NeuralEngineDriver {
	return d.driver
}

func (d *NeuralEngineDevice) Init(ctx context.Context) error {
	d.mu.Lock()
	d.shutdown = false
	d.powerState = npu.PowerStateActive
	d.mu.Unlock()
	return d.driver.Init(ctx)
}

func (d *NeuralEngineDevice) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.shutdown = true
	d.powerState = npu.PowerStateOffline
	d.mu.Unlock()
	// Dropping driver state releases every outstanding handle.
	return d.driver.ResetDevice(ctx)
}

func (d *NeuralEngineDevice) ExecuteInference(ctx context.Context, req npu.InferenceRequest) (*npu.InferenceResponse, error) {
	handle, err := d.driver.LoadModel(ctx, req.ModelPath)
	if err != nil {
		return nil, err
	}
	defer func() {
		if unloadErr := d.driver.UnloadModel(context.WithoutCancel(ctx), handle); unloadErr != nil {
			d.logger.Err(unloadErr).Str("model", req.ModelPath).Msg("failed to release model after inference")
		}
	}()

	response, err := d.driver.RunInference(ctx, handle, req)
	if err != nil {
		return nil, err
	}
	response.DeviceID = d.ID()
	return response, nil
}

func (d *NeuralEngineDevice) LoadModel(ctx context.Context, modelPath string) (npu.ModelHandle, error) {
	return d.driver.LoadModel(ctx, modelPath)
}

func (d *NeuralEngineDevice) UnloadModel(ctx context.Context, handle npu.ModelHandle) error {
	return d.driver.UnloadModel(ctx, handle)
}

func (d *NeuralEngineDevice) IsAvailable(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.shutdown
}

func (d *NeuralEngineDevice) Health(ctx context.Context) (*npu.DeviceHealth, error) {
	return d.driver.DeviceStatus(ctx)
}

func (d *NeuralEngineDevice) PowerState(ctx context.Context) (npu.PowerState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powerState, nil
}

func (d *NeuralEngineDevice) SetPowerState(ctx context.Context, state npu.PowerState) error {
	return d.driver.SetPowerState(ctx, state)
}

func (d *NeuralEngineDevice) MemoryInfo(ctx context.Context) ([]npu.MemoryRegion, error) {
	return d.driver.MemoryInfo(ctx)
}

func (d *NeuralEngineDevice) AllocateMemory(ctx context.Context, size uint64) (npu.MemoryHandle, error) {
	return d.driver.AllocateMemory(ctx, size)
}

func (d *NeuralEngineDevice) FreeMemory(ctx context.Context, handle npu.MemoryHandle) error {
	return d.driver.FreeMemory(ctx, handle)
}

func (d *NeuralEngineDevice) Utilization(ctx context.Context) float64 {
	return 0.15
}

func (d *NeuralEngineDevice) Temperature(ctx context.Context) float32 {
	return 45.0
}

func (d *NeuralEngineDevice) Reset(ctx context.Context) error {
	start := time.Now()
	if err := d.driver.ResetDevice(ctx); err != nil {
		return fmt.Errorf("%w: %v", npu.ErrHardware, err)
	}
	d.mu.Lock()
	d.shutdown = false
	d.powerState = npu.PowerStateActive
	d.mu.Unlock()
	d.logger.Info().Dur("elapsed", time.Since(start)).Msg("neural engine device reset")
	return nil
}
