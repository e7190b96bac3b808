package drivers

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/openaccel/npud/pkg/npu"
)

// modelEntry is one cached model. Entries are keyed by path and
// reference-counted: loading the same path twice returns the same entry,
// so unloading one handle never invalidates a still-referenced duplicate.
type modelEntry struct {
	path     string
	token    uint64
	refCount int
}

// NeuralEngineDriver drives the neural engine through a software model
// cache. LoadModel performs its existence check and insertion under a
// single lock, so concurrent loads of the same path produce exactly one
// cache entry and every caller receives a valid handle to it.
type NeuralEngineDriver struct {
	deviceID npu.DeviceID
	logger   zerolog.Logger

	mu        sync.Mutex
	nextToken uint64
	byPath    map[string]*modelEntry
	byToken   map[uint64]*modelEntry
	allocated map[uint64]uint64
	usedBytes uint64
	available bool
}

// NewNeuralEngineDriver builds a driver issuing handles scoped to the
// given device id.
func NewNeuralEngineDriver(deviceID npu.DeviceID, logger zerolog.Logger) *NeuralEngineDriver {
	return &NeuralEngineDriver{
		deviceID:  deviceID,
		logger:    logger,
		byPath:    make(map[string]*modelEntry),
		byToken:   make(map[uint64]*modelEntry),
		allocated: make(map[uint64]uint64),
	}
}

var _ npu.Driver = (*NeuralEngineDriver)(nil)

func (d *NeuralEngineDriver) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.available = true
	d.logger.Info().Msg("neural engine driver initialized")
	return nil
}

func (d *NeuralEngineDriver) LoadModel(ctx context.Context, modelPath string) (npu.ModelHandle, error) {
	if modelPath == "" {
		return npu.ModelHandle{}, fmt.Errorf("%w: empty model path", npu.ErrModelLoad)
	}

	// Check and insert under one critical section; two concurrent loads
	// of the same path must not produce two entries.
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.available {
		return npu.ModelHandle{}, fmt.Errorf("%w: driver not initialized", npu.ErrDeviceUnavailable)
	}

	if entry, ok := d.byPath[modelPath]; ok {
		entry.refCount++
		return npu.NewModelHandle(d.deviceID, entry.token), nil
	}

	d.nextToken++
	entry := &modelEntry{
		path:     modelPath,
		token:    d.nextToken,
		refCount: 1,
	}
	d.byPath[modelPath] = entry
	d.byToken[entry.token] = entry

	d.logger.Debug().Str("model", modelPath).Uint64("token", entry.token).Msg("model loaded")
	return npu.NewModelHandle(d.deviceID, entry.token), nil
}

func (d *NeuralEngineDriver) UnloadModel(ctx context.Context, handle npu.ModelHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	entry, err := d.lookupLocked(handle)
	if err != nil {
		return err
	}
	entry.refCount--
	if entry.refCount <= 0 {
		delete(d.byPath, entry.path)
		delete(d.byToken, entry.token)
	}
	return nil
}

func (d *NeuralEngineDriver) lookupLocked(handle npu.ModelHandle) (*modelEntry, error) {
	if handle.Device != d.deviceID {
		return nil, fmt.Errorf("%w: handle was issued by device %s", npu.ErrInvalidHandle, handle.Device)
	}
	entry, ok := d.byToken[handle.Token]
	if !ok {
		return nil, fmt.Errorf("%w: unknown model handle %d", npu.ErrInvalidHandle, handle.Token)
	}
	return entry, nil
}

// LoadedModelCount reports the number of distinct cached models.
func (d *NeuralEngineDriver) LoadedModelCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.byPath)
}

func (d *NeuralEngineDriver) RunInference(ctx context.Context, handle npu.ModelHandle, req npu.InferenceRequest) (*npu.InferenceResponse, error) {
	d.mu.Lock()
	if !d.available {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: driver not initialized", npu.ErrDeviceUnavailable)
	}
	_, err := d.lookupLocked(handle)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}

	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("%w: request carries no inputs", npu.ErrInferenceFailed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	start := time.Now()
	outputs := make([]npu.InferenceOutput, len(req.Inputs))
	for i, input := range req.Inputs {
		if input.DataType != npu.DataTypeFloat32 {
			return nil, fmt.Errorf("%w: neural engine path handles float32 tensors, got %s",
				npu.ErrInferenceFailed, input.DataType)
		}
		values, err := decodeFloat32(input.Data, input.Shape)
		if err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", npu.ErrInferenceFailed, i, err)
		}
		for j := range values {
			values[j] *= 2.0
		}
		outputs[i] = npu.InferenceOutput{
			Data:     encodeFloat32(values),
			Shape:    append([]uint64(nil), input.Shape...),
			DataType: input.DataType,
		}
	}

	return &npu.InferenceResponse{
		Outputs:       outputs,
		ExecutionTime: time.Since(start),
		DeviceID:      d.deviceID,
	}, nil
}

// decodeFloat32 parses a little-endian float32 tensor and checks the byte
// count against the declared shape.
func decodeFloat32(data []byte, shape []uint64) ([]float32, error) {
	elements := uint64(1)
	for _, dim := range shape {
		elements *= dim
	}
	if uint64(len(data)) != elements*4 {
		return nil, fmt.Errorf("data size %d does not match shape %v of float32 elements", len(data), shape)
	}
	values := make([]float32, elements)
	for i := range values {
		bits := binary.LittleEndian.Uint32(data[i*4:])
		values[i] = math.Float32frombits(bits)
	}
	return values, nil
}

func encodeFloat32(values []float32) []byte {
	data := make([]byte, len(values)*4)
	for i, v := range values {
		binary.LittleEndian.PutUint32(data[i*4:], math.Float32bits(v))
	}
	return data
}

func (d *NeuralEngineDriver) DeviceStatus(ctx context.Context) (*npu.DeviceHealth, error) {
	d.mu.Lock()
	available := d.available
	d.mu.Unlock()
	message := "neural engine operating normally"
	if !available {
		message = "neural engine driver not initialized"
	}
	return &npu.DeviceHealth{
		Healthy:            available,
		TemperatureCelsius: 45.0,
		PowerWatts:         6.0,
		LastCheck:          time.Now(),
		StatusMessage:      message,
	}, nil
}

func (d *NeuralEngineDriver) SetPowerState(ctx context.Context, state npu.PowerState) error {
	// Power is system-managed on this hardware; the request succeeds but
	// performs no change.
	d.logger.Debug().Str("state", string(state)).Msg("power state managed by the system")
	return nil
}

func (d *NeuralEngineDriver) MemoryInfo(ctx context.Context) ([]npu.MemoryRegion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return []npu.MemoryRegion{
		{
			MemoryType:     npu.MemoryTypeUnified,
			TotalBytes:     neuralEngineMemoryBytes,
			AvailableBytes: neuralEngineMemoryBytes - d.usedBytes,
			BandwidthGBps:  400.0,
		},
	}, nil
}

func (d *NeuralEngineDriver) AllocateMemory(ctx context.Context, size uint64) (npu.MemoryHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.available {
		return npu.MemoryHandle{}, fmt.Errorf("%w: driver not initialized", npu.ErrDeviceUnavailable)
	}
	if size > neuralEngineMaxAllocationBytes {
		return npu.MemoryHandle{}, fmt.Errorf("%w: %d bytes exceeds max allocation %d",
			npu.ErrInsufficientResources, size, uint64(neuralEngineMaxAllocationBytes))
	}
	if size > neuralEngineMemoryBytes-d.usedBytes {
		return npu.MemoryHandle{}, fmt.Errorf("%w: %d bytes requested, %d available",
			npu.ErrInsufficientResources, size, neuralEngineMemoryBytes-d.usedBytes)
	}
	d.nextToken++
	d.allocated[d.nextToken] = size
	d.usedBytes += size
	return npu.NewMemoryHandle(d.deviceID, d.nextToken), nil
}

func (d *NeuralEngineDriver) FreeMemory(ctx context.Context, handle npu.MemoryHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if handle.Device != d.deviceID {
		return fmt.Errorf("%w: handle was issued by device %s", npu.ErrInvalidHandle, handle.Device)
	}
	size, ok := d.allocated[handle.Token]
	if !ok {
		return fmt.Errorf("%w: unknown memory handle %d", npu.ErrInvalidHandle, handle.Token)
	}
	delete(d.allocated, handle.Token)
	d.usedBytes -= size
	return nil
}

func (d *NeuralEngineDriver) ResetDevice(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Every handle issued before the reset is invalidated.
	d.byPath = make(map[string]*modelEntry)
	d.byToken = make(map[uint64]*modelEntry)
	d.allocated = make(map[uint64]uint64)
	d.usedBytes = 0
	d.available = true
	d.logger.Info().Msg("neural engine driver reset")
	return nil
}
