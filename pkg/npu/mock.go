package npu

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MockHAL is a software-only HAL used for tests, demos and as the
// fallback when no accelerator hardware is detected.
type MockHAL struct {
	devices []Device
}

var _ HAL = (*MockHAL)(nil)

// NewMockHAL returns a HAL that discovers a single default mock device.
func NewMockHAL(devices ...Device) *MockHAL {
	return &MockHAL{devices: devices}
}

func (h *MockHAL) DiscoverDevices(ctx context.Context) ([]Device, error) {
	if len(h.devices) > 0 {
		return h.devices, nil
	}
	return []Device{NewMockDevice("mock-device", nil)}, nil
}

func (h *MockHAL) CreateScheduler(registry *Registry) (Scheduler, error) {
	return NewTaskScheduler(registry, SchedulerConfig{}, registry.logger), nil
}

func (h *MockHAL) Info() HALInfo {
	return HALInfo{
		Name:             "Mock HAL",
		Version:          "1.0.0",
		SupportedDevices: []DeviceType{DeviceTypeMock},
		Features: []Feature{
			FeatureDynamicModels,
			FeatureMultiModel,
			FeaturePowerManagement,
			FeatureMemoryManagement,
			FeatureErrorRecovery,
		},
	}
}

func (h *MockHAL) Shutdown(ctx context.Context) error {
	return nil
}

// MockDevice is an in-memory accelerator. It validates requests the way
// real devices do, tracks live handles explicitly and echoes inputs back
// as outputs. ExecDelay and an optional Gate let tests control how fast
// the device drains its work.
type MockDevice struct {
	info DeviceInfo
	caps *Capabilities

	// ExecDelay is how long each inference appears to take.
	ExecDelay time.Duration

	// Gate, when set, blocks each inference until the channel yields or
	// the context is done.
	Gate <-chan struct{}

	// OnExecute, when set, is invoked at the start of each inference.
	OnExecute func(req InferenceRequest)

	serial sync.Mutex

	mu         sync.Mutex
	powerState PowerState
	nextToken  uint64
	models     map[uint64]string
	allocated  map[uint64]uint64
	usedBytes  uint64
	offline    bool
}

var _ Device = (*MockDevice)(nil)

// NewMockDevice builds a mock device with the given id. A nil caps selects
// DefaultCapabilities.
func NewMockDevice(id DeviceID, caps *Capabilities) *MockDevice {
	if caps == nil {
		caps = DefaultCapabilities()
	}
	return &MockDevice{
		info:       NewDeviceInfo(id, "Mock NPU Device", DeviceTypeMock, "mock-vendor"),
		caps:       caps,
		powerState: PowerStateActive,
		models:     make(map[uint64]string),
		allocated:  make(map[uint64]uint64),
	}
}

func (d *MockDevice) ID() DeviceID {
	return d.info.ID
}

func (d *MockDevice) Info() DeviceInfo {
	return d.info
}

func (d *MockDevice) Capabilities() *Capabilities {
	return d.caps
}

func (d *MockDevice) Init(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.offline = false
	d.powerState = PowerStateActive
	return nil
}

func (d *MockDevice) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Shutdown releases every outstanding handle.
	d.models = make(map[uint64]string)
	d.allocated = make(map[uint64]uint64)
	d.usedBytes = 0
	d.offline = true
	d.powerState = PowerStateOffline
	return nil
}

func (d *MockDevice) ExecuteInference(ctx context.Context, req InferenceRequest) (*InferenceResponse, error) {
	if !d.caps.SupportsConcurrentInference() {
		d.serial.Lock()
		defer d.serial.Unlock()
	}

	if d.OnExecute != nil {
		d.OnExecute(req)
	}

	if len(req.Inputs) == 0 {
		return nil, fmt.Errorf("%w: request carries no inputs", ErrInferenceFailed)
	}
	for i, input := range req.Inputs {
		if err := validateTensor(input.Data, input.Shape, input.DataType); err != nil {
			return nil, fmt.Errorf("%w: input %d: %v", ErrInferenceFailed, i, err)
		}
	}

	start := time.Now()
	if d.Gate != nil {
		select {
		case <-d.Gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.ExecDelay > 0 {
		timer := time.NewTimer(d.ExecDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outputs := make([]InferenceOutput, len(req.Inputs))
	for i, input := range req.Inputs {
		data := make([]byte, len(input.Data))
		copy(data, input.Data)
		outputs[i] = InferenceOutput{
			Data:     data,
			Shape:    append([]uint64(nil), input.Shape...),
			DataType: input.DataType,
		}
	}

	return &InferenceResponse{
		Outputs:       outputs,
		ExecutionTime: time.Since(start),
		DeviceID:      d.ID(),
	}, nil
}

func validateTensor(data []byte, shape []uint64, dataType DataType) error {
	elemSize := dataType.SizeBytes()
	if elemSize == 0 {
		return fmt.Errorf("unsupported data type %q", dataType)
	}
	elements := uint64(1)
	for _, dim := range shape {
		elements *= dim
	}
	if uint64(len(data)) != elements*elemSize {
		return fmt.Errorf("data size %d does not match shape %v of %s elements", len(data), shape, dataType)
	}
	return nil
}

func (d *MockDevice) LoadModel(ctx context.Context, modelPath string) (ModelHandle, error) {
	if modelPath == "" {
		return ModelHandle{}, fmt.Errorf("%w: empty model path", ErrModelLoad)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextToken++
	d.models[d.nextToken] = modelPath
	return NewModelHandle(d.ID(), d.nextToken), nil
}

func (d *MockDevice) UnloadModel(ctx context.Context, handle ModelHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if handle.Device != d.ID() {
		return fmt.Errorf("%w: model handle belongs to device %s", ErrInvalidHandle, handle.Device)
	}
	if _, ok := d.models[handle.Token]; !ok {
		return fmt.Errorf("%w: unknown model handle %d", ErrInvalidHandle, handle.Token)
	}
	delete(d.models, handle.Token)
	return nil
}

func (d *MockDevice) IsAvailable(ctx context.Context) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.offline
}

func (d *MockDevice) Health(ctx context.Context) (*DeviceHealth, error) {
	return &DeviceHealth{
		Healthy:            true,
		TemperatureCelsius: 35.0,
		PowerWatts:         float32(d.caps.Performance.PowerWatts),
		LastCheck:          time.Now(),
		StatusMessage:      "all systems nominal",
	}, nil
}

func (d *MockDevice) PowerState(ctx context.Context) (PowerState, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.powerState, nil
}

func (d *MockDevice) SetPowerState(ctx context.Context, state PowerState) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.powerState = state
	d.offline = state == PowerStateOffline
	return nil
}

func (d *MockDevice) MemoryInfo(ctx context.Context) ([]MemoryRegion, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return []MemoryRegion{
		{
			MemoryType:     MemoryTypeUnified,
			TotalBytes:     d.caps.Memory.TotalMemoryBytes,
			AvailableBytes: d.caps.Memory.TotalMemoryBytes - d.usedBytes,
			BandwidthGBps:  d.caps.Performance.MemoryBandwidthGBps,
		},
	}, nil
}

func (d *MockDevice) AllocateMemory(ctx context.Context, size uint64) (MemoryHandle, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if size > d.caps.Memory.MaxAllocationBytes {
		return MemoryHandle{}, fmt.Errorf("%w: %d bytes exceeds max allocation %d",
			ErrInsufficientResources, size, d.caps.Memory.MaxAllocationBytes)
	}
	if size > d.caps.Memory.TotalMemoryBytes-d.usedBytes {
		return MemoryHandle{}, fmt.Errorf("%w: %d bytes requested, %d available",
			ErrInsufficientResources, size, d.caps.Memory.TotalMemoryBytes-d.usedBytes)
	}
	d.nextToken++
	d.allocated[d.nextToken] = size
	d.usedBytes += size
	return NewMemoryHandle(d.ID(), d.nextToken), nil
}

func (d *MockDevice) FreeMemory(ctx context.Context, handle MemoryHandle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if handle.Device != d.ID() {
		return fmt.Errorf("%w: memory handle belongs to device %s", ErrInvalidHandle, handle.Device)
	}
	size, ok := d.allocated[handle.Token]
	if !ok {
		return fmt.Errorf("%w: unknown memory handle %d", ErrInvalidHandle, handle.Token)
	}
	delete(d.allocated, handle.Token)
	d.usedBytes -= size
	return nil
}

func (d *MockDevice) Utilization(ctx context.Context) float64 {
	return 0.1
}

func (d *MockDevice) Temperature(ctx context.Context) float32 {
	return 35.0
}

func (d *MockDevice) Reset(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	// Recovery invalidates every handle issued before the reset.
	d.models = make(map[uint64]string)
	d.allocated = make(map[uint64]uint64)
	d.usedBytes = 0
	d.offline = false
	d.powerState = PowerStateActive
	return nil
}
