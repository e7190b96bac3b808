package npu

import "context"

// Device is the surface any accelerator must expose. Implementations are
// shared across all callers of a Manager and must tolerate concurrent use.
//
// Init and Shutdown are idempotent; Shutdown releases every model and
// memory handle the device still owns. Telemetry calls never mutate
// scheduling state. If Capabilities report ConcurrentInference false, the
// implementation serializes ExecuteInference itself; overlapping calls are
// not a caller error.
type Device interface {
	// ID returns the immutable device identifier.
	ID() DeviceID

	// Info returns static device information.
	Info() DeviceInfo

	// Capabilities returns the shared read-only capability snapshot.
	Capabilities() *Capabilities

	// Init prepares the device for work.
	Init(ctx context.Context) error

	// Shutdown stops the device and releases all outstanding handles.
	Shutdown(ctx context.Context) error

	// ExecuteInference runs one inference. It fails with
	// ErrInferenceFailed when input shape or type does not match what the
	// loaded model, or the device's own validation, expects.
	ExecuteInference(ctx context.Context, req InferenceRequest) (*InferenceResponse, error)

	// LoadModel loads a model and returns a device-scoped handle.
	LoadModel(ctx context.Context, modelPath string) (ModelHandle, error)

	// UnloadModel releases a handle previously returned by LoadModel.
	// Stale or foreign handles fail with ErrInvalidHandle.
	UnloadModel(ctx context.Context, handle ModelHandle) error

	// IsAvailable reports whether the device can accept work right now.
	IsAvailable(ctx context.Context) bool

	// Health returns a point-in-time health snapshot.
	Health(ctx context.Context) (*DeviceHealth, error)

	// PowerState returns the current power state.
	PowerState(ctx context.Context) (PowerState, error)

	// SetPowerState requests a power state transition. The request is
	// advisory; a device may clamp or ignore it and still report success.
	SetPowerState(ctx context.Context, state PowerState) error

	// MemoryInfo returns the device's memory regions.
	MemoryInfo(ctx context.Context) ([]MemoryRegion, error)

	// AllocateMemory reserves size bytes of device memory. Requests above
	// MaxAllocationBytes or available memory fail with
	// ErrInsufficientResources.
	AllocateMemory(ctx context.Context, size uint64) (MemoryHandle, error)

	// FreeMemory releases a handle previously returned by AllocateMemory.
	FreeMemory(ctx context.Context, handle MemoryHandle) error

	// Utilization returns current compute utilization in [0.0, 1.0].
	Utilization(ctx context.Context) float64

	// Temperature returns the device temperature in Celsius.
	Temperature(ctx context.Context) float32

	// Reset attempts best-effort recovery after an error. All handles
	// issued before the reset must be assumed invalid afterwards.
	Reset(ctx context.Context) error
}

// DeviceInfo is the static description of a device. Optional fields are
// zero when the hardware does not report them.
type DeviceInfo struct {
	ID              DeviceID   `json:"id"`
	Name            string     `json:"name"`
	DeviceType      DeviceType `json:"deviceType"`
	Vendor          Vendor     `json:"vendor"`
	DriverVersion   string     `json:"driverVersion"`
	FirmwareVersion string     `json:"firmwareVersion,omitempty"`
	SerialNumber    string     `json:"serialNumber,omitempty"`
	PCIID           string     `json:"pciId,omitempty"`
	NUMANode        int        `json:"numaNode"`
}

// NewDeviceInfo builds a DeviceInfo with the default driver version and an
// unset NUMA node.
func NewDeviceInfo(id DeviceID, name string, deviceType DeviceType, vendor Vendor) DeviceInfo {
	return DeviceInfo{
		ID:            id,
		Name:          name,
		DeviceType:    deviceType,
		Vendor:        vendor,
		DriverVersion: "1.0.0",
		NUMANode:      -1,
	}
}
