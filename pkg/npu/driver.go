package npu

import "context"

// ModelHandle references a model loaded by one device's driver. Each
// handle carries the id of the device that issued it, so presenting a
// handle to a different device is detectable and fails with
// ErrInvalidHandle instead of silently addressing the wrong state.
type ModelHandle struct {
	Device DeviceID `json:"device"`
	Token  uint64   `json:"token"`
}

func NewModelHandle(device DeviceID, token uint64) ModelHandle {
	return ModelHandle{Device: device, Token: token}
}

// MemoryHandle references one device memory allocation, scoped to the
// issuing device like ModelHandle.
type MemoryHandle struct {
	Device DeviceID `json:"device"`
	Token  uint64   `json:"token"`
}

func NewMemoryHandle(device DeviceID, token uint64) MemoryHandle {
	return MemoryHandle{Device: device, Token: token}
}

// Driver is the lower-level, hardware-specific contract a Device
// implementation delegates to. It separates the device-facing API shape
// from how a particular chip is driven.
//
// LoadModel must perform an atomic check-then-insert on its model cache:
// when two callers request the same path concurrently, exactly one load
// happens and both receive a handle to the same entry. Whether a repeated
// load returns the cached entry or a fresh one is the driver's decision,
// and the driver documents its choice because it changes unload semantics.
type Driver interface {
	// Init prepares the driver.
	Init(ctx context.Context) error

	// LoadModel loads the model at path into device memory.
	LoadModel(ctx context.Context, modelPath string) (ModelHandle, error)

	// UnloadModel releases a loaded model.
	UnloadModel(ctx context.Context, handle ModelHandle) error

	// RunInference executes the loaded model against the request inputs.
	RunInference(ctx context.Context, handle ModelHandle, req InferenceRequest) (*InferenceResponse, error)

	// DeviceStatus returns current device health as seen by the driver.
	DeviceStatus(ctx context.Context) (*DeviceHealth, error)

	// SetPowerState requests a hardware power transition.
	SetPowerState(ctx context.Context, state PowerState) error

	// MemoryInfo returns the memory regions the driver manages.
	MemoryInfo(ctx context.Context) ([]MemoryRegion, error)

	// AllocateMemory reserves device memory.
	AllocateMemory(ctx context.Context, size uint64) (MemoryHandle, error)

	// FreeMemory releases an allocation.
	FreeMemory(ctx context.Context, handle MemoryHandle) error

	// ResetDevice performs emergency recovery. Outstanding handles are
	// invalidated.
	ResetDevice(ctx context.Context) error
}
