package npu

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Registry is a concurrency-safe collection of discovered devices, keyed
// by DeviceID. Reads run concurrently with each other; Add and Remove are
// exclusive writers.
type Registry struct {
	mu      sync.RWMutex
	devices map[DeviceID]Device
	logger  zerolog.Logger
}

func NewRegistry(logger zerolog.Logger) *Registry {
	return &Registry{
		devices: make(map[DeviceID]Device),
		logger:  logger,
	}
}

// AddDevice registers a device, replacing any previous device with the
// same id.
func (r *Registry) AddDevice(device Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.devices[device.ID()] = device
}

// RemoveDevice unregisters and returns a device, or nil when the id is
// unknown.
func (r *Registry) RemoveDevice(id DeviceID) Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	device, ok := r.devices[id]
	if !ok {
		return nil
	}
	delete(r.devices, id)
	return device
}

// GetDevice returns the device with the given id, or nil.
func (r *Registry) GetDevice(id DeviceID) Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.devices[id]
}

// GetAllDevices returns a snapshot of all registered devices.
func (r *Registry) GetAllDevices() []Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]Device, 0, len(r.devices))
	for _, device := range r.devices {
		ret = append(ret, device)
	}
	return ret
}

// GetAvailableDevices returns the devices currently able to accept work.
func (r *Registry) GetAvailableDevices(ctx context.Context) []Device {
	var available []Device
	for _, device := range r.GetAllDevices() {
		if device.IsAvailable(ctx) {
			available = append(available, device)
		}
	}
	return available
}

// GetDevicesByType returns the devices of the given type.
func (r *Registry) GetDevicesByType(deviceType DeviceType) []Device {
	var matched []Device
	for _, device := range r.GetAllDevices() {
		if device.Info().DeviceType == deviceType {
			matched = append(matched, device)
		}
	}
	return matched
}

// Len returns the number of registered devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}

// InitAllDevices initializes every registered device. A failure on one
// device is logged and does not prevent the others from being initialized.
func (r *Registry) InitAllDevices(ctx context.Context) {
	for _, device := range r.GetAllDevices() {
		if err := device.Init(ctx); err != nil {
			r.logger.Err(err).Str("device", device.ID().String()).Msg("failed to initialize device")
		}
	}
}

// ShutdownAllDevices shuts down every registered device, continuing past
// per-device failures.
func (r *Registry) ShutdownAllDevices(ctx context.Context) {
	for _, device := range r.GetAllDevices() {
		if err := device.Shutdown(ctx); err != nil {
			r.logger.Err(err).Str("device", device.ID().String()).Msg("failed to shutdown device")
		}
	}
}
