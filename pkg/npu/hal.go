package npu

import (
	"context"
	"fmt"
	"sync"
)

// HAL hides vendor-specific device detail behind a uniform factory
// surface: discover the devices a platform offers and build a scheduler
// compatible with them.
//
// A HAL composed of multiple vendor probes treats each probe failure as
// non-fatal: one probe failing must not drop devices found by another.
// This is the one layer where errors are swallowed by design (logged, not
// propagated) so partial hardware availability does not block startup.
type HAL interface {
	// DiscoverDevices probes the platform and returns whatever it finds.
	DiscoverDevices(ctx context.Context) ([]Device, error)

	// CreateScheduler builds a scheduler bound to the given registry. The
	// registry reference is shared, not copied, so later device-set
	// mutations are visible to the scheduler.
	CreateScheduler(registry *Registry) (Scheduler, error)

	// Info returns the static HAL descriptor.
	Info() HALInfo

	// Shutdown releases HAL resources.
	Shutdown(ctx context.Context) error
}

// HALInfo is a static descriptor callers use to negotiate behavior
// without probing individual devices.
type HALInfo struct {
	Name             string       `json:"name"`
	Version          string       `json:"version"`
	SupportedDevices []DeviceType `json:"supportedDevices"`
	Features         []Feature    `json:"features"`
}

// HasFeature reports whether the HAL advertises the given feature.
func (i HALInfo) HasFeature(feature Feature) bool {
	for _, f := range i.Features {
		if f == feature {
			return true
		}
	}
	return false
}

// Feature enumerates optional HAL capabilities.
type Feature string

const (
	FeatureDynamicModels      Feature = "dynamic-models"
	FeatureMultiModel         Feature = "multi-model"
	FeatureBatchInference     Feature = "batch-inference"
	FeatureStreamingInference Feature = "streaming-inference"
	FeatureQuantization       Feature = "quantization"
	FeatureDynamicFrequency   Feature = "dynamic-frequency"
	FeaturePowerManagement    Feature = "power-management"
	FeatureMemoryManagement   Feature = "memory-management"
	FeatureHardwareMonitoring Feature = "hardware-monitoring"
	FeatureErrorRecovery      Feature = "error-recovery"
)

// HALFactory constructs a HAL for a device type it supports.
type HALFactory interface {
	// CreateHAL builds a HAL instance for the given device type.
	CreateHAL(deviceType DeviceType) (HAL, error)

	// SupportedDevices lists the device types this factory can build for.
	SupportedDevices() []DeviceType
}

// HALRegistry maps device types to HAL factories, so new vendor backends
// are additive rather than invasive.
type HALRegistry struct {
	mu        sync.RWMutex
	factories map[DeviceType]HALFactory
}

func NewHALRegistry() *HALRegistry {
	return &HALRegistry{
		factories: make(map[DeviceType]HALFactory),
	}
}

// RegisterFactory binds a factory to a device type, replacing any earlier
// binding.
func (r *HALRegistry) RegisterFactory(deviceType DeviceType, factory HALFactory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[deviceType] = factory
}

// CreateHAL builds a HAL for the given device type.
func (r *HALRegistry) CreateHAL(deviceType DeviceType) (HAL, error) {
	r.mu.RLock()
	factory, ok := r.factories[deviceType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no factory registered for device type %q", ErrConfig, deviceType)
	}
	return factory.CreateHAL(deviceType)
}

// SupportedDevices returns every device type a factory is registered for.
func (r *HALRegistry) SupportedDevices() []DeviceType {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ret := make([]DeviceType, 0, len(r.factories))
	for deviceType := range r.factories {
		ret = append(ret, deviceType)
	}
	return ret
}
