package drivers

import (
	"context"
	"runtime"

	"github.com/rs/zerolog"

	"github.com/openaccel/npud/pkg/npu"
)

var _ npu.HAL = (*NeuralEngineHAL)(nil)

// NeuralEngineHAL discovers and manages neural engine devices.
type NeuralEngineHAL struct {
	logger    zerolog.Logger
	scheduler npu.SchedulerConfig
}

func NewNeuralEngineHAL(logger zerolog.Logger, scheduler npu.SchedulerConfig) *NeuralEngineHAL {
	return &NeuralEngineHAL{logger: logger, scheduler: scheduler}
}

func (h *NeuralEngineHAL) DiscoverDevices(ctx context.Context) ([]npu.Device, error) {
	if !neuralEnginePresent() {
		h.logger.Info().Msg("no neural engine present on this platform")
		return nil, nil
	}
	device := NewNeuralEngineDevice(h.logger)
	h.logger.Info().Str("device", device.ID().String()).Msg("discovered neural engine device")
	return []npu.Device{device}, nil
}

// neuralEnginePresent reports whether the platform carries a neural
// engine. The real probe would consult the system; Apple silicon is a
// good enough signal here.
func neuralEnginePresent() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

func (h *NeuralEngineHAL) CreateScheduler(registry *npu.Registry) (npu.Scheduler, error) {
	return npu.NewTaskScheduler(registry, h.scheduler, h.logger), nil
}

func (h *NeuralEngineHAL) Info() npu.HALInfo {
	return npu.HALInfo{
		Name:             "Neural Engine HAL",
		Version:          "1.0.0",
		SupportedDevices: []npu.DeviceType{npu.DeviceTypeAppleNeuralEngine},
		Features: []npu.Feature{
			npu.FeatureDynamicModels,
			npu.FeatureMultiModel,
			npu.FeaturePowerManagement,
			npu.FeatureMemoryManagement,
			npu.FeatureHardwareMonitoring,
		},
	}
}

func (h *NeuralEngineHAL) Shutdown(ctx context.Context) error {
	h.logger.Info().Msg("shutting down neural engine HAL")
	return nil
}

var _ npu.HALFactory = (*NeuralEngineFactory)(nil)

// NeuralEngineFactory builds NeuralEngineHAL instances for the HAL
// registry.
type NeuralEngineFactory struct {
	Logger    zerolog.Logger
	Scheduler npu.SchedulerConfig
}

func (f *NeuralEngineFactory) CreateHAL(deviceType npu.DeviceType) (npu.HAL, error) {
	return NewNeuralEngineHAL(f.Logger, f.Scheduler), nil
}

func (f *NeuralEngineFactory) SupportedDevices() []npu.DeviceType {
	return []npu.DeviceType{npu.DeviceTypeAppleNeuralEngine}
}
