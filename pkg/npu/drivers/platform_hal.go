package drivers

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/openaccel/npud/pkg/npu"
)

// DeviceProbe inspects one vendor's corner of the platform and returns
// whatever devices it finds there.
type DeviceProbe struct {
	Name  string
	Probe func(ctx context.Context) ([]npu.Device, error)
}

var _ npu.HAL = (*PlatformHAL)(nil)

// PlatformHAL composes vendor-specific probes into one HAL. A probe
// failure is logged and skipped: devices found by the other probes are
// still returned, so partial hardware availability never blocks startup.
type PlatformHAL struct {
	probes    []DeviceProbe
	logger    zerolog.Logger
	scheduler npu.SchedulerConfig
}

func NewPlatformHAL(logger zerolog.Logger, scheduler npu.SchedulerConfig, probes ...DeviceProbe) *PlatformHAL {
	if len(probes) == 0 {
		probes = defaultProbes(logger)
	}
	return &PlatformHAL{probes: probes, logger: logger, scheduler: scheduler}
}

func defaultProbes(logger zerolog.Logger) []DeviceProbe {
	return []DeviceProbe{
		{
			Name: "neural-engine",
			Probe: func(ctx context.Context) ([]npu.Device, error) {
				return NewNeuralEngineHAL(logger, npu.SchedulerConfig{}).DiscoverDevices(ctx)
			},
		},
	}
}

func (h *PlatformHAL) DiscoverDevices(ctx context.Context) ([]npu.Device, error) {
	var devices []npu.Device
	for _, probe := range h.probes {
		found, err := probe.Probe(ctx)
		if err != nil {
			h.logger.Err(err).Str("probe", probe.Name).Msg("device probe failed, continuing with remaining probes")
			continue
		}
		devices = append(devices, found...)
	}
	return devices, nil
}

func (h *PlatformHAL) CreateScheduler(registry *npu.Registry) (npu.Scheduler, error) {
	return npu.NewTaskScheduler(registry, h.scheduler, h.logger), nil
}

func (h *PlatformHAL) Info() npu.HALInfo {
	return npu.HALInfo{
		Name:             "Platform HAL",
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

func (h *PlatformHAL) Shutdown(ctx context.Context) error {
	return nil
}
