package npu

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// Manager is the sole public entry point to the accelerator subsystem. It
// owns one HAL, the device registry populated from that HAL's discovery,
// and the scheduler the HAL produced for those devices.
type Manager struct {
	hal       HAL
	registry  *Registry
	scheduler Scheduler
	logger    zerolog.Logger
}

// ManagerOption adjusts Manager construction.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	denyList     []DeviceID
	schedulerCfg *SchedulerConfig
}

// WithDeviceDenyList excludes the given device ids from the discovered
// set before the scheduler is built.
func WithDeviceDenyList(ids []DeviceID) ManagerOption {
	return func(o *managerOptions) {
		o.denyList = ids
	}
}

// WithSchedulerConfig overrides the HAL's default scheduler with a task
// scheduler built from the given configuration.
func WithSchedulerConfig(cfg SchedulerConfig) ManagerOption {
	return func(o *managerOptions) {
		o.schedulerCfg = &cfg
	}
}

// NewManager discovers devices through the given HAL, initializes them and
// builds the HAL's scheduler over the discovered set.
func NewManager(ctx context.Context, hal HAL, logger zerolog.Logger, opts ...ManagerOption) (*Manager, error) {
	discovered, err := hal.DiscoverDevices(ctx)
	if err != nil {
		return nil, fmt.Errorf("device discovery failed: %w", err)
	}
	return newManagerWithDevices(ctx, hal, discovered, logger, opts...)
}

// newManagerWithDevices builds a Manager over an already-discovered device
// set, so detection does not discover twice.
func newManagerWithDevices(ctx context.Context, hal HAL, discovered []Device, logger zerolog.Logger, opts ...ManagerOption) (*Manager, error) {
	var options managerOptions
	for _, opt := range opts {
		opt(&options)
	}
	denied := make(map[DeviceID]struct{}, len(options.denyList))
	for _, id := range options.denyList {
		denied[id] = struct{}{}
	}

	registry := NewRegistry(logger)
	for _, device := range discovered {
		if _, skip := denied[device.ID()]; skip {
			logger.Info().Str("device", device.ID().String()).Msg("device is on the deny list, skipping")
			continue
		}
		registry.AddDevice(device)
	}
	registry.InitAllDevices(ctx)

	var scheduler Scheduler
	if options.schedulerCfg != nil {
		scheduler = NewTaskScheduler(registry, *options.schedulerCfg, logger)
	} else {
		var err error
		scheduler, err = hal.CreateScheduler(registry)
		if err != nil {
			// The devices were already initialized; release them.
			registry.ShutdownAllDevices(ctx)
			return nil, fmt.Errorf("scheduler construction failed: %w", err)
		}
	}

	logger.Info().
		Str("hal", hal.Info().Name).
		Int("devices", registry.Len()).
		Msg("accelerator manager ready")

	return &Manager{
		hal:       hal,
		registry:  registry,
		scheduler: scheduler,
		logger:    logger,
	}, nil
}

// NewManagerWithDetection probes the factories in the given HAL registry
// for real hardware and falls back to the mock HAL when nothing is found.
// Probe failures are logged, never propagated: this path always yields a
// usable Manager unless construction itself fails.
func NewManagerWithDetection(ctx context.Context, hals *HALRegistry, logger zerolog.Logger, opts ...ManagerOption) (*Manager, error) {
	if hals != nil {
		for _, deviceType := range hals.SupportedDevices() {
			hal, err := hals.CreateHAL(deviceType)
			if err != nil {
				logger.Err(err).Str("deviceType", string(deviceType)).Msg("HAL construction failed, trying next")
				continue
			}
			devices, err := hal.DiscoverDevices(ctx)
			if err != nil || len(devices) == 0 {
				logger.Info().Str("deviceType", string(deviceType)).Msg("no hardware detected for HAL")
				_ = hal.Shutdown(ctx)
				continue
			}
			logger.Info().Str("hal", hal.Info().Name).Msg("detected accelerator hardware")
			return newManagerWithDevices(ctx, hal, devices, logger, opts...)
		}
	}

	logger.Info().Msg("no accelerator hardware detected, using mock HAL")
	return NewMockManager(ctx, logger, opts...)
}

// NewMockManager builds a Manager backed by the mock HAL, for tests and
// demo use.
func NewMockManager(ctx context.Context, logger zerolog.Logger, opts ...ManagerOption) (*Manager, error) {
	return NewManager(ctx, NewMockHAL(), logger, opts...)
}

// HALInfo returns the descriptor of the HAL backing this manager.
func (m *Manager) HALInfo() HALInfo {
	return m.hal.Info()
}

// Devices returns all devices the manager tracks.
func (m *Manager) Devices() []Device {
	return m.registry.GetAllDevices()
}

// Device returns the device with the given id, or ErrDeviceNotFound.
func (m *Manager) Device(id DeviceID) (Device, error) {
	device := m.registry.GetDevice(id)
	if device == nil {
		return nil, deviceNotFoundError(id)
	}
	return device, nil
}

// Registry exposes the device registry for advanced callers.
func (m *Manager) Registry() *Registry {
	return m.registry
}

// SubmitTask forwards a task to the scheduler.
func (m *Manager) SubmitTask(ctx context.Context, task InferenceTask) (TaskID, error) {
	return m.scheduler.SubmitTask(ctx, task)
}

// CancelTask forwards a cancellation to the scheduler.
func (m *Manager) CancelTask(ctx context.Context, id TaskID) error {
	return m.scheduler.CancelTask(ctx, id)
}

// TaskStatus returns the status of a submitted task.
func (m *Manager) TaskStatus(id TaskID) (TaskStatus, bool) {
	return m.scheduler.TaskStatus(id)
}

// TaskResult returns the response of a completed task.
func (m *Manager) TaskResult(id TaskID) (*InferenceResponse, bool) {
	return m.scheduler.TaskResult(id)
}

// TaskAllocation returns the allocation produced at admission.
func (m *Manager) TaskAllocation(id TaskID) (ResourceAllocation, bool) {
	return m.scheduler.TaskAllocation(id)
}

// UsageStats recomputes aggregate usage across all devices.
func (m *Manager) UsageStats(ctx context.Context) UsageStats {
	return m.scheduler.UsageStats(ctx)
}

// Shutdown stops the scheduler, shuts every device down and releases the
// HAL.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.scheduler.Close()
	m.registry.ShutdownAllDevices(ctx)
	return m.hal.Shutdown(ctx)
}
