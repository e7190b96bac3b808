package npu

import (
	"errors"
	"fmt"
)

// Error taxonomy for device, driver and scheduler operations. Callers
// classify failures with errors.Is against these sentinels; lower layers
// wrap them with context via fmt.Errorf and %w.
//
// Timeout and DeviceUnavailable are retryable (resubmit or Reset the
// device). Config and ModelLoad failures require caller correction.
// Hardware and driver errors are surfaced as-is; whether they are
// retryable is hardware-specific and left to the caller's policy.
var (
	ErrDeviceNotFound        = errors.New("device not found")
	ErrDeviceUnavailable     = errors.New("device unavailable")
	ErrInsufficientResources = errors.New("insufficient resources")
	ErrModelLoad             = errors.New("model load failed")
	ErrInferenceFailed       = errors.New("inference failed")
	ErrTimeout               = errors.New("timeout waiting for device")
	ErrHardware              = errors.New("hardware error")
	ErrDriver                = errors.New("driver error")
	ErrConfig                = errors.New("configuration error")

	// ErrInvalidHandle reports use of a stale or foreign model/memory
	// handle. Handles are valid only for the device that issued them and
	// only until the matching unload/free or a device reset.
	ErrInvalidHandle = errors.New("invalid handle")
)

func deviceNotFoundError(id DeviceID) error {
	return fmt.Errorf("%w: %s", ErrDeviceNotFound, id)
}

// Retryable reports whether the caller may retry the operation unchanged.
func Retryable(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrDeviceUnavailable)
}
