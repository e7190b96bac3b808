package npu

import (
	"time"

	"github.com/google/uuid"
)

// DeviceID uniquely identifies an accelerator. IDs are either supplied by
// the caller (fixed or mock devices) or generated for dynamically discovered
// hardware, and never change once assigned.
type DeviceID string

func NewDeviceID(id string) DeviceID {
	return DeviceID(id)
}

// GenerateDeviceID returns a fresh random DeviceID for discovered hardware.
func GenerateDeviceID() DeviceID {
	return DeviceID(uuid.NewString())
}

func (d DeviceID) String() string {
	return string(d)
}

// DeviceType classifies an accelerator family. The listed constants cover
// the known families; any other value represents a custom or unknown type,
// so new hardware can be described without schema changes.
type DeviceType string

const (
	DeviceTypeAppleNeuralEngine DeviceType = "apple-neural-engine"
	DeviceTypeIntelNPU          DeviceType = "intel-npu"
	DeviceTypeNvidiaGPU         DeviceType = "nvidia-gpu"
	DeviceTypeAmdGPU            DeviceType = "amd-gpu"
	DeviceTypeQualcommHexagon   DeviceType = "qualcomm-hexagon"
	DeviceTypeGoogleEdgeTPU     DeviceType = "google-edge-tpu"
	DeviceTypeCPUFallback       DeviceType = "cpu-fallback"
	DeviceTypeMock              DeviceType = "mock"
)

// Vendor identifies the device manufacturer. Values outside the listed
// constants are treated as unknown or custom vendors.
type Vendor string

const (
	VendorApple    Vendor = "apple"
	VendorIntel    Vendor = "intel"
	VendorNvidia   Vendor = "nvidia"
	VendorAmd      Vendor = "amd"
	VendorQualcomm Vendor = "qualcomm"
	VendorGoogle   Vendor = "google"
)

// PowerState models the device power state machine. Transitions requested
// through Device.SetPowerState are advisory: a device may refuse or clamp a
// request, e.g. hardware with system-managed power reports success without
// changing state.
type PowerState string

const (
	PowerStateActive    PowerState = "active"
	PowerStateIdle      PowerState = "idle"
	PowerStatePowerSave PowerState = "power-save"
	PowerStateSuspended PowerState = "suspended"
	PowerStateOffline   PowerState = "offline"
)

// MemoryType enumerates device memory kinds.
type MemoryType string

const (
	MemoryTypeUnified   MemoryType = "unified"
	MemoryTypeDedicated MemoryType = "dedicated"
	MemoryTypeHBM       MemoryType = "hbm"
	MemoryTypeSystemRAM MemoryType = "system-ram"
)

// MemoryRegion is a point-in-time view of one memory pool on a device.
type MemoryRegion struct {
	MemoryType     MemoryType `json:"memoryType"`
	TotalBytes     uint64     `json:"totalBytes"`
	AvailableBytes uint64     `json:"availableBytes"`
	BandwidthGBps  float64    `json:"bandwidthGbps"`
}

// DataType enumerates tensor element types.
type DataType string

const (
	DataTypeFloat32  DataType = "float32"
	DataTypeFloat16  DataType = "float16"
	DataTypeBFloat16 DataType = "bfloat16"
	DataTypeInt8     DataType = "int8"
	DataTypeInt16    DataType = "int16"
	DataTypeInt32    DataType = "int32"
	DataTypeUInt8    DataType = "uint8"
	DataTypeUInt16   DataType = "uint16"
	DataTypeUInt32   DataType = "uint32"
	DataTypeBool     DataType = "bool"
)

// SizeBytes returns the element width of the data type in bytes, or 0 for
// unknown types.
func (d DataType) SizeBytes() uint64 {
	switch d {
	case DataTypeFloat32, DataTypeInt32, DataTypeUInt32:
		return 4
	case DataTypeFloat16, DataTypeBFloat16, DataTypeInt16, DataTypeUInt16:
		return 2
	case DataTypeInt8, DataTypeUInt8, DataTypeBool:
		return 1
	default:
		return 0
	}
}

// ComputeUnit enumerates compute unit families inside an accelerator.
type ComputeUnit string

const (
	ComputeUnitTensorCore        ComputeUnit = "tensor-core"
	ComputeUnitVectorCore        ComputeUnit = "vector-core"
	ComputeUnitScalarCore        ComputeUnit = "scalar-core"
	ComputeUnitCustomAccelerator ComputeUnit = "custom-accelerator"
)

// ModelFormat enumerates supported model container formats.
type ModelFormat string

const (
	ModelFormatONNX       ModelFormat = "onnx"
	ModelFormatTensorFlow ModelFormat = "tensorflow"
	ModelFormatPyTorch    ModelFormat = "pytorch"
	ModelFormatCoreML     ModelFormat = "coreml"
	ModelFormatTFLite     ModelFormat = "tflite"
	ModelFormatOpenVINO   ModelFormat = "openvino"
)

// PerformanceSpec describes the static performance envelope of a device.
type PerformanceSpec struct {
	PeakTOPS            float64 `json:"peakTops"`
	SustainedTOPS       float64 `json:"sustainedTops"`
	MemoryBandwidthGBps float64 `json:"memoryBandwidthGbps"`
	PowerWatts          float64 `json:"powerWatts"`
	FrequencyMHz        uint32  `json:"frequencyMhz"`
}

// Priority orders task dispatch. Lower values dispatch first. Priority is
// not preemptive: a running task is never interrupted by a later arrival.
// Scheduling is strict, without aging; sustained higher-priority load can
// starve lower levels.
type Priority int

const (
	PriorityCritical   Priority = 0
	PriorityHigh       Priority = 1
	PriorityNormal     Priority = 2
	PriorityLow        Priority = 3
	PriorityBackground Priority = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// TaskID identifies a submitted task. IDs are unique and monotonically
// increasing per scheduler instance.
type TaskID uint64

// TaskState is the lifecycle state of a task. Queued and Running are the
// only non-terminal states; once a task reaches a terminal state its state
// never changes again.
type TaskState string

const (
	TaskStateQueued    TaskState = "queued"
	TaskStateRunning   TaskState = "running"
	TaskStateCompleted TaskState = "completed"
	TaskStateFailed    TaskState = "failed"
	TaskStateCancelled TaskState = "cancelled"
	TaskStateTimedOut  TaskState = "timed-out"
)

// Terminal reports whether s is a terminal state.
func (s TaskState) Terminal() bool {
	switch s {
	case TaskStateCompleted, TaskStateFailed, TaskStateCancelled, TaskStateTimedOut:
		return true
	}
	return false
}

// TaskStatus is a snapshot of a task's state. Reason is set only for
// failed tasks.
type TaskStatus struct {
	State  TaskState `json:"state"`
	Reason string    `json:"reason,omitempty"`
}

// ResourceAllocation binds an admitted task to a device and the resources
// it may consume there. Produced by the scheduler at admission time and
// consumed by the device when the task executes.
type ResourceAllocation struct {
	DeviceID         DeviceID      `json:"deviceId"`
	ComputeUnits     []ComputeUnit `json:"computeUnits"`
	MemoryBytes      uint64        `json:"memoryBytes"`
	PowerBudgetWatts float64       `json:"powerBudgetWatts"`
	Timeout          time.Duration `json:"timeout"`
}

// SchedulingHints are soft constraints for device selection. Preferred
// devices, performance floors and latency bounds are advisory; AvoidDevices
// and RequiredMemoryType are hard constraints at admission.
type SchedulingHints struct {
	PreferredDevices   []DeviceID    `json:"preferredDevices,omitempty"`
	AvoidDevices       []DeviceID    `json:"avoidDevices,omitempty"`
	RequiredMemoryType MemoryType    `json:"requiredMemoryType,omitempty"`
	MinTOPS            float64       `json:"minTops,omitempty"`
	MaxLatency         time.Duration `json:"maxLatency,omitempty"`
}

// InferenceInput is one typed, shaped tensor. Data holds raw little-endian
// bytes; producer and consumer agree on the encoding out of band.
type InferenceInput struct {
	Data     []byte   `json:"data"`
	Shape    []uint64 `json:"shape"`
	DataType DataType `json:"dataType"`
}

// InferenceOutput mirrors InferenceInput for results.
type InferenceOutput struct {
	Data     []byte   `json:"data"`
	Shape    []uint64 `json:"shape"`
	DataType DataType `json:"dataType"`
}

// InferenceRequest describes one unit of inference work.
type InferenceRequest struct {
	ModelPath   string            `json:"modelPath"`
	Inputs      []InferenceInput  `json:"inputs"`
	Timeout     time.Duration     `json:"timeout"`
	Priority    Priority          `json:"priority"`
	RequesterID string            `json:"requesterId,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// InferenceResponse carries the outputs of a completed inference.
type InferenceResponse struct {
	Outputs       []InferenceOutput `json:"outputs"`
	ExecutionTime time.Duration     `json:"executionTime"`
	DeviceID      DeviceID          `json:"deviceId"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// InferenceTask is the unit submitted to the scheduler.
type InferenceTask struct {
	ID                   TaskID             `json:"id"`
	Request              InferenceRequest   `json:"request"`
	Priority             Priority           `json:"priority"`
	ResourceRequirements ResourceAllocation `json:"resourceRequirements"`
	SchedulingHints      SchedulingHints    `json:"schedulingHints"`
}

// UsageStats is an aggregate snapshot across all devices managed by one
// scheduler. It is recomputed from current state on every call and never
// cached.
type UsageStats struct {
	TotalDevices             int           `json:"totalDevices"`
	ActiveDevices            int           `json:"activeDevices"`
	ComputeUtilization       float64       `json:"computeUtilization"`
	MemoryUtilization        float64       `json:"memoryUtilization"`
	PowerConsumptionWatts    float64       `json:"powerConsumptionWatts"`
	TasksCompletedLastMinute uint64        `json:"tasksCompletedLastMinute"`
	AverageTaskTime          time.Duration `json:"averageTaskTime"`
	QueuedTasks              int           `json:"queuedTasks"`
}

// DeviceHealth is a point-in-time health snapshot, recomputed on demand.
type DeviceHealth struct {
	Healthy            bool      `json:"healthy"`
	TemperatureCelsius float32   `json:"temperatureCelsius"`
	PowerWatts         float32   `json:"powerWatts"`
	MemoryErrors       uint32    `json:"memoryErrors"`
	ComputeErrors      uint32    `json:"computeErrors"`
	LastCheck          time.Time `json:"lastCheck"`
	StatusMessage      string    `json:"statusMessage"`
}

// ModelDescriptor describes a loaded model's interface as reported by a
// driver.
type ModelDescriptor struct {
	Format         ModelFormat `json:"format"`
	InputShapes    [][]uint64  `json:"inputShapes"`
	OutputShapes   [][]uint64  `json:"outputShapes"`
	InputTypes     []DataType  `json:"inputTypes"`
	OutputTypes    []DataType  `json:"outputTypes"`
	ParameterCount uint64      `json:"parameterCount"`
	SizeBytes      uint64      `json:"sizeBytes"`
}
