package npu

// Capabilities is the immutable description of what a device can do. It is
// constructed once at device creation and shared read-only afterwards, so
// concurrent readers never race. There is no mutation API.
type Capabilities struct {
	Compute      ComputeCapability `json:"compute"`
	Memory       MemoryCapability  `json:"memory"`
	ModelSupport ModelSupport      `json:"modelSupport"`
	Performance  PerformanceSpec   `json:"performance"`
}

// ComputeCapability describes the compute side of a device.
type ComputeCapability struct {
	ComputeUnits        []ComputeUnit          `json:"computeUnits"`
	CoreCounts          map[ComputeUnit]uint32 `json:"coreCounts"`
	SupportedDataTypes  []DataType             `json:"supportedDataTypes"`
	MaxBatchSize        uint32                 `json:"maxBatchSize"`
	MaxTensorDims       uint32                 `json:"maxTensorDims"`
	ConcurrentInference bool                   `json:"concurrentInference"`
	MixedPrecision      bool                   `json:"mixedPrecision"`
}

// MemoryCapability describes the memory side of a device.
type MemoryCapability struct {
	TotalMemoryBytes     uint64       `json:"totalMemoryBytes"`
	SupportedMemoryTypes []MemoryType `json:"supportedMemoryTypes"`
	MaxAllocationBytes   uint64       `json:"maxAllocationBytes"`
	AlignmentBytes       uint64       `json:"alignmentBytes"`
	MemoryPooling        bool         `json:"memoryPooling"`
	UnifiedMemory        bool         `json:"unifiedMemory"`
}

// ModelSupport describes model format and feature support.
type ModelSupport struct {
	SupportedFormats  []ModelFormat `json:"supportedFormats"`
	DynamicLoading    bool          `json:"dynamicLoading"`
	Quantization      []DataType    `json:"quantization"`
	DynamicShapes     bool          `json:"dynamicShapes"`
	GraphOptimization bool          `json:"graphOptimization"`
	CustomOperators   bool          `json:"customOperators"`
}

// DefaultCapabilities returns a modest baseline capability set, used by
// mock devices and as a fallback when a probe cannot report details.
func DefaultCapabilities() *Capabilities {
	return &Capabilities{
		Compute: ComputeCapability{
			ComputeUnits: []ComputeUnit{ComputeUnitTensorCore, ComputeUnitVectorCore},
			CoreCounts: map[ComputeUnit]uint32{
				ComputeUnitTensorCore: 8,
				ComputeUnitVectorCore: 4,
			},
			SupportedDataTypes:  []DataType{DataTypeFloat32, DataTypeFloat16, DataTypeInt8},
			MaxBatchSize:        32,
			MaxTensorDims:       8,
			ConcurrentInference: true,
			MixedPrecision:      true,
		},
		Memory: MemoryCapability{
			TotalMemoryBytes:     4 << 30,
			SupportedMemoryTypes: []MemoryType{MemoryTypeUnified, MemoryTypeDedicated},
			MaxAllocationBytes:   1 << 30,
			AlignmentBytes:       256,
			MemoryPooling:        true,
			UnifiedMemory:        true,
		},
		ModelSupport: ModelSupport{
			SupportedFormats:  []ModelFormat{ModelFormatONNX, ModelFormatTensorFlow},
			DynamicLoading:    true,
			Quantization:      []DataType{DataTypeInt8, DataTypeFloat16},
			DynamicShapes:     false,
			GraphOptimization: true,
			CustomOperators:   false,
		},
		Performance: PerformanceSpec{
			PeakTOPS:            1.0,
			SustainedTOPS:       0.8,
			MemoryBandwidthGBps: 10.0,
			PowerWatts:          10.0,
			FrequencyMHz:        1000,
		},
	}
}

// SupportsDataType reports whether the device can operate on the given
// element type. Unknown types report false, never an error.
func (c *Capabilities) SupportsDataType(dt DataType) bool {
	for _, supported := range c.Compute.SupportedDataTypes {
		if supported == dt {
			return true
		}
	}
	return false
}

// SupportsModelFormat reports whether the device can load the given model
// format.
func (c *Capabilities) SupportsModelFormat(format ModelFormat) bool {
	for _, supported := range c.ModelSupport.SupportedFormats {
		if supported == format {
			return true
		}
	}
	return false
}

// HasComputeUnit reports whether the device carries the given compute unit
// family.
func (c *Capabilities) HasComputeUnit(unit ComputeUnit) bool {
	for _, available := range c.Compute.ComputeUnits {
		if available == unit {
			return true
		}
	}
	return false
}

// CoreCount returns the number of cores of the given unit family, or 0 if
// the device has none.
func (c *Capabilities) CoreCount(unit ComputeUnit) uint32 {
	return c.Compute.CoreCounts[unit]
}

// SupportsConcurrentInference reports whether the device accepts
// overlapping inference calls.
func (c *Capabilities) SupportsConcurrentInference() bool {
	return c.Compute.ConcurrentInference
}

// MaxBatchSize returns the largest batch the device accepts.
func (c *Capabilities) MaxBatchSize() uint32 {
	return c.Compute.MaxBatchSize
}

// AvailableMemory returns the total device memory in bytes.
func (c *Capabilities) AvailableMemory() uint64 {
	return c.Memory.TotalMemoryBytes
}

// SupportsMemoryType reports whether the device exposes the given memory
// kind.
func (c *Capabilities) SupportsMemoryType(mt MemoryType) bool {
	for _, supported := range c.Memory.SupportedMemoryTypes {
		if supported == mt {
			return true
		}
	}
	return false
}
