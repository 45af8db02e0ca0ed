package device

import "github.com/vkngwrapper/core/v2/common"

// HeapType selects the kind of memory a heap lives in
type HeapType int32

const (
	// HeapTypeDefault is device-local memory that the CPU cannot access
	HeapTypeDefault HeapType = iota
	// HeapTypeUpload is CPU-writable memory used to send data to the device
	HeapTypeUpload
	// HeapTypeReadback is CPU-readable memory used to read data back from the device
	HeapTypeReadback
	// HeapTypeGPUUpload is device-local memory that the CPU can also write to
	HeapTypeGPUUpload

	// HeapTypeCount is the number of heap types
	HeapTypeCount = int(HeapTypeGPUUpload) + 1
)

var heapTypeMapping = map[HeapType]string{
	HeapTypeDefault:   "HeapTypeDefault",
	HeapTypeUpload:    "HeapTypeUpload",
	HeapTypeReadback:  "HeapTypeReadback",
	HeapTypeGPUUpload: "HeapTypeGPUUpload",
}

func (t HeapType) String() string {
	str, ok := heapTypeMapping[t]
	if !ok {
		return "HeapTypeUnknown"
	}
	return str
}

// Valid returns true if the heap type is one of the known heap types
func (t HeapType) Valid() bool {
	return t >= HeapTypeDefault && int(t) < HeapTypeCount
}

// HeapFlags restrict what a heap may hold and how it is created
type HeapFlags int32

var heapFlagsMapping = common.NewFlagStringMapping[HeapFlags]()

func (f HeapFlags) Register(str string) {
	heapFlagsMapping.Register(f, str)
}
func (f HeapFlags) String() string {
	return heapFlagsMapping.FlagsToString(f)
}

const (
	HeapFlagsShared HeapFlags = 1 << iota
	HeapFlagsDenyBuffers
	HeapFlagsDenyRTDSTextures
	HeapFlagsDenyNonRTDSTextures
	// HeapFlagsCreateNotZeroed allows the driver to return heaps whose contents are not zeroed
	HeapFlagsCreateNotZeroed

	HeapFlagsNone HeapFlags = 0

	HeapFlagsAllowOnlyBuffers          = HeapFlagsDenyRTDSTextures | HeapFlagsDenyNonRTDSTextures
	HeapFlagsAllowOnlyNonRTDSTextures  = HeapFlagsDenyBuffers | HeapFlagsDenyRTDSTextures
	HeapFlagsAllowOnlyRTDSTextures     = HeapFlagsDenyBuffers | HeapFlagsDenyNonRTDSTextures
	HeapFlagsAllowAllBuffersAndTextures HeapFlags = 0

	// HeapFlagsResourceClassMask covers the flags that restrict a heap to a resource class
	HeapFlagsResourceClassMask = HeapFlagsDenyBuffers | HeapFlagsDenyRTDSTextures | HeapFlagsDenyNonRTDSTextures
)

// ResourceDimension identifies buffers and the texture shapes
type ResourceDimension int32

const (
	ResourceDimensionBuffer ResourceDimension = iota
	ResourceDimensionTexture1D
	ResourceDimensionTexture2D
	ResourceDimensionTexture3D
)

var resourceDimensionMapping = map[ResourceDimension]string{
	ResourceDimensionBuffer:    "ResourceDimensionBuffer",
	ResourceDimensionTexture1D: "ResourceDimensionTexture1D",
	ResourceDimensionTexture2D: "ResourceDimensionTexture2D",
	ResourceDimensionTexture3D: "ResourceDimensionTexture3D",
}

func (d ResourceDimension) String() string {
	return resourceDimensionMapping[d]
}

// ResourceFlags describe how a resource may be used
type ResourceFlags int32

var resourceFlagsMapping = common.NewFlagStringMapping[ResourceFlags]()

func (f ResourceFlags) Register(str string) {
	resourceFlagsMapping.Register(f, str)
}
func (f ResourceFlags) String() string {
	return resourceFlagsMapping.FlagsToString(f)
}

const (
	ResourceFlagsAllowRenderTarget ResourceFlags = 1 << iota
	ResourceFlagsAllowDepthStencil
	ResourceFlagsAllowUnorderedAccess
	ResourceFlagsDenyShaderResource

	ResourceFlagsNone ResourceFlags = 0
)

// MemorySegmentGroup is the pool of physical memory a heap draws from. Budgets are reported per group.
type MemorySegmentGroup int32

const (
	// MemorySegmentGroupLocal is the memory closest to the device: video memory on discrete adapters,
	// and all memory on UMA adapters
	MemorySegmentGroupLocal MemorySegmentGroup = iota
	// MemorySegmentGroupNonLocal is system memory visible to a discrete adapter
	MemorySegmentGroupNonLocal

	MemorySegmentGroupCount = int(MemorySegmentGroupNonLocal) + 1
)

var memorySegmentGroupMapping = map[MemorySegmentGroup]string{
	MemorySegmentGroupLocal:    "MemorySegmentGroupLocal",
	MemorySegmentGroupNonLocal: "MemorySegmentGroupNonLocal",
}

func (g MemorySegmentGroup) String() string {
	return memorySegmentGroupMapping[g]
}

func init() {
	HeapFlagsShared.Register("HeapFlagsShared")
	HeapFlagsDenyBuffers.Register("HeapFlagsDenyBuffers")
	HeapFlagsDenyRTDSTextures.Register("HeapFlagsDenyRTDSTextures")
	HeapFlagsDenyNonRTDSTextures.Register("HeapFlagsDenyNonRTDSTextures")
	HeapFlagsCreateNotZeroed.Register("HeapFlagsCreateNotZeroed")

	ResourceFlagsAllowRenderTarget.Register("ResourceFlagsAllowRenderTarget")
	ResourceFlagsAllowDepthStencil.Register("ResourceFlagsAllowDepthStencil")
	ResourceFlagsAllowUnorderedAccess.Register("ResourceFlagsAllowUnorderedAccess")
	ResourceFlagsDenyShaderResource.Register("ResourceFlagsDenyShaderResource")
}
