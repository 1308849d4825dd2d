package efi

// ResourceType identifies what a resource-descriptor HOB describes, per the
// PI specification's EFI_RESOURCE_TYPE.
type ResourceType uint32

const (
	ResourceSystemMemory ResourceType = iota
	ResourceMemoryMappedIo
	ResourceIo
	ResourceFirmwareDevice
	ResourceMemoryMappedIoPort
	ResourceMemoryReserved
	ResourceIoReserved
	ResourceMemoryUnaccepted
	ResourceMaxMemoryType
)

// EFI_RESOURCE_ATTRIBUTE_* bits carried by resource-descriptor HOBs. Only
// the bits consumed by the GCD conversion table and the HOB walk are
// declared.
const (
	ResourceAttributePresent             uint64 = 0x00000001
	ResourceAttributeInitialized         uint64 = 0x00000002
	ResourceAttributeTested              uint64 = 0x00000004
	ResourceAttribute16BitIo             uint64 = 0x00000008
	ResourceAttribute32BitIo             uint64 = 0x00000010
	ResourceAttribute64BitIo             uint64 = 0x00000020
	ResourceAttributeReadProtected       uint64 = 0x00000080
	ResourceAttributeWriteProtected      uint64 = 0x00000100
	ResourceAttributeExecutionProtected  uint64 = 0x00000200
	ResourceAttributeUncacheable         uint64 = 0x00000400
	ResourceAttributeWriteCombineable    uint64 = 0x00000800
	ResourceAttributeWriteThroughCache   uint64 = 0x00001000
	ResourceAttributeWriteBackCache      uint64 = 0x00002000
	ResourceAttributeUncachedExported    uint64 = 0x00020000
	ResourceAttributeReadOnlyProtected   uint64 = 0x00040000
	ResourceAttributeReadOnlyProtectable uint64 = 0x00080000
	ResourceAttributeReadProtectable     uint64 = 0x00100000
	ResourceAttributeWriteProtectable    uint64 = 0x00200000
	ResourceAttributeExecProtectable     uint64 = 0x00400000
	ResourceAttributePersistent          uint64 = 0x00800000
	ResourceAttributePersistable         uint64 = 0x01000000
	ResourceAttributeMoreReliable        uint64 = 0x02000000
	ResourceAttributeSpecialPurpose      uint64 = 0x08000000
)

// ResourceMemoryAttributeMask selects the bits that describe a system-memory
// range's bring-up state: presence, initialization, testing, the protection
// status bits, and the I/O cycle widths. System memory classifies by exact
// equality against one of the three progressions below, so a range carrying
// an unexpected status bit degrades to reserved.
const ResourceMemoryAttributeMask = ResourceAttributePresent |
	ResourceAttributeInitialized |
	ResourceAttributeTested |
	ResourceAttribute16BitIo |
	ResourceAttribute32BitIo |
	ResourceAttribute64BitIo |
	ResourceAttributeReadProtected |
	ResourceAttributeWriteProtected |
	ResourceAttributeExecutionProtected |
	ResourceAttributeReadOnlyProtected

const (
	ResourcePresentMemoryAttributes     = ResourceAttributePresent
	ResourceInitializedMemoryAttributes = ResourceAttributePresent | ResourceAttributeInitialized
	ResourceTestedMemoryAttributes      = ResourceAttributePresent | ResourceAttributeInitialized | ResourceAttributeTested
)

// PhitHob is the phase-handoff record describing the memory the previous
// boot phase used and the free window it left for this phase.
type PhitHob struct {
	MemoryBottom     PhysicalAddress
	MemoryTop        PhysicalAddress
	FreeMemoryBottom PhysicalAddress
	FreeMemoryTop    PhysicalAddress
}

// CpuHob reports the processor's address-space widths in bits.
type CpuHob struct {
	SizeOfMemorySpace uint8
	SizeOfIoSpace     uint8
}

// ResourceDescriptorHob declares one range of physical address space and the
// capabilities the platform claims for it.
type ResourceDescriptorHob struct {
	ResourceType       ResourceType
	ResourceAttributes uint64
	Start              PhysicalAddress
	Length             uint64
}

// End returns the first address past the described range.
func (h *ResourceDescriptorHob) End() PhysicalAddress {
	return h.Start + h.Length
}

// ResourceDescriptorV2Hob extends the v1 record with the EFI memory
// attributes (cache and protection bits) the range boots with.
type ResourceDescriptorV2Hob struct {
	ResourceDescriptorHob
	Attributes uint64
}

// HobList is the subset of the hand-off block list the GCD consumes. The
// HOB wire format itself is parsed by earlier-phase glue outside this
// module.
type HobList struct {
	Phit                  *PhitHob
	Cpu                   *CpuHob
	ResourceDescriptors   []ResourceDescriptorHob
	ResourceDescriptorsV2 []ResourceDescriptorV2Hob
}
