package efi

import "fmt"

// MemoryType is the EFI_MEMORY_TYPE enumeration used by the page-allocation
// services. GCD range types are the separate GcdMemoryType enumeration.
type MemoryType uint32

const (
	ReservedMemoryType MemoryType = iota
	LoaderCode
	LoaderData
	BootServicesCode
	BootServicesData
	RuntimeServicesCode
	RuntimeServicesData
	ConventionalMemory
	UnusableMemory
	ACPIReclaimMemory
	ACPIMemoryNVS
	MemoryMappedIO
	MemoryMappedIOPortSpace
	PalCode
	PersistentMemory
	UnacceptedMemoryType
	MaxMemoryType
)

const (
	// OemMemoryTypeStart is the first memory type value reserved for OEM use.
	OemMemoryTypeStart MemoryType = 0x70000000
	// OsMemoryTypeStart is the first memory type value reserved for OS use.
	OsMemoryTypeStart MemoryType = 0x80000000
)

// IsOemReserved reports whether t falls in the OEM-defined memory type range.
func (t MemoryType) IsOemReserved() bool {
	return t >= OemMemoryTypeStart && t < OsMemoryTypeStart
}

var memoryTypeNames = [MaxMemoryType]string{
	"ReservedMemoryType",
	"LoaderCode",
	"LoaderData",
	"BootServicesCode",
	"BootServicesData",
	"RuntimeServicesCode",
	"RuntimeServicesData",
	"ConventionalMemory",
	"UnusableMemory",
	"ACPIReclaimMemory",
	"ACPIMemoryNVS",
	"MemoryMappedIO",
	"MemoryMappedIOPortSpace",
	"PalCode",
	"PersistentMemory",
	"UnacceptedMemoryType",
}

func (t MemoryType) String() string {
	if t < MaxMemoryType {
		return memoryTypeNames[t]
	}
	if t.IsOemReserved() {
		return fmt.Sprintf("OemReservedMemoryType(%#x)", uint32(t))
	}
	if t.IsOsReserved() {
		return fmt.Sprintf("OsReservedMemoryType(%#x)", uint32(t))
	}
	return fmt.Sprintf("MemoryType(%d)", uint32(t))
}

// IsOsReserved reports whether t falls in the OS-defined memory type range.
func (t MemoryType) IsOsReserved() bool {
	return t >= OsMemoryTypeStart
}

// GcdMemoryType classifies a range of the memory address space.
type GcdMemoryType uint32

const (
	// GcdMemoryTypeNonExistent marks address space the platform has not
	// declared. Every space starts out entirely non-existent.
	GcdMemoryTypeNonExistent GcdMemoryType = iota
	// GcdMemoryTypeReserved is declared space that must not be used by boot
	// or runtime allocations.
	GcdMemoryTypeReserved
	// GcdMemoryTypeSystemMemory is general-purpose RAM.
	GcdMemoryTypeSystemMemory
	// GcdMemoryTypeMemoryMappedIo is memory-mapped device space.
	GcdMemoryTypeMemoryMappedIo
	// GcdMemoryTypePersistent is byte-addressable persistent memory.
	GcdMemoryTypePersistent
	// GcdMemoryTypeMoreReliable is system memory with better-than-baseline
	// reliability characteristics.
	GcdMemoryTypeMoreReliable
	// GcdMemoryTypeUnaccepted is memory that has not yet been accepted from
	// the host in a confidential-computing boot. It cannot be allocated.
	GcdMemoryTypeUnaccepted
	GcdMemoryTypeMaximum
)

var gcdMemoryTypeNames = [GcdMemoryTypeMaximum]string{
	"NonExistent",
	"Reserved",
	"SystemMemory",
	"MemoryMappedIo",
	"Persistent",
	"MoreReliable",
	"Unaccepted",
}

func (t GcdMemoryType) String() string {
	if t < GcdMemoryTypeMaximum {
		return gcdMemoryTypeNames[t]
	}
	return fmt.Sprintf("GcdMemoryType(%d)", uint32(t))
}

// GcdIoType classifies a range of the I/O address space.
type GcdIoType uint32

const (
	GcdIoTypeNonExistent GcdIoType = iota
	GcdIoTypeReserved
	GcdIoTypeIo
	GcdIoTypeMaximum
)

var gcdIoTypeNames = [GcdIoTypeMaximum]string{
	"NonExistent",
	"Reserved",
	"Io",
}

func (t GcdIoType) String() string {
	if t < GcdIoTypeMaximum {
		return gcdIoTypeNames[t]
	}
	return fmt.Sprintf("GcdIoType(%d)", uint32(t))
}

// GcdAllocateType selects the search strategy for AllocateMemorySpace and
// AllocateIoSpace.
type GcdAllocateType uint32

const (
	// GcdAllocateAnySearchBottomUp searches upward from the lowest address.
	GcdAllocateAnySearchBottomUp GcdAllocateType = iota
	// GcdAllocateMaxAddressSearchBottomUp searches upward but rejects ranges
	// ending above the caller's limit address.
	GcdAllocateMaxAddressSearchBottomUp
	// GcdAllocateAddress allocates exactly the caller-supplied base address.
	GcdAllocateAddress
	// GcdAllocateAnySearchTopDown searches downward from the highest address.
	GcdAllocateAnySearchTopDown
	// GcdAllocateMaxAddressSearchTopDown searches downward starting at the
	// caller's limit address.
	GcdAllocateMaxAddressSearchTopDown
	GcdMaxAllocateType
)

var gcdAllocateTypeNames = [GcdMaxAllocateType]string{
	"AnySearchBottomUp",
	"MaxAddressSearchBottomUp",
	"Address",
	"AnySearchTopDown",
	"MaxAddressSearchTopDown",
}

func (t GcdAllocateType) String() string {
	if t < GcdMaxAllocateType {
		return gcdAllocateTypeNames[t]
	}
	return fmt.Sprintf("GcdAllocateType(%d)", uint32(t))
}

// EFI_MEMORY_* attribute and capability bits.
const (
	MemoryUC  uint64 = 0x0000000000000001
	MemoryWC  uint64 = 0x0000000000000002
	MemoryWT  uint64 = 0x0000000000000004
	MemoryWB  uint64 = 0x0000000000000008
	MemoryUCE uint64 = 0x0000000000000010

	MemoryWP uint64 = 0x0000000000001000
	MemoryRP uint64 = 0x0000000000002000
	MemoryXP uint64 = 0x0000000000004000
	MemoryNV uint64 = 0x0000000000008000

	MemoryMoreReliable uint64 = 0x0000000000010000
	MemoryRO           uint64 = 0x0000000000020000
	MemorySP           uint64 = 0x0000000000040000
	MemoryCpuCrypto    uint64 = 0x0000000000080000

	// MemoryPresent, MemoryInitialized and MemoryTested are GCD-internal
	// capability bits tracked for ranges that are not system memory.
	MemoryPresent     uint64 = 0x0100000000000000
	MemoryInitialized uint64 = 0x0200000000000000
	MemoryTested      uint64 = 0x0400000000000000

	MemoryIsaMask  uint64 = 0x0FFFF00000000000
	MemoryIsaValid uint64 = 0x4000000000000000
	MemoryRuntime  uint64 = 0x8000000000000000
)

const (
	// MemoryCacheAttributeMask selects the mutually-exclusive cacheability
	// attributes.
	MemoryCacheAttributeMask = MemoryUC | MemoryWC | MemoryWT | MemoryWB |
		MemoryUCE | MemoryWP
	// MemoryAccessMask selects the access-protection attributes.
	MemoryAccessMask = MemoryRP | MemoryXP | MemoryRO
)

// MemorySpaceDescriptor reports the state of one contiguous memory-space
// range. Field order matches EFI_GCD_MEMORY_SPACE_DESCRIPTOR.
type MemorySpaceDescriptor struct {
	BaseAddress  PhysicalAddress
	Length       uint64
	Capabilities uint64
	Attributes   uint64
	MemoryType   GcdMemoryType
	ImageHandle  Handle
	DeviceHandle Handle
}

// End returns the first address past the descriptor's range.
func (d *MemorySpaceDescriptor) End() PhysicalAddress {
	return d.BaseAddress + d.Length
}

// IoSpaceDescriptor reports the state of one contiguous I/O-space range.
// Field order matches EFI_GCD_IO_SPACE_DESCRIPTOR.
type IoSpaceDescriptor struct {
	BaseAddress  PhysicalAddress
	Length       uint64
	IoType       GcdIoType
	ImageHandle  Handle
	DeviceHandle Handle
}

// End returns the first address past the descriptor's range.
func (d *IoSpaceDescriptor) End() PhysicalAddress {
	return d.BaseAddress + d.Length
}
