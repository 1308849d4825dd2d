package gcd

import "github.com/uefikit/dxecore/efi"

// attributeConversionEntry maps one EFI_RESOURCE_ATTRIBUTE_* bit from a
// resource-descriptor HOB to the memory capability it implies. Entries with
// memory set describe what the range physically supports; the rest describe
// platform bring-up state and only apply to ranges outside system memory.
type attributeConversionEntry struct {
	attribute  uint64
	capability uint64
	memory     bool
}

var attributeConversionTable = []attributeConversionEntry{
	{attribute: efi.ResourceAttributeUncacheable, capability: efi.MemoryUC, memory: true},
	{attribute: efi.ResourceAttributeUncachedExported, capability: efi.MemoryUCE, memory: true},
	{attribute: efi.ResourceAttributeWriteCombineable, capability: efi.MemoryWC, memory: true},
	{attribute: efi.ResourceAttributeWriteThroughCache, capability: efi.MemoryWT, memory: true},
	{attribute: efi.ResourceAttributeWriteBackCache, capability: efi.MemoryWB, memory: true},
	{attribute: efi.ResourceAttributeReadProtectable, capability: efi.MemoryRP, memory: true},
	{attribute: efi.ResourceAttributeWriteProtectable, capability: efi.MemoryWP, memory: true},
	{attribute: efi.ResourceAttributeExecProtectable, capability: efi.MemoryXP, memory: true},
	{attribute: efi.ResourceAttributeReadOnlyProtectable, capability: efi.MemoryRO, memory: true},
	{attribute: efi.ResourceAttributePresent, capability: efi.MemoryPresent, memory: false},
	{attribute: efi.ResourceAttributeInitialized, capability: efi.MemoryInitialized, memory: false},
	{attribute: efi.ResourceAttributeTested, capability: efi.MemoryTested, memory: false},
	{attribute: efi.ResourceAttributePersistable, capability: efi.MemoryNV, memory: true},
	{attribute: efi.ResourceAttributeMoreReliable, capability: efi.MemoryMoreReliable, memory: true},
}

// CapabilitiesForResourceAttributes converts the resource attributes a HOB
// producer declared into the capability mask the range enters the global
// coherency domain with.
func CapabilitiesForResourceAttributes(memoryType efi.GcdMemoryType, resourceAttributes uint64) uint64 {
	var capabilities uint64
	for _, conversion := range attributeConversionTable {
		if !conversion.memory &&
			(memoryType == efi.GcdMemoryTypeSystemMemory || memoryType == efi.GcdMemoryTypeMoreReliable) {
			continue
		}
		if resourceAttributes&conversion.attribute != 0 {
			capabilities |= conversion.capability
		}
	}
	return capabilities
}
