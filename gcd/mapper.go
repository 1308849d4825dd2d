package gcd

import "github.com/pkg/errors"

// NoMappingError is returned from MemoryMapper.QueryMemoryRegion when the
// queried range has no active translation. The façade uses it to decide
// between creating and updating a mapping when attributes change.
var NoMappingError error = errors.New("the region has no mapping")

// MemoryMapper is the page-table backend the memory space synchronizes with.
// Implementations translate attribute bitmasks (efi.Memory*) into whatever
// the hardware paging structures need. The façade treats every error as a
// failure of the whole operation and rolls the map back, so implementations
// should fail atomically themselves.
//
// The zero case is supported throughout: a nil MemoryMapper simply skips
// paging synchronization, which is how unit tests and pre-paging boot phases
// run.
type MemoryMapper interface {
	// MapMemoryRegion creates or updates the translation for
	// [base, base+size) with the access and cache attributes in attributes.
	MapMemoryRegion(base uint64, size uint64, attributes uint64) error
	// UnmapMemoryRegion removes any translation for [base, base+size).
	UnmapMemoryRegion(base uint64, size uint64) error
	// QueryMemoryRegion returns the attributes of the uniform mapping
	// covering [base, base+size), or NoMappingError if the range is not
	// mapped.
	QueryMemoryRegion(base uint64, size uint64) (uint64, error)
	// InstallPageTable makes the backend's translation tables live on the
	// boot processor.
	InstallPageTable() error
}
