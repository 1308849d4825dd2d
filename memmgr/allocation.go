package memmgr

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"

	"github.com/uefikit/dxecore/efi"
)

// PageAllocation is an owned range of pages handed out by a Manager. The
// range stays allocated until Free is called, at which point the handle is
// spent and must not be used again.
//
// A PageAllocation is not safe for concurrent use. Hand it between
// goroutines, don't share it.
type PageAllocation struct {
	manager     *Manager
	baseAddress efi.PhysicalAddress
	pageCount   int
	memoryType  efi.MemoryType
	freed       bool
}

// BaseAddress returns the first address of the allocated range.
func (a *PageAllocation) BaseAddress() efi.PhysicalAddress {
	return a.baseAddress
}

// PageCount returns the number of pages in the allocated range.
func (a *PageAllocation) PageCount() int {
	return a.pageCount
}

// ByteLength returns the size of the allocated range in bytes.
func (a *PageAllocation) ByteLength() uint64 {
	return efi.PagesToSize(uint64(a.pageCount))
}

// MemoryType returns the memory type the range was allocated as.
func (a *PageAllocation) MemoryType() efi.MemoryType {
	return a.memoryType
}

// SetAttributes applies an access protection, and optionally a caching mode,
// to the allocated range.
func (a *PageAllocation) SetAttributes(access AccessType, caching CachingType) error {
	if a.freed {
		return cerrors.Wrapf(InvalidAddressError, "the allocation at 0x%x has already been freed", a.baseAddress)
	}

	return a.manager.SetPageAttributes(a.baseAddress, a.pageCount, access, caching)
}

// Free returns the range to the coherency domain. Freeing an allocation twice
// fails with InvalidAddressError.
func (a *PageAllocation) Free() error {
	if a.freed {
		return cerrors.Wrapf(InvalidAddressError, "the allocation at 0x%x has already been freed", a.baseAddress)
	}

	err := a.manager.FreePages(a.baseAddress, a.pageCount)
	if err != nil {
		return err
	}

	a.freed = true
	return nil
}

func (a *PageAllocation) String() string {
	return fmt.Sprintf("%s allocation of %d pages at %#x", a.memoryType, a.pageCount, a.baseAddress)
}
