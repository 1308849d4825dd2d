package memmgr

import (
	"context"
	"fmt"
	"math"
	"math/bits"

	cerrors "github.com/cockroachdb/errors"
	"github.com/dolthub/swiss"
	"github.com/pkg/errors"
	"golang.org/x/exp/slog"

	"github.com/uefikit/dxecore/efi"
	"github.com/uefikit/dxecore/gcd"
	"github.com/uefikit/dxecore/internal/utils"
	"github.com/uefikit/dxecore/memutils"
)

// AllocateStrategy selects where AllocatePages places an allocation. The
// values follow EFI_ALLOCATE_TYPE.
type AllocateStrategy uint32

const (
	// AllocateAnyPages places the allocation in any free range that satisfies
	// the request.
	AllocateAnyPages AllocateStrategy = iota
	// AllocateMaxAddress places the allocation in any free range that ends at
	// or below AllocateOptions.Address.
	AllocateMaxAddress
	// AllocateAddress places the allocation exactly at AllocateOptions.Address.
	AllocateAddress
)

var allocateStrategyNames = map[AllocateStrategy]string{
	AllocateAnyPages:   "AllocateAnyPages",
	AllocateMaxAddress: "AllocateMaxAddress",
	AllocateAddress:    "AllocateAddress",
}

func (s AllocateStrategy) String() string {
	name, ok := allocateStrategyNames[s]
	if !ok {
		return fmt.Sprintf("AllocateStrategy(%d)", uint32(s))
	}
	return name
}

// AllocateOptions contains optional parameters for Manager.AllocatePages. The
// zero value requests page-aligned pages from any free range.
type AllocateOptions struct {
	// Strategy selects where the pages are placed
	Strategy AllocateStrategy

	// Address is the required base address when Strategy is AllocateAddress,
	// or the highest address the allocation may reach when Strategy is
	// AllocateMaxAddress. It is ignored for AllocateAnyPages.
	Address efi.PhysicalAddress

	// Alignment is the required base-address alignment in bytes. It must be a
	// page-aligned power of two. Zero means page alignment.
	Alignment uint64
}

// CreateOptions contains optional parameters for New
type CreateOptions struct {
	// ExternallySynchronized disables the manager's internal bookkeeping lock.
	// Set it only when the caller guarantees the manager is never used from
	// more than one goroutine at a time.
	ExternallySynchronized bool
}

type allocationRecord struct {
	pageCount  int
	memoryType efi.MemoryType
}

// Manager hands out page-granular memory from a coherency domain's system
// memory and tracks the outstanding allocations. It layers the firmware
// page-allocation policy on top of the domain: only boot-relevant memory
// types may be allocated, placement and alignment requests are validated
// before they reach the domain, and page protections are expressed as
// AccessType and CachingType pairs rather than raw attribute bits.
type Manager struct {
	logger      *slog.Logger
	domain      *gcd.Gcd
	imageHandle efi.Handle

	mutex       utils.OptionalRWMutex
	allocations *swiss.Map[efi.PhysicalAddress, allocationRecord]
}

// New creates a Manager that allocates from the provided coherency domain
//
// logger - The logger the manager writes diagnostics to
//
// domain - The coherency domain backing all allocations. It must outlive the
// manager.
//
// imageHandle - The image recorded as the owner of every range the manager
// allocates
//
// options - Optional parameters: it is valid to leave all the fields blank
func New(logger *slog.Logger, domain *gcd.Gcd, imageHandle efi.Handle, options CreateOptions) (*Manager, error) {
	if domain == nil {
		return nil, errors.New("attempted to create a memory manager without a coherency domain")
	}
	if imageHandle == efi.NullHandle {
		return nil, errors.New("attempted to create a memory manager without an owner image handle")
	}

	useMutex := !options.ExternallySynchronized

	return &Manager{
		logger:      logger,
		domain:      domain,
		imageHandle: imageHandle,

		mutex:       utils.OptionalRWMutex{UseMutex: useMutex},
		allocations: swiss.NewMap[efi.PhysicalAddress, allocationRecord](42),
	}, nil
}

// allocatable reports whether memoryType may be handed out through
// AllocatePages. Conventional memory is what allocations are carved from,
// and the remaining excluded types describe memory with lifecycle rules of
// its own (persistent, unaccepted, unusable).
func allocatable(memoryType efi.MemoryType) bool {
	switch memoryType {
	case efi.ReservedMemoryType, efi.LoaderCode, efi.LoaderData,
		efi.BootServicesCode, efi.BootServicesData,
		efi.RuntimeServicesCode, efi.RuntimeServicesData,
		efi.ACPIReclaimMemory, efi.ACPIMemoryNVS,
		efi.MemoryMappedIO, efi.MemoryMappedIOPortSpace:
		return true
	}

	return memoryType.IsOemReserved() || memoryType.IsOsReserved()
}

// AllocatePages allocates pageCount pages of the given memory type and returns
// an owned handle to the range. The allocation is recorded against the
// manager's image handle in the coherency domain, and the handle's Free
// returns the pages.
//
// memoryType must be one of the firmware-allocatable types: loader, boot
// services, runtime services, ACPI, reserved, memory-mapped I/O, or an
// OEM/OS-defined type. All others fail with UnsupportedMemoryTypeError.
func (m *Manager) AllocatePages(memoryType efi.MemoryType, pageCount int, options AllocateOptions) (*PageAllocation, error) {
	if !allocatable(memoryType) {
		return nil, cerrors.Wrapf(UnsupportedMemoryTypeError, "memory type %d", uint32(memoryType))
	}
	if pageCount <= 0 || uint64(pageCount) > math.MaxUint64>>efi.PageShift {
		return nil, cerrors.Wrapf(InvalidPageCountError, "%d pages were requested", pageCount)
	}

	alignment := options.Alignment
	if alignment == 0 {
		alignment = efi.PageSize
	}
	if err := memutils.CheckPow2(alignment, "options.Alignment"); err != nil {
		return nil, cerrors.Wrapf(InvalidAlignmentError, "%v", err)
	}
	if err := memutils.CheckPageAligned(alignment, efi.PageSize, "options.Alignment"); err != nil {
		return nil, cerrors.Wrapf(InvalidAlignmentError, "%v", err)
	}

	var allocateType efi.GcdAllocateType
	switch options.Strategy {
	case AllocateAnyPages:
		allocateType = efi.GcdAllocateAnySearchBottomUp
	case AllocateMaxAddress:
		allocateType = efi.GcdAllocateMaxAddressSearchBottomUp
	case AllocateAddress:
		if !memutils.IsAligned(options.Address, alignment) {
			return nil, cerrors.Wrapf(UnalignedAddressError, "0x%x is not aligned to 0x%x", options.Address, alignment)
		}
		allocateType = efi.GcdAllocateAddress
	default:
		return nil, errors.Errorf("attempted to allocate with unknown strategy %d", uint32(options.Strategy))
	}

	m.logger.LogAttrs(context.Background(), slog.LevelDebug, "allocating pages",
		slog.String("memoryType", memoryType.String()),
		slog.Int("pageCount", pageCount),
		slog.String("strategy", options.Strategy.String()),
		slog.String("address", fmt.Sprintf("%#x", options.Address)),
		slog.String("alignment", fmt.Sprintf("%#x", alignment)),
	)

	length := efi.PagesToSize(uint64(pageCount))
	baseAddress, err := m.domain.AllocateMemorySpace(
		allocateType,
		efi.GcdMemoryTypeSystemMemory,
		uint(bits.TrailingZeros64(alignment)),
		length,
		options.Address,
		m.imageHandle,
		efi.NullHandle,
	)
	if err != nil {
		if cerrors.Is(err, efi.StatusOutOfResources) || cerrors.Is(err, efi.StatusNotFound) {
			return nil, cerrors.Wrapf(NoAvailableMemoryError, "%d pages of type %d: %v", pageCount, uint32(memoryType), err)
		}
		return nil, cerrors.Wrapf(InternalError, "the coherency domain rejected the allocation: %v", err)
	}

	m.mutex.Lock()
	m.allocations.Put(baseAddress, allocationRecord{
		pageCount:  pageCount,
		memoryType: memoryType,
	})
	m.mutex.Unlock()

	return &PageAllocation{
		manager:     m,
		baseAddress: baseAddress,
		pageCount:   pageCount,
		memoryType:  memoryType,
	}, nil
}

// FreePages returns a range obtained from AllocatePages to the coherency
// domain. The address and page count must exactly describe one outstanding
// allocation. Prefer PageAllocation.Free, which tracks this for you.
//
// After the domain's memory map has been locked, the pages can no longer be
// returned to it; the manager still retires its own record and reports
// success so teardown paths behave the same before and after the lock.
func (m *Manager) FreePages(address efi.PhysicalAddress, pageCount int) error {
	m.mutex.Lock()

	record, ok := m.allocations.Get(address)
	if !ok {
		m.mutex.Unlock()
		return cerrors.Wrapf(InvalidAddressError, "0x%x is not an outstanding allocation", address)
	}
	if record.pageCount != pageCount {
		m.mutex.Unlock()
		return cerrors.Wrapf(InvalidPageCountError, "the allocation at 0x%x spans %d pages, but %d were freed", address, record.pageCount, pageCount)
	}

	m.allocations.Delete(address)
	m.mutex.Unlock()

	err := m.domain.FreeMemorySpace(address, efi.PagesToSize(uint64(pageCount)))
	if err != nil {
		if cerrors.Is(err, efi.StatusAccessDenied) {
			m.logger.LogAttrs(context.Background(), slog.LevelDebug, "pages freed after the memory map was locked, range retained",
				slog.String("address", fmt.Sprintf("%#x", address)),
				slog.Int("pageCount", pageCount),
			)
			return nil
		}

		m.mutex.Lock()
		m.allocations.Put(address, record)
		m.mutex.Unlock()
		return cerrors.Wrapf(InternalError, "the coherency domain rejected the free: %v", err)
	}

	return nil
}

// SetPageAttributes applies an access protection, and optionally a caching
// mode, to a range of pages. The range may span any number of coherency
// domain descriptors; each is updated in turn, replacing only its access
// bits (and cache bits when caching is not CachingUnspecified) and leaving
// everything else as it was.
func (m *Manager) SetPageAttributes(address efi.PhysicalAddress, pageCount int, access AccessType, caching CachingType) error {
	if pageCount <= 0 || uint64(pageCount) > math.MaxUint64>>efi.PageShift {
		return cerrors.Wrapf(InvalidPageCountError, "%d pages were requested", pageCount)
	}
	if err := memutils.CheckPageAligned(address, efi.PageSize, "address"); err != nil {
		return cerrors.Wrapf(UnalignedAddressError, "%v", err)
	}

	accessBits, err := accessAttributes(access)
	if err != nil {
		return err
	}

	var cacheBits uint64
	withCaching := caching != CachingUnspecified
	if withCaching {
		cacheBits, err = cachingAttributes(caching)
		if err != nil {
			return err
		}
	}

	length := efi.PagesToSize(uint64(pageCount))
	if length > math.MaxUint64-address {
		return cerrors.Wrapf(InvalidAddressError, "the range at 0x%x wraps the address space", address)
	}

	current := address
	end := address + length
	for current < end {
		descriptor, err := m.domain.GetMemorySpaceDescriptor(current)
		if err != nil {
			return cerrors.Wrapf(InvalidAddressError, "no descriptor covers 0x%x: %v", current, err)
		}

		next := descriptor.End()
		if next > end {
			next = end
		}

		newAttributes := descriptor.Attributes&^efi.MemoryAccessMask | accessBits
		if withCaching {
			newAttributes = newAttributes&^efi.MemoryCacheAttributeMask | cacheBits
		}

		err = m.domain.SetMemorySpaceAttributes(current, next-current, newAttributes)
		if err != nil {
			return cerrors.Wrapf(InternalError, "the coherency domain rejected attributes %#x for 0x%x-0x%x: %v", newAttributes, current, next-1, err)
		}

		current = next
	}

	return nil
}

// GetPageAttributes reports the access protection and caching mode of a range
// of pages. The entire range must lie within a single coherency domain
// descriptor; a range that crosses into a neighboring descriptor has no
// single answer and fails with InconsistentRangeAttributesError. A range
// whose cache bits do not name one recognized mode reports WriteBack.
func (m *Manager) GetPageAttributes(address efi.PhysicalAddress, pageCount int) (AccessType, CachingType, error) {
	if pageCount <= 0 || uint64(pageCount) > math.MaxUint64>>efi.PageShift {
		return NoAccess, CachingUnspecified, cerrors.Wrapf(InvalidPageCountError, "%d pages were requested", pageCount)
	}
	if err := memutils.CheckPageAligned(address, efi.PageSize, "address"); err != nil {
		return NoAccess, CachingUnspecified, cerrors.Wrapf(UnalignedAddressError, "%v", err)
	}

	descriptor, err := m.domain.GetMemorySpaceDescriptor(address)
	if err != nil {
		return NoAccess, CachingUnspecified, cerrors.Wrapf(InvalidAddressError, "no descriptor covers 0x%x: %v", address, err)
	}

	length := efi.PagesToSize(uint64(pageCount))
	if length > descriptor.End()-address {
		return NoAccess, CachingUnspecified, cerrors.Wrapf(InconsistentRangeAttributesError,
			"%d pages at 0x%x extend past the descriptor ending at 0x%x", pageCount, address, descriptor.End()-1)
	}

	access := AccessTypeForAttributes(descriptor.Attributes)
	caching, ok := CachingTypeForAttributes(descriptor.Attributes)
	if !ok {
		caching = WriteBack
	}

	return access, caching, nil
}

// AllocationCount returns the number of outstanding allocations.
func (m *Manager) AllocationCount() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	return m.allocations.Count()
}

// CalculateStatistics populates stats with the manager's outstanding
// allocation totals.
func (m *Manager) CalculateStatistics(stats *memutils.Statistics) {
	stats.Clear()

	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.allocations.Iter(func(_ efi.PhysicalAddress, record allocationRecord) bool {
		stats.AllocationCount++
		stats.AllocationBytes += efi.PagesToSize(uint64(record.pageCount))
		return false
	})
}
