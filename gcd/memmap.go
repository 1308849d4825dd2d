package gcd

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/uefikit/dxecore/efi"
	"github.com/uefikit/dxecore/memutils"
)

// memorySpace is the memory-kind instantiation of the space map plus the
// behavior only memory has: capability-aware allocation searches, descriptor
// enumeration, and the payload half of validation.
type memorySpace struct {
	spaceMap[memoryBlockData]
}

var _ memutils.Validatable = &memorySpace{}

func (s *memorySpace) init(bits uint) {
	s.initSpace(bits, memoryBlockPool)
}

type memoryAllocateRequest struct {
	allocateType efi.GcdAllocateType
	memoryType   efi.GcdMemoryType
	alignment    uint64
	length       uint64
	// address is the exact base for GcdAllocateAddress and the inclusive
	// upper bound for the max-address searches.
	address      efi.PhysicalAddress
	imageHandle  efi.Handle
	deviceHandle efi.Handle
	// requiredCaps rejects candidate blocks that cannot support the
	// attributes the façade will apply to the fresh allocation.
	requiredCaps uint64
}

// allocate resolves the request to a concrete base address and applies the
// allocation transition there. Searches respect any preserved ownership on
// candidate ranges; an exact-address request takes the range regardless of
// who owned it last, which is also the only way to allocate inside page
// zero.
func (s *memorySpace) allocate(req memoryAllocateRequest) (efi.PhysicalAddress, error) {
	if req.memoryType == efi.GcdMemoryTypeNonExistent || req.memoryType == efi.GcdMemoryTypeUnaccepted {
		return 0, cerrors.Wrapf(OutOfSpaceError, "%s space is never allocatable", req.memoryType)
	}

	// The predicate folds in every allocation precondition, so a search
	// skips ranges whose transition would be rejected (another image's
	// preserved ownership, insufficient capabilities) instead of failing
	// on them.
	eligible := func(b *block[memoryBlockData]) bool {
		return b.state == blockUnallocated &&
			b.data.memoryType == req.memoryType &&
			req.requiredCaps&^b.data.capabilities == 0 &&
			(b.data.imageHandle == efi.NullHandle || b.data.imageHandle == req.imageHandle)
	}

	var base efi.PhysicalAddress
	var err error

	switch req.allocateType {
	case efi.GcdAllocateAnySearchBottomUp:
		base, err = s.searchBottomUp(req.length, req.alignment, s.maximum-1, efi.PageSize, eligible)
	case efi.GcdAllocateMaxAddressSearchBottomUp:
		base, err = s.searchBottomUp(req.length, req.alignment, req.address, efi.PageSize, eligible)
	case efi.GcdAllocateAnySearchTopDown:
		base, err = s.searchTopDown(req.length, req.alignment, s.maximum-1, efi.PageSize, eligible)
	case efi.GcdAllocateMaxAddressSearchTopDown:
		base, err = s.searchTopDown(req.length, req.alignment, req.address, efi.PageSize, eligible)
	case efi.GcdAllocateAddress:
		base = req.address
		if !memutils.IsAligned(base, req.alignment) {
			return 0, cerrors.Wrapf(OutOfSpaceError,
				"requested address %#x is not aligned to %#x", base, req.alignment)
		}
	default:
		panic(fmt.Sprintf("unknown allocate type %d reached the memory space", req.allocateType))
	}
	if err != nil {
		return 0, err
	}

	respectOwnership := req.allocateType != efi.GcdAllocateAddress
	err = s.transitionAt(base, req.length,
		allocateMemoryTransition(req.imageHandle, req.deviceHandle, respectOwnership))
	if err != nil {
		return 0, err
	}
	return base, nil
}

// rangeAllocated reports whether any block overlapping the range is
// currently allocated. Used to distinguish access-denied from not-found when
// a removal is rejected.
func (s *memorySpace) rangeAllocated(base efi.PhysicalAddress, length uint64) bool {
	first, last, err := s.overlap(base, length)
	if err != nil {
		return false
	}
	for i := first; i <= last; i++ {
		if s.blocks[i].state == blockAllocated {
			return true
		}
	}
	return false
}

func memoryDescriptor(b *block[memoryBlockData]) efi.MemorySpaceDescriptor {
	return efi.MemorySpaceDescriptor{
		BaseAddress:  b.base,
		Length:       b.length,
		Capabilities: b.data.capabilities,
		Attributes:   b.data.attributes,
		MemoryType:   b.data.memoryType,
		ImageHandle:  b.data.imageHandle,
		DeviceHandle: b.data.deviceHandle,
	}
}

// descriptors snapshots the whole map in address order, one descriptor per
// block, non-existent regions included.
func (s *memorySpace) descriptors() []efi.MemorySpaceDescriptor {
	out := make([]efi.MemorySpaceDescriptor, len(s.blocks))
	for i, b := range s.blocks {
		out[i] = memoryDescriptor(b)
	}
	return out
}

func (s *memorySpace) descriptorForAddress(address efi.PhysicalAddress) (efi.MemorySpaceDescriptor, error) {
	i, err := s.indexOf(address)
	if err != nil {
		return efi.MemorySpaceDescriptor{}, err
	}
	return memoryDescriptor(s.blocks[i]), nil
}

// descriptorsInRange snapshots the blocks overlapping [base, base+length),
// un-clamped: the first and last descriptors may extend beyond the range.
func (s *memorySpace) descriptorsInRange(base efi.PhysicalAddress, length uint64) ([]efi.MemorySpaceDescriptor, error) {
	first, last, err := s.overlap(base, length)
	if err != nil {
		return nil, err
	}

	out := make([]efi.MemorySpaceDescriptor, 0, last-first+1)
	for i := first; i <= last; i++ {
		out = append(out, memoryDescriptor(s.blocks[i]))
	}
	return out, nil
}

// allocatedDescriptors snapshots every block currently allocated to an
// image, in address order.
func (s *memorySpace) allocatedDescriptors() []efi.MemorySpaceDescriptor {
	var out []efi.MemorySpaceDescriptor
	for _, b := range s.blocks {
		if b.state == blockAllocated {
			out = append(out, memoryDescriptor(b))
		}
	}
	return out
}

// mmioAndReservedDescriptors snapshots the unallocated memory-mapped I/O and
// reserved blocks, the regions drivers reach for without allocating first.
func (s *memorySpace) mmioAndReservedDescriptors() []efi.MemorySpaceDescriptor {
	var out []efi.MemorySpaceDescriptor
	for _, b := range s.blocks {
		if b.state != blockUnallocated {
			continue
		}
		if b.data.memoryType == efi.GcdMemoryTypeMemoryMappedIo || b.data.memoryType == efi.GcdMemoryTypeReserved {
			out = append(out, memoryDescriptor(b))
		}
	}
	return out
}

// Validate layers the memory payload invariants over the structural checks:
// region types must be known, attributes must stay within capabilities, and
// non-existent space can never be allocated.
func (s *memorySpace) Validate() error {
	if err := s.validate(); err != nil {
		return err
	}

	for i, b := range s.blocks {
		if b.data.memoryType >= efi.GcdMemoryTypeMaximum {
			return cerrors.Newf("block %d at %#x has unknown memory type %d", i, b.base, uint32(b.data.memoryType))
		}
		if b.data.attributes&^b.data.capabilities != 0 {
			return cerrors.Newf("block %d at %#x holds attributes %#x beyond its capabilities %#x",
				i, b.base, b.data.attributes, b.data.capabilities)
		}
		if b.data.memoryType == efi.GcdMemoryTypeNonExistent && b.state == blockAllocated {
			return cerrors.Newf("block %d at %#x is allocated non-existent space", i, b.base)
		}
	}
	return nil
}

func (s *memorySpace) addDetailedStatistics(stats *memutils.DetailedStatistics) {
	for _, b := range s.blocks {
		stats.DescriptorCount++
		if b.data.memoryType == efi.GcdMemoryTypeNonExistent {
			continue
		}

		stats.SpaceBytes += b.length
		if b.state == blockAllocated {
			stats.AddAllocation(b.length)
		} else {
			stats.AddUnallocatedRange(b.length)
		}
	}
}
