package gcd

import (
	"fmt"

	cerrors "github.com/cockroachdb/errors"
	"github.com/uefikit/dxecore/efi"
	"github.com/uefikit/dxecore/memutils"
)

// ioSpace is the I/O-kind instantiation of the space map. I/O ranges carry
// no attributes or capabilities, so everything here is the thinner mirror of
// memmap.go.
type ioSpace struct {
	spaceMap[ioBlockData]
}

var _ memutils.Validatable = &ioSpace{}

func (s *ioSpace) init(bits uint) {
	s.initSpace(bits, ioBlockPool)
}

type ioAllocateRequest struct {
	allocateType efi.GcdAllocateType
	ioType       efi.GcdIoType
	alignment    uint64
	length       uint64
	address      efi.PhysicalAddress
	imageHandle  efi.Handle
	deviceHandle efi.Handle
}

// allocate resolves the request to a base port address and applies the
// allocation transition there. Unlike memory, port zero is reachable by
// searches: there is nothing special about it.
func (s *ioSpace) allocate(req ioAllocateRequest) (efi.PhysicalAddress, error) {
	if req.ioType == efi.GcdIoTypeNonExistent {
		return 0, cerrors.Wrapf(OutOfSpaceError, "%s space is never allocatable", req.ioType)
	}

	eligible := func(b *block[ioBlockData]) bool {
		return b.state == blockUnallocated && b.data.ioType == req.ioType
	}

	var base efi.PhysicalAddress
	var err error

	switch req.allocateType {
	case efi.GcdAllocateAnySearchBottomUp:
		base, err = s.searchBottomUp(req.length, req.alignment, s.maximum-1, 0, eligible)
	case efi.GcdAllocateMaxAddressSearchBottomUp:
		base, err = s.searchBottomUp(req.length, req.alignment, req.address, 0, eligible)
	case efi.GcdAllocateAnySearchTopDown:
		base, err = s.searchTopDown(req.length, req.alignment, s.maximum-1, 0, eligible)
	case efi.GcdAllocateMaxAddressSearchTopDown:
		base, err = s.searchTopDown(req.length, req.alignment, req.address, 0, eligible)
	case efi.GcdAllocateAddress:
		base = req.address
		if !memutils.IsAligned(base, req.alignment) {
			return 0, cerrors.Wrapf(OutOfSpaceError,
				"requested address %#x is not aligned to %#x", base, req.alignment)
		}
	default:
		panic(fmt.Sprintf("unknown allocate type %d reached the I/O space", req.allocateType))
	}
	if err != nil {
		return 0, err
	}

	err = s.transitionAt(base, req.length, allocateIoTransition(req.imageHandle, req.deviceHandle))
	if err != nil {
		return 0, err
	}
	return base, nil
}

func (s *ioSpace) rangeAllocated(base efi.PhysicalAddress, length uint64) bool {
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

func ioDescriptor(b *block[ioBlockData]) efi.IoSpaceDescriptor {
	return efi.IoSpaceDescriptor{
		BaseAddress:  b.base,
		Length:       b.length,
		IoType:       b.data.ioType,
		ImageHandle:  b.data.imageHandle,
		DeviceHandle: b.data.deviceHandle,
	}
}

func (s *ioSpace) descriptors() []efi.IoSpaceDescriptor {
	out := make([]efi.IoSpaceDescriptor, len(s.blocks))
	for i, b := range s.blocks {
		out[i] = ioDescriptor(b)
	}
	return out
}

func (s *ioSpace) descriptorForAddress(address efi.PhysicalAddress) (efi.IoSpaceDescriptor, error) {
	i, err := s.indexOf(address)
	if err != nil {
		return efi.IoSpaceDescriptor{}, err
	}
	return ioDescriptor(s.blocks[i]), nil
}

func (s *ioSpace) Validate() error {
	if err := s.validate(); err != nil {
		return err
	}

	for i, b := range s.blocks {
		if b.data.ioType >= efi.GcdIoTypeMaximum {
			return cerrors.Newf("block %d at %#x has unknown I/O type %d", i, b.base, uint32(b.data.ioType))
		}
		if b.data.ioType == efi.GcdIoTypeNonExistent && b.state == blockAllocated {
			return cerrors.Newf("block %d at %#x is allocated non-existent space", i, b.base)
		}
	}
	return nil
}

func (s *ioSpace) addStatistics(stats *memutils.Statistics) {
	for _, b := range s.blocks {
		stats.DescriptorCount++
		if b.data.ioType == efi.GcdIoTypeNonExistent {
			continue
		}

		stats.SpaceBytes += b.length
		if b.state == blockAllocated {
			stats.AllocationCount++
			stats.AllocationBytes += b.length
		}
	}
}
