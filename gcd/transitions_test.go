package gcd

import (
	"testing"

	cerrors "github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/uefikit/dxecore/efi"
)

func nonExistentBlock() *block[memoryBlockData] {
	return &block[memoryBlockData]{
		state:  blockUnallocated,
		base:   0x1000,
		length: 0x1000,
	}
}

func unallocatedSystemMemoryBlock() *block[memoryBlockData] {
	return &block[memoryBlockData]{
		state:  blockUnallocated,
		base:   0x1000,
		length: 0x1000,
		data: memoryBlockData{
			memoryType:   efi.GcdMemoryTypeSystemMemory,
			capabilities: efi.MemoryUC | efi.MemoryWB | efi.MemoryRP | efi.MemoryXP,
			attributes:   efi.MemoryWB,
		},
	}
}

func allocatedSystemMemoryBlock() *block[memoryBlockData] {
	b := unallocatedSystemMemoryBlock()
	b.state = blockAllocated
	b.data.imageHandle = 7
	b.data.deviceHandle = 9
	return b
}

func requireTransitionRejected[D comparable](t *testing.T, b *block[D], tr transition[D]) {
	t.Helper()

	before := *b
	err := tr(b)
	require.Error(t, err)
	require.True(t, cerrors.Is(err, InvalidStateTransitionError))
	require.Equal(t, before, *b)
}

func TestAddMemoryTransition(t *testing.T) {
	b := nonExistentBlock()

	err := addMemoryTransition(efi.GcdMemoryTypeMemoryMappedIo, efi.MemoryUC|efi.MemoryRP, efi.MemoryRP)(b)
	require.NoError(t, err)
	require.Equal(t, blockUnallocated, b.state)
	require.Equal(t, efi.GcdMemoryTypeMemoryMappedIo, b.data.memoryType)
	require.Equal(t, efi.MemoryUC|efi.MemoryRP, b.data.capabilities)
	require.Equal(t, efi.MemoryRP, b.data.attributes)
}

func TestAddMemoryTransitionRejects(t *testing.T) {
	t.Run("NonExistentTarget", func(t *testing.T) {
		requireTransitionRejected(t, nonExistentBlock(),
			addMemoryTransition(efi.GcdMemoryTypeNonExistent, 0, 0))
	})
	t.Run("AlreadyAdded", func(t *testing.T) {
		requireTransitionRejected(t, unallocatedSystemMemoryBlock(),
			addMemoryTransition(efi.GcdMemoryTypeReserved, 0, 0))
	})
	t.Run("Allocated", func(t *testing.T) {
		requireTransitionRejected(t, allocatedSystemMemoryBlock(),
			addMemoryTransition(efi.GcdMemoryTypeReserved, 0, 0))
	})
	t.Run("AttributesOutsideCapabilities", func(t *testing.T) {
		requireTransitionRejected(t, nonExistentBlock(),
			addMemoryTransition(efi.GcdMemoryTypeSystemMemory, efi.MemoryUC, efi.MemoryWB))
	})
}

func TestRemoveMemoryTransition(t *testing.T) {
	b := unallocatedSystemMemoryBlock()

	err := removeMemoryTransition()(b)
	require.NoError(t, err)
	require.Equal(t, *nonExistentBlock(), *b)
}

func TestRemoveMemoryTransitionRejects(t *testing.T) {
	t.Run("NonExistent", func(t *testing.T) {
		requireTransitionRejected(t, nonExistentBlock(), removeMemoryTransition())
	})
	t.Run("Allocated", func(t *testing.T) {
		requireTransitionRejected(t, allocatedSystemMemoryBlock(), removeMemoryTransition())
	})
}

func TestAllocateMemoryTransition(t *testing.T) {
	b := unallocatedSystemMemoryBlock()

	err := allocateMemoryTransition(7, 9, true)(b)
	require.NoError(t, err)
	require.Equal(t, blockAllocated, b.state)
	require.Equal(t, efi.Handle(7), b.data.imageHandle)
	require.Equal(t, efi.Handle(9), b.data.deviceHandle)
}

func TestAllocateMemoryTransitionKeepsDeviceHandle(t *testing.T) {
	b := unallocatedSystemMemoryBlock()
	b.data.deviceHandle = 9

	err := allocateMemoryTransition(7, efi.NullHandle, true)(b)
	require.NoError(t, err)
	require.Equal(t, efi.Handle(9), b.data.deviceHandle)
}

func TestAllocateMemoryTransitionOwnership(t *testing.T) {
	// A freed block that kept its owner can only be reclaimed by that owner
	// while ownership is respected.
	owned := unallocatedSystemMemoryBlock()
	owned.data.imageHandle = 7

	requireTransitionRejected(t, owned, allocateMemoryTransition(8, efi.NullHandle, true))

	err := allocateMemoryTransition(7, efi.NullHandle, true)(owned)
	require.NoError(t, err)
	require.Equal(t, blockAllocated, owned.state)

	// Explicit address placement overrides retained ownership.
	overridden := unallocatedSystemMemoryBlock()
	overridden.data.imageHandle = 7

	err = allocateMemoryTransition(8, efi.NullHandle, false)(overridden)
	require.NoError(t, err)
	require.Equal(t, efi.Handle(8), overridden.data.imageHandle)
}

func TestAllocateMemoryTransitionRejects(t *testing.T) {
	t.Run("NonExistent", func(t *testing.T) {
		requireTransitionRejected(t, nonExistentBlock(),
			allocateMemoryTransition(7, efi.NullHandle, true))
	})
	t.Run("Unaccepted", func(t *testing.T) {
		b := unallocatedSystemMemoryBlock()
		b.data.memoryType = efi.GcdMemoryTypeUnaccepted
		requireTransitionRejected(t, b, allocateMemoryTransition(7, efi.NullHandle, true))
	})
	t.Run("AlreadyAllocated", func(t *testing.T) {
		requireTransitionRejected(t, allocatedSystemMemoryBlock(),
			allocateMemoryTransition(7, efi.NullHandle, true))
	})
}

func TestFreeMemoryTransition(t *testing.T) {
	b := allocatedSystemMemoryBlock()

	err := freeMemoryTransition(false)(b)
	require.NoError(t, err)
	require.Equal(t, blockUnallocated, b.state)
	require.Equal(t, efi.NullHandle, b.data.imageHandle)
	require.Equal(t, efi.NullHandle, b.data.deviceHandle)
}

func TestFreeMemoryTransitionPreservesOwnership(t *testing.T) {
	b := allocatedSystemMemoryBlock()

	err := freeMemoryTransition(true)(b)
	require.NoError(t, err)
	require.Equal(t, blockUnallocated, b.state)
	require.Equal(t, efi.Handle(7), b.data.imageHandle)
	require.Equal(t, efi.NullHandle, b.data.deviceHandle)
}

func TestFreeMemoryTransitionRejects(t *testing.T) {
	requireTransitionRejected(t, unallocatedSystemMemoryBlock(), freeMemoryTransition(false))
}

func TestSetAttributesTransition(t *testing.T) {
	b := unallocatedSystemMemoryBlock()

	err := setAttributesTransition(efi.MemoryUC | efi.MemoryXP)(b)
	require.NoError(t, err)
	require.Equal(t, efi.MemoryUC|efi.MemoryXP, b.data.attributes)

	// Allocated blocks accept attribute changes too.
	allocated := allocatedSystemMemoryBlock()
	err = setAttributesTransition(efi.MemoryRP)(allocated)
	require.NoError(t, err)
	require.Equal(t, efi.MemoryRP, allocated.data.attributes)
}

func TestSetAttributesTransitionRejects(t *testing.T) {
	t.Run("NonExistent", func(t *testing.T) {
		requireTransitionRejected(t, nonExistentBlock(), setAttributesTransition(efi.MemoryWB))
	})
	t.Run("OutsideCapabilities", func(t *testing.T) {
		requireTransitionRejected(t, unallocatedSystemMemoryBlock(),
			setAttributesTransition(efi.MemoryWT))
	})
}

func TestSetCapabilitiesTransition(t *testing.T) {
	b := unallocatedSystemMemoryBlock()

	err := setCapabilitiesTransition(efi.MemoryWB | efi.MemoryWT)(b)
	require.NoError(t, err)
	require.Equal(t, efi.MemoryWB|efi.MemoryWT, b.data.capabilities)
}

func TestSetCapabilitiesTransitionRejects(t *testing.T) {
	t.Run("NonExistent", func(t *testing.T) {
		requireTransitionRejected(t, nonExistentBlock(), setCapabilitiesTransition(efi.MemoryWB))
	})
	t.Run("DropsActiveAttributes", func(t *testing.T) {
		// The block's current attributes include WB, so capabilities
		// shrinking below WB must be refused.
		requireTransitionRejected(t, unallocatedSystemMemoryBlock(),
			setCapabilitiesTransition(efi.MemoryUC))
	})
}

func nonExistentIoBlock() *block[ioBlockData] {
	return &block[ioBlockData]{
		state:  blockUnallocated,
		base:   0x100,
		length: 0x100,
	}
}

func TestIoTransitions(t *testing.T) {
	b := nonExistentIoBlock()

	err := addIoTransition(efi.GcdIoTypeIo)(b)
	require.NoError(t, err)
	require.Equal(t, efi.GcdIoTypeIo, b.data.ioType)

	err = allocateIoTransition(7, 9)(b)
	require.NoError(t, err)
	require.Equal(t, blockAllocated, b.state)
	require.Equal(t, efi.Handle(7), b.data.imageHandle)
	require.Equal(t, efi.Handle(9), b.data.deviceHandle)

	err = freeIoTransition()(b)
	require.NoError(t, err)
	require.Equal(t, blockUnallocated, b.state)
	require.Equal(t, efi.NullHandle, b.data.imageHandle)
	require.Equal(t, efi.NullHandle, b.data.deviceHandle)

	err = removeIoTransition()(b)
	require.NoError(t, err)
	require.Equal(t, *nonExistentIoBlock(), *b)
}

func TestIoTransitionRejects(t *testing.T) {
	t.Run("AddNonExistent", func(t *testing.T) {
		requireTransitionRejected(t, nonExistentIoBlock(), addIoTransition(efi.GcdIoTypeNonExistent))
	})
	t.Run("AllocateNonExistent", func(t *testing.T) {
		requireTransitionRejected(t, nonExistentIoBlock(), allocateIoTransition(7, efi.NullHandle))
	})
	t.Run("FreeUnallocated", func(t *testing.T) {
		b := nonExistentIoBlock()
		require.NoError(t, addIoTransition(efi.GcdIoTypeIo)(b))
		requireTransitionRejected(t, b, freeIoTransition())
	})
	t.Run("RemoveAllocated", func(t *testing.T) {
		b := nonExistentIoBlock()
		require.NoError(t, addIoTransition(efi.GcdIoTypeIo)(b))
		require.NoError(t, allocateIoTransition(7, efi.NullHandle)(b))
		requireTransitionRejected(t, b, removeIoTransition())
	})
}
